// Package membership enforces stored entitlements against the remote group:
// the reconciler removes lapsed members and the issuer hands out single-use
// invites to active ones.
package membership

import (
	"context"
	"errors"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/internal/gateway"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
	"github.com/angelmondragon/membergate-backend/pkg/metrics"
)

const (
	engineName         = "reconcile"
	defaultBatchSize   = 200
	defaultBanDuration = time.Minute
)

// Outcome is the result of reconciling one account.
type Outcome string

const (
	OutcomeActive        Outcome = "active"
	OutcomeAlreadyAbsent Outcome = "already_absent"
	OutcomeRemoved       Outcome = "removed"
	OutcomeAdminSkipped  Outcome = "admin_skipped"
	OutcomeChanged       Outcome = "changed"
	OutcomeFailed        Outcome = "failed"
)

// Summary counts sweep outcomes.
type Summary struct {
	Checked       int `json:"checked"`
	AlreadyAbsent int `json:"already_absent"`
	Removed       int `json:"removed"`
	AdminsSkipped int `json:"admins_skipped"`
	Changed       int `json:"changed"`
	Failed        int `json:"failed"`
}

func (s *Summary) add(outcome Outcome) {
	s.Checked++
	switch outcome {
	case OutcomeAlreadyAbsent:
		s.AlreadyAbsent++
	case OutcomeRemoved:
		s.Removed++
	case OutcomeAdminSkipped:
		s.AdminsSkipped++
	case OutcomeChanged:
		s.Changed++
	case OutcomeFailed:
		s.Failed++
	}
}

// ReconcilerConfig tunes the sweep.
type ReconcilerConfig struct {
	BanDuration time.Duration
	// StrictLookup keeps an account for the next sweep when its status
	// cannot be read instead of treating it as already gone.
	StrictLookup  bool
	BatchSize     int
	RemoteTimeout time.Duration
	// IsAdmin reports operator accounts that are never removed.
	IsAdmin func(accountID int64) bool
}

// ReconcilerParams groups the reconciler dependencies.
type ReconcilerParams struct {
	Entitlements entitlements.Repository
	Gateway      gateway.MembershipGateway
	Logger       *logger.Logger
	Metrics      *metrics.OutcomeMetrics
	Config       ReconcilerConfig
}

// Reconciler removes members whose entitlement has lapsed.
type Reconciler struct {
	repo    entitlements.Repository
	gateway gateway.MembershipGateway
	logg    *logger.Logger
	metrics *metrics.OutcomeMetrics
	cfg     ReconcilerConfig
	now     func() time.Time
}

func NewReconciler(params ReconcilerParams) (*Reconciler, error) {
	if params.Entitlements == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "entitlements repository required")
	}
	if params.Gateway == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "membership gateway required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	cfg := params.Config
	if cfg.BanDuration <= 0 {
		cfg.BanDuration = defaultBanDuration
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.IsAdmin == nil {
		cfg.IsAdmin = func(int64) bool { return false }
	}
	return &Reconciler{
		repo:    params.Entitlements,
		gateway: params.Gateway,
		logg:    params.Logger,
		metrics: params.Metrics,
		cfg:     cfg,
		now:     time.Now,
	}, nil
}

// Sweep reconciles every lapsed account. Per-account failures are counted,
// logged and returned together; they never stop the sweep.
func (r *Reconciler) Sweep(ctx context.Context) (Summary, error) {
	var (
		summary Summary
		errs    error
		afterID int64
	)
	now := r.now()
	for {
		if err := ctx.Err(); err != nil {
			return summary, multierr.Append(errs, err)
		}
		batch, err := r.repo.ListLapsed(ctx, now, afterID, r.cfg.BatchSize)
		if err != nil {
			return summary, multierr.Append(errs, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list lapsed accounts"))
		}
		for i := range batch {
			account := batch[i]
			afterID = account.ID
			outcome, err := r.reconcile(ctx, account, now)
			summary.add(outcome)
			r.metrics.Inc(engineName, string(outcome))
			if err != nil {
				errs = multierr.Append(errs, err)
			}
		}
		if len(batch) < r.cfg.BatchSize {
			break
		}
	}

	logCtx := r.logg.WithFields(ctx, map[string]any{
		"checked":        summary.Checked,
		"already_absent": summary.AlreadyAbsent,
		"removed":        summary.Removed,
		"admins_skipped": summary.AdminsSkipped,
		"changed":        summary.Changed,
		"failed":         summary.Failed,
	})
	r.logg.Info(logCtx, "reconcile sweep complete")
	return summary, errs
}

// ReconcileAccount enforces one account now. Active accounts are left alone.
func (r *Reconciler) ReconcileAccount(ctx context.Context, accountID int64) (Outcome, error) {
	account, err := r.repo.Get(ctx, accountID)
	if err != nil {
		return OutcomeFailed, lookupError(err)
	}
	outcome, err := r.reconcile(ctx, *account, r.now())
	r.metrics.Inc(engineName, string(outcome))
	return outcome, err
}

func (r *Reconciler) reconcile(ctx context.Context, account models.Account, now time.Time) (Outcome, error) {
	ctx = r.logg.WithAccountID(ctx, account.ID)
	if account.ExpiresAt == nil || !account.ExpiresAt.Before(now) {
		return OutcomeActive, nil
	}
	if r.cfg.IsAdmin(account.ID) {
		r.logg.Debug(ctx, "skipping operator account")
		return OutcomeAdminSkipped, nil
	}

	status, err := r.lookup(ctx, account.ID)
	if err != nil {
		if r.cfg.StrictLookup {
			r.logg.Error(ctx, "membership lookup failed", err)
			return OutcomeFailed, err
		}
		r.logg.Info(r.logg.WithField(ctx, "error", err.Error()), "membership lookup failed, treating as absent")
		status = enums.MembershipStatusAbsent
	}

	switch {
	case status.IsPrivileged():
		r.logg.Warn(r.logg.WithField(ctx, "status", string(status)), "lapsed account is a group admin, not removing")
		return OutcomeAdminSkipped, nil
	case status == enums.MembershipStatusAbsent:
		return r.markProcessed(ctx, account, OutcomeAlreadyAbsent)
	}

	if err := r.remove(ctx, account.ID); err != nil {
		r.logg.Error(ctx, "could not remove lapsed member", err)
		return OutcomeFailed, err
	}
	return r.markProcessed(ctx, account, OutcomeRemoved)
}

// markProcessed clears the lapsed expiry so later sweeps skip the account.
// A renewal that raced in keeps its new expiry.
func (r *Reconciler) markProcessed(ctx context.Context, account models.Account, outcome Outcome) (Outcome, error) {
	cleared, err := r.repo.CompareAndSetExpiry(ctx, account.ID, account.ExpiresAt, nil)
	if err != nil {
		r.logg.Error(ctx, "could not clear lapsed expiry", err)
		return OutcomeFailed, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear lapsed expiry")
	}
	if !cleared {
		r.logg.Info(ctx, "expiry changed during reconcile, leaving account as is")
		return OutcomeChanged, nil
	}
	return outcome, nil
}

func (r *Reconciler) lookup(ctx context.Context, accountID int64) (enums.MembershipStatus, error) {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.gateway.GetMembershipStatus(ctx, accountID)
}

func (r *Reconciler) remove(ctx context.Context, accountID int64) error {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()
	return r.gateway.BanThenUnban(ctx, accountID, r.cfg.BanDuration)
}

func (r *Reconciler) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.cfg.RemoteTimeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, r.cfg.RemoteTimeout)
}

func lookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
}
