// Package operator implements the manual controls: granting days, revoking
// or canceling access, and the resync and recompute sweeps.
package operator

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/membergate-backend/internal/accounts"
	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/internal/membership"
	"github.com/angelmondragon/membergate-backend/internal/notify"
	"github.com/angelmondragon/membergate-backend/internal/payments"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

const (
	day     = 24 * time.Hour
	maxDays = 3650
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Reconciler enforces one account or the whole group.
type Reconciler interface {
	ReconcileAccount(ctx context.Context, accountID int64) (membership.Outcome, error)
	Sweep(ctx context.Context) (membership.Summary, error)
}

// InviteIssuer creates a join link for an active account.
type InviteIssuer interface {
	Issue(ctx context.Context, accountID int64) (*membership.Invite, error)
}

// GrantRequest adds days of access.
type GrantRequest struct {
	AccountID int64
	Days      int
	Actor     string
	Reason    string
}

// RevokeRequest ends access now.
type RevokeRequest struct {
	AccountID int64
	Actor     string
	Reason    string
}

// GrantResult reports a grant.
type GrantResult struct {
	AccountID int64              `json:"account_id"`
	Days      int                `json:"days"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	Invite    *membership.Invite `json:"invite,omitempty"`
}

// RevokeResult reports a revoke or cancel.
type RevokeResult struct {
	AccountID int64              `json:"account_id"`
	ExpiresAt *time.Time         `json:"expires_at,omitempty"`
	Outcome   membership.Outcome `json:"outcome"`
}

// Service defines the operator surface.
type Service interface {
	Grant(ctx context.Context, req GrantRequest) (*GrantResult, error)
	Revoke(ctx context.Context, req RevokeRequest) (*RevokeResult, error)
	Cancel(ctx context.Context, accountID int64, reason string) (*RevokeResult, error)
	Resync(ctx context.Context) (membership.Summary, error)
	RecomputeAccount(ctx context.Context, accountID int64) (*entitlements.Change, error)
	RecomputeLocal(ctx context.Context) (payments.RecomputeSummary, error)
	RecomputeFromProvider(ctx context.Context) (payments.RecomputeSummary, error)
}

// Params groups the operator dependencies.
type Params struct {
	Accounts     accounts.Repository
	Entitlements entitlements.Service
	Store        entitlements.Repository
	Payments     payments.Service
	Reconciler   Reconciler
	Invites      InviteIssuer
	Notifier     *notify.Sender
	Tx           txRunner
	Logger       *logger.Logger
}

type service struct {
	accounts     accounts.Repository
	entitlements entitlements.Service
	store        entitlements.Repository
	payments     payments.Service
	reconciler   Reconciler
	invites      InviteIssuer
	notifier     *notify.Sender
	tx           txRunner
	logg         *logger.Logger
	now          func() time.Time
}

func NewService(params Params) (Service, error) {
	switch {
	case params.Accounts == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "accounts repository required")
	case params.Entitlements == nil || params.Store == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "entitlements required")
	case params.Payments == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payments service required")
	case params.Reconciler == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "reconciler required")
	case params.Invites == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "invite issuer required")
	case params.Notifier == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifier required")
	case params.Tx == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction runner required")
	case params.Logger == nil:
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	return &service{
		accounts:     params.Accounts,
		entitlements: params.Entitlements,
		store:        params.Store,
		payments:     params.Payments,
		reconciler:   params.Reconciler,
		invites:      params.Invites,
		notifier:     params.Notifier,
		tx:           params.Tx,
		logg:         params.Logger,
		now:          time.Now,
	}, nil
}

// Grant extends access by whole days as if a payment of that length arrived
// now, and logs the adjustment so replays keep it.
func (s *service) Grant(ctx context.Context, req GrantRequest) (*GrantResult, error) {
	if req.AccountID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id required")
	}
	if req.Days <= 0 || req.Days > maxDays {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "days must be a positive number")
	}
	ctx = s.logg.WithAccountID(ctx, req.AccountID)
	now := s.now()

	var change *entitlements.Change
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.accounts.WithTx(tx).EnsureExists(ctx, req.AccountID); err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ensure account")
		}
		var err error
		change, err = s.entitlements.Extend(ctx, tx, req.AccountID, now, time.Duration(req.Days)*day)
		if err != nil {
			return err
		}
		return s.record(ctx, tx, req.AccountID, enums.AdjustmentKindGrant, req.Days, req.Actor, req.Reason, now)
	})
	if err != nil {
		return nil, err
	}

	result := &GrantResult{AccountID: req.AccountID, Days: req.Days, ExpiresAt: change.Current}
	link := ""
	if invite, err := s.invites.Issue(ctx, req.AccountID); err != nil {
		s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "invite not issued after grant")
	} else {
		result.Invite = invite
		link = invite.Link
	}
	if change.Current != nil {
		s.notifier.Send(ctx, req.AccountID, notify.AccessGranted(req.Days, *change.Current, link))
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{"days": req.Days, "actor": req.Actor}), "access granted")
	return result, nil
}

// Revoke ends an active entitlement, drops the saved instrument and removes
// the member from the group right away.
func (s *service) Revoke(ctx context.Context, req RevokeRequest) (*RevokeResult, error) {
	result, err := s.close(ctx, req.AccountID, enums.AdjustmentKindRevoke, req.Actor, req.Reason)
	if err != nil {
		return nil, err
	}
	s.notifier.Send(ctx, req.AccountID, notify.AccessRevoked())
	return result, nil
}

// Cancel is the member's own cancellation: the same transition as a revoke.
func (s *service) Cancel(ctx context.Context, accountID int64, reason string) (*RevokeResult, error) {
	result, err := s.close(ctx, accountID, enums.AdjustmentKindCancel, "member", reason)
	if err != nil {
		return nil, err
	}
	s.notifier.Send(ctx, accountID, notify.SubscriptionCanceled())
	return result, nil
}

func (s *service) close(ctx context.Context, accountID int64, kind enums.AdjustmentKind, actor, reason string) (*RevokeResult, error) {
	account, err := s.store.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
	}
	now := s.now()
	if !account.ActiveAt(now) {
		return nil, pkgerrors.New(pkgerrors.CodeStateConflict, "no active subscription")
	}
	ctx = s.logg.WithAccountID(ctx, accountID)

	var change *entitlements.Change
	err = s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		change, err = s.entitlements.Close(ctx, tx, accountID, now)
		if err != nil {
			return err
		}
		return s.record(ctx, tx, accountID, kind, 0, actor, reason, now)
	})
	if err != nil {
		return nil, err
	}

	result := &RevokeResult{AccountID: accountID, ExpiresAt: change.Current}
	outcome, err := s.reconciler.ReconcileAccount(ctx, accountID)
	result.Outcome = outcome
	if err != nil {
		s.logg.Error(ctx, "immediate removal failed, the next sweep retries", err)
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{"kind": string(kind), "actor": actor}), "access closed")
	return result, nil
}

func (s *service) record(ctx context.Context, tx *gorm.DB, accountID int64, kind enums.AdjustmentKind, days int, actor, reason string, at time.Time) error {
	adj := &models.EntitlementAdjustment{
		AccountID:   accountID,
		Kind:        kind,
		Days:        days,
		Actor:       actorOrDefault(actor),
		EffectiveAt: at,
	}
	if trimmed := strings.TrimSpace(reason); trimmed != "" {
		adj.Reason = &trimmed
	}
	if err := s.store.WithTx(tx).CreateAdjustment(ctx, adj); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record adjustment")
	}
	return nil
}

func (s *service) Resync(ctx context.Context) (membership.Summary, error) {
	return s.reconciler.Sweep(ctx)
}

func (s *service) RecomputeAccount(ctx context.Context, accountID int64) (*entitlements.Change, error) {
	if _, err := s.store.Get(ctx, accountID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
	}
	return s.payments.RecomputeAccount(ctx, accountID)
}

func (s *service) RecomputeLocal(ctx context.Context) (payments.RecomputeSummary, error) {
	return s.payments.RecomputeLocal(ctx)
}

func (s *service) RecomputeFromProvider(ctx context.Context) (payments.RecomputeSummary, error) {
	return s.payments.RecomputeFromProvider(ctx)
}

func actorOrDefault(actor string) string {
	if trimmed := strings.TrimSpace(actor); trimmed != "" {
		return trimmed
	}
	return "operator"
}
