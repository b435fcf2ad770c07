// Package renewal charges saved instruments shortly before an entitlement
// runs out and switches auto-renewal off after repeated failures.
package renewal

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/multierr"
	"golang.org/x/time/rate"

	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/internal/payments"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
	"github.com/angelmondragon/membergate-backend/pkg/metrics"
)

const engineName = "renewal"

// Config tunes candidate selection and pacing.
type Config struct {
	Lookahead        time.Duration
	FailureThreshold int
	// ChargeDelay spaces consecutive charges; zero disables pacing.
	ChargeDelay time.Duration
	// ClaimWindow blocks a second attempt on the same account while a
	// previous claim is younger than this.
	ClaimWindow time.Duration
}

// Params groups the engine dependencies.
type Params struct {
	Entitlements entitlements.Repository
	Payments     payments.Service
	Logger       *logger.Logger
	Metrics      *metrics.OutcomeMetrics
	Config       Config
}

// Summary counts one sweep.
type Summary struct {
	Candidates int `json:"candidates"`
	Skipped    int `json:"skipped"`
	Succeeded  int `json:"succeeded"`
	Failed     int `json:"failed"`
	Pending    int `json:"pending"`
	Disabled   int `json:"disabled"`
	Errors     int `json:"errors"`
}

// Engine runs the auto-renewal sweep.
type Engine struct {
	store    entitlements.Repository
	payments payments.Service
	logg     *logger.Logger
	metrics  *metrics.OutcomeMetrics
	limiter  *rate.Limiter
	cfg      Config
	now      func() time.Time
}

func NewEngine(params Params) (*Engine, error) {
	if params.Entitlements == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "entitlements repository required")
	}
	if params.Payments == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payments service required")
	}
	if params.Logger == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	cfg := params.Config
	if cfg.Lookahead <= 0 {
		cfg.Lookahead = 48 * time.Hour
	}
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 2
	}
	if cfg.ClaimWindow <= 0 {
		cfg.ClaimWindow = time.Hour
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.ChargeDelay > 0 {
		limiter = rate.NewLimiter(rate.Every(cfg.ChargeDelay), 1)
	}
	return &Engine{
		store:    params.Entitlements,
		payments: params.Payments,
		logg:     params.Logger,
		metrics:  params.Metrics,
		limiter:  limiter,
		cfg:      cfg,
		now:      time.Now,
	}, nil
}

// Sweep charges every eligible account once: auto-renewal on, instrument
// saved, expiry within the lookahead and failures below the threshold.
func (e *Engine) Sweep(ctx context.Context) (Summary, error) {
	var (
		summary Summary
		errs    error
	)
	now := e.now()
	candidates, err := e.store.ListRenewalCandidates(ctx, now, now.Add(e.cfg.Lookahead), e.cfg.FailureThreshold)
	if err != nil {
		return summary, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list renewal candidates")
	}
	summary.Candidates = len(candidates)

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return summary, multierr.Append(errs, err)
		}
		outcome, err := e.renew(ctx, candidates[i], now)
		e.metrics.Inc(engineName, outcome)
		switch outcome {
		case "skipped":
			summary.Skipped++
		case "succeeded":
			summary.Succeeded++
		case "pending":
			summary.Pending++
		case "disabled":
			summary.Failed++
			summary.Disabled++
		case "failed":
			summary.Failed++
		case "error":
			summary.Errors++
		}
		if err != nil {
			errs = multierr.Append(errs, err)
		}
	}

	e.logg.Info(e.logg.WithFields(ctx, map[string]any{
		"candidates": summary.Candidates,
		"skipped":    summary.Skipped,
		"succeeded":  summary.Succeeded,
		"failed":     summary.Failed,
		"pending":    summary.Pending,
		"disabled":   summary.Disabled,
		"errors":     summary.Errors,
	}), "renewal sweep complete")
	return summary, errs
}

func (e *Engine) renew(ctx context.Context, account models.Account, now time.Time) (string, error) {
	ctx = e.logg.WithAccountID(ctx, account.ID)

	checkout, err := e.payments.HasPendingCheckout(ctx, account.ID)
	if err != nil {
		e.logg.Error(ctx, "could not check pending checkout", err)
		return "error", err
	}
	if checkout {
		e.logg.Info(ctx, "member is paying manually, skipping renewal")
		return "skipped", nil
	}

	claimed, err := e.store.ClaimRenewal(ctx, account.ID, account.FailureCount, now, now.Add(-e.cfg.ClaimWindow))
	if err != nil {
		e.logg.Error(ctx, "could not claim renewal", err)
		return "error", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim renewal")
	}
	if !claimed {
		return "skipped", nil
	}

	if err := e.limiter.Wait(ctx); err != nil {
		return "error", err
	}

	result, err := e.payments.ChargeRenewal(ctx, account, IdempotencyKey(account))
	if err != nil {
		e.logg.Error(ctx, "renewal charge failed", err)
		recorded, recErr := e.payments.RecordRenewalError(ctx, account.ID)
		if recErr != nil {
			return "error", multierr.Append(err, recErr)
		}
		if recorded.AutoRenewalDisabled {
			return "disabled", err
		}
		return "error", err
	}

	switch result.Status {
	case enums.PaymentStatusSucceeded:
		return "succeeded", nil
	case enums.PaymentStatusPending:
		return "pending", nil
	default:
		if result.AutoRenewalDisabled {
			return "disabled", nil
		}
		return "failed", nil
	}
}

// IdempotencyKey identifies one renewal attempt. Retrying after a crash
// reuses the key so the provider never charges twice; a counted failure
// moves to a new key.
func IdempotencyKey(account models.Account) string {
	var expiresUnix int64
	if account.ExpiresAt != nil {
		expiresUnix = account.ExpiresAt.Unix()
	}
	return fmt.Sprintf("renewal-%d-%d-%d", account.ID, expiresUnix, account.FailureCount)
}
