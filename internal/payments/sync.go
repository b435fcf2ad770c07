package payments

import (
	"context"
	"errors"
	"sort"
	"time"

	"go.uber.org/multierr"
	"gorm.io/gorm"

	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/internal/expiry"
	"github.com/angelmondragon/membergate-backend/internal/gateway"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

// PollSummary counts one pass over pending payments.
type PollSummary struct {
	Checked   int `json:"checked"`
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
	Expired   int `json:"expired"`
	Pending   int `json:"pending"`
	Errors    int `json:"errors"`
}

// RecomputeSummary counts a replay over many accounts.
type RecomputeSummary struct {
	Charges      int `json:"charges"`
	Imported     int `json:"imported"`
	Unattributed int `json:"unattributed"`
	Accounts     int `json:"accounts"`
	Raised       int `json:"raised"`
	Errors       int `json:"errors"`
}

// PollPending confirms pending payments whose callback never arrived.
// Payments still pending after the max age are canceled locally.
func (s *service) PollPending(ctx context.Context) (PollSummary, error) {
	var (
		summary PollSummary
		errs    error
	)
	pending, err := s.repo.ListPending(ctx, s.cfg.PollBatchSize)
	if err != nil {
		return summary, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list pending payments")
	}
	now := s.now()
	for i := range pending {
		if err := ctx.Err(); err != nil {
			return summary, multierr.Append(errs, err)
		}
		payment := &pending[i]
		summary.Checked++
		expired := now.Sub(payment.CreatedAt) > s.cfg.PendingMaxAge

		charge, err := s.getCharge(ctx, payment.ProviderPaymentID)
		if err != nil && !expired {
			summary.Errors++
			errs = multierr.Append(errs, err)
			continue
		}
		var result *Result
		if err == nil {
			result, err = s.applyCharge(ctx, payment, charge)
			if err != nil {
				summary.Errors++
				errs = multierr.Append(errs, err)
				continue
			}
		}
		if result == nil || result.Status == enums.PaymentStatusPending {
			if !expired {
				summary.Pending++
				continue
			}
			result, err = s.applyFailure(ctx, payment, enums.PaymentStatusCanceled)
			if err != nil {
				summary.Errors++
				errs = multierr.Append(errs, err)
				continue
			}
			summary.Expired++
			continue
		}
		switch result.Status {
		case enums.PaymentStatusSucceeded:
			summary.Succeeded++
		default:
			summary.Failed++
		}
	}

	logCtx := s.logg.WithFields(ctx, map[string]any{
		"checked":   summary.Checked,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"expired":   summary.Expired,
		"errors":    summary.Errors,
	})
	s.logg.Info(logCtx, "pending payment poll complete")
	return summary, errs
}

// RecomputeFromProvider rebuilds the ledger from the provider's succeeded
// charges and replays every affected account. Stored expiries only rise.
func (s *service) RecomputeFromProvider(ctx context.Context) (RecomputeSummary, error) {
	var (
		summary RecomputeSummary
		errs    error
		cursor  string
	)
	touched := map[int64]struct{}{}
	fresh := map[int64]bool{}
	for {
		callCtx, cancel := s.remoteContext(ctx)
		page, err := s.gateway.ListSucceededCharges(callCtx, cursor)
		cancel()
		if err != nil {
			return summary, multierr.Append(errs, remoteError(err, "list succeeded charges"))
		}
		for _, charge := range page.Charges {
			summary.Charges++
			if charge.AccountID <= 0 {
				summary.Unattributed++
				continue
			}
			imported, err := s.importCharge(ctx, charge)
			if err != nil {
				summary.Errors++
				errs = multierr.Append(errs, err)
				continue
			}
			if imported {
				summary.Imported++
				fresh[charge.AccountID] = true
			}
			touched[charge.AccountID] = struct{}{}
		}
		if page.NextCursor == "" || page.NextCursor == cursor {
			break
		}
		cursor = page.NextCursor
	}

	ids := make([]int64, 0, len(touched))
	for id := range touched {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	s.replayAll(ctx, ids, fresh, &summary, &errs)

	s.logRecompute(ctx, "provider recompute complete", summary)
	return summary, errs
}

// RecomputeLocal replays every account with succeeded payments from the
// local ledger.
func (s *service) RecomputeLocal(ctx context.Context) (RecomputeSummary, error) {
	var (
		summary RecomputeSummary
		errs    error
	)
	ids, err := s.repo.ListSucceededAccountIDs(ctx)
	if err != nil {
		return summary, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list paying accounts")
	}
	s.replayAll(ctx, ids, nil, &summary, &errs)
	s.logRecompute(ctx, "local recompute complete", summary)
	return summary, errs
}

// RecomputeAccount replays one account's succeeded payments and adjustments
// and stores max(stored, replayed).
func (s *service) RecomputeAccount(ctx context.Context, accountID int64) (*entitlements.Change, error) {
	computed, err := s.replay(ctx, accountID)
	if err != nil {
		return nil, err
	}
	return s.entitlements.Merge(ctx, nil, accountID, computed)
}

func (s *service) replay(ctx context.Context, accountID int64) (time.Time, error) {
	rows, err := s.repo.ListSucceeded(ctx, accountID)
	if err != nil {
		return time.Time{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list succeeded payments")
	}
	history := make([]expiry.Payment, 0, len(rows))
	for _, row := range rows {
		history = append(history, expiry.Payment{ID: row.ProviderPaymentID, At: row.ChargedAt, Status: row.Status})
	}
	return s.entitlements.Replay(ctx, accountID, history)
}

// recomputeSettled is RecomputeAccount for bulk replays. A NULL expiry on an
// account with payments means the reconciler already handled its lapse, so a
// replayed expiry that has also passed is not written back.
func (s *service) recomputeSettled(ctx context.Context, accountID int64) (*entitlements.Change, error) {
	computed, err := s.replay(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !computed.After(s.now()) {
		account, err := s.store.Get(ctx, accountID)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
		}
		if account.ExpiresAt == nil {
			return &entitlements.Change{}, nil
		}
	}
	return s.entitlements.Merge(ctx, nil, accountID, computed)
}

// replayAll recomputes ids in order. Accounts in fresh received an imported
// charge this run and always take the merge.
func (s *service) replayAll(ctx context.Context, ids []int64, fresh map[int64]bool, summary *RecomputeSummary, errs *error) {
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			*errs = multierr.Append(*errs, err)
			return
		}
		summary.Accounts++
		recompute := s.recomputeSettled
		if fresh[id] {
			recompute = s.RecomputeAccount
		}
		change, err := recompute(ctx, id)
		if err != nil {
			summary.Errors++
			s.logg.Error(s.logg.WithAccountID(ctx, id), "recompute failed", err)
			*errs = multierr.Append(*errs, err)
			continue
		}
		if change.Raised() {
			summary.Raised++
		}
	}
}

// importCharge records a provider charge the ledger does not know yet. A
// locally pending row goes through the normal success path instead.
func (s *service) importCharge(ctx context.Context, charge gateway.Charge) (bool, error) {
	existing, err := s.repo.GetByProviderID(ctx, charge.ID)
	if err == nil {
		if existing.Status == enums.PaymentStatusPending {
			_, err := s.applyCharge(ctx, existing, charge)
			return false, err
		}
		return false, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load payment")
	}

	if err := s.accounts.EnsureExists(ctx, charge.AccountID); err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "ensure account")
	}
	chargedAt := charge.CreatedAt
	if chargedAt.IsZero() {
		chargedAt = s.now()
	}
	finalized := db.Timestamp(s.now())
	currency := charge.Currency
	if currency == "" {
		currency = s.cfg.Currency
	}
	result, err := s.repo.Insert(ctx, &models.Payment{
		ProviderPaymentID: charge.ID,
		Provider:          s.gateway.Name(),
		AccountID:         charge.AccountID,
		AmountMinor:       charge.AmountMinor,
		Currency:          currency,
		Status:            enums.PaymentStatusSucceeded,
		Kind:              enums.PaymentKindImported,
		ChargedAt:         chargedAt,
		FinalizedAt:       &finalized,
	})
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "import payment")
	}
	return result == db.Inserted, nil
}

func (s *service) logRecompute(ctx context.Context, msg string, summary RecomputeSummary) {
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"charges":      summary.Charges,
		"imported":     summary.Imported,
		"unattributed": summary.Unattributed,
		"accounts":     summary.Accounts,
		"raised":       summary.Raised,
		"errors":       summary.Errors,
	}), msg)
}
