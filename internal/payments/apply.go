package payments

import (
	"context"

	"gorm.io/gorm"

	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/internal/gateway"
	"github.com/angelmondragon/membergate-backend/internal/notify"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

// applyCharge moves the ledger row to the provider's status. Only the call
// that performs the pending to terminal transition runs the side effects, so
// a replayed confirmation changes nothing.
func (s *service) applyCharge(ctx context.Context, payment *models.Payment, charge gateway.Charge) (*Result, error) {
	ctx = s.logg.WithFields(ctx, map[string]any{
		"account_id": payment.AccountID,
		"payment_id": payment.ProviderPaymentID,
		"kind":       string(payment.Kind),
	})
	switch charge.Status {
	case enums.PaymentStatusSucceeded:
		return s.applySuccess(ctx, payment, charge)
	case enums.PaymentStatusFailed, enums.PaymentStatusCanceled:
		return s.applyFailure(ctx, payment, charge.Status)
	default:
		return resultFor(payment, enums.PaymentStatusPending), nil
	}
}

func (s *service) applySuccess(ctx context.Context, payment *models.Payment, charge gateway.Charge) (*Result, error) {
	chargedAt := charge.CreatedAt
	if chargedAt.IsZero() {
		chargedAt = payment.ChargedAt
	}
	result := resultFor(payment, enums.PaymentStatusSucceeded)

	var (
		change *entitlements.Change
		reward *models.ReferralReward
	)
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		moved, err := s.repo.WithTx(tx).Transition(ctx, payment.ProviderPaymentID, enums.PaymentStatusSucceeded, s.now())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finalize payment")
		}
		if !moved {
			return nil
		}
		result.Transitioned = true

		change, err = s.entitlements.ApplyPayment(ctx, tx, payment.AccountID, chargedAt)
		if err != nil {
			return err
		}
		if err := s.saveInstrument(ctx, tx, payment, charge); err != nil {
			return err
		}
		reward, err = s.referrals.FinalizeWithTx(ctx, tx, payment.AccountID, chargedAt)
		return err
	})
	if err != nil {
		s.logg.Error(ctx, "could not apply succeeded payment", err)
		return nil, err
	}
	if !result.Transitioned {
		return s.currentResult(ctx, payment)
	}

	s.metrics.Inc(engineName, "succeeded")
	s.logg.Info(ctx, "payment succeeded")
	result.ExpiresAt = change.Current

	if payment.Kind == enums.PaymentKindRenewal {
		if result.ExpiresAt != nil {
			s.notifier.Send(ctx, payment.AccountID, notify.RenewalSucceeded(*result.ExpiresAt))
		}
	} else {
		link := ""
		if invite, err := s.invites.Issue(ctx, payment.AccountID); err != nil {
			s.logg.Warn(s.logg.WithField(ctx, "error", err.Error()), "invite not issued after payment")
		} else {
			result.Invite = invite
			link = invite.Link
		}
		if result.ExpiresAt != nil {
			s.notifier.Send(ctx, payment.AccountID, notify.PaymentConfirmed(*result.ExpiresAt, link))
		}
	}
	if reward != nil {
		s.notifier.Send(ctx, reward.AccountID, notify.ReferralReward(reward.DiscountPercent))
	}
	return result, nil
}

// saveInstrument stores the instrument the provider returned. A renewal
// charged against the stored instrument re-saves it, which also clears the
// failure count.
func (s *service) saveInstrument(ctx context.Context, tx *gorm.DB, payment *models.Payment, charge gateway.Charge) error {
	store := s.store.WithTx(tx)
	ref := charge.SavedInstrumentRef
	if ref == "" && payment.Kind == enums.PaymentKindRenewal {
		account, err := store.Get(ctx, payment.AccountID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
		}
		if account.PaymentMethodRef != nil {
			ref = *account.PaymentMethodRef
		}
	}
	if ref == "" {
		return nil
	}
	if err := store.SaveInstrument(ctx, payment.AccountID, ref); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "save payment method")
	}
	return nil
}

func (s *service) applyFailure(ctx context.Context, payment *models.Payment, status enums.PaymentStatus) (*Result, error) {
	result := resultFor(payment, status)
	var account *models.Account
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		moved, err := s.repo.WithTx(tx).Transition(ctx, payment.ProviderPaymentID, status, s.now())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "finalize payment")
		}
		if !moved {
			return nil
		}
		result.Transitioned = true
		if payment.Kind != enums.PaymentKindRenewal {
			return nil
		}
		account, err = s.store.WithTx(tx).RegisterRenewalFailure(ctx, payment.AccountID, s.cfg.FailureThreshold, s.now())
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count renewal failure")
		}
		return nil
	})
	if err != nil {
		s.logg.Error(ctx, "could not apply failed payment", err)
		return nil, err
	}
	if !result.Transitioned {
		return s.currentResult(ctx, payment)
	}

	s.metrics.Inc(engineName, string(status))
	s.logg.Info(s.logg.WithField(ctx, "status", string(status)), "payment did not succeed")
	if payment.RewardID != nil {
		s.releaseReward(ctx, *payment.RewardID)
	}
	if account != nil {
		result.ExpiresAt = account.ExpiresAt
		s.notifyRenewalFailure(ctx, account, result)
	}
	return result, nil
}

func (s *service) notifyRenewalFailure(ctx context.Context, account *models.Account, result *Result) {
	if !account.AutoRenewal {
		result.AutoRenewalDisabled = true
		s.logg.Warn(ctx, "auto-renewal disabled after repeated failures")
		s.notifier.Send(ctx, account.ID, notify.AutoRenewalDisabled())
		return
	}
	s.notifier.Send(ctx, account.ID, notify.RenewalFailed(account.ExpiresAt))
}

// currentResult reports a payment another caller already finalized.
func (s *service) currentResult(ctx context.Context, payment *models.Payment) (*Result, error) {
	current, err := s.repo.GetByProviderID(ctx, payment.ProviderPaymentID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reload payment")
	}
	return resultFor(current, current.Status), nil
}

// RecordRenewalError counts a renewal attempt that never produced a charge,
// e.g. a provider outage, and notifies like a declined charge.
func (s *service) RecordRenewalError(ctx context.Context, accountID int64) (*Result, error) {
	account, err := s.store.RegisterRenewalFailure(ctx, accountID, s.cfg.FailureThreshold, s.now())
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count renewal failure")
	}
	result := &Result{AccountID: accountID, Kind: enums.PaymentKindRenewal, Status: enums.PaymentStatusFailed, ExpiresAt: account.ExpiresAt}
	s.notifyRenewalFailure(ctx, account, result)
	return result, nil
}
