// Package entitlements owns the stored expiry of every account and the only
// code paths allowed to move it.
package entitlements

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/membergate-backend/internal/expiry"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

const casAttempts = 5

// Change reports an expiry write.
type Change struct {
	Previous *time.Time
	Current  *time.Time
}

// Raised reports whether the write moved the expiry forward.
func (c Change) Raised() bool {
	if c.Current == nil {
		return false
	}
	return c.Previous == nil || c.Current.After(*c.Previous)
}

// Service moves stored expiries. Methods taking a tx join the caller's
// transaction; a nil tx runs standalone.
type Service interface {
	Policy() expiry.Policy
	Extend(ctx context.Context, tx *gorm.DB, accountID int64, at time.Time, length time.Duration) (*Change, error)
	ApplyPayment(ctx context.Context, tx *gorm.DB, accountID int64, chargedAt time.Time) (*Change, error)
	Merge(ctx context.Context, tx *gorm.DB, accountID int64, computed time.Time) (*Change, error)
	Close(ctx context.Context, tx *gorm.DB, accountID int64, at time.Time) (*Change, error)
	Replay(ctx context.Context, accountID int64, payments []expiry.Payment) (time.Time, error)
}

type service struct {
	repo   Repository
	policy expiry.Policy
}

// NewService wires the entitlement store with the subscription policy.
func NewService(repo Repository, policy expiry.Policy) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "entitlements repository required")
	}
	if policy.Period <= 0 || policy.Grace < 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "subscription period must be positive")
	}
	return &service{repo: repo, policy: policy}, nil
}

func (s *service) Policy() expiry.Policy { return s.policy }

// Extend applies one funding event of the given length. The result is never
// below the stored expiry.
func (s *service) Extend(ctx context.Context, tx *gorm.DB, accountID int64, at time.Time, length time.Duration) (*Change, error) {
	if length <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "extension length must be positive")
	}
	return s.update(ctx, tx, accountID, func(stored time.Time) time.Time {
		return s.policy.Extend(stored, db.Timestamp(at), length)
	})
}

// ApplyPayment extends by one paid period funded at the charge time.
func (s *service) ApplyPayment(ctx context.Context, tx *gorm.DB, accountID int64, chargedAt time.Time) (*Change, error) {
	return s.Extend(ctx, tx, accountID, chargedAt, s.policy.Period)
}

// Merge stores max(stored, computed).
func (s *service) Merge(ctx context.Context, tx *gorm.DB, accountID int64, computed time.Time) (*Change, error) {
	return s.update(ctx, tx, accountID, func(stored time.Time) time.Time {
		return expiry.Max(stored, db.Timestamp(computed))
	})
}

// Close ends access one second before at and drops the saved instrument so
// nothing renews a closed subscription.
func (s *service) Close(ctx context.Context, tx *gorm.DB, accountID int64, at time.Time) (*Change, error) {
	closedAt := db.Timestamp(at).Add(-time.Second)
	change, err := s.update(ctx, tx, accountID, func(stored time.Time) time.Time {
		if stored.IsZero() || stored.Before(closedAt) {
			return stored
		}
		return closedAt
	})
	if err != nil {
		return nil, err
	}
	if err := s.repoFor(tx).ClearInstrument(ctx, accountID); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear payment method")
	}
	return change, nil
}

// Replay folds the given payments together with the account's manual
// adjustments.
func (s *service) Replay(ctx context.Context, accountID int64, payments []expiry.Payment) (time.Time, error) {
	adjustments, err := s.repo.ListAdjustments(ctx, accountID)
	if err != nil {
		return time.Time{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list adjustments")
	}
	events := s.policy.PaymentEvents(payments)
	events = append(events, AdjustmentEvents(adjustments)...)
	return s.policy.Replay(events), nil
}

// AdjustmentEvents converts the adjustment log into replay events.
func AdjustmentEvents(adjustments []models.EntitlementAdjustment) []expiry.Event {
	events := make([]expiry.Event, 0, len(adjustments))
	for _, adj := range adjustments {
		ev := expiry.Event{ID: fmt.Sprintf("adj-%d", adj.ID), At: adj.EffectiveAt}
		switch {
		case adj.Kind == enums.AdjustmentKindGrant && adj.Days > 0:
			ev.Kind = expiry.EventExtend
			ev.Length = time.Duration(adj.Days) * 24 * time.Hour
		case adj.Kind.Closes():
			ev.Kind = expiry.EventClose
		default:
			continue
		}
		events = append(events, ev)
	}
	return events
}

func (s *service) update(ctx context.Context, tx *gorm.DB, accountID int64, next func(stored time.Time) time.Time) (*Change, error) {
	repo := s.repoFor(tx)
	for attempt := 0; attempt < casAttempts; attempt++ {
		account, err := repo.Get(ctx, accountID)
		if err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return nil, pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
			}
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
		}

		var stored time.Time
		if account.ExpiresAt != nil {
			stored = db.Timestamp(*account.ExpiresAt)
		}
		computed := next(stored)
		change := &Change{Previous: timePtr(stored), Current: timePtr(computed)}
		if computed.Equal(stored) {
			return change, nil
		}

		ok, err := repo.CompareAndSetExpiry(ctx, accountID, change.Previous, change.Current)
		if err != nil {
			return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store expiry")
		}
		if ok {
			return change, nil
		}
	}
	return nil, pkgerrors.New(pkgerrors.CodeConflict, "expiry changed concurrently")
}

func (s *service) repoFor(tx *gorm.DB) Repository {
	if tx == nil {
		return s.repo
	}
	return s.repo.WithTx(tx)
}

func timePtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	return &t
}
