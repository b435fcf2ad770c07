// Package referrals records who referred whom and grants the referrer a
// one-time discount when the referred account pays for the first time.
package referrals

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"

	"github.com/angelmondragon/membergate-backend/internal/accounts"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

type txRunner interface {
	WithTx(ctx context.Context, fn func(tx *gorm.DB) error) error
}

// Stats is the referrer's view of their program.
type Stats struct {
	Code string `json:"code,omitempty"`
	Counts
	DiscountPercent int `json:"discount_percent"`
}

// Service defines the referral operations.
type Service interface {
	DiscountPercent() int
	RecordReferral(ctx context.Context, referrerID, referredID int64) (db.InsertResult, error)
	RecordReferralByCode(ctx context.Context, referredID int64, code string) (db.InsertResult, error)
	FinalizeWithTx(ctx context.Context, tx *gorm.DB, referredID int64, at time.Time) (*models.ReferralReward, error)
	FinalizeOnFirstPayment(ctx context.Context, referredID int64, at time.Time) (*models.ReferralReward, error)
	Reserve(ctx context.Context, accountID int64, at time.Time) (*models.ReferralReward, error)
	Release(ctx context.Context, rewardID int64) error
	Stats(ctx context.Context, accountID int64) (*Stats, error)
}

type service struct {
	repo     Repository
	accounts accounts.Repository
	tx       txRunner
	percent  int
}

// NewService wires the referral ledger. percent is the reward discount.
func NewService(repo Repository, accountsRepo accounts.Repository, tx txRunner, percent int) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "referrals repository required")
	}
	if accountsRepo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "accounts repository required")
	}
	if tx == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "transaction runner required")
	}
	if err := ValidatePercent(percent); err != nil {
		return nil, err
	}
	return &service{repo: repo, accounts: accountsRepo, tx: tx, percent: percent}, nil
}

// ValidatePercent rejects discounts outside (0, 100).
func ValidatePercent(percent int) error {
	if percent <= 0 || percent >= 100 {
		return pkgerrors.New(pkgerrors.CodeValidation, "discount percent must be between 1 and 99")
	}
	return nil
}

func (s *service) DiscountPercent() int { return s.percent }

// RecordReferral links referred to referrer. A second link for the same
// referred account is ignored and reported as AlreadyExists, and so is a
// link for an account that has already paid or holds an expiry.
func (s *service) RecordReferral(ctx context.Context, referrerID, referredID int64) (db.InsertResult, error) {
	if referrerID <= 0 || referredID <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "account ids required")
	}
	if referrerID == referredID {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "self-referral is not allowed")
	}
	if _, err := s.accounts.Get(ctx, referrerID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, pkgerrors.New(pkgerrors.CodeNotFound, "referrer not found")
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load referrer")
	}

	var result db.InsertResult
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		if err := s.accounts.WithTx(tx).EnsureExists(ctx, referredID); err != nil {
			return err
		}
		repo := s.repo.WithTx(tx)
		paid, err := repo.HasPaidHistory(ctx, referredID)
		if err != nil {
			return err
		}
		if paid {
			result = db.AlreadyExists
			return nil
		}
		inserted, err := repo.InsertLink(ctx, &models.ReferralLink{
			ReferredID: referredID,
			ReferrerID: referrerID,
		})
		result = inserted
		return err
	})
	if err != nil {
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "record referral")
	}
	return result, nil
}

func (s *service) RecordReferralByCode(ctx context.Context, referredID int64, code string) (db.InsertResult, error) {
	code = strings.ToUpper(strings.TrimSpace(code))
	if code == "" {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "referral code required")
	}
	referrer, err := s.accounts.FindByReferralCode(ctx, code)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return 0, pkgerrors.New(pkgerrors.CodeNotFound, "unknown referral code")
		}
		return 0, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "resolve referral code")
	}
	return s.RecordReferral(ctx, referrer.ID, referredID)
}

// FinalizeWithTx marks the referred account's link paid and creates the
// referrer's reward inside tx. It returns the reward only for the call that
// performed the transition; later payments return nil.
func (s *service) FinalizeWithTx(ctx context.Context, tx *gorm.DB, referredID int64, at time.Time) (*models.ReferralReward, error) {
	repo := s.repo.WithTx(tx)
	link, err := repo.GetLink(ctx, referredID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load referral link")
	}
	if link.ReferredPaid {
		return nil, nil
	}

	marked, err := repo.MarkPaid(ctx, referredID, at)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "mark referral paid")
	}
	if !marked {
		return nil, nil
	}

	reward := &models.ReferralReward{
		AccountID:        link.ReferrerID,
		SourceReferredID: referredID,
		DiscountPercent:  s.percent,
	}
	result, err := repo.InsertReward(ctx, reward)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create referral reward")
	}
	if result == db.AlreadyExists {
		return nil, nil
	}
	return reward, nil
}

func (s *service) FinalizeOnFirstPayment(ctx context.Context, referredID int64, at time.Time) (*models.ReferralReward, error) {
	var reward *models.ReferralReward
	err := s.tx.WithTx(ctx, func(tx *gorm.DB) error {
		var err error
		reward, err = s.FinalizeWithTx(ctx, tx, referredID, at)
		return err
	})
	if err != nil {
		return nil, err
	}
	return reward, nil
}

// Reserve takes the oldest unused reward for a checkout, or returns nil.
func (s *service) Reserve(ctx context.Context, accountID int64, at time.Time) (*models.ReferralReward, error) {
	reward, err := s.repo.ReserveOldest(ctx, accountID, at)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "reserve referral reward")
	}
	return reward, nil
}

func (s *service) Release(ctx context.Context, rewardID int64) error {
	if _, err := s.repo.Release(ctx, rewardID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "release referral reward")
	}
	return nil
}

func (s *service) Stats(ctx context.Context, accountID int64) (*Stats, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
		}
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
	}
	counts, err := s.repo.Counts(ctx, accountID)
	if err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "count referrals")
	}
	stats := &Stats{Counts: counts, DiscountPercent: s.percent}
	if account.ReferralCode != nil {
		stats.Code = *account.ReferralCode
	}
	return stats, nil
}

// ApplyDiscount returns amountMinor reduced by percent, rounded half up to
// whole minor units and never below one.
func ApplyDiscount(amountMinor int64, percent int) (int64, error) {
	if amountMinor <= 0 {
		return 0, pkgerrors.New(pkgerrors.CodeValidation, "amount must be positive")
	}
	if err := ValidatePercent(percent); err != nil {
		return 0, err
	}
	factor := decimal.NewFromInt(int64(100 - percent)).Div(decimal.NewFromInt(100))
	discounted := decimal.NewFromInt(amountMinor).Mul(factor).Round(0).IntPart()
	if discounted < 1 {
		discounted = 1
	}
	return discounted, nil
}
