// Package accounts manages member profiles, phone numbers, the auto-renewal
// opt-in and referral codes.
package accounts

import (
	"context"
	"crypto/rand"
	"errors"
	"math"
	"math/big"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

const (
	referralCodeLength   = 6
	referralCodeAlphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"
	referralCodeAttempts = 8
)

// Profile is the identity data refreshed on every interaction.
type Profile struct {
	AccountID int64
	Username  string
	FullName  string
}

// Status summarizes an account's subscription for display.
type Status struct {
	AccountID        int64      `json:"account_id"`
	ExpiresAt        *time.Time `json:"expires_at,omitempty"`
	Active           bool       `json:"active"`
	DaysLeft         int        `json:"days_left"`
	AutoRenewal      bool       `json:"auto_renewal"`
	HasPaymentMethod bool       `json:"has_payment_method"`
	Phone            *string    `json:"phone,omitempty"`
	ReferralCode     *string    `json:"referral_code,omitempty"`
}

// Service defines account operations.
type Service interface {
	Touch(ctx context.Context, profile Profile) (*models.Account, error)
	Get(ctx context.Context, accountID int64) (*models.Account, error)
	Status(ctx context.Context, accountID int64) (*Status, error)
	SetPhone(ctx context.Context, accountID int64, raw string) (string, error)
	SetAutoRenewal(ctx context.Context, accountID int64, enabled bool) error
	ClearPaymentMethod(ctx context.Context, accountID int64) error
	EnsureReferralCode(ctx context.Context, accountID int64) (string, error)
}

type service struct {
	repo         Repository
	entitlements entitlements.Repository
	now          func() time.Time
}

// NewService wires account dependencies.
func NewService(repo Repository, ents entitlements.Repository) (Service, error) {
	if repo == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "accounts repository required")
	}
	if ents == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "entitlements repository required")
	}
	return &service{repo: repo, entitlements: ents, now: time.Now}, nil
}

func (s *service) Touch(ctx context.Context, profile Profile) (*models.Account, error) {
	if profile.AccountID <= 0 {
		return nil, pkgerrors.New(pkgerrors.CodeValidation, "account id required")
	}
	account := &models.Account{
		ID:       profile.AccountID,
		Username: optional(profile.Username),
		FullName: optional(profile.FullName),
	}
	if err := s.repo.Upsert(ctx, account); err != nil {
		return nil, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "upsert account")
	}
	return s.Get(ctx, profile.AccountID)
}

func (s *service) Get(ctx context.Context, accountID int64) (*models.Account, error) {
	account, err := s.repo.Get(ctx, accountID)
	if err != nil {
		return nil, mapLookupError(err)
	}
	return account, nil
}

func (s *service) Status(ctx context.Context, accountID int64) (*Status, error) {
	account, err := s.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	now := s.now()
	status := &Status{
		AccountID:        account.ID,
		ExpiresAt:        account.ExpiresAt,
		Active:           account.ActiveAt(now),
		AutoRenewal:      account.AutoRenewal,
		HasPaymentMethod: account.HasPaymentMethod(),
		Phone:            account.Phone,
		ReferralCode:     account.ReferralCode,
	}
	if status.Active {
		status.DaysLeft = DaysLeft(*account.ExpiresAt, now)
	}
	return status, nil
}

// DaysLeft rounds the remaining time up to whole days.
func DaysLeft(expiresAt, now time.Time) int {
	remaining := expiresAt.Sub(now)
	if remaining <= 0 {
		return 0
	}
	return int(math.Ceil(remaining.Hours() / 24))
}

func (s *service) SetPhone(ctx context.Context, accountID int64, raw string) (string, error) {
	phone, err := NormalizePhone(raw)
	if err != nil {
		return "", err
	}
	ok, err := s.repo.SetPhone(ctx, accountID, phone)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store phone")
	}
	if !ok {
		return "", pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
	}
	return phone, nil
}

func (s *service) SetAutoRenewal(ctx context.Context, accountID int64, enabled bool) error {
	if !enabled {
		ok, err := s.repo.DisableAutoRenewal(ctx, accountID)
		if err != nil {
			return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "disable auto-renewal")
		}
		if !ok {
			return pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
		}
		return nil
	}

	ok, err := s.repo.EnableAutoRenewal(ctx, accountID)
	if err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "enable auto-renewal")
	}
	if ok {
		return nil
	}
	if _, err := s.Get(ctx, accountID); err != nil {
		return err
	}
	return pkgerrors.New(pkgerrors.CodeStateConflict, "auto-renewal needs a saved payment method; pay once to save one")
}

func (s *service) ClearPaymentMethod(ctx context.Context, accountID int64) error {
	if _, err := s.Get(ctx, accountID); err != nil {
		return err
	}
	if err := s.entitlements.ClearInstrument(ctx, accountID); err != nil {
		return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "clear payment method")
	}
	return nil
}

// EnsureReferralCode returns the account's code, generating one on first use.
func (s *service) EnsureReferralCode(ctx context.Context, accountID int64) (string, error) {
	for attempt := 0; attempt < referralCodeAttempts; attempt++ {
		account, err := s.Get(ctx, accountID)
		if err != nil {
			return "", err
		}
		if account.ReferralCode != nil && *account.ReferralCode != "" {
			return *account.ReferralCode, nil
		}

		code, err := newReferralCode()
		if err != nil {
			return "", pkgerrors.Wrap(pkgerrors.CodeInternal, err, "generate referral code")
		}
		if _, err := s.repo.SetReferralCode(ctx, accountID, code); err != nil {
			if db.IsUniqueViolation(err, "referral_code") || db.IsUniqueViolation(err, "idx_accounts_referral_code") {
				continue
			}
			return "", pkgerrors.Wrap(pkgerrors.CodeDependency, err, "store referral code")
		}
	}
	return "", pkgerrors.New(pkgerrors.CodeConflict, "could not allocate a referral code")
}

func newReferralCode() (string, error) {
	max := big.NewInt(int64(len(referralCodeAlphabet)))
	var b strings.Builder
	for i := 0; i < referralCodeLength; i++ {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		b.WriteByte(referralCodeAlphabet[n.Int64()])
	}
	return b.String(), nil
}

func mapLookupError(err error) error {
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return pkgerrors.New(pkgerrors.CodeNotFound, "account not found")
	}
	return pkgerrors.Wrap(pkgerrors.CodeDependency, err, "load account")
}

func optional(value string) *string {
	trimmed := strings.TrimSpace(value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}
