package accounts

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
)

// Repository persists account profiles.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Upsert(ctx context.Context, account *models.Account) error
	EnsureExists(ctx context.Context, accountID int64) error
	Get(ctx context.Context, accountID int64) (*models.Account, error)
	SetPhone(ctx context.Context, accountID int64, phone string) (bool, error)
	EnableAutoRenewal(ctx context.Context, accountID int64) (bool, error)
	DisableAutoRenewal(ctx context.Context, accountID int64) (bool, error)
	SetReferralCode(ctx context.Context, accountID int64, code string) (bool, error)
	FindByReferralCode(ctx context.Context, code string) (*models.Account, error)
}

type repository struct {
	db *gorm.DB
}

// NewRepository binds the repository to the provided connection.
func NewRepository(conn *gorm.DB) Repository {
	return &repository{db: conn}
}

func (r *repository) WithTx(tx *gorm.DB) Repository {
	if tx == nil {
		return r
	}
	return &repository{db: tx}
}

// Upsert creates the account or refreshes its display fields. Entitlement
// columns are never touched here.
func (r *repository) Upsert(ctx context.Context, account *models.Account) error {
	now := db.Timestamp(time.Now())
	account.CreatedAt, account.UpdatedAt = now, now
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{{Name: "id"}},
		DoUpdates: clause.Assignments(map[string]any{
			"username":   account.Username,
			"full_name":  account.FullName,
			"updated_at": now,
		}),
	}).Create(account).Error
}

// EnsureExists inserts a bare account row when the id is new.
func (r *repository) EnsureExists(ctx context.Context, accountID int64) error {
	return r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).
		Create(&models.Account{ID: accountID}).Error
}

func (r *repository) Get(ctx context.Context, accountID int64) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

func (r *repository) SetPhone(ctx context.Context, accountID int64, phone string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{"phone": phone, "updated_at": db.Timestamp(time.Now())})
	return result.RowsAffected == 1, result.Error
}

// EnableAutoRenewal only succeeds for accounts with a saved instrument and
// gives the breaker a fresh start.
func (r *repository) EnableAutoRenewal(ctx context.Context, accountID int64) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND payment_method_ref IS NOT NULL", accountID).
		Updates(map[string]any{
			"auto_renewal":         true,
			"failure_count":        0,
			"renewal_attempted_at": nil,
			"updated_at":           db.Timestamp(time.Now()),
		})
	return result.RowsAffected == 1, result.Error
}

func (r *repository) DisableAutoRenewal(ctx context.Context, accountID int64) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{"auto_renewal": false, "updated_at": db.Timestamp(time.Now())})
	return result.RowsAffected == 1, result.Error
}

// SetReferralCode assigns a code only if the account has none yet.
func (r *repository) SetReferralCode(ctx context.Context, accountID int64, code string) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND referral_code IS NULL", accountID).
		Update("referral_code", code)
	return result.RowsAffected == 1, result.Error
}

func (r *repository) FindByReferralCode(ctx context.Context, code string) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where("referral_code = ?", code).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}
