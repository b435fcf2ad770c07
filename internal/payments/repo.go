package payments

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
)

// Repository is the payment ledger.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Insert(ctx context.Context, payment *models.Payment) (db.InsertResult, error)
	GetByProviderID(ctx context.Context, providerPaymentID string) (*models.Payment, error)
	Transition(ctx context.Context, providerPaymentID string, to enums.PaymentStatus, at time.Time) (bool, error)
	FindPending(ctx context.Context, accountID int64, kind enums.PaymentKind) (*models.Payment, error)
	ListPending(ctx context.Context, limit int) ([]models.Payment, error)
	ListSucceeded(ctx context.Context, accountID int64) ([]models.Payment, error)
	ListSucceededAccountIDs(ctx context.Context) ([]int64, error)
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

// Insert records a payment unless its provider id is already known.
func (r *repository) Insert(ctx context.Context, payment *models.Payment) (db.InsertResult, error) {
	if payment.ID == uuid.Nil {
		payment.ID = uuid.New()
	}
	now := db.Timestamp(time.Now())
	payment.ChargedAt = db.Timestamp(payment.ChargedAt)
	payment.FinalizedAt = db.TimestampPtr(payment.FinalizedAt)
	payment.CreatedAt, payment.UpdatedAt = now, now

	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "provider_payment_id"}},
		DoNothing: true,
	}).Create(payment)
	if result.Error != nil {
		return 0, result.Error
	}
	return db.ResultOf(result.RowsAffected), nil
}

func (r *repository) GetByProviderID(ctx context.Context, providerPaymentID string) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("provider_payment_id = ?", providerPaymentID).
		First(&payment).Error
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

// Transition moves a pending payment to a terminal status. Only the first
// caller observes true; terminal rows never change again.
func (r *repository) Transition(ctx context.Context, providerPaymentID string, to enums.PaymentStatus, at time.Time) (bool, error) {
	stamp := db.Timestamp(at)
	result := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("provider_payment_id = ? AND status = ?", providerPaymentID, enums.PaymentStatusPending).
		Updates(map[string]any{
			"status":       to,
			"finalized_at": stamp,
			"updated_at":   db.Timestamp(time.Now()),
		})
	return result.RowsAffected == 1, result.Error
}

// FindPending returns the newest pending payment of the kind, or nil.
func (r *repository) FindPending(ctx context.Context, accountID int64, kind enums.PaymentKind) (*models.Payment, error) {
	var payment models.Payment
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND kind = ? AND status = ?", accountID, kind, enums.PaymentStatusPending).
		Order("created_at DESC").
		First(&payment).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &payment, nil
}

func (r *repository) ListPending(ctx context.Context, limit int) ([]models.Payment, error) {
	var payments []models.Payment
	query := r.db.WithContext(ctx).
		Where("status = ?", enums.PaymentStatusPending).
		Order("created_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&payments).Error; err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repository) ListSucceeded(ctx context.Context, accountID int64) ([]models.Payment, error) {
	var payments []models.Payment
	err := r.db.WithContext(ctx).
		Where("account_id = ? AND status = ?", accountID, enums.PaymentStatusSucceeded).
		Order("charged_at ASC").
		Find(&payments).Error
	if err != nil {
		return nil, err
	}
	return payments, nil
}

func (r *repository) ListSucceededAccountIDs(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := r.db.WithContext(ctx).Model(&models.Payment{}).
		Where("status = ?", enums.PaymentStatusSucceeded).
		Distinct("account_id").
		Order("account_id ASC").
		Pluck("account_id", &ids).Error
	if err != nil {
		return nil, err
	}
	return ids, nil
}
