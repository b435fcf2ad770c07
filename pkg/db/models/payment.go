package models

import (
	"time"

	"github.com/google/uuid"

	"github.com/angelmondragon/membergate-backend/pkg/enums"
)

// Payment is one charge attempt, unique by the provider's payment id.
type Payment struct {
	ID                uuid.UUID           `gorm:"column:id;type:uuid;primaryKey"`
	ProviderPaymentID string              `gorm:"column:provider_payment_id;not null;uniqueIndex:idx_payments_provider_payment_id"`
	Provider          string              `gorm:"column:provider;not null"`
	AccountID         int64               `gorm:"column:account_id;not null;index"`
	AmountMinor       int64               `gorm:"column:amount_minor;not null"`
	Currency          string              `gorm:"column:currency;not null"`
	Status            enums.PaymentStatus `gorm:"column:status;not null;index"`
	Kind              enums.PaymentKind   `gorm:"column:kind;not null"`
	ConfirmationURL   *string             `gorm:"column:confirmation_url"`
	RewardID          *int64              `gorm:"column:reward_id"`
	ChargedAt         time.Time           `gorm:"column:charged_at;not null"`
	FinalizedAt       *time.Time          `gorm:"column:finalized_at"`
	CreatedAt         time.Time           `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt         time.Time           `gorm:"column:updated_at;autoUpdateTime"`
}

func (Payment) TableName() string { return "payments" }
