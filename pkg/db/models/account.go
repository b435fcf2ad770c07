package models

import "time"

// Account is one person known to the bot, keyed by their Telegram user id.
// ExpiresAt nil means never subscribed or fully reconciled after a lapse.
type Account struct {
	ID                 int64      `gorm:"column:id;primaryKey;autoIncrement:false"`
	Username           *string    `gorm:"column:username"`
	FullName           *string    `gorm:"column:full_name"`
	Phone              *string    `gorm:"column:phone"`
	ExpiresAt          *time.Time `gorm:"column:expires_at;index"`
	PaymentMethodRef   *string    `gorm:"column:payment_method_ref"`
	AutoRenewal        bool       `gorm:"column:auto_renewal;not null;default:false"`
	FailureCount       int        `gorm:"column:failure_count;not null;default:0"`
	RenewalAttemptedAt *time.Time `gorm:"column:renewal_attempted_at"`
	ReferralCode       *string    `gorm:"column:referral_code;uniqueIndex:idx_accounts_referral_code"`
	ReminderMask       int        `gorm:"column:reminder_mask;not null;default:0"`
	CreatedAt          time.Time  `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt          time.Time  `gorm:"column:updated_at;autoUpdateTime"`
}

func (Account) TableName() string { return "accounts" }

// ActiveAt reports whether the entitlement covers the instant.
func (a Account) ActiveAt(now time.Time) bool {
	return a.ExpiresAt != nil && a.ExpiresAt.After(now)
}

// HasPaymentMethod reports whether an instrument is saved.
func (a Account) HasPaymentMethod() bool {
	return a.PaymentMethodRef != nil && *a.PaymentMethodRef != ""
}
