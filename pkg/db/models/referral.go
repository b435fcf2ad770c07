package models

import "time"

// ReferralLink records who brought whom. The referred account is the key, so
// an account can be referred once.
type ReferralLink struct {
	ReferredID    int64      `gorm:"column:referred_id;primaryKey;autoIncrement:false"`
	ReferrerID    int64      `gorm:"column:referrer_id;not null;index"`
	ReferredPaid  bool       `gorm:"column:referred_paid;not null;default:false"`
	RewardGranted bool       `gorm:"column:reward_granted;not null;default:false"`
	PaidAt        *time.Time `gorm:"column:paid_at"`
	CreatedAt     time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (ReferralLink) TableName() string { return "referral_links" }

// ReferralReward is a one-time discount owned by a referrer.
type ReferralReward struct {
	ID               int64      `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID        int64      `gorm:"column:account_id;not null;index"`
	SourceReferredID int64      `gorm:"column:source_referred_id;not null;uniqueIndex:idx_referral_rewards_source"`
	DiscountPercent  int        `gorm:"column:discount_percent;not null"`
	Used             bool       `gorm:"column:used;not null;default:false"`
	UsedAt           *time.Time `gorm:"column:used_at"`
	CreatedAt        time.Time  `gorm:"column:created_at;autoCreateTime"`
}

func (ReferralReward) TableName() string { return "referral_rewards" }
