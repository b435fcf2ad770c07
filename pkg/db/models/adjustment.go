package models

import (
	"time"

	"github.com/angelmondragon/membergate-backend/pkg/enums"
)

// EntitlementAdjustment is a manual grant, revoke or cancellation. Adjustments
// take part in replay alongside succeeded payments.
type EntitlementAdjustment struct {
	ID          int64                `gorm:"column:id;primaryKey;autoIncrement"`
	AccountID   int64                `gorm:"column:account_id;not null;index"`
	Kind        enums.AdjustmentKind `gorm:"column:kind;not null"`
	Days        int                  `gorm:"column:days;not null;default:0"`
	Reason      *string              `gorm:"column:reason"`
	Actor       string               `gorm:"column:actor;not null"`
	EffectiveAt time.Time            `gorm:"column:effective_at;not null"`
	CreatedAt   time.Time            `gorm:"column:created_at;autoCreateTime"`
}

func (EntitlementAdjustment) TableName() string { return "entitlement_adjustments" }
