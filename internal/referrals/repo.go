package referrals

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
)

const reserveAttempts = 5

// Counts aggregates a referrer's history.
type Counts struct {
	Invited         int64 `json:"invited"`
	Paid            int64 `json:"paid"`
	UnusedRewards   int64 `json:"unused_rewards"`
	RedeemedRewards int64 `json:"redeemed_rewards"`
}

// Repository persists referral links and rewards.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	InsertLink(ctx context.Context, link *models.ReferralLink) (db.InsertResult, error)
	GetLink(ctx context.Context, referredID int64) (*models.ReferralLink, error)
	HasPaidHistory(ctx context.Context, accountID int64) (bool, error)
	MarkPaid(ctx context.Context, referredID int64, at time.Time) (bool, error)
	InsertReward(ctx context.Context, reward *models.ReferralReward) (db.InsertResult, error)
	ReserveOldest(ctx context.Context, accountID int64, at time.Time) (*models.ReferralReward, error)
	Release(ctx context.Context, rewardID int64) (bool, error)
	GetReward(ctx context.Context, rewardID int64) (*models.ReferralReward, error)
	Counts(ctx context.Context, referrerID int64) (Counts, error)
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

// InsertLink writes the link unless the referred account already has one.
func (r *repository) InsertLink(ctx context.Context, link *models.ReferralLink) (db.InsertResult, error) {
	link.CreatedAt = db.Timestamp(time.Now())
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(link)
	if result.Error != nil {
		return 0, result.Error
	}
	return db.ResultOf(result.RowsAffected), nil
}

func (r *repository) GetLink(ctx context.Context, referredID int64) (*models.ReferralLink, error) {
	var link models.ReferralLink
	if err := r.db.WithContext(ctx).Where("referred_id = ?", referredID).First(&link).Error; err != nil {
		return nil, err
	}
	return &link, nil
}

// HasPaidHistory reports whether the account has a succeeded payment or a
// stored expiry. Such accounts are past first contact.
func (r *repository) HasPaidHistory(ctx context.Context, accountID int64) (bool, error) {
	conn := r.db.WithContext(ctx)
	var count int64
	if err := conn.Model(&models.Payment{}).
		Where("account_id = ? AND status = ?", accountID, enums.PaymentStatusSucceeded).
		Count(&count).Error; err != nil {
		return false, err
	}
	if count > 0 {
		return true, nil
	}
	if err := conn.Model(&models.Account{}).
		Where("id = ? AND expires_at IS NOT NULL", accountID).
		Count(&count).Error; err != nil {
		return false, err
	}
	return count > 0, nil
}

// MarkPaid flips referred_paid and reward_granted together. Only the first
// caller observes true.
func (r *repository) MarkPaid(ctx context.Context, referredID int64, at time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ReferralLink{}).
		Where("referred_id = ? AND referred_paid = ?", referredID, false).
		Updates(map[string]any{
			"referred_paid":  true,
			"reward_granted": true,
			"paid_at":        db.Timestamp(at),
		})
	return result.RowsAffected == 1, result.Error
}

func (r *repository) InsertReward(ctx context.Context, reward *models.ReferralReward) (db.InsertResult, error) {
	reward.CreatedAt = db.Timestamp(time.Now())
	result := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "source_referred_id"}},
		DoNothing: true,
	}).Create(reward)
	if result.Error != nil {
		return 0, result.Error
	}
	return db.ResultOf(result.RowsAffected), nil
}

// ReserveOldest marks the oldest unused reward used and returns it, or nil
// when the account has none. Concurrent reservations never share a reward.
func (r *repository) ReserveOldest(ctx context.Context, accountID int64, at time.Time) (*models.ReferralReward, error) {
	for attempt := 0; attempt < reserveAttempts; attempt++ {
		var reward models.ReferralReward
		err := r.db.WithContext(ctx).
			Where("account_id = ? AND used = ?", accountID, false).
			Order("created_at ASC, id ASC").
			First(&reward).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		if err != nil {
			return nil, err
		}

		usedAt := db.Timestamp(at)
		result := r.db.WithContext(ctx).Model(&models.ReferralReward{}).
			Where("id = ? AND used = ?", reward.ID, false).
			Updates(map[string]any{"used": true, "used_at": usedAt})
		if result.Error != nil {
			return nil, result.Error
		}
		if result.RowsAffected == 1 {
			reward.Used = true
			reward.UsedAt = &usedAt
			return &reward, nil
		}
	}
	return nil, nil
}

// Release returns a reserved reward to the pool after its charge failed.
func (r *repository) Release(ctx context.Context, rewardID int64) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.ReferralReward{}).
		Where("id = ? AND used = ?", rewardID, true).
		Updates(map[string]any{"used": false, "used_at": nil})
	return result.RowsAffected == 1, result.Error
}

func (r *repository) GetReward(ctx context.Context, rewardID int64) (*models.ReferralReward, error) {
	var reward models.ReferralReward
	if err := r.db.WithContext(ctx).Where("id = ?", rewardID).First(&reward).Error; err != nil {
		return nil, err
	}
	return &reward, nil
}

func (r *repository) Counts(ctx context.Context, referrerID int64) (Counts, error) {
	var counts Counts
	conn := r.db.WithContext(ctx)
	if err := conn.Model(&models.ReferralLink{}).
		Where("referrer_id = ?", referrerID).
		Count(&counts.Invited).Error; err != nil {
		return counts, err
	}
	if err := conn.Model(&models.ReferralLink{}).
		Where("referrer_id = ? AND referred_paid = ?", referrerID, true).
		Count(&counts.Paid).Error; err != nil {
		return counts, err
	}
	if err := conn.Model(&models.ReferralReward{}).
		Where("account_id = ? AND used = ?", referrerID, false).
		Count(&counts.UnusedRewards).Error; err != nil {
		return counts, err
	}
	if err := conn.Model(&models.ReferralReward{}).
		Where("account_id = ? AND used = ?", referrerID, true).
		Count(&counts.RedeemedRewards).Error; err != nil {
		return counts, err
	}
	return counts, nil
}
