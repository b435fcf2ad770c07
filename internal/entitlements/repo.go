package entitlements

import (
	"context"
	"time"

	"gorm.io/gorm"

	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
)

// Repository persists entitlement state on the accounts table plus the
// manual adjustment log. Every write is a single conditional statement.
type Repository interface {
	WithTx(tx *gorm.DB) Repository
	Get(ctx context.Context, accountID int64) (*models.Account, error)
	CompareAndSetExpiry(ctx context.Context, accountID int64, observed, next *time.Time) (bool, error)
	SaveInstrument(ctx context.Context, accountID int64, ref string) error
	ClearInstrument(ctx context.Context, accountID int64) error
	ListLapsed(ctx context.Context, now time.Time, afterID int64, limit int) ([]models.Account, error)
	ListRenewalCandidates(ctx context.Context, now, until time.Time, threshold int) ([]models.Account, error)
	ClaimRenewal(ctx context.Context, accountID int64, observedFailures int, now, staleBefore time.Time) (bool, error)
	RegisterRenewalFailure(ctx context.Context, accountID int64, threshold int, now time.Time) (*models.Account, error)
	ListExpiring(ctx context.Context, now, until time.Time) ([]models.Account, error)
	ClaimReminder(ctx context.Context, accountID int64, bit int, expiresAt time.Time) (bool, error)
	CreateAdjustment(ctx context.Context, adj *models.EntitlementAdjustment) error
	ListAdjustments(ctx context.Context, accountID int64) ([]models.EntitlementAdjustment, error)
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

func (r *repository) Get(ctx context.Context, accountID int64) (*models.Account, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Where("id = ?", accountID).First(&account).Error; err != nil {
		return nil, err
	}
	return &account, nil
}

// CompareAndSetExpiry writes next only while the stored expiry still equals
// observed. Raising the expiry re-arms the reminder thresholds.
func (r *repository) CompareAndSetExpiry(ctx context.Context, accountID int64, observed, next *time.Time) (bool, error) {
	updates := map[string]any{
		"expires_at": db.TimestampPtr(next),
		"updated_at": db.Timestamp(time.Now()),
	}
	if next != nil && (observed == nil || next.After(*observed)) {
		updates["reminder_mask"] = 0
	}

	query := r.db.WithContext(ctx).Model(&models.Account{}).Where("id = ?", accountID)
	if observed == nil {
		query = query.Where("expires_at IS NULL")
	} else {
		query = query.Where("expires_at = ?", db.Timestamp(*observed))
	}

	result := query.Updates(updates)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// SaveInstrument stores a new payment method and re-enables auto-renewal
// with a clean failure history.
func (r *repository) SaveInstrument(ctx context.Context, accountID int64, ref string) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"payment_method_ref":   ref,
			"auto_renewal":         true,
			"failure_count":        0,
			"renewal_attempted_at": nil,
			"updated_at":           db.Timestamp(time.Now()),
		}).Error
}

func (r *repository) ClearInstrument(ctx context.Context, accountID int64) error {
	return r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]any{
			"payment_method_ref": nil,
			"auto_renewal":       false,
			"updated_at":         db.Timestamp(time.Now()),
		}).Error
}

// ListLapsed pages through accounts whose stored expiry is in the past,
// ordered by id for keyset pagination.
func (r *repository) ListLapsed(ctx context.Context, now time.Time, afterID int64, limit int) ([]models.Account, error) {
	var accounts []models.Account
	query := r.db.WithContext(ctx).
		Where("expires_at IS NOT NULL AND expires_at < ?", db.Timestamp(now)).
		Where("id > ?", afterID).
		Order("id ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&accounts).Error; err != nil {
		return nil, err
	}
	return accounts, nil
}

func (r *repository) ListRenewalCandidates(ctx context.Context, now, until time.Time, threshold int) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.WithContext(ctx).
		Where("auto_renewal = ? AND payment_method_ref IS NOT NULL", true).
		Where("expires_at > ? AND expires_at <= ?", db.Timestamp(now), db.Timestamp(until)).
		Where("failure_count < ?", threshold).
		Order("expires_at ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// ClaimRenewal marks the account as being charged. The claim fails when
// another sweep claimed it recently or the failure count moved.
func (r *repository) ClaimRenewal(ctx context.Context, accountID int64, observedFailures int, now, staleBefore time.Time) (bool, error) {
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND failure_count = ?", accountID, observedFailures).
		Where("renewal_attempted_at IS NULL OR renewal_attempted_at < ?", db.Timestamp(staleBefore)).
		Update("renewal_attempted_at", db.Timestamp(now))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// RegisterRenewalFailure increments the failure count and, once it reaches
// the threshold, disables auto-renewal and drops the instrument in the same
// statement. It returns the updated account.
func (r *repository) RegisterRenewalFailure(ctx context.Context, accountID int64, threshold int, now time.Time) (*models.Account, error) {
	err := r.db.WithContext(ctx).Exec(`
UPDATE accounts SET
    failure_count = failure_count + 1,
    auto_renewal = CASE WHEN failure_count + 1 >= ? THEN FALSE ELSE auto_renewal END,
    payment_method_ref = CASE WHEN failure_count + 1 >= ? THEN NULL ELSE payment_method_ref END,
    updated_at = ?
WHERE id = ?`, threshold, threshold, db.Timestamp(now), accountID).Error
	if err != nil {
		return nil, err
	}
	return r.Get(ctx, accountID)
}

// ListExpiring returns active accounts expiring within (now, until].
func (r *repository) ListExpiring(ctx context.Context, now, until time.Time) ([]models.Account, error) {
	var accounts []models.Account
	err := r.db.WithContext(ctx).
		Where("expires_at > ? AND expires_at <= ?", db.Timestamp(now), db.Timestamp(until)).
		Order("expires_at ASC").
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}

// ClaimReminder sets a reminder bit if it is still clear and the expiry has
// not moved since it was read.
func (r *repository) ClaimReminder(ctx context.Context, accountID int64, bit int, expiresAt time.Time) (bool, error) {
	var account models.Account
	if err := r.db.WithContext(ctx).Select("reminder_mask").Where("id = ?", accountID).First(&account).Error; err != nil {
		return false, err
	}
	if account.ReminderMask&bit != 0 {
		return false, nil
	}
	result := r.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ? AND reminder_mask = ? AND expires_at = ?", accountID, account.ReminderMask, db.Timestamp(expiresAt)).
		Update("reminder_mask", account.ReminderMask|bit)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (r *repository) CreateAdjustment(ctx context.Context, adj *models.EntitlementAdjustment) error {
	adj.EffectiveAt = db.Timestamp(adj.EffectiveAt)
	return r.db.WithContext(ctx).Create(adj).Error
}

func (r *repository) ListAdjustments(ctx context.Context, accountID int64) ([]models.EntitlementAdjustment, error) {
	var adjustments []models.EntitlementAdjustment
	err := r.db.WithContext(ctx).
		Where("account_id = ?", accountID).
		Order("effective_at ASC, id ASC").
		Find(&adjustments).Error
	if err != nil {
		return nil, err
	}
	return adjustments, nil
}
