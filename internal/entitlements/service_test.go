package entitlements

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/angelmondragon/membergate-backend/internal/expiry"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/db/dbtest"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

const day = 24 * time.Hour

var t0 = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newService(t *testing.T) (Service, Repository, *db.Client) {
	t.Helper()
	client := dbtest.Open(t)
	repo := NewRepository(client.DB())
	svc, err := NewService(repo, expiry.Policy{Period: 30 * day, Grace: day})
	require.NoError(t, err)
	return svc, repo, client
}

func seedAccount(t *testing.T, client *db.Client, account models.Account) {
	t.Helper()
	if account.ExpiresAt != nil {
		account.ExpiresAt = db.TimestampPtr(account.ExpiresAt)
	}
	require.NoError(t, client.DB().Create(&account).Error)
}

func ptr[T any](v T) *T { return &v }

func TestApplyPaymentScenarios(t *testing.T) {
	svc, repo, client := newService(t)
	ctx := context.Background()
	seedAccount(t, client, models.Account{ID: 1})

	change, err := svc.ApplyPayment(ctx, nil, 1, t0)
	require.NoError(t, err)
	assert.True(t, change.Raised())
	assert.Equal(t, t0.Add(31*day), *change.Current)

	_, err = svc.ApplyPayment(ctx, nil, 1, t0.Add(10*day))
	require.NoError(t, err)
	account, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, account.ExpiresAt.Equal(t0.Add(61*day)))

	_, err = svc.ApplyPayment(ctx, nil, 1, t0.Add(100*day))
	require.NoError(t, err)
	account, err = repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, account.ExpiresAt.Equal(t0.Add(131*day)))
}

func TestApplyPaymentInsideTransaction(t *testing.T) {
	svc, repo, client := newService(t)
	ctx := context.Background()
	seedAccount(t, client, models.Account{ID: 1})

	boom := pkgerrors.New(pkgerrors.CodeInternal, "rollback")
	err := client.WithTx(ctx, func(tx *gorm.DB) error {
		if _, err := svc.ApplyPayment(ctx, tx, 1, t0); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	account, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Nil(t, account.ExpiresAt, "rolled back write must not persist")
}

func TestMergeNeverLowers(t *testing.T) {
	svc, repo, client := newService(t)
	ctx := context.Background()
	seedAccount(t, client, models.Account{ID: 1, ExpiresAt: ptr(t0.Add(90 * day))})

	change, err := svc.Merge(ctx, nil, 1, t0)
	require.NoError(t, err)
	assert.False(t, change.Raised())

	account, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, account.ExpiresAt.Equal(t0.Add(90*day)))

	_, err = svc.Merge(ctx, nil, 1, t0.Add(120*day))
	require.NoError(t, err)
	account, err = repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, account.ExpiresAt.Equal(t0.Add(120*day)))
}

func TestRaisingExpiryResetsReminders(t *testing.T) {
	svc, repo, client := newService(t)
	ctx := context.Background()
	seedAccount(t, client, models.Account{ID: 1, ExpiresAt: ptr(t0.Add(2 * day)), ReminderMask: 3})

	_, err := svc.ApplyPayment(ctx, nil, 1, t0)
	require.NoError(t, err)
	account, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, account.ReminderMask)
}

func TestCloseEndsAccessAndDropsInstrument(t *testing.T) {
	svc, repo, client := newService(t)
	ctx := context.Background()
	seedAccount(t, client, models.Account{ID: 1, ExpiresAt: ptr(t0.Add(20 * day)), PaymentMethodRef: ptr("pm-1"), AutoRenewal: true})

	change, err := svc.Close(ctx, nil, 1, t0)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(-time.Second), *change.Current)

	account, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, account.ActiveAt(t0))
	assert.False(t, account.AutoRenewal)
	assert.Nil(t, account.PaymentMethodRef)
}

func TestExtendRejectsNonPositiveLength(t *testing.T) {
	svc, _, client := newService(t)
	seedAccount(t, client, models.Account{ID: 1})
	_, err := svc.Extend(context.Background(), nil, 1, t0, 0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestExtendUnknownAccount(t *testing.T) {
	svc, _, _ := newService(t)
	_, err := svc.ApplyPayment(context.Background(), nil, 404, t0)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestReplayIncludesAdjustments(t *testing.T) {
	svc, repo, client := newService(t)
	ctx := context.Background()
	seedAccount(t, client, models.Account{ID: 1})

	require.NoError(t, repo.CreateAdjustment(ctx, &models.EntitlementAdjustment{
		AccountID: 1, Kind: enums.AdjustmentKindGrant, Days: 7, Actor: "op", EffectiveAt: t0.Add(5 * day),
	}))

	payments := []expiry.Payment{{ID: "p1", At: t0, Status: enums.PaymentStatusSucceeded}}
	got, err := svc.Replay(ctx, 1, payments)
	require.NoError(t, err)
	assert.Equal(t, t0.Add(38*day), got)

	require.NoError(t, repo.CreateAdjustment(ctx, &models.EntitlementAdjustment{
		AccountID: 1, Kind: enums.AdjustmentKindRevoke, Actor: "op", EffectiveAt: t0.Add(6 * day),
	}))
	got, err = svc.Replay(ctx, 1, payments)
	require.NoError(t, err)
	assert.True(t, got.IsZero())
}

func TestRegisterRenewalFailureTripsAtThreshold(t *testing.T) {
	_, repo, client := newService(t)
	ctx := context.Background()
	seedAccount(t, client, models.Account{ID: 1, PaymentMethodRef: ptr("pm-1"), AutoRenewal: true})

	account, err := repo.RegisterRenewalFailure(ctx, 1, 2, t0)
	require.NoError(t, err)
	assert.Equal(t, 1, account.FailureCount)
	assert.True(t, account.AutoRenewal)
	assert.True(t, account.HasPaymentMethod())

	account, err = repo.RegisterRenewalFailure(ctx, 1, 2, t0)
	require.NoError(t, err)
	assert.Equal(t, 2, account.FailureCount)
	assert.False(t, account.AutoRenewal)
	assert.False(t, account.HasPaymentMethod())
}

func TestSaveInstrumentResetsFailures(t *testing.T) {
	_, repo, client := newService(t)
	ctx := context.Background()
	seedAccount(t, client, models.Account{ID: 1, FailureCount: 1})

	require.NoError(t, repo.SaveInstrument(ctx, 1, "pm-2"))
	account, err := repo.Get(ctx, 1)
	require.NoError(t, err)
	assert.Zero(t, account.FailureCount)
	assert.True(t, account.AutoRenewal)
	assert.Equal(t, "pm-2", *account.PaymentMethodRef)
}

func TestClaimRenewalIsExclusive(t *testing.T) {
	_, repo, client := newService(t)
	ctx := context.Background()
	seedAccount(t, client, models.Account{ID: 1, PaymentMethodRef: ptr("pm"), AutoRenewal: true})

	ok, err := repo.ClaimRenewal(ctx, 1, 0, t0, t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = repo.ClaimRenewal(ctx, 1, 0, t0.Add(time.Minute), t0.Add(-time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "second claim inside the window must fail")

	ok, err = repo.ClaimRenewal(ctx, 1, 0, t0.Add(2*time.Hour), t0.Add(time.Hour))
	require.NoError(t, err)
	assert.True(t, ok, "stale claim can be taken over")

	ok, err = repo.ClaimRenewal(ctx, 1, 1, t0.Add(4*time.Hour), t0.Add(3*time.Hour))
	require.NoError(t, err)
	assert.False(t, ok, "failure count mismatch")
}

func TestListLapsedAndRenewalCandidates(t *testing.T) {
	_, repo, client := newService(t)
	ctx := context.Background()
	seedAccount(t, client, models.Account{ID: 1, ExpiresAt: ptr(t0.Add(-day))})
	seedAccount(t, client, models.Account{ID: 2, ExpiresAt: ptr(t0.Add(day)), PaymentMethodRef: ptr("pm"), AutoRenewal: true})
	seedAccount(t, client, models.Account{ID: 3, ExpiresAt: ptr(t0.Add(day)), PaymentMethodRef: ptr("pm"), AutoRenewal: true, FailureCount: 2})
	seedAccount(t, client, models.Account{ID: 4, ExpiresAt: ptr(t0.Add(10 * day)), PaymentMethodRef: ptr("pm"), AutoRenewal: true})
	seedAccount(t, client, models.Account{ID: 5})
	seedAccount(t, client, models.Account{ID: 6, ExpiresAt: ptr(t0.Add(-2 * day))})

	lapsed, err := repo.ListLapsed(ctx, t0, 0, 1)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)
	assert.Equal(t, int64(1), lapsed[0].ID)

	lapsed, err = repo.ListLapsed(ctx, t0, 1, 10)
	require.NoError(t, err)
	require.Len(t, lapsed, 1)
	assert.Equal(t, int64(6), lapsed[0].ID)

	candidates, err := repo.ListRenewalCandidates(ctx, t0, t0.Add(2*day), 2)
	require.NoError(t, err)
	require.Len(t, candidates, 1)
	assert.Equal(t, int64(2), candidates[0].ID)
}

func TestClaimReminderOncePerBit(t *testing.T) {
	_, repo, client := newService(t)
	ctx := context.Background()
	expires := t0.Add(2 * day)
	seedAccount(t, client, models.Account{ID: 1, ExpiresAt: ptr(expires)})

	ok, err := repo.ClaimReminder(ctx, 1, 1, expires)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.ClaimReminder(ctx, 1, 1, expires)
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = repo.ClaimReminder(ctx, 1, 2, expires)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = repo.ClaimReminder(ctx, 1, 4, expires.Add(day))
	require.NoError(t, err)
	assert.False(t, ok, "stale expiry must not claim")
}
