package accounts

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/db/dbtest"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
)

var now = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func newTestService(t *testing.T) (*service, *db.Client) {
	t.Helper()
	client := dbtest.Open(t)
	svc, err := NewService(NewRepository(client.DB()), entitlements.NewRepository(client.DB()))
	require.NoError(t, err)
	impl := svc.(*service)
	impl.now = func() time.Time { return now }
	return impl, client
}

func TestNewServiceRequiresDependencies(t *testing.T) {
	_, err := NewService(nil, nil)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeDependency))
}

func TestNormalizePhone(t *testing.T) {
	cases := []struct {
		raw  string
		want string
		ok   bool
	}{
		{raw: "8 (999) 123-45-67", want: "+79991234567", ok: true},
		{raw: "+7 999 123 45 67", want: "+79991234567", ok: true},
		{raw: "79991234567", want: "+79991234567", ok: true},
		{raw: "12345", ok: false},
		{raw: "", ok: false},
	}
	for _, tc := range cases {
		got, err := NormalizePhone(tc.raw)
		if !tc.ok {
			require.Error(t, err, tc.raw)
			assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
			continue
		}
		require.NoError(t, err, tc.raw)
		assert.Equal(t, tc.want, got)
	}
}

func TestTouchCreatesAndRefreshesProfile(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	account, err := svc.Touch(ctx, Profile{AccountID: 10, Username: "anna", FullName: "Anna K"})
	require.NoError(t, err)
	require.NotNil(t, account.Username)
	assert.Equal(t, "anna", *account.Username)

	account, err = svc.Touch(ctx, Profile{AccountID: 10, Username: "anna_k"})
	require.NoError(t, err)
	assert.Equal(t, "anna_k", *account.Username)
	assert.Nil(t, account.FullName)

	_, err = svc.Touch(ctx, Profile{})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestSetPhone(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Touch(ctx, Profile{AccountID: 1})
	require.NoError(t, err)

	phone, err := svc.SetPhone(ctx, 1, "8 999 123 45 67")
	require.NoError(t, err)
	assert.Equal(t, "+79991234567", phone)

	account, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, "+79991234567", *account.Phone)

	_, err = svc.SetPhone(ctx, 2, "8 999 123 45 67")
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestAutoRenewalRequiresInstrument(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	require.NoError(t, client.DB().Create(&models.Account{ID: 1}).Error)

	err := svc.SetAutoRenewal(ctx, 1, true)
	require.Error(t, err)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeStateConflict))

	require.NoError(t, svc.entitlements.SaveInstrument(ctx, 1, "pm-1"))
	require.NoError(t, svc.SetAutoRenewal(ctx, 1, false))
	account, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, account.AutoRenewal)
	assert.True(t, account.HasPaymentMethod())

	require.NoError(t, svc.SetAutoRenewal(ctx, 1, true))
	account, err = svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.True(t, account.AutoRenewal)

	err = svc.SetAutoRenewal(ctx, 99, true)
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeNotFound))
}

func TestClearPaymentMethod(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	require.NoError(t, client.DB().Create(&models.Account{ID: 1}).Error)
	require.NoError(t, svc.entitlements.SaveInstrument(ctx, 1, "pm-1"))

	require.NoError(t, svc.ClearPaymentMethod(ctx, 1))
	account, err := svc.Get(ctx, 1)
	require.NoError(t, err)
	assert.False(t, account.HasPaymentMethod())
	assert.False(t, account.AutoRenewal)
}

func TestEnsureReferralCodeIsStable(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()
	_, err := svc.Touch(ctx, Profile{AccountID: 1})
	require.NoError(t, err)

	code, err := svc.EnsureReferralCode(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, code, referralCodeLength)
	for _, r := range code {
		assert.Contains(t, referralCodeAlphabet, string(r))
	}

	again, err := svc.EnsureReferralCode(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, code, again)

	found, err := svc.repo.FindByReferralCode(ctx, code)
	require.NoError(t, err)
	assert.Equal(t, int64(1), found.ID)
}

func TestStatusDaysLeft(t *testing.T) {
	svc, client := newTestService(t)
	ctx := context.Background()
	expires := now.Add(36 * time.Hour)
	require.NoError(t, client.DB().Create(&models.Account{ID: 1, ExpiresAt: &expires}).Error)
	require.NoError(t, client.DB().Create(&models.Account{ID: 2}).Error)

	status, err := svc.Status(ctx, 1)
	require.NoError(t, err)
	assert.True(t, status.Active)
	assert.Equal(t, 2, status.DaysLeft)

	status, err = svc.Status(ctx, 2)
	require.NoError(t, err)
	assert.False(t, status.Active)
	assert.Zero(t, status.DaysLeft)
}

func TestDaysLeft(t *testing.T) {
	assert.Equal(t, 1, DaysLeft(now.Add(time.Minute), now))
	assert.Equal(t, 3, DaysLeft(now.Add(72*time.Hour), now))
	assert.Equal(t, 0, DaysLeft(now, now))
}
