package renewal

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/membergate-backend/internal/accounts"
	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/internal/expiry"
	"github.com/angelmondragon/membergate-backend/internal/gateway/fake"
	"github.com/angelmondragon/membergate-backend/internal/membership"
	"github.com/angelmondragon/membergate-backend/internal/notify"
	"github.com/angelmondragon/membergate-backend/internal/payments"
	"github.com/angelmondragon/membergate-backend/internal/referrals"
	"github.com/angelmondragon/membergate-backend/pkg/db"
	"github.com/angelmondragon/membergate-backend/pkg/db/dbtest"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

const day = 24 * time.Hour

type harness struct {
	t0       time.Time
	client   *db.Client
	store    entitlements.Repository
	payRepo  payments.Repository
	provider *fake.Payments
	messages *fake.Notifier
	engine   *Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	t0 := time.Now().UTC().Truncate(time.Second)
	client := dbtest.Open(t)
	logg := logger.New(logger.Options{ServiceName: "test", Output: io.Discard})

	accountsRepo := accounts.NewRepository(client.DB())
	store := entitlements.NewRepository(client.DB())
	ents, err := entitlements.NewService(store, expiry.Policy{Period: 30 * day, Grace: day})
	require.NoError(t, err)
	refs, err := referrals.NewService(referrals.NewRepository(client.DB()), accountsRepo, client, 30)
	require.NoError(t, err)
	issuer, err := membership.NewIssuer(membership.IssuerParams{Entitlements: store, Gateway: fake.NewMembership(), Logger: logg})
	require.NoError(t, err)
	messages := fake.NewNotifier()
	sender, err := notify.NewSender(messages, logg)
	require.NoError(t, err)
	provider := fake.NewPayments()
	provider.Now = func() time.Time { return t0 }

	payRepo := payments.NewRepository(client.DB())
	paySvc, err := payments.NewService(payments.Params{
		Repo:         payRepo,
		Accounts:     accountsRepo,
		Entitlements: ents,
		Store:        store,
		Referrals:    refs,
		Gateway:      provider,
		Invites:      issuer,
		Notifier:     sender,
		Tx:           client,
		Logger:       logg,
		Config: payments.Config{
			PriceMinor:       99000,
			Currency:         "RUB",
			PendingMaxAge:    day,
			FailureThreshold: 2,
		},
	})
	require.NoError(t, err)

	engine, err := NewEngine(Params{
		Entitlements: store,
		Payments:     paySvc,
		Logger:       logg,
		Config:       Config{Lookahead: 2 * day, FailureThreshold: 2, ClaimWindow: time.Hour},
	})
	require.NoError(t, err)
	engine.now = func() time.Time { return t0 }

	return &harness{
		t0:       t0,
		client:   client,
		store:    store,
		payRepo:  payRepo,
		provider: provider,
		messages: messages,
		engine:   engine,
	}
}

func (h *harness) seedDue(t *testing.T, id int64, expiresIn time.Duration) time.Time {
	t.Helper()
	expires := h.t0.Add(expiresIn)
	ref := "pm-saved"
	phone := "+79990000000"
	require.NoError(t, h.client.DB().Create(&models.Account{
		ID:               id,
		Phone:            &phone,
		ExpiresAt:        &expires,
		PaymentMethodRef: &ref,
		AutoRenewal:      true,
	}).Error)
	return expires
}

func (h *harness) at(offset time.Duration) {
	h.engine.now = func() time.Time { return h.t0.Add(offset) }
}

func (h *harness) account(t *testing.T, id int64) *models.Account {
	t.Helper()
	account, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return account
}

func TestSweepRenewsDueAccounts(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expires := h.seedDue(t, 1, day)
	h.seedDue(t, 2, 10*day)

	summary, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Candidates: 1, Succeeded: 1}, summary)

	account := h.account(t, 1)
	assert.True(t, account.ExpiresAt.Equal(expires.Add(30*day)))
	assert.Zero(t, account.FailureCount)

	calls := h.provider.Calls()
	require.Len(t, calls, 1)
	assert.Equal(t, "pm-saved", calls[0].SavedInstrumentRef)
	assert.Equal(t, int64(99000), calls[0].AmountMinor)

	again, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, again.Candidates)
}

func TestSweepTwoFailuresDisableAutoRenewal(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expires := h.seedDue(t, 1, day)
	h.provider.Script(fake.Outcome{Status: enums.PaymentStatusFailed}, fake.Outcome{Status: enums.PaymentStatusFailed})

	first, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Candidates: 1, Failed: 1}, first)
	assert.Equal(t, 1, h.account(t, 1).FailureCount)

	h.at(2 * time.Hour)
	second, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Candidates: 1, Failed: 1, Disabled: 1}, second)

	account := h.account(t, 1)
	assert.Equal(t, 2, account.FailureCount)
	assert.False(t, account.AutoRenewal)
	assert.False(t, account.HasPaymentMethod())
	assert.True(t, account.ExpiresAt.Equal(expires))

	calls := h.provider.Calls()
	require.Len(t, calls, 2)
	assert.NotEqual(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)

	h.at(4 * time.Hour)
	third, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, third.Candidates)
	assert.Len(t, h.provider.Calls(), 2)
}

func TestSweepFailureThenSuccessResetsCount(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expires := h.seedDue(t, 1, day)
	h.provider.Script(fake.Outcome{Status: enums.PaymentStatusFailed})

	_, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, h.account(t, 1).FailureCount)

	h.at(30 * time.Minute)
	blocked, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, blocked.Skipped)

	h.at(2 * time.Hour)
	summary, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Succeeded)

	account := h.account(t, 1)
	assert.Zero(t, account.FailureCount)
	assert.True(t, account.AutoRenewal)
	assert.True(t, account.ExpiresAt.Equal(expires.Add(30*day)))
}

func TestSweepSkipsPendingCheckout(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedDue(t, 1, day)
	_, err := h.payRepo.Insert(ctx, &models.Payment{
		ProviderPaymentID: "manual-1",
		Provider:          "fake",
		AccountID:         1,
		AmountMinor:       99000,
		Currency:          "RUB",
		Status:            enums.PaymentStatusPending,
		Kind:              enums.PaymentKindCheckout,
		ChargedAt:         h.t0,
	})
	require.NoError(t, err)

	summary, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Candidates: 1, Skipped: 1}, summary)
	assert.Empty(t, h.provider.Calls())
}

func TestSweepRespectsExistingClaim(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedDue(t, 1, day)

	claimed, err := h.store.ClaimRenewal(ctx, 1, 0, h.t0, h.t0.Add(-time.Hour))
	require.NoError(t, err)
	require.True(t, claimed)

	summary, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Candidates: 1, Skipped: 1}, summary)
	assert.Empty(t, h.provider.Calls())
}

func TestSweepCountsChargeErrorsAsFailures(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.seedDue(t, 1, day)
	h.provider.Script(fake.Outcome{Err: context.DeadlineExceeded}, fake.Outcome{Err: context.DeadlineExceeded})

	summary, err := h.engine.Sweep(ctx)
	require.Error(t, err)
	assert.Equal(t, 1, summary.Errors)
	assert.Equal(t, 1, h.account(t, 1).FailureCount)

	calls := h.provider.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)
}

func TestSweepLostReplyChargesOnce(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	expires := h.seedDue(t, 1, day)
	h.provider.Script(fake.Outcome{LoseReply: true})

	summary, err := h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, Summary{Candidates: 1, Succeeded: 1}, summary)

	calls := h.provider.Calls()
	require.Len(t, calls, 2)
	assert.Equal(t, calls[0].IdempotencyKey, calls[1].IdempotencyKey)
	assert.Len(t, h.provider.Charges(), 1)

	account := h.account(t, 1)
	assert.Zero(t, account.FailureCount)
	assert.True(t, account.ExpiresAt.After(expires))

	h.at(2 * time.Hour)
	summary, err = h.engine.Sweep(ctx)
	require.NoError(t, err)
	assert.Zero(t, summary.Candidates)
	assert.Len(t, h.provider.Charges(), 1)
}

func TestIdempotencyKey(t *testing.T) {
	expires := time.Unix(1_700_000_000, 0).UTC()
	account := models.Account{ID: 42, ExpiresAt: &expires, FailureCount: 1}
	assert.Equal(t, "renewal-42-1700000000-1", IdempotencyKey(account))

	account.FailureCount = 0
	assert.Equal(t, "renewal-42-1700000000-0", IdempotencyKey(account))
}
