package gateway

import (
	"context"
	"testing"
	"time"

	sq "github.com/square/square-go-sdk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/square"
	"github.com/angelmondragon/membergate-backend/pkg/telegram"
	"github.com/angelmondragon/membergate-backend/pkg/yookassa"
)

type stubTelegram struct {
	member    *telegram.ChatMember
	memberErr error
	banUntil  time.Time
	unbanned  bool
	invite    telegram.InviteLinkParams
	sent      map[int64]string
}

func (s *stubTelegram) GetChatMember(context.Context, int64, int64) (*telegram.ChatMember, error) {
	return s.member, s.memberErr
}

func (s *stubTelegram) BanChatMember(_ context.Context, _, _ int64, until time.Time) error {
	s.banUntil = until
	return nil
}

func (s *stubTelegram) UnbanChatMember(_ context.Context, _, _ int64, onlyIfBanned bool) error {
	s.unbanned = onlyIfBanned
	return nil
}

func (s *stubTelegram) CreateChatInviteLink(_ context.Context, _ int64, params telegram.InviteLinkParams) (string, error) {
	s.invite = params
	return "https://t.me/+x", nil
}

func (s *stubTelegram) SendMessage(_ context.Context, chatID int64, text string) error {
	if s.sent == nil {
		s.sent = map[int64]string{}
	}
	s.sent[chatID] = text
	return nil
}

func TestTelegramMembershipStatus(t *testing.T) {
	cases := []struct {
		member telegram.ChatMember
		want   enums.MembershipStatus
	}{
		{telegram.ChatMember{Status: telegram.StatusCreator}, enums.MembershipStatusOwner},
		{telegram.ChatMember{Status: telegram.StatusAdministrator}, enums.MembershipStatusAdmin},
		{telegram.ChatMember{Status: telegram.StatusMember}, enums.MembershipStatusMember},
		{telegram.ChatMember{Status: telegram.StatusRestricted, IsMember: true}, enums.MembershipStatusMember},
		{telegram.ChatMember{Status: telegram.StatusRestricted}, enums.MembershipStatusAbsent},
		{telegram.ChatMember{Status: telegram.StatusLeft}, enums.MembershipStatusAbsent},
		{telegram.ChatMember{Status: telegram.StatusKicked}, enums.MembershipStatusAbsent},
	}
	for _, tc := range cases {
		member := tc.member
		tg, err := NewTelegram(&stubTelegram{member: &member}, -100)
		require.NoError(t, err)
		got, err := tg.GetMembershipStatus(context.Background(), 5)
		require.NoError(t, err)
		assert.Equal(t, tc.want, got, tc.member.Status)
	}
}

func TestTelegramUnknownUserIsAbsent(t *testing.T) {
	tg, err := NewTelegram(&stubTelegram{memberErr: pkgerrors.New(pkgerrors.CodeNotFound, "user not found")}, -100)
	require.NoError(t, err)
	status, err := tg.GetMembershipStatus(context.Background(), 5)
	require.NoError(t, err)
	assert.Equal(t, enums.MembershipStatusAbsent, status)

	tg, err = NewTelegram(&stubTelegram{memberErr: pkgerrors.New(pkgerrors.CodeDependency, "502")}, -100)
	require.NoError(t, err)
	_, err = tg.GetMembershipStatus(context.Background(), 5)
	assert.True(t, pkgerrors.IsTransient(err))
}

func TestTelegramBanThenUnban(t *testing.T) {
	stub := &stubTelegram{}
	tg, err := NewTelegram(stub, -100)
	require.NoError(t, err)
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	tg.now = func() time.Time { return now }

	require.NoError(t, tg.BanThenUnban(context.Background(), 5, time.Minute))
	assert.Equal(t, now.Add(time.Minute), stub.banUntil)
	assert.True(t, stub.unbanned, "unban must only lift bans")
}

func TestTelegramInviteIsSingleUse(t *testing.T) {
	stub := &stubTelegram{}
	tg, err := NewTelegram(stub, -100)
	require.NoError(t, err)
	expires := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)

	link, err := tg.CreateSingleUseInvite(context.Background(), "acct-5", expires)
	require.NoError(t, err)
	assert.Equal(t, "https://t.me/+x", link)
	assert.Equal(t, 1, stub.invite.MemberLimit)
	assert.Equal(t, expires, stub.invite.ExpireDate)

	require.NoError(t, tg.Notify(context.Background(), 5, "hello"))
	assert.Equal(t, "hello", stub.sent[5])
}

func TestNewTelegramValidation(t *testing.T) {
	_, err := NewTelegram(nil, -100)
	assert.Error(t, err)
	_, err = NewTelegram(&stubTelegram{}, 0)
	assert.Error(t, err)
}

type stubYooKassa struct {
	created *yookassa.CreatePaymentRequest
	key     string
	payment *yookassa.Payment
	list    *yookassa.PaymentList
	params  yookassa.ListParams
}

func (s *stubYooKassa) CreatePayment(_ context.Context, req yookassa.CreatePaymentRequest, key string) (*yookassa.Payment, error) {
	s.created = &req
	s.key = key
	return s.payment, nil
}

func (s *stubYooKassa) GetPayment(context.Context, string) (*yookassa.Payment, error) {
	return s.payment, nil
}

func (s *stubYooKassa) ListPayments(_ context.Context, params yookassa.ListParams) (*yookassa.PaymentList, error) {
	s.params = params
	return s.list, nil
}

func TestYooKassaCheckoutCharge(t *testing.T) {
	stub := &stubYooKassa{payment: &yookassa.Payment{
		ID:           "yk-1",
		Status:       yookassa.StatusPending,
		Amount:       yookassa.Amount{Value: "693.00", Currency: "RUB"},
		Confirmation: &yookassa.Confirmation{Type: "redirect", ConfirmationURL: "https://yoomoney.test/c"},
		Metadata:     map[string]string{"user_id": "42"},
	}}
	yk, err := NewYooKassa(stub, 1)
	require.NoError(t, err)

	charge, err := yk.CreateCharge(context.Background(), ChargeRequest{
		AccountID:      42,
		AmountMinor:    69300,
		Currency:       "RUB",
		Description:    "Club",
		IdempotencyKey: "checkout-1",
		SaveInstrument: true,
		ReturnURL:      "https://t.me/bot",
		Receipt:        &Receipt{Phone: "+79990001122", Description: "Club"},
	})
	require.NoError(t, err)

	assert.Equal(t, "checkout-1", stub.key)
	assert.Equal(t, "693.00", stub.created.Amount.Value)
	assert.True(t, stub.created.SavePaymentMethod)
	require.NotNil(t, stub.created.Confirmation)
	assert.Equal(t, "https://t.me/bot", stub.created.Confirmation.ReturnURL)
	require.NotNil(t, stub.created.Receipt)
	assert.Equal(t, "+79990001122", stub.created.Receipt.Customer.Phone)
	assert.Equal(t, "42", stub.created.Metadata["user_id"])

	assert.Equal(t, "yk-1", charge.ID)
	assert.Equal(t, int64(42), charge.AccountID)
	assert.Equal(t, enums.PaymentStatusPending, charge.Status)
	assert.Equal(t, int64(69300), charge.AmountMinor)
	assert.Equal(t, "https://yoomoney.test/c", charge.ConfirmationURL)
}

func TestYooKassaRenewalCharge(t *testing.T) {
	stub := &stubYooKassa{payment: &yookassa.Payment{
		ID:            "yk-2",
		Status:        yookassa.StatusSucceeded,
		Amount:        yookassa.Amount{Value: "990.00", Currency: "RUB"},
		PaymentMethod: &yookassa.PaymentMethod{ID: "pm-9", Saved: true},
	}}
	yk, err := NewYooKassa(stub, 1)
	require.NoError(t, err)

	charge, err := yk.CreateCharge(context.Background(), ChargeRequest{
		AccountID: 9, AmountMinor: 99000, Currency: "RUB", IdempotencyKey: "renewal-9", SavedInstrumentRef: "pm-9",
	})
	require.NoError(t, err)
	assert.Equal(t, "pm-9", stub.created.PaymentMethodID)
	assert.Nil(t, stub.created.Confirmation)
	assert.Equal(t, enums.PaymentStatusSucceeded, charge.Status)
	assert.Equal(t, int64(9), charge.AccountID, "account falls back to the request")
	assert.Equal(t, "pm-9", charge.SavedInstrumentRef)
}

func TestYooKassaListSucceeded(t *testing.T) {
	stub := &stubYooKassa{list: &yookassa.PaymentList{
		NextCursor: "next",
		Items: []yookassa.Payment{
			{ID: "a", Status: yookassa.StatusSucceeded, Amount: yookassa.Amount{Value: "990.00", Currency: "RUB"}, Metadata: map[string]string{"user_id": "1"}},
		},
	}}
	yk, err := NewYooKassa(stub, 1)
	require.NoError(t, err)

	page, err := yk.ListSucceededCharges(context.Background(), "cur")
	require.NoError(t, err)
	assert.Equal(t, yookassa.StatusSucceeded, stub.params.Status)
	assert.Equal(t, "cur", stub.params.Cursor)
	assert.Equal(t, "next", page.NextCursor)
	require.Len(t, page.Charges, 1)
	assert.Equal(t, int64(1), page.Charges[0].AccountID)
}

func TestYooKassaStatusMapping(t *testing.T) {
	assert.Equal(t, enums.PaymentStatusPending, yookassaStatus(yookassa.StatusWaitingForCapture))
	assert.Equal(t, enums.PaymentStatusSucceeded, yookassaStatus(yookassa.StatusSucceeded))
	assert.Equal(t, enums.PaymentStatusCanceled, yookassaStatus(yookassa.StatusCanceled))
}

type stubSquare struct {
	customerParams square.CustomerCreateParams
	cardParams     square.CardCreateParams
	paymentParams  square.PaymentCreateParams
	payment        *sq.Payment
}

func (s *stubSquare) EnsureCustomer(_ context.Context, params square.CustomerCreateParams) (*sq.Customer, error) {
	s.customerParams = params
	id := "cust-1"
	return &sq.Customer{ID: &id}, nil
}

func (s *stubSquare) CreateCard(_ context.Context, params square.CardCreateParams) (*sq.Card, error) {
	s.cardParams = params
	id := "ccof:card-1"
	return &sq.Card{ID: &id}, nil
}

func (s *stubSquare) CreatePayment(_ context.Context, params square.PaymentCreateParams) (*sq.Payment, error) {
	s.paymentParams = params
	return s.payment, nil
}

func (s *stubSquare) GetPayment(context.Context, string) (*sq.Payment, error) {
	return s.payment, nil
}

func (s *stubSquare) ListPayments(_ context.Context, keep func(*sq.Payment) bool) ([]*sq.Payment, error) {
	if keep(s.payment) {
		return []*sq.Payment{s.payment}, nil
	}
	return nil, nil
}

func squarePayment(id, status string, account string, amount int64) *sq.Payment {
	currency := sq.Currency("RUB")
	created := "2026-03-01T10:00:00Z"
	return &sq.Payment{
		ID:          &id,
		Status:      &status,
		ReferenceID: &account,
		CreatedAt:   &created,
		AmountMoney: &sq.Money{Amount: &amount, Currency: &currency},
	}
}

func TestSquareCheckoutVaultsCard(t *testing.T) {
	stub := &stubSquare{payment: squarePayment("sq-1", square.StatusCompleted, "7", 99000)}
	gw, err := NewSquare(stub)
	require.NoError(t, err)

	charge, err := gw.CreateCharge(context.Background(), ChargeRequest{
		AccountID: 7, AmountMinor: 99000, Currency: "RUB", IdempotencyKey: "checkout-7",
		SourceToken: "cnon:abc", SaveInstrument: true, Receipt: &Receipt{Phone: "+79990001122"},
	})
	require.NoError(t, err)

	assert.Equal(t, "7", stub.customerParams.ReferenceID)
	assert.Equal(t, "cnon:abc", stub.cardParams.SourceID)
	assert.Equal(t, "ccof:card-1", stub.paymentParams.SourceID)
	assert.Equal(t, "cust-1", stub.paymentParams.CustomerID)
	assert.Equal(t, "cust-1/ccof:card-1", charge.SavedInstrumentRef)
	assert.Equal(t, enums.PaymentStatusSucceeded, charge.Status)
	assert.Equal(t, int64(7), charge.AccountID)
	assert.Equal(t, time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC), charge.CreatedAt)
}

func TestSquareRenewalUsesSavedCard(t *testing.T) {
	stub := &stubSquare{payment: squarePayment("sq-2", square.StatusFailed, "7", 99000)}
	gw, err := NewSquare(stub)
	require.NoError(t, err)

	charge, err := gw.CreateCharge(context.Background(), ChargeRequest{
		AccountID: 7, AmountMinor: 99000, Currency: "RUB", SavedInstrumentRef: "cust-1/ccof:card-1",
	})
	require.NoError(t, err)
	assert.Equal(t, "ccof:card-1", stub.paymentParams.SourceID)
	assert.Equal(t, enums.PaymentStatusFailed, charge.Status)

	_, err = gw.CreateCharge(context.Background(), ChargeRequest{AccountID: 7, SavedInstrumentRef: "garbage"})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))

	_, err = gw.CreateCharge(context.Background(), ChargeRequest{AccountID: 7})
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation), "checkout without a card token")
}

func TestSquareListSucceededFiltersCompleted(t *testing.T) {
	gw, err := NewSquare(&stubSquare{payment: squarePayment("sq-3", square.StatusCompleted, "3", 100)})
	require.NoError(t, err)
	page, err := gw.ListSucceededCharges(context.Background(), "")
	require.NoError(t, err)
	require.Len(t, page.Charges, 1)
	assert.Empty(t, page.NextCursor)

	gw, err = NewSquare(&stubSquare{payment: squarePayment("sq-4", square.StatusCanceled, "3", 100)})
	require.NoError(t, err)
	page, err = gw.ListSucceededCharges(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, page.Charges)
}
