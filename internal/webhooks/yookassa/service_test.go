package yookassawebhook

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/angelmondragon/membergate-backend/internal/payments"
	"github.com/angelmondragon/membergate-backend/pkg/enums"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

type fakeConfirmer struct {
	calls []string
	err   error
}

func (f *fakeConfirmer) Confirm(_ context.Context, id string) (*payments.Result, error) {
	f.calls = append(f.calls, id)
	if f.err != nil {
		return nil, f.err
	}
	return &payments.Result{PaymentID: id, Status: enums.PaymentStatusSucceeded, Transitioned: true}, nil
}

type memoryStore struct {
	keys map[string]bool
}

func (m *memoryStore) Claim(_ context.Context, scope, id string, _ time.Duration) (bool, error) {
	key := scope + ":" + id
	if m.keys[key] {
		return false, nil
	}
	m.keys[key] = true
	return true, nil
}

func (m *memoryStore) Forget(_ context.Context, scope, id string) error {
	delete(m.keys, scope+":"+id)
	return nil
}

func newService(t *testing.T, confirmer *fakeConfirmer) *Service {
	t.Helper()
	svc, err := NewService(confirmer, logger.New(logger.Options{ServiceName: "test", Output: io.Discard}))
	require.NoError(t, err)
	return svc
}

func TestParseNotification(t *testing.T) {
	n, err := ParseNotification([]byte(`{"type":"notification","event":"payment.succeeded","object":{"id":"2c3f-1","status":"succeeded"}}`))
	require.NoError(t, err)
	assert.Equal(t, "2c3f-1", n.Object.ID)
	assert.Equal(t, "2c3f-1:payment.succeeded", n.Key())
	assert.True(t, n.Relevant())

	_, err = ParseNotification([]byte(`{"event":"payment.succeeded","object":{}}`))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
	_, err = ParseNotification([]byte(`not json`))
	assert.True(t, pkgerrors.IsCode(err, pkgerrors.CodeValidation))
}

func TestHandleConfirmsRelevantEvents(t *testing.T) {
	confirmer := &fakeConfirmer{}
	svc := newService(t, confirmer)

	for _, event := range []string{EventPaymentSucceeded, EventPaymentCanceled, "refund.succeeded"} {
		n := Notification{Event: event}
		n.Object.ID = "pay-1"
		require.NoError(t, svc.Handle(context.Background(), n))
	}
	assert.Equal(t, []string{"pay-1", "pay-1"}, confirmer.calls)
}

func TestHandleAcknowledgesUnknownPayments(t *testing.T) {
	svc := newService(t, &fakeConfirmer{err: pkgerrors.New(pkgerrors.CodeNotFound, "payment not found")})
	n := Notification{Event: EventPaymentSucceeded}
	n.Object.ID = "foreign"
	assert.NoError(t, svc.Handle(context.Background(), n))
}

func TestHandlePropagatesProviderErrors(t *testing.T) {
	boom := pkgerrors.Wrap(pkgerrors.CodeDependency, errors.New("timeout"), "get payment")
	svc := newService(t, &fakeConfirmer{err: boom})
	n := Notification{Event: EventPaymentSucceeded}
	n.Object.ID = "pay-1"
	assert.True(t, pkgerrors.IsTransient(svc.Handle(context.Background(), n)))
}

func TestIdempotencyGuard(t *testing.T) {
	guard, err := NewIdempotencyGuard(&memoryStore{keys: map[string]bool{}}, time.Hour, "yookassa")
	require.NoError(t, err)
	ctx := context.Background()

	seen, err := guard.CheckAndMark(ctx, "pay-1:payment.succeeded")
	require.NoError(t, err)
	assert.False(t, seen)
	seen, err = guard.CheckAndMark(ctx, "pay-1:payment.succeeded")
	require.NoError(t, err)
	assert.True(t, seen)

	require.NoError(t, guard.Delete(ctx, "pay-1:payment.succeeded"))
	seen, err = guard.CheckAndMark(ctx, "pay-1:payment.succeeded")
	require.NoError(t, err)
	assert.False(t, seen)

	_, err = NewIdempotencyGuard(nil, time.Hour, "yookassa")
	assert.Error(t, err)
}
