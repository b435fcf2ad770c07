// Package yookassawebhook turns YooKassa HTTP notifications into payment
// confirmations. The notification body is only a hint: the payment status is
// always re-read from the provider.
package yookassawebhook

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/angelmondragon/membergate-backend/internal/payments"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

// Notification events that carry a payment id worth confirming.
const (
	EventPaymentSucceeded         = "payment.succeeded"
	EventPaymentCanceled          = "payment.canceled"
	EventPaymentWaitingForCapture = "payment.waiting_for_capture"
)

// Notification is the body YooKassa posts to the webhook URL.
type Notification struct {
	Type   string `json:"type"`
	Event  string `json:"event"`
	Object struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	} `json:"object"`
}

// Key identifies one delivery for deduplication.
func (n Notification) Key() string {
	return n.Object.ID + ":" + n.Event
}

// Relevant reports whether the event concerns a payment status change.
func (n Notification) Relevant() bool {
	switch n.Event {
	case EventPaymentSucceeded, EventPaymentCanceled, EventPaymentWaitingForCapture:
		return true
	default:
		return false
	}
}

// ParseNotification decodes and validates a notification body.
func ParseNotification(body []byte) (Notification, error) {
	var n Notification
	if err := json.Unmarshal(body, &n); err != nil {
		return Notification{}, pkgerrors.Wrap(pkgerrors.CodeValidation, err, "decode notification")
	}
	n.Event = strings.TrimSpace(n.Event)
	n.Object.ID = strings.TrimSpace(n.Object.ID)
	if n.Event == "" || n.Object.ID == "" {
		return Notification{}, pkgerrors.New(pkgerrors.CodeValidation, "notification event and object id are required")
	}
	return n, nil
}

type confirmer interface {
	Confirm(ctx context.Context, providerPaymentID string) (*payments.Result, error)
}

// Service handles parsed notifications.
type Service struct {
	payments confirmer
	logg     *logger.Logger
}

func NewService(svc confirmer, logg *logger.Logger) (*Service, error) {
	if svc == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payments service required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	return &Service{payments: svc, logg: logg}, nil
}

// Handle confirms the referenced payment. Irrelevant events are acknowledged
// without work. A succeeded payment missing from the ledger is adopted by
// Confirm; one that no account can be found for is acknowledged so the
// provider stops redelivering it.
func (s *Service) Handle(ctx context.Context, n Notification) error {
	ctx = s.logg.WithField(s.logg.WithPaymentID(ctx, n.Object.ID), "event", n.Event)
	if !n.Relevant() {
		s.logg.Debug(ctx, "ignoring notification")
		return nil
	}
	result, err := s.payments.Confirm(ctx, n.Object.ID)
	if err != nil {
		if pkgerrors.IsCode(err, pkgerrors.CodeNotFound) {
			s.logg.Warn(ctx, "notification for unknown payment")
			return nil
		}
		return err
	}
	s.logg.Info(s.logg.WithFields(ctx, map[string]any{
		"status":       string(result.Status),
		"transitioned": result.Transitioned,
	}), "notification handled")
	return nil
}
