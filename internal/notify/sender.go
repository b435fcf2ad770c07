// Package notify renders member-facing messages and delivers them through
// the messaging gateway. Delivery is best effort.
package notify

import (
	"context"

	"github.com/angelmondragon/membergate-backend/internal/gateway"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

// Sender delivers messages and logs failures instead of returning them.
type Sender struct {
	notifier gateway.Notifier
	logg     *logger.Logger
}

// NewSender validates dependencies.
func NewSender(notifier gateway.Notifier, logg *logger.Logger) (*Sender, error) {
	if notifier == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifier required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	return &Sender{notifier: notifier, logg: logg}, nil
}

// Send reports whether the message was accepted by the gateway.
func (s *Sender) Send(ctx context.Context, accountID int64, text string) bool {
	if s == nil || text == "" {
		return false
	}
	if err := s.notifier.Notify(ctx, accountID, text); err != nil {
		logCtx := s.logg.WithAccountID(ctx, accountID)
		s.logg.Warn(s.logg.WithField(logCtx, "error", err.Error()), "notification not delivered")
		return false
	}
	return true
}
