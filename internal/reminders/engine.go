// Package reminders warns members a few days before their access ends.
package reminders

import (
	"context"
	"sort"
	"time"

	"go.uber.org/multierr"

	"github.com/angelmondragon/membergate-backend/internal/accounts"
	"github.com/angelmondragon/membergate-backend/internal/entitlements"
	"github.com/angelmondragon/membergate-backend/internal/notify"
	"github.com/angelmondragon/membergate-backend/pkg/db/models"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
	"github.com/angelmondragon/membergate-backend/pkg/metrics"
)

const (
	engineName = "reminders"
	maxDays    = 30
)

var defaultDays = []int{3, 2, 1}

// Summary counts one sweep.
type Summary struct {
	Checked int `json:"checked"`
	Sent    int `json:"sent"`
	Skipped int `json:"skipped"`
	Errors  int `json:"errors"`
}

// Engine sends each threshold's reminder at most once per expiry. Raising
// the expiry re-arms every threshold.
type Engine struct {
	store   entitlements.Repository
	sender  *notify.Sender
	logg    *logger.Logger
	metrics *metrics.OutcomeMetrics
	days    []int
	now     func() time.Time
}

func NewEngine(store entitlements.Repository, sender *notify.Sender, logg *logger.Logger, m *metrics.OutcomeMetrics, days []int) (*Engine, error) {
	if store == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "entitlements repository required")
	}
	if sender == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "notifier required")
	}
	if logg == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "logger required")
	}
	if len(days) == 0 {
		days = defaultDays
	}
	thresholds := make([]int, 0, len(days))
	seen := map[int]bool{}
	for _, d := range days {
		if d <= 0 || d > maxDays {
			return nil, pkgerrors.New(pkgerrors.CodeValidation, "reminder thresholds must be between 1 and 30 days")
		}
		if !seen[d] {
			seen[d] = true
			thresholds = append(thresholds, d)
		}
	}
	sort.Ints(thresholds)
	return &Engine{store: store, sender: sender, logg: logg, metrics: m, days: thresholds, now: time.Now}, nil
}

// Bit is the reminder_mask flag of a threshold.
func Bit(days int) int {
	return 1 << (days - 1)
}

// Sweep notifies every active account inside the widest threshold.
func (e *Engine) Sweep(ctx context.Context) (Summary, error) {
	var (
		summary Summary
		errs    error
	)
	now := e.now()
	widest := e.days[len(e.days)-1]
	expiring, err := e.store.ListExpiring(ctx, now, now.Add(time.Duration(widest)*24*time.Hour))
	if err != nil {
		return summary, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "list expiring accounts")
	}
	for i := range expiring {
		summary.Checked++
		sent, err := e.remind(ctx, expiring[i], now)
		switch {
		case err != nil:
			summary.Errors++
			errs = multierr.Append(errs, err)
			e.metrics.Inc(engineName, "error")
		case sent:
			summary.Sent++
			e.metrics.Inc(engineName, "sent")
		default:
			summary.Skipped++
		}
	}
	e.logg.Info(e.logg.WithFields(ctx, map[string]any{
		"checked": summary.Checked,
		"sent":    summary.Sent,
		"skipped": summary.Skipped,
		"errors":  summary.Errors,
	}), "reminder sweep complete")
	return summary, errs
}

// remind claims every threshold the account has crossed and sends one
// message for the tightest. Thresholds crossed while the worker was down are
// claimed without a message of their own.
func (e *Engine) remind(ctx context.Context, account models.Account, now time.Time) (bool, error) {
	if account.ExpiresAt == nil {
		return false, nil
	}
	daysLeft := accounts.DaysLeft(*account.ExpiresAt, now)
	bits := 0
	for _, d := range e.days {
		if daysLeft <= d && account.ReminderMask&Bit(d) == 0 {
			bits |= Bit(d)
		}
	}
	if bits == 0 {
		return false, nil
	}

	claimed, err := e.store.ClaimReminder(ctx, account.ID, bits, *account.ExpiresAt)
	if err != nil {
		return false, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "claim reminder")
	}
	if !claimed {
		return false, nil
	}
	text := notify.Reminder(daysLeft, *account.ExpiresAt, account.AutoRenewal && account.HasPaymentMethod())
	e.sender.Send(ctx, account.ID, text)
	return true, nil
}
