package cron

import (
	"context"

	"github.com/angelmondragon/membergate-backend/internal/membership"
	"github.com/angelmondragon/membergate-backend/internal/payments"
	"github.com/angelmondragon/membergate-backend/internal/reminders"
	"github.com/angelmondragon/membergate-backend/internal/renewal"
	pkgerrors "github.com/angelmondragon/membergate-backend/pkg/errors"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

// Job names double as schedule names and lock key suffixes.
const (
	JobReconcile   = "reconcile"
	JobRenewal     = "renewal"
	JobReminders   = "reminders"
	JobPaymentPoll = "payment-poll"
)

type reconcileSweeper interface {
	Sweep(ctx context.Context) (membership.Summary, error)
}

type renewalSweeper interface {
	Sweep(ctx context.Context) (renewal.Summary, error)
}

type reminderSweeper interface {
	Sweep(ctx context.Context) (reminders.Summary, error)
}

type paymentPoller interface {
	PollPending(ctx context.Context) (payments.PollSummary, error)
}

// Sweepers are the engines behind the periodic jobs.
type Sweepers struct {
	Reconcile reconcileSweeper
	Renewal   renewalSweeper
	Reminders reminderSweeper
	Payments  paymentPoller
}

// NewJobs builds every periodic job, registered under its schedule name.
func NewJobs(logg *logger.Logger, s Sweepers) (*Registry, error) {
	reconcile, err := NewReconcileJob(logg, s.Reconcile)
	if err != nil {
		return nil, err
	}
	renew, err := NewRenewalJob(logg, s.Renewal)
	if err != nil {
		return nil, err
	}
	remind, err := NewRemindersJob(logg, s.Reminders)
	if err != nil {
		return nil, err
	}
	poll, err := NewPaymentPollJob(logg, s.Payments)
	if err != nil {
		return nil, err
	}
	return NewRegistry(reconcile, renew, remind, poll)
}

// NewReconcileJob removes lapsed members from the group.
func NewReconcileJob(logg *logger.Logger, sweeper reconcileSweeper) (Job, error) {
	if logg == nil || sweeper == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "reconcile job dependencies required")
	}
	return &reconcileJob{logg: logg, sweeper: sweeper}, nil
}

type reconcileJob struct {
	logg    *logger.Logger
	sweeper reconcileSweeper
}

func (j *reconcileJob) Name() string { return JobReconcile }

func (j *reconcileJob) Run(ctx context.Context) error {
	summary, err := j.sweeper.Sweep(ctx)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"checked":        summary.Checked,
		"already_absent": summary.AlreadyAbsent,
		"removed":        summary.Removed,
		"admins_skipped": summary.AdminsSkipped,
		"changed":        summary.Changed,
		"failed":         summary.Failed,
	}), "reconcile cycle complete")
	return err
}

// NewRenewalJob charges saved instruments ahead of expiry.
func NewRenewalJob(logg *logger.Logger, sweeper renewalSweeper) (Job, error) {
	if logg == nil || sweeper == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "renewal job dependencies required")
	}
	return &renewalJob{logg: logg, sweeper: sweeper}, nil
}

type renewalJob struct {
	logg    *logger.Logger
	sweeper renewalSweeper
}

func (j *renewalJob) Name() string { return JobRenewal }

func (j *renewalJob) Run(ctx context.Context) error {
	summary, err := j.sweeper.Sweep(ctx)
	if summary.Disabled > 0 {
		j.logg.Warn(j.logg.WithField(ctx, "disabled", summary.Disabled), "auto-renewal switched off for repeated failures")
	}
	return err
}

// NewRemindersJob sends expiry reminders.
func NewRemindersJob(logg *logger.Logger, sweeper reminderSweeper) (Job, error) {
	if logg == nil || sweeper == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "reminders job dependencies required")
	}
	return &remindersJob{sweeper: sweeper}, nil
}

type remindersJob struct {
	sweeper reminderSweeper
}

func (j *remindersJob) Name() string { return JobReminders }

func (j *remindersJob) Run(ctx context.Context) error {
	_, err := j.sweeper.Sweep(ctx)
	return err
}

// NewPaymentPollJob confirms pending payments the webhook has not delivered.
func NewPaymentPollJob(logg *logger.Logger, poller paymentPoller) (Job, error) {
	if logg == nil || poller == nil {
		return nil, pkgerrors.New(pkgerrors.CodeDependency, "payment poll job dependencies required")
	}
	return &paymentPollJob{logg: logg, poller: poller}, nil
}

type paymentPollJob struct {
	logg   *logger.Logger
	poller paymentPoller
}

func (j *paymentPollJob) Name() string { return JobPaymentPoll }

func (j *paymentPollJob) Run(ctx context.Context) error {
	summary, err := j.poller.PollPending(ctx)
	j.logg.Info(j.logg.WithFields(ctx, map[string]any{
		"checked":   summary.Checked,
		"succeeded": summary.Succeeded,
		"failed":    summary.Failed,
		"expired":   summary.Expired,
		"pending":   summary.Pending,
		"errors":    summary.Errors,
	}), "payment poll complete")
	return err
}
