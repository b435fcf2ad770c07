package cron

import (
	"context"
	"errors"
	"io"
	"testing"

	"github.com/angelmondragon/membergate-backend/internal/membership"
	"github.com/angelmondragon/membergate-backend/internal/payments"
	"github.com/angelmondragon/membergate-backend/internal/reminders"
	"github.com/angelmondragon/membergate-backend/internal/renewal"
	"github.com/angelmondragon/membergate-backend/pkg/logger"
)

type fakeReconciler struct {
	summary membership.Summary
	err     error
	calls   int
}

func (f *fakeReconciler) Sweep(context.Context) (membership.Summary, error) {
	f.calls++
	return f.summary, f.err
}

type fakeRenewal struct {
	summary renewal.Summary
	err     error
}

func (f *fakeRenewal) Sweep(context.Context) (renewal.Summary, error) { return f.summary, f.err }

type fakeReminders struct{ err error }

func (f *fakeReminders) Sweep(context.Context) (reminders.Summary, error) {
	return reminders.Summary{Checked: 1}, f.err
}

type fakePoller struct{ calls int }

func (f *fakePoller) PollPending(context.Context) (payments.PollSummary, error) {
	f.calls++
	return payments.PollSummary{Checked: 2, Succeeded: 1, Pending: 1}, nil
}

func quietLogger() *logger.Logger {
	return logger.New(logger.Options{ServiceName: "cron-test", Output: io.Discard})
}

func TestJobsReportSweepErrors(t *testing.T) {
	logg := quietLogger()
	boom := errors.New("boom")

	reconcile, err := NewReconcileJob(logg, &fakeReconciler{summary: membership.Summary{Checked: 3, Failed: 1}, err: boom})
	if err != nil {
		t.Fatalf("NewReconcileJob: %v", err)
	}
	renew, err := NewRenewalJob(logg, &fakeRenewal{summary: renewal.Summary{Disabled: 1}, err: boom})
	if err != nil {
		t.Fatalf("NewRenewalJob: %v", err)
	}
	remind, err := NewRemindersJob(logg, &fakeReminders{err: boom})
	if err != nil {
		t.Fatalf("NewRemindersJob: %v", err)
	}

	for _, job := range []Job{reconcile, renew, remind} {
		if err := job.Run(context.Background()); !errors.Is(err, boom) {
			t.Fatalf("%s: expected sweep error, got %v", job.Name(), err)
		}
	}
}

func TestPaymentPollJobRuns(t *testing.T) {
	poller := &fakePoller{}
	job, err := NewPaymentPollJob(quietLogger(), poller)
	if err != nil {
		t.Fatalf("NewPaymentPollJob: %v", err)
	}
	if job.Name() != JobPaymentPoll {
		t.Fatalf("unexpected name %q", job.Name())
	}
	if err := job.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if poller.calls != 1 {
		t.Fatalf("expected one poll, got %d", poller.calls)
	}
}

func TestJobConstructorsRequireDependencies(t *testing.T) {
	if _, err := NewReconcileJob(nil, &fakeReconciler{}); err == nil {
		t.Fatal("expected missing logger to fail")
	}
	if _, err := NewPaymentPollJob(quietLogger(), nil); err == nil {
		t.Fatal("expected missing poller to fail")
	}
}

func TestNewJobsRegistersEverySchedule(t *testing.T) {
	jobs, err := NewJobs(quietLogger(), Sweepers{
		Reconcile: &fakeReconciler{},
		Renewal:   &fakeRenewal{},
		Reminders: &fakeReminders{},
		Payments:  &fakePoller{},
	})
	if err != nil {
		t.Fatalf("NewJobs: %v", err)
	}
	want := []string{JobReconcile, JobRenewal, JobReminders, JobPaymentPoll}
	got := jobs.Names()
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, got)
		}
	}

	if _, err := NewJobs(quietLogger(), Sweepers{Reconcile: &fakeReconciler{}}); err == nil {
		t.Fatal("expected missing sweepers to fail")
	}
}

func TestLockKey(t *testing.T) {
	if got := LockKey("prod", JobRenewal); got != "membergate:cron:prod:renewal" {
		t.Fatalf("unexpected key %q", got)
	}
	if got := LockKey("", JobReconcile); got != "membergate:cron:local:reconcile" {
		t.Fatalf("unexpected key %q", got)
	}
}
