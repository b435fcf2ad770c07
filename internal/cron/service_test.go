package cron

import (
	"context"
	"errors"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/angelmondragon/membergate-backend/pkg/metrics"
)

type fakeLock struct {
	acquired bool
	releases int
}

func (f *fakeLock) Acquire(context.Context) (bool, error) {
	if f.acquired {
		return false, nil
	}
	f.acquired = true
	return true, nil
}

func (f *fakeLock) Release(context.Context) error {
	f.acquired = false
	f.releases++
	return nil
}

type testJob struct {
	name string
	err  error
	runs int
}

func (t *testJob) Name() string { return t.name }

func (t *testJob) Run(context.Context) error {
	t.runs++
	return t.err
}

func TestRunOnceRunsAllJobsEvenOnFailure(t *testing.T) {
	success := &testJob{name: "success"}
	failure := &testJob{name: "fail", err: errors.New("boom")}
	reg := prometheus.NewRegistry()
	lock := &fakeLock{}
	jobs, err := NewRegistry(success, failure)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	service, err := NewService(ServiceParams{
		Name:     "test",
		Logger:   quietLogger(),
		Registry: jobs,
		Lock:     lock,
		Metrics:  metrics.NewCronJobMetrics(reg),
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if success.runs != 1 || failure.runs != 1 {
		t.Fatalf("expected each job to run once, got %d and %d", success.runs, failure.runs)
	}
	if lock.releases != 1 {
		t.Fatalf("expected lock released once, got %d", lock.releases)
	}
	count, err := testutil.GatherAndCount(reg, "membergate_job_failure_total", "membergate_job_success_total")
	if err != nil {
		t.Fatalf("gather: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected one failure and one success series, got %d", count)
	}
}

func TestRunOnceSkipsWhenLockHeld(t *testing.T) {
	job := &testJob{name: "job"}
	jobs, err := NewRegistry(job)
	if err != nil {
		t.Fatalf("registry: %v", err)
	}
	service, err := NewService(ServiceParams{
		Logger:   quietLogger(),
		Registry: jobs,
		Lock:     &fakeLock{acquired: true},
	})
	if err != nil {
		t.Fatalf("construct service: %v", err)
	}
	if err := service.RunOnce(context.Background()); err != nil {
		t.Fatalf("run cycle: %v", err)
	}
	if job.runs != 0 {
		t.Fatalf("expected job skipped, ran %d", job.runs)
	}
	if service.Interval() != defaultInterval {
		t.Fatalf("expected default interval, got %v", service.Interval())
	}
}

func TestLocalLockIsExclusive(t *testing.T) {
	lock := &LocalLock{}
	ctx := context.Background()
	first, _ := lock.Acquire(ctx)
	second, _ := lock.Acquire(ctx)
	if !first || second {
		t.Fatalf("expected only the first acquire to win, got %v %v", first, second)
	}
	_ = lock.Release(ctx)
	if again, _ := lock.Acquire(ctx); !again {
		t.Fatal("expected acquire after release to win")
	}
}
