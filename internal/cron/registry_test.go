package cron

import (
	"context"
	"testing"
)

type stubJob struct {
	name string
}

func (s *stubJob) Name() string              { return s.name }
func (s *stubJob) Run(context.Context) error { return nil }

func TestRegistryStoresJobs(t *testing.T) {
	registry, err := NewRegistry()
	if err != nil {
		t.Fatalf("NewRegistry: %v", err)
	}
	jobA := &stubJob{name: "a"}
	jobB := &stubJob{name: "b"}
	if err := registry.Register(jobA); err != nil {
		t.Fatalf("Register a: %v", err)
	}
	if err := registry.Register(jobB); err != nil {
		t.Fatalf("Register b: %v", err)
	}
	jobs := registry.Jobs()
	if len(jobs) != 2 {
		t.Fatalf("expected 2 jobs, got %d", len(jobs))
	}
	if jobs[0] != jobA || jobs[1] != jobB {
		t.Fatalf("jobs returned out of order")
	}
	jobs[0] = nil
	if registry.Jobs()[0] == nil {
		t.Fatalf("internal slice leaked")
	}
	if got, ok := registry.Lookup("b"); !ok || got != jobB {
		t.Fatalf("lookup b returned %v, %v", got, ok)
	}
	if _, ok := registry.Lookup("c"); ok {
		t.Fatalf("lookup of unknown job succeeded")
	}
	if names := registry.Names(); len(names) != 2 || names[0] != "a" || names[1] != "b" {
		t.Fatalf("unexpected names %v", names)
	}
}

func TestRegistryRejectsDuplicateNames(t *testing.T) {
	if _, err := NewRegistry(&stubJob{name: "sweep"}, nil, &stubJob{name: "sweep"}); err == nil {
		t.Fatal("expected duplicate job name to fail")
	}
}
