package cron

import (
	"context"
	"fmt"
)

// Job represents a scheduled task that runs inside the cron worker.
type Job interface {
	Name() string
	Run(ctx context.Context) error
}

// Registry holds jobs keyed by name, in registration order.
type Registry struct {
	jobs  []Job
	index map[string]int
}

// NewRegistry builds a registry preloaded with the provided jobs. Nil jobs are
// skipped; a repeated name is an error.
func NewRegistry(jobs ...Job) (*Registry, error) {
	registry := &Registry{index: map[string]int{}}
	for _, job := range jobs {
		if err := registry.Register(job); err != nil {
			return nil, err
		}
	}
	return registry, nil
}

// Register adds a job to the registry.
func (r *Registry) Register(job Job) error {
	if job == nil {
		return nil
	}
	if r.index == nil {
		r.index = map[string]int{}
	}
	name := job.Name()
	if _, exists := r.index[name]; exists {
		return fmt.Errorf("cron job %q registered twice", name)
	}
	r.index[name] = len(r.jobs)
	r.jobs = append(r.jobs, job)
	return nil
}

// Lookup returns the job registered under name.
func (r *Registry) Lookup(name string) (Job, bool) {
	i, ok := r.index[name]
	if !ok {
		return nil, false
	}
	return r.jobs[i], true
}

// Names lists job names in registration order.
func (r *Registry) Names() []string {
	names := make([]string, len(r.jobs))
	for i, job := range r.jobs {
		names[i] = job.Name()
	}
	return names
}

// Jobs returns the registered jobs in the order they were added.
func (r *Registry) Jobs() []Job {
	jobs := make([]Job, len(r.jobs))
	copy(jobs, r.jobs)
	return jobs
}
