package config

import (
	"fmt"

	"github.com/Iron-Ham/sprintloop/internal/progress"
	"github.com/Iron-Ham/sprintloop/internal/retry"
	"github.com/Iron-Ham/sprintloop/internal/scheduler"
)

// RetryPolicy converts the retry section into a retry.Policy.
func (c *Config) RetryPolicy() retry.Policy {
	p := retry.Policy{
		MaxAttempts: c.Retry.MaxAttempts,
		RetryOn:     make([]retry.Category, len(c.Retry.RetryOn)),
		Backoff:     c.Retry.Backoff(),
	}
	for i, cat := range c.Retry.RetryOn {
		p.RetryOn[i] = retry.Category(cat)
	}
	return p
}

// SchedulerConfig converts the scheduler section into a scheduler.Config.
func (c *Config) SchedulerConfig() (scheduler.Config, error) {
	policy, err := scheduler.ParseFailurePolicy(c.Scheduler.FailurePolicy)
	if err != nil {
		return scheduler.Config{}, err
	}
	return scheduler.Config{
		MaxConcurrency: c.Scheduler.MaxConcurrency,
		FailurePolicy:  policy,
	}, nil
}

// MergeDocument returns the retry policy and scheduler settings a sprint runs
// under. The document's retry-config and parallel-execution settings take
// precedence over the configuration file.
func MergeDocument(c *Config, doc *progress.Progress) (retry.Policy, scheduler.Config, error) {
	if c == nil {
		c = Default()
	}
	sched, err := c.SchedulerConfig()
	if err != nil {
		return retry.Policy{}, scheduler.Config{}, err
	}
	if doc == nil {
		return c.RetryPolicy(), sched, nil
	}

	policy := c.RetryPolicy().WithDocument(doc.Retry)
	for _, cat := range policy.RetryOn {
		if !cat.Valid() {
			return retry.Policy{}, scheduler.Config{}, fmt.Errorf("retry-config: unknown category %q", cat)
		}
	}

	if pe := doc.Parallel; pe != nil {
		if pe.MaxConcurrency > 0 {
			sched.MaxConcurrency = pe.MaxConcurrency
		}
		if pe.FailurePolicy != "" {
			fp, err := scheduler.ParseFailurePolicy(pe.FailurePolicy)
			if err != nil {
				return retry.Policy{}, scheduler.Config{}, fmt.Errorf("parallel-execution: %w", err)
			}
			sched.FailurePolicy = fp
		}
	}
	return policy, sched, nil
}
