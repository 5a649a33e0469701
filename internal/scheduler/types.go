// Package scheduler runs periodic tasks with dependencies, retries, and
// timeouts.
//
// A single control loop decides what to start each tick; task bodies run in
// their own goroutines. At most one execution per task id is in flight.
package scheduler

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"
)

// Status is the lifecycle state of a TaskExecution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

// Backoff strategies for retry delays.
const (
	BackoffExponential = "exponential"
	BackoffFixed       = "fixed"
)

// TaskDefinition declares a schedulable task.
type TaskDefinition struct {
	ID                string         `yaml:"id" json:"id"`
	Schedule          string         `yaml:"schedule" json:"schedule"`
	Enabled           bool           `yaml:"enabled" json:"enabled"`
	MaxRuntimeMinutes int            `yaml:"max_runtime_minutes" json:"max_runtime_minutes,omitempty"`
	RetryCount        int            `yaml:"retry_count" json:"retry_count"`
	RetryDelaySeconds int            `yaml:"retry_delay_seconds" json:"retry_delay_seconds"`
	TimeoutSeconds    int            `yaml:"timeout_seconds" json:"timeout_seconds,omitempty"`
	Dependencies      []string       `yaml:"dependencies" json:"dependencies,omitempty"`
	Parameters        map[string]any `yaml:"parameters" json:"parameters,omitempty"`
	Backoff           string         `yaml:"backoff" json:"backoff,omitempty"`
}

// UnmarshalYAML defaults enabled to true.
func (d *TaskDefinition) UnmarshalYAML(node *yaml.Node) error {
	type plain TaskDefinition
	p := plain{Enabled: true}
	if err := node.Decode(&p); err != nil {
		return err
	}
	*d = TaskDefinition(p)
	return nil
}

// Timeout is the smaller positive of timeout_seconds and
// max_runtime_minutes, or zero when neither is set.
func (d TaskDefinition) Timeout() time.Duration {
	var out time.Duration
	if d.TimeoutSeconds > 0 {
		out = time.Duration(d.TimeoutSeconds) * time.Second
	}
	if d.MaxRuntimeMinutes > 0 {
		rt := time.Duration(d.MaxRuntimeMinutes) * time.Minute
		if out == 0 || rt < out {
			out = rt
		}
	}
	return out
}

// Kind returns parameters.kind, the built-in body the task runs.
func (d TaskDefinition) Kind() string {
	if k, ok := d.Parameters["kind"].(string); ok {
		return k
	}
	return ""
}

// Param returns a string parameter.
func (d TaskDefinition) Param(key string) string {
	if v, ok := d.Parameters[key]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// TaskExecution is one attempt at running a task.
type TaskExecution struct {
	ID        string    `json:"id"`
	TaskID    string    `json:"task_id"`
	Status    Status    `json:"status"`
	Attempt   int       `json:"attempt"` // 0 for the first run, n for the nth retry
	CreatedAt time.Time `json:"created_at"`
	NotBefore time.Time `json:"not_before,omitzero"`
	StartedAt time.Time `json:"started_at,omitzero"`
	EndedAt   time.Time `json:"ended_at,omitzero"`
	Error     string    `json:"error,omitempty"`
	AdHoc     bool      `json:"ad_hoc,omitempty"`
}

// Duration is the run time of a finished execution.
func (e TaskExecution) Duration() time.Duration {
	if e.StartedAt.IsZero() || e.EndedAt.IsZero() {
		return 0
	}
	return e.EndedAt.Sub(e.StartedAt)
}

// IsTerminal reports whether the status is final.
func IsTerminal(s Status) bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	default:
		return false
	}
}

// Transition moves exec from one status to another. The caller supplies the
// expected prior status so races are observable.
func Transition(exec *TaskExecution, from, to Status) error {
	if exec.Status != from {
		return fmt.Errorf("invalid transition for execution %s: expected %s, got %s", exec.ID, from, exec.Status)
	}
	if !isAllowedTransition(from, to) {
		return fmt.Errorf("disallowed transition for execution %s: %s -> %s", exec.ID, from, to)
	}
	exec.Status = to
	return nil
}

func isAllowedTransition(from, to Status) bool {
	switch from {
	case StatusPending:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusCompleted || to == StatusFailed || to == StatusCancelled
	default:
		return false
	}
}
