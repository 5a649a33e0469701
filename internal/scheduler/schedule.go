package scheduler

import (
	"fmt"
	"math"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/gorhill/cronexpr"
)

const maxRetryDelay = time.Hour

// Schedule computes when a task is next due after its last start.
type Schedule interface {
	Next(last time.Time) time.Time
}

type interval time.Duration

func (i interval) Next(last time.Time) time.Time { return last.Add(time.Duration(i)) }

type cronSchedule struct {
	expr *cronexpr.Expression
}

func (c cronSchedule) Next(last time.Time) time.Time { return c.expr.Next(last) }

// ParseSchedule accepts "@every <duration>", a bare duration ("15m"),
// "@hourly", "@daily", "@weekly", or a cron expression ("*/5 * * * *").
func ParseSchedule(spec string) (Schedule, error) {
	spec = strings.TrimSpace(spec)
	switch spec {
	case "":
		return nil, fmt.Errorf("empty schedule")
	case "@hourly":
		return interval(time.Hour), nil
	case "@daily":
		return interval(24 * time.Hour), nil
	case "@weekly":
		return interval(7 * 24 * time.Hour), nil
	}

	if rest, ok := strings.CutPrefix(spec, "@every "); ok {
		return parseInterval(strings.TrimSpace(rest))
	}
	if d, err := time.ParseDuration(spec); err == nil {
		return positive(d)
	}

	if len(strings.Fields(spec)) < 5 {
		return nil, fmt.Errorf("unrecognized schedule %q", spec)
	}
	expr, err := cronexpr.Parse(spec)
	if err != nil {
		return nil, fmt.Errorf("parse cron schedule %q: %w", spec, err)
	}
	return cronSchedule{expr: expr}, nil
}

func parseInterval(s string) (Schedule, error) {
	d, err := time.ParseDuration(s)
	if err != nil {
		return nil, fmt.Errorf("parse interval %q: %w", s, err)
	}
	return positive(d)
}

func positive(d time.Duration) (Schedule, error) {
	if d <= 0 {
		return nil, fmt.Errorf("interval must be positive, got %s", d)
	}
	return interval(d), nil
}

// RetryDelay is the wait before retry number attempt (1-based). Fixed
// backoff always waits retry_delay_seconds; exponential doubles it per
// attempt and adds up to 20% jitter, capped at one hour. jitter returns a
// value in [0,1); nil uses math/rand.
func RetryDelay(def TaskDefinition, attempt int, jitter func() float64) time.Duration {
	base := time.Duration(def.RetryDelaySeconds) * time.Second
	if base <= 0 {
		return 0
	}
	if def.Backoff == BackoffFixed {
		return base
	}
	if jitter == nil {
		jitter = rand.Float64
	}

	exp := float64(base) * math.Pow(2, float64(max(attempt-1, 0)))
	d := time.Duration(min(exp, float64(maxRetryDelay)))
	d += time.Duration(float64(d) * 0.2 * jitter())
	return min(d, maxRetryDelay)
}
