package scheduler

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrUnknownTask         = errors.New("unknown task")
	ErrTaskBusy            = errors.New("task already running")
	ErrDependenciesPending = errors.New("dependencies not completed")
	ErrInvalidTaskGraph    = errors.New("invalid task graph")
	ErrCycleFound          = errors.New("dependency cycle detected")
)

// GraphError wraps task definition validation failures.
type GraphError struct {
	Kind error
	Msg  string
}

func (e *GraphError) Error() string {
	if e == nil {
		return ""
	}
	if e.Msg == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%s: %s", e.Kind.Error(), e.Msg)
}

func (e *GraphError) Unwrap() error { return e.Kind }

func invalidf(format string, args ...any) error {
	return &GraphError{Kind: ErrInvalidTaskGraph, Msg: fmt.Sprintf(format, args...)}
}

func cycleError(path []string) error {
	msg := "cycle"
	if len(path) > 0 {
		msg = "cycle: " + strings.Join(path, " -> ")
	}
	return &GraphError{Kind: ErrCycleFound, Msg: msg}
}
