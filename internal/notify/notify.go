// Package notify fans events out to delivery sinks.
package notify

import (
	"context"
	"log"
	"sync"
	"time"
)

// Event types published by vaultweave.
const (
	EventCycleCompleted = "cycle.completed"
	EventCycleFailed    = "cycle.failed"
	EventTaskFailed     = "task.failed"
)

const defaultBuffer = 64

// Event is a notification delivered to every sink.
type Event struct {
	Type    string    `json:"type"`
	Time    time.Time `json:"time"`
	Task    string    `json:"task,omitempty"`
	Message string    `json:"message"`
	Data    any       `json:"data,omitempty"`
}

// Sink delivers events somewhere.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, ev Event) error
}

// Bus delivers published events to each sink on its own goroutine, so a
// slow sink never blocks publishers or the other sinks. Events for a sink
// whose queue is full are dropped.
type Bus struct {
	logger *log.Logger
	sinks  []Sink
	queues []chan Event

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// NewBus starts one worker per sink. buffer <= 0 selects a default.
func NewBus(buffer int, logger *log.Logger, sinks ...Sink) *Bus {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	if logger == nil {
		logger = log.Default()
	}
	b := &Bus{logger: logger, sinks: sinks}
	for _, s := range sinks {
		q := make(chan Event, buffer)
		b.queues = append(b.queues, q)
		b.wg.Add(1)
		go b.deliver(s, q)
	}
	return b
}

func (b *Bus) deliver(s Sink, q <-chan Event) {
	defer b.wg.Done()
	for ev := range q {
		if err := s.Deliver(context.Background(), ev); err != nil {
			b.logger.Printf("notify: %s: deliver %s: %v", s.Name(), ev.Type, err)
		}
	}
}

// Publish queues ev for every sink. It reports false once the bus is
// closed. A nil bus accepts and discards events.
func (b *Bus) Publish(ev Event) bool {
	if b == nil {
		return true
	}
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return false
	}
	for i, q := range b.queues {
		select {
		case q <- ev:
		default:
			b.logger.Printf("notify: %s: queue full, dropping %s", b.sinks[i].Name(), ev.Type)
		}
	}
	return true
}

// Close stops accepting events and waits for queued ones to be delivered.
func (b *Bus) Close() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	for _, q := range b.queues {
		close(q)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// LogSink writes events to a logger.
type LogSink struct {
	Logger *log.Logger
}

func (LogSink) Name() string { return "log" }

func (s LogSink) Deliver(_ context.Context, ev Event) error {
	logger := s.Logger
	if logger == nil {
		logger = log.Default()
	}
	if ev.Task != "" {
		logger.Printf("notify: [%s] %s: %s", ev.Type, ev.Task, ev.Message)
	} else {
		logger.Printf("notify: [%s] %s", ev.Type, ev.Message)
	}
	return nil
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

func (SinkFunc) Name() string { return "func" }

func (f SinkFunc) Deliver(ctx context.Context, ev Event) error { return f(ctx, ev) }
