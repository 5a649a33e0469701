package notify

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collectSink struct {
	mu     sync.Mutex
	events []Event
}

func (c *collectSink) Name() string { return "collect" }

func (c *collectSink) Deliver(_ context.Context, ev Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
	return nil
}

func TestBusFansOutToEverySink(t *testing.T) {
	a, b := &collectSink{}, &collectSink{}
	bus := NewBus(8, log.New(io.Discard, "", 0), a, b)

	require.True(t, bus.Publish(Event{Type: EventCycleCompleted, Message: "one"}))
	require.True(t, bus.Publish(Event{Type: EventTaskFailed, Task: "link", Message: "two"}))
	bus.Close()

	for _, s := range []*collectSink{a, b} {
		require.Len(t, s.events, 2)
		assert.Equal(t, "one", s.events[0].Message)
		assert.Equal(t, "link", s.events[1].Task)
		assert.False(t, s.events[0].Time.IsZero())
	}
}

func TestBusSinkErrorDoesNotStopDelivery(t *testing.T) {
	var calls int
	failing := SinkFunc(func(context.Context, Event) error {
		calls++
		return errors.New("down")
	})
	ok := &collectSink{}
	bus := NewBus(4, log.New(io.Discard, "", 0), failing, ok)

	bus.Publish(Event{Type: EventTaskFailed})
	bus.Publish(Event{Type: EventTaskFailed})
	bus.Close()

	assert.Equal(t, 2, calls)
	assert.Len(t, ok.events, 2)
}

func TestBusClosed(t *testing.T) {
	bus := NewBus(1, log.New(io.Discard, "", 0), &collectSink{})
	bus.Close()
	bus.Close()
	assert.False(t, bus.Publish(Event{Type: EventCycleCompleted}))

	var nilBus *Bus
	assert.True(t, nilBus.Publish(Event{}))
	nilBus.Close()
}

func TestBusDropsWhenFull(t *testing.T) {
	release := make(chan struct{})
	blocking := SinkFunc(func(context.Context, Event) error {
		<-release
		return nil
	})
	bus := NewBus(1, log.New(io.Discard, "", 0), blocking)

	// The worker holds at most one event and the queue one more.
	for range 5 {
		bus.Publish(Event{Type: EventCycleCompleted})
	}
	close(release)
	bus.Close()
}

func TestWebhookSink(t *testing.T) {
	var got Event
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	sink := NewWebhookSink(srv.URL, time.Second)
	err := sink.Deliver(context.Background(), Event{Type: EventTaskFailed, Task: "index", Message: "boom"})
	require.NoError(t, err)
	assert.Equal(t, EventTaskFailed, got.Type)
	assert.Equal(t, "index", got.Task)
}

func TestWebhookSinkErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusBadGateway)
	}))
	defer srv.Close()

	err := NewWebhookSink(srv.URL, 0).Deliver(context.Background(), Event{Type: EventCycleCompleted})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 502")
}
