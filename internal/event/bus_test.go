package event

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"st_trading/internal/core"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopLogger struct{}

func (l *nopLogger) Debug(msg string, fields ...interface{})               {}
func (l *nopLogger) Info(msg string, fields ...interface{})                {}
func (l *nopLogger) Warn(msg string, fields ...interface{})                {}
func (l *nopLogger) Error(msg string, fields ...interface{})               {}
func (l *nopLogger) Fatal(msg string, fields ...interface{})               {}
func (l *nopLogger) WithField(key string, value interface{}) core.ILogger  { return l }
func (l *nopLogger) WithFields(fields map[string]interface{}) core.ILogger { return l }

// ValueError mimics a typed validation failure raised by a handler
type ValueError struct {
	msg string
}

func (e *ValueError) Error() string { return e.msg }

func TestBusFanOutWithWildcard(t *testing.T) {
	store := NewMemoryStore(0)
	bus := NewBus(store, &nopLogger{})
	ctx := context.Background()

	var mu sync.Mutex
	var aSubjects []string
	var bSubjects []string

	bus.Subscribe("order.*", "A", func(ctx context.Context, evt Event) error {
		mu.Lock()
		defer mu.Unlock()
		aSubjects = append(aSubjects, evt.Subject)
		return nil
	})
	bus.Subscribe("order.created", "B", func(ctx context.Context, evt Event) error {
		mu.Lock()
		defer mu.Unlock()
		bSubjects = append(bSubjects, evt.Subject)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, New("order.created", map[string]interface{}{"id": "1"}, "test")))
	require.NoError(t, bus.Publish(ctx, New("order.updated", map[string]interface{}{"id": "1"}, "test")))

	mu.Lock()
	defer mu.Unlock()
	assert.ElementsMatch(t, []string{"order.created", "order.updated"}, aSubjects)
	assert.Equal(t, []string{"order.created"}, bSubjects)

	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestBusHandlerErrorEmitsAlert(t *testing.T) {
	bus := NewBus(nil, &nopLogger{})
	ctx := context.Background()

	alerts := make(chan Event, 1)

	bus.Subscribe("x", "F", func(ctx context.Context, evt Event) error {
		return &ValueError{msg: "boom happened"}
	})
	bus.Subscribe(HandlerErrorSubject, "G", func(ctx context.Context, evt Event) error {
		alerts <- evt
		return nil
	})

	require.NoError(t, bus.Publish(ctx, New("x", map[string]interface{}{}, "test")))

	select {
	case alert := <-alerts:
		assert.Equal(t, "x", alert.Data["original_subject"])
		assert.NotEmpty(t, alert.Data["original_event_id"])
		assert.Equal(t, "F", alert.Data["handler_name"])
		assert.Equal(t, "ValueError", alert.Data["error_type"])
		assert.Contains(t, alert.Data["error_message"], "boom")
	default:
		t.Fatal("expected a handler_error alert")
	}
}

func TestBusHandlerErrorIsolation(t *testing.T) {
	bus := NewBus(nil, &nopLogger{})
	ctx := context.Background()

	var healthyCalls int32
	bus.Subscribe("tick", "failing", func(ctx context.Context, evt Event) error {
		return errors.New("broken")
	})
	bus.Subscribe("tick", "healthy", func(ctx context.Context, evt Event) error {
		atomic.AddInt32(&healthyCalls, 1)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, New("tick", nil, "test")))
	assert.Equal(t, int32(1), atomic.LoadInt32(&healthyCalls))
}

func TestBusPanicRecoveredAsAlert(t *testing.T) {
	bus := NewBus(nil, &nopLogger{})
	ctx := context.Background()

	alerts := make(chan Event, 1)
	bus.Subscribe("boomy", "panicky", func(ctx context.Context, evt Event) error {
		panic("kaboom")
	})
	bus.Subscribe(HandlerErrorSubject, "watcher", func(ctx context.Context, evt Event) error {
		alerts <- evt
		return nil
	})

	require.NoError(t, bus.Publish(ctx, New("boomy", nil, "test")))

	select {
	case alert := <-alerts:
		assert.Equal(t, "panic", alert.Data["error_type"])
		assert.Contains(t, alert.Data["error_message"], "kaboom")
	default:
		t.Fatal("expected a handler_error alert for the panic")
	}
}

func TestBusAlertHandlerFailureDoesNotRecurse(t *testing.T) {
	bus := NewBus(nil, &nopLogger{})
	ctx := context.Background()

	var alertCalls int32
	bus.Subscribe("y", "bad", func(ctx context.Context, evt Event) error {
		return errors.New("first failure")
	})
	bus.Subscribe(HandlerErrorSubject, "bad_alert_handler", func(ctx context.Context, evt Event) error {
		atomic.AddInt32(&alertCalls, 1)
		return errors.New("alert handler also fails")
	})

	require.NoError(t, bus.Publish(ctx, New("y", nil, "test")))

	// One alert for the original failure; the alert handler's own failure
	// must not trigger another one.
	assert.Equal(t, int32(1), atomic.LoadInt32(&alertCalls))
}

func TestBusDedupesHandlerAcrossPatterns(t *testing.T) {
	bus := NewBus(nil, &nopLogger{})
	ctx := context.Background()

	var calls int32
	handler := func(ctx context.Context, evt Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}
	bus.Subscribe("de.*", "same", handler)
	bus.Subscribe("de.kline.*", "same", handler)

	require.NoError(t, bus.Publish(ctx, New("de.kline.update", nil, "test")))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBusPersistFlag(t *testing.T) {
	store := NewMemoryStore(0)
	bus := NewBus(store, &nopLogger{})
	ctx := context.Background()

	require.NoError(t, bus.Publish(ctx, New("a.b", nil, "test"), WithPersist(false)))
	count, err := store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	require.NoError(t, bus.Publish(ctx, New("a.b", nil, "test")))
	count, err = store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

type failingStore struct {
	MemoryStore
}

func (s *failingStore) Insert(ctx context.Context, evt Event) error {
	return errors.New("disk full")
}

func TestBusStoreFailureDoesNotStopFanOut(t *testing.T) {
	bus := NewBus(&failingStore{}, &nopLogger{})
	ctx := context.Background()

	var calls int32
	bus.Subscribe("z", "observer", func(ctx context.Context, evt Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, New("z", nil, "test")))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
}

func TestBusUnsubscribe(t *testing.T) {
	bus := NewBus(nil, &nopLogger{})
	ctx := context.Background()

	var calls int32
	id := bus.Subscribe("s", "h", func(ctx context.Context, evt Event) error {
		atomic.AddInt32(&calls, 1)
		return nil
	})

	require.NoError(t, bus.Publish(ctx, New("s", nil, "test")))
	assert.True(t, bus.Unsubscribe(id))
	assert.False(t, bus.Unsubscribe(id))
	require.NoError(t, bus.Publish(ctx, New("s", nil, "test")))

	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))
	assert.Equal(t, 0, bus.SubscriptionCount())
}

func TestBusClosedRejectsPublish(t *testing.T) {
	bus := NewBus(nil, &nopLogger{})
	bus.Close()
	err := bus.Publish(context.Background(), New("s", nil, "test"))
	require.Error(t, err)
}

func TestMatchSubject(t *testing.T) {
	tests := []struct {
		pattern string
		subject string
		want    bool
	}{
		{"order.created", "order.created", true},
		{"order.*", "order.created", true},
		{"order.*", "order.created.v2", true},
		{"order.*", "position.created", false},
		{"*", "anything.at.all", true},
		{"de.kline.update", "de.kline.updated", false},
		{"trading.order.?ancel", "trading.order.cancel", true},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, MatchSubject(tt.pattern, tt.subject), "pattern=%s subject=%s", tt.pattern, tt.subject)
	}
}
