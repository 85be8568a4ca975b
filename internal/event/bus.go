package event

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"st_trading/internal/core"
	apperrors "st_trading/pkg/errors"
	"st_trading/pkg/telemetry"

	"github.com/google/uuid"
)

// Handler processes one event. Handlers run concurrently with each other
// and must be safe to call from multiple goroutines.
type Handler func(ctx context.Context, evt Event) error

// AlertSubjectPrefix marks subjects raised by the bus's own error boundary
const AlertSubjectPrefix = "system.alert."

// HandlerErrorSubject is published when a handler fails or panics
const HandlerErrorSubject = "system.alert.handler_error"

type subscription struct {
	id      string
	pattern string
	name    string
	handler Handler
}

// Bus routes events to subscribed handlers by subject pattern.
//
// Publish persists the event (unless disabled), fans out to every
// matching handler on its own goroutine, and waits for all of them.
// Handlers publishing further events from within their own execution is
// the normal mode of operation here, which is why fan-out does not
// borrow from a bounded pool.
type Bus struct {
	mu     sync.RWMutex
	subs   []*subscription
	byID   map[string]*subscription
	store  Store
	logger core.ILogger
	closed bool
}

// PublishOption adjusts a single publish call
type PublishOption func(*publishConfig)

type publishConfig struct {
	persist bool
}

// WithPersist overrides event persistence for one publish
func WithPersist(persist bool) PublishOption {
	return func(cfg *publishConfig) {
		cfg.persist = persist
	}
}

// NewBus creates a bus. The store may be nil, in which case nothing is
// persisted.
func NewBus(store Store, logger core.ILogger) *Bus {
	return &Bus{
		byID:   make(map[string]*subscription),
		store:  store,
		logger: logger.WithField("component", "event_bus"),
	}
}

// Subscribe registers a named handler for a subject pattern and returns
// the subscription ID. The name doubles as the handler's identity: the
// same name matching an event through several patterns runs only once.
func (b *Bus) Subscribe(pattern, name string, handler Handler) string {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &subscription{
		id:      uuid.NewString(),
		pattern: pattern,
		name:    name,
		handler: handler,
	}
	b.subs = append(b.subs, sub)
	b.byID[sub.id] = sub

	b.logger.Debug("Subscribed handler", "pattern", pattern, "handler", name, "subscription_id", sub.id)
	return sub.id
}

// Unsubscribe removes a subscription by ID
func (b *Bus) Unsubscribe(id string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub, ok := b.byID[id]
	if !ok {
		return false
	}
	delete(b.byID, id)

	for i, s := range b.subs {
		if s == sub {
			b.subs = append(b.subs[:i], b.subs[i+1:]...)
			break
		}
	}
	return true
}

// SubscriptionCount returns the number of live subscriptions
func (b *Bus) SubscriptionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Publish persists the event (when enabled and a store is bound), then
// dispatches it to every matching handler and waits for all of them.
// Store failures are logged and do not stop fan-out. A handler error or
// panic is isolated, logged, and re-published as a handler_error alert.
func (b *Bus) Publish(ctx context.Context, evt Event, opts ...PublishOption) error {
	cfg := publishConfig{persist: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return apperrors.ErrBusClosed
	}
	handlers := b.matchLocked(evt.Subject)
	b.mu.RUnlock()

	metrics := telemetry.GetGlobalMetrics()
	if metrics.EventsPublishedTotal != nil {
		metrics.EventsPublishedTotal.Add(ctx, 1)
	}

	if cfg.persist && b.store != nil {
		if err := b.store.Insert(ctx, evt); err != nil {
			b.logger.Error("Failed to persist event", "subject", evt.Subject, "event_id", evt.ID, "error", err)
		} else if metrics.EventsPersistedTotal != nil {
			metrics.EventsPersistedTotal.Add(ctx, 1)
		}
	}

	if len(handlers) == 0 {
		return nil
	}

	results := make([]error, len(handlers))
	var wg sync.WaitGroup
	for i, sub := range handlers {
		wg.Add(1)
		go func(i int, sub *subscription) {
			defer wg.Done()
			defer func() {
				if r := recover(); r != nil {
					results[i] = &panicError{value: r}
				}
			}()
			results[i] = sub.handler(ctx, evt)
		}(i, sub)
	}
	wg.Wait()

	for i, err := range results {
		if err != nil {
			b.reportHandlerError(ctx, evt, handlers[i].name, err)
		}
	}

	return nil
}

// matchLocked collects matching subscriptions, deduplicated by handler
// name in first-seen order. Caller holds at least a read lock.
func (b *Bus) matchLocked(subject string) []*subscription {
	var matched []*subscription
	seen := make(map[string]struct{})
	for _, sub := range b.subs {
		if !MatchSubject(sub.pattern, subject) {
			continue
		}
		if _, dup := seen[sub.name]; dup {
			continue
		}
		seen[sub.name] = struct{}{}
		matched = append(matched, sub)
	}
	return matched
}

func (b *Bus) reportHandlerError(ctx context.Context, evt Event, handlerName string, err error) {
	b.logger.Error("Handler failed",
		"handler", handlerName,
		"subject", evt.Subject,
		"event_id", evt.ID,
		"error", err,
	)

	metrics := telemetry.GetGlobalMetrics()
	if metrics.HandlerErrorsTotal != nil {
		metrics.HandlerErrorsTotal.Add(ctx, 1)
	}

	// Never re-enter the alert path for failures inside alert handlers,
	// otherwise a failing alert handler re-publishes forever.
	if strings.HasPrefix(evt.Subject, AlertSubjectPrefix) {
		return
	}

	alert := New(HandlerErrorSubject, map[string]interface{}{
		"original_subject":  evt.Subject,
		"original_event_id": evt.ID,
		"handler_name":      handlerName,
		"error_type":        errorTypeName(err),
		"error_message":     err.Error(),
	}, "event_bus")

	if pubErr := b.Publish(ctx, alert, WithPersist(false)); pubErr != nil {
		b.logger.Error("Failed to publish handler_error alert", "error", pubErr)
	}
}

// Close stops accepting publishes. In-flight publishes finish normally.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
}

type panicError struct {
	value interface{}
}

func (e *panicError) Error() string {
	return fmt.Sprintf("panic: %v", e.value)
}

// errorTypeName reduces an error to a short type name for alert payloads
func errorTypeName(err error) string {
	var pe *panicError
	if errors.As(err, &pe) {
		return "panic"
	}

	name := fmt.Sprintf("%T", err)
	name = strings.TrimPrefix(name, "*")
	if i := strings.LastIndex(name, "."); i >= 0 {
		name = name[i+1:]
	}
	return name
}
