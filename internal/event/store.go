package event

import "context"

// DefaultMaxEvents caps the persistent log; the oldest rows are evicted
// once the cap is exceeded.
const DefaultMaxEvents = 1000

// Store is the persistence boundary for the event log
type Store interface {
	// Insert durably appends an event, then evicts the oldest entries if
	// the log exceeds its cap.
	Insert(ctx context.Context, evt Event) error

	// GetRecent returns up to limit events, newest first
	GetRecent(ctx context.Context, limit int) ([]Event, error)

	// GetBySubject returns up to limit events whose subject matches the
	// glob pattern, newest first
	GetBySubject(ctx context.Context, pattern string, limit int) ([]Event, error)

	// Count returns the number of stored events
	Count(ctx context.Context) (int, error)

	// Clear removes all stored events
	Clear(ctx context.Context) error

	Close() error
}
