// Package event implements the event fabric: the Event envelope, the
// bounded persistent store, and the subject-routed bus every module
// communicates through.
package event

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Event is the envelope carried on the bus and persisted in the store
type Event struct {
	ID        string                 `json:"event_id"`
	Subject   string                 `json:"subject"`
	Data      map[string]interface{} `json:"data"`
	Timestamp time.Time              `json:"timestamp"`
	Source    string                 `json:"source,omitempty"`
}

// New creates an event with a fresh ID and UTC timestamp
func New(subject string, data map[string]interface{}, source string) Event {
	if data == nil {
		data = map[string]interface{}{}
	}
	return Event{
		ID:        uuid.NewString(),
		Subject:   subject,
		Data:      data,
		Timestamp: time.Now().UTC(),
		Source:    source,
	}
}

// MarshalData renders the payload as JSON for persistence
func (e Event) MarshalData() (string, error) {
	raw, err := json.Marshal(e.Data)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

// String returns a compact identity for logs
func (e Event) String() string {
	return e.Subject + "/" + e.ID
}
