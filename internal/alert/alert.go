package alert

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"st_trading/internal/core"
	"st_trading/internal/event"
)

// Level grades an alert for channel formatting.
type Level string

const (
	Info     Level = "INFO"
	Warning  Level = "WARNING"
	Error    Level = "ERROR"
	Critical Level = "CRITICAL"
)

// SendTimeout bounds a single channel delivery.
const SendTimeout = 10 * time.Second

// Payload is one alert as handed to every channel.
type Payload struct {
	Level     Level
	Title     string
	Message   string
	Timestamp time.Time
	Fields    map[string]string
}

// Channel delivers alerts to an external sink.
type Channel interface {
	Send(ctx context.Context, alert Payload) error
	Name() string
}

// Manager fans alerts out to its channels. Delivery is fire and
// forget so a slow webhook never stalls the publishing side.
type Manager struct {
	logger core.ILogger

	mu       sync.RWMutex
	channels []Channel
}

func NewManager(logger core.ILogger) *Manager {
	return &Manager{logger: logger.WithField("component", "alert_manager")}
}

// AddChannel registers a delivery channel. Zero channels is valid;
// alerts then reach the log only.
func (m *Manager) AddChannel(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.channels = append(m.channels, ch)
	m.logger.Info("Alert channel registered", "channel", ch.Name())
}

// Start subscribes the manager to every system.alert.* subject.
func (m *Manager) Start(bus *event.Bus) {
	bus.Subscribe(event.AlertSubjectPrefix+"*", "alert.manager", m.onAlertEvent)
}

func (m *Manager) onAlertEvent(ctx context.Context, evt event.Event) error {
	payload := fromEvent(evt)
	m.logger.Warn("Alert raised", "subject", evt.Subject,
		"level", payload.Level, "message", payload.Message)
	m.dispatch(ctx, payload)
	return nil
}

// Alert builds a payload and dispatches it to every channel.
func (m *Manager) Alert(ctx context.Context, title, message string, level Level, fields map[string]string) {
	m.dispatch(ctx, Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: time.Now(),
		Fields:    fields,
	})
}

func (m *Manager) dispatch(ctx context.Context, payload Payload) {
	m.mu.RLock()
	channels := make([]Channel, len(m.channels))
	copy(channels, m.channels)
	m.mu.RUnlock()

	for _, ch := range channels {
		go func(c Channel) {
			// Delivery outlives the triggering publish; only the
			// timeout bounds it.
			sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), SendTimeout)
			defer cancel()
			if err := c.Send(sendCtx, payload); err != nil {
				m.logger.Error("Alert delivery failed", "channel", c.Name(), "error", err)
			}
		}(ch)
	}
}

// fromEvent shapes a bus alert event into a channel payload. The level
// comes from the payload when present, otherwise from the subject, and
// every remaining payload entry becomes a field.
func fromEvent(evt event.Event) Payload {
	title := strings.TrimPrefix(evt.Subject, event.AlertSubjectPrefix)
	if title == "" {
		title = evt.Subject
	}

	level := Warning
	if evt.Subject == event.HandlerErrorSubject {
		level = Error
	}
	if raw := event.GetString(evt.Data, "level"); raw != "" {
		level = Level(strings.ToUpper(raw))
	}

	message := event.GetString(evt.Data, "error_message")
	messageKey := "error_message"
	if message == "" {
		message = event.GetString(evt.Data, "message")
		messageKey = "message"
	}

	fields := make(map[string]string, len(evt.Data))
	for k, v := range evt.Data {
		if k == "level" || k == messageKey {
			continue
		}
		fields[k] = fmt.Sprint(v)
	}

	return Payload{
		Level:     level,
		Title:     title,
		Message:   message,
		Timestamp: evt.Timestamp,
		Fields:    fields,
	}
}

// sortedFieldKeys keeps channel output deterministic.
func sortedFieldKeys(fields map[string]string) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
