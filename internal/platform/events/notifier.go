package events

import (
	"context"
	"time"
)

// Operations recorded on change events.
const (
	OpInsert = "insert"
	OpUpdate = "update"
	OpDelete = "delete"
)

// Change describes a record mutation published to downstream consumers (the
// dashboard's realtime feed among them). Delivery is best-effort; pipeline
// correctness never depends on a change event being observed.
type Change struct {
	Table      string    `json:"table"`
	Op         string    `json:"op"`
	RecordID   string    `json:"recordId"`
	Record     any       `json:"record,omitempty"`
	OccurredAt time.Time `json:"occurredAt"`
}

// Notifier publishes change events to a pub/sub sink.
type Notifier interface {
	PublishChange(ctx context.Context, change Change) (string, error)
}

// NoopNotifier drops all events. Used when the events topic is disabled.
type NoopNotifier struct{}

// PublishChange implements Notifier.
func (NoopNotifier) PublishChange(context.Context, Change) (string, error) {
	return "", nil
}
