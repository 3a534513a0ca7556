package audit

import (
	"context"
	"time"
)

// AuditStore persists audit events.
// Interface owned by domain per hexagonal architecture.
type AuditStore interface {
	// Append stores events.
	Append(ctx context.Context, events ...Event) error

	// Flush forces pending events to storage. Called during shutdown.
	Flush(ctx context.Context) error

	// Close releases resources.
	Close() error
}

// Filter specifies query parameters for recent-event queries.
type Filter struct {
	// Since drops events older than this instant (optional).
	Since time.Time
	// Subject filters by user ID (optional).
	Subject string
	// GrantID filters by grant (optional).
	GrantID string
	// Kinds filters by event kind (optional).
	Kinds []Kind
	// Limit is the maximum number of events to return (default 100).
	Limit int
}

// Recorder accepts events for asynchronous delivery. Record must not block
// the caller for longer than a short, bounded time.
type Recorder interface {
	Record(event Event)
}
