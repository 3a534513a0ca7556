package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"slices"
	"strings"
	"sync"

	"github.com/orgbridge/orgbridge/internal/domain/audit"
)

const defaultRecentCap = 1000

// MemoryAuditStore implements audit.AuditStore writing JSON lines to stdout
// or a file. Also keeps a bounded ring buffer of recent events for queries.
type MemoryAuditStore struct {
	encoder *json.Encoder
	writer  io.Writer
	mu      sync.Mutex
	recent  []audit.Event
	next    int
	full    bool
}

// NewAuditStore creates an audit store writing to w. capacity <= 0 selects
// the default ring size.
func NewAuditStore(w io.Writer, capacity int) *MemoryAuditStore {
	if capacity <= 0 {
		capacity = defaultRecentCap
	}
	return &MemoryAuditStore{
		encoder: json.NewEncoder(w),
		writer:  w,
		recent:  make([]audit.Event, capacity),
	}
}

// OpenAuditStore resolves an output setting: "stdout", "stderr", "none" or
// "file://<path>" (appended to, created with 0600).
func OpenAuditStore(output string, capacity int) (*MemoryAuditStore, error) {
	switch {
	case output == "" || output == "stdout":
		return NewAuditStore(os.Stdout, capacity), nil
	case output == "stderr":
		return NewAuditStore(os.Stderr, capacity), nil
	case output == "none":
		return NewAuditStore(io.Discard, capacity), nil
	case strings.HasPrefix(output, "file://"):
		path := strings.TrimPrefix(output, "file://")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open audit file: %w", err)
		}
		return NewAuditStore(f, capacity), nil
	default:
		return nil, fmt.Errorf("unsupported audit output %q", output)
	}
}

// Append writes events as JSON lines and keeps them in the ring buffer.
func (s *MemoryAuditStore) Append(ctx context.Context, events ...audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range events {
		if err := s.encoder.Encode(e); err != nil {
			return err
		}
		s.recent[s.next] = e
		s.next = (s.next + 1) % len(s.recent)
		if s.next == 0 {
			s.full = true
		}
	}
	return nil
}

// Flush syncs file output.
func (s *MemoryAuditStore) Flush(ctx context.Context) error {
	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Sync()
	}
	return nil
}

// Close releases resources.
func (s *MemoryAuditStore) Close() error {
	if f, ok := s.writer.(*os.File); ok && f != os.Stdout && f != os.Stderr {
		return f.Close()
	}
	return nil
}

// Query returns buffered events matching the filter, newest first.
func (s *MemoryAuditStore) Query(filter audit.Filter) []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()

	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}

	size := s.next
	if s.full {
		size = len(s.recent)
	}

	var result []audit.Event
	for i := 0; i < size && len(result) < limit; i++ {
		idx := (s.next - 1 - i + len(s.recent)) % len(s.recent)
		e := s.recent[idx]
		if !filter.Since.IsZero() && e.Timestamp.Before(filter.Since) {
			continue
		}
		if filter.Subject != "" && e.Subject != filter.Subject {
			continue
		}
		if filter.GrantID != "" && e.GrantID != filter.GrantID {
			continue
		}
		if len(filter.Kinds) > 0 && !slices.Contains(filter.Kinds, e.Kind()) {
			continue
		}
		result = append(result, e)
	}
	return result
}

// Compile-time interface verification.
var _ audit.AuditStore = (*MemoryAuditStore)(nil)
