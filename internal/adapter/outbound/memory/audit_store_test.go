package memory

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/orgbridge/orgbridge/internal/domain/audit"
)

func revokedEvent(subject, grantID string, at time.Time) audit.Event {
	return audit.Event{
		Timestamp: at,
		Subject:   subject,
		GrantID:   grantID,
		Payload:   audit.GrantRevoked{Reason: audit.ReasonUserRequest},
	}
}

func TestAuditStore_Append(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	store := NewAuditStore(buf, 0)

	ev := revokedEvent("user-1", "g1", time.Now().UTC())
	if err := store.Append(context.Background(), ev); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	var decoded audit.Event
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &decoded); err != nil {
		t.Fatalf("written output is not a valid event: %v", err)
	}
	if decoded.Subject != "user-1" || decoded.Kind() != audit.KindGrantRevoked {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestAuditStore_AppendMultipleJSONLines(t *testing.T) {
	t.Parallel()

	buf := &bytes.Buffer{}
	store := NewAuditStore(buf, 0)
	now := time.Now().UTC()

	events := []audit.Event{
		revokedEvent("u1", "g1", now),
		{Timestamp: now, Subject: "u1", Payload: audit.ToolInvoked{Tool: "echo", DurationMS: 3}},
		{Timestamp: now, Subject: "u2", Payload: audit.TokenRefreshed{Rotated: true}},
	}
	if err := store.Append(context.Background(), events...); err != nil {
		t.Fatalf("Append() error: %v", err)
	}

	lines := 0
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var e audit.Event
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			t.Fatalf("line %d invalid: %v", lines, err)
		}
		if e.Kind() != events[lines].Kind() {
			t.Errorf("line %d kind = %s, want %s", lines, e.Kind(), events[lines].Kind())
		}
		lines++
	}
	if lines != 3 {
		t.Errorf("lines = %d, want 3", lines)
	}
}

func TestAuditStore_QueryRingBuffer(t *testing.T) {
	t.Parallel()

	store := NewAuditStore(&bytes.Buffer{}, 3)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

	for i := 0; i < 5; i++ {
		sub := "even"
		if i%2 == 1 {
			sub = "odd"
		}
		_ = store.Append(context.Background(), revokedEvent(sub, "g", base.Add(time.Duration(i)*time.Minute)))
	}

	all := store.Query(audit.Filter{})
	if len(all) != 3 {
		t.Fatalf("Query() = %d events, want 3 (ring capacity)", len(all))
	}
	if !all[0].Timestamp.Equal(base.Add(4*time.Minute)) || !all[2].Timestamp.Equal(base.Add(2*time.Minute)) {
		t.Errorf("Query() not newest first: %v .. %v", all[0].Timestamp, all[2].Timestamp)
	}

	odd := store.Query(audit.Filter{Subject: "odd"})
	if len(odd) != 1 {
		t.Errorf("Query(subject=odd) = %d, want 1", len(odd))
	}

	recent := store.Query(audit.Filter{Since: base.Add(4 * time.Minute)})
	if len(recent) != 1 {
		t.Errorf("Query(since) = %d, want 1", len(recent))
	}

	none := store.Query(audit.Filter{Kinds: []audit.Kind{audit.KindToolFailed}})
	if len(none) != 0 {
		t.Errorf("Query(kind) = %d, want 0", len(none))
	}

	limited := store.Query(audit.Filter{Limit: 2})
	if len(limited) != 2 {
		t.Errorf("Query(limit=2) = %d, want 2", len(limited))
	}
}

func TestAuditStore_ConcurrentAppend(t *testing.T) {
	t.Parallel()

	store := NewAuditStore(&bytes.Buffer{}, 50)
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				_ = store.Append(context.Background(), revokedEvent("u", "g", time.Now()))
			}
		}()
	}
	wg.Wait()

	if got := len(store.Query(audit.Filter{Limit: 1000})); got != 50 {
		t.Errorf("buffered = %d, want 50", got)
	}
}

func TestOpenAuditStore(t *testing.T) {
	t.Parallel()

	for _, out := range []string{"", "stdout", "stderr", "none"} {
		s, err := OpenAuditStore(out, 0)
		if err != nil {
			t.Errorf("OpenAuditStore(%q) error = %v", out, err)
			continue
		}
		_ = s.Close()
	}

	if _, err := OpenAuditStore("kafka://x", 0); err == nil {
		t.Error("OpenAuditStore() with unknown scheme should fail")
	}

	path := filepath.Join(t.TempDir(), "audit.log")
	s, err := OpenAuditStore("file://"+path, 0)
	if err != nil {
		t.Fatalf("OpenAuditStore(file) error = %v", err)
	}
	if err := s.Append(context.Background(), revokedEvent("u", "g", time.Now())); err != nil {
		t.Fatalf("Append() error = %v", err)
	}
	if err := s.Flush(context.Background()); err != nil {
		t.Fatalf("Flush() error = %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !bytes.Contains(data, []byte(`"kind":"grant.revoked"`)) {
		t.Errorf("audit file content = %s", data)
	}
}
