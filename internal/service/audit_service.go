package service

import (
	"context"
	"log/slog"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/orgbridge/orgbridge/internal/domain/audit"
)

const (
	defaultAuditChannelSize     = 1000
	defaultAuditBatchSize       = 100
	defaultAuditSendTimeout     = 100 * time.Millisecond
	defaultCriticalSendTimeout  = time.Second
	defaultAuditFinalFlushLimit = 5 * time.Second
)

// AuditService queues audit events from the authority and the gateway and
// writes them to the store in batches on a background worker. Record never
// blocks longer than the send timeout of the event's kind.
//
// Revocations are critical: they wait longer for room in the queue than
// routine events, and drops are counted per kind so a lost revocation is
// visible on its own.
type AuditService struct {
	store  audit.AuditStore
	queue  chan audit.Event
	logger *slog.Logger
	wg     sync.WaitGroup
	once   sync.Once

	batchSize     int
	flushInterval time.Duration
	capacity      int

	sendTimeout     time.Duration // 0 drops at once when the queue is full
	criticalTimeout time.Duration

	drops       map[audit.Kind]*atomic.Int64
	writeErrors atomic.Int64
	onDrop      func(audit.Kind)
	onWriteFail func(lost int)

	warnPercent  int
	fastPercent  int
	lastWarnedAt atomic.Int64
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets how many events are written per store call.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.batchSize = size
		}
	}
}

// WithFlushInterval sets how long a partial batch may wait.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) {
		if interval > 0 {
			s.flushInterval = interval
		}
	}
}

// WithChannelSize sets the queue capacity.
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size > 0 {
			s.capacity = size
		}
	}
}

// WithSendTimeout bounds how long Record waits for room in a full queue
// before dropping a routine event. 0 drops immediately.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.sendTimeout = timeout
	}
}

// WithCriticalSendTimeout is WithSendTimeout for critical kinds.
func WithCriticalSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) {
		s.criticalTimeout = timeout
	}
}

// WithDropHook registers a callback invoked once per dropped event.
func WithDropHook(fn func(audit.Kind)) AuditOption {
	return func(s *AuditService) {
		s.onDrop = fn
	}
}

// WithWriteFailureHook registers a callback invoked with the size of every
// batch the store refused.
func WithWriteFailureHook(fn func(lost int)) AuditOption {
	return func(s *AuditService) {
		s.onWriteFail = fn
	}
}

// WithWarningThreshold sets the queue fill percentage that logs a warning.
// 0 disables the warning.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.warnPercent = clampPercent(percent)
	}
}

// WithAdaptiveFlushThreshold sets the queue fill percentage above which the
// worker flushes at a quarter of the normal interval. 0 disables it.
func WithAdaptiveFlushThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		s.fastPercent = clampPercent(percent)
	}
}

func clampPercent(p int) int {
	return min(max(p, 0), 100)
}

// NewAuditService creates the service. Call Start to launch the writer.
func NewAuditService(store audit.AuditStore, logger *slog.Logger, opts ...AuditOption) *AuditService {
	s := &AuditService{
		store:           store,
		logger:          logger,
		batchSize:       defaultAuditBatchSize,
		flushInterval:   time.Second,
		capacity:        defaultAuditChannelSize,
		sendTimeout:     defaultAuditSendTimeout,
		criticalTimeout: defaultCriticalSendTimeout,
		warnPercent:     80,
		fastPercent:     80,
		drops:           make(map[audit.Kind]*atomic.Int64),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.queue = make(chan audit.Event, s.capacity)
	// Read-only after construction. Events without a payload count under "".
	for _, k := range append(audit.Kinds(), "") {
		s.drops[k] = new(atomic.Int64)
	}
	return s
}

// Start launches the writer. ctx ending makes the writer drain what is
// queued and wait for Stop.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Record queues an event, stamping it if needed.
func (s *AuditService) Record(event audit.Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	s.checkDepth()

	select {
	case s.queue <- event:
		return
	default:
	}

	wait := s.sendTimeout
	if event.Kind().Critical() {
		wait = s.criticalTimeout
	}
	if wait <= 0 {
		s.drop(event)
		return
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case s.queue <- event:
	case <-timer.C:
		s.drop(event)
	}
}

func (s *AuditService) drop(event audit.Event) {
	kind := event.Kind()
	counter, ok := s.drops[kind]
	if !ok {
		counter = s.drops[""]
	}
	n := counter.Add(1)
	if s.onDrop != nil {
		s.onDrop(kind)
	}

	attrs := []any{"kind", kind, "grant_id", event.GrantID, "dropped_of_kind", n}
	if kind.Critical() {
		s.logger.Error("critical audit event dropped", attrs...)
		return
	}
	s.logger.Warn("audit event dropped", attrs...)
}

// checkDepth logs at most once per second while the queue is above the
// warning threshold.
func (s *AuditService) checkDepth() {
	if s.warnPercent == 0 {
		return
	}
	depth := len(s.queue)
	if depth*100 < s.capacity*s.warnPercent {
		return
	}
	now := time.Now().UnixNano()
	last := s.lastWarnedAt.Load()
	if now-last < int64(time.Second) || !s.lastWarnedAt.CompareAndSwap(last, now) {
		return
	}
	s.logger.Warn("audit channel approaching capacity",
		"depth", depth,
		"capacity", s.capacity,
		"percent", depth*100/s.capacity,
	)
}

// DroppedRecords returns how many events were dropped in total.
func (s *AuditService) DroppedRecords() int64 {
	var total int64
	for _, n := range s.DroppedByKind() {
		total += n
	}
	return total
}

// DroppedByKind returns the drop count of every kind that lost at least one
// event.
func (s *AuditService) DroppedByKind() map[audit.Kind]int64 {
	out := make(map[audit.Kind]int64)
	for k, c := range s.drops {
		if n := c.Load(); n > 0 {
			out[k] = n
		}
	}
	return out
}

// FailedWrites returns how many events were lost to store errors.
func (s *AuditService) FailedWrites() int64 {
	return s.writeErrors.Load()
}

// ChannelDepth returns the number of queued events.
func (s *AuditService) ChannelDepth() int {
	return len(s.queue)
}

// ChannelCapacity returns the queue capacity.
func (s *AuditService) ChannelCapacity() int {
	return s.capacity
}

// Stop closes the queue and waits for the writer to flush it. Record must
// not be called after Stop.
func (s *AuditService) Stop() {
	s.once.Do(func() { close(s.queue) })
	s.wg.Wait()
}

func (s *AuditService) run(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.Event, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()
	fast := false

	for {
		select {
		case event, ok := <-s.queue:
			if !ok {
				s.flushFinal(batch)
				return
			}
			batch = append(batch, event)
			pressured := s.pressured()
			if len(batch) >= s.batchSize || pressured {
				s.write(ctx, batch)
				batch = batch[:0]
			}
			if pressured != fast {
				fast = pressured
				interval := s.flushInterval
				if fast {
					interval /= 4
				}
				ticker.Reset(interval)
				s.logger.Debug("audit flush pacing changed", "fast", fast, "interval", interval)
			}

		case <-ticker.C:
			if len(batch) > 0 {
				s.write(ctx, batch)
				batch = batch[:0]
			}

		case <-ctx.Done():
			for event := range s.queue {
				batch = append(batch, event)
			}
			s.flushFinal(batch)
			return
		}
	}
}

func (s *AuditService) pressured() bool {
	return s.fastPercent > 0 && len(s.queue)*100 >= s.capacity*s.fastPercent
}

// flushFinal writes the remainder with its own deadline, since the run
// context may already be done.
func (s *AuditService) flushFinal(batch []audit.Event) {
	if len(batch) == 0 {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), defaultAuditFinalFlushLimit)
	defer cancel()
	s.write(ctx, batch)
}

// write appends a batch. A refused batch is counted and logged with its
// per-kind breakdown; it is not retried.
func (s *AuditService) write(ctx context.Context, batch []audit.Event) {
	err := s.store.Append(ctx, batch...)
	if err == nil {
		return
	}
	s.writeErrors.Add(int64(len(batch)))
	if s.onWriteFail != nil {
		s.onWriteFail(len(batch))
	}
	s.logger.Error("failed to write audit batch",
		"error", err,
		"count", len(batch),
		"kinds", kindBreakdown(batch),
	)
}

// kindBreakdown renders "kind=n" pairs in a stable order.
func kindBreakdown(batch []audit.Event) []string {
	counts := make(map[audit.Kind]int)
	for _, e := range batch {
		counts[e.Kind()]++
	}
	out := make([]string, 0, len(counts))
	for k, n := range counts {
		out = append(out, string(k)+"="+strconv.Itoa(n))
	}
	sort.Strings(out)
	return out
}

// Compile-time interface verification.
var _ audit.Recorder = (*AuditService)(nil)
