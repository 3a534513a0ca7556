package http

import (
	"context"
	"errors"
	"sync"

	"github.com/orgbridge/orgbridge/internal/domain/grant"
)

// errTooManyStreams is returned when a user is at the connection bound.
var errTooManyStreams = errors.New("too many open streams for user")

// stream is one open event-stream connection. It owns a context that is
// cancelled when the stream ends; work dispatched on its behalf runs under
// that context.
type stream struct {
	id          string
	connID      string
	accessToken string
	claims      *grant.Claims

	out    chan []byte
	ctx    context.Context
	cancel context.CancelFunc
}

// push queues a message for delivery. Returns false once the stream is gone.
func (s *stream) push(msg []byte) bool {
	select {
	case s.out <- msg:
		return true
	case <-s.ctx.Done():
		return false
	}
}

// streamRegistry tracks open streams and enforces the per-user bound.
type streamRegistry struct {
	mu      sync.Mutex
	byID    map[string]*stream
	perUser map[string]int
	limit   int
	onCount func(int)
}

func newStreamRegistry(limit int, onCount func(int)) *streamRegistry {
	if onCount == nil {
		onCount = func(int) {}
	}
	return &streamRegistry{
		byID:    make(map[string]*stream),
		perUser: make(map[string]int),
		limit:   limit,
		onCount: onCount,
	}
}

// add registers s, failing with errTooManyStreams when its user already
// holds limit streams. A limit <= 0 disables the bound.
func (r *streamRegistry) add(s *stream) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	user := s.claims.UserID
	if r.limit > 0 && r.perUser[user] >= r.limit {
		return errTooManyStreams
	}
	r.byID[s.id] = s
	r.perUser[user]++
	r.onCount(len(r.byID))
	return nil
}

// remove unregisters s and cancels its context. Idempotent.
func (r *streamRegistry) remove(s *stream) {
	s.cancel()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.byID[s.id]; !ok {
		return
	}
	delete(r.byID, s.id)
	user := s.claims.UserID
	if r.perUser[user] <= 1 {
		delete(r.perUser, user)
	} else {
		r.perUser[user]--
	}
	r.onCount(len(r.byID))
}

func (r *streamRegistry) get(id string) *stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byID[id]
}

// userCount returns the number of open streams of a user.
func (r *streamRegistry) userCount(userID string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.perUser[userID]
}

func (r *streamRegistry) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// closeAll cancels every stream. The stream loops unregister themselves.
func (r *streamRegistry) closeAll() {
	r.mu.Lock()
	streams := make([]*stream, 0, len(r.byID))
	for _, s := range r.byID {
		streams = append(streams, s)
	}
	r.mu.Unlock()

	for _, s := range streams {
		s.cancel()
	}
}
