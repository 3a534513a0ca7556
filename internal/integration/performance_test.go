package integration

import (
	"context"
	"runtime"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/orgbridge/orgbridge/internal/service"
)

func withoutValidationCache() stackOption {
	return func(cfg *service.AuthorityConfig) { cfg.ValidationCacheTTL = 0 }
}

// BenchmarkValidateCached measures bearer validation served from the cache.
func BenchmarkValidateCached(b *testing.B) {
	s := newStack(b, "")
	pair := s.login(b, "user-1", "org-1")
	ctx := context.Background()

	for b.Loop() {
		if _, err := s.authority.Validate(ctx, pair.AccessToken); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkValidateSQLite measures bearer validation that reads SQLite on
// every call.
func BenchmarkValidateSQLite(b *testing.B) {
	s := newStack(b, "", withoutValidationCache())
	pair := s.login(b, "user-1", "org-1")
	ctx := context.Background()

	for b.Loop() {
		if _, err := s.authority.Validate(ctx, pair.AccessToken); err != nil {
			b.Fatal(err)
		}
	}
}

// BenchmarkValidateParallel measures cached validation of several tokens
// under parallel load.
func BenchmarkValidateParallel(b *testing.B) {
	s := newStack(b, "")
	tokens := []string{
		s.login(b, "user-1", "org-1").AccessToken,
		s.login(b, "user-1", "org-2").AccessToken,
		s.login(b, "user-2", "org-1").AccessToken,
	}

	b.RunParallel(func(pb *testing.PB) {
		ctx := context.Background()
		i := 0
		for pb.Next() {
			_, _ = s.authority.Validate(ctx, tokens[i%len(tokens)])
			i++
		}
	})
}

// TestValidateLatency runs cached validations under parallel load and
// asserts p50 and p99 stay under the thresholds.
func TestValidateLatency(t *testing.T) {
	if testing.Short() {
		t.Skip("latency test skipped in short mode")
	}
	s := newStack(t, "")
	pair := s.login(t, "user-1", "org-1")
	ctx := context.Background()

	numGoroutines := max(runtime.GOMAXPROCS(0), 2)
	iterationsPerGoroutine := max(500/numGoroutines, 50)

	for range 10 {
		if _, err := s.authority.Validate(ctx, pair.AccessToken); err != nil {
			t.Fatalf("warm-up Validate() error = %v", err)
		}
	}

	var mu sync.Mutex
	latencies := make([]time.Duration, 0, numGoroutines*iterationsPerGoroutine)
	var wg sync.WaitGroup
	for range numGoroutines {
		wg.Add(1)
		go func() {
			defer wg.Done()
			local := make([]time.Duration, 0, iterationsPerGoroutine)
			for range iterationsPerGoroutine {
				start := time.Now()
				_, err := s.authority.Validate(ctx, pair.AccessToken)
				elapsed := time.Since(start)
				if err != nil {
					t.Errorf("Validate() error = %v", err)
					return
				}
				local = append(local, elapsed)
			}
			mu.Lock()
			latencies = append(latencies, local...)
			mu.Unlock()
		}()
	}
	wg.Wait()

	if len(latencies) == 0 {
		t.Fatal("no latencies collected")
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })
	p50 := latencies[len(latencies)*50/100]
	p99 := latencies[min(len(latencies)*99/100, len(latencies)-1)]

	t.Logf("Validate latency (n=%d, goroutines=%d): p50=%v p99=%v max=%v",
		len(latencies), numGoroutines, p50, p99, latencies[len(latencies)-1])

	if p99 > validateP99Threshold {
		t.Errorf("p99 latency %v exceeds threshold %v", p99, validateP99Threshold)
	}
	if p50 > validateP50Threshold {
		t.Errorf("p50 latency %v exceeds threshold %v", p50, validateP50Threshold)
	}
}
