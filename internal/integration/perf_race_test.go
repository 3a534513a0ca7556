//go:build race

package integration

import "time"

// validateP99Threshold bounds p99 Validate latency with the race detector,
// which slows the hot path by an order of magnitude.
var validateP99Threshold = 25 * time.Millisecond

// validateP50Threshold bounds p50 Validate latency with the race detector.
var validateP50Threshold = 10 * time.Millisecond
