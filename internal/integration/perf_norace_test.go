//go:build !race

package integration

import "time"

// validateP99Threshold bounds p99 Validate latency without the race detector.
var validateP99Threshold = 5 * time.Millisecond

// validateP50Threshold bounds p50 Validate latency without the race detector.
var validateP50Threshold = 1 * time.Millisecond
