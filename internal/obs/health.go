package obs

import (
	"sync/atomic"
	"time"
)

var (
	ready     atomic.Bool
	startTime = time.Now()
)

// SetReady flips the process readiness flag and its gauge.
func SetReady(v bool) {
	ready.Store(v)
	if v {
		readyGauge.Set(1)
	} else {
		readyGauge.Set(0)
	}
}

// IsReady reports the last value passed to SetReady.
func IsReady() bool { return ready.Load() }

// Uptime since process start.
func Uptime() time.Duration { return time.Since(startTime) }
