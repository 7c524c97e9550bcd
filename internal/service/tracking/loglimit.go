package tracking

import (
	"sync"
	"time"
)

// logLimiter gates noisy hot-path logging to at most burst entries per
// interval. Suppressed counts are reported on the next allowed entry.
type logLimiter struct {
	mu         sync.Mutex
	interval   time.Duration
	burst      int
	windowEnd  time.Time
	used       int
	suppressed int64
	now        func() time.Time
}

func newLogLimiter(interval time.Duration, burst int) *logLimiter {
	if interval <= 0 {
		interval = time.Minute
	}
	if burst <= 0 {
		burst = 5
	}
	return &logLimiter{interval: interval, burst: burst, now: time.Now}
}

// allow reports whether a log entry may be emitted and returns the number of
// entries suppressed since the last allowed one.
func (l *logLimiter) allow() (bool, int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	if now.After(l.windowEnd) {
		l.windowEnd = now.Add(l.interval)
		l.used = 0
	}
	if l.used < l.burst {
		l.used++
		n := l.suppressed
		l.suppressed = 0
		return true, n
	}
	l.suppressed++
	return false, 0
}
