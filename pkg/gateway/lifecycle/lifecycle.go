package lifecycle

import (
	"sync/atomic"
	"time"
)

// Lifecycle is a tiny process lifecycle state holder shared across handlers.
// Readiness draining flips during graceful shutdown so load balancers stop
// routing new sessions here while existing ones wind down.
type Lifecycle struct {
	draining atomic.Bool
	started  atomic.Int64 // unix nanos, 0 = unset
}

func (l *Lifecycle) MarkStarted(t time.Time) {
	if l == nil {
		return
	}
	l.started.Store(t.UnixNano())
}

func (l *Lifecycle) Uptime(now time.Time) time.Duration {
	if l == nil {
		return 0
	}
	started := l.started.Load()
	if started == 0 {
		return 0
	}
	return now.Sub(time.Unix(0, started))
}

func (l *Lifecycle) SetDraining(draining bool) {
	if l == nil {
		return
	}
	l.draining.Store(draining)
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}
