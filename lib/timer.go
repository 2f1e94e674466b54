package lib

import (
	"sync"
	"time"
)

var (
	timers = &sync.Pool{
		New: func() interface{} {
			t := time.NewTimer(time.Hour)
			t.Stop()
			return t
		},
	}
)

// TakeTimer returns a stopped timer from the pool armed with the given duration.
func TakeTimer(d time.Duration) *time.Timer {
	t := timers.Get().(*time.Timer)
	t.Reset(d)
	return t
}

// ReleaseTimer stops the timer, drains its channel and puts it back to the pool.
func ReleaseTimer(t *time.Timer) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	timers.Put(t)
}
