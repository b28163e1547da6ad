package stream

import "time"

// debouncer tracks one session's inactivity timer. Every cancel or reschedule
// bumps the generation; a fire callback carrying an older generation is stale
// and must not act. Not safe for concurrent use; guarded by the session mutex.
type debouncer struct {
	window       time.Duration
	timer        *time.Timer
	generation   uint64
	lastActivity time.Time
}

// touch records inbound audio activity
func (d *debouncer) touch(now time.Time) {
	d.lastActivity = now
}

// cancel stops any outstanding timer and invalidates its generation
func (d *debouncer) cancel() {
	if d.timer != nil {
		d.timer.Stop()
		d.timer = nil
	}
	d.generation++
}

// schedule replaces any outstanding timer with one firing after the window
func (d *debouncer) schedule(fire func(generation uint64)) {
	d.cancel()
	if d.window <= 0 {
		return
	}
	gen := d.generation
	d.timer = time.AfterFunc(d.window, func() { fire(gen) })
}

// accept decides whether a fire for generation may flush. It rejects canceled
// or superseded timers and fires that arrive before the window has elapsed
// since the last recorded activity.
func (d *debouncer) accept(generation uint64, now time.Time) bool {
	if generation != d.generation {
		return false
	}
	d.timer = nil
	d.generation++
	return now.Sub(d.lastActivity) >= d.window
}

// pending reports whether a timer is outstanding
func (d *debouncer) pending() bool {
	return d.timer != nil
}
