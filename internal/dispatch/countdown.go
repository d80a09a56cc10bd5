package dispatch

import "time"

// TimerState describes the countdown state machine.
type TimerState int

const (
	// TimerIdle means no countdown is scheduled.
	TimerIdle TimerState = iota
	// TimerArmed means the countdown is running.
	TimerArmed
	// TimerFired means the countdown expired and triggered a dispatch.
	TimerFired
	// TimerCancelled means the pool shrank below threshold before expiry.
	TimerCancelled
)

// Countdown arms a dispatch trigger once the pool reaches a threshold and
// cancels it when the pool shrinks back below. At most one countdown is
// scheduled per pool; a spent (fired or cancelled) countdown is replaced by
// the next arming rather than restarted.
type Countdown struct {
	tasks     *Tasks
	key       string
	threshold int
	duration  time.Duration
	clock     func() time.Time
	fire      func()

	state    TimerState
	deadline time.Time
}

// NewCountdown creates a countdown for the pool identified by key.
// A threshold of zero disables the countdown entirely.
func NewCountdown(tasks *Tasks, key string, threshold int, duration time.Duration, clock func() time.Time, fire func()) *Countdown {
	if clock == nil {
		clock = time.Now
	}
	return &Countdown{
		tasks:     tasks,
		key:       key,
		threshold: threshold,
		duration:  duration,
		clock:     clock,
		fire:      fire,
	}
}

// State returns the current countdown state.
func (c *Countdown) State() TimerState {
	return c.state
}

// Remaining returns the time left while armed, zero otherwise.
func (c *Countdown) Remaining() time.Duration {
	if c.state != TimerArmed {
		return 0
	}
	left := c.deadline.Sub(c.clock())
	if left < 0 {
		return 0
	}
	return left
}

// Observe reacts to a pool-size change after an arrival. When the threshold
// is reached and no countdown is armed, a new one starts. A join while armed
// never restarts the countdown; the caller forwards the returned remaining
// time to the newcomer for display.
func (c *Countdown) Observe(poolSize int) (remaining time.Duration, armedNow bool) {
	if c.threshold <= 0 || poolSize < c.threshold {
		return 0, false
	}
	if c.state == TimerArmed {
		return c.Remaining(), false
	}
	c.state = TimerArmed
	c.deadline = c.clock().Add(c.duration)
	c.tasks.Arm(c.key, c.duration, func() {
		if c.state != TimerArmed {
			return
		}
		c.state = TimerFired
		c.fire()
	})
	return c.duration, true
}

// Shrink reacts to a pool-size change after a departure, cancelling the
// countdown when the pool drops below threshold. It reports whether a
// countdown was cancelled.
func (c *Countdown) Shrink(poolSize int) bool {
	if c.state != TimerArmed || c.threshold <= 0 || poolSize >= c.threshold {
		return false
	}
	c.state = TimerCancelled
	c.tasks.Cancel(c.key)
	return true
}

// Settle marks a fired countdown as consumed so the next arrival can arm a
// fresh one.
func (c *Countdown) Settle() {
	if c.state == TimerFired || c.state == TimerCancelled {
		c.state = TimerIdle
	}
}
