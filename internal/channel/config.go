// Package channel owns one waiting channel: its participant registry,
// waiting pool, dispatch countdown, and the sessions dispatched from it.
// All state is confined to a single event loop.
package channel

import (
	"fmt"
	"time"

	"github.com/cohortlab/cohort/internal/treatment"
)

// Settings configures one waiting channel.
type Settings struct {
	// Name identifies the channel in telemetry and message rosters.
	Name string `env:"COHORT_CHANNEL_NAME" envDefault:"merit"`

	// PoolSize dispatches immediately once this many participants wait.
	PoolSize int `env:"COHORT_POOL_SIZE" envDefault:"16"`
	// GroupSize is the intended session size after overbooking correction.
	GroupSize int `env:"COHORT_GROUP_SIZE" envDefault:"4"`
	// Overbooking is the surplus drawn per group to absorb no-shows.
	Overbooking int `env:"COHORT_OVERBOOKING" envDefault:"0"`

	// CountdownThreshold arms the dispatch countdown at this pool size.
	// Zero disables the countdown; dispatch then waits for a full pool.
	CountdownThreshold int `env:"COHORT_COUNTDOWN_AT" envDefault:"0"`
	// CountdownDuration is how long an armed countdown runs.
	CountdownDuration time.Duration `env:"COHORT_COUNTDOWN" envDefault:"60s"`

	// GracePeriod is the reconnect window before a disconnected session
	// member is kicked out.
	GracePeriod time.Duration `env:"COHORT_GRACE_PERIOD" envDefault:"30s"`

	// AssignmentMode selects the treatment assignment policy.
	AssignmentMode string `env:"COHORT_ASSIGNMENT_MODE" envDefault:"fixed-schedule"`
	// ExplicitTreatment names the treatment for the explicit mode.
	ExplicitTreatment string `env:"COHORT_TREATMENT"`

	// TargetSessions closes the room after this many sessions have been
	// dispatched. Zero keeps the room open indefinitely.
	TargetSessions int `env:"COHORT_TARGET_SESSIONS" envDefault:"0"`

	// TwoPass runs each cohort through the experiment twice, re-pooling
	// first-pass survivors after BreakDelay.
	TwoPass bool `env:"COHORT_TWO_PASS" envDefault:"false"`
	// BreakDelay separates a first-pass session from its second pass.
	BreakDelay time.Duration `env:"COHORT_BREAK_DELAY" envDefault:"30s"`
}

// Validate checks the settings for internal consistency.
func (s Settings) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("channel name is required")
	}
	if s.GroupSize < 1 {
		return fmt.Errorf("group size must be positive, got %d", s.GroupSize)
	}
	if s.Overbooking < 0 {
		return fmt.Errorf("overbooking must not be negative, got %d", s.Overbooking)
	}
	if s.PoolSize < s.GroupSize+s.Overbooking {
		return fmt.Errorf("pool size %d cannot fit a group of %d with overbooking %d",
			s.PoolSize, s.GroupSize, s.Overbooking)
	}
	if s.CountdownThreshold < 0 || s.CountdownThreshold > s.PoolSize {
		return fmt.Errorf("countdown threshold %d out of range for pool size %d",
			s.CountdownThreshold, s.PoolSize)
	}
	if s.CountdownThreshold > 0 && s.CountdownDuration <= 0 {
		return fmt.Errorf("countdown duration must be positive")
	}
	if s.GracePeriod <= 0 {
		return fmt.Errorf("grace period must be positive")
	}
	switch treatment.Mode(s.AssignmentMode) {
	case treatment.ModeFixedSchedule, treatment.ModeRotation, treatment.ModeRandom:
	case treatment.ModeExplicit:
		if s.ExplicitTreatment == "" {
			return fmt.Errorf("explicit assignment needs a treatment name")
		}
	default:
		return fmt.Errorf("unrecognized assignment mode %q", s.AssignmentMode)
	}
	if s.TargetSessions < 0 {
		return fmt.Errorf("target sessions must not be negative, got %d", s.TargetSessions)
	}
	if s.TwoPass && s.BreakDelay <= 0 {
		return fmt.Errorf("two-pass runs need a positive break delay")
	}
	return nil
}
