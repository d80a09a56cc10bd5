package session

import (
	"sort"

	"github.com/cohortlab/cohort/internal/treatment"
)

// Status is the session lifecycle state.
type Status int

const (
	// StatusCreated means Start has not run yet.
	StatusCreated Status = iota
	// StatusRunning means the stage machine is live.
	StatusRunning
	// StatusEnded means the plot reached its terminal stage.
	StatusEnded
	// StatusAborted means the session was torn down early.
	StatusAborted
)

// String returns a readable status name.
func (s Status) String() string {
	switch s {
	case StatusCreated:
		return "created"
	case StatusRunning:
		return "running"
	case StatusEnded:
		return "ended"
	case StatusAborted:
		return "aborted"
	default:
		return "unknown"
	}
}

// Session holds the shared state of one matched group.
type Session struct {
	ID        string
	Number    int
	Treatment treatment.Treatment
	FirstPass bool
	Plot      Plot
	Cursor    Cursor
	Status    Status

	members      map[string]struct{}
	done         map[string]struct{}
	disconnected map[string]Cursor
	overbooked   map[string]struct{}
}

// New builds a session over the given members.
func New(id string, number int, tr treatment.Treatment, firstPass bool, plot Plot, members []string) *Session {
	s := &Session{
		ID:           id,
		Number:       number,
		Treatment:    tr,
		FirstPass:    firstPass,
		Plot:         plot,
		Cursor:       plot.Start(),
		members:      make(map[string]struct{}, len(members)),
		done:         make(map[string]struct{}),
		disconnected: make(map[string]Cursor),
		overbooked:   make(map[string]struct{}),
	}
	for _, memberID := range members {
		s.members[memberID] = struct{}{}
	}
	return s
}

// Members returns the current member ids in sorted order.
func (s *Session) Members() []string {
	out := make([]string, 0, len(s.members))
	for id := range s.members {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Size returns the current member count.
func (s *Session) Size() int {
	return len(s.members)
}

// IsMember reports whether id currently belongs to the session.
func (s *Session) IsMember(id string) bool {
	_, ok := s.members[id]
	return ok
}

// Disconnected returns the ids with an outstanding reconnect window.
func (s *Session) Disconnected() []string {
	out := make([]string, 0, len(s.disconnected))
	for id := range s.disconnected {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Paused reports whether the group is waiting on at least one reconnect.
func (s *Session) Paused() bool {
	return len(s.disconnected) > 0 && s.Plot.StageAt(s.Cursor).Sensitive
}
