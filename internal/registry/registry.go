// Package registry tracks connected participants, their connection state,
// and their current placement (waiting pool, session, or none).
//
// The registry is owned by a single channel coordinator and is only mutated
// from that coordinator's event loop, so it carries no locking.
package registry

import (
	"fmt"
	"strings"

	perrors "github.com/cohortlab/cohort/internal/platform/errors"
)

// ConnectionState describes a participant's connection status.
type ConnectionState int

const (
	// StateUnspecified represents an invalid connection state value.
	StateUnspecified ConnectionState = iota
	// StateConnected indicates the participant is connected.
	StateConnected
	// StateTemporarilyDisconnected indicates a recoverable disconnect.
	StateTemporarilyDisconnected
	// StateKickedOut indicates the participant missed the reconnect window.
	StateKickedOut
	// StateCheckedOut indicates the participant left the experiment for good.
	StateCheckedOut
)

// String returns a readable state name for logs and telemetry.
func (s ConnectionState) String() string {
	switch s {
	case StateConnected:
		return "connected"
	case StateTemporarilyDisconnected:
		return "temporarily_disconnected"
	case StateKickedOut:
		return "kicked_out"
	case StateCheckedOut:
		return "checked_out"
	default:
		return "unspecified"
	}
}

// Placement describes where a participant currently belongs.
type Placement int

const (
	// PlacementNone means the participant is neither pooled nor in a session.
	PlacementNone Placement = iota
	// PlacementPool means the participant waits in a pool.
	PlacementPool
	// PlacementSession means the participant is a session member.
	PlacementSession
)

// Participant is one tracked participant.
type Participant struct {
	ID         string
	State      ConnectionState
	Placement  Placement
	PoolID     string
	SessionID  string
	StagePos   string
	Overbooked bool
}

// Registry tracks every participant known to one channel.
type Registry struct {
	participants map[string]*Participant
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{participants: make(map[string]*Participant)}
}

// Touch returns the participant for id, creating it on first contact.
func (r *Registry) Touch(id string) (*Participant, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, perrors.New(perrors.CodeEmptyParticipantID, "participant id is required")
	}
	if p, ok := r.participants[id]; ok {
		p.State = StateConnected
		return p, nil
	}
	p := &Participant{ID: id, State: StateConnected}
	r.participants[id] = p
	return p, nil
}

// Get returns the participant for id, or nil when unknown.
func (r *Registry) Get(id string) *Participant {
	return r.participants[id]
}

// MarkDisconnected records a recoverable disconnect. Unknown ids are ignored.
func (r *Registry) MarkDisconnected(id string) {
	if p, ok := r.participants[id]; ok {
		p.State = StateTemporarilyDisconnected
	}
}

// MarkConnected records a (re)connect. Unknown ids are ignored.
func (r *Registry) MarkConnected(id string) {
	if p, ok := r.participants[id]; ok {
		p.State = StateConnected
	}
}

// MarkKickedOut records a failed reconnect window and clears placement.
func (r *Registry) MarkKickedOut(id string) {
	if p, ok := r.participants[id]; ok {
		p.State = StateKickedOut
		p.Placement = PlacementNone
		p.PoolID = ""
		p.SessionID = ""
	}
}

// MarkCheckedOut records a final checkout and clears placement.
func (r *Registry) MarkCheckedOut(id string) {
	if p, ok := r.participants[id]; ok {
		p.State = StateCheckedOut
		p.Placement = PlacementNone
		p.PoolID = ""
		p.SessionID = ""
	}
}

// SetPool places the participant in a waiting pool.
func (r *Registry) SetPool(id, poolID string) error {
	p, ok := r.participants[id]
	if !ok {
		return perrors.New(perrors.CodeNotFound, fmt.Sprintf("participant %s not registered", id))
	}
	if p.Placement == PlacementSession {
		return perrors.New(perrors.CodeAlreadyPooled,
			fmt.Sprintf("participant %s already in session %s", id, p.SessionID))
	}
	p.Placement = PlacementPool
	p.PoolID = poolID
	p.SessionID = ""
	return nil
}

// SetSession places the participant in a session.
func (r *Registry) SetSession(id, sessionID string) error {
	p, ok := r.participants[id]
	if !ok {
		return perrors.New(perrors.CodeNotFound, fmt.Sprintf("participant %s not registered", id))
	}
	p.Placement = PlacementSession
	p.SessionID = sessionID
	p.PoolID = ""
	return nil
}

// ClearPlacement removes the participant from pool and session bookkeeping.
func (r *Registry) ClearPlacement(id string) {
	if p, ok := r.participants[id]; ok {
		p.Placement = PlacementNone
		p.PoolID = ""
		p.SessionID = ""
	}
}

// Remove deletes the participant entirely. Only checkout and kick-out paths
// call this; ordinary disconnects keep the entry for reconnection.
func (r *Registry) Remove(id string) {
	delete(r.participants, id)
}

// Size returns the number of tracked participants.
func (r *Registry) Size() int {
	return len(r.participants)
}

// CheckInvariant verifies that every participant holds exactly one placement
// consistent with its fields. Tests call this after every operation.
func (r *Registry) CheckInvariant() error {
	for id, p := range r.participants {
		switch p.Placement {
		case PlacementNone:
			if p.PoolID != "" || p.SessionID != "" {
				return fmt.Errorf("participant %s unplaced but holds pool %q session %q", id, p.PoolID, p.SessionID)
			}
		case PlacementPool:
			if p.PoolID == "" || p.SessionID != "" {
				return fmt.Errorf("participant %s pooled but holds pool %q session %q", id, p.PoolID, p.SessionID)
			}
		case PlacementSession:
			if p.SessionID == "" || p.PoolID != "" {
				return fmt.Errorf("participant %s in session but holds pool %q session %q", id, p.PoolID, p.SessionID)
			}
		default:
			return fmt.Errorf("participant %s has invalid placement %d", id, p.Placement)
		}
	}
	return nil
}
