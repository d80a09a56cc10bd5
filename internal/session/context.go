package session

import (
	"context"

	"github.com/cohortlab/cohort/internal/storage"
	"github.com/cohortlab/cohort/internal/transport"
	"github.com/cohortlab/cohort/internal/treatment"
)

// Context is the surface handed to stage callbacks. It exposes the session
// facts a stage needs and the side channels it may use, without leaking the
// runner's internals.
type Context struct {
	r     *Runner
	state map[StageKey]map[string]map[string]any
}

func newContext(r *Runner) *Context {
	return &Context{r: r, state: make(map[StageKey]map[string]map[string]any)}
}

// SessionID returns the session identity.
func (sc *Context) SessionID() string {
	return sc.r.session.ID
}

// SessionNumber returns the dispatch-order session number.
func (sc *Context) SessionNumber() int {
	return sc.r.session.Number
}

// Treatment returns the assigned treatment.
func (sc *Context) Treatment() treatment.Treatment {
	return sc.r.session.Treatment
}

// FirstPass reports whether this session runs under first-pass handling.
func (sc *Context) FirstPass() bool {
	return sc.r.session.FirstPass
}

// Members returns the current member ids in sorted order.
func (sc *Context) Members() []string {
	return sc.r.session.Members()
}

// Cursor returns the group's current stage position.
func (sc *Context) Cursor() Cursor {
	return sc.r.session.Cursor
}

// Round returns the current round of the repeated stage, 1 elsewhere.
func (sc *Context) Round() int {
	return sc.r.session.Cursor.Round
}

// Set stores a stage-scoped value for one member. Values are discarded when
// the group leaves the stage occurrence.
func (sc *Context) Set(memberID, key string, value any) {
	sk := keyFor(sc.r.session.Cursor)
	members, ok := sc.state[sk]
	if !ok {
		members = make(map[string]map[string]any)
		sc.state[sk] = members
	}
	values, ok := members[memberID]
	if !ok {
		values = make(map[string]any)
		members[memberID] = values
	}
	values[key] = value
}

// Get reads a stage-scoped value for one member.
func (sc *Context) Get(memberID, key string) (any, bool) {
	sk := keyFor(sc.r.session.Cursor)
	values, ok := sc.state[sk][memberID]
	if !ok {
		return nil, false
	}
	v, ok := values[key]
	return v, ok
}

// SendToMember sends and journals a message to one member.
func (sc *Context) SendToMember(ctx context.Context, memberID string, topic transport.Topic, payload any) error {
	return sc.r.sendJournaled(ctx, memberID, topic, payload)
}

// Broadcast sends and journals a message to every current member.
func (sc *Context) Broadcast(ctx context.Context, topic transport.Topic, payload any) error {
	return sc.r.broadcastJournaled(ctx, topic, payload)
}

// Record appends one experiment record attributed to the session.
func (sc *Context) Record(ctx context.Context, participantID, kind string, payload []byte) error {
	if sc.r.records == nil {
		return nil
	}
	part := 2
	if sc.r.session.FirstPass {
		part = 1
	}
	return sc.r.records.AppendRecord(ctx, storage.ExperimentRecord{
		SessionID:     sc.r.session.ID,
		Condition:     sc.r.session.Treatment.Name,
		StagePos:      sc.r.session.Cursor.String(),
		ParticipantID: participantID,
		Part:          part,
		Kind:          kind,
		Payload:       payload,
		CreatedAt:     sc.r.clock().UTC(),
	})
}

func (sc *Context) pruneState(keep StageKey) {
	for sk := range sc.state {
		if sk != keep {
			delete(sc.state, sk)
		}
	}
}
