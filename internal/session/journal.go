package session

import "github.com/cohortlab/cohort/internal/transport"

// StageKey identifies a stage occurrence, distinguishing rounds of the
// repeated stage.
type StageKey struct {
	Stage int
	Round int
}

func keyFor(c Cursor) StageKey {
	return StageKey{Stage: c.Stage, Round: c.Round}
}

type journalEntry struct {
	key       StageKey
	msg       transport.Message
	delivered bool
}

// Journal retains every message sent to session members during the current
// stage so a reconnecting member can be replayed what they missed, in the
// order it was originally sent.
type Journal struct {
	arena       []journalEntry
	byStage     map[StageKey][]int
	byRecipient map[string][]int
}

// NewJournal returns an empty journal.
func NewJournal() *Journal {
	return &Journal{
		byStage:     make(map[StageKey][]int),
		byRecipient: make(map[string][]int),
	}
}

// Append records a message addressed to a single recipient under the given
// stage occurrence. delivered marks messages the recipient already received,
// so only the ones sent while they were away are replayed.
func (j *Journal) Append(key StageKey, msg transport.Message, delivered bool) {
	idx := len(j.arena)
	j.arena = append(j.arena, journalEntry{key: key, msg: msg, delivered: delivered})
	j.byStage[key] = append(j.byStage[key], idx)
	j.byRecipient[msg.To] = append(j.byRecipient[msg.To], idx)
}

// PendingFor returns the messages addressed to recipient during the given
// stage occurrence that have not been replayed yet, in append order.
func (j *Journal) PendingFor(key StageKey, recipient string) []transport.Message {
	var out []transport.Message
	for _, idx := range j.byRecipient[recipient] {
		e := &j.arena[idx]
		if e.key == key && !e.delivered {
			out = append(out, e.msg)
		}
	}
	return out
}

// MarkReplayed marks the recipient's messages for the stage occurrence as
// delivered so a second reconnect does not replay them again.
func (j *Journal) MarkReplayed(key StageKey, recipient string) {
	for _, idx := range j.byRecipient[recipient] {
		e := &j.arena[idx]
		if e.key == key {
			e.delivered = true
		}
	}
}

// Prune drops every entry outside the given stage occurrence. Called when
// the group advances; only the current stage is ever replayed.
func (j *Journal) Prune(keep StageKey) {
	kept := j.byStage[keep]
	arena := make([]journalEntry, 0, len(kept))
	byStage := make(map[StageKey][]int)
	byRecipient := make(map[string][]int)
	for _, idx := range kept {
		e := j.arena[idx]
		n := len(arena)
		arena = append(arena, e)
		byStage[keep] = append(byStage[keep], n)
		byRecipient[e.msg.To] = append(byRecipient[e.msg.To], n)
	}
	j.arena = arena
	j.byStage = byStage
	j.byRecipient = byRecipient
}

// Len returns the number of retained entries.
func (j *Journal) Len() int {
	return len(j.arena)
}
