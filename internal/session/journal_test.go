package session

import (
	"testing"

	"github.com/cohortlab/cohort/internal/transport"
)

func TestJournalPendingKeepsOrder(t *testing.T) {
	j := NewJournal()
	key := StageKey{Stage: 1, Round: 1}

	j.Append(key, transport.Message{To: "alice", Topic: transport.TopicStep, Payload: "first"}, false)
	j.Append(key, transport.Message{To: "bob", Topic: transport.TopicStep, Payload: "other"}, false)
	j.Append(key, transport.Message{To: "alice", Topic: transport.TopicPeerList, Payload: "second"}, false)

	pending := j.PendingFor(key, "alice")
	if len(pending) != 2 {
		t.Fatalf("expected 2 pending for alice, got %d", len(pending))
	}
	if pending[0].Payload != "first" || pending[1].Payload != "second" {
		t.Fatalf("replay out of order: %v", pending)
	}
}

func TestJournalScopesByStageOccurrence(t *testing.T) {
	j := NewJournal()
	round1 := StageKey{Stage: 1, Round: 1}
	round2 := StageKey{Stage: 1, Round: 2}

	j.Append(round1, transport.Message{To: "alice", Payload: "old"}, false)
	j.Append(round2, transport.Message{To: "alice", Payload: "new"}, false)

	pending := j.PendingFor(round2, "alice")
	if len(pending) != 1 || pending[0].Payload != "new" {
		t.Fatalf("expected only the round 2 message, got %v", pending)
	}
}

func TestJournalMarkReplayed(t *testing.T) {
	j := NewJournal()
	key := StageKey{Stage: 0, Round: 1}

	j.Append(key, transport.Message{To: "alice", Payload: "x"}, false)
	j.MarkReplayed(key, "alice")

	if pending := j.PendingFor(key, "alice"); len(pending) != 0 {
		t.Fatalf("replayed messages must not be pending again, got %v", pending)
	}
}

func TestJournalPruneDropsOtherStages(t *testing.T) {
	j := NewJournal()
	old := StageKey{Stage: 0, Round: 1}
	current := StageKey{Stage: 1, Round: 1}

	j.Append(old, transport.Message{To: "alice", Payload: "stale"}, false)
	j.Append(current, transport.Message{To: "alice", Payload: "live"}, false)
	j.Prune(current)

	if j.Len() != 1 {
		t.Fatalf("expected 1 retained entry, got %d", j.Len())
	}
	pending := j.PendingFor(current, "alice")
	if len(pending) != 1 || pending[0].Payload != "live" {
		t.Fatalf("expected the live entry to survive pruning, got %v", pending)
	}
	if pending := j.PendingFor(old, "alice"); len(pending) != 0 {
		t.Fatalf("pruned stage still pending: %v", pending)
	}
}
