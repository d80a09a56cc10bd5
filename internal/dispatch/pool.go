package dispatch

import (
	"fmt"
	"math/rand/v2"

	perrors "github.com/cohortlab/cohort/internal/platform/errors"
)

// Pool holds participants that are connected but not yet grouped. Membership
// order is irrelevant; random draws are uniform without replacement.
type Pool struct {
	id      string
	members []string
	index   map[string]int
}

// NewPool creates an empty pool with the given id.
func NewPool(id string) *Pool {
	return &Pool{id: id, index: make(map[string]int)}
}

// ID returns the pool identifier.
func (p *Pool) ID() string {
	return p.id
}

// Size returns the current member count.
func (p *Pool) Size() int {
	return len(p.members)
}

// Contains reports whether participantID waits in this pool.
func (p *Pool) Contains(participantID string) bool {
	_, ok := p.index[participantID]
	return ok
}

// Members returns a copy of the current membership.
func (p *Pool) Members() []string {
	return append([]string(nil), p.members...)
}

// Add places a participant in the pool.
func (p *Pool) Add(participantID string) error {
	if _, ok := p.index[participantID]; ok {
		return perrors.WithMetadata(perrors.CodeAlreadyPooled,
			fmt.Sprintf("participant %s already pooled", participantID),
			map[string]string{"participant_id": participantID, "pool_id": p.id})
	}
	p.index[participantID] = len(p.members)
	p.members = append(p.members, participantID)
	return nil
}

// Remove takes a participant out of the pool. Absent ids are a no-op.
func (p *Pool) Remove(participantID string) {
	i, ok := p.index[participantID]
	if !ok {
		return
	}
	last := len(p.members) - 1
	p.members[i] = p.members[last]
	p.index[p.members[i]] = i
	p.members = p.members[:last]
	delete(p.index, participantID)
}

// DrawRandom removes and returns exactly n participants chosen uniformly at
// random without replacement.
func (p *Pool) DrawRandom(n int, rng *rand.Rand) ([]string, error) {
	if n > len(p.members) {
		return nil, perrors.WithMetadata(perrors.CodeInsufficientPool,
			fmt.Sprintf("pool %s holds %d participants, need %d", p.id, len(p.members), n),
			map[string]string{"pool_id": p.id})
	}
	drawn := make([]string, 0, n)
	for len(drawn) < n {
		pick := p.members[rng.IntN(len(p.members))]
		p.Remove(pick)
		drawn = append(drawn, pick)
	}
	return drawn, nil
}

// Restore puts previously drawn participants back, undoing a draw after a
// failed batch. Duplicates are ignored.
func (p *Pool) Restore(participantIDs []string) {
	for _, id := range participantIDs {
		if _, ok := p.index[id]; ok {
			continue
		}
		p.index[id] = len(p.members)
		p.members = append(p.members, id)
	}
}
