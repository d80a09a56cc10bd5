package dispatch

import (
	"math/rand/v2"

	"github.com/cohortlab/cohort/internal/treatment"
)

// State is the dispatch state intentionally shared across matcher runs in
// one channel: the monotonically increasing session counter and the flag
// distinguishing the first and second experimental part. The owning
// coordinator passes it by reference; increment and treatment lookup happen
// as one uninterrupted step on the channel's event loop.
type State struct {
	SessionCounter int
	FirstPass      bool
}

// Batch is one matched group ready to become a session.
type Batch struct {
	Members       []string
	Treatment     treatment.Treatment
	SessionNumber int
	FirstPass     bool
}

// Matcher partitions the waiting pool into fixed-size groups with an
// overbooking margin and assigns each group a treatment.
type Matcher struct {
	Pool        *Pool
	Catalog     treatment.Catalog
	Mode        treatment.Mode
	Explicit    string
	Group       string
	GroupSize   int
	Overbooking int
	State       *State
	Rand        *rand.Rand
}

// TotalGroupSize returns the draw size per batch.
func (m *Matcher) TotalGroupSize() int {
	return m.GroupSize + m.Overbooking
}

// Dispatch greedily forms as many complete groups as the pool allows in one
// pass. The remainder stays pooled. If a treatment lookup fails, the current
// draw is undone, the counter restored, and the batches formed so far are
// returned alongside the error.
func (m *Matcher) Dispatch() ([]Batch, error) {
	total := m.TotalGroupSize()
	var batches []Batch
	for m.Pool.Size() >= total {
		members, err := m.Pool.DrawRandom(total, m.Rand)
		if err != nil {
			return batches, err
		}

		// Counter increment and treatment lookup are one uninterrupted step.
		m.State.SessionCounter++
		tr, err := m.Catalog.Assign(treatment.AssignInput{
			Counter:   m.State.SessionCounter,
			Group:     m.Group,
			FirstPass: m.State.FirstPass,
			Mode:      m.Mode,
			Explicit:  m.Explicit,
			Rand:      m.Rand,
		})
		if err != nil {
			m.State.SessionCounter--
			m.Pool.Restore(members)
			return batches, err
		}

		batches = append(batches, Batch{
			Members:       members,
			Treatment:     tr,
			SessionNumber: m.State.SessionCounter,
			FirstPass:     m.State.FirstPass,
		})
	}
	return batches, nil
}
