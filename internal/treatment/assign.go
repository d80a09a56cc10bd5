package treatment

import (
	"fmt"
	"math/rand/v2"
	"strings"

	perrors "github.com/cohortlab/cohort/internal/platform/errors"
)

// Mode selects the assignment policy.
type Mode string

const (
	// ModeFixedSchedule looks up a static table keyed by session counter,
	// group identity, and first/second pass.
	ModeFixedSchedule Mode = "fixed-schedule"
	// ModeRotation walks a fixed ordered list of conditions.
	ModeRotation Mode = "rotation"
	// ModeRandom picks uniformly over the catalog.
	ModeRandom Mode = "random"
	// ModeExplicit returns a named treatment directly.
	ModeExplicit Mode = "explicit"
)

// AssignInput carries everything the assignment function needs. Assign is
// pure apart from the injected random source.
type AssignInput struct {
	// Counter is the process-wide session counter, starting at 1.
	Counter int
	// Group is the group identity. Identities ending in "A" use the first
	// schedule column, all others the second.
	Group string
	// FirstPass distinguishes a group's first and second experimental part.
	FirstPass bool
	// Mode selects the assignment policy.
	Mode Mode
	// Explicit names the treatment for ModeExplicit.
	Explicit string
	// Rand supplies randomness for ModeRandom.
	Rand *rand.Rand
}

// scheduleRow pairs complementary conditions for both group columns.
// Each column (group crossed with pass) cycles through all six conditions,
// so no group repeats a condition within a full cycle and every row pairs
// a condition with its complement.
type scheduleRow struct {
	AFirst  string
	ASecond string
	BFirst  string
	BSecond string
}

// scheduleCycle orders the six scheduled conditions so that entry i and
// entry i+3 are complements (perfect/random, v3/v20, v100/v1000).
var scheduleCycle = [6]string{
	"exo_perfect", "exo_v3", "exo_v100",
	"random", "exo_v20", "exo_v1000",
}

// fixedSchedule is the static lab table. Row r assigns group column A the
// cycle entries r and r+3, and column B the entries r+1 and r+4.
var fixedSchedule = buildFixedSchedule()

func buildFixedSchedule() [6]scheduleRow {
	var table [6]scheduleRow
	for r := 0; r < len(scheduleCycle); r++ {
		table[r] = scheduleRow{
			AFirst:  scheduleCycle[r],
			ASecond: scheduleCycle[(r+3)%6],
			BFirst:  scheduleCycle[(r+1)%6],
			BSecond: scheduleCycle[(r+4)%6],
		}
	}
	return table
}

// rotationOrder lists the online rotation: random first, then decreasing
// variance. Counters past the end clamp to the last entry.
var rotationOrder = []string{"random", "exo_v1000", "exo_v100", "exo_v50", "exo_v20"}

// Assign picks a treatment for one dispatched group.
func (c Catalog) Assign(in AssignInput) (Treatment, error) {
	switch in.Mode {
	case ModeFixedSchedule:
		return c.assignFixedSchedule(in)
	case ModeRotation:
		return c.assignRotation(in)
	case ModeRandom:
		return c.assignRandom(in)
	case ModeExplicit:
		return c.Get(in.Explicit)
	default:
		return Treatment{}, perrors.WithMetadata(perrors.CodeInvalidAssignmentMode,
			fmt.Sprintf("unrecognized assignment mode %q", in.Mode),
			map[string]string{"mode": string(in.Mode)})
	}
}

func (c Catalog) assignFixedSchedule(in AssignInput) (Treatment, error) {
	// Counter 1 maps to row 0; out-of-range counters wrap modulo the table.
	row := fixedSchedule[((in.Counter-1)%len(fixedSchedule)+len(fixedSchedule))%len(fixedSchedule)]

	var name string
	if strings.HasSuffix(strings.ToUpper(in.Group), "A") {
		if in.FirstPass {
			name = row.AFirst
		} else {
			name = row.ASecond
		}
	} else {
		if in.FirstPass {
			name = row.BFirst
		} else {
			name = row.BSecond
		}
	}
	return c.Get(name)
}

func (c Catalog) assignRotation(in AssignInput) (Treatment, error) {
	idx := in.Counter - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(rotationOrder) {
		idx = len(rotationOrder) - 1
	}
	return c.Get(rotationOrder[idx])
}

func (c Catalog) assignRandom(in AssignInput) (Treatment, error) {
	if c.Len() == 0 {
		return Treatment{}, perrors.New(perrors.CodeUnknownTreatment, "catalog is empty")
	}
	if in.Rand == nil {
		return Treatment{}, perrors.New(perrors.CodeInvalidAssignmentMode,
			"random assignment requires a random source")
	}
	return c.Get(c.names[in.Rand.IntN(c.Len())])
}
