// Package session implements the per-group stage machine: an ordered stage
// sequence advanced in lockstep across all members of a matched group, with
// overbooking correction, disconnect grace handling, and message replay.
package session

import (
	"context"
	"fmt"

	perrors "github.com/cohortlab/cohort/internal/platform/errors"
)

// StageKind tags a plot node.
type StageKind int

const (
	// StageNormal runs once.
	StageNormal StageKind = iota
	// StageRepeated runs Repeat rounds before the plot continues. The plot
	// is a DAG with this one back-edge of bounded multiplicity.
	StageRepeated
	// StageTerminal ends the session and triggers cleanup.
	StageTerminal
)

// Outcome is the result a stage callback reports.
type Outcome int

const (
	// OutcomePending means the stage is not finished yet.
	OutcomePending Outcome = iota
	// OutcomeSuccess completes the current step.
	OutcomeSuccess
	// OutcomeFail aborts the session.
	OutcomeFail
)

// StageFunc is the invocation contract for experiment-specific stage
// content. It runs on the channel's event loop once every expected member
// contribution for the step is accounted for.
type StageFunc func(ctx context.Context, sc *Context) (Outcome, error)

// Step is one unit of progress inside a stage.
type Step struct {
	ID  string
	Run StageFunc
}

// Stage is one plot node.
type Stage struct {
	ID    string
	Kind  StageKind
	Steps []Step
	// Repeat bounds the back-edge of a StageRepeated node.
	Repeat int
	// Sensitive marks the stage where member disconnects pause the group.
	Sensitive bool
	// Auto marks server-driven stages that complete without member input.
	Auto bool
}

// Plot is the ordered stage sequence for one session.
type Plot struct {
	stages []Stage
}

// NewPlot validates and builds a plot. The last stage must be terminal, no
// other stage may be, and at most one stage may be repeated.
func NewPlot(stages ...Stage) (Plot, error) {
	if len(stages) < 2 {
		return Plot{}, perrors.New(perrors.CodeInvalidPlot, "plot needs at least one stage and a terminal")
	}
	repeated := 0
	for i, stage := range stages {
		last := i == len(stages)-1
		switch stage.Kind {
		case StageTerminal:
			if !last {
				return Plot{}, perrors.New(perrors.CodeInvalidPlot,
					fmt.Sprintf("terminal stage %s must be last", stage.ID))
			}
		case StageRepeated:
			repeated++
			if stage.Repeat < 1 {
				return Plot{}, perrors.New(perrors.CodeInvalidPlot,
					fmt.Sprintf("repeated stage %s needs a positive repeat bound", stage.ID))
			}
		case StageNormal:
			if stage.Repeat != 0 {
				return Plot{}, perrors.New(perrors.CodeInvalidPlot,
					fmt.Sprintf("stage %s carries a repeat bound but is not repeated", stage.ID))
			}
		}
		if last && stage.Kind != StageTerminal {
			return Plot{}, perrors.New(perrors.CodeInvalidPlot, "last stage must be terminal")
		}
	}
	if repeated > 1 {
		return Plot{}, perrors.New(perrors.CodeInvalidPlot, "at most one repeated stage is supported")
	}
	return Plot{stages: stages}, nil
}

// Cursor marks the current stage, step, and round. All fields are
// zero-based except Round, which counts from 1.
type Cursor struct {
	Stage int
	Step  int
	Round int
}

// String renders the cursor as stage.step.round, one-based.
func (c Cursor) String() string {
	return fmt.Sprintf("%d.%d.%d", c.Stage+1, c.Step+1, c.Round)
}

// Start returns the cursor at the first stage.
func (p Plot) Start() Cursor {
	return Cursor{Stage: 0, Step: 0, Round: 1}
}

// Len returns the number of stages.
func (p Plot) Len() int {
	return len(p.stages)
}

// StageAt returns the stage under the cursor.
func (p Plot) StageAt(c Cursor) Stage {
	return p.stages[c.Stage]
}

// stepCount returns the number of steps in a stage, counting stages without
// explicit steps as a single implicit step.
func stepCount(stage Stage) int {
	if len(stage.Steps) == 0 {
		return 1
	}
	return len(stage.Steps)
}

// StepAt returns the step under the cursor, or a zero Step for stages
// without explicit steps.
func (p Plot) StepAt(c Cursor) Step {
	stage := p.stages[c.Stage]
	if len(stage.Steps) == 0 {
		return Step{ID: stage.ID}
	}
	return stage.Steps[c.Step]
}

// IsTerminal reports whether the cursor rests on the terminal stage.
func (p Plot) IsTerminal(c Cursor) bool {
	return p.stages[c.Stage].Kind == StageTerminal
}

// Next advances the cursor one step, honoring the repeated stage's bounded
// back-edge. It reports false once the cursor is already terminal.
func (p Plot) Next(c Cursor) (Cursor, bool) {
	if p.IsTerminal(c) {
		return c, false
	}
	stage := p.stages[c.Stage]
	if c.Step+1 < stepCount(stage) {
		c.Step++
		return c, true
	}
	if stage.Kind == StageRepeated && c.Round < stage.Repeat {
		c.Step = 0
		c.Round++
		return c, true
	}
	c.Stage++
	c.Step = 0
	c.Round = 1
	return c, true
}

// Previous steps the cursor back one step, used to resynchronize a
// reconnecting member behind the group before instructing them to catch up.
func (p Plot) Previous(c Cursor) Cursor {
	if c.Step > 0 {
		c.Step--
		return c
	}
	stage := p.stages[c.Stage]
	if stage.Kind == StageRepeated && c.Round > 1 {
		c.Round--
		c.Step = stepCount(stage) - 1
		return c
	}
	if c.Stage == 0 {
		return p.Start()
	}
	c.Stage--
	prev := p.stages[c.Stage]
	c.Step = stepCount(prev) - 1
	if prev.Kind == StageRepeated {
		c.Round = prev.Repeat
	} else {
		c.Round = 1
	}
	return c
}
