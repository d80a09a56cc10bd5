// Package merit carries the experiment content run inside each session: the
// stage plot, the per-round merit ranking driven by the treatment's noise
// parameter, and the final settlement.
package merit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand/v2"
	"sort"

	"github.com/cohortlab/cohort/internal/session"
	"github.com/cohortlab/cohort/internal/storage"
	"github.com/cohortlab/cohort/internal/transport"
	"github.com/cohortlab/cohort/internal/treatment"
)

// ContributionKey is the stage-scoped key under which a member's bid for the
// current round is stored.
const ContributionKey = "contribution"

// CohortKey is the stage-scoped key under which a member's ranked cohort is
// stored after bids resolve.
const CohortKey = "cohort"

// Experiment holds the tunable experiment content.
type Experiment struct {
	// Rounds is the number of bidding rounds per session.
	Rounds int
	// ShowUpFee is the guaranteed base payment.
	ShowUpFee float64
	// Credentials supplies exit codes and accumulated winnings at settlement.
	Credentials storage.CredentialStore
	// Rand draws ranking noise.
	Rand *rand.Rand
}

// Plot builds the session stage sequence.
func (e *Experiment) Plot() (session.Plot, error) {
	rounds := e.Rounds
	if rounds < 1 {
		rounds = 4
	}
	return session.NewPlot(
		session.Stage{ID: "instructions", Kind: session.StageNormal},
		session.Stage{ID: "quiz", Kind: session.StageNormal},
		session.Stage{
			ID:        "round",
			Kind:      session.StageRepeated,
			Repeat:    rounds,
			Sensitive: true,
			Steps: []session.Step{
				{ID: "bid", Run: e.resolveBids},
				{ID: "results"},
			},
		},
		session.Stage{ID: "questionnaire", Kind: session.StageNormal},
		session.Stage{ID: "end", Kind: session.StageTerminal},
	)
}

// roundResult is the per-member record written when a round resolves.
type roundResult struct {
	Round        int     `json:"round"`
	Cohort       string  `json:"cohort"`
	Contribution float64 `json:"contribution"`
}

// resolveBids ranks the members by noisy contribution and splits them into a
// high and a low cohort for the round's earnings.
func (e *Experiment) resolveBids(ctx context.Context, sc *session.Context) (session.Outcome, error) {
	members := sc.Members()
	contributions := make(map[string]float64, len(members))
	for _, id := range members {
		if v, ok := sc.Get(id, ContributionKey); ok {
			if f, ok := v.(float64); ok {
				contributions[id] = f
			}
		}
	}
	noiseStd, meritBased := sc.Treatment().Params[treatment.ParamNoiseStd]
	ranked := rankMembers(members, contributions, noiseStd, meritBased, e.Rand)

	for i, id := range ranked {
		cohort := "high"
		if i >= len(ranked)/2 {
			cohort = "low"
		}
		sc.Set(id, CohortKey, cohort)
		payload, err := json.Marshal(roundResult{
			Round:        sc.Round(),
			Cohort:       cohort,
			Contribution: contributions[id],
		})
		if err != nil {
			return session.OutcomePending, err
		}
		if err := sc.Record(ctx, id, "round_result", payload); err != nil {
			return session.OutcomePending, fmt.Errorf("record round result: %w", err)
		}
		if err := sc.SendToMember(ctx, id, transport.TopicPeerList, cohort); err != nil {
			return session.OutcomePending, err
		}
	}
	return session.OutcomeSuccess, nil
}

// rankMembers orders members by descending score. Merit-based treatments
// score a member's contribution plus gaussian noise; the random treatment
// ignores contributions entirely. Ties break on member id so equal scores
// rank deterministically.
func rankMembers(members []string, contributions map[string]float64, noiseStd float64, meritBased bool, rng *rand.Rand) []string {
	type scored struct {
		id    string
		score float64
	}
	scores := make([]scored, 0, len(members))
	for _, id := range members {
		var score float64
		if meritBased {
			score = contributions[id]
			if noiseStd > 0 {
				score += rng.NormFloat64() * noiseStd
			}
		} else {
			score = rng.Float64()
		}
		scores = append(scores, scored{id: id, score: score})
	}
	sort.Slice(scores, func(i, j int) bool {
		if scores[i].score != scores[j].score {
			return scores[i].score > scores[j].score
		}
		return scores[i].id < scores[j].id
	})
	out := make([]string, len(scores))
	for i, s := range scores {
		out[i] = s.id
	}
	return out
}

// Settle implements session.Settler: the show-up fee plus whatever winnings
// accumulated on the credential, with the credential's exit code.
func (e *Experiment) Settle(ctx context.Context, _ string, memberID string) (storage.ExitInfo, error) {
	exit := storage.ExitInfo{Win: e.ShowUpFee}
	if e.Credentials == nil {
		return exit, nil
	}
	cred, err := e.Credentials.CodeExists(ctx, memberID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return exit, nil
		}
		return exit, err
	}
	exit.ExitCode = cred.ExitCode
	exit.Win += cred.Win
	return exit, nil
}

var _ session.Settler = (*Experiment)(nil)
