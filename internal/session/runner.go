package session

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"github.com/cohortlab/cohort/internal/dispatch"
	perrors "github.com/cohortlab/cohort/internal/platform/errors"
	"github.com/cohortlab/cohort/internal/platform/telemetry"
	"github.com/cohortlab/cohort/internal/registry"
	"github.com/cohortlab/cohort/internal/storage"
	"github.com/cohortlab/cohort/internal/transport"
)

// Settler computes a member's final settlement when the plot ends.
type Settler interface {
	Settle(ctx context.Context, sessionID, memberID string) (storage.ExitInfo, error)
}

// Hooks are the runner's callbacks into its owning coordinator. All run on
// the coordinator's event loop.
type Hooks struct {
	// OnFinished fires exactly once when the session ends or aborts.
	OnFinished func(ctx context.Context, r *Runner, aborted bool)
	// OnFirstPassDone fires instead of checkout when a first-pass session
	// completes, handing the surviving members back for re-pooling.
	OnFirstPassDone func(ctx context.Context, members []string)
}

// Config wires a runner to its collaborators.
type Config struct {
	Session     *Session
	Registry    *registry.Registry
	Messenger   transport.Messenger
	Credentials storage.CredentialStore
	Records     storage.RecordSink
	Telemetry   *telemetry.Emitter
	Tasks       *dispatch.Tasks
	Settler     Settler
	Hooks       Hooks

	Channel string
	// TargetGroupSize is the intended size after overbooking correction.
	TargetGroupSize int
	// GracePeriod is the reconnect window after a disconnect pauses the group.
	GracePeriod time.Duration

	Rand  *rand.Rand
	Clock func() time.Time
}

// Runner drives one session's stage machine. It is owned by a single
// channel coordinator and only runs on that coordinator's event loop.
type Runner struct {
	session     *Session
	reg         *registry.Registry
	messenger   transport.Messenger
	credentials storage.CredentialStore
	records     storage.RecordSink
	tel         *telemetry.Emitter
	tasks       *dispatch.Tasks
	settler     Settler
	hooks       Hooks

	channel string
	target  int
	grace   time.Duration
	rand    *rand.Rand
	clock   func() time.Time

	journal *Journal
	sctx    *Context
}

// NewRunner validates the config and builds a runner.
func NewRunner(cfg Config) (*Runner, error) {
	if cfg.Session == nil {
		return nil, fmt.Errorf("session is required")
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if cfg.Tasks == nil {
		return nil, fmt.Errorf("task table is required")
	}
	if cfg.TargetGroupSize < 1 {
		return nil, fmt.Errorf("target group size must be positive")
	}
	if cfg.Rand == nil {
		return nil, fmt.Errorf("random source is required")
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	r := &Runner{
		session:     cfg.Session,
		reg:         cfg.Registry,
		messenger:   cfg.Messenger,
		credentials: cfg.Credentials,
		records:     cfg.Records,
		tel:         cfg.Telemetry,
		tasks:       cfg.Tasks,
		settler:     cfg.Settler,
		hooks:       cfg.Hooks,
		channel:     cfg.Channel,
		target:      cfg.TargetGroupSize,
		grace:       cfg.GracePeriod,
		rand:        cfg.Rand,
		clock:       clock,
	}
	r.journal = NewJournal()
	r.sctx = newContext(r)
	return r, nil
}

// Session returns the runner's session state.
func (r *Runner) Session() *Session {
	return r.session
}

func (r *Runner) graceKey() string {
	return "grace:" + r.session.ID
}

// Start claims the members, corrects overbooking, and enters the first
// step. An aborted session returns a session-aborted error; that is a
// normal terminal outcome, not a crash.
func (r *Runner) Start(ctx context.Context) error {
	for _, id := range r.session.Members() {
		if err := r.reg.SetSession(id, r.session.ID); err != nil {
			return err
		}
	}
	r.session.Status = StatusRunning
	r.emit(ctx, telemetry.SeverityInfo, "session_started", "",
		fmt.Sprintf("members=%d treatment=%s", r.session.Size(), r.session.Treatment.Name))

	if err := r.resolveOverbooking(ctx); err != nil {
		return err
	}
	return r.enterStep(ctx)
}

// resolveOverbooking trims a session back to the target size, tolerates one
// missing member, and aborts below that.
func (r *Runner) resolveOverbooking(ctx context.Context) error {
	n := r.session.Size()
	switch {
	case n == r.target:
		return nil
	case n == r.target-1:
		r.emit(ctx, telemetry.SeverityWarn, "session_short_handed", "",
			fmt.Sprintf("members=%d target=%d", n, r.target))
		return nil
	case n > r.target:
		return r.trimSurplus(ctx, n-r.target)
	default:
		r.emit(ctx, telemetry.SeverityWarn, "session_underfilled", "",
			fmt.Sprintf("members=%d target=%d", n, r.target))
		return r.abort(ctx, transport.DestAborted, "not enough members to start")
	}
}

func (r *Runner) trimSurplus(ctx context.Context, surplus int) error {
	ids := r.session.Members()
	for i := 0; i < surplus; i++ {
		j := r.rand.IntN(len(ids))
		id := ids[j]
		ids[j] = ids[len(ids)-1]
		ids = ids[:len(ids)-1]

		r.session.overbooked[id] = struct{}{}
		delete(r.session.members, id)
		if p := r.reg.Get(id); p != nil {
			p.Overbooked = true
		}
		r.checkOutQuietly(ctx, id)
		r.reg.MarkCheckedOut(id)
		if err := r.messenger.Redirect(ctx, id, transport.DestOverbooked); err != nil {
			r.emit(ctx, telemetry.SeverityError, "redirect_failed", id, err.Error())
		}
		r.emit(ctx, telemetry.SeverityInfo, "overbooking_trimmed", id, "")
	}
	return nil
}

// checkOutQuietly finalizes a credential with whatever exit code it already
// carries. Missing credentials are tolerated.
func (r *Runner) checkOutQuietly(ctx context.Context, id string) {
	if r.credentials == nil {
		return
	}
	exit := storage.ExitInfo{}
	cred, err := r.credentials.CodeExists(ctx, id)
	if err == nil {
		exit.ExitCode = cred.ExitCode
	} else if !errors.Is(err, storage.ErrNotFound) {
		r.emit(ctx, telemetry.SeverityError, "credential_lookup_failed", id, err.Error())
	}
	if err := r.credentials.CheckOut(ctx, id, exit); err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.emit(ctx, telemetry.SeverityError, "checkout_failed", id, err.Error())
	}
}

func (r *Runner) enterStep(ctx context.Context) error {
	if r.session.Status != StatusRunning {
		return nil
	}
	r.session.done = make(map[string]struct{})
	key := keyFor(r.session.Cursor)
	r.journal.Prune(key)
	r.sctx.pruneState(key)

	pos := r.session.Cursor.String()
	for _, id := range r.session.Members() {
		if p := r.reg.Get(id); p != nil {
			p.StagePos = pos
		}
	}
	if err := r.broadcastJournaled(ctx, transport.TopicStep, transport.StepOrder{StagePos: pos}); err != nil {
		return err
	}
	stage := r.session.Plot.StageAt(r.session.Cursor)
	if stage.Sensitive && len(r.session.disconnected) > 0 {
		// A member lost on an earlier stage now blocks the group; their
		// reconnect window opens on entry, not on the original disconnect.
		r.pauseForReconnect(ctx)
		return nil
	}
	if stage.Auto {
		return r.runStep(ctx)
	}
	return nil
}

// OnMemberDone records a member's step contribution and advances the group
// once every expected contribution is in. Contributions from non-members or
// while paused are ignored.
func (r *Runner) OnMemberDone(ctx context.Context, memberID string) error {
	if r.session.Status != StatusRunning {
		return nil
	}
	if !r.session.IsMember(memberID) {
		return nil
	}
	if _, gone := r.session.disconnected[memberID]; gone {
		return nil
	}
	r.session.done[memberID] = struct{}{}
	return r.evaluate(ctx)
}

// OnMemberData stores a member-submitted value in the current stage's state,
// where stage callbacks read it. Values from non-members or members with an
// outstanding disconnect are dropped.
func (r *Runner) OnMemberData(_ context.Context, memberID, key string, value any) error {
	if r.session.Status != StatusRunning || !r.session.IsMember(memberID) {
		return nil
	}
	if _, gone := r.session.disconnected[memberID]; gone {
		return nil
	}
	r.sctx.Set(memberID, key, value)
	return nil
}

func (r *Runner) evaluate(ctx context.Context) error {
	if r.session.Status != StatusRunning || r.session.Paused() {
		return nil
	}
	stage := r.session.Plot.StageAt(r.session.Cursor)
	if !stage.Auto {
		for id := range r.session.members {
			if _, gone := r.session.disconnected[id]; gone {
				continue
			}
			if _, ok := r.session.done[id]; !ok {
				return nil
			}
		}
	}
	return r.runStep(ctx)
}

func (r *Runner) runStep(ctx context.Context) error {
	step := r.session.Plot.StepAt(r.session.Cursor)
	if step.Run == nil {
		return r.advance(ctx)
	}
	outcome, err := step.Run(ctx, r.sctx)
	if err != nil {
		r.emit(ctx, telemetry.SeverityError, "stage_failed", "",
			fmt.Sprintf("stage=%s: %v", r.session.Cursor, err))
		return r.abort(ctx, transport.DestAborted, "stage failure")
	}
	switch outcome {
	case OutcomeSuccess:
		return r.advance(ctx)
	case OutcomeFail:
		return r.abort(ctx, transport.DestAborted, "stage reported failure")
	default:
		return nil
	}
}

func (r *Runner) advance(ctx context.Context) error {
	next, ok := r.session.Plot.Next(r.session.Cursor)
	if !ok {
		return r.finish(ctx)
	}
	r.session.Cursor = next
	if r.session.Plot.IsTerminal(next) {
		return r.finish(ctx)
	}
	return r.enterStep(ctx)
}

func (r *Runner) finish(ctx context.Context) error {
	r.tasks.Cancel(r.graceKey())
	r.session.Status = StatusEnded

	// A first-pass session hands its members back for re-pooling instead of
	// checking them out, but only when a coordinator is listening.
	handBack := r.session.FirstPass && r.hooks.OnFirstPassDone != nil
	members := r.session.Members()
	for _, id := range members {
		exit := storage.ExitInfo{}
		if r.settler != nil {
			settled, err := r.settler.Settle(ctx, r.session.ID, id)
			if err != nil {
				r.emit(ctx, telemetry.SeverityError, "settlement_failed", id, err.Error())
			} else {
				exit = settled
			}
		}
		if err := r.messenger.SendToOne(ctx, id, transport.TopicSettlement, exit); err != nil {
			r.emit(ctx, telemetry.SeverityError, "settlement_send_failed", id, err.Error())
		}
		if handBack {
			if r.credentials != nil && exit.Win != 0 {
				win := exit.Win
				if err := r.credentials.UpdateCode(ctx, id, storage.CredentialPatch{Win: &win}); err != nil {
					r.emit(ctx, telemetry.SeverityError, "credential_update_failed", id, err.Error())
				}
			}
			r.reg.ClearPlacement(id)
		} else {
			if r.credentials != nil {
				if err := r.credentials.CheckOut(ctx, id, exit); err != nil {
					r.emit(ctx, telemetry.SeverityError, "checkout_failed", id, err.Error())
				}
			}
			r.reg.MarkCheckedOut(id)
		}
	}
	r.emit(ctx, telemetry.SeverityInfo, "session_ended", "", fmt.Sprintf("members=%d", len(members)))

	if handBack {
		r.hooks.OnFirstPassDone(ctx, members)
	}
	if r.hooks.OnFinished != nil {
		r.hooks.OnFinished(ctx, r, false)
	}
	return nil
}

func (r *Runner) abort(ctx context.Context, dest transport.Destination, reason string) error {
	r.tasks.Cancel(r.graceKey())
	r.session.Status = StatusAborted

	for _, id := range r.session.Members() {
		r.checkOutQuietly(ctx, id)
		r.reg.MarkCheckedOut(id)
		if err := r.messenger.Redirect(ctx, id, dest); err != nil {
			r.emit(ctx, telemetry.SeverityError, "redirect_failed", id, err.Error())
		}
	}
	r.emit(ctx, telemetry.SeverityWarn, "session_aborted", "", reason)

	if r.hooks.OnFinished != nil {
		r.hooks.OnFinished(ctx, r, true)
	}
	return perrors.New(perrors.CodeSessionAborted, reason)
}

// OnDisconnect records a member disconnect. On a membership-sensitive stage
// the whole group pauses and a reconnect grace window starts.
func (r *Runner) OnDisconnect(ctx context.Context, memberID string) {
	if r.session.Status != StatusRunning || !r.session.IsMember(memberID) {
		return
	}
	if _, already := r.session.disconnected[memberID]; already {
		return
	}
	r.reg.MarkDisconnected(memberID)
	r.session.disconnected[memberID] = r.session.Cursor
	r.updateCredential(ctx, memberID, storage.CredentialPatch{
		Disconnected: boolPtr(true),
		StagePos:     stringPtr(r.session.Cursor.String()),
	})
	r.emit(ctx, telemetry.SeverityWarn, "member_disconnected", memberID, r.session.Cursor.String())

	if !r.session.Plot.StageAt(r.session.Cursor).Sensitive {
		return
	}
	r.pauseForReconnect(ctx)
}

// pauseForReconnect halts the connected members and opens the grace window
// for whoever is missing. Already-armed windows keep their deadline.
func (r *Runner) pauseForReconnect(ctx context.Context) {
	for _, id := range r.connectedMembers() {
		r.notify(ctx, id, transport.TopicPause, nil)
	}
	if !r.tasks.Armed(r.graceKey()) {
		r.tasks.Arm(r.graceKey(), r.grace, func() {
			r.onGraceExpired(context.Background())
		})
	}
}

// onGraceExpired kicks every member still disconnected when the reconnect
// window closes, then resumes the survivors.
func (r *Runner) onGraceExpired(ctx context.Context) {
	if r.session.Status != StatusRunning {
		return
	}
	for id := range r.session.disconnected {
		delete(r.session.members, id)
		delete(r.session.done, id)
		r.reg.MarkKickedOut(id)
		r.updateCredential(ctx, id, storage.CredentialPatch{KickedOut: boolPtr(true)})
		r.emit(ctx, telemetry.SeverityWarn, "member_kicked", id, "reconnect window expired")
	}
	r.session.disconnected = make(map[string]Cursor)

	if r.session.Size() == 0 {
		_ = r.abort(ctx, transport.DestAborted, "every member missed the reconnect window")
		return
	}
	for _, id := range r.connectedMembers() {
		r.notify(ctx, id, transport.TopicResume, nil)
	}
	if err := r.evaluate(ctx); err != nil {
		r.emit(ctx, telemetry.SeverityError, "evaluate_failed", "", err.Error())
	}
}

// OnReconnect validates a returning participant, restores membership, and
// replays the current stage's missed messages in their original order.
// Kicked-out and checked-out participants are redirected, never re-added.
func (r *Runner) OnReconnect(ctx context.Context, memberID string) error {
	if r.credentials != nil {
		cred, err := r.credentials.CodeExists(ctx, memberID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return perrors.New(perrors.CodeStaleReconnect,
					fmt.Sprintf("participant %s holds no credential", memberID))
			}
			return err
		}
		if cred.CheckedOut {
			r.redirect(ctx, memberID, transport.DestCheckedOut)
			return nil
		}
		if cred.KickedOut {
			r.redirect(ctx, memberID, transport.DestDisconnected)
			return nil
		}
	}
	if r.session.Status != StatusRunning {
		r.redirect(ctx, memberID, transport.DestAborted)
		return nil
	}
	if _, gone := r.session.disconnected[memberID]; !gone {
		return perrors.New(perrors.CodeStaleReconnect,
			fmt.Sprintf("participant %s has no outstanding disconnect", memberID))
	}

	delete(r.session.disconnected, memberID)
	r.reg.MarkConnected(memberID)
	if err := r.reg.SetSession(memberID, r.session.ID); err != nil {
		return err
	}
	r.updateCredential(ctx, memberID, storage.CredentialPatch{Disconnected: boolPtr(false)})
	r.emit(ctx, telemetry.SeverityInfo, "member_reconnected", memberID, r.session.Cursor.String())

	for _, id := range r.connectedMembers() {
		if id != memberID {
			r.notify(ctx, id, transport.TopicPeerConnected, memberID)
		}
	}
	r.notify(ctx, memberID, transport.TopicPeerList, r.session.Members())

	// Resynchronize one step behind the group, then replay what was missed.
	prev := r.session.Plot.Previous(r.session.Cursor)
	r.notify(ctx, memberID, transport.TopicStep, transport.StepOrder{StagePos: prev.String(), CatchUp: true})
	key := keyFor(r.session.Cursor)
	for _, msg := range r.journal.PendingFor(key, memberID) {
		if err := r.messenger.SendToOne(ctx, msg.To, msg.Topic, msg.Payload); err != nil {
			r.emit(ctx, telemetry.SeverityError, "replay_send_failed", memberID, err.Error())
		}
	}
	r.journal.MarkReplayed(key, memberID)

	if len(r.session.disconnected) == 0 {
		r.tasks.Cancel(r.graceKey())
		if r.session.Plot.StageAt(r.session.Cursor).Sensitive {
			for _, id := range r.connectedMembers() {
				r.notify(ctx, id, transport.TopicResume, nil)
			}
		}
		return r.evaluate(ctx)
	}
	if r.session.Paused() {
		r.notify(ctx, memberID, transport.TopicPause, nil)
	}
	return nil
}

func (r *Runner) connectedMembers() []string {
	var out []string
	for _, id := range r.session.Members() {
		if _, gone := r.session.disconnected[id]; !gone {
			out = append(out, id)
		}
	}
	return out
}

func (r *Runner) sendJournaled(ctx context.Context, to string, topic transport.Topic, payload any) error {
	msg := transport.Message{To: to, Topic: topic, Payload: payload}
	_, gone := r.session.disconnected[to]
	r.journal.Append(keyFor(r.session.Cursor), msg, !gone)
	if gone {
		return nil
	}
	return r.messenger.SendToOne(ctx, to, topic, payload)
}

func (r *Runner) broadcastJournaled(ctx context.Context, topic transport.Topic, payload any) error {
	for _, id := range r.session.Members() {
		if err := r.sendJournaled(ctx, id, topic, payload); err != nil {
			return err
		}
	}
	return nil
}

// notify sends a transient notification that is never replayed.
func (r *Runner) notify(ctx context.Context, to string, topic transport.Topic, payload any) {
	if err := r.messenger.SendToOne(ctx, to, topic, payload); err != nil {
		r.emit(ctx, telemetry.SeverityError, "notify_failed", to, err.Error())
	}
}

func (r *Runner) redirect(ctx context.Context, id string, dest transport.Destination) {
	if err := r.messenger.Redirect(ctx, id, dest); err != nil {
		r.emit(ctx, telemetry.SeverityError, "redirect_failed", id, err.Error())
	}
}

func (r *Runner) updateCredential(ctx context.Context, id string, patch storage.CredentialPatch) {
	if r.credentials == nil {
		return
	}
	if err := r.credentials.UpdateCode(ctx, id, patch); err != nil && !errors.Is(err, storage.ErrNotFound) {
		r.emit(ctx, telemetry.SeverityError, "credential_update_failed", id, err.Error())
	}
}

func (r *Runner) emit(ctx context.Context, severity telemetry.Severity, event, participantID, detail string) {
	_ = r.tel.Emit(ctx, severity, storage.TelemetryEvent{
		Channel:       r.channel,
		Event:         event,
		ParticipantID: participantID,
		SessionID:     r.session.ID,
		Detail:        detail,
	})
}

func boolPtr(b bool) *bool       { return &b }
func stringPtr(s string) *string { return &s }
