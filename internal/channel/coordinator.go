package channel

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/cohortlab/cohort/internal/dispatch"
	perrors "github.com/cohortlab/cohort/internal/platform/errors"
	"github.com/cohortlab/cohort/internal/platform/id"
	"github.com/cohortlab/cohort/internal/platform/random"
	"github.com/cohortlab/cohort/internal/platform/telemetry"
	"github.com/cohortlab/cohort/internal/registry"
	"github.com/cohortlab/cohort/internal/session"
	"github.com/cohortlab/cohort/internal/storage"
	"github.com/cohortlab/cohort/internal/transport"
	"github.com/cohortlab/cohort/internal/treatment"
)

// Config wires a coordinator to its collaborators.
type Config struct {
	Settings    Settings
	Registry    *registry.Registry
	Messenger   transport.Messenger
	Credentials storage.CredentialStore
	Records     storage.RecordSink
	Telemetry   *telemetry.Emitter
	Catalog     treatment.Catalog
	// PlotFactory builds the stage plot for each new session.
	PlotFactory func() (session.Plot, error)
	Settler     session.Settler

	// Scheduler defaults to real timers that post back onto the event loop.
	Scheduler dispatch.Scheduler
	Rand      *rand.Rand
	Clock     func() time.Time
	NewID     func() (string, error)
}

// Coordinator owns one channel: it pools arriving participants, arms the
// dispatch countdown, matches groups into sessions, and routes participant
// events to the session they belong to.
//
// All Handle methods and scheduled callbacks run on the coordinator's event
// loop; external callers go through the asynchronous entry points.
type Coordinator struct {
	settings    Settings
	reg         *registry.Registry
	messenger   transport.Messenger
	credentials storage.CredentialStore
	records     storage.RecordSink
	tel         *telemetry.Emitter
	catalog     treatment.Catalog
	plotFactory func() (session.Plot, error)
	settler     session.Settler
	rand        *rand.Rand
	clock       func() time.Time
	newID       func() (string, error)
	tracer      trace.Tracer

	calls     chan func()
	tasks     *dispatch.Tasks
	pool      *dispatch.Pool
	countdown *dispatch.Countdown
	matcher   *dispatch.Matcher
	runners   map[string]*session.Runner
	started   int
	closed    bool
}

// New validates the config and builds a coordinator.
func New(cfg Config) (*Coordinator, error) {
	if err := cfg.Settings.Validate(); err != nil {
		return nil, fmt.Errorf("channel settings: %w", err)
	}
	if cfg.Registry == nil {
		return nil, fmt.Errorf("registry is required")
	}
	if cfg.Messenger == nil {
		return nil, fmt.Errorf("messenger is required")
	}
	if cfg.PlotFactory == nil {
		return nil, fmt.Errorf("plot factory is required")
	}
	if cfg.Catalog.Len() == 0 {
		return nil, fmt.Errorf("treatment catalog is empty")
	}

	c := &Coordinator{
		settings:    cfg.Settings,
		reg:         cfg.Registry,
		messenger:   cfg.Messenger,
		credentials: cfg.Credentials,
		records:     cfg.Records,
		tel:         cfg.Telemetry,
		catalog:     cfg.Catalog,
		plotFactory: cfg.PlotFactory,
		settler:     cfg.Settler,
		rand:        cfg.Rand,
		clock:       cfg.Clock,
		newID:       cfg.NewID,
		tracer:      otel.Tracer("github.com/cohortlab/cohort/internal/channel"),
		calls:       make(chan func(), 128),
		runners:     make(map[string]*session.Runner),
	}
	if c.rand == nil {
		rng, err := random.NewRand()
		if err != nil {
			return nil, fmt.Errorf("seed random source: %w", err)
		}
		c.rand = rng
	}
	if c.clock == nil {
		c.clock = time.Now
	}
	if c.newID == nil {
		c.newID = id.NewID
	}

	sched := cfg.Scheduler
	if sched == nil {
		sched = dispatch.SchedulerFunc(func(d time.Duration, fn func()) func() {
			timer := time.AfterFunc(d, func() { c.Post(fn) })
			return func() { timer.Stop() }
		})
	}
	c.tasks = dispatch.NewTasks(sched)
	c.pool = dispatch.NewPool("pool:" + cfg.Settings.Name)
	c.countdown = dispatch.NewCountdown(
		c.tasks,
		"countdown:"+cfg.Settings.Name,
		cfg.Settings.CountdownThreshold,
		cfg.Settings.CountdownDuration,
		c.clock,
		c.onCountdownFired,
	)
	c.matcher = &dispatch.Matcher{
		Pool:        c.pool,
		Catalog:     c.catalog,
		Mode:        treatment.Mode(cfg.Settings.AssignmentMode),
		Explicit:    cfg.Settings.ExplicitTreatment,
		Group:       cfg.Settings.Name,
		GroupSize:   cfg.Settings.GroupSize,
		Overbooking: cfg.Settings.Overbooking,
		State:       &dispatch.State{FirstPass: true},
		Rand:        c.rand,
	}
	return c, nil
}

// Run processes posted work until ctx is cancelled.
func (c *Coordinator) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case fn := <-c.calls:
			fn()
		}
	}
}

// Post schedules fn on the event loop.
func (c *Coordinator) Post(fn func()) {
	c.calls <- fn
}

// Connect enqueues a participant connect event.
func (c *Coordinator) Connect(participantID string) {
	c.Post(func() {
		if err := c.HandleConnect(context.Background(), participantID); err != nil {
			c.emit(context.Background(), telemetry.SeverityWarn, "connect_rejected", participantID, err.Error())
		}
	})
}

// Disconnect enqueues a participant disconnect event.
func (c *Coordinator) Disconnect(participantID string) {
	c.Post(func() {
		c.HandleDisconnect(context.Background(), participantID)
	})
}

// Done enqueues a stage-contribution event.
func (c *Coordinator) Done(participantID string) {
	c.Post(func() {
		if err := c.HandleDone(context.Background(), participantID); err != nil {
			c.emit(context.Background(), telemetry.SeverityWarn, "done_rejected", participantID, err.Error())
		}
	})
}

// Data enqueues a member-submitted value, such as a bid, for the current
// stage of the member's session.
func (c *Coordinator) Data(participantID, key string, value any) {
	c.Post(func() {
		if err := c.HandleData(context.Background(), participantID, key, value); err != nil {
			c.emit(context.Background(), telemetry.SeverityWarn, "data_rejected", participantID, err.Error())
		}
	})
}

// HandleConnect admits a participant: reconnects go back to their session,
// returning kicked or checked-out participants are redirected, and everyone
// else joins the waiting pool.
func (c *Coordinator) HandleConnect(ctx context.Context, participantID string) error {
	if p := c.reg.Get(participantID); p != nil {
		switch {
		case p.SessionID != "":
			return c.routeReconnect(ctx, p)
		case p.State == registry.StateKickedOut:
			return c.messenger.Redirect(ctx, participantID, transport.DestDisconnected)
		case p.State == registry.StateCheckedOut:
			return c.messenger.Redirect(ctx, participantID, transport.DestCheckedOut)
		case c.pool.Contains(participantID):
			// Transport flap while already pooled.
			c.reg.MarkConnected(participantID)
			c.broadcastPoolStatus(ctx, false)
			return nil
		}
	}
	if c.closed {
		c.notify(ctx, participantID, transport.TopicWaitingStatus, transport.WaitingStatus{RoomClosed: true})
		return nil
	}
	if c.credentials != nil {
		cred, err := c.credentials.CodeExists(ctx, participantID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				return perrors.New(perrors.CodeNotFound,
					fmt.Sprintf("no credential for participant %s", participantID))
			}
			return err
		}
		if cred.CheckedOut {
			return c.messenger.Redirect(ctx, participantID, transport.DestCheckedOut)
		}
		if err := c.credentials.MarkInvalid(ctx, participantID); err != nil {
			return err
		}
	}
	if _, err := c.reg.Touch(participantID); err != nil {
		return err
	}
	if err := c.reg.SetPool(participantID, c.pool.ID()); err != nil {
		return err
	}
	if err := c.pool.Add(participantID); err != nil {
		return err
	}
	c.emit(ctx, telemetry.SeverityInfo, "participant_pooled", participantID,
		fmt.Sprintf("pool=%d", c.pool.Size()))
	c.broadcastPoolStatus(ctx, false)
	return c.observePool(ctx, participantID)
}

// observePool decides what a pool-size increase triggers: an immediate
// dispatch at capacity, a newly armed countdown at the threshold, or a
// remaining-time notice for a newcomer joining a running countdown.
func (c *Coordinator) observePool(ctx context.Context, newcomer string) error {
	if c.pool.Size() >= c.settings.PoolSize {
		return c.dispatch(ctx, "pool_full")
	}
	remaining, armedNow := c.countdown.Observe(c.pool.Size())
	if armedNow {
		c.broadcastPool(ctx, transport.TopicCountdown, transport.CountdownNotice{Remaining: remaining})
	} else if c.countdown.State() == dispatch.TimerArmed {
		c.notify(ctx, newcomer, transport.TopicCountdown, transport.CountdownNotice{Remaining: remaining})
	}
	return nil
}

func (c *Coordinator) onCountdownFired() {
	ctx := context.Background()
	c.countdown.Settle()
	if err := c.dispatch(ctx, "countdown"); err != nil {
		c.emit(ctx, telemetry.SeverityError, "dispatch_failed", "", err.Error())
	}
}

// dispatch matches as many full groups as the pool allows and starts a
// session for each. Leftover participants stay pooled and are told to wait
// for the next round.
func (c *Coordinator) dispatch(ctx context.Context, trigger string) error {
	ctx, span := c.tracer.Start(ctx, "channel.dispatch")
	defer span.End()
	span.SetAttributes(
		attribute.String("channel", c.settings.Name),
		attribute.String("trigger", trigger),
		attribute.Int("pool_size", c.pool.Size()),
	)

	batches, err := c.matcher.Dispatch()
	for _, batch := range batches {
		if serr := c.startSession(ctx, batch); serr != nil && !perrors.IsCode(serr, perrors.CodeSessionAborted) {
			c.emit(ctx, telemetry.SeverityError, "session_start_failed", "", serr.Error())
		}
	}
	c.started += len(batches)
	span.SetAttributes(attribute.Int("batches", len(batches)))

	// A countdown armed before this dispatch refers to a pool that was just
	// drained; cancel it quietly, leftovers get a status update instead.
	if c.countdown.Shrink(c.pool.Size()) {
		c.countdown.Settle()
	}
	if c.pool.Size() > 0 {
		c.broadcastPoolStatus(ctx, true)
	}
	if c.settings.TargetSessions > 0 && c.started >= c.settings.TargetSessions {
		c.closeRoom(ctx)
	}
	if err != nil {
		span.RecordError(err)
		c.emit(ctx, telemetry.SeverityError, "dispatch_failed", "", err.Error())
		return err
	}
	return nil
}

func (c *Coordinator) startSession(ctx context.Context, batch dispatch.Batch) error {
	sessionID, err := c.newID()
	if err != nil {
		c.pool.Restore(batch.Members)
		return err
	}
	plot, err := c.plotFactory()
	if err != nil {
		c.pool.Restore(batch.Members)
		return err
	}
	sess := session.New(sessionID, batch.SessionNumber, batch.Treatment, batch.FirstPass, plot, batch.Members)

	hooks := session.Hooks{OnFinished: c.onSessionFinished}
	if c.settings.TwoPass && batch.FirstPass {
		hooks.OnFirstPassDone = func(ctx context.Context, members []string) {
			c.onFirstPassDone(ctx, sessionID, members)
		}
	}
	runner, err := session.NewRunner(session.Config{
		Session:         sess,
		Registry:        c.reg,
		Messenger:       c.messenger,
		Credentials:     c.credentials,
		Records:         c.records,
		Telemetry:       c.tel,
		Tasks:           c.tasks,
		Settler:         c.settler,
		Hooks:           hooks,
		Channel:         c.settings.Name,
		TargetGroupSize: c.settings.GroupSize,
		GracePeriod:     c.settings.GracePeriod,
		Rand:            c.rand,
		Clock:           c.clock,
	})
	if err != nil {
		c.pool.Restore(batch.Members)
		return err
	}
	c.runners[sessionID] = runner
	if registrar, ok := c.messenger.(transport.GroupRegistrar); ok {
		registrar.SetGroup(sessionID, batch.Members)
	}
	return runner.Start(ctx)
}

func (c *Coordinator) onSessionFinished(_ context.Context, r *session.Runner, _ bool) {
	sessionID := r.Session().ID
	delete(c.runners, sessionID)
	if registrar, ok := c.messenger.(transport.GroupRegistrar); ok {
		registrar.SetGroup(sessionID, nil)
	}
}

// onFirstPassDone schedules the second pass for a finished first-pass
// cohort after the configured break.
func (c *Coordinator) onFirstPassDone(ctx context.Context, sessionID string, members []string) {
	c.emit(ctx, telemetry.SeverityInfo, "first_pass_done", "",
		fmt.Sprintf("session=%s members=%d", sessionID, len(members)))
	c.tasks.Arm("break:"+sessionID, c.settings.BreakDelay, func() {
		c.resumeSecondPass(context.Background(), members)
	})
}

func (c *Coordinator) resumeSecondPass(ctx context.Context, members []string) {
	c.matcher.State.FirstPass = false
	for _, memberID := range members {
		p := c.reg.Get(memberID)
		if p == nil || p.State != registry.StateConnected {
			continue
		}
		if err := c.reg.SetPool(memberID, c.pool.ID()); err != nil {
			c.emit(ctx, telemetry.SeverityWarn, "repool_failed", memberID, err.Error())
			continue
		}
		if err := c.pool.Add(memberID); err != nil {
			c.reg.ClearPlacement(memberID)
			c.emit(ctx, telemetry.SeverityWarn, "repool_failed", memberID, err.Error())
		}
	}
	c.broadcastPoolStatus(ctx, false)
	// The second pass reuses the same cohort, so dispatch as soon as full
	// groups exist instead of waiting for the pool to fill again.
	if c.pool.Size() >= c.matcher.TotalGroupSize() {
		if err := c.dispatch(ctx, "second_pass"); err != nil {
			c.emit(ctx, telemetry.SeverityError, "dispatch_failed", "", err.Error())
		}
	}
}

// HandleDisconnect routes a disconnect either to the participant's session
// or out of the waiting pool.
func (c *Coordinator) HandleDisconnect(ctx context.Context, participantID string) {
	p := c.reg.Get(participantID)
	if p == nil {
		return
	}
	if p.SessionID != "" {
		if runner, ok := c.runners[p.SessionID]; ok {
			runner.OnDisconnect(ctx, participantID)
		}
		return
	}
	if !c.pool.Contains(participantID) {
		return
	}
	c.pool.Remove(participantID)
	c.reg.ClearPlacement(participantID)
	c.reg.MarkDisconnected(participantID)
	if c.credentials != nil {
		if err := c.credentials.MarkValid(ctx, participantID); err != nil && !errors.Is(err, storage.ErrNotFound) {
			c.emit(ctx, telemetry.SeverityError, "credential_release_failed", participantID, err.Error())
		}
	}
	c.emit(ctx, telemetry.SeverityInfo, "participant_left_pool", participantID,
		fmt.Sprintf("pool=%d", c.pool.Size()))
	if c.countdown.Shrink(c.pool.Size()) {
		c.broadcastPool(ctx, transport.TopicCountdownStop, nil)
		c.countdown.Settle()
	}
	c.broadcastPoolStatus(ctx, false)
}

// HandleDone routes a member's stage contribution to their session.
func (c *Coordinator) HandleDone(ctx context.Context, participantID string) error {
	p := c.reg.Get(participantID)
	if p == nil || p.SessionID == "" {
		return nil
	}
	runner, ok := c.runners[p.SessionID]
	if !ok {
		return nil
	}
	return runner.OnMemberDone(ctx, participantID)
}

// HandleData routes a member-submitted value to their session's stage state.
// Data from participants outside a session is dropped.
func (c *Coordinator) HandleData(ctx context.Context, participantID, key string, value any) error {
	p := c.reg.Get(participantID)
	if p == nil || p.SessionID == "" {
		return nil
	}
	runner, ok := c.runners[p.SessionID]
	if !ok {
		return nil
	}
	return runner.OnMemberData(ctx, participantID, key, value)
}

func (c *Coordinator) routeReconnect(ctx context.Context, p *registry.Participant) error {
	runner, ok := c.runners[p.SessionID]
	if !ok {
		c.reg.ClearPlacement(p.ID)
		return c.messenger.Redirect(ctx, p.ID, transport.DestCheckedOut)
	}
	if err := runner.OnReconnect(ctx, p.ID); err != nil {
		if perrors.IsCode(err, perrors.CodeStaleReconnect) {
			c.emit(ctx, telemetry.SeverityWarn, "stale_reconnect", p.ID, err.Error())
			return nil
		}
		return err
	}
	return nil
}

func (c *Coordinator) closeRoom(ctx context.Context) {
	if c.closed {
		return
	}
	c.closed = true
	c.emit(ctx, telemetry.SeverityInfo, "room_closed", "",
		fmt.Sprintf("sessions=%d", c.started))
	if registrar, ok := c.messenger.(transport.GroupRegistrar); ok {
		registrar.SetAudience(c.pool.Members())
		if err := c.messenger.SendToAll(ctx, transport.TopicWaitingStatus, c.poolStatus(true)); err != nil {
			c.emit(ctx, telemetry.SeverityError, "broadcast_failed", "", err.Error())
		}
		return
	}
	c.broadcastPoolStatus(ctx, true)
}

func (c *Coordinator) poolStatus(retry bool) transport.WaitingStatus {
	atLeast := c.settings.CountdownThreshold
	if atLeast == 0 {
		atLeast = c.settings.GroupSize + c.settings.Overbooking
	}
	return transport.WaitingStatus{
		PoolSize:       c.settings.PoolSize,
		Waiting:        c.pool.Size(),
		AtLeastPlayers: atLeast,
		Retry:          retry,
		RoomClosed:     c.closed,
	}
}

func (c *Coordinator) broadcastPoolStatus(ctx context.Context, retry bool) {
	c.broadcastPool(ctx, transport.TopicWaitingStatus, c.poolStatus(retry))
}

func (c *Coordinator) broadcastPool(ctx context.Context, topic transport.Topic, payload any) {
	members := c.pool.Members()
	if registrar, ok := c.messenger.(transport.GroupRegistrar); ok {
		registrar.SetGroup(c.pool.ID(), members)
		if err := c.messenger.SendToGroup(ctx, c.pool.ID(), topic, payload); err != nil {
			c.emit(ctx, telemetry.SeverityError, "broadcast_failed", "", err.Error())
		}
		return
	}
	for _, memberID := range members {
		c.notify(ctx, memberID, topic, payload)
	}
}

func (c *Coordinator) notify(ctx context.Context, to string, topic transport.Topic, payload any) {
	if err := c.messenger.SendToOne(ctx, to, topic, payload); err != nil {
		c.emit(ctx, telemetry.SeverityError, "notify_failed", to, err.Error())
	}
}

func (c *Coordinator) emit(ctx context.Context, severity telemetry.Severity, event, participantID, detail string) {
	_ = c.tel.Emit(ctx, severity, storage.TelemetryEvent{
		Channel:       c.settings.Name,
		Event:         event,
		ParticipantID: participantID,
		Detail:        detail,
	})
}

// PoolSize returns the current waiting-pool size.
func (c *Coordinator) PoolSize() int {
	return c.pool.Size()
}

// ActiveSessions returns the number of live sessions.
func (c *Coordinator) ActiveSessions() int {
	return len(c.runners)
}

// SessionsStarted returns how many sessions have been dispatched.
func (c *Coordinator) SessionsStarted() int {
	return c.started
}

// Closed reports whether the room stopped admitting new participants.
func (c *Coordinator) Closed() bool {
	return c.closed
}
