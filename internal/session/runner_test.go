package session

import (
	"context"
	"testing"
	"time"

	"github.com/cohortlab/cohort/internal/dispatch"
	perrors "github.com/cohortlab/cohort/internal/platform/errors"
	"github.com/cohortlab/cohort/internal/platform/random"
	"github.com/cohortlab/cohort/internal/registry"
	"github.com/cohortlab/cohort/internal/storage"
	"github.com/cohortlab/cohort/internal/transport"
	"github.com/cohortlab/cohort/internal/treatment"
)

// manualScheduler collects scheduled callbacks and fires them on demand.
type manualScheduler struct {
	queue []*manualTask
}

type manualTask struct {
	fn        func()
	cancelled bool
}

func (m *manualScheduler) After(_ time.Duration, fn func()) func() {
	task := &manualTask{fn: fn}
	m.queue = append(m.queue, task)
	return func() { task.cancelled = true }
}

func (m *manualScheduler) fire() {
	queue := m.queue
	m.queue = nil
	for _, task := range queue {
		if !task.cancelled {
			task.fn()
		}
	}
}

type fakeCredentials struct {
	creds map[string]storage.Credential
}

func newFakeCredentials(ids ...string) *fakeCredentials {
	f := &fakeCredentials{creds: make(map[string]storage.Credential)}
	for _, id := range ids {
		f.creds[id] = storage.Credential{ID: id, AccessCode: "ac-" + id, ExitCode: "exit-" + id}
	}
	return f
}

func (f *fakeCredentials) CodeExists(_ context.Context, id string) (storage.Credential, error) {
	cred, ok := f.creds[id]
	if !ok {
		return storage.Credential{}, storage.ErrNotFound
	}
	return cred, nil
}

func (f *fakeCredentials) MarkValid(_ context.Context, id string) error {
	return f.setValid(id, true)
}

func (f *fakeCredentials) MarkInvalid(_ context.Context, id string) error {
	return f.setValid(id, false)
}

func (f *fakeCredentials) setValid(id string, valid bool) error {
	cred, ok := f.creds[id]
	if !ok {
		return storage.ErrNotFound
	}
	cred.Valid = valid
	f.creds[id] = cred
	return nil
}

func (f *fakeCredentials) CheckOut(_ context.Context, id string, exit storage.ExitInfo) error {
	cred, ok := f.creds[id]
	if !ok {
		return storage.ErrNotFound
	}
	cred.CheckedOut = true
	cred.ExitCode = exit.ExitCode
	cred.Win = exit.Win
	f.creds[id] = cred
	return nil
}

func (f *fakeCredentials) UpdateCode(_ context.Context, id string, patch storage.CredentialPatch) error {
	cred, ok := f.creds[id]
	if !ok {
		return storage.ErrNotFound
	}
	if patch.Valid != nil {
		cred.Valid = *patch.Valid
	}
	if patch.Disconnected != nil {
		cred.Disconnected = *patch.Disconnected
	}
	if patch.KickedOut != nil {
		cred.KickedOut = *patch.KickedOut
	}
	if patch.StagePos != nil {
		cred.StagePos = *patch.StagePos
	}
	if patch.Win != nil {
		cred.Win = *patch.Win
	}
	f.creds[id] = cred
	return nil
}

func (f *fakeCredentials) CountAvailable(_ context.Context) (int, error) {
	n := 0
	for _, cred := range f.creds {
		if cred.Valid && !cred.CheckedOut {
			n++
		}
	}
	return n, nil
}

type fakeSettler struct {
	exits map[string]storage.ExitInfo
}

func (f *fakeSettler) Settle(_ context.Context, _ string, memberID string) (storage.ExitInfo, error) {
	return f.exits[memberID], nil
}

type fixture struct {
	runner *Runner
	sess   *Session
	reg    *registry.Registry
	loop   *transport.Loopback
	creds  *fakeCredentials
	sched  *manualScheduler
	tasks  *dispatch.Tasks
}

func newFixture(t *testing.T, ids []string, target int, firstPass bool, settler Settler, hooks Hooks) *fixture {
	t.Helper()
	reg := registry.New()
	for _, id := range ids {
		if _, err := reg.Touch(id); err != nil {
			t.Fatal(err)
		}
	}
	loop := transport.NewLoopback()
	sched := &manualScheduler{}
	tasks := dispatch.NewTasks(sched)
	creds := newFakeCredentials(ids...)
	sess := New("s1", 1, treatment.Treatment{Name: "exo_v20"}, firstPass, testPlot(t), ids)

	runner, err := NewRunner(Config{
		Session:         sess,
		Registry:        reg,
		Messenger:       loop,
		Credentials:     creds,
		Tasks:           tasks,
		Settler:         settler,
		Hooks:           hooks,
		Channel:         "merit",
		TargetGroupSize: target,
		GracePeriod:     30 * time.Second,
		Rand:            random.NewSeededRand(5),
		Clock:           func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("NewRunner: %v", err)
	}
	return &fixture{runner: runner, sess: sess, reg: reg, loop: loop, creds: creds, sched: sched, tasks: tasks}
}

func topicsFor(loop *transport.Loopback, id string) []transport.Topic {
	var out []transport.Topic
	for _, msg := range loop.MessagesFor(id) {
		out = append(out, msg.Topic)
	}
	return out
}

func lastStepOrder(t *testing.T, loop *transport.Loopback, id string) transport.StepOrder {
	t.Helper()
	msgs := loop.MessagesFor(id)
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Topic == transport.TopicStep {
			order, ok := msgs[i].Payload.(transport.StepOrder)
			if !ok {
				t.Fatalf("step payload has type %T", msgs[i].Payload)
			}
			return order
		}
	}
	t.Fatalf("no step order delivered to %s", id)
	return transport.StepOrder{}
}

func allDone(t *testing.T, f *fixture, ids ...string) {
	t.Helper()
	for _, id := range ids {
		if err := f.runner.OnMemberDone(context.Background(), id); err != nil {
			t.Fatalf("OnMemberDone(%s): %v", id, err)
		}
	}
}

func TestStartEntersFirstStep(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})

	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.sess.Status != StatusRunning {
		t.Fatalf("expected running, got %v", f.sess.Status)
	}
	for _, id := range ids {
		order := lastStepOrder(t, f.loop, id)
		if order.StagePos != "1.1.1" || order.CatchUp {
			t.Fatalf("member %s got step %+v", id, order)
		}
		p := f.reg.Get(id)
		if p.Placement != registry.PlacementSession || p.SessionID != "s1" {
			t.Fatalf("member %s not placed in session: %+v", id, p)
		}
	}
	if err := f.reg.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestOverbookingTrimsSurplus(t *testing.T) {
	ids := []string{"a", "b", "c", "d", "e", "f"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})

	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if f.sess.Size() != 4 {
		t.Fatalf("expected 4 members after trim, got %d", f.sess.Size())
	}

	trimmed := 0
	for _, id := range ids {
		dest, ok := f.loop.RedirectFor(id)
		if !ok {
			continue
		}
		trimmed++
		if dest != transport.DestOverbooked {
			t.Fatalf("trimmed member %s redirected to %s", id, dest)
		}
		if f.sess.IsMember(id) {
			t.Fatalf("trimmed member %s still in session", id)
		}
		if !f.creds.creds[id].CheckedOut {
			t.Fatalf("trimmed member %s not checked out", id)
		}
		if f.reg.Get(id).State != registry.StateCheckedOut {
			t.Fatalf("trimmed member %s has state %v", id, f.reg.Get(id).State)
		}
	}
	if trimmed != 2 {
		t.Fatalf("expected 2 trimmed members, got %d", trimmed)
	}
	if err := f.reg.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestOverbookingToleratesOneMissing(t *testing.T) {
	f := newFixture(t, []string{"a", "b", "c"}, 4, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatalf("short-handed start must proceed: %v", err)
	}
	if f.sess.Status != StatusRunning || f.sess.Size() != 3 {
		t.Fatalf("expected a running session of 3, got %v size %d", f.sess.Status, f.sess.Size())
	}
}

func TestOverbookingAbortsBelowTolerance(t *testing.T) {
	ids := []string{"a", "b"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})

	err := f.runner.Start(context.Background())
	if !perrors.IsCode(err, perrors.CodeSessionAborted) {
		t.Fatalf("expected session aborted error, got %v", err)
	}
	if f.sess.Status != StatusAborted {
		t.Fatalf("expected aborted status, got %v", f.sess.Status)
	}
	for _, id := range ids {
		if dest, ok := f.loop.RedirectFor(id); !ok || dest != transport.DestAborted {
			t.Fatalf("member %s redirect = %s, %v", id, dest, ok)
		}
	}
}

func TestLockstepWaitsForEveryMember(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	allDone(t, f, "a", "b", "c")
	if order := lastStepOrder(t, f.loop, "a"); order.StagePos != "1.1.1" {
		t.Fatalf("group advanced before all members were done: %+v", order)
	}

	allDone(t, f, "d")
	for _, id := range ids {
		if order := lastStepOrder(t, f.loop, id); order.StagePos != "2.1.1" {
			t.Fatalf("member %s at %s after full completion", id, order.StagePos)
		}
	}
}

func TestRepeatedStageRunsAllRounds(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	allDone(t, f, ids...) // instructions done
	if order := lastStepOrder(t, f.loop, "a"); order.StagePos != "2.1.1" {
		t.Fatalf("expected round 1, got %s", order.StagePos)
	}
	allDone(t, f, ids...) // round 1 done
	if order := lastStepOrder(t, f.loop, "a"); order.StagePos != "2.1.2" {
		t.Fatalf("expected round 2, got %s", order.StagePos)
	}
	allDone(t, f, ids...) // round 2 done, plot ends
	if f.sess.Status != StatusEnded {
		t.Fatalf("expected ended session, got %v", f.sess.Status)
	}
}

func TestFinishSettlesAndChecksOut(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	settler := &fakeSettler{exits: map[string]storage.ExitInfo{
		"a": {ExitCode: "xa", Win: 12.5},
		"b": {ExitCode: "xb", Win: 3},
		"c": {ExitCode: "xc", Win: 0},
		"d": {ExitCode: "xd", Win: 7.25},
	}}
	f := newFixture(t, ids, 4, false, settler, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	allDone(t, f, ids...)
	allDone(t, f, ids...)
	allDone(t, f, ids...)

	for _, id := range ids {
		cred := f.creds.creds[id]
		if !cred.CheckedOut {
			t.Fatalf("member %s not checked out", id)
		}
		if cred.ExitCode != settler.exits[id].ExitCode || cred.Win != settler.exits[id].Win {
			t.Fatalf("member %s settled as %+v", id, cred)
		}
		if f.reg.Get(id).State != registry.StateCheckedOut {
			t.Fatalf("member %s registry state %v", id, f.reg.Get(id).State)
		}
		topics := topicsFor(f.loop, id)
		if topics[len(topics)-1] != transport.TopicSettlement {
			t.Fatalf("member %s final topic %v", id, topics[len(topics)-1])
		}
	}
	if err := f.reg.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestFirstPassHandsMembersBack(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	settler := &fakeSettler{exits: map[string]storage.ExitInfo{
		"a": {Win: 4}, "b": {Win: 4}, "c": {Win: 4}, "d": {Win: 4},
	}}
	var handedBack []string
	hooks := Hooks{OnFirstPassDone: func(_ context.Context, members []string) {
		handedBack = members
	}}
	f := newFixture(t, ids, 4, true, settler, hooks)
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	allDone(t, f, ids...)
	allDone(t, f, ids...)
	allDone(t, f, ids...)

	if len(handedBack) != 4 {
		t.Fatalf("expected 4 members handed back, got %v", handedBack)
	}
	for _, id := range ids {
		cred := f.creds.creds[id]
		if cred.CheckedOut {
			t.Fatalf("first-pass member %s checked out early", id)
		}
		if cred.Win != 4 {
			t.Fatalf("first-pass member %s win %v", id, cred.Win)
		}
		p := f.reg.Get(id)
		if p.Placement != registry.PlacementNone || p.State != registry.StateConnected {
			t.Fatalf("first-pass member %s left as %+v", id, p)
		}
	}
}

func TestDisconnectOnSensitiveStagePausesGroup(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	allDone(t, f, ids...) // enter the sensitive stage

	f.runner.OnDisconnect(context.Background(), "b")

	if !f.sess.Paused() {
		t.Fatal("expected the group to pause")
	}
	if !f.tasks.Armed("grace:s1") {
		t.Fatal("expected a grace window armed")
	}
	for _, id := range []string{"a", "c", "d"} {
		topics := topicsFor(f.loop, id)
		if topics[len(topics)-1] != transport.TopicPause {
			t.Fatalf("member %s last topic %v, expected pause", id, topics[len(topics)-1])
		}
	}
	if !f.creds.creds["b"].Disconnected {
		t.Fatal("credential not flagged disconnected")
	}

	// Contributions while paused are recorded but do not advance the group.
	allDone(t, f, "a", "c", "d")
	if order := lastStepOrder(t, f.loop, "a"); order.StagePos != "2.1.1" {
		t.Fatalf("paused group advanced to %s", order.StagePos)
	}
}

func TestGraceExpiryKicksAndResumes(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	allDone(t, f, ids...)
	f.runner.OnDisconnect(context.Background(), "b")
	allDone(t, f, "a", "c", "d")

	f.sched.fire()

	if f.sess.IsMember("b") {
		t.Fatal("kicked member still in session")
	}
	if !f.creds.creds["b"].KickedOut {
		t.Fatal("credential not flagged kicked out")
	}
	if f.reg.Get("b").State != registry.StateKickedOut {
		t.Fatalf("registry state %v", f.reg.Get("b").State)
	}
	// The survivors were all done, so the kick resumes and advances.
	for _, id := range []string{"a", "c", "d"} {
		if order := lastStepOrder(t, f.loop, id); order.StagePos != "2.1.2" {
			t.Fatalf("member %s at %s after resume", id, order.StagePos)
		}
	}
	if err := f.reg.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestReconnectReplaysMissedMessagesInOrder(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	allDone(t, f, ids...)
	f.runner.OnDisconnect(context.Background(), "b")

	// Stage traffic sent while b is away is journaled, not delivered.
	if err := f.runner.broadcastJournaled(context.Background(), transport.TopicPeerList, "bid:1"); err != nil {
		t.Fatal(err)
	}
	if err := f.runner.broadcastJournaled(context.Background(), transport.TopicPeerList, "bid:2"); err != nil {
		t.Fatal(err)
	}
	before := len(f.loop.MessagesFor("b"))

	if err := f.runner.OnReconnect(context.Background(), "b"); err != nil {
		t.Fatalf("OnReconnect: %v", err)
	}

	msgs := f.loop.MessagesFor("b")[before:]
	var got []transport.Topic
	for _, msg := range msgs {
		got = append(got, msg.Topic)
	}
	want := []transport.Topic{
		transport.TopicPeerList,
		transport.TopicStep,
		transport.TopicPeerList,
		transport.TopicPeerList,
		transport.TopicResume,
	}
	if len(got) != len(want) {
		t.Fatalf("reconnect traffic %v, expected %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("reconnect traffic %v, expected %v", got, want)
		}
	}
	if order, ok := msgs[1].Payload.(transport.StepOrder); !ok || !order.CatchUp || order.StagePos != "1.1.1" {
		t.Fatalf("expected catch-up order one step behind, got %+v", msgs[1].Payload)
	}
	if msgs[2].Payload != "bid:1" || msgs[3].Payload != "bid:2" {
		t.Fatalf("replay out of order: %v then %v", msgs[2].Payload, msgs[3].Payload)
	}
	if f.tasks.Armed("grace:s1") {
		t.Fatal("grace window survived a full reconnect")
	}
	if f.creds.creds["b"].Disconnected {
		t.Fatal("credential still flagged disconnected")
	}

	// A second reconnect must not replay the same messages again.
	if err := f.runner.OnReconnect(context.Background(), "b"); !perrors.IsCode(err, perrors.CodeStaleReconnect) {
		t.Fatalf("expected stale reconnect, got %v", err)
	}
}

func TestReconnectAfterKickRedirects(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	allDone(t, f, ids...)
	f.runner.OnDisconnect(context.Background(), "b")
	f.sched.fire()

	if err := f.runner.OnReconnect(context.Background(), "b"); err != nil {
		t.Fatalf("kicked reconnect must be handled, got %v", err)
	}
	if dest, ok := f.loop.RedirectFor("b"); !ok || dest != transport.DestDisconnected {
		t.Fatalf("expected disconnected redirect, got %s, %v", dest, ok)
	}
	if f.sess.IsMember("b") {
		t.Fatal("kicked member was re-added")
	}
}

func TestReconnectWithoutDisconnectIsStale(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	if err := f.runner.OnReconnect(context.Background(), "a"); !perrors.IsCode(err, perrors.CodeStaleReconnect) {
		t.Fatalf("expected stale reconnect error, got %v", err)
	}
}

func TestEarlyDisconnectOpensGraceOnSensitiveStageEntry(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// b drops on the insensitive first stage; no window opens yet and the
	// survivors advance without them.
	f.runner.OnDisconnect(context.Background(), "b")
	allDone(t, f, "a", "c", "d")

	if order := lastStepOrder(t, f.loop, "a"); order.StagePos != "2.1.1" {
		t.Fatalf("survivors stuck at %s", order.StagePos)
	}
	if !f.sess.Paused() {
		t.Fatal("expected pause on sensitive stage entry with a member missing")
	}
	if !f.tasks.Armed("grace:s1") {
		t.Fatal("expected a grace window armed on sensitive stage entry")
	}

	// Contributions cannot advance the paused group.
	allDone(t, f, "a", "c", "d")
	if order := lastStepOrder(t, f.loop, "a"); order.StagePos != "2.1.1" {
		t.Fatalf("paused group advanced to %s", order.StagePos)
	}

	// The window expires, the absentee is kicked, and the round resolves.
	f.sched.fire()
	if f.sess.IsMember("b") {
		t.Fatal("expired member still in session")
	}
	for _, id := range []string{"a", "c", "d"} {
		if order := lastStepOrder(t, f.loop, id); order.StagePos != "2.1.2" {
			t.Fatalf("member %s at %s after the kick", id, order.StagePos)
		}
	}
	if err := f.reg.CheckInvariant(); err != nil {
		t.Fatal(err)
	}
}

func TestMemberDataRoutesToStageState(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	if err := f.runner.OnMemberData(context.Background(), "a", "contribution", 7.5); err != nil {
		t.Fatal(err)
	}
	if v, ok := f.runner.sctx.Get("a", "contribution"); !ok || v != 7.5 {
		t.Fatalf("stored value %v, %v", v, ok)
	}

	// Values from members with an outstanding disconnect are dropped.
	f.runner.OnDisconnect(context.Background(), "b")
	if err := f.runner.OnMemberData(context.Background(), "b", "contribution", 1.0); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.runner.sctx.Get("b", "contribution"); ok {
		t.Fatal("disconnected member wrote stage state")
	}

	// Leaving the stage discards its values.
	allDone(t, f, "a", "c", "d")
	if _, ok := f.runner.sctx.Get("a", "contribution"); ok {
		t.Fatal("stage state survived the stage transition")
	}
}

func TestDisconnectOnInsensitiveStageDoesNotPause(t *testing.T) {
	ids := []string{"a", "b", "c", "d"}
	f := newFixture(t, ids, 4, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The first stage is not membership sensitive.
	f.runner.OnDisconnect(context.Background(), "b")
	if f.sess.Paused() {
		t.Fatal("insensitive stage paused the group")
	}
	if f.tasks.Armed("grace:s1") {
		t.Fatal("grace window armed on an insensitive stage")
	}

	// The group proceeds without the absent member.
	allDone(t, f, "a", "c", "d")
	if order := lastStepOrder(t, f.loop, "a"); order.StagePos != "2.1.1" {
		t.Fatalf("group stuck at %s", order.StagePos)
	}
}

func TestAutoStageAdvancesWithoutContributions(t *testing.T) {
	ids := []string{"a", "b"}
	ran := 0
	plot, err := NewPlot(
		Stage{ID: "setup", Kind: StageNormal, Auto: true, Steps: []Step{{
			ID: "setup",
			Run: func(context.Context, *Context) (Outcome, error) {
				ran++
				return OutcomeSuccess, nil
			},
		}}},
		Stage{ID: "play", Kind: StageNormal},
		Stage{ID: "end", Kind: StageTerminal},
	)
	if err != nil {
		t.Fatal(err)
	}

	reg := registry.New()
	for _, id := range ids {
		if _, err := reg.Touch(id); err != nil {
			t.Fatal(err)
		}
	}
	loop := transport.NewLoopback()
	sess := New("s1", 1, treatment.Treatment{Name: "random"}, false, plot, ids)
	runner, err := NewRunner(Config{
		Session:         sess,
		Registry:        reg,
		Messenger:       loop,
		Tasks:           dispatch.NewTasks(&manualScheduler{}),
		Channel:         "merit",
		TargetGroupSize: 2,
		GracePeriod:     30 * time.Second,
		Rand:            random.NewSeededRand(5),
	})
	if err != nil {
		t.Fatal(err)
	}

	if err := runner.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if ran != 1 {
		t.Fatalf("auto stage ran %d times", ran)
	}
	// Without any member contribution the group already sits on stage two.
	if order := lastStepOrder(t, loop, "a"); order.StagePos != "2.1.1" {
		t.Fatalf("expected automatic advance to 2.1.1, got %s", order.StagePos)
	}
}

func TestEveryMemberKickedAbortsSession(t *testing.T) {
	ids := []string{"a", "b", "c"}
	f := newFixture(t, ids, 3, false, nil, Hooks{})
	if err := f.runner.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	allDone(t, f, ids...)
	for _, id := range ids {
		f.runner.OnDisconnect(context.Background(), id)
	}
	f.sched.fire()

	if f.sess.Status != StatusAborted {
		t.Fatalf("expected aborted session, got %v", f.sess.Status)
	}
}
