package scheduler

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// fakeExecutor records starts and lets tests drive run lifecycles by hand.
type fakeExecutor struct {
	mu       sync.Mutex
	started  []RunParams
	emits    map[string]func(RunEvent)
	aborted  []string
	steered  []string
	steerOK  bool
	startErr error // returned by the next Start, then cleared
}

func newFakeExecutor() *fakeExecutor {
	return &fakeExecutor{emits: make(map[string]func(RunEvent))}
}

func (f *fakeExecutor) Start(params RunParams, emit func(RunEvent)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		err := f.startErr
		f.startErr = nil
		return err
	}
	f.started = append(f.started, params)
	f.emits[params.RunID] = emit
	return nil
}

func (f *fakeExecutor) Abort(runID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.aborted = append(f.aborted, runID)
}

func (f *fakeExecutor) Steer(runID, text string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.steerOK {
		f.steered = append(f.steered, text)
	}
	return f.steerOK
}

func (f *fakeExecutor) startedParams() []RunParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]RunParams, len(f.started))
	copy(out, f.started)
	return out
}

func (f *fakeExecutor) finish(runID string, ev RunEvent) {
	f.mu.Lock()
	emit := f.emits[runID]
	f.mu.Unlock()
	ev.RunID = runID
	if ev.State == "" {
		ev.State = RunFinal
	}
	emit(ev)
}

// sfakeClock drives debounce timers deterministically (bus.Clock).
type sfakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*sfakeTimer
}

type sfakeTimer struct {
	clock    *sfakeClock
	deadline time.Time
	f        func()
	stopped  bool
}

func newSfakeClock() *sfakeClock { return &sfakeClock{now: time.Unix(1000, 0)} }

func (c *sfakeClock) AfterFunc(d time.Duration, f func()) bus.Timer {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &sfakeTimer{clock: c, deadline: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (c *sfakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	var due []*sfakeTimer
	for _, t := range c.timers {
		if !t.stopped && !t.deadline.After(c.now) {
			t.stopped = true
			due = append(due, t)
		}
	}
	c.mu.Unlock()
	for _, t := range due {
		t.f()
	}
}

func (t *sfakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func (t *sfakeTimer) Reset(d time.Duration) bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = false
	t.deadline = t.clock.now.Add(d)
	return was
}

func newTestController(t *testing.T, exec Executor) *Controller {
	t.Helper()
	return NewController(Config{Executor: exec})
}

func submit(c *Controller, key, prompt string, settings QueueSettings) Decision {
	return c.Submit(Submission{
		SessionKey: key,
		Prompt:     prompt,
		Origin:     sessions.Route{Channel: "telegram", To: "1"},
		Settings:   settings,
	})
}

func TestSubmit_IdleAlwaysStarts(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)

	d := submit(c, "k", "hello", QueueSettings{Mode: ModeQueue})
	if d.Kind != DecisionStarted {
		t.Fatalf("decision = %v, want started", d.Kind)
	}
	if d.RunID == "" {
		t.Error("started decision must carry a run id")
	}

	active, ok := c.Active("k")
	if !ok || active.RunID != d.RunID {
		t.Errorf("run table mismatch: %+v ok=%v", active, ok)
	}
	if len(exec.startedParams()) != 1 {
		t.Errorf("expected exactly one executor start, got %d", len(exec.started))
	}
	if prompt := exec.startedParams()[0].Prompt; prompt != "hello" {
		t.Errorf("run prompt = %q", prompt)
	}
}

func TestQueueMode_FIFOReplay(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeQueue}

	first := submit(c, "k", "m0", settings)

	const n = 3
	for i := 1; i <= n; i++ {
		d := submit(c, "k", fmt.Sprintf("m%d", i), settings)
		if d.Kind != DecisionQueued {
			t.Fatalf("submit %d: decision = %v, want queued", i, d.Kind)
		}
		if d.PendingDepth != i {
			t.Errorf("submit %d: depth = %d, want %d", i, d.PendingDepth, i)
		}
	}

	// Each completion drains exactly one follow-up, in arrival order.
	runID := first.RunID
	for i := 1; i <= n; i++ {
		exec.finish(runID, RunEvent{State: RunFinal})
		started := exec.startedParams()
		if len(started) != i+1 {
			t.Fatalf("after completion %d: %d runs started, want %d", i, len(started), i+1)
		}
		if got := started[i].Prompt; got != fmt.Sprintf("m%d", i) {
			t.Errorf("run %d prompt = %q, want m%d", i, got, i)
		}
		runID = started[i].RunID
	}

	exec.finish(runID, RunEvent{State: RunFinal})
	if _, ok := c.Active("k"); ok {
		t.Error("no run should remain after the backlog empties")
	}
	if c.PendingLen("k") != 0 {
		t.Error("backlog should be empty")
	}
}

func TestFollowupMode_KeepsOnlyMostRecent(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeFollowup}

	submit(c, "k", "running", settings)
	submit(c, "k", "A", settings)
	d := submit(c, "k", "B", settings)
	if d.Kind != DecisionQueued {
		t.Fatalf("decision = %v, want queued", d.Kind)
	}

	pending := c.Pending("k")
	if len(pending) != 1 {
		t.Fatalf("pending = %d entries, want 1", len(pending))
	}
	if pending[0].Prompt != "B" {
		t.Errorf("pending prompt = %q, want B", pending[0].Prompt)
	}
}

func TestCollectMode_BatchesIntoOneRun(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeCollect}

	first := submit(c, "k", "running", settings)
	for _, p := range []string{"a", "b", "c"} {
		d := submit(c, "k", p, settings)
		if d.Kind != DecisionMerged {
			t.Fatalf("decision = %v, want merged", d.Kind)
		}
	}
	if c.PendingLen("k") != 1 {
		t.Fatalf("collect should keep one batch entry, got %d", c.PendingLen("k"))
	}

	exec.finish(first.RunID, RunEvent{State: RunFinal})

	started := exec.startedParams()
	if len(started) != 2 {
		t.Fatalf("batch should flush as exactly one run, got %d starts", len(started))
	}
	if started[1].Prompt != "a\nb\nc" {
		t.Errorf("batch prompt = %q", started[1].Prompt)
	}
}

func TestDropOld_KeepsMostRecentCapEntries(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeQueue, Cap: 3, DropPolicy: DropOld}

	submit(c, "k", "running", settings)
	for i := 0; i < 5; i++ { // cap + 2
		submit(c, "k", fmt.Sprintf("m%d", i), settings)
	}

	pending := c.Pending("k")
	if len(pending) != 3 {
		t.Fatalf("pending = %d, want cap (3)", len(pending))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if pending[i].Prompt != want {
			t.Errorf("pending[%d] = %q, want %q", i, pending[i].Prompt, want)
		}
	}
}

func TestDropNew_RejectsIncoming(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeQueue, Cap: 1, DropPolicy: DropNew}

	submit(c, "k", "running", settings)
	submit(c, "k", "kept", settings)
	d := submit(c, "k", "rejected", settings)
	if d.Kind != DecisionDropped {
		t.Fatalf("decision = %v, want dropped", d.Kind)
	}

	pending := c.Pending("k")
	if len(pending) != 1 || pending[0].Prompt != "kept" {
		t.Errorf("backlog mutated by rejected message: %+v", pending)
	}
}

func TestDropSummarize_CollapsesBacklog(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeQueue, Cap: 2, DropPolicy: DropSummarize}

	submit(c, "k", "running", settings)
	submit(c, "k", "m0", settings)
	submit(c, "k", "m1", settings)
	submit(c, "k", "m2", settings) // over cap: m0+m1 collapse, m2 appended

	pending := c.Pending("k")
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want placeholder + newest", len(pending))
	}
	if pending[0].Summarized != 2 {
		t.Errorf("placeholder should count 2 messages, got %d", pending[0].Summarized)
	}
	if pending[1].Prompt != "m2" {
		t.Errorf("newest message lost: %q", pending[1].Prompt)
	}

	// Placeholder counts accumulate across repeated collapses.
	submit(c, "k", "m3", settings)
	pending = c.Pending("k")
	if pending[0].Summarized != 3 {
		t.Errorf("placeholder should now stand for 3 messages, got %d", pending[0].Summarized)
	}
}

func TestSteerMode_InjectsOrFallsBack(t *testing.T) {
	exec := newFakeExecutor()
	exec.steerOK = true
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeSteer}

	submit(c, "k", "running", settings)

	d := submit(c, "k", "more context", settings)
	if d.Kind != DecisionMerged {
		t.Fatalf("accepted steer should yield merged, got %v", d.Kind)
	}
	if len(exec.steered) != 1 || exec.steered[0] != "more context" {
		t.Errorf("steered = %v", exec.steered)
	}

	// Run finalizing: executor refuses, message becomes the follow-up.
	exec.steerOK = false
	d = submit(c, "k", "too late", settings)
	if d.Kind != DecisionQueued {
		t.Fatalf("refused steer should fall back to followup, got %v", d.Kind)
	}
	pending := c.Pending("k")
	if len(pending) != 1 || pending[0].Prompt != "too late" {
		t.Errorf("fallback pending = %+v", pending)
	}

	// Followup semantics on repeat: newest replaces.
	submit(c, "k", "even later", settings)
	pending = c.Pending("k")
	if len(pending) != 1 || pending[0].Prompt != "even later" {
		t.Errorf("followup fallback should keep newest only: %+v", pending)
	}
}

func TestSteerBacklog_ReoffersInOrderAndDrains(t *testing.T) {
	exec := newFakeExecutor()
	exec.steerOK = false
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeSteerBacklog, Cap: 10}

	first := submit(c, "k", "running", settings)

	for _, p := range []string{"s0", "s1", "s2"} {
		d := submit(c, "k", p, settings)
		if d.Kind != DecisionQueued {
			t.Fatalf("unsteerable message should queue, got %v", d.Kind)
		}
	}

	// Run starts accepting input again: a delta re-offers the backlog FIFO.
	exec.steerOK = true
	exec.finish(first.RunID, RunEvent{State: RunDelta, Text: "chunk"})
	if got := exec.steered; len(got) != 3 || got[0] != "s0" || got[2] != "s2" {
		t.Errorf("re-offered backlog = %v, want [s0 s1 s2]", got)
	}
	if c.PendingLen("k") != 0 {
		t.Error("steered entries should leave the backlog")
	}

	// Entries still unsteered at completion drain like queue mode.
	exec.steerOK = false
	submit(c, "k", "left over", settings)
	exec.finish(first.RunID, RunEvent{State: RunFinal})
	started := exec.startedParams()
	if len(started) != 2 || started[1].Prompt != "left over" {
		t.Errorf("unsteered entry should drain into a new run: %+v", started)
	}
}

func TestInterrupt_AbortsAndRestarts(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeInterrupt}

	first := submit(c, "k", "long task", settings)

	d := submit(c, "k", "never mind, do this", settings)
	if d.Kind != DecisionInterrupted {
		t.Fatalf("decision = %v, want interrupted", d.Kind)
	}
	if d.AbortedRunID != first.RunID {
		t.Errorf("aborted run = %q, want %q", d.AbortedRunID, first.RunID)
	}
	if d.RunID == "" || d.RunID == first.RunID {
		t.Errorf("replacement run id = %q", d.RunID)
	}
	if len(exec.aborted) != 1 || exec.aborted[0] != first.RunID {
		t.Errorf("abort calls = %v", exec.aborted)
	}

	active, ok := c.Active("k")
	if !ok || active.RunID != d.RunID {
		t.Fatalf("active run should be the replacement: %+v", active)
	}

	// The aborted run's late terminal event must not touch the run table.
	exec.finish(first.RunID, RunEvent{State: RunFinal})
	active, ok = c.Active("k")
	if !ok || active.RunID != d.RunID {
		t.Error("late event for superseded run mutated the run table")
	}
}

func TestInterrupt_StartFailureDrainsBacklog(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)

	first := submit(c, "k", "running", QueueSettings{Mode: ModeQueue})
	submit(c, "k", "held", QueueSettings{Mode: ModeQueue})

	// The replacement run dies at spawn. The aborted run only reports back
	// after it has been superseded, so that terminal event is dropped as
	// stale; the held entry must start anyway.
	exec.startErr = errors.New("spawn failed")
	d := submit(c, "k", "urgent", QueueSettings{Mode: ModeInterrupt})
	if d.Kind != DecisionInterrupted || d.AbortedRunID != first.RunID {
		t.Fatalf("decision = %+v", d)
	}

	exec.finish(first.RunID, RunEvent{State: RunAborted})

	started := exec.startedParams()
	if len(started) != 2 {
		t.Fatalf("backlog should drain past the failed replacement, got %d starts", len(started))
	}
	if started[1].Prompt != "held" {
		t.Errorf("drained prompt = %q, want %q", started[1].Prompt, "held")
	}
	if active, ok := c.Active("k"); !ok || active.RunID != started[1].RunID {
		t.Error("run table should track the drained run")
	}
	if n := c.PendingLen("k"); n != 0 {
		t.Errorf("pending depth = %d, want 0", n)
	}
}

func TestStartFailure_DrainsNextPending(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeQueue}

	first := submit(c, "k", "running", settings)
	submit(c, "k", "will fail to start", settings)
	submit(c, "k", "should still run", settings)

	exec.startErr = errors.New("spawn failed")
	exec.finish(first.RunID, RunEvent{State: RunFinal})

	started := exec.startedParams()
	if len(started) != 2 {
		t.Fatalf("drain should skip the failed start and launch the next entry, got %d starts", len(started))
	}
	if started[1].Prompt != "should still run" {
		t.Errorf("second start prompt = %q", started[1].Prompt)
	}
	if active, ok := c.Active("k"); !ok || active.RunID != started[1].RunID {
		t.Error("run table should track the successfully started run")
	}
}

func TestDebounce_DelaysDrainUntilQuiet(t *testing.T) {
	exec := newFakeExecutor()
	clock := newSfakeClock()
	c := NewController(Config{Executor: exec, Clock: clock})
	settings := QueueSettings{Mode: ModeQueue, DebounceMs: 1000}

	first := submit(c, "k", "running", settings)
	submit(c, "k", "f1", settings)

	exec.finish(first.RunID, RunEvent{State: RunFinal})
	if len(exec.startedParams()) != 1 {
		t.Fatal("drain should wait for the quiet interval")
	}

	// A new arrival while idle joins the backlog and resets the timer.
	clock.Advance(600 * time.Millisecond)
	d := submit(c, "k", "f2", settings)
	if d.Kind != DecisionQueued {
		t.Fatalf("idle arrival during debounce should queue, got %v", d.Kind)
	}

	clock.Advance(600 * time.Millisecond) // 1.2s after completion, 0.6s after f2
	if len(exec.startedParams()) != 1 {
		t.Fatal("timer should have been reset by the new arrival")
	}

	clock.Advance(500 * time.Millisecond)
	started := exec.startedParams()
	if len(started) != 2 {
		t.Fatalf("quiet interval elapsed, drain expected: %d starts", len(started))
	}
	if started[1].Prompt != "f1" {
		t.Errorf("drain order broken: first drained prompt = %q", started[1].Prompt)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeQueue}

	d1 := submit(c, "a", "one", settings)
	d2 := submit(c, "b", "two", settings)
	if d1.Kind != DecisionStarted || d2.Kind != DecisionStarted {
		t.Fatal("runs for different sessions must start independently")
	}
	if len(exec.startedParams()) != 2 {
		t.Errorf("expected two concurrent runs, got %d", len(exec.started))
	}
}

func TestCancelAll_AbortsAndClearsBacklog(t *testing.T) {
	exec := newFakeExecutor()
	c := newTestController(t, exec)
	settings := QueueSettings{Mode: ModeQueue}

	first := submit(c, "k", "running", settings)
	submit(c, "k", "pending", settings)

	if !c.CancelAll("k") {
		t.Fatal("cancel should report work was cancelled")
	}
	if len(exec.aborted) != 1 || exec.aborted[0] != first.RunID {
		t.Errorf("abort calls = %v", exec.aborted)
	}
	if c.PendingLen("k") != 0 {
		t.Error("backlog should be cleared")
	}

	// The aborted run's terminal event finds nothing left to drain.
	exec.finish(first.RunID, RunEvent{State: RunAborted})
	if len(exec.startedParams()) != 1 {
		t.Error("no new run should start after cancel-all")
	}
}

func TestController_PersistsSessionEntry(t *testing.T) {
	exec := newFakeExecutor()
	store := sessions.NewStore(filepath.Join(t.TempDir(), "sessions.json"), 0)
	c := NewController(Config{Executor: exec, Store: store})

	d := c.Submit(Submission{
		SessionKey: "agent:default:telegram:direct:7",
		Prompt:     "hi",
		Origin:     sessions.Route{Channel: "telegram", To: "7"},
		Settings:   QueueSettings{Mode: ModeQueue},
	})

	// Entry is created on the first inbound message.
	entry, err := store.Get("agent:default:telegram:direct:7")
	if err != nil {
		t.Fatal(err)
	}
	if entry == nil || entry.SessionID == "" {
		t.Fatal("first message should create a session entry")
	}
	sessionID := entry.SessionID

	exec.finish(d.RunID, RunEvent{State: RunFinal, InputTokens: 100, OutputTokens: 25})

	entry, err = store.Get("agent:default:telegram:direct:7")
	if err != nil {
		t.Fatal(err)
	}
	if entry.InputTokens != 100 || entry.OutputTokens != 25 || entry.TotalTokens != 125 {
		t.Errorf("token counters not folded in: %+v", entry)
	}
	if entry.SessionID != sessionID {
		t.Error("completion must not rotate the session id")
	}
	if entry.LastRoute == nil || entry.LastRoute.Channel != "telegram" || entry.LastRoute.To != "7" {
		t.Errorf("lastRoute = %+v", entry.LastRoute)
	}
}

func TestDedupWiring_SameMessageIDOnce(t *testing.T) {
	// The dedupe filter sits in front of the controller; this covers the
	// pairing the consumer relies on.
	exec := newFakeExecutor()
	c := newTestController(t, exec)
	dedupe := bus.NewDedupeCache(time.Minute, 100)

	decisions := 0
	for i := 0; i < 2; i++ {
		if dedupe.ShouldAccept(bus.DedupeMessageID, "k", "msg-1", "hello", 0) {
			submit(c, "k", "hello", QueueSettings{Mode: ModeQueue})
			decisions++
		}
	}
	if decisions != 1 {
		t.Errorf("same message id should reach the controller once, got %d", decisions)
	}
	if len(exec.startedParams()) != 1 {
		t.Errorf("expected one run, got %d", len(exec.started))
	}
}
