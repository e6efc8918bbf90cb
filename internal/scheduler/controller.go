package scheduler

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nextlevelbuilder/clawgate/internal/bus"
	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// collectSeparator joins batched prompts in collect mode.
const collectSeparator = "\n"

// Config configures a Controller.
type Config struct {
	Executor Executor
	Store    *sessions.Store    // optional: nil skips persistence
	Events   bus.EventPublisher // optional: lifecycle event broadcast
	Clock    bus.Clock          // optional: defaults to runtime timers
}

// Controller is the run queue controller: one queue per session key, at most
// one active run per key, and a bounded backlog of pending follow-ups.
//
// Locking is striped per session key. The map of queues is guarded by one
// mutex held only for lookup; every decision for a key happens under that
// key's own mutex, so cross-session submits never contend.
type Controller struct {
	executor Executor
	store    *sessions.Store
	events   bus.EventPublisher
	clock    bus.Clock

	mu     sync.Mutex
	queues map[string]*sessionQueue
}

type sessionQueue struct {
	mu sync.Mutex

	key      string
	settings QueueSettings

	active       *RunState
	activeParams RunParams

	pending []PendingFollowup

	drainTimer bus.Timer
}

// NewController creates a controller driving the given executor.
func NewController(cfg Config) *Controller {
	clock := cfg.Clock
	if clock == nil {
		clock = bus.RealClock()
	}
	return &Controller{
		executor: cfg.Executor,
		store:    cfg.Store,
		events:   cfg.Events,
		clock:    clock,
		queues:   make(map[string]*sessionQueue),
	}
}

// Submission is one inbound message offered to the controller.
type Submission struct {
	SessionKey string
	Prompt     string
	MessageID  string
	Origin     sessions.Route
	Settings   QueueSettings
}

// Submit decides the fate of one message. It blocks only on the session's
// own mutex, never on the agent run itself. Executor start failures surface
// on the event stream as run.failed, not as a Submit outcome.
func (c *Controller) Submit(sub Submission) Decision {
	settings := sub.Settings.normalized()
	entry := PendingFollowup{
		Prompt:     sub.Prompt,
		MessageID:  sub.MessageID,
		EnqueuedAt: time.Now(),
		Origin:     sub.Origin,
	}

	q := c.queue(sub.SessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.settings = settings

	if q.active == nil {
		// Idle but holding a debounced backlog: fold the message in per mode
		// so arrival order is preserved, and keep waiting for quiet.
		if len(q.pending) > 0 && settings.Mode != ModeInterrupt {
			d := c.holdLocked(q, settings, entry)
			c.scheduleDrainLocked(q)
			return d
		}
		runID := c.startRunLocked(q, entry)
		if q.active == nil {
			// Start failed; do not leave an existing backlog wedged.
			c.drainLocked(q)
		}
		return Decision{Kind: DecisionStarted, RunID: runID}
	}

	switch settings.Mode {
	case ModeFollowup:
		return c.holdFollowupLocked(q, settings, entry)

	case ModeCollect:
		return c.collectLocked(q, entry)

	case ModeSteer:
		if c.executor.Steer(q.active.RunID, entry.Prompt) {
			c.broadcast("run.steered", map[string]interface{}{
				"session": q.key, "run_id": q.active.RunID,
			})
			return Decision{Kind: DecisionMerged}
		}
		// Run is already finalizing: keep the message as a follow-up.
		return c.holdFollowupLocked(q, settings, entry)

	case ModeSteerBacklog:
		if len(q.pending) == 0 && c.executor.Steer(q.active.RunID, entry.Prompt) {
			c.broadcast("run.steered", map[string]interface{}{
				"session": q.key, "run_id": q.active.RunID,
			})
			return Decision{Kind: DecisionMerged}
		}
		return c.enqueueLocked(q, settings, entry)

	case ModeInterrupt:
		aborted := q.active.RunID
		// Best-effort abort: do not wait for a clean stop before starting
		// the replacement. The aborted run's late terminal event is ignored
		// because its run id no longer matches the active one.
		c.executor.Abort(aborted)
		q.active = nil
		runID := c.startRunLocked(q, entry)
		c.broadcast("run.interrupted", map[string]interface{}{
			"session": q.key, "aborted_run_id": aborted, "run_id": runID,
		})
		if q.active == nil {
			// The replacement failed to start and the aborted run's late
			// terminal event will be dropped as stale, so drain here or the
			// backlog sits until the next inbound message.
			c.drainLocked(q)
		}
		return Decision{Kind: DecisionInterrupted, AbortedRunID: aborted, RunID: runID}

	default: // ModeQueue
		return c.enqueueLocked(q, settings, entry)
	}
}

// HandleEvent consumes one executor event for a session. Executors normally
// reach it through the emit callback handed to Start; it is exported so
// tests and out-of-process event bridges can drive it directly.
func (c *Controller) HandleEvent(sessionKey string, ev RunEvent) {
	q := c.queue(sessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.active == nil || q.active.RunID != ev.RunID {
		// Stale event from a superseded run (interrupt path): drop it so it
		// cannot mutate the run table or double-drain the backlog.
		if ev.IsTerminal() {
			slog.Debug("scheduler: ignoring terminal event for stale run",
				"session", sessionKey, "run", ev.RunID)
		}
		return
	}

	switch ev.State {
	case RunStart:
		// Run table was updated at start; nothing to do.

	case RunDelta:
		if q.settings.Mode == ModeSteerBacklog && len(q.pending) > 0 {
			c.reofferBacklogLocked(q)
		}

	case RunFinal, RunAborted, RunError:
		origin := q.activeParams.Origin
		q.active = nil
		c.finishSession(q.key, ev, origin)
		c.broadcast(terminalEventName(ev.State), map[string]interface{}{
			"session": q.key, "run_id": ev.RunID, "error": ev.Err,
			"text": ev.Text, "channel": origin.Channel, "to": origin.To,
			"thread_id": origin.ThreadID,
		})
		if len(q.pending) > 0 {
			if q.settings.DebounceMs > 0 {
				c.scheduleDrainLocked(q)
			} else {
				c.drainLocked(q)
			}
		}
	}
}

// CancelActive aborts the session's active run, if any. The backlog is left
// alone; the run's terminal event drains it as usual.
func (c *Controller) CancelActive(sessionKey string) bool {
	q := c.queue(sessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return false
	}
	c.executor.Abort(q.active.RunID)
	return true
}

// CancelAll aborts the active run and discards every pending follow-up.
func (c *Controller) CancelAll(sessionKey string) bool {
	q := c.queue(sessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()

	cancelled := false
	if q.active != nil {
		c.executor.Abort(q.active.RunID)
		cancelled = true
	}
	if len(q.pending) > 0 {
		cancelled = true
	}
	q.pending = nil
	if q.drainTimer != nil {
		q.drainTimer.Stop()
		q.drainTimer = nil
	}
	return cancelled
}

// Active returns the session's active run state, if any.
func (c *Controller) Active(sessionKey string) (RunState, bool) {
	q := c.queue(sessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.active == nil {
		return RunState{}, false
	}
	return *q.active, true
}

// PendingLen reports the session's backlog depth.
func (c *Controller) PendingLen(sessionKey string) int {
	q := c.queue(sessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the session's backlog (status/test use).
func (c *Controller) Pending(sessionKey string) []PendingFollowup {
	q := c.queue(sessionKey)
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]PendingFollowup, len(q.pending))
	copy(out, q.pending)
	return out
}

func (c *Controller) queue(key string) *sessionQueue {
	c.mu.Lock()
	defer c.mu.Unlock()
	q, ok := c.queues[key]
	if !ok {
		q = &sessionQueue{key: key}
		c.queues[key] = q
	}
	return q
}

// holdLocked folds a message into an idle session's held backlog per mode.
func (c *Controller) holdLocked(q *sessionQueue, settings QueueSettings, entry PendingFollowup) Decision {
	switch settings.Mode {
	case ModeFollowup, ModeSteer:
		return c.holdFollowupLocked(q, settings, entry)
	case ModeCollect:
		return c.collectLocked(q, entry)
	default:
		return c.enqueueLocked(q, settings, entry)
	}
}

// holdFollowupLocked keeps only the single most recent follow-up unless a
// larger cap was explicitly configured.
func (c *Controller) holdFollowupLocked(q *sessionQueue, settings QueueSettings, entry PendingFollowup) Decision {
	if settings.Cap > 1 {
		return c.enqueueLocked(q, settings, entry)
	}
	if len(q.pending) > 0 {
		replaced := q.pending[len(q.pending)-1]
		c.broadcast("run.followup_replaced", map[string]interface{}{
			"session": q.key, "message_id": replaced.MessageID,
		})
	}
	q.pending = []PendingFollowup{entry}
	return Decision{Kind: DecisionQueued, PendingDepth: 1}
}

// enqueueLocked appends a follow-up, enforcing cap/dropPolicy at insertion.
func (c *Controller) enqueueLocked(q *sessionQueue, settings QueueSettings, entry PendingFollowup) Decision {
	if settings.Cap > 0 && len(q.pending) >= settings.Cap {
		switch settings.DropPolicy {
		case DropNew:
			c.broadcast("run.dropped", map[string]interface{}{
				"session": q.key, "message_id": entry.MessageID, "reason": "backlog full",
			})
			return Decision{Kind: DecisionDropped, Reason: "backlog full"}

		case DropSummarize:
			q.pending = []PendingFollowup{summarizeBacklog(q.pending)}

		default: // DropOld
			dropped := q.pending[0]
			q.pending = q.pending[1:]
			c.broadcast("run.dropped", map[string]interface{}{
				"session": q.key, "message_id": dropped.MessageID, "reason": "backlog full, dropped oldest",
			})
		}
	}

	q.pending = append(q.pending, entry)
	return Decision{Kind: DecisionQueued, PendingDepth: len(q.pending)}
}

// collectLocked accumulates messages into one batch entry flushed as a
// single follow-up run.
func (c *Controller) collectLocked(q *sessionQueue, entry PendingFollowup) Decision {
	if len(q.pending) == 0 {
		q.pending = []PendingFollowup{entry}
	} else {
		batch := &q.pending[0]
		batch.Prompt += collectSeparator + entry.Prompt
		batch.MessageID = entry.MessageID
		batch.Origin = entry.Origin
	}
	return Decision{Kind: DecisionMerged, PendingDepth: len(q.pending)}
}

// reofferBacklogLocked steers held messages into the live run in arrival
// order, stopping at the first refusal so ordering is preserved.
func (c *Controller) reofferBacklogLocked(q *sessionQueue) {
	for len(q.pending) > 0 {
		if !c.executor.Steer(q.active.RunID, q.pending[0].Prompt) {
			return
		}
		steered := q.pending[0]
		q.pending = q.pending[1:]
		c.broadcast("run.steered", map[string]interface{}{
			"session": q.key, "run_id": q.active.RunID, "message_id": steered.MessageID,
		})
	}
}

// startRunLocked launches a run from the entry. On executor failure no run
// state is left behind and the failure is broadcast; callers that drain a
// backlog retry with the next entry.
func (c *Controller) startRunLocked(q *sessionQueue, entry PendingFollowup) string {
	if q.drainTimer != nil {
		q.drainTimer.Stop()
		q.drainTimer = nil
	}

	sess := c.ensureSession(q.key)
	params := RunParams{
		RunID:            newRunID(),
		SessionKey:       q.key,
		SessionID:        sess.SessionID,
		Prompt:           entry.Prompt,
		MessageID:        entry.MessageID,
		Origin:           entry.Origin,
		ProviderOverride: sess.ProviderOverride,
		ModelOverride:    sess.ModelOverride,
	}

	key := q.key
	emit := func(ev RunEvent) { c.HandleEvent(key, ev) }

	if err := c.executor.Start(params, emit); err != nil {
		slog.Error("scheduler: executor start failed",
			"session", q.key, "run", params.RunID, "error", err)
		c.broadcast("run.failed", map[string]interface{}{
			"session": q.key, "run_id": params.RunID, "error": err.Error(),
		})
		return params.RunID
	}

	q.active = &RunState{RunID: params.RunID, StartedAt: time.Now()}
	q.activeParams = params
	c.broadcast("run.started", map[string]interface{}{
		"session": q.key, "run_id": params.RunID,
	})
	return params.RunID
}

// drainLocked starts runs from the backlog until one sticks or it empties.
func (c *Controller) drainLocked(q *sessionQueue) {
	for q.active == nil && len(q.pending) > 0 {
		next := q.pending[0]
		q.pending = q.pending[1:]
		c.startRunLocked(q, next)
	}
}

// scheduleDrainLocked arms (or re-arms) the debounce timer: the backlog is
// drained only after the quiet interval elapses with no new arrivals.
func (c *Controller) scheduleDrainLocked(q *sessionQueue) {
	if q.settings.DebounceMs <= 0 {
		c.drainLocked(q)
		return
	}
	window := time.Duration(q.settings.DebounceMs) * time.Millisecond
	if q.drainTimer != nil {
		q.drainTimer.Reset(window)
		return
	}
	key := q.key
	q.drainTimer = c.clock.AfterFunc(window, func() { c.drainDue(key) })
}

func (c *Controller) drainDue(key string) {
	q := c.queue(key)
	q.mu.Lock()
	defer q.mu.Unlock()
	q.drainTimer = nil
	if q.active != nil || len(q.pending) == 0 {
		return
	}
	c.drainLocked(q)
}

// ensureSession loads the persisted entry for the key, creating one on the
// first inbound message. Load failures are treated as "no prior session".
func (c *Controller) ensureSession(key string) *sessions.Entry {
	if c.store == nil {
		return &sessions.Entry{SessionID: sessions.NewSessionID()}
	}

	entry, err := c.store.Get(key)
	if err != nil {
		slog.Warn("scheduler: session load failed, treating as new", "session", key, "error", err)
	}
	if entry == nil {
		entry = &sessions.Entry{SessionID: sessions.NewSessionID(), UpdatedAt: time.Now()}
		if err := c.store.Save(sessions.Patch{key: entry}); err != nil {
			slog.Warn("scheduler: session create failed", "session", key, "error", err)
		}
	}
	return entry
}

// finishSession folds a terminal event into the persisted entry: token
// counters, last route, updated-at. The session id is never touched here.
func (c *Controller) finishSession(key string, ev RunEvent, origin sessions.Route) {
	if c.store == nil {
		return
	}

	entry, err := c.store.Get(key)
	if err != nil {
		slog.Warn("scheduler: session load failed at completion", "session", key, "error", err)
	}
	if entry == nil {
		entry = &sessions.Entry{SessionID: sessions.NewSessionID()}
	}

	entry.InputTokens += ev.InputTokens
	entry.OutputTokens += ev.OutputTokens
	entry.TotalTokens += ev.InputTokens + ev.OutputTokens
	if origin.Channel != "" {
		route := origin
		entry.LastRoute = &route
	}
	entry.UpdatedAt = time.Now()

	if err := c.store.Save(sessions.Patch{key: entry}); err != nil {
		slog.Warn("scheduler: session save failed at completion", "session", key, "error", err)
	}
}

func (c *Controller) broadcast(name string, payload map[string]interface{}) {
	if c.events == nil {
		return
	}
	c.events.Broadcast(bus.Event{Name: name, Payload: payload})
}

func summarizeBacklog(pending []PendingFollowup) PendingFollowup {
	count := 0
	for _, p := range pending {
		if p.Summarized > 0 {
			count += p.Summarized
		} else {
			count++
		}
	}
	latest := pending[len(pending)-1]
	return PendingFollowup{
		Prompt:     fmt.Sprintf("[%d earlier messages were condensed to stay within the queue limit]", count),
		EnqueuedAt: pending[0].EnqueuedAt,
		Origin:     latest.Origin,
		Summarized: count,
	}
}

func terminalEventName(state RunEventState) string {
	switch state {
	case RunAborted:
		return "run.aborted"
	case RunError:
		return "run.failed"
	default:
		return "run.completed"
	}
}

func newRunID() string {
	return "run-" + uuid.NewString()[:8]
}
