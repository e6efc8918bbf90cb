// Package scheduler decides, for every inbound message, whether to start a
// new agent run, hold it as a pending follow-up, fold it into the running
// one, drop it, or interrupt the active run. Decisions for one session key
// are strictly serialized; different sessions proceed in parallel.
package scheduler

import (
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/sessions"
)

// QueueMode is the per-session policy applied when a message arrives while a
// run is active.
type QueueMode string

const (
	// ModeQueue holds every follow-up and replays them FIFO, one run each.
	ModeQueue QueueMode = "queue"
	// ModeFollowup keeps only the single most recent follow-up.
	ModeFollowup QueueMode = "followup"
	// ModeCollect accumulates follow-ups into one batch flushed as one run.
	ModeCollect QueueMode = "collect"
	// ModeSteer injects follow-ups into the live run; falls back to
	// followup semantics when the run can no longer accept input.
	ModeSteer QueueMode = "steer"
	// ModeSteerBacklog is steer, but unsteerable messages are kept in
	// arrival order, re-offered as the run progresses, and drained FIFO
	// on completion.
	ModeSteerBacklog QueueMode = "steer-backlog"
	// ModeInterrupt aborts the active run and starts over with the new
	// message.
	ModeInterrupt QueueMode = "interrupt"
)

// DropPolicy decides which message loses when a bounded backlog is full.
type DropPolicy string

const (
	// DropOld discards the oldest pending entry to make room.
	DropOld DropPolicy = "old"
	// DropNew rejects the incoming message.
	DropNew DropPolicy = "new"
	// DropSummarize collapses the backlog into one placeholder entry noting
	// how many messages it stands for, then appends the new message.
	DropSummarize DropPolicy = "summarize"
)

// QueueSettings is the per-session/channel queueing policy.
type QueueSettings struct {
	Mode       QueueMode
	DebounceMs int // quiet interval before draining held follow-ups; 0 = drain immediately
	Cap        int // max pending entries; 0 = unbounded
	DropPolicy DropPolicy
}

func (s QueueSettings) normalized() QueueSettings {
	if s.Mode == "" {
		s.Mode = ModeQueue
	}
	if s.DropPolicy == "" {
		s.DropPolicy = DropOld
	}
	return s
}

// DecisionKind classifies the fate of one submitted message.
type DecisionKind string

const (
	DecisionStarted     DecisionKind = "started"
	DecisionQueued      DecisionKind = "queued"
	DecisionMerged      DecisionKind = "merged"
	DecisionDropped     DecisionKind = "dropped"
	DecisionInterrupted DecisionKind = "interrupted"
)

// Decision is the terminal outcome of Submit for one message.
//
// Interrupted decisions carry both the aborted run (AbortedRunID) and the
// replacement run started from the message (RunID); the replacement start is
// also visible on the lifecycle event stream.
//
// Started and Interrupted mean a start was attempted, not that the run is
// live: if the executor rejected it, RunID names a run that already surfaced
// as run.failed on the event stream. Callers that need liveness must watch
// the events, not the decision.
type Decision struct {
	Kind         DecisionKind
	RunID        string // started/interrupted: the run carrying this message
	AbortedRunID string // interrupted: run that was aborted
	Reason       string // dropped: why
	PendingDepth int    // queued/merged: backlog depth after this message
}

// PendingFollowup is a message held for later delivery. It lives only in
// process memory: a restart drops pending follow-ups, never persisted state.
type PendingFollowup struct {
	Prompt     string
	MessageID  string
	EnqueuedAt time.Time
	Origin     sessions.Route

	// Summarized counts how many real messages a synthetic placeholder
	// stands for; zero for ordinary entries.
	Summarized int
}

// RunParams is everything the executor needs to start one run.
type RunParams struct {
	RunID      string
	SessionKey string
	SessionID  string
	Prompt     string
	MessageID  string
	Origin     sessions.Route

	ProviderOverride string
	ModelOverride    string
}

// RunEventState is the lifecycle state carried by an executor event.
type RunEventState string

const (
	RunStart   RunEventState = "start"
	RunDelta   RunEventState = "delta"
	RunFinal   RunEventState = "final"
	RunAborted RunEventState = "aborted"
	RunError   RunEventState = "error"
)

// RunEvent is one lifecycle/streaming event emitted by the executor.
type RunEvent struct {
	RunID string
	State RunEventState
	Text  string // delta/final content
	Err   string // error state

	InputTokens  int64
	OutputTokens int64
}

// IsTerminal reports whether the event ends the run.
func (e RunEvent) IsTerminal() bool {
	switch e.State {
	case RunFinal, RunAborted, RunError:
		return true
	}
	return false
}

// Executor is the agent execution engine, treated as an opaque long-running
// task. Start launches the run and returns once it is underway; all events,
// including the terminal one, are emitted asynchronously from the run's own
// goroutine, never from inside the Start call. Abort is best-effort and
// cooperative. Steer offers additional context to a live run and reports
// whether the run accepted it.
type Executor interface {
	Start(params RunParams, emit func(RunEvent)) error
	Abort(runID string)
	Steer(runID, text string) bool
}

// RunState tracks the single active run of a session. In-memory only.
type RunState struct {
	RunID     string
	StartedAt time.Time
}
