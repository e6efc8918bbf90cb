package agent

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/nextlevelbuilder/clawgate/internal/scheduler"
)

// RunnerConfig configures the subprocess runner.
type RunnerConfig struct {
	// Command is the agent binary invoked once per run.
	Command string
	// Args are passed before the generated per-run flags.
	Args []string
	// WorkDir is the working directory for the child process.
	WorkDir string
	// Timeout bounds a single run. Zero means no limit.
	Timeout time.Duration
}

// Runner executes agent runs as child processes. Each run gets its own
// process and context; Abort cancels the context, which kills the process
// group via exec.CommandContext. Steering is best-effort: the prompt is
// written to the child's stdin, and a closed pipe means the run is no
// longer accepting input.
//
// The child speaks newline-delimited JSON on stdout (type delta/final with
// optional token counts). Plain-text lines are accepted as deltas so simple
// shell commands work unchanged.
type Runner struct {
	cfg RunnerConfig

	mu   sync.Mutex
	runs map[string]*procRun
}

type procRun struct {
	cancel context.CancelFunc

	mu     sync.Mutex
	stdin  io.WriteCloser
	closed bool
}

// wireEvent is one stdout line from the child.
type wireEvent struct {
	Type         string `json:"type"`
	Text         string `json:"text"`
	InputTokens  int64  `json:"inputTokens"`
	OutputTokens int64  `json:"outputTokens"`
}

// NewRunner creates a subprocess runner.
func NewRunner(cfg RunnerConfig) *Runner {
	return &Runner{cfg: cfg, runs: make(map[string]*procRun)}
}

var _ scheduler.Executor = (*Runner)(nil)

// Start spawns the child process and returns once it is running. All events,
// including the start event, are emitted from the run's own goroutine.
func (r *Runner) Start(params scheduler.RunParams, emit func(scheduler.RunEvent)) error {
	ctx := context.Background()
	var cancel context.CancelFunc
	if r.cfg.Timeout > 0 {
		ctx, cancel = context.WithTimeout(ctx, r.cfg.Timeout)
	} else {
		ctx, cancel = context.WithCancel(ctx)
	}

	args := append([]string{}, r.cfg.Args...)
	args = append(args, "--session-id", params.SessionID)
	if params.ProviderOverride != "" {
		args = append(args, "--provider", params.ProviderOverride)
	}
	if params.ModelOverride != "" {
		args = append(args, "--model", params.ModelOverride)
	}
	args = append(args, params.Prompt)

	cmd := exec.CommandContext(ctx, r.cfg.Command, args...)
	cmd.Dir = r.cfg.WorkDir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = cmd.Stdout // interleave; the child's protocol is stdout-only

	if err := cmd.Start(); err != nil {
		cancel()
		return fmt.Errorf("start %s: %w", r.cfg.Command, err)
	}

	run := &procRun{cancel: cancel, stdin: stdin}
	r.mu.Lock()
	r.runs[params.RunID] = run
	r.mu.Unlock()

	go r.pump(ctx, params, cmd, run, stdout, emit)
	return nil
}

// pump owns the run lifecycle: it emits the start event, relays stdout, and
// emits exactly one terminal event after the process exits.
func (r *Runner) pump(ctx context.Context, params scheduler.RunParams, cmd *exec.Cmd, run *procRun, stdout io.Reader, emit func(scheduler.RunEvent)) {
	defer func() {
		run.closeStdin()
		r.mu.Lock()
		delete(r.runs, params.RunID)
		r.mu.Unlock()
	}()

	emit(scheduler.RunEvent{RunID: params.RunID, State: scheduler.RunStart})

	var (
		final     *wireEvent
		collected strings.Builder
	)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		ev := parseWireLine(line)
		switch ev.Type {
		case "final":
			final = &ev
		default:
			if collected.Len() > 0 {
				collected.WriteByte('\n')
			}
			collected.WriteString(ev.Text)
			emit(scheduler.RunEvent{RunID: params.RunID, State: scheduler.RunDelta, Text: ev.Text})
		}
	}

	err := cmd.Wait()

	switch {
	case ctx.Err() == context.DeadlineExceeded:
		emit(scheduler.RunEvent{
			RunID: params.RunID,
			State: scheduler.RunError,
			Err:   fmt.Sprintf("run timed out after %s", r.cfg.Timeout),
		})
	case ctx.Err() == context.Canceled:
		emit(scheduler.RunEvent{RunID: params.RunID, State: scheduler.RunAborted})
	case err != nil:
		slog.Warn("agent: run exited with error",
			"session", params.SessionKey, "run", params.RunID, "error", err)
		emit(scheduler.RunEvent{RunID: params.RunID, State: scheduler.RunError, Err: err.Error()})
	default:
		out := scheduler.RunEvent{
			RunID: params.RunID,
			State: scheduler.RunFinal,
			Text:  collected.String(),
		}
		if final != nil {
			if final.Text != "" {
				out.Text = final.Text
			}
			out.InputTokens = final.InputTokens
			out.OutputTokens = final.OutputTokens
		}
		emit(out)
	}
}

// Abort cancels the run's context, killing the child process. The aborted
// terminal event follows from the run's own goroutine.
func (r *Runner) Abort(runID string) {
	r.mu.Lock()
	run := r.runs[runID]
	r.mu.Unlock()
	if run == nil {
		return
	}
	run.closeStdin()
	run.cancel()
}

// Steer writes the text to the child's stdin. It reports false when the run
// has already exited or its stdin is closed, so the caller can fall back to
// queueing the message.
func (r *Runner) Steer(runID, text string) bool {
	r.mu.Lock()
	run := r.runs[runID]
	r.mu.Unlock()
	if run == nil {
		return false
	}

	run.mu.Lock()
	defer run.mu.Unlock()
	if run.closed {
		return false
	}
	if _, err := io.WriteString(run.stdin, text+"\n"); err != nil {
		run.closed = true
		return false
	}
	return true
}

func (p *procRun) closeStdin() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		p.stdin.Close()
	}
}

func parseWireLine(line string) wireEvent {
	if strings.HasPrefix(line, "{") {
		var ev wireEvent
		if err := json.Unmarshal([]byte(line), &ev); err == nil && ev.Type != "" {
			return ev
		}
	}
	return wireEvent{Type: "delta", Text: line}
}
