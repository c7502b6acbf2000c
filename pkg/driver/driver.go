package driver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"

	"github.com/lonelyclick/agentkeeper/pkg/backend"
	"github.com/lonelyclick/agentkeeper/pkg/permission"
	"github.com/lonelyclick/agentkeeper/pkg/session"
	"github.com/lonelyclick/agentkeeper/pkg/watcher"
)

// DefaultInactivityTimeout is how long the backend may stay silent before
// the generation fails with a thinking timeout.
const DefaultInactivityTimeout = 3 * time.Minute

const (
	clearCommand   = "/clear"
	compactCommand = "/compact"
)

// Status is the terminal outcome of a generation that did not fail.
type Status string

const (
	// StatusCompleted means the generation ran out of input and ended.
	StatusCompleted Status = "completed"
	// StatusAborted means the generation was cancelled cooperatively.
	StatusAborted Status = "aborted"
	// StatusNewSession means the caller should discard the session id and
	// start fresh.
	StatusNewSession Status = "new_session"
)

// Result is the tagged outcome of a generation.
type Result struct {
	Status Status
}

// Config wires a Driver.
type Config struct {
	Backend     backend.AgentBackend
	Watcher     *watcher.Watcher
	Permissions permission.Handler

	// InactivityTimeout defaults to DefaultInactivityTimeout.
	InactivityTimeout time.Duration
	// Clock defaults to the wall clock. Tests inject a mock.
	Clock  clock.Clock
	Logger zerolog.Logger
}

// Params carries the per-run collaborators.
type Params struct {
	// NextMessage supplies the next user message, or nil for none.
	NextMessage func() *session.PendingMessage
	// Events receives generation milestones.
	Events Events
	// ConfigDir is the active account's credential directory, used to
	// locate the backend's transcript files.
	ConfigDir string
}

// Driver runs generations. It is stateless across runs.
type Driver struct {
	cfg Config
}

// New returns a Driver. Zero-value config fields get defaults.
func New(cfg Config) *Driver {
	if cfg.InactivityTimeout <= 0 {
		cfg.InactivityTimeout = DefaultInactivityTimeout
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	return &Driver{cfg: cfg}
}

type readResult struct {
	msg backend.Message
	err error
}

// Run executes one generation for sess. It returns a Result for the
// cooperative outcomes and a *Failure error for classified failures.
func (d *Driver) Run(ctx context.Context, sess *session.Session, params Params) (Result, error) {
	events := params.Events
	if events == nil {
		events = NoopEvents{}
	}

	resume := d.resolveResume(sess, params.ConfigDir)

	first := params.NextMessage()
	if first == nil {
		return Result{Status: StatusCompleted}, nil
	}

	compacting := false
	switch text := strings.TrimSpace(first.Text); {
	case text == clearCommand:
		events.OnCompletion(CompletionContextReset)
		return Result{Status: StatusNewSession}, nil
	case strings.HasPrefix(text, compactCommand):
		compacting = true
		events.OnCompletion(CompletionCompactStarted)
	}

	var modeMu sync.Mutex
	currentMode := first.Mode

	opts := d.buildOptions(sess, first.Mode, resume)
	opts.CanUseTool = func(ctx context.Context, toolName string, input json.RawMessage) (backend.PermissionDecision, error) {
		modeMu.Lock()
		mode := currentMode
		modeMu.Unlock()
		return d.cfg.Permissions.Decide(ctx, toolName, input, mode)
	}

	rctx, rcancel := context.WithCancel(ctx)
	defer rcancel()

	stream := backend.NewStream()
	defer stream.CloseSend()

	events.OnThinking(true)
	defer events.OnThinking(false)

	agentStream, err := d.cfg.Backend.Query(rctx, stream, opts)
	if err != nil {
		return Result{}, &Failure{Kind: FailureUnclassified, Detail: err.Error()}
	}

	if err := stream.Push(backend.UserMessage{Text: first.Text}); err != nil {
		return Result{}, &Failure{Kind: FailureUnclassified, Detail: err.Error()}
	}

	reads := make(chan readResult, 1)
	go func() {
		for {
			msg, err := agentStream.Next(rctx)
			select {
			case reads <- readResult{msg: msg, err: err}:
			case <-rctx.Done():
				return
			}
			if err != nil {
				return
			}
		}
	}()

	for {
		timer := d.cfg.Clock.Timer(d.cfg.InactivityTimeout)

		var read readResult
		select {
		case read = <-reads:
			if !timer.Stop() {
				// Fired while the read was already won. Discard.
				select {
				case <-timer.C:
				default:
				}
			}
		case <-timer.C:
			d.cfg.Logger.Warn().
				Dur("timeout", d.cfg.InactivityTimeout).
				Str("session_id", sess.ID).
				Msg("Backend went silent")
			return Result{}, &Failure{
				Kind:   FailureThinkingTimeout,
				Detail: fmt.Sprintf("no backend activity for %s", d.cfg.InactivityTimeout),
			}
		case <-ctx.Done():
			timer.Stop()
			return Result{Status: StatusAborted}, nil
		}

		if read.err != nil {
			switch {
			case errors.Is(read.err, io.EOF):
				return Result{Status: StatusCompleted}, nil
			case errors.Is(read.err, backend.ErrQueryAborted), errors.Is(read.err, context.Canceled):
				return Result{Status: StatusAborted}, nil
			default:
				return Result{}, &Failure{Kind: FailureUnclassified, Detail: read.err.Error()}
			}
		}

		msg := read.msg
		d.cfg.Permissions.OnMessage(msg)
		events.OnAgentMessage(msg)

		switch msg.Type {
		case backend.MessageTypeSystem:
			if msg.Subtype == backend.SubtypeInit && msg.SessionID != "" {
				d.reportSessionID(rctx, sess, params.ConfigDir, msg.SessionID, events)
			}

		case backend.MessageTypeUser:
			for _, tr := range msg.ToolResults() {
				if d.cfg.Permissions.IsAborted(tr.ToolUseID) {
					d.cfg.Logger.Info().
						Str("tool_use_id", tr.ToolUseID).
						Msg("Generation stopped on aborted tool call")
					return Result{Status: StatusAborted}, nil
				}
			}

		case backend.MessageTypeResult:
			res, failure, done := d.handleResult(msg, &compacting, events, params, stream, func(m session.Mode) {
				modeMu.Lock()
				currentMode = m
				modeMu.Unlock()
				d.cfg.Permissions.OnModeChange(m)
			})
			if failure != nil {
				return Result{}, failure
			}
			if done {
				return res, nil
			}
		}
	}
}

// handleResult processes a result message. done=false means the generation
// continues with a freshly pushed message.
func (d *Driver) handleResult(
	msg backend.Message,
	compacting *bool,
	events Events,
	params Params,
	stream *backend.Stream,
	setMode func(session.Mode),
) (Result, *Failure, bool) {
	if msg.IsError {
		text := msg.Result
		switch {
		case msg.NumTurns == 0:
			detail := msg.Errors.Joined()
			if detail == "" {
				detail = "backend failed before the first turn"
			}
			return Result{}, &Failure{Kind: FailureSessionStart, Detail: detail}, true
		case IsQuotaText(text):
			return Result{}, &Failure{Kind: FailureQuotaHit, Detail: text}, true
		case isAccessDeniedText(text):
			d.cfg.Logger.Warn().Msg("Backend denied access with the current credentials")
			return Result{}, &Failure{Kind: FailureUnclassified, Detail: text}, true
		default:
			return Result{}, &Failure{Kind: FailureUnclassified, Detail: text}, true
		}
	}

	if *compacting {
		*compacting = false
		events.OnCompletion(CompletionCompactCompleted)
	}
	events.OnReady()

	next := params.NextMessage()
	if next == nil {
		stream.CloseSend()
		return Result{Status: StatusCompleted}, nil, true
	}

	switch text := strings.TrimSpace(next.Text); {
	case text == clearCommand:
		events.OnCompletion(CompletionContextReset)
		stream.CloseSend()
		return Result{Status: StatusNewSession}, nil, true
	case strings.HasPrefix(text, compactCommand):
		*compacting = true
		events.OnCompletion(CompletionCompactStarted)
	}

	setMode(next.Mode)
	if err := stream.Push(backend.UserMessage{Text: next.Text}); err != nil {
		return Result{}, &Failure{Kind: FailureUnclassified, Detail: err.Error()}, true
	}
	events.OnThinking(true)
	return Result{}, nil, false
}

// resolveResume picks the session id to resume: a prior id validated on
// disk, else a usable hint from the one-time launch flags.
func (d *Driver) resolveResume(sess *session.Session, configDir string) string {
	if sess.ID != "" {
		if session.TranscriptExists(configDir, sess.WorkingDir, sess.ID) {
			return sess.ID
		}
		d.cfg.Logger.Debug().
			Str("session_id", sess.ID).
			Msg("Prior session has no transcript on disk, not resuming it")
	}
	return session.ResumeHintFromArgs(sess.LaunchFlags)
}

// reportSessionID waits for the backend to durably persist the session
// transcript before announcing the id, so a consumer that immediately tries
// to resume does not race the backend's own write.
func (d *Driver) reportSessionID(ctx context.Context, sess *session.Session, configDir, id string, events Events) {
	path := session.TranscriptPath(configDir, sess.WorkingDir, id)
	exists, err := d.cfg.Watcher.AwaitExists(ctx, path)
	if err != nil {
		d.cfg.Logger.Warn().Str("session_id", id).Err(err).Msg("Transcript wait interrupted")
	} else if !exists {
		d.cfg.Logger.Warn().Str("session_id", id).Str("path", path).Msg("Transcript did not appear in time")
	}
	sess.ID = id
	events.OnSessionID(id)
}

func (d *Driver) buildOptions(sess *session.Session, mode session.Mode, resume string) backend.Options {
	flags := session.StripResumeFlags(sess.LaunchFlags)
	return backend.Options{
		WorkingDir:      sess.WorkingDir,
		Model:           mode.Model,
		FallbackModel:   mode.FallbackModel,
		SystemPrompt:    mode.SystemPrompt,
		AllowedTools:    mode.AllowedTools,
		DisallowedTools: mode.DisallowedTools,
		PermissionMode:  mode.PermissionMode,
		Resume:          resume,
		ExtraArgs:       flags,
		Env:             sess.Env,
	}
}
