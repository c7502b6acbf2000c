package supervisor

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/lonelyclick/agentkeeper/internal/observability"
	"github.com/lonelyclick/agentkeeper/pkg/accounts"
	"github.com/lonelyclick/agentkeeper/pkg/backend"
	"github.com/lonelyclick/agentkeeper/pkg/driver"
	"github.com/lonelyclick/agentkeeper/pkg/outbox"
	"github.com/lonelyclick/agentkeeper/pkg/session"
	"github.com/lonelyclick/agentkeeper/pkg/store"
)

// DefaultMaxRotations bounds quota and exhaustion recoveries combined.
const DefaultMaxRotations = 3

// DefaultInitPromptMarker prefixes a message that should be remembered as
// the session's init prompt.
const DefaultInitPromptMarker = "#init"

const maxNotifyLen = 500

// Runner runs one generation. *driver.Driver satisfies it.
type Runner interface {
	Run(ctx context.Context, sess *session.Session, params driver.Params) (driver.Result, error)
}

// Rotator switches the active credential account. *accounts.Selector
// satisfies it.
type Rotator interface {
	Rotate(ctx context.Context, sessionID, workingDir string) (*accounts.Selection, error)
}

// Inbox supplies live user input. Poll never blocks; Await blocks until a
// message arrives or the context ends.
type Inbox interface {
	Poll() *session.PendingMessage
	Await(ctx context.Context) (*session.PendingMessage, error)
}

// Config wires a Supervisor.
type Config struct {
	Runner  Runner
	Inbox   Inbox
	Rotator Rotator

	// Records persists the session binding across restarts. Optional.
	Records *store.Store

	// Deliver receives outbox messages (user-visible replies, synthetic
	// interrupted tool results).
	Deliver outbox.Delivery
	// Notify surfaces recovery notices to the user.
	Notify func(text string)
	// OnThinking mirrors the driver's busy indicator downstream.
	OnThinking func(thinking bool)
	// ResetPermissions clears the permission ledger on session-id change.
	ResetPermissions func()

	// ConfigDir is the active account's credential directory. Updated
	// internally after a rotation.
	ConfigDir string

	// InitPromptMarker defaults to DefaultInitPromptMarker.
	InitPromptMarker string
	// MaxRotations defaults to DefaultMaxRotations.
	MaxRotations int
	// RestartDelay paces restarts after unclassified failures. Defaults
	// to capped exponential backoff.
	RestartDelay backoff.BackOff

	// Clock defaults to the wall clock.
	Clock  clock.Clock
	Logger zerolog.Logger
}

// Supervisor owns one session's generation loop. Not safe for concurrent
// Run calls.
type Supervisor struct {
	cfg  Config
	sess *session.Session

	queued        []session.PendingMessage
	genMode       *session.Mode
	lastMode      session.Mode
	haveLastMode  bool
	initPrompt    string
	initCaptured  bool
	rotations     int
	lastSessionID string
	configDir     string
}

// New returns a Supervisor for sess.
func New(cfg Config, sess *session.Session) *Supervisor {
	observability.EnsureRegistered()

	if cfg.MaxRotations <= 0 {
		cfg.MaxRotations = DefaultMaxRotations
	}
	if cfg.InitPromptMarker == "" {
		cfg.InitPromptMarker = DefaultInitPromptMarker
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.New()
	}
	if cfg.RestartDelay == nil {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 0
		cfg.RestartDelay = b
	}
	if cfg.Notify == nil {
		cfg.Notify = func(string) {}
	}
	if cfg.OnThinking == nil {
		cfg.OnThinking = func(bool) {}
	}
	if cfg.ResetPermissions == nil {
		cfg.ResetPermissions = func() {}
	}
	return &Supervisor{cfg: cfg, sess: sess, configDir: cfg.ConfigDir, lastSessionID: sess.ID}
}

// Run loops generations until ctx ends. Backend failures never end the
// loop; they degrade to waiting for the next user message.
func (s *Supervisor) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			return nil
		}

		if len(s.queued) == 0 {
			msg, err := s.cfg.Inbox.Await(ctx)
			if err != nil {
				return nil
			}
			s.queued = append(s.queued, *msg)
		}

		res, err := s.runGeneration(ctx)
		if ctx.Err() != nil {
			return nil
		}

		if err == nil {
			s.cfg.RestartDelay.Reset()
			if res.Status == driver.StatusNewSession {
				s.sess.ID = ""
				s.sess.LaunchFlags = session.StripResumeFlags(s.sess.LaunchFlags)
			}
			continue
		}

		s.recover(ctx, err)
	}
}

// recover applies the failure decision table. Order matters: the specific
// kinds first, then text-matched causes, then the catch-all.
func (s *Supervisor) recover(ctx context.Context, err error) {
	var failure *driver.Failure
	if !errors.As(err, &failure) {
		failure = &driver.Failure{Kind: driver.FailureUnclassified, Detail: err.Error()}
	}

	s.cfg.Logger.Warn().
		Str("kind", string(failure.Kind)).
		Str("detail", failure.Detail).
		Msg("Generation failed")
	observability.RecordRecovery(string(failure.Kind))
	observability.RecordRecoveryAudit(s.sess.ID, string(failure.Kind), "recovering")

	switch {
	case failure.Kind == driver.FailureThinkingTimeout:
		if s.sess.ID != "" {
			s.sess.LaunchFlags = session.AppendResumeFlag(s.sess.LaunchFlags, s.sess.ID)
		}
		s.pushSynthetic("continue, you timed out")

	case failure.Kind == driver.FailureQuotaHit:
		s.rotateAndContinue(ctx, "Usage limit reached on the active account")

	case driver.IsStaleResumeText(failure.Detail):
		s.sess.LaunchFlags = session.StripResumeFlags(s.sess.LaunchFlags)
		s.sess.ID = ""
		s.lastSessionID = ""
		if s.initPrompt != "" {
			s.pushSynthetic(s.initPrompt)
		}
		s.cfg.Notify("Could not resume the previous conversation, starting fresh.")

	case driver.IsExhaustedText(failure.Detail):
		s.rotateAndContinue(ctx, "The active account looks exhausted")

	default:
		s.cfg.Notify(truncate(failure.Detail, maxNotifyLen))
		delay := s.cfg.RestartDelay.NextBackOff()
		if delay > 0 && delay != backoff.Stop {
			s.cfg.Clock.Sleep(delay)
		}
	}
}

// rotateAndContinue switches credentials and queues a synthetic continue.
// When the rotation budget is spent or no better account exists, it only
// notifies and leaves the loop waiting for fresh input.
func (s *Supervisor) rotateAndContinue(ctx context.Context, notice string) {
	if s.rotations >= s.cfg.MaxRotations {
		s.cfg.Notify(notice + ". No account rotations left; waiting for your next message.")
		return
	}

	sel, err := s.cfg.Rotator.Rotate(ctx, s.sess.ID, s.sess.WorkingDir)
	if err != nil {
		s.cfg.Logger.Warn().Err(err).Msg("Account rotation failed")
		observability.RecordRotationAudit("", "failure", map[string]interface{}{"error": err.Error()})
		s.cfg.Notify(notice + ". Could not switch accounts; waiting for your next message.")
		return
	}
	if sel.AlreadyActive {
		s.cfg.Notify(notice + ". No better account available; waiting for your next message.")
		return
	}

	s.rotations++
	s.configDir = sel.Account.ConfigDir
	observability.RecordRotation(string(sel.Reason))
	observability.RecordRotationAudit(sel.Account.ID, "success", map[string]interface{}{
		"reason":   string(sel.Reason),
		"rotation": s.rotations,
	})

	if s.sess.ID != "" {
		s.sess.LaunchFlags = session.AppendResumeFlag(s.sess.LaunchFlags, s.sess.ID)
	}

	text := "continue"
	if s.initPrompt != "" {
		text = s.initPrompt + "\n\ncontinue"
	}
	s.pushSynthetic(text)
	s.cfg.Notify(notice + ". Switched to account " + sel.Account.ID + " and continuing.")
}

// pushSynthetic queues a supervisor-made message ahead of everything else,
// under the last mode a real message established.
func (s *Supervisor) pushSynthetic(text string) {
	s.queued = append([]session.PendingMessage{{Text: text, Mode: s.lastMode}}, s.queued...)
}

func (s *Supervisor) runGeneration(ctx context.Context) (driver.Result, error) {
	genCtx, cancel := context.WithCancel(ctx)

	q := outbox.New(s.cfg.Deliver, s.cfg.Clock, s.cfg.Logger)
	sink := &genSink{sup: s, outbox: q, ongoing: make(map[string]string)}

	var teardownOnce sync.Once
	teardown := func() {
		teardownOnce.Do(func() {
			s.cfg.OnThinking(false)
			sink.flushInterrupted()
			q.Flush()
			q.Dispose()
			observability.SetOutboxDepth(0)
			cancel()
			s.genMode = nil
			// One-time flags never survive a spawn.
			s.sess.LaunchFlags = nil
		})
	}
	defer teardown()

	started := s.cfg.Clock.Now()
	observability.SetSessionActive(true)
	defer observability.SetSessionActive(false)
	res, err := s.cfg.Runner.Run(genCtx, s.sess, driver.Params{
		NextMessage: s.nextMessage,
		Events:      sink,
		ConfigDir:   s.configDir,
	})

	status := "failed"
	if err == nil {
		status = string(res.Status)
	}
	observability.RecordGeneration(status, s.cfg.Clock.Now().Sub(started))
	return res, err
}

// nextMessage drains deferred messages first, then polls live input. A
// message whose mode differs from the generation's established mode, or
// that asks for isolation, is re-queued and the generation is ended.
func (s *Supervisor) nextMessage() *session.PendingMessage {
	var msg *session.PendingMessage
	if len(s.queued) > 0 {
		m := s.queued[0]
		s.queued = s.queued[1:]
		msg = &m
	} else {
		msg = s.cfg.Inbox.Poll()
	}
	if msg == nil {
		return nil
	}

	if s.genMode == nil {
		mode := msg.Mode
		s.genMode = &mode
	} else if msg.Isolate || !msg.Mode.Equal(*s.genMode) {
		s.queued = append([]session.PendingMessage{*msg}, s.queued...)
		return nil
	}

	s.lastMode = msg.Mode
	s.haveLastMode = true
	s.captureInitPrompt(msg.Text)
	return msg
}

// captureInitPrompt remembers the first marker-prefixed message verbatim.
// Pseudo-commands never count and never consume the pending capture.
func (s *Supervisor) captureInitPrompt(text string) {
	if s.initCaptured {
		return
	}
	trimmed := strings.TrimSpace(text)
	if strings.HasPrefix(trimmed, "/") {
		return
	}
	if strings.HasPrefix(trimmed, s.cfg.InitPromptMarker) {
		s.initPrompt = text
		s.initCaptured = true
	}
}

// onSessionID applies the continuity invariant and persists the binding.
func (s *Supervisor) onSessionID(id string) {
	if id != s.lastSessionID {
		if s.lastSessionID != "" {
			s.cfg.Logger.Info().
				Str("previous", s.lastSessionID).
				Str("current", id).
				Msg("Backend session changed; resetting permission and parent-chain state")
		}
		s.cfg.ResetPermissions()
		s.lastSessionID = id
	}
	s.sess.ID = id
	s.persistRecord()
}

// persistRecord writes the session binding with optimistic concurrency. A
// single conflict retry with the authoritative version is enough: the
// supervisor is the only regular writer.
func (s *Supervisor) persistRecord() {
	if s.cfg.Records == nil {
		return
	}

	rec := store.SessionRecord{
		Key:       s.sess.WorkingDir,
		SessionID: s.sess.ID,
		Mode:      s.lastMode,
	}

	version := int64(0)
	if current, err := s.cfg.Records.Get(rec.Key); err == nil {
		version = current.Version
	}

	if _, err := s.cfg.Records.Put(rec, version); err != nil {
		var conflict *store.ConflictError
		if errors.As(err, &conflict) {
			_, err = s.cfg.Records.Put(rec, conflict.Current.Version)
		}
		if err != nil {
			s.cfg.Logger.Warn().Err(err).Msg("Could not persist session record")
		}
	}
}

func truncate(text string, n int) string {
	if len(text) <= n {
		return text
	}
	return text[:n]
}

// genSink adapts driver events to supervisor state for one generation. It
// tracks in-flight tool calls so an aborted generation can synthesize the
// interrupted results downstream consumers expect.
type genSink struct {
	driver.NoopEvents

	sup    *Supervisor
	outbox *outbox.Queue

	mu      sync.Mutex
	ongoing map[string]string // tool_use id -> parent tool_use id
}

func (g *genSink) OnSessionID(id string) {
	g.sup.onSessionID(id)
}

func (g *genSink) OnThinking(thinking bool) {
	g.sup.cfg.OnThinking(thinking)
}

func (g *genSink) OnAgentMessage(msg backend.Message) {
	switch msg.Type {
	case backend.MessageTypeAssistant:
		g.mu.Lock()
		for _, use := range msg.ToolUses() {
			g.ongoing[use.ID] = use.ParentToolUseID
		}
		g.mu.Unlock()
	case backend.MessageTypeUser:
		g.mu.Lock()
		var done []string
		for _, res := range msg.ToolResults() {
			if _, ok := g.ongoing[res.ToolUseID]; ok {
				delete(g.ongoing, res.ToolUseID)
				done = append(done, res.ToolUseID)
			}
		}
		g.mu.Unlock()
		for _, id := range done {
			g.outbox.ReleaseToolCall(id)
		}
	}
	observability.SetOutboxDepth(g.outbox.Len())
}

// flushInterrupted synthesizes exactly one interrupted result per tool call
// still open when the generation ended.
func (g *genSink) flushInterrupted() {
	g.mu.Lock()
	open := g.ongoing
	g.ongoing = make(map[string]string)
	g.mu.Unlock()

	for id, parent := range open {
		g.outbox.Enqueue(outbox.Message{
			Kind:            outbox.KindToolResult,
			ToolUseID:       id,
			ParentToolUseID: parent,
			Interrupted:     true,
		}, nil)
	}
}
