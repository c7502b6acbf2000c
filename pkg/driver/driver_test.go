package driver

import (
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lonelyclick/agentkeeper/pkg/backend"
	"github.com/lonelyclick/agentkeeper/pkg/permission"
	"github.com/lonelyclick/agentkeeper/pkg/session"
	"github.com/lonelyclick/agentkeeper/pkg/watcher"
)

type fakeBackend struct {
	mu      sync.Mutex
	opts    backend.Options
	out     chan backend.Message
	queries int
}

func newFakeBackend(msgs ...backend.Message) *fakeBackend {
	out := make(chan backend.Message, len(msgs)+8)
	for _, m := range msgs {
		out <- m
	}
	return &fakeBackend{out: out}
}

func (f *fakeBackend) Query(ctx context.Context, in *backend.Stream, opts backend.Options) (backend.MessageStream, error) {
	f.mu.Lock()
	f.opts = opts
	f.queries++
	f.mu.Unlock()
	return &fakeStream{out: f.out}, nil
}

func (f *fakeBackend) options() backend.Options {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opts
}

func (f *fakeBackend) queryCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.queries
}

type fakeStream struct {
	out chan backend.Message
}

func (s *fakeStream) Next(ctx context.Context) (backend.Message, error) {
	select {
	case msg, ok := <-s.out:
		if !ok {
			return backend.Message{}, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return backend.Message{}, backend.ErrQueryAborted
	}
}

type eventLog struct {
	mu          sync.Mutex
	sessionIDs  []string
	completions []CompletionKind
	readyCount  int
	thinking    []bool
}

func (e *eventLog) OnSessionID(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.sessionIDs = append(e.sessionIDs, id)
}

func (e *eventLog) OnThinking(thinking bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.thinking = append(e.thinking, thinking)
}

func (e *eventLog) OnCompletion(kind CompletionKind) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.completions = append(e.completions, kind)
}

func (e *eventLog) OnReady() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.readyCount++
}

func (e *eventLog) OnAgentMessage(backend.Message) {}

func messageSupplier(msgs ...*session.PendingMessage) (func() *session.PendingMessage, *int) {
	idx := 0
	calls := new(int)
	return func() *session.PendingMessage {
		*calls++
		if idx >= len(msgs) {
			return nil
		}
		m := msgs[idx]
		idx++
		return m
	}, calls
}

func initMessage(id string) backend.Message {
	return backend.Message{Type: backend.MessageTypeSystem, Subtype: backend.SubtypeInit, SessionID: id}
}

func okResult() backend.Message {
	return backend.Message{Type: backend.MessageTypeResult, NumTurns: 1}
}

func setupDriver(t *testing.T, be backend.AgentBackend, clk clock.Clock) (*Driver, *permission.Recorder) {
	t.Helper()
	logger := zerolog.New(os.Stdout).Level(zerolog.ErrorLevel)
	perms := permission.NewRecorder(logger)
	d := New(Config{
		Backend:     be,
		Watcher:     watcher.New(100*time.Millisecond, logger),
		Permissions: perms,
		Clock:       clk,
		Logger:      logger,
	})
	return d, perms
}

func writeTranscript(t *testing.T, configDir, workingDir, id string) {
	t.Helper()
	path := session.TranscriptPath(configDir, workingDir, id)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0700))
	require.NoError(t, os.WriteFile(path, []byte("{}\n"), 0600))
}

func TestRun(t *testing.T) {
	t.Run("should be a no-op without a first message", func(t *testing.T) {
		be := newFakeBackend()
		d, _ := setupDriver(t, be, nil)
		next, _ := messageSupplier()

		res, err := d.Run(context.Background(), &session.Session{WorkingDir: "/w"}, Params{NextMessage: next})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, 0, be.queryCount())
	})

	t.Run("should short-circuit a leading clear command", func(t *testing.T) {
		be := newFakeBackend()
		d, _ := setupDriver(t, be, nil)
		next, _ := messageSupplier(&session.PendingMessage{Text: "/clear"})
		events := &eventLog{}

		res, err := d.Run(context.Background(), &session.Session{WorkingDir: "/w"}, Params{NextMessage: next, Events: events})
		require.NoError(t, err)
		assert.Equal(t, StatusNewSession, res.Status)
		assert.Equal(t, []CompletionKind{CompletionContextReset}, events.completions)
		assert.Equal(t, 0, be.queryCount())
	})

	t.Run("should complete one exchange end to end", func(t *testing.T) {
		configDir := t.TempDir()
		writeTranscript(t, configDir, "/w", "ses-1")

		be := newFakeBackend(initMessage("ses-1"), okResult())
		d, _ := setupDriver(t, be, nil)
		next, calls := messageSupplier(&session.PendingMessage{Text: "Hello", Mode: session.Mode{Model: "opus"}})
		events := &eventLog{}
		sess := &session.Session{WorkingDir: "/w"}

		res, err := d.Run(context.Background(), sess, Params{NextMessage: next, Events: events, ConfigDir: configDir})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, 1, events.readyCount)
		assert.Equal(t, []string{"ses-1"}, events.sessionIDs)
		assert.Equal(t, "ses-1", sess.ID)
		// First message plus the post-result fetch that returned nothing.
		assert.Equal(t, 2, *calls)
		assert.Equal(t, "opus", be.options().Model)
	})

	t.Run("should report the session id even when the transcript never appears", func(t *testing.T) {
		be := newFakeBackend(initMessage("ses-slow"), okResult())
		d, _ := setupDriver(t, be, nil)
		next, _ := messageSupplier(&session.PendingMessage{Text: "Hello"})
		events := &eventLog{}
		sess := &session.Session{WorkingDir: "/w"}

		res, err := d.Run(context.Background(), sess, Params{NextMessage: next, Events: events, ConfigDir: t.TempDir()})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, []string{"ses-slow"}, events.sessionIDs)
	})

	t.Run("should fail with session start on a zero-turn error", func(t *testing.T) {
		be := newFakeBackend(backend.Message{
			Type:    backend.MessageTypeResult,
			IsError: true,
			Errors:  backend.ErrorList{"invalid api key"},
		})
		d, _ := setupDriver(t, be, nil)
		next, calls := messageSupplier(&session.PendingMessage{Text: "Hello"})

		_, err := d.Run(context.Background(), &session.Session{WorkingDir: "/w"}, Params{NextMessage: next})
		var failure *Failure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, FailureSessionStart, failure.Kind)
		assert.Equal(t, "invalid api key", failure.Detail)
		// The failure fires before any next-message fetch.
		assert.Equal(t, 1, *calls)
	})

	t.Run("should fall back to generic wording without an error payload", func(t *testing.T) {
		be := newFakeBackend(backend.Message{Type: backend.MessageTypeResult, IsError: true})
		d, _ := setupDriver(t, be, nil)
		next, _ := messageSupplier(&session.PendingMessage{Text: "Hello"})

		_, err := d.Run(context.Background(), &session.Session{WorkingDir: "/w"}, Params{NextMessage: next})
		var failure *Failure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, FailureSessionStart, failure.Kind)
		assert.NotEmpty(t, failure.Detail)
	})

	t.Run("should classify quota results with the raw text", func(t *testing.T) {
		be := newFakeBackend(backend.Message{
			Type:     backend.MessageTypeResult,
			IsError:  true,
			NumTurns: 2,
			Result:   "Usage limit reached|resets at 6pm",
		})
		d, _ := setupDriver(t, be, nil)
		next, _ := messageSupplier(&session.PendingMessage{Text: "Hello"})

		_, err := d.Run(context.Background(), &session.Session{WorkingDir: "/w"}, Params{NextMessage: next})
		var failure *Failure
		require.True(t, errors.As(err, &failure))
		assert.Equal(t, FailureQuotaHit, failure.Kind)
		assert.Equal(t, "Usage limit reached|resets at 6pm", failure.Detail)
	})

	t.Run("should stop on an aborted tool call", func(t *testing.T) {
		be := newFakeBackend(
			backend.Message{Type: backend.MessageTypeAssistant, Content: []backend.ContentBlock{
				{Type: "tool_use", ID: "tc-1", Name: "Bash"},
			}},
			backend.Message{Type: backend.MessageTypeUser, Content: []backend.ContentBlock{
				{Type: "tool_result", ToolUseID: "tc-1"},
			}},
		)
		d, perms := setupDriver(t, be, nil)
		perms.Abort("tc-1")
		next, _ := messageSupplier(&session.PendingMessage{Text: "Hello"})

		res, err := d.Run(context.Background(), &session.Session{WorkingDir: "/w"}, Params{NextMessage: next})
		require.NoError(t, err)
		assert.Equal(t, StatusAborted, res.Status)
	})

	t.Run("should surface cooperative cancellation as aborted", func(t *testing.T) {
		be := newFakeBackend()
		d, _ := setupDriver(t, be, nil)
		next, _ := messageSupplier(&session.PendingMessage{Text: "Hello"})

		ctx, cancel := context.WithCancel(context.Background())
		go func() {
			time.Sleep(20 * time.Millisecond)
			cancel()
		}()

		res, err := d.Run(ctx, &session.Session{WorkingDir: "/w"}, Params{NextMessage: next})
		require.NoError(t, err)
		assert.Equal(t, StatusAborted, res.Status)
	})

	t.Run("should time out when the backend stays silent", func(t *testing.T) {
		clk := clock.NewMock()
		be := newFakeBackend()
		d, _ := setupDriver(t, be, clk)
		next, _ := messageSupplier(&session.PendingMessage{Text: "Hello"})

		type outcome struct {
			res Result
			err error
		}
		done := make(chan outcome, 1)
		go func() {
			res, err := d.Run(context.Background(), &session.Session{WorkingDir: "/w"}, Params{NextMessage: next})
			done <- outcome{res, err}
		}()

		// Let the run arm its timer, then jump past the deadline.
		time.Sleep(50 * time.Millisecond)
		clk.Add(DefaultInactivityTimeout)

		select {
		case out := <-done:
			var failure *Failure
			require.True(t, errors.As(out.err, &failure))
			assert.Equal(t, FailureThinkingTimeout, failure.Kind)
		case <-time.After(2 * time.Second):
			t.Fatal("run did not return after the timeout fired")
		}
	})

	t.Run("should bracket a compact command with completion events", func(t *testing.T) {
		be := newFakeBackend(okResult())
		d, _ := setupDriver(t, be, nil)
		next, _ := messageSupplier(&session.PendingMessage{Text: "/compact keep the tests"})
		events := &eventLog{}

		res, err := d.Run(context.Background(), &session.Session{WorkingDir: "/w"}, Params{NextMessage: next, Events: events})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, []CompletionKind{CompletionCompactStarted, CompletionCompactCompleted}, events.completions)
	})

	t.Run("should start a new session on a clear command mid-run", func(t *testing.T) {
		be := newFakeBackend(okResult())
		d, _ := setupDriver(t, be, nil)
		next, _ := messageSupplier(
			&session.PendingMessage{Text: "Hello"},
			&session.PendingMessage{Text: "/clear"},
		)
		events := &eventLog{}

		res, err := d.Run(context.Background(), &session.Session{WorkingDir: "/w"}, Params{NextMessage: next, Events: events})
		require.NoError(t, err)
		assert.Equal(t, StatusNewSession, res.Status)
		assert.Equal(t, []CompletionKind{CompletionContextReset}, events.completions)
	})

	t.Run("should pass a launch-flag resume hint to the backend", func(t *testing.T) {
		be := newFakeBackend(okResult())
		d, _ := setupDriver(t, be, nil)
		next, _ := messageSupplier(&session.PendingMessage{Text: "Hello"})
		sess := &session.Session{
			WorkingDir:  "/w",
			LaunchFlags: []string{"--resume", "abc-123"},
		}

		res, err := d.Run(context.Background(), sess, Params{NextMessage: next})
		require.NoError(t, err)
		assert.Equal(t, StatusCompleted, res.Status)
		assert.Equal(t, "abc-123", be.options().Resume)
		assert.NotContains(t, be.options().ExtraArgs, "--resume")
	})

	t.Run("should prefer a prior session id validated on disk", func(t *testing.T) {
		configDir := t.TempDir()
		writeTranscript(t, configDir, "/w", "ses-old")

		be := newFakeBackend(okResult())
		d, _ := setupDriver(t, be, nil)
		next, _ := messageSupplier(&session.PendingMessage{Text: "Hello"})
		sess := &session.Session{ID: "ses-old", WorkingDir: "/w"}

		_, err := d.Run(context.Background(), sess, Params{NextMessage: next, ConfigDir: configDir})
		require.NoError(t, err)
		assert.Equal(t, "ses-old", be.options().Resume)
	})

	t.Run("should drop a prior id without a transcript on disk", func(t *testing.T) {
		be := newFakeBackend(okResult())
		d, _ := setupDriver(t, be, nil)
		next, _ := messageSupplier(&session.PendingMessage{Text: "Hello"})
		sess := &session.Session{ID: "ses-gone", WorkingDir: "/w"}

		_, err := d.Run(context.Background(), sess, Params{NextMessage: next, ConfigDir: t.TempDir()})
		require.NoError(t, err)
		assert.Empty(t, be.options().Resume)
	})
}

func TestFailureClassifiers(t *testing.T) {
	t.Run("should match quota phrases case-insensitively and through punctuation", func(t *testing.T) {
		assert.True(t, IsQuotaText("usage limit reached"))
		assert.True(t, IsQuotaText("USAGE LIMIT REACHED"))
		assert.True(t, IsQuotaText("usage.limit.reached"))
		assert.True(t, IsQuotaText("You hit the limit for today"))
		assert.False(t, IsQuotaText("limit of usage"))
		assert.False(t, IsQuotaText(""))
	})

	t.Run("should match stale resume phrasing", func(t *testing.T) {
		assert.True(t, IsStaleResumeText("No conversation found with session id ses-1"))
		assert.False(t, IsStaleResumeText("conversation is fine"))
	})

	t.Run("should match exhaustion phrasing", func(t *testing.T) {
		assert.True(t, IsExhaustedText("401 Unauthorized"))
		assert.True(t, IsExhaustedText("rate-limited, retry later"))
		assert.True(t, IsExhaustedText("quota exceeded"))
		assert.True(t, IsExhaustedText("over capacity"))
		assert.False(t, IsExhaustedText("all good"))
	})
}
