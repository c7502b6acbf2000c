package backend

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/rs/zerolog"
)

// CLIBackend drives the agent's command-line binary in stream-json mode:
// user turns are written to stdin as JSON lines and agent messages are read
// back from stdout the same way.
type CLIBackend struct {
	binary string
	logger zerolog.Logger
}

// NewCLIBackend creates a backend around the given agent binary.
func NewCLIBackend(binary string, logger zerolog.Logger) *CLIBackend {
	if binary == "" {
		binary = "claude"
	}
	return &CLIBackend{binary: binary, logger: logger}
}

// wireEnvelope is one stdout line from the agent binary. Assistant and user
// payloads arrive nested under "message".
type wireEnvelope struct {
	Type      MessageType `json:"type"`
	Subtype   string      `json:"subtype,omitempty"`
	SessionID string      `json:"session_id,omitempty"`
	Message   *struct {
		Content []ContentBlock `json:"content"`
	} `json:"message,omitempty"`
	ParentToolUseID string    `json:"parent_tool_use_id,omitempty"`
	IsError         bool      `json:"is_error,omitempty"`
	NumTurns        int       `json:"num_turns,omitempty"`
	Result          string    `json:"result,omitempty"`
	Errors          ErrorList `json:"errors,omitempty"`
}

func (e wireEnvelope) toMessage() Message {
	msg := Message{
		Type:      e.Type,
		Subtype:   e.Subtype,
		SessionID: e.SessionID,
		IsError:   e.IsError,
		NumTurns:  e.NumTurns,
		Result:    e.Result,
		Errors:    e.Errors,
	}
	if e.Message != nil {
		msg.Content = e.Message.Content
		if e.ParentToolUseID != "" {
			for i := range msg.Content {
				if msg.Content[i].Type == "tool_use" && msg.Content[i].ParentToolUseID == "" {
					msg.Content[i].ParentToolUseID = e.ParentToolUseID
				}
			}
		}
	}
	return msg
}

func (b *CLIBackend) buildArgs(opts Options) []string {
	args := []string{
		"--print",
		"--output-format", "stream-json",
		"--input-format", "stream-json",
		"--verbose",
	}
	if opts.Model != "" {
		args = append(args, "--model", opts.Model)
	}
	if opts.FallbackModel != "" {
		args = append(args, "--fallback-model", opts.FallbackModel)
	}
	if len(opts.SystemPrompt) > 0 {
		args = append(args, "--append-system-prompt", strings.Join(opts.SystemPrompt, "\n\n"))
	}
	if len(opts.AllowedTools) > 0 {
		args = append(args, "--allowedTools", strings.Join(opts.AllowedTools, ","))
	}
	if len(opts.DisallowedTools) > 0 {
		args = append(args, "--disallowedTools", strings.Join(opts.DisallowedTools, ","))
	}
	if opts.PermissionMode != "" {
		args = append(args, "--permission-mode", opts.PermissionMode)
	}
	if opts.Resume != "" {
		args = append(args, "--resume", opts.Resume)
	}
	args = append(args, opts.ExtraArgs...)
	return args
}

// Query spawns the binary and wires both directions. Cancelling ctx kills
// the process; the returned stream then reports ErrQueryAborted.
func (b *CLIBackend) Query(ctx context.Context, in *Stream, opts Options) (MessageStream, error) {
	cmd := exec.Command(b.binary, b.buildArgs(opts)...)
	cmd.Dir = opts.WorkingDir
	cmd.Env = os.Environ()
	for k, v := range opts.Env {
		cmd.Env = append(cmd.Env, k+"="+v)
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("spawn %s: %w", b.binary, err)
	}

	b.logger.Debug().
		Str("binary", b.binary).
		Str("cwd", opts.WorkingDir).
		Str("resume", opts.Resume).
		Msg("Backend process started")

	cs := &cliStream{
		msgs: make(chan Message, streamBuffer),
		errc: make(chan error, 1),
	}

	// stdin pump: user stream -> process
	go func() {
		defer stdin.Close()
		enc := json.NewEncoder(stdin)
		for {
			msg, err := in.Recv(ctx)
			if err != nil {
				return
			}
			line := map[string]interface{}{
				"type": "user",
				"message": map[string]interface{}{
					"role": "user",
					"content": []map[string]string{
						{"type": "text", "text": msg.Text},
					},
				},
			}
			if err := enc.Encode(line); err != nil {
				b.logger.Warn().Err(err).Msg("Failed to write user message")
				return
			}
		}
	}()

	// stdout pump: process -> message stream
	go func() {
		defer close(cs.msgs)
		scanner := bufio.NewScanner(stdout)
		scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
		for scanner.Scan() {
			line := strings.TrimSpace(scanner.Text())
			if line == "" {
				continue
			}
			var env wireEnvelope
			if err := json.Unmarshal([]byte(line), &env); err != nil {
				b.logger.Warn().Err(err).Msg("Skipping unparseable backend line")
				continue
			}
			select {
			case cs.msgs <- env.toMessage():
			case <-ctx.Done():
				cmd.Process.Kill()
				cmd.Wait()
				return
			}
		}
		if err := cmd.Wait(); err != nil && ctx.Err() == nil {
			cs.errc <- fmt.Errorf("backend process: %w", err)
		}
	}()

	// ctx watcher: kill the process on cooperative cancel
	go func() {
		<-ctx.Done()
		cmd.Process.Kill()
	}()

	return cs, nil
}

type cliStream struct {
	msgs chan Message
	errc chan error
}

func (s *cliStream) Next(ctx context.Context) (Message, error) {
	select {
	case msg, ok := <-s.msgs:
		if !ok {
			select {
			case err := <-s.errc:
				return Message{}, err
			default:
			}
			if ctx.Err() != nil {
				return Message{}, ErrQueryAborted
			}
			return Message{}, io.EOF
		}
		return msg, nil
	case <-ctx.Done():
		return Message{}, ErrQueryAborted
	}
}
