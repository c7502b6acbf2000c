package backend

import (
	"context"
	"io"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const apiMaxTokens = 8192

// APIBackend implements AgentBackend directly against the Anthropic Messages
// API. It carries no tool executor, so turns are text-only; it exists for
// environments where the agent binary is unavailable.
type APIBackend struct {
	client anthropic.Client
	logger zerolog.Logger
}

// NewAPIBackend creates a direct-API backend with the given key.
func NewAPIBackend(apiKey string, logger zerolog.Logger) *APIBackend {
	return &APIBackend{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		logger: logger,
	}
}

// Query streams each pushed user turn through the Messages API and emits the
// same message shapes the CLI backend produces.
func (b *APIBackend) Query(ctx context.Context, in *Stream, opts Options) (MessageStream, error) {
	cs := &cliStream{
		msgs: make(chan Message, streamBuffer),
		errc: make(chan error, 1),
	}

	sessionID := opts.Resume
	if sessionID == "" {
		sessionID = uuid.NewString()
	}

	go func() {
		defer close(cs.msgs)

		emit := func(msg Message) bool {
			select {
			case cs.msgs <- msg:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(Message{Type: MessageTypeSystem, Subtype: SubtypeInit, SessionID: sessionID}) {
			return
		}

		var history []anthropic.MessageParam
		turns := 0
		for {
			user, err := in.Recv(ctx)
			if err == io.EOF {
				emit(Message{Type: MessageTypeResult, NumTurns: turns, SessionID: sessionID})
				return
			}
			if err != nil {
				return
			}

			history = append(history, anthropic.NewUserMessage(anthropic.NewTextBlock(user.Text)))
			reply, err := b.complete(ctx, opts, history)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				emit(Message{
					Type:      MessageTypeResult,
					IsError:   true,
					NumTurns:  turns,
					Result:    err.Error(),
					SessionID: sessionID,
				})
				return
			}
			turns++
			history = append(history, reply.ToParam())

			msg := Message{Type: MessageTypeAssistant, SessionID: sessionID}
			for _, block := range reply.Content {
				switch block.Type {
				case "text":
					msg.Content = append(msg.Content, ContentBlock{Type: "text", Text: block.Text})
				case "tool_use":
					msg.Content = append(msg.Content, ContentBlock{
						Type:  "tool_use",
						ID:    block.ID,
						Name:  block.Name,
						Input: block.Input,
					})
				}
			}
			if !emit(msg) {
				return
			}
			if !emit(Message{Type: MessageTypeResult, NumTurns: turns, SessionID: sessionID}) {
				return
			}
		}
	}()

	return cs, nil
}

func (b *APIBackend) complete(ctx context.Context, opts Options, history []anthropic.MessageParam) (*anthropic.Message, error) {
	model := opts.Model
	if model == "" {
		model = string(anthropic.ModelClaudeSonnet4_20250514)
	}
	reply, err := b.stream(ctx, model, opts, history)
	if err != nil && opts.FallbackModel != "" && isOverloaded(err) {
		b.logger.Warn().
			Str("model", model).
			Str("fallback", opts.FallbackModel).
			Err(err).
			Msg("Primary model overloaded, retrying with fallback")
		return b.stream(ctx, opts.FallbackModel, opts, history)
	}
	return reply, err
}

func (b *APIBackend) stream(ctx context.Context, model string, opts Options, history []anthropic.MessageParam) (*anthropic.Message, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: apiMaxTokens,
		Messages:  history,
	}
	if len(opts.SystemPrompt) > 0 {
		params.System = []anthropic.TextBlockParam{
			{Text: strings.Join(opts.SystemPrompt, "\n\n")},
		}
	}

	stream := b.client.Messages.NewStreaming(ctx, params)
	acc := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return nil, err
		}
	}
	if err := stream.Err(); err != nil {
		return nil, err
	}
	return &acc, nil
}

func isOverloaded(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "overloaded") ||
		strings.Contains(msg, "529") ||
		strings.Contains(msg, "503")
}
