// Package handlers implements the agent side of the event protocol: it accepts chat_message
// events over HTTP, streams the assistant's answer back as stream_chunk/stream_complete events
// on a persistent SSE connection, and serves the auxiliary REST endpoints around it.
package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/tmaxmax/go-sse"
	"github.com/yuin/goldmark"
	highlighting "github.com/yuin/goldmark-highlighting"

	"github.com/agentask/agentask/internal/models"
)

// LLM streams chat completions for a conversation. The iterator yields response chunks and
// potential errors.
type LLM interface {
	Chat(ctx context.Context, messages []models.Message) iter.Seq2[string, error]
}

// Completer performs single-shot, non-streaming completions. Used for requirement analysis and
// report generation.
type Completer interface {
	Complete(ctx context.Context, prompt string) (string, error)
}

// ConversationStore persists completed exchanges and serves conversation history.
type ConversationStore interface {
	SaveExchange(ctx context.Context, conversationID string, userMsg, assistantMsg models.Message) error
	Messages(ctx context.Context, conversationID string) ([]models.Message, error)
	Conversations(ctx context.Context) ([]models.Conversation, error)
	Stats(ctx context.Context) (models.ConversationStats, error)
}

// Searcher gathers web context for a requirement. A disabled searcher reports Enabled false and
// is never queried.
type Searcher interface {
	Enabled() bool
	RequirementContext(ctx context.Context, requirement string) (string, error)
}

// Main owns the SSE event server and coordinates the LLM, the conversation store, and the web
// searcher for every incoming turn.
type Main struct {
	sseSrv   *sse.Server
	markdown goldmark.Markdown

	llm       LLM
	completer Completer
	store     ConversationStore
	searcher  Searcher

	logger *slog.Logger
}

const errLoggerKey = "err"

// NewMain creates a Main wired to the given collaborators. All clients share the default SSE
// topic: the system serves a single session per process and fan-out is out of scope.
func NewMain(llm LLM, completer Completer, store ConversationStore, searcher Searcher, logger *slog.Logger) Main {
	if logger == nil {
		logger = slog.Default()
	}

	return Main{
		sseSrv: &sse.Server{
			OnSession: func(s *sse.Session) (sse.Subscription, bool) {
				return sse.Subscription{
					Client:      s,
					LastEventID: s.LastEventID,
					Topics:      []string{sse.DefaultTopic},
				}, true
			},
		},
		markdown: goldmark.New(
			goldmark.WithExtensions(highlighting.Highlighting),
		),
		llm:       llm,
		completer: completer,
		store:     store,
		searcher:  searcher,
		logger:    logger.With(slog.String("module", "handlers")),
	}
}

// publishEvent broadcasts one named event with a JSON payload to every connected client.
func (m Main) publishEvent(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to marshal %s payload: %w", event, err)
	}

	msg := &sse.Message{Type: sse.Type(event)}
	msg.AppendData(string(data))

	if err := m.sseSrv.Publish(msg); err != nil {
		return fmt.Errorf("failed to publish %s: %w", event, err)
	}
	return nil
}

// Shutdown gracefully terminates the SSE server, closing every client stream. It waits up to
// 5 seconds before forcing remaining connections closed.
func (m Main) Shutdown(ctx context.Context) error {
	e := &sse.Message{Type: sse.Type("close")}
	e.AppendData("bye")
	_ = m.sseSrv.Publish(e)

	ctx, cancel := context.WithTimeout(ctx, time.Second*5)
	defer cancel()

	return m.sseSrv.Shutdown(ctx)
}
