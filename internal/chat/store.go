// Package chat implements the streaming message reconciliation engine: an ordered conversation
// log reconciled from partial and complete transport events, together with the command surface a
// presentation layer drives it through.
package chat

import (
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agentask/agentask/internal/models"
)

// Transport is the slice of the event connection the store needs: fire-and-forget sends and
// ordered event subscriptions. *transport.Conn satisfies it.
type Transport interface {
	Send(event string, payload any)
	Subscribe(event string, fn func(data []byte))
}

// ErrTurnInFlight is returned by SendMessage while a previous turn is still awaiting its
// terminal event. Overlapping sends would break the single-streaming-message invariant, so the
// store treats them as a caller bug rather than queueing them.
var ErrTurnInFlight = errors.New("chat: a turn is already in flight")

const welcomeText = "Hello! I am agent_ask. Please tell me your requirements, " +
	"and I will help you clarify the details."

func seedMessage() models.Message {
	return models.Message{
		ID:        "welcome",
		Role:      models.RoleAssistant,
		Content:   welcomeText,
		Timestamp: time.Now(),
	}
}

// Store owns the conversation state: the ordered message log, the loading and searching flags,
// the selected options, the free-text draft, and the active conversation id. All mutation happens
// inside the store, driven either by a user command or by a transport event; the transport and
// the presentation layer only call the command surface or read snapshots.
type Store struct {
	transport Transport
	onError   func(message string)
	logger    *slog.Logger

	mu              sync.Mutex
	messages        []models.Message
	selectedOptions []string
	input           string
	conversationID  string
	loading         bool
	searching       bool
}

// New creates a Store seeded with the welcome message and wires the incoming event handlers.
// Wiring happens exactly once per store; re-subscribing would double-count streamed text.
// onError receives the message of every error event and may be nil.
func New(t Transport, onError func(message string), logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Store{
		transport: t,
		onError:   onError,
		logger:    logger.With(slog.String("module", "chat")),
		messages:  []models.Message{seedMessage()},
	}

	t.Subscribe(models.EventStreamChunk, s.handleStreamChunk)
	t.Subscribe(models.EventStreamComplete, s.handleStreamComplete)
	t.Subscribe(models.EventSearchStatus, s.handleSearchStatus)
	t.Subscribe(models.EventError, s.handleError)

	return s
}

// SendMessage appends a user turn composed from text and the selected options, marks the turn
// outstanding, and fires a chat_message event carrying the prior log as history. Empty text with
// no selected options is a no-op. Calling it while a turn is outstanding returns ErrTurnInFlight.
//
// The history the server receives deliberately excludes the turn being sent: the new turn
// travels in the message field itself.
func (s *Store) SendMessage(text string) error {
	s.mu.Lock()

	if s.loading {
		s.mu.Unlock()
		return ErrTurnInFlight
	}

	trimmed := strings.TrimSpace(text)
	if trimmed == "" && len(s.selectedOptions) == 0 {
		s.mu.Unlock()
		return nil
	}

	content := text
	if len(s.selectedOptions) > 0 {
		selected := "Selected options: " + strings.Join(s.selectedOptions, "; ")
		if trimmed == "" {
			content = selected
		} else {
			content = text + "\n\n" + selected
		}
	}

	// Captured before the new user message is appended: the server receives the new turn as the
	// primary message field, not as part of history.
	history := models.History(s.messages)

	s.messages = append(s.messages, models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   content,
		Timestamp: time.Now(),
	})
	s.input = ""
	s.selectedOptions = nil
	s.loading = true

	payload := models.ChatMessagePayload{
		Message:        content,
		History:        history,
		ConversationID: s.conversationID,
	}
	s.mu.Unlock()

	s.transport.Send(models.EventChatMessage, payload)
	return nil
}

// ToggleOption adds opt to the selection set if absent and removes it if present.
func (s *Store) ToggleOption(opt string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := slices.Index(s.selectedOptions, opt); idx >= 0 {
		s.selectedOptions = slices.Delete(s.selectedOptions, idx, idx+1)
		return
	}
	s.selectedOptions = append(s.selectedOptions, opt)
}

// ClearSelectedOptions empties the selection set.
func (s *Store) ClearSelectedOptions() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selectedOptions = nil
}

// NewConversation resets the log to the seeded welcome message and clears the conversation id,
// selection set, input draft, and loading/searching flags. An in-flight turn is abandoned: its
// transport-level request is not cancelled, but any late chunk or completion it produces is
// suppressed because no turn is outstanding afterwards. The transport stays connected.
func (s *Store) NewConversation() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.messages = []models.Message{seedMessage()}
	s.conversationID = ""
	s.selectedOptions = nil
	s.input = ""
	s.loading = false
	s.searching = false
}

// SetInput replaces the free-text draft. The draft is local-only state kept for the
// presentation layer; it is never transmitted by itself.
func (s *Store) SetInput(input string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.input = input
}

// Input returns the current free-text draft.
func (s *Store) Input() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.input
}

// Messages returns a snapshot of the conversation log. The returned slice is a copy; later
// transitions never mutate it.
func (s *Store) Messages() []models.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.messages)
}

// IsLoading reports whether a turn has been sent and no terminal event has arrived for it.
func (s *Store) IsLoading() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loading
}

// IsSearching reports whether the remote side has signaled an in-progress lookup.
func (s *Store) IsSearching() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.searching
}

// SelectedOptions returns a snapshot of the currently selected options.
func (s *Store) SelectedOptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.selectedOptions)
}

// ConversationID returns the conversation id issued by the server, or an empty string before the
// first completed exchange.
func (s *Store) ConversationID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conversationID
}

// staleLocked reports whether an event tagged with convID belongs to an abandoned or foreign
// turn. Events are only accepted while a turn is outstanding, and only when their conversation id
// does not contradict the current one. An empty id on either side cannot contradict: the server
// issues the id with the first completion, so the first turn's events arrive before the store
// has adopted one.
func (s *Store) staleLocked(convID string) bool {
	if !s.loading {
		return true
	}
	return convID != "" && s.conversationID != "" && convID != s.conversationID
}

func (s *Store) handleStreamChunk(data []byte) {
	var p models.StreamChunkPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error("Failed to decode stream_chunk", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staleLocked(p.ConversationID) {
		s.logger.Debug("Dropping stale stream_chunk", slog.String("conversationID", p.ConversationID))
		return
	}

	last := len(s.messages) - 1
	if last >= 0 && s.messages[last].Role == models.RoleAssistant && s.messages[last].IsStreaming {
		s.messages[last].Content += p.Content
		return
	}

	// No streaming message at the tail: either this is the first chunk of the turn or a prior
	// completion signal was missed. Start a fresh streaming message either way.
	s.messages = append(s.messages, models.Message{
		ID:          uuid.New().String(),
		Role:        models.RoleAssistant,
		Content:     p.Content,
		Timestamp:   time.Now(),
		IsStreaming: true,
	})
}

func (s *Store) handleStreamComplete(data []byte) {
	var p models.StreamCompletePayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error("Failed to decode stream_complete", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.staleLocked(p.ConversationID) {
		s.logger.Debug("Dropping stale stream_complete", slog.String("conversationID", p.ConversationID))
		return
	}

	last := len(s.messages) - 1
	if last >= 0 && s.messages[last].Role == models.RoleAssistant {
		// FullContent is the canonical text for the turn; it overwrites whatever the chunks
		// accumulated. Covers both streaming and non-streaming delivery.
		s.messages[last].Content = p.FullContent
		s.messages[last].SearchInfo = p.SearchInfo
		s.messages[last].IsStreaming = false
	} else {
		s.messages = append(s.messages, models.Message{
			ID:         uuid.New().String(),
			Role:       models.RoleAssistant,
			Content:    p.FullContent,
			Timestamp:  time.Now(),
			SearchInfo: p.SearchInfo,
		})
	}

	s.loading = false
	if p.ConversationID != "" {
		s.conversationID = p.ConversationID
	}
}

func (s *Store) handleSearchStatus(data []byte) {
	var p models.SearchStatusPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error("Failed to decode search_status", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch p.Status {
	case models.SearchStatusSearching:
		s.searching = true
	case models.SearchStatusCompleted, models.SearchStatusError:
		s.searching = false
	default:
		s.logger.Warn("Unknown search status", slog.String("status", p.Status))
	}
}

// handleError aborts the in-flight turn without completing it. A partially streamed trailing
// message keeps its content and is finalized.
func (s *Store) handleError(data []byte) {
	var p models.ErrorPayload
	if err := json.Unmarshal(data, &p); err != nil {
		s.logger.Error("Failed to decode error event", slog.String("err", err.Error()))
		return
	}

	s.mu.Lock()
	s.loading = false
	s.searching = false
	if last := len(s.messages) - 1; last >= 0 && s.messages[last].IsStreaming {
		s.messages[last].IsStreaming = false
	}
	s.mu.Unlock()

	s.logger.Error("Server reported error", slog.String("message", p.Message))
	if s.onError != nil {
		s.onError(p.Message)
	}
}
