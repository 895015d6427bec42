package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/agentask/agentask/internal/models"
)

// Messages longer than this on the opening turn trigger a background web search; anything
// shorter carries too little signal to build queries from.
const searchMinMessageLen = 10

// HandleEvents serves the persistent event stream. Every server-to-client event of the protocol
// is delivered over this connection, in emission order.
func (m Main) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.sseSrv.ServeHTTP(w, r)
}

// HandleChatMessage accepts a chat_message event, acknowledges it immediately, and processes the
// turn asynchronously: the answer arrives as events on the stream, not in this response.
func (m Main) HandleChatMessage(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload models.ChatMessagePayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		m.logger.Error("Failed to decode chat_message", slog.String(errLoggerKey, err.Error()))
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}
	if payload.Message == "" {
		http.Error(w, "Message is required", http.StatusBadRequest)
		return
	}

	conversationID := payload.ConversationID
	if conversationID == "" {
		conversationID = newConversationID()
	}

	go m.processTurn(payload, conversationID)

	w.WriteHeader(http.StatusAccepted)
}

// newConversationID issues a conversation id on the first exchange. The timestamp keeps ids
// human-sortable; the uuid suffix keeps two turns started in the same second distinct.
func newConversationID() string {
	return fmt.Sprintf("conv_%s_%s",
		time.Now().Format("20060102_150405"),
		uuid.New().String()[:8])
}

func (m Main) shouldSearch(payload models.ChatMessagePayload) bool {
	if !m.searcher.Enabled() {
		return false
	}
	if payload.EnableSearch != nil && !*payload.EnableSearch {
		return false
	}
	return len(payload.History) == 0 && len(payload.Message) > searchMinMessageLen
}

// processTurn runs one full assistant turn: optional web search bracketed by search_status
// events, chunked LLM streaming, the terminal stream_complete, and persistence of the exchange.
func (m Main) processTurn(payload models.ChatMessagePayload, conversationID string) {
	ctx := context.Background()

	searchInfo := m.searchContext(ctx, payload)

	messages := make([]models.Message, 0, len(payload.History)+1)
	for _, entry := range payload.History {
		messages = append(messages, models.Message{
			Role:    entry.Role,
			Content: entry.Content,
		})
	}

	// Search context rides along inside the prompt; the raw user message is what gets persisted.
	prompt := payload.Message
	if searchInfo != "" {
		prompt += "\n\n" + searchInfo
	}
	messages = append(messages, models.Message{
		Role:    models.RoleUser,
		Content: prompt,
	})

	var full strings.Builder
	for chunk, err := range m.llm.Chat(ctx, messages) {
		if err != nil {
			m.logger.Error("Error from llm provider", slog.String(errLoggerKey, err.Error()))
			if perr := m.publishEvent(models.EventError, models.ErrorPayload{
				Message: err.Error(),
			}); perr != nil {
				m.logger.Error("Failed to publish error event", slog.String(errLoggerKey, perr.Error()))
			}
			return
		}
		if chunk == "" {
			continue
		}

		full.WriteString(chunk)
		if err := m.publishEvent(models.EventStreamChunk, models.StreamChunkPayload{
			Content:        chunk,
			ConversationID: conversationID,
		}); err != nil {
			m.logger.Error("Failed to publish stream_chunk", slog.String(errLoggerKey, err.Error()))
			return
		}
	}

	if err := m.publishEvent(models.EventStreamComplete, models.StreamCompletePayload{
		FullContent:    full.String(),
		ConversationID: conversationID,
		SearchInfo:     searchInfo,
	}); err != nil {
		m.logger.Error("Failed to publish stream_complete", slog.String(errLoggerKey, err.Error()))
		return
	}

	now := time.Now()
	userMsg := models.Message{
		ID:        uuid.New().String(),
		Role:      models.RoleUser,
		Content:   payload.Message,
		Timestamp: now,
	}
	assistantMsg := models.Message{
		ID:         uuid.New().String(),
		Role:       models.RoleAssistant,
		Content:    full.String(),
		Timestamp:  now,
		SearchInfo: searchInfo,
	}
	if err := m.store.SaveExchange(ctx, conversationID, userMsg, assistantMsg); err != nil {
		m.logger.Error("Failed to save exchange",
			slog.String("conversationID", conversationID),
			slog.String(errLoggerKey, err.Error()))
	}
}

// searchContext performs the optional web search for an opening turn, reporting progress via
// search_status events. Search failures degrade to an empty context; they never fail the turn.
func (m Main) searchContext(ctx context.Context, payload models.ChatMessagePayload) string {
	if !m.shouldSearch(payload) {
		return ""
	}

	if err := m.publishEvent(models.EventSearchStatus, models.SearchStatusPayload{
		Status: models.SearchStatusSearching,
	}); err != nil {
		m.logger.Error("Failed to publish search_status", slog.String(errLoggerKey, err.Error()))
	}

	info, err := m.searcher.RequirementContext(ctx, payload.Message)
	if err != nil {
		m.logger.Error("Web search failed", slog.String(errLoggerKey, err.Error()))
		if perr := m.publishEvent(models.EventSearchStatus, models.SearchStatusPayload{
			Status: models.SearchStatusError,
			Error:  err.Error(),
		}); perr != nil {
			m.logger.Error("Failed to publish search_status", slog.String(errLoggerKey, perr.Error()))
		}
		return ""
	}

	if err := m.publishEvent(models.EventSearchStatus, models.SearchStatusPayload{
		Status: models.SearchStatusCompleted,
	}); err != nil {
		m.logger.Error("Failed to publish search_status", slog.String(errLoggerKey, err.Error()))
	}
	return info
}
