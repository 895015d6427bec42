package handlers_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"iter"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/tmaxmax/go-sse"

	"github.com/agentask/agentask/internal/handlers"
	"github.com/agentask/agentask/internal/models"
)

type recordedEvent struct {
	typ  string
	data string
}

// recordingLLM captures the messages it was asked to complete, so tests can assert on the
// prompt a turn was built from.
type recordingLLM struct {
	mu     sync.Mutex
	chunks []string
	msgs   []models.Message
}

func (r *recordingLLM) Chat(_ context.Context, messages []models.Message) iter.Seq2[string, error] {
	r.mu.Lock()
	r.msgs = append([]models.Message(nil), messages...)
	r.mu.Unlock()

	return func(yield func(string, error) bool) {
		for _, chunk := range r.chunks {
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (r *recordingLLM) lastMessages() []models.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.msgs
}

// startEventServer serves the event endpoints of m and attaches one streaming client, returning
// the server and a channel of every event the client receives.
func startEventServer(t *testing.T, m handlers.Main) (*httptest.Server, <-chan recordedEvent) {
	t.Helper()

	mux := http.NewServeMux()
	mux.HandleFunc("GET /events", m.HandleEvents)
	mux.HandleFunc("POST /events/chat_message", m.HandleChatMessage)

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = m.Shutdown(ctx)
	})

	resp, err := http.Get(srv.URL + "/events")
	if err != nil {
		t.Fatalf("failed to open event stream: %v", err)
	}
	t.Cleanup(func() { resp.Body.Close() })

	events := make(chan recordedEvent, 32)
	go func() {
		defer close(events)
		for ev, err := range sse.Read(resp.Body, nil) {
			if err != nil {
				return
			}
			if ev.Type == "close" {
				return
			}
			events <- recordedEvent{typ: ev.Type, data: ev.Data}
		}
	}()

	return srv, events
}

func postChatMessage(t *testing.T, url string, payload models.ChatMessagePayload) {
	t.Helper()

	body, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("failed to marshal payload: %v", err)
	}
	resp, err := http.Post(url+"/events/chat_message", "application/json", bytes.NewReader(body))
	if err != nil {
		t.Fatalf("failed to post chat_message: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("status = %d, want %d", resp.StatusCode, http.StatusAccepted)
	}
}

func nextEvent(t *testing.T, events <-chan recordedEvent) recordedEvent {
	t.Helper()

	select {
	case ev, ok := <-events:
		if !ok {
			t.Fatal("event stream closed unexpectedly")
		}
		return ev
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for event")
	}
	return recordedEvent{}
}

func TestChatMessageStreamsResponse(t *testing.T) {
	store := newMockStore()
	m := handlers.NewMain(mockLLM{chunks: []string{"Got it. ", "A few questions first."}},
		mockCompleter{}, store, mockSearcher{}, discardLogger())
	srv, events := startEventServer(t, m)

	postChatMessage(t, srv.URL, models.ChatMessagePayload{
		Message: "I want to build an inventory system for my warehouse",
	})

	ev := nextEvent(t, events)
	if ev.typ != models.EventStreamChunk {
		t.Fatalf("first event = %q, want %q", ev.typ, models.EventStreamChunk)
	}
	var chunk models.StreamChunkPayload
	if err := json.Unmarshal([]byte(ev.data), &chunk); err != nil {
		t.Fatalf("failed to decode chunk: %v", err)
	}
	if chunk.Content != "Got it. " {
		t.Errorf("chunk content = %q, want %q", chunk.Content, "Got it. ")
	}
	if !strings.HasPrefix(chunk.ConversationID, "conv_") {
		t.Errorf("conversation id = %q, want a conv_ prefix", chunk.ConversationID)
	}

	ev = nextEvent(t, events)
	if ev.typ != models.EventStreamChunk {
		t.Fatalf("second event = %q, want %q", ev.typ, models.EventStreamChunk)
	}

	ev = nextEvent(t, events)
	if ev.typ != models.EventStreamComplete {
		t.Fatalf("third event = %q, want %q", ev.typ, models.EventStreamComplete)
	}
	var complete models.StreamCompletePayload
	if err := json.Unmarshal([]byte(ev.data), &complete); err != nil {
		t.Fatalf("failed to decode stream_complete: %v", err)
	}
	if complete.FullContent != "Got it. A few questions first." {
		t.Errorf("full content = %q", complete.FullContent)
	}
	if complete.ConversationID != chunk.ConversationID {
		t.Errorf("conversation id changed mid-turn: %q then %q", chunk.ConversationID, complete.ConversationID)
	}

	// Persistence happens after the terminal event; give the goroutine a moment.
	deadline := time.Now().Add(2 * time.Second)
	for len(store.exchanges()) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	saved := store.exchanges()
	if len(saved) != 1 {
		t.Fatalf("got %d saved exchanges, want 1", len(saved))
	}
	if saved[0].user.Content != "I want to build an inventory system for my warehouse" {
		t.Errorf("saved user content = %q, want the raw message", saved[0].user.Content)
	}
	if saved[0].assistant.Content != "Got it. A few questions first." {
		t.Errorf("saved assistant content = %q", saved[0].assistant.Content)
	}
}

func TestChatMessageSearchBracketsTurn(t *testing.T) {
	searchInfo := "**Web search results:**\n\n**1. Inventory basics**"
	llm := &recordingLLM{chunks: []string{"Based on current practice, "}}
	m := handlers.NewMain(llm, mockCompleter{}, newMockStore(),
		mockSearcher{enabled: true, context: searchInfo}, discardLogger())
	srv, events := startEventServer(t, m)

	postChatMessage(t, srv.URL, models.ChatMessagePayload{
		Message: "I want to build an inventory system for my warehouse",
	})

	ev := nextEvent(t, events)
	if ev.typ != models.EventSearchStatus {
		t.Fatalf("first event = %q, want %q", ev.typ, models.EventSearchStatus)
	}
	var status models.SearchStatusPayload
	if err := json.Unmarshal([]byte(ev.data), &status); err != nil {
		t.Fatalf("failed to decode search_status: %v", err)
	}
	if status.Status != models.SearchStatusSearching {
		t.Errorf("status = %q, want %q", status.Status, models.SearchStatusSearching)
	}

	ev = nextEvent(t, events)
	if err := json.Unmarshal([]byte(ev.data), &status); err != nil {
		t.Fatalf("failed to decode search_status: %v", err)
	}
	if ev.typ != models.EventSearchStatus || status.Status != models.SearchStatusCompleted {
		t.Fatalf("second event = %q/%q, want completed search_status", ev.typ, status.Status)
	}

	if ev = nextEvent(t, events); ev.typ != models.EventStreamChunk {
		t.Fatalf("third event = %q, want %q", ev.typ, models.EventStreamChunk)
	}

	ev = nextEvent(t, events)
	if ev.typ != models.EventStreamComplete {
		t.Fatalf("fourth event = %q, want %q", ev.typ, models.EventStreamComplete)
	}
	var complete models.StreamCompletePayload
	if err := json.Unmarshal([]byte(ev.data), &complete); err != nil {
		t.Fatalf("failed to decode stream_complete: %v", err)
	}
	if complete.SearchInfo != searchInfo {
		t.Errorf("search info = %q, want %q", complete.SearchInfo, searchInfo)
	}

	// The search context rides along in the prompt, after the user's own words.
	msgs := llm.lastMessages()
	if len(msgs) != 1 {
		t.Fatalf("llm got %d messages, want 1", len(msgs))
	}
	if !strings.Contains(msgs[0].Content, searchInfo) {
		t.Errorf("prompt %q does not carry the search context", msgs[0].Content)
	}
}

func TestChatMessageSkipsSearchWithHistory(t *testing.T) {
	m := handlers.NewMain(mockLLM{chunks: []string{"Noted."}}, mockCompleter{}, newMockStore(),
		mockSearcher{enabled: true, context: "should not appear"}, discardLogger())
	srv, events := startEventServer(t, m)

	postChatMessage(t, srv.URL, models.ChatMessagePayload{
		Message: "Make the reports exportable as spreadsheets",
		History: []models.HistoryEntry{
			{Role: models.RoleUser, Content: "I want an inventory system"},
			{Role: models.RoleAssistant, Content: "Who are the users?"},
		},
	})

	if ev := nextEvent(t, events); ev.typ != models.EventStreamChunk {
		t.Errorf("first event = %q, want %q with no search_status before it", ev.typ, models.EventStreamChunk)
	}
}

func TestChatMessageErrorPublishesErrorEvent(t *testing.T) {
	store := newMockStore()
	m := handlers.NewMain(mockLLM{err: errors.New("provider unavailable")},
		mockCompleter{}, store, mockSearcher{}, discardLogger())
	srv, events := startEventServer(t, m)

	postChatMessage(t, srv.URL, models.ChatMessagePayload{
		Message: "I want to build an inventory system for my warehouse",
	})

	ev := nextEvent(t, events)
	if ev.typ != models.EventError {
		t.Fatalf("event = %q, want %q", ev.typ, models.EventError)
	}
	var errPayload models.ErrorPayload
	if err := json.Unmarshal([]byte(ev.data), &errPayload); err != nil {
		t.Fatalf("failed to decode error payload: %v", err)
	}
	if errPayload.Message != "provider unavailable" {
		t.Errorf("error message = %q, want %q", errPayload.Message, "provider unavailable")
	}

	time.Sleep(50 * time.Millisecond)
	if got := len(store.exchanges()); got != 0 {
		t.Errorf("got %d saved exchanges after a failed turn, want 0", got)
	}
}

func TestChatMessageRequiresMessage(t *testing.T) {
	m := handlers.NewMain(mockLLM{}, mockCompleter{}, newMockStore(), mockSearcher{}, discardLogger())

	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/events/chat_message", strings.NewReader(`{"message": ""}`))
	m.HandleChatMessage(w, req)

	if w.Code != http.StatusBadRequest {
		t.Errorf("status = %d, want %d", w.Code, http.StatusBadRequest)
	}
}

func TestChatMessageKeepsClientConversationID(t *testing.T) {
	m := handlers.NewMain(mockLLM{chunks: []string{"Noted."}}, mockCompleter{}, newMockStore(),
		mockSearcher{}, discardLogger())
	srv, events := startEventServer(t, m)

	postChatMessage(t, srv.URL, models.ChatMessagePayload{
		Message:        "Add a low-stock alert via email",
		ConversationID: "conv_existing",
		History: []models.HistoryEntry{
			{Role: models.RoleUser, Content: "I want an inventory system"},
		},
	})

	ev := nextEvent(t, events)
	var chunk models.StreamChunkPayload
	if err := json.Unmarshal([]byte(ev.data), &chunk); err != nil {
		t.Fatalf("failed to decode chunk: %v", err)
	}
	if chunk.ConversationID != "conv_existing" {
		t.Errorf("conversation id = %q, want %q", chunk.ConversationID, "conv_existing")
	}
}
