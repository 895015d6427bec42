package models

// Event names exchanged over the persistent connection.
const (
	EventChatMessage    = "chat_message"
	EventStreamChunk    = "stream_chunk"
	EventStreamComplete = "stream_complete"
	EventSearchStatus   = "search_status"
	EventError          = "error"
)

// Search status values carried by the search_status event.
const (
	SearchStatusSearching = "searching"
	SearchStatusCompleted = "completed"
	SearchStatusError     = "error"
)

// ChatMessagePayload is the client-to-server chat_message event. History excludes the turn being
// sent; the server receives that turn in Message.
type ChatMessagePayload struct {
	Message        string         `json:"message"`
	History        []HistoryEntry `json:"history"`
	ConversationID string         `json:"conversation_id,omitempty"`
	EnableSearch   *bool          `json:"enable_search,omitempty"`
}

// StreamChunkPayload carries one incremental piece of an assistant response.
type StreamChunkPayload struct {
	Content        string `json:"content"`
	ConversationID string `json:"conversation_id"`
}

// StreamCompletePayload is the authoritative terminal signal for one assistant turn. FullContent
// is the canonical text and supersedes any chunks accumulated before it.
type StreamCompletePayload struct {
	FullContent    string `json:"full_content"`
	ConversationID string `json:"conversation_id"`
	SearchInfo     string `json:"search_info,omitempty"`
}

// SearchStatusPayload reports progress of the server-side web search. Advisory only.
type SearchStatusPayload struct {
	Status string `json:"status"`
	Info   string `json:"info,omitempty"`
	Error  string `json:"error,omitempty"`
}

// ErrorPayload aborts the in-flight turn without completing it.
type ErrorPayload struct {
	Message string `json:"message"`
}
