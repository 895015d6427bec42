package models

import "time"

// Message represents an individual communication entry within a conversation. The content of an
// assistant message grows in place while the remote agent is still streaming it; IsStreaming is
// true only during that window. Role and ID never change after creation.
type Message struct {
	ID        string    `json:"id"`
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`

	// IsStreaming marks the single trailing assistant message currently being appended to.
	IsStreaming bool `json:"is_streaming,omitempty"`
	// SearchInfo carries the formatted web search context attached when a turn completes.
	SearchInfo string `json:"search_info,omitempty"`
}

// Role represents the role of a message participant.
type Role string

const (
	// RoleUser represents a user message.
	RoleUser Role = "user"
	// RoleAssistant represents an assistant message.
	RoleAssistant Role = "assistant"
)

// HistoryEntry is the {role, content} projection of a Message carried by the chat_message event.
type HistoryEntry struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// History projects messages into the history shape the chat_message event carries.
func History(messages []Message) []HistoryEntry {
	entries := make([]HistoryEntry, len(messages))
	for i, msg := range messages {
		entries[i] = HistoryEntry{
			Role:    msg.Role,
			Content: msg.Content,
		}
	}
	return entries
}
