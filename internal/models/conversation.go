package models

import "time"

// Conversation is the server-side record of one conversation.
type Conversation struct {
	ID        string    `json:"conversation_id"`
	CreatedAt time.Time `json:"created_at"`
}

// ConversationStats aggregates the stored conversation history.
type ConversationStats struct {
	TotalConversations  int     `json:"total_conversations"`
	TotalMessages       int     `json:"total_messages"`
	AverageMessages     float64 `json:"average_messages_per_conversation"`
	ActiveConversations int     `json:"active_conversations"`
}
