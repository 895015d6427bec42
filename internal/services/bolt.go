package services

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/agentask/agentask/internal/models"
)

// ErrConversationNotFound is returned when a conversation id has no stored record.
var ErrConversationNotFound = errors.New("conversation not found")

// BoltDB persists conversations and their message exchanges using a BoltDB backend. Each
// conversation owns a dedicated message bucket keyed by a monotonic sequence, so iteration order
// is insertion order.
type BoltDB struct {
	db *bolt.DB
}

// NewBoltDB opens (creating if needed, with 0600 permissions) the database at path and ensures
// the conversations bucket exists.
func NewBoltDB(path string) (BoltDB, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return BoltDB{}, fmt.Errorf("failed to open bolt db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte("conversations"))
		return err
	})

	return BoltDB{db: db}, err
}

// Close releases the underlying database file.
func (b BoltDB) Close() error {
	return b.db.Close()
}

func messageBucketName(conversationID string) []byte {
	return []byte(fmt.Sprintf("conversation-%s", conversationID))
}

func sequenceKey(seq uint64) []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return key
}

// SaveExchange appends one user/assistant message pair to the conversation, creating the
// conversation record on first use.
func (b BoltDB) SaveExchange(_ context.Context, conversationID string, userMsg, assistantMsg models.Message) error {
	return b.db.Update(func(tx *bolt.Tx) error {
		conversations := tx.Bucket([]byte("conversations"))
		if conversations.Get([]byte(conversationID)) == nil {
			conv := models.Conversation{
				ID:        conversationID,
				CreatedAt: time.Now(),
			}
			v, err := json.Marshal(conv)
			if err != nil {
				return fmt.Errorf("failed to marshal conversation: %w", err)
			}
			if err := conversations.Put([]byte(conversationID), v); err != nil {
				return fmt.Errorf("failed to store conversation: %w", err)
			}
		}

		messages, err := tx.CreateBucketIfNotExists(messageBucketName(conversationID))
		if err != nil {
			return fmt.Errorf("failed to create message bucket: %w", err)
		}

		for _, msg := range []models.Message{userMsg, assistantMsg} {
			seq, err := messages.NextSequence()
			if err != nil {
				return fmt.Errorf("failed to get next sequence: %w", err)
			}
			v, err := json.Marshal(msg)
			if err != nil {
				return fmt.Errorf("failed to marshal message: %w", err)
			}
			if err := messages.Put(sequenceKey(seq), v); err != nil {
				return fmt.Errorf("failed to store message: %w", err)
			}
		}
		return nil
	})
}

// Messages retrieves the conversation's messages in insertion order. It returns
// ErrConversationNotFound for an unknown conversation id.
func (b BoltDB) Messages(_ context.Context, conversationID string) ([]models.Message, error) {
	var messages []models.Message
	err := b.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket([]byte("conversations")).Get([]byte(conversationID)) == nil {
			return ErrConversationNotFound
		}

		b := tx.Bucket(messageBucketName(conversationID))
		if b == nil {
			return nil
		}

		return b.ForEach(func(_, v []byte) error {
			var message models.Message
			if err := json.Unmarshal(v, &message); err != nil {
				return fmt.Errorf("failed to unmarshal message: %w", err)
			}
			messages = append(messages, message)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// Conversations lists every stored conversation, newest first.
func (b BoltDB) Conversations(_ context.Context) ([]models.Conversation, error) {
	var conversations []models.Conversation
	err := b.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket([]byte("conversations")).ForEach(func(_, v []byte) error {
			var conv models.Conversation
			if err := json.Unmarshal(v, &conv); err != nil {
				return fmt.Errorf("failed to unmarshal conversation: %w", err)
			}
			conversations = append(conversations, conv)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}

	slices.SortFunc(conversations, func(a, b models.Conversation) int {
		return b.CreatedAt.Compare(a.CreatedAt)
	})
	return conversations, nil
}

// Stats scans the stored history and aggregates conversation and message counts.
func (b BoltDB) Stats(_ context.Context) (models.ConversationStats, error) {
	var stats models.ConversationStats
	err := b.db.View(func(tx *bolt.Tx) error {
		conversations := tx.Bucket([]byte("conversations"))

		return conversations.ForEach(func(k, _ []byte) error {
			stats.TotalConversations++

			messages := tx.Bucket(messageBucketName(string(k)))
			if messages == nil {
				return nil
			}
			count := messages.Stats().KeyN
			stats.TotalMessages += count
			if count > 0 {
				stats.ActiveConversations++
			}
			return nil
		})
	})
	if err != nil {
		return models.ConversationStats{}, err
	}

	if stats.TotalConversations > 0 {
		stats.AverageMessages = float64(stats.TotalMessages) / float64(stats.TotalConversations)
	}
	return stats, nil
}
