package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// Conversation is one agent's history with one conversation key. The
// delivery-context columns remember where the last inbound message came
// from; only inbound processing writes them, outbound tooling only reads.
type Conversation struct {
	ID          string    `gorm:"primaryKey;column:id"`
	AgentID     string    `gorm:"column:agent_id;not null;uniqueIndex:idx_conversations_agent_key"`
	Key         string    `gorm:"column:key;not null;uniqueIndex:idx_conversations_agent_key"`
	LastChannel string    `gorm:"column:last_channel"`
	LastTo      string    `gorm:"column:last_to"`
	CreatedAt   time.Time `gorm:"column:created_at;not null"`
	UpdatedAt   time.Time `gorm:"column:updated_at;not null"`
}

func (Conversation) TableName() string {
	return "conversations"
}

type Turn struct {
	ID             string    `gorm:"primaryKey;column:id"`
	ConversationID string    `gorm:"column:conversation_id;not null;index:idx_turns_conversation"`
	Role           string    `gorm:"column:role;not null"`
	Content        string    `gorm:"column:content;not null"`
	CreatedAt      time.Time `gorm:"column:created_at;not null;index:idx_turns_conversation"`
}

func (Turn) TableName() string {
	return "turns"
}

// DeliveryContext is the stored {channel, destination} pair used to address
// outbound replies when the caller omits a destination.
type DeliveryContext struct {
	Channel string
	To      string
}

type Store struct {
	db *gorm.DB
}

func New(dsn string) (*Store, error) {
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Discard,
	})
	if err != nil {
		return nil, fmt.Errorf("store: opening database: %w", err)
	}

	if err := db.AutoMigrate(&Conversation{}, &Turn{}); err != nil {
		return nil, fmt.Errorf("store: migrating schema: %w", err)
	}

	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// GetOrCreate returns the conversation for (agentID, key), creating it on
// first contact.
func (s *Store) GetOrCreate(ctx context.Context, agentID, key string) (*Conversation, error) {
	conv := &Conversation{}
	err := s.db.WithContext(ctx).
		Where("agent_id = ? AND key = ?", agentID, key).
		First(conv).Error
	if err == nil {
		return conv, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, fmt.Errorf("store: looking up conversation: %w", err)
	}

	now := time.Now().UTC()
	conv = &Conversation{
		ID:        uuid.NewString(),
		AgentID:   agentID,
		Key:       key,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.db.WithContext(ctx).Create(conv).Error; err != nil {
		// lost a race with a concurrent inbound message for the same key
		existing := &Conversation{}
		if ferr := s.db.WithContext(ctx).
			Where("agent_id = ? AND key = ?", agentID, key).
			First(existing).Error; ferr == nil {
			return existing, nil
		}
		return nil, fmt.Errorf("store: creating conversation: %w", err)
	}
	return conv, nil
}

func (s *Store) UpdateDeliveryContext(ctx context.Context, conversationID string, dc DeliveryContext) error {
	res := s.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ?", conversationID).
		Updates(map[string]any{
			"last_channel": dc.Channel,
			"last_to":      dc.To,
			"updated_at":   time.Now().UTC(),
		})
	if res.Error != nil {
		return fmt.Errorf("store: updating delivery context: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: conversation %q not found", conversationID)
	}
	return nil
}

func (s *Store) GetDeliveryContext(ctx context.Context, conversationID string) (DeliveryContext, error) {
	conv := &Conversation{}
	err := s.db.WithContext(ctx).
		Select("last_channel", "last_to").
		Where("id = ?", conversationID).
		First(conv).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return DeliveryContext{}, fmt.Errorf("store: conversation %q not found", conversationID)
		}
		return DeliveryContext{}, fmt.Errorf("store: reading delivery context: %w", err)
	}
	return DeliveryContext{Channel: conv.LastChannel, To: conv.LastTo}, nil
}

func (s *Store) AppendTurn(ctx context.Context, conversationID, role, content string) error {
	turn := &Turn{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		CreatedAt:      time.Now().UTC(),
	}
	if err := s.db.WithContext(ctx).Create(turn).Error; err != nil {
		return fmt.Errorf("store: appending turn: %w", err)
	}
	return nil
}

// Turns returns the most recent turns in chronological order.
func (s *Store) Turns(ctx context.Context, conversationID string, limit int) ([]Turn, error) {
	if limit <= 0 {
		limit = 50
	}
	var turns []Turn
	err := s.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("created_at DESC").
		Limit(limit).
		Find(&turns).Error
	if err != nil {
		return nil, fmt.Errorf("store: listing turns: %w", err)
	}
	for i, j := 0, len(turns)-1; i < j; i, j = i+1, j-1 {
		turns[i], turns[j] = turns[j], turns[i]
	}
	return turns, nil
}
