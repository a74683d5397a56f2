package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/fairwaylabs/rezgate/types"
)

// sessionKeyPrefix namespaces session state in the shared Redis keyspace.
const sessionKeyPrefix = "rezgate:session:"

// Session holds one conversation's history.
type Session struct {
	ID        string          `json:"id"`
	Messages  []types.Message `json:"messages"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// NewSession creates an empty session. An empty id gets a fresh UUID.
func NewSession(id string) *Session {
	if id == "" {
		id = uuid.NewString()
	}
	return &Session{ID: id}
}

// Append adds messages to the history.
func (s *Session) Append(msgs ...types.Message) {
	s.Messages = append(s.Messages, msgs...)
}

// SessionStore persists conversation history between turns.
type SessionStore interface {
	// Get loads a session, returning a fresh empty one when none exists.
	Get(ctx context.Context, id string) (*Session, error)
	// Save persists the session.
	Save(ctx context.Context, s *Session) error
}

// RedisSessionStore keeps sessions in Redis with a sliding TTL.
type RedisSessionStore struct {
	client *redis.Client
	ttl    time.Duration
	logger *zap.Logger
}

// NewRedisSessionStore wraps an existing client.
func NewRedisSessionStore(client *redis.Client, ttl time.Duration, logger *zap.Logger) *RedisSessionStore {
	if logger == nil {
		logger = zap.NewNop()
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisSessionStore{
		client: client,
		ttl:    ttl,
		logger: logger.With(zap.String("component", "session_store")),
	}
}

// Get implements SessionStore.
func (s *RedisSessionStore) Get(ctx context.Context, id string) (*Session, error) {
	raw, err := s.client.Get(ctx, sessionKeyPrefix+id).Result()
	if errors.Is(err, redis.Nil) {
		return NewSession(id), nil
	}
	if err != nil {
		return nil, fmt.Errorf("load session: %w", err)
	}

	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		// A corrupt session is unrecoverable; start over rather than
		// failing every subsequent turn.
		s.logger.Warn("corrupt session state, starting fresh",
			zap.String("session_id", id),
			zap.Error(err),
		)
		return NewSession(id), nil
	}
	return &sess, nil
}

// Save implements SessionStore.
func (s *RedisSessionStore) Save(ctx context.Context, sess *Session) error {
	sess.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(sess)
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := s.client.Set(ctx, sessionKeyPrefix+sess.ID, payload, s.ttl).Err(); err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}
