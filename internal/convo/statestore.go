package convo

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// StateStore persists conversations across restarts.
type StateStore interface {
	Load(ctx context.Context, sender string) (*Conversation, error)
	Save(ctx context.Context, conv *Conversation) error
	Delete(ctx context.Context, sender string) error
}

// JSONCache is the subset of the Redis wrapper the state store needs.
type JSONCache interface {
	SetJSON(ctx context.Context, key string, value any, ttl time.Duration) error
	GetJSON(ctx context.Context, key string, dest any) (bool, error)
	Del(ctx context.Context, keys ...string) error
}

// RedisStateStore keeps one JSON document per sender with a TTL.
type RedisStateStore struct {
	cache  JSONCache
	ttl    time.Duration
	prefix string
}

// NewRedisStateStore creates a state store over cache.
func NewRedisStateStore(cache JSONCache, ttl time.Duration) *RedisStateStore {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisStateStore{cache: cache, ttl: ttl, prefix: "pedidos:conv:"}
}

func (s *RedisStateStore) key(sender string) string {
	return s.prefix + sender
}

func (s *RedisStateStore) Load(ctx context.Context, sender string) (*Conversation, error) {
	var conv Conversation
	ok, err := s.cache.GetJSON(ctx, s.key(sender), &conv)
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}
	if !ok {
		return nil, nil
	}
	return &conv, nil
}

func (s *RedisStateStore) Save(ctx context.Context, conv *Conversation) error {
	if err := s.cache.SetJSON(ctx, s.key(conv.Sender), conv, s.ttl); err != nil {
		return fmt.Errorf("save conversation: %w", err)
	}
	return nil
}

func (s *RedisStateStore) Delete(ctx context.Context, sender string) error {
	if err := s.cache.Del(ctx, s.key(sender)); err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	return nil
}

// MemoryStateStore is used when Redis is not configured; state does not survive a restart.
type MemoryStateStore struct {
	mu    sync.Mutex
	convs map[string]*Conversation
}

// NewMemoryStateStore creates an empty in-process store.
func NewMemoryStateStore() *MemoryStateStore {
	return &MemoryStateStore{convs: make(map[string]*Conversation)}
}

func (s *MemoryStateStore) Load(ctx context.Context, sender string) (*Conversation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.convs[sender].clone(), nil
}

func (s *MemoryStateStore) Save(ctx context.Context, conv *Conversation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.convs[conv.Sender] = conv.clone()
	return nil
}

func (s *MemoryStateStore) Delete(ctx context.Context, sender string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.convs, sender)
	return nil
}
