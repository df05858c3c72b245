// Package session keeps short-lived per-owner conversation state.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/wizardbeardstudio/paydesk/internal/platform/clock"
)

const DefaultTTL = 30 * time.Minute

// State is what the front end needs to resume a conversation.
type State struct {
	RequestID string            `json:"request_id"`
	Step      string            `json:"step"`
	Data      map[string]string `json:"data,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}

type Store interface {
	Get(ctx context.Context, ownerID string) (State, bool, error)
	Put(ctx context.Context, ownerID string, st State) error
	Clear(ctx context.Context, ownerID string) error
}

type memoryEntry struct {
	state     State
	expiresAt time.Time
}

// MemoryStore expires entries lazily on read.
type MemoryStore struct {
	Clock clock.Clock
	TTL   time.Duration

	mu      sync.Mutex
	entries map[string]memoryEntry
}

func NewMemoryStore(clk clock.Clock, ttl time.Duration) *MemoryStore {
	if clk == nil {
		clk = clock.RealClock{}
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryStore{Clock: clk, TTL: ttl, entries: make(map[string]memoryEntry)}
}

func (s *MemoryStore) Get(_ context.Context, ownerID string) (State, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[ownerID]
	if !ok {
		return State{}, false, nil
	}
	if !s.Clock.Now().Before(e.expiresAt) {
		delete(s.entries, ownerID)
		return State{}, false, nil
	}
	return e.state, true, nil
}

func (s *MemoryStore) Put(_ context.Context, ownerID string, st State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.Clock.Now()
	st.UpdatedAt = now
	s.entries[ownerID] = memoryEntry{state: st, expiresAt: now.Add(s.TTL)}
	return nil
}

func (s *MemoryStore) Clear(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, ownerID)
	return nil
}

// RedisStore keeps one JSON value per owner with a native key TTL.
type RedisStore struct {
	Client *redis.Client
	TTL    time.Duration
	Prefix string
}

func NewRedisStore(client *redis.Client, ttl time.Duration) *RedisStore {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &RedisStore{Client: client, TTL: ttl, Prefix: "paydesk:session:"}
}

func (s *RedisStore) key(ownerID string) string {
	return s.Prefix + ownerID
}

func (s *RedisStore) Get(ctx context.Context, ownerID string) (State, bool, error) {
	raw, err := s.Client.Get(ctx, s.key(ownerID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return State{}, false, nil
	}
	if err != nil {
		return State{}, false, err
	}
	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, false, err
	}
	return st, true, nil
}

func (s *RedisStore) Put(ctx context.Context, ownerID string, st State) error {
	st.UpdatedAt = time.Now().UTC()
	raw, err := json.Marshal(st)
	if err != nil {
		return err
	}
	return s.Client.Set(ctx, s.key(ownerID), raw, s.TTL).Err()
}

func (s *RedisStore) Clear(ctx context.Context, ownerID string) error {
	return s.Client.Del(ctx, s.key(ownerID)).Err()
}
