// Package events publishes terminal and escalation outcomes of requests to
// interested front ends.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

type Type string

const (
	RequestApproved  Type = "RequestApproved"
	RequestCanceled  Type = "RequestCanceled"
	RequestEscalated Type = "RequestEscalated"
)

type Event struct {
	Type       Type      `json:"type"`
	RequestID  string    `json:"request_id"`
	OwnerID    string    `json:"owner_id"`
	Kind       string    `json:"kind"`
	Status     string    `json:"status"`
	Amount     int64     `json:"amount"`
	Reason     string    `json:"reason,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (p *MemoryPublisher) Publish(_ context.Context, e Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, e)
	return nil
}

func (p *MemoryPublisher) Events() []Event {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Event, len(p.events))
	copy(out, p.events)
	return out
}

// RedisPublisher fans events out on one pub/sub channel per owner.
type RedisPublisher struct {
	Client *redis.Client
	Prefix string
}

func NewRedisPublisher(client *redis.Client) *RedisPublisher {
	return &RedisPublisher{Client: client, Prefix: "paydesk:events:"}
}

func (p *RedisPublisher) Channel(ownerID string) string {
	return p.Prefix + ownerID
}

func (p *RedisPublisher) Publish(ctx context.Context, e Event) error {
	raw, err := json.Marshal(e)
	if err != nil {
		return err
	}
	return p.Client.Publish(ctx, p.Channel(e.OwnerID), raw).Err()
}
