package driftguard

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// ListVerdict is the operator override for an identity. Lists short-circuit
// the detector entirely: allow-listed identities are never throttled or
// blocked, deny-listed identities are always blocked.
type ListVerdict int

const (
	ListNone ListVerdict = iota
	ListAllow
	ListDeny
)

// Ban is a shared block record. Replicas that never tracked the identity
// locally still enforce it until Until passes.
type Ban struct {
	Until  time.Time `json:"until"`
	Reason string    `json:"reason"`
}

// DecisionStore shares enforcement decisions and operator lists across
// gateway replicas. The in-memory store serves a single process; the Redis
// store serves a fleet.
type DecisionStore interface {
	GetBan(identity string) (*Ban, error)
	SetBan(identity string, ban *Ban) error
	DeleteBan(identity string) error

	ListVerdict(identity string) (ListVerdict, error)
	SetList(identity string, verdict ListVerdict) error
}

// InMemoryDecisionStore keeps bans and lists in process memory. Expired bans
// are dropped lazily on read.
type InMemoryDecisionStore struct {
	mu    sync.RWMutex
	bans  map[string]*Ban
	lists map[string]ListVerdict
}

func NewInMemoryDecisionStore() *InMemoryDecisionStore {
	return &InMemoryDecisionStore{
		bans:  make(map[string]*Ban),
		lists: make(map[string]ListVerdict),
	}
}

func (s *InMemoryDecisionStore) GetBan(identity string) (*Ban, error) {
	s.mu.RLock()
	ban := s.bans[identity]
	s.mu.RUnlock()
	if ban == nil {
		return nil, nil
	}
	if time.Now().After(ban.Until) {
		s.mu.Lock()
		delete(s.bans, identity)
		s.mu.Unlock()
		return nil, nil
	}
	return ban, nil
}

func (s *InMemoryDecisionStore) SetBan(identity string, ban *Ban) error {
	s.mu.Lock()
	s.bans[identity] = ban
	s.mu.Unlock()
	return nil
}

func (s *InMemoryDecisionStore) DeleteBan(identity string) error {
	s.mu.Lock()
	delete(s.bans, identity)
	s.mu.Unlock()
	return nil
}

func (s *InMemoryDecisionStore) ListVerdict(identity string) (ListVerdict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lists[identity], nil
}

func (s *InMemoryDecisionStore) SetList(identity string, verdict ListVerdict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if verdict == ListNone {
		delete(s.lists, identity)
	} else {
		s.lists[identity] = verdict
	}
	return nil
}

// RedisDecisionStore shares bans and operator lists through Redis so every
// replica behind the same load balancer enforces the same verdicts. Ban TTLs
// ride on Redis key expiry.
type RedisDecisionStore struct {
	client *redis.Client
	prefix string
	ctx    context.Context
}

func NewRedisDecisionStore(client *redis.Client, prefix string) *RedisDecisionStore {
	if prefix == "" {
		prefix = "driftguard"
	}
	return &RedisDecisionStore{client: client, prefix: prefix, ctx: context.Background()}
}

func (s *RedisDecisionStore) banKey(identity string) string {
	return s.prefix + ":ban:" + identity
}

func (s *RedisDecisionStore) listKey(identity string) string {
	return s.prefix + ":list:" + identity
}

func (s *RedisDecisionStore) GetBan(identity string) (*Ban, error) {
	raw, err := s.client.Get(s.ctx, s.banKey(identity)).Bytes()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("decision store: get ban: %w", err)
	}
	var ban Ban
	if err := json.Unmarshal(raw, &ban); err != nil {
		return nil, fmt.Errorf("decision store: decode ban: %w", err)
	}
	return &ban, nil
}

func (s *RedisDecisionStore) SetBan(identity string, ban *Ban) error {
	raw, err := json.Marshal(ban)
	if err != nil {
		return fmt.Errorf("decision store: encode ban: %w", err)
	}
	ttl := time.Until(ban.Until)
	if ttl <= 0 {
		return s.DeleteBan(identity)
	}
	if err := s.client.Set(s.ctx, s.banKey(identity), raw, ttl).Err(); err != nil {
		return fmt.Errorf("decision store: set ban: %w", err)
	}
	return nil
}

func (s *RedisDecisionStore) DeleteBan(identity string) error {
	if err := s.client.Del(s.ctx, s.banKey(identity)).Err(); err != nil {
		return fmt.Errorf("decision store: delete ban: %w", err)
	}
	return nil
}

func (s *RedisDecisionStore) ListVerdict(identity string) (ListVerdict, error) {
	raw, err := s.client.Get(s.ctx, s.listKey(identity)).Result()
	if err == redis.Nil {
		return ListNone, nil
	}
	if err != nil {
		return ListNone, fmt.Errorf("decision store: list verdict: %w", err)
	}
	switch raw {
	case "allow":
		return ListAllow, nil
	case "deny":
		return ListDeny, nil
	default:
		return ListNone, nil
	}
}

func (s *RedisDecisionStore) SetList(identity string, verdict ListVerdict) error {
	key := s.listKey(identity)
	var err error
	switch verdict {
	case ListNone:
		err = s.client.Del(s.ctx, key).Err()
	case ListAllow:
		err = s.client.Set(s.ctx, key, "allow", 0).Err()
	case ListDeny:
		err = s.client.Set(s.ctx, key, "deny", 0).Err()
	}
	if err != nil {
		return fmt.Errorf("decision store: set list: %w", err)
	}
	return nil
}
