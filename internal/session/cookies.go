package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-rod/rod/lib/proto"
	"github.com/redis/go-redis/v9"
)

// SavedCookies is a persisted cookie set and the time it was captured.
type SavedCookies struct {
	Cookies []*proto.NetworkCookie `json:"cookies"`
	SavedAt time.Time              `json:"savedAt"`
}

// Fresh reports whether the set is younger than ttl at now.
func (s SavedCookies) Fresh(now time.Time, ttl time.Duration) bool {
	return len(s.Cookies) > 0 && now.Sub(s.SavedAt) < ttl
}

// CookieStore persists cookie sets per account key between invocations.
type CookieStore interface {
	Load(ctx context.Context, key string) (SavedCookies, bool, error)
	Save(ctx context.Context, key string, saved SavedCookies, ttl time.Duration) error
}

// RedisCookieStore keeps cookie sets as JSON strings that expire with the TTL.
type RedisCookieStore struct {
	client *redis.Client
	prefix string
}

func NewRedisCookieStore(client *redis.Client) *RedisCookieStore {
	return &RedisCookieStore{client: client, prefix: "cookies:"}
}

func (s *RedisCookieStore) Load(ctx context.Context, key string) (SavedCookies, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return SavedCookies{}, false, nil
	}
	if err != nil {
		return SavedCookies{}, false, fmt.Errorf("load cookies: %w", err)
	}
	var saved SavedCookies
	if err := json.Unmarshal(raw, &saved); err != nil {
		return SavedCookies{}, false, fmt.Errorf("decode cookies: %w", err)
	}
	return saved, true, nil
}

func (s *RedisCookieStore) Save(ctx context.Context, key string, saved SavedCookies, ttl time.Duration) error {
	raw, err := json.Marshal(saved)
	if err != nil {
		return fmt.Errorf("encode cookies: %w", err)
	}
	return s.client.Set(ctx, s.prefix+key, raw, ttl).Err()
}

// MemoryCookieStore is an in-process CookieStore; expiry is left to SavedCookies.Fresh.
type MemoryCookieStore struct {
	mu   sync.Mutex
	sets map[string]SavedCookies
}

func NewMemoryCookieStore() *MemoryCookieStore {
	return &MemoryCookieStore{sets: make(map[string]SavedCookies)}
}

func (s *MemoryCookieStore) Load(_ context.Context, key string) (SavedCookies, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	saved, ok := s.sets[key]
	return saved, ok, nil
}

func (s *MemoryCookieStore) Save(_ context.Context, key string, saved SavedCookies, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sets[key] = saved
	return nil
}
