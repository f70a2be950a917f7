package cache

import (
	"sync"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/clock"
)

// ReplayCache запоминает одноразовые токены (например hash из initData),
// чтобы повторно присланный токен можно было отклонить.
type ReplayCache struct {
	mu      sync.Mutex
	clock   clock.Clock
	entries map[string]time.Time
}

func NewReplayCache(c clock.Clock) *ReplayCache {
	return &ReplayCache{
		clock:   c,
		entries: make(map[string]time.Time),
	}
}

// CheckAndStore возвращает true, если токен уже встречался и еще не истек.
// Иначе запоминает его на ttl и возвращает false.
// Проверка и запись происходят под одним мьютексом, поэтому из двух
// одновременных вызовов с одним токеном false получит только один.
func (c *ReplayCache) CheckAndStore(token string, ttl time.Duration) bool {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.purge(now)

	if expiresAt, ok := c.entries[token]; ok && expiresAt.After(now) {
		return true
	}

	c.entries[token] = now.Add(ttl)
	return false
}

// Len возвращает количество живых токенов
func (c *ReplayCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.purge(c.clock.Now())
	return len(c.entries)
}

func (c *ReplayCache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()

	clear(c.entries)
}

func (c *ReplayCache) purge(now time.Time) {
	for token, expiresAt := range c.entries {
		if !expiresAt.After(now) {
			delete(c.entries, token)
		}
	}
}
