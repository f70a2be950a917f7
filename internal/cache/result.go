package cache

import (
	"math/rand/v2"
	"sync"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/clock"
)

// ResultCache - кэш результатов с TTL, выбранным случайно из [minTTL, maxTTL],
// и ограничением на количество записей.
// При переполнении вытесняется запись, которая истекает раньше всех,
// при равенстве - самая старая по вставке.
type ResultCache[V any] struct {
	mu         sync.Mutex
	clock      clock.Clock
	minTTL     time.Duration
	maxTTL     time.Duration
	maxEntries int
	seq        uint64
	entries    map[string]resultEntry[V]
	// Источник случайности для TTL, подменяется в тестах
	jitter func(n int64) int64
}

type resultEntry[V any] struct {
	value     V
	expiresAt time.Time
	seq       uint64
}

func NewResultCache[V any](c clock.Clock, minTTL, maxTTL time.Duration, maxEntries int) *ResultCache[V] {
	if maxTTL < minTTL {
		maxTTL = minTTL
	}

	return &ResultCache[V]{
		clock:      c,
		minTTL:     minTTL,
		maxTTL:     maxTTL,
		maxEntries: maxEntries,
		entries:    make(map[string]resultEntry[V]),
		jitter:     rand.Int64N,
	}
}

// Get возвращает значение, если оно есть и еще не истекло.
// Истекшие записи выкидываются при каждом обращении.
func (c *ResultCache[V]) Get(key string) (V, bool) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.purge(now)

	entry, ok := c.entries[key]
	if !ok {
		var zero V
		return zero, false
	}

	return entry.value, true
}

// Set сохраняет значение. Перед вставкой выкидываются истекшие записи,
// а если кэш все равно полон - вытесняются записи с ближайшим истечением.
func (c *ResultCache[V]) Set(key string, value V) {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.purge(now)

	if _, exists := c.entries[key]; !exists && c.maxEntries > 0 {
		for len(c.entries) >= c.maxEntries {
			c.evictOne()
		}
	}

	c.seq++
	c.entries[key] = resultEntry[V]{
		value:     value,
		expiresAt: now.Add(c.ttl()),
		seq:       c.seq,
	}
}

func (c *ResultCache[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	return len(c.entries)
}

func (c *ResultCache[V]) ttl() time.Duration {
	spread := int64(c.maxTTL - c.minTTL)
	if spread <= 0 {
		return c.minTTL
	}

	return c.minTTL + time.Duration(c.jitter(spread+1))
}

func (c *ResultCache[V]) purge(now time.Time) {
	for key, entry := range c.entries {
		if !entry.expiresAt.After(now) {
			delete(c.entries, key)
		}
	}
}

func (c *ResultCache[V]) evictOne() {
	var (
		victim string
		best   resultEntry[V]
		found  bool
	)

	for key, entry := range c.entries {
		if !found ||
			entry.expiresAt.Before(best.expiresAt) ||
			(entry.expiresAt.Equal(best.expiresAt) && entry.seq < best.seq) {
			victim, best, found = key, entry, true
		}
	}

	if found {
		delete(c.entries, victim)
	}
}
