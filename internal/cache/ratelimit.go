package cache

import (
	"sync"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/clock"
)

// RateLimiter - лимитер со скользящим окном по произвольным ключам.
// Хранит время каждого разрешенного события внутри окна.
type RateLimiter struct {
	mu     sync.Mutex
	clock  clock.Clock
	events map[string][]time.Time
}

func NewRateLimiter(c clock.Clock) *RateLimiter {
	return &RateLimiter{
		clock:  c,
		events: make(map[string][]time.Time),
	}
}

// Allow разрешает событие, если за последние window по ключу было меньше limit событий.
// Разрешенное событие сразу учитывается. limit <= 0 означает отсутствие ограничения.
func (l *RateLimiter) Allow(key string, limit int, window time.Duration) bool {
	if limit <= 0 {
		return true
	}

	now := l.clock.Now()
	cutoff := now.Add(-window)

	l.mu.Lock()
	defer l.mu.Unlock()

	// Отбрасываем события, выпавшие из окна. Срез отсортирован по времени
	timestamps := l.events[key]
	start := 0
	for start < len(timestamps) && timestamps[start].Before(cutoff) {
		start++
	}
	timestamps = timestamps[start:]

	if len(timestamps) >= limit {
		l.events[key] = timestamps
		return false
	}

	l.events[key] = append(timestamps, now)
	return true
}

func (l *RateLimiter) Clear() {
	l.mu.Lock()
	defer l.mu.Unlock()

	clear(l.events)
}
