// Package usage ограничивает запросы пользователей к AI по тарифу.
package usage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/clock"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
)

const (
	MessageThrottled = "Слишком часто. Попробуйте позже."
	MessageExhausted = "Дневной лимит исчерпан."
)

// Limits - ограничения тарифа. DailyLimit 0 означает безлимит
type Limits struct {
	DailyLimit int
	Throttle   time.Duration
}

var PlanLimits = map[string]Limits{
	model.PlanFree: {DailyLimit: 5},
	model.PlanPro:  {DailyLimit: 200, Throttle: 5 * time.Second},
	model.PlanCorp: {Throttle: 2 * time.Second},
}

// LimitError сообщает пользователю, что запрос отклонен
type LimitError struct {
	Message string
}

func (e *LimitError) Error() string { return e.Message }

type UsageStorage interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	UserByID(ctx context.Context, id int64) (*model.User, error)
	CountAIUsage(ctx context.Context, userID int64, from, to time.Time) (int, error)
	RecordAIUsage(ctx context.Context, userID int64, purpose string, at time.Time) error
}

type Limiter struct {
	store UsageStorage
	clock clock.Clock
	loc   *time.Location

	// Проверка и запись для одного пользователя идут одним шагом,
	// разные пользователи друг друга не ждут
	mu    sync.Mutex
	users map[int64]*userLock
}

type userLock struct {
	mu   sync.Mutex
	refs int
}

// loc - таймзона, по которой отсчитываются сутки
func NewLimiter(store UsageStorage, c clock.Clock, loc *time.Location) *Limiter {
	return &Limiter{store: store, clock: c, loc: loc, users: make(map[int64]*userLock)}
}

// lockUser берет блокировку пользователя. Общий мьютекс держится только
// на время работы с картой, запись удаляется, когда ее никто не ждет.
func (l *Limiter) lockUser(userID int64) func() {
	l.mu.Lock()
	ul, ok := l.users[userID]
	if !ok {
		ul = &userLock{}
		l.users[userID] = ul
	}
	ul.refs++
	l.mu.Unlock()

	ul.mu.Lock()
	return func() {
		ul.mu.Unlock()

		l.mu.Lock()
		ul.refs--
		if ul.refs == 0 {
			delete(l.users, userID)
		}
		l.mu.Unlock()
	}
}

// Metered сообщает, учитываются ли запросы с таким назначением
func Metered(purpose string) bool {
	return purpose == model.PurposeQA || purpose == model.PurposeDeepDive
}

// CheckAndRecord проверяет лимиты тарифа и записывает запрос в журнал.
// При превышении возвращает *LimitError.
func (l *Limiter) CheckAndRecord(ctx context.Context, userID int64, purpose string) error {
	if !Metered(purpose) {
		return nil
	}

	defer l.lockUser(userID)()

	return l.store.InTx(ctx, func(ctx context.Context) error {
		user, err := l.store.UserByID(ctx, userID)
		if err != nil {
			return fmt.Errorf("get user %d: %w", userID, err)
		}

		limits, ok := PlanLimits[user.Plan]
		if !ok {
			limits = PlanLimits[model.PlanFree]
		}

		now := l.clock.Now()

		if limits.Throttle > 0 && user.LastAIRequestAt != nil && now.Sub(*user.LastAIRequestAt) < limits.Throttle {
			return &LimitError{Message: MessageThrottled}
		}

		if limits.DailyLimit > 0 {
			from, to := DayBounds(now, l.loc)
			used, err := l.store.CountAIUsage(ctx, user.ID, from, to)
			if err != nil {
				return fmt.Errorf("count ai usage of user %d: %w", user.ID, err)
			}
			if used >= limits.DailyLimit {
				return &LimitError{Message: MessageExhausted}
			}
		}

		if err := l.store.RecordAIUsage(ctx, user.ID, purpose, now); err != nil {
			return fmt.Errorf("record ai usage of user %d: %w", user.ID, err)
		}

		return nil
	})
}

// DayBounds возвращает начало и конец календарных суток в таймзоне loc
func DayBounds(now time.Time, loc *time.Location) (time.Time, time.Time) {
	local := now.In(loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)
	return start.UTC(), start.AddDate(0, 0, 1).UTC()
}
