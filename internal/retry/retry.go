// Package retry повторяет вызовы внешних сервисов при временных ошибках.
package retry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// Сколько раз пробуем по умолчанию. Паузы 1s, 2s
const DefaultAttempts = 3

// StatusError - ответ внешнего сервиса с неуспешным HTTP статусом
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("unexpected status %d: %s", e.StatusCode, e.Body)
}

// Policy описывает количество попыток и базовую паузу.
// Пауза удваивается после каждой неудачной попытки.
type Policy struct {
	Attempts int
	Backoff  time.Duration
	// Вызывается перед каждой повторной попыткой, удобно для логов
	OnRetry func(attempt int, err error)
}

func DefaultPolicy() Policy {
	return Policy{Attempts: DefaultAttempts, Backoff: time.Second}
}

// Do вызывает fn, пока она не вернет nil, постоянную ошибку или не кончатся попытки.
// Отмена контекста прерывает ожидание между попытками.
func Do(ctx context.Context, p Policy, fn func(ctx context.Context) error) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if p.OnRetry != nil {
				p.OnRetry(attempt+1, lastErr)
			}

			backoff := p.Backoff * time.Duration(1<<(attempt-1))
			timer := time.NewTimer(backoff)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}

		err := fn(ctx)
		if err == nil {
			return nil
		}
		lastErr = err

		if !IsTransient(err) {
			return err
		}
	}

	return lastErr
}

// IsTransient решает, имеет ли смысл повторять запрос.
// 429 и 5xx повторяем, остальные 4xx - нет. Сетевые ошибки и таймауты
// считаются временными, отмена контекста вызывающим - нет.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.Canceled) {
		return false
	}

	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		return statusErr.StatusCode == http.StatusTooManyRequests || statusErr.StatusCode >= 500
	}

	var permanent *permanentError
	if errors.As(err, &permanent) {
		return false
	}

	return true
}

// Permanent помечает ошибку как неповторяемую
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }
