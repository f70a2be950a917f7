package api

import (
	"context"
	"fmt"
	"net"
	"net/http"

	"go.uber.org/zap"

	"github.com/kovalyov-valentin/infra-bot/internal/auth"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
)

const (
	InitDataHeader = "X-Init-Data"

	messageNoInitData   = "Необходим initData."
	messageTooManyCalls = "Слишком много запросов. Попробуйте позже."
)

type userKey struct{}

// RateLimit ограничивает частоту запросов отдельно по ip и по пользователю.
// Пользователь определяется по initData без проверки на повтор.
func RateLimit(deps Deps) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if deps.RateLimiter == nil || deps.RateLimit <= 0 {
				next.ServeHTTP(w, r)
				return
			}

			keys := []string{"ip:" + clientIP(r)}
			if raw := r.Header.Get(InitDataHeader); raw != "" {
				if data, err := deps.Validator.Validate(raw, false); err == nil {
					keys = append(keys, fmt.Sprintf("user:%d", data.UserID))
				}
			}

			for _, key := range keys {
				if !deps.RateLimiter.Allow(key, deps.RateLimit, deps.RateWindow) {
					httpError(w, http.StatusTooManyRequests, messageTooManyCalls)
					return
				}
			}

			next.ServeHTTP(w, r)
		})
	}
}

// CurrentUser проверяет initData и кладет пользователя в контекст,
// создавая его при первом обращении
func CurrentUser(deps Deps) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := r.Header.Get(InitDataHeader)
			if raw == "" {
				httpError(w, http.StatusUnauthorized, messageNoInitData)
				return
			}

			data, err := deps.Validator.Validate(raw, false)
			if err != nil {
				httpError(w, http.StatusUnauthorized, auth.Message(err))
				return
			}

			user, err := deps.Store.EnsureUser(r.Context(), data.UserID, data.Username)
			if err != nil {
				deps.Logger.Error("failed to ensure user", zap.Int64("telegram_id", data.UserID), zap.Error(err))
				httpError(w, http.StatusInternalServerError, messageInternal)
				return
			}

			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userKey{}, *user)))
		})
	}
}

func userFrom(ctx context.Context) model.User {
	user, _ := ctx.Value(userKey{}).(model.User)
	return user
}

func clientIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
