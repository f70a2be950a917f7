// Package api - публичный HTTP интерфейс мини-приложения.
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/kovalyov-valentin/infra-bot/internal/auth"
	"github.com/kovalyov-valentin/infra-bot/internal/cache"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
)

type Storage interface {
	EnsureUser(ctx context.Context, telegramID int64, username string) (*model.User, error)
	UpdateUserSettings(ctx context.Context, user model.User) error
	Topics(ctx context.Context) ([]model.Topic, error)
	UserTopicIDs(ctx context.Context, userID int64) ([]int64, error)
	SetUserTopics(ctx context.Context, userID int64, topicIDs []int64) error
	RecentItems(ctx context.Context, topicIDs []int64, limit int) ([]model.Item, error)
	JobItems(ctx context.Context, limit int) ([]model.Item, error)
	ItemByID(ctx context.Context, id int64) (*model.Item, error)
}

type UsageLimiter interface {
	CheckAndRecord(ctx context.Context, userID int64, purpose string) error
}

type Assistant interface {
	Answer(ctx context.Context, question string) string
	DeepDive(ctx context.Context, item model.Item, clarification string) string
}

type Deps struct {
	Store     Storage
	Validator *auth.Validator
	Usage     UsageLimiter
	Assistant Assistant

	// Ограничение частоты запросов по ip и по пользователю
	RateLimiter *cache.RateLimiter
	RateLimit   int
	RateWindow  time.Duration

	Logger *zap.Logger
}

func NewHandler(deps Deps) http.Handler {
	deps.Logger = deps.Logger.Named("api")

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", handleHealth)

	r.Route("/api/public", func(r chi.Router) {
		r.Use(RateLimit(deps))

		r.Post("/auth/telegram", handleAuth(deps))
		r.Get("/topics", handleTopics(deps))

		r.Group(func(r chi.Router) {
			r.Use(CurrentUser(deps))

			r.Get("/me", handleMe(deps))
			r.Patch("/me/settings", handleUpdateSettings(deps))
			r.Put("/me/topics", handleUpdateTopics(deps))
			r.Get("/items", handleItems(deps))
			r.Get("/jobs", handleJobs(deps))
			r.Post("/ask", handleAsk(deps))
			r.Post("/ai/ask", handleAsk(deps))
			r.Post("/items/{id}/deepdive", handleDeepDive(deps))
		})
	})

	return r
}

func handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(body)
}

func httpError(w http.ResponseWriter, code int, detail string) {
	writeJSON(w, code, map[string]string{"detail": detail})
}
