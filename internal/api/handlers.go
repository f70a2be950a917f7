package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/kovalyov-valentin/infra-bot/internal/auth"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
	"github.com/kovalyov-valentin/infra-bot/internal/usage"
)

const (
	maxBodySize = 64 << 10

	defaultItemsLimit = 20
	maxItemsLimit     = 100
	jobsLimit         = 50
)

const (
	messageInternal     = "Внутренняя ошибка. Попробуйте позже."
	messageBadRequest   = "Некорректный запрос."
	messageWelcome      = "Добро пожаловать!"
	messageBadMode      = "Неизвестный режим доставки."
	messageBadInterval  = "Интервал дайджеста должен быть от 1 до 24 часов."
	messageBadQuietHour = "Тихие часы задаются от 0 до 23."
	messageEmptyPrompt  = "Пустой вопрос."
	messageItemNotFound = "Материал не найден."
)

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	defer r.Body.Close()

	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		httpError(w, http.StatusBadRequest, messageBadRequest)
		return false
	}
	return true
}

func handleAuth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req authRequest
		if !decode(w, r, &req) {
			return
		}

		data, err := deps.Validator.Validate(req.InitData, true)
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

		out, ok := userWithTopics(w, r, deps, *user)
		if !ok {
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"user": out, "message": messageWelcome})
	}
}

func handleMe(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if out, ok := userWithTopics(w, r, deps, userFrom(r.Context())); ok {
			writeJSON(w, http.StatusOK, out)
		}
	}
}

func userWithTopics(w http.ResponseWriter, r *http.Request, deps Deps, user model.User) (userOut, bool) {
	topicIDs, err := deps.Store.UserTopicIDs(r.Context(), user.ID)
	if err != nil {
		deps.Logger.Error("failed to load user topics", zap.Int64("user_id", user.ID), zap.Error(err))
		httpError(w, http.StatusInternalServerError, messageInternal)
		return userOut{}, false
	}
	return newUserOut(user, topicIDs), true
}

func handleUpdateSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req settingsUpdate
		if !decode(w, r, &req) {
			return
		}

		user := userFrom(r.Context())
		if code, msg := applySettings(&user, req); code != 0 {
			httpError(w, code, msg)
			return
		}

		if err := deps.Store.UpdateUserSettings(r.Context(), user); err != nil {
			deps.Logger.Error("failed to update settings", zap.Int64("user_id", user.ID), zap.Error(err))
			httpError(w, http.StatusInternalServerError, messageInternal)
			return
		}

		if out, ok := userWithTopics(w, r, deps, user); ok {
			writeJSON(w, http.StatusOK, out)
		}
	}
}

// applySettings переносит заданные поля в пользователя.
// При ошибке возвращает http код и сообщение
func applySettings(user *model.User, req settingsUpdate) (int, string) {
	if req.JobsEnabled != nil {
		if user.Plan != model.PlanPro {
			return http.StatusForbidden, usage.MessageJobsPlan
		}
		user.JobsEnabled = *req.JobsEnabled
	}

	if req.DeliveryMode != nil {
		if *req.DeliveryMode != model.DeliveryDigest && *req.DeliveryMode != model.DeliveryInstant {
			return http.StatusBadRequest, messageBadMode
		}
		user.DeliveryMode = *req.DeliveryMode
	}

	if req.DigestIntervalHours != nil {
		if *req.DigestIntervalHours < 1 || *req.DigestIntervalHours > 24 {
			return http.StatusBadRequest, messageBadInterval
		}
		user.DigestIntervalHours = *req.DigestIntervalHours
	}

	for _, hour := range []*int{req.QuietHoursStart, req.QuietHoursEnd} {
		if hour != nil && (*hour < 0 || *hour > 23) {
			return http.StatusBadRequest, messageBadQuietHour
		}
	}
	if req.QuietHoursStart != nil {
		user.QuietHoursStart = req.QuietHoursStart
	}
	if req.QuietHoursEnd != nil {
		user.QuietHoursEnd = req.QuietHoursEnd
	}

	if req.OnlyImportant != nil {
		user.OnlyImportant = *req.OnlyImportant
	}

	return 0, ""
}

func handleTopics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		topics, err := deps.Store.Topics(r.Context())
		if err != nil {
			deps.Logger.Error("failed to list topics", zap.Error(err))
			httpError(w, http.StatusInternalServerError, messageInternal)
			return
		}

		writeJSON(w, http.StatusOK, lo.Map(topics, func(topic model.Topic, _ int) topicOut {
			return topicOut{ID: topic.ID, Name: topic.Name, Description: topic.Description}
		}))
	}
}

func handleUpdateTopics(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req topicsUpdate
		if !decode(w, r, &req) {
			return
		}

		user := userFrom(r.Context())
		if err := deps.Store.SetUserTopics(r.Context(), user.ID, lo.Uniq(req.TopicIDs)); err != nil {
			deps.Logger.Error("failed to set topics", zap.Int64("user_id", user.ID), zap.Error(err))
			httpError(w, http.StatusInternalServerError, messageInternal)
			return
		}

		if out, ok := userWithTopics(w, r, deps, user); ok {
			writeJSON(w, http.StatusOK, out)
		}
	}
}

func handleItems(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := defaultItemsLimit
		if raw := r.URL.Query().Get("limit"); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil || n < 1 {
				httpError(w, http.StatusBadRequest, messageBadRequest)
				return
			}
			limit = min(n, maxItemsLimit)
		}

		user := userFrom(r.Context())
		topicIDs, err := deps.Store.UserTopicIDs(r.Context(), user.ID)
		if err != nil {
			deps.Logger.Error("failed to load user topics", zap.Int64("user_id", user.ID), zap.Error(err))
			httpError(w, http.StatusInternalServerError, messageInternal)
			return
		}

		items, err := deps.Store.RecentItems(r.Context(), topicIDs, limit)
		if err != nil {
			deps.Logger.Error("failed to list items", zap.Int64("user_id", user.ID), zap.Error(err))
			httpError(w, http.StatusInternalServerError, messageInternal)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"items": newItemsOut(items)})
	}
}

func handleJobs(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := usage.JobsAccess(userFrom(r.Context())); err != nil {
			httpError(w, http.StatusForbidden, err.Error())
			return
		}

		items, err := deps.Store.JobItems(r.Context(), jobsLimit)
		if err != nil {
			deps.Logger.Error("failed to list jobs", zap.Error(err))
			httpError(w, http.StatusInternalServerError, messageInternal)
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"items":   newItemsOut(items),
			"message": fmt.Sprintf("Найдено %d вакансий", len(items)),
		})
	}
}

func handleAsk(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req askRequest
		if !decode(w, r, &req) {
			return
		}
		if strings.TrimSpace(req.Prompt) == "" {
			httpError(w, http.StatusBadRequest, messageEmptyPrompt)
			return
		}

		purpose := lo.Ternary(req.Purpose == "", model.PurposeQA, req.Purpose)
		if !meter(w, r, deps, purpose) {
			return
		}

		writeJSON(w, http.StatusOK, messageOut{Message: deps.Assistant.Answer(r.Context(), req.Prompt)})
	}
}

func handleDeepDive(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
		if err != nil {
			httpError(w, http.StatusBadRequest, messageBadRequest)
			return
		}

		var req deepDiveRequest
		if !decode(w, r, &req) {
			return
		}

		item, err := deps.Store.ItemByID(r.Context(), id)
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, messageItemNotFound)
			return
		}
		if err != nil {
			deps.Logger.Error("failed to load item", zap.Int64("item_id", id), zap.Error(err))
			httpError(w, http.StatusInternalServerError, messageInternal)
			return
		}

		if !meter(w, r, deps, model.PurposeDeepDive) {
			return
		}

		writeJSON(w, http.StatusOK, messageOut{Message: deps.Assistant.DeepDive(r.Context(), *item, req.Clarification)})
	}
}

// meter учитывает запрос к AI. Отказ по лимиту - 429
func meter(w http.ResponseWriter, r *http.Request, deps Deps, purpose string) bool {
	user := userFrom(r.Context())

	err := deps.Usage.CheckAndRecord(r.Context(), user.ID, purpose)
	if err == nil {
		return true
	}

	var limitErr *usage.LimitError
	if errors.As(err, &limitErr) {
		httpError(w, http.StatusTooManyRequests, limitErr.Message)
		return false
	}

	deps.Logger.Error("failed to record ai usage", zap.Int64("user_id", user.ID), zap.Error(err))
	httpError(w, http.StatusInternalServerError, messageInternal)
	return false
}
