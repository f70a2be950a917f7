package api

import (
	"encoding/json"
	"time"

	"github.com/samber/lo"

	"github.com/kovalyov-valentin/infra-bot/internal/model"
)

type userOut struct {
	ID                  int64   `json:"id"`
	TelegramID          int64   `json:"tg_id"`
	Username            string  `json:"username,omitempty"`
	Plan                string  `json:"plan_tier"`
	JobsEnabled         bool    `json:"jobs_enabled"`
	DeliveryMode        string  `json:"delivery_mode"`
	DigestIntervalHours int     `json:"batch_interval_hours"`
	QuietHoursStart     *int    `json:"quiet_hours_start"`
	QuietHoursEnd       *int    `json:"quiet_hours_end"`
	OnlyImportant       bool    `json:"only_important"`
	TopicIDs            []int64 `json:"topic_ids"`
}

func newUserOut(user model.User, topicIDs []int64) userOut {
	return userOut{
		ID:                  user.ID,
		TelegramID:          user.TelegramID,
		Username:            user.Username,
		Plan:                user.Plan,
		JobsEnabled:         user.JobsEnabled,
		DeliveryMode:        user.DeliveryMode,
		DigestIntervalHours: user.DigestIntervalHours,
		QuietHoursStart:     user.QuietHoursStart,
		QuietHoursEnd:       user.QuietHoursEnd,
		OnlyImportant:       user.OnlyImportant,
		TopicIDs:            lo.Ternary(topicIDs == nil, []int64{}, topicIDs),
	}
}

type topicOut struct {
	ID          int64  `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

type itemOut struct {
	ID          int64           `json:"id"`
	SourceID    int64           `json:"source_id"`
	URL         string          `json:"url,omitempty"`
	Title       string          `json:"title"`
	Text        string          `json:"text"`
	PublishedAt *time.Time      `json:"published_at"`
	Lang        string          `json:"lang"`
	IsJob       bool            `json:"is_job"`
	Impact      string          `json:"impact,omitempty"`
	TrustScore  *int            `json:"trust_score"`
	TrustStatus string          `json:"trust_status,omitempty"`
	Sentinel    json.RawMessage `json:"sentinel_json,omitempty"`
}

func newItemsOut(items []model.Item) []itemOut {
	return lo.Map(items, func(item model.Item, _ int) itemOut {
		return itemOut{
			ID:          item.ID,
			SourceID:    item.SourceID,
			URL:         item.URL,
			Title:       item.Title,
			Text:        item.Text,
			PublishedAt: item.PublishedAt,
			Lang:        item.Lang,
			IsJob:       item.IsJob,
			Impact:      item.Impact,
			TrustScore:  item.TrustScore,
			TrustStatus: item.TrustStatus,
			Sentinel:    item.Sentinel,
		}
	})
}

type authRequest struct {
	InitData string `json:"init_data"`
}

type settingsUpdate struct {
	DeliveryMode        *string `json:"delivery_mode"`
	DigestIntervalHours *int    `json:"batch_interval_hours"`
	QuietHoursStart     *int    `json:"quiet_hours_start"`
	QuietHoursEnd       *int    `json:"quiet_hours_end"`
	OnlyImportant       *bool   `json:"only_important"`
	JobsEnabled         *bool   `json:"jobs_enabled"`
}

type topicsUpdate struct {
	TopicIDs []int64 `json:"topic_ids"`
}

type askRequest struct {
	Purpose string `json:"purpose"`
	Prompt  string `json:"prompt"`
}

type deepDiveRequest struct {
	Clarification string `json:"clarification"`
}

type messageOut struct {
	Message string `json:"message"`
}
