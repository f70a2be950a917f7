package model

import (
	"encoding/json"
	"time"
)

// Типы источников, которые умеет забирать сборщик
const (
	SourceTypeRSS      = "rss"
	SourceTypeTelegram = "telegram"
	SourceTypeReddit   = "reddit"
)

// Модель источника
type Source struct {
	ID   int64
	Name string
	// rss, telegram или reddit
	Type string
	// Откуда забираем данные: урл фида, @channel или r/subreddit
	URL string
	// Ручная оценка доверия к источнику 0-100
	TrustManual int
	// Ключевые слова и регулярка, по которым материал считается вакансией
	JobKeywords []string
	JobRegex    string
	// Курсоры коннектора (last_published_at, last_message_id и т.д.)
	State     map[string]any
	CreatedAt time.Time
}

// Уровни важности материала
const (
	ImpactLow    = "low"
	ImpactMedium = "medium"
	ImpactHigh   = "high"
)

// Материал, сохраненный в базе после сбора
type Item struct {
	ID         int64
	SourceID   int64
	ExternalID string
	URL        string
	Title      string
	Text       string
	// Время публикации в источнике, может отсутствовать
	PublishedAt *time.Time
	// Ключ дедупликации
	ContentHash string
	Lang        string
	IsJob       bool
	Impact      string
	TrustScore  *int
	TrustStatus string
	// Результаты проверок Sentinel в JSON
	Sentinel  json.RawMessage
	CreatedAt time.Time
}

// Тема, на которую можно подписаться
type Topic struct {
	ID          int64
	Name        string
	Description string
	Keywords    []string
	Order       *int
}

const AssignedByAuto = "auto"

// Привязка материала к теме
type ItemTopic struct {
	ItemID  int64
	TopicID int64
	// Залоченную привязку автотеггинг не трогает
	Locked     bool
	Score      *float64
	AssignedBy string
}

// Тарифы пользователей
const (
	PlanFree = "free"
	PlanPro  = "pro"
	PlanCorp = "corp"
)

// Режимы доставки
const (
	DeliveryDigest  = "digest"
	DeliveryInstant = "instant"
)

// Пользователь бота
type User struct {
	ID           int64
	TelegramID   int64
	Username     string
	Plan         string
	JobsEnabled  bool
	DeliveryMode string
	// Интервал дайджеста в часах
	DigestIntervalHours int
	// Тихие часы [start, end) в опорной таймзоне
	QuietHoursStart *int
	QuietHoursEnd   *int
	OnlyImportant   bool
	LastAIRequestAt *time.Time
	LastDigestAt    *time.Time
	CreatedAt       time.Time
}

// Факт доставки материала пользователю
type DeliveryMessage struct {
	ID          int64
	UserID      int64
	ItemID      int64
	ChatID      int64
	MessageID   *int
	DeliveredAt time.Time
}

const (
	AlertStatusOpen     = "open"
	AlertStatusResolved = "resolved"
)

// Операционный алерт
type Alert struct {
	ID           int64
	DedupKey     string
	Title        string
	Message      string
	Severity     string
	Status       string
	Acknowledged bool
	MutedUntil   *time.Time
	LastSentAt   *time.Time
	CreatedAt    time.Time
}

// Назначения запросов к AI
const (
	PurposeQA       = "qa"
	PurposeDeepDive = "deepdive"
)

// Запись в журнале использования AI
type AIUsage struct {
	ID        int64
	UserID    int64
	Purpose   string
	CreatedAt time.Time
}
