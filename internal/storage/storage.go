package storage

import (
	"context"
	"errors"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/model"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrInvalidText   = errors.New("invalid byte sequence in text")
)

// Storage - все, что пайплайн умеет делать с хранилищем.
// Реализации: Postgres для прода и MemoryStorage для тестов и локального запуска.
type Storage interface {
	// InTx выполняет fn в одной транзакции. Вложенный вызов присоединяется к внешней.
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	// Savepoint внутри транзакции при ошибке fn откатывает только ее изменения,
	// а транзакция остается рабочей. Вне транзакции ведет себя как InTx.
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error

	Sources(ctx context.Context) ([]model.Source, error)
	SourceByID(ctx context.Context, id int64) (*model.Source, error)
	AddSource(ctx context.Context, source model.Source) (int64, error)
	UpsertSource(ctx context.Context, source model.Source) (int64, error)
	DeleteSource(ctx context.Context, id int64) error
	UpdateSourceState(ctx context.Context, id int64, state map[string]any) error

	ItemExists(ctx context.Context, contentHash string) (bool, error)
	CreateItem(ctx context.Context, item model.Item) (id int64, created bool, err error)
	ItemByID(ctx context.Context, id int64) (*model.Item, error)
	UpdateItemEnrichment(ctx context.Context, item model.Item) error
	DigestItems(ctx context.Context, userID int64, topicIDs []int64, since time.Time) ([]model.Item, error)
	RecentItems(ctx context.Context, topicIDs []int64, limit int) ([]model.Item, error)
	JobItems(ctx context.Context, limit int) ([]model.Item, error)

	Topics(ctx context.Context) ([]model.Topic, error)
	UpsertTopic(ctx context.Context, topic model.Topic) (int64, error)
	ItemTopics(ctx context.Context, itemID int64) ([]model.ItemTopic, error)
	ReplaceAutoTopics(ctx context.Context, itemID int64, topics []model.ItemTopic) error
	LockItemTopic(ctx context.Context, itemID, topicID int64) error

	EnsureUser(ctx context.Context, telegramID int64, username string) (*model.User, error)
	UserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error)
	UserByID(ctx context.Context, id int64) (*model.User, error)
	UpdateUserSettings(ctx context.Context, user model.User) error
	UsersByMode(ctx context.Context, mode string) ([]model.User, error)
	InstantSubscribers(ctx context.Context, topicIDs []int64) ([]model.User, error)
	UserTopicIDs(ctx context.Context, userID int64) ([]int64, error)
	SetUserTopics(ctx context.Context, userID int64, topicIDs []int64) error
	SetLastDigestAt(ctx context.Context, userID int64, at time.Time) error

	IsDelivered(ctx context.Context, userID, itemID int64) (bool, error)
	ClaimDelivery(ctx context.Context, userID, itemID, chatID int64, at time.Time) (bool, error)
	ConfirmDelivery(ctx context.Context, userID, itemID int64, messageID int) error
	ReleaseDelivery(ctx context.Context, userID, itemID int64) error

	LatestAlert(ctx context.Context, dedupKey string) (*model.Alert, error)
	CreateAlert(ctx context.Context, alert model.Alert) (int64, error)
	MuteAlert(ctx context.Context, id int64, until time.Time) error

	CountAIUsage(ctx context.Context, userID int64, from, to time.Time) (int, error)
	RecordAIUsage(ctx context.Context, userID int64, purpose string, at time.Time) error

	Close() error
}

var (
	_ Storage = (*Postgres)(nil)
	_ Storage = (*MemoryStorage)(nil)
)

type txKey struct{}
