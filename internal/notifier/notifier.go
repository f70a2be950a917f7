package notifier

import (
	"context"
	"errors"
	"fmt"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/kovalyov-valentin/infra-bot/internal/clock"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
	"github.com/kovalyov-valentin/infra-bot/internal/telegram"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

type DeliveryStorage interface {
	ItemByID(ctx context.Context, id int64) (*model.Item, error)
	ItemTopics(ctx context.Context, itemID int64) ([]model.ItemTopic, error)
	DigestItems(ctx context.Context, userID int64, topicIDs []int64, since time.Time) ([]model.Item, error)

	UserByID(ctx context.Context, id int64) (*model.User, error)
	UsersByMode(ctx context.Context, mode string) ([]model.User, error)
	InstantSubscribers(ctx context.Context, topicIDs []int64) ([]model.User, error)
	UserTopicIDs(ctx context.Context, userID int64) ([]int64, error)
	SetLastDigestAt(ctx context.Context, userID int64, at time.Time) error

	IsDelivered(ctx context.Context, userID, itemID int64) (bool, error)
	ClaimDelivery(ctx context.Context, userID, itemID, chatID int64, at time.Time) (bool, error)
	ConfirmDelivery(ctx context.Context, userID, itemID int64, messageID int) error
	ReleaseDelivery(ctx context.Context, userID, itemID int64) error
}

// Sender отправляет сообщение в чат и возвращает id отправленного сообщения
type Sender interface {
	Send(ctx context.Context, chatID int64, text string, keyboard *tgbotapi.InlineKeyboardMarkup) (int, error)
}

// DefaultDigestOverlap - насколько окно дайджеста заходит назад за прошлый водяной знак.
// created_at материала - время начала транзакции сбора, а она может закоммититься
// после того, как дайджест уже сдвинул знак. Повторы отсекает журнал доставок.
const DefaultDigestOverlap = 2 * time.Hour

type Notifier struct {
	store  DeliveryStorage
	sender Sender
	// Мгновенные доставки, отложенные из-за тихих часов
	pending *PendingSet
	clock   clock.Clock
	// Таймзона, в которой считаются тихие часы
	loc *time.Location
	// Как часто проверяем дайджесты и отложенные доставки
	sendInterval  time.Duration
	digestOverlap time.Duration
	logger        *zap.Logger
}

func New(
	store DeliveryStorage,
	sender Sender,
	pending *PendingSet,
	c clock.Clock,
	loc *time.Location,
	sendInterval time.Duration,
	logger *zap.Logger,
) *Notifier {
	return &Notifier{
		store:        store,
		sender:       sender,
		pending:      pending,
		clock:        c,
		loc:          loc,
		sendInterval:  sendInterval,
		digestOverlap: DefaultDigestOverlap,
		logger:        logger.Named("notifier"),
	}
}

// WithDigestOverlap меняет перекрытие окна дайджеста, 0 оставляет значение по умолчанию
func (n *Notifier) WithDigestOverlap(d time.Duration) *Notifier {
	if d > 0 {
		n.digestOverlap = d
	}
	return n
}

func (n *Notifier) Start(ctx context.Context) error {
	ticker := time.NewTicker(n.sendInterval)
	defer ticker.Stop()

	n.tick(ctx)

	for {
		select {
		case <-ticker.C:
			n.tick(ctx)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (n *Notifier) tick(ctx context.Context) {
	if err := n.Tick(ctx); err != nil && !errors.Is(err, context.Canceled) {
		n.logger.Error("delivery tick failed", zap.Error(err))
	}
}

// Tick отправляет отложенные мгновенные доставки и подошедшие дайджесты
func (n *Notifier) Tick(ctx context.Context) error {
	pendingErr := n.deliverPending(ctx)
	digestErr := n.deliverDigests(ctx)
	return errors.Join(pendingErr, digestErr)
}

// DeliverInstant рассылает новый материал подписчикам в мгновенном режиме.
// Тем, у кого сейчас тихие часы, доставка откладывается.
func (n *Notifier) DeliverInstant(ctx context.Context, item model.Item) error {
	rows, err := n.store.ItemTopics(ctx, item.ID)
	if err != nil {
		return fmt.Errorf("get topics of item %d: %w", item.ID, err)
	}
	if len(rows) == 0 {
		return nil
	}

	users, err := n.store.InstantSubscribers(ctx, lo.Map(rows, func(row model.ItemTopic, _ int) int64 { return row.TopicID }))
	if err != nil {
		return fmt.Errorf("get subscribers of item %d: %w", item.ID, err)
	}

	now := n.clock.Now()
	for _, user := range users {
		if !passesImpactFilter(user, item) {
			continue
		}

		delivered, err := n.store.IsDelivered(ctx, user.ID, item.ID)
		if err != nil {
			n.logger.Error("failed to check delivery", zap.Int64("user_id", user.ID), zap.Int64("item_id", item.ID), zap.Error(err))
			continue
		}
		if delivered {
			continue
		}

		if InQuietHours(user, now, n.loc) {
			n.pending.Add(user.ID, item.ID)
			continue
		}

		n.send(ctx, user, item)
	}

	return nil
}

// Ошибка по одному пользователю не мешает остальным, его материалы
// остаются в очереди до следующего тика
func (n *Notifier) deliverPending(ctx context.Context) error {
	now := n.clock.Now()

	var errs []error
	for userID, itemIDs := range n.pending.Snapshot() {
		user, err := n.store.UserByID(ctx, userID)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				n.pending.RemoveUser(userID)
				continue
			}
			errs = append(errs, fmt.Errorf("get user %d: %w", userID, err))
			continue
		}

		if InQuietHours(*user, now, n.loc) {
			continue
		}

		topicIDs, err := n.store.UserTopicIDs(ctx, user.ID)
		if err != nil {
			errs = append(errs, fmt.Errorf("get topics of user %d: %w", user.ID, err))
			continue
		}

		for _, itemID := range itemIDs {
			n.deliverPendingItem(ctx, *user, topicIDs, itemID)
			n.pending.Remove(user.ID, itemID)
		}
	}

	return errors.Join(errs...)
}

// Перед отправкой заново проверяем темы и фильтр важности, они могли поменяться
func (n *Notifier) deliverPendingItem(ctx context.Context, user model.User, topicIDs []int64, itemID int64) {
	log := n.logger.With(zap.Int64("user_id", user.ID), zap.Int64("item_id", itemID))

	item, err := n.store.ItemByID(ctx, itemID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			log.Error("failed to load pending item", zap.Error(err))
		}
		return
	}

	if !passesImpactFilter(user, *item) {
		return
	}

	rows, err := n.store.ItemTopics(ctx, item.ID)
	if err != nil {
		log.Error("failed to load pending item topics", zap.Error(err))
		return
	}
	matches := lo.SomeBy(rows, func(row model.ItemTopic) bool { return lo.Contains(topicIDs, row.TopicID) })
	if !matches {
		return
	}

	n.send(ctx, user, *item)
}

func (n *Notifier) deliverDigests(ctx context.Context) error {
	users, err := n.store.UsersByMode(ctx, model.DeliveryDigest)
	if err != nil {
		return fmt.Errorf("get digest users: %w", err)
	}

	var errs []error
	for _, user := range users {
		if err := n.deliverDigest(ctx, user); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (n *Notifier) deliverDigest(ctx context.Context, user model.User) error {
	now := n.clock.Now()
	interval := DigestInterval(user)

	if user.LastDigestAt != nil && now.Sub(*user.LastDigestAt) < interval {
		return nil
	}

	// Окно не сдвигаем, дайджест уйдет после тихих часов
	if InQuietHours(user, now, n.loc) {
		return nil
	}

	topicIDs, err := n.store.UserTopicIDs(ctx, user.ID)
	if err != nil {
		return fmt.Errorf("get topics of user %d: %w", user.ID, err)
	}
	if len(topicIDs) == 0 {
		return nil
	}

	since := now.Add(-interval)
	if user.LastDigestAt != nil {
		since = user.LastDigestAt.Add(-n.digestOverlap)
	}

	items, err := n.store.DigestItems(ctx, user.ID, topicIDs, since)
	if err != nil {
		return fmt.Errorf("get digest items of user %d: %w", user.ID, err)
	}

	sent, failed := 0, 0
	for _, item := range items {
		if !passesImpactFilter(user, item) {
			continue
		}
		switch n.send(ctx, user, item) {
		case sendOK:
			sent++
		case sendFailed:
			failed++
		}
	}

	// Знак сдвигаем даже при сбоях, иначе следующий тик снова пройдет проверку интервала.
	// Неотправленные материалы остаются кандидатами, пока не выйдут из перекрытия окна.
	if failed > 0 {
		n.logger.Warn("digest partially failed", zap.Int64("user_id", user.ID), zap.Int("sent", sent), zap.Int("failed", failed))
	}

	if err := n.store.SetLastDigestAt(ctx, user.ID, now); err != nil {
		return fmt.Errorf("advance digest of user %d: %w", user.ID, err)
	}

	n.logger.Debug("digest delivered", zap.Int64("user_id", user.ID), zap.Int("sent", sent), zap.Int("candidates", len(items)))
	return nil
}

type sendResult int

const (
	sendOK sendResult = iota
	sendSkipped
	sendFailed
)

// send занимает пару (пользователь, материал), отправляет карточку
// и подтверждает доставку. Если пару уже занял другой путь доставки,
// ничего не делает. При временной ошибке пара освобождается, а если
// телеграм отклонил сообщение, остается занятой без message_id.
func (n *Notifier) send(ctx context.Context, user model.User, item model.Item) sendResult {
	log := n.logger.With(zap.Int64("user_id", user.ID), zap.Int64("item_id", item.ID))

	claimed, err := n.store.ClaimDelivery(ctx, user.ID, item.ID, user.TelegramID, n.clock.Now())
	if err != nil {
		log.Error("failed to claim delivery", zap.Error(err))
		return sendFailed
	}
	if !claimed {
		return sendSkipped
	}

	messageID, err := n.sender.Send(ctx, user.TelegramID, FormatCard(item), DeepDiveKeyboard(item.ID))
	if err != nil {
		if errors.Is(err, telegram.ErrRejected) {
			log.Warn("telegram rejected item, not retrying", zap.Error(err))
			return sendFailed
		}

		log.Error("failed to send item", zap.Error(err))
		if err := n.store.ReleaseDelivery(ctx, user.ID, item.ID); err != nil {
			log.Error("failed to release delivery", zap.Error(err))
		}
		return sendFailed
	}

	if err := n.store.ConfirmDelivery(ctx, user.ID, item.ID, messageID); err != nil {
		log.Error("failed to confirm delivery", zap.Error(err))
	}

	return sendOK
}

func passesImpactFilter(user model.User, item model.Item) bool {
	return !user.OnlyImportant || item.Impact == model.ImpactHigh
}

// DigestInterval - интервал дайджеста пользователя, не меньше часа
func DigestInterval(user model.User) time.Duration {
	return time.Duration(max(user.DigestIntervalHours, 1)) * time.Hour
}

// InQuietHours проверяет, попадает ли текущий час в тихие часы [start, end).
// Равные границы означают, что тихих часов нет. Окно может переходить через полночь.
func InQuietHours(user model.User, now time.Time, loc *time.Location) bool {
	if user.QuietHoursStart == nil || user.QuietHoursEnd == nil {
		return false
	}

	start, end := *user.QuietHoursStart, *user.QuietHoursEnd
	if start == end {
		return false
	}

	hour := now.In(loc).Hour()
	if start < end {
		return hour >= start && hour < end
	}
	return hour >= start || hour < end
}
