package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/samber/lo"
)

// MemoryStorage держит все в памяти и соблюдает те же ограничения уникальности, что и postgres.
// Транзакции сериализуются: пока идет InTx, остальные вызовы ждут,
// а при ошибке состояние откатывается к снимку.
type MemoryStorage struct {
	// txMu держит тот, кто сейчас работает с данными: транзакция или одиночный вызов
	txMu sync.Mutex
	mu   sync.Mutex
	data memoryData
	now  func() time.Time
}

type deliveryKey struct {
	userID, itemID int64
}

type memoryData struct {
	nextID     int64
	sources    map[int64]model.Source
	items      map[int64]model.Item
	hashes     map[string]int64
	topics     map[int64]model.Topic
	itemTopics map[int64]map[int64]model.ItemTopic
	users      map[int64]model.User
	tgIDs      map[int64]int64
	userTopics map[int64]map[int64]struct{}
	deliveries map[deliveryKey]model.DeliveryMessage
	alerts     []model.Alert
	aiUsage    []model.AIUsage
}

type memoryTxKey struct{}

func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		data: memoryData{
			sources:    make(map[int64]model.Source),
			items:      make(map[int64]model.Item),
			hashes:     make(map[string]int64),
			topics:     make(map[int64]model.Topic),
			itemTopics: make(map[int64]map[int64]model.ItemTopic),
			users:      make(map[int64]model.User),
			tgIDs:      make(map[int64]int64),
			userTopics: make(map[int64]map[int64]struct{}),
			deliveries: make(map[deliveryKey]model.DeliveryMessage),
		},
		now: time.Now,
	}
}

// SetNow подменяет время, которым помечаются created_at
func (s *MemoryStorage) SetNow(now func() time.Time) {
	s.now = now
}

func (s *MemoryStorage) Close() error { return nil }

func (s *MemoryStorage) InTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memoryTxKey{}) != nil {
		return fn(ctx)
	}

	s.txMu.Lock()
	defer s.txMu.Unlock()

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(context.WithValue(ctx, memoryTxKey{}, struct{}{})); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}

	return nil
}

func (s *MemoryStorage) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	if ctx.Value(memoryTxKey{}) == nil {
		return s.InTx(ctx, fn)
	}

	s.mu.Lock()
	snapshot := s.data.clone()
	s.mu.Unlock()

	if err := fn(ctx); err != nil {
		s.mu.Lock()
		s.data = snapshot
		s.mu.Unlock()
		return err
	}

	return nil
}

// lock берет блокировку данных. Внутри транзакции txMu уже захвачен ей самой.
func (s *MemoryStorage) lock(ctx context.Context) func() {
	if ctx.Value(memoryTxKey{}) != nil {
		s.mu.Lock()
		return s.mu.Unlock
	}

	s.txMu.Lock()
	s.mu.Lock()
	return func() {
		s.mu.Unlock()
		s.txMu.Unlock()
	}
}

func (s *MemoryStorage) id() int64 {
	s.data.nextID++
	return s.data.nextID
}

func (s *MemoryStorage) Sources(ctx context.Context) ([]model.Source, error) {
	defer s.lock(ctx)()

	sources := lo.Map(lo.Values(s.data.sources), func(src model.Source, _ int) model.Source { return cloneSource(src) })
	sort.Slice(sources, func(i, j int) bool { return sources[i].ID < sources[j].ID })
	return sources, nil
}

func (s *MemoryStorage) SourceByID(ctx context.Context, id int64) (*model.Source, error) {
	defer s.lock(ctx)()

	src, ok := s.data.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	return lo.ToPtr(cloneSource(src)), nil
}

func (s *MemoryStorage) AddSource(ctx context.Context, source model.Source) (int64, error) {
	defer s.lock(ctx)()

	source = normalizeSource(source)
	if _, exists := s.findSource(source.Type, source.URL); exists {
		return 0, fmt.Errorf("source %s %s: %w", source.Type, source.URL, ErrAlreadyExists)
	}

	source.ID = s.id()
	source.CreatedAt = s.now()
	s.data.sources[source.ID] = cloneSource(source)
	return source.ID, nil
}

func (s *MemoryStorage) UpsertSource(ctx context.Context, source model.Source) (int64, error) {
	defer s.lock(ctx)()

	source = normalizeSource(source)
	if existing, ok := s.findSource(source.Type, source.URL); ok {
		existing.Name = source.Name
		existing.TrustManual = source.TrustManual
		existing.JobKeywords = source.JobKeywords
		existing.JobRegex = source.JobRegex
		s.data.sources[existing.ID] = existing
		return existing.ID, nil
	}

	source.ID = s.id()
	source.CreatedAt = s.now()
	s.data.sources[source.ID] = cloneSource(source)
	return source.ID, nil
}

func (s *MemoryStorage) findSource(typ, url string) (model.Source, bool) {
	return lo.Find(lo.Values(s.data.sources), func(src model.Source) bool {
		return src.Type == typ && src.URL == url
	})
}

func (s *MemoryStorage) DeleteSource(ctx context.Context, id int64) error {
	defer s.lock(ctx)()

	if _, ok := s.data.sources[id]; !ok {
		return ErrNotFound
	}
	delete(s.data.sources, id)

	// Материалы источника уходят вместе с ним, как ON DELETE CASCADE
	for itemID, item := range s.data.items {
		if item.SourceID != id {
			continue
		}
		delete(s.data.items, itemID)
		delete(s.data.hashes, item.ContentHash)
		delete(s.data.itemTopics, itemID)
		for key := range s.data.deliveries {
			if key.itemID == itemID {
				delete(s.data.deliveries, key)
			}
		}
	}
	return nil
}

func (s *MemoryStorage) UpdateSourceState(ctx context.Context, id int64, state map[string]any) error {
	defer s.lock(ctx)()

	src, ok := s.data.sources[id]
	if !ok {
		return ErrNotFound
	}
	src.State = maps.Clone(state)
	s.data.sources[id] = src
	return nil
}

func (s *MemoryStorage) ItemExists(ctx context.Context, contentHash string) (bool, error) {
	defer s.lock(ctx)()

	_, ok := s.data.hashes[contentHash]
	return ok, nil
}

func (s *MemoryStorage) CreateItem(ctx context.Context, item model.Item) (int64, bool, error) {
	defer s.lock(ctx)()

	if _, ok := s.data.hashes[item.ContentHash]; ok {
		return 0, false, nil
	}
	// Как postgres: NUL и битый UTF-8 в тексте не сохраняются
	for _, field := range []string{item.Title, item.Text, item.URL, item.ExternalID} {
		if strings.ContainsRune(field, 0) || !utf8.ValidString(field) {
			return 0, false, fmt.Errorf("create item: %w", ErrInvalidText)
		}
	}

	item.ID = s.id()
	item.CreatedAt = s.now()
	s.data.items[item.ID] = item
	s.data.hashes[item.ContentHash] = item.ID
	return item.ID, true, nil
}

func (s *MemoryStorage) ItemByID(ctx context.Context, id int64) (*model.Item, error) {
	defer s.lock(ctx)()

	item, ok := s.data.items[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &item, nil
}

func (s *MemoryStorage) UpdateItemEnrichment(ctx context.Context, item model.Item) error {
	defer s.lock(ctx)()

	stored, ok := s.data.items[item.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Impact = item.Impact
	stored.TrustScore = item.TrustScore
	stored.TrustStatus = item.TrustStatus
	stored.Sentinel = item.Sentinel
	s.data.items[item.ID] = stored
	return nil
}

func (s *MemoryStorage) DigestItems(ctx context.Context, userID int64, topicIDs []int64, since time.Time) ([]model.Item, error) {
	defer s.lock(ctx)()

	items := lo.Filter(lo.Values(s.data.items), func(item model.Item, _ int) bool {
		if !item.CreatedAt.After(since) || !s.itemHasTopic(item.ID, topicIDs) {
			return false
		}
		_, delivered := s.data.deliveries[deliveryKey{userID: userID, itemID: item.ID}]
		return !delivered
	})
	sortNewestFirst(items)
	return items, nil
}

func (s *MemoryStorage) RecentItems(ctx context.Context, topicIDs []int64, limit int) ([]model.Item, error) {
	defer s.lock(ctx)()

	items := lo.Filter(lo.Values(s.data.items), func(item model.Item, _ int) bool {
		return s.itemHasTopic(item.ID, topicIDs)
	})
	sortNewestFirst(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStorage) JobItems(ctx context.Context, limit int) ([]model.Item, error) {
	defer s.lock(ctx)()

	items := lo.Filter(lo.Values(s.data.items), func(item model.Item, _ int) bool { return item.IsJob })
	sortNewestFirst(items)
	if len(items) > limit {
		items = items[:limit]
	}
	return items, nil
}

func (s *MemoryStorage) itemHasTopic(itemID int64, topicIDs []int64) bool {
	for _, topicID := range topicIDs {
		if _, ok := s.data.itemTopics[itemID][topicID]; ok {
			return true
		}
	}
	return false
}

func (s *MemoryStorage) Topics(ctx context.Context) ([]model.Topic, error) {
	defer s.lock(ctx)()

	topics := lo.Values(s.data.topics)
	sort.Slice(topics, func(i, j int) bool {
		oi, oj := topics[i].Order, topics[j].Order
		switch {
		case oi != nil && oj != nil && *oi != *oj:
			return *oi < *oj
		case oi != nil && oj == nil:
			return true
		case oi == nil && oj != nil:
			return false
		}
		return topics[i].ID < topics[j].ID
	})
	return topics, nil
}

func (s *MemoryStorage) UpsertTopic(ctx context.Context, topic model.Topic) (int64, error) {
	defer s.lock(ctx)()

	if existing, ok := lo.Find(lo.Values(s.data.topics), func(t model.Topic) bool { return t.Name == topic.Name }); ok {
		topic.ID = existing.ID
	} else {
		topic.ID = s.id()
	}
	s.data.topics[topic.ID] = topic
	return topic.ID, nil
}

func (s *MemoryStorage) ItemTopics(ctx context.Context, itemID int64) ([]model.ItemTopic, error) {
	defer s.lock(ctx)()

	topics := lo.Values(s.data.itemTopics[itemID])
	sort.Slice(topics, func(i, j int) bool { return topics[i].TopicID < topics[j].TopicID })
	return topics, nil
}

func (s *MemoryStorage) ReplaceAutoTopics(ctx context.Context, itemID int64, topics []model.ItemTopic) error {
	defer s.lock(ctx)()

	current := s.data.itemTopics[itemID]
	next := make(map[int64]model.ItemTopic)
	for topicID, row := range current {
		if row.Locked {
			next[topicID] = row
		}
	}

	for _, topic := range topics {
		if _, locked := next[topic.TopicID]; locked {
			continue
		}
		topic.ItemID = itemID
		topic.Locked = false
		topic.AssignedBy = lo.Ternary(topic.AssignedBy == "", model.AssignedByAuto, topic.AssignedBy)
		next[topic.TopicID] = topic
	}

	s.data.itemTopics[itemID] = next
	return nil
}

func (s *MemoryStorage) LockItemTopic(ctx context.Context, itemID, topicID int64) error {
	defer s.lock(ctx)()

	if s.data.itemTopics[itemID] == nil {
		s.data.itemTopics[itemID] = make(map[int64]model.ItemTopic)
	}
	row := s.data.itemTopics[itemID][topicID]
	row.ItemID, row.TopicID, row.Locked, row.AssignedBy = itemID, topicID, true, "manual"
	s.data.itemTopics[itemID][topicID] = row
	return nil
}

func (s *MemoryStorage) EnsureUser(ctx context.Context, telegramID int64, username string) (*model.User, error) {
	defer s.lock(ctx)()

	if id, ok := s.data.tgIDs[telegramID]; ok {
		user := s.data.users[id]
		if username != "" {
			user.Username = username
			s.data.users[id] = user
		}
		return &user, nil
	}

	user := model.User{
		ID:                  s.id(),
		TelegramID:          telegramID,
		Username:            username,
		Plan:                model.PlanFree,
		DeliveryMode:        model.DeliveryDigest,
		DigestIntervalHours: 3,
		CreatedAt:           s.now(),
	}
	s.data.users[user.ID] = user
	s.data.tgIDs[telegramID] = user.ID
	return &user, nil
}

func (s *MemoryStorage) UserByTelegramID(ctx context.Context, telegramID int64) (*model.User, error) {
	defer s.lock(ctx)()

	id, ok := s.data.tgIDs[telegramID]
	if !ok {
		return nil, ErrNotFound
	}
	user := s.data.users[id]
	return &user, nil
}

func (s *MemoryStorage) UserByID(ctx context.Context, id int64) (*model.User, error) {
	defer s.lock(ctx)()

	user, ok := s.data.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	return &user, nil
}

// PutUser сохраняет пользователя целиком, включая служебные поля. Используется в тестах
func (s *MemoryStorage) PutUser(ctx context.Context, user model.User) (*model.User, error) {
	defer s.lock(ctx)()

	if user.ID == 0 {
		user.ID = s.id()
	}
	if user.CreatedAt.IsZero() {
		user.CreatedAt = s.now()
	}
	s.data.users[user.ID] = user
	s.data.tgIDs[user.TelegramID] = user.ID
	return &user, nil
}

func (s *MemoryStorage) UpdateUserSettings(ctx context.Context, user model.User) error {
	defer s.lock(ctx)()

	stored, ok := s.data.users[user.ID]
	if !ok {
		return ErrNotFound
	}
	stored.Plan = user.Plan
	stored.JobsEnabled = user.JobsEnabled
	stored.DeliveryMode = user.DeliveryMode
	stored.DigestIntervalHours = user.DigestIntervalHours
	stored.QuietHoursStart = user.QuietHoursStart
	stored.QuietHoursEnd = user.QuietHoursEnd
	stored.OnlyImportant = user.OnlyImportant
	s.data.users[user.ID] = stored
	return nil
}

func (s *MemoryStorage) UsersByMode(ctx context.Context, mode string) ([]model.User, error) {
	defer s.lock(ctx)()

	users := lo.Filter(lo.Values(s.data.users), func(u model.User, _ int) bool { return u.DeliveryMode == mode })
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStorage) InstantSubscribers(ctx context.Context, topicIDs []int64) ([]model.User, error) {
	defer s.lock(ctx)()

	users := lo.Filter(lo.Values(s.data.users), func(u model.User, _ int) bool {
		if u.DeliveryMode != model.DeliveryInstant {
			return false
		}
		return lo.SomeBy(topicIDs, func(topicID int64) bool {
			_, ok := s.data.userTopics[u.ID][topicID]
			return ok
		})
	})
	sort.Slice(users, func(i, j int) bool { return users[i].ID < users[j].ID })
	return users, nil
}

func (s *MemoryStorage) UserTopicIDs(ctx context.Context, userID int64) ([]int64, error) {
	defer s.lock(ctx)()

	ids := lo.Keys(s.data.userTopics[userID])
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (s *MemoryStorage) SetUserTopics(ctx context.Context, userID int64, topicIDs []int64) error {
	defer s.lock(ctx)()

	set := make(map[int64]struct{})
	for _, topicID := range topicIDs {
		if _, ok := s.data.topics[topicID]; ok {
			set[topicID] = struct{}{}
		}
	}
	s.data.userTopics[userID] = set
	return nil
}

func (s *MemoryStorage) SetLastDigestAt(ctx context.Context, userID int64, at time.Time) error {
	defer s.lock(ctx)()

	user, ok := s.data.users[userID]
	if !ok {
		return ErrNotFound
	}
	user.LastDigestAt = &at
	s.data.users[userID] = user
	return nil
}

func (s *MemoryStorage) IsDelivered(ctx context.Context, userID, itemID int64) (bool, error) {
	defer s.lock(ctx)()

	_, ok := s.data.deliveries[deliveryKey{userID: userID, itemID: itemID}]
	return ok, nil
}

func (s *MemoryStorage) ClaimDelivery(ctx context.Context, userID, itemID, chatID int64, at time.Time) (bool, error) {
	defer s.lock(ctx)()

	key := deliveryKey{userID: userID, itemID: itemID}
	if _, ok := s.data.deliveries[key]; ok {
		return false, nil
	}

	s.data.deliveries[key] = model.DeliveryMessage{
		ID:          s.id(),
		UserID:      userID,
		ItemID:      itemID,
		ChatID:      chatID,
		DeliveredAt: at,
	}
	return true, nil
}

func (s *MemoryStorage) ConfirmDelivery(ctx context.Context, userID, itemID int64, messageID int) error {
	defer s.lock(ctx)()

	key := deliveryKey{userID: userID, itemID: itemID}
	msg, ok := s.data.deliveries[key]
	if !ok {
		return ErrNotFound
	}
	msg.MessageID = &messageID
	s.data.deliveries[key] = msg
	return nil
}

func (s *MemoryStorage) ReleaseDelivery(ctx context.Context, userID, itemID int64) error {
	defer s.lock(ctx)()

	key := deliveryKey{userID: userID, itemID: itemID}
	if msg, ok := s.data.deliveries[key]; ok && msg.MessageID == nil {
		delete(s.data.deliveries, key)
	}
	return nil
}

// Deliveries возвращает все факты доставки, для проверок в тестах
func (s *MemoryStorage) Deliveries(ctx context.Context) []model.DeliveryMessage {
	defer s.lock(ctx)()

	msgs := lo.Values(s.data.deliveries)
	sort.Slice(msgs, func(i, j int) bool { return msgs[i].ID < msgs[j].ID })
	return msgs
}

func (s *MemoryStorage) LatestAlert(ctx context.Context, dedupKey string) (*model.Alert, error) {
	defer s.lock(ctx)()

	for i := len(s.data.alerts) - 1; i >= 0; i-- {
		if s.data.alerts[i].DedupKey == dedupKey {
			alert := s.data.alerts[i]
			return &alert, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStorage) CreateAlert(ctx context.Context, alert model.Alert) (int64, error) {
	defer s.lock(ctx)()

	alert.ID = s.id()
	s.data.alerts = append(s.data.alerts, alert)
	return alert.ID, nil
}

func (s *MemoryStorage) MuteAlert(ctx context.Context, id int64, until time.Time) error {
	defer s.lock(ctx)()

	for i := range s.data.alerts {
		if s.data.alerts[i].ID == id {
			s.data.alerts[i].MutedUntil = &until
			return nil
		}
	}
	return ErrNotFound
}

// Alerts возвращает все алерты по ключу в порядке создания
func (s *MemoryStorage) Alerts(ctx context.Context, dedupKey string) []model.Alert {
	defer s.lock(ctx)()

	return lo.Filter(s.data.alerts, func(a model.Alert, _ int) bool { return a.DedupKey == dedupKey })
}

func (s *MemoryStorage) CountAIUsage(ctx context.Context, userID int64, from, to time.Time) (int, error) {
	defer s.lock(ctx)()

	return lo.CountBy(s.data.aiUsage, func(u model.AIUsage) bool {
		return u.UserID == userID && !u.CreatedAt.Before(from) && u.CreatedAt.Before(to)
	}), nil
}

func (s *MemoryStorage) RecordAIUsage(ctx context.Context, userID int64, purpose string, at time.Time) error {
	defer s.lock(ctx)()

	user, ok := s.data.users[userID]
	if !ok {
		return ErrNotFound
	}

	s.data.aiUsage = append(s.data.aiUsage, model.AIUsage{
		ID:        s.id(),
		UserID:    userID,
		Purpose:   purpose,
		CreatedAt: at,
	})
	user.LastAIRequestAt = &at
	s.data.users[userID] = user
	return nil
}

func (d memoryData) clone() memoryData {
	c := memoryData{
		nextID:     d.nextID,
		sources:    make(map[int64]model.Source, len(d.sources)),
		items:      maps.Clone(d.items),
		hashes:     maps.Clone(d.hashes),
		topics:     maps.Clone(d.topics),
		itemTopics: make(map[int64]map[int64]model.ItemTopic, len(d.itemTopics)),
		users:      maps.Clone(d.users),
		tgIDs:      maps.Clone(d.tgIDs),
		userTopics: make(map[int64]map[int64]struct{}, len(d.userTopics)),
		deliveries: maps.Clone(d.deliveries),
		alerts:     append([]model.Alert(nil), d.alerts...),
		aiUsage:    append([]model.AIUsage(nil), d.aiUsage...),
	}
	for id, src := range d.sources {
		c.sources[id] = cloneSource(src)
	}
	for id, rows := range d.itemTopics {
		c.itemTopics[id] = maps.Clone(rows)
	}
	for id, set := range d.userTopics {
		c.userTopics[id] = maps.Clone(set)
	}
	return c
}

func normalizeSource(source model.Source) model.Source {
	if source.Type == "" {
		source.Type = model.SourceTypeRSS
	}
	if source.State == nil {
		source.State = map[string]any{}
	}
	return source
}

func cloneSource(src model.Source) model.Source {
	src.State = maps.Clone(src.State)
	if src.State == nil {
		src.State = map[string]any{}
	}
	src.JobKeywords = append([]string(nil), src.JobKeywords...)
	return src
}

func sortNewestFirst(items []model.Item) {
	sort.Slice(items, func(i, j int) bool {
		pi, pj := items[i].PublishedAt, items[j].PublishedAt
		switch {
		case pi != nil && pj != nil && !pi.Equal(*pj):
			return pi.After(*pj)
		case pi != nil && pj == nil:
			return true
		case pi == nil && pj != nil:
			return false
		}
		return items[i].ID > items[j].ID
	})
}
