package storage

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/model"
)

func newTestItem(sourceID int64, hash string) model.Item {
	return model.Item{SourceID: sourceID, Title: "title " + hash, ContentHash: hash}
}

func TestCreateItemDuplicateHash(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	id, created, err := s.CreateItem(ctx, newTestItem(1, "h1"))
	if err != nil || !created || id == 0 {
		t.Fatalf("first CreateItem = %d, %v, %v", id, created, err)
	}

	_, created, err = s.CreateItem(ctx, newTestItem(2, "h1"))
	if err != nil {
		t.Fatalf("duplicate CreateItem error = %v, want nil", err)
	}
	if created {
		t.Error("duplicate CreateItem reported created=true")
	}

	exists, _ := s.ItemExists(ctx, "h1")
	if !exists {
		t.Error("ItemExists(h1) = false")
	}
}

func TestInTxRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	srcID, err := s.AddSource(ctx, model.Source{Name: "feed", URL: "https://example.com/rss"})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	boom := errors.New("boom")
	err = s.InTx(ctx, func(ctx context.Context) error {
		if _, _, err := s.CreateItem(ctx, newTestItem(srcID, "h1")); err != nil {
			return err
		}
		if err := s.UpdateSourceState(ctx, srcID, map[string]any{"last_message_id": 10}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx error = %v, want boom", err)
	}

	if exists, _ := s.ItemExists(ctx, "h1"); exists {
		t.Error("item persisted after rollback")
	}
	src, _ := s.SourceByID(ctx, srcID)
	if _, ok := src.State["last_message_id"]; ok {
		t.Error("source state persisted after rollback")
	}
}

func TestAddSourceUniqueTypeAndURL(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	src := model.Source{Name: "a", Type: model.SourceTypeTelegram, URL: "@chan"}
	if _, err := s.AddSource(ctx, src); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if _, err := s.AddSource(ctx, src); !errors.Is(err, ErrAlreadyExists) {
		t.Errorf("second AddSource error = %v, want ErrAlreadyExists", err)
	}

	src.Name = "renamed"
	id, err := s.UpsertSource(ctx, src)
	if err != nil {
		t.Fatalf("UpsertSource: %v", err)
	}
	got, _ := s.SourceByID(ctx, id)
	if got.Name != "renamed" {
		t.Errorf("Name = %q, want renamed", got.Name)
	}
}

func TestReplaceAutoTopicsKeepsLocked(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()

	itemID, _, _ := s.CreateItem(ctx, newTestItem(1, "h"))
	if err := s.LockItemTopic(ctx, itemID, 7); err != nil {
		t.Fatalf("LockItemTopic: %v", err)
	}
	if err := s.ReplaceAutoTopics(ctx, itemID, []model.ItemTopic{{TopicID: 1}, {TopicID: 2}}); err != nil {
		t.Fatalf("ReplaceAutoTopics: %v", err)
	}
	if err := s.ReplaceAutoTopics(ctx, itemID, []model.ItemTopic{{TopicID: 3}, {TopicID: 7}}); err != nil {
		t.Fatalf("ReplaceAutoTopics: %v", err)
	}

	topics, _ := s.ItemTopics(ctx, itemID)
	if len(topics) != 2 {
		t.Fatalf("topics = %+v, want 3 and locked 7", topics)
	}
	if topics[0].TopicID != 3 || topics[0].Locked || topics[0].AssignedBy != model.AssignedByAuto {
		t.Errorf("topics[0] = %+v, want unlocked auto topic 3", topics[0])
	}
	if topics[1].TopicID != 7 || !topics[1].Locked || topics[1].AssignedBy != "manual" {
		t.Errorf("topics[1] = %+v, want locked manual topic 7", topics[1])
	}
}

func TestClaimDeliveryAtMostOnce(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	now := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		claimed int
	)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := s.ClaimDelivery(ctx, 1, 2, 100, now)
			if err != nil {
				t.Errorf("ClaimDelivery: %v", err)
				return
			}
			if ok {
				mu.Lock()
				claimed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if claimed != 1 {
		t.Fatalf("claimed = %d, want 1", claimed)
	}

	// Неподтвержденный резерв снимается, подтвержденный - нет
	if err := s.ReleaseDelivery(ctx, 1, 2); err != nil {
		t.Fatalf("ReleaseDelivery: %v", err)
	}
	if delivered, _ := s.IsDelivered(ctx, 1, 2); delivered {
		t.Error("released claim still marked as delivered")
	}

	s.ClaimDelivery(ctx, 1, 2, 100, now)
	s.ConfirmDelivery(ctx, 1, 2, 555)
	s.ReleaseDelivery(ctx, 1, 2)
	if delivered, _ := s.IsDelivered(ctx, 1, 2); !delivered {
		t.Error("confirmed delivery was released")
	}
}

func TestDigestItemsOrderAndFilter(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	s.SetNow(func() time.Time { return base })

	older := base.Add(-2 * time.Hour)
	newer := base.Add(-time.Hour)

	a, _, _ := s.CreateItem(ctx, model.Item{Title: "a", ContentHash: "a", PublishedAt: &older})
	b, _, _ := s.CreateItem(ctx, model.Item{Title: "b", ContentHash: "b", PublishedAt: &newer})
	c, _, _ := s.CreateItem(ctx, model.Item{Title: "c", ContentHash: "c"})
	d, _, _ := s.CreateItem(ctx, model.Item{Title: "d", ContentHash: "d", PublishedAt: &newer})

	for _, id := range []int64{a, b, c} {
		s.ReplaceAutoTopics(ctx, id, []model.ItemTopic{{TopicID: 1}})
	}
	s.ReplaceAutoTopics(ctx, d, []model.ItemTopic{{TopicID: 2}})
	s.ClaimDelivery(ctx, 9, b, 0, base)

	items, err := s.DigestItems(ctx, 9, []int64{1}, base.Add(-time.Minute))
	if err != nil {
		t.Fatalf("DigestItems: %v", err)
	}

	var titles []string
	for _, item := range items {
		titles = append(titles, item.Title)
	}
	if len(titles) != 2 || titles[0] != "a" || titles[1] != "c" {
		t.Errorf("titles = %v, want [a c]", titles)
	}

	items, _ = s.DigestItems(ctx, 9, []int64{1}, base)
	if len(items) != 0 {
		t.Errorf("items created at since were returned: %d", len(items))
	}
}

func TestRecordAIUsage(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryStorage()
	user, _ := s.EnsureUser(ctx, 42, "bob")
	at := time.Date(2024, 1, 1, 10, 0, 0, 0, time.UTC)

	if err := s.RecordAIUsage(ctx, user.ID, model.PurposeQA, at); err != nil {
		t.Fatalf("RecordAIUsage: %v", err)
	}

	n, _ := s.CountAIUsage(ctx, user.ID, at, at.Add(time.Hour))
	if n != 1 {
		t.Errorf("CountAIUsage = %d, want 1", n)
	}
	n, _ = s.CountAIUsage(ctx, user.ID, at.Add(time.Second), at.Add(time.Hour))
	if n != 0 {
		t.Errorf("CountAIUsage after record time = %d, want 0", n)
	}

	got, _ := s.UserByID(ctx, user.ID)
	if got.LastAIRequestAt == nil || !got.LastAIRequestAt.Equal(at) {
		t.Errorf("LastAIRequestAt = %v, want %v", got.LastAIRequestAt, at)
	}
}

func TestParseMigrationVersion(t *testing.T) {
	v, err := parseMigrationVersion("0001_init.sql")
	if err != nil || v != 1 {
		t.Errorf("parseMigrationVersion = %d, %v", v, err)
	}
	if _, err := parseMigrationVersion("init.sql"); err == nil {
		t.Error("expected error for missing prefix")
	}
}

func TestEmbeddedMigrationsPresent(t *testing.T) {
	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) == 0 {
		t.Fatal("no embedded migrations")
	}
}


func TestSavepointRollsBackOnlyFailedStep(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()
	src := model.Source{Name: "blog", Type: model.SourceTypeRSS, URL: "https://blog.example/feed"}

	var kept int64
	err := mem.InTx(ctx, func(ctx context.Context) error {
		id, _, err := mem.CreateItem(ctx, model.Item{Title: "kept", ContentHash: "kept"})
		if err != nil {
			return err
		}
		kept = id

		_ = mem.Savepoint(ctx, func(ctx context.Context) error {
			if _, err := mem.AddSource(ctx, src); err != nil {
				return err
			}
			return errors.New("step failed")
		})
		return nil
	})
	if err != nil {
		t.Fatalf("InTx: %v", err)
	}

	if _, err := mem.ItemByID(ctx, kept); err != nil {
		t.Errorf("item outside savepoint must survive: %v", err)
	}
	if sources, _ := mem.Sources(ctx); len(sources) != 0 {
		t.Errorf("sources = %+v, savepoint must be rolled back", sources)
	}
}

func TestCreateItemRejectsInvalidText(t *testing.T) {
	ctx := context.Background()
	mem := NewMemoryStorage()

	_, _, err := mem.CreateItem(ctx, model.Item{Title: "nul\x00", ContentHash: "h"})
	if !errors.Is(err, ErrInvalidText) {
		t.Errorf("err = %v, want ErrInvalidText", err)
	}
}
