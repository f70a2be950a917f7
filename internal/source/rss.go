package source

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/SlyMarbo/rss"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/retry"
	"github.com/samber/lo"
)

// RSS клиент
type RSSSource struct {
	opts HTTPOptions
}

func NewRSSSource(opts HTTPOptions) *RSSSource {
	return &RSSSource{opts: opts}
}

func (s *RSSSource) Type() string { return model.SourceTypeRSS }

// Fetch забирает ленту и возвращает записи не старше курсора last_published_at.
// Записи с тем же временем публикации пропускаем дальше, их отсеет дедупликация.
func (s *RSSSource) Fetch(ctx context.Context, src model.Source) ([]Entry, error) {
	var feed *rss.Feed
	err := retry.Do(ctx, s.opts.policy(), func(ctx context.Context) error {
		var err error
		feed, err = s.loadFeed(ctx, src.URL)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("fetch rss %s: %w", src.URL, err)
	}

	watermark, hasWatermark := stateTime(src.State, StateLastPublishedAt)

	entries := lo.FilterMap(feed.Items, func(item *rss.Item, _ int) (Entry, bool) {
		if item == nil {
			return Entry{}, false
		}

		var published *time.Time
		if !item.Date.IsZero() {
			published = lo.ToPtr(item.Date.UTC())
		}

		if hasWatermark && published != nil && published.Before(watermark) {
			return Entry{}, false
		}

		body := item.Summary
		if body == "" {
			body = item.Content
		}
		text := htmlToText(body)

		return Entry{
			Title:       cleanText(item.Title),
			URL:         item.Link,
			Text:        text,
			PublishedAt: published,
			ExternalID:  lo.Ternary(item.ID != "", item.ID, item.Link),
			Lang:        DetectLang(item.Title + " " + text),
			Categories:  item.Categories,
		}, true
	})

	sortOldestFirst(entries)
	return entries, nil
}

func (s *RSSSource) Advance(state map[string]any, entries []Entry, now time.Time) map[string]any {
	next := copyState(state, now)

	latest, ok := stateTime(state, StateLastPublishedAt)
	for _, e := range entries {
		if e.PublishedAt != nil && (!ok || e.PublishedAt.After(latest)) {
			latest, ok = *e.PublishedAt, true
		}
	}

	if ok {
		next[StateLastPublishedAt] = latest.UTC().Format(time.RFC3339Nano)
	}
	return next
}

// Метод, который загружает ленту. Библиотека не умеет в контекст,
// поэтому ждем ее в отдельной горутине и параллельно следим за контекстом
func (s *RSSSource) loadFeed(ctx context.Context, url string) (*rss.Feed, error) {
	var (
		feedCh = make(chan *rss.Feed, 1)
		errCh  = make(chan error, 1)
	)

	go func() {
		feed, err := rss.FetchByClient(url, s.opts.client())
		if err != nil {
			errCh <- err
			return
		}

		feedCh <- feed
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case err := <-errCh:
		return nil, err
	case feed := <-feedCh:
		return feed, nil
	}
}

// Записи без даты публикации идут последними в исходном порядке
func sortOldestFirst(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		pi, pj := entries[i].PublishedAt, entries[j].PublishedAt
		if pi == nil || pj == nil {
			return pi != nil && pj == nil
		}
		return pi.Before(*pj)
	})
}
