package source

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/PuerkitoBio/goquery"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/samber/lo"
)

// TelegramSource читает публичный канал через веб-превью t.me/s/<channel>
type TelegramSource struct {
	opts HTTPOptions
	// База превью, по умолчанию https://t.me/s
	previewURL string
}

func NewTelegramSource(previewURL string, opts HTTPOptions) *TelegramSource {
	return &TelegramSource{
		opts:       opts,
		previewURL: strings.TrimRight(previewURL, "/"),
	}
}

func (s *TelegramSource) Type() string { return model.SourceTypeTelegram }

// Fetch возвращает сообщения с id больше курсора last_message_id
func (s *TelegramSource) Fetch(ctx context.Context, src model.Source) ([]Entry, error) {
	if s.previewURL == "" {
		return nil, fmt.Errorf("telegram preview url: %w", ErrNotConfigured)
	}

	channel := ChannelName(src.URL)
	if channel == "" {
		return nil, fmt.Errorf("telegram source %d has empty channel", src.ID)
	}

	body, err := s.opts.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		return http.NewRequestWithContext(ctx, http.MethodGet, s.previewURL+"/"+channel, nil)
	})
	if err != nil {
		return nil, fmt.Errorf("fetch telegram channel %s: %w", channel, err)
	}

	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse telegram channel %s: %w", channel, err)
	}

	lastID, _ := stateInt(src.State, StateLastMessageID)

	var entries []Entry
	doc.Find(".tgme_widget_message[data-post]").Each(func(_ int, sel *goquery.Selection) {
		post, _ := sel.Attr("data-post")
		_, rawID, ok := strings.Cut(post, "/")
		if !ok {
			return
		}
		id, err := strconv.ParseInt(rawID, 10, 64)
		if err != nil || id <= lastID {
			return
		}

		text := cleanText(textWithBreaks(sel.Find(".tgme_widget_message_text").First()))
		if text == "" {
			return
		}

		var published *time.Time
		if raw, ok := sel.Find("time[datetime]").First().Attr("datetime"); ok {
			if t, err := time.Parse(time.RFC3339, raw); err == nil {
				published = lo.ToPtr(t.UTC())
			}
		}

		entries = append(entries, Entry{
			Title:       firstLine(text, 120),
			URL:         "https://t.me/" + post,
			Text:        text,
			PublishedAt: published,
			ExternalID:  rawID,
			Lang:        DetectLang(text),
		})
	})

	sort.Slice(entries, func(i, j int) bool {
		a, _ := strconv.ParseInt(entries[i].ExternalID, 10, 64)
		b, _ := strconv.ParseInt(entries[j].ExternalID, 10, 64)
		return a < b
	})

	return entries, nil
}

func (s *TelegramSource) Advance(state map[string]any, entries []Entry, now time.Time) map[string]any {
	next := copyState(state, now)

	lastID, ok := stateInt(state, StateLastMessageID)
	for _, e := range entries {
		id, err := strconv.ParseInt(e.ExternalID, 10, 64)
		if err == nil && (!ok || id > lastID) {
			lastID, ok = id, true
		}
	}

	if ok {
		next[StateLastMessageID] = lastID
	}
	return next
}

// ChannelName приводит @channel, t.me/channel и https://t.me/s/channel к имени канала
func ChannelName(raw string) string {
	name := strings.TrimSpace(raw)
	for _, prefix := range []string{"https://", "http://", "t.me/s/", "t.me/", "@"} {
		name = strings.TrimPrefix(name, prefix)
	}
	name, _, _ = strings.Cut(name, "/")
	return name
}

// textWithBreaks - текст узла, где <br> превращены в переводы строк
func textWithBreaks(sel *goquery.Selection) string {
	sel.Find("br").ReplaceWithHtml("\n")
	return sel.Text()
}
