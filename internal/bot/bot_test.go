package bot

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/kovalyov-valentin/infra-bot/internal/alerts"
	"github.com/kovalyov-valentin/infra-bot/internal/bot/middleware"
	"github.com/kovalyov-valentin/infra-bot/internal/botkit/botkittest"
	"github.com/kovalyov-valentin/infra-bot/internal/clock"
	"github.com/kovalyov-valentin/infra-bot/internal/fetcher"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
	"github.com/kovalyov-valentin/infra-bot/internal/usage"
	"go.uber.org/zap/zaptest"
)

type stubAssistant struct{}

func (stubAssistant) Answer(_ context.Context, question string) string {
	return "• ответ на: " + question + "\n• второй пункт"
}

func (stubAssistant) DeepDive(_ context.Context, item model.Item, clarification string) string {
	return "DeepDive: " + item.Title + " [" + clarification + "]"
}

func lastText(t *testing.T, srv *botkittest.Server) string {
	t.Helper()
	texts := srv.Texts()
	if len(texts) == 0 {
		t.Fatal("no messages sent")
	}
	return texts[len(texts)-1]
}

func TestStartRegistersUser(t *testing.T) {
	ctx := context.Background()
	srv := botkittest.NewServer(t)
	store := storage.NewMemoryStorage()

	if err := ViewCmdStart(store)(ctx, srv.API(t), botkittest.CommandUpdate(100, "/start")); err != nil {
		t.Fatalf("start: %v", err)
	}

	if _, err := store.UserByTelegramID(ctx, 100); err != nil {
		t.Errorf("user not registered: %v", err)
	}
	if got := lastText(t, srv); got != startText {
		t.Errorf("text = %q", got)
	}
}

func TestAddSource(t *testing.T) {
	ctx := context.Background()
	srv := botkittest.NewServer(t)
	api := srv.API(t)
	store := storage.NewMemoryStorage()
	view := ViewCmdAddSource(store)

	cmd := `/addsource {"name":"CNCF","url":"https://www.cncf.io/feed/","trust":120}`
	if err := view(ctx, api, botkittest.CommandUpdate(1, cmd)); err != nil {
		t.Fatalf("addsource: %v", err)
	}

	sources, _ := store.Sources(ctx)
	if len(sources) != 1 || sources[0].Type != model.SourceTypeRSS || sources[0].TrustManual != 100 {
		t.Fatalf("sources = %+v", sources)
	}
	if !strings.Contains(lastText(t, srv), "Источник добавлен") {
		t.Errorf("text = %q", lastText(t, srv))
	}

	tests := []struct {
		name string
		cmd  string
		want string
	}{
		{name: "duplicate", cmd: cmd, want: "Такой источник уже есть."},
		{name: "not json", cmd: "/addsource https://example.com", want: addSourceUsage},
		{name: "no url", cmd: `/addsource {"name":"x"}`, want: addSourceUsage},
		{name: "unknown type", cmd: `/addsource {"type":"vk","url":"x"}`, want: "Неизвестный тип источника"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := view(ctx, api, botkittest.CommandUpdate(1, tt.cmd)); err != nil {
				t.Fatalf("addsource: %v", err)
			}
			if got := lastText(t, srv); !strings.HasPrefix(got, tt.want) {
				t.Errorf("text = %q, want prefix %q", got, tt.want)
			}
		})
	}
}

func TestListSources(t *testing.T) {
	ctx := context.Background()
	srv := botkittest.NewServer(t)
	store := storage.NewMemoryStorage()

	if err := ViewCmdListSources(store)(ctx, srv.API(t), botkittest.CommandUpdate(1, "/listsources")); err != nil {
		t.Fatalf("listsources: %v", err)
	}
	if got := lastText(t, srv); got != "Источников пока нет." {
		t.Errorf("empty text = %q", got)
	}

	if _, err := store.AddSource(ctx, model.Source{Name: "Go blog", Type: model.SourceTypeRSS, URL: "https://go.dev/blog/feed.atom", TrustManual: 90}); err != nil {
		t.Fatalf("AddSource: %v", err)
	}
	if err := ViewCmdListSources(store)(ctx, srv.API(t), botkittest.CommandUpdate(1, "/listsources")); err != nil {
		t.Fatalf("listsources: %v", err)
	}

	got := lastText(t, srv)
	for _, want := range []string{"\\(всего 1\\)", "*Go blog*", "https://go\\.dev/blog/feed\\.atom", "Доверие: 90"} {
		if !strings.Contains(got, want) {
			t.Errorf("text %q does not contain %q", got, want)
		}
	}

	sent := srv.Calls("sendMessage")
	if mode := sent[len(sent)-1].Params.Get("parse_mode"); mode != tgbotapi.ModeMarkdownV2 {
		t.Errorf("parse_mode = %q", mode)
	}
}

type stubIngester struct {
	reports []fetcher.Report
	err     error
}

func (s stubIngester) Fetch(context.Context) ([]fetcher.Report, error) { return s.reports, s.err }

func TestIngestReport(t *testing.T) {
	ctx := context.Background()
	srv := botkittest.NewServer(t)

	reports := []fetcher.Report{
		{SourceID: 1, Results: []fetcher.EntryResult{
			{Outcome: fetcher.OutcomeCreated},
			{Outcome: fetcher.OutcomeCreated},
			{Outcome: fetcher.OutcomeDuplicate},
		}},
		{SourceID: 2, Err: errors.New("timeout")},
	}

	if err := ViewCmdIngest(stubIngester{reports: reports})(ctx, srv.API(t), botkittest.CommandUpdate(1, "/ingest")); err != nil {
		t.Fatalf("ingest: %v", err)
	}

	got := lastText(t, srv)
	for _, want := range []string{"#1: новых 2, дублей 1", "#2: ошибка: timeout", "Всего новых материалов: 2"} {
		if !strings.Contains(got, want) {
			t.Errorf("text %q does not contain %q", got, want)
		}
	}

	if err := ViewCmdIngest(stubIngester{err: errors.New("db down")})(ctx, srv.API(t), botkittest.CommandUpdate(1, "/ingest")); err == nil {
		t.Error("expected error to reach botkit")
	}
}

func TestAskRespectsDailyLimit(t *testing.T) {
	ctx := context.Background()
	srv := botkittest.NewServer(t)
	api := srv.API(t)
	store := storage.NewMemoryStorage()
	c := clock.Fake(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))
	view := ViewCmdAsk(store, usage.NewLimiter(store, c, time.UTC), stubAssistant{})

	for range 5 {
		if err := view(ctx, api, botkittest.CommandUpdate(7, "/ask что с etcd?")); err != nil {
			t.Fatalf("ask: %v", err)
		}
	}
	if got := lastText(t, srv); !strings.HasPrefix(got, "• ответ на: что с etcd?") {
		t.Errorf("answer = %q", got)
	}

	if err := view(ctx, api, botkittest.CommandUpdate(7, "/ask еще")); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got := lastText(t, srv); got != usage.MessageExhausted {
		t.Errorf("limited text = %q", got)
	}

	if err := view(ctx, api, botkittest.CommandUpdate(7, "/ask")); err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got := lastText(t, srv); !strings.HasPrefix(got, "Напишите вопрос") {
		t.Errorf("usage text = %q", got)
	}
}

func TestDeepDive(t *testing.T) {
	ctx := context.Background()
	srv := botkittest.NewServer(t)
	api := srv.API(t)
	store := storage.NewMemoryStorage()
	c := clock.Fake(time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC))

	itemID, _, err := store.CreateItem(ctx, model.Item{Title: "CVE в runc", ContentHash: "h"})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	deps := DeepDiveDeps{Users: store, Items: store, Limiter: usage.NewLimiter(store, c, time.UTC), Assistant: stubAssistant{}}

	if err := ViewCallbackDeepDive(deps)(ctx, api, botkittest.CallbackUpdate(8, "deepdive:"+itoa(itemID))); err != nil {
		t.Fatalf("callback: %v", err)
	}
	if calls := srv.Calls("answerCallbackQuery"); len(calls) != 1 {
		t.Errorf("answerCallbackQuery calls = %d", len(calls))
	}
	if got := lastText(t, srv); got != "DeepDive: CVE в runc []" {
		t.Errorf("report = %q", got)
	}

	if err := ViewCmdDeepDive(deps)(ctx, api, botkittest.CommandUpdate(8, "/deepdive "+itoa(itemID)+" какие версии затронуты")); err != nil {
		t.Fatalf("command: %v", err)
	}
	if got := lastText(t, srv); got != "DeepDive: CVE в runc [какие версии затронуты]" {
		t.Errorf("report = %q", got)
	}

	if err := ViewCmdDeepDive(deps)(ctx, api, botkittest.CommandUpdate(8, "/deepdive 999")); err != nil {
		t.Fatalf("command: %v", err)
	}
	if got := lastText(t, srv); got != "Материал не найден." {
		t.Errorf("missing item text = %q", got)
	}

	// несуществующий материал не списывает лимит
	user, _ := store.UserByTelegramID(ctx, 8)
	used, _ := store.CountAIUsage(ctx, user.ID, c.Now().Add(-time.Hour), c.Now().Add(time.Hour))
	if used != 2 {
		t.Errorf("recorded usage = %d, want 2", used)
	}
}

func TestAdminOnly(t *testing.T) {
	ctx := context.Background()
	srv := botkittest.NewServer(t)
	api := srv.API(t)

	var called int
	view := middleware.AdminOnly(
		func(id int64) bool { return id == 1 },
		func(context.Context, *tgbotapi.BotAPI, tgbotapi.Update) error {
			called++
			return nil
		},
	)

	if err := view(ctx, api, botkittest.CommandUpdate(1, "/ingest")); err != nil {
		t.Fatalf("admin: %v", err)
	}
	if err := view(ctx, api, botkittest.CommandUpdate(2, "/ingest")); err != nil {
		t.Fatalf("stranger: %v", err)
	}

	if called != 1 {
		t.Errorf("view called %d times, want 1", called)
	}
	if got := lastText(t, srv); got != "У вас нет прав для выполнения этой команды" {
		t.Errorf("text = %q", got)
	}
}

func itoa(id int64) string {
	return strconv.FormatInt(id, 10)
}

func TestDeleteSource(t *testing.T) {
	ctx := context.Background()
	srv := botkittest.NewServer(t)
	api := srv.API(t)
	store := storage.NewMemoryStorage()
	view := ViewCmdDeleteSource(store)

	id, err := store.AddSource(ctx, model.Source{Name: "blog", Type: model.SourceTypeRSS, URL: "https://blog.example/feed"})
	if err != nil {
		t.Fatalf("AddSource: %v", err)
	}

	tests := []struct {
		name string
		cmd  string
		want string
	}{
		{name: "deleted", cmd: "/deletesource " + strconv.FormatInt(id, 10), want: "Источник " + strconv.FormatInt(id, 10) + " удален."},
		{name: "already gone", cmd: "/deletesource " + strconv.FormatInt(id, 10), want: "не найден"},
		{name: "bad id", cmd: "/deletesource blog", want: deleteSourceUsage},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := view(ctx, api, botkittest.CommandUpdate(1, tt.cmd)); err != nil {
				t.Fatalf("deletesource: %v", err)
			}
			if got := lastText(t, srv); !strings.Contains(got, tt.want) {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}

	if sources, _ := store.Sources(ctx); len(sources) != 0 {
		t.Errorf("sources = %+v", sources)
	}
}

func TestMuteSourceAlerts(t *testing.T) {
	ctx := context.Background()
	srv := botkittest.NewServer(t)
	api := srv.API(t)
	store := storage.NewMemoryStorage()
	c := clock.Fake(time.Date(2024, 5, 1, 9, 0, 0, 0, time.UTC))
	service := alerts.NewService(store, nil, c, zaptest.NewLogger(t))
	view := ViewCmdMute(service)

	if _, err := service.Raise(ctx, fetcher.AlertKey(5), "Ошибка сбора", "timeout", alerts.SeverityWarning); err != nil {
		t.Fatalf("Raise: %v", err)
	}

	tests := []struct {
		name string
		cmd  string
		want string
	}{
		{name: "no args", cmd: "/mute", want: muteUsage},
		{name: "bad hours", cmd: "/mute 5 1000", want: "Часы должны быть"},
		{name: "no alerts", cmd: "/mute 6", want: "алертов нет"},
		{name: "muted", cmd: "/mute 5 2", want: "заглушены на 2 ч."},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := view(ctx, api, botkittest.CommandUpdate(1, tt.cmd)); err != nil {
				t.Fatalf("mute: %v", err)
			}
			if got := lastText(t, srv); !strings.Contains(got, tt.want) {
				t.Errorf("text = %q, want %q", got, tt.want)
			}
		})
	}

	latest, err := store.LatestAlert(ctx, fetcher.AlertKey(5))
	if err != nil {
		t.Fatalf("LatestAlert: %v", err)
	}
	if latest.MutedUntil == nil || !latest.MutedUntil.Equal(c.Now().Add(2*time.Hour)) {
		t.Errorf("MutedUntil = %v", latest.MutedUntil)
	}
}
