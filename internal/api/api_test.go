package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/samber/lo"
	"go.uber.org/zap/zaptest"

	"github.com/kovalyov-valentin/infra-bot/internal/auth"
	"github.com/kovalyov-valentin/infra-bot/internal/cache"
	"github.com/kovalyov-valentin/infra-bot/internal/clock"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
	"github.com/kovalyov-valentin/infra-bot/internal/usage"
)

const botToken = "123456:TEST"

type fakeAssistant struct {
	questions []string
}

func (a *fakeAssistant) Answer(_ context.Context, question string) string {
	a.questions = append(a.questions, question)
	return "• один\n• два"
}

func (a *fakeAssistant) DeepDive(_ context.Context, item model.Item, clarification string) string {
	return "отчет: " + item.Title + " / " + clarification
}

type env struct {
	handler   http.Handler
	store     *storage.MemoryStorage
	clock     *clock.FakeClock
	assistant *fakeAssistant
}

func newEnv(t *testing.T, rateLimit int) *env {
	t.Helper()

	c := clock.Fake(time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC))
	store := storage.NewMemoryStorage()
	store.SetNow(c.Now)
	a := &fakeAssistant{}

	handler := NewHandler(Deps{
		Store:       store,
		Validator:   auth.NewValidator(botToken, 5*time.Minute, cache.NewReplayCache(c), c),
		Usage:       usage.NewLimiter(store, c, time.UTC),
		Assistant:   a,
		RateLimiter: cache.NewRateLimiter(c),
		RateLimit:   rateLimit,
		RateWindow:  time.Minute,
		Logger:      zaptest.NewLogger(t),
	})

	return &env{handler: handler, store: store, clock: c, assistant: a}
}

func (e *env) initData(telegramID int64, username string) string {
	values := url.Values{}
	values.Set("auth_date", strconv.FormatInt(e.clock.Now().Unix(), 10))
	values.Set("user", fmt.Sprintf(`{"id":%d,"username":%q}`, telegramID, username))
	values.Set("hash", auth.Sign(values, botToken))
	return values.Encode()
}

func (e *env) do(method, path, body, initData string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.RemoteAddr = "10.0.0.1:5555"
	if initData != "" {
		req.Header.Set(InitDataHeader, initData)
	}
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func detail(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var body struct {
		Detail string `json:"detail"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Detail
}

func TestHealth(t *testing.T) {
	e := newEnv(t, 0)
	if rec := e.do(http.MethodGet, "/healthz", "", ""); rec.Code != http.StatusOK {
		t.Errorf("status = %d", rec.Code)
	}
}

func TestAuthRequiresInitData(t *testing.T) {
	e := newEnv(t, 0)

	rec := e.do(http.MethodGet, "/api/public/me", "", "")
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
	if got := detail(t, rec); got != messageNoInitData {
		t.Errorf("detail = %q", got)
	}

	rec = e.do(http.MethodGet, "/api/public/me", "", "auth_date=1&hash=deadbeef")
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("bad signature status = %d, want 401", rec.Code)
	}
}

func TestAuthTelegramCreatesUserAndRejectsReplay(t *testing.T) {
	e := newEnv(t, 0)
	initData := e.initData(777, "alice")
	body := fmt.Sprintf(`{"init_data":%q}`, initData)

	rec := e.do(http.MethodPost, "/api/public/auth/telegram", body, "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp struct {
		User    userOut `json:"user"`
		Message string  `json:"message"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if resp.User.TelegramID != 777 || resp.User.Username != "alice" || resp.User.Plan != model.PlanFree {
		t.Errorf("user = %+v", resp.User)
	}

	if _, err := e.store.UserByTelegramID(context.Background(), 777); err != nil {
		t.Errorf("user not stored: %v", err)
	}

	rec = e.do(http.MethodPost, "/api/public/auth/telegram", body, "")
	if rec.Code != http.StatusUnauthorized || detail(t, rec) != "initData уже использованы." {
		t.Errorf("replay status = %d, detail %q", rec.Code, rec.Body.String())
	}

	// остальные ручки принимают те же initData повторно
	for range 2 {
		if rec := e.do(http.MethodGet, "/api/public/me", "", initData); rec.Code != http.StatusOK {
			t.Errorf("me status = %d", rec.Code)
		}
	}
}

func TestExpiredInitData(t *testing.T) {
	e := newEnv(t, 0)
	initData := e.initData(1, "bob")
	e.clock.Advance(10 * time.Minute)

	rec := e.do(http.MethodGet, "/api/public/me", "", initData)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
	if got := detail(t, rec); got != "initData устарели." {
		t.Errorf("detail = %q", got)
	}
}

func TestUpdateSettings(t *testing.T) {
	e := newEnv(t, 0)
	initData := e.initData(5, "carol")

	rec := e.do(http.MethodPatch, "/api/public/me/settings",
		`{"delivery_mode":"instant","quiet_hours_start":23,"quiet_hours_end":7,"only_important":true}`, initData)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	user, err := e.store.UserByTelegramID(context.Background(), 5)
	if err != nil {
		t.Fatalf("UserByTelegramID: %v", err)
	}
	if user.DeliveryMode != model.DeliveryInstant || !user.OnlyImportant ||
		user.QuietHoursStart == nil || *user.QuietHoursStart != 23 || user.QuietHoursEnd == nil || *user.QuietHoursEnd != 7 {
		t.Errorf("user = %+v", user)
	}

	tests := []struct {
		name string
		body string
		code int
	}{
		{name: "unknown mode", body: `{"delivery_mode":"weekly"}`, code: http.StatusBadRequest},
		{name: "interval", body: `{"batch_interval_hours":0}`, code: http.StatusBadRequest},
		{name: "quiet hour", body: `{"quiet_hours_start":24}`, code: http.StatusBadRequest},
		{name: "jobs on free", body: `{"jobs_enabled":true}`, code: http.StatusForbidden},
		{name: "broken json", body: `{`, code: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := e.do(http.MethodPatch, "/api/public/me/settings", tt.body, initData); rec.Code != tt.code {
				t.Errorf("status = %d, want %d", rec.Code, tt.code)
			}
		})
	}
}

func TestTopicsAndItems(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)

	k8s, _ := e.store.UpsertTopic(ctx, model.Topic{Name: "Kubernetes"})
	db, _ := e.store.UpsertTopic(ctx, model.Topic{Name: "Databases"})

	for i, topicID := range []int64{k8s, db} {
		itemID, _, err := e.store.CreateItem(ctx, model.Item{Title: fmt.Sprintf("item %d", i), ContentHash: strconv.Itoa(i)})
		if err != nil {
			t.Fatalf("CreateItem: %v", err)
		}
		if err := e.store.ReplaceAutoTopics(ctx, itemID, []model.ItemTopic{{ItemID: itemID, TopicID: topicID}}); err != nil {
			t.Fatalf("ReplaceAutoTopics: %v", err)
		}
	}

	rec := e.do(http.MethodGet, "/api/public/topics", "", "")
	var topics []topicOut
	if err := json.Unmarshal(rec.Body.Bytes(), &topics); err != nil || len(topics) != 2 {
		t.Fatalf("topics = %s (%v)", rec.Body.String(), err)
	}

	initData := e.initData(9, "dave")
	rec = e.do(http.MethodPut, "/api/public/me/topics", fmt.Sprintf(`{"topic_ids":[%d,%d,999]}`, k8s, k8s), initData)
	if rec.Code != http.StatusOK {
		t.Fatalf("set topics status = %d", rec.Code)
	}
	var me userOut
	if err := json.Unmarshal(rec.Body.Bytes(), &me); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(me.TopicIDs) != 1 || me.TopicIDs[0] != k8s {
		t.Errorf("topic ids = %v, want [%d]", me.TopicIDs, k8s)
	}

	rec = e.do(http.MethodGet, "/api/public/items?limit=10", "", initData)
	var resp struct {
		Items []itemOut `json:"items"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.Items) != 1 || resp.Items[0].Title != "item 0" {
		t.Errorf("items = %+v", resp.Items)
	}

	if rec := e.do(http.MethodGet, "/api/public/items?limit=abc", "", initData); rec.Code != http.StatusBadRequest {
		t.Errorf("bad limit status = %d", rec.Code)
	}
}

func TestJobsAccess(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)

	rec := e.do(http.MethodGet, "/api/public/jobs", "", e.initData(11, "free"))
	if rec.Code != http.StatusForbidden || detail(t, rec) != usage.MessageJobsPlan {
		t.Fatalf("free: status = %d, body %s", rec.Code, rec.Body.String())
	}

	if _, err := e.store.PutUser(ctx, model.User{TelegramID: 12, Plan: model.PlanPro, JobsEnabled: true, DeliveryMode: model.DeliveryDigest}); err != nil {
		t.Fatalf("PutUser: %v", err)
	}
	if _, _, err := e.store.CreateItem(ctx, model.Item{Title: "SRE", ContentHash: "job", IsJob: true}); err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	rec = e.do(http.MethodGet, "/api/public/jobs", "", e.initData(12, "pro"))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "Найдено 1 вакансий") {
		t.Errorf("pro: status = %d, body %s", rec.Code, rec.Body.String())
	}
}

func TestAskMeteredByPlan(t *testing.T) {
	e := newEnv(t, 0)
	initData := e.initData(20, "eve")

	for i := range 5 {
		rec := e.do(http.MethodPost, "/api/public/ai/ask", `{"purpose":"qa","prompt":"что нового?"}`, initData)
		if rec.Code != http.StatusOK {
			t.Fatalf("request %d: status = %d, body %s", i, rec.Code, rec.Body.String())
		}
	}

	rec := e.do(http.MethodPost, "/api/public/ask", `{"prompt":"еще"}`, initData)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := detail(t, rec); got != usage.MessageExhausted {
		t.Errorf("detail = %q", got)
	}
	if len(e.assistant.questions) != 5 {
		t.Errorf("assistant called %d times, want 5", len(e.assistant.questions))
	}

	if rec := e.do(http.MethodPost, "/api/public/ask", `{"prompt":"  "}`, initData); rec.Code != http.StatusBadRequest {
		t.Errorf("empty prompt status = %d", rec.Code)
	}
}

func TestDeepDive(t *testing.T) {
	ctx := context.Background()
	e := newEnv(t, 0)
	initData := e.initData(30, "frank")

	itemID, _, _ := e.store.CreateItem(ctx, model.Item{Title: "Outage", ContentHash: "o"})

	rec := e.do(http.MethodPost, fmt.Sprintf("/api/public/items/%d/deepdive", itemID), `{"clarification":"причины"}`, initData)
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "отчет: Outage / причины") {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	if rec := e.do(http.MethodPost, "/api/public/items/999/deepdive", `{}`, initData); rec.Code != http.StatusNotFound {
		t.Errorf("missing item status = %d", rec.Code)
	}
}

func TestRateLimitByIPAndUser(t *testing.T) {
	e := newEnv(t, 2)

	for range 2 {
		if rec := e.do(http.MethodGet, "/api/public/topics", "", ""); rec.Code != http.StatusOK {
			t.Fatalf("status = %d", rec.Code)
		}
	}

	rec := e.do(http.MethodGet, "/api/public/topics", "", "")
	if rec.Code != http.StatusTooManyRequests || detail(t, rec) != messageTooManyCalls {
		t.Fatalf("third call: status = %d", rec.Code)
	}

	e.clock.Advance(time.Minute + time.Second)
	if rec := e.do(http.MethodGet, "/api/public/topics", "", ""); rec.Code != http.StatusOK {
		t.Errorf("after window: status = %d", rec.Code)
	}

	// новый ip, но тот же пользователь
	initData := e.initData(40, "gina")
	for i := range 3 {
		req := httptest.NewRequest(http.MethodGet, "/api/public/me", nil)
		req.RemoteAddr = fmt.Sprintf("10.0.1.%d:1000", i)
		req.Header.Set(InitDataHeader, initData)
		rec := httptest.NewRecorder()
		e.handler.ServeHTTP(rec, req)

		want := lo.Ternary(i < 2, http.StatusOK, http.StatusTooManyRequests)
		if rec.Code != want {
			t.Errorf("request %d: status = %d, want %d", i, rec.Code, want)
		}
	}
}

