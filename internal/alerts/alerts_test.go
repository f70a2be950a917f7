package alerts

import (
	"context"
	"testing"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/clock"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
	"go.uber.org/zap/zaptest"
)

type recordingNotifier struct {
	texts []string
}

func (n *recordingNotifier) NotifyAlert(_ context.Context, text string) error {
	n.texts = append(n.texts, text)
	return nil
}

func newService(t *testing.T) (*Service, *storage.MemoryStorage, *clock.FakeClock, *recordingNotifier) {
	t.Helper()
	store := storage.NewMemoryStorage()
	c := clock.Fake(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC))
	notifier := &recordingNotifier{}
	return NewService(store, notifier, c, zaptest.NewLogger(t)), store, c, notifier
}

func TestRaiseCollapsesWithinResendInterval(t *testing.T) {
	ctx := context.Background()
	s, store, c, notifier := newService(t)

	first, err := s.Raise(ctx, "ingestion:source:1", "fetch failed", "timeout", "")
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	c.Advance(10 * time.Minute)
	second, err := s.Raise(ctx, "ingestion:source:1", "fetch failed", "timeout", "")
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if first.ID != second.ID {
		t.Errorf("alert within resend interval must collapse")
	}

	c.Advance(6 * time.Minute)
	third, err := s.Raise(ctx, "ingestion:source:1", "fetch failed", "timeout", "")
	if err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if third.ID == first.ID {
		t.Errorf("alert after resend interval must be new")
	}

	if got := len(store.Alerts(ctx, "ingestion:source:1")); got != 2 {
		t.Errorf("stored alerts = %d, want 2", got)
	}
	if len(notifier.texts) != 2 {
		t.Errorf("notifications = %d, want 2", len(notifier.texts))
	}
	if first.Severity != SeverityWarning || first.Status != model.AlertStatusOpen {
		t.Errorf("alert = %+v", first)
	}
}

func TestMutedAlertCollapsesButResolveIsSent(t *testing.T) {
	ctx := context.Background()
	s, store, c, notifier := newService(t)

	if _, err := s.Raise(ctx, "k", "t", "m", SeverityCritical); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if err := s.Mute(ctx, "k", 2*time.Hour); err != nil {
		t.Fatalf("Mute: %v", err)
	}

	c.Advance(time.Hour)
	if _, err := s.Raise(ctx, "k", "t", "m", SeverityCritical); err != nil {
		t.Fatalf("Raise: %v", err)
	}
	if got := len(store.Alerts(ctx, "k")); got != 1 {
		t.Fatalf("muted raise created alert, total %d", got)
	}

	resolved, err := s.ResolveIfOpen(ctx, "k", "back to normal")
	if err != nil || !resolved {
		t.Fatalf("ResolveIfOpen = %v, %v", resolved, err)
	}

	alerts := store.Alerts(ctx, "k")
	last := alerts[len(alerts)-1]
	if last.Status != model.AlertStatusResolved || last.Title != "RESOLVED" || last.Severity != SeverityInfo {
		t.Errorf("resolve alert = %+v", last)
	}
	if notifier.texts[len(notifier.texts)-1] != "RESOLVED\nback to normal" {
		t.Errorf("last notification = %q", notifier.texts[len(notifier.texts)-1])
	}

	again, err := s.ResolveIfOpen(ctx, "k", "back to normal")
	if err != nil || again {
		t.Errorf("second ResolveIfOpen = %v, %v, want no-op", again, err)
	}
}

func TestResolveIfOpenWithoutAlerts(t *testing.T) {
	s, _, _, notifier := newService(t)
	resolved, err := s.ResolveIfOpen(context.Background(), "none", "ok")
	if err != nil || resolved || len(notifier.texts) != 0 {
		t.Errorf("resolved = %v, err = %v, notifications = %d", resolved, err, len(notifier.texts))
	}
}
