package telegram

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap/zaptest"
)

type fakeAPI struct {
	errs []error
	sent []tgbotapi.MessageConfig
}

func (a *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	if len(a.errs) > 0 {
		err := a.errs[0]
		a.errs = a.errs[1:]
		if err != nil {
			return tgbotapi.Message{}, err
		}
	}
	a.sent = append(a.sent, c.(tgbotapi.MessageConfig))
	return tgbotapi.Message{MessageID: 100 + len(a.sent)}, nil
}

func TestSendSetsMarkdownAndKeyboard(t *testing.T) {
	api := &fakeAPI{}
	sender := NewSender(api, 1000, zaptest.NewLogger(t))

	keyboard := tgbotapi.NewInlineKeyboardMarkup(tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonData("b", "d")))
	id, err := sender.Send(context.Background(), 7, "*hi*", &keyboard)
	if err != nil {
		t.Fatalf("Send: %v", err)
	}
	if id != 101 {
		t.Errorf("message id = %d", id)
	}

	msg := api.sent[0]
	if msg.ChatID != 7 || msg.ParseMode != tgbotapi.ModeMarkdownV2 || msg.ReplyMarkup == nil {
		t.Errorf("message = %+v", msg)
	}
}

func TestSendRetriesOnlyTooManyRequests(t *testing.T) {
	api := &fakeAPI{errs: []error{&tgbotapi.Error{Code: 429, Message: "Too Many Requests"}}}
	sender := NewSender(api, 1000, zaptest.NewLogger(t))
	sender.policy.Backoff = 0

	if _, err := sender.Send(context.Background(), 1, "x", nil); err != nil {
		t.Fatalf("Send after 429: %v", err)
	}

	api = &fakeAPI{errs: []error{&tgbotapi.Error{Code: 403, Message: "bot was blocked"}, nil}}
	sender = NewSender(api, 1000, zaptest.NewLogger(t))
	_, err := sender.Send(context.Background(), 1, "x", nil)
	if err == nil {
		t.Fatalf("403 must not be retried")
	}
	if !errors.Is(err, ErrRejected) {
		t.Errorf("403 error = %v, want ErrRejected", err)
	}
	if len(api.sent) != 0 {
		t.Errorf("sent = %d, want 0", len(api.sent))
	}

	api = &fakeAPI{errs: []error{errors.New("connection reset"), nil}}
	sender = NewSender(api, 1000, zaptest.NewLogger(t))
	_, err = sender.Send(context.Background(), 1, "x", nil)
	if err == nil {
		t.Errorf("network errors must not be retried")
	}
	if errors.Is(err, ErrRejected) {
		t.Errorf("network error must not be reported as rejected")
	}
}

func TestAlertNotifier(t *testing.T) {
	api := &fakeAPI{}
	sender := NewSender(api, 1000, zaptest.NewLogger(t))

	if err := NewAlertNotifier(sender, 0).NotifyAlert(context.Background(), "x"); err != nil || len(api.sent) != 0 {
		t.Fatalf("disabled notifier sent %d, err %v", len(api.sent), err)
	}

	if err := NewAlertNotifier(sender, -100).NotifyAlert(context.Background(), "RESOLVED\nsource 1."); err != nil {
		t.Fatalf("NotifyAlert: %v", err)
	}
	if got := api.sent[0].Text; got != "🚨 RESOLVED\nsource 1\\." {
		t.Errorf("text = %q", got)
	}
}
