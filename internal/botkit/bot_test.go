package botkit

import (
	"context"
	"errors"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap/zaptest"

	"github.com/kovalyov-valentin/infra-bot/internal/botkit/botkittest"
)

func TestHandleUpdateRouting(t *testing.T) {
	srv := botkittest.NewServer(t)
	b := New(srv.API(t), zaptest.NewLogger(t))

	var got []string
	b.RegisterCmdView("start", func(_ context.Context, _ *tgbotapi.BotAPI, _ tgbotapi.Update) error {
		got = append(got, "start")
		return nil
	})
	b.RegisterCallbackView("deepdive:", func(_ context.Context, _ *tgbotapi.BotAPI, u tgbotapi.Update) error {
		got = append(got, u.CallbackQuery.Data)
		return nil
	})

	ctx := context.Background()
	b.handleUpdate(ctx, botkittest.CommandUpdate(1, "/start"))
	b.handleUpdate(ctx, botkittest.CommandUpdate(1, "/unknown"))
	b.handleUpdate(ctx, botkittest.CallbackUpdate(1, "deepdive:5"))
	b.handleUpdate(ctx, botkittest.CallbackUpdate(1, "other:5"))
	b.handleUpdate(ctx, tgbotapi.Update{Message: &tgbotapi.Message{Text: "просто текст", Chat: &tgbotapi.Chat{ID: 1}}})

	if len(got) != 2 || got[0] != "start" || got[1] != "deepdive:5" {
		t.Errorf("routed = %v", got)
	}
}

func TestHandleUpdateReportsErrorAndRecovers(t *testing.T) {
	srv := botkittest.NewServer(t)
	b := New(srv.API(t), zaptest.NewLogger(t))

	b.RegisterCmdView("fail", func(context.Context, *tgbotapi.BotAPI, tgbotapi.Update) error {
		return errors.New("boom")
	})
	b.RegisterCmdView("panic", func(context.Context, *tgbotapi.BotAPI, tgbotapi.Update) error {
		panic("view panic")
	})

	b.handleUpdate(context.Background(), botkittest.CommandUpdate(3, "/fail"))
	b.handleUpdate(context.Background(), botkittest.CommandUpdate(3, "/panic"))

	texts := srv.Texts()
	if len(texts) != 1 || texts[0] != "Внутренняя ошибка, попробуйте позже." {
		t.Errorf("texts = %v", texts)
	}
}

func TestParseJSON(t *testing.T) {
	type args struct {
		Name string `json:"name"`
	}

	got, err := ParseJSON[args](`{"name":"cncf"}`)
	if err != nil || got.Name != "cncf" {
		t.Errorf("ParseJSON = %+v, %v", got, err)
	}

	if _, err := ParseJSON[args](`name=cncf`); err == nil {
		t.Error("expected error for non-json input")
	}
}
