package botkit

import (
	"context"
	"runtime/debug"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"
)

// Сколько времени даем одной view. Запросы к модели бывают долгими
const updateTimeout = time.Minute

type Bot struct {
	// Инстанст апи телеграма
	api *tgbotapi.BotAPI
	// Мапа в которой будем хранить view
	cmdViews map[string]ViewFunc
	// view для нажатий на inline кнопки, ключ - префикс callback data
	callbackViews map[string]ViewFunc
	logger        *zap.Logger
}

// Update здесь это любой эвент, который приходит от телеграма при взаимодействии пользователя с ботом
// инстанс botapi - это клиент через который мы получаем доступ к телеграмму
// Это функция которая будет реагировать на определенную команду
type ViewFunc func(ctx context.Context, bot *tgbotapi.BotAPI, update tgbotapi.Update) error

func New(api *tgbotapi.BotAPI, logger *zap.Logger) *Bot {
	return &Bot{
		api:           api,
		cmdViews:      make(map[string]ViewFunc),
		callbackViews: make(map[string]ViewFunc),
		logger:        logger.Named("bot"),
	}
}

// Метод для регистрации View для команды
func (b *Bot) RegisterCmdView(cmd string, view ViewFunc) {
	b.cmdViews[cmd] = view
}

// RegisterCallbackView регистрирует view для callback data с префиксом prefix
func (b *Bot) RegisterCallbackView(prefix string, view ViewFunc) {
	b.callbackViews[prefix] = view
}

func (b *Bot) Run(ctx context.Context) error {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)
	defer b.api.StopReceivingUpdates()

	for {
		select {
		case update := <-updates:
			updateCtx, updateCancel := context.WithTimeout(ctx, updateTimeout)
			b.handleUpdate(updateCtx, update)
			updateCancel()
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Метод, который обрабатывает update и роутит команды на сооветствующие view
func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	// В процессе работы бота в каких то view может произойти паника, поэтому мы ее должны перехватить
	defer func() {
		if p := recover(); p != nil {
			b.logger.Error("panic recovered", zap.Any("panic", p), zap.ByteString("stack", debug.Stack()))
		}
	}()

	view, name := b.route(update)
	if view == nil {
		return
	}

	// Вызываем view и обрабатываем ошибку от нее если та вернула ошибку
	if err := view(ctx, b.api, update); err != nil {
		b.logger.Error("failed to handle update", zap.String("view", name), zap.Error(err))

		chat := update.FromChat()
		if chat == nil {
			return
		}

		if _, err := b.api.Send(tgbotapi.NewMessage(chat.ID, "Внутренняя ошибка, попробуйте позже.")); err != nil {
			b.logger.Error("failed to send message", zap.Error(err))
		}
	}
}

func (b *Bot) route(update tgbotapi.Update) (ViewFunc, string) {
	switch {
	case update.Message != nil && update.Message.IsCommand():
		cmd := update.Message.Command()
		return b.cmdViews[cmd], cmd

	case update.CallbackQuery != nil:
		data := update.CallbackQuery.Data
		for prefix, view := range b.callbackViews {
			if strings.HasPrefix(data, prefix) {
				return view, prefix
			}
		}
	}

	return nil, ""
}
