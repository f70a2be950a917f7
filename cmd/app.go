package main

import (
	"context"
	"fmt"
	"net/http"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"go.uber.org/zap"

	"github.com/kovalyov-valentin/infra-bot/internal/alerts"
	"github.com/kovalyov-valentin/infra-bot/internal/api"
	"github.com/kovalyov-valentin/infra-bot/internal/assistant"
	"github.com/kovalyov-valentin/infra-bot/internal/auth"
	"github.com/kovalyov-valentin/infra-bot/internal/bot"
	"github.com/kovalyov-valentin/infra-bot/internal/bot/middleware"
	"github.com/kovalyov-valentin/infra-bot/internal/botkit"
	"github.com/kovalyov-valentin/infra-bot/internal/cache"
	"github.com/kovalyov-valentin/infra-bot/internal/catalog"
	"github.com/kovalyov-valentin/infra-bot/internal/clock"
	"github.com/kovalyov-valentin/infra-bot/internal/config"
	"github.com/kovalyov-valentin/infra-bot/internal/fetcher"
	"github.com/kovalyov-valentin/infra-bot/internal/llm"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/notifier"
	"github.com/kovalyov-valentin/infra-bot/internal/search"
	"github.com/kovalyov-valentin/infra-bot/internal/sentinel"
	"github.com/kovalyov-valentin/infra-bot/internal/source"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
	"github.com/kovalyov-valentin/infra-bot/internal/tagging"
	"github.com/kovalyov-valentin/infra-bot/internal/telegram"
	"github.com/kovalyov-valentin/infra-bot/internal/usage"
)

// app держит все зависимости процесса
type app struct {
	cfg    config.Config
	logger *zap.Logger
	clock  clock.Clock
	store  storage.Storage

	// nil, если не задан токен бота
	botAPI   *tgbotapi.BotAPI
	notifier *notifier.Notifier

	alerts    *alerts.Service
	fetcher   *fetcher.Fetcher
	assistant *assistant.Assistant
	usage     *usage.Limiter
	limiter   *cache.RateLimiter
}

func newApp(ctx context.Context, cfg config.Config, logger *zap.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger, clock: clock.Real()}

	store, err := openStorage(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	if cfg.TelegramBotToken != "" {
		// Создаем бота, используя токен из конфига
		a.botAPI, err = tgbotapi.NewBotAPI(cfg.TelegramBotToken)
		if err != nil {
			store.Close()
			return nil, fmt.Errorf("create bot: %w", err)
		}
	}

	var (
		loc       = cfg.Location()
		provider  = llm.NewOpenAI(llm.Config{BaseURL: cfg.LLMURL, APIKey: cfg.LLMAPIKey, Model: cfg.LLMModel, Timeout: cfg.LLMTimeout}, logger)
		deliverer fetcher.Deliverer
	)

	a.limiter = cache.NewRateLimiter(a.clock)
	a.usage = usage.NewLimiter(store, a.clock, loc)
	a.assistant = assistant.New(provider, logger)

	if a.botAPI != nil {
		sender := telegram.NewSender(a.botAPI, cfg.SendRatePerSecond, logger)
		a.alerts = alerts.NewService(store, telegram.NewAlertNotifier(sender, cfg.AlertsChatID), a.clock, logger)
		a.notifier = notifier.New(store, sender, notifier.NewPendingSet(), a.clock, loc, cfg.NotificationInterval, logger).
			WithDigestOverlap(cfg.DigestOverlap)
		deliverer = a.notifier
	} else {
		a.alerts = alerts.NewService(store, nil, a.clock, logger)
		deliverer = skipDelivery{logger: logger}
	}

	searcher := search.NewClient(search.Config{
		URL:                cfg.SearchURL,
		Timeout:            cfg.SearchTimeout,
		CacheMin:           cfg.SearchCacheMin,
		CacheMax:           cfg.SearchCacheMax,
		CacheMaxEntries:    cfg.SearchCacheMaxEntries,
		RateLimitPerMinute: cfg.GlobalRateLimitPerMin,
	}, a.limiter, a.clock, logger)

	a.fetcher = fetcher.New(
		store,
		connectors(cfg, a.clock),
		tagging.New(store, tagging.NewLLMClassifier(provider), logger),
		sentinel.New(store, searcher, logger),
		deliverer,
		a.alerts,
		a.clock,
		fetcher.Options{
			FetchInterval: cfg.FetchInterval,
			Concurrency:   cfg.FetchConcurrency,
			JobKeywords:   cfg.FilterKeywords,
		},
		logger,
	)

	return a, nil
}

func openStorage(ctx context.Context, cfg config.Config, logger *zap.Logger) (storage.Storage, error) {
	if cfg.UseInMemory {
		logger.Warn("using in-memory storage, data will be lost on restart")
		return storage.NewMemoryStorage(), nil
	}

	// Инициализируем подключение к БД
	store, err := storage.Open(ctx, cfg.DatabaseDSN, logger)
	if err != nil {
		return nil, err
	}
	return store, nil
}

func connectors(cfg config.Config, c clock.Clock) source.Registry {
	opts := source.HTTPOptions{
		Client:  &http.Client{Timeout: cfg.RequestTimeout},
		Retries: cfg.RequestRetries,
	}

	list := []source.Connector{
		source.NewRSSSource(opts),
		source.NewTelegramSource(cfg.TelegramPreviewURL, opts),
	}
	// Без ключей reddit источники этого типа получают алерт "не настроен"
	if cfg.RedditClientID != "" {
		list = append(list, source.NewRedditSource(source.RedditConfig{
			ClientID:     cfg.RedditClientID,
			ClientSecret: cfg.RedditClientSecret,
			UserAgent:    cfg.RedditUserAgent,
			Clock:        c,
		}, opts))
	}

	return source.NewRegistry(list...)
}

func (a *app) seed(ctx context.Context, path string) error {
	c, err := catalog.Load(path)
	if err != nil {
		return err
	}
	return c.Apply(ctx, a.store, a.logger)
}

func (a *app) newBot() *botkit.Bot {
	deepDive := bot.DeepDiveDeps{Users: a.store, Items: a.store, Limiter: a.usage, Assistant: a.assistant}

	// Обернуть middleware все view где нужно дать доступ только админу
	b := botkit.New(a.botAPI, a.logger)
	b.RegisterCmdView("start", bot.ViewCmdStart(a.store))
	b.RegisterCmdView("help", bot.ViewCmdHelp())
	b.RegisterCmdView("listsources", bot.ViewCmdListSources(a.store))
	b.RegisterCmdView("addsource", middleware.AdminOnly(a.cfg.IsAdmin, bot.ViewCmdAddSource(a.store)))
	b.RegisterCmdView("ingest", middleware.AdminOnly(a.cfg.IsAdmin, bot.ViewCmdIngest(a.fetcher)))
	b.RegisterCmdView("deletesource", middleware.AdminOnly(a.cfg.IsAdmin, bot.ViewCmdDeleteSource(a.store)))
	b.RegisterCmdView("mute", middleware.AdminOnly(a.cfg.IsAdmin, bot.ViewCmdMute(a.alerts)))
	b.RegisterCmdView("ask", bot.ViewCmdAsk(a.store, a.usage, a.assistant))
	b.RegisterCmdView("deepdive", bot.ViewCmdDeepDive(deepDive))
	b.RegisterCallbackView(notifier.DeepDivePrefix, bot.ViewCallbackDeepDive(deepDive))

	return b
}

func (a *app) httpHandler() http.Handler {
	return api.NewHandler(api.Deps{
		Store:       a.store,
		Validator:   auth.NewValidator(a.cfg.TelegramBotToken, a.cfg.InitDataMaxAge, cache.NewReplayCache(a.clock), a.clock),
		Usage:       a.usage,
		Assistant:   a.assistant,
		RateLimiter: a.limiter,
		RateLimit:   a.cfg.PublicRateLimit,
		RateWindow:  a.cfg.PublicRateLimitWindow,
		Logger:      a.logger,
	})
}

func (a *app) Close() error {
	return a.store.Close()
}

// skipDelivery используется, когда бот не настроен: материалы сохраняются, но не рассылаются
type skipDelivery struct {
	logger *zap.Logger
}

func (d skipDelivery) DeliverInstant(_ context.Context, item model.Item) error {
	d.logger.Debug("instant delivery skipped, bot is not configured", zap.Int64("item_id", item.ID))
	return nil
}
