package fetcher

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kovalyov-valentin/infra-bot/internal/alerts"
	"github.com/kovalyov-valentin/infra-bot/internal/clock"
	"github.com/kovalyov-valentin/infra-bot/internal/dedup"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/source"
	"github.com/samber/lo"
	"github.com/tomakado/containers/set"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type ItemStorage interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
	Sources(ctx context.Context) ([]model.Source, error)
	ItemExists(ctx context.Context, contentHash string) (bool, error)
	CreateItem(ctx context.Context, item model.Item) (int64, bool, error)
	UpdateSourceState(ctx context.Context, id int64, state map[string]any) error
}

type ConnectorRegistry interface {
	For(src model.Source) (source.Connector, error)
}

type Tagger interface {
	Assign(ctx context.Context, item model.Item) ([]model.ItemTopic, error)
}

type Scorer interface {
	Apply(ctx context.Context, item model.Item, src *model.Source) (model.Item, error)
}

type Deliverer interface {
	DeliverInstant(ctx context.Context, item model.Item) error
}

type Alerter interface {
	Raise(ctx context.Context, key, title, message, severity string) (*model.Alert, error)
	ResolveIfOpen(ctx context.Context, key, message string) (bool, error)
}

// Структура сборщика
type Fetcher struct {
	store      ItemStorage
	connectors ConnectorRegistry
	tagger     Tagger
	scorer     Scorer
	deliverer  Deliverer
	alerter    Alerter
	clock      clock.Clock

	// Как часто обходим источники
	fetchInterval time.Duration
	// Сколько источников опрашиваем одновременно
	concurrency int
	// Ключевые слова вакансий, общие для всех источников
	jobKeywords []string
	logger      *zap.Logger
}

type Options struct {
	FetchInterval time.Duration
	Concurrency   int
	JobKeywords   []string
}

func New(
	store ItemStorage,
	connectors ConnectorRegistry,
	tagger Tagger,
	scorer Scorer,
	deliverer Deliverer,
	alerter Alerter,
	c clock.Clock,
	opts Options,
	logger *zap.Logger,
) *Fetcher {
	return &Fetcher{
		store:         store,
		connectors:    connectors,
		tagger:        tagger,
		scorer:        scorer,
		deliverer:     deliverer,
		alerter:       alerter,
		clock:         c,
		fetchInterval: opts.FetchInterval,
		concurrency:   max(opts.Concurrency, 1),
		jobKeywords:   opts.JobKeywords,
		logger:        logger.Named("fetcher"),
	}
}

// Fetcher работает в отдельной горутине как самостоятельный воркер
// и раз в fetchInterval обходит все источники
func (f *Fetcher) Start(ctx context.Context) error {
	ticker := time.NewTicker(f.fetchInterval)
	defer ticker.Stop()

	f.sweep(ctx)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			f.sweep(ctx)
		}
	}
}

func (f *Fetcher) sweep(ctx context.Context) {
	if _, err := f.Fetch(ctx); err != nil && !errors.Is(err, context.Canceled) {
		f.logger.Error("ingestion sweep failed", zap.Error(err))
	}
}

// Fetch один раз обходит все источники. Источники опрашиваются параллельно,
// ошибка одного источника не мешает остальным.
func (f *Fetcher) Fetch(ctx context.Context) ([]Report, error) {
	sources, err := f.sources(ctx)
	if err != nil {
		return nil, err
	}

	log := f.logger.With(zap.String("run_id", uuid.NewString()))
	reports := make([]Report, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(f.concurrency)

	for i, src := range sources {
		g.Go(func() error {
			reports[i] = f.fetchSource(gctx, src, log)
			return nil
		})
	}
	_ = g.Wait()

	created := lo.SumBy(reports, func(r Report) int { return r.Count(OutcomeCreated) })
	log.Info("ingestion sweep finished", zap.Int("sources", len(sources)), zap.Int("created", created))

	return reports, nil
}

// FetchSource обрабатывает один источник вне общего обхода
func (f *Fetcher) FetchSource(ctx context.Context, src model.Source) Report {
	return f.fetchSource(ctx, src, f.logger.With(zap.String("run_id", uuid.NewString())))
}

func (f *Fetcher) sources(ctx context.Context) ([]model.Source, error) {
	sources, err := f.store.Sources(ctx)
	if err != nil {
		return nil, fmt.Errorf("get sources: %w", err)
	}
	return sources, nil
}

// AlertKey - ключ дедупликации алертов источника
func AlertKey(sourceID int64) string {
	return fmt.Sprintf("ingestion:source:%d", sourceID)
}

func (f *Fetcher) fetchSource(ctx context.Context, src model.Source, log *zap.Logger) Report {
	log = log.With(zap.Int64("source_id", src.ID), zap.String("source", src.Name), zap.String("type", src.Type))
	report := Report{SourceID: src.ID}

	connector, err := f.connectors.For(src)
	if err == nil {
		report.Entries, err = connector.Fetch(ctx, src)
	}
	if err != nil {
		report.Err = err
		log.Error("failed to fetch source", zap.Error(err))
		f.raise(ctx, src, err, log)
		return report
	}

	var created []model.Item
	err = f.store.InTx(ctx, func(ctx context.Context) error {
		results, items, err := f.processEntries(ctx, src, report.Entries, log)
		if err != nil {
			return err
		}

		state := connector.Advance(src.State, report.Entries, f.clock.Now())
		if err := f.store.UpdateSourceState(ctx, src.ID, state); err != nil {
			return fmt.Errorf("update state of source %d: %w", src.ID, err)
		}

		report.Results, created = results, items
		return nil
	})
	if err != nil {
		report.Err = fmt.Errorf("persist batch: %w", err)
		report.Results = nil
		log.Error("failed to persist source batch", zap.Error(err))
		f.raise(ctx, src, report.Err, log)
		return report
	}

	if _, err := f.alerter.ResolveIfOpen(ctx, AlertKey(src.ID), fmt.Sprintf("Источник %s снова доступен", src.Name)); err != nil {
		log.Error("failed to resolve source alert", zap.Error(err))
	}

	// Рассылаем только после коммита, чтобы не отправить откатившийся материал
	for _, item := range created {
		if err := f.deliverer.DeliverInstant(ctx, item); err != nil {
			log.Error("instant delivery failed", zap.Int64("item_id", item.ID), zap.Error(err))
		}
	}

	log.Debug("source processed",
		zap.Int("entries", len(report.Entries)),
		zap.Int("created", report.Count(OutcomeCreated)),
		zap.Int("duplicates", report.Count(OutcomeDuplicate)),
		zap.Int("skipped", report.Count(OutcomeSkipped)),
		zap.Int("failed", report.Count(OutcomeFailed)),
	)

	return report
}

func (f *Fetcher) raise(ctx context.Context, src model.Source, err error, log *zap.Logger) {
	severity := alerts.SeverityWarning
	if errors.Is(err, source.ErrNotConfigured) {
		severity = alerts.SeverityCritical
	}

	if _, alertErr := f.alerter.Raise(
		ctx,
		AlertKey(src.ID),
		fmt.Sprintf("Ошибка сбора: %s", src.Name),
		err.Error(),
		severity,
	); alertErr != nil {
		log.Error("failed to raise source alert", zap.Error(alertErr))
	}
}

// processEntries сохраняет записи по порядку. Каждая запись пишется в своей
// точке сохранения: запись, которую хранилище не приняло, пропускается
// и не откатывает остальные. Ошибки обогащения только отмечаются в результате.
func (f *Fetcher) processEntries(ctx context.Context, src model.Source, entries []source.Entry, log *zap.Logger) ([]EntryResult, []model.Item, error) {
	jobs := newJobMatcher(f.jobKeywords, src, log)

	results := make([]EntryResult, 0, len(entries))
	var created []model.Item

	for _, entry := range entries {
		entry = cleanEntry(entry)
		result := EntryResult{Title: entry.Title}

		title := strings.TrimSpace(entry.Title)
		if title == "" {
			result.Outcome = OutcomeSkipped
			results = append(results, result)
			continue
		}

		hash := dedup.Key(title, entry.URL, entry.Text)

		exists, err := f.store.ItemExists(ctx, hash)
		if err != nil {
			return nil, nil, fmt.Errorf("check item %q: %w", title, err)
		}
		if exists {
			result.Outcome = OutcomeDuplicate
			results = append(results, result)
			continue
		}

		item := model.Item{
			SourceID:    src.ID,
			ExternalID:  entry.ExternalID,
			URL:         entry.URL,
			Title:       title,
			Text:        entry.Text,
			PublishedAt: entry.PublishedAt,
			ContentHash: hash,
			Lang:        lo.Ternary(entry.Lang == "", source.DetectLang(title+" "+entry.Text), entry.Lang),
			IsJob:       jobs.match(entry),
		}

		var isNew bool
		err = f.store.Savepoint(ctx, func(ctx context.Context) error {
			var err error
			item.ID, isNew, err = f.store.CreateItem(ctx, item)
			return err
		})
		if err != nil {
			result.Outcome = OutcomeSkipped
			result.Err = fmt.Errorf("create item: %w", err)
			results = append(results, result)
			log.Warn("storage rejected item, skipping", zap.String("title", title), zap.Error(err))
			continue
		}
		if !isNew {
			result.Outcome = OutcomeDuplicate
			results = append(results, result)
			continue
		}
		result.ItemID = item.ID

		item, result.Err = f.enrich(ctx, item, src)
		if result.Err != nil {
			result.Outcome = OutcomeFailed
			log.Warn("item enrichment failed", zap.Int64("item_id", item.ID), zap.Error(result.Err))
		} else {
			result.Outcome = OutcomeCreated
		}

		results = append(results, result)
		created = append(created, item)
	}

	return results, created, nil
}

// enrich назначает темы и оценивает материал. Каждый шаг в своей точке
// сохранения, сбой одного не трогает сохраненный материал и другой шаг.
func (f *Fetcher) enrich(ctx context.Context, item model.Item, src model.Source) (model.Item, error) {
	var errs []error

	err := f.store.Savepoint(ctx, func(ctx context.Context) error {
		_, err := f.tagger.Assign(ctx, item)
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("tagging: %w", err))
	}

	var scored model.Item
	err = f.store.Savepoint(ctx, func(ctx context.Context) error {
		var err error
		scored, err = f.scorer.Apply(ctx, item, &src)
		return err
	})
	if err != nil {
		errs = append(errs, fmt.Errorf("scoring: %w", err))
	} else {
		item = scored
	}

	return item, errors.Join(errs...)
}

// cleanEntry убирает из полей записи байты, которые не примет хранилище
func cleanEntry(entry source.Entry) source.Entry {
	entry.Title = dedup.Clean(entry.Title)
	entry.Text = dedup.Clean(entry.Text)
	entry.URL = dedup.Clean(entry.URL)
	entry.ExternalID = dedup.Clean(entry.ExternalID)
	return entry
}

// jobMatcher определяет вакансии по ключевым словам и регулярке источника
type jobMatcher struct {
	keywords []string
	re       *regexp.Regexp
}

func newJobMatcher(global []string, src model.Source, log *zap.Logger) jobMatcher {
	keywords := lo.Uniq(lo.FilterMap(append(append([]string{}, global...), src.JobKeywords...), func(k string, _ int) (string, bool) {
		k = strings.ToLower(strings.TrimSpace(k))
		return k, k != ""
	}))

	m := jobMatcher{keywords: keywords}

	if pattern := strings.TrimSpace(src.JobRegex); pattern != "" {
		re, err := regexp.Compile("(?i)" + pattern)
		if err != nil {
			log.Warn("invalid job regex, skipping", zap.String("pattern", pattern), zap.Error(err))
		} else {
			m.re = re
		}
	}

	return m
}

func (m jobMatcher) match(entry source.Entry) bool {
	text := strings.ToLower(entry.Title + " " + entry.Text)

	// Категории храним в сете, чтобы быстро проверять ключевые слова
	categories := set.New(lo.Map(entry.Categories, func(c string, _ int) string {
		return strings.ToLower(strings.TrimSpace(c))
	})...)

	for _, keyword := range m.keywords {
		if categories.Contains(keyword) || strings.Contains(text, keyword) {
			return true
		}
	}

	return m.re != nil && m.re.MatchString(entry.Title+"\n"+entry.Text)
}
