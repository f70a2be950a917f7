// Package sentinel оценивает доверие к материалу и его важность.
package sentinel

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"unicode/utf8"

	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/search"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

// Результаты отдельных проверок
const (
	StatusOK      = "ok"
	StatusMissing = "missing"
	StatusError   = "error"
	StatusWarning = "warning"
	StatusLimited = "limited"
)

// Итоговые вердикты доверия
const (
	TrustConfirmed = "confirmed"
	TrustMixed     = "mixed"
	TrustUnclear   = "unclear"
	TrustHype      = "hype"
)

const (
	defaultTrust    = 50
	queryPrefixLen  = 120
	maxEntities     = 10
	maxHitURLs      = 3
	highImpactChars = 800
	midImpactChars  = 250
)

var hypeMarkers = []string{
	"шок", "сенсац", "срочно", "невероятн", "скандал", "взрыв", "революц",
	"breaking", "shocking", "unbelievable", "you won't believe", "game changer", "100%",
}

var highImpactMarkers = []string{
	"cve-", "zero-day", "0-day", "уязвимост", "утечк", "инцидент", "сбой", "авари",
	"outage", "breach", "ransomware", "critical", "критическ", "security advisory",
}

var entityRe = regexp.MustCompile(`\p{Lu}\p{L}+`)

type Searcher interface {
	Search(ctx context.Context, query string) ([]search.Result, error)
}

type ItemStorage interface {
	UpdateItemEnrichment(ctx context.Context, item model.Item) error
}

type CrossCheck struct {
	Status string   `json:"status"`
	Query  string   `json:"query"`
	Hits   int      `json:"hits"`
	URLs   []string `json:"urls,omitempty"`
	Error  string   `json:"error,omitempty"`
}

type LogicAudit struct {
	Status  string   `json:"status"`
	Markers []string `json:"markers,omitempty"`
}

type EntityVerify struct {
	Status   string   `json:"status"`
	Entities []string `json:"entities,omitempty"`
}

type Adjustment struct {
	Reason string `json:"reason"`
	Delta  int    `json:"delta"`
}

type TrustLedger struct {
	Base        int          `json:"base"`
	Adjustments []Adjustment `json:"adjustments,omitempty"`
	Score       int          `json:"score"`
	Status      string       `json:"status"`
}

type Impact struct {
	Level   string   `json:"level"`
	Length  int      `json:"length"`
	Markers []string `json:"markers,omitempty"`
}

// Report - полный набор проверок, который сохраняется вместе с материалом
type Report struct {
	CrossCheck   CrossCheck   `json:"cross_check"`
	LogicAudit   LogicAudit   `json:"logic_audit"`
	EntityVerify EntityVerify `json:"entity_verify"`
	TrustLedger  TrustLedger  `json:"trust_ledger"`
	Impact       Impact       `json:"impact"`
}

type Sentinel struct {
	items    ItemStorage
	searcher Searcher
	logger   *zap.Logger
}

// searcher может быть nil, тогда кросс-проверка всегда дает error
func New(items ItemStorage, searcher Searcher, logger *zap.Logger) *Sentinel {
	return &Sentinel{
		items:    items,
		searcher: searcher,
		logger:   logger.Named("sentinel"),
	}
}

// Apply проверяет материал и перезаписывает его поля доверия и важности.
// source может быть nil.
func (s *Sentinel) Apply(ctx context.Context, item model.Item, source *model.Source) (model.Item, error) {
	report := s.Evaluate(ctx, item, source)

	raw, err := json.Marshal(report)
	if err != nil {
		return item, fmt.Errorf("marshal sentinel report: %w", err)
	}

	item.Impact = report.Impact.Level
	item.TrustScore = lo.ToPtr(report.TrustLedger.Score)
	item.TrustStatus = report.TrustLedger.Status
	item.Sentinel = raw

	if err := s.items.UpdateItemEnrichment(ctx, item); err != nil {
		return item, fmt.Errorf("save sentinel report of item %d: %w", item.ID, err)
	}

	return item, nil
}

// Evaluate запускает все проверки без записи в хранилище
func (s *Sentinel) Evaluate(ctx context.Context, item model.Item, source *model.Source) Report {
	text := strings.ToLower(item.Title + " " + item.Text)

	report := Report{
		CrossCheck:   s.crossCheck(ctx, item),
		LogicAudit:   logicAudit(text),
		EntityVerify: entityVerify(item.Title + " " + item.Text),
		Impact:       impact(text, item.Text),
	}

	base := defaultTrust
	if source != nil {
		base = source.TrustManual
	}
	report.TrustLedger = trustLedger(base, report)

	return report
}

func (s *Sentinel) crossCheck(ctx context.Context, item model.Item) CrossCheck {
	query := strings.TrimSpace(item.Title)
	if query == "" {
		query = strings.TrimSpace(string(lo.Subset([]rune(item.Text), 0, queryPrefixLen)))
	}

	result := CrossCheck{Query: query}
	if query == "" {
		result.Status = StatusMissing
		return result
	}

	if s.searcher == nil {
		result.Status = StatusError
		result.Error = search.ErrDisabled.Error()
		return result
	}

	hits, err := s.searcher.Search(ctx, query)
	if err != nil {
		s.logger.Warn("cross-check search failed", zap.Int64("item_id", item.ID), zap.Error(err))
		result.Status = StatusError
		result.Error = err.Error()
		return result
	}

	result.Hits = len(hits)
	result.Status = lo.Ternary(len(hits) > 0, StatusOK, StatusMissing)
	result.URLs = lo.FilterMap(lo.Subset(hits, 0, maxHitURLs), func(hit search.Result, _ int) (string, bool) {
		return hit.URL, hit.URL != ""
	})

	return result
}

func logicAudit(text string) LogicAudit {
	markers := matchMarkers(text, hypeMarkers)
	return LogicAudit{
		Status:  lo.Ternary(len(markers) > 0, StatusWarning, StatusOK),
		Markers: markers,
	}
}

func entityVerify(text string) EntityVerify {
	entities := lo.Uniq(entityRe.FindAllString(text, -1))
	if len(entities) > maxEntities {
		entities = entities[:maxEntities]
	}
	return EntityVerify{
		Status:   lo.Ternary(len(entities) > 0, StatusOK, StatusLimited),
		Entities: entities,
	}
}

func trustLedger(base int, report Report) TrustLedger {
	ledger := TrustLedger{Base: base}

	switch report.CrossCheck.Status {
	case StatusOK:
		ledger.Adjustments = append(ledger.Adjustments, Adjustment{Reason: "cross_check_ok", Delta: 10})
	case StatusMissing:
		ledger.Adjustments = append(ledger.Adjustments, Adjustment{Reason: "cross_check_missing", Delta: -5})
	}
	if report.LogicAudit.Status == StatusWarning {
		ledger.Adjustments = append(ledger.Adjustments, Adjustment{Reason: "hype_markers", Delta: -10})
	}
	if report.EntityVerify.Status == StatusOK {
		ledger.Adjustments = append(ledger.Adjustments, Adjustment{Reason: "entities_found", Delta: 5})
	}

	score := base + lo.SumBy(ledger.Adjustments, func(a Adjustment) int { return a.Delta })
	ledger.Score = lo.Clamp(score, 0, 100)
	ledger.Status = TrustStatus(ledger.Score)

	return ledger
}

// TrustStatus переводит числовую оценку в вердикт
func TrustStatus(score int) string {
	switch {
	case score >= 80:
		return TrustConfirmed
	case score >= 55:
		return TrustMixed
	case score >= 30:
		return TrustUnclear
	default:
		return TrustHype
	}
}

func impact(lowered, body string) Impact {
	result := Impact{
		Length:  utf8.RuneCountInString(body),
		Markers: matchMarkers(lowered, highImpactMarkers),
	}

	switch {
	case len(result.Markers) > 0 || result.Length > highImpactChars:
		result.Level = model.ImpactHigh
	case result.Length > midImpactChars:
		result.Level = model.ImpactMedium
	default:
		result.Level = model.ImpactLow
	}

	return result
}

func matchMarkers(text string, vocabulary []string) []string {
	return lo.Filter(vocabulary, func(marker string, _ int) bool {
		return strings.Contains(text, marker)
	})
}
