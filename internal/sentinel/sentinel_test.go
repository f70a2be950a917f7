package sentinel

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/search"
	"github.com/kovalyov-valentin/infra-bot/internal/storage"
	"go.uber.org/zap/zaptest"
)

type stubSearcher struct {
	results []search.Result
	err     error
	queries []string
}

func (s *stubSearcher) Search(_ context.Context, query string) ([]search.Result, error) {
	s.queries = append(s.queries, query)
	return s.results, s.err
}

func TestEvaluateTrustLedger(t *testing.T) {
	hit := []search.Result{{Title: "x", URL: "https://example.com"}}

	tests := []struct {
		name       string
		item       model.Item
		source     *model.Source
		searcher   *stubSearcher
		wantScore  int
		wantStatus string
	}{
		{
			name:       "confirmed",
			item:       model.Item{Title: "Kubernetes 1.30 released"},
			source:     &model.Source{TrustManual: 70},
			searcher:   &stubSearcher{results: hit},
			wantScore:  85,
			wantStatus: TrustConfirmed,
		},
		{
			name:       "default base without source",
			item:       model.Item{Title: "kubernetes released"},
			searcher:   &stubSearcher{},
			wantScore:  45,
			wantStatus: TrustUnclear,
		},
		{
			name:       "hype",
			item:       model.Item{Title: "шок! сенсация"},
			source:     &model.Source{TrustManual: 30},
			searcher:   &stubSearcher{},
			wantScore:  15,
			wantStatus: TrustHype,
		},
		{
			name:       "search error is neutral",
			item:       model.Item{Title: "release"},
			source:     &model.Source{TrustManual: 55},
			searcher:   &stubSearcher{err: errors.New("down")},
			wantScore:  55,
			wantStatus: TrustMixed,
		},
		{
			name:       "clamped high",
			item:       model.Item{Title: "Postgres 17"},
			source:     &model.Source{TrustManual: 100},
			searcher:   &stubSearcher{results: hit},
			wantScore:  100,
			wantStatus: TrustConfirmed,
		},
		{
			name:       "clamped low",
			item:       model.Item{Title: "breaking"},
			source:     &model.Source{TrustManual: 0},
			searcher:   &stubSearcher{},
			wantScore:  0,
			wantStatus: TrustHype,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := New(nil, tt.searcher, zaptest.NewLogger(t))
			report := s.Evaluate(context.Background(), tt.item, tt.source)
			if report.TrustLedger.Score != tt.wantScore || report.TrustLedger.Status != tt.wantStatus {
				t.Errorf("ledger = %+v, want %d/%s", report.TrustLedger, tt.wantScore, tt.wantStatus)
			}
		})
	}
}

func TestCrossCheckQuery(t *testing.T) {
	searcher := &stubSearcher{}
	s := New(nil, searcher, zaptest.NewLogger(t))

	s.Evaluate(context.Background(), model.Item{Title: "  Title  ", Text: "body"}, nil)
	s.Evaluate(context.Background(), model.Item{Text: strings.Repeat("а", 300)}, nil)

	if searcher.queries[0] != "Title" {
		t.Errorf("title query = %q", searcher.queries[0])
	}
	if got := len([]rune(searcher.queries[1])); got != queryPrefixLen {
		t.Errorf("text prefix query length = %d, want %d", got, queryPrefixLen)
	}
}

func TestCrossCheckWithoutSearcher(t *testing.T) {
	report := New(nil, nil, zaptest.NewLogger(t)).Evaluate(context.Background(), model.Item{Title: "x"}, nil)
	if report.CrossCheck.Status != StatusError {
		t.Errorf("status = %s, want error", report.CrossCheck.Status)
	}
}

func TestEntityVerify(t *testing.T) {
	if got := entityVerify("все строчными буквами"); got.Status != StatusLimited || len(got.Entities) != 0 {
		t.Errorf("lowercase = %+v", got)
	}

	got := entityVerify("Яндекс и Google выпустили Kubernetes операторы, Google снова")
	if got.Status != StatusOK || len(got.Entities) != 3 {
		t.Errorf("entities = %+v", got)
	}

	many := entityVerify("Aa Bb Cc Dd Ee Ff Gg Hh Ii Jj Kk Ll")
	if len(many.Entities) != maxEntities {
		t.Errorf("entities = %d, want %d", len(many.Entities), maxEntities)
	}
}

func TestImpact(t *testing.T) {
	tests := []struct {
		name  string
		title string
		text  string
		want  string
	}{
		{name: "short", title: "minor", text: "patch", want: model.ImpactLow},
		{name: "medium by length", title: "t", text: strings.Repeat("ж", 251), want: model.ImpactMedium},
		{name: "high by length", title: "t", text: strings.Repeat("ж", 801), want: model.ImpactHigh},
		{name: "high by marker", title: "CVE-2024-1234 в OpenSSH", text: "", want: model.ImpactHigh},
		{name: "boundary", title: "t", text: strings.Repeat("ж", 250), want: model.ImpactLow},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := impact(strings.ToLower(tt.title+" "+tt.text), tt.text)
			if got.Level != tt.want {
				t.Errorf("impact = %+v, want %s", got, tt.want)
			}
		})
	}
}

func TestApplyStoresReportDeterministically(t *testing.T) {
	ctx := context.Background()
	store := storage.NewMemoryStorage()
	id, _, err := store.CreateItem(ctx, model.Item{Title: "Kubernetes outage", ContentHash: "h"})
	if err != nil {
		t.Fatalf("CreateItem: %v", err)
	}

	s := New(store, &stubSearcher{results: []search.Result{{URL: "https://a"}}}, zaptest.NewLogger(t))
	item := model.Item{ID: id, Title: "Kubernetes outage"}

	first, err := s.Apply(ctx, item, &model.Source{TrustManual: 60})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	second, err := s.Apply(ctx, item, &model.Source{TrustManual: 60})
	if err != nil {
		t.Fatalf("Apply: %v", err)
	}
	if !bytes.Equal(first.Sentinel, second.Sentinel) {
		t.Errorf("reports differ:\n%s\n%s", first.Sentinel, second.Sentinel)
	}

	stored, err := store.ItemByID(ctx, id)
	if err != nil {
		t.Fatalf("ItemByID: %v", err)
	}
	if stored.Impact != model.ImpactHigh || stored.TrustStatus != TrustMixed || *stored.TrustScore != 75 {
		t.Errorf("stored = impact %s, status %s, score %d", stored.Impact, stored.TrustStatus, *stored.TrustScore)
	}
	for _, key := range []string{"cross_check", "logic_audit", "entity_verify", "trust_ledger", "impact"} {
		if !bytes.Contains(stored.Sentinel, []byte(`"`+key+`"`)) {
			t.Errorf("report misses %s: %s", key, stored.Sentinel)
		}
	}
}
