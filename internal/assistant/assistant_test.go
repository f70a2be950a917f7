package assistant

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/kovalyov-valentin/infra-bot/internal/llm"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"go.uber.org/zap/zaptest"
)

type stubProvider struct {
	enabled bool
	reply   string
	err     error
}

func (p stubProvider) Enabled() bool { return p.enabled }

func (p stubProvider) Complete(context.Context, []llm.Message) (string, error) {
	return p.reply, p.err
}

func TestFormatBullets(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "markers", in: "Вот ответ:\n- один\n* два\n• три", want: "• один\n• два\n• три"},
		{name: "lines without markers", in: "первое\nвторое", want: "• первое\n• второе"},
		{name: "sentences", in: "Одно. Два! Три?", want: "• Одно\n• Два\n• Три"},
		{name: "single gets filler", in: "единственный", want: "• единственный\n• Подробности уточняются."},
		{name: "capped", in: "- 1\n- 2\n- 3\n- 4\n- 5\n- 6\n- 7", want: "• 1\n• 2\n• 3\n• 4\n• 5\n• 6"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FormatBullets(tt.in); got != tt.want {
				t.Errorf("FormatBullets() =\n%s\nwant\n%s", got, tt.want)
			}
		})
	}
}

func TestAnswerFallbacks(t *testing.T) {
	want := "• Ответ будет доступен позже\n• Подробности уточняются."

	disabled := New(stubProvider{}, zaptest.NewLogger(t))
	if got := disabled.Answer(context.Background(), "q"); got != want {
		t.Errorf("disabled answer = %q", got)
	}

	failing := New(stubProvider{enabled: true, err: errors.New("timeout")}, zaptest.NewLogger(t))
	if got := failing.Answer(context.Background(), "q"); got != want {
		t.Errorf("failing answer = %q", got)
	}

	ok := New(stubProvider{enabled: true, reply: "- a\n- b"}, zaptest.NewLogger(t))
	if got := ok.Answer(context.Background(), "q"); got != "• a\n• b" {
		t.Errorf("answer = %q", got)
	}
}

func TestDeepDiveLengthBounds(t *testing.T) {
	item := model.Item{ID: 1, Title: "Outage", Text: "Короткий текст о сбое."}

	tests := []struct {
		name     string
		provider stubProvider
	}{
		{name: "disabled", provider: stubProvider{}},
		{name: "error", provider: stubProvider{enabled: true, err: errors.New("boom")}},
		{name: "short reply", provider: stubProvider{enabled: true, reply: "Резюме: все плохо."}},
		{name: "long reply", provider: stubProvider{enabled: true, reply: strings.Repeat("отчет ", 1000)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			report := New(tt.provider, zaptest.NewLogger(t)).DeepDive(context.Background(), item, "")
			n := utf8.RuneCountInString(report)
			if n < minReportRunes || n > maxReportRunes {
				t.Errorf("report length = %d", n)
			}
		})
	}
}

func TestFitReportUsesFillerFirst(t *testing.T) {
	filler := strings.Repeat("ф", 100)
	report := fitReport("начало", filler)
	if !strings.HasPrefix(report, "начало\n\n"+filler) {
		t.Errorf("filler must follow the reply: %q", report[:40])
	}
	if utf8.RuneCountInString(report) != minReportRunes {
		t.Errorf("length = %d", utf8.RuneCountInString(report))
	}
}
