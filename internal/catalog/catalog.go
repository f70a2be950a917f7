// Package catalog загружает начальный набор тем и источников из YAML.
package catalog

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/samber/lo"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/kovalyov-valentin/infra-bot/internal/model"
)

type Catalog struct {
	Topics  []Topic  `yaml:"topics"`
	Sources []Source `yaml:"sources"`
}

type Topic struct {
	Name        string   `yaml:"name"`
	Description string   `yaml:"description"`
	Keywords    []string `yaml:"keywords"`
	Order       *int     `yaml:"order"`
}

type Source struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	URL         string   `yaml:"url"`
	TrustManual *int     `yaml:"trust"`
	JobKeywords []string `yaml:"job_keywords"`
	JobRegex    string   `yaml:"job_regex"`
}

type Storage interface {
	InTx(ctx context.Context, fn func(ctx context.Context) error) error
	UpsertTopic(ctx context.Context, topic model.Topic) (int64, error)
	UpsertSource(ctx context.Context, source model.Source) (int64, error)
}

const defaultTrust = 50

var sourceTypes = []string{model.SourceTypeRSS, model.SourceTypeTelegram, model.SourceTypeReddit}

func Load(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	return Parse(f)
}

func Parse(r io.Reader) (*Catalog, error) {
	var c Catalog
	if err := yaml.NewDecoder(r).Decode(&c); err != nil && err != io.EOF {
		return nil, fmt.Errorf("decode catalog: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Catalog) validate() error {
	for i, topic := range c.Topics {
		if strings.TrimSpace(topic.Name) == "" {
			return fmt.Errorf("topic #%d: empty name", i+1)
		}
	}

	for i, src := range c.Sources {
		if src.URL == "" {
			return fmt.Errorf("source #%d: empty url", i+1)
		}
		if src.Type != "" && !lo.Contains(sourceTypes, src.Type) {
			return fmt.Errorf("source %s: unknown type %q", src.URL, src.Type)
		}
		if src.TrustManual != nil && (*src.TrustManual < 0 || *src.TrustManual > 100) {
			return fmt.Errorf("source %s: trust must be within 0-100", src.URL)
		}
	}

	return nil
}

// Apply создает или обновляет темы и источники одной транзакцией.
// Курсоры уже существующих источников не трогаются.
func (c *Catalog) Apply(ctx context.Context, store Storage, logger *zap.Logger) error {
	return store.InTx(ctx, func(ctx context.Context) error {
		for _, topic := range c.Topics {
			if _, err := store.UpsertTopic(ctx, model.Topic{
				Name:        topic.Name,
				Description: topic.Description,
				Keywords:    lo.Map(topic.Keywords, func(k string, _ int) string { return strings.ToLower(k) }),
				Order:       topic.Order,
			}); err != nil {
				return fmt.Errorf("upsert topic %s: %w", topic.Name, err)
			}
		}

		for _, src := range c.Sources {
			if _, err := store.UpsertSource(ctx, model.Source{
				Name:        lo.Ternary(src.Name != "", src.Name, src.URL),
				Type:        lo.Ternary(src.Type != "", src.Type, model.SourceTypeRSS),
				URL:         src.URL,
				TrustManual: lo.FromPtrOr(src.TrustManual, defaultTrust),
				JobKeywords: src.JobKeywords,
				JobRegex:    src.JobRegex,
			}); err != nil {
				return fmt.Errorf("upsert source %s: %w", src.URL, err)
			}
		}

		logger.Info("catalog applied", zap.Int("topics", len(c.Topics)), zap.Int("sources", len(c.Sources)))
		return nil
	})
}
