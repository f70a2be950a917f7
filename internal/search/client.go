// Package search - клиент веб-поиска (OpenSERP-совместимый POST /search)
// с кэшем результатов и глобальным лимитом запросов.
package search

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/cache"
	"github.com/kovalyov-valentin/infra-bot/internal/clock"
	"github.com/kovalyov-valentin/infra-bot/internal/retry"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

var (
	ErrDisabled    = errors.New("web search is not configured")
	ErrRateLimited = errors.New("web search rate limit exceeded")
)

// Ключ глобального лимита в RateLimiter
const rateLimitKey = "search"

type Result struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

type Config struct {
	URL                string
	Timeout            time.Duration
	CacheMin           time.Duration
	CacheMax           time.Duration
	CacheMaxEntries    int
	RateLimitPerMinute int
	Retry              retry.Policy
}

type Client struct {
	cfg     Config
	http    *http.Client
	cache   *cache.ResultCache[[]Result]
	limiter *cache.RateLimiter
	group   singleflight.Group
	logger  *zap.Logger
}

func NewClient(cfg Config, limiter *cache.RateLimiter, c clock.Clock, logger *zap.Logger) *Client {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.Retry.Attempts == 0 {
		cfg.Retry = retry.DefaultPolicy()
	}

	return &Client{
		cfg:     cfg,
		http:    &http.Client{Timeout: cfg.Timeout},
		cache:   cache.NewResultCache[[]Result](c, cfg.CacheMin, cfg.CacheMax, cfg.CacheMaxEntries),
		limiter: limiter,
		logger:  logger.Named("search"),
	}
}

// Search возвращает результаты из кэша или делает запрос.
// Одинаковые одновременные запросы схлопываются в один, блокировка кэша
// на время сетевого вызова не держится.
func (c *Client) Search(ctx context.Context, query string) ([]Result, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}

	if c.cfg.URL == "" {
		return nil, ErrDisabled
	}

	if results, ok := c.cache.Get(query); ok {
		return results, nil
	}

	v, err, _ := c.group.Do(query, func() (any, error) {
		if results, ok := c.cache.Get(query); ok {
			return results, nil
		}

		if !c.limiter.Allow(rateLimitKey, c.cfg.RateLimitPerMinute, time.Minute) {
			return nil, ErrRateLimited
		}

		results, err := c.fetch(ctx, query)
		if err != nil {
			return nil, err
		}

		c.cache.Set(query, results)
		return results, nil
	})
	if err != nil {
		return nil, err
	}

	return v.([]Result), nil
}

type searchResponse struct {
	Results []Result `json:"results"`
}

func (c *Client) fetch(ctx context.Context, query string) ([]Result, error) {
	payload, err := json.Marshal(map[string]string{"q": query})
	if err != nil {
		return nil, err
	}

	policy := c.cfg.Retry
	policy.OnRetry = func(attempt int, err error) {
		c.logger.Warn("transient search failure, retrying", zap.Int("attempt", attempt), zap.Error(err))
	}

	var results []Result
	err = retry.Do(ctx, policy, func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.cfg.URL, "/")+"/search", bytes.NewReader(payload))
		if err != nil {
			return retry.Permanent(err)
		}
		req.Header.Set("Content-Type", "application/json")

		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return &retry.StatusError{StatusCode: resp.StatusCode, Body: string(body)}
		}

		var decoded searchResponse
		if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
			return retry.Permanent(fmt.Errorf("decode search response: %w", err))
		}

		results = decoded.Results
		if results == nil {
			results = []Result{}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search %q: %w", query, err)
	}

	return results, nil
}
