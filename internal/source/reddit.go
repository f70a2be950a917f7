package source

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/clock"
	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/samber/lo"
	"golang.org/x/sync/singleflight"
)

const (
	redditAuthURL = "https://www.reddit.com/api/v1/access_token"
	redditAPIURL  = "https://oauth.reddit.com"
)

type RedditConfig struct {
	ClientID     string
	ClientSecret string
	UserAgent    string
	// Переопределяются в тестах
	AuthURL string
	APIURL  string
	// Часы для срока жизни токена, по умолчанию системные
	Clock clock.Clock
}

// RedditSource читает новые посты сабреддита через app-only OAuth
type RedditSource struct {
	cfg  RedditConfig
	opts HTTPOptions

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
	// Одновременные обновления токена сливаются в один запрос
	refresh singleflight.Group
}

func NewRedditSource(cfg RedditConfig, opts HTTPOptions) *RedditSource {
	if cfg.AuthURL == "" {
		cfg.AuthURL = redditAuthURL
	}
	if cfg.APIURL == "" {
		cfg.APIURL = redditAPIURL
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = "INFRA/1.0"
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.Real()
	}

	return &RedditSource{cfg: cfg, opts: opts}
}

func (s *RedditSource) Type() string { return model.SourceTypeReddit }

type redditListing struct {
	Data struct {
		Children []struct {
			Data redditPost `json:"data"`
		} `json:"children"`
	} `json:"data"`
}

type redditPost struct {
	ID         string  `json:"id"`
	Title      string  `json:"title"`
	Selftext   string  `json:"selftext"`
	URL        string  `json:"url"`
	Permalink  string  `json:"permalink"`
	CreatedUTC float64 `json:"created_utc"`
}

// Fetch возвращает посты, созданные позже курсора last_created_utc
func (s *RedditSource) Fetch(ctx context.Context, src model.Source) ([]Entry, error) {
	if s.cfg.ClientID == "" || s.cfg.ClientSecret == "" {
		return nil, fmt.Errorf("reddit credentials: %w", ErrNotConfigured)
	}

	sub := SubredditName(src.URL)
	if sub == "" {
		return nil, fmt.Errorf("reddit source %d has empty subreddit", src.ID)
	}

	token, err := s.accessToken(ctx)
	if err != nil {
		return nil, err
	}

	body, err := s.opts.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.cfg.APIURL+"/r/"+url.PathEscape(sub)+"/new?limit=100&raw_json=1", nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+token)
		req.Header.Set("User-Agent", s.cfg.UserAgent)
		return req, nil
	})
	if err != nil {
		return nil, fmt.Errorf("fetch subreddit %s: %w", sub, err)
	}

	var listing redditListing
	if err := json.Unmarshal(body, &listing); err != nil {
		return nil, fmt.Errorf("decode subreddit %s: %w", sub, err)
	}

	lastCreated, hasCursor := stateFloat(src.State, StateLastCreatedUTC)

	entries := make([]Entry, 0, len(listing.Data.Children))
	for _, child := range listing.Data.Children {
		post := child.Data
		if hasCursor && post.CreatedUTC <= lastCreated {
			continue
		}

		sec, frac := math.Modf(post.CreatedUTC)
		published := time.Unix(int64(sec), int64(frac*1e9)).UTC()

		link := post.URL
		if link == "" && post.Permalink != "" {
			link = "https://www.reddit.com" + post.Permalink
		}

		text := cleanText(post.Selftext)
		entries = append(entries, Entry{
			Title:       cleanText(post.Title),
			URL:         link,
			Text:        text,
			PublishedAt: &published,
			ExternalID:  post.ID,
			Lang:        DetectLang(post.Title + " " + text),
			Cursor:      strconv.FormatFloat(post.CreatedUTC, 'f', -1, 64),
		})
	}

	sortOldestFirst(entries)
	return entries, nil
}

func (s *RedditSource) Advance(state map[string]any, entries []Entry, now time.Time) map[string]any {
	next := copyState(state, now)

	lastCreated, ok := stateFloat(state, StateLastCreatedUTC)
	for _, e := range entries {
		created, err := strconv.ParseFloat(e.Cursor, 64)
		if err != nil {
			continue
		}
		if !ok || created > lastCreated {
			lastCreated, ok = created, true
			next[StateLastPostID] = e.ExternalID
		}
	}

	if ok {
		next[StateLastCreatedUTC] = lastCreated
	}
	return next
}

type redditToken struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int    `json:"expires_in"`
}

// accessToken возвращает закэшированный токен или получает новый.
// Мьютекс защищает только поля токена, запрос идет без него.
func (s *RedditSource) accessToken(ctx context.Context) (string, error) {
	if token, ok := s.cachedToken(); ok {
		return token, nil
	}

	v, err, _ := s.refresh.Do("token", func() (any, error) {
		if token, ok := s.cachedToken(); ok {
			return token, nil
		}
		return s.requestToken(ctx)
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func (s *RedditSource) cachedToken() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.token != "" && s.cfg.Clock.Now().Before(s.tokenExpiry) {
		return s.token, true
	}
	return "", false
}

func (s *RedditSource) requestToken(ctx context.Context) (string, error) {
	body, err := s.opts.doRequest(ctx, func(ctx context.Context) (*http.Request, error) {
		form := url.Values{"grant_type": {"client_credentials"}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.cfg.AuthURL, strings.NewReader(form.Encode()))
		if err != nil {
			return nil, err
		}
		req.SetBasicAuth(s.cfg.ClientID, s.cfg.ClientSecret)
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		req.Header.Set("User-Agent", s.cfg.UserAgent)
		return req, nil
	})
	if err != nil {
		return "", fmt.Errorf("reddit auth: %w", err)
	}

	var token redditToken
	if err := json.Unmarshal(body, &token); err != nil {
		return "", fmt.Errorf("decode reddit token: %w", err)
	}
	if token.AccessToken == "" {
		return "", fmt.Errorf("reddit auth: empty access token")
	}

	// Обновляем токен заранее, за минуту до истечения
	ttl := time.Duration(lo.Max([]int{token.ExpiresIn - 60, 60})) * time.Second

	s.mu.Lock()
	s.token, s.tokenExpiry = token.AccessToken, s.cfg.Clock.Now().Add(ttl)
	s.mu.Unlock()

	return token.AccessToken, nil
}

// SubredditName приводит r/name, /r/name/ и полный урл к имени сабреддита
func SubredditName(raw string) string {
	name := strings.TrimSpace(raw)
	if i := strings.Index(name, "/r/"); i >= 0 {
		name = name[i+3:]
	}
	name = strings.TrimPrefix(name, "r/")
	name, _, _ = strings.Cut(name, "/")
	return name
}
