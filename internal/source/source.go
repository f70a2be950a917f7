package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/model"
	"github.com/kovalyov-valentin/infra-bot/internal/retry"
)

// ErrNotConfigured - у коннектора нет нужных настроек (ключей, урла).
// Такой источник пропускается до исправления конфига.
var ErrNotConfigured = errors.New("connector not configured")

// Ключи курсоров в состоянии источника
const (
	StateLastPublishedAt = "last_published_at"
	StateLastMessageID   = "last_message_id"
	StateLastCreatedUTC  = "last_created_utc"
	StateLastPostID      = "last_post_id"
	StateLastIngestedAt  = "last_ingested_at"
)

// Нормализованная запись из любого источника
type Entry struct {
	Title       string
	URL         string
	Text        string
	PublishedAt *time.Time
	ExternalID  string
	Lang        string
	Categories  []string
	// Сырое значение курсора, если коннектору мало ExternalID и PublishedAt
	Cursor string
}

// Интерфейс коннектора к внешнему источнику
type Connector interface {
	Type() string
	// Fetch возвращает записи новее курсора источника, от старых к новым
	Fetch(ctx context.Context, src model.Source) ([]Entry, error)
	// Advance возвращает новое состояние источника после обработки записей.
	// Курсор никогда не уменьшается.
	Advance(state map[string]any, entries []Entry, now time.Time) map[string]any
}

// Registry выбирает коннектор по типу источника
type Registry map[string]Connector

func NewRegistry(connectors ...Connector) Registry {
	r := make(Registry, len(connectors))
	for _, c := range connectors {
		r[c.Type()] = c
	}
	return r
}

func (r Registry) For(src model.Source) (Connector, error) {
	c, ok := r[src.Type]
	if !ok {
		return nil, fmt.Errorf("source type %q: %w", src.Type, ErrNotConfigured)
	}
	return c, nil
}

// HTTPOptions - общие настройки http у коннекторов
type HTTPOptions struct {
	Client  *http.Client
	Retries int
	Backoff time.Duration
}

func (o HTTPOptions) client() *http.Client {
	if o.Client == nil {
		return http.DefaultClient
	}
	return o.Client
}

func (o HTTPOptions) policy() retry.Policy {
	p := retry.DefaultPolicy()
	p.Attempts = o.Retries + 1
	if o.Backoff > 0 {
		p.Backoff = o.Backoff
	}
	return p
}

// doRequest выполняет запрос с ретраями и возвращает тело успешного ответа
func (o HTTPOptions) doRequest(ctx context.Context, newReq func(ctx context.Context) (*http.Request, error)) ([]byte, error) {
	var body []byte

	err := retry.Do(ctx, o.policy(), func(ctx context.Context) error {
		req, err := newReq(ctx)
		if err != nil {
			return retry.Permanent(err)
		}

		resp, err := o.client().Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()

		data, err := readBody(resp)
		if err != nil {
			return err
		}

		if resp.StatusCode >= 300 {
			return &retry.StatusError{StatusCode: resp.StatusCode, Body: truncate(string(data), 200)}
		}

		body = data
		return nil
	})

	return body, err
}
