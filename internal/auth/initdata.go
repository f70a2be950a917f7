// Package auth проверяет initData мини-приложения телеграма.
package auth

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/kovalyov-valentin/infra-bot/internal/cache"
	"github.com/kovalyov-valentin/infra-bot/internal/clock"
)

var (
	ErrEmpty        = errors.New("empty init data")
	ErrNoBotToken   = errors.New("bot token is not set")
	ErrNoHash       = errors.New("init data has no hash")
	ErrBadSignature = errors.New("invalid init data signature")
	ErrNoUser       = errors.New("init data has no user")
	ErrExpired      = errors.New("init data expired")
	ErrReplayed     = errors.New("init data already used")
)

// Тексты для пользователя мини-приложения
var messages = []struct {
	err  error
	text string
}{
	{ErrEmpty, "Пустые данные авторизации."},
	{ErrNoBotToken, "Не задан токен бота."},
	{ErrNoHash, "Отсутствует hash."},
	{ErrBadSignature, "Некорректная подпись initData."},
	{ErrNoUser, "Отсутствуют данные пользователя."},
	{ErrExpired, "initData устарели."},
	{ErrReplayed, "initData уже использованы."},
}

// Message возвращает текст ошибки проверки для ответа пользователю.
// Подробности разбора наружу не уходят.
func Message(err error) string {
	for _, m := range messages {
		if errors.Is(err, m.err) {
			return m.text
		}
	}
	return "Некорректные данные авторизации."
}

type InitData struct {
	UserID    int64
	Username  string
	FirstName string
	AuthDate  time.Time
	QueryID   string
	Hash      string
}

type initUser struct {
	ID        int64  `json:"id"`
	Username  string `json:"username"`
	FirstName string `json:"first_name"`
}

// Parse проверяет подпись initData токеном бота и разбирает пользователя
func Parse(raw, botToken string) (*InitData, error) {
	if raw == "" {
		return nil, ErrEmpty
	}
	if botToken == "" {
		return nil, ErrNoBotToken
	}

	values, err := url.ParseQuery(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadSignature, err)
	}

	hash := values.Get("hash")
	if hash == "" {
		return nil, ErrNoHash
	}
	values.Del("hash")

	if !hmac.Equal([]byte(Sign(values, botToken)), []byte(hash)) {
		return nil, ErrBadSignature
	}

	rawUser := values.Get("user")
	if rawUser == "" {
		return nil, ErrNoUser
	}

	var user initUser
	if err := json.Unmarshal([]byte(rawUser), &user); err != nil || user.ID == 0 {
		return nil, ErrNoUser
	}

	authDate, _ := strconv.ParseInt(values.Get("auth_date"), 10, 64)

	return &InitData{
		UserID:    user.ID,
		Username:  user.Username,
		FirstName: user.FirstName,
		AuthDate:  time.Unix(authDate, 0).UTC(),
		QueryID:   values.Get("query_id"),
		Hash:      hash,
	}, nil
}

// Sign считает hash initData: HMAC-SHA256 строки "key=value" через \n
// по отсортированным ключам, ключ - HMAC-SHA256("WebAppData", botToken)
func Sign(values url.Values, botToken string) string {
	keys := make([]string, 0, len(values))
	for key := range values {
		if key != "hash" && values.Get(key) != "" {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)

	pairs := make([]string, 0, len(keys))
	for _, key := range keys {
		pairs = append(pairs, key+"="+values.Get(key))
	}

	secret := hmac.New(sha256.New, []byte("WebAppData"))
	secret.Write([]byte(botToken))

	mac := hmac.New(sha256.New, secret.Sum(nil))
	mac.Write([]byte(strings.Join(pairs, "\n")))
	return hex.EncodeToString(mac.Sum(nil))
}

// Validator проверяет подпись, срок жизни и повторное использование initData
type Validator struct {
	botToken string
	maxAge   time.Duration
	replay   *cache.ReplayCache
	clock    clock.Clock
}

func NewValidator(botToken string, maxAge time.Duration, replay *cache.ReplayCache, c clock.Clock) *Validator {
	return &Validator{botToken: botToken, maxAge: maxAge, replay: replay, clock: c}
}

// Validate проверяет initData. С checkReplay повторно предъявленный hash
// отклоняется, пока не истечет maxAge.
func (v *Validator) Validate(raw string, checkReplay bool) (*InitData, error) {
	data, err := Parse(raw, v.botToken)
	if err != nil {
		return nil, err
	}

	if v.maxAge > 0 && v.clock.Now().Sub(data.AuthDate) > v.maxAge {
		return nil, ErrExpired
	}

	if checkReplay && v.replay.CheckAndStore(data.Hash, v.maxAge) {
		return nil, ErrReplayed
	}

	return data, nil
}
