// Package botkittest поднимает фейковый Bot API для тестов view.
package botkittest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path"
	"sync"
	"testing"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const token = "42:TEST"

// Call - один запрос к Bot API
type Call struct {
	Method string
	Params url.Values
}

type Server struct {
	srv *httptest.Server

	mu     sync.Mutex
	calls  []Call
	nextID int
}

func NewServer(t *testing.T) *Server {
	t.Helper()

	s := &Server{}
	s.srv = httptest.NewServer(http.HandlerFunc(s.handle))
	t.Cleanup(s.srv.Close)
	return s
}

// API возвращает клиента, который ходит в фейковый сервер
func (s *Server) API(t *testing.T) *tgbotapi.BotAPI {
	t.Helper()

	api, err := tgbotapi.NewBotAPIWithAPIEndpoint(token, s.srv.URL+"/bot%s/%s")
	if err != nil {
		t.Fatalf("NewBotAPIWithAPIEndpoint: %v", err)
	}
	return api
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	method := path.Base(r.URL.Path)

	s.mu.Lock()
	if method != "getMe" {
		s.calls = append(s.calls, Call{Method: method, Params: r.PostForm})
	}
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	var result any
	switch method {
	case "getMe":
		result = map[string]any{"id": 42, "is_bot": true, "first_name": "infra", "username": "infra_bot"}
	case "sendMessage", "editMessageText":
		result = map[string]any{"message_id": id, "date": 0, "chat": map[string]any{"id": 1, "type": "private"}}
	default:
		result = true
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]any{"ok": true, "result": result})
}

// Calls возвращает запросы с указанным методом, пустой method - все запросы
func (s *Server) Calls(method string) []Call {
	s.mu.Lock()
	defer s.mu.Unlock()

	var calls []Call
	for _, call := range s.calls {
		if method == "" || call.Method == method {
			calls = append(calls, call)
		}
	}
	return calls
}

// Texts возвращает тексты отправленных сообщений по порядку
func (s *Server) Texts() []string {
	var texts []string
	for _, call := range s.Calls("sendMessage") {
		texts = append(texts, call.Params.Get("text"))
	}
	return texts
}

// CommandUpdate собирает update с командой от пользователя userID
func CommandUpdate(userID int64, text string) tgbotapi.Update {
	cmdLen := len(text)
	for i, r := range text {
		if r == ' ' {
			cmdLen = i
			break
		}
	}

	return tgbotapi.Update{
		Message: &tgbotapi.Message{
			MessageID: 1,
			From:      &tgbotapi.User{ID: userID, UserName: "user"},
			Chat:      &tgbotapi.Chat{ID: userID, Type: "private"},
			Text:      text,
			Entities:  []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: cmdLen}},
		},
	}
}

// CallbackUpdate собирает нажатие на inline кнопку
func CallbackUpdate(userID int64, data string) tgbotapi.Update {
	return tgbotapi.Update{
		CallbackQuery: &tgbotapi.CallbackQuery{
			ID:      "cb-1",
			From:    &tgbotapi.User{ID: userID, UserName: "user"},
			Message: &tgbotapi.Message{MessageID: 7, Chat: &tgbotapi.Chat{ID: userID, Type: "private"}},
			Data:    data,
		},
	}
}
