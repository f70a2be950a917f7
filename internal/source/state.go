package source

import (
	"encoding/json"
	"maps"
	"strconv"
	"time"
)

// Состояние источника хранится как JSON, поэтому числа приходят то float64, то int.
// Все геттеры трактуют отсутствующее или битое значение как отсутствие курсора.

func stateTime(state map[string]any, key string) (time.Time, bool) {
	raw, ok := state[key].(string)
	if !ok || raw == "" {
		return time.Time{}, false
	}

	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false
	}
	return t, true
}

func stateInt(state map[string]any, key string) (int64, bool) {
	switch v := state[key].(type) {
	case int:
		return int64(v), true
	case int64:
		return v, true
	case float64:
		return int64(v), true
	case json.Number:
		n, err := v.Int64()
		return n, err == nil
	case string:
		n, err := strconv.ParseInt(v, 10, 64)
		return n, err == nil
	}
	return 0, false
}

func stateFloat(state map[string]any, key string) (float64, bool) {
	switch v := state[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	case string:
		f, err := strconv.ParseFloat(v, 64)
		return f, err == nil
	}
	return 0, false
}

func stateString(state map[string]any, key string) string {
	s, _ := state[key].(string)
	return s
}

func copyState(state map[string]any, now time.Time) map[string]any {
	next := maps.Clone(state)
	if next == nil {
		next = make(map[string]any)
	}
	next[StateLastIngestedAt] = now.UTC().Format(time.RFC3339)
	return next
}
