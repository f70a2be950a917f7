// Package dedup строит ключ дедупликации контента.
package dedup

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
)

// Сколько символов текста участвует в ключе
const textPrefixLen = 500

// Key возвращает sha256 от нормализованных заголовка, урла и начала текста.
// Нормализация: нижний регистр и схлопывание пробельных символов.
// Одинаковый контент, пришедший из разных источников, дает одинаковый ключ.
func Key(title, url, text string) string {
	text = normalize(text)
	if r := []rune(text); len(r) > textPrefixLen {
		text = string(r[:textPrefixLen])
	}

	payload := strings.Join([]string{normalize(title), normalize(url), text}, "\n")
	sum := sha256.Sum256([]byte(payload))

	return hex.EncodeToString(sum[:])
}

// Clean убирает NUL и невалидные UTF-8 последовательности,
// которые postgres не принимает ни в TEXT, ни в JSONB
func Clean(s string) string {
	return strings.ToValidUTF8(strings.ReplaceAll(s, "\x00", ""), "")
}

func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}
