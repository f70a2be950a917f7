package source

import (
	"io"
	"net/http"
	"regexp"
	"strings"
	"unicode"

	"github.com/PuerkitoBio/goquery"
	"github.com/go-shiori/go-readability"
)

// Максимальный размер ответа, который читаем из источника
const maxBodySize = 8 << 20

func readBody(resp *http.Response) ([]byte, error) {
	return io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
}

// Библиотека readability создает много пустых строк в тексте очищенном от html тегов.
// Все последовательности из 3 и более переводов строки заменяем на один
var redundantNewLines = regexp.MustCompile(`\n{3,}`)

func cleanText(text string) string {
	return strings.TrimSpace(redundantNewLines.ReplaceAllString(text, "\n"))
}

// htmlToText достает текст из html фрагмента. Обычный текст возвращается как есть.
// Сначала пробуем readability, если она ничего не нашла - просто текст документа через goquery.
func htmlToText(src string) string {
	if !strings.ContainsAny(src, "<>") {
		return cleanText(src)
	}

	if article, err := readability.FromReader(strings.NewReader(src), nil); err == nil {
		if text := cleanText(article.TextContent); text != "" {
			return text
		}
	}

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(src))
	if err != nil {
		return cleanText(src)
	}
	return cleanText(doc.Text())
}

// DetectLang определяет язык по доле кириллицы среди букв: ru или en.
// Пустая строка, если букв нет.
func DetectLang(text string) string {
	var letters, cyrillic int
	for _, r := range text {
		if !unicode.IsLetter(r) {
			continue
		}
		letters++
		if unicode.Is(unicode.Cyrillic, r) {
			cyrillic++
		}
	}

	switch {
	case letters == 0:
		return ""
	case cyrillic*100/letters >= 30:
		return "ru"
	default:
		return "en"
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

// firstLine - заголовок для постов без заголовка (телеграм)
func firstLine(text string, limit int) string {
	line, _, _ := strings.Cut(strings.TrimSpace(text), "\n")
	return truncate(strings.TrimSpace(line), limit)
}
