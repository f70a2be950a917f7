package markup

import "strings"

// Спецсимволы MarkdownV2 телеграма. Обратный слеш экранируется тоже
var replacer = strings.NewReplacer(
	`\`, `\\`,
	"_", `\_`, "*", `\*`, "[", `\[`, "]", `\]`, "(", `\(`, ")", `\)`,
	"~", `\~`, "`", "\\`", ">", `\>`, "#", `\#`, "+", `\+`, "-", `\-`,
	"=", `\=`, "|", `\|`, "{", `\{`, "}", `\}`, ".", `\.`, "!", `\!`,
)

// Внутри `code` экранируются только ` и \
var codeReplacer = strings.NewReplacer(`\`, `\\`, "`", "\\`")

// Функция которая делает escape спец символы markdown специально для телеграма
func EscapeForMarkdown(src string) string {
	return replacer.Replace(src)
}

// Bold выделяет текст жирным, экранируя его
func Bold(src string) string {
	return "*" + EscapeForMarkdown(src) + "*"
}

// Code оборачивает текст в моноширинный блок
func Code(src string) string {
	return "`" + codeReplacer.Replace(src) + "`"
}
