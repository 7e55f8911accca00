package sanitize

import (
	"regexp"
	"strings"
)

// ContextType names the output context a value is destined for.
type ContextType string

const (
	ContextHTML    ContextType = "html"
	ContextSQL     ContextType = "sql"
	ContextScript  ContextType = "script"
	ContextPath    ContextType = "path"
	ContextShell   ContextType = "shell"
	ContextLDAP    ContextType = "ldap"
	ContextGeneric ContextType = "generic"
)

// Strategy rewrites a value for one context. Strategies only remove content, so repeating one
// always reaches a fixed point.
type Strategy func(string) string

var (
	scriptBlock   = regexp.MustCompile(`(?is)<\s*script[^>]*>.*?<\s*/\s*script\s*>`)
	htmlTag       = regexp.MustCompile(`(?s)<[^<>]*>`)
	eventAttr     = regexp.MustCompile(`(?i)\bon[a-z]+\s*=`)
	dangerousURI  = regexp.MustCompile(`(?i)(javascript|vbscript)\s*:|data\s*:\s*text/html`)
	sqlComment    = regexp.MustCompile(`--|/\*|\*/|#`)
	traversal     = regexp.MustCompile(`(?i)\.\.[/\\]|%2e%2e(%2f|%5c|/|\\)|%252e|%c0%af|%c1%9c`)
	controlChars  = regexp.MustCompile("[\x00-\x08\x0b\x0c\x0e-\x1f\x7f]")
	lineBreaks    = regexp.MustCompile(`[\r\n]`)
	angleBrackets = strings.NewReplacer("<", "", ">", "")
)

func removeChars(chars string) Strategy {
	return func(s string) string {
		return strings.Map(func(r rune) rune {
			if strings.ContainsRune(chars, r) {
				return -1
			}
			return r
		}, s)
	}
}

func chain(steps ...Strategy) Strategy {
	return func(s string) string {
		for _, step := range steps {
			s = step(s)
		}
		return s
	}
}

func replaceAll(re *regexp.Regexp) Strategy {
	return func(s string) string { return re.ReplaceAllString(s, "") }
}

func stripControl(s string) string { return controlChars.ReplaceAllString(s, "") }

var htmlStrategy = chain(
	replaceAll(scriptBlock),
	replaceAll(htmlTag),
	replaceAll(eventAttr),
	replaceAll(dangerousURI),
	angleBrackets.Replace,
	stripControl,
)

// DefaultStrategies returns the built-in strategy for every context.
func DefaultStrategies() map[ContextType]Strategy {
	return map[ContextType]Strategy{
		ContextHTML: htmlStrategy,
		ContextSQL: chain(
			replaceAll(sqlComment),
			removeChars("'\";\x00\x1a\\"),
			stripControl,
		),
		ContextScript: chain(
			replaceAll(dangerousURI),
			removeChars("<>\"'`\\"),
			replaceAll(lineBreaks),
			stripControl,
		),
		ContextPath: chain(
			replaceAll(traversal),
			removeChars("\x00"),
			stripControl,
		),
		ContextShell: chain(
			removeChars(";|&$`<>(){}[]!\\\"'*?~"),
			replaceAll(lineBreaks),
			stripControl,
		),
		ContextLDAP: chain(
			removeChars("*()\\|&!=\x00"),
			stripControl,
		),
		ContextGeneric: chain(
			stripControl,
			strings.TrimSpace,
		),
	}
}

// strictPass is applied on top of the context strategy when a high or critical threat was found.
var strictPass = chain(
	htmlStrategy,
	replaceAll(traversal),
	removeChars("\"'`;$|&\\"),
)

// fixpoint applies s until the value stops changing. Every strategy only deletes, so each
// round that changes v shortens it and the loop ends.
func fixpoint(s Strategy, v string) string {
	for {
		next := s(v)
		if next == v {
			return v
		}
		v = next
	}
}
