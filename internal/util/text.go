package util

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

var reSpaces = regexp.MustCompile(`\s+`)

func NormalizeSpaces(input string) string {
	return strings.TrimSpace(reSpaces.ReplaceAllString(input, " "))
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || unicode.IsMark(r) || r == '_'
}

// Tokens returns the set of lowercase words with at least minLen runes.
// A word is a maximal run of letters, digits, marks, and underscores.
func Tokens(input string, minLen int) map[string]struct{} {
	out := map[string]struct{}{}
	for _, w := range strings.FieldsFunc(strings.ToLower(input), func(r rune) bool { return !isWordRune(r) }) {
		if len([]rune(w)) >= minLen {
			out[w] = struct{}{}
		}
	}
	return out
}

// LettersOnly replaces every non-letter with a space and collapses whitespace.
func LettersOnly(input string) string {
	mapped := strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) {
			return r
		}
		return ' '
	}, input)
	return NormalizeSpaces(mapped)
}

// Fold lowercases and strips diacritics, so "Bancário" and "bancario" compare equal.
func Fold(input string) string {
	t := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	out, _, err := transform.String(t, input)
	if err != nil {
		out = input
	}
	return strings.ToLower(strings.TrimSpace(out))
}

func FirstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// SafeFileName keeps a file name usable on disk.
func SafeFileName(input string) string {
	repl := strings.NewReplacer("<", "_", ">", "_", ":", "_", "/", "_", "\\", "_", "|", "_", "?", "_", "*", "_", "\"", "_")
	out := repl.Replace(strings.TrimSpace(input))
	if len(out) > 120 {
		out = out[len(out)-120:]
	}
	if out == "" || out == "." || out == ".." {
		return "file"
	}
	return out
}
