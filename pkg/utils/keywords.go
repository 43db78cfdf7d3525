package utils

import (
	"strings"
	"unicode"
)

// Keywords matches keyword lists against one piece of text. Single-word
// keywords must equal a whole word so "mad" does not fire on "made"; phrases
// and symbols such as emoji match as substrings.
type Keywords struct {
	text  string
	words map[string]struct{}
}

// NewKeywords lower-cases text and splits it into words.
func NewKeywords(text string) Keywords {
	text = strings.ToLower(strings.TrimSpace(text))
	words := make(map[string]struct{})
	for _, w := range strings.FieldsFunc(text, func(r rune) bool { return !isWordRune(r) }) {
		words[w] = struct{}{}
	}
	return Keywords{text: text, words: words}
}

// Text returns the normalized text.
func (k Keywords) Text() string {
	return k.text
}

// Has reports whether kw occurs in the text.
func (k Keywords) Has(kw string) bool {
	kw = strings.ToLower(kw)
	if kw == "" {
		return false
	}
	if isWord(kw) {
		_, ok := k.words[kw]
		return ok
	}
	return strings.Contains(k.text, kw)
}

// Any reports whether one of keywords occurs in the text.
func (k Keywords) Any(keywords []string) bool {
	for _, kw := range keywords {
		if k.Has(kw) {
			return true
		}
	}
	return false
}

// Count returns how many distinct keywords occur in the text.
func (k Keywords) Count(keywords []string) int {
	n := 0
	for _, kw := range keywords {
		if k.Has(kw) {
			n++
		}
	}
	return n
}

func isWordRune(r rune) bool {
	return r == '\'' || unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isWord(s string) bool {
	for _, r := range s {
		if !isWordRune(r) {
			return false
		}
	}
	return true
}
