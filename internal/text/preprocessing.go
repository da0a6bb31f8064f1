// Package text cleans book text before it is handed to the engine.
//
// The engine reads whatever it is given, so anything a listener should not
// hear (reference markers, URLs, layout line breaks) is removed here.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/width"
)

// Regex patterns for text preprocessing. They run after width folding, so
// full-width brackets and digits have already become ASCII.
const (
	urlRegexPattern        = `https?://[\x21-\x7e]+`
	emailRegexPattern      = `[a-zA-Z0-9._%+-]+@[a-zA-Z0-9.-]+\.[a-zA-Z]{2,}`
	referenceRegexPattern  = `\[\d+(?:[,\-]\d+)*\]|※\d+|[¹²³⁴⁵⁶⁷⁸⁹⁰]+`
	whitespaceRegexPattern = `[\s\p{Zs}]+`
)

// sentenceEnders are runes after which no full stop is appended.
const sentenceEnders = "。．.!?！？」』）)…♪"

const fullStop = "。"

// Preprocessor normalizes text for synthesis.
type Preprocessor struct {
	urlPattern        *regexp.Regexp
	emailPattern      *regexp.Regexp
	referencePattern  *regexp.Regexp
	whitespacePattern *regexp.Regexp
}

// NewPreprocessor creates a new text preprocessor with compiled patterns.
func NewPreprocessor() *Preprocessor {
	return &Preprocessor{
		urlPattern:        regexp.MustCompile(urlRegexPattern),
		emailPattern:      regexp.MustCompile(emailRegexPattern),
		referencePattern:  regexp.MustCompile(referenceRegexPattern),
		whitespacePattern: regexp.MustCompile(whitespaceRegexPattern),
	}
}

// PreprocessText folds character widths, drops unspeakable tokens, joins
// layout line breaks and makes sure the text ends a sentence.
func (p *Preprocessor) PreprocessText(text string) string {
	if text == "" {
		return text
	}

	cleanedText := width.Fold.String(text)

	cleanedText = p.removeUnspeakable(cleanedText)

	cleanedText = p.normalizeWhitespace(cleanedText)

	cleanedText = removeRepeatedPunctuation(cleanedText)

	return ensureSentenceEnding(cleanedText)
}

func (p *Preprocessor) removeUnspeakable(text string) string {
	text = p.urlPattern.ReplaceAllString(text, " ")
	text = p.emailPattern.ReplaceAllString(text, " ")

	return p.referencePattern.ReplaceAllString(text, "")
}

// normalizeWhitespace collapses every whitespace run, line breaks included,
// to one space and drops the space entirely between two non-ASCII runes.
// Japanese is written without spaces, so a break there is only layout.
func (p *Preprocessor) normalizeWhitespace(text string) string {
	text = strings.TrimSpace(p.whitespacePattern.ReplaceAllString(text, " "))

	runes := []rune(text)

	var b strings.Builder

	b.Grow(len(text))

	for i, r := range runes {
		if r == ' ' && i > 0 && i < len(runes)-1 &&
			runes[i-1] >= utf8.RuneSelf && runes[i+1] >= utf8.RuneSelf {
			continue
		}

		b.WriteRune(r)
	}

	return b.String()
}

// removeRepeatedPunctuation keeps one of each run of the same punctuation
// rune, so "!!!" becomes "!" while "」。" is left alone.
func removeRepeatedPunctuation(text string) string {
	var (
		b    strings.Builder
		last rune = -1
	)

	b.Grow(len(text))

	for _, r := range text {
		if r == last && unicode.IsPunct(r) {
			continue
		}

		b.WriteRune(r)
		last = r
	}

	return b.String()
}

func ensureSentenceEnding(text string) string {
	if text == "" {
		return ""
	}

	last, _ := utf8.DecodeLastRuneInString(text)
	if strings.ContainsRune(sentenceEnders, last) {
		return text
	}

	return text + fullStop
}
