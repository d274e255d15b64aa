// Package language guesses the natural language of converted document text.
package language

import (
	"strings"
	"unicode/utf8"

	"github.com/pemistahl/lingua-go"
)

// sampleRunes bounds how much text is inspected.
const sampleRunes = 10000

// minConfidence is the lowest confidence reported as a detection.
const minConfidence = 0.5

var supported = []lingua.Language{
	lingua.English, lingua.German, lingua.French, lingua.Spanish,
	lingua.Italian, lingua.Portuguese, lingua.Dutch, lingua.Russian,
	lingua.Chinese, lingua.Japanese, lingua.Korean,
}

// Detector wraps a lingua detector restricted to the languages documents
// commonly arrive in.
type Detector struct {
	detector lingua.LanguageDetector
}

// NewDetector builds a detector. Language models load lazily on first use.
func NewDetector() *Detector {
	return &Detector{
		detector: lingua.NewLanguageDetectorBuilder().
			FromLanguages(supported...).
			WithMinimumRelativeDistance(0.1).
			Build(),
	}
}

// Detect returns the ISO 639-1 code of text's language, or "" when the text is
// too short or ambiguous.
func (d *Detector) Detect(text string) string {
	text = sample(stripMarkup(text))
	if utf8.RuneCountInString(strings.TrimSpace(text)) < 20 {
		return ""
	}
	lang, ok := d.detector.DetectLanguageOf(text)
	if !ok {
		return ""
	}
	if d.detector.ComputeLanguageConfidence(text, lang) < minConfidence {
		return ""
	}
	return strings.ToLower(lang.IsoCode639_1().String())
}

func sample(s string) string {
	if utf8.RuneCountInString(s) <= sampleRunes {
		return s
	}
	return string([]rune(s)[:sampleRunes])
}

// stripMarkup drops markdown table pipes, headings and image links that carry
// no language signal.
func stripMarkup(s string) string {
	var b strings.Builder
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "![") || strings.HasPrefix(line, "|") || strings.HasPrefix(line, "<") {
			continue
		}
		b.WriteString(strings.TrimLeft(line, "#>*- "))
		b.WriteByte('\n')
	}
	return b.String()
}
