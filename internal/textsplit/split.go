// Package textsplit cuts text into word-aligned segments, either bounded by a
// character limit or into an exact number of parts.
package textsplit

import (
	"strings"
	"unicode/utf8"
)

// DefaultLimit is the largest text the backend accepts in one request.
const DefaultLimit = 5000

// Part is one word-aligned segment of a chapter or of raw input.
type Part struct {
	Text           string `json:"text"`
	CharacterCount int    `json:"character_count"`
}

func NewPart(text string) Part {
	return Part{Text: text, CharacterCount: utf8.RuneCountInString(text)}
}

// Split groups whitespace-delimited words into segments of at most limit
// characters joined by single spaces. A word longer than limit becomes its own
// segment. Lengths are counted in runes.
func Split(text string, limit int) []string {
	if limit < 1 {
		limit = 1
	}
	words := strings.Fields(text)
	if len(words) == 0 {
		return []string{}
	}

	segments := make([]string, 0, 1)
	var current strings.Builder
	currentLen := 0
	for _, word := range words {
		wordLen := utf8.RuneCountInString(word)
		if currentLen == 0 {
			current.WriteString(word)
			currentLen = wordLen
			continue
		}
		if currentLen+1+wordLen <= limit {
			current.WriteByte(' ')
			current.WriteString(word)
			currentLen += 1 + wordLen
			continue
		}
		segments = append(segments, current.String())
		current.Reset()
		current.WriteString(word)
		currentLen = wordLen
	}
	segments = append(segments, current.String())
	return segments
}

// SplitParts is Split with each segment wrapped as a Part.
func SplitParts(text string, limit int) []Part {
	segments := Split(text, limit)
	parts := make([]Part, 0, len(segments))
	for _, s := range segments {
		parts = append(parts, NewPart(s))
	}
	return parts
}

// SplitIntoParts divides text into exactly n parts of ceil(words/n) words
// each. Trailing parts are empty when the words run out first. n <= 0 yields
// no parts.
func SplitIntoParts(text string, n int) []Part {
	if n <= 0 {
		return []Part{}
	}
	words := strings.Fields(text)
	perPart := (len(words) + n - 1) / n

	parts := make([]Part, 0, n)
	for i := 0; i < n; i++ {
		start := min(i*perPart, len(words))
		end := min(start+perPart, len(words))
		parts = append(parts, NewPart(strings.Join(words[start:end], " ")))
	}
	return parts
}

// Normalize collapses whitespace runs to single spaces and trims the ends.
func Normalize(text string) string {
	return strings.Join(strings.Fields(text), " ")
}
