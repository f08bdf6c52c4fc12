// Package tokenize turns document and query text into index terms.
package tokenize

import (
	_ "embed"
	"regexp"
	"strings"

	"github.com/kljensen/snowball/english"
)

//go:embed stopwords.txt
var stopwordList string

var wordPattern = regexp.MustCompile(`[\p{L}\p{N}_]+(?:-[\p{L}\p{N}_]+)*`)

// DefaultPhrases are folded into single tokens before splitting.
var DefaultPhrases = []string{"machine learning", "artificial intelligence"}

// Options configures a Tokenizer. Nil slices select the defaults.
type Options struct {
	Phrases   []string
	Stopwords []string
}

type phraseRule struct {
	pattern *regexp.Regexp
	token   string
}

// Tokenizer is safe for concurrent use; it holds no per-call state.
type Tokenizer struct {
	phrases   []phraseRule
	stopwords map[string]struct{}
}

// New builds a Tokenizer from opts.
func New(opts Options) *Tokenizer {
	phrases := opts.Phrases
	if phrases == nil {
		phrases = DefaultPhrases
	}
	stopwords := opts.Stopwords
	if stopwords == nil {
		stopwords = DefaultStopwords()
	}

	t := &Tokenizer{stopwords: make(map[string]struct{}, len(stopwords))}
	for _, word := range stopwords {
		word = strings.ToLower(strings.TrimSpace(word))
		if word != "" {
			t.stopwords[word] = struct{}{}
		}
	}
	for _, phrase := range phrases {
		words := strings.Fields(strings.ToLower(phrase))
		if len(words) < 2 {
			continue
		}
		quoted := make([]string, len(words))
		for i, w := range words {
			quoted[i] = regexp.QuoteMeta(w)
		}
		t.phrases = append(t.phrases, phraseRule{
			pattern: regexp.MustCompile(`(?i)\b` + strings.Join(quoted, `\s+`) + `\b`),
			token:   strings.Join(words, "_"),
		})
	}
	return t
}

// Default returns a Tokenizer with the default phrases and stopwords.
func Default() *Tokenizer {
	return New(Options{})
}

// DefaultStopwords returns the embedded English stopword list.
func DefaultStopwords() []string {
	return strings.Fields(stopwordList)
}

// Tokenize folds phrases, splits words, lowercases, drops stopwords, and
// stems what remains. Folded phrase tokens are kept unstemmed.
func (t *Tokenizer) Tokenize(text string) []string {
	for _, rule := range t.phrases {
		text = rule.pattern.ReplaceAllLiteralString(text, rule.token)
	}
	words := wordPattern.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		word = strings.ToLower(word)
		if _, stop := t.stopwords[word]; stop {
			continue
		}
		if !strings.Contains(word, "_") {
			word = english.Stem(word, true)
		}
		if word == "" {
			continue
		}
		tokens = append(tokens, word)
	}
	return tokens
}
