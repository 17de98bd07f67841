package indexer

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

const defaultMinTokenLength = 3

// DefaultStopWords are common English words dropped before indexing.
var DefaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from",
	"has", "he", "in", "is", "it", "its", "of", "on", "that", "the",
	"to", "was", "were", "will", "with", "this", "but", "they",
	"have", "had", "what", "when", "where", "who", "which", "why",
	"how", "all", "each", "every", "both", "few", "more", "most",
	"other", "some", "such", "than", "too", "very", "can", "just",
	"should", "now", "been", "being", "would", "could", "also",
	"into", "only", "your", "our", "their", "not", "you", "we",
}

var (
	urlPattern   = regexp.MustCompile(`https?://\S+`)
	emailPattern = regexp.MustCompile(`\S+@\S+`)
	suffixes     = []string{"ing", "ed", "ly", "er", "est", "tion", "ness", "ment", "able", "ible"}
)

// TokenizerConfig controls text preprocessing. A nil StopWords uses
// DefaultStopWords; an empty non-nil slice disables stop word removal.
type TokenizerConfig struct {
	MinLength int
	StopWords []string
	Stemming  bool
}

// Tokenizer lowercases, folds accents, drops URLs, e-mail addresses, digits,
// punctuation and stop words, and optionally strips common suffixes. It is
// safe for concurrent use.
type Tokenizer struct {
	minLength int
	stopWords map[string]struct{}
	stemming  bool
}

// NewTokenizer builds a Tokenizer from cfg.
func NewTokenizer(cfg TokenizerConfig) *Tokenizer {
	minLength := cfg.MinLength
	if minLength <= 0 {
		minLength = defaultMinTokenLength
	}
	words := cfg.StopWords
	if words == nil {
		words = DefaultStopWords
	}
	stop := make(map[string]struct{}, len(words))
	for _, w := range words {
		stop[strings.ToLower(strings.TrimSpace(w))] = struct{}{}
	}
	return &Tokenizer{minLength: minLength, stopWords: stop, stemming: cfg.Stemming}
}

// Tokenize splits text into index terms.
func (t *Tokenizer) Tokenize(text string) []string {
	if strings.TrimSpace(text) == "" {
		return nil
	}
	text = strings.ToLower(text)
	text = urlPattern.ReplaceAllString(text, " ")
	text = emailPattern.ReplaceAllString(text, " ")
	text = foldAccents(text)

	words := strings.FieldsFunc(text, func(r rune) bool { return !unicode.IsLetter(r) })
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		if utf8.RuneCountInString(word) < t.minLength {
			continue
		}
		if _, stop := t.stopWords[word]; stop {
			continue
		}
		if t.stemming {
			word = stem(word)
		}
		if utf8.RuneCountInString(word) >= t.minLength {
			tokens = append(tokens, word)
		}
	}
	return tokens
}

func foldAccents(s string) string {
	chain := transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)
	folded, _, err := transform.String(chain, s)
	if err != nil {
		return s
	}
	return folded
}

func stem(word string) string {
	n := utf8.RuneCountInString(word)
	if n <= 5 {
		return word
	}
	for _, suffix := range suffixes {
		if strings.HasSuffix(word, suffix) && n > len(suffix)+3 {
			return strings.TrimSuffix(word, suffix)
		}
	}
	return word
}
