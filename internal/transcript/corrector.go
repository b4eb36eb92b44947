// Package transcript post-processes final STT transcripts before they reach
// the language model.
//
// Speech recognition reliably mangles agent-specific vocabulary: product
// names, proper nouns, domain jargon. The Corrector repairs such words by
// matching them phonetically against the agent's configured keyword list
// using Double Metaphone codes, then ranking candidates with Jaro-Winkler
// similarity on the raw strings. Only the final transcript is corrected;
// partials are observer-only and not worth the cost.
package transcript

import (
	"strings"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.70
	defaultFuzzyThreshold    = 0.85

	// maxGram bounds the sliding window so multi-word keywords like
	// "Vocalis Cloud" can be repaired from two mangled tokens.
	maxGram = 2
)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score required for a
// phonetically-matched keyword to be accepted. Default: 0.70.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.phoneticThreshold = threshold
	}
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score required when no
// phonetic match is found and the corrector falls back to pure string
// similarity. Default: 0.85.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) {
		c.fuzzyThreshold = threshold
	}
}

// keyword holds one vocabulary entry with its precomputed phonetic codes.
type keyword struct {
	text   string
	lower  string
	tokens []string
	codes  map[string]struct{}
}

// Corrector repairs agent vocabulary in transcripts. It is read-only after
// construction and safe for concurrent use.
type Corrector struct {
	phoneticThreshold float64
	fuzzyThreshold    float64
	keywords          []keyword
}

// New returns a Corrector for the given vocabulary. An empty vocabulary
// yields a pass-through corrector.
func New(vocabulary []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}

	for _, v := range vocabulary {
		lower := strings.ToLower(strings.TrimSpace(v))
		if lower == "" {
			continue
		}
		tokens := strings.Fields(lower)
		c.keywords = append(c.keywords, keyword{
			text:   strings.TrimSpace(v),
			lower:  lower,
			tokens: tokens,
			codes:  codesForTokens(tokens),
		})
	}
	return c
}

// Correct returns text with recognised near-misses of the vocabulary
// replaced by their canonical spelling, plus the number of replacements.
// Words that already match a keyword exactly (case-insensitive) are left
// untouched.
func (c *Corrector) Correct(text string) (string, int) {
	if len(c.keywords) == 0 || strings.TrimSpace(text) == "" {
		return text, 0
	}

	words := strings.Fields(text)
	out := make([]string, 0, len(words))
	replaced := 0

	for i := 0; i < len(words); {
		kw, span, ok := c.matchAt(words, i)
		if !ok {
			out = append(out, words[i])
			i++
			continue
		}
		window := strings.Join(words[i:i+span], " ")
		trail := trailingPunct(window)
		if strings.ToLower(strings.TrimSuffix(window, trail)) == kw.lower {
			// Already correct, keep the original casing.
			out = append(out, words[i:i+span]...)
		} else {
			out = append(out, kw.text+trail)
			replaced++
		}
		i += span
	}

	return strings.Join(out, " "), replaced
}

// matchAt tries n-gram windows starting at index i, longest first, and
// returns the best-scoring keyword with the window span it consumed.
func (c *Corrector) matchAt(words []string, i int) (keyword, int, bool) {
	for span := maxGram; span >= 1; span-- {
		if i+span > len(words) {
			continue
		}
		window := strings.ToLower(strings.Join(words[i:i+span], " "))
		window = strings.Trim(window, ".,!?;:")
		if kw, ok := c.bestMatch(window, span); ok {
			return kw, span, true
		}
	}
	return keyword{}, 0, false
}

// bestMatch scores the window against every keyword whose token count
// equals the window span; mixed-width matches would let a one-word keyword
// swallow an innocent neighbour. Phonetic candidates (overlapping Double
// Metaphone codes) use the lower phonetic threshold; everything else needs
// to clear the stricter fuzzy threshold.
func (c *Corrector) bestMatch(window string, span int) (keyword, bool) {
	tokens := strings.Fields(window)
	codes := codesForTokens(tokens)

	var (
		best         keyword
		bestScore    float64
		bestPhonetic bool
		found        bool
	)

	for _, kw := range c.keywords {
		if len(kw.tokens) != span {
			continue
		}
		phonetic := codesOverlap(codes, kw.codes)
		score := bestJWScore(tokens, kw.tokens, window, kw.lower)

		threshold := c.fuzzyThreshold
		if phonetic {
			threshold = c.phoneticThreshold
		}
		if score < threshold {
			continue
		}
		// Phonetic candidates outrank fuzzy-only candidates.
		if !found || (phonetic && !bestPhonetic) || (phonetic == bestPhonetic && score > bestScore) {
			best, bestScore, bestPhonetic, found = kw, score, phonetic, true
		}
	}
	return best, found
}

// trailingPunct returns the run of sentence punctuation at the end of s.
func trailingPunct(s string) string {
	i := len(s)
	for i > 0 && strings.ContainsRune(".,!?;:", rune(s[i-1])) {
		i--
	}
	return s[i:]
}

// codesForTokens returns the union of all Double Metaphone codes for the
// given tokens. Empty codes are excluded.
func codesForTokens(tokens []string) map[string]struct{} {
	codes := make(map[string]struct{}, len(tokens)*2)
	for _, t := range tokens {
		p, s := matchr.DoubleMetaphone(t)
		if p != "" {
			codes[p] = struct{}{}
		}
		if s != "" {
			codes[s] = struct{}{}
		}
	}
	return codes
}

// codesOverlap returns true if the two code sets share at least one code.
func codesOverlap(a, b map[string]struct{}) bool {
	if len(a) > len(b) {
		a, b = b, a
	}
	for code := range a {
		if _, ok := b[code]; ok {
			return true
		}
	}
	return false
}

// bestJWScore computes the highest Jaro-Winkler similarity between the
// window and the keyword using full-string, space-stripped, and best
// pairwise token comparisons.
func bestJWScore(inputTokens, kwTokens []string, inputFull, kwFull string) float64 {
	score := matchr.JaroWinkler(inputFull, kwFull, false)

	if len(inputTokens) > 1 || len(kwTokens) > 1 {
		concat1 := strings.Join(inputTokens, "")
		concat2 := strings.Join(kwTokens, "")
		if s := matchr.JaroWinkler(concat1, concat2, false); s > score {
			score = s
		}
	}

	for _, it := range inputTokens {
		for _, kt := range kwTokens {
			if s := matchr.JaroWinkler(it, kt, false); s > score {
				score = s
			}
		}
	}

	return score
}
