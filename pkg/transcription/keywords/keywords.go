// Package keywords corrects misrecognised vocabulary in transcript text.
//
// A [Corrector] holds a fixed keyword list (product names, people, jargon).
// Correct slides a window over the words of a transcript and replaces a
// span with a keyword when the two sound alike or are spelled nearly the
// same:
//
//  1. Phonetic: the Double Metaphone codes of span and keyword overlap and
//     their Jaro-Winkler similarity reaches the phonetic threshold.
//  2. Fuzzy: without phonetic overlap, Jaro-Winkler similarity alone must
//     reach the higher fuzzy threshold.
//
// A span is only compared with keywords of the same word count, so a match
// never swallows neighbouring words. Punctuation around a span is kept.
package keywords

import (
	"strings"
	"unicode"

	"github.com/antzucaro/matchr"
)

const (
	defaultPhoneticThreshold = 0.80
	defaultFuzzyThreshold    = 0.90

	// minLength is the shortest span or keyword, in letters, that is
	// considered. Short words match too much by accident.
	minLength = 3
)

// Option is a functional option for configuring a [Corrector].
type Option func(*Corrector)

// WithPhoneticThreshold sets the minimum Jaro-Winkler score for a
// phonetically matching span. Default: 0.80.
func WithPhoneticThreshold(threshold float64) Option {
	return func(c *Corrector) { c.phoneticThreshold = threshold }
}

// WithFuzzyThreshold sets the minimum Jaro-Winkler score for a span without
// phonetic overlap. Default: 0.90.
func WithFuzzyThreshold(threshold float64) Option {
	return func(c *Corrector) { c.fuzzyThreshold = threshold }
}

// Correction records one substitution made by [Corrector.Correct].
type Correction struct {
	// Original is the replaced span without surrounding punctuation.
	Original   string
	Corrected  string
	Confidence float64
	Phonetic   bool
}

type keyword struct {
	text  string
	lower string
	words int
	codes map[string]struct{}
}

// Corrector replaces near-miss spans with known keywords. It is read-only
// after construction and safe for concurrent use.
type Corrector struct {
	keywords          []keyword
	maxWords          int
	phoneticThreshold float64
	fuzzyThreshold    float64
}

// New prepares a Corrector for list. Blank and too-short entries are
// ignored.
func New(list []string, opts ...Option) *Corrector {
	c := &Corrector{
		phoneticThreshold: defaultPhoneticThreshold,
		fuzzyThreshold:    defaultFuzzyThreshold,
	}
	for _, o := range opts {
		o(c)
	}
	for _, k := range list {
		k = strings.TrimSpace(k)
		lower := strings.ToLower(k)
		if letters(lower) < minLength {
			continue
		}
		tokens := strings.Fields(lower)
		c.keywords = append(c.keywords, keyword{
			text:  k,
			lower: strings.Join(tokens, " "),
			words: len(tokens),
			codes: codes(tokens),
		})
		c.maxWords = max(c.maxWords, len(tokens))
	}
	return c
}

// Len returns the number of usable keywords.
func (c *Corrector) Len() int { return len(c.keywords) }

// Correct returns text with matching spans replaced and the list of
// substitutions. Whitespace is normalised to single spaces when anything is
// replaced; otherwise text is returned unchanged.
func (c *Corrector) Correct(text string) (string, []Correction) {
	if len(c.keywords) == 0 {
		return text, nil
	}
	tokens := strings.Fields(text)
	if len(tokens) == 0 {
		return text, nil
	}

	out := make([]string, 0, len(tokens))
	var corrections []Correction
	for i := 0; i < len(tokens); {
		n, corr, ok := c.matchAt(tokens, i)
		if !ok {
			out = append(out, tokens[i])
			i++
			continue
		}
		if corr.Original == corr.Corrected {
			out = append(out, tokens[i:i+n]...)
			i += n
			continue
		}
		lead, _, _ := splitPunct(tokens[i])
		_, _, trail := splitPunct(tokens[i+n-1])
		out = append(out, lead+corr.Corrected+trail)
		corrections = append(corrections, corr)
		i += n
	}
	if len(corrections) == 0 {
		return text, nil
	}
	return strings.Join(out, " "), corrections
}

// matchAt tries spans starting at tokens[i], longest first, and returns the
// number of tokens consumed by the best keyword match.
func (c *Corrector) matchAt(tokens []string, i int) (int, Correction, bool) {
	for n := min(c.maxWords, len(tokens)-i); n >= 1; n-- {
		cores := make([]string, 0, n)
		words := make([]string, 0, n)
		for _, t := range tokens[i : i+n] {
			_, core, _ := splitPunct(t)
			if core == "" {
				break
			}
			cores = append(cores, core)
			words = append(words, strings.ToLower(core))
		}
		if len(words) != n {
			continue
		}
		span := strings.Join(words, " ")
		if letters(span) < minLength {
			continue
		}
		if corr, ok := c.best(span, words); ok {
			corr.Original = strings.Join(cores, " ")
			return n, corr, true
		}
	}
	return 0, Correction{}, false
}

// best returns the highest-scoring keyword with len(words) words that span
// matches. Phonetic matches win over fuzzy ones.
func (c *Corrector) best(span string, words []string) (Correction, bool) {
	spanCodes := codes(words)
	var found Correction
	var ok bool
	for _, k := range c.keywords {
		if k.words != len(words) {
			continue
		}
		if span == k.lower {
			// Already correct apart from case.
			return Correction{Corrected: k.text, Confidence: 1, Phonetic: true}, true
		}
		score := matchr.JaroWinkler(span, k.lower, false)
		phonetic := overlap(spanCodes, k.codes)
		switch {
		case phonetic && score >= c.phoneticThreshold:
			if !found.Phonetic || score > found.Confidence {
				found, ok = Correction{Corrected: k.text, Confidence: score, Phonetic: true}, true
			}
		case !found.Phonetic && score >= c.fuzzyThreshold && score > found.Confidence:
			found, ok = Correction{Corrected: k.text, Confidence: score}, true
		}
	}
	return found, ok
}

// codes returns the Double Metaphone codes of tokens joined together, which
// keeps multi-word comparisons order sensitive.
func codes(tokens []string) map[string]struct{} {
	set := make(map[string]struct{}, 2)
	primary, secondary := matchr.DoubleMetaphone(strings.Join(tokens, ""))
	if primary != "" {
		set[primary] = struct{}{}
	}
	if secondary != "" {
		set[secondary] = struct{}{}
	}
	return set
}

func overlap(a, b map[string]struct{}) bool {
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

// splitPunct splits token into leading punctuation, core and trailing
// punctuation.
func splitPunct(token string) (lead, core, trail string) {
	core = strings.TrimLeftFunc(token, unicode.IsPunct)
	lead = token[:len(token)-len(core)]
	trimmed := strings.TrimRightFunc(core, unicode.IsPunct)
	trail = core[len(trimmed):]
	return lead, trimmed, trail
}

func letters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			n++
		}
	}
	return n
}
