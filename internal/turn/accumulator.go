package turn

import "strings"

// defaultSoftFlushTokens bounds first-audio latency: text without a sentence
// boundary is flushed to TTS anyway after this many whitespace-separated
// tokens.
const defaultSoftFlushTokens = 40

// Accumulator gathers streamed LLM text into sentence-sized pushes for TTS.
//
// A sentence boundary is a '.', '!' or '?' immediately followed by
// whitespace, or a bare newline. Flushes are verbatim slices of the input
// stream: concatenating every flush of a turn reproduces the full LLM text
// exactly, nothing lost and nothing duplicated.
//
// An Accumulator is single-owner; the scheduler goroutine is the only caller.
type Accumulator struct {
	softTokens int
	buf        strings.Builder
}

// NewAccumulator returns an accumulator that soft-flushes after softTokens
// tokens without a boundary. Non-positive values use the default of 40.
func NewAccumulator(softTokens int) *Accumulator {
	if softTokens <= 0 {
		softTokens = defaultSoftFlushTokens
	}
	return &Accumulator{softTokens: softTokens}
}

// Add appends delta to the buffer and returns every completed flush, in
// order. Most calls return nil.
func (a *Accumulator) Add(delta string) []string {
	a.buf.WriteString(delta)

	var out []string
	for {
		s := a.buf.String()
		idx := sentenceBoundary(s)
		if idx < 0 {
			break
		}
		out = append(out, s[:idx+1])
		a.buf.Reset()
		a.buf.WriteString(s[idx+1:])
	}

	// Soft flush: bound latency when the model writes a long run without
	// punctuation.
	if rest := a.buf.String(); len(strings.Fields(rest)) >= a.softTokens {
		out = append(out, rest)
		a.buf.Reset()
	}
	return out
}

// Flush returns whatever text remains buffered, possibly "". Called at
// stream end so trailing text without a boundary is still spoken.
func (a *Accumulator) Flush() string {
	s := a.buf.String()
	a.buf.Reset()
	return s
}

// Pending returns the number of buffered bytes.
func (a *Accumulator) Pending() int { return a.buf.Len() }

// Reset discards buffered text.
func (a *Accumulator) Reset() { a.buf.Reset() }

// sentenceBoundary returns the index of the last byte of the first sentence
// in s, or -1. A newline terminates a sentence on its own; '.', '!' and '?'
// terminate one only when followed by whitespace, which keeps decimals and
// abbreviations intact until more text arrives.
func sentenceBoundary(s string) int {
	for i := 0; i < len(s); i++ {
		switch s[i] {
		case '\n':
			return i
		case '.', '!', '?':
			if i+1 < len(s) {
				switch s[i+1] {
				case ' ', '\t', '\n', '\r':
					return i
				}
			}
		}
	}
	return -1
}
