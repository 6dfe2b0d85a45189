package ingest

import "strings"

// Chunker splits extracted text into pieces sized for embedding.
type Chunker interface {
	Chunk(text string) []string
}

// RecursiveChunker splits on paragraph boundaries first, then
// sentences, then words, and merges adjacent pieces back up to the
// size limit with a trailing-overlap carry between chunks. Sizes are
// in characters; token budgets are approximated at four characters per
// token.
type RecursiveChunker struct {
	maxChars     int
	overlapChars int
}

// ChunkerOption configures a RecursiveChunker.
type ChunkerOption func(*RecursiveChunker)

// WithMaxTokens sets the chunk size budget (default 512 tokens).
func WithMaxTokens(n int) ChunkerOption {
	return func(c *RecursiveChunker) { c.maxChars = n * 4 }
}

// WithOverlapTokens sets the inter-chunk overlap (default 50 tokens).
func WithOverlapTokens(n int) ChunkerOption {
	return func(c *RecursiveChunker) { c.overlapChars = n * 4 }
}

// NewRecursiveChunker creates a chunker with the given options.
func NewRecursiveChunker(opts ...ChunkerOption) *RecursiveChunker {
	c := &RecursiveChunker{maxChars: 512 * 4, overlapChars: 50 * 4}
	for _, o := range opts {
		o(c)
	}
	return c
}

func (c *RecursiveChunker) Chunk(text string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if len(text) <= c.maxChars {
		return []string{text}
	}
	return c.merge(c.split(text))
}

// split produces segments each at most maxChars, descending through
// paragraph, sentence, and word boundaries only as far as needed.
func (c *RecursiveChunker) split(text string) []string {
	var segs []string
	for _, para := range strings.Split(text, "\n\n") {
		para = strings.TrimSpace(para)
		if para == "" {
			continue
		}
		if len(para) <= c.maxChars {
			segs = append(segs, para)
			continue
		}
		for _, sent := range splitSentences(para) {
			if len(sent) <= c.maxChars {
				segs = append(segs, sent)
			} else {
				segs = append(segs, c.splitWords(sent)...)
			}
		}
	}
	return segs
}

// splitSentences breaks on sentence-ending punctuation followed by a
// space. Dots inside numbers (3.14) are not boundaries. Deliberately
// coarse: a missed boundary just yields a longer segment for the word
// splitter.
func splitSentences(text string) []string {
	var out []string
	start := 0
	for i := 0; i < len(text)-1; i++ {
		ch := text[i]
		if ch != '.' && ch != '!' && ch != '?' {
			continue
		}
		if text[i+1] != ' ' && text[i+1] != '\n' {
			continue
		}
		if ch == '.' && i > 0 && isDigit(text[i-1]) && i+2 < len(text) && isDigit(text[i+2]) {
			continue
		}
		if s := strings.TrimSpace(text[start : i+1]); s != "" {
			out = append(out, s)
		}
		start = i + 1
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}

func isDigit(b byte) bool { return b >= '0' && b <= '9' }

func (c *RecursiveChunker) splitWords(text string) []string {
	var segs []string
	var cur strings.Builder
	for _, w := range strings.Fields(text) {
		// Pathological single tokens get hard-cut.
		for len(w) > c.maxChars {
			segs = append(segs, w[:c.maxChars])
			w = w[c.maxChars:]
		}
		if cur.Len() > 0 && cur.Len()+1+len(w) > c.maxChars {
			segs = append(segs, cur.String())
			cur.Reset()
		}
		if cur.Len() > 0 {
			cur.WriteByte(' ')
		}
		cur.WriteString(w)
	}
	if cur.Len() > 0 {
		segs = append(segs, cur.String())
	}
	return segs
}

// merge packs segments into chunks up to maxChars, seeding each new
// chunk with the tail of the previous one so context spans boundaries.
func (c *RecursiveChunker) merge(segs []string) []string {
	var chunks []string
	var cur strings.Builder
	for _, seg := range segs {
		if cur.Len() > 0 && cur.Len()+1+len(seg) > c.maxChars {
			chunk := cur.String()
			chunks = append(chunks, chunk)
			cur.Reset()
			if tail := overlapTail(chunk, c.overlapChars); tail != "" && len(tail)+1+len(seg) <= c.maxChars {
				cur.WriteString(tail)
			}
		}
		if cur.Len() > 0 {
			cur.WriteByte('\n')
		}
		cur.WriteString(seg)
	}
	if cur.Len() > 0 {
		chunks = append(chunks, cur.String())
	}
	return chunks
}

// overlapTail returns the last n characters of text, snapped forward
// to a word boundary.
func overlapTail(text string, n int) string {
	if n <= 0 {
		return ""
	}
	if len(text) <= n {
		return text
	}
	tail := text[len(text)-n:]
	if idx := strings.IndexAny(tail, " \n"); idx >= 0 {
		tail = tail[idx+1:]
	}
	return strings.TrimSpace(tail)
}
