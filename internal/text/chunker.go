package text

import (
	"crypto/sha256"
	"fmt"
	"regexp"
	"strings"
)

// Chunk is one token window of a record's full text. Chunks are emitted in
// document order with contiguous indices; splitting the same text with the
// same options always yields the same chunks and hashes.
type Chunk struct {
	Index       int
	Content     string
	TokenCount  int
	Overlap     int
	ContentHash string
}

type Options struct {
	Size    int // target tokens per chunk
	Overlap int // trailing tokens repeated from the previous chunk
}

var paragraphRe = regexp.MustCompile(`\n[ \t]*\n+`)

// HashContent returns the hex sha256 of the whitespace-normalized, lowercased
// text. This is the content_hash used for dedup, so it must stay stable across
// incidental whitespace differences.
func HashContent(s string) string {
	normalized := strings.ToLower(strings.Join(strings.Fields(s), " "))
	sum := sha256.Sum256([]byte(normalized))
	return fmt.Sprintf("%x", sum)
}

// Split cuts text into overlapping token windows of roughly opts.Size tokens.
// Cut points prefer sentence and paragraph boundaries within a tolerance
// window around the target size, falling back to a hard token cut. Empty text
// yields no chunks; text shorter than one window yields a single chunk with
// zero overlap.
func Split(text string, opts Options) []Chunk {
	size := opts.Size
	if size <= 0 {
		size = 1000
	}
	overlap := opts.Overlap
	if overlap < 0 {
		overlap = 0
	}
	if overlap >= size {
		overlap = size / 4
	}

	tokens, cuts := tokenize(text)
	if len(tokens) == 0 {
		return nil
	}

	if len(tokens) <= size {
		content := strings.Join(tokens, " ")
		return []Chunk{{
			Index:       0,
			Content:     content,
			TokenCount:  len(tokens),
			ContentHash: HashContent(content),
		}}
	}

	tolerance := size / 10
	if tolerance < 1 {
		tolerance = 1
	}

	var chunks []Chunk
	pos := 0
	for pos < len(tokens) {
		start := pos
		carried := 0
		if len(chunks) > 0 {
			start = pos - overlap
			if start < 0 {
				start = 0
			}
			carried = pos - start
		}

		end := start + size
		if end >= len(tokens) {
			end = len(tokens)
		} else if b := nearestCut(cuts, end, tolerance, pos); b > 0 {
			end = b
		}

		content := strings.Join(tokens[start:end], " ")
		chunks = append(chunks, Chunk{
			Index:       len(chunks),
			Content:     content,
			TokenCount:  end - start,
			Overlap:     carried,
			ContentHash: HashContent(content),
		})
		pos = end
	}

	return chunks
}

// tokenize splits text into whitespace tokens and records candidate cut
// positions: the token offsets that end a sentence or a paragraph. A cut at
// position i means "the window may close before tokens[i]".
func tokenize(text string) ([]string, []int) {
	var tokens []string
	var cuts []int

	for _, para := range paragraphRe.Split(text, -1) {
		fields := strings.Fields(para)
		if len(fields) == 0 {
			continue
		}
		for _, tok := range fields {
			tokens = append(tokens, tok)
			if endsSentence(tok) {
				cuts = append(cuts, len(tokens))
			}
		}
		// Paragraph end is always a valid cut.
		if len(cuts) == 0 || cuts[len(cuts)-1] != len(tokens) {
			cuts = append(cuts, len(tokens))
		}
	}

	return tokens, cuts
}

func endsSentence(tok string) bool {
	trimmed := strings.TrimRight(tok, `"')]»`)
	if trimmed == "" {
		return false
	}
	switch trimmed[len(trimmed)-1] {
	case '.', '!', '?':
		return true
	}
	return false
}

// nearestCut picks the cut position closest to target within tolerance,
// requiring progress past pos. Returns 0 if no acceptable cut exists.
func nearestCut(cuts []int, target, tolerance, pos int) int {
	best := 0
	bestDist := tolerance + 1
	for _, c := range cuts {
		if c <= pos {
			continue
		}
		if c > target+tolerance {
			break
		}
		dist := target - c
		if dist < 0 {
			dist = -dist
		}
		if dist < bestDist {
			best = c
			bestDist = dist
		}
	}
	return best
}
