// Package chunker implements the recursive text splitter of §4.5 (C5): an
// ordered-separator cascade producing overlapping, stably-identified
// passages, sized by a single fixed separator list and character-unit
// target/overlap rather than a pluggable per-content-type strategy.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
)

// Splitter is a stateless interface yielding non-empty text chunks.
type Splitter interface {
	Split(text string) []string
}

const (
	DefaultTargetSize = 1000
	DefaultOverlap    = 200
)

var defaultSeparators = []string{"\n\n", "\n", " ", ""}

// Recursive is the §4.5 splitter: it tries each separator in order, only
// falling through to the next (finer) one when a segment produced by the
// current separator still exceeds TargetSize.
type Recursive struct {
	Separators []string
	TargetSize int
	Overlap    int
}

func New() *Recursive {
	return &Recursive{Separators: defaultSeparators, TargetSize: DefaultTargetSize, Overlap: DefaultOverlap}
}

// Split returns zero chunks for empty input, and otherwise guarantees total
// coverage of the input and that no chunk exceeds TargetSize+Overlap.
func (r *Recursive) Split(text string) []string {
	if len(text) == 0 {
		return nil
	}

	segments := r.recursiveSplit(text, 0)
	return mergeWithOverlap(segments, r.TargetSize, r.Overlap)
}

// recursiveSplit breaks text into pieces no larger than TargetSize using the
// separator at depth, falling through to finer separators when a piece is
// still too big, and falling back to raw slicing once separators run out.
func (r *Recursive) recursiveSplit(text string, depth int) []string {
	if len(text) <= r.TargetSize {
		return []string{text}
	}
	if depth >= len(r.Separators) {
		return splitRunes(text, r.TargetSize)
	}

	sep := r.Separators[depth]
	var pieces []string
	if sep == "" {
		pieces = splitRunes(text, r.TargetSize)
	} else {
		pieces = splitOnSeparator(text, sep)
	}

	var out []string
	for _, p := range pieces {
		if len(p) == 0 {
			continue
		}
		if len(p) > r.TargetSize {
			out = append(out, r.recursiveSplit(p, depth+1)...)
		} else {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{text}
	}
	return out
}

// splitOnSeparator splits on sep, keeping sep attached to the end of each
// piece (except the last) so re-joining the pieces reconstructs the input
// exactly — required for the total-coverage guarantee.
func splitOnSeparator(text, sep string) []string {
	var out []string
	rest := text
	for {
		idx := indexOf(rest, sep)
		if idx < 0 {
			out = append(out, rest)
			return out
		}
		out = append(out, rest[:idx+len(sep)])
		rest = rest[idx+len(sep):]
	}
}

func indexOf(s, sub string) int {
	n, m := len(s), len(sub)
	if m == 0 || m > n {
		return -1
	}
	for i := 0; i+m <= n; i++ {
		if s[i:i+m] == sub {
			return i
		}
	}
	return -1
}

// splitRunes performs a rune-safe sliding window split with no overlap, used
// as the separator-exhausted fallback (mirrors textsplitters/fixed.go's
// splitRunes).
func splitRunes(text string, size int) []string {
	runes := []rune(text)
	if len(runes) == 0 {
		return nil
	}
	var out []string
	for start := 0; start < len(runes); start += size {
		end := start + size
		if end > len(runes) {
			end = len(runes)
		}
		out = append(out, string(runes[start:end]))
	}
	return out
}

// mergeWithOverlap greedily packs adjacent segments up to target size and
// prepends the trailing overlap of the previous chunk to each subsequent
// chunk, the way a recursive character splitter conventionally produces
// overlapping passages.
func mergeWithOverlap(segments []string, target, overlap int) []string {
	if len(segments) == 0 {
		return nil
	}

	var packed []string
	var cur string
	for _, seg := range segments {
		if cur != "" && len(cur)+len(seg) > target {
			packed = append(packed, cur)
			cur = ""
		}
		cur += seg
		for len(cur) > target {
			packed = append(packed, cur[:target])
			cur = cur[target:]
		}
	}
	if cur != "" {
		packed = append(packed, cur)
	}

	if overlap <= 0 || len(packed) <= 1 {
		return packed
	}

	out := make([]string, len(packed))
	out[0] = packed[0]
	for i := 1; i < len(packed); i++ {
		prev := packed[i-1]
		tail := prev
		if len(tail) > overlap {
			tail = tail[len(tail)-overlap:]
		}
		out[i] = tail + packed[i]
	}
	return out
}

// Chunk is a single passage produced for a document, carrying the ordinal
// and stable identifier described in §3/§4.5.
type Chunk struct {
	ID         string
	DocumentID string
	Ordinal    int
	Text       string
}

// ChunkID computes sha256(document_id || ":" || ordinal) as required by §4.5.
func ChunkID(documentID string, ordinal int) string {
	sum := sha256.Sum256([]byte(fmt.Sprintf("%s:%d", documentID, ordinal)))
	return hex.EncodeToString(sum[:])
}

// ChunkDocument splits content and attaches stable per-chunk metadata.
func ChunkDocument(s Splitter, documentID, content string) []Chunk {
	texts := s.Split(content)
	chunks := make([]Chunk, 0, len(texts))
	for i, t := range texts {
		chunks = append(chunks, Chunk{
			ID:         ChunkID(documentID, i),
			DocumentID: documentID,
			Ordinal:    i,
			Text:       t,
		})
	}
	return chunks
}
