package processor

import (
	"strings"
	"unicode/utf8"
)

// Chunking defaults.
const (
	DefaultChunkSize    = 512
	DefaultChunkOverlap = 64
)

// separators ordered by preference. Splitting tries semantic boundaries
// first and degrades to a character-level cut.
var separators = []string{"\n\n", "\n", ". ", "! ", "? ", " ", ""}

// Chunk is one retrievable piece of normalized text.
type Chunk struct {
	Ordinal   int
	Content   string
	CharCount int
}

// Chunker splits normalized text into overlapping chunks.
type Chunker struct {
	Size    int
	Overlap int
}

// NewChunker creates a chunker with the given size and overlap in
// characters.
func NewChunker(size, overlap int) *Chunker {
	return &Chunker{Size: size, Overlap: overlap}
}

// NewDefaultChunker creates a chunker with the platform defaults.
func NewDefaultChunker() *Chunker {
	return NewChunker(DefaultChunkSize, DefaultChunkOverlap)
}

// Split normalizes text and cuts it into chunks of at most Size characters
// with Overlap characters carried from each chunk into the next. Empty
// input yields no chunks.
func (c *Chunker) Split(text string) []Chunk {
	text = Normalize(text)
	if text == "" {
		return nil
	}
	if runeLen(text) <= c.Size {
		return []Chunk{{Ordinal: 0, Content: text, CharCount: runeLen(text)}}
	}

	splits := c.recursiveSplit(text, separators)

	var chunks []Chunk
	current := ""
	for _, split := range splits {
		candidate := split
		if current != "" {
			candidate = strings.TrimSpace(current + " " + split)
		}

		if runeLen(candidate) <= c.Size {
			current = candidate
			continue
		}

		if current != "" {
			chunks = append(chunks, Chunk{
				Ordinal:   len(chunks),
				Content:   current,
				CharCount: runeLen(current),
			})
			if c.Overlap > 0 && runeLen(current) > c.Overlap {
				current = lastRunes(current, c.Overlap) + " " + split
			} else {
				current = split
			}
			continue
		}

		// A single split wider than Size only reaches here when the
		// character fallback was skipped; emit it in Size-wide cuts.
		pieces := runeCuts(split, c.Size)
		for i, piece := range pieces {
			if i == len(pieces)-1 {
				current = piece
				break
			}
			chunks = append(chunks, Chunk{
				Ordinal:   len(chunks),
				Content:   piece,
				CharCount: runeLen(piece),
			})
		}
	}

	if trimmed := strings.TrimSpace(current); trimmed != "" {
		chunks = append(chunks, Chunk{
			Ordinal:   len(chunks),
			Content:   trimmed,
			CharCount: runeLen(trimmed),
		})
	}
	return chunks
}

// recursiveSplit cuts text using the first separator, recursing into the
// remaining separators for any part still wider than Size.
func (c *Chunker) recursiveSplit(text string, seps []string) []string {
	if len(seps) == 0 {
		return []string{text}
	}
	sep, rest := seps[0], seps[1:]

	if sep == "" {
		return runeCuts(text, c.Size)
	}

	var result []string
	for _, part := range strings.Split(text, sep) {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		if runeLen(part) <= c.Size {
			result = append(result, part)
			continue
		}
		result = append(result, c.recursiveSplit(part, rest)...)
	}
	return result
}

func runeLen(s string) int {
	return utf8.RuneCountInString(s)
}

// lastRunes returns the final n characters of s.
func lastRunes(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[len(r)-n:])
}

// runeCuts slices s into consecutive windows of at most n characters.
func runeCuts(s string, n int) []string {
	r := []rune(s)
	var out []string
	for i := 0; i < len(r); i += n {
		end := i + n
		if end > len(r) {
			end = len(r)
		}
		out = append(out, string(r[i:end]))
	}
	return out
}
