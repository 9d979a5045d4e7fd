package knowledge

import (
	"errors"
	"os"
	"strconv"
	"strings"
)

// ErrInvalidChunkConfig is returned when the chunker is misconfigured.
// Surfaced at construction time, never per request.
var ErrInvalidChunkConfig = errors.New("knowledge: invalid chunker configuration")

const (
	defaultChunkMaxChars = 500
	defaultChunkOverlap  = 50
)

// Chunker splits structured text into bounded, overlapping segments.
type Chunker struct {
	maxSize int
	overlap int
}

// NewChunker validates the configuration. overlap must be strictly smaller
// than maxSize or every chunk would restart inside its own tail.
func NewChunker(maxSize int, overlap int) (*Chunker, error) {
	if maxSize <= 0 {
		return nil, ErrInvalidChunkConfig
	}
	if overlap < 0 || overlap >= maxSize {
		return nil, ErrInvalidChunkConfig
	}
	return &Chunker{maxSize: maxSize, overlap: overlap}, nil
}

// NewChunkerFromEnv reads KNOWLEDGE_CHUNK_MAX_CHARS and
// KNOWLEDGE_CHUNK_OVERLAP, keeping defaults for unset or unparsable values.
func NewChunkerFromEnv() (*Chunker, error) {
	maxSize := defaultChunkMaxChars
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_CHUNK_MAX_CHARS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxSize = parsed
		}
	}
	overlap := defaultChunkOverlap
	if raw := strings.TrimSpace(os.Getenv("KNOWLEDGE_CHUNK_OVERLAP")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed >= 0 {
			overlap = parsed
		}
	}
	return NewChunker(maxSize, overlap)
}

// MaxSize returns the configured upper bound on characters per chunk.
func (c *Chunker) MaxSize() int { return c.maxSize }

// Overlap returns the configured number of characters repeated between
// consecutive chunks.
func (c *Chunker) Overlap() int { return c.overlap }

// Split walks the structured text line by line, accumulating until the next
// unit would exceed maxSize. The next chunk restarts with the previous
// chunk's trailing overlap characters so a fact is never severed at a
// boundary without context on both sides.
//
// A tagged line is atomic: it is never split even when it exceeds the
// remaining budget, accepting slight overflow over severed semantics. Chunks
// are never closed immediately after a flagged section header, and no chunk
// is ever empty.
func (c *Chunker) Split(structured string) []string {
	cleaned := strings.TrimSpace(normalizeNewlines(structured))
	if cleaned == "" {
		return nil
	}

	var units []string
	for _, line := range strings.Split(cleaned, "\n") {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if !IsTaggedLine(trimmed) && len([]rune(trimmed)) > c.maxSize {
			units = append(units, splitLongLine(trimmed, c.maxSize)...)
			continue
		}
		units = append(units, trimmed)
	}
	if len(units) == 0 {
		return nil
	}

	var chunks []string
	var current strings.Builder
	currentLen := 0 // runes, so multibyte text fills the same budget as ASCII
	seededLen := 0
	lastWasHeader := false

	flush := func() {
		chunk := strings.TrimSpace(current.String())
		current.Reset()
		currentLen = 0
		if chunk != "" {
			chunks = append(chunks, chunk)
			if c.overlap > 0 {
				tail := trailingRunes(chunk, c.overlap)
				current.WriteString(tail)
				current.WriteString("\n")
				currentLen = len([]rune(tail)) + 1
			}
		}
		seededLen = currentLen
	}

	for _, unit := range units {
		projected := currentLen + len([]rune(unit)) + 1
		if currentLen > seededLen && projected > c.maxSize && !lastWasHeader {
			flush()
		}
		current.WriteString(unit)
		current.WriteString("\n")
		currentLen = currentLen + len([]rune(unit)) + 1
		lastWasHeader = strings.HasPrefix(unit, "## ")
	}

	// Anything beyond the seeded overlap is new content; a bare seed would
	// duplicate the previous chunk's tail.
	if currentLen > seededLen {
		if chunk := strings.TrimSpace(current.String()); chunk != "" {
			chunks = append(chunks, chunk)
		}
	}
	return chunks
}

// splitLongLine cuts an untagged overlong line at sentence boundaries where
// possible, falling back to hard cuts.
func splitLongLine(line string, maxSize int) []string {
	runes := []rune(line)
	var parts []string
	start := 0
	for start < len(runes) {
		end := start + maxSize
		if end >= len(runes) {
			end = len(runes)
		} else if preferred := findBoundary(runes, start+maxSize/2, end); preferred > start {
			end = preferred
		}
		part := strings.TrimSpace(string(runes[start:end]))
		if part != "" {
			parts = append(parts, part)
		}
		if end == start {
			end = start + maxSize
			if end > len(runes) {
				end = len(runes)
			}
		}
		start = end
	}
	return parts
}

func findBoundary(runes []rune, min int, max int) int {
	if min < 0 {
		min = 0
	}
	if max > len(runes) {
		max = len(runes)
	}
	if max <= min {
		return min
	}
	for i := max - 1; i >= min; i-- {
		switch runes[i] {
		case '.', '!', '?', ';', ' ':
			return i + 1
		}
	}
	return max
}

func trailingRunes(value string, count int) string {
	runes := []rune(value)
	if len(runes) <= count {
		return value
	}
	return string(runes[len(runes)-count:])
}

func normalizeNewlines(value string) string {
	if value == "" {
		return ""
	}
	replaced := strings.ReplaceAll(value, "\r\n", "\n")
	return strings.ReplaceAll(replaced, "\r", "\n")
}
