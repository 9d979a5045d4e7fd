package knowledge

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewChunkerValidation(t *testing.T) {
	_, err := NewChunker(0, 0)
	assert.ErrorIs(t, err, ErrInvalidChunkConfig)

	_, err = NewChunker(100, -1)
	assert.ErrorIs(t, err, ErrInvalidChunkConfig)

	// Overlap equal to max size would make every chunk restart inside its
	// own tail.
	_, err = NewChunker(100, 100)
	assert.ErrorIs(t, err, ErrInvalidChunkConfig)

	_, err = NewChunker(100, 150)
	assert.ErrorIs(t, err, ErrInvalidChunkConfig)

	chunker, err := NewChunker(100, 20)
	require.NoError(t, err)
	assert.Equal(t, 100, chunker.MaxSize())
	assert.Equal(t, 20, chunker.Overlap())
}

func TestNewChunkerFromEnvDefaults(t *testing.T) {
	t.Setenv("KNOWLEDGE_CHUNK_MAX_CHARS", "")
	t.Setenv("KNOWLEDGE_CHUNK_OVERLAP", "")

	chunker, err := NewChunkerFromEnv()
	require.NoError(t, err)
	assert.Equal(t, 500, chunker.MaxSize())
	assert.Equal(t, 50, chunker.Overlap())
}

func TestSplitEmptyInput(t *testing.T) {
	chunker, err := NewChunker(100, 10)
	require.NoError(t, err)

	assert.Nil(t, chunker.Split(""))
	assert.Nil(t, chunker.Split("  \n\n  "))
}

func TestSplitSingleShortText(t *testing.T) {
	chunker, err := NewChunker(100, 10)
	require.NoError(t, err)

	chunks := chunker.Split("short line")
	require.Len(t, chunks, 1)
	assert.Equal(t, "short line", chunks[0])
}

func TestSplitOverlapCarriesTail(t *testing.T) {
	chunker, err := NewChunker(60, 15)
	require.NoError(t, err)

	var lines []string
	for i := 0; i < 8; i++ {
		lines = append(lines, fmt.Sprintf("line %d with filler content", i))
	}
	chunks := chunker.Split(strings.Join(lines, "\n"))
	require.Greater(t, len(chunks), 1)

	for i := 1; i < len(chunks); i++ {
		tail := strings.TrimSpace(trailingRunes(chunks[i-1], 15))
		assert.True(t, strings.HasPrefix(chunks[i], tail),
			"chunk %d should start with the previous chunk's tail %q", i, tail)
	}
}

func TestSplitTaggedLineIsAtomic(t *testing.T) {
	chunker, err := NewChunker(50, 10)
	require.NoError(t, err)

	tagged := "SPECIFICATION: " + strings.Repeat("very long value ", 10)
	chunks := chunker.Split("intro line\n" + tagged)

	found := false
	for _, chunk := range chunks {
		if strings.Contains(chunk, strings.TrimSpace(tagged)) {
			found = true
		}
	}
	assert.True(t, found, "tagged line must survive intact even when it exceeds the chunk budget")
}

func TestSplitLongUntaggedLineIsCut(t *testing.T) {
	chunker, err := NewChunker(50, 5)
	require.NoError(t, err)

	long := strings.Repeat("word ", 40)
	chunks := chunker.Split(long)
	require.Greater(t, len(chunks), 1)
	for i, chunk := range chunks {
		assert.LessOrEqual(t, len([]rune(chunk)), 50+10, "chunk %d too large", i)
	}
}

func TestSplitDoesNotCloseAfterSectionHeader(t *testing.T) {
	chunker, err := NewChunker(40, 5)
	require.NoError(t, err)

	text := strings.Join([]string{
		"filler line one padding padding",
		"## MAINTENANCE",
		"lubricate the rails",
	}, "\n")

	chunks := chunker.Split(text)
	for _, chunk := range chunks {
		lines := strings.Split(chunk, "\n")
		assert.NotEqual(t, "## MAINTENANCE", strings.TrimSpace(lines[len(lines)-1]),
			"a chunk must not end right after a section header")
	}
}

func TestSplitBudgetCountsRunes(t *testing.T) {
	chunker, err := NewChunker(40, 0)
	require.NoError(t, err)

	// Two lines of two-byte runes: 37 characters in total fit one chunk even
	// though the byte length is nearly double the budget.
	text := strings.Repeat("é", 20) + "\n" + strings.Repeat("é", 15)
	chunks := chunker.Split(text)
	require.Len(t, chunks, 1, "multibyte text must fill the same character budget as ASCII")
	assert.LessOrEqual(t, len([]rune(chunks[0])), 40)
}

func TestSplitNoEmptyChunks(t *testing.T) {
	chunker, err := NewChunker(30, 10)
	require.NoError(t, err)

	chunks := chunker.Split("a\n\n\nb\n\nc")
	for _, chunk := range chunks {
		assert.NotEmpty(t, strings.TrimSpace(chunk))
	}
}
