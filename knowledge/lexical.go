package knowledge

import (
	"context"
	"hash/fnv"
	"math"
	"regexp"
	"strings"
)

const defaultLexicalDimension = 512

// lexicalEmbedder produces hashed term-frequency signatures: tokens are
// folded into a fixed-dimension vector with sublinear term frequency and L2
// normalisation. Unlike classic TF-IDF it needs no corpus preparation pass,
// so documents can be indexed incrementally. Cosine over these signatures is
// plain lexical overlap scoring.
type lexicalEmbedder struct {
	dimension    int
	tokenPattern *regexp.Regexp
	stopwords    map[string]struct{}
}

// NewLexicalEmbedder builds the offline fallback embedder used when no
// embedding API is configured.
func NewLexicalEmbedder(dimension int) Embedder {
	if dimension <= 0 {
		dimension = defaultLexicalDimension
	}
	return &lexicalEmbedder{
		dimension:    dimension,
		tokenPattern: regexp.MustCompile(`[\p{L}\p{N}]+(?:['’][\p{L}\p{N}]+)*`),
		stopwords:    defaultStopwords(),
	}
}

func (e *lexicalEmbedder) Dimension() int { return e.dimension }

func (e *lexicalEmbedder) Embed(_ context.Context, inputs []string) ([][]float32, error) {
	vectors := make([][]float32, len(inputs))
	for i, input := range inputs {
		vectors[i] = e.signature(input)
	}
	return vectors, nil
}

func (e *lexicalEmbedder) signature(text string) []float32 {
	vector := make([]float32, e.dimension)
	counts := make(map[uint32]int)
	for _, token := range e.tokenize(text) {
		counts[e.slot(token)]++
	}
	for slot, count := range counts {
		vector[slot] = float32(1 + math.Log(float64(count)))
	}

	var norm float64
	for _, value := range vector {
		norm += float64(value) * float64(value)
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for i := range vector {
			vector[i] *= scale
		}
	}
	return vector
}

func (e *lexicalEmbedder) slot(token string) uint32 {
	hasher := fnv.New32a()
	_, _ = hasher.Write([]byte(token))
	return hasher.Sum32() % uint32(e.dimension)
}

func (e *lexicalEmbedder) tokenize(text string) []string {
	raw := e.tokenPattern.FindAllString(strings.ToLower(text), -1)
	tokens := make([]string, 0, len(raw))
	for _, token := range raw {
		if _, isStop := e.stopwords[token]; isStop {
			continue
		}
		tokens = append(tokens, token)
	}
	return tokens
}

func defaultStopwords() map[string]struct{} {
	words := []string{
		"a", "an", "the", "and", "or", "but", "if", "then", "else", "for", "to",
		"of", "in", "on", "at", "by", "with", "as", "is", "are", "was", "were",
		"be", "been", "being", "it", "this", "that", "these", "those", "from",
		"up", "down", "over", "under", "than", "so", "such", "into", "about",
		"between", "through", "during", "before", "after", "can", "will", "just",
	}
	set := make(map[string]struct{}, len(words))
	for _, word := range words {
		set[word] = struct{}{}
	}
	return set
}
