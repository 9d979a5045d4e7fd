package llm

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ErrDegradedService marks answer-generation failures caused by the upstream
// model being unreachable or misbehaving. Retrieval still works when this is
// returned; only synthesis is degraded.
var ErrDegradedService = errors.New("llm: answer service degraded")

const (
	defaultMaxContextChars = 6000

	synthesisSystemPrompt = "You are a technical assistant for industrial machine manuals. " +
		"Answer the question using only the provided manual excerpts. " +
		"Cite the source filename when you state a fact. " +
		"If the excerpts do not contain the answer, say so plainly instead of guessing."
)

// Passage is one retrieved manual excerpt handed to the synthesizer.
type Passage struct {
	Text       string   `json:"text"`
	Filename   string   `json:"filename"`
	Score      float64  `json:"score"`
	Tags       []string `json:"tags,omitempty"`
	DocumentID uint64   `json:"document_id"`
	Seq        int      `json:"seq"`
}

// Answer is a synthesized reply plus the confidence derived from its
// retrieval evidence.
type Answer struct {
	Text       string  `json:"text"`
	Confidence float64 `json:"confidence"`
}

// Synthesizer turns a question and retrieved passages into an answer via the
// chat completions API.
type Synthesizer struct {
	client          *ChatClient
	maxContextChars int
}

// NewSynthesizerFromEnv builds a synthesizer on the environment-configured
// chat client. LLM_MAX_CONTEXT_CHARS bounds how much excerpt text goes into
// one prompt.
func NewSynthesizerFromEnv() (*Synthesizer, error) {
	client, err := NewChatClientFromEnv()
	if err != nil {
		return nil, err
	}
	maxContext := defaultMaxContextChars
	if raw := strings.TrimSpace(os.Getenv("LLM_MAX_CONTEXT_CHARS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxContext = parsed
		}
	}
	return &Synthesizer{client: client, maxContextChars: maxContext}, nil
}

// NewSynthesizer wraps an existing client. Used by tests.
func NewSynthesizer(client *ChatClient, maxContextChars int) *Synthesizer {
	if maxContextChars <= 0 {
		maxContextChars = defaultMaxContextChars
	}
	return &Synthesizer{client: client, maxContextChars: maxContextChars}
}

// SynthesizeAnswer generates an answer grounded in the passages. Upstream
// failures are wrapped in ErrDegradedService so callers can distinguish "the
// model is down" from "nothing relevant was found".
func (s *Synthesizer) SynthesizeAnswer(ctx context.Context, query string, passages []Passage) (Answer, error) {
	messages, err := s.buildMessages(query, passages)
	if err != nil {
		return Answer{}, err
	}
	text, err := s.client.Chat(ctx, messages)
	if err != nil {
		return Answer{}, fmt.Errorf("%w: %v", ErrDegradedService, err)
	}
	return Answer{Text: text, Confidence: Confidence(query, passages)}, nil
}

// SynthesizeAnswerStream is the streaming variant; handler receives each
// content delta as it arrives.
func (s *Synthesizer) SynthesizeAnswerStream(ctx context.Context, query string, passages []Passage, handler func(delta string) error) (Answer, error) {
	messages, err := s.buildMessages(query, passages)
	if err != nil {
		return Answer{}, err
	}
	text, err := s.client.ChatStream(ctx, messages, handler)
	if err != nil {
		// A handler error is the caller's own abort, not provider trouble.
		if errors.Is(err, context.Canceled) {
			return Answer{}, err
		}
		return Answer{}, fmt.Errorf("%w: %v", ErrDegradedService, err)
	}
	return Answer{Text: text, Confidence: Confidence(query, passages)}, nil
}

func (s *Synthesizer) buildMessages(query string, passages []Passage) ([]ChatMessage, error) {
	trimmed := strings.TrimSpace(query)
	if trimmed == "" {
		return nil, errors.New("llm: query cannot be empty")
	}

	var builder strings.Builder
	builder.WriteString("Manual excerpts:\n\n")
	used := 0
	for i, passage := range passages {
		entry := fmt.Sprintf("[%d] (source: %s)\n%s\n\n", i+1, passage.Filename, strings.TrimSpace(passage.Text))
		if used+len(entry) > s.maxContextChars && used > 0 {
			break
		}
		builder.WriteString(entry)
		used += len(entry)
	}
	builder.WriteString("Question: ")
	builder.WriteString(trimmed)

	return []ChatMessage{
		{Role: "system", Content: synthesisSystemPrompt},
		{Role: "user", Content: builder.String()},
	}, nil
}

// Confidence scores how well the retrieval evidence supports an answer: the
// best passage score, plus 0.1 per distinct source document up to 0.3, plus
// 0.1 when the query is an actual question, capped at 0.95.
func Confidence(query string, passages []Passage) float64 {
	if len(passages) == 0 {
		return 0
	}

	confidence := passages[0].Score
	for _, passage := range passages[1:] {
		if passage.Score > confidence {
			confidence = passage.Score
		}
	}

	docs := make(map[uint64]struct{}, len(passages))
	for _, passage := range passages {
		docs[passage.DocumentID] = struct{}{}
	}
	diversity := 0.1 * float64(len(docs))
	if diversity > 0.3 {
		diversity = 0.3
	}
	confidence += diversity

	lower := strings.ToLower(query)
	if strings.Contains(lower, "?") || hasQuestionWord(lower) {
		confidence += 0.1
	}

	if confidence > 0.95 {
		confidence = 0.95
	}
	if confidence < 0 {
		confidence = 0
	}
	return confidence
}

func hasQuestionWord(lower string) bool {
	for _, word := range []string{"what", "how", "why", "when", "where", "which", "who"} {
		if strings.HasPrefix(lower, word+" ") {
			return true
		}
	}
	return false
}
