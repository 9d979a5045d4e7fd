package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"manualai_back/knowledge"
	"manualai_back/llm"
)

const (
	defaultRetrievalTimeout = 5 * time.Second
	defaultMaxSources       = 5

	noAnswerText = "I could not find anything about that in the uploaded manuals. " +
		"Try rephrasing the question or upload the relevant manual."
)

// AnswerStore caches answered questions. *llm.AnswerCache satisfies it; a
// nil store disables caching.
type AnswerStore interface {
	Get(ctx context.Context, query string) *llm.CachedAnswer
	Store(ctx context.Context, query string, cached llm.CachedAnswer)
}

// Module answers questions against the knowledge base.
type Module struct {
	service    *knowledge.Service
	synth      *llm.Synthesizer
	cache      AnswerStore
	timeout    time.Duration
	maxSources int
	upgrader   websocket.Upgrader
}

// NewModule wires the chat endpoints onto an existing knowledge service.
// CHAT_RETRIEVAL_TIMEOUT_MS bounds retrieval per question and
// CHAT_MAX_SOURCES caps how many excerpts feed one answer.
func NewModule(service *knowledge.Service, synth *llm.Synthesizer, cache AnswerStore) *Module {
	if cache == nil {
		cache = (*llm.AnswerCache)(nil)
	}
	timeout := defaultRetrievalTimeout
	if raw := strings.TrimSpace(os.Getenv("CHAT_RETRIEVAL_TIMEOUT_MS")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			timeout = time.Duration(parsed) * time.Millisecond
		}
	}
	maxSources := defaultMaxSources
	if raw := strings.TrimSpace(os.Getenv("CHAT_MAX_SOURCES")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			maxSources = parsed
		}
	}
	return &Module{
		service:    service,
		synth:      synth,
		cache:      cache,
		timeout:    timeout,
		maxSources: maxSources,
		upgrader: websocket.Upgrader{
			HandshakeTimeout: 8 * time.Second,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
	}
}

// RegisterRoutes attaches the chat endpoints.
func (m *Module) RegisterRoutes(r *gin.Engine) {
	r.POST("/chat", m.handleChat)
	r.GET("/chat/ws", m.handleChatSocket)
}

type chatRequest struct {
	Question   string `json:"question"`
	MaxSources int    `json:"max_sources,omitempty"`
}

type chatSource struct {
	DocumentID uint64   `json:"document_id"`
	Filename   string   `json:"filename"`
	Seq        int      `json:"seq"`
	Score      float64  `json:"score"`
	Tags       []string `json:"tags,omitempty"`
	Excerpt    string   `json:"excerpt"`
}

type chatResponse struct {
	Answer            string       `json:"answer"`
	Confidence        float64      `json:"confidence"`
	Sources           []chatSource `json:"sources"`
	Cached            bool         `json:"cached"`
	DocumentsSearched int64        `json:"documents_searched"`
	ChunksAnalyzed    int          `json:"chunks_analyzed"`
	ProcessingTimeMs  int64        `json:"processing_time_ms"`
}

// documentsSearched reports how many manuals the question ran against.
func (m *Module) documentsSearched(ctx context.Context) int64 {
	docs, _, err := m.service.Size(ctx)
	if err != nil {
		return 0
	}
	return docs
}

// retrieve runs the bounded search and converts hits into sources and
// synthesizer passages.
func (m *Module) retrieve(ctx context.Context, question string, maxSources int) ([]chatSource, []llm.Passage, error) {
	searchCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	hits, err := m.service.Search(searchCtx, question, maxSources)
	if err != nil {
		return nil, nil, err
	}

	sources := make([]chatSource, 0, len(hits))
	passages := make([]llm.Passage, 0, len(hits))
	for _, hit := range hits {
		sources = append(sources, chatSource{
			DocumentID: hit.DocumentID,
			Filename:   hit.Filename,
			Seq:        hit.Seq,
			Score:      hit.Score,
			Tags:       hit.Tags,
			Excerpt:    excerpt(hit.Text, 240),
		})
		passages = append(passages, llm.Passage{
			Text:       hit.Text,
			Filename:   hit.Filename,
			Score:      hit.Score,
			Tags:       hit.Tags,
			DocumentID: hit.DocumentID,
			Seq:        hit.Seq,
		})
	}
	return sources, passages, nil
}

func (m *Module) handleChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	question := strings.TrimSpace(req.Question)
	if question == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "question is required"})
		return
	}
	maxSources := m.maxSources
	if req.MaxSources > 0 && req.MaxSources <= 20 {
		maxSources = req.MaxSources
	}

	start := time.Now()

	if cached := m.cache.Get(c.Request.Context(), question); cached != nil {
		sources := sourcesFromFilenames(cached.Sources)
		c.JSON(http.StatusOK, chatResponse{
			Answer:            cached.Answer.Text,
			Confidence:        cached.Answer.Confidence,
			Sources:           sources,
			Cached:            true,
			DocumentsSearched: m.documentsSearched(c.Request.Context()),
			ChunksAnalyzed:    len(sources),
			ProcessingTimeMs:  time.Since(start).Milliseconds(),
		})
		return
	}

	sources, passages, err := m.retrieve(c.Request.Context(), question, maxSources)
	if err != nil {
		log.Printf("chat: retrieval failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "retrieval failed"})
		return
	}

	if len(passages) == 0 {
		c.JSON(http.StatusOK, chatResponse{
			Answer:            noAnswerText,
			Confidence:        0,
			Sources:           []chatSource{},
			DocumentsSearched: m.documentsSearched(c.Request.Context()),
			ProcessingTimeMs:  time.Since(start).Milliseconds(),
		})
		return
	}

	if wantsEventStream(c) {
		m.streamChat(c, question, sources, passages, start)
		return
	}

	answer, err := m.synth.SynthesizeAnswer(c.Request.Context(), question, passages)
	if err != nil {
		if errors.Is(err, llm.ErrDegradedService) {
			c.JSON(http.StatusServiceUnavailable, gin.H{
				"error":   "answer service is temporarily unavailable",
				"sources": sources,
			})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to generate answer"})
		return
	}

	m.cache.Store(c.Request.Context(), question, llm.CachedAnswer{
		Answer:     answer,
		Sources:    filenames(sources),
		AnsweredAt: time.Now().Unix(),
	})

	c.JSON(http.StatusOK, chatResponse{
		Answer:            answer.Text,
		Confidence:        answer.Confidence,
		Sources:           sources,
		DocumentsSearched: m.documentsSearched(c.Request.Context()),
		ChunksAnalyzed:    len(sources),
		ProcessingTimeMs:  time.Since(start).Milliseconds(),
	})
}

// streamChat answers over Server-Sent Events: sources first, then answer
// deltas, then a final summary event.
func (m *Module) streamChat(c *gin.Context, question string, sources []chatSource, passages []llm.Passage, start time.Time) {
	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming unsupported"})
		return
	}

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache, no-transform")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Status(http.StatusOK)
	flusher.Flush()

	if err := streamEvent(c.Writer, flusher, "sources", gin.H{"sources": sources}); err != nil {
		return
	}

	answer, err := m.synth.SynthesizeAnswerStream(c.Request.Context(), question, passages, func(delta string) error {
		return streamEvent(c.Writer, flusher, "delta", gin.H{"text": delta})
	})
	if err != nil {
		_ = streamEvent(c.Writer, flusher, "error", gin.H{"error": "answer service is temporarily unavailable"})
		return
	}

	m.cache.Store(c.Request.Context(), question, llm.CachedAnswer{
		Answer:     answer,
		Sources:    filenames(sources),
		AnsweredAt: time.Now().Unix(),
	})

	_ = streamEvent(c.Writer, flusher, "done", gin.H{
		"answer":             answer.Text,
		"confidence":         answer.Confidence,
		"processing_time_ms": time.Since(start).Milliseconds(),
	})
}

type socketQuestion struct {
	Question   string `json:"question"`
	MaxSources int    `json:"max_sources,omitempty"`
}

type socketEvent struct {
	Type             string       `json:"type"`
	Text             string       `json:"text,omitempty"`
	Answer           string       `json:"answer,omitempty"`
	Confidence       float64      `json:"confidence,omitempty"`
	Sources          []chatSource `json:"sources,omitempty"`
	Error            string       `json:"error,omitempty"`
	ProcessingTimeMs int64        `json:"processing_time_ms,omitempty"`
}

// handleChatSocket answers questions over a websocket. Each incoming JSON
// message is one question; the reply is a sources event, delta events and a
// done event, mirroring the SSE stream.
func (m *Module) handleChatSocket(c *gin.Context) {
	conn, err := m.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("chat: websocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	ctx := c.Request.Context()
	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ce, ok := err.(*websocket.CloseError); ok {
				if ce.Code != websocket.CloseNormalClosure && ce.Code != websocket.CloseGoingAway {
					log.Printf("chat: websocket read failed: %v", err)
				}
			}
			return
		}

		var question socketQuestion
		if err := json.Unmarshal(raw, &question); err != nil {
			if writeErr := conn.WriteJSON(socketEvent{Type: "error", Error: "invalid message"}); writeErr != nil {
				return
			}
			continue
		}
		if err := m.answerOverSocket(ctx, conn, question); err != nil {
			return
		}
	}
}

func (m *Module) answerOverSocket(ctx context.Context, conn *websocket.Conn, req socketQuestion) error {
	question := strings.TrimSpace(req.Question)
	if question == "" {
		return conn.WriteJSON(socketEvent{Type: "error", Error: "question is required"})
	}
	maxSources := m.maxSources
	if req.MaxSources > 0 && req.MaxSources <= 20 {
		maxSources = req.MaxSources
	}

	start := time.Now()

	sources, passages, err := m.retrieve(ctx, question, maxSources)
	if err != nil {
		log.Printf("chat: retrieval failed: %v", err)
		return conn.WriteJSON(socketEvent{Type: "error", Error: "retrieval failed"})
	}
	if err := conn.WriteJSON(socketEvent{Type: "sources", Sources: sources}); err != nil {
		return err
	}

	if len(passages) == 0 {
		return conn.WriteJSON(socketEvent{
			Type:             "done",
			Answer:           noAnswerText,
			Confidence:       0,
			ProcessingTimeMs: time.Since(start).Milliseconds(),
		})
	}

	answer, err := m.synth.SynthesizeAnswerStream(ctx, question, passages, func(delta string) error {
		return conn.WriteJSON(socketEvent{Type: "delta", Text: delta})
	})
	if err != nil {
		if errors.Is(err, llm.ErrDegradedService) {
			return conn.WriteJSON(socketEvent{Type: "error", Error: "answer service is temporarily unavailable"})
		}
		return err
	}

	m.cache.Store(ctx, question, llm.CachedAnswer{
		Answer:     answer,
		Sources:    filenames(sources),
		AnsweredAt: time.Now().Unix(),
	})

	return conn.WriteJSON(socketEvent{
		Type:             "done",
		Answer:           answer.Text,
		Confidence:       answer.Confidence,
		ProcessingTimeMs: time.Since(start).Milliseconds(),
	})
}

// wantsEventStream reports whether the client asked for a streaming reply.
func wantsEventStream(c *gin.Context) bool {
	accept := strings.ToLower(strings.TrimSpace(c.GetHeader("Accept")))
	if strings.Contains(accept, "text/event-stream") {
		return true
	}
	if q := strings.TrimSpace(c.Query("stream")); q != "" {
		return strings.EqualFold(q, "1") || strings.EqualFold(q, "true") || strings.EqualFold(q, "yes")
	}
	return false
}

// streamEvent writes a single Server-Sent Event to the response writer.
func streamEvent(w gin.ResponseWriter, flusher http.Flusher, event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "event: %s\n", event); err != nil {
		return err
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return err
	}
	flusher.Flush()
	return nil
}

func excerpt(text string, limit int) string {
	runes := []rune(strings.TrimSpace(text))
	if len(runes) <= limit {
		return string(runes)
	}
	return string(runes[:limit]) + "…"
}

func filenames(sources []chatSource) []string {
	seen := make(map[string]struct{}, len(sources))
	names := make([]string, 0, len(sources))
	for _, source := range sources {
		if _, ok := seen[source.Filename]; ok {
			continue
		}
		seen[source.Filename] = struct{}{}
		names = append(names, source.Filename)
	}
	return names
}

func sourcesFromFilenames(names []string) []chatSource {
	sources := make([]chatSource, 0, len(names))
	for _, name := range names {
		sources = append(sources, chatSource{Filename: name})
	}
	return sources
}
