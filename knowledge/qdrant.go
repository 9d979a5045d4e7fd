package knowledge

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"
)

const defaultQdrantCollection = "manual_knowledge"

type qdrantPoint struct {
	ID      string                 `json:"id"`
	Vector  []float32              `json:"vector"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

type qdrantClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
	vectorSize int
}

func newQdrantClientFromEnv() (*qdrantClient, error) {
	baseURL := strings.TrimSpace(os.Getenv("QDRANT_URL"))
	if baseURL == "" {
		baseURL = "http://localhost:6333"
	}
	baseURL = strings.TrimRight(baseURL, "/")
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return nil, fmt.Errorf("knowledge: invalid Qdrant URL %q", baseURL)
	}
	if _, err := url.Parse(baseURL); err != nil {
		return nil, fmt.Errorf("knowledge: parse Qdrant URL: %w", err)
	}

	apiKey := strings.TrimSpace(os.Getenv("QDRANT_API_KEY"))

	vectorSize := 0
	if raw := strings.TrimSpace(os.Getenv("QDRANT_VECTOR_DIM")); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			vectorSize = parsed
		}
	}

	return &qdrantClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
		vectorSize: vectorSize,
	}, nil
}

func (c *qdrantClient) do(ctx context.Context, method string, path string, payload interface{}) (*http.Response, error) {
	body := &bytes.Buffer{}
	if payload != nil {
		if err := json.NewEncoder(body).Encode(payload); err != nil {
			return nil, fmt.Errorf("knowledge: encode qdrant payload: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("knowledge: create qdrant request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("api-key", c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("knowledge: qdrant request failed: %w", err)
	}
	if resp.StatusCode >= 400 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		return nil, fmt.Errorf("knowledge: qdrant status %s: %s", resp.Status, strings.TrimSpace(string(snippet)))
	}
	return resp, nil
}

func (c *qdrantClient) EnsureCollection(ctx context.Context, name string, vectorSize int) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}
	size := vectorSize
	if size <= 0 {
		size = c.vectorSize
	}
	if size <= 0 {
		return errors.New("knowledge: vector size must be positive")
	}

	payload := map[string]interface{}{
		"vectors": map[string]interface{}{
			"size":     size,
			"distance": "Cosine",
		},
	}
	resp, err := c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(name), payload)
	if err != nil {
		return fmt.Errorf("knowledge: ensure collection: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *qdrantClient) UpsertPoints(ctx context.Context, collection string, points []qdrantPoint) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}
	if len(points) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": points}
	resp, err := c.do(ctx, http.MethodPut, "/collections/"+url.PathEscape(collection)+"/points", payload)
	if err != nil {
		return fmt.Errorf("knowledge: upsert points: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *qdrantClient) DeletePoints(ctx context.Context, collection string, pointIDs []string) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}
	if len(pointIDs) == 0 {
		return nil
	}
	payload := map[string]interface{}{"points": pointIDs}
	resp, err := c.do(ctx, http.MethodDelete, "/collections/"+url.PathEscape(collection)+"/points", payload)
	if err != nil {
		return fmt.Errorf("knowledge: delete points: %w", err)
	}
	resp.Body.Close()
	return nil
}

// DeleteAllPoints drops every point via an empty match-all filter, keeping
// the collection and its vector configuration in place.
func (c *qdrantClient) DeleteAllPoints(ctx context.Context, collection string) error {
	if c == nil {
		return errors.New("knowledge: qdrant client is not configured")
	}
	payload := map[string]interface{}{
		"filter": map[string]interface{}{"must": []interface{}{}},
	}
	resp, err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/delete", payload)
	if err != nil {
		return fmt.Errorf("knowledge: clear collection: %w", err)
	}
	resp.Body.Close()
	return nil
}

func (c *qdrantClient) Search(ctx context.Context, collection string, vector []float32, limit int) ([]SearchHit, error) {
	if c == nil {
		return nil, errors.New("knowledge: qdrant client is not configured")
	}
	if len(vector) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 5
	}

	payload := map[string]interface{}{
		"vector":       vector,
		"limit":        limit,
		"with_payload": true,
	}
	resp, err := c.do(ctx, http.MethodPost, "/collections/"+url.PathEscape(collection)+"/points/search", payload)
	if err != nil {
		return nil, fmt.Errorf("knowledge: search points: %w", err)
	}
	defer resp.Body.Close()

	var decoded struct {
		Result []struct {
			ID      interface{}            `json:"id"`
			Score   float64                `json:"score"`
			Payload map[string]interface{} `json:"payload"`
		} `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("knowledge: decode search response: %w", err)
	}

	hits := make([]SearchHit, 0, len(decoded.Result))
	for _, item := range decoded.Result {
		hits = append(hits, hitFromPayload(stringifyQdrantID(item.ID), clamp01(item.Score), item.Payload))
	}
	return hits, nil
}

// qdrantIndex adapts the REST client to the VectorIndex interface, writing
// chunk provenance into point payloads so search hits come back
// self-describing.
type qdrantIndex struct {
	client     *qdrantClient
	collection string
}

// NewQdrantIndexFromEnv connects to the Qdrant instance named by QDRANT_URL
// and ensures the target collection exists with the given vector size.
// QDRANT_COLLECTION overrides the default collection name.
func NewQdrantIndexFromEnv(ctx context.Context, vectorSize int) (VectorIndex, error) {
	client, err := newQdrantClientFromEnv()
	if err != nil {
		return nil, err
	}
	collection := strings.TrimSpace(os.Getenv("QDRANT_COLLECTION"))
	if collection == "" {
		collection = defaultQdrantCollection
	}
	if err := client.EnsureCollection(ctx, collection, vectorSize); err != nil {
		return nil, err
	}
	return &qdrantIndex{client: client, collection: collection}, nil
}

func (q *qdrantIndex) Upsert(ctx context.Context, points []IndexPoint) error {
	converted := make([]qdrantPoint, 0, len(points))
	for _, point := range points {
		converted = append(converted, qdrantPoint{
			ID:     point.ID,
			Vector: point.Vector,
			Payload: map[string]interface{}{
				"document_id": point.DocumentID,
				"seq":         point.Seq,
				"text":        point.Text,
				"tags":        point.Tags,
				"filename":    point.Filename,
				"uploaded_at": point.UploadedAt.UTC().Format(time.RFC3339),
			},
		})
	}
	return q.client.UpsertPoints(ctx, q.collection, converted)
}

func (q *qdrantIndex) DeletePoints(ctx context.Context, ids []string) error {
	return q.client.DeletePoints(ctx, q.collection, ids)
}

func (q *qdrantIndex) Clear(ctx context.Context) error {
	return q.client.DeleteAllPoints(ctx, q.collection)
}

func (q *qdrantIndex) Search(ctx context.Context, vector []float32, limit int) ([]SearchHit, error) {
	return q.client.Search(ctx, q.collection, vector, limit)
}

func hitFromPayload(id string, score float64, payload map[string]interface{}) SearchHit {
	hit := SearchHit{ID: id, Score: score}
	if payload == nil {
		return hit
	}
	if raw, ok := payload["document_id"].(float64); ok {
		hit.DocumentID = uint64(raw)
	}
	if raw, ok := payload["seq"].(float64); ok {
		hit.Seq = int(raw)
	}
	if raw, ok := payload["text"].(string); ok {
		hit.Text = raw
	}
	if raw, ok := payload["filename"].(string); ok {
		hit.Filename = raw
	}
	if raw, ok := payload["uploaded_at"].(string); ok {
		if parsed, err := time.Parse(time.RFC3339, raw); err == nil {
			hit.UploadedAt = parsed
		}
	}
	if raw, ok := payload["tags"].([]interface{}); ok {
		for _, item := range raw {
			if tag, ok := item.(string); ok {
				hit.Tags = append(hit.Tags, tag)
			}
		}
	}
	return hit
}

func stringifyQdrantID(id interface{}) string {
	switch v := id.(type) {
	case string:
		return v
	case float64:
		return strconv.FormatInt(int64(v), 10)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case json.Number:
		if n, err := v.Int64(); err == nil {
			return strconv.FormatInt(n, 10)
		}
		return v.String()
	default:
		return fmt.Sprint(v)
	}
}
