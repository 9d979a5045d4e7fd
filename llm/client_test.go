package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestChatClient(t *testing.T, baseURL string) *ChatClient {
	t.Helper()
	t.Setenv("LLM_API_KEY", "test-key")
	t.Setenv("LLM_BASE_URL", baseURL)
	t.Setenv("LLM_MODEL_ID", "test-model")

	client, err := NewChatClientFromEnv()
	require.NoError(t, err)
	return client
}

func completionJSON(content string) string {
	payload := chatCompletionResponse{}
	payload.Choices = make([]struct {
		Message ChatMessage `json:"message"`
	}, 1)
	payload.Choices[0].Message = ChatMessage{Role: "assistant", Content: content}
	data, _ := json.Marshal(payload)
	return string(data)
}

func TestNewChatClientFromEnvRequiresKey(t *testing.T) {
	t.Setenv("LLM_API_KEY", "")

	_, err := NewChatClientFromEnv()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "LLM_API_KEY")
}

func TestNewChatClientFromEnvRejectsBadBaseURL(t *testing.T) {
	t.Setenv("LLM_API_KEY", "k")
	t.Setenv("LLM_BASE_URL", "ftp://nope")

	_, err := NewChatClientFromEnv()
	require.Error(t, err)
}

func TestChatSendsAuthAndModel(t *testing.T) {
	var gotAuth string
	var gotReq chatCompletionRequest

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionJSON("Check the coolant level first."))
	}))
	defer server.Close()

	client := newTestChatClient(t, server.URL)
	reply, err := client.Chat(context.Background(), []ChatMessage{
		{Role: "user", Content: "Why is the spindle overheating?"},
	})
	require.NoError(t, err)

	assert.Equal(t, "Check the coolant level first.", reply)
	assert.Equal(t, "Bearer test-key", gotAuth)
	assert.Equal(t, "test-model", gotReq.Model)
	assert.False(t, gotReq.Stream)
	require.Len(t, gotReq.Messages, 1)
}

func TestChatDropsEmptyMessages(t *testing.T) {
	client := newTestChatClient(t, "http://127.0.0.1:1")

	_, err := client.Chat(context.Background(), []ChatMessage{{Role: "user", Content: "   "}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no content")
}

func TestChatNon200ReturnsSnippet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error": "rate limited"}`, http.StatusTooManyRequests)
	}))
	defer server.Close()

	client := newTestChatClient(t, server.URL)
	_, err := client.Chat(context.Background(), []ChatMessage{{Content: "q"}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rate limited")
}

func TestChatStreamSSE(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"Torque \"}}]}\n\n")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"is 95 Nm.\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestChatClient(t, server.URL)

	var deltas []string
	full, err := client.ChatStream(context.Background(), []ChatMessage{{Content: "q"}}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "Torque is 95 Nm.", full)
	assert.Equal(t, []string{"Torque ", "is 95 Nm."}, deltas)
}

func TestChatStreamFallsBackToJSON(t *testing.T) {
	// Providers that ignore the stream flag answer with a plain completion.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, completionJSON("full answer"))
	}))
	defer server.Close()

	client := newTestChatClient(t, server.URL)

	var deltas []string
	full, err := client.ChatStream(context.Background(), []ChatMessage{{Content: "q"}}, func(delta string) error {
		deltas = append(deltas, delta)
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, "full answer", full)
	assert.Equal(t, []string{"full answer"}, deltas)
}

func TestChatStreamHandlerErrorAborts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"choices\":[{\"delta\":{\"content\":\"x\"}}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer server.Close()

	client := newTestChatClient(t, server.URL)
	_, err := client.ChatStream(context.Background(), []ChatMessage{{Content: "q"}}, func(string) error {
		return context.Canceled
	})
	require.ErrorIs(t, err, context.Canceled)
}
