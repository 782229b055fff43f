package llm

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/chronograph-engine/internal/fault"
	"github.com/chronograph-engine/internal/jsonx"
)

type entityReply struct {
	Entities []string `json:"entities" validate:"required"`
}

func openAIReply(t *testing.T, content string) []byte {
	t.Helper()
	b, err := jsonx.Marshal(map[string]interface{}{
		"choices": []map[string]interface{}{
			{"message": map[string]string{"content": content}},
		},
	})
	require.NoError(t, err)
	return b
}

type chatRequest struct {
	Model    string        `json:"model"`
	Messages []chatMessage `json:"messages"`
}

func decodeChatRequest(t *testing.T, r *http.Request) chatRequest {
	t.Helper()
	body, err := io.ReadAll(r.Body)
	require.NoError(t, err)
	var req chatRequest
	require.NoError(t, jsonx.Unmarshal(body, &req))
	return req
}

func newTestService(t *testing.T, srvURL string) *Service {
	return NewService(Config{
		BaseURL:          srvURL,
		SmallModel:       "small-model",
		LargeModel:       "large-model",
		MaxRetries:       3,
		SchemaRetries:    2,
		MaxConcurrent:    2,
		DefaultMaxTokens: 128,
	}, zaptest.NewLogger(t))
}

func TestCompleteJSONDecodesTypedReply(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeChatRequest(t, r)
		assert.Equal(t, "large-model", req.Model)
		require.Len(t, req.Messages, 2)
		assert.Equal(t, "system", req.Messages[0].Role)
		w.Write(openAIReply(t, `{"entities":["alice","bob"]}`))
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	var out entityReply
	err := svc.CompleteJSON(context.Background(), Request{
		System: "extract entities",
		User:   "alice met bob",
		Tier:   TierLarge,
	}, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob"}, out.Entities)
}

func TestCompleteJSONStripsCodeFence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(openAIReply(t, "```json\n{\"entities\":[\"alice\"]}\n```"))
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	var out entityReply
	err := svc.CompleteJSON(context.Background(), Request{Tier: TierSmall}, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, out.Entities)
}

func TestCompleteJSONRepromptsOnSchemaFailure(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		req := decodeChatRequest(t, r)
		if calls.Add(1) == 1 {
			w.Write(openAIReply(t, `{"wrong":"shape"}`))
			return
		}
		// The retry carries the bad reply plus a correction prompt.
		require.Len(t, req.Messages, 4)
		assert.Equal(t, "assistant", req.Messages[2].Role)
		assert.Contains(t, req.Messages[3].Content, "did not match the required JSON schema")
		w.Write(openAIReply(t, `{"entities":["alice"]}`))
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	var out entityReply
	err := svc.CompleteJSON(context.Background(), Request{Tier: TierSmall}, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, out.Entities)
	assert.Equal(t, int32(2), calls.Load())
}

func TestCompleteJSONSchemaExhaustion(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(openAIReply(t, `not json at all`))
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	var out entityReply
	err := svc.CompleteJSON(context.Background(), Request{Tier: TierSmall}, &out)
	require.Error(t, err)
	assert.Equal(t, fault.KindSchema, fault.KindOf(err))
}

func TestCompleteJSONPermanentOn4xx(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		http.Error(w, `{"error":"model not found"}`, http.StatusNotFound)
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	var out entityReply
	err := svc.CompleteJSON(context.Background(), Request{Tier: TierSmall}, &out)
	require.Error(t, err)
	assert.Equal(t, fault.KindPermanent, fault.KindOf(err))
	assert.Equal(t, int32(1), calls.Load(), "4xx must not be retried")
}

func TestCompleteJSONRetriesOn5xx(t *testing.T) {
	var failures atomic.Int32
	failures.Store(2)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if failures.Add(-1) >= 0 {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
			return
		}
		w.Write(openAIReply(t, `{"entities":["alice"]}`))
	}))
	defer srv.Close()

	svc := newTestService(t, srv.URL)
	var out entityReply
	err := svc.CompleteJSON(context.Background(), Request{Tier: TierSmall}, &out)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice"}, out.Entities)
}

func TestExtractContentFormats(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"openai", `{"choices":[{"message":{"content":"hi"}}]}`, "hi"},
		{"ollama", `{"message":{"content":"hi"}}`, "hi"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var result map[string]interface{}
			require.NoError(t, jsonx.Unmarshal([]byte(tc.body), &result))
			got, err := extractContent(result)
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	var empty map[string]interface{}
	require.NoError(t, jsonx.Unmarshal([]byte(`{"usage":{}}`), &empty))
	_, err := extractContent(empty)
	require.Error(t, err)
}

func TestStripCodeFence(t *testing.T) {
	cases := []struct {
		in   string
		want string
	}{
		{`{"a":1}`, `{"a":1}`},
		{"```json\n{\"a\":1}\n```", `{"a":1}`},
		{"```\n{\"a\":1}\n```", `{"a":1}`},
		{"  ```json\n{\"a\":1}\n```  ", `{"a":1}`},
		{"```{}", "{}"},
	}
	for _, tc := range cases {
		if got := StripCodeFence(tc.in); got != tc.want {
			t.Errorf("StripCodeFence(%q): expected %q, got %q", tc.in, tc.want, got)
		}
	}
}

func TestModelSelection(t *testing.T) {
	svc := newTestService(t, "http://unused")
	if got := svc.model(TierSmall); got != "small-model" {
		t.Errorf("Expected small-model, got %s", got)
	}
	if got := svc.model(TierLarge); got != "large-model" {
		t.Errorf("Expected large-model, got %s", got)
	}
}
