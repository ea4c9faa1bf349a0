package recommend

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"gasguard/internal/config"
)

func completionServer(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func chatBody(content string) string {
	raw, _ := json.Marshal(map[string]any{
		"id":      "chatcmpl-1",
		"object":  "chat.completion",
		"created": 1,
		"model":   "gpt-4o-mini",
		"choices": []map[string]any{{
			"index":         0,
			"message":       map[string]string{"role": "assistant", "content": content},
			"finish_reason": "stop",
		}},
		"usage": map[string]int{"prompt_tokens": 10, "completion_tokens": 10, "total_tokens": 20},
	})
	return string(raw)
}

func testReasoner(url, key string) *OpenAIReasoner {
	return NewOpenAIReasoner(config.ReasoningConfig{
		APIKey:      key,
		BaseURL:     url,
		Timeout:     time.Second,
		Temperature: 0.7,
		MaxTokens:   1000,
	}, zerolog.Nop())
}

func TestNewOpenAIReasonerWithoutKey(t *testing.T) {
	assert.Nil(t, NewOpenAIReasoner(config.ReasoningConfig{APIKey: "  "}, zerolog.Nop()))
}

func TestProviderDetection(t *testing.T) {
	r := NewOpenAIReasoner(config.ReasoningConfig{APIKey: "gsk_abc"}, zerolog.Nop())
	assert.Equal(t, "groq", r.Provider())
	assert.Equal(t, groqModel, r.Model())

	r = NewOpenAIReasoner(config.ReasoningConfig{APIKey: "sk-abc"}, zerolog.Nop())
	assert.Equal(t, "openai", r.Provider())
	assert.Equal(t, openAIModel, r.Model())

	r = NewOpenAIReasoner(config.ReasoningConfig{APIKey: "gsk_abc", Model: "mixtral"}, zerolog.Nop())
	assert.Equal(t, "mixtral", r.Model())
}

func TestCompleteSendsStructuredRequest(t *testing.T) {
	var seen map[string]any
	srv := completionServer(t, http.StatusOK, chatBody(validReply), &seen)

	out, err := testReasoner(srv.URL, "sk-test").Complete(context.Background(), "sys", "user")
	require.NoError(t, err)
	assert.JSONEq(t, validReply, out)

	assert.Equal(t, "gpt-4o-mini", seen["model"])
	assert.EqualValues(t, 1000, seen["max_tokens"])
	assert.InDelta(t, 0.7, seen["temperature"], 1e-6)
	format, ok := seen["response_format"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "json_object", format["type"])
	msgs, ok := seen["messages"].([]any)
	require.True(t, ok)
	assert.Len(t, msgs, 2)
}

func TestCompleteClassifiesFailures(t *testing.T) {
	errBody := `{"error":{"message":"nope","type":"invalid_request_error","code":"x"}}`
	cases := []struct {
		status int
		kind   ErrorKind
	}{
		{http.StatusUnauthorized, KindAuth},
		{http.StatusTooManyRequests, KindRateLimit},
		{http.StatusInternalServerError, KindStatus},
	}
	for _, tc := range cases {
		srv := completionServer(t, tc.status, errBody, nil)
		_, err := testReasoner(srv.URL, "sk-test").Complete(context.Background(), "sys", "user")

		var re *ReasoningError
		require.ErrorAs(t, err, &re, "status %d", tc.status)
		assert.Equal(t, tc.kind, re.Kind)
		assert.Equal(t, tc.status, re.Status)
	}
}

func TestCompleteEmptyChoice(t *testing.T) {
	srv := completionServer(t, http.StatusOK, chatBody(""), nil)
	_, err := testReasoner(srv.URL, "sk-test").Complete(context.Background(), "sys", "user")

	var re *ReasoningError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindMalformed, re.Kind)
}

func TestCompleteNetworkFailure(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := testReasoner(url, "sk-test").Complete(context.Background(), "sys", "user")
	var re *ReasoningError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, KindNetwork, re.Kind)
}

func TestClassifyContextDeadline(t *testing.T) {
	re := classify(context.DeadlineExceeded)
	assert.Equal(t, KindNetwork, re.Kind)

	wrapped := &ReasoningError{Kind: KindInvalid, Err: ErrInvalidResult}
	assert.Same(t, wrapped, classify(wrapped))
	assert.True(t, errors.Is(wrapped, ErrInvalidResult))
}
