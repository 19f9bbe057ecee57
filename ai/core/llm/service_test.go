package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/keyroute/ai/complexity"
)

func TestNewService(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr bool
	}{
		{"deepseek defaults", &Config{Provider: "deepseek", APIKey: "k"}, false},
		{"siliconflow defaults", &Config{Provider: "siliconflow", APIKey: "k"}, false},
		{"openai with base url", &Config{Provider: "openai", APIKey: "k", BaseURL: "https://api.openai.com/v1"}, false},
		{"unknown provider with base url", &Config{Provider: "custom", BaseURL: "https://llm.internal/v1"}, false},
		{"unknown provider without base url", &Config{Provider: "unsupported"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, err := NewService(tt.cfg)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.NotNil(t, svc)
		})
	}
}

func TestService_Complete(t *testing.T) {
	var got struct {
		Model       string  `json:"model"`
		MaxTokens   int     `json:"max_tokens"`
		Temperature float32 `json:"temperature"`
		Messages    []struct {
			Role    string `json:"role"`
			Content string `json:"content"`
		} `json:"messages"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"4"},"finish_reason":"stop"}],"usage":{"prompt_tokens":30,"completion_tokens":1,"total_tokens":31}}`))
	}))
	defer srv.Close()

	svc, err := NewService(&Config{Provider: "openai", Model: "gpt-4o-mini", APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	reply, err := svc.Complete(context.Background(), "rate complexity", "plan a trip")
	require.NoError(t, err)
	assert.Equal(t, "4", reply)

	assert.Equal(t, "gpt-4o-mini", got.Model)
	assert.Equal(t, 8, got.MaxTokens)
	assert.InDelta(t, 0.1, got.Temperature, 1e-6)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "user", got.Messages[1].Role)
	assert.Equal(t, "plan a trip", got.Messages[1].Content)
}

// 检测器经由 Service 发出的请求必须携带低温度参数。
func TestLLMDetector_RequestUsesLowTemperature(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"1","object":"chat.completion","choices":[{"index":0,"message":{"role":"assistant","content":"5"},"finish_reason":"stop"}]}`))
	}))
	defer srv.Close()

	svc, err := NewService(&Config{Provider: "deepseek", Model: "deepseek-chat", APIKey: "k", BaseURL: srv.URL})
	require.NoError(t, err)

	detector := complexity.NewLLMDetector(complexity.LLMDetectorConfig{Client: svc})
	assert.Equal(t, complexity.ModeDeepReasoning, detector.DetectComplexity(context.Background(), "设计一个分布式系统"))

	temperature, ok := body["temperature"]
	require.True(t, ok, "temperature missing from request body")
	assert.InDelta(t, 0.1, temperature, 1e-6)
	require.Len(t, body["messages"], 2)
}

func TestService_ExplicitTemperature(t *testing.T) {
	svc, err := NewService(&Config{Provider: "openai", APIKey: "k", Temperature: 0.3})
	require.NoError(t, err)
	assert.InDelta(t, 0.3, svc.(*service).temperature, 1e-6)

	svc, err = NewService(&Config{Provider: "openai", APIKey: "k"})
	require.NoError(t, err)
	assert.InDelta(t, 0.1, svc.(*service).temperature, 1e-6)
}

func TestService_ChatTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	svc, err := NewService(&Config{Provider: "openai", APIKey: "k", BaseURL: srv.URL, Timeout: 1})
	require.NoError(t, err)

	start := time.Now()
	_, _, err = svc.Chat(context.Background(), []Message{UserMessage("hi")})
	assert.Error(t, err)
	assert.Less(t, time.Since(start), 3*time.Second)
}

func TestFormatMessages(t *testing.T) {
	history := []Message{{Role: "assistant", Content: "hello"}}
	msgs := FormatMessages("sys", "question", history)
	require.Len(t, msgs, 3)
	assert.Equal(t, SystemPrompt("sys"), msgs[0])
	assert.Equal(t, history[0], msgs[1])
	assert.Equal(t, UserMessage("question"), msgs[2])

	assert.Len(t, FormatMessages("", "question", nil), 1)
}

func TestConvertMessages(t *testing.T) {
	out := convertMessages([]Message{
		{Role: "system", Content: "a"},
		{Role: "assistant", Content: "b"},
		{Role: "tool", Content: "c"},
	})
	assert.Equal(t, "system", out[0].Role)
	assert.Equal(t, "assistant", out[1].Role)
	assert.Equal(t, "user", out[2].Role)
}
