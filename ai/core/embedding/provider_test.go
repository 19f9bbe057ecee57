package embedding

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// embeddingServer answers /embeddings with vector, failing the first
// failures requests with status.
func embeddingServer(t *testing.T, vector []float32, failures int32, status int) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := calls.Add(1)
		assert.Equal(t, "/embeddings", r.URL.Path)
		if n <= failures {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"error":{"message":"upstream busy","type":"server_error"}}`))
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"object": "list",
			"model":  "test-embedding",
			"data": []map[string]any{
				{"object": "embedding", "index": 0, "embedding": vector},
			},
		})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestNewProvider_Defaults(t *testing.T) {
	p, err := NewProvider(nil)
	require.NoError(t, err)
	assert.Equal(t, 1024, p.Dimension())
	assert.Equal(t, 3, p.config.MaxRetries)
	assert.Equal(t, 30*time.Second, p.config.Timeout)
	assert.Equal(t, "BAAI/bge-m3", p.config.Model)

	p, err = NewProvider(&Config{BaseURL: "https://api.test.com", APIKey: "k", Dimension: 8})
	require.NoError(t, err)
	assert.Equal(t, 8, p.Dimension())
	assert.Equal(t, "https://api.test.com", p.config.BaseURL)
	assert.Nil(t, p.cache, "cache is off unless sized")
}

func TestProvider_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     *Config
		wantErr string
	}{
		{"missing api key", &Config{BaseURL: "https://api.test.com"}, "API key is required"},
		{"local endpoint needs no key", &Config{BaseURL: "http://localhost:11434/v1"}, ""},
		{"configured", &Config{BaseURL: "https://api.test.com", APIKey: "k"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := NewProvider(tt.cfg)
			require.NoError(t, err)
			err = p.Validate(context.Background())
			if tt.wantErr == "" {
				assert.NoError(t, err)
				assert.True(t, p.IsAvailable())
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
			assert.False(t, p.IsAvailable())
		})
	}
}

func TestProvider_Encode(t *testing.T) {
	srv, calls := embeddingServer(t, []float32{0.1, 0.2, 0.3}, 0, 0)
	p, err := NewProvider(&Config{BaseURL: srv.URL, APIKey: "k", Dimension: 3, CacheSize: 10})
	require.NoError(t, err)

	v, err := p.Encode(context.Background(), "今天天气怎么样")
	require.NoError(t, err)
	assert.Equal(t, []float32{0.1, 0.2, 0.3}, v)

	// 命中缓存不再请求
	v[0] = 9
	again, err := p.Encode(context.Background(), "今天天气怎么样")
	require.NoError(t, err)
	assert.Equal(t, float32(0.1), again[0])
	assert.Equal(t, int32(1), calls.Load())
}

func TestProvider_EncodeRetriesServerErrors(t *testing.T) {
	srv, calls := embeddingServer(t, []float32{1, 0}, 2, http.StatusServiceUnavailable)
	p, err := NewProvider(&Config{BaseURL: srv.URL, APIKey: "k", Dimension: 2})
	require.NoError(t, err)

	v, err := p.Encode(context.Background(), "q")
	require.NoError(t, err)
	assert.Equal(t, []float32{1, 0}, v)
	assert.Equal(t, int32(3), calls.Load())
	assert.True(t, p.IsAvailable())
}

func TestProvider_EncodeClientErrorCoolsDown(t *testing.T) {
	srv, calls := embeddingServer(t, []float32{1, 0}, 100, http.StatusBadRequest)
	p, err := NewProvider(&Config{BaseURL: srv.URL, APIKey: "k", Dimension: 2, Cooldown: time.Hour})
	require.NoError(t, err)

	_, err = p.Encode(context.Background(), "q")
	require.Error(t, err)
	assert.Equal(t, int32(1), calls.Load(), "4xx is not retried")
	assert.False(t, p.IsAvailable())
}

func TestProvider_EncodeDimensionMismatch(t *testing.T) {
	srv, _ := embeddingServer(t, []float32{1, 0, 0}, 0, 0)
	p, err := NewProvider(&Config{BaseURL: srv.URL, APIKey: "k", Dimension: 2})
	require.NoError(t, err)

	_, err = p.Encode(context.Background(), "q")
	assert.ErrorContains(t, err, "dimension 3")
}

func TestNewProviderFromEnv(t *testing.T) {
	t.Setenv("KEYROUTE_EMBEDDING_BASE_URL", "https://embed.example.com/v1")
	t.Setenv("KEYROUTE_EMBEDDING_API_KEY", "secret")
	t.Setenv("KEYROUTE_EMBEDDING_MODEL", "text-embedding-3-small")
	t.Setenv("KEYROUTE_EMBEDDING_DIMENSION", "768")

	p, err := NewProviderFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "https://embed.example.com/v1", p.config.BaseURL)
	assert.Equal(t, "text-embedding-3-small", p.config.Model)
	assert.Equal(t, 768, p.Dimension())
	assert.NoError(t, p.Validate(context.Background()))
}

func TestGetEnv(t *testing.T) {
	assert.Equal(t, "fallback", getEnv("KEYROUTE_NON_EXISTENT_12345", "fallback"))
}

func TestVectorCache(t *testing.T) {
	c := newVectorCache(2, time.Minute)
	now := time.Now()
	c.now = func() time.Time { return now }

	c.set("a", []float32{1})
	c.set("b", []float32{2})
	_, _ = c.get("a")
	c.set("c", []float32{3})

	_, ok := c.get("b")
	assert.False(t, ok, "least recently used entry is evicted")
	_, ok = c.get("a")
	assert.True(t, ok)
	assert.Equal(t, 2, c.len())

	now = now.Add(2 * time.Minute)
	_, ok = c.get("a")
	assert.False(t, ok, "expired entry is dropped")
	assert.Equal(t, 1, c.len())
}
