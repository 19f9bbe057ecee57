// Package embedding provides an OpenAI-compatible embedding provider for
// query classification.
package embedding

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sashabaranov/go-openai"
)

// Config configures the embedding provider.
type Config struct {
	BaseURL    string
	APIKey     string
	Model      string
	Dimension  int
	MaxRetries int
	Timeout    time.Duration
	CacheSize  int           // 0 disables the vector cache
	CacheTTL   time.Duration // Default 10m
	Cooldown   time.Duration // Unavailable window after a failed call, default 30s
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:    "https://api.siliconflow.cn/v1",
		Model:      "BAAI/bge-m3",
		Dimension:  1024,
		MaxRetries: 3,
		Timeout:    30 * time.Second,
		CacheSize:  1000,
		CacheTTL:   10 * time.Minute,
		Cooldown:   30 * time.Second,
	}
}

// Provider encodes text through an OpenAI-compatible embeddings endpoint.
type Provider struct {
	client *openai.Client
	config *Config
	cache  *vectorCache

	// unavailableUntil is a unix-nano deadline set after a failed call.
	unavailableUntil atomic.Int64
}

// NewProvider creates a provider. Zero-valued fields are filled from
// DefaultConfig; a nil config means all defaults.
func NewProvider(cfg *Config) (*Provider, error) {
	defaults := DefaultConfig()
	if cfg == nil {
		cfg = defaults
	}
	c := *cfg
	if c.BaseURL == "" {
		c.BaseURL = defaults.BaseURL
	}
	if c.Model == "" {
		c.Model = defaults.Model
	}
	if c.Dimension <= 0 {
		c.Dimension = defaults.Dimension
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = defaults.MaxRetries
	}
	if c.Timeout <= 0 {
		c.Timeout = defaults.Timeout
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = defaults.CacheTTL
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaults.Cooldown
	}

	clientConfig := openai.DefaultConfig(c.APIKey)
	clientConfig.BaseURL = strings.TrimRight(c.BaseURL, "/")
	clientConfig.HTTPClient = &http.Client{Timeout: c.Timeout}

	p := &Provider{
		client: openai.NewClientWithConfig(clientConfig),
		config: &c,
	}
	if c.CacheSize > 0 {
		p.cache = newVectorCache(c.CacheSize, c.CacheTTL)
	}
	return p, nil
}

// NewProviderFromEnv creates a provider from KEYROUTE_EMBEDDING_* variables.
func NewProviderFromEnv() (*Provider, error) {
	defaults := DefaultConfig()
	dimension, _ := strconv.Atoi(getEnv("KEYROUTE_EMBEDDING_DIMENSION", strconv.Itoa(defaults.Dimension)))
	return NewProvider(&Config{
		BaseURL:   getEnv("KEYROUTE_EMBEDDING_BASE_URL", defaults.BaseURL),
		APIKey:    getEnv("KEYROUTE_EMBEDDING_API_KEY", ""),
		Model:     getEnv("KEYROUTE_EMBEDDING_MODEL", defaults.Model),
		Dimension: dimension,
		CacheSize: defaults.CacheSize,
	})
}

// Validate checks that the provider is usable.
func (p *Provider) Validate(_ context.Context) error {
	if p.config.APIKey == "" && !isLocalEndpoint(p.config.BaseURL) {
		return errors.New("API key is required")
	}
	if p.config.Model == "" {
		return errors.New("embedding model is required")
	}
	return nil
}

// Dimension returns the configured vector dimension.
func (p *Provider) Dimension() int {
	return p.config.Dimension
}

// IsAvailable reports whether the provider is configured and not cooling
// down after a failure.
func (p *Provider) IsAvailable() bool {
	if p.Validate(context.Background()) != nil {
		return false
	}
	return time.Now().UnixNano() >= p.unavailableUntil.Load()
}

// Encode returns the embedding of text.
func (p *Provider) Encode(ctx context.Context, text string) ([]float32, error) {
	if p.cache != nil {
		if v, ok := p.cache.get(text); ok {
			return v, nil
		}
	}

	start := time.Now()
	var vector []float32
	err := retry.Do(
		func() error {
			resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
				Input:      []string{text},
				Model:      openai.EmbeddingModel(p.config.Model),
				Dimensions: p.config.Dimension,
			})
			if err != nil {
				return err
			}
			if len(resp.Data) == 0 {
				return retry.Unrecoverable(errors.New("empty embedding response"))
			}
			vector = resp.Data[0].Embedding
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(p.config.MaxRetries)),
		retry.Delay(100*time.Millisecond),
		retry.RetryIf(isRetryable),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		p.unavailableUntil.Store(time.Now().Add(p.config.Cooldown).UnixNano())
		slog.Warn("embedding request failed",
			"model", p.config.Model,
			"error", err,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return nil, fmt.Errorf("create embedding: %w", err)
	}
	if len(vector) != p.config.Dimension {
		return nil, fmt.Errorf("embedding has dimension %d, want %d", len(vector), p.config.Dimension)
	}

	if p.cache != nil {
		p.cache.set(text, vector)
	}
	slog.Debug("embedding created",
		"model", p.config.Model,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return vector, nil
}

// isRetryable retries transport errors, 429 and 5xx responses.
func isRetryable(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return apiErr.HTTPStatusCode == http.StatusTooManyRequests || apiErr.HTTPStatusCode >= 500
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return reqErr.HTTPStatusCode == http.StatusTooManyRequests || reqErr.HTTPStatusCode >= 500
	}
	return true
}

func isLocalEndpoint(baseURL string) bool {
	return strings.Contains(baseURL, "localhost") || strings.Contains(baseURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
