package complexity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"golang.org/x/time/rate"
)

type fakeChat struct {
	reply string
	err   error
	block bool
	calls atomic.Int32
}

func (c *fakeChat) Complete(ctx context.Context, systemPrompt, _ string) (string, error) {
	c.calls.Add(1)
	if systemPrompt == "" {
		return "", errors.New("missing system prompt")
	}
	if c.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	return c.reply, c.err
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		reply string
		want  Level
	}{
		{"4", 4},
		{"Level: 5", 5},
		{"I'd say 2, maybe 3", 2},
		{"10", 1},
		{"４", 4},
		{"7", DefaultLevel},
		{"0", DefaultLevel},
		{"", DefaultLevel},
		{"complex", DefaultLevel},
	}
	for _, tt := range tests {
		t.Run(tt.reply, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.reply))
		})
	}
}

func TestLLMDetector_DetectComplexity(t *testing.T) {
	ctx := context.Background()

	t.Run("parses reply", func(t *testing.T) {
		d := NewLLMDetector(LLMDetectorConfig{Client: &fakeChat{reply: " 4\n"}})
		assert.Equal(t, ModeMultiAgent, d.DetectComplexity(ctx, "coordinate a product launch"))
	})

	t.Run("provider error uses default", func(t *testing.T) {
		d := NewLLMDetector(LLMDetectorConfig{Client: &fakeChat{err: errors.New("quota exceeded")}})
		assert.Equal(t, ModeAnalysis, d.DetectComplexity(ctx, "query"))
	})

	t.Run("no client uses default", func(t *testing.T) {
		d := NewLLMDetector(LLMDetectorConfig{})
		assert.Equal(t, ModeAnalysis, d.DetectComplexity(ctx, "query"))
	})

	t.Run("blank text skips provider", func(t *testing.T) {
		chat := &fakeChat{reply: "5"}
		d := NewLLMDetector(LLMDetectorConfig{Client: chat})
		assert.Equal(t, ModeFast, d.DetectComplexity(ctx, " "))
		assert.Equal(t, int32(0), chat.calls.Load())
	})
}

func TestLLMDetector_Timeout(t *testing.T) {
	chat := &fakeChat{block: true}
	d := NewLLMDetector(LLMDetectorConfig{Client: chat, Timeout: 20 * time.Millisecond})

	start := time.Now()
	level := d.DetectLevel(context.Background(), "plan a three-week trip")
	assert.Equal(t, DefaultLevel, level)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, int32(1), chat.calls.Load())
}

func TestLLMDetector_RateLimited(t *testing.T) {
	chat := &fakeChat{reply: "5"}
	// 速率为 0、突发为 1：只允许一次调用
	d := NewLLMDetector(LLMDetectorConfig{Client: chat, Limiter: rate.NewLimiter(0, 1)})

	assert.Equal(t, Level(5), d.DetectLevel(context.Background(), "first"))
	assert.Equal(t, DefaultLevel, d.DetectLevel(context.Background(), "second"))
	assert.Equal(t, int32(1), chat.calls.Load())
}

// stuckChat ignores its context and only returns once released.
type stuckChat struct {
	release chan struct{}
}

func (c *stuckChat) Complete(context.Context, string, string) (string, error) {
	<-c.release
	return "5", nil
}

func TestLLMDetector_TimeoutWithClientIgnoringContext(t *testing.T) {
	chat := &stuckChat{release: make(chan struct{})}
	defer close(chat.release)
	d := NewLLMDetector(LLMDetectorConfig{Client: chat, Timeout: 20 * time.Millisecond})

	start := time.Now()
	assert.Equal(t, ModeAnalysis, d.DetectComplexity(context.Background(), "plan a three-week trip"))
	assert.Less(t, time.Since(start), time.Second)
}
