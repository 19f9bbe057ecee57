package complexity

import (
	"context"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"
	"unicode"

	"golang.org/x/time/rate"

	"github.com/hrygo/keyroute/ai/internal/strutil"
)

// ChatClient sends one short chat exchange and returns the raw reply.
// The detector stops waiting at its timeout even if Complete keeps running.
type ChatClient interface {
	Complete(ctx context.Context, systemPrompt, userContent string) (string, error)
}

const complexityPrompt = `You rate how complex a user request is to fulfil.
Answer with a single digit from 1 to 5 and nothing else:
1 = simple lookup or greeting
2 = single-step question
3 = multi-step question or light analysis
4 = requires several tools or agents working together
5 = open-ended deep reasoning or planning`

var levelDigit = regexp.MustCompile(`[1-5]`)

// LLMDetectorConfig configures the LLM detector.
type LLMDetectorConfig struct {
	Client  ChatClient
	Timeout time.Duration // Per-call bound, default 3s
	Limiter *rate.Limiter // Optional; calls without an immediate token are skipped
}

// LLMDetector asks a chat model to rate complexity with a single digit.
type LLMDetector struct {
	client  ChatClient
	timeout time.Duration
	limiter *rate.Limiter
}

// NewLLMDetector creates an LLM detector.
func NewLLMDetector(cfg LLMDetectorConfig) *LLMDetector {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	return &LLMDetector{client: cfg.Client, timeout: timeout, limiter: cfg.Limiter}
}

// DetectComplexity returns the mode for text. Provider errors, timeouts,
// throttling and unparseable replies all yield the default level.
func (d *LLMDetector) DetectComplexity(ctx context.Context, text string) ProcessingMode {
	return d.DetectLevel(ctx, text).Mode()
}

// DetectLevel returns the level for text.
func (d *LLMDetector) DetectLevel(ctx context.Context, text string) Level {
	if strutil.IsBlank(text) {
		return 1
	}
	if d.client == nil {
		return DefaultLevel
	}
	if d.limiter != nil && !d.limiter.Allow() {
		slog.Debug("llm complexity detection throttled", "input", strutil.Truncate(text, 50))
		return DefaultLevel
	}

	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	start := time.Now()
	reply, err := d.complete(ctx, text)
	if err != nil {
		slog.Warn("llm complexity detection failed",
			"error", err,
			"latency_ms", time.Since(start).Milliseconds(),
		)
		return DefaultLevel
	}
	level := ParseLevel(reply)
	slog.Debug("llm complexity detected",
		"input", strutil.Truncate(text, 50),
		"level", int(level),
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return level
}

type completion struct {
	reply string
	err   error
}

// complete returns when the client replies or ctx ends, whichever comes first.
// A client that ignores ctx is left to finish in the background.
func (d *LLMDetector) complete(ctx context.Context, text string) (string, error) {
	done := make(chan completion, 1)
	go func() {
		reply, err := d.client.Complete(ctx, complexityPrompt, text)
		done <- completion{reply: reply, err: err}
	}()
	select {
	case c := <-done:
		return c.reply, c.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// ParseLevel extracts a level from a model reply: the first digit 1-5, else
// the reply with non-digits stripped if that is a valid level, else DefaultLevel.
func ParseLevel(reply string) Level {
	if m := levelDigit.FindString(reply); m != "" {
		return Level(m[0] - '0')
	}
	digits := strings.Map(func(r rune) rune {
		switch {
		case r >= '０' && r <= '９':
			return '0' + (r - '０')
		case unicode.IsDigit(r):
			return r
		}
		return -1
	}, reply)
	if n, err := strconv.Atoi(digits); err == nil && n >= 1 && n <= NumLevels {
		return Level(n)
	}
	return DefaultLevel
}
