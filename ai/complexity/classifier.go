package complexity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/hrygo/keyroute/ai/internal/strutil"
)

var (
	// ErrProviderUnavailable is returned when the embedding provider cannot serve.
	ErrProviderUnavailable = errors.New("embedding provider unavailable")
	// ErrDimensionMismatch is returned when an embedding does not fit the model.
	ErrDimensionMismatch = errors.New("embedding dimension mismatch")
	// ErrNonFinite is returned when an embedding or the logits it produces contain NaN or Inf.
	ErrNonFinite = errors.New("non-finite values in classifier input")
)

// defaultDistribution is served when no embedding can be obtained.
var defaultDistribution = [NumLevels]float64{0.1, 0.2, 0.4, 0.2, 0.1}

// blankDistribution is served for blank text.
var blankDistribution = [NumLevels]float64{1, 0, 0, 0, 0}

// EmbeddingProvider produces dense vectors for text.
type EmbeddingProvider interface {
	Encode(ctx context.Context, text string) ([]float32, error)
	IsAvailable() bool
	Dimension() int
}

// Classifier is the capability every classifier backend provides.
type Classifier interface {
	Name() string
	PredictProbabilities(ctx context.Context, text string) ([NumLevels]float64, error)
	IsTrained() bool
}

// ModelSource yields a freshly built model on every call.
type ModelSource func(ctx context.Context) (*Model, error)

// FileModelSource loads the model from path on every call.
func FileModelSource(path string) ModelSource {
	return func(context.Context) (*Model, error) {
		return LoadModel(path)
	}
}

// MLConfig configures the linear classifier.
type MLConfig struct {
	Provider EmbeddingProvider
	Source   ModelSource // nil means always the default model
}

// MLClassifier applies a linear softmax model to query embeddings.
// It is safe for concurrent use; Reload swaps models atomically.
type MLClassifier struct {
	provider EmbeddingProvider
	source   ModelSource
	model    atomic.Pointer[Model]
	reloadMu sync.Mutex
}

// NewMLClassifier creates a classifier and performs the initial model load.
// A failed load is logged and the default model is served.
func NewMLClassifier(ctx context.Context, cfg MLConfig) *MLClassifier {
	c := &MLClassifier{provider: cfg.Provider, source: cfg.Source}
	c.model.Store(DefaultModel(c.dimension()))
	if c.source != nil {
		if err := c.Reload(ctx); err != nil {
			slog.Warn("complexity model load failed, using default model", "error", err)
		}
	}
	return c
}

// Name implements Classifier.
func (c *MLClassifier) Name() string { return BackendLinear }

func (c *MLClassifier) dimension() int {
	if c.provider != nil && c.provider.Dimension() > 0 {
		return c.provider.Dimension()
	}
	return 1
}

// Model returns the model currently served.
func (c *MLClassifier) Model() *Model {
	return c.model.Load()
}

// Reload builds a new model from the source and swaps it in. On failure the
// previous model keeps serving, unless it is the default model in which case
// a default model of the current provider dimension replaces it.
func (c *MLClassifier) Reload(ctx context.Context) error {
	if c.source == nil {
		return nil
	}
	c.reloadMu.Lock()
	defer c.reloadMu.Unlock()

	next, err := c.source(ctx)
	if err == nil && c.provider != nil && c.provider.Dimension() > 0 && next.Dimension() != c.provider.Dimension() {
		err = fmt.Errorf("%w: model has %d, provider has %d", ErrDimensionMismatch, next.Dimension(), c.provider.Dimension())
	}
	if err != nil {
		if !c.model.Load().Trained() {
			c.model.Store(DefaultModel(c.dimension()))
		}
		return err
	}
	c.model.Store(next)
	slog.Info("complexity model loaded", "version", next.Version(), "dimension", next.Dimension())
	return nil
}

// IsTrained reports whether a real model is loaded and embeddings can be obtained.
func (c *MLClassifier) IsTrained() bool {
	return c.model.Load().Trained() && c.provider != nil && c.provider.IsAvailable()
}

// PredictProbabilities returns the level distribution for text.
// An unavailable provider yields the default distribution and no error.
func (c *MLClassifier) PredictProbabilities(ctx context.Context, text string) ([NumLevels]float64, error) {
	if strutil.IsBlank(text) {
		return blankDistribution, nil
	}
	if c.provider == nil || !c.provider.IsAvailable() {
		return defaultDistribution, nil
	}

	model := c.model.Load()
	embedding, err := c.provider.Encode(ctx, text)
	if err != nil {
		return defaultDistribution, fmt.Errorf("encode query: %w", err)
	}
	probs, err := model.Probabilities(embedding)
	if err != nil {
		return defaultDistribution, err
	}
	return probs, nil
}

// PredictLevel returns the most likely level.
func (c *MLClassifier) PredictLevel(ctx context.Context, text string) (Level, error) {
	probs, err := c.PredictProbabilities(ctx, text)
	return argmaxLevel(probs), err
}

// Predict returns the mode of the most likely level.
func (c *MLClassifier) Predict(ctx context.Context, text string) (ProcessingMode, error) {
	level, err := c.PredictLevel(ctx, text)
	return level.Mode(), err
}

// PredictScore returns the probability-weighted complexity score in [0, 1].
func (c *MLClassifier) PredictScore(ctx context.Context, text string) (float64, error) {
	probs, err := c.PredictProbabilities(ctx, text)
	return expectedScore(probs), err
}

func argmaxLevel(probs [NumLevels]float64) Level {
	best := 0
	for i, p := range probs {
		if p > probs[best] {
			best = i
		}
	}
	return Level(best + 1)
}

func expectedScore(probs [NumLevels]float64) float64 {
	var score float64
	for i, p := range probs {
		score += p * levelScores[i]
	}
	return score
}

// DefaultClassifier always returns the default distribution. It is never trained.
type DefaultClassifier struct{}

// Name implements Classifier.
func (DefaultClassifier) Name() string { return BackendDefault }

// IsTrained implements Classifier.
func (DefaultClassifier) IsTrained() bool { return false }

// PredictProbabilities implements Classifier.
func (DefaultClassifier) PredictProbabilities(_ context.Context, text string) ([NumLevels]float64, error) {
	if strutil.IsBlank(text) {
		return blankDistribution, nil
	}
	return defaultDistribution, nil
}

// Backend names.
const (
	BackendLinear  = "linear"
	BackendDefault = "default"
)

// ClassifierRegistry is a read-only lookup of classifier backends built once
// from a declared list.
type ClassifierRegistry struct {
	backends map[string]Classifier
	names    []string
}

// NewClassifierRegistry registers the given backends. The default backend is
// always present. Duplicate names are rejected.
func NewClassifierRegistry(backends ...Classifier) (*ClassifierRegistry, error) {
	r := &ClassifierRegistry{backends: make(map[string]Classifier, len(backends)+1)}
	for _, b := range append([]Classifier{DefaultClassifier{}}, backends...) {
		if b == nil {
			continue
		}
		name := b.Name()
		if _, exists := r.backends[name]; exists {
			if name == BackendDefault {
				continue
			}
			return nil, fmt.Errorf("classifier backend %q registered twice", name)
		}
		r.backends[name] = b
		r.names = append(r.names, name)
	}
	return r, nil
}

// Get returns the named backend.
func (r *ClassifierRegistry) Get(name string) (Classifier, bool) {
	b, ok := r.backends[name]
	return b, ok
}

// Select returns the named backend, or the default backend with a warning
// when the name is unknown.
func (r *ClassifierRegistry) Select(name string) Classifier {
	if b, ok := r.backends[name]; ok {
		return b
	}
	slog.Warn("unknown classifier backend, using default", "backend", name)
	return r.backends[BackendDefault]
}

// Names returns the registered backend names in registration order.
func (r *ClassifierRegistry) Names() []string {
	return append([]string(nil), r.names...)
}
