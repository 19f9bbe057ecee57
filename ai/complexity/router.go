package complexity

import (
	"context"
	"log/slog"
	"time"

	"github.com/hrygo/keyroute/ai/internal/strutil"
)

// Path names the stage that produced a route decision.
type Path string

const (
	PathBlank Path = "blank"
	PathRule  Path = "rule"
	PathML    Path = "ml"
	PathLLM   Path = "llm"
)

// Extractor derives features from a query.
type Extractor interface {
	Extract(text string, qc QueryContext) QueryFeatures
}

// Scorer maps features to a score in [0, 1].
type Scorer interface {
	Score(f QueryFeatures) float64
}

// Detector is a mode strategy consulted when the classifier cannot decide.
type Detector interface {
	DetectComplexity(ctx context.Context, text string) ProcessingMode
}

// Recorder receives routing metrics. Implementations must be safe for
// concurrent use.
type Recorder interface {
	RecordRoute(mode ProcessingMode, path Path, ambiguous bool, latency time.Duration)
	RecordClassifier(backend string, latency time.Duration, err error)
	RecordFallback(from, to Path)
}

type noopRecorder struct{}

func (noopRecorder) RecordRoute(ProcessingMode, Path, bool, time.Duration) {}
func (noopRecorder) RecordClassifier(string, time.Duration, error)          {}
func (noopRecorder) RecordFallback(Path, Path)                              {}

// RouterConfig contains the configuration for the complexity router.
type RouterConfig struct {
	Extractor   Extractor  // Defaults to a FeatureExtractor with no topic tools
	Scorer      Scorer     // Defaults to RuleScorer
	Classifier  Classifier // Consulted in ambiguous bands when trained (optional)
	FallbackLLM Detector   // Consulted in ambiguous bands when the classifier cannot serve (optional)
	Metrics     Recorder   // Optional
}

// RouteDecision is the full outcome of a routing call.
type RouteDecision struct {
	Mode      ProcessingMode
	RuleScore float64
	Path      Path
	Ambiguous bool
}

// Router picks a processing mode for a query.
// It holds no mutable state beyond the classifier's model and is safe for
// concurrent use.
type Router struct {
	extractor  Extractor
	scorer     Scorer
	classifier Classifier
	fallback   Detector
	metrics    Recorder
}

// NewRouter creates a router.
func NewRouter(cfg RouterConfig) *Router {
	r := &Router{
		extractor:  cfg.Extractor,
		scorer:     cfg.Scorer,
		classifier: cfg.Classifier,
		fallback:   cfg.FallbackLLM,
		metrics:    cfg.Metrics,
	}
	if r.extractor == nil {
		r.extractor = NewFeatureExtractor(ExtractorConfig{})
	}
	if r.scorer == nil {
		r.scorer = NewRuleScorer()
	}
	if r.metrics == nil {
		r.metrics = noopRecorder{}
	}
	return r
}

// Route returns the processing mode for text.
func (r *Router) Route(ctx context.Context, text string, qc QueryContext) ProcessingMode {
	return r.Decide(ctx, text, qc).Mode
}

// Decide routes text and reports how the mode was reached. It never fails:
// classifier errors fall back to the rule thresholds.
func (r *Router) Decide(ctx context.Context, text string, qc QueryContext) RouteDecision {
	start := time.Now()
	d := r.decide(ctx, text, qc)
	r.metrics.RecordRoute(d.Mode, d.Path, d.Ambiguous, time.Since(start))
	slog.Debug("query complexity routed",
		"input", strutil.Truncate(text, 50),
		"mode", d.Mode,
		"rule_score", d.RuleScore,
		"path", d.Path,
		"ambiguous", d.Ambiguous,
		"latency_ms", time.Since(start).Milliseconds(),
	)
	return d
}

func (r *Router) decide(ctx context.Context, text string, qc QueryContext) RouteDecision {
	if strutil.IsBlank(text) {
		return RouteDecision{Mode: ModeFast, Path: PathBlank}
	}

	score := r.scorer.Score(r.extractor.Extract(text, qc))
	d := RouteDecision{Mode: ModeForScore(score), RuleScore: score, Path: PathRule, Ambiguous: IsAmbiguous(score)}
	if !d.Ambiguous {
		return d
	}

	if r.classifier != nil && r.classifier.IsTrained() {
		mode, err := r.classify(ctx, text)
		if err == nil {
			d.Mode, d.Path = mode, PathML
			return d
		}
		slog.Warn("complexity classifier failed, falling back",
			"backend", r.classifier.Name(),
			"error", err,
		)
	}

	if r.fallback != nil {
		r.metrics.RecordFallback(PathML, PathLLM)
		d.Mode, d.Path = r.fallback.DetectComplexity(ctx, text), PathLLM
		return d
	}
	if r.classifier != nil {
		r.metrics.RecordFallback(PathML, PathRule)
	}
	return d
}

func (r *Router) classify(ctx context.Context, text string) (ProcessingMode, error) {
	start := time.Now()
	probs, err := r.classifier.PredictProbabilities(ctx, text)
	r.metrics.RecordClassifier(r.classifier.Name(), time.Since(start), err)
	if err != nil {
		return "", err
	}
	return argmaxLevel(probs).Mode(), nil
}
