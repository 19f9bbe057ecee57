// Package server assembles the routing and keyword-learning engines from a
// profile and runs the periodic jobs and the metrics endpoint.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/hrygo/keyroute/ai/complexity"
	"github.com/hrygo/keyroute/ai/configloader"
	"github.com/hrygo/keyroute/ai/core/embedding"
	"github.com/hrygo/keyroute/ai/core/llm"
	"github.com/hrygo/keyroute/ai/keyword"
	"github.com/hrygo/keyroute/ai/metrics"
	"github.com/hrygo/keyroute/internal/profile"
	"github.com/hrygo/keyroute/store"
)

// Server holds the wired engine components.
type Server struct {
	Profile *profile.Profile
	Store   *store.Store

	Router     *complexity.Router
	Classifier *complexity.MLClassifier
	Tracker    *keyword.Tracker
	Promotion  *keyword.PromotionEngine
	Scheduler  *keyword.Scheduler
	Metrics    *metrics.PrometheusExporter

	watcher    *complexity.ModelWatcher
	httpServer *http.Server
	addr       string
}

// NewServer builds every component from the profile. Providers that are not
// configured are left out and the router then routes on rule scores alone.
func NewServer(ctx context.Context, p *profile.Profile, s *store.Store) (*Server, error) {
	srv := &Server{
		Profile: p,
		Store:   s,
		Metrics: metrics.NewPrometheusExporter(metrics.DefaultConfig()),
	}

	router, classifier, err := newRouter(ctx, p, srv.Metrics)
	if err != nil {
		return nil, err
	}
	srv.Router, srv.Classifier = router, classifier

	storage := keyword.NewStoreStorage(s)
	trackerCfg := keyword.DefaultTrackerConfig()
	trackerCfg.Metrics = srv.Metrics
	srv.Tracker = keyword.NewTracker(storage, trackerCfg)

	promotionCfg := keyword.DefaultPromotionConfig()
	promotionCfg.MinFactories = p.PromotionMinFactories
	promotionCfg.MinEffectiveness = p.PromotionMinEffectiveness
	promotionCfg.Metrics = srv.Metrics
	srv.Promotion = keyword.NewPromotionEngine(storage, promotionCfg)

	schedulerCfg := keyword.DefaultSchedulerConfig()
	schedulerCfg.Interval = time.Duration(p.JobIntervalSeconds) * time.Second
	schedulerCfg.MinFactories = p.PromotionMinFactories
	schedulerCfg.MinEffectiveness = p.PromotionMinEffectiveness
	schedulerCfg.CleanupThreshold = p.CleanupScoreThreshold
	schedulerCfg.CleanupMinNegative = int64(p.CleanupMinNegative)
	srv.Scheduler = keyword.NewScheduler(srv.Tracker, srv.Promotion, schedulerCfg)

	return srv, nil
}

func newRouter(ctx context.Context, p *profile.Profile, recorder complexity.Recorder) (*complexity.Router, *complexity.MLClassifier, error) {
	cfg := complexity.RouterConfig{Metrics: recorder}

	if p.TopicToolsPath != "" {
		routing, err := configloader.NewLoader(p.Data).LoadRouting(p.TopicToolsPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load topic tools: %w", err)
		}
		cfg.Extractor = complexity.NewFeatureExtractor(complexity.ExtractorConfig{TopicTools: routing.TopicTools()})
	}

	mlCfg := complexity.MLConfig{}
	if p.IsEmbeddingEnabled() {
		provider, err := embedding.NewProvider(&embedding.Config{
			BaseURL:   p.EmbeddingBaseURL,
			APIKey:    p.EmbeddingAPIKey,
			Model:     p.EmbeddingModel,
			Dimension: p.EmbeddingDimension,
			Timeout:   time.Duration(p.EmbeddingTimeout) * time.Second,
			CacheSize: 1000,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create embedding provider: %w", err)
		}
		mlCfg.Provider = provider
	} else {
		slog.Info("embedding provider not configured, classifier disabled")
	}
	if p.ModelPath != "" {
		mlCfg.Source = complexity.FileModelSource(p.ModelPath)
	}
	classifier := complexity.NewMLClassifier(ctx, mlCfg)

	registry, err := complexity.NewClassifierRegistry(classifier)
	if err != nil {
		return nil, nil, err
	}
	cfg.Classifier = registry.Select(p.ClassifierBackend)

	if p.LLMFallback && p.IsLLMEnabled() {
		chat, err := llm.NewService(&llm.Config{
			Provider: p.LLMProvider,
			Model:    p.LLMModel,
			APIKey:   p.LLMAPIKey,
			BaseURL:  p.LLMBaseURL,
			Timeout:  p.LLMTimeout,
		})
		if err != nil {
			return nil, nil, fmt.Errorf("create llm service: %w", err)
		}
		detector := complexity.LLMDetectorConfig{
			Client:  chat,
			Timeout: time.Duration(p.LLMTimeout) * time.Second,
		}
		if p.LLMRatePerSecond > 0 {
			detector.Limiter = rate.NewLimiter(rate.Limit(p.LLMRatePerSecond), max(1, int(p.LLMRatePerSecond)))
		}
		cfg.FallbackLLM = complexity.NewLLMDetector(detector)
	}

	return complexity.NewRouter(cfg), classifier, nil
}

// Start launches the model watcher when enabled, the metrics endpoint and
// the scheduler. It returns once the listener is bound.
func (s *Server) Start(ctx context.Context) error {
	if s.Profile.WatchModel && s.Profile.ModelPath != "" {
		w, err := complexity.NewModelWatcher(s.Profile.ModelPath, s.Classifier, 0)
		if err != nil {
			return fmt.Errorf("start model watcher: %w", err)
		}
		w.Start(ctx)
		s.watcher = w
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", s.Metrics.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	listener, err := net.Listen("tcp", s.Profile.MetricsAddr)
	if err != nil {
		return fmt.Errorf("listen on %s: %w", s.Profile.MetricsAddr, err)
	}
	s.addr = listener.Addr().String()
	s.httpServer = &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("metrics server stopped", "error", err)
		}
	}()

	s.Scheduler.Start()
	slog.Info("keyroute jobs started",
		"metrics_addr", s.addr,
		"interval_seconds", s.Profile.JobIntervalSeconds,
	)
	return nil
}

// Addr returns the bound metrics address, or "" before Start.
func (s *Server) Addr() string {
	return s.addr
}

// Shutdown stops the jobs, the watcher and the metrics endpoint, then closes the store.
func (s *Server) Shutdown(ctx context.Context) {
	s.Scheduler.Stop()
	if s.watcher != nil {
		if err := s.watcher.Close(); err != nil {
			slog.Warn("failed to close model watcher", "error", err)
		}
	}
	if s.httpServer != nil {
		if err := s.httpServer.Shutdown(ctx); err != nil {
			slog.Warn("failed to shutdown metrics server", "error", err)
		}
	}
	if err := s.Store.Close(); err != nil {
		slog.Warn("failed to close store", "error", err)
	}
	slog.Info("keyroute stopped")
}
