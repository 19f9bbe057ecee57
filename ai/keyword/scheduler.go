package keyword

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// SchedulerConfig configures the periodic keyword maintenance jobs.
type SchedulerConfig struct {
	// Interval is how often the jobs run (default: 1h).
	Interval time.Duration

	// MinFactories and MinEffectiveness are the promotion thresholds.
	// Zero selects the default; a negative MinEffectiveness disables the floor.
	MinFactories     int
	MinEffectiveness float64

	// CleanupThreshold and CleanupMinNegative select records to delete.
	// Zero selects the default; a negative CleanupThreshold turns cleanup off.
	CleanupThreshold   float64
	CleanupMinNegative int64

	// Timeout bounds one full run (default: 10m).
	Timeout time.Duration
}

// DefaultSchedulerConfig returns default scheduler configuration.
func DefaultSchedulerConfig() SchedulerConfig {
	return SchedulerConfig{
		Interval:           time.Hour,
		MinFactories:       3,
		MinEffectiveness:   0.8,
		CleanupThreshold:   0.3,
		CleanupMinNegative: 5,
		Timeout:            10 * time.Minute,
	}
}

// RunReport summarizes one maintenance run.
type RunReport struct {
	RunID              string
	SpecificityUpdated int64
	Promoted           int
	Removed            int64
	Errors             []error
	Duration           time.Duration
}

// Scheduler runs specificity recalculation, the promotion check and the
// per-tenant cleanup on a fixed interval.
type Scheduler struct {
	tracker   *Tracker
	promotion *PromotionEngine
	config    SchedulerConfig

	mu      sync.Mutex
	ticker  *time.Ticker
	stopCh  chan struct{}
	done    chan struct{}
	running atomic.Bool
	runs    atomic.Int64
}

// NewScheduler creates a maintenance scheduler.
func NewScheduler(tracker *Tracker, promotion *PromotionEngine, cfg SchedulerConfig) *Scheduler {
	def := DefaultSchedulerConfig()
	if cfg.Interval <= 0 {
		cfg.Interval = def.Interval
	}
	if cfg.MinFactories <= 0 {
		cfg.MinFactories = def.MinFactories
	}
	switch {
	case cfg.MinEffectiveness == 0:
		cfg.MinEffectiveness = def.MinEffectiveness
	case cfg.MinEffectiveness < 0:
		cfg.MinEffectiveness = 0
	}
	switch {
	case cfg.CleanupThreshold == 0:
		cfg.CleanupThreshold = def.CleanupThreshold
	case cfg.CleanupThreshold < 0:
		cfg.CleanupThreshold = 0
	}
	if cfg.CleanupMinNegative <= 0 {
		cfg.CleanupMinNegative = def.CleanupMinNegative
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = def.Timeout
	}
	return &Scheduler{tracker: tracker, promotion: promotion, config: cfg}
}

// Start starts the scheduler. Calling Start on a running scheduler is a no-op.
func (s *Scheduler) Start() {
	if !s.running.CompareAndSwap(false, true) {
		return // Already running
	}

	s.mu.Lock()
	s.ticker = time.NewTicker(s.config.Interval)
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	ticker, stopCh, done := s.ticker, s.stopCh, s.done
	s.mu.Unlock()

	go s.run(ticker, stopCh, done)
	slog.Info("keyword scheduler started", "interval", s.config.Interval)
}

// Stop stops the scheduler and waits for an in-flight run to finish.
func (s *Scheduler) Stop() {
	if !s.running.CompareAndSwap(true, false) {
		return // Not running
	}

	s.mu.Lock()
	close(s.stopCh)
	s.ticker.Stop()
	done := s.done
	s.mu.Unlock()

	<-done
	slog.Info("keyword scheduler stopped")
}

// IsRunning returns true if the scheduler is running.
func (s *Scheduler) IsRunning() bool {
	return s.running.Load()
}

// Runs returns how many runs have completed.
func (s *Scheduler) Runs() int64 {
	return s.runs.Load()
}

func (s *Scheduler) run(ticker *time.Ticker, stopCh, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.config.Timeout)
			s.RunOnce(ctx)
			cancel()
		case <-stopCh:
			return
		}
	}
}

// RunOnce performs one maintenance run. Failures are logged and reported,
// never fatal, and a failing step does not prevent the following ones.
func (s *Scheduler) RunOnce(ctx context.Context) RunReport {
	report := RunReport{RunID: uuid.NewString()}
	start := time.Now()

	updated, err := s.tracker.RecalculateSpecificity(ctx)
	report.SpecificityUpdated = updated
	if err != nil {
		report.Errors = append(report.Errors, err)
	}

	promoted, err := s.promotion.RunPromotionCheck(ctx, s.config.MinFactories, s.config.MinEffectiveness)
	report.Promoted = promoted
	if err != nil {
		report.Errors = append(report.Errors, err)
	}

	removed, err := s.tracker.CleanupAll(ctx, s.config.CleanupThreshold, s.config.CleanupMinNegative)
	report.Removed = removed
	if err != nil {
		report.Errors = append(report.Errors, err)
	}

	report.Duration = time.Since(start)
	s.runs.Add(1)

	attrs := []any{
		"run_id", report.RunID,
		"specificity_updated", report.SpecificityUpdated,
		"promoted", report.Promoted,
		"removed", report.Removed,
		"latency_ms", report.Duration.Milliseconds(),
	}
	if len(report.Errors) > 0 {
		slog.Warn("keyword maintenance finished with errors", append(attrs, "errors", len(report.Errors))...)
	} else {
		slog.Info("keyword maintenance finished", attrs...)
	}
	return report
}
