package keyword

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/singleflight"
)

// scoreEpsilon absorbs float rounding when comparing a mean with a threshold.
const scoreEpsilon = 1e-9

// PromotionConfig contains the configuration for the promotion engine.
type PromotionConfig struct {
	MinFactories     int      // Minimum non-disabled adopting tenants (default: 3)
	MinEffectiveness float64  // Minimum mean tenant effectiveness (default: 0.8)
	Metrics          Recorder // Optional metrics sink
}

// DefaultPromotionConfig returns a PromotionConfig with sensible defaults.
func DefaultPromotionConfig() PromotionConfig {
	return PromotionConfig{
		MinFactories:     3,
		MinEffectiveness: 0.8,
	}
}

// PromotionEngine promotes keywords adopted effectively by many tenants into
// the global scope and manages the tenant opt-out flags that block it.
type PromotionEngine struct {
	storage Storage
	cfg     PromotionConfig
	metrics Recorder
	flight  singleflight.Group
}

// NewPromotionEngine creates a promotion engine over storage.
func NewPromotionEngine(storage Storage, cfg PromotionConfig) *PromotionEngine {
	def := DefaultPromotionConfig()
	if cfg.MinFactories <= 0 {
		cfg.MinFactories = def.MinFactories
	}
	if cfg.MinEffectiveness <= 0 {
		cfg.MinEffectiveness = def.MinEffectiveness
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &PromotionEngine{storage: storage, cfg: cfg, metrics: metrics}
}

// Config returns the effective configuration.
func (e *PromotionEngine) Config() PromotionConfig {
	return e.cfg
}

func pairOf(intentCode, keyword string) (Key, error) {
	key := Key{TenantID: GlobalScope, IntentCode: intentCode, Keyword: keyword}.normalize()
	return key, key.validate()
}

// eligibility explains why a pair can or cannot be promoted.
type eligibility struct {
	ok     bool
	reason string
	active int
	mean   float64
}

func evaluate(adoptions []*Adoption, minFactories int, minEffectiveness float64) eligibility {
	var sum float64
	var active int
	for _, a := range adoptions {
		if a.IsDisabled {
			return eligibility{reason: "disabled by tenant " + a.TenantID}
		}
		active++
		sum += a.EffectivenessScore
	}
	if active == 0 {
		return eligibility{reason: "no adoptions"}
	}
	mean := sum / float64(active)
	res := eligibility{active: active, mean: mean}
	switch {
	case active < minFactories:
		res.reason = fmt.Sprintf("adopted by %d tenants, need %d", active, minFactories)
	case mean+scoreEpsilon < minEffectiveness:
		res.reason = fmt.Sprintf("mean effectiveness %.4f below %.4f", mean, minEffectiveness)
	default:
		res.ok = true
	}
	return res
}

// CheckEligibility reports whether the pair may be promoted: enough
// non-disabled adopting tenants, no tenant disabled it, and a mean tenant
// effectiveness of at least minEffectiveness.
func (e *PromotionEngine) CheckEligibility(ctx context.Context, intentCode, keyword string, minFactories int, minEffectiveness float64) (bool, error) {
	pair, err := pairOf(intentCode, keyword)
	if err != nil {
		return false, err
	}
	adoptions, err := e.storage.ListAdoptions(ctx, pair.IntentCode, pair.Keyword)
	if err != nil {
		return false, fmt.Errorf("check eligibility %s/%q: %w", pair.IntentCode, pair.Keyword, err)
	}
	return evaluate(adoptions, minFactories, minEffectiveness).ok, nil
}

// foldPromotion averages the non-disabled adoptions into the global weight and
// selects the ones not yet promoted. Nothing to aggregate, or nothing new to
// fold in, means no promotion.
func foldPromotion(adoptions []*Adoption) (float64, []string, bool) {
	var sum float64
	var active int
	var pending []string
	for _, a := range adoptions {
		if a.IsDisabled {
			continue
		}
		active++
		sum += a.EffectivenessScore
		if !a.IsPromoted {
			pending = append(pending, a.TenantID)
		}
	}
	if active == 0 || len(pending) == 0 {
		return 0, nil, false
	}
	return sum / float64(active), pending, true
}

// Promote creates or updates the global record of the pair with source
// PROMOTED and weight equal to the mean tenant effectiveness, and marks the
// contributing adoptions promoted. It returns false when there is nothing to
// aggregate or every adoption is already promoted, so repeating it is a no-op.
func (e *PromotionEngine) Promote(ctx context.Context, intentCode, keyword string) (bool, error) {
	pair, err := pairOf(intentCode, keyword)
	if err != nil {
		return false, err
	}
	return e.promote(ctx, pair, "promote", foldPromotion)
}

// promote runs fold inside the storage transaction. Concurrent in-process
// calls for the same pair and mode share one execution; only the caller that
// ran it reports the promotion, the others observe a no-op.
func (e *PromotionEngine) promote(ctx context.Context, pair Key, mode string, fold PromotionFold) (bool, error) {
	var leader bool
	v, err, _ := e.flight.Do(mode+"\x00"+pair.IntentCode+"\x00"+pair.Keyword, func() (any, error) {
		leader = true
		return e.storage.Promote(ctx, pair.IntentCode, pair.Keyword, fold)
	})
	if err != nil {
		if leader {
			e.metrics.RecordPromotion(false)
		}
		return false, fmt.Errorf("promote %s/%q: %w", pair.IntentCode, pair.Keyword, err)
	}
	if !leader {
		return false, nil
	}
	promoted := v.(bool)
	e.metrics.RecordPromotion(promoted)
	return promoted, nil
}

// RunPromotionCheck scans every pair adopted by at least minFactories
// tenants, re-checks eligibility and promotes the eligible ones. A failing
// pair is recorded and the scan continues; the promoted count is always
// returned together with the collected errors.
//
// minFactories <= 0 and minEffectiveness < 0 select the engine defaults;
// minEffectiveness 0 means no effectiveness floor.
func (e *PromotionEngine) RunPromotionCheck(ctx context.Context, minFactories int, minEffectiveness float64) (int, error) {
	if minFactories <= 0 {
		minFactories = e.cfg.MinFactories
	}
	if minEffectiveness < 0 {
		minEffectiveness = e.cfg.MinEffectiveness
	}

	runID := uuid.NewString()
	start := time.Now()
	candidates, err := e.storage.ListPromotionCandidates(ctx, minFactories)
	if err != nil {
		return 0, fmt.Errorf("promotion check: list candidates: %w", err)
	}

	var promoted, skipped int
	var result *multierror.Error
	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}

		ok, err := e.CheckEligibility(ctx, c.IntentCode, c.Keyword, minFactories, minEffectiveness)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if !ok {
			skipped++
			slog.Debug("keyword not eligible for promotion",
				"run_id", runID,
				"intent_code", c.IntentCode,
				"keyword", c.Keyword,
				"tenant_count", c.TenantCount)
			continue
		}

		// Eligibility is evaluated again under the storage lock so a tenant
		// disabling the pair meanwhile still blocks it.
		var reason string
		fold := func(adoptions []*Adoption) (float64, []string, bool) {
			if res := evaluate(adoptions, minFactories, minEffectiveness); !res.ok {
				reason = res.reason
				return 0, nil, false
			}
			return foldPromotion(adoptions)
		}
		pair := Key{TenantID: GlobalScope, IntentCode: c.IntentCode, Keyword: c.Keyword}
		done, err := e.promote(ctx, pair, fmt.Sprintf("check:%d:%g", minFactories, minEffectiveness), fold)
		if err != nil {
			slog.Warn("keyword promotion failed",
				"run_id", runID,
				"intent_code", c.IntentCode,
				"keyword", c.Keyword,
				"error", err)
			result = multierror.Append(result, err)
			continue
		}
		if !done {
			skipped++
			slog.Debug("keyword promotion skipped",
				"run_id", runID,
				"intent_code", c.IntentCode,
				"keyword", c.Keyword,
				"reason", reason)
			continue
		}
		promoted++
		slog.Info("keyword promoted to global scope",
			"run_id", runID,
			"intent_code", c.IntentCode,
			"keyword", c.Keyword,
			"tenant_count", c.TenantCount)
	}

	slog.Info("promotion check finished",
		"run_id", runID,
		"candidates", len(candidates),
		"promoted", promoted,
		"skipped", skipped,
		"failed", len(result.WrappedErrors()),
		"latency_ms", time.Since(start).Milliseconds())
	return promoted, result.ErrorOrNil()
}

// Disable sets the sticky opt-out flag of tenantID for the pair, creating the
// adoption row when needed. History is kept; the pair can no longer be promoted.
func (e *PromotionEngine) Disable(ctx context.Context, tenantID, intentCode, keyword, reason string) error {
	key, err := tenantKey(tenantID, intentCode, keyword)
	if err != nil {
		return err
	}
	if _, err := e.storage.SetAdoptionDisabled(ctx, key, true, reason); err != nil {
		return fmt.Errorf("disable %s/%s/%q: %w", key.TenantID, key.IntentCode, key.Keyword, err)
	}
	slog.Info("keyword disabled for tenant",
		"tenant_id", key.TenantID,
		"intent_code", key.IntentCode,
		"keyword", key.Keyword,
		"reason", reason)
	return nil
}

// Enable clears the opt-out flag. It reports false when the tenant has no
// adoption row for the pair.
func (e *PromotionEngine) Enable(ctx context.Context, tenantID, intentCode, keyword string) (bool, error) {
	key, err := tenantKey(tenantID, intentCode, keyword)
	if err != nil {
		return false, err
	}
	found, err := e.storage.SetAdoptionDisabled(ctx, key, false, "")
	if err != nil {
		return false, fmt.Errorf("enable %s/%s/%q: %w", key.TenantID, key.IntentCode, key.Keyword, err)
	}
	return found, nil
}

// Adoptions returns the adoption history of a pair, promoted rows included.
func (e *PromotionEngine) Adoptions(ctx context.Context, intentCode, keyword string) ([]*Adoption, error) {
	pair, err := pairOf(intentCode, keyword)
	if err != nil {
		return nil, err
	}
	return e.storage.ListAdoptions(ctx, pair.IntentCode, pair.Keyword)
}
