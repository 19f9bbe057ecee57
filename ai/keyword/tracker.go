package keyword

import (
	"context"
	"errors"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/hashicorp/go-multierror"
	"golang.org/x/sync/errgroup"
)

// TrackerConfig contains the configuration for the effectiveness tracker.
type TrackerConfig struct {
	MaxAttempts         uint          // Attempts per feedback write on version conflict (default: 8)
	RetryDelay          time.Duration // Base back-off between attempts (default: 5ms)
	MaxJitter           time.Duration // Random jitter added to the back-off (default: 10ms)
	LockStripes         int           // In-process per-key lock stripes (default: 64)
	SpecificityPageSize int           // Keywords per specificity page (default: 500)
	SpecificityWorkers  int           // Concurrent specificity updates per page (default: 4)
	Metrics             Recorder      // Optional metrics sink
}

// DefaultTrackerConfig returns a TrackerConfig with sensible defaults.
func DefaultTrackerConfig() TrackerConfig {
	return TrackerConfig{
		MaxAttempts:         8,
		RetryDelay:          5 * time.Millisecond,
		MaxJitter:           10 * time.Millisecond,
		LockStripes:         64,
		SpecificityPageSize: 500,
		SpecificityWorkers:  4,
	}
}

// Tracker maintains per-tenant keyword effectiveness records.
//
// Feedback on one key is serialized in-process by a striped mutex and across
// processes by a version compare-and-swap that is retried on conflict.
type Tracker struct {
	storage Storage
	cfg     TrackerConfig
	metrics Recorder
	locks   []sync.Mutex
	now     func() time.Time
}

// NewTracker creates a tracker over storage. Zero config fields take defaults.
func NewTracker(storage Storage, cfg TrackerConfig) *Tracker {
	def := DefaultTrackerConfig()
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = def.RetryDelay
	}
	if cfg.MaxJitter <= 0 {
		cfg.MaxJitter = def.MaxJitter
	}
	if cfg.LockStripes <= 0 {
		cfg.LockStripes = def.LockStripes
	}
	if cfg.SpecificityPageSize <= 0 {
		cfg.SpecificityPageSize = def.SpecificityPageSize
	}
	if cfg.SpecificityWorkers <= 0 {
		cfg.SpecificityWorkers = def.SpecificityWorkers
	}
	metrics := cfg.Metrics
	if metrics == nil {
		metrics = noopRecorder{}
	}
	return &Tracker{
		storage: storage,
		cfg:     cfg,
		metrics: metrics,
		locks:   make([]sync.Mutex, cfg.LockStripes),
		now:     time.Now,
	}
}

func (t *Tracker) lockFor(key Key) *sync.Mutex {
	h := fnv.New32a()
	h.Write([]byte(key.TenantID))
	h.Write([]byte{0})
	h.Write([]byte(key.IntentCode))
	h.Write([]byte{0})
	h.Write([]byte(key.Keyword))
	return &t.locks[h.Sum32()%uint32(len(t.locks))]
}

func (t *Tracker) retryOptions(ctx context.Context) []retry.Option {
	return []retry.Option{
		retry.Context(ctx),
		retry.Attempts(t.cfg.MaxAttempts),
		retry.Delay(t.cfg.RetryDelay),
		retry.MaxJitter(t.cfg.MaxJitter),
		retry.DelayType(retry.CombineDelay(retry.BackOffDelay, retry.RandomDelay)),
		retry.RetryIf(func(err error) bool { return errors.Is(err, ErrConflict) }),
		retry.LastErrorOnly(true),
	}
}

func tenantKey(tenantID, intentCode, keyword string) (Key, error) {
	key := Key{TenantID: tenantID, IntentCode: intentCode, Keyword: keyword}.normalize()
	if err := key.validate(); err != nil {
		return Key{}, err
	}
	if key.TenantID == GlobalScope {
		return Key{}, ErrGlobalScope
	}
	return key, nil
}

// RecordFeedback applies one confirmed (positive) or rejected match of keyword
// for intentCode in tenantID, creating the record on first feedback. It
// returns the record as written. A returned ErrConflict means every attempt
// lost the race and the caller may retry.
func (t *Tracker) RecordFeedback(ctx context.Context, tenantID, intentCode, keyword string, positive bool) (*Record, error) {
	key, err := tenantKey(tenantID, intentCode, keyword)
	if err != nil {
		return nil, err
	}

	mu := t.lockFor(key)
	mu.Lock()
	defer mu.Unlock()

	var written *Record
	err = retry.Do(func() error {
		current, err := t.storage.GetRecord(ctx, key)
		if err != nil {
			return err
		}
		if current == nil {
			current = &Record{
				Key:                key,
				EffectivenessScore: NeutralScore,
				Weight:             1,
				Specificity:        1,
				Source:             SourceAutoLearned,
			}
			created, err := t.storage.CreateRecord(ctx, current)
			if err != nil {
				return err
			}
			if !created {
				// Another process created it first; re-read on the next attempt.
				t.metrics.RecordConflict()
				return ErrConflict
			}
			current.Version = 1
		}

		next := *current
		if positive {
			next.PositiveCount++
		} else {
			next.NegativeCount++
		}
		next.EffectivenessScore = WilsonLowerBound(next.PositiveCount, next.NegativeCount)
		next.LastMatchedTs = t.now().Unix()

		applied, err := t.storage.UpdateFeedback(ctx, &next, current.Version)
		if err != nil {
			return err
		}
		if !applied {
			t.metrics.RecordConflict()
			return ErrConflict
		}
		next.Version = current.Version + 1
		written = &next
		return nil
	}, t.retryOptions(ctx)...)
	if err != nil {
		return nil, fmt.Errorf("record feedback for %s/%s/%q: %w", key.TenantID, key.IntentCode, key.Keyword, err)
	}
	t.metrics.RecordFeedback(positive)

	if err := t.storage.TouchAdoption(ctx, key, written.EffectivenessScore); err != nil {
		slog.Warn("failed to update keyword adoption",
			"tenant_id", key.TenantID,
			"intent_code", key.IntentCode,
			"keyword", key.Keyword,
			"error", err)
	}

	slog.Debug("keyword feedback recorded",
		"tenant_id", key.TenantID,
		"intent_code", key.IntentCode,
		"keyword", key.Keyword,
		"positive", positive,
		"positive_count", written.PositiveCount,
		"negative_count", written.NegativeCount,
		"score", written.EffectivenessScore)
	return written, nil
}

// RegisterKeyword explicitly registers a keyword for a tenant with the given
// weight. The score is seeded with NeutralScore. It reports false when the
// record already exists, leaving it untouched.
func (t *Tracker) RegisterKeyword(ctx context.Context, tenantID, intentCode, keyword string, weight float64, source Source) (bool, error) {
	key, err := tenantKey(tenantID, intentCode, keyword)
	if err != nil {
		return false, err
	}
	switch source {
	case "":
		source = SourceManual
	case SourceManual, SourceAutoLearned:
	default:
		return false, fmt.Errorf("register keyword: source %q not allowed", source)
	}
	if weight <= 0 {
		weight = 1
	}

	created, err := t.storage.CreateRecord(ctx, &Record{
		Key:                key,
		EffectivenessScore: NeutralScore,
		Weight:             weight,
		Specificity:        1,
		Source:             source,
	})
	if err != nil {
		return false, fmt.Errorf("register keyword %q: %w", key.Keyword, err)
	}
	return created, nil
}

// GetRecord returns the record for a key, or nil when it does not exist.
// Tenant and global scopes are separate keys and are never merged.
func (t *Tracker) GetRecord(ctx context.Context, scope, intentCode, keyword string) (*Record, error) {
	key := Key{TenantID: scope, IntentCode: intentCode, Keyword: keyword}.normalize()
	if err := key.validate(); err != nil {
		return nil, err
	}
	return t.storage.GetRecord(ctx, key)
}

// ListKeywords lists the records of one scope, optionally narrowed to an intent.
func (t *Tracker) ListKeywords(ctx context.Context, scope, intentCode string) ([]*Record, error) {
	if scope == "" {
		return nil, ErrInvalidKey
	}
	return t.storage.ListRecords(ctx, RecordFilter{TenantID: scope, IntentCode: intentCode})
}

// Cleanup deletes the tenant's records whose score is below threshold and
// that collected at least minNegative negative feedback. It returns the
// number of records removed.
func (t *Tracker) Cleanup(ctx context.Context, tenantID string, threshold float64, minNegative int64) (int64, error) {
	if tenantID == "" {
		return 0, ErrInvalidKey
	}
	if tenantID == GlobalScope {
		return 0, ErrGlobalScope
	}
	if threshold < 0 || threshold > 1 {
		return 0, fmt.Errorf("cleanup: threshold %v outside [0,1]", threshold)
	}
	if minNegative < 0 {
		minNegative = 0
	}

	removed, err := t.storage.DeleteIneffective(ctx, tenantID, threshold, minNegative)
	if err != nil {
		return 0, fmt.Errorf("cleanup tenant %s: %w", tenantID, err)
	}
	t.metrics.RecordCleanup(removed)
	slog.Info("ineffective keywords cleaned up",
		"tenant_id", tenantID,
		"threshold", threshold,
		"min_negative", minNegative,
		"removed", removed)
	return removed, nil
}

// CleanupAll runs Cleanup for every tenant that has records, continuing past
// per-tenant failures. It returns the total removed and the collected errors.
func (t *Tracker) CleanupAll(ctx context.Context, threshold float64, minNegative int64) (int64, error) {
	tenants, err := t.storage.ListTenants(ctx)
	if err != nil {
		return 0, fmt.Errorf("cleanup: list tenants: %w", err)
	}

	var total int64
	var result *multierror.Error
	for _, tenant := range tenants {
		removed, err := t.Cleanup(ctx, tenant, threshold, minNegative)
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		total += removed
	}
	return total, result.ErrorOrNil()
}

// RecalculateSpecificity sets specificity = 1/max(1, distinct intents) for
// every keyword in the corpus. The scan is paginated by keyword and only
// writes the specificity column, so it runs alongside feedback traffic.
// It returns the number of records changed; per-keyword failures are
// collected and do not stop the pass.
func (t *Tracker) RecalculateSpecificity(ctx context.Context) (int64, error) {
	start := time.Now()

	var (
		mu       sync.Mutex
		updated  int64
		keywords int
		result   *multierror.Error
	)

	after := ""
	for {
		page, err := t.storage.ListIntentCounts(ctx, after, t.cfg.SpecificityPageSize)
		if err != nil {
			result = multierror.Append(result, fmt.Errorf("specificity: list after %q: %w", after, err))
			break
		}

		var g errgroup.Group
		g.SetLimit(t.cfg.SpecificityWorkers)
		for _, c := range page {
			g.Go(func() error {
				n, err := t.storage.UpdateSpecificity(ctx, c.Keyword, Specificity(c.IntentCount))
				mu.Lock()
				defer mu.Unlock()
				if err != nil {
					result = multierror.Append(result, fmt.Errorf("specificity %q: %w", c.Keyword, err))
					return nil
				}
				updated += n
				return nil
			})
		}
		_ = g.Wait()
		keywords += len(page)

		if err := ctx.Err(); err != nil {
			result = multierror.Append(result, err)
			break
		}
		if len(page) < t.cfg.SpecificityPageSize {
			break
		}
		after = page[len(page)-1].Keyword
	}

	t.metrics.RecordSpecificity(updated)
	slog.Info("keyword specificity recalculated",
		"keywords", keywords,
		"updated", updated,
		"failed", len(result.WrappedErrors()),
		"latency_ms", time.Since(start).Milliseconds())
	return updated, result.ErrorOrNil()
}

// Specificity is the inverse intent frequency of a keyword.
func Specificity(intentCount int64) float64 {
	return 1 / float64(max(1, intentCount))
}
