package keyword

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hrygo/keyroute/internal/profile"
	"github.com/hrygo/keyroute/store"
	"github.com/hrygo/keyroute/store/db/sqlite"
)

// newSQLiteStorage returns a StoreStorage over a fresh in-memory SQLite database.
func newSQLiteStorage(t *testing.T) *StoreStorage {
	t.Helper()
	prof := &profile.Profile{Driver: "sqlite", DSN: ":memory:"}
	driver, err := sqlite.NewDB(prof)
	require.NoError(t, err)
	s := store.New(driver, prof)
	t.Cleanup(func() { _ = s.Close() })
	require.NoError(t, s.Migrate(context.Background()))
	return NewStoreStorage(s)
}

func storages(t *testing.T) map[string]Storage {
	return map[string]Storage{
		"memory": NewInMemoryStorage(),
		"sqlite": newSQLiteStorage(t),
	}
}

func TestRecordFeedback_CreatesAndScores(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tracker := NewTracker(storage, TrackerConfig{})

			rec, err := tracker.RecordFeedback(ctx, "t1", "weather", "温度", true)
			require.NoError(t, err)
			assert.Equal(t, int64(1), rec.PositiveCount)
			assert.Equal(t, int64(0), rec.NegativeCount)
			assert.InDelta(t, WilsonLowerBound(1, 0), rec.EffectivenessScore, 1e-9)
			assert.Equal(t, SourceAutoLearned, rec.Source)
			assert.NotZero(t, rec.LastMatchedTs)

			rec, err = tracker.RecordFeedback(ctx, "t1", "weather", "温度", false)
			require.NoError(t, err)
			assert.Equal(t, int64(1), rec.NegativeCount)

			stored, err := tracker.GetRecord(ctx, "t1", "weather", "温度")
			require.NoError(t, err)
			require.NotNil(t, stored)
			assert.Equal(t, int64(1), stored.PositiveCount)
			assert.Equal(t, int64(1), stored.NegativeCount)
			assert.InDelta(t, WilsonLowerBound(1, 1), stored.EffectivenessScore, 1e-9)

			adoptions, err := storage.ListAdoptions(ctx, "weather", "温度")
			require.NoError(t, err)
			require.Len(t, adoptions, 1)
			assert.Equal(t, int64(2), adoptions[0].UsageCount)
			assert.InDelta(t, stored.EffectivenessScore, adoptions[0].EffectivenessScore, 1e-9)
		})
	}
}

func TestRecordFeedback_RejectsInvalidKeys(t *testing.T) {
	tracker := NewTracker(NewInMemoryStorage(), TrackerConfig{})
	ctx := context.Background()

	_, err := tracker.RecordFeedback(ctx, "", "weather", "温度", true)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = tracker.RecordFeedback(ctx, "t1", "weather", "   ", true)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = tracker.RecordFeedback(ctx, GlobalScope, "weather", "温度", true)
	assert.ErrorIs(t, err, ErrGlobalScope)
}

func TestRecordFeedback_ConcurrentNoLostUpdates(t *testing.T) {
	const (
		total    = 60
		positive = 37
	)
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			// Two trackers over one storage behave like two processes: their
			// in-process locks are independent, so only the version check
			// keeps the counts exact.
			cfg := TrackerConfig{MaxAttempts: 100, RetryDelay: time.Millisecond, MaxJitter: time.Millisecond}
			trackers := []*Tracker{NewTracker(storage, cfg), NewTracker(storage, cfg)}

			var wg sync.WaitGroup
			for i := 0; i < total; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					_, err := trackers[i%2].RecordFeedback(ctx, "t1", "weather", "温度", i < positive)
					assert.NoError(t, err)
				}(i)
			}
			wg.Wait()

			rec, err := storage.GetRecord(ctx, Key{TenantID: "t1", IntentCode: "weather", Keyword: "温度"})
			require.NoError(t, err)
			require.NotNil(t, rec)
			assert.Equal(t, int64(positive), rec.PositiveCount)
			assert.Equal(t, int64(total-positive), rec.NegativeCount)
			assert.InDelta(t, WilsonLowerBound(positive, total-positive), rec.EffectivenessScore, 1e-9)
		})
	}
}

// conflictingStorage loses the compare-and-swap a fixed number of times.
type conflictingStorage struct {
	*InMemoryStorage
	failures atomic.Int32
}

func (s *conflictingStorage) UpdateFeedback(ctx context.Context, record *Record, expectedVersion int64) (bool, error) {
	if s.failures.Add(-1) >= 0 {
		return false, nil
	}
	return s.InMemoryStorage.UpdateFeedback(ctx, record, expectedVersion)
}

type countingRecorder struct {
	noopRecorder
	conflicts atomic.Int32
	feedback  atomic.Int32
	promoted  atomic.Int32
}

func (r *countingRecorder) RecordConflict()      { r.conflicts.Add(1) }
func (r *countingRecorder) RecordFeedback(bool) { r.feedback.Add(1) }
func (r *countingRecorder) RecordPromotion(ok bool) {
	if ok {
		r.promoted.Add(1)
	}
}

func TestRecordFeedback_RetriesConflicts(t *testing.T) {
	storage := &conflictingStorage{InMemoryStorage: NewInMemoryStorage()}
	storage.failures.Store(3)
	rec := &countingRecorder{}
	tracker := NewTracker(storage, TrackerConfig{MaxAttempts: 5, RetryDelay: time.Millisecond, Metrics: rec})

	got, err := tracker.RecordFeedback(context.Background(), "t1", "weather", "温度", true)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.PositiveCount)
	assert.Equal(t, int32(3), rec.conflicts.Load())
	assert.Equal(t, int32(1), rec.feedback.Load())
}

func TestRecordFeedback_SurfacesExhaustedConflict(t *testing.T) {
	storage := &conflictingStorage{InMemoryStorage: NewInMemoryStorage()}
	storage.failures.Store(100)
	tracker := NewTracker(storage, TrackerConfig{MaxAttempts: 3, RetryDelay: time.Millisecond})

	_, err := tracker.RecordFeedback(context.Background(), "t1", "weather", "温度", true)
	assert.ErrorIs(t, err, ErrConflict)
}

type failingStorage struct {
	*InMemoryStorage
	err error
}

func (s *failingStorage) GetRecord(context.Context, Key) (*Record, error) {
	return nil, s.err
}

func TestRecordFeedback_DoesNotRetryStorageErrors(t *testing.T) {
	boom := errors.New("connection refused")
	tracker := NewTracker(&failingStorage{InMemoryStorage: NewInMemoryStorage(), err: boom}, TrackerConfig{MaxAttempts: 5})

	_, err := tracker.RecordFeedback(context.Background(), "t1", "weather", "温度", true)
	assert.ErrorIs(t, err, boom)
}

func TestRegisterKeyword(t *testing.T) {
	ctx := context.Background()
	tracker := NewTracker(NewInMemoryStorage(), TrackerConfig{})

	created, err := tracker.RegisterKeyword(ctx, "t1", "weather", "湿度", 2, SourceManual)
	require.NoError(t, err)
	assert.True(t, created)

	created, err = tracker.RegisterKeyword(ctx, "t1", "weather", "湿度", 5, SourceManual)
	require.NoError(t, err)
	assert.False(t, created)

	rec, err := tracker.GetRecord(ctx, "t1", "weather", "湿度")
	require.NoError(t, err)
	assert.Equal(t, 2.0, rec.Weight)
	assert.Equal(t, NeutralScore, rec.EffectivenessScore)
	assert.Equal(t, SourceManual, rec.Source)

	_, err = tracker.RegisterKeyword(ctx, "t1", "weather", "x", 1, SourcePromoted)
	assert.Error(t, err)
	_, err = tracker.RegisterKeyword(ctx, GlobalScope, "weather", "x", 1, SourceManual)
	assert.ErrorIs(t, err, ErrGlobalScope)
}

func TestCleanup_RemovesIneffective(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tracker := NewTracker(storage, TrackerConfig{})

			feed := func(keyword string, pos, neg int) {
				for i := 0; i < pos; i++ {
					_, err := tracker.RecordFeedback(ctx, "t1", "weather", keyword, true)
					require.NoError(t, err)
				}
				for i := 0; i < neg; i++ {
					_, err := tracker.RecordFeedback(ctx, "t1", "weather", keyword, false)
					require.NoError(t, err)
				}
			}
			feed("bad", 1, 9)
			feed("good", 9, 1)
			feed("fresh", 0, 2) // low score but not enough negatives

			removed, err := tracker.Cleanup(ctx, "t1", 0.3, 5)
			require.NoError(t, err)
			assert.Equal(t, int64(1), removed)

			bad, err := tracker.GetRecord(ctx, "t1", "weather", "bad")
			require.NoError(t, err)
			assert.Nil(t, bad)

			good, err := tracker.GetRecord(ctx, "t1", "weather", "good")
			require.NoError(t, err)
			assert.NotNil(t, good)

			fresh, err := tracker.GetRecord(ctx, "t1", "weather", "fresh")
			require.NoError(t, err)
			assert.NotNil(t, fresh)
		})
	}
}

func TestCleanup_Validation(t *testing.T) {
	tracker := NewTracker(NewInMemoryStorage(), TrackerConfig{})
	ctx := context.Background()

	_, err := tracker.Cleanup(ctx, "", 0.3, 5)
	assert.ErrorIs(t, err, ErrInvalidKey)
	_, err = tracker.Cleanup(ctx, GlobalScope, 0.3, 5)
	assert.ErrorIs(t, err, ErrGlobalScope)
	_, err = tracker.Cleanup(ctx, "t1", 1.3, 5)
	assert.Error(t, err)
}

func TestCleanupAll(t *testing.T) {
	ctx := context.Background()
	storage := NewInMemoryStorage()
	tracker := NewTracker(storage, TrackerConfig{})

	for _, tenant := range []string{"t1", "t2"} {
		for i := 0; i < 6; i++ {
			_, err := tracker.RecordFeedback(ctx, tenant, "weather", "bad", false)
			require.NoError(t, err)
		}
	}

	removed, err := tracker.CleanupAll(ctx, 0.3, 5)
	require.NoError(t, err)
	assert.Equal(t, int64(2), removed)
}

func TestRecalculateSpecificity(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			tracker := NewTracker(storage, TrackerConfig{SpecificityPageSize: 2, SpecificityWorkers: 2})

			seeds := []Key{
				{TenantID: "t1", IntentCode: "weather", Keyword: "温度"},
				{TenantID: "t2", IntentCode: "device", Keyword: "温度"},
				{TenantID: "t3", IntentCode: "cooking", Keyword: "温度"},
				{TenantID: "t1", IntentCode: "cooking", Keyword: "温度"},
				{TenantID: "t1", IntentCode: "weather", Keyword: "下雨"},
				{TenantID: "t1", IntentCode: "weather", Keyword: "forecast"},
				{TenantID: "t2", IntentCode: "news", Keyword: "forecast"},
			}
			for _, k := range seeds {
				_, err := tracker.RecordFeedback(ctx, k.TenantID, k.IntentCode, k.Keyword, true)
				require.NoError(t, err)
			}

			updated, err := tracker.RecalculateSpecificity(ctx)
			require.NoError(t, err)
			assert.Equal(t, int64(6), updated) // four 温度 rows and two forecast rows change

			want := map[string]float64{"温度": 1.0 / 3, "下雨": 1, "forecast": 0.5}
			for _, k := range seeds {
				rec, err := storage.GetRecord(ctx, k)
				require.NoError(t, err)
				assert.InDelta(t, want[k.Keyword], rec.Specificity, 1e-9, k.Keyword)
				assert.Equal(t, int64(1), rec.PositiveCount, "specificity must not touch counts")
			}

			updated, err = tracker.RecalculateSpecificity(ctx)
			require.NoError(t, err)
			assert.Zero(t, updated)
		})
	}
}

// flakySpecificityStorage fails the specificity write of one keyword.
type flakySpecificityStorage struct {
	*InMemoryStorage
	bad string
}

func (s *flakySpecificityStorage) UpdateSpecificity(ctx context.Context, keyword string, specificity float64) (int64, error) {
	if keyword == s.bad {
		return 0, fmt.Errorf("write %s failed", keyword)
	}
	return s.InMemoryStorage.UpdateSpecificity(ctx, keyword, specificity)
}

func TestRecalculateSpecificity_ContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	storage := &flakySpecificityStorage{InMemoryStorage: NewInMemoryStorage(), bad: "a"}
	tracker := NewTracker(storage, TrackerConfig{SpecificityPageSize: 1})

	for _, k := range []Key{
		{TenantID: "t1", IntentCode: "i1", Keyword: "a"},
		{TenantID: "t1", IntentCode: "i2", Keyword: "a"},
		{TenantID: "t1", IntentCode: "i1", Keyword: "b"},
		{TenantID: "t1", IntentCode: "i2", Keyword: "b"},
	} {
		_, err := tracker.RecordFeedback(ctx, k.TenantID, k.IntentCode, k.Keyword, true)
		require.NoError(t, err)
	}

	updated, err := tracker.RecalculateSpecificity(ctx)
	assert.Error(t, err)
	assert.Equal(t, int64(2), updated)
}

func TestListKeywords_ScopesAreSeparate(t *testing.T) {
	ctx := context.Background()
	storage := NewInMemoryStorage()
	tracker := NewTracker(storage, TrackerConfig{})

	_, err := tracker.RecordFeedback(ctx, "t1", "weather", "温度", true)
	require.NoError(t, err)
	_, err = storage.CreateRecord(ctx, &Record{
		Key:    Key{TenantID: GlobalScope, IntentCode: "weather", Keyword: "气温"},
		Weight: 0.9, Source: SourcePromoted,
	})
	require.NoError(t, err)

	local, err := tracker.ListKeywords(ctx, "t1", "weather")
	require.NoError(t, err)
	require.Len(t, local, 1)
	assert.Equal(t, "温度", local[0].Keyword)

	global, err := tracker.ListKeywords(ctx, GlobalScope, "")
	require.NoError(t, err)
	require.Len(t, global, 1)
	assert.Equal(t, "气温", global[0].Keyword)

	_, err = tracker.ListKeywords(ctx, "", "")
	assert.ErrorIs(t, err, ErrInvalidKey)
}
