package keyword

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedAdoptions(t *testing.T, storage Storage, intentCode, keyword string, scores map[string]float64) {
	t.Helper()
	for tenant, score := range scores {
		require.NoError(t, storage.TouchAdoption(context.Background(),
			Key{TenantID: tenant, IntentCode: intentCode, Keyword: keyword}, score))
	}
}

var temperatureScores = map[string]float64{"f1": 0.82, "f2": 0.9, "f3": 0.85, "f4": 0.88}

func TestPromotion_TemperatureScenario(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			engine := NewPromotionEngine(storage, PromotionConfig{})
			seedAdoptions(t, storage, "weather", "温度", temperatureScores)

			ok, err := engine.CheckEligibility(ctx, "weather", "温度", 3, 0.8)
			require.NoError(t, err)
			assert.True(t, ok)

			promoted, err := engine.Promote(ctx, "weather", "温度")
			require.NoError(t, err)
			assert.True(t, promoted)

			global, err := storage.GetRecord(ctx, Key{TenantID: GlobalScope, IntentCode: "weather", Keyword: "温度"})
			require.NoError(t, err)
			require.NotNil(t, global)
			assert.Equal(t, SourcePromoted, global.Source)
			assert.InDelta(t, 0.8625, global.Weight, 1e-9)

			adoptions, err := engine.Adoptions(ctx, "weather", "温度")
			require.NoError(t, err)
			require.Len(t, adoptions, 4)
			for _, a := range adoptions {
				assert.True(t, a.IsPromoted, a.TenantID)
				assert.NotZero(t, a.PromotedTs)
			}
		})
	}
}

func TestPromotion_Idempotent(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			engine := NewPromotionEngine(storage, PromotionConfig{})
			seedAdoptions(t, storage, "weather", "温度", temperatureScores)

			first, err := engine.Promote(ctx, "weather", "温度")
			require.NoError(t, err)
			assert.True(t, first)
			before, err := storage.GetRecord(ctx, Key{TenantID: GlobalScope, IntentCode: "weather", Keyword: "温度"})
			require.NoError(t, err)

			second, err := engine.Promote(ctx, "weather", "温度")
			require.NoError(t, err)
			assert.False(t, second)

			after, err := storage.GetRecord(ctx, Key{TenantID: GlobalScope, IntentCode: "weather", Keyword: "温度"})
			require.NoError(t, err)
			assert.Equal(t, before.Version, after.Version)

			globals, err := storage.ListRecords(ctx, RecordFilter{TenantID: GlobalScope})
			require.NoError(t, err)
			assert.Len(t, globals, 1)
		})
	}
}

func TestPromotion_ConcurrentRunsPromoteOnce(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seedAdoptions(t, storage, "weather", "温度", temperatureScores)

			// Separate engines do not share singleflight, so the storage
			// transaction is what keeps this to a single promotion.
			engines := []*PromotionEngine{
				NewPromotionEngine(storage, PromotionConfig{}),
				NewPromotionEngine(storage, PromotionConfig{}),
			}
			var wg sync.WaitGroup
			var mu sync.Mutex
			count := 0
			for i := 0; i < 10; i++ {
				wg.Add(1)
				go func(i int) {
					defer wg.Done()
					ok, err := engines[i%2].Promote(ctx, "weather", "温度")
					assert.NoError(t, err)
					if ok {
						mu.Lock()
						count++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()

			assert.Equal(t, 1, count)
			global, err := storage.GetRecord(ctx, Key{TenantID: GlobalScope, IntentCode: "weather", Keyword: "温度"})
			require.NoError(t, err)
			assert.Equal(t, int64(1), global.Version)
		})
	}
}

// slowPromoteStorage holds each promotion open so concurrent callers overlap.
type slowPromoteStorage struct {
	*InMemoryStorage
	delay time.Duration
}

func (s *slowPromoteStorage) Promote(ctx context.Context, intentCode, keyword string, fold PromotionFold) (bool, error) {
	time.Sleep(s.delay)
	return s.InMemoryStorage.Promote(ctx, intentCode, keyword, fold)
}

func TestPromotion_SameEngineConcurrentCallersReportOnce(t *testing.T) {
	ctx := context.Background()
	storage := &slowPromoteStorage{InMemoryStorage: NewInMemoryStorage(), delay: 50 * time.Millisecond}
	seedAdoptions(t, storage, "weather", "温度", temperatureScores)
	rec := &countingRecorder{}
	engine := NewPromotionEngine(storage, PromotionConfig{Metrics: rec})

	var wg sync.WaitGroup
	var mu sync.Mutex
	count := 0
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ok, err := engine.Promote(ctx, "weather", "温度")
			assert.NoError(t, err)
			if ok {
				mu.Lock()
				count++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, count)
	assert.Equal(t, int32(1), rec.promoted.Load())
	global, err := storage.GetRecord(ctx, Key{TenantID: GlobalScope, IntentCode: "weather", Keyword: "温度"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), global.Version)
}

func TestPromotion_ConcurrentChecksCountOnce(t *testing.T) {
	ctx := context.Background()
	storage := &slowPromoteStorage{InMemoryStorage: NewInMemoryStorage(), delay: 50 * time.Millisecond}
	seedAdoptions(t, storage, "weather", "温度", temperatureScores)
	engine := NewPromotionEngine(storage, PromotionConfig{})

	var wg sync.WaitGroup
	totals := make([]int, 2)
	for i := range totals {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			n, err := engine.RunPromotionCheck(ctx, 3, 0.8)
			assert.NoError(t, err)
			totals[i] = n
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, totals[0]+totals[1])
}

func TestPromotion_NoAdoptions(t *testing.T) {
	engine := NewPromotionEngine(NewInMemoryStorage(), PromotionConfig{})

	ok, err := engine.Promote(context.Background(), "weather", "温度")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = engine.CheckEligibility(context.Background(), "weather", "温度", 3, 0.8)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = engine.Promote(context.Background(), "", "温度")
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestCheckEligibility(t *testing.T) {
	tests := []struct {
		name     string
		scores   map[string]float64
		disabled []string
		want     bool
	}{
		{"passes", temperatureScores, nil, true},
		{"too few tenants", map[string]float64{"f1": 0.9, "f2": 0.9}, nil, false},
		{"mean too low", map[string]float64{"f1": 0.9, "f2": 0.7, "f3": 0.75}, nil, false},
		{"mean exactly at threshold", map[string]float64{"f1": 0.7, "f2": 0.8, "f3": 0.9}, nil, true},
		{"disabled tenant blocks", temperatureScores, []string{"f5"}, false},
		{"disabled adopter blocks", temperatureScores, []string{"f2"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			storage := NewInMemoryStorage()
			engine := NewPromotionEngine(storage, PromotionConfig{})
			seedAdoptions(t, storage, "weather", "温度", tt.scores)
			for _, tenant := range tt.disabled {
				require.NoError(t, engine.Disable(ctx, tenant, "weather", "温度", "wrong intent"))
			}

			ok, err := engine.CheckEligibility(ctx, "weather", "温度", 3, 0.8)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}

func TestDisableEnable(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			engine := NewPromotionEngine(storage, PromotionConfig{})
			seedAdoptions(t, storage, "weather", "温度", temperatureScores)

			require.NoError(t, engine.Disable(ctx, "f1", "weather", "温度", "ambiguous"))
			ok, err := engine.CheckEligibility(ctx, "weather", "温度", 3, 0.8)
			require.NoError(t, err)
			assert.False(t, ok)

			// Feedback keeps flowing without clearing the flag.
			tracker := NewTracker(storage, TrackerConfig{})
			_, err = tracker.RecordFeedback(ctx, "f1", "weather", "温度", true)
			require.NoError(t, err)
			adoptions, err := engine.Adoptions(ctx, "weather", "温度")
			require.NoError(t, err)
			assert.True(t, adoptions[0].IsDisabled)
			assert.Equal(t, "ambiguous", adoptions[0].DisabledReason)

			found, err := engine.Enable(ctx, "f1", "weather", "温度")
			require.NoError(t, err)
			assert.True(t, found)

			// Enable restores eligibility; f1's score is now its tracker score.
			adoptions, err = engine.Adoptions(ctx, "weather", "温度")
			require.NoError(t, err)
			assert.False(t, adoptions[0].IsDisabled)

			found, err = engine.Enable(ctx, "nobody", "weather", "温度")
			require.NoError(t, err)
			assert.False(t, found)

			assert.ErrorIs(t, engine.Disable(ctx, GlobalScope, "weather", "温度", ""), ErrGlobalScope)
		})
	}
}

func TestRunPromotionCheck(t *testing.T) {
	for name, storage := range storages(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			engine := NewPromotionEngine(storage, PromotionConfig{})

			seedAdoptions(t, storage, "weather", "温度", temperatureScores)
			seedAdoptions(t, storage, "weather", "下雨", map[string]float64{"f1": 0.9, "f2": 0.95, "f3": 0.85})
			seedAdoptions(t, storage, "weather", "天", map[string]float64{"f1": 0.4, "f2": 0.5, "f3": 0.6})
			seedAdoptions(t, storage, "device", "温度", map[string]float64{"f1": 0.9, "f2": 0.9})
			seedAdoptions(t, storage, "cooking", "火候", map[string]float64{"f1": 0.9, "f2": 0.9, "f3": 0.9})
			require.NoError(t, engine.Disable(ctx, "f4", "cooking", "火候", "not ours"))

			promoted, err := engine.RunPromotionCheck(ctx, 3, 0.8)
			require.NoError(t, err)
			assert.Equal(t, 2, promoted)

			globals, err := storage.ListRecords(ctx, RecordFilter{TenantID: GlobalScope})
			require.NoError(t, err)
			keywords := []string{}
			for _, g := range globals {
				keywords = append(keywords, g.IntentCode+"/"+g.Keyword)
			}
			assert.ElementsMatch(t, []string{"weather/温度", "weather/下雨"}, keywords)

			promoted, err = engine.RunPromotionCheck(ctx, 3, 0.8)
			require.NoError(t, err)
			assert.Zero(t, promoted)
		})
	}
}

func TestRunPromotionCheck_EffectivenessFloor(t *testing.T) {
	ctx := context.Background()
	storage := NewInMemoryStorage()
	engine := NewPromotionEngine(storage, PromotionConfig{})
	seedAdoptions(t, storage, "weather", "天", map[string]float64{"f1": 0.4, "f2": 0.5, "f3": 0.6})

	// 负值使用默认阈值 0.8
	promoted, err := engine.RunPromotionCheck(ctx, 3, -1)
	require.NoError(t, err)
	assert.Zero(t, promoted)

	// 0 表示不设有效性下限
	promoted, err = engine.RunPromotionCheck(ctx, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, promoted)

	global, err := storage.GetRecord(ctx, Key{TenantID: GlobalScope, IntentCode: "weather", Keyword: "天"})
	require.NoError(t, err)
	require.NotNil(t, global)
	assert.InDelta(t, 0.5, global.Weight, 1e-9)
}

// flakyPromoteStorage fails the promotion of one keyword.
type flakyPromoteStorage struct {
	*InMemoryStorage
	bad string
}

func (s *flakyPromoteStorage) Promote(ctx context.Context, intentCode, keyword string, fold PromotionFold) (bool, error) {
	if keyword == s.bad {
		return false, errors.New("deadlock detected")
	}
	return s.InMemoryStorage.Promote(ctx, intentCode, keyword, fold)
}

func TestRunPromotionCheck_ContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	storage := &flakyPromoteStorage{InMemoryStorage: NewInMemoryStorage(), bad: "a"}
	engine := NewPromotionEngine(storage, PromotionConfig{})

	for _, kw := range []string{"a", "b", "c"} {
		scores := map[string]float64{}
		for i := 0; i < 3; i++ {
			scores[fmt.Sprintf("f%d", i)] = 0.9
		}
		seedAdoptions(t, storage, "weather", kw, scores)
	}

	promoted, err := engine.RunPromotionCheck(ctx, 3, 0.8)
	assert.Error(t, err)
	assert.Equal(t, 2, promoted)
}

func TestFoldPromotion(t *testing.T) {
	adoptions := []*Adoption{
		{Key: Key{TenantID: "f1"}, EffectivenessScore: 0.9, IsPromoted: true},
		{Key: Key{TenantID: "f2"}, EffectivenessScore: 0.7},
		{Key: Key{TenantID: "f3"}, EffectivenessScore: 0.1, IsDisabled: true},
	}
	weight, tenants, ok := foldPromotion(adoptions)
	assert.True(t, ok)
	assert.InDelta(t, 0.8, weight, 1e-9)
	assert.Equal(t, []string{"f2"}, tenants)

	_, _, ok = foldPromotion(adoptions[:1])
	assert.False(t, ok, "all promoted")
	_, _, ok = foldPromotion(adoptions[2:])
	assert.False(t, ok, "only disabled")
	_, _, ok = foldPromotion(nil)
	assert.False(t, ok)
}
