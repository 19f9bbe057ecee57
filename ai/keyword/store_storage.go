package keyword

import (
	"context"

	"github.com/hrygo/keyroute/store"
)

// StoreInterface defines the database methods needed by StoreStorage.
// *store.Store satisfies it.
type StoreInterface interface {
	GetKeywordEffectiveness(ctx context.Context, tenantID, intentCode, keyword string) (*store.KeywordEffectiveness, error)
	ListKeywordEffectiveness(ctx context.Context, find *store.FindKeywordEffectiveness) ([]*store.KeywordEffectiveness, error)
	CreateKeywordEffectiveness(ctx context.Context, create *store.KeywordEffectiveness) (bool, error)
	UpdateKeywordFeedback(ctx context.Context, update *store.UpdateKeywordFeedback) (bool, error)
	ListKeywordIntentCounts(ctx context.Context, find *store.FindKeywordIntentCount) ([]*store.KeywordIntentCount, error)
	UpdateKeywordSpecificity(ctx context.Context, keyword string, specificity float64) (int64, error)
	DeleteIneffectiveKeywords(ctx context.Context, delete *store.DeleteIneffectiveKeywords) (int64, error)
	ListKeywordTenants(ctx context.Context) ([]string, error)
	TouchKeywordAdoption(ctx context.Context, touch *store.TouchKeywordAdoption) error
	UpdateKeywordAdoptionDisabled(ctx context.Context, update *store.UpdateKeywordAdoptionDisabled) (bool, error)
	ListKeywordAdoptions(ctx context.Context, find *store.FindKeywordAdoption) ([]*store.KeywordAdoption, error)
	ListPromotionCandidates(ctx context.Context, minFactories int) ([]*store.PromotionCandidate, error)
	PromoteKeyword(ctx context.Context, promote *store.PromoteKeyword) (bool, error)
}

// StoreStorage implements Storage on top of the relational store.
type StoreStorage struct {
	db StoreInterface
}

// NewStoreStorage creates a database-backed keyword storage.
func NewStoreStorage(db StoreInterface) *StoreStorage {
	return &StoreStorage{db: db}
}

func recordFromStore(k *store.KeywordEffectiveness) *Record {
	return &Record{
		Key:                Key{TenantID: k.TenantID, IntentCode: k.IntentCode, Keyword: k.Keyword},
		PositiveCount:      k.PositiveCount,
		NegativeCount:      k.NegativeCount,
		EffectivenessScore: k.EffectivenessScore,
		Weight:             k.Weight,
		Specificity:        k.Specificity,
		Source:             Source(k.Source),
		LastMatchedTs:      k.LastMatchedTs,
		Version:            k.Version,
		CreatedTs:          k.CreatedTs,
		UpdatedTs:          k.UpdatedTs,
	}
}

func adoptionFromStore(a *store.KeywordAdoption) *Adoption {
	return &Adoption{
		Key:                Key{TenantID: a.TenantID, IntentCode: a.IntentCode, Keyword: a.Keyword},
		EffectivenessScore: a.EffectivenessScore,
		UsageCount:         a.UsageCount,
		IsDisabled:         a.IsDisabled,
		DisabledReason:     a.DisabledReason,
		IsPromoted:         a.IsPromoted,
		PromotedTs:         a.PromotedTs,
	}
}

func optional(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func (s *StoreStorage) GetRecord(ctx context.Context, key Key) (*Record, error) {
	k, err := s.db.GetKeywordEffectiveness(ctx, key.TenantID, key.IntentCode, key.Keyword)
	if err != nil || k == nil {
		return nil, err
	}
	return recordFromStore(k), nil
}

func (s *StoreStorage) ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, error) {
	list, err := s.db.ListKeywordEffectiveness(ctx, &store.FindKeywordEffectiveness{
		TenantID:   optional(filter.TenantID),
		IntentCode: optional(filter.IntentCode),
		Keyword:    optional(filter.Keyword),
		Limit:      filter.Limit,
	})
	if err != nil {
		return nil, err
	}
	records := make([]*Record, 0, len(list))
	for _, k := range list {
		records = append(records, recordFromStore(k))
	}
	return records, nil
}

func (s *StoreStorage) CreateRecord(ctx context.Context, record *Record) (bool, error) {
	return s.db.CreateKeywordEffectiveness(ctx, &store.KeywordEffectiveness{
		TenantID:           record.TenantID,
		IntentCode:         record.IntentCode,
		Keyword:            record.Keyword,
		PositiveCount:      record.PositiveCount,
		NegativeCount:      record.NegativeCount,
		EffectivenessScore: record.EffectivenessScore,
		Weight:             record.Weight,
		Specificity:        record.Specificity,
		Source:             store.KeywordSource(record.Source),
		LastMatchedTs:      record.LastMatchedTs,
	})
}

func (s *StoreStorage) UpdateFeedback(ctx context.Context, record *Record, expectedVersion int64) (bool, error) {
	return s.db.UpdateKeywordFeedback(ctx, &store.UpdateKeywordFeedback{
		TenantID:           record.TenantID,
		IntentCode:         record.IntentCode,
		Keyword:            record.Keyword,
		PositiveCount:      record.PositiveCount,
		NegativeCount:      record.NegativeCount,
		EffectivenessScore: record.EffectivenessScore,
		LastMatchedTs:      record.LastMatchedTs,
		ExpectedVersion:    expectedVersion,
	})
}

func (s *StoreStorage) ListIntentCounts(ctx context.Context, afterKeyword string, limit int) ([]IntentCount, error) {
	list, err := s.db.ListKeywordIntentCounts(ctx, &store.FindKeywordIntentCount{AfterKeyword: afterKeyword, Limit: limit})
	if err != nil {
		return nil, err
	}
	counts := make([]IntentCount, 0, len(list))
	for _, c := range list {
		counts = append(counts, IntentCount{Keyword: c.Keyword, IntentCount: c.IntentCount})
	}
	return counts, nil
}

func (s *StoreStorage) UpdateSpecificity(ctx context.Context, keyword string, specificity float64) (int64, error) {
	return s.db.UpdateKeywordSpecificity(ctx, keyword, specificity)
}

func (s *StoreStorage) DeleteIneffective(ctx context.Context, tenantID string, threshold float64, minNegative int64) (int64, error) {
	return s.db.DeleteIneffectiveKeywords(ctx, &store.DeleteIneffectiveKeywords{
		TenantID:       tenantID,
		ScoreThreshold: threshold,
		MinNegative:    minNegative,
	})
}

func (s *StoreStorage) ListTenants(ctx context.Context) ([]string, error) {
	return s.db.ListKeywordTenants(ctx)
}

func (s *StoreStorage) TouchAdoption(ctx context.Context, key Key, score float64) error {
	return s.db.TouchKeywordAdoption(ctx, &store.TouchKeywordAdoption{
		IntentCode:         key.IntentCode,
		Keyword:            key.Keyword,
		TenantID:           key.TenantID,
		EffectivenessScore: score,
	})
}

func (s *StoreStorage) SetAdoptionDisabled(ctx context.Context, key Key, disabled bool, reason string) (bool, error) {
	return s.db.UpdateKeywordAdoptionDisabled(ctx, &store.UpdateKeywordAdoptionDisabled{
		IntentCode: key.IntentCode,
		Keyword:    key.Keyword,
		TenantID:   key.TenantID,
		Disabled:   disabled,
		Reason:     reason,
	})
}

func (s *StoreStorage) ListAdoptions(ctx context.Context, intentCode, keyword string) ([]*Adoption, error) {
	list, err := s.db.ListKeywordAdoptions(ctx, &store.FindKeywordAdoption{IntentCode: intentCode, Keyword: keyword})
	if err != nil {
		return nil, err
	}
	adoptions := make([]*Adoption, 0, len(list))
	for _, a := range list {
		adoptions = append(adoptions, adoptionFromStore(a))
	}
	return adoptions, nil
}

func (s *StoreStorage) ListPromotionCandidates(ctx context.Context, minFactories int) ([]Candidate, error) {
	list, err := s.db.ListPromotionCandidates(ctx, minFactories)
	if err != nil {
		return nil, err
	}
	candidates := make([]Candidate, 0, len(list))
	for _, c := range list {
		candidates = append(candidates, Candidate{IntentCode: c.IntentCode, Keyword: c.Keyword, TenantCount: c.TenantCount})
	}
	return candidates, nil
}

func (s *StoreStorage) Promote(ctx context.Context, intentCode, keyword string, fold PromotionFold) (bool, error) {
	return s.db.PromoteKeyword(ctx, &store.PromoteKeyword{
		IntentCode: intentCode,
		Keyword:    keyword,
		Fold: func(rows []*store.KeywordAdoption) (float64, []string, bool) {
			adoptions := make([]*Adoption, 0, len(rows))
			for _, a := range rows {
				adoptions = append(adoptions, adoptionFromStore(a))
			}
			return fold(adoptions)
		},
	})
}
