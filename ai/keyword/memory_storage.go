package keyword

import (
	"context"
	"sort"
	"sync"
	"time"
)

type pairKey struct {
	intentCode string
	keyword    string
}

// InMemoryStorage provides an in-memory implementation of Storage.
// Used for testing and as a fallback when database is not available.
type InMemoryStorage struct {
	mu        sync.RWMutex
	records   map[Key]*Record
	adoptions map[pairKey]map[string]*Adoption // pair -> tenant -> adoption
}

// NewInMemoryStorage creates a new in-memory storage.
func NewInMemoryStorage() *InMemoryStorage {
	return &InMemoryStorage{
		records:   make(map[Key]*Record),
		adoptions: make(map[pairKey]map[string]*Adoption),
	}
}

func (s *InMemoryStorage) GetRecord(ctx context.Context, key Key) (*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if r, ok := s.records[key]; ok {
		// Return a copy to avoid concurrent modification
		cp := *r
		return &cp, nil
	}
	return nil, nil
}

func (s *InMemoryStorage) ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]*Record, 0)
	for k, r := range s.records {
		if filter.TenantID != "" && k.TenantID != filter.TenantID {
			continue
		}
		if filter.IntentCode != "" && k.IntentCode != filter.IntentCode {
			continue
		}
		if filter.Keyword != "" && k.Keyword != filter.Keyword {
			continue
		}
		cp := *r
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i].Key, result[j].Key
		if a.TenantID != b.TenantID {
			return a.TenantID < b.TenantID
		}
		if a.IntentCode != b.IntentCode {
			return a.IntentCode < b.IntentCode
		}
		return a.Keyword < b.Keyword
	})
	if filter.Limit > 0 && len(result) > filter.Limit {
		result = result[:filter.Limit]
	}
	return result, nil
}

func (s *InMemoryStorage) CreateRecord(ctx context.Context, record *Record) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[record.Key]; ok {
		return false, nil
	}
	now := time.Now().Unix()
	cp := *record
	cp.Version = 1
	cp.CreatedTs, cp.UpdatedTs = now, now
	s.records[record.Key] = &cp
	return true, nil
}

func (s *InMemoryStorage) UpdateFeedback(ctx context.Context, record *Record, expectedVersion int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.records[record.Key]
	if !ok || cur.Version != expectedVersion {
		return false, nil
	}
	cur.PositiveCount = record.PositiveCount
	cur.NegativeCount = record.NegativeCount
	cur.EffectivenessScore = record.EffectivenessScore
	cur.LastMatchedTs = record.LastMatchedTs
	cur.Version++
	cur.UpdatedTs = time.Now().Unix()
	return true, nil
}

func (s *InMemoryStorage) ListIntentCounts(ctx context.Context, afterKeyword string, limit int) ([]IntentCount, error) {
	s.mu.RLock()
	intents := make(map[string]map[string]struct{})
	for k := range s.records {
		if k.Keyword <= afterKeyword {
			continue
		}
		if intents[k.Keyword] == nil {
			intents[k.Keyword] = make(map[string]struct{})
		}
		intents[k.Keyword][k.IntentCode] = struct{}{}
	}
	s.mu.RUnlock()

	result := make([]IntentCount, 0, len(intents))
	for kw, set := range intents {
		result = append(result, IntentCount{Keyword: kw, IntentCount: int64(len(set))})
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Keyword < result[j].Keyword })
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

func (s *InMemoryStorage) UpdateSpecificity(ctx context.Context, keyword string, specificity float64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var updated int64
	for k, r := range s.records {
		if k.Keyword == keyword && r.Specificity != specificity {
			r.Specificity = specificity
			updated++
		}
	}
	return updated, nil
}

func (s *InMemoryStorage) DeleteIneffective(ctx context.Context, tenantID string, threshold float64, minNegative int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed int64
	for k, r := range s.records {
		if k.TenantID == tenantID && r.EffectivenessScore < threshold && r.NegativeCount >= minNegative {
			delete(s.records, k)
			removed++
		}
	}
	return removed, nil
}

func (s *InMemoryStorage) ListTenants(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]struct{})
	for k := range s.records {
		if k.TenantID != GlobalScope {
			seen[k.TenantID] = struct{}{}
		}
	}
	tenants := make([]string, 0, len(seen))
	for t := range seen {
		tenants = append(tenants, t)
	}
	sort.Strings(tenants)
	return tenants, nil
}

// adoptionLocked returns the adoption row for key, creating it when create is set.
// Callers must hold s.mu for writing.
func (s *InMemoryStorage) adoptionLocked(key Key, create bool) *Adoption {
	pk := pairKey{intentCode: key.IntentCode, keyword: key.Keyword}
	tenants := s.adoptions[pk]
	if tenants == nil {
		if !create {
			return nil
		}
		tenants = make(map[string]*Adoption)
		s.adoptions[pk] = tenants
	}
	a := tenants[key.TenantID]
	if a == nil && create {
		a = &Adoption{Key: key, EffectivenessScore: NeutralScore}
		tenants[key.TenantID] = a
	}
	return a
}

func (s *InMemoryStorage) TouchAdoption(ctx context.Context, key Key, score float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.adoptionLocked(key, true)
	a.UsageCount++
	a.EffectivenessScore = score
	return nil
}

func (s *InMemoryStorage) SetAdoptionDisabled(ctx context.Context, key Key, disabled bool, reason string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a := s.adoptionLocked(key, disabled)
	if a == nil {
		return false, nil
	}
	a.IsDisabled = disabled
	a.DisabledReason = ""
	if disabled {
		a.DisabledReason = reason
	}
	return true, nil
}

func (s *InMemoryStorage) listAdoptionsLocked(intentCode, keyword string) []*Adoption {
	tenants := s.adoptions[pairKey{intentCode: intentCode, keyword: keyword}]
	result := make([]*Adoption, 0, len(tenants))
	for _, a := range tenants {
		cp := *a
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].TenantID < result[j].TenantID })
	return result
}

func (s *InMemoryStorage) ListAdoptions(ctx context.Context, intentCode, keyword string) ([]*Adoption, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.listAdoptionsLocked(intentCode, keyword), nil
}

func (s *InMemoryStorage) ListPromotionCandidates(ctx context.Context, minFactories int) ([]Candidate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Candidate, 0)
	for pk, tenants := range s.adoptions {
		var active, pending int64
		for _, a := range tenants {
			if a.IsDisabled {
				continue
			}
			active++
			if !a.IsPromoted {
				pending++
			}
		}
		if active >= int64(minFactories) && pending > 0 {
			result = append(result, Candidate{IntentCode: pk.intentCode, Keyword: pk.keyword, TenantCount: active})
		}
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].IntentCode != result[j].IntentCode {
			return result[i].IntentCode < result[j].IntentCode
		}
		return result[i].Keyword < result[j].Keyword
	})
	return result, nil
}

// Promote holds the write lock for the whole fold so concurrent promotions
// of any pair are serialized.
func (s *InMemoryStorage) Promote(ctx context.Context, intentCode, keyword string, fold PromotionFold) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	weight, tenants, ok := fold(s.listAdoptionsLocked(intentCode, keyword))
	if !ok {
		return false, nil
	}

	now := time.Now().Unix()
	key := Key{TenantID: GlobalScope, IntentCode: intentCode, Keyword: keyword}
	if g, exists := s.records[key]; exists {
		g.Weight = weight
		g.Source = SourcePromoted
		g.Version++
		g.UpdatedTs = now
	} else {
		s.records[key] = &Record{
			Key:                key,
			EffectivenessScore: weight,
			Weight:             weight,
			Specificity:        1,
			Source:             SourcePromoted,
			Version:            1,
			CreatedTs:          now,
			UpdatedTs:          now,
		}
	}

	pending := s.adoptions[pairKey{intentCode: intentCode, keyword: keyword}]
	for _, tenant := range tenants {
		if a := pending[tenant]; a != nil {
			a.IsPromoted = true
			a.PromotedTs = now
		}
	}
	return true, nil
}
