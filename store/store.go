package store

import (
	"context"

	"github.com/hrygo/keyroute/internal/profile"
)

// Store provides database access to all raw objects.
type Store struct {
	profile *profile.Profile
	driver  Driver
}

// New creates a new instance of Store.
func New(driver Driver, profile *profile.Profile) *Store {
	return &Store{
		driver:  driver,
		profile: profile,
	}
}

func (s *Store) GetDriver() Driver {
	return s.driver
}

func (s *Store) Close() error {
	return s.driver.Close()
}

func (s *Store) Migrate(ctx context.Context) error {
	return s.driver.Migrate(ctx)
}

func (s *Store) GetKeywordEffectiveness(ctx context.Context, tenantID, intentCode, keyword string) (*KeywordEffectiveness, error) {
	return s.driver.GetKeywordEffectiveness(ctx, tenantID, intentCode, keyword)
}

func (s *Store) ListKeywordEffectiveness(ctx context.Context, find *FindKeywordEffectiveness) ([]*KeywordEffectiveness, error) {
	return s.driver.ListKeywordEffectiveness(ctx, find)
}

func (s *Store) CreateKeywordEffectiveness(ctx context.Context, create *KeywordEffectiveness) (bool, error) {
	return s.driver.CreateKeywordEffectiveness(ctx, create)
}

func (s *Store) UpdateKeywordFeedback(ctx context.Context, update *UpdateKeywordFeedback) (bool, error) {
	return s.driver.UpdateKeywordFeedback(ctx, update)
}

func (s *Store) ListKeywordIntentCounts(ctx context.Context, find *FindKeywordIntentCount) ([]*KeywordIntentCount, error) {
	return s.driver.ListKeywordIntentCounts(ctx, find)
}

func (s *Store) UpdateKeywordSpecificity(ctx context.Context, keyword string, specificity float64) (int64, error) {
	return s.driver.UpdateKeywordSpecificity(ctx, keyword, specificity)
}

func (s *Store) DeleteIneffectiveKeywords(ctx context.Context, delete *DeleteIneffectiveKeywords) (int64, error) {
	return s.driver.DeleteIneffectiveKeywords(ctx, delete)
}

func (s *Store) ListKeywordTenants(ctx context.Context) ([]string, error) {
	return s.driver.ListKeywordTenants(ctx)
}

func (s *Store) TouchKeywordAdoption(ctx context.Context, touch *TouchKeywordAdoption) error {
	return s.driver.TouchKeywordAdoption(ctx, touch)
}

func (s *Store) UpdateKeywordAdoptionDisabled(ctx context.Context, update *UpdateKeywordAdoptionDisabled) (bool, error) {
	return s.driver.UpdateKeywordAdoptionDisabled(ctx, update)
}

func (s *Store) ListKeywordAdoptions(ctx context.Context, find *FindKeywordAdoption) ([]*KeywordAdoption, error) {
	return s.driver.ListKeywordAdoptions(ctx, find)
}

func (s *Store) ListPromotionCandidates(ctx context.Context, minFactories int) ([]*PromotionCandidate, error) {
	return s.driver.ListPromotionCandidates(ctx, minFactories)
}

func (s *Store) PromoteKeyword(ctx context.Context, promote *PromoteKeyword) (bool, error) {
	return s.driver.PromoteKeyword(ctx, promote)
}
