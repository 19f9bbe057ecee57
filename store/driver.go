package store

import (
	"context"
	"database/sql"
)

// Driver is an interface for store driver.
// It contains all methods that store database driver should implement.
type Driver interface {
	GetDB() *sql.DB
	Close() error

	// Migrate creates the keyword tables when they do not exist yet.
	Migrate(ctx context.Context) error

	// KeywordEffectiveness model related methods.
	GetKeywordEffectiveness(ctx context.Context, tenantID, intentCode, keyword string) (*KeywordEffectiveness, error)
	ListKeywordEffectiveness(ctx context.Context, find *FindKeywordEffectiveness) ([]*KeywordEffectiveness, error)
	CreateKeywordEffectiveness(ctx context.Context, create *KeywordEffectiveness) (bool, error)
	UpdateKeywordFeedback(ctx context.Context, update *UpdateKeywordFeedback) (bool, error)
	ListKeywordIntentCounts(ctx context.Context, find *FindKeywordIntentCount) ([]*KeywordIntentCount, error)
	UpdateKeywordSpecificity(ctx context.Context, keyword string, specificity float64) (int64, error)
	DeleteIneffectiveKeywords(ctx context.Context, delete *DeleteIneffectiveKeywords) (int64, error)
	ListKeywordTenants(ctx context.Context) ([]string, error)

	// KeywordAdoption model related methods.
	TouchKeywordAdoption(ctx context.Context, touch *TouchKeywordAdoption) error
	UpdateKeywordAdoptionDisabled(ctx context.Context, update *UpdateKeywordAdoptionDisabled) (bool, error)
	ListKeywordAdoptions(ctx context.Context, find *FindKeywordAdoption) ([]*KeywordAdoption, error)
	ListPromotionCandidates(ctx context.Context, minFactories int) ([]*PromotionCandidate, error)
	PromoteKeyword(ctx context.Context, promote *PromoteKeyword) (bool, error)
}
