package store

// KeywordAdoption records that a tenant (factory) uses a keyword for an intent.
type KeywordAdoption struct {
	IntentCode         string
	Keyword            string
	TenantID           string
	EffectivenessScore float64
	UsageCount         int64
	IsDisabled         bool
	DisabledReason     string
	IsPromoted         bool
	PromotedTs         int64
	CreatedTs          int64
	UpdatedTs          int64
}

// FindKeywordAdoption is the find condition for adoption rows.
type FindKeywordAdoption struct {
	IntentCode string
	Keyword    string
}

// TouchKeywordAdoption records one use of a keyword by a tenant.
// The row is created on first use; later uses bump the usage count
// and overwrite the tenant-local effectiveness score.
type TouchKeywordAdoption struct {
	IntentCode         string
	Keyword            string
	TenantID           string
	EffectivenessScore float64
}

// UpdateKeywordAdoptionDisabled toggles the sticky tenant opt-out flag.
type UpdateKeywordAdoptionDisabled struct {
	IntentCode string
	Keyword    string
	TenantID   string
	Disabled   bool
	Reason     string
}

// PromotionCandidate is an (intent, keyword) pair with enough adopting tenants
// to be considered for promotion.
type PromotionCandidate struct {
	IntentCode  string
	Keyword     string
	TenantCount int64
}

// PromotionFold decides, from the locked adoption rows of a pair, whether to
// promote and with which weight. Tenants lists the adoptions to mark promoted.
type PromotionFold func(adoptions []*KeywordAdoption) (weight float64, tenants []string, ok bool)

// PromoteKeyword describes one atomic promotion of an (intent, keyword) pair.
type PromoteKeyword struct {
	IntentCode string
	Keyword    string
	Fold       PromotionFold
}
