package store

// GlobalTenantID is the reserved tenant scope holding promoted keywords shared by every tenant.
const GlobalTenantID = "__GLOBAL__"

// KeywordSource represents how a keyword record came into existence.
type KeywordSource string

const (
	// KeywordSourceManual is a keyword registered explicitly by an operator.
	KeywordSourceManual KeywordSource = "MANUAL"
	// KeywordSourceAutoLearned is a keyword learned from feedback traffic.
	KeywordSourceAutoLearned KeywordSource = "AUTO_LEARNED"
	// KeywordSourcePromoted is a keyword promoted from tenant scope to the global scope.
	KeywordSourcePromoted KeywordSource = "PROMOTED"
)

// KeywordEffectiveness is the per-tenant, per-intent statistics row for a keyword.
type KeywordEffectiveness struct {
	TenantID           string
	IntentCode         string
	Keyword            string
	PositiveCount      int64
	NegativeCount      int64
	EffectivenessScore float64
	Weight             float64
	Specificity        float64
	Source             KeywordSource
	LastMatchedTs      int64
	Version            int64
	CreatedTs          int64
	UpdatedTs          int64
}

// FindKeywordEffectiveness is the find condition for keyword records.
type FindKeywordEffectiveness struct {
	TenantID   *string
	IntentCode *string
	Keyword    *string
	Limit      int
}

// UpdateKeywordFeedback is a compare-and-swap update of the feedback columns.
// It only applies when the stored version equals ExpectedVersion.
type UpdateKeywordFeedback struct {
	TenantID           string
	IntentCode         string
	Keyword            string
	PositiveCount      int64
	NegativeCount      int64
	EffectivenessScore float64
	LastMatchedTs      int64
	ExpectedVersion    int64
}

// KeywordIntentCount is the number of distinct intents a keyword appears in.
type KeywordIntentCount struct {
	Keyword     string
	IntentCount int64
}

// FindKeywordIntentCount pages through keywords in lexical order.
type FindKeywordIntentCount struct {
	AfterKeyword string
	Limit        int
}

// DeleteIneffectiveKeywords is the delete condition for the cleanup pass.
type DeleteIneffectiveKeywords struct {
	TenantID       string
	ScoreThreshold float64
	MinNegative    int64
}
