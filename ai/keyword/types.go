// Package keyword tracks per-tenant keyword effectiveness and promotes
// keywords that prove effective across tenants to the shared global scope.
package keyword

import (
	"context"
	"errors"
	"strings"

	"github.com/hrygo/keyroute/store"
)

// GlobalScope is the reserved tenant scope holding promoted keywords.
const GlobalScope = store.GlobalTenantID

// Source represents how a keyword record came into existence.
type Source string

const (
	SourceManual      Source = "MANUAL"
	SourceAutoLearned Source = "AUTO_LEARNED"
	SourcePromoted    Source = "PROMOTED"
)

var (
	// ErrInvalidKey is returned when a tenant, intent code or keyword is blank.
	ErrInvalidKey = errors.New("keyword: tenant, intent code and keyword are required")
	// ErrGlobalScope is returned when feedback targets the global scope directly.
	ErrGlobalScope = errors.New("keyword: global scope is written only by promotion")
	// ErrConflict is returned when a concurrent writer changed the record first.
	// Callers may retry; the tracker already retries internally.
	ErrConflict = errors.New("keyword: concurrent update conflict")
)

// Key identifies a keyword record: (tenant scope, intent code, keyword).
type Key struct {
	TenantID   string
	IntentCode string
	Keyword    string
}

func (k Key) normalize() Key {
	return Key{
		TenantID:   strings.TrimSpace(k.TenantID),
		IntentCode: strings.TrimSpace(k.IntentCode),
		Keyword:    strings.TrimSpace(k.Keyword),
	}
}

func (k Key) validate() error {
	if k.TenantID == "" || k.IntentCode == "" || k.Keyword == "" {
		return ErrInvalidKey
	}
	return nil
}

// Record is the effectiveness statistics of one keyword in one tenant scope.
type Record struct {
	Key
	PositiveCount      int64
	NegativeCount      int64
	EffectivenessScore float64
	Weight             float64
	Specificity        float64
	Source             Source
	LastMatchedTs      int64
	Version            int64
	CreatedTs          int64
	UpdatedTs          int64
}

// Adoption records that a tenant uses a keyword for an intent.
type Adoption struct {
	Key
	EffectivenessScore float64
	UsageCount         int64
	IsDisabled         bool
	DisabledReason     string
	IsPromoted         bool
	PromotedTs         int64
}

// IntentCount is the number of distinct intents a keyword appears in.
type IntentCount struct {
	Keyword     string
	IntentCount int64
}

// Candidate is an (intent, keyword) pair considered for promotion.
type Candidate struct {
	IntentCode  string
	Keyword     string
	TenantCount int64
}

// RecordFilter selects records; empty fields match everything.
type RecordFilter struct {
	TenantID   string
	IntentCode string
	Keyword    string
	Limit      int
}

// PromotionFold inspects the locked adoptions of a pair and returns the global
// weight, the tenants to mark promoted, and whether to promote at all.
type PromotionFold func(adoptions []*Adoption) (weight float64, tenants []string, ok bool)

// Storage is the persistence contract of the tracker and the promotion engine.
type Storage interface {
	// GetRecord returns nil without error when the key does not exist.
	GetRecord(ctx context.Context, key Key) (*Record, error)
	ListRecords(ctx context.Context, filter RecordFilter) ([]*Record, error)
	// CreateRecord inserts the record unless its key exists; it reports whether it inserted.
	CreateRecord(ctx context.Context, record *Record) (bool, error)
	// UpdateFeedback writes counts, score and last-matched time when the stored
	// version equals expectedVersion; it reports whether the write applied.
	UpdateFeedback(ctx context.Context, record *Record, expectedVersion int64) (bool, error)

	ListIntentCounts(ctx context.Context, afterKeyword string, limit int) ([]IntentCount, error)
	UpdateSpecificity(ctx context.Context, keyword string, specificity float64) (int64, error)
	DeleteIneffective(ctx context.Context, tenantID string, threshold float64, minNegative int64) (int64, error)
	ListTenants(ctx context.Context) ([]string, error)

	TouchAdoption(ctx context.Context, key Key, score float64) error
	// SetAdoptionDisabled reports whether an adoption row was written.
	SetAdoptionDisabled(ctx context.Context, key Key, disabled bool, reason string) (bool, error)
	ListAdoptions(ctx context.Context, intentCode, keyword string) ([]*Adoption, error)
	ListPromotionCandidates(ctx context.Context, minFactories int) ([]Candidate, error)
	// Promote runs fold over the pair's adoptions and applies the result atomically.
	Promote(ctx context.Context, intentCode, keyword string, fold PromotionFold) (bool, error)
}

// Recorder receives keyword-learning metrics. A nil Recorder is replaced by a no-op.
type Recorder interface {
	RecordFeedback(positive bool)
	RecordConflict()
	RecordCleanup(removed int64)
	RecordSpecificity(updated int64)
	RecordPromotion(promoted bool)
}

type noopRecorder struct{}

func (noopRecorder) RecordFeedback(bool)     {}
func (noopRecorder) RecordConflict()         {}
func (noopRecorder) RecordCleanup(int64)     {}
func (noopRecorder) RecordSpecificity(int64) {}
func (noopRecorder) RecordPromotion(bool)    {}
