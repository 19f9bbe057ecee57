// Package complexity classifies a natural-language query into a processing
// tier: rule scoring first, then an embedding classifier inside the ambiguous
// bands around tier boundaries, with an optional LLM fallback.
package complexity

import "math"

// ProcessingMode is the execution strategy chosen for a query.
type ProcessingMode string

const (
	ModeFast          ProcessingMode = "fast"
	ModeAnalysis      ProcessingMode = "analysis"
	ModeMultiAgent    ProcessingMode = "multi_agent"
	ModeDeepReasoning ProcessingMode = "deep_reasoning"
)

// Valid reports whether m is one of the four modes.
func (m ProcessingMode) Valid() bool {
	switch m {
	case ModeFast, ModeAnalysis, ModeMultiAgent, ModeDeepReasoning:
		return true
	}
	return false
}

// NumLevels is the number of complexity levels the classifiers emit.
const NumLevels = 5

// Level is a 1-indexed complexity level in [1, NumLevels].
type Level int

// DefaultLevel is used when a level cannot be determined.
const DefaultLevel Level = 3

// levelScores are the per-level complexity scores used by PredictScore.
var levelScores = [NumLevels]float64{0.1, 0.3, 0.5, 0.7, 0.9}

// Mode maps a level onto a mode. Levels 2 and 3 both map to analysis.
func (l Level) Mode() ProcessingMode {
	switch {
	case l <= 1:
		return ModeFast
	case l <= 3:
		return ModeAnalysis
	case l == 4:
		return ModeMultiAgent
	default:
		return ModeDeepReasoning
	}
}

// Tier boundaries of the rule score.
const (
	fastBoundary       = 0.3
	analysisBoundary   = 0.6
	multiAgentBoundary = 0.8

	// ambiguousRadius is the half-width of the band around each boundary.
	ambiguousRadius = 0.05
	bandEpsilon     = 1e-9
)

var boundaries = [...]float64{fastBoundary, analysisBoundary, multiAgentBoundary}

// ModeForScore maps a rule score onto a mode by fixed thresholds.
func ModeForScore(score float64) ProcessingMode {
	switch {
	case score < fastBoundary:
		return ModeFast
	case score < analysisBoundary:
		return ModeAnalysis
	case score < multiAgentBoundary:
		return ModeMultiAgent
	default:
		return ModeDeepReasoning
	}
}

// IsAmbiguous reports whether score lies within ±0.05 of a tier boundary,
// bounds included.
func IsAmbiguous(score float64) bool {
	for _, b := range boundaries {
		if math.Abs(score-b) <= ambiguousRadius+bandEpsilon {
			return true
		}
	}
	return false
}
