package complexity

// Rule weights per feature contribution.
const (
	weightQuestionWord = 0.1
	weightComparison   = 0.2
	weightCausal       = 0.2
	weightTimeRange    = 0.1
	weightTool         = 0.05
	weightAnalysis     = 0.2
	weightTurn         = 0.02
)

// RuleScorer maps features to a complexity estimate with a fixed linear weighting.
type RuleScorer struct{}

// NewRuleScorer creates a rule scorer.
func NewRuleScorer() *RuleScorer {
	return &RuleScorer{}
}

// Score returns the weighted feature sum clamped to [0, 1].
func (RuleScorer) Score(f QueryFeatures) float64 {
	score := float64(max(0, f.QuestionWords))*weightQuestionWord +
		float64(max(0, f.RequiredTools))*weightTool +
		float64(max(0, f.ConversationDepth))*weightTurn
	if f.HasComparison {
		score += weightComparison
	}
	if f.HasCausal {
		score += weightCausal
	}
	if f.HasTimeRange {
		score += weightTimeRange
	}
	if f.IsAnalysis {
		score += weightAnalysis
	}

	switch {
	case score < 0:
		return 0
	case score > 1:
		return 1
	}
	return score
}
