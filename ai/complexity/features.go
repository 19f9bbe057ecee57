package complexity

import (
	"regexp"
	"strings"
)

// QueryContext is the conversation context supplied by the caller.
type QueryContext struct {
	Topic             string   // Topic or intent the caller resolved, if any
	RequiredTools     []string // Tools the caller expects the query to need
	ConversationTurns int      // Prior turns in the conversation
	PriorContext      string   // Summary of earlier turns, if any
}

// QueryFeatures is the fixed-shape feature record derived from a query.
type QueryFeatures struct {
	QuestionWords     int
	HasComparison     bool
	HasCausal         bool
	HasTimeRange      bool
	RequiredTools     int
	IsAnalysis        bool
	ConversationDepth int
	HasPriorContext   bool
}

// Indicator vocabularies. Chinese alternations list longer words first so
// that "为什么" is not also counted as "什么".
var (
	zhQuestionWords = regexp.MustCompile(`为什么|为何|怎么样|怎么|怎样|如何|什么|哪些|哪个|哪里|多少|几个|是否|能否|吗|呢`)
	enQuestionWords = regexp.MustCompile(`(?i)\b(what|why|how|which|where|when|who|whom|whose|whether)\b`)

	comparisonWords = []string{
		"对比", "比较", "区别", "差异", "相比", "哪个更", "优缺点", "优劣", "不同",
		"compare", "comparison", "difference", "versus", " vs ", " vs.", "better than", "pros and cons",
	}
	causalWords = []string{
		"为什么", "为何", "原因", "导致", "因为", "所以", "造成", "由于",
		"why", "because", "cause", "reason", "lead to", "result in", "due to",
	}
	timeRangeWords = []string{
		"最近", "近期", "上周", "本周", "这周", "上个月", "本月", "这个月", "今年", "去年", "过去", "期间", "以来", "季度",
		"last week", "last month", "last year", "this week", "this month", "this year",
		"past ", "recent", "since ", "yesterday", "quarter",
	}
	timeRangePatterns = []*regexp.Regexp{
		regexp.MustCompile(`从.+到`),
		regexp.MustCompile(`\d+\s*(天|周|个月|月|年)(内|以来|之内)?`),
		regexp.MustCompile(`\d{4}[-/年]\d{1,2}`),
		regexp.MustCompile(`(?i)\bfrom\b.+\b(to|until)\b`),
		regexp.MustCompile(`(?i)\b(last|past)\s+\d+\s+(days?|weeks?|months?|years?)\b`),
	}
	analysisWords = []string{
		"分析", "总结", "评估", "趋势", "统计", "规划", "洞察", "报告", "归纳", "研判", "诊断",
		"analyze", "analyse", "analysis", "summarize", "summarise", "evaluate", "assess", "trend",
		"insight", "report", "breakdown",
	}
)

// ExtractorConfig configures the feature extractor.
type ExtractorConfig struct {
	// TopicTools lists the tools implied by a topic when the caller does not
	// pass RequiredTools explicitly.
	TopicTools map[string][]string
}

// FeatureExtractor turns query text and context into QueryFeatures.
// It holds no mutable state and is safe for concurrent use.
type FeatureExtractor struct {
	topicTools map[string][]string
}

// NewFeatureExtractor creates a feature extractor.
func NewFeatureExtractor(cfg ExtractorConfig) *FeatureExtractor {
	topicTools := make(map[string][]string, len(cfg.TopicTools))
	for topic, tools := range cfg.TopicTools {
		topicTools[strings.ToLower(strings.TrimSpace(topic))] = append([]string(nil), tools...)
	}
	return &FeatureExtractor{topicTools: topicTools}
}

// Extract computes the features of text in context qc.
func (e *FeatureExtractor) Extract(text string, qc QueryContext) QueryFeatures {
	lower := strings.ToLower(text)
	padded := " " + lower + " "

	f := QueryFeatures{
		QuestionWords:     len(zhQuestionWords.FindAllStringIndex(text, -1)) + len(enQuestionWords.FindAllStringIndex(text, -1)),
		HasComparison:     containsAny(padded, comparisonWords),
		HasCausal:         containsAny(lower, causalWords),
		HasTimeRange:      containsAny(padded, timeRangeWords) || matchesAny(text, timeRangePatterns),
		RequiredTools:     e.toolCount(qc),
		IsAnalysis:        containsAny(lower, analysisWords),
		ConversationDepth: max(0, qc.ConversationTurns),
		HasPriorContext:   qc.ConversationTurns > 0 || strings.TrimSpace(qc.PriorContext) != "",
	}
	return f
}

func (e *FeatureExtractor) toolCount(qc QueryContext) int {
	if len(qc.RequiredTools) > 0 {
		return len(qc.RequiredTools)
	}
	if qc.Topic == "" {
		return 0
	}
	return len(e.topicTools[strings.ToLower(strings.TrimSpace(qc.Topic))])
}

// containsAny checks if s contains any of the patterns.
func containsAny(s string, patterns []string) bool {
	for _, p := range patterns {
		if strings.Contains(s, p) {
			return true
		}
	}
	return false
}

func matchesAny(s string, patterns []*regexp.Regexp) bool {
	for _, re := range patterns {
		if re.MatchString(s) {
			return true
		}
	}
	return false
}
