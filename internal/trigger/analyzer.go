package trigger

import (
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/PiGrieco/mcp-memory-server/internal/recall"
	"go.uber.org/zap"
)

const (
	DefaultTriggerConfidence  = 0.9
	DefaultBaselineConfidence = 0.1
)

// questionWords are interrogatives (English and Italian) that mark a message as a question.
var questionWords = map[string]struct{}{
	"what": {}, "how": {}, "why": {}, "when": {}, "where": {}, "who": {}, "which": {}, "whose": {},
	"come": {}, "cosa": {}, "perché": {}, "perche": {}, "quando": {}, "dove": {}, "chi": {},
	"quale": {}, "quali": {}, "quanto": {}, "quanti": {},
}

// Match is one rule that fired on a message.
type Match struct {
	Rule       string  `json:"rule"`
	Kind       Kind    `json:"kind"`
	Action     Action  `json:"action"`
	Priority   int     `json:"priority"`
	MemoryType string  `json:"memory_type,omitempty"`
	Importance float64 `json:"importance,omitempty"`
}

// Analysis is the deterministic analyzer's view of a message.
type Analysis struct {
	Triggers     []Match `json:"triggers"`
	ShouldSave   bool    `json:"should_save"`
	ShouldSearch bool    `json:"should_search"`
	Question     bool    `json:"question"`
	Confidence   float64 `json:"confidence"`
}

// Decision converts the analysis to a Decision; signals are "rule:<name>" in
// priority order followed by "question".
func (a Analysis) Decision() Decision {
	d := Decision{
		ShouldSave:   a.ShouldSave,
		ShouldSearch: a.ShouldSearch,
		Confidence:   a.Confidence,
		Signals:      make([]string, 0, len(a.Triggers)+1),
	}
	for _, m := range a.Triggers {
		d.Signals = append(d.Signals, "rule:"+m.Rule)
	}
	if a.Question {
		d.Signals = append(d.Signals, "question")
	}
	return d
}

// Analyzer evaluates a RuleSet against messages. The rule set can be swapped
// at runtime; each Analyze call sees one consistent set.
type Analyzer struct {
	rules              atomic.Pointer[RuleSet]
	triggerConfidence  float64
	baselineConfidence float64
	logger             *zap.Logger
}

// NewAnalyzer creates an analyzer. A nil rule set selects the defaults and
// non-positive confidences select the default constants.
func NewAnalyzer(rules *RuleSet, triggerConfidence, baselineConfidence float64, logger *zap.Logger) *Analyzer {
	if rules == nil {
		rules = DefaultRuleSet()
	}
	if triggerConfidence <= 0 {
		triggerConfidence = DefaultTriggerConfidence
	}
	if baselineConfidence <= 0 {
		baselineConfidence = DefaultBaselineConfidence
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	a := &Analyzer{
		triggerConfidence:  triggerConfidence,
		baselineConfidence: baselineConfidence,
		logger:             logger,
	}
	a.rules.Store(rules)
	return a
}

// Rules returns the active rule set.
func (a *Analyzer) Rules() *RuleSet {
	return a.rules.Load()
}

// SetRules replaces the active rule set.
func (a *Analyzer) SetRules(rs *RuleSet) {
	if rs == nil {
		return
	}
	a.rules.Store(rs)
	a.logger.Info("Trigger rules replaced", zap.Int("rules", rs.Len()))
}

// Analyze evaluates every enabled rule against text.
func (a *Analyzer) Analyze(text string) Analysis {
	out := Analysis{Triggers: []Match{}, Confidence: a.baselineConfidence}
	if strings.TrimSpace(text) == "" {
		return out
	}

	lower := strings.ToLower(text)
	length := utf8.RuneCountInString(text)
	seen := make(map[string]struct{})

	for _, r := range a.rules.Load().rules {
		if !r.IsEnabled() {
			continue
		}
		if _, dup := seen[r.Name]; dup {
			continue
		}
		if !r.matches(text, lower, length) {
			continue
		}
		seen[r.Name] = struct{}{}
		out.Triggers = append(out.Triggers, Match{
			Rule:       r.Name,
			Kind:       r.Kind,
			Action:     r.Action,
			Priority:   r.Priority,
			MemoryType: r.MemoryType,
			Importance: r.Importance,
		})
		if (r.Kind == KindKeyword || r.Kind == KindPattern) && r.Action.Saves() {
			out.ShouldSave = true
		}
	}

	// Search intent of rules stays in Triggers; only a question searches.
	out.Question = IsQuestion(text)
	out.ShouldSearch = out.Question
	if len(out.Triggers) > 0 {
		out.Confidence = a.triggerConfidence
	}
	return out
}

func (r *compiledRule) matches(text, lower string, length int) bool {
	switch r.Kind {
	case KindKeyword, KindSemanticFlow:
		for _, kw := range r.keywords {
			if strings.Contains(lower, kw) {
				return true
			}
		}
		return false
	case KindPattern:
		return r.re.MatchString(text)
	case KindLength:
		return length >= r.MinLength
	default:
		return false
	}
}

// IsQuestion reports whether text contains a question mark or an interrogative word.
func IsQuestion(text string) bool {
	if strings.ContainsRune(text, '?') {
		return true
	}
	for _, w := range recall.Tokenize(text) {
		if _, ok := questionWords[w]; ok {
			return true
		}
	}
	return false
}
