package trigger

import (
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"
)

// Kind selects how a rule's condition is evaluated.
type Kind string

const (
	KindKeyword      Kind = "keyword"
	KindPattern      Kind = "pattern"
	KindLength       Kind = "length"
	KindSemanticFlow Kind = "semantic_flow"
)

// Rule is one trigger condition and the action it requests.
type Rule struct {
	Name       string   `yaml:"name" json:"name"`
	Kind       Kind     `yaml:"kind" json:"kind"`
	Keywords   []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	Pattern    string   `yaml:"pattern,omitempty" json:"pattern,omitempty"`
	MinLength  int      `yaml:"min_length,omitempty" json:"min_length,omitempty"`
	Action     Action   `yaml:"action" json:"action"`
	Priority   int      `yaml:"priority" json:"priority"`
	Enabled    *bool    `yaml:"enabled,omitempty" json:"enabled,omitempty"`
	MemoryType string   `yaml:"memory_type,omitempty" json:"memory_type,omitempty"`
	Importance float64  `yaml:"importance,omitempty" json:"importance,omitempty"`
}

// IsEnabled reports whether the rule takes part in analysis. Rules are enabled unless disabled explicitly.
func (r Rule) IsEnabled() bool {
	return r.Enabled == nil || *r.Enabled
}

type compiledRule struct {
	Rule
	keywords []string
	re       *regexp.Regexp
}

// RuleSet is an immutable, validated, priority-ordered set of rules.
type RuleSet struct {
	rules []compiledRule
}

type ruleFile struct {
	ExtendDefaults bool   `yaml:"extend_defaults"`
	Rules          []Rule `yaml:"rules"`
}

var (
	regexMu    sync.Mutex
	regexCache = make(map[string]*regexp.Regexp)
)

// flagPrefix matches a leading flag group such as (?i) or (?-i).
var flagPrefix = regexp.MustCompile(`^\(\?[imsU-]+\)`)

// getOrCompileRegex gets a compiled regex from cache or compiles it
func getOrCompileRegex(pattern string) (*regexp.Regexp, error) {
	regexMu.Lock()
	defer regexMu.Unlock()

	if re, ok := regexCache[pattern]; ok {
		return re, nil
	}

	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, err
	}

	regexCache[pattern] = re
	return re, nil
}

// NewRuleSet validates rules and orders them by descending priority, then name.
func NewRuleSet(rules []Rule) (*RuleSet, error) {
	seen := make(map[string]struct{}, len(rules))
	compiled := make([]compiledRule, 0, len(rules))

	for i, r := range rules {
		r.Name = strings.TrimSpace(r.Name)
		if r.Name == "" {
			return nil, fmt.Errorf("rule %d: name is required", i)
		}
		if _, dup := seen[r.Name]; dup {
			return nil, fmt.Errorf("rule %q: duplicate name", r.Name)
		}
		seen[r.Name] = struct{}{}
		if !r.Action.IsValid() || r.Action == ActionNone {
			return nil, fmt.Errorf("rule %q: unknown action %q", r.Name, r.Action)
		}
		if r.Importance < 0 || r.Importance > 1 {
			return nil, fmt.Errorf("rule %q: importance must be between 0 and 1", r.Name)
		}

		cr := compiledRule{Rule: r}
		switch r.Kind {
		case KindKeyword, KindSemanticFlow:
			for _, kw := range r.Keywords {
				kw = strings.ToLower(strings.TrimSpace(kw))
				if kw != "" {
					cr.keywords = append(cr.keywords, kw)
				}
			}
			if len(cr.keywords) == 0 {
				return nil, fmt.Errorf("rule %q: %s rule needs at least one keyword", r.Name, r.Kind)
			}
		case KindPattern:
			pattern := r.Pattern
			if strings.TrimSpace(pattern) == "" {
				return nil, fmt.Errorf("rule %q: pattern rule needs a pattern", r.Name)
			}
			if !flagPrefix.MatchString(pattern) {
				pattern = "(?i)" + pattern
			}
			re, err := getOrCompileRegex(pattern)
			if err != nil {
				return nil, fmt.Errorf("rule %q: invalid pattern: %w", r.Name, err)
			}
			cr.re = re
		case KindLength:
			if r.MinLength <= 0 {
				return nil, fmt.Errorf("rule %q: length rule needs a positive min_length", r.Name)
			}
		default:
			return nil, fmt.Errorf("rule %q: unknown kind %q", r.Name, r.Kind)
		}
		compiled = append(compiled, cr)
	}

	sort.SliceStable(compiled, func(i, j int) bool {
		if compiled[i].Priority != compiled[j].Priority {
			return compiled[i].Priority > compiled[j].Priority
		}
		return compiled[i].Name < compiled[j].Name
	})

	return &RuleSet{rules: compiled}, nil
}

// MustRuleSet is NewRuleSet for rule tables known to be valid.
func MustRuleSet(rules []Rule) *RuleSet {
	rs, err := NewRuleSet(rules)
	if err != nil {
		panic(err)
	}
	return rs
}

// DefaultRuleSet returns the built-in rules.
func DefaultRuleSet() *RuleSet {
	return MustRuleSet(DefaultRules())
}

// Rules returns the rules in evaluation order.
func (rs *RuleSet) Rules() []Rule {
	out := make([]Rule, len(rs.rules))
	for i, r := range rs.rules {
		out[i] = r.Rule
	}
	return out
}

// Len returns the number of rules, enabled or not.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// LoadRules reads a YAML rule file. With extend_defaults set, file rules are
// added to the built-in ones and replace built-ins of the same name.
func LoadRules(path string) (*RuleSet, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses YAML rule data.
func ParseRules(data []byte) (*RuleSet, error) {
	var parsed ruleFile
	if err := yaml.Unmarshal(data, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	if !parsed.ExtendDefaults {
		if len(parsed.Rules) == 0 {
			return nil, fmt.Errorf("rules file defines no rules")
		}
		return NewRuleSet(parsed.Rules)
	}

	overrides := make(map[string]Rule, len(parsed.Rules))
	for _, r := range parsed.Rules {
		overrides[strings.TrimSpace(r.Name)] = r
	}
	merged := make([]Rule, 0, len(parsed.Rules)+len(DefaultRules()))
	for _, r := range DefaultRules() {
		if o, ok := overrides[r.Name]; ok {
			merged = append(merged, o)
			delete(overrides, r.Name)
			continue
		}
		merged = append(merged, r)
	}
	for _, r := range parsed.Rules {
		if _, ok := overrides[strings.TrimSpace(r.Name)]; ok {
			merged = append(merged, r)
		}
	}
	return NewRuleSet(merged)
}

func enabled(v bool) *bool { return &v }

// DefaultRules returns the built-in rule table (English and Italian).
func DefaultRules() []Rule {
	return []Rule{
		{
			Name: "explicit_save", Kind: KindKeyword, Action: ActionSave, Priority: 100, Importance: 0.8,
			Keywords: []string{"ricorda", "memorizza", "salva questo", "non dimenticare", "tieni a mente",
				"remember", "save this", "don't forget", "keep in mind", "note that"},
		},
		{
			Name: "solution", Kind: KindKeyword, Action: ActionSave, Priority: 80, Importance: 0.8,
			MemoryType: "solution",
			Keywords: []string{"soluzione", "risolto", "ho risolto", "workaround", "fixed", "solution",
				"solved", "resolved", "the fix"},
		},
		{
			Name: "decision", Kind: KindKeyword, Action: ActionSave, Priority: 70, Importance: 0.75,
			MemoryType: "decision",
			Keywords: []string{"abbiamo deciso", "ho deciso", "decisione", "useremo", "we decided",
				"decided to", "we will use", "let's go with", "decision"},
		},
		{
			Name: "error_report", Kind: KindPattern, Action: ActionSave, Priority: 60, Importance: 0.6,
			MemoryType: "solution",
			Pattern:    `\b(error|exception|traceback|panic|errore|eccezione)\b\s*[:\-]`,
		},
		{
			Name: "code_block", Kind: KindPattern, Action: ActionSave, Priority: 50, Importance: 0.6,
			MemoryType: "code_snippet",
			Pattern:    "```",
		},
		{
			Name: "topic_continuation", Kind: KindSemanticFlow, Action: ActionSearch, Priority: 40,
			Keywords: []string{"come dicevamo", "come abbiamo visto", "riprendiamo", "tornando a",
				"as we discussed", "as discussed", "like last time", "continuing from", "going back to"},
		},
		{
			Name: "long_message", Kind: KindLength, Action: ActionSummarizeAndSave, Priority: 10,
			MinLength: 800, Importance: 0.5, Enabled: enabled(true),
		},
	}
}
