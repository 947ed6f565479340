package adaptive

import (
	"github.com/PiGrieco/mcp-memory-server/internal/recall"
	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
)

// Feature names, in the fixed order used for signals and classifier inputs.
const (
	FeatureImportance = "importance_keywords"
	FeatureTechnical  = "technical_terms"
	FeatureQuestion   = "question"
	FeatureNovelty    = "novelty"
)

// FeatureNames lists every feature in canonical order.
var FeatureNames = []string{FeatureImportance, FeatureTechnical, FeatureQuestion, FeatureNovelty}

// activeThreshold is the value above which a feature counts as active for learning and signals.
const activeThreshold = 0.5

const (
	importanceScale = 3.0
	technicalScale  = 2.0
)

var importanceWords = wordSet(
	"important", "importante", "remember", "ricorda", "ricordati", "critical", "critico",
	"solution", "soluzione", "decision", "decisione", "note", "nota", "key", "chiave",
	"always", "sempre", "never", "mai", "must", "save", "salva", "fixed", "risolto",
	"preference", "preferenza", "rule", "regola",
)

var technicalWords = wordSet(
	"api", "database", "db", "sql", "query", "function", "funzione", "bug", "error", "errore",
	"server", "client", "deploy", "docker", "kubernetes", "config", "cache", "react", "python",
	"golang", "javascript", "typescript", "endpoint", "schema", "migration", "test", "build",
	"compile", "thread", "async", "http", "json", "git", "index", "performance", "memory",
	"token", "latency", "stack", "framework", "library", "module", "package",
)

func wordSet(words ...string) map[string]struct{} {
	set := make(map[string]struct{}, len(words))
	for _, w := range words {
		set[w] = struct{}{}
	}
	return set
}

// Features maps feature names to values in [0,1].
type Features map[string]float64

// Active returns the names of features above the activity threshold, in canonical order.
func (f Features) Active() []string {
	var out []string
	for _, name := range FeatureNames {
		if f[name] > activeThreshold {
			out = append(out, name)
		}
	}
	return out
}

// Vector returns the feature values in canonical order.
func (f Features) Vector() []float32 {
	out := make([]float32, len(FeatureNames))
	for i, name := range FeatureNames {
		out[i] = float32(f[name])
	}
	return out
}

// Extract computes the feature values of text.
func Extract(text string) Features {
	words := recall.Tokenize(text)
	f := Features{
		FeatureImportance: 0,
		FeatureTechnical:  0,
		FeatureQuestion:   0,
		FeatureNovelty:    0,
	}
	if trigger.IsQuestion(text) {
		f[FeatureQuestion] = 1
	}
	if len(words) == 0 {
		return f
	}

	var important, technical int
	unique := make(map[string]struct{}, len(words))
	for _, w := range words {
		unique[w] = struct{}{}
		if _, ok := importanceWords[w]; ok {
			important++
		}
		if _, ok := technicalWords[w]; ok {
			technical++
		}
	}

	total := float64(len(words))
	f[FeatureImportance] = clamp(float64(important) / total * importanceScale)
	f[FeatureTechnical] = clamp(float64(technical) / total * technicalScale)
	f[FeatureNovelty] = float64(len(unique)) / total
	return f
}

func clamp(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
