package engine

import (
	"context"
	"errors"
	"strings"
	"unicode/utf8"

	"github.com/PiGrieco/mcp-memory-server/internal/adaptive"
	"github.com/PiGrieco/mcp-memory-server/internal/memory"
	"github.com/PiGrieco/mcp-memory-server/internal/metrics"
	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	defaultAutoSaveImportance = 0.7
	summaryMaxRunes           = 500
	autoSavedTag              = "auto-saved"
)

var tracer = otel.Tracer("github.com/PiGrieco/mcp-memory-server/internal/engine")

// Message is one incoming conversational message.
type Message struct {
	Text      string   `json:"text"`
	Project   string   `json:"project,omitempty"`
	UserID    string   `json:"user_id,omitempty"`
	SessionID string   `json:"session_id,omitempty"`
	Tags      []string `json:"tags,omitempty"`
}

// Evaluation is the combined decision plus the inputs it was built from.
type Evaluation struct {
	Decision trigger.Decision  `json:"decision"`
	Analysis trigger.Analysis  `json:"analysis"`
	Adaptive *trigger.Decision `json:"adaptive,omitempty"`
}

// Outcome is what handling a message did.
type Outcome struct {
	Evaluation
	Saved   *memory.Memory        `json:"saved,omitempty"`
	Related []memory.SearchResult `json:"related,omitempty"`
}

// Options controls which actions the engine performs automatically.
type Options struct {
	AutoSave           bool
	AutoSearch         bool
	AutoSaveImportance float64
	MaxResults         int
}

// Engine runs the deterministic analyzer and the adaptive predictor, combines
// their decisions and applies the result to the store.
type Engine struct {
	analyzer  *trigger.Analyzer
	predictor adaptive.Predictor
	store     *memory.Store
	metrics   *metrics.Metrics
	logger    *zap.Logger
	opts      Options
}

// New creates an engine. predictor and m may be nil.
func New(analyzer *trigger.Analyzer, predictor adaptive.Predictor, store *memory.Store, m *metrics.Metrics, logger *zap.Logger, opts Options) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.AutoSaveImportance <= 0 {
		opts.AutoSaveImportance = defaultAutoSaveImportance
	}
	return &Engine{
		analyzer:  analyzer,
		predictor: predictor,
		store:     store,
		metrics:   m,
		logger:    logger,
		opts:      opts,
	}
}

// Analyzer returns the engine's deterministic analyzer.
func (e *Engine) Analyzer() *trigger.Analyzer {
	return e.analyzer
}

// Evaluate decides what to do with text without touching the store.
// The analyzer and the adaptive predictor run concurrently; an unavailable
// predictor leaves the deterministic decision in charge.
func (e *Engine) Evaluate(ctx context.Context, text string) (*Evaluation, error) {
	var (
		analysis    trigger.Analysis
		adaptiveDec *trigger.Decision
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		analysis = e.analyzer.Analyze(text)
		return nil
	})
	if e.predictor != nil {
		g.Go(func() error {
			d, err := e.predictor.Predict(gctx, text)
			if err != nil {
				e.recordFallback(err)
				return nil
			}
			adaptiveDec = &d
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	decision := trigger.Combine(analysis.Decision(), adaptiveDec)
	if e.metrics != nil {
		e.metrics.Decisions.WithLabelValues(string(decision.Action())).Inc()
	}
	return &Evaluation{Decision: decision, Analysis: analysis, Adaptive: adaptiveDec}, nil
}

// Handle evaluates msg and performs the resulting search and save. The search
// runs before the save so the message never matches itself.
func (e *Engine) Handle(ctx context.Context, msg Message) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "engine.Handle")
	defer span.End()

	eval, err := e.Evaluate(ctx, msg.Text)
	if err != nil {
		return nil, err
	}
	out := &Outcome{Evaluation: *eval}
	span.SetAttributes(
		attribute.String("decision.action", string(eval.Decision.Action())),
		attribute.Float64("decision.confidence", eval.Decision.Confidence))

	if eval.Decision.ShouldSearch && e.opts.AutoSearch {
		related, err := e.store.Search(ctx, memory.SearchRequest{
			Query:      msg.Text,
			Project:    msg.Project,
			MaxResults: e.opts.MaxResults,
			UserID:     msg.UserID,
			SessionID:  msg.SessionID,
		})
		if err != nil && !memory.IsValidation(err) {
			return nil, err
		}
		out.Related = related
	}

	if eval.Decision.ShouldSave && e.opts.AutoSave {
		saved, err := e.store.Save(ctx, e.saveRequest(msg, eval))
		if err != nil {
			return nil, err
		}
		out.Saved = saved
	}

	e.logger.Debug("Message handled",
		zap.String("action", string(eval.Decision.Action())),
		zap.Float64("confidence", eval.Decision.Confidence),
		zap.Strings("signals", eval.Decision.Signals),
		zap.Int("related", len(out.Related)),
		zap.Bool("saved", out.Saved != nil))

	return out, nil
}

// Feedback reports the action that should have been taken for text. It
// returns false when the adaptive predictor does not learn.
func (e *Engine) Feedback(text string, actual trigger.Action, predicted trigger.Decision) bool {
	learner, ok := e.predictor.(adaptive.Learner)
	if !ok {
		return false
	}
	learner.Learn(text, actual, predicted)
	return true
}

func (e *Engine) recordFallback(err error) {
	reason := "error"
	switch {
	case errors.Is(err, adaptive.ErrUnavailable):
		reason = "unavailable"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		reason = "cancelled"
	}
	if e.metrics != nil {
		e.metrics.ClassifierFallbacks.WithLabelValues(reason).Inc()
	}
	e.logger.Debug("Adaptive predictor skipped", zap.String("reason", reason), zap.Error(err))
}

// saveRequest builds the memory for an automatic save from the matched rules.
// The highest-priority saving rule decides the type; importance is the
// largest rule importance, or the configured default when no rule sets one.
func (e *Engine) saveRequest(msg Message, eval *Evaluation) memory.SaveRequest {
	importance := 0.0
	memType := memory.Conversation
	summarize := false
	typed := false
	for _, m := range eval.Analysis.Triggers {
		if !m.Action.Saves() {
			continue
		}
		if m.Importance > importance {
			importance = m.Importance
		}
		if !typed && m.MemoryType != "" {
			memType = memory.Type(m.MemoryType)
			typed = true
		}
		if m.Action == trigger.ActionSummarizeAndSave {
			summarize = true
		}
	}
	if importance == 0 {
		importance = e.opts.AutoSaveImportance
	}

	content := msg.Text
	metadata := map[string]any{
		"source":     "auto_trigger",
		"confidence": eval.Decision.Confidence,
		"signals":    append([]string(nil), eval.Decision.Signals...),
	}
	if summarize {
		content = Summarize(msg.Text, summaryMaxRunes)
		if content != msg.Text {
			metadata["summarized"] = true
			metadata["original_length"] = utf8.RuneCountInString(msg.Text)
		}
	}

	tags := append([]string{autoSavedTag}, msg.Tags...)
	return memory.SaveRequest{
		Content:    content,
		Project:    msg.Project,
		Type:       memType,
		Importance: &importance,
		Tags:       tags,
		Metadata:   metadata,
		UserID:     msg.UserID,
		SessionID:  msg.SessionID,
	}
}

// Summarize shortens text to at most maxRunes, cutting at the last sentence
// boundary that fits, or at a word boundary when no sentence fits.
func Summarize(text string, maxRunes int) string {
	text = strings.TrimSpace(text)
	if utf8.RuneCountInString(text) <= maxRunes {
		return text
	}
	runes := []rune(text)
	cut := string(runes[:maxRunes])

	if i := strings.LastIndexAny(cut, ".!?\n"); i > 0 {
		return strings.TrimSpace(cut[:i+1])
	}
	if i := strings.LastIndex(cut, " "); i > 0 {
		return strings.TrimSpace(cut[:i]) + "…"
	}
	return cut + "…"
}
