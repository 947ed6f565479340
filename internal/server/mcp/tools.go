package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/PiGrieco/mcp-memory-server/internal/analytics"
	"github.com/PiGrieco/mcp-memory-server/internal/engine"
	"github.com/PiGrieco/mcp-memory-server/internal/memory"
	"github.com/PiGrieco/mcp-memory-server/internal/trigger"
)

// SaveArgs are the arguments of the save tool.
type SaveArgs struct {
	Content    string         `json:"content"`
	Project    string         `json:"project"`
	MemoryType string         `json:"memory_type"`
	Importance *float64       `json:"importance"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata"`
	UserID     string         `json:"user_id"`
	SessionID  string         `json:"session_id"`
}

// SearchArgs are the arguments of the search tool.
type SearchArgs struct {
	Query               string   `json:"query"`
	Project             string   `json:"project"`
	MemoryTypes         []string `json:"memory_types"`
	Tags                []string `json:"tags"`
	MinImportance       float64  `json:"min_importance"`
	MaxResults          int      `json:"max_results"`
	SimilarityThreshold *float64 `json:"similarity_threshold"`
	UserID              string   `json:"user_id"`
	SessionID           string   `json:"session_id"`
}

// ContextArgs are the arguments of the context tool.
type ContextArgs struct {
	Project string `json:"project"`
	Limit   int    `json:"limit"`
}

// DeleteArgs are the arguments of the delete tool. Hosts send the id as a
// string or a number.
type DeleteArgs struct {
	ID     MemoryID `json:"memory_id"`
	UserID string   `json:"user_id"`
}

// AnalyzeArgs are the arguments of the analyze tool. Message is accepted
// as an alias of Text.
type AnalyzeArgs struct {
	Text      string   `json:"text"`
	Message   string   `json:"message,omitempty"`
	Project   string   `json:"project"`
	UserID    string   `json:"user_id"`
	SessionID string   `json:"session_id"`
	Tags      []string `json:"tags"`
}

// FeedbackArgs are the arguments of the feedback tool. When Predicted is
// omitted the text is evaluated again to recover the prediction.
type FeedbackArgs struct {
	Text         string            `json:"text"`
	Message      string            `json:"message,omitempty"`
	ActualAction string            `json:"actual_action"`
	Predicted    *trigger.Decision `json:"predicted"`
}

func firstNonBlank(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// MemoryID is a memory id accepted as a JSON number or numeric string.
type MemoryID int64

// UnmarshalJSON implements json.Unmarshaler.
func (id *MemoryID) UnmarshalJSON(data []byte) error {
	s := strings.Trim(string(bytes.TrimSpace(data)), `"`)
	if s == "" || s == "null" {
		return fmt.Errorf("memory_id is required")
	}
	v, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return fmt.Errorf("memory_id %q is not an integer", s)
	}
	*id = MemoryID(v)
	return nil
}

var toolSchemas = map[Tool]map[string]interface{}{
	ToolSave: objectSchema(map[string]interface{}{
		"content":     prop("string", "Text to remember"),
		"project":     prop("string", "Project name (default: \"default\")"),
		"memory_type": prop("string", "Memory type: conversation, knowledge, decision, solution, code_snippet, context"),
		"importance":  prop("number", "Importance between 0 and 1 (default: 0.5)"),
		"tags":        arrayProp("Tags to attach"),
		"metadata":    prop("object", "Arbitrary metadata"),
		"user_id":     prop("string", "Owner of the memory"),
		"session_id":  prop("string", "Session the memory belongs to"),
	}, "content"),
	ToolSearch: objectSchema(map[string]interface{}{
		"query":                prop("string", "Search query"),
		"project":              prop("string", "Restrict to a project"),
		"memory_types":         arrayProp("Restrict to these memory types"),
		"tags":                 arrayProp("Require at least one of these tags"),
		"min_importance":       prop("number", "Minimum importance"),
		"max_results":          prop("number", "Maximum number of results"),
		"similarity_threshold": prop("number", "Minimum similarity between 0 and 1"),
		"user_id":              prop("string", "Caller identity for owner scoping"),
		"session_id":           prop("string", "Caller session for session scoping"),
	}, "query"),
	ToolContext: objectSchema(map[string]interface{}{
		"project": prop("string", "Project name"),
		"limit":   prop("number", "Number of recent memories (default: 10)"),
	}),
	ToolDelete: objectSchema(map[string]interface{}{
		"memory_id": prop("string", "Id of the memory to delete"),
		"user_id":   prop("string", "Caller identity, checked against the owner"),
	}, "memory_id"),
	ToolAnalyze: objectSchema(map[string]interface{}{
		"text":       prop("string", "Message text to analyze"),
		"project":    prop("string", "Project name"),
		"user_id":    prop("string", "Caller identity"),
		"session_id": prop("string", "Caller session"),
		"tags":       arrayProp("Tags for an automatic save"),
	}, "text"),
	ToolFeedback: objectSchema(map[string]interface{}{
		"text":          prop("string", "Message text that was analyzed"),
		"actual_action": prop("string", "Correct action: save, search, save_and_search, no_action"),
		"predicted":     prop("object", "Decision returned by the analysis"),
	}, "text", "actual_action"),
	ToolStats: objectSchema(map[string]interface{}{}),
}

func objectSchema(props map[string]interface{}, required ...string) map[string]interface{} {
	s := map[string]interface{}{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, description string) map[string]interface{} {
	return map[string]interface{}{"type": typ, "description": description}
}

func arrayProp(description string) map[string]interface{} {
	return map[string]interface{}{
		"type":        "array",
		"items":       map[string]interface{}{"type": "string"},
		"description": description,
	}
}

func decodeArgs(raw json.RawMessage, dst any) error {
	if len(bytes.TrimSpace(raw)) == 0 || string(bytes.TrimSpace(raw)) == "null" {
		raw = []byte("{}")
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return &memory.ValidationError{Field: "arguments", Message: err.Error()}
	}
	return nil
}

func (s *Server) callSave(ctx context.Context, raw json.RawMessage) (string, error) {
	var args SaveArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}

	m, err := s.store.Save(ctx, memory.SaveRequest{
		Content:    args.Content,
		Project:    args.Project,
		Type:       memory.Type(args.MemoryType),
		Importance: args.Importance,
		Tags:       args.Tags,
		Metadata:   args.Metadata,
		UserID:     args.UserID,
		SessionID:  args.SessionID,
	})
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("Saved memory %d [%s] in project %s (importance %.2f)", m.ID, m.Type, m.Project, m.Importance), nil
}

func (s *Server) callSearch(ctx context.Context, raw json.RawMessage) (string, error) {
	var args SearchArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	types := make([]memory.Type, 0, len(args.MemoryTypes))
	for _, t := range args.MemoryTypes {
		types = append(types, memory.Type(t))
	}

	results, err := s.store.Search(ctx, memory.SearchRequest{
		Query:         args.Query,
		Project:       args.Project,
		Types:         types,
		Tags:          args.Tags,
		MinImportance: args.MinImportance,
		MaxResults:    args.MaxResults,
		Threshold:     args.SimilarityThreshold,
		UserID:        args.UserID,
		SessionID:     args.SessionID,
	})
	if err != nil {
		return "", err
	}
	return formatResults(fmt.Sprintf("Found %d memories matching '%s':", len(results), args.Query), results), nil
}

func (s *Server) callContext(ctx context.Context, raw json.RawMessage) (string, error) {
	var args ContextArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	pc, err := s.store.GetContext(ctx, args.Project, args.Limit)
	if err != nil {
		return "", err
	}

	var content strings.Builder
	content.WriteString(pc.Summary + "\n")
	if len(pc.RecentMemories) > 0 {
		content.WriteString(fmt.Sprintf("\nRecent %d memories:\n\n", len(pc.RecentMemories)))
	}
	for i, m := range pc.RecentMemories {
		writeMemory(&content, i+1, m, -1)
	}
	return content.String(), nil
}

func (s *Server) callDelete(ctx context.Context, raw json.RawMessage) (string, error) {
	var args DeleteArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	if args.ID <= 0 {
		return "", &memory.ValidationError{Field: "memory_id", Message: "must be a positive integer"}
	}
	if !s.store.Delete(ctx, int64(args.ID), args.UserID) {
		return fmt.Sprintf("Memory %d not found or not owned by caller", args.ID), nil
	}
	return fmt.Sprintf("Deleted memory %d", args.ID), nil
}

func (s *Server) callAnalyze(ctx context.Context, raw json.RawMessage) (string, error) {
	var args AnalyzeArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	text := firstNonBlank(args.Text, args.Message)
	if text == "" {
		return "", &memory.ValidationError{Field: "text", Message: "must not be empty"}
	}

	out, err := s.engine.Handle(ctx, engine.Message{
		Text:      text,
		Project:   args.Project,
		UserID:    args.UserID,
		SessionID: args.SessionID,
		Tags:      args.Tags,
	})
	if err != nil {
		return "", err
	}

	var content strings.Builder
	d := out.Decision
	content.WriteString(fmt.Sprintf("Action: %s (confidence %.2f)\n", d.Action(), d.Confidence))
	if len(d.Signals) > 0 {
		content.WriteString("Signals: " + strings.Join(d.Signals, ", ") + "\n")
	}
	if out.Saved != nil {
		content.WriteString(fmt.Sprintf("Saved memory %d [%s]\n", out.Saved.ID, out.Saved.Type))
	}
	if len(out.Related) > 0 {
		content.WriteString("\n" + formatResults(fmt.Sprintf("Related memories (%d):", len(out.Related)), out.Related))
	}
	return content.String(), nil
}

func (s *Server) callFeedback(ctx context.Context, raw json.RawMessage) (string, error) {
	var args FeedbackArgs
	if err := decodeArgs(raw, &args); err != nil {
		return "", err
	}
	text := firstNonBlank(args.Text, args.Message)
	if text == "" {
		return "", &memory.ValidationError{Field: "text", Message: "must not be empty"}
	}
	actual := trigger.Action(args.ActualAction)
	if !actual.IsValid() {
		return "", &memory.ValidationError{Field: "actual_action", Message: fmt.Sprintf("unknown action %q", args.ActualAction)}
	}

	predicted := args.Predicted
	if predicted == nil {
		eval, err := s.engine.Evaluate(ctx, text)
		if err != nil {
			return "", err
		}
		predicted = &eval.Decision
	}

	if !s.engine.Feedback(text, actual, *predicted) {
		return "Feedback ignored: adaptive learning is not enabled", nil
	}
	return fmt.Sprintf("Feedback recorded: predicted %s, actual %s", predicted.Action(), actual), nil
}

func (s *Server) callStats(context.Context, json.RawMessage) (string, error) {
	var content strings.Builder
	content.WriteString("Memory Statistics\n\n")
	content.WriteString(fmt.Sprintf("Stored memories: %d\n", s.store.Count()))
	content.WriteString(fmt.Sprintf("Active rules: %d\n", s.engine.Analyzer().Rules().Len()))
	if s.aggregator != nil {
		content.WriteString("\n" + analytics.Render(s.aggregator.Summary(), 20))
	}
	return content.String(), nil
}

func formatResults(header string, results []memory.SearchResult) string {
	var content strings.Builder
	content.WriteString(header + "\n\n")
	for i, r := range results {
		writeMemory(&content, i+1, r.Memory, r.Similarity)
	}
	return content.String()
}

func writeMemory(sb *strings.Builder, n int, m *memory.Memory, score float64) {
	if score >= 0 {
		sb.WriteString(fmt.Sprintf("%d. [%s] #%d %s (score: %.2f)\n", n, m.Type, m.ID, m.Content, score))
	} else {
		sb.WriteString(fmt.Sprintf("%d. [%s] #%d %s\n", n, m.Type, m.ID, m.Content))
	}
	if len(m.Tags) > 0 {
		sb.WriteString(fmt.Sprintf("   Tags: %s\n", strings.Join(m.Tags, ", ")))
	}
	sb.WriteString(fmt.Sprintf("   Date: %s\n\n", m.CreatedAt.Format(time.RFC3339)))
}
