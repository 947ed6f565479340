package memory

import (
	"time"
)

// Type represents the type of memory entry. The set is open: unknown values are stored as given.
type Type string

const (
	Conversation Type = "conversation"
	Knowledge    Type = "knowledge"
	Decision     Type = "decision"
	Solution     Type = "solution"
	CodeSnippet  Type = "code_snippet"
	Context      Type = "context"
)

// DefaultProject is the project assigned when a save request names none.
const DefaultProject = "default"

// Memory represents a memory entry
type Memory struct {
	ID         int64          `json:"id"`
	Content    string         `json:"content"`
	Project    string         `json:"project"`
	Type       Type           `json:"memory_type"`
	Importance float64        `json:"importance"`
	Tags       []string       `json:"tags"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	UpdatedAt  time.Time      `json:"updated_at"`
}

// HasTag reports whether the memory carries tag.
func (m *Memory) HasTag(tag string) bool {
	for _, t := range m.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

func (m *Memory) clone() *Memory {
	c := *m
	c.Tags = append([]string(nil), m.Tags...)
	if m.Metadata != nil {
		c.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			c.Metadata[k] = v
		}
	}
	return &c
}

// SaveRequest carries the fields of a new memory.
type SaveRequest struct {
	Content    string         `json:"content"`
	Project    string         `json:"project,omitempty"`
	Type       Type           `json:"memory_type,omitempty"`
	Importance *float64       `json:"importance,omitempty"`
	Tags       []string       `json:"tags,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	UserID     string         `json:"user_id,omitempty"`
	SessionID  string         `json:"session_id,omitempty"`
}

// SearchRequest describes a ranked lookup.
// Zero values for MaxResults and Threshold mean "use the store defaults".
type SearchRequest struct {
	Query         string   `json:"query"`
	Project       string   `json:"project,omitempty"`
	Types         []Type   `json:"memory_types,omitempty"`
	Tags          []string `json:"tags,omitempty"`
	MinImportance float64  `json:"min_importance,omitempty"`
	MaxResults    int      `json:"max_results,omitempty"`
	Threshold     *float64 `json:"similarity_threshold,omitempty"`
	UserID        string   `json:"user_id,omitempty"`
	SessionID     string   `json:"session_id,omitempty"`
}

// SearchResult is a memory paired with its similarity to the query.
type SearchResult struct {
	Memory     *Memory `json:"memory"`
	Similarity float64 `json:"similarity"`
}

// ProjectContext is the recent-activity view of a project.
type ProjectContext struct {
	Project        string    `json:"project"`
	TotalMemories  int       `json:"total_memories"`
	RecentMemories []*Memory `json:"recent_memories"`
	Summary        string    `json:"summary"`
}

// ClampImportance bounds v to [0,1].
func ClampImportance(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
