package mcp

import (
	"fmt"
	"sort"
)

// Tool identifies a core operation a platform tool delegates to.
type Tool string

const (
	ToolSave     Tool = "save"
	ToolSearch   Tool = "search"
	ToolContext  Tool = "context"
	ToolDelete   Tool = "delete"
	ToolAnalyze  Tool = "analyze"
	ToolFeedback Tool = "feedback"
	ToolStats    Tool = "stats"
)

// ToolDescriptor is one tool as a host sees it.
type ToolDescriptor struct {
	Name        string
	Description string
	Tool        Tool
}

// Platform is the tool table presented to one kind of host.
type Platform struct {
	Name  string
	Tools []ToolDescriptor
}

// Lookup finds the core tool behind a platform tool name.
func (p Platform) Lookup(name string) (Tool, bool) {
	for _, d := range p.Tools {
		if d.Name == name {
			return d.Tool, true
		}
	}
	return "", false
}

var platforms = map[string]Platform{
	"claude": {
		Name: "claude",
		Tools: []ToolDescriptor{
			{Name: "save_memory", Tool: ToolSave, Description: "Save important information to memory"},
			{Name: "search_memories", Tool: ToolSearch, Description: "Search memories by similarity to a query"},
			{Name: "get_memory_context", Tool: ToolContext, Description: "Get recent memories and a summary for a project"},
			{Name: "delete_memory", Tool: ToolDelete, Description: "Delete a memory by id"},
			{Name: "analyze_message", Tool: ToolAnalyze, Description: "Decide whether to save or recall for a message and apply the decision"},
			{Name: "memory_feedback", Tool: ToolFeedback, Description: "Report the action that should have been taken for a message"},
			{Name: "memory_stats", Tool: ToolStats, Description: "Show memory usage statistics"},
		},
	},
	"cursor": {
		Name: "cursor",
		Tools: []ToolDescriptor{
			{Name: "memory_save", Tool: ToolSave, Description: "Store code knowledge, decisions and solutions for this workspace"},
			{Name: "memory_search", Tool: ToolSearch, Description: "Find stored knowledge related to the current code"},
			{Name: "memory_context", Tool: ToolContext, Description: "Load the memory context of the current project"},
			{Name: "memory_delete", Tool: ToolDelete, Description: "Remove a stored memory"},
			{Name: "memory_auto", Tool: ToolAnalyze, Description: "Automatically save or recall based on the message content"},
			{Name: "memory_feedback", Tool: ToolFeedback, Description: "Correct an automatic memory decision"},
			{Name: "memory_stats", Tool: ToolStats, Description: "Memory usage statistics"},
		},
	},
	"windsurf": {
		Name: "windsurf",
		Tools: []ToolDescriptor{
			{Name: "remember", Tool: ToolSave, Description: "Remember information for later sessions"},
			{Name: "recall", Tool: ToolSearch, Description: "Recall memories related to a query"},
			{Name: "project_context", Tool: ToolContext, Description: "Summarize what is remembered about a project"},
			{Name: "forget", Tool: ToolDelete, Description: "Forget a memory"},
			{Name: "auto_memory", Tool: ToolAnalyze, Description: "Let the memory engine decide what to remember and recall"},
			{Name: "memory_feedback", Tool: ToolFeedback, Description: "Teach the memory engine the right action for a message"},
			{Name: "memory_analytics", Tool: ToolStats, Description: "Memory usage analytics"},
		},
	},
}

// DefaultPlatform is used when no platform is configured.
const DefaultPlatform = "claude"

// LookupPlatform returns the tool table for name.
func LookupPlatform(name string) (Platform, error) {
	if name == "" {
		name = DefaultPlatform
	}
	p, ok := platforms[name]
	if !ok {
		return Platform{}, fmt.Errorf("unknown platform %q (known: %v)", name, PlatformNames())
	}
	return p, nil
}

// PlatformNames lists the supported platforms in sorted order.
func PlatformNames() []string {
	names := make([]string, 0, len(platforms))
	for n := range platforms {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}
