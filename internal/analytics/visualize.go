package analytics

import (
	"fmt"
	"strings"
)

// Render formats a summary as text with bar charts, for terminal output.
func Render(s Summary, width int) string {
	if width <= 0 {
		width = 30
	}
	var sb strings.Builder

	fmt.Fprintf(&sb, "Memories: %d created, %d deleted\n", s.Metrics.TotalMemories, s.Metrics.TotalDeleted)
	fmt.Fprintf(&sb, "Searches: %d (hit rate %.1f%%)\n", s.Metrics.TotalSearches, s.Insights.SearchHitRate*100)
	fmt.Fprintf(&sb, "Average importance: %.2f\n", s.Insights.AverageImportance)
	if !s.LastAnalysis.IsZero() {
		fmt.Fprintf(&sb, "Last analysis: %s\n", s.LastAnalysis.Format("2006-01-02 15:04:05"))
	}

	writeSection(&sb, "Projects", s.Insights.TopProjects, width)
	writeSection(&sb, "Types", s.Insights.TopTypes, width)
	writeSection(&sb, "Tags", s.Insights.TopTags, width)
	writeSection(&sb, "Queries", s.Insights.TopQueries, width)

	hist := make([]Count, 0, len(importanceBuckets))
	for _, b := range importanceBuckets {
		hist = append(hist, Count{Name: b, Count: s.Metrics.ImportanceHistogram[b]})
	}
	writeSection(&sb, "Importance", hist, width)

	return sb.String()
}

func writeSection(sb *strings.Builder, title string, counts []Count, width int) {
	sb.WriteString("\n" + title + ":\n")
	if len(counts) == 0 {
		sb.WriteString("  (none)\n")
		return
	}
	peak := 0
	for _, c := range counts {
		if c.Count > peak {
			peak = c.Count
		}
	}
	for _, c := range counts {
		sb.WriteString("  " + VisualizeBar(c.Name, c.Count, peak, width) + "\n")
	}
}

// VisualizeBar generates a text-based bar for value relative to peak
func VisualizeBar(label string, value, peak, width int) string {
	filled := 0
	if peak > 0 {
		filled = value * width / peak
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("%-20s [", truncateString(label, 18)))

	for i := 0; i < filled; i++ {
		sb.WriteString("█")
	}
	for i := filled; i < width; i++ {
		sb.WriteString("░")
	}

	sb.WriteString(fmt.Sprintf("] %d", value))
	return sb.String()
}

// truncateString truncates a string to the specified length, adding "..." if truncated
func truncateString(s string, maxLength int) string {
	if len(s) <= maxLength {
		return s
	}
	if maxLength <= 3 {
		return s[:maxLength]
	}
	return s[:maxLength-3] + "..."
}
