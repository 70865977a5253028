package engine

import (
	"context"
	"fmt"
	"strings"
)

// SearchResult is one web search hit attached to a classification.
type SearchResult struct {
	Title       string   `json:"title"`
	URL         string   `json:"url"`
	Summary     string   `json:"summary"`
	PublishedAt string   `json:"published_at,omitempty"`
	Snippets    []string `json:"snippets,omitempty"`
}

// WebSearcher is the external search collaborator. The transport behind it
// is not this engine's concern.
type WebSearcher interface {
	Search(ctx context.Context, query string, limit int) ([]SearchResult, error)
}

// maxSearchSnippets caps extra snippets rendered per result.
const maxSearchSnippets = 2

// formatSearchResults renders search hits as a numbered block appended to
// the user turn, with an instruction to cite sources as [n].
func formatSearchResults(results []SearchResult) string {
	if len(results) == 0 {
		return ""
	}

	var sb strings.Builder
	sb.WriteString("Web search results:\n")
	for i, r := range results {
		fmt.Fprintf(&sb, "\n[%d] %s\n", i+1, r.Title)
		fmt.Fprintf(&sb, "Source: %s\n", r.URL)
		if r.Summary != "" {
			fmt.Fprintf(&sb, "Summary: %s\n", r.Summary)
		}
		if r.PublishedAt != "" {
			fmt.Fprintf(&sb, "Published: %s\n", r.PublishedAt)
		}
		for j, snip := range r.Snippets {
			if j >= maxSearchSnippets {
				break
			}
			fmt.Fprintf(&sb, "- %s\n", snip)
		}
	}
	sb.WriteString("\nWhen you use one of these results, cite it as [n].")
	return sb.String()
}
