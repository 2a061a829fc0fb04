// internal/ws/prompt.go
package ws

import (
	"fmt"
	"strings"
)

// batchPrompt renders a batch of annotations as one agent prompt. Each
// annotation contributes its selector, captured context and the user's
// instructions; the agent is told to locate the source behind each element
// and apply the requested change.
func batchPrompt(b *Batch) string {
	var sb strings.Builder

	sb.WriteString("The user has annotated elements on a live page of this project and wants code changes.\n")
	if b.Page.URL != "" || b.Page.Title != "" {
		sb.WriteString(fmt.Sprintf("Page: %s", b.Page.URL))
		if b.Page.Title != "" {
			sb.WriteString(fmt.Sprintf(" (%q)", b.Page.Title))
		}
		sb.WriteString("\n")
	}
	sb.WriteString(fmt.Sprintf("\nThere are %d annotated element(s):\n", len(b.Annotations)))

	for i, a := range b.Annotations {
		sb.WriteString(fmt.Sprintf("\n--- Element %d: %s ---\n", i+1, a.Label))
		sb.WriteString(fmt.Sprintf("Selector: %s\n", a.Selector))
		if a.Text != "" {
			sb.WriteString(fmt.Sprintf("Visible text: %s\n", a.Text))
		}
		if a.HTML != "" {
			sb.WriteString(fmt.Sprintf("HTML:\n%s\n", a.HTML))
		}
		if a.Parent != "" {
			sb.WriteString(fmt.Sprintf("Parent context:\n%s\n", a.Parent))
		}
		if a.Notes != "" {
			sb.WriteString(fmt.Sprintf("Requested change: %s\n", a.Notes))
		}
	}

	sb.WriteString("\nFind the source code that renders each element and make the requested changes. ")
	sb.WriteString("Keep edits minimal and do not touch unrelated code.")
	return sb.String()
}
