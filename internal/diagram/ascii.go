package diagram

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// statusTag returns a short ASCII indicator for a status.
func statusTag(status string) string {
	switch status {
	case StatusCompleted:
		return "[OK]"
	case StatusFailed:
		return "[FAIL]"
	case StatusRunning:
		return "[RUN]"
	case StatusSuspended:
		return "[WAIT]"
	case StatusPending:
		return "[PEND]"
	default:
		return ""
	}
}

// RenderASCII renders a Model top to bottom as boxes joined by arrows.
func RenderASCII(model *Model) string {
	var b strings.Builder
	if model.Title != "" {
		fmt.Fprintf(&b, "=== %s ===\n\n", model.Title)
	}

	loops := make(map[string]string)
	for _, e := range model.Edges {
		if e.From == e.To {
			loops[e.From] = e.Label
		}
	}

	for i, node := range model.Nodes {
		lines := boxLines(node)
		if label, ok := loops[node.ID]; ok {
			lines[1] += "  <- " + label
		}
		for _, l := range lines {
			b.WriteString(l)
			b.WriteByte('\n')
		}
		if i < len(model.Nodes)-1 {
			b.WriteString("      |\n      v\n")
		}
	}
	return b.String()
}

// boxLines draws one node as a three-line box, plus a detail line when set.
func boxLines(node *Node) []string {
	text := node.Label
	if tag := statusTag(node.Status); tag != "" {
		text += " " + tag
	}
	if node.Kind == NodeKindApproval {
		text = "<" + text + ">"
	}
	width := utf8.RuneCountInString(text) + 2
	border := "+" + strings.Repeat("-", width) + "+"
	lines := []string{border, "| " + text + " |", border}
	if node.Detail != "" {
		lines = append(lines, "  "+node.Detail)
	}
	return lines
}
