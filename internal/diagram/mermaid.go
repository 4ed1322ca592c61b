package diagram

import (
	"fmt"
	"strings"
)

// RenderMermaid renders a Model as a Mermaid flowchart string.
func RenderMermaid(model *Model) string {
	var b strings.Builder

	b.WriteString("graph TD\n")
	if model.Title != "" {
		fmt.Fprintf(&b, "    %%%% %s\n", model.Title)
	}

	for _, node := range model.Nodes {
		fmt.Fprintf(&b, "    %s\n", mermaidNodeDef(node))
	}
	for _, edge := range model.Edges {
		arrow := "-->"
		if edge.From == edge.To {
			arrow = "-.->"
		}
		label := ""
		if edge.Label != "" {
			label = fmt.Sprintf("|%s|", edge.Label)
		}
		fmt.Fprintf(&b, "    %s %s%s %s\n", mermaidSafeID(edge.From), arrow, label, mermaidSafeID(edge.To))
	}

	b.WriteString("\n")
	b.WriteString("    classDef completed fill:#2d6a2d,stroke:#1a4a1a,color:#fff\n")
	b.WriteString("    classDef failed fill:#8b1a1a,stroke:#5c0e0e,color:#fff\n")
	b.WriteString("    classDef running fill:#1a5276,stroke:#0e3a52,color:#fff\n")
	b.WriteString("    classDef suspended fill:#b7791a,stroke:#8a5c14,color:#fff\n")
	b.WriteString("    classDef pending fill:#6b6b6b,stroke:#4a4a4a,color:#fff\n")

	for _, node := range model.Nodes {
		if node.Status != "" {
			fmt.Fprintf(&b, "    class %s %s\n", mermaidSafeID(node.ID), node.Status)
		}
	}
	return b.String()
}

// mermaidNodeDef returns a Mermaid node definition with the shape for its kind.
func mermaidNodeDef(node *Node) string {
	id := mermaidSafeID(node.ID)
	label := node.Label
	if node.Detail != "" {
		label += "<br/>" + node.Detail
	}
	label = strings.ReplaceAll(label, `"`, "#quot;")

	switch node.Kind {
	case NodeKindApproval:
		return fmt.Sprintf(`%s{{"%s"}}`, id, label)
	case NodeKindStart, NodeKindEnd:
		return fmt.Sprintf(`%s(("%s"))`, id, label)
	default:
		return fmt.Sprintf(`%s["%s"]`, id, label)
	}
}

// mermaidSafeID replaces characters Mermaid does not accept in identifiers.
func mermaidSafeID(id string) string {
	r := strings.NewReplacer(".", "_", "-", "_", " ", "_")
	return r.Replace(id)
}
