// Package diagram draws a pipeline as a flowchart, optionally overlaid with
// the progress of one instance. Renderers share one intermediate model.
package diagram

// NodeKind classifies a diagram node.
type NodeKind string

const (
	NodeKindStart NodeKind = "start"
	NodeKindStage NodeKind = "stage"
	// NodeKindApproval is a stage that can suspend for resume data.
	NodeKindApproval NodeKind = "approval"
	NodeKindEnd      NodeKind = "end"
)

// Node statuses used by the overlay.
const (
	StatusCompleted = "completed"
	StatusRunning   = "running"
	StatusSuspended = "suspended"
	StatusFailed    = "failed"
	StatusPending   = "pending"
)

// Model is the intermediate representation used by all renderers.
type Model struct {
	Title string
	Nodes []*Node
	Edges []Edge
}

// Node is a stage, or the start or end marker.
type Node struct {
	ID     string
	Label  string
	Kind   NodeKind
	Status string // empty without an instance overlay
	Detail string // suspension reason or failure message
}

// Edge connects two nodes in execution order.
type Edge struct {
	From  string
	To    string
	Label string
}
