package diagram

import (
	"encoding/json"
	"fmt"

	"github.com/rendis/finflow/internal/engine"
	"github.com/rendis/finflow/internal/store"
	"github.com/rendis/finflow/pkg/schema"
)

const (
	startID = "__start__"
	endID   = "__end__"
)

// Build converts a pipeline into a Model. When inst is non-nil each node
// carries the instance's progress.
func Build(info engine.PipelineInfo, inst *store.Instance) (*Model, error) {
	if inst != nil && inst.Pipeline != info.Name {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"instance %s belongs to pipeline %s, not %s", inst.ID, inst.Pipeline, info.Name)
	}

	m := &Model{Title: info.Name}
	if inst != nil {
		m.Title = fmt.Sprintf("%s (%s)", info.Name, inst.ID)
	}

	m.Nodes = append(m.Nodes, &Node{ID: startID, Label: "start", Kind: NodeKindStart})
	prev := startID
	for _, st := range info.Stages {
		kind := NodeKindStage
		if len(st.ResumeSchema) > 0 {
			kind = NodeKindApproval
		}
		m.Nodes = append(m.Nodes, &Node{ID: st.Name, Label: st.Name, Kind: kind})
		m.Edges = append(m.Edges, Edge{From: prev, To: st.Name})
		if kind == NodeKindApproval {
			label := "resume"
			if st.Actor != "" {
				label = "resume by " + st.Actor
			}
			m.Edges = append(m.Edges, Edge{From: st.Name, To: st.Name, Label: label})
		}
		prev = st.Name
	}
	m.Nodes = append(m.Nodes, &Node{ID: endID, Label: "end", Kind: NodeKindEnd})
	m.Edges = append(m.Edges, Edge{From: prev, To: endID})

	if inst != nil {
		overlay(m, inst)
	}
	return m, nil
}

// overlay marks stages before the instance's stage index completed, the
// stage at the index with the instance status and the rest pending.
func overlay(m *Model, inst *store.Instance) {
	stages := m.Nodes[1 : len(m.Nodes)-1]
	m.Nodes[0].Status = StatusCompleted

	for i, n := range stages {
		switch {
		case i < inst.StageIndex:
			n.Status = StatusCompleted
		case i > inst.StageIndex:
			n.Status = StatusPending
		default:
			n.Status = string(inst.Status)
			if inst.Status == schema.InstanceStatusSuspended && inst.Suspension != nil {
				n.Detail = inst.Suspension.Reason
			}
			if inst.Status == schema.InstanceStatusFailed {
				n.Detail = failureMessage(inst.Error)
			}
		}
	}

	end := m.Nodes[len(m.Nodes)-1]
	switch inst.Status {
	case schema.InstanceStatusCompleted:
		end.Status = StatusCompleted
	case schema.InstanceStatusFailed:
		end.Status = StatusFailed
	default:
		end.Status = StatusPending
	}
}

func failureMessage(raw json.RawMessage) string {
	var fe schema.FlowError
	if len(raw) == 0 || json.Unmarshal(raw, &fe) != nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", fe.Code, fe.Message)
}
