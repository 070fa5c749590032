package types

import (
	"encoding/json"
	"strings"
)

// NodeCategory is the closed set of node behaviors a scenario graph may use.
// Unknown categories are rejected at graph-compile time.
type NodeCategory string

const (
	NodeStart       NodeCategory = "start"
	NodePersona     NodeCategory = "persona"
	NodeTask        NodeCategory = "task"
	NodeCondition   NodeCategory = "condition"
	NodeWait        NodeCategory = "wait"
	NodeExpectation NodeCategory = "expectation"
	NodeTool        NodeCategory = "tool"
	NodeCode        NodeCategory = "code"
	NodeEnd         NodeCategory = "end"
)

// KnownCategories lists every valid node category.
var KnownCategories = []NodeCategory{
	NodeStart, NodePersona, NodeTask, NodeCondition, NodeWait,
	NodeExpectation, NodeTool, NodeCode, NodeEnd,
}

// NodeDef is a single node in a user-authored scenario graph. The category
// may appear either as data["category"] or as the top-level type field,
// matching the editor's export format.
type NodeDef struct {
	ID    string                 `json:"id"`
	Type  string                 `json:"type,omitempty"`
	Label string                 `json:"label,omitempty"`
	Data  map[string]interface{} `json:"data,omitempty"`
}

// Category resolves the node's category, preferring data["category"] over the
// top-level type. The editor wraps types in a "customNode" prefix which is
// stripped here.
func (n *NodeDef) Category() NodeCategory {
	raw := ""
	if n.Data != nil {
		if c, ok := n.Data["category"].(string); ok && c != "" {
			raw = c
		}
	}
	if raw == "" {
		raw = n.Type
	}
	raw = strings.ToLower(strings.ReplaceAll(raw, "customNode", ""))
	return NodeCategory(raw)
}

// DataString returns a string-typed config field or the fallback.
func (n *NodeDef) DataString(key, fallback string) string {
	if n.Data != nil {
		if v, ok := n.Data[key].(string); ok && v != "" {
			return v
		}
	}
	return fallback
}

// DataInt returns an integer config field, tolerating the float64 that
// encoding/json produces, or the fallback.
func (n *NodeDef) DataInt(key string, fallback int) int {
	if n.Data == nil {
		return fallback
	}
	switch v := n.Data[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		if i, err := v.Int64(); err == nil {
			return int(i)
		}
	}
	return fallback
}

// EdgeDef is a directed edge between two nodes. Handle carries the branch
// label for edges leaving a condition node.
type EdgeDef struct {
	Source string `json:"source"`
	Target string `json:"target"`
	Handle string `json:"sourceHandle,omitempty"`
}

// GraphDef is an immutable user-authored scenario graph.
type GraphDef struct {
	Nodes []NodeDef `json:"nodes"`
	Edges []EdgeDef `json:"edges,omitempty"`
}
