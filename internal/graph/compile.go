// Package graph compiles user-authored scenario definitions into an
// executable transition structure. Compilation is purely structural; node
// behavior lives in the engine.
package graph

import (
	"errors"
	"fmt"

	"github.com/agenteval/platform/services/orchestrator-go/pkg/types"
)

var (
	// ErrNoStartNode is returned when the definition has no start node.
	ErrNoStartNode = errors.New("graph has no start node")
	// ErrMultipleStartNodes is returned when more than one start node exists.
	ErrMultipleStartNodes = errors.New("graph has multiple start nodes")
)

// Compiled is an executable scenario graph. Transitions covers non-condition
// nodes (at most one outgoing edge each); Branches maps a condition node's
// routing labels to targets. A node absent from both tables is terminal.
type Compiled struct {
	Nodes map[string]*types.NodeDef
	Entry string

	Transitions map[string]string
	Branches    map[string]map[string]string

	// ExpectationCount is the number of expectation nodes, fixed at compile
	// time so partial runs still score against the full denominator.
	ExpectationCount int
}

// Node returns the definition for the given id, or nil.
func (c *Compiled) Node(id string) *types.NodeDef {
	return c.Nodes[id]
}

// Terminal reports whether the node has no outgoing transitions.
func (c *Compiled) Terminal(id string) bool {
	if _, ok := c.Transitions[id]; ok {
		return false
	}
	return len(c.Branches[id]) == 0
}

// Compile translates a definition into an executable graph. A nil or empty
// definition yields a trivial start→end graph so every campaign has a valid,
// checkpoint-capable run to attach to.
func Compile(def *types.GraphDef) (*Compiled, error) {
	if def == nil || len(def.Nodes) == 0 {
		return trivialGraph(), nil
	}

	c := &Compiled{
		Nodes:       make(map[string]*types.NodeDef, len(def.Nodes)),
		Transitions: make(map[string]string),
		Branches:    make(map[string]map[string]string),
	}

	for i := range def.Nodes {
		node := &def.Nodes[i]
		if node.ID == "" {
			return nil, fmt.Errorf("node at index %d has no id", i)
		}
		if _, dup := c.Nodes[node.ID]; dup {
			return nil, fmt.Errorf("duplicate node id %q", node.ID)
		}

		cat := node.Category()
		if !knownCategory(cat) {
			return nil, fmt.Errorf("node %s: unknown category %q", node.ID, cat)
		}

		switch cat {
		case types.NodeStart:
			if c.Entry != "" {
				return nil, ErrMultipleStartNodes
			}
			c.Entry = node.ID
		case types.NodeExpectation:
			c.ExpectationCount++
		}

		c.Nodes[node.ID] = node
	}

	if c.Entry == "" {
		return nil, ErrNoStartNode
	}

	for _, edge := range def.Edges {
		src, ok := c.Nodes[edge.Source]
		if !ok {
			return nil, fmt.Errorf("edge references unknown source node %q", edge.Source)
		}
		if _, ok := c.Nodes[edge.Target]; !ok {
			return nil, fmt.Errorf("edge references unknown target node %q", edge.Target)
		}

		if src.Category() == types.NodeCondition {
			label := edge.Handle
			if label == "" {
				label = "default"
			}
			if c.Branches[edge.Source] == nil {
				c.Branches[edge.Source] = make(map[string]string)
			}
			if prev, dup := c.Branches[edge.Source][label]; dup {
				return nil, fmt.Errorf("condition node %s: duplicate branch label %q (targets %s and %s)",
					edge.Source, label, prev, edge.Target)
			}
			c.Branches[edge.Source][label] = edge.Target
			continue
		}

		if prev, dup := c.Transitions[edge.Source]; dup {
			return nil, fmt.Errorf("node %s has multiple outgoing edges (to %s and %s)",
				edge.Source, prev, edge.Target)
		}
		c.Transitions[edge.Source] = edge.Target
	}

	return c, nil
}

func knownCategory(cat types.NodeCategory) bool {
	for _, k := range types.KnownCategories {
		if cat == k {
			return true
		}
	}
	return false
}

func trivialGraph() *Compiled {
	start := &types.NodeDef{ID: "start", Type: "start"}
	end := &types.NodeDef{ID: "end", Type: "end"}
	return &Compiled{
		Nodes:       map[string]*types.NodeDef{"start": start, "end": end},
		Entry:       "start",
		Transitions: map[string]string{"start": "end"},
		Branches:    map[string]map[string]string{},
	}
}
