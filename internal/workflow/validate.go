package workflow

import (
	"errors"
	"fmt"
)

// ErrGraphInvariant marks a structurally invalid workflow. Detected at
// build time; the owning task transitions to failed with the wrapped reason.
var ErrGraphInvariant = errors.New("workflow graph invariant violated")

// Validate checks the structural invariants of a workflow: exactly one start
// and one end node, unique node ids, every edge endpoint known, no edge out
// of end, and loop/foreach/switch configs referencing existing nodes.
func (w *Workflow) Validate() error {
	if len(w.Nodes) == 0 {
		return fmt.Errorf("%w: workflow has no nodes", ErrGraphInvariant)
	}

	ids := make(map[string]bool, len(w.Nodes))
	starts, ends := 0, 0
	for _, n := range w.Nodes {
		if n.ID == "" {
			return fmt.Errorf("%w: node with empty id", ErrGraphInvariant)
		}
		if ids[n.ID] {
			return fmt.Errorf("%w: duplicate node id %q", ErrGraphInvariant, n.ID)
		}
		ids[n.ID] = true
		switch n.Type {
		case NodeStart:
			starts++
		case NodeEnd:
			ends++
		}
	}
	if starts != 1 {
		return fmt.Errorf("%w: expected exactly one start node, found %d", ErrGraphInvariant, starts)
	}
	if ends != 1 {
		return fmt.Errorf("%w: expected exactly one end node, found %d", ErrGraphInvariant, ends)
	}

	endNode, _ := w.EndNode()
	for _, e := range w.Edges {
		if !ids[e.From] {
			return fmt.Errorf("%w: edge %q references unknown node %q", ErrGraphInvariant, e.ID, e.From)
		}
		if !ids[e.To] {
			return fmt.Errorf("%w: edge %q references unknown node %q", ErrGraphInvariant, e.ID, e.To)
		}
		if e.From == endNode.ID {
			return fmt.Errorf("%w: edge %q originates from end node", ErrGraphInvariant, e.ID)
		}
	}

	for _, n := range w.Nodes {
		if n.Loop != nil {
			for _, body := range n.Loop.BodyNodes {
				if !ids[body] {
					return fmt.Errorf("%w: loop node %q references unknown body node %q", ErrGraphInvariant, n.ID, body)
				}
			}
		}
		if n.Foreach != nil {
			for _, body := range n.Foreach.BodyNodes {
				if !ids[body] {
					return fmt.Errorf("%w: foreach node %q references unknown body node %q", ErrGraphInvariant, n.ID, body)
				}
			}
		}
		if n.Switch != nil {
			for _, c := range n.Switch.Cases {
				if c.TargetNode != "" && !ids[c.TargetNode] {
					return fmt.Errorf("%w: switch node %q targets unknown node %q", ErrGraphInvariant, n.ID, c.TargetNode)
				}
			}
		}
	}

	return nil
}
