// Package expression provides template expansion and a restricted expression
// evaluator for workflow conditions, switch cases, scripts and assignments.
//
// The grammar is deliberately small: literals, identifiers with dotted member
// access, comparison and arithmetic operators, boolean operators, string
// equality and `in` membership. There is no call syntax and no host
// evaluation; an expression can never execute arbitrary code.
package expression

import (
	"strconv"
	"strings"
)

// Context is the name-resolution environment for evaluation. References
// resolve against Variables first, then Outputs, then Loop.
type Context struct {
	Variables map[string]interface{} // workflow variables
	Outputs   map[string]interface{} // nodeID -> node output
	Loop      map[string]interface{} // loopCount, item, index
}

// NewContext creates an empty evaluation context.
func NewContext() *Context {
	return &Context{
		Variables: map[string]interface{}{},
		Outputs:   map[string]interface{}{},
		Loop:      map[string]interface{}{},
	}
}

// Resolve looks up a possibly dotted reference. Explicit prefixes `vars.`,
// `outputs.` and `loop.` pin the namespace; bare names search all three.
func (c *Context) Resolve(ref string) (interface{}, bool) {
	switch {
	case strings.HasPrefix(ref, "vars."):
		return lookupPath(c.Variables, strings.TrimPrefix(ref, "vars."))
	case strings.HasPrefix(ref, "outputs."):
		return lookupPath(c.Outputs, strings.TrimPrefix(ref, "outputs."))
	case strings.HasPrefix(ref, "loop."):
		if v, ok := lookupPath(c.Loop, strings.TrimPrefix(ref, "loop.")); ok {
			return v, true
		}
		// Iteration variables persisted into the instance live under a
		// top-level "loop" map in Variables.
		return lookupPath(c.Variables, ref)
	}
	if v, ok := lookupPath(c.Variables, ref); ok {
		return v, true
	}
	if v, ok := lookupPath(c.Outputs, ref); ok {
		return v, true
	}
	if v, ok := lookupPath(c.Loop, ref); ok {
		return v, true
	}
	return nil, false
}

// SetVariable writes a dotted-path variable, creating intermediate maps.
func (c *Context) SetVariable(path string, value interface{}) {
	SetPath(c.Variables, path, value)
}

// SetPath writes value at a dotted path inside a nested map.
func SetPath(m map[string]interface{}, path string, value interface{}) {
	parts := strings.Split(path, ".")
	for i := 0; i < len(parts)-1; i++ {
		next, ok := m[parts[i]].(map[string]interface{})
		if !ok {
			next = map[string]interface{}{}
			m[parts[i]] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

func lookupPath(data map[string]interface{}, path string) (interface{}, bool) {
	parts := strings.Split(path, ".")
	var current interface{} = data
	for _, part := range parts {
		// Array index segment: field[0]
		field, index := part, -1
		if i := strings.Index(part, "["); i >= 0 && strings.HasSuffix(part, "]") {
			field = part[:i]
			n, err := strconv.Atoi(part[i+1 : len(part)-1])
			if err != nil {
				return nil, false
			}
			index = n
		}
		if field != "" {
			m, ok := current.(map[string]interface{})
			if !ok {
				return nil, false
			}
			current, ok = m[field]
			if !ok {
				return nil, false
			}
		}
		if index >= 0 {
			arr, ok := current.([]interface{})
			if !ok || index >= len(arr) {
				return nil, false
			}
			current = arr[index]
		}
	}
	return current, true
}
