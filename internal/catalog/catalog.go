package catalog

import (
	"sort"

	"github.com/agenthub-ai/agenthub/internal/llm"
)

// Operation is one callable entry in a tenant's catalog.
type Operation struct {
	Name        string
	Description string
	InputSchema map[string]interface{}

	// Backend names the connection that owns the operation.
	Backend string

	// ResponseHandling is the backend-supplied presentation metadata,
	// kept raw here. It is untrusted and parsed lazily at synthesis time.
	ResponseHandling map[string]interface{}
}

// Catalog is the merged operation set built from a tenant's backends.
// Operation names are unique; on collision the first backend wins.
type Catalog struct {
	ops    []Operation
	byName map[string]int
}

func newCatalog() *Catalog {
	return &Catalog{byName: make(map[string]int)}
}

func (c *Catalog) add(op Operation) bool {
	if _, exists := c.byName[op.Name]; exists {
		return false
	}
	c.byName[op.Name] = len(c.ops)
	c.ops = append(c.ops, op)
	return true
}

// Lookup returns the operation registered under name.
func (c *Catalog) Lookup(name string) (Operation, bool) {
	if c == nil {
		return Operation{}, false
	}
	idx, ok := c.byName[name]
	if !ok {
		return Operation{}, false
	}
	return c.ops[idx], true
}

// Operations returns the catalog entries in registration order.
func (c *Catalog) Operations() []Operation {
	if c == nil {
		return nil
	}
	return append([]Operation(nil), c.ops...)
}

// Names returns the sorted operation names.
func (c *Catalog) Names() []string {
	if c == nil {
		return nil
	}
	names := make([]string, 0, len(c.ops))
	for _, op := range c.ops {
		names = append(names, op.Name)
	}
	sort.Strings(names)
	return names
}

// Len returns the number of operations.
func (c *Catalog) Len() int {
	if c == nil {
		return 0
	}
	return len(c.ops)
}

// ToolDefs converts the catalog into model tool bindings.
func (c *Catalog) ToolDefs() []llm.ToolDef {
	if c == nil || len(c.ops) == 0 {
		return nil
	}
	defs := make([]llm.ToolDef, 0, len(c.ops))
	for _, op := range c.ops {
		schema := op.InputSchema
		if schema == nil {
			schema = map[string]interface{}{"type": "object", "properties": map[string]interface{}{}}
		}
		defs = append(defs, llm.ToolDef{
			Name:        op.Name,
			Description: op.Description,
			InputSchema: schema,
		})
	}
	return defs
}
