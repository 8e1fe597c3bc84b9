package catalog

import (
	"context"
	"fmt"
	"strings"

	"github.com/agenthub-ai/agenthub/internal/backend"
	"github.com/agenthub-ai/agenthub/internal/logger"
)

// Builder assembles a Catalog from live backend connections.
type Builder struct {
	log *logger.Logger
}

// NewBuilder creates a catalog builder.
func NewBuilder() *Builder {
	return &Builder{log: logger.Global().WithPrefix("catalog")}
}

// Build lists each connection's operations and merges them into one catalog.
// Per-backend failures do not abort the build: they are collected and
// returned alongside the partial catalog. A backend advertising zero
// operations counts as a failure for that backend.
func (b *Builder) Build(ctx context.Context, conns []*backend.Connection) (*Catalog, []error) {
	cat := newCatalog()
	var errs []error

	for _, conn := range conns {
		if conn == nil {
			continue
		}

		specs, err := conn.ListOperations(ctx)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if len(specs) == 0 {
			errs = append(errs, fmt.Errorf("backend %q advertises no operations", conn.Name()))
			continue
		}

		for _, spec := range specs {
			b.addSpec(cat, conn.Name(), spec)
		}

		if discoveryOp := conn.Descriptor().DiscoveryOp; discoveryOp != "" {
			if err := b.expandWorkflowIndex(ctx, cat, conn, discoveryOp); err != nil {
				errs = append(errs, fmt.Errorf("expanding workflow index %q: %w", conn.Name(), err))
			}
		}
	}

	return cat, errs
}

func (b *Builder) addSpec(cat *Catalog, backendName string, spec backend.OperationSpec) {
	name := strings.TrimSpace(spec.Name)
	if name == "" {
		b.log.Warn("backend %q advertises a nameless operation, skipping", backendName)
		return
	}

	op := Operation{
		Name:             name,
		Description:      spec.Description,
		InputSchema:      spec.InputSchema,
		Backend:          backendName,
		ResponseHandling: spec.ResponseHandling,
	}
	if !cat.add(op) {
		existing, _ := cat.Lookup(name)
		b.log.Warn("duplicate operation %q from backend %q skipped (kept the one from %q)",
			name, backendName, existing.Backend)
	}
}

// expandWorkflowIndex invokes the backend's zero-argument discovery operation
// and folds the enumerated sub-operations into the catalog. Sub-operations
// route to the same connection.
func (b *Builder) expandWorkflowIndex(ctx context.Context, cat *Catalog, conn *backend.Connection, discoveryOp string) error {
	result, err := conn.CallOperation(ctx, discoveryOp, map[string]interface{}{})
	if err != nil {
		return err
	}
	if result.IsError {
		return fmt.Errorf("discovery operation %q reported an error: %s", discoveryOp, result.Flatten())
	}

	entries := extractDiscoveryEntries(result.Structured)
	if len(entries) == 0 {
		b.log.Warn("discovery operation %q on %q returned no sub-operations", discoveryOp, conn.Name())
		return nil
	}

	added := 0
	for _, entry := range entries {
		spec, ok := parseDiscoveryEntry(entry)
		if !ok {
			continue
		}
		b.addSpec(cat, conn.Name(), spec)
		added++
	}

	b.log.Info("workflow index %q contributed %d sub-operations", conn.Name(), added)
	return nil
}

// extractDiscoveryEntries pulls the entry list out of the discovery result's
// structured payload. Accepts either {"data": [...]} or a bare array.
func extractDiscoveryEntries(structured interface{}) []interface{} {
	switch v := structured.(type) {
	case map[string]interface{}:
		if data, ok := v["data"].([]interface{}); ok {
			return data
		}
		return nil
	case []interface{}:
		return v
	default:
		return nil
	}
}

func parseDiscoveryEntry(entry interface{}) (backend.OperationSpec, bool) {
	m, ok := entry.(map[string]interface{})
	if !ok {
		return backend.OperationSpec{}, false
	}

	name, _ := m["name"].(string)
	if strings.TrimSpace(name) == "" {
		return backend.OperationSpec{}, false
	}

	spec := backend.OperationSpec{Name: name}
	if desc, ok := m["description"].(string); ok {
		spec.Description = desc
	}
	if schema, ok := m["input_schema"].(map[string]interface{}); ok {
		spec.InputSchema = schema
	} else if schema, ok := m["inputSchema"].(map[string]interface{}); ok {
		spec.InputSchema = schema
	}
	if handling, ok := m["response_handling"].(map[string]interface{}); ok {
		spec.ResponseHandling = handling
	}
	return spec, true
}
