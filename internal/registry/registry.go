package registry

import (
	"context"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/agenthub-ai/agenthub/internal/backend"
	"github.com/agenthub-ai/agenthub/internal/catalog"
	"github.com/agenthub-ai/agenthub/internal/events"
	"github.com/agenthub-ai/agenthub/internal/logger"
	"github.com/agenthub-ai/agenthub/internal/orchestrator"
)

// UnknownOperationError is returned for invocations that route nowhere.
type UnknownOperationError struct {
	Tenant    string
	Operation string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("tenant %q has no operation %q", e.Tenant, e.Operation)
}

// UnknownBackendError is returned when removing a backend the tenant never
// registered or already removed.
type UnknownBackendError struct {
	Tenant  string
	Backend string
}

func (e *UnknownBackendError) Error() string {
	return fmt.Sprintf("tenant %q has no backend %q", e.Tenant, e.Backend)
}

// CompileFunc builds a tenant graph from its catalog. The registry owns
// connections and routing; graph policy (model, heuristics, budgets) is the
// caller's.
type CompileFunc func(cat *catalog.Catalog, invoker orchestrator.Invoker) (*orchestrator.Graph, error)

// Registry owns the live per-tenant state: open connections, the merged
// catalog, routing and the compiled graph. Rebuilds are serialized per
// tenant; a graph handed out by EnsureReady never references a closed
// connection.
type Registry struct {
	store     *Store
	lifecycle *backend.Lifecycle
	builder   *catalog.Builder
	compile   CompileFunc
	emitter   events.Emitter
	log       *logger.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

// session is one tenant's live state. Its mutex serializes rebuilds and
// guards every field.
type session struct {
	mu          sync.Mutex
	graph       *orchestrator.Graph
	conns       []*backend.Connection
	routes      map[string]*backend.Connection
	fingerprint uint64
	catalogErrs []error
}

func New(store *Store, lifecycle *backend.Lifecycle, compile CompileFunc, emitter events.Emitter) *Registry {
	if emitter == nil {
		emitter = events.NopEmitter{}
	}
	return &Registry{
		store:     store,
		lifecycle: lifecycle,
		builder:   catalog.NewBuilder(),
		compile:   compile,
		emitter:   emitter,
		log:       logger.WithPrefix("registry"),
		sessions:  make(map[string]*session),
	}
}

// Store exposes the backing descriptor store.
func (r *Registry) Store() *Store {
	return r.store
}

func (r *Registry) session(tenant string) *session {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.sessions[tenant]
	if !ok {
		sess = &session{}
		r.sessions[tenant] = sess
	}
	return sess
}

// AddBackend registers a backend and rebuilds the tenant's graph. The
// registration survives a failed rebuild; the next readiness check retries.
func (r *Registry) AddBackend(ctx context.Context, tenant string, desc backend.Descriptor) error {
	if err := r.store.Add(tenant, desc); err != nil {
		return err
	}
	r.emitter.Emit(events.New(events.TypeBackendConnect, tenant, map[string]interface{}{
		"backend": desc.Name,
		"url":     desc.URL,
	}))
	return r.rebuild(ctx, tenant, false)
}

// RemoveBackend deregisters a backend, starts its cooldown and rebuilds.
func (r *Registry) RemoveBackend(ctx context.Context, tenant, name string) error {
	if !r.store.Remove(tenant, name) {
		return &UnknownBackendError{Tenant: tenant, Backend: name}
	}
	r.emitter.Emit(events.New(events.TypeBackendDisconnect, tenant, map[string]interface{}{
		"backend": name,
	}))
	return r.rebuild(ctx, tenant, false)
}

// EnsureReady returns the tenant's current graph, rebuilding only when the
// registered backend set changed since the last build. Readiness is
// idempotent: repeated calls with an unchanged set return the same graph.
func (r *Registry) EnsureReady(ctx context.Context, tenant string) (*orchestrator.Graph, error) {
	r.store.Touch(tenant)

	sess := r.session(tenant)
	sess.mu.Lock()
	current := fingerprint(r.store.Descriptors(tenant))
	if sess.graph != nil && sess.fingerprint == current {
		g := sess.graph
		sess.mu.Unlock()
		return g, nil
	}
	sess.mu.Unlock()

	if err := r.rebuild(ctx, tenant, false); err != nil {
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if sess.graph == nil {
		return nil, fmt.Errorf("tenant %q has no graph", tenant)
	}
	return sess.graph, nil
}

// Rebuild forces a teardown and rebuild of the tenant's connections and
// graph regardless of whether the backend set changed.
func (r *Registry) Rebuild(ctx context.Context, tenant string) error {
	return r.rebuild(ctx, tenant, true)
}

// Invalidate drops the tenant's compiled graph without touching its
// connections or stored backends. The next EnsureReady recompiles.
func (r *Registry) Invalidate(tenant string) {
	sess := r.session(tenant)
	sess.mu.Lock()
	sess.graph = nil
	sess.fingerprint = 0
	sess.mu.Unlock()
}

// rebuild tears the session down and builds it fresh from the store's
// descriptor snapshot. The session is cleared before the old connections
// close, so concurrent readers observe either the old complete graph or no
// graph, never a graph over closed connections.
func (r *Registry) rebuild(ctx context.Context, tenant string, force bool) error {
	sess := r.session(tenant)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	snapshot := r.store.Descriptors(tenant)
	current := fingerprint(snapshot)
	if !force && sess.graph != nil && sess.fingerprint == current {
		return nil
	}

	r.emitter.Emit(events.New(events.TypeRebuildStart, tenant, map[string]interface{}{
		"backends": len(snapshot),
		"forced":   force,
	}))

	old := sess.conns
	sess.graph = nil
	sess.conns = nil
	sess.routes = nil
	sess.catalogErrs = nil

	if err := r.lifecycle.CloseAll(old); err != nil {
		// Races with in-flight calls are expected here.
		r.log.Debug("teardown for %q: %v", tenant, err)
	}

	conns, err := r.lifecycle.OpenAll(ctx, snapshot)
	if err != nil {
		r.emitRebuildEnd(tenant, 0, err)
		return fmt.Errorf("rebuilding tenant %q: %w", tenant, err)
	}

	// Catalog errors degrade the graph instead of failing the rebuild: a
	// tenant whose backends all misbehave still gets a model-only graph.
	cat, catErrs := r.builder.Build(ctx, conns)
	for _, cerr := range catErrs {
		r.log.Warn("catalog for %q: %v", tenant, cerr)
	}

	routes := make(map[string]*backend.Connection, cat.Len())
	byName := make(map[string]*backend.Connection, len(conns))
	for _, conn := range conns {
		byName[conn.Name()] = conn
	}
	for _, op := range cat.Operations() {
		if conn, ok := byName[op.Backend]; ok {
			routes[op.Name] = conn
		}
	}

	invoker := orchestrator.InvokerFunc(func(ctx context.Context, operation string, args map[string]interface{}) (*backend.CallResult, error) {
		return r.CallOperation(ctx, tenant, operation, args)
	})

	graph, err := r.compile(cat, invoker)
	if err != nil {
		if closeErr := r.lifecycle.CloseAll(conns); closeErr != nil {
			r.log.Debug("teardown after failed compile for %q: %v", tenant, closeErr)
		}
		r.emitRebuildEnd(tenant, 0, err)
		return fmt.Errorf("compiling graph for tenant %q: %w", tenant, err)
	}

	sess.graph = graph
	sess.conns = conns
	sess.routes = routes
	sess.fingerprint = current
	sess.catalogErrs = catErrs

	r.emitRebuildEnd(tenant, cat.Len(), nil)
	r.log.Info("tenant %q ready: %d backends, %d operations", tenant, len(conns), cat.Len())
	return nil
}

func (r *Registry) emitRebuildEnd(tenant string, operations int, err error) {
	fields := map[string]interface{}{"operations": operations}
	if err != nil {
		fields["error"] = err.Error()
	}
	r.emitter.Emit(events.New(events.TypeRebuildEnd, tenant, fields))
}

// CallOperation routes an invocation to its backend. A call that fails on a
// closed connection triggers one forced rebuild and one retry; any further
// failure is final.
func (r *Registry) CallOperation(ctx context.Context, tenant, operation string, args map[string]interface{}) (*backend.CallResult, error) {
	result, err := r.callOnce(ctx, tenant, operation, args)
	if err == nil || !backend.IsClosedError(err) {
		return result, err
	}

	r.log.Info("retrying %q for tenant %q after transient rebuild", operation, tenant)
	if rerr := r.rebuild(ctx, tenant, true); rerr != nil {
		return nil, fmt.Errorf("recovering %q: %w", operation, rerr)
	}
	return r.callOnce(ctx, tenant, operation, args)
}

func (r *Registry) callOnce(ctx context.Context, tenant, operation string, args map[string]interface{}) (*backend.CallResult, error) {
	sess := r.session(tenant)
	sess.mu.Lock()
	conn, ok := sess.routes[operation]
	sess.mu.Unlock()
	if !ok {
		return nil, &UnknownOperationError{Tenant: tenant, Operation: operation}
	}
	return conn.CallOperation(ctx, operation, args)
}

// CatalogErrors returns the per-backend errors collected during the last
// rebuild.
func (r *Registry) CatalogErrors(tenant string) []error {
	sess := r.session(tenant)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	return append([]error{}, sess.catalogErrs...)
}

// DropTenant tears down a tenant's session and forgets its stored state.
func (r *Registry) DropTenant(tenant string) {
	r.mu.Lock()
	sess, ok := r.sessions[tenant]
	if ok {
		delete(r.sessions, tenant)
	}
	r.mu.Unlock()

	if ok {
		sess.mu.Lock()
		conns := sess.conns
		sess.graph = nil
		sess.conns = nil
		sess.routes = nil
		sess.mu.Unlock()
		if err := r.lifecycle.CloseAll(conns); err != nil {
			r.log.Debug("teardown for dropped tenant %q: %v", tenant, err)
		}
	}

	r.store.Drop(tenant)
}

// Sweep drops every tenant idle past the TTL and returns how many went.
func (r *Registry) Sweep() int {
	expired := r.store.Expired()
	for _, tenant := range expired {
		r.log.Info("expiring idle tenant %q", tenant)
		r.DropTenant(tenant)
	}
	return len(expired)
}

// Close tears down every session.
func (r *Registry) Close() {
	r.mu.Lock()
	sessions := r.sessions
	r.sessions = make(map[string]*session)
	r.mu.Unlock()

	for tenant, sess := range sessions {
		sess.mu.Lock()
		conns := sess.conns
		sess.conns = nil
		sess.graph = nil
		sess.routes = nil
		sess.mu.Unlock()
		if err := r.lifecycle.CloseAll(conns); err != nil {
			r.log.Debug("teardown for %q on shutdown: %v", tenant, err)
		}
	}
}

// TenantStats is a point-in-time view of one tenant's session.
type TenantStats struct {
	Tenant     string `json:"tenant"`
	Backends   int    `json:"backends"`
	Operations int    `json:"operations"`
	Ready      bool   `json:"ready"`
}

// Stats reports every known tenant's session state.
func (r *Registry) Stats() []TenantStats {
	tenants := r.store.Tenants()
	out := make([]TenantStats, 0, len(tenants))
	for _, tenant := range tenants {
		stat := TenantStats{
			Tenant:   tenant,
			Backends: r.store.BackendCount(tenant),
		}
		sess := r.session(tenant)
		sess.mu.Lock()
		stat.Ready = sess.graph != nil
		stat.Operations = len(sess.routes)
		sess.mu.Unlock()
		out = append(out, stat)
	}
	return out
}

// fingerprint hashes a sorted descriptor set so unchanged backend sets can
// skip rebuilds.
func fingerprint(descriptors []backend.Descriptor) uint64 {
	h := xxhash.New()
	for _, desc := range descriptors {
		h.WriteString(desc.Identity())
		h.Write([]byte{0})
	}
	return h.Sum64()
}
