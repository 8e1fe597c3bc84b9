package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/agenthub-ai/agenthub/internal/backend"
)

// CooldownError is returned when a backend name is re-added before its
// removal cooldown expired.
type CooldownError struct {
	Tenant    string
	Backend   string
	Remaining time.Duration
}

func (e *CooldownError) Error() string {
	return fmt.Sprintf("backend %q for tenant %q is cooling down for another %s",
		e.Backend, e.Tenant, e.Remaining.Round(time.Millisecond))
}

// Store tracks the desired backend set per tenant, together with removal
// cooldowns and activity timestamps for idle expiry. It holds intent only;
// live connections belong to the Registry.
type Store struct {
	mu          sync.Mutex
	descriptors map[string]map[string]backend.Descriptor
	cooldowns   map[string]map[string]time.Time
	activity    map[string]time.Time

	cooldown time.Duration
	ttl      time.Duration

	cleanupCallbacks []func(tenant string)

	// now is replaceable in tests.
	now func() time.Time
}

func NewStore(cooldown, ttl time.Duration) *Store {
	return &Store{
		descriptors: make(map[string]map[string]backend.Descriptor),
		cooldowns:   make(map[string]map[string]time.Time),
		activity:    make(map[string]time.Time),
		cooldown:    cooldown,
		ttl:         ttl,
		now:         time.Now,
	}
}

// Touch records tenant activity for idle expiry.
func (s *Store) Touch(tenant string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.activity[tenant] = s.now()
}

// Add registers a backend descriptor for the tenant. Re-adding a name whose
// removal cooldown has not elapsed fails; re-adding an active name replaces
// its descriptor.
func (s *Store) Add(tenant string, desc backend.Descriptor) error {
	if err := desc.Validate(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if removed, ok := s.cooldowns[tenant][desc.Name]; ok {
		elapsed := s.now().Sub(removed)
		if elapsed < s.cooldown {
			return &CooldownError{
				Tenant:    tenant,
				Backend:   desc.Name,
				Remaining: s.cooldown - elapsed,
			}
		}
		delete(s.cooldowns[tenant], desc.Name)
	}

	if s.descriptors[tenant] == nil {
		s.descriptors[tenant] = make(map[string]backend.Descriptor)
	}
	s.descriptors[tenant][desc.Name] = desc
	s.activity[tenant] = s.now()
	return nil
}

// Remove drops a backend from the tenant's set and starts its cooldown.
// It reports whether the backend was present.
func (s *Store) Remove(tenant, name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.descriptors[tenant][name]; !ok {
		return false
	}
	delete(s.descriptors[tenant], name)

	if s.cooldowns[tenant] == nil {
		s.cooldowns[tenant] = make(map[string]time.Time)
	}
	s.cooldowns[tenant][name] = s.now()
	s.activity[tenant] = s.now()
	return true
}

// Descriptors returns the tenant's backend set sorted by name.
func (s *Store) Descriptors(tenant string) []backend.Descriptor {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]backend.Descriptor, 0, len(s.descriptors[tenant]))
	for _, desc := range s.descriptors[tenant] {
		out = append(out, desc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Tenants lists every tenant with registered state, sorted.
func (s *Store) Tenants() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	for tenant := range s.descriptors {
		seen[tenant] = struct{}{}
	}
	for tenant := range s.activity {
		seen[tenant] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for tenant := range seen {
		out = append(out, tenant)
	}
	sort.Strings(out)
	return out
}

// Expired returns tenants whose last activity is older than the TTL.
func (s *Store) Expired() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff := s.now().Add(-s.ttl)
	var out []string
	for tenant, last := range s.activity {
		if last.Before(cutoff) {
			out = append(out, tenant)
		}
	}
	sort.Strings(out)
	return out
}

// Drop removes every trace of a tenant, cooldowns included.
func (s *Store) Drop(tenant string) {
	s.mu.Lock()
	delete(s.descriptors, tenant)
	delete(s.cooldowns, tenant)
	delete(s.activity, tenant)
	callbacks := s.cleanupCallbacks
	s.mu.Unlock()
	for _, cb := range callbacks {
		cb(tenant)
	}
}

// OnCleanup registers a callback invoked whenever a tenant's state is
// dropped, so other components can discard their own per-tenant data.
// Callbacks run outside the store lock.
func (s *Store) OnCleanup(cb func(tenant string)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cleanupCallbacks = append(s.cleanupCallbacks, cb)
}

// BackendCount reports the number of registered backends for a tenant.
func (s *Store) BackendCount(tenant string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.descriptors[tenant])
}
