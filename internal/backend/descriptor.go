package backend

import (
	"fmt"
	"sort"
	"strings"
)

// Descriptor identifies a remote tool backend registered for a tenant.
type Descriptor struct {
	Name    string            `json:"name"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`

	// DiscoveryOp names a zero-argument operation that enumerates
	// sub-operations. Set only for workflow-index backends.
	DiscoveryOp string `json:"discovery_op,omitempty"`
}

// Validate checks the fields required to open a connection.
func (d Descriptor) Validate() error {
	if strings.TrimSpace(d.Name) == "" {
		return fmt.Errorf("backend descriptor requires a name")
	}
	if strings.TrimSpace(d.URL) == "" {
		return fmt.Errorf("backend %q requires a URL", d.Name)
	}
	return nil
}

// Identity returns a stable string for fingerprinting the descriptor.
// Headers are included: connections pin their headers at dial time, so a
// re-announced backend with rotated credentials must read as changed or the
// new values never reach the wire.
func (d Descriptor) Identity() string {
	var b strings.Builder
	b.WriteString(d.Name)
	b.WriteByte(0)
	b.WriteString(d.URL)
	b.WriteByte(0)
	b.WriteString(d.DiscoveryOp)

	keys := make([]string, 0, len(d.Headers))
	for k := range d.Headers {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		b.WriteByte(0)
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(d.Headers[k])
	}
	return b.String()
}
