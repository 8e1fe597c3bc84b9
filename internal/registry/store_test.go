package registry

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agenthub-ai/agenthub/internal/backend"
)

func TestStoreDescriptorsSortedAndIsolatedPerTenant(t *testing.T) {
	store := NewStore(time.Minute, time.Hour)

	require.NoError(t, store.Add("acme", backend.Descriptor{Name: "zeta", URL: "http://z"}))
	require.NoError(t, store.Add("acme", backend.Descriptor{Name: "alpha", URL: "http://a"}))
	require.NoError(t, store.Add("globex", backend.Descriptor{Name: "alpha", URL: "http://other"}))

	descs := store.Descriptors("acme")
	require.Len(t, descs, 2)
	assert.Equal(t, "alpha", descs[0].Name)
	assert.Equal(t, "zeta", descs[1].Name)
	assert.Equal(t, "http://a", descs[0].URL)

	assert.Equal(t, "http://other", store.Descriptors("globex")[0].URL)
	assert.Empty(t, store.Descriptors("unknown"))
}

func TestStoreAddReplacesDescriptor(t *testing.T) {
	store := NewStore(time.Minute, time.Hour)

	require.NoError(t, store.Add("acme", backend.Descriptor{Name: "alpha", URL: "http://v1"}))
	require.NoError(t, store.Add("acme", backend.Descriptor{Name: "alpha", URL: "http://v2"}))

	descs := store.Descriptors("acme")
	require.Len(t, descs, 1)
	assert.Equal(t, "http://v2", descs[0].URL)
}

func TestStoreAddValidates(t *testing.T) {
	store := NewStore(time.Minute, time.Hour)
	assert.Error(t, store.Add("acme", backend.Descriptor{URL: "http://x"}))
	assert.Error(t, store.Add("acme", backend.Descriptor{Name: "x"}))
}

func TestStoreCooldownIsPerTenant(t *testing.T) {
	store := NewStore(time.Minute, time.Hour)
	desc := backend.Descriptor{Name: "alpha", URL: "http://a"}

	require.NoError(t, store.Add("acme", desc))
	require.True(t, store.Remove("acme", "alpha"))

	// acme is blocked; globex never removed alpha and is not.
	assert.Error(t, store.Add("acme", desc))
	assert.NoError(t, store.Add("globex", desc))
}

func TestStoreRemoveMissing(t *testing.T) {
	store := NewStore(time.Minute, time.Hour)
	assert.False(t, store.Remove("acme", "ghost"))
}

func TestStoreDropClearsCooldowns(t *testing.T) {
	store := NewStore(time.Minute, time.Hour)
	desc := backend.Descriptor{Name: "alpha", URL: "http://a"}

	require.NoError(t, store.Add("acme", desc))
	require.True(t, store.Remove("acme", "alpha"))
	store.Drop("acme")

	// A dropped tenant starts clean: no cooldown survives.
	assert.NoError(t, store.Add("acme", desc))
}

func TestStoreDropRunsCleanupCallbacks(t *testing.T) {
	store := NewStore(time.Minute, time.Hour)
	var dropped []string
	store.OnCleanup(func(tenant string) { dropped = append(dropped, tenant) })
	store.OnCleanup(func(tenant string) { dropped = append(dropped, tenant+"-2") })

	require.NoError(t, store.Add("acme", backend.Descriptor{Name: "alpha", URL: "http://a"}))
	store.Drop("acme")

	assert.Equal(t, []string{"acme", "acme-2"}, dropped)
}
