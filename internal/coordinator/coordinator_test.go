package coordinator

import (
	"context"
	"testing"

	"github.com/sabouaram/lbald/internal/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCoordinator(threshold float64) *Coordinator {
	vip := kernel.Service{VIP: "10.0.0.1", Port: 80, Protocol: "tcp"}
	driver := &kernel.Driver{DryRun: true}
	return New("svc1", vip, threshold, driver, nil)
}

func TestResultDownRespectsDepoolThreshold(t *testing.T) {
	c := newTestCoordinator(0.5)
	c.OnConfigUpdate(context.Background(), map[string]ServerConfig{
		"h1": {Host: "h1", Weight: 1, Enabled: true, Pooled: true},
		"h2": {Host: "h2", Weight: 1, Enabled: true, Pooled: true},
	})
	c.Get("h1").Up = true
	c.Get("h2").Up = true

	// Depooling h1 would leave 1/2 = 0.5, which still satisfies >= 0.5.
	err := c.ResultDown(context.Background(), "h1")
	require.NoError(t, err)
	assert.False(t, c.Get("h1").Pooled, "h1 should be depooled: 1/2 still satisfies the threshold")

	// Depooling h2 now would leave 0/2 = 0, below the threshold: refuse.
	err = c.ResultDown(context.Background(), "h2")
	require.NoError(t, err)
	assert.True(t, c.Get("h2").Pooled, "h2 must stay pooled: depooling it would violate the safety threshold")
}

func TestResultUpRepoolsWithoutThrottling(t *testing.T) {
	c := newTestCoordinator(0.9)
	c.OnConfigUpdate(context.Background(), map[string]ServerConfig{
		"h1": {Host: "h1", Weight: 1, Enabled: true, Pooled: false},
	})

	err := c.ResultUp(context.Background(), "h1")
	require.NoError(t, err)
	assert.True(t, c.Get("h1").Pooled)
}

func TestOnConfigUpdateDropsRemovedServers(t *testing.T) {
	c := newTestCoordinator(0)
	c.OnConfigUpdate(context.Background(), map[string]ServerConfig{
		"h1": {Host: "h1", Weight: 1, Enabled: true},
	})
	assert.NotNil(t, c.Get("h1"))

	c.OnConfigUpdate(context.Background(), map[string]ServerConfig{})
	assert.Nil(t, c.Get("h1"))
}

func TestResultUpDrainsPooledDownServers(t *testing.T) {
	// spec.md §8 scenario 1: three servers, threshold 0.5.
	c := newTestCoordinator(0.5)
	c.OnConfigUpdate(context.Background(), map[string]ServerConfig{
		"a": {Host: "a", Weight: 10, Enabled: true, Pooled: true},
		"b": {Host: "b", Weight: 10, Enabled: true, Pooled: true},
		"c": {Host: "c", Weight: 10, Enabled: true, Pooled: true},
	})
	c.Get("a").Up, c.Get("b").Up, c.Get("c").Up = true, true, true

	require.NoError(t, c.ResultDown(context.Background(), "a"))
	assert.False(t, c.Get("a").Pooled, "a depools: 2/3 still satisfies 0.5")

	require.NoError(t, c.ResultDown(context.Background(), "b"))
	assert.True(t, c.Get("b").Pooled, "b must stay pooled: depooling it would leave 1/3 < 0.5")
	assert.True(t, c.pooledDownServers["b"])

	require.NoError(t, c.ResultUp(context.Background(), "a"))
	assert.True(t, c.Get("a").Pooled, "a repools unconditionally")
	assert.False(t, c.Get("b").Pooled, "repooling a frees enough headroom to drain b from pooledDownServers")
	assert.Empty(t, c.pooledDownServers)
}

func TestCanDepoolUsesDownSetNotPooledCount(t *testing.T) {
	// Counterexample: 4 servers, threshold 0.75, two down (b, c) parked in
	// pooledDownServers. canDepool() = (total-down)/total must stay pinned
	// to the down set {b, c} (ratio 0.5 < 0.75) after a's own ResultUp, while
	// the *pooled* count is 3 of 4 (a, c, d) — a pooled-count basis (3/4 =
	// 0.75) would wrongly admit the drain here.
	c := newTestCoordinator(0.75)
	c.OnConfigUpdate(context.Background(), map[string]ServerConfig{
		"a": {Host: "a", Weight: 10, Enabled: true, Pooled: true},
		"b": {Host: "b", Weight: 10, Enabled: true, Pooled: true},
		"c": {Host: "c", Weight: 10, Enabled: true, Pooled: true},
		"d": {Host: "d", Weight: 10, Enabled: true, Pooled: true},
	})
	for _, h := range []string{"a", "b", "c", "d"} {
		c.Get(h).Up = true
	}

	require.NoError(t, c.ResultDown(context.Background(), "b"))
	assert.False(t, c.Get("b").Pooled, "b depools: (4-1)/4 = 0.75 satisfies the threshold exactly")

	require.NoError(t, c.ResultDown(context.Background(), "c"))
	assert.True(t, c.Get("c").Pooled, "c must stay pooled: (4-2)/4 = 0.5 < 0.75")

	require.NoError(t, c.ResultDown(context.Background(), "a"))
	assert.True(t, c.Get("a").Pooled, "a must stay pooled: (4-3)/4 = 0.25 < 0.75")

	require.NoError(t, c.ResultUp(context.Background(), "a"))
	assert.True(t, c.Get("a").Pooled, "a was never depooled and stays pooled on ResultUp")
	assert.True(t, c.Get("c").Pooled, "c must still be denied: down-set {b,c} keeps the ratio at 0.5 < 0.75")
	assert.True(t, c.pooledDownServers["c"], "c remains parked in pooledDownServers")
}

func TestOnConfigUpdatePreservesPooledOnlyIfStillUp(t *testing.T) {
	c := newTestCoordinator(0)
	c.OnConfigUpdate(context.Background(), map[string]ServerConfig{
		"h1": {Host: "h1", Weight: 1, Enabled: true, Pooled: true},
	})
	c.Get("h1").Pooled = true
	c.Get("h1").Up = false

	c.OnConfigUpdate(context.Background(), map[string]ServerConfig{
		"h1": {Host: "h1", Weight: 2, Enabled: true},
	})
	assert.False(t, c.Get("h1").Pooled, "a down server must not keep pooled=true across a config replace")
}
