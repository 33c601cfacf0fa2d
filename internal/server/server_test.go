package server

import (
	"testing"

	"github.com/sabouaram/lbald/internal/kernel"
	"github.com/stretchr/testify/assert"
)

func TestMergeOnlyAppliesWhitelistedKeys(t *testing.T) {
	s := New("host1", 1, true)
	s.Merge(map[string]any{
		"weight":    10,
		"unrelated": "ignored",
	})
	assert.Equal(t, 10, s.Weight)
}

func TestMergeAppliesPerServerFwMethod(t *testing.T) {
	s := New("host1", 1, true)
	assert.Equal(t, kernel.FwMethodGate, s.FwMethod)

	s.Merge(map[string]any{"fwmethod": "ipip"})
	assert.Equal(t, kernel.FwMethod("ipip"), s.FwMethod)
	assert.Equal(t, kernel.FwMethodTunnel, s.FwMethod)
}

func TestCanDepoolInvariants(t *testing.T) {
	// P2: pooled and down never blocks a depool.
	s := New("host1", 1, true)
	s.Pooled = true
	s.Up = false
	assert.True(t, s.CanDepool())

	// P1: up and not pooled never blocks either.
	s2 := New("host2", 1, true)
	s2.Pooled = false
	s2.Up = true
	assert.True(t, s2.CanDepool())

	// Up and pooled: the coordinator's threshold must decide.
	s3 := New("host3", 1, true)
	s3.Pooled = true
	s3.Up = true
	assert.False(t, s3.CanDepool())
}

func TestSetEnabledStopsMonitorsOnDisable(t *testing.T) {
	s := New("host1", 1, true)
	stopped := false
	s.SetMonitorsCancel(func() { stopped = true })

	s.SetEnabled(false)
	assert.True(t, stopped)
}

func TestCalcStatusLatchesFirstCheck(t *testing.T) {
	s := New("host1", 1, true)
	assert.False(t, s.IsReady())

	s.CalcStatus(true)
	s.Ready = true
	assert.True(t, s.IsReady())
}
