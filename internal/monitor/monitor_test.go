package monitor

import (
	"testing"

	"github.com/sabouaram/lbald/internal/monitor/status"
	"github.com/stretchr/testify/assert"
)

func TestAggregatorFirstCheckLatches(t *testing.T) {
	a := NewAggregator(AggregateAND, []string{"m1"})

	up, changed := a.Record("m1", status.OK)
	assert.True(t, up)
	assert.True(t, changed, "first ever result must always report as changed")
}

func TestAggregatorANDRequiresAllUp(t *testing.T) {
	a := NewAggregator(AggregateAND, []string{"m1", "m2"})

	up, _ := a.Record("m1", status.OK)
	assert.True(t, up)

	up, changed := a.Record("m2", status.KO)
	assert.False(t, up)
	assert.True(t, changed)

	up, changed = a.Record("m1", status.OK)
	assert.False(t, up, "m2 is still down so AND aggregate stays down")
	assert.False(t, changed)
}

func TestAggregatorORRequiresAnyUp(t *testing.T) {
	a := NewAggregator(AggregateOR, []string{"m1", "m2"})

	a.Record("m1", status.KO)
	up, _ := a.Record("m2", status.OK)
	assert.True(t, up, "OR aggregate is up once any monitor is up")
}

func TestAggregatorWarnCountsAsUp(t *testing.T) {
	a := NewAggregator(AggregateAND, []string{"m1"})
	up, _ := a.Record("m1", status.Warn)
	assert.True(t, up, "Warn status must still count as up for pooling purposes")
}
