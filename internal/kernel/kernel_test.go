package kernel

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddServerBracketsIPv6(t *testing.T) {
	d := &Driver{DryRun: true}
	svc := Service{VIP: "2001:db8::1", Port: 80, Protocol: "tcp"}
	r := Real{IP: "2001:db8::2", Port: 8080, Weight: 5, FwMethod: FwMethodGate}

	err := d.AddServer(context.Background(), svc, r)
	assert.NoError(t, err)
	assert.Contains(t, d.Recorded[0], "[2001:db8::1]:80")
	assert.Contains(t, d.Recorded[0], "[2001:db8::2]:8080")
	assert.Contains(t, d.Recorded[0], "-g")
	assert.Contains(t, d.Recorded[0], "-w 5")
}

func TestUnknownFwMethodFallsBackToGate(t *testing.T) {
	d := &Driver{DryRun: true}
	svc := Service{VIP: "10.0.0.1", Port: 80, Protocol: "tcp"}
	r := Real{IP: "10.0.0.2", Port: 8080, Weight: 1, FwMethod: FwMethod("bogus")}

	err := d.AddServer(context.Background(), svc, r)
	assert.NoError(t, err)
	assert.Contains(t, d.Recorded[0], "-g")
}

func TestAddServiceIsABatchOfOneCommand(t *testing.T) {
	d := &Driver{DryRun: true}
	svc := Service{VIP: "10.0.0.1", Port: 80, Protocol: "tcp", Scheduler: "wrr"}

	err := d.AddService(context.Background(), svc)
	assert.NoError(t, err)
	assert.Len(t, d.Recorded, 1)
	assert.Contains(t, d.Recorded[0], "-A")
	assert.Contains(t, d.Recorded[0], "-s wrr")
}

func TestReconcileTunnelFwMethodUsesDashI(t *testing.T) {
	d := &Driver{DryRun: true}
	svc := Service{VIP: "10.0.0.1", Port: 80, Protocol: "tcp"}
	desired := svc
	desired.Reals = []Real{{IP: "10.0.0.2", Port: 8080, Weight: 1, FwMethod: FwMethodTunnel}}

	err := d.Reconcile(context.Background(), Service{}, desired)
	assert.NoError(t, err)
	require.Len(t, d.Recorded, 1)
	assert.Contains(t, d.Recorded[0], "-i")
}

func TestReconcileComputesMinimalDiff(t *testing.T) {
	d := &Driver{DryRun: true}
	svc := Service{VIP: "10.0.0.1", Port: 80, Protocol: "tcp"}

	current := svc
	current.Reals = []Real{
		{IP: "10.0.0.2", Port: 8080, Weight: 1, FwMethod: FwMethodGate},
		{IP: "10.0.0.3", Port: 8080, Weight: 1, FwMethod: FwMethodGate},
	}
	desired := svc
	desired.Reals = []Real{
		{IP: "10.0.0.2", Port: 8080, Weight: 10, FwMethod: FwMethodGate}, // weight changed -> edit
		{IP: "10.0.0.4", Port: 8080, Weight: 1, FwMethod: FwMethodGate},  // new -> add
		// 10.0.0.3 dropped -> remove
	}

	err := d.Reconcile(context.Background(), current, desired)
	assert.NoError(t, err)
	assert.Len(t, d.Recorded, 3)
}
