package failover

import (
	"net"
	"testing"

	"github.com/sabouaram/lbald/internal/bgp/message"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBuildUpdateUsesNextHopForIPv4(t *testing.T) {
	a := NewAgent(Attributes{LocalAS: 65001}, nil, nil)
	u := a.buildUpdate(net.ParseIP("10.1.2.3"), 32, a.attrs)

	require.Len(t, u.NLRI, 1)
	found := false
	for _, attr := range u.PathAttrs {
		if attr.Type == message.AttrNextHop {
			found = true
		}
		assert.NotEqual(t, message.AttrMPReachNLRI, attr.Type)
	}
	assert.True(t, found, "IPv4 VIP must carry a NEXT_HOP attribute")
}

func TestBuildUpdateUsesMPReachNLRIForIPv6(t *testing.T) {
	a := NewAgent(Attributes{LocalAS: 65001}, nil, nil)
	u := a.buildUpdate(net.ParseIP("2001:db8::1"), 128, a.attrs)

	assert.Empty(t, u.NLRI, "IPv6 VIPs must not use the plain IPv4 NLRI field")
	found := false
	for _, attr := range u.PathAttrs {
		if attr.Type == message.AttrMPReachNLRI {
			found = true
		}
	}
	assert.True(t, found, "IPv6 VIP must carry an MP_REACH_NLRI attribute")
}

func TestBuildUpdateIncludesMEDWhenConfigured(t *testing.T) {
	med := uint32(100)
	a := NewAgent(Attributes{LocalAS: 65001, MED: &med}, nil, nil)
	u := a.buildUpdate(net.ParseIP("10.1.2.3"), 32, a.attrs)

	found := false
	for _, attr := range u.PathAttrs {
		if attr.Type == message.AttrMultiExitDisc {
			found = true
		}
	}
	assert.True(t, found)
}
