// Package failover implements the VIP announcement layer (C7): a registry
// of virtual IPs this node currently serves, and an Agent that
// announces or withdraws them across every configured peer, grounded on
// original_source/pybal.py's BGPFailoverAgent.
package failover

import (
	"context"
	"fmt"
	"net"
	"sync"

	"github.com/sabouaram/lbald/internal/bgp"
	"github.com/sabouaram/lbald/internal/bgp/message"
	"github.com/sabouaram/lbald/internal/logging"
)

// Attributes bundles the path-attribute knobs applied to every VIP this
// node announces.
type Attributes struct {
	LocalAS uint16
	MED     *uint32 // nil disables MULTI_EXIT_DISC
}

// Agent owns the set of VIPs announced to BGP peers and pushes
// Announce/Withdraw calls out to every peer session.
type Agent struct {
	mu       sync.Mutex
	attrs    Attributes
	sessions []*bgp.Session
	logger   logging.Logger

	vips map[string]net.IP // prefix key -> VIP address
}

// NewAgent creates a failover Agent driving the given peer sessions.
func NewAgent(attrs Attributes, sessions []*bgp.Session, logger logging.Logger) *Agent {
	return &Agent{attrs: attrs, sessions: sessions, logger: logger, vips: make(map[string]net.IP)}
}

// Start launches every peer session's FSM loop.
func (a *Agent) Start(ctx context.Context) {
	for _, s := range a.sessions {
		go s.Run(ctx)
	}
}

// AddPrefix announces a VIP to every peer, building the standard attribute
// set pybal's BGPFailoverAgent.addPrefix composes: ORIGIN (always IGP) and
// AS_PATH (always this node's own AS, as a one-AS sequence, since pybal
// never relays routes learned from elsewhere) form the mandatory base,
// MULTI_EXIT_DISC is added only when configured, and the address family
// decides whether NEXT_HOP (IPv4) or MP_REACH_NLRI (IPv6) carries the
// reachability information.
func (a *Agent) AddPrefix(vip net.IP, prefixLen int) error {
	key := fmt.Sprintf("%s/%d", vip, prefixLen)

	a.mu.Lock()
	a.vips[key] = vip
	attrs := a.attrs
	sessions := append([]*bgp.Session{}, a.sessions...)
	a.mu.Unlock()

	update := a.buildUpdate(vip, prefixLen, attrs)

	var firstErr error
	for _, s := range sessions {
		if err := s.Announce(key, update); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (a *Agent) buildUpdate(vip net.IP, prefixLen int, attrs Attributes) message.Update {
	mask := net.CIDRMask(prefixLen, ipBits(vip))
	prefix := message.PrefixFromIPNet(&net.IPNet{IP: vip, Mask: mask})

	pathAttrs := []message.PathAttr{
		rawAttr(message.EncodeOriginAttr(message.OriginIGP)),
		rawAttr(message.EncodeASPathAttr([]message.ASPathSegment{{AS: []uint16{attrs.LocalAS}}})),
	}
	if attrs.MED != nil {
		pathAttrs = append(pathAttrs, rawAttr(message.EncodeMEDAttr(*attrs.MED)))
	}

	if v4 := vip.To4(); v4 != nil {
		pathAttrs = append(pathAttrs, rawAttr(message.EncodeNextHopAttr(vip)))
		return message.Update{PathAttrs: pathAttrs, NLRI: []message.Prefix{prefix}}
	}

	pathAttrs = append(pathAttrs, rawAttr(message.EncodeMPReachNLRIv6(vip, []message.Prefix{prefix})))
	return message.Update{PathAttrs: pathAttrs}
}

func ipBits(ip net.IP) int {
	if ip.To4() != nil {
		return 32
	}
	return 128
}

// rawAttr re-decodes an Encode*Attr()'s bytes back into a PathAttr struct,
// so AddPrefix can build message.Update directly from the same encoders
// the wire codec tests exercise, rather than duplicating flag/type logic.
func rawAttr(encoded []byte) message.PathAttr {
	flags := encoded[0]
	typ := message.PathAttrType(encoded[1])
	if flags&0x10 != 0 { // extended length
		return message.PathAttr{Flags: flags, Type: typ, Value: encoded[4:]}
	}
	return message.PathAttr{Flags: flags, Type: typ, Value: encoded[3:]}
}

// RemovePrefix withdraws a previously announced VIP from every peer.
func (a *Agent) RemovePrefix(vip net.IP, prefixLen int) error {
	key := fmt.Sprintf("%s/%d", vip, prefixLen)

	a.mu.Lock()
	delete(a.vips, key)
	sessions := append([]*bgp.Session{}, a.sessions...)
	a.mu.Unlock()

	mask := net.CIDRMask(prefixLen, ipBits(vip))
	prefix := message.PrefixFromIPNet(&net.IPNet{IP: vip, Mask: mask})

	var firstErr error
	for _, s := range sessions {
		if err := s.Withdraw(key, prefix); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Close tears down every peer session.
func (a *Agent) Close() {
	for _, s := range a.sessions {
		s.Close()
	}
}
