package bgp

import (
	"bytes"
	"context"
	"net"

	"github.com/sabouaram/lbald/internal/logging"
)

// Listener accepts incoming (passive) BGP connections and resolves
// collisions against any active outbound session to the same peer, per
// RFC 4271 §6.8: when two TCP connections exist between the same pair of
// speakers, the connection initiated by the speaker with the higher BGP
// Identifier is kept, and the other is closed with a Cease notification.
type Listener struct {
	RouterID net.IP
	Logger   logging.Logger

	sessions map[string]*Session // keyed by peer address
}

// NewListener creates a Listener that resolves collisions against the given
// active sessions, keyed by peer IP string.
func NewListener(routerID net.IP, sessions map[string]*Session, logger logging.Logger) *Listener {
	return &Listener{RouterID: routerID, sessions: sessions, Logger: logger}
}

// ResolveCollision decides whether an incoming connection from peerAddr,
// carrying the peer's advertised BGP identifier peerID, should win over an
// existing established/negotiating outbound session to the same peer.
// It returns true if the incoming connection should be kept (and the
// existing outbound session should be torn down).
func (l *Listener) ResolveCollision(peerAddr string, peerID net.IP) bool {
	existing, ok := l.sessions[peerAddr]
	if !ok || existing == nil {
		return true
	}
	if existing.State() != StateOpenConfirm && existing.State() != StateEstablished {
		return true
	}

	// The connection initiated by the speaker with the higher BGP
	// Identifier survives. The incoming connection was initiated by the
	// peer, so it only wins if the peer's ID is higher than ours.
	winner := higherID(l.RouterID, peerID)
	incomingWins := bytes.Equal(winner, peerID.To4())
	if l.Logger != nil {
		l.Logger.Info("bgp collision with %s resolved: incoming connection %s", peerAddr, map[bool]string{true: "kept", false: "rejected"}[incomingWins])
	}
	return incomingWins
}

func higherID(a, b net.IP) []byte {
	a4, b4 := a.To4(), b.To4()
	if bytes.Compare(a4, b4) >= 0 {
		return a4
	}
	return b4
}

// Serve accepts connections until ctx is cancelled and closes every accepted
// connection immediately. It is a thin shell: no OPEN is read from an
// accepted connection, so no peerID is learned and no collision check runs
// here; sessions are only ever formed with peers this speaker dials itself.
func (l *Listener) Serve(ctx context.Context, ln net.Listener) {
	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		_ = conn.Close()
	}
}
