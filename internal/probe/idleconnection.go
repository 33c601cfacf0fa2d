package probe

import (
	"context"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/sabouaram/lbald/internal/monitor/status"
	"github.com/sabouaram/lbald/internal/monitor/types"
)

// idleConnection keeps a single long-lived TCP connection open to the
// backend and treats its liveness as the health signal, grounded on
// original_source/pybal/monitors/idleconnection.py's
// IdleConnectionMonitoringProtocol (a ReconnectingClientFactory subclass).
//
// A connection that is closed cleanly by the peer reconnects immediately
// (pybal's factory.resetDelay() on connectionMade, so the *next* loss still
// backs off, but a clean close right after connecting is treated as
// transient); a connection that never establishes backs off exponentially,
// capped at maxDelay, matching ReconnectingClientFactory's default policy.
type idleConnection struct {
	base
	ip   string
	port int
}

// NewIdleConnection builds the IdleConnection probe for one backend.
func NewIdleConnection(ip string, port int, cfg types.Config) types.Monitor {
	m := &idleConnection{ip: ip, port: port}
	_ = m.SetConfig(cfg)
	return m
}

func (m *idleConnection) Name() string { return "IdleConnection" }

const (
	idleConnMinDelay = 1 * time.Second
	idleConnMaxDelay = 60 * time.Second
	idleConnFactor   = 1.6180339887 // ReconnectingClientFactory's golden-ratio backoff
)

func (m *idleConnection) Start(ctx context.Context) (<-chan types.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.markRunning(true)

	ch := make(chan types.Report, 8)
	go m.run(ctx, ch)
	return ch, nil
}

func (m *idleConnection) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.markRunning(false)
}

func (m *idleConnection) maxBackoff() time.Duration {
	secs := extraInt(m.GetConfig(), "max-backoff", int(idleConnMaxDelay/time.Second))
	if secs <= 0 {
		return idleConnMaxDelay
	}
	return time.Duration(secs) * time.Second
}

func (m *idleConnection) run(ctx context.Context, ch chan<- types.Report) {
	defer close(ch)

	delay := idleConnMinDelay
	maxDelay := m.maxBackoff()
	addr := net.JoinHostPort(m.ip, fmt.Sprintf("%d", m.port))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		dialer := net.Dialer{Timeout: m.timeout()}
		conn, err := dialer.DialContext(ctx, "tcp", addr)
		if err != nil {
			report(ch, status.KO, "connection failed: "+err.Error())
			if !sleepCtx(ctx, delay) {
				return
			}
			delay = nextBackoff(delay, maxDelay)
			continue
		}

		report(ch, status.OK, "connected")
		delay = idleConnMinDelay

		cleanClose := waitForClose(ctx, conn)
		_ = conn.Close()

		if ctx.Err() != nil {
			return
		}

		if cleanClose {
			report(ch, status.KO, "connection closed by peer")
			// Fast reconnect on a clean close; no backoff penalty.
			continue
		}
		report(ch, status.KO, "connection error")
		if !sleepCtx(ctx, delay) {
			return
		}
		delay = nextBackoff(delay, maxDelay)
	}
}

// waitForClose blocks until the peer closes the connection or an error
// occurs, returning true for a clean (EOF) close.
func waitForClose(ctx context.Context, conn net.Conn) bool {
	done := make(chan bool, 1)
	go func() {
		buf := make([]byte, 1)
		_, err := conn.Read(buf)
		done <- err == io.EOF
	}()

	select {
	case <-ctx.Done():
		_ = conn.Close()
		<-done
		return true
	case clean := <-done:
		return clean
	}
}

func nextBackoff(d, max time.Duration) time.Duration {
	nd := time.Duration(float64(d) * idleConnFactor)
	if nd > max {
		return max
	}
	return nd
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
