// Package server implements the per-backend entity (C4): its configuration
// fields, hostname resolution, pooled/up/enabled/ready state, and the
// invariants the coordinator relies on, grounded on original_source/pybal.py's
// Server class.
package server

import (
	"context"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/sabouaram/lbald/internal/kernel"
	"github.com/sabouaram/lbald/internal/monitor/status"
)

// dnsTimeouts is pybal.py's tiered DNS resolution timeout schedule: try at
// 1s, then 2s, then 5s before giving up.
var dnsTimeouts = []time.Duration{1 * time.Second, 2 * time.Second, 5 * time.Second}

// allowedConfigKeys is the whitelist pybal.py's Server.merge() uses to
// decide which config-file keys are allowed to overwrite server fields.
var allowedConfigKeys = map[string]bool{
	"host":     true,
	"weight":   true,
	"enabled":  true,
	"fwmethod": true,
}

// Server is one backend behind a pooled service.
type Server struct {
	mu sync.RWMutex

	Host     string
	IP       string
	Port     int
	Weight   int
	FwMethod kernel.FwMethod

	Enabled bool // administratively enabled (config says so)
	Pooled  bool // currently in the kernel table
	Up      bool // aggregate monitor verdict
	Ready   bool // has completed DNS resolution (IsReady also requires a first health check)

	// StopMonitorsOnDisable decides whether Enabled=false immediately halts
	// this server's monitors (spec's resolved Open Question #1; defaults true).
	StopMonitorsOnDisable bool

	firstCheckDone bool
	lastStatus     status.Status

	cancelMonitors context.CancelFunc
}

// New builds a Server from its config-file host entry. ip is empty until
// ResolveHostname succeeds.
func New(host string, weight int, enabled bool) *Server {
	return &Server{
		Host:                  host,
		Weight:                weight,
		Enabled:               enabled,
		FwMethod:              kernel.FwMethodGate,
		StopMonitorsOnDisable: true,
	}
}

// ResolveHostname resolves Host to an IP address using the tiered timeout
// schedule from pybal.py's resolveHostname: each attempt uses a longer
// timeout than the last, and the first attempt to succeed wins.
func ResolveHostname(ctx context.Context, resolver *net.Resolver, host string) (string, error) {
	if resolver == nil {
		resolver = net.DefaultResolver
	}

	var lastErr error
	for _, timeout := range dnsTimeouts {
		attemptCtx, cancel := context.WithTimeout(ctx, timeout)
		addrs, err := resolver.LookupHost(attemptCtx, host)
		cancel()
		if err == nil && len(addrs) > 0 {
			return addrs[0], nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("no addresses found for %s", host)
	}
	return "", fmt.Errorf("resolving %s: %w", host, lastErr)
}

// Merge applies a decoded config entry's fields onto this server, only for
// whitelisted keys, matching pybal.py's Server.merge() semantics: unknown
// keys are ignored rather than rejected, so unrelated metadata in a config
// file never breaks parsing.
func (s *Server) Merge(fields map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for key, val := range fields {
		if !allowedConfigKeys[key] {
			continue
		}
		switch key {
		case "host":
			if v, ok := val.(string); ok && v != "" {
				s.Host = v
			}
		case "enabled":
			if v, ok := val.(bool); ok {
				s.Enabled = v
			}
		case "weight":
			switch v := val.(type) {
			case int:
				s.Weight = v
			case float64:
				s.Weight = int(v)
			}
		case "fwmethod":
			if v, ok := val.(string); ok && v != "" {
				s.FwMethod = kernel.FwMethod(v)
			}
		}
	}
}

// CalcStatus returns the server's current up/down verdict, folding in the
// first-check latch: pybal.py's calcStatus only finalizes a transition once
// firstCheck has actually happened, so a server freshly added to a pool
// starts "not ready" rather than silently defaulting to up.
func (s *Server) CalcStatus(agUp bool) status.Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.firstCheckDone = true
	s.Up = agUp
	if agUp {
		s.lastStatus = status.OK
	} else {
		s.lastStatus = status.KO
	}
	return s.lastStatus
}

// CalcPartialStatus reports the last known status without requiring a full
// recomputation, used when rendering /pools state.
func (s *Server) CalcPartialStatus() status.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastStatus
}

// CanDepool reports whether this server may safely be removed from the pool
// right now. It implements P1/P2 from pybal.py's Coordinator.canDepool
// guard at the single-server level: a server that is down is never blocking
// (it's already effectively out), and a server that's up, enabled, ready
// and not pooled never blocks either (it's not a depool candidate at all);
// only an up, pooled server genuinely needs the coordinator's threshold
// check before it's allowed to leave.
func (s *Server) CanDepool() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.Up {
		return true // P2: pooled and down servers never block a depool
	}
	if !s.Pooled {
		return true // P1: up, not pooled -> not a depool candidate
	}
	return false // up and pooled: coordinator threshold decides
}

// IsReady reports whether this server has completed DNS resolution and at
// least one health check, mirroring pybal.py's Server._ready.
func (s *Server) IsReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Ready && s.firstCheckDone
}

// SetMonitorsCancel stores the cancel function for this server's running
// monitor supervisor, so SetEnabled(false) (when StopMonitorsOnDisable is
// set) and Destroy can tear it down immediately.
func (s *Server) SetMonitorsCancel(cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelMonitors = cancel
}

// SetEnabled updates the administrative enabled flag, stopping monitors
// immediately if StopMonitorsOnDisable is set and fields are now disabled.
func (s *Server) SetEnabled(enabled bool) {
	s.mu.Lock()
	wasEnabled := s.Enabled
	s.Enabled = enabled
	cancel := s.cancelMonitors
	stopOnDisable := s.StopMonitorsOnDisable
	s.mu.Unlock()

	if wasEnabled && !enabled && stopOnDisable && cancel != nil {
		cancel()
	}
}

// Destroy tears down any running monitors for this server, used when a
// server is removed entirely from the pool's configuration.
func (s *Server) Destroy() {
	s.mu.Lock()
	cancel := s.cancelMonitors
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// Key returns the merge-lookup key for this server (its configured
// hostname), matching how pybal.py keys its server dict by host.
func (s *Server) Key() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.Host
}
