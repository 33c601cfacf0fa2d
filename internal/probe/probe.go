// Package probe implements the four concrete health checks pybal ships:
// IdleConnection, ProxyFetch, DNSQuery and RunCommand. Every probe satisfies
// monitor/types.Monitor and reports on the channel returned by Start.
package probe

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sabouaram/lbald/internal/monitor/status"
	"github.com/sabouaram/lbald/internal/monitor/types"
)

// base centralizes the run/stop bookkeeping every probe needs: a cancel
// function, a running flag, and config storage, mirroring the common half
// of pybal's MonitoringProtocol base class (monitor.py).
type base struct {
	mu      sync.RWMutex
	cfg     types.Config
	cancel  context.CancelFunc
	running bool
}

func (b *base) SetConfig(cfg types.Config) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cfg = cfg
	return nil
}

func (b *base) GetConfig() types.Config {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.cfg
}

func (b *base) IsRunning() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.running
}

func (b *base) markRunning(v bool) {
	b.mu.Lock()
	b.running = v
	b.mu.Unlock()
}

func (b *base) interval() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cfg.IntervalCheck <= 0 {
		return 10 * time.Second
	}
	return time.Duration(b.cfg.IntervalCheck) * time.Second
}

func (b *base) timeout() time.Duration {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.cfg.CheckTimeout <= 0 {
		return 5 * time.Second
	}
	return time.Duration(b.cfg.CheckTimeout) * time.Second
}

func extraStrings(cfg types.Config, key string) []string {
	if cfg.Extra == nil {
		return nil
	}
	v, ok := cfg.Extra[key]
	if !ok {
		return nil
	}
	switch t := v.(type) {
	case []string:
		return t
	case string:
		return []string{t}
	}
	return nil
}

func extraString(cfg types.Config, key, def string) string {
	if cfg.Extra == nil {
		return def
	}
	if v, ok := cfg.Extra[key].(string); ok {
		return v
	}
	return def
}

func extraBool(cfg types.Config, key string, def bool) bool {
	if cfg.Extra == nil {
		return def
	}
	switch v := cfg.Extra[key].(type) {
	case bool:
		return v
	case string:
		switch v {
		case "true", "yes", "1":
			return true
		case "false", "no", "0":
			return false
		}
	}
	return def
}

// extraInt reads a numeric option out of Extra. Config sources disagree on
// how they represent an ini-file number (some codecs hand back an int or
// float64, others leave it as the literal string), so this accepts whatever
// shape arrives rather than trusting one.
func extraInt(cfg types.Config, key string, def int) int {
	if cfg.Extra == nil {
		return def
	}
	switch v := cfg.Extra[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	case string:
		var n int
		if _, err := fmt.Sscanf(v, "%d", &n); err == nil {
			return n
		}
	}
	return def
}

func report(ch chan<- types.Report, st status.Status, msg string) {
	select {
	case ch <- types.Report{Status: st, Message: msg}:
	default:
		// Best-effort: a slow aggregator shouldn't stall the probe loop.
		// The channel is buffered; hitting this means the consumer has
		// fallen far behind, which only happens once the supervisor is
		// already shutting down.
	}
}

// Registry maps a probe's pybal-style name to its constructor, used by
// cmd/lbald to build the monitors a pool's config names.
var Registry = map[string]types.Constructor{
	"IdleConnection": NewIdleConnection,
	"ProxyFetch":     NewProxyFetch,
	"DNS":            NewDNSQuery,
	"RunCommand":     NewRunCommand,
}
