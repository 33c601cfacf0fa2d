// Package coordinator implements the per-service controller (C5): it owns
// the set of servers backing one virtual service, reacts to monitor
// results and config updates, and decides when it's safe to pool or
// depool a server, grounded on original_source/pybal.py's Coordinator
// class.
package coordinator

import (
	"context"
	"sync"

	"github.com/sabouaram/lbald/internal/kernel"
	"github.com/sabouaram/lbald/internal/lberr"
	"github.com/sabouaram/lbald/internal/logging"
	"github.com/sabouaram/lbald/internal/server"
)

// ServerConfig is one entry from a decoded pool configuration file.
type ServerConfig struct {
	Host     string
	Weight   int
	Enabled  bool
	Pooled   bool
	FwMethod kernel.FwMethod // empty means "use the pool's DefaultFwMethod"
}

// Coordinator owns every server behind one virtual service and applies the
// pooled-server safety threshold before depooling anything.
type Coordinator struct {
	mu sync.Mutex

	Name            string
	DepoolThreshold float64         // e.g. 0.5: a depool is allowed only while at least this fraction of all servers is up
	DefaultFwMethod kernel.FwMethod // fwmethod new servers get until their own config overrides it
	VIP             kernel.Service

	servers map[string]*server.Server
	driver  *kernel.Driver
	logger  logging.Logger

	// applied is the set of reals last successfully pushed to the kernel
	// table, so reconcile() can diff against what's actually there rather
	// than recomputing an add for every currently-pooled server on every
	// call.
	applied kernel.Service

	// pooledDownServers holds hosts that are administratively eligible for
	// depool (down, pooled, enabled) but were denied by the threshold check
	// when they went down; ResultUp drains this set as soon as canDepool()
	// allows it, matching spec.md §4.5's repool()/PooledDownServers.
	pooledDownServers map[string]bool
}

// New creates a Coordinator for one virtual service.
func New(name string, vip kernel.Service, threshold float64, driver *kernel.Driver, logger logging.Logger) *Coordinator {
	return &Coordinator{
		Name:              name,
		DepoolThreshold:   threshold,
		VIP:               vip,
		servers:           make(map[string]*server.Server),
		driver:            driver,
		logger:            logger,
		pooledDownServers: make(map[string]bool),
	}
}

// Start adds this coordinator's virtual service to the kernel table, so it
// exists (with no reals yet) before the first server is pooled into it.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	svc := c.VIP
	driver := c.driver
	c.mu.Unlock()

	if driver == nil {
		return lberr.New(lberr.CodeKernelApply, "no kernel driver configured")
	}
	return driver.AddService(ctx, svc)
}

// Close removes this coordinator's virtual service from the kernel table
// entirely, tearing down every real along with it.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	svc := c.VIP
	driver := c.driver
	c.mu.Unlock()

	if driver == nil {
		return lberr.New(lberr.CodeKernelApply, "no kernel driver configured")
	}
	return driver.DeleteService(ctx, svc)
}

// Servers returns a snapshot slice of every server currently known, for
// reporting and tests.
func (c *Coordinator) Servers() []*server.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*server.Server, 0, len(c.servers))
	for _, s := range c.servers {
		out = append(out, s)
	}
	return out
}

// Get returns the named server, or nil.
func (c *Coordinator) Get(host string) *server.Server {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.servers[host]
}

// OnConfigUpdate replaces the full server set from a freshly parsed config,
// the way pybal.py's Coordinator.onConfigUpdate -> assignServers works:
// servers no longer present are destroyed, new ones are created, and
// existing ones are merged in place rather than replaced, so in-flight
// monitor state survives a config reload that doesn't actually change that
// server.
func (c *Coordinator) OnConfigUpdate(ctx context.Context, configs map[string]ServerConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for host, existing := range c.servers {
		if _, stillPresent := configs[host]; !stillPresent {
			existing.Destroy()
			delete(c.servers, host)
			delete(c.pooledDownServers, host)
		}
	}

	for host, cfg := range configs {
		if existing, ok := c.servers[host]; ok {
			wasUp := existing.Up
			fields := map[string]any{
				"enabled": cfg.Enabled,
				"weight":  cfg.Weight,
			}
			if cfg.FwMethod != "" {
				fields["fwmethod"] = string(cfg.FwMethod)
			}
			existing.Merge(fields)
			// Open Question #3: pooled state survives a config replace only
			// if the server is still up at reconciliation time.
			if existing.Pooled && !wasUp {
				existing.Pooled = false
			}
			continue
		}
		s := server.New(host, cfg.Weight, cfg.Enabled)
		s.Pooled = cfg.Pooled && cfg.Enabled
		if cfg.FwMethod != "" {
			s.FwMethod = cfg.FwMethod
		} else if c.DefaultFwMethod != "" {
			s.FwMethod = c.DefaultFwMethod
		}
		c.servers[host] = s
	}
}

// canDepoolLocked implements spec.md §4.5's canDepool() = (total-down)/total
// >= threshold, where down = {s : !s.up}. Callers must hold c.mu, and must
// already have updated the triggering server's Up flag, since that's what
// moves it in or out of the down set — depooling/repooling itself never
// changes this ratio.
func (c *Coordinator) canDepoolLocked() bool {
	if c.DepoolThreshold <= 0 {
		return true
	}
	total := len(c.servers)
	if total == 0 {
		return true
	}
	var down int
	for _, s := range c.servers {
		if !s.Up {
			down++
		}
	}
	return float64(total-down)/float64(total) >= c.DepoolThreshold
}

// CanDepool reports whether the named server may be depooled right now:
// true when its own per-server check (P1/P2) says it never blocks a depool,
// and otherwise whenever the pool's safety threshold allows a depool.
func (c *Coordinator) CanDepool(host string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	s, ok := c.servers[host]
	if !ok {
		return true
	}
	if s.CanDepool() {
		return true
	}
	return c.canDepoolLocked()
}

// ResultDown handles a monitor reporting a server as down: a server that is
// not pooled is simply marked down; a pooled server is depooled only if the
// safety threshold still allows it, otherwise the depool is deferred — the
// server stays pooled but unhealthy and is recorded in pooledDownServers for
// ResultUp's drain loop to retry later, the way pybal logs "capacity
// wouldn't allow depooling" and leaves it alone.
func (c *Coordinator) ResultDown(ctx context.Context, host string) error {
	c.mu.Lock()
	s, ok := c.servers[host]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	s.Up = false

	var depool bool
	if s.Pooled {
		if c.canDepoolLocked() {
			depool = true
			s.Pooled = false
			delete(c.pooledDownServers, host)
		} else {
			c.pooledDownServers[host] = true
			if c.logger != nil {
				c.logger.Warning("pool %s: %s down but depool threshold %.2f would be breached, leaving pooled", c.Name, host, c.DepoolThreshold)
			}
		}
	}
	c.mu.Unlock()

	if depool {
		return c.reconcile(ctx)
	}
	return nil
}

// ResultUp handles a monitor reporting a server as up again: if the server
// is administratively enabled, it's repooled immediately (pybal never
// throttles repooling the way it throttles depooling, since adding capacity
// back can't reduce availability). The server leaving the down set frees
// threshold headroom, so for an enabled server this also drains
// pooledDownServers: each down-but-pooled server is depooled in turn for as
// long as canDepoolLocked() allows it, per spec.md §4.5's repool() cascade.
func (c *Coordinator) ResultUp(ctx context.Context, host string) error {
	c.mu.Lock()
	s, ok := c.servers[host]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	s.Up = true
	delete(c.pooledDownServers, host)

	repool := s.Enabled && !s.Pooled
	if repool {
		s.Pooled = true
	}

	var drained []string
	if s.Enabled {
		for c.canDepoolLocked() {
			next := c.popPooledDownLocked()
			if next == "" {
				break
			}
			if ds := c.servers[next]; ds != nil {
				ds.Pooled = false
			}
			delete(c.pooledDownServers, next)
			drained = append(drained, next)
		}
	}
	c.mu.Unlock()

	if repool || len(drained) > 0 {
		return c.reconcile(ctx)
	}
	return nil
}

// popPooledDownLocked returns one host from pooledDownServers (map
// iteration order, arbitrary but deterministic within a single call), or ""
// if the set is empty. Callers must hold c.mu.
func (c *Coordinator) popPooledDownLocked() string {
	for host := range c.pooledDownServers {
		return host
	}
	return ""
}

// reconcile pushes the current pooled-server set down to the kernel table,
// diffing against the set this coordinator last successfully applied (not
// against a freshly empty Service) so adds/edits/removes are computed
// incrementally across calls, per spec.md §4.5's assignServers contract.
func (c *Coordinator) reconcile(ctx context.Context) error {
	c.mu.Lock()
	desired := c.VIP
	desired.Reals = nil
	for _, s := range c.servers {
		if !s.Pooled {
			continue
		}
		desired.Reals = append(desired.Reals, kernel.Real{
			IP:       s.IP,
			Port:     c.VIP.Port,
			Weight:   s.Weight,
			FwMethod: s.FwMethod,
		})
	}
	current := c.applied
	driver := c.driver
	c.mu.Unlock()

	if driver == nil {
		return lberr.New(lberr.CodeKernelApply, "no kernel driver configured")
	}
	if err := driver.Reconcile(ctx, current, desired); err != nil {
		return err
	}

	c.mu.Lock()
	c.applied = desired
	c.mu.Unlock()
	return nil
}
