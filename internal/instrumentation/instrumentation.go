// Package instrumentation exposes this daemon's runtime state over HTTP
// (C9): per-pool/per-server status, recent alerts, and Prometheus metrics,
// grounded on the teacher's httpserver/server.go atomic run-state lifecycle,
// adapted to serve gin routes instead of a raw http.Handler.
package instrumentation

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/sabouaram/lbald/internal/coordinator"
	"github.com/sabouaram/lbald/internal/logging"
)

// Alert is one recent change of a server's aggregate up/down monitor
// verdict, surfaced on /alerts.
type Alert struct {
	Time    time.Time
	Pool    string
	Host    string
	Message string
}

// Registry is the set of pools this instance serves, by name.
type Registry struct {
	mu    sync.RWMutex
	pools map[string]*coordinator.Coordinator

	alertsMu sync.Mutex
	alerts   []Alert
}

func NewRegistry() *Registry {
	return &Registry{pools: make(map[string]*coordinator.Coordinator)}
}

func (r *Registry) Register(name string, c *coordinator.Coordinator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pools[name] = c
}

func (r *Registry) RecordAlert(a Alert) {
	r.alertsMu.Lock()
	defer r.alertsMu.Unlock()
	r.alerts = append(r.alerts, a)
	if len(r.alerts) > 200 {
		r.alerts = r.alerts[len(r.alerts)-200:]
	}
}

var (
	serverUp = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lbald_server_up",
		Help: "1 if the last aggregated health check for a server is up, 0 otherwise.",
	}, []string{"pool", "host"})
	serverPooled = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "lbald_server_pooled",
		Help: "1 if a server is currently in the kernel load-balancing table.",
	}, []string{"pool", "host"})
)

func init() {
	prometheus.MustRegister(serverUp, serverPooled)
}

// runState mirrors the teacher's atomic.Value-backed server lifecycle
// (httpserver/server.go): Listen transitions into "running", Shutdown back
// to "stopped".
type runState int32

const (
	stateStopped runState = iota
	stateRunning
)

// Server serves the instrumentation HTTP endpoints behind a gin router.
type Server struct {
	Addr     string
	Registry *Registry
	Logger   logging.Logger

	state atomic.Int32
	http  *http.Server
}

func NewServer(addr string, reg *Registry, logger logging.Logger) *Server {
	return &Server{Addr: addr, Registry: reg, Logger: logger}
}

func (s *Server) router() *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/pools", s.handleListPools)
	r.GET("/pools/:pool", s.handlePool)
	r.GET("/pools/:pool/:host", s.handleServer)
	r.GET("/alerts", s.handleAlerts)
	r.GET("/metrics", gin.WrapH(promhttp.Handler()))

	return r
}

func (s *Server) handleListPools(c *gin.Context) {
	s.Registry.mu.RLock()
	names := make([]string, 0, len(s.Registry.pools))
	for name := range s.Registry.pools {
		names = append(names, name)
	}
	s.Registry.mu.RUnlock()
	c.JSON(http.StatusOK, gin.H{"pools": names})
}

func (s *Server) handlePool(c *gin.Context) {
	pool := s.lookup(c.Param("pool"))
	if pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such pool"})
		return
	}

	type entry struct {
		Host   string `json:"host"`
		Up     bool   `json:"up"`
		Pooled bool   `json:"pooled"`
		Weight int    `json:"weight"`
	}
	var entries []entry
	for _, srv := range pool.Servers() {
		entries = append(entries, entry{Host: srv.Host, Up: srv.Up, Pooled: srv.Pooled, Weight: srv.Weight})
		s.updateMetrics(c.Param("pool"), srv.Host, srv.Up, srv.Pooled)
	}
	c.JSON(http.StatusOK, gin.H{"servers": entries})
}

func (s *Server) handleServer(c *gin.Context) {
	pool := s.lookup(c.Param("pool"))
	if pool == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such pool"})
		return
	}
	srv := pool.Get(c.Param("host"))
	if srv == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "no such server"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"host":   srv.Host,
		"up":     srv.Up,
		"pooled": srv.Pooled,
		"weight": srv.Weight,
		"status": srv.CalcPartialStatus().String(),
	})
}

func (s *Server) handleAlerts(c *gin.Context) {
	s.Registry.alertsMu.Lock()
	alerts := append([]Alert{}, s.Registry.alerts...)
	s.Registry.alertsMu.Unlock()
	c.JSON(http.StatusOK, gin.H{"alerts": alerts})
}

func (s *Server) lookup(name string) *coordinator.Coordinator {
	s.Registry.mu.RLock()
	defer s.Registry.mu.RUnlock()
	return s.Registry.pools[name]
}

func (s *Server) updateMetrics(pool, host string, up, pooled bool) {
	serverUp.WithLabelValues(pool, host).Set(boolFloat(up))
	serverPooled.WithLabelValues(pool, host).Set(boolFloat(pooled))
}

func boolFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// Listen starts serving until Shutdown is called or ctx is cancelled.
func (s *Server) Listen(ctx context.Context) error {
	s.http = &http.Server{Addr: s.Addr, Handler: s.router()}
	s.state.Store(int32(stateRunning))

	errCh := make(chan error, 1)
	go func() { errCh <- s.http.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		s.state.Store(int32(stateStopped))
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	defer s.state.Store(int32(stateStopped))
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}

// Running reports whether the server is currently serving.
func (s *Server) Running() bool {
	return runState(s.state.Load()) == stateRunning
}
