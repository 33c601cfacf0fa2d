package instrumentation

import (
	"context"
	"net/http/httptest"
	"testing"

	"github.com/sabouaram/lbald/internal/coordinator"
	"github.com/sabouaram/lbald/internal/kernel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandlePoolListsServers(t *testing.T) {
	reg := NewRegistry()
	vip := kernel.Service{VIP: "10.0.0.1", Port: 80, Protocol: "tcp"}
	c := coordinator.New("svc1", vip, 0, &kernel.Driver{DryRun: true}, nil)
	c.OnConfigUpdate(context.Background(), map[string]coordinator.ServerConfig{
		"h1": {Host: "h1", Weight: 1, Enabled: true},
	})
	reg.Register("svc1", c)

	s := NewServer(":0", reg, nil)
	router := s.router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/pools/svc1", nil)
	router.ServeHTTP(w, req)

	require.Equal(t, 200, w.Code)
	assert.Contains(t, w.Body.String(), "h1")
}

func TestHandlePoolUnknownReturns404(t *testing.T) {
	reg := NewRegistry()
	s := NewServer(":0", reg, nil)
	router := s.router()

	w := httptest.NewRecorder()
	req := httptest.NewRequest("GET", "/pools/nope", nil)
	router.ServeHTTP(w, req)

	assert.Equal(t, 404, w.Code)
}
