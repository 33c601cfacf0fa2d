package probe

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/sabouaram/lbald/internal/monitor/status"
	"github.com/sabouaram/lbald/internal/monitor/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIdleConnectionReportsUpOnConnectAndDownOnClose(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		time.Sleep(50 * time.Millisecond)
		_ = conn.Close()
	}()

	host, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	m := NewIdleConnection(host, port, types.Config{CheckTimeout: 1, IntervalCheck: 1})
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ch, err := m.Start(ctx)
	require.NoError(t, err)

	var gotUp, gotDown bool
	for r := range ch {
		if r.Status == status.OK {
			gotUp = true
		}
		if r.Status == status.KO {
			gotDown = true
		}
		if gotUp && gotDown {
			m.Stop()
		}
	}

	assert.True(t, gotUp)
	assert.True(t, gotDown)
}

func TestExpandArgsSubstitutesBackendAddress(t *testing.T) {
	out := expandArgs([]string{"-h", "{ip}:{port}"}, "10.0.0.1", 8080)
	assert.Equal(t, []string{"-h", "10.0.0.1:8080"}, out)
}
