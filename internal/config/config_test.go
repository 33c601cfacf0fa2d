package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadParsesPoolAndBGPSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lbald.ini")
	contents := `
log-level = debug

[pool:apache]
vip = 10.0.0.1
port = 80
depool-threshold = 0.6

[bgp:peer1]
peer-address = 10.0.0.254
peer-as = 65002
local-as = 65001
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	v := viper.New()
	cfg, err := Load(v, path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	require.Len(t, cfg.Pools, 1)
	assert.Equal(t, "apache", cfg.Pools[0].Name)
	assert.Equal(t, "10.0.0.1", cfg.Pools[0].VIP)
	assert.Equal(t, 0.6, cfg.Pools[0].DepoolThreshold)

	require.Len(t, cfg.BGPPeers, 1)
	assert.Equal(t, "10.0.0.254", cfg.BGPPeers[0].PeerAddr)
	assert.Equal(t, 65002, cfg.BGPPeers[0].PeerAS)
}

func TestLoadParsesMonitorSections(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "lbald.ini")
	contents := `
[pool:apache]
vip = 10.0.0.1
port = 80
monitors = ProxyFetch, IdleConnection

[monitor:apache:proxyfetch]
url = http://example.org/check, http://example.org/check2
http_status = 200

[monitor:apache:idleconnection]
max-backoff = 60
`
	require.NoError(t, os.WriteFile(path, []byte(contents), 0644))

	v := viper.New()
	cfg, err := Load(v, path)
	require.NoError(t, err)

	require.Len(t, cfg.Pools, 1)
	pool := cfg.Pools[0]
	require.Contains(t, pool.MonitorExtra, "proxyfetch")
	require.Contains(t, pool.MonitorExtra, "idleconnection")
	assert.Contains(t, fmt.Sprint(pool.MonitorExtra["proxyfetch"]["url"]), "example.org/check")
	assert.Equal(t, "200", fmt.Sprint(pool.MonitorExtra["proxyfetch"]["http_status"]))
	assert.Equal(t, "60", fmt.Sprint(pool.MonitorExtra["idleconnection"]["max-backoff"]))
}
