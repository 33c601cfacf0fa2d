// Package config loads this daemon's top-level ini configuration and binds
// it to CLI flags, following the teacher's config/manage.go +
// config/component.go component-registration pattern (a named set of
// configuration sections, each bound through viper, with cobra flags
// overriding file values).
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sabouaram/lbald/internal/kernel"
)

// PoolConfig describes one virtual service this daemon load-balances.
type PoolConfig struct {
	Name            string
	VIP             string
	Port            int
	Protocol        string
	Scheduler       string
	FwMethod        string
	DepoolThreshold float64
	ConfigURL       string // file://, http://, or etcd:// scheme
	Monitors        []string
	MonitorMode     string // "and" or "or"

	// MonitorExtra holds each monitor's `<lowercased-name>.<option>` keys,
	// read from this pool's `[monitor:<pool>:<name>]` sections, the way
	// pybal's per-service config dict namespaces monitor options.
	MonitorExtra map[string]map[string]any
}

// BGPPeerConfig describes one outbound BGP peering session.
type BGPPeerConfig struct {
	PeerAddr     string
	PeerAS       int
	LocalAS      int
	HoldTime     time.Duration
	ConnectRetry time.Duration
}

// Config is the fully resolved daemon configuration.
type Config struct {
	LogLevel   string
	LogFile    string
	DryRun     bool
	ListenAddr string // instrumentation HTTP address
	RouterID   string

	Pools    []PoolConfig
	BGPPeers []BGPPeerConfig
}

// RegisterFlags binds this daemon's CLI flags onto cobra's flag set,
// matching the teacher's RegisterFuncViper wiring: every flag has a
// matching viper key of the same name, so a config file value and a CLI
// override resolve through the same precedence.
func RegisterFlags(cmd *cobra.Command, v *viper.Viper) error {
	flags := cmd.Flags()
	flags.String("config", "/etc/lbald/lbald.ini", "path to the daemon configuration file")
	flags.String("log-level", "info", "log level: debug, info, warning, error")
	flags.String("log-file", "", "log file path (empty disables file logging)")
	flags.Bool("dryrun", false, "record kernel table changes without applying them")
	flags.String("listen", ":9090", "instrumentation HTTP listen address")
	flags.String("router-id", "", "BGP router identifier (defaults to the local address used to reach each peer)")

	return v.BindPFlags(flags)
}

// Load reads the ini file at path into v (failing if it cannot be read),
// then resolves a Config from CLI/viper precedence plus the [pool:*] and
// [bgp:*] sections the ini file carries.
func Load(v *viper.Viper, path string) (*Config, error) {
	v.SetConfigFile(path)
	v.SetConfigType("ini")

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("config: reading %s: %w", path, err)
	}

	// Keys above the first [section] land in ini's default section, which
	// viper exposes under a "default." prefix; a flag set on the command
	// line still wins over them.
	key := func(name string) string {
		if !v.IsSet(name) && v.IsSet("default."+name) {
			return "default." + name
		}
		return name
	}
	cfg := &Config{
		LogLevel:   v.GetString(key("log-level")),
		LogFile:    v.GetString(key("log-file")),
		DryRun:     v.GetBool(key("dryrun")),
		ListenAddr: v.GetString(key("listen")),
		RouterID:   v.GetString(key("router-id")),
	}

	subs := v.AllSettings()
	monitorExtra := map[string]map[string]map[string]any{} // pool -> monitor -> extra
	for key, raw := range subs {
		section, ok := raw.(map[string]any)
		if !ok {
			continue
		}
		if pool, ok := parsePoolSection(key, section); ok {
			cfg.Pools = append(cfg.Pools, pool)
		}
		if peer, ok := parseBGPSection(key, section); ok {
			cfg.BGPPeers = append(cfg.BGPPeers, peer)
		}
		if pool, mon, extra, ok := parseMonitorSection(key, section); ok {
			if monitorExtra[pool] == nil {
				monitorExtra[pool] = map[string]map[string]any{}
			}
			monitorExtra[pool][mon] = extra
		}
	}

	for i := range cfg.Pools {
		cfg.Pools[i].MonitorExtra = monitorExtra[cfg.Pools[i].Name]
	}

	return cfg, nil
}

// parseMonitorSection parses a `[monitor:<pool>:<name>]` section into the
// probe's own `<option>` keys (already namespaced by section, so unlike
// pybal's flat `<lowercased-name>.<option>` dict keys there is no further
// prefix to strip).
func parseMonitorSection(key string, section map[string]any) (pool, monitorName string, extra map[string]any, ok bool) {
	const prefix = "monitor:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return "", "", nil, false
	}
	rest := key[len(prefix):]
	for i := len(rest) - 1; i >= 0; i-- {
		if rest[i] == ':' {
			return rest[:i], rest[i+1:], section, true
		}
	}
	return "", "", nil, false
}

func parsePoolSection(key string, section map[string]any) (PoolConfig, bool) {
	const prefix = "pool:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return PoolConfig{}, false
	}
	p := PoolConfig{
		Name:            key[len(prefix):],
		VIP:             str(section, "vip"),
		Port:            intVal(section, "port", 80),
		Protocol:        strDefault(section, "protocol", "tcp"),
		Scheduler:       strDefault(section, "scheduler", "wrr"),
		FwMethod:        strDefault(section, "fwmethod", string(kernel.FwMethodGate)),
		DepoolThreshold: floatVal(section, "depool-threshold", 0.5),
		ConfigURL:       str(section, "config"),
		MonitorMode:     strDefault(section, "monitor-mode", "and"),
	}
	switch mon := section["monitors"].(type) {
	case []any:
		for _, m := range mon {
			if s, ok := m.(string); ok {
				p.Monitors = append(p.Monitors, s)
			}
		}
	case string: // ini values arrive as one comma-separated string
		for _, s := range strings.Split(mon, ",") {
			if s = strings.TrimSpace(s); s != "" {
				p.Monitors = append(p.Monitors, s)
			}
		}
	}
	return p, true
}

func parseBGPSection(key string, section map[string]any) (BGPPeerConfig, bool) {
	const prefix = "bgp:"
	if len(key) <= len(prefix) || key[:len(prefix)] != prefix {
		return BGPPeerConfig{}, false
	}
	return BGPPeerConfig{
		PeerAddr:     str(section, "peer-address"),
		PeerAS:       intVal(section, "peer-as", 0),
		LocalAS:      intVal(section, "local-as", 0),
		HoldTime:     time.Duration(intVal(section, "hold-time", 90)) * time.Second,
		ConnectRetry: time.Duration(intVal(section, "connect-retry", 30)) * time.Second,
	}, true
}

func str(section map[string]any, key string) string {
	return strDefault(section, key, "")
}

func strDefault(section map[string]any, key, def string) string {
	if v, ok := section[key].(string); ok {
		return v
	}
	return def
}

func intVal(section map[string]any, key string, def int) int {
	switch v := section[key].(type) {
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

func floatVal(section map[string]any, key string, def float64) float64 {
	switch v := section[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	case string:
		var f float64
		if _, err := fmt.Sscanf(v, "%f", &f); err == nil {
			return f
		}
	}
	return def
}
