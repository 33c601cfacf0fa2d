// Command lbald is the load-balancer daemon's entrypoint: it loads the ini
// configuration, starts a coordinator and kernel-table driver per
// configured pool, announces each pool's VIP over BGP once monitoring has
// started for one of its servers (whatever that server's health), and serves
// the instrumentation HTTP endpoints, grounded on
// original_source/pybal.py's main()/parseCommandLine/installSignalHandlers
// and structured the way the teacher's cobra/configure.go wires a command.
package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sabouaram/lbald/internal/bgp"
	"github.com/sabouaram/lbald/internal/config"
	"github.com/sabouaram/lbald/internal/configsource"
	"github.com/sabouaram/lbald/internal/coordinator"
	"github.com/sabouaram/lbald/internal/failover"
	"github.com/sabouaram/lbald/internal/instrumentation"
	"github.com/sabouaram/lbald/internal/kernel"
	"github.com/sabouaram/lbald/internal/logging"
	"github.com/sabouaram/lbald/internal/monitor"
	"github.com/sabouaram/lbald/internal/monitor/types"
	"github.com/sabouaram/lbald/internal/probe"
	"github.com/sabouaram/lbald/internal/server"
)

func main() {
	v := viper.New()
	root := &cobra.Command{
		Use:   "lbald",
		Short: "Layer-4 load-balancer pool coordinator and BGP VIP failover daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, v)
		},
	}

	if err := config.RegisterFlags(root, v); err != nil {
		fmt.Fprintln(os.Stderr, "lbald: registering flags:", err)
		os.Exit(1)
	}

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "lbald:", err)
		os.Exit(1)
	}
}

func run(cmd *cobra.Command, v *viper.Viper) error {
	configPath, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(v, configPath)
	if err != nil {
		return err
	}

	log := logging.New(parseLevel(cfg.LogLevel), cfg.LogFile)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	installSignalHandlers(ctx, cancel, log)

	driver := &kernel.Driver{DryRun: cfg.DryRun, Logger: log}
	registry := instrumentation.NewRegistry()

	var sessions []*bgp.Session
	for _, peer := range cfg.BGPPeers {
		peerIP := net.ParseIP(peer.PeerAddr)
		sessions = append(sessions, bgp.NewSession(bgp.PeerConfig{
			LocalAS:      uint16(peer.LocalAS),
			PeerAS:       uint16(peer.PeerAS),
			PeerAddr:     peerIP,
			HoldTime:     peer.HoldTime,
			ConnectRetry: peer.ConnectRetry,
			RouterID:     routerID(cfg.RouterID, peer.PeerAddr),
		}, log))
	}
	agent := failover.NewAgent(failover.Attributes{LocalAS: uint16(firstLocalAS(cfg.BGPPeers))}, sessions, log)
	agent.Start(ctx)

	for _, poolCfg := range cfg.Pools {
		if err := startPool(ctx, poolCfg, driver, registry, agent, log); err != nil {
			log.Error("starting pool %s: %v", poolCfg.Name, err)
		}
	}

	httpSrv := instrumentation.NewServer(cfg.ListenAddr, registry, log)
	return httpSrv.Listen(ctx)
}

func startPool(ctx context.Context, poolCfg config.PoolConfig, driver *kernel.Driver, registry *instrumentation.Registry, agent *failover.Agent, log logging.Logger) error {
	vip := kernel.Service{VIP: poolCfg.VIP, Port: poolCfg.Port, Protocol: poolCfg.Protocol, Scheduler: poolCfg.Scheduler}
	coord := coordinator.New(poolCfg.Name, vip, poolCfg.DepoolThreshold, driver, log)
	coord.DefaultFwMethod = kernel.FwMethod(poolCfg.FwMethod)
	registry.Register(poolCfg.Name, coord)

	if err := coord.Start(ctx); err != nil {
		log.Warning("adding kernel service for pool %s: %v", poolCfg.Name, err)
	}
	go func() {
		<-ctx.Done()
		if err := coord.Close(context.Background()); err != nil {
			log.Warning("removing kernel service for pool %s: %v", poolCfg.Name, err)
		}
	}()

	if poolCfg.ConfigURL != "" {
		src, err := buildSource(poolCfg.ConfigURL, log)
		if err != nil {
			return err
		}
		updates, err := src.Watch(ctx)
		if err != nil {
			return err
		}
		go watchConfig(ctx, poolCfg, coord, updates, agent, registry, log)
	}

	return nil
}

func buildSource(url string, log logging.Logger) (configsource.Source, error) {
	switch {
	case len(url) > 7 && url[:7] == "file://":
		return &configsource.FileSource{Path: url[7:], Logger: log}, nil
	case len(url) > 5 && url[:5] == "http:":
		return &configsource.HTTPSource{URL: url, Logger: log}, nil
	case len(url) > 7 && url[:7] == "etcd://":
		endpoint, key := splitEtcdURL(url)
		return &configsource.EtcdSource{Endpoint: endpoint, Key: key, Logger: log}, nil
	default:
		return nil, fmt.Errorf("unsupported config url scheme: %s", url)
	}
}

// splitEtcdURL turns spec.md §4.8's etcd://host[:port]/key form into the
// plain-HTTP endpoint and key path EtcdSource's v2 API calls need.
func splitEtcdURL(url string) (endpoint, key string) {
	rest := url[len("etcd://"):]
	if idx := strings.IndexByte(rest, '/'); idx >= 0 {
		return "http://" + rest[:idx], rest[idx:]
	}
	return "http://" + rest, "/"
}

func watchConfig(ctx context.Context, poolCfg config.PoolConfig, coord *coordinator.Coordinator, updates <-chan configsource.Update, agent *failover.Agent, registry *instrumentation.Registry, log logging.Logger) {
	mode := monitor.AggregateAND
	if poolCfg.MonitorMode == "or" {
		mode = monitor.AggregateOR
	}

	// initialized tracks which hosts already have monitors running, so a
	// config update only asynchronously initializes genuinely new hosts
	// (spec.md §4.5's onConfigUpdate) rather than tearing down and
	// restarting every unchanged host's Supervisor on every refresh.
	initialized := make(map[string]bool)

	for upd := range updates {
		configs := make(map[string]coordinator.ServerConfig, len(upd))
		for host, fields := range upd {
			sc := coordinator.ServerConfig{Host: host, Enabled: true, Weight: 1}
			if v, ok := fields["enabled"].(bool); ok {
				sc.Enabled = v
			}
			switch v := fields["weight"].(type) {
			case int:
				sc.Weight = v
			case float64:
				sc.Weight = int(v)
			}
			if v, ok := fields["fwmethod"].(string); ok && v != "" {
				sc.FwMethod = kernel.FwMethod(v)
			}
			sc.Pooled = sc.Enabled
			configs[host] = sc
		}
		coord.OnConfigUpdate(ctx, configs)

		for host := range initialized {
			if _, stillPresent := configs[host]; !stillPresent {
				delete(initialized, host)
			}
		}

		for host, sc := range configs {
			if initialized[host] {
				continue
			}
			srv := coord.Get(host)
			if srv == nil {
				continue
			}
			initialized[host] = true
			go startServerMonitoring(ctx, poolCfg, coord, srv, mode, host, sc, agent, registry, log)
		}
	}
}

func startServerMonitoring(ctx context.Context, poolCfg config.PoolConfig, coord *coordinator.Coordinator, srv *server.Server, mode monitor.AggregateMode, host string, sc coordinator.ServerConfig, agent *failover.Agent, registry *instrumentation.Registry, log logging.Logger) {
	ip, err := server.ResolveHostname(ctx, nil, host)
	if err != nil {
		log.Warning("resolving %s: %v", host, err)
		return
	}
	srv.IP = ip
	srv.Ready = true

	var monitors []types.Monitor
	for _, name := range poolCfg.Monitors {
		ctor, ok := probe.Registry[name]
		if !ok {
			log.Warning("unknown monitor %q for pool %s", name, poolCfg.Name)
			continue
		}
		monitors = append(monitors, ctor(ip, poolCfg.Port, types.Config{
			Name:          name,
			IntervalCheck: 10,
			CheckTimeout:  5,
			Logger:        log,
			Extra:         poolCfg.MonitorExtra[strings.ToLower(name)],
		}))
	}
	if len(monitors) == 0 {
		return
	}

	sup := monitor.NewSupervisor(mode, monitors, func(up bool, message string) {
		registry.RecordAlert(instrumentation.Alert{Time: time.Now(), Pool: poolCfg.Name, Host: host, Message: message})
		if up {
			_ = coord.ResultUp(ctx, host)
		} else {
			_ = coord.ResultDown(ctx, host)
		}
	})
	monCtx, monCancel := context.WithCancel(ctx)
	srv.SetMonitorsCancel(monCancel)
	if err := sup.Start(monCtx); err != nil {
		log.Error("starting monitors for %s: %v", host, err)
	}

	if agent != nil && poolCfg.VIP != "" {
		vip := net.ParseIP(poolCfg.VIP)
		prefixLen := 32
		if vip.To4() == nil {
			prefixLen = 128
		}
		_ = agent.AddPrefix(vip, prefixLen)
	}
}

func routerID(configured, peerAddr string) net.IP {
	if configured != "" {
		return net.ParseIP(configured)
	}
	// A UDP "connection" sends nothing; it only asks the kernel which local
	// address routes towards the peer.
	conn, err := net.Dial("udp", net.JoinHostPort(peerAddr, "179"))
	if err != nil {
		return nil
	}
	defer conn.Close()
	return conn.LocalAddr().(*net.UDPAddr).IP
}

func firstLocalAS(peers []config.BGPPeerConfig) int {
	if len(peers) == 0 {
		return 0
	}
	return peers[0].LocalAS
}

func parseLevel(s string) logging.Level {
	switch s {
	case "debug":
		return logging.DebugLevel
	case "warning", "warn":
		return logging.WarnLevel
	case "error":
		return logging.ErrorLevel
	default:
		return logging.InfoLevel
	}
}

// installSignalHandlers mirrors pybal.py's installSignalHandlers: SIGHUP
// reopens the log file (for external log rotation), SIGTERM/SIGINT trigger
// a graceful shutdown.
func installSignalHandlers(ctx context.Context, cancel context.CancelFunc, log logging.Logger) {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGHUP, syscall.SIGTERM, syscall.SIGINT)

	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case sig := <-sigCh:
				switch sig {
				case syscall.SIGHUP:
					if err := log.Reopen(); err != nil {
						log.Error("reopening log file: %v", err)
					}
				case syscall.SIGTERM, syscall.SIGINT:
					log.Info("received %s, shutting down", sig)
					cancel()
					return
				}
			}
		}
	}()
}
