package probe

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/miekg/dns"

	"github.com/sabouaram/lbald/internal/monitor/status"
	"github.com/sabouaram/lbald/internal/monitor/types"
)

// dnsQuery checks that a backend answers DNS queries, grounded on
// original_source/pybal/monitors/dns.py's DNSMonitoringProtocol: it queries
// the backend itself (port 53) with a randomly picked hostname and record
// type (A or AAAA) each interval. An NXDOMAIN answer still counts as proof
// the server is alive and answering, so it reports up rather than down.
type dnsQuery struct {
	base
	ip string
}

// NewDNSQuery builds the DNS probe for one backend. port is ignored: DNS
// monitoring always targets port 53, following the original's resolver
// construction against (server.ip, 53).
func NewDNSQuery(ip string, _ int, cfg types.Config) types.Monitor {
	m := &dnsQuery{ip: ip}
	_ = m.SetConfig(cfg)
	return m
}

func (m *dnsQuery) Name() string { return "DNS" }

func (m *dnsQuery) Start(ctx context.Context) (<-chan types.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.markRunning(true)

	ch := make(chan types.Report, 8)
	go m.run(ctx, ch)
	return ch, nil
}

func (m *dnsQuery) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.markRunning(false)
}

func (m *dnsQuery) run(ctx context.Context, ch chan<- types.Report) {
	defer close(ch)

	t := time.NewTicker(m.interval())
	defer t.Stop()

	m.check(ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.check(ch)
		}
	}
}

func (m *dnsQuery) check(ch chan<- types.Report) {
	cfg := m.GetConfig()
	hostnames := extraStrings(cfg, "hostnames")
	if len(hostnames) == 0 {
		report(ch, status.KO, "no hostnames configured")
		return
	}
	hostname := hostnames[rand.Intn(len(hostnames))]
	qtype := dns.TypeA
	if rand.Intn(2) == 1 {
		qtype = dns.TypeAAAA
	}

	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(hostname), qtype)
	msg.RecursionDesired = true

	client := &dns.Client{Timeout: m.timeout()}
	server := net.JoinHostPort(m.ip, "53")

	start := time.Now()
	resp, _, err := client.Exchange(msg, server)
	elapsed := time.Since(start)

	if err != nil {
		report(ch, status.KO, fmt.Sprintf("DNS query failed, %.3fs: %v", elapsed.Seconds(), err))
		return
	}

	switch resp.Rcode {
	case dns.RcodeSuccess:
		report(ch, status.OK, fmt.Sprintf("DNS query successful, %.3fs: %s", elapsed.Seconds(), hostname))
	case dns.RcodeNameError:
		report(ch, status.OK, fmt.Sprintf("DNS server reports %s NXDOMAIN", hostname))
	case dns.RcodeServerFailure:
		report(ch, status.KO, "DNS server error")
	case dns.RcodeRefused:
		report(ch, status.KO, "DNS query refused")
	default:
		report(ch, status.KO, fmt.Sprintf("DNS query failed with rcode %d", resp.Rcode))
	}
}
