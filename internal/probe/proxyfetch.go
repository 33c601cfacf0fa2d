package probe

import (
	"context"
	"crypto/tls"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"time"

	"github.com/sabouaram/lbald/internal/logging"
	"github.com/sabouaram/lbald/internal/monitor/status"
	"github.com/sabouaram/lbald/internal/monitor/types"
)

// proxyFetch repeatedly fetches a configured URL, connecting to the
// backend's own ip:port rather than whatever the URL's host resolves to
// (pybal's getProxyPage pins host/port explicitly), grounded on
// original_source/pybal/monitors/proxyfetch.py.
//
// A TLS certificate that doesn't match the request hostname is logged as a
// warning but does not fail the check, mirroring
// ScrapyClientTLSOptions._identityVerifyingInfoCallback, which only
// log.warn()s on VerificationError. A response status in [301, 304) is
// accepted as success when expectedStatus itself falls in that range,
// matching RedirHTTPClientFactory's redirect-as-200 handling.
type proxyFetch struct {
	base
	ip   string
	port int
}

// NewProxyFetch builds the ProxyFetch probe for one backend.
func NewProxyFetch(ip string, port int, cfg types.Config) types.Monitor {
	m := &proxyFetch{ip: ip, port: port}
	_ = m.SetConfig(cfg)
	return m
}

func (m *proxyFetch) Name() string { return "ProxyFetch" }

func (m *proxyFetch) Start(ctx context.Context) (<-chan types.Report, error) {
	ctx, cancel := context.WithCancel(ctx)
	m.cancel = cancel
	m.markRunning(true)

	ch := make(chan types.Report, 8)
	go m.run(ctx, ch)
	return ch, nil
}

func (m *proxyFetch) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	m.markRunning(false)
}

func (m *proxyFetch) run(ctx context.Context, ch chan<- types.Report) {
	defer close(ch)

	t := time.NewTicker(m.interval())
	defer t.Stop()

	m.check(ctx, ch)
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			m.check(ctx, ch)
		}
	}
}

func (m *proxyFetch) check(ctx context.Context, ch chan<- types.Report) {
	cfg := m.GetConfig()
	urls := extraStrings(cfg, "url")
	if len(urls) == 0 {
		report(ch, status.KO, "no url configured")
		return
	}
	url := urls[rand.Intn(len(urls))]
	expectedStatus := extraInt(cfg, "http_status", http.StatusOK)

	start := time.Now()
	ok, detail := m.fetch(ctx, url, expectedStatus, cfg.Logger)
	elapsed := time.Since(start)

	if ok {
		report(ch, status.OK, fmt.Sprintf("fetch successful, %.3fs%s", elapsed.Seconds(), detail))
	} else {
		report(ch, status.KO, fmt.Sprintf("fetch failed, %.3fs: %s", elapsed.Seconds(), detail))
	}
}

func (m *proxyFetch) fetch(ctx context.Context, url string, expectedStatus int, log logging.Logger) (bool, string) {
	pinnedAddr := net.JoinHostPort(m.ip, fmt.Sprintf("%d", m.port))

	dialer := net.Dialer{Timeout: m.timeout()}
	transport := &http.Transport{
		DialContext: func(ctx context.Context, network, _ string) (net.Conn, error) {
			return dialer.DialContext(ctx, network, pinnedAddr)
		},
		TLSClientConfig: &tls.Config{
			InsecureSkipVerify: true,
			VerifyConnection: func(cs tls.ConnectionState) error {
				if len(cs.PeerCertificates) == 0 {
					return nil
				}
				if err := cs.PeerCertificates[0].VerifyHostname(cs.ServerName); err != nil && log != nil {
					log.Warning("remote certificate is not valid for hostname %q: %v", cs.ServerName, err)
				}
				return nil
			},
		},
	}
	client := &http.Client{
		Transport: transport,
		Timeout:   m.timeout(),
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout())
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, err.Error()
	}

	resp, err := client.Do(req)
	if err != nil {
		return false, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode == expectedStatus {
		return true, ""
	}
	if expectedStatus > 300 && expectedStatus < 304 && resp.StatusCode >= 301 && resp.StatusCode < 304 {
		return true, ""
	}
	return false, fmt.Sprintf("unexpected status %d (wanted %d)", resp.StatusCode, expectedStatus)
}
