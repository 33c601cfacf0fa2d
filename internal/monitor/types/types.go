// Package types defines the Monitor interface and its configuration,
// grounded on the teacher's monitor/pool/export_test.go MockMonitor (the
// only surviving source for the interface's full shape) and
// monitor/monitor_test.go's lifecycle expectations.
package types

import (
	"context"

	"github.com/sabouaram/lbald/internal/logging"
	"github.com/sabouaram/lbald/internal/monitor/status"
)

// Config carries the tuning knobs every concrete probe shares, named after
// the teacher's montps.Config fields.
type Config struct {
	Name          string
	CheckTimeout  int // seconds
	IntervalCheck int // seconds between checks
	IntervalFall  int // consecutive-KO count for an up -> down flip; nothing in this codebase reads it
	IntervalRise  int // consecutive-OK count for a down -> up flip; nothing in this codebase reads it
	FallCountKO   int
	FallCountWarn int
	RiseCountKO   int
	RiseCountWarn int
	Logger        logging.Logger

	// Extra carries probe-specific keys (url list, command, hostnames, ...)
	// the way pybal's per-monitor configuration dict does.
	Extra map[string]any
}

// Report is a single observation emitted by a running Monitor.
type Report struct {
	Status  status.Status
	Message string
}

// Monitor is satisfied by every concrete health probe (C3). Start begins
// periodic checking and reports results on the returned channel until the
// context is cancelled or Stop is called; the channel is closed on exit.
type Monitor interface {
	Name() string
	Start(ctx context.Context) (<-chan Report, error)
	Stop()
	IsRunning() bool
	SetConfig(cfg Config) error
	GetConfig() Config
}

// Constructor builds a Monitor bound to a specific backend address.
type Constructor func(ip string, port int, cfg Config) Monitor
