// Package monitor implements the health-monitor framework: per-probe
// lifecycle management with a first-check latch (there is no rise/fall
// hysteresis: every report is applied as it arrives), and an aggregator that combines several monitors' results into a single
// server status, the way pybal/monitor.py and pybal.py's Server.calcStatus
// do. The concrete probes live in internal/probe; this package only knows
// about the types.Monitor interface.
package monitor

import (
	"context"
	"sync"

	"github.com/sabouaram/lbald/internal/monitor/status"
	"github.com/sabouaram/lbald/internal/monitor/types"
)

// AggregateMode mirrors pybal's "monitor" config key: a server can require
// ALL of its monitors to report up (AND, the default) or just ANY one of
// them (OR).
type AggregateMode uint8

const (
	AggregateAND AggregateMode = iota
	AggregateOR
)

// Aggregator tracks the latest status of every monitor attached to one
// server and combines them into a single Up/Down verdict, latching the
// very first result the way pybal's MonitoringProtocol._resultUp/_resultDown
// do: "if self.active and self.up is False or self.firstCheck" — meaning a
// monitor's first ever result always propagates, even if it happens to
// agree with the prior (zero-value) state.
type Aggregator struct {
	mu         sync.Mutex
	mode       AggregateMode
	results    map[string]status.Status
	firstCheck map[string]bool
	up         bool
	everSet    bool
}

// NewAggregator creates an aggregator for the given monitor names.
func NewAggregator(mode AggregateMode, names []string) *Aggregator {
	a := &Aggregator{
		mode:       mode,
		results:    make(map[string]status.Status, len(names)),
		firstCheck: make(map[string]bool, len(names)),
	}
	for _, n := range names {
		a.firstCheck[n] = true
	}
	return a
}

// Record applies a new report from the named monitor and returns (up,
// changed): changed is true when the aggregate up/down verdict flipped, or
// this is the named monitor's first report (the latch).
func (a *Aggregator) Record(name string, st status.Status) (up bool, changed bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.results[name] = st
	wasFirst := a.firstCheck[name]
	a.firstCheck[name] = false

	newUp := a.combine()
	latch := wasFirst
	changed = !a.everSet || newUp != a.up || latch
	a.up = newUp
	a.everSet = true
	return a.up, changed
}

func (a *Aggregator) combine() bool {
	if len(a.results) == 0 {
		return true
	}
	switch a.mode {
	case AggregateOR:
		for _, st := range a.results {
			if st.Up() {
				return true
			}
		}
		return false
	default: // AND
		for _, st := range a.results {
			if !st.Up() {
				return false
			}
		}
		return true
	}
}

// Up returns the last computed aggregate verdict.
func (a *Aggregator) Up() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.up
}

// Supervisor runs a set of Monitors concurrently against one server and
// feeds their reports into an Aggregator, the way Server.createMonitoringInstances
// and Server.monitorStatusChanged wire things up in pybal.py.
type Supervisor struct {
	agg      *Aggregator
	monitors []types.Monitor
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	onChange func(up bool, message string)
}

// NewSupervisor builds a Supervisor for the given monitors.
func NewSupervisor(mode AggregateMode, monitors []types.Monitor, onChange func(up bool, message string)) *Supervisor {
	names := make([]string, len(monitors))
	for i, m := range monitors {
		names[i] = m.Name()
	}
	return &Supervisor{
		agg:      NewAggregator(mode, names),
		monitors: monitors,
		onChange: onChange,
	}
}

// Start launches every monitor and begins aggregating their reports.
func (s *Supervisor) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	for _, m := range s.monitors {
		ch, err := m.Start(ctx)
		if err != nil {
			cancel()
			return err
		}
		s.wg.Add(1)
		go s.drain(m.Name(), ch)
	}
	return nil
}

func (s *Supervisor) drain(name string, ch <-chan types.Report) {
	defer s.wg.Done()
	for r := range ch {
		up, changed := s.agg.Record(name, r.Status)
		if changed && s.onChange != nil {
			s.onChange(up, r.Message)
		}
	}
}

// Stop halts every monitor and waits for their report goroutines to drain.
func (s *Supervisor) Stop() {
	for _, m := range s.monitors {
		m.Stop()
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

// Up returns the current aggregate verdict across all monitors.
func (s *Supervisor) Up() bool {
	return s.agg.Up()
}
