// Package bgp implements a BGP-4 speaker (RFC 4271) scoped to this
// system's needs: originating UPDATEs to announce or withdraw VIPs to a
// configured set of peers, not accepting or relaying routes from them.
// There is no corpus BGP library to build on; the FSM shape (explicit
// state field, a Clock seam for deterministic timer tests) follows the
// structuring observed in BGP-adjacent reference material without
// importing any of it.
package bgp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/sabouaram/lbald/internal/bgp/message"
	"github.com/sabouaram/lbald/internal/logging"
)

// State is a BGP FSM state (RFC 4271 §8.2.1).
type State uint8

const (
	StateIdle State = iota
	StateConnect
	StateActive
	StateOpenSent
	StateOpenConfirm
	StateEstablished
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateConnect:
		return "Connect"
	case StateActive:
		return "Active"
	case StateOpenSent:
		return "OpenSent"
	case StateOpenConfirm:
		return "OpenConfirm"
	case StateEstablished:
		return "Established"
	default:
		return "Unknown"
	}
}

// eventType is one row of RFC 4271 §8's FSM event table (spec.md §4.6.1);
// the parenthesized RFC event numbers are kept in comments for cross-
// reference, not encoded as values.
type eventType uint8

const (
	evManualStart            eventType = iota // 1
	evManualStop                              // 2
	evAutoStart                               // 3
	evConnectRetryTimer                       // 9
	evHoldTimer                               // 10
	evKeepAliveTimer                          // 11
	evDelayOpenTimer                          // 12
	evIdleHoldTimer                           // 13
	evTcpConnectionConfirmed                  // 16/17
	evTcpConnectionFails                      // 18
	evBGPOpen                                 // 19/20
	evOpenCollisionDump                       // 23
	evNotifVersionErr                         // 24
	evNotifMsg                                // 25
	evKeepAliveMsg                            // 26
	evUpdateMsg                               // 27
	evUpdateMsgErr                            // 28
)

// event carries whatever payload its eventType needs; only the relevant
// field is populated.
type event struct {
	typ          eventType
	conn         net.Conn
	open         message.Open
	notif        message.Notification
	update       message.Update
	subCode      uint8
	err          error
	idleHoldOnly bool // set on evAutoStart fired after too many flaps
	epoch        int  // connectEpoch this dial attempt belongs to, for evTcpConnection*
}

// Clock is the time source the FSM uses for its timers, injected so tests
// can drive it deterministically.
type Clock interface {
	Now() time.Time
	After(d time.Duration) <-chan time.Time
}

type realClock struct{}

func (realClock) Now() time.Time                        { return time.Now() }
func (realClock) After(d time.Duration) <-chan time.Time { return time.After(d) }

// PeerConfig describes one BGP peering session.
type PeerConfig struct {
	LocalAS      uint16
	PeerAS       uint16
	LocalAddr    net.IP
	PeerAddr     net.IP
	HoldTime     time.Duration // 0 disables keepalives (RFC 4271 §4.4)
	ConnectRetry time.Duration
	RouterID     net.IP
	DelayOpen    bool // arm DelayOpenTimer before sending OPEN; disabled by default per spec.md §4.6.1
}

// idleHoldThreshold is how many consecutive session failures are retried
// immediately; once connectRetryCounter exceeds it, the IdleHoldTimer (RFC
// 4271's optional "damp peer oscillations") is armed instead. The RFC leaves
// the exact count to the implementation.
const idleHoldThreshold = 3

const (
	defaultConnectRetry = 30 * time.Second
	defaultLargeHold    = 240 * time.Second
	defaultDelayOpen    = 30 * time.Second
	defaultIdleHold     = 30 * time.Second
)

// Session drives one peer's FSM as an explicit state+event dispatcher: a
// single goroutine owns Session.state and processes events off
// Session.events, while dial and read I/O run in their own goroutines and
// only ever communicate back by pushing events — this is the Go shape of
// RFC 4271 §8.2.1's per-peer state machine, not a sequential connect loop.
type Session struct {
	cfg    PeerConfig
	logger logging.Logger
	clock  Clock

	mu                 sync.Mutex
	state              State
	conn               net.Conn
	connID             string
	negotiatedHoldTime time.Duration
	announced          map[string]message.Update // prefix key -> last-sent UPDATE, for re-announce on reconnect

	events chan event
	cancel context.CancelFunc

	connectRetryCounter int
	dialCancel          context.CancelFunc
	connectEpoch        int // bumped on every startConnect; filters stale dial results

	onEstablished func()
	onDown        func()
}

// NewSession creates a Session for one peer. Dial is performed by Run.
func NewSession(cfg PeerConfig, logger logging.Logger) *Session {
	return &Session{
		cfg:       cfg,
		logger:    logger,
		clock:     realClock{},
		state:     StateIdle,
		announced: make(map[string]message.Update),
	}
}

// State returns the session's current FSM state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if s.logger != nil && prev != st {
		s.logger.Info("bgp session %s: %s -> %s", s.cfg.PeerAddr, prev, st)
	}
}

// pushEvent enqueues ev for the dispatcher goroutine, dropping it silently
// if Run has already returned (events channel torn down).
func (s *Session) pushEvent(ev event) {
	s.mu.Lock()
	ch := s.events
	s.mu.Unlock()
	if ch == nil {
		return
	}
	select {
	case ch <- ev:
	default:
		// The dispatcher only ever blocks briefly inside handleEvent while
		// performing I/O; a full buffer means it's keeping up fine and this
		// particular signal (usually a duplicate liveness ping) can be
		// coalesced away.
	}
}

// timers bundles every soft-restartable timer channel the dispatch loop
// selects on; a nil channel simply never fires, which is how a disarmed
// timer is represented.
type timers struct {
	connectRetry <-chan time.Time
	hold         <-chan time.Time
	keepAlive    <-chan time.Time
	delayOpen    <-chan time.Time
	idleHold     <-chan time.Time
}

// Run drives the session's event dispatcher until ctx is cancelled,
// implementing the FSM table of spec.md §4.6.1 (RFC 4271 §8.2.1), starting
// from an implicit AutoStart (this speaker is always configured to run,
// there is no separate administrative enable step).
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.cancel = cancel
	s.events = make(chan event, 16)
	events := s.events
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.events = nil
		s.mu.Unlock()
	}()

	s.setState(StateIdle)

	var t timers
	s.handleEvent(ctx, event{typ: evAutoStart}, &t)

	for {
		select {
		case <-ctx.Done():
			s.handleEvent(ctx, event{typ: evManualStop}, &t)
			return
		case ev := <-events:
			s.handleEvent(ctx, ev, &t)
		case <-t.connectRetry:
			t.connectRetry = nil
			s.handleEvent(ctx, event{typ: evConnectRetryTimer}, &t)
		case <-t.hold:
			t.hold = nil
			s.handleEvent(ctx, event{typ: evHoldTimer}, &t)
		case <-t.keepAlive:
			t.keepAlive = nil
			s.handleEvent(ctx, event{typ: evKeepAliveTimer}, &t)
		case <-t.delayOpen:
			t.delayOpen = nil
			s.handleEvent(ctx, event{typ: evDelayOpenTimer}, &t)
		case <-t.idleHold:
			t.idleHold = nil
			s.handleEvent(ctx, event{typ: evIdleHoldTimer}, &t)
		}
	}
}

// handleEvent is the FSM table of spec.md §4.6.1 made literal: one case per
// event, each switching on the state it fires from.
func (s *Session) handleEvent(ctx context.Context, ev event, t *timers) {
	switch ev.typ {
	case evManualStart:
		if s.State() == StateIdle {
			s.connectRetryCounter = 0
			t.connectRetry = s.clock.After(s.connectRetryTime())
		}

	case evAutoStart:
		if s.State() != StateIdle {
			return
		}
		if ev.idleHoldOnly {
			t.idleHold = s.clock.After(defaultIdleHold)
			return
		}
		t.connectRetry = s.clock.After(s.connectRetryTime())
		s.startConnect(ctx)

	case evManualStop:
		if s.State() == StateIdle {
			return
		}
		s.sendCeaseAndClose()
		s.disarmAll(t)
		s.setState(StateIdle)
		s.notifyDown()

	case evConnectRetryTimer:
		switch s.State() {
		case StateIdle:
			// no-op
		case StateConnect, StateActive:
			s.closeConn()
			t.delayOpen = nil
			t.connectRetry = s.clock.After(s.connectRetryTime())
			s.startConnect(ctx)
		default:
			s.fsmError(ctx, t, "connect-retry timer fired outside Connect/Active")
		}

	case evHoldTimer:
		switch s.State() {
		case StateOpenSent, StateOpenConfirm, StateEstablished:
			_ = s.sendNotification(s.currentConn(), message.NotifyHoldTimerExpired, 0)
			s.closeConn()
			s.connectRetryCounter++
			s.disarmAll(t)
			s.setState(StateIdle)
			s.notifyDown()
			s.rearmAutoStart(t)
		}

	case evKeepAliveTimer:
		switch s.State() {
		case StateOpenConfirm, StateEstablished:
			if err := s.sendKeepalive(s.currentConn()); err == nil && s.negotiatedHoldTime > 0 {
				t.keepAlive = s.clock.After(s.negotiatedHoldTime / 3)
			}
		}

	case evDelayOpenTimer:
		switch s.State() {
		case StateConnect, StateActive:
			conn := s.currentConn()
			if conn == nil {
				s.fsmError(ctx, t, "delay-open timer fired with no connection")
				return
			}
			if err := s.sendOpen(conn); err != nil {
				s.connFailed(ctx, t, err)
				return
			}
			t.hold = s.clock.After(defaultLargeHold)
			s.setState(StateOpenSent)
			s.startReader(conn)
		default:
			s.fsmError(ctx, t, "delay-open timer fired outside Connect/Active")
		}

	case evIdleHoldTimer:
		if s.State() == StateIdle {
			s.pushEvent(event{typ: evAutoStart})
		}

	case evTcpConnectionConfirmed:
		if !s.epochCurrent(ev.epoch) {
			_ = ev.conn.Close()
			return
		}
		switch s.State() {
		case StateConnect, StateActive:
			t.connectRetry = nil
			s.mu.Lock()
			s.conn = ev.conn
			s.connID = uuid.NewString()
			s.mu.Unlock()
			if s.cfg.DelayOpen {
				t.delayOpen = s.clock.After(defaultDelayOpen)
				return
			}
			if err := s.sendOpen(ev.conn); err != nil {
				s.connFailed(ctx, t, err)
				return
			}
			t.hold = s.clock.After(defaultLargeHold)
			s.setState(StateOpenSent)
			s.startReader(ev.conn)
		default:
			_ = ev.conn.Close()
		}

	case evTcpConnectionFails:
		if ev.epoch != 0 && !s.epochCurrent(ev.epoch) {
			return
		}
		s.tcpConnectionFails(ctx, t, ev.err)

	case evBGPOpen:
		switch s.State() {
		case StateOpenSent, StateOpenConfirm:
			holdTime := negotiateHoldTime(s.cfg.HoldTime, time.Duration(ev.open.HoldTime)*time.Second)
			if holdTime != 0 && holdTime < 3*time.Second {
				_ = s.sendNotification(s.currentConn(), message.NotifyOpenMessageError, message.SubUnacceptableHoldTime)
				if s.logger != nil {
					s.logger.Warning("bgp session %s: peer proposed unusable hold time", s.cfg.PeerAddr)
				}
				s.closeConn()
				s.connectRetryCounter++
				s.disarmAll(t)
				s.setState(StateIdle)
				s.notifyDown()
				s.rearmAutoStart(t)
				return
			}
			s.mu.Lock()
			s.negotiatedHoldTime = holdTime
			s.mu.Unlock()

			conn := s.currentConn()
			if err := s.sendKeepalive(conn); err != nil {
				s.connFailed(ctx, t, err)
				return
			}
			t.delayOpen = nil
			t.hold = nil
			if holdTime > 0 {
				t.hold = s.clock.After(holdTime)
				t.keepAlive = s.clock.After(holdTime / 3)
			}
			s.setState(StateOpenConfirm)
		default:
			s.fsmError(ctx, t, "OPEN received outside OpenSent/OpenConfirm")
		}

	case evOpenCollisionDump:
		switch s.State() {
		case StateOpenSent, StateOpenConfirm, StateEstablished:
			_ = s.sendNotification(s.currentConn(), message.NotifyCease, 0)
			s.closeConn()
			s.disarmAll(t)
			s.setState(StateIdle)
			s.notifyDown()
		}

	case evNotifVersionErr:
		switch s.State() {
		case StateOpenSent, StateOpenConfirm:
			s.closeConn()
			s.disarmAll(t)
			s.setState(StateIdle)
			s.notifyDown()
		}

	case evNotifMsg:
		if s.State() != StateIdle {
			if s.logger != nil {
				s.logger.Warning("bgp session %s: peer sent NOTIFICATION code=%d sub=%d", s.cfg.PeerAddr, ev.notif.Code, ev.notif.SubCode)
			}
			s.closeConn()
			s.connectRetryCounter++
			s.disarmAll(t)
			s.setState(StateIdle)
			s.notifyDown()
			s.rearmAutoStart(t)
		}

	case evKeepAliveMsg:
		switch s.State() {
		case StateOpenConfirm:
			s.connectRetryCounter = 0
			s.setState(StateEstablished)
			if s.onEstablished != nil {
				s.onEstablished()
			}
			s.replayAnnounced()
		case StateEstablished:
			if s.negotiatedHoldTime > 0 {
				t.hold = s.clock.After(s.negotiatedHoldTime)
			}
		}

	case evUpdateMsg:
		if s.State() == StateEstablished {
			if s.negotiatedHoldTime > 0 {
				t.hold = s.clock.After(s.negotiatedHoldTime)
			}
			if s.logger != nil {
				s.logger.Debug("bgp session %s: received UPDATE (%d NLRI, %d withdrawn)", s.cfg.PeerAddr, len(ev.update.NLRI), len(ev.update.WithdrawnRoutes))
			}
		}

	case evUpdateMsgErr:
		if s.State() == StateEstablished {
			_ = s.sendNotification(s.currentConn(), message.NotifyUpdateMessageError, ev.subCode)
			s.closeConn()
			s.connectRetryCounter++
			s.disarmAll(t)
			s.setState(StateIdle)
			s.notifyDown()
			s.rearmAutoStart(t)
		}
	}
}

// tcpConnectionFails implements the TcpConnectionFails (18) row: recovery
// differs by state but always ends with the connection released and a
// connect-retry re-armed, per spec.md §4.6.1's "per-state recovery".
func (s *Session) tcpConnectionFails(ctx context.Context, t *timers, cause error) {
	switch s.State() {
	case StateIdle:
		// no-op
	case StateConnect:
		s.closeConn()
		t.delayOpen = nil
		t.connectRetry = s.clock.After(s.connectRetryTime())
		s.setState(StateActive)
	case StateActive:
		s.closeConn()
		t.delayOpen = nil
		s.connectRetryCounter++
		s.disarmAll(t)
		s.setState(StateIdle)
		s.notifyDown()
		s.rearmAutoStart(t)
	case StateOpenSent:
		s.closeConn()
		t.connectRetry = s.clock.After(s.connectRetryTime())
		s.setState(StateActive)
	case StateOpenConfirm, StateEstablished:
		s.closeConn()
		s.connectRetryCounter++
		s.disarmAll(t)
		s.setState(StateIdle)
		s.notifyDown()
		s.rearmAutoStart(t)
	}
	if cause != nil && s.logger != nil {
		s.logger.Warning("bgp session %s: %v", s.cfg.PeerAddr, cause)
	}
}

// connFailed is the local-write-error counterpart of tcpConnectionFails:
// our own send failed, which means the TCP connection is already dead.
func (s *Session) connFailed(ctx context.Context, t *timers, err error) {
	s.tcpConnectionFails(ctx, t, err)
}

// fsmError treats an event arriving in a state the RFC doesn't permit it in
// as FSM-error close: send Cease, drop to Idle, and let the connect-retry
// cycle resume.
func (s *Session) fsmError(ctx context.Context, t *timers, reason string) {
	if s.logger != nil {
		s.logger.Warning("bgp session %s: fsm error: %s", s.cfg.PeerAddr, reason)
	}
	_ = s.sendNotification(s.currentConn(), message.NotifyFSMError, 0)
	s.closeConn()
	s.connectRetryCounter++
	s.disarmAll(t)
	s.setState(StateIdle)
	s.notifyDown()
	s.rearmAutoStart(t)
}

// rearmAutoStart re-enters Idle's AutoStart, requesting idle-hold damping
// once too many consecutive failures have been seen in a row.
func (s *Session) rearmAutoStart(t *timers) {
	s.pushEvent(event{typ: evAutoStart, idleHoldOnly: s.connectRetryCounter > idleHoldThreshold})
}

func (s *Session) disarmAll(t *timers) {
	t.connectRetry, t.hold, t.keepAlive, t.delayOpen, t.idleHold = nil, nil, nil, nil, nil
}

func (s *Session) connectRetryTime() time.Duration {
	if s.cfg.ConnectRetry > 0 {
		return s.cfg.ConnectRetry
	}
	return defaultConnectRetry
}

// epochCurrent reports whether epoch still matches the most recent
// startConnect call, filtering out a dial result that raced a newer retry.
func (s *Session) epochCurrent(epoch int) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return epoch == s.connectEpoch
}

func (s *Session) currentConn() net.Conn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn
}

func (s *Session) closeConn() {
	s.mu.Lock()
	conn := s.conn
	s.conn = nil
	s.negotiatedHoldTime = 0
	s.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}
}

func (s *Session) sendCeaseAndClose() {
	_ = s.sendNotification(s.currentConn(), message.NotifyCease, 0)
	s.closeConn()
}

func (s *Session) notifyDown() {
	if s.onDown != nil {
		s.onDown()
	}
}

func (s *Session) replayAnnounced() {
	conn := s.currentConn()
	if conn == nil {
		return
	}
	s.mu.Lock()
	pending := make([]message.Update, 0, len(s.announced))
	for _, u := range s.announced {
		pending = append(pending, u)
	}
	s.mu.Unlock()
	for _, u := range pending {
		_ = writeMessage(conn, message.TypeUpdate, message.EncodeUpdate(u))
	}
}

// startConnect instructs the owner to initiate TCP, the Go equivalent of
// RFC 4271's "Initiates a transport connection" side effect: it dials in a
// background goroutine and reports back via TcpConnectionConfirmed/
// TcpConnectionFails events rather than blocking the dispatcher.
func (s *Session) startConnect(ctx context.Context) {
	s.setState(StateConnect)

	dialCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	if s.dialCancel != nil {
		s.dialCancel()
	}
	s.dialCancel = cancel
	s.connectEpoch++
	epoch := s.connectEpoch
	s.mu.Unlock()

	addr := net.JoinHostPort(s.cfg.PeerAddr.String(), "179")
	go func() {
		dialer := net.Dialer{}
		conn, err := dialer.DialContext(dialCtx, "tcp", addr)
		if dialCtx.Err() != nil {
			if conn != nil {
				_ = conn.Close()
			}
			return
		}
		if err != nil {
			s.pushEvent(event{typ: evTcpConnectionFails, err: fmt.Errorf("dial: %w", err), epoch: epoch})
			return
		}
		s.pushEvent(event{typ: evTcpConnectionConfirmed, conn: conn, epoch: epoch})
	}()
}

// startReader launches the per-connection read loop; every inbound message
// becomes an event fed back to the dispatcher, which is the only goroutine
// allowed to touch Session.state.
func (s *Session) startReader(conn net.Conn) {
	go func() {
		for {
			typ, body, err := readMessage(conn)
			if err != nil {
				s.pushEvent(event{typ: evTcpConnectionFails, conn: conn, err: err})
				return
			}
			switch typ {
			case message.TypeOpen:
				open, decErr := message.DecodeOpen(body)
				if decErr != nil {
					s.pushEvent(event{typ: evTcpConnectionFails, err: decErr})
					return
				}
				s.pushEvent(event{typ: evBGPOpen, open: open})
			case message.TypeKeepalive:
				s.pushEvent(event{typ: evKeepAliveMsg})
			case message.TypeUpdate:
				// This speaker never reinjects received routes (no RIB, no
				// policy per spec.md's non-goals); it only validates the
				// wire format and surfaces malformed UPDATEs per RFC 4271
				// §6.3 as UpdateMsgErr.
				u, decErr := message.DecodeUpdate(body)
				if decErr != nil {
					s.pushEvent(event{typ: evUpdateMsgErr, subCode: message.SubMalformedAttrList})
					continue
				}
				if valErr := message.Validate(u); valErr != nil {
					sub := message.SubMalformedAttrList
					var ve *message.ValidationError
					if errors.As(valErr, &ve) {
						sub = ve.SubCode
					}
					s.pushEvent(event{typ: evUpdateMsgErr, subCode: sub})
					continue
				}
				s.pushEvent(event{typ: evUpdateMsg, update: u})
			case message.TypeNotification:
				n, _ := message.DecodeNotification(body)
				if n.Code == message.NotifyOpenMessageError && n.SubCode == message.SubUnsupportedVersion {
					s.pushEvent(event{typ: evNotifVersionErr, notif: n})
				} else {
					s.pushEvent(event{typ: evNotifMsg, notif: n})
				}
				return
			}
		}
	}()
}

// negotiateHoldTime picks the smaller of the two proposed hold times, per
// RFC 4271 §4.2; a hold time of 0 means "no keepalives, hold timer never
// expires" and is the result whenever either side proposes it.
func negotiateHoldTime(local, remote time.Duration) time.Duration {
	if local == 0 || remote == 0 {
		return 0
	}
	if local < remote {
		return local
	}
	return remote
}

func (s *Session) sendOpen(conn net.Conn) error {
	body := message.EncodeOpen(message.Open{
		Version:       4,
		MyAS:          s.cfg.LocalAS,
		HoldTime:      uint16(s.cfg.HoldTime / time.Second),
		BGPIdentifier: s.cfg.RouterID,
	})
	return writeMessage(conn, message.TypeOpen, body)
}

func (s *Session) sendKeepalive(conn net.Conn) error {
	if conn == nil {
		return fmt.Errorf("no connection")
	}
	return writeMessage(conn, message.TypeKeepalive, nil)
}

func (s *Session) sendNotification(conn net.Conn, code message.NotificationCode, sub uint8) error {
	if conn == nil {
		return nil
	}
	return writeMessage(conn, message.TypeNotification, message.EncodeNotification(message.Notification{Code: code, SubCode: sub}))
}

// Announce queues a prefix for announcement and sends it immediately if the
// session is established, tracking it so a reconnect replays every
// currently-announced prefix (there is no persistent RIB; the in-memory
// `announced` map is the speaker's entire routing state).
func (s *Session) Announce(key string, u message.Update) error {
	s.mu.Lock()
	s.announced[key] = u
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != StateEstablished || conn == nil {
		return nil
	}
	return writeMessage(conn, message.TypeUpdate, message.EncodeUpdate(u))
}

// Withdraw removes a previously announced prefix, sending an UPDATE with it
// in WithdrawnRoutes if the session is established.
func (s *Session) Withdraw(key string, withdrawn message.Prefix) error {
	s.mu.Lock()
	delete(s.announced, key)
	conn := s.conn
	state := s.state
	s.mu.Unlock()

	if state != StateEstablished || conn == nil {
		return nil
	}
	u := message.Update{WithdrawnRoutes: []message.Prefix{withdrawn}}
	return writeMessage(conn, message.TypeUpdate, message.EncodeUpdate(u))
}

// Close tears down the session (ManualStop).
func (s *Session) Close() {
	s.mu.Lock()
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func writeMessage(conn net.Conn, t message.Type, body []byte) error {
	header := message.EncodeHeader(t, len(body))
	if _, err := conn.Write(header); err != nil {
		return err
	}
	if len(body) == 0 {
		return nil
	}
	_, err := conn.Write(body)
	return err
}

func readMessage(conn net.Conn) (message.Type, []byte, error) {
	header := make([]byte, 19)
	if _, err := io.ReadFull(conn, header); err != nil {
		return 0, nil, err
	}
	typ, length, err := message.DecodeHeader(header)
	if err != nil {
		return 0, nil, err
	}
	bodyLen := length - 19
	if bodyLen == 0 {
		return typ, nil, nil
	}
	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(conn, body); err != nil {
		return 0, nil, err
	}
	return typ, body, nil
}
