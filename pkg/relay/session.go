// Package relay implements the per-session state machine that brokers one
// client conversation against the upstream realtime speech API: it buffers
// client traffic until the upstream is ready, forwards bidirectionally,
// meters usage against the session's entitlement, and tears both
// connections down exactly once under every termination path.
package relay

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/voicebridge/voicebridge/pkg/protocol"
)

// State is the session lifecycle state.
type State int32

const (
	// StateAccepted: client socket open, nothing else yet.
	StateAccepted State = iota
	// StateVerifying: entitlement check in flight; client messages buffer.
	StateVerifying
	// StateConnectingUpstream: upstream dial in flight; client messages buffer.
	StateConnectingUpstream
	// StateActive: upstream open, traffic flows both ways.
	StateActive
	// StateClosing: a termination trigger fired, cleanup in progress.
	StateClosing
	// StateClosed: terminal; both sockets closed, usage flush dispatched.
	StateClosed
)

// String returns a human-readable state name.
func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateVerifying:
		return "verifying"
	case StateConnectingUpstream:
		return "connecting_upstream"
	case StateActive:
		return "active"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// ClientConn is the session's view of the client-side WebSocket. The
// session borrows the connection: it may send and close, but the
// transport itself belongs to the server.
type ClientConn interface {
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Connector owns the upstream connection for one session. Callbacks must
// be registered before Connect; the connector reports closed at most once
// and never retries.
type Connector interface {
	Connect(ctx context.Context) error
	Send(messageType int, data []byte) error
	Close() error

	OnReady(fn func())
	OnMessage(fn func(messageType int, data []byte))
	OnClosed(fn func(err error))
}

// Verifier authorizes a session token and returns its entitlement
// snapshot. Failures should carry a *Error so the service-provided error
// kind reaches the client verbatim.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Entitlement, error)
}

// Close reasons reported in the session summary for sides that closed
// without a relay error.
const (
	ReasonClientClosed   = "client_closed"
	ReasonUpstreamClosed = "upstream_closed"
)

// Config configures a session.
type Config struct {
	// Token is the opaque session identity, also used as the bearer
	// credential for verification and accounting.
	Token string

	Client     ClientConn
	Connector  Connector
	Verifier   Verifier
	Accounting Accounting

	Logger *slog.Logger

	// BufferLimit caps the pending-message queue; 0 means unbounded.
	BufferLimit int

	// VerifyTimeout bounds the entitlement verification call.
	VerifyTimeout time.Duration

	// FlushTimeout bounds the detached usage flush on shutdown.
	FlushTimeout time.Duration
}

// Summary describes a finished session. Valid once Done is closed.
type Summary struct {
	Reason             string
	TotalTokens        int64
	InputTokens        int64
	OutputTokens       int64
	InputCost          float64
	OutputCost         float64
	MessagesToUpstream int64
	MessagesToClient   int64
	Transcript         []TranscriptEntry
}

type eventKind int

const (
	evClientMessage eventKind = iota
	evClientClosed
	evVerified
	evUpstreamReady
	evUpstreamMessage
	evUpstreamClosed
)

type event struct {
	kind        eventKind
	msgType     int
	data        []byte
	entitlement *Entitlement
	err         error
}

const sessionMailboxSize = 64

type closeInitiator int

const (
	byClient closeInitiator = iota
	byUpstream
	byRelay
)

func (c closeInitiator) String() string {
	switch c {
	case byClient:
		return "client"
	case byUpstream:
		return "upstream"
	default:
		return "relay"
	}
}

// Session is the relay state machine for one conversation. All mutable
// state is owned by the event loop in Run; producers (the client reader,
// connector callbacks, the verification goroutine) only post events, so
// no transition ever races another and no locking is needed.
type Session struct {
	cfg    Config
	logger *slog.Logger

	st atomic.Int32

	buffer      *Buffer
	meter       *Meter
	entitlement *Entitlement
	transcript  []TranscriptEntry

	dialStarted    bool
	sentToUpstream int64
	sentToClient   int64
	summary        Summary

	events    chan event
	done      chan struct{}
	flushDone chan struct{}
}

// New creates a session in the accepted state. Run starts it.
func New(cfg Config) *Session {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.VerifyTimeout <= 0 {
		cfg.VerifyTimeout = 10 * time.Second
	}
	if cfg.FlushTimeout <= 0 {
		cfg.FlushTimeout = 5 * time.Second
	}
	s := &Session{
		cfg:       cfg,
		logger:    cfg.Logger.With("component", "relay.session"),
		buffer:    NewBuffer(cfg.BufferLimit),
		events:    make(chan event, sessionMailboxSize),
		done:      make(chan struct{}),
		flushDone: make(chan struct{}),
	}
	s.st.Store(int32(StateAccepted))
	return s
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	return State(s.st.Load())
}

func (s *Session) setState(st State) {
	s.st.Store(int32(st))
}

// Done is closed once the session reaches the closed state.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

// FlushDone is closed once the detached usage-flush attempt has finished.
// Socket teardown never waits on it.
func (s *Session) FlushDone() <-chan struct{} {
	return s.flushDone
}

// Summary returns the close summary. Call only after Done is closed.
func (s *Session) Summary() Summary {
	return s.summary
}

// HandleClientMessage hands an inbound client payload to the session.
// Safe to call from the connection's read goroutine.
func (s *Session) HandleClientMessage(messageType int, data []byte) {
	s.post(event{kind: evClientMessage, msgType: messageType, data: data})
}

// ClientClosed reports that the client socket closed or failed.
func (s *Session) ClientClosed() {
	s.post(event{kind: evClientClosed})
}

func (s *Session) post(ev event) {
	select {
	case s.events <- ev:
	case <-s.done:
	}
}

// Run drives the session to completion: it starts verification, then
// processes events until the shutdown protocol has run. Cancelling ctx
// terminates the session with a server-shutdown error.
func (s *Session) Run(ctx context.Context) {
	s.setState(StateVerifying)
	s.logger.Info("session started", "state", s.State().String())

	go func() {
		vctx, cancel := context.WithTimeout(ctx, s.cfg.VerifyTimeout)
		defer cancel()
		ent, err := s.cfg.Verifier.Verify(vctx, s.cfg.Token)
		s.post(event{kind: evVerified, entitlement: ent, err: err})
	}()

	for {
		select {
		case <-ctx.Done():
			s.shutdown(byRelay, NewError(TypeServerShutdown, "server is shutting down"))
		case ev := <-s.events:
			s.handle(ctx, ev)
		}
		if s.State() == StateClosed {
			return
		}
	}
}

func (s *Session) handle(ctx context.Context, ev event) {
	switch ev.kind {
	case evVerified:
		s.handleVerified(ctx, ev)
	case evClientMessage:
		s.handleClientMessage(ev)
	case evClientClosed:
		s.shutdown(byClient, nil)
	case evUpstreamReady:
		s.handleUpstreamReady()
	case evUpstreamMessage:
		s.handleUpstreamMessage(ev)
	case evUpstreamClosed:
		s.handleUpstreamClosed(ev)
	}
}

func (s *Session) handleVerified(ctx context.Context, ev event) {
	if s.State() != StateVerifying {
		return
	}
	if ev.err != nil {
		relayErr := AsError(ev.err)
		if errors.Is(ev.err, context.DeadlineExceeded) {
			relayErr = WrapError(TypeAuthorization, "verification timed out", ev.err)
		}
		s.logger.Warn("session verification failed", "error", ev.err)
		s.shutdown(byRelay, relayErr)
		return
	}

	s.entitlement = ev.entitlement
	s.meter = NewMeter(*ev.entitlement)
	s.setState(StateConnectingUpstream)
	s.logger.Info("session verified", "limit", ev.entitlement.Limit, "used", ev.entitlement.Used)

	s.cfg.Connector.OnReady(func() {
		s.post(event{kind: evUpstreamReady})
	})
	s.cfg.Connector.OnMessage(func(messageType int, data []byte) {
		s.post(event{kind: evUpstreamMessage, msgType: messageType, data: data})
	})
	s.cfg.Connector.OnClosed(func(err error) {
		s.post(event{kind: evUpstreamClosed, err: err})
	})

	s.dialStarted = true
	go func() {
		if err := s.cfg.Connector.Connect(ctx); err != nil {
			s.post(event{kind: evUpstreamClosed, err: err})
		}
	}()
}

func (s *Session) handleClientMessage(ev event) {
	switch s.State() {
	case StateAccepted, StateVerifying, StateConnectingUpstream:
		if err := s.buffer.Enqueue(ev.msgType, ev.data); err != nil {
			s.shutdown(byRelay, NewError(TypeBufferOverflow, "pending message queue is full"))
		}

	case StateActive:
		if s.meter.OverQuota() {
			// The offending message is dropped, never forwarded.
			s.shutdown(byRelay, NewError(TypeQuotaExceeded, "usage quota exceeded"))
			return
		}
		if err := s.cfg.Connector.Send(ev.msgType, ev.data); err != nil {
			s.logger.Warn("forward to upstream failed", "error", err)
			s.shutdown(byUpstream, WrapError(TypeUpstreamUnavailable, "upstream send failed", err))
			return
		}
		s.sentToUpstream++

	default:
		// Closing or closed: drop.
	}
}

func (s *Session) handleUpstreamReady() {
	if s.State() != StateConnectingUpstream {
		return
	}
	s.setState(StateActive)

	pending := s.buffer.DrainInOrder()
	s.logger.Info("upstream ready", "pending_messages", len(pending))
	for _, m := range pending {
		if err := s.cfg.Connector.Send(m.Type, m.Data); err != nil {
			s.shutdown(byUpstream, WrapError(TypeUpstreamUnavailable, "replay of pending messages failed", err))
			return
		}
		s.sentToUpstream++
	}
}

func (s *Session) handleUpstreamMessage(ev event) {
	if s.State() != StateActive {
		return
	}

	// Forward verbatim first; classification is best-effort telemetry on
	// top of an already-completed forward.
	if err := s.cfg.Client.WriteMessage(ev.msgType, ev.data); err != nil {
		s.logger.Debug("client write failed", "error", err)
		s.shutdown(byClient, nil)
		return
	}
	s.sentToClient++

	if ev.msgType != websocket.TextMessage {
		return
	}
	effect, err := Classify(ev.data)
	if err != nil {
		s.logger.Debug("unclassifiable upstream message", "error", err)
		return
	}
	if effect.Usage != nil {
		s.meter.Record(*effect.Usage)
		s.logger.Debug("usage recorded",
			"total", effect.Usage.TotalTokens,
			"input", effect.Usage.InputTokens,
			"output", effect.Usage.OutputTokens,
		)
		if s.meter.OverQuota() {
			s.shutdown(byRelay, NewError(TypeQuotaExceeded, "usage quota exceeded"))
			return
		}
	}
	if effect.Transcript != nil {
		s.transcript = append(s.transcript, *effect.Transcript)
	}
}

func (s *Session) handleUpstreamClosed(ev event) {
	relayErr := NewError(TypeUpstreamUnavailable, "upstream connection closed")
	if ev.err != nil {
		relayErr = WrapError(TypeUpstreamUnavailable, "upstream connection closed", ev.err)
	}
	s.shutdown(byUpstream, relayErr)
}

// shutdown runs the close protocol exactly once: notify the side that did
// not initiate the close, close both sockets, dispatch the usage flush,
// and record the summary. Every termination path funnels through here;
// later triggers are no-ops.
func (s *Session) shutdown(initiator closeInitiator, relayErr *Error) {
	if s.State() == StateClosing || s.State() == StateClosed {
		return
	}
	s.setState(StateClosing)

	reason := ReasonClientClosed
	if relayErr != nil {
		reason = relayErr.Type
	} else if initiator == byUpstream {
		reason = ReasonUpstreamClosed
	}
	s.logger.Info("session closing", "initiator", initiator.String(), "reason", reason)

	// The client gets a structured error frame unless it initiated the
	// close itself. The upstream protocol has no error frame; closing the
	// socket is its notification.
	if initiator != byClient && relayErr != nil {
		frame := protocol.NewErrorFrame(relayErr.Type, relayErr.Message)
		if err := s.cfg.Client.WriteMessage(websocket.TextMessage, frame); err != nil {
			s.logger.Debug("error frame write failed", "error", err)
		}
	}
	if err := s.cfg.Client.Close(); err != nil {
		s.logger.Debug("client close failed", "error", err)
	}
	if s.dialStarted {
		if err := s.cfg.Connector.Close(); err != nil {
			s.logger.Debug("upstream close failed", "error", err)
		}
	}

	s.summary = Summary{
		Reason:             reason,
		MessagesToUpstream: s.sentToUpstream,
		MessagesToClient:   s.sentToClient,
		Transcript:         s.transcript,
	}
	if s.meter != nil {
		s.summary.TotalTokens, s.summary.InputTokens, s.summary.OutputTokens = s.meter.Tokens()
		s.summary.InputCost, s.summary.OutputCost = s.meter.Cost()
	}

	// Usage flush is fire-and-forget: socket teardown never waits on it,
	// and a failure only costs this session's delta.
	if s.meter != nil && s.cfg.Accounting != nil {
		go s.flushUsage()
	} else {
		close(s.flushDone)
	}

	s.setState(StateClosed)
	close(s.done)
}

func (s *Session) flushUsage() {
	defer close(s.flushDone)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.FlushTimeout)
	defer cancel()
	if err := s.meter.FlushAndReset(ctx, s.cfg.Token, s.cfg.Accounting); err != nil {
		s.logger.Warn("usage flush failed, session usage lost", "error", err)
	}
}
