// Package session drives one channel over a persistent control connection:
// it asks for a channel (or multiplexes onto an existing grant), interprets
// the server's replies, and binds a single consumer to the resulting stream.
package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/rjboer/gochnlzr/internal/logging"
	"github.com/rjboer/gochnlzr/internal/proto"
	"github.com/rjboer/gochnlzr/internal/spectrum"
)

var ErrProtocolViolation = errors.New("protocol violation")

// RemoteError is a failure reported by the server, either as an ERROR message
// or as a non-zero CHANNEL_RESPONSE code.
type RemoteError struct {
	Code uint32
}

func (e *RemoteError) Error() string { return fmt.Sprintf("remote error code %d", e.Code) }

type State int32

const (
	StateInit State = iota
	StateAwaitBrokerState
	StateAwaitState
	StateStreaming
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateAwaitBrokerState:
		return "AWAIT_BROKER_STATE"
	case StateAwaitState:
		return "AWAIT_STATE"
	case StateStreaming:
		return "STREAMING"
	case StateClosed:
		return "CLOSED"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Conn is the control connection the session owns.
type Conn interface {
	Send(ctx context.Context, m *proto.Message) error
	Receive() (*proto.Message, error)
	Close() error
}

type Config struct {
	Request spectrum.ChannelRequest
	// BrokerMediated sessions wait for the server's BROKER_STATE before
	// sending anything.
	BrokerMediated bool
	NewConsumer    ConsumerFactory
	// Distributor is set when samples arrive out-of-band.
	Distributor Distributor
	Logger      logging.Logger
	Registerer  prometheus.Registerer
}

type Session struct {
	id      string
	conn    Conn
	cfg     Config
	log     logging.Logger
	metrics *sessionMetrics

	state       atomic.Int32
	requestSent bool
	binding     binding
	sink        atomic.Pointer[channelSink]

	running   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

func New(conn Conn, cfg Config) (*Session, error) {
	if err := cfg.Request.Validate(); err != nil {
		return nil, err
	}
	if cfg.NewConsumer == nil {
		return nil, errors.New("session: consumer factory is required")
	}
	m, err := newSessionMetrics(cfg.Registerer)
	if err != nil {
		return nil, fmt.Errorf("session metrics: %w", err)
	}
	id := uuid.NewString()
	return &Session{
		id:      id,
		conn:    conn,
		cfg:     cfg,
		log:     logging.OrDefault(cfg.Logger).With(logging.F("subsystem", "session"), logging.F("session_id", id)),
		metrics: m,
		binding: unbound{},
		closed:  make(chan struct{}),
	}, nil
}

func (s *Session) ID() string { return s.id }

func (s *Session) State() State { return State(s.state.Load()) }

func (s *Session) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev != st {
		s.log.Debug("state change", logging.F("from", prev.String()), logging.F("to", st.String()))
	}
}

// Run drives the session until the connection closes. It returns nil when the
// server closes the stream or Close is called, ctx.Err() on cancellation, and
// a RemoteError, protocol violation or transport error otherwise. The
// connection is always closed and the consumer detached on return.
func (s *Session) Run(ctx context.Context) (err error) {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New("session: already running")
	}
	stop := context.AfterFunc(ctx, func() { _ = s.Close() })
	defer func() {
		stop()
		_ = s.Close()
		s.detach()
		s.setState(StateClosed)
		if err != nil {
			s.log.Warn("session closed", logging.Err(err))
		} else {
			s.log.Info("session closed")
		}
	}()

	if err := s.start(ctx); err != nil {
		return err
	}
	for {
		m, err := s.conn.Receive()
		if err != nil {
			return s.terminal(ctx, err)
		}
		if err := s.handle(ctx, m); err != nil {
			return err
		}
	}
}

// Close shuts the connection. It is safe to call more than once and from any
// goroutine; no frame reaches the consumer after it returns.
func (s *Session) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)
		if sink := s.sink.Load(); sink != nil {
			sink.detached.Store(true)
		}
		err = s.conn.Close()
	})
	return err
}

func (s *Session) closedLocally() bool {
	select {
	case <-s.closed:
		return true
	default:
		return false
	}
}

// terminal maps a transport failure to Run's return value.
func (s *Session) terminal(ctx context.Context, err error) error {
	switch {
	case ctx.Err() != nil:
		return ctx.Err()
	case s.closedLocally(), errors.Is(err, io.EOF):
		return nil
	case errors.Is(err, proto.ErrMalformedMessage), errors.Is(err, proto.ErrFrameTooLarge):
		return s.violation("undecodable message: %v", err)
	default:
		return fmt.Errorf("session transport: %w", err)
	}
}

func (s *Session) start(ctx context.Context) error {
	s.setState(StateInit)
	if s.cfg.BrokerMediated {
		s.setState(StateAwaitBrokerState)
		return nil
	}
	return s.sendRequest(ctx, proto.NewChannelRequest(s.cfg.Request))
}

// sendRequest maps a failed send the same way as a failed receive.
func (s *Session) sendRequest(ctx context.Context, m *proto.Message) error {
	if err := s.conn.Send(ctx, m); err != nil {
		return s.terminal(ctx, err)
	}
	s.requestSent = true
	s.setState(StateAwaitState)
	s.log.Info("request sent", logging.F("type", m.Type.String()), logging.F("spec", s.cfg.Request.Spec.String()))
	return nil
}

func (s *Session) handle(ctx context.Context, m *proto.Message) error {
	s.metrics.received(m.Type.String())

	switch m.Type {
	case proto.TypeHeartbeat, proto.TypeCapabilities:
		return nil
	case proto.TypeError:
		s.metrics.remoteError()
		s.log.Error("server reported error", logging.F("code", m.Error.Code))
		return &RemoteError{Code: m.Error.Code}
	case proto.TypeBrokerState:
		if s.State() == StateAwaitBrokerState {
			return s.onBrokerState(ctx, m.BrokerState)
		}
		if s.cfg.BrokerMediated && s.requestSent {
			s.log.Debug("ignoring broker state after request")
			return nil
		}
	}

	switch s.State() {
	case StateAwaitState:
		switch m.Type {
		case proto.TypeChannelResponse:
			return s.onChannelResponse(m.ChannelResponse)
		case proto.TypeChannelState:
			return s.onChannelState(m.ChannelState)
		case proto.TypeSamples:
			return s.violation("samples before channel state")
		}
	case StateStreaming:
		switch m.Type {
		case proto.TypeChannelState:
			return s.onChannelState(m.ChannelState)
		case proto.TypeSamples:
			return s.onSamples(m.Samples.Frame())
		}
	}
	return s.violation("unexpected %s in state %s", m.Type, s.State())
}

func (s *Session) onBrokerState(ctx context.Context, bs *proto.BrokerState) error {
	if g, ok := spectrum.FindGrant(bs.SpectrumGrants(), s.cfg.Request); ok {
		s.log.Info("reusing existing grant", logging.F("grant_id", g.ID), logging.F("grant", g.Spec.String()))
		return s.sendRequest(ctx, proto.NewMultiplexRequest(g.ID))
	}
	return s.sendRequest(ctx, proto.NewChannelRequest(s.cfg.Request))
}

func (s *Session) onChannelResponse(r *proto.ChannelResponse) error {
	if r.Error != 0 {
		s.metrics.remoteError()
		s.log.Error("channel request refused", logging.F("code", r.Error))
		return &RemoteError{Code: r.Error}
	}
	if _, ok := s.binding.(unbound); !ok {
		return s.violation("duplicate channel response")
	}
	s.binding = reserved{channelID: r.ChannelID}
	s.log.Info("channel granted", logging.F("channel_id", r.ChannelID))
	return nil
}

func (s *Session) onChannelState(cs *proto.ChannelState) error {
	switch b := s.binding.(type) {
	case unbound:
		s.bind(0, false, cs)
	case reserved:
		s.bind(b.channelID, true, cs)
	case *bound:
		b.consumer.OnSourceStateChange(cs.SampleRate, cs.CenterFrequency)
	}
	s.setState(StateStreaming)
	s.log.Debug("channel state",
		logging.F("sample_rate", cs.SampleRate), logging.F("center_frequency", cs.CenterFrequency))
	return nil
}

// bind constructs the consumer, hands it the first state and, when samples
// travel out-of-band, registers it with the distributor.
func (s *Session) bind(channelID uint64, idKnown bool, cs *proto.ChannelState) {
	c := s.cfg.NewConsumer(channelID)
	c.OnSourceStateChange(cs.SampleRate, cs.CenterFrequency)

	b := &bound{channelID: channelID, idKnown: idKnown, consumer: c}
	if s.cfg.Distributor != nil {
		b.sink = &channelSink{channelID: channelID, filter: idKnown, consumer: c}
		s.sink.Store(b.sink)
		if s.closedLocally() {
			b.sink.detached.Store(true)
		} else {
			s.cfg.Distributor.AddSink(b.sink)
		}
	}
	s.binding = b
}

func (s *Session) onSamples(f proto.SampleFrame) error {
	b, ok := s.binding.(*bound)
	if !ok {
		return s.violation("samples without a bound consumer")
	}
	if b.idKnown && f.ChannelID != b.channelID {
		return s.violation("samples for channel %d on channel %d", f.ChannelID, b.channelID)
	}
	if !b.idKnown {
		b.channelID, b.idKnown = f.ChannelID, true
	}
	if s.closedLocally() {
		return nil
	}
	b.consumer.Consume(f)
	return nil
}

func (s *Session) detach() {
	if b, ok := s.binding.(*bound); ok && b.sink != nil {
		b.sink.detached.Store(true)
		s.cfg.Distributor.RemoveSink(b.sink)
	}
}

func (s *Session) violation(format string, args ...any) error {
	s.metrics.violation()
	err := fmt.Errorf("%w: "+format, append([]any{ErrProtocolViolation}, args...)...)
	s.log.Error("closing session", logging.Err(err), logging.F("state", s.State().String()))
	return err
}
