// Package resolver finds a broker able to serve a channel request. Every
// operation is a one-shot exchange on a fresh connection bounded by the probe
// timeout; the connection is closed as soon as the timeout fires.
package resolver

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/rjboer/gochnlzr/internal/connectionmgr"
	"github.com/rjboer/gochnlzr/internal/logging"
	"github.com/rjboer/gochnlzr/internal/proto"
	"github.com/rjboer/gochnlzr/internal/spectrum"
)

var (
	ErrDiscoveryTimeout = errors.New("discovery timeout")
	ErrNoCapableBroker  = errors.New("no capable broker")
)

const DefaultProbeTimeout = 10 * time.Second

// Conn is the part of a managed connection a probe needs.
type Conn interface {
	Send(ctx context.Context, m *proto.Message) error
	Receive() (*proto.Message, error)
	Close() error
}

// DialFunc opens a probe connection.
type DialFunc func(ctx context.Context, addr string) (Conn, error)

type Options struct {
	ConnectTimeout time.Duration
	ProbeTimeout   time.Duration
	MaxFrameSize   int
	Logger         logging.Logger
	Registerer     prometheus.Registerer
	// Dial overrides the default connectionmgr dialer.
	Dial DialFunc
}

type Resolver struct {
	dial         DialFunc
	probeTimeout time.Duration
	log          logging.Logger
	metrics      *resolverMetrics
}

func New(opts Options) (*Resolver, error) {
	m, err := newResolverMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("resolver metrics: %w", err)
	}
	r := &Resolver{
		dial:         opts.Dial,
		probeTimeout: opts.ProbeTimeout,
		log:          logging.OrDefault(opts.Logger).With(logging.F("subsystem", "resolver")),
		metrics:      m,
	}
	if r.probeTimeout <= 0 {
		r.probeTimeout = DefaultProbeTimeout
	}
	if r.dial == nil {
		copts := connectionmgr.Options{
			ConnectTimeout: opts.ConnectTimeout,
			MaxFrameSize:   opts.MaxFrameSize,
			Logger:         opts.Logger,
		}
		r.dial = func(ctx context.Context, addr string) (Conn, error) {
			return connectionmgr.Dial(ctx, addr, copts)
		}
	}
	return r, nil
}

// ListBrokers asks a directory host for every broker it knows. A directory
// that closes without answering yields an empty list.
func (r *Resolver) ListBrokers(ctx context.Context, directory proto.BrokerHost) ([]proto.BrokerHost, error) {
	started := time.Now()
	var hosts []proto.BrokerHost

	err := r.exchange(ctx, directory, proto.NewGetBrokerList(), func(m *proto.Message) (bool, error) {
		switch m.Type {
		case proto.TypeBrokerList:
			hosts = append(hosts, m.BrokerList.Brokers...)
			return true, nil
		case proto.TypeBrokerState:
			return false, nil
		case proto.TypeError:
			return false, fmt.Errorf("directory %s reported error %d", directory, m.Error.Code)
		default:
			r.log.Warn("unexpected message while listing brokers",
				logging.F("host", directory.String()), logging.F("type", m.Type.String()))
			return false, nil
		}
	})
	// A directory that hangs up without a list knows no brokers.
	if errors.Is(err, io.EOF) {
		err = nil
	}
	r.metrics.observe("list", probeResult(err, resultListed), started)
	if err != nil {
		return nil, err
	}
	r.log.Debug("broker list received", logging.F("host", directory.String()), logging.F("count", len(hosts)))
	return hosts, nil
}

// QueryCapability waits for the broker's unsolicited state and reports whether
// any advertised channelizer satisfies req. A closed connection or an error
// report counts as not capable; a timeout is returned as ErrDiscoveryTimeout.
func (r *Resolver) QueryCapability(ctx context.Context, broker proto.BrokerHost, req spectrum.ChannelRequest) (bool, error) {
	started := time.Now()
	capable := false

	err := r.exchange(ctx, broker, nil, func(m *proto.Message) (bool, error) {
		switch m.Type {
		case proto.TypeBrokerState:
			capable = spectrum.AnySatisfies(m.BrokerState.SpectrumCapabilities(), req)
			return true, nil
		case proto.TypeError:
			r.log.Info("broker reported error during probe",
				logging.F("host", broker.String()), logging.F("code", m.Error.Code))
			return true, nil
		default:
			r.log.Warn("unexpected message while probing broker",
				logging.F("host", broker.String()), logging.F("type", m.Type.String()))
			return false, nil
		}
	})
	if errors.Is(err, io.EOF) {
		err = nil
	}

	result := resultIncapable
	if capable {
		result = resultCapable
	}
	r.metrics.observe("query", probeResult(err, result), started)
	return capable, err
}

// SelectBroker probes hosts in order and returns the first capable one. Probe
// failures count as not capable.
func (r *Resolver) SelectBroker(ctx context.Context, hosts []proto.BrokerHost, req spectrum.ChannelRequest) (proto.BrokerHost, error) {
	for _, h := range hosts {
		ok, err := r.QueryCapability(ctx, h, req)
		if ctx.Err() != nil {
			return proto.BrokerHost{}, ctx.Err()
		}
		if err != nil {
			r.log.Warn("broker probe failed", logging.F("host", h.String()), logging.Err(err))
			continue
		}
		if ok {
			r.log.Info("selected broker", logging.F("host", h.String()))
			return h, nil
		}
		r.log.Debug("broker not capable", logging.F("host", h.String()))
	}
	return proto.BrokerHost{}, fmt.Errorf("%w among %d candidate(s)", ErrNoCapableBroker, len(hosts))
}

// Resolve lists the brokers known to directory and selects the first capable one.
func (r *Resolver) Resolve(ctx context.Context, directory proto.BrokerHost, req spectrum.ChannelRequest) (proto.BrokerHost, error) {
	hosts, err := r.ListBrokers(ctx, directory)
	if err != nil {
		return proto.BrokerHost{}, err
	}
	return r.SelectBroker(ctx, hosts, req)
}

// exchange runs one bounded request/response on a fresh connection. handle is
// called for each received message until it reports done or fails.
func (r *Resolver) exchange(parent context.Context, host proto.BrokerHost, first *proto.Message, handle func(*proto.Message) (bool, error)) error {
	ctx, cancel := context.WithTimeout(parent, r.probeTimeout)
	defer cancel()

	conn, err := r.dial(ctx, host.Addr())
	if err != nil {
		return r.boundedErr(parent, ctx, host, err)
	}
	// Unblocks Receive when the probe times out.
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer func() {
		stop()
		_ = conn.Close()
	}()

	if first != nil {
		if err := conn.Send(ctx, first); err != nil {
			return r.boundedErr(parent, ctx, host, err)
		}
	}
	for {
		m, err := conn.Receive()
		if err != nil {
			return r.boundedErr(parent, ctx, host, err)
		}
		done, err := handle(m)
		if err != nil {
			return err
		}
		if done {
			return nil
		}
	}
}

func (r *Resolver) boundedErr(parent, ctx context.Context, host proto.BrokerHost, err error) error {
	if parent.Err() != nil {
		return parent.Err()
	}
	if ctx.Err() != nil || errors.Is(err, connectionmgr.ErrConnectTimeout) {
		return fmt.Errorf("%w: %s after %s", ErrDiscoveryTimeout, host, r.probeTimeout)
	}
	return fmt.Errorf("probe %s: %w", host, err)
}

func probeResult(err error, ok string) string {
	switch {
	case err == nil:
		return ok
	case errors.Is(err, ErrDiscoveryTimeout):
		return resultTimeout
	default:
		return resultError
	}
}
