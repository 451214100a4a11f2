// Package multicast receives sample datagrams from a multicast group and fans
// each decoded frame out to every registered sink.
package multicast

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/net/ipv4"

	"github.com/rjboer/gochnlzr/internal/logging"
	"github.com/rjboer/gochnlzr/internal/proto"
)

const (
	DefaultSamplesPerDatagram = 512
	socketBufferSize          = 2 * 1024 * 1024
)

var ErrAlreadyRunning = errors.New("distributor already running")

// Config selects the group to join.
type Config struct {
	Group              string // IPv4 multicast address, e.g. 239.255.7.1
	Port               int
	Interface          string // NIC name; empty lets the kernel choose
	SamplesPerDatagram int
}

func (c Config) Validate() error {
	ip := net.ParseIP(c.Group)
	if ip == nil || ip.To4() == nil || !ip.IsMulticast() {
		return fmt.Errorf("multicast group %q is not an IPv4 multicast address", c.Group)
	}
	if c.Port <= 0 || c.Port > 0xffff {
		return fmt.Errorf("multicast port %d out of range", c.Port)
	}
	if c.SamplesPerDatagram <= 0 {
		return fmt.Errorf("samples per datagram must be positive, got %d", c.SamplesPerDatagram)
	}
	return nil
}

type Options struct {
	Logger     logging.Logger
	Registerer prometheus.Registerer
}

// Distributor owns one datagram socket and its sink registry.
type Distributor struct {
	conn    net.PacketConn
	pc      *ipv4.PacketConn // set when a group was joined
	group   *net.UDPAddr
	ifi     *net.Interface
	bufSize int

	sinks   SinkSet
	log     logging.Logger
	metrics *distributorMetrics

	running   atomic.Bool
	closeOnce sync.Once
	closed    chan struct{}
}

// Listen binds the group port and joins the multicast group.
func Listen(cfg Config, opts Options) (*Distributor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	var ifi *net.Interface
	if cfg.Interface != "" {
		i, err := net.InterfaceByName(cfg.Interface)
		if err != nil {
			return nil, fmt.Errorf("multicast interface %q: %w", cfg.Interface, err)
		}
		ifi = i
	}

	c, err := net.ListenPacket("udp4", net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.Port)))
	if err != nil {
		return nil, fmt.Errorf("failed to listen on UDP port %d: %w", cfg.Port, err)
	}
	group := &net.UDPAddr{IP: net.ParseIP(cfg.Group)}
	pc := ipv4.NewPacketConn(c)
	if err := pc.JoinGroup(ifi, group); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("join multicast group %s: %w", cfg.Group, err)
	}

	d, err := New(c, cfg.SamplesPerDatagram, opts)
	if err != nil {
		_ = pc.LeaveGroup(ifi, group)
		_ = c.Close()
		return nil, err
	}
	d.pc, d.group, d.ifi = pc, group, ifi
	d.log = d.log.With(logging.F("group", cfg.Group), logging.F("port", cfg.Port))
	return d, nil
}

// New wraps an already bound packet connection.
func New(conn net.PacketConn, samplesPerDatagram int, opts Options) (*Distributor, error) {
	if samplesPerDatagram <= 0 {
		samplesPerDatagram = DefaultSamplesPerDatagram
	}
	m, err := newDistributorMetrics(opts.Registerer)
	if err != nil {
		return nil, fmt.Errorf("multicast metrics: %w", err)
	}

	if uc, ok := conn.(*net.UDPConn); ok {
		if err := uc.SetReadBuffer(socketBufferSize); err != nil {
			logging.OrDefault(opts.Logger).Warn("could not set UDP buffer size",
				logging.F("buffer_size", socketBufferSize), logging.Err(err))
		}
	}

	return &Distributor{
		conn:    conn,
		bufSize: proto.DatagramSize(samplesPerDatagram),
		log:     logging.OrDefault(opts.Logger).With(logging.F("subsystem", "multicast")),
		metrics: m,
		closed:  make(chan struct{}),
	}, nil
}

// AddSink registers s for frames decoded from now on.
func (d *Distributor) AddSink(s Sink) {
	if !Comparable(s) {
		d.log.Warn("rejecting sink that cannot be compared", logging.F("type", fmt.Sprintf("%T", s)))
		return
	}
	if d.sinks.Add(s) {
		d.metrics.setSinks(d.sinks.Len())
	}
}

// RemoveSink unregisters s. A frame already being dispatched may still reach it.
func (d *Distributor) RemoveSink(s Sink) {
	if d.sinks.Remove(s) {
		d.metrics.setSinks(d.sinks.Len())
	}
}

func (d *Distributor) LocalAddr() net.Addr { return d.conn.LocalAddr() }

// Run receives and dispatches datagrams until Close is called or ctx is done.
// Cancellation closes the socket, so a blocked receive returns immediately.
func (d *Distributor) Run(ctx context.Context) error {
	if !d.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	stop := context.AfterFunc(ctx, func() { _ = d.Close() })
	defer stop()

	d.log.Info("distributor started", logging.F("addr", d.conn.LocalAddr().String()))
	defer d.log.Info("distributor stopped")

	// One spare byte detects datagrams larger than the configured bound.
	buf := make([]byte, d.bufSize+1)
	for {
		n, _, err := d.conn.ReadFrom(buf)
		if err != nil {
			if d.isClosed() {
				return nil
			}
			return fmt.Errorf("multicast receive: %w", err)
		}
		d.metrics.received(n)

		sinks := d.sinks.Snapshot()
		if n > d.bufSize {
			d.discard(n, fmt.Errorf("%w: exceeds %d bytes", proto.ErrMalformedDatagram, d.bufSize))
			continue
		}
		f, err := proto.DecodeDatagram(buf[:n])
		if err != nil {
			d.discard(n, err)
			continue
		}
		if d.isClosed() {
			return nil
		}
		for _, s := range sinks {
			s.Consume(f)
		}
		d.metrics.dispatched(len(sinks))
	}
}

func (d *Distributor) discard(n int, err error) {
	d.metrics.decodeError()
	d.log.Debug("dropping datagram", logging.F("bytes", n), logging.Err(err))
}

// Close leaves the group and releases the socket. It is safe to call more
// than once.
func (d *Distributor) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.closed)
		if d.pc != nil {
			if lerr := d.pc.LeaveGroup(d.ifi, d.group); lerr != nil {
				d.log.Debug("leave group failed", logging.Err(lerr))
			}
		}
		err = d.conn.Close()
	})
	return err
}

func (d *Distributor) isClosed() bool {
	select {
	case <-d.closed:
		return true
	default:
		return false
	}
}
