// Package client composes discovery, the control connection, the sample
// distributor and the channel session into one run.
package client

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/rjboer/gochnlzr/internal/config"
	"github.com/rjboer/gochnlzr/internal/connectionmgr"
	"github.com/rjboer/gochnlzr/internal/logging"
	"github.com/rjboer/gochnlzr/internal/mdns"
	"github.com/rjboer/gochnlzr/internal/multicast"
	"github.com/rjboer/gochnlzr/internal/proto"
	"github.com/rjboer/gochnlzr/internal/resolver"
	"github.com/rjboer/gochnlzr/internal/session"
	"github.com/rjboer/gochnlzr/internal/spectrum"
)

// Mode selects how the serving host is found.
type Mode int

const (
	// ModeDirect talks to a channelizer, which waits for the request.
	ModeDirect Mode = iota
	// ModeBroker talks to a known broker, which speaks first.
	ModeBroker
	// ModePool discovers brokers and picks the first capable one.
	ModePool
)

func (m Mode) String() string {
	switch m {
	case ModeDirect:
		return "direct"
	case ModeBroker:
		return "broker"
	case ModePool:
		return "pool"
	default:
		return fmt.Sprintf("Mode(%d)", int(m))
	}
}

// PoolMDNS as the pool argument selects mDNS discovery instead of a directory host.
const PoolMDNS = "mdns"

type Target struct {
	Mode Mode
	// Host is the channelizer or broker for ModeDirect and ModeBroker.
	Host proto.BrokerHost
	// Directory lists brokers for ModePool unless UseMDNS is set.
	Directory proto.BrokerHost
	UseMDNS   bool
}

func (t Target) String() string {
	switch {
	case t.Mode != ModePool:
		return fmt.Sprintf("%s %s", t.Mode, t.Host)
	case t.UseMDNS:
		return "pool via mdns"
	default:
		return fmt.Sprintf("pool via %s", t.Directory)
	}
}

// ParseTarget reads a host URI (chnlzr:// or brkr://) or, when pool is set, a
// pool source: "mdns", a brkr:// URI or a plain host:port of a directory.
func ParseTarget(hostURI, pool string) (Target, error) {
	switch {
	case hostURI != "" && pool != "":
		return Target{}, errors.New("host and pool are mutually exclusive")
	case pool == PoolMDNS:
		return Target{Mode: ModePool, UseMDNS: true}, nil
	case pool != "":
		var (
			dir proto.BrokerHost
			err error
		)
		if strings.Contains(pool, "://") {
			var scheme string
			scheme, dir, err = proto.ParseHostURI(pool)
			if err == nil && scheme != proto.SchemeBroker {
				err = fmt.Errorf("pool directory %q must use %s://", pool, proto.SchemeBroker)
			}
		} else {
			dir, err = proto.ParseHostPort(pool)
		}
		if err != nil {
			return Target{}, err
		}
		return Target{Mode: ModePool, Directory: dir}, nil
	case hostURI != "":
		scheme, host, err := proto.ParseHostURI(hostURI)
		if err != nil {
			return Target{}, err
		}
		if scheme == proto.SchemeBroker {
			return Target{Mode: ModeBroker, Host: host}, nil
		}
		return Target{Mode: ModeDirect, Host: host}, nil
	default:
		return Target{}, errors.New("either a host or a pool is required")
	}
}

type Options struct {
	Config      *config.Config
	Target      Target
	Request     spectrum.ChannelRequest
	NewConsumer session.ConsumerFactory
	Logger      logging.Logger
	Registerer  prometheus.Registerer
}

// Seams replaced in tests.
var (
	discoverBrokers = mdns.DiscoverBrokers
	listenMulticast = multicast.Listen
)

// Client runs one channel session. It is single use.
type Client struct {
	opts    Options
	cfg     *config.Config
	log     logging.Logger
	started atomic.Bool
}

func New(opts Options) (*Client, error) {
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if err := opts.Config.Validate(); err != nil {
		return nil, err
	}
	if err := opts.Request.Validate(); err != nil {
		return nil, err
	}
	if opts.NewConsumer == nil {
		return nil, errors.New("client: consumer factory is required")
	}
	return &Client{
		opts: opts,
		cfg:  opts.Config,
		log:  logging.OrDefault(opts.Logger).With(logging.F("subsystem", "client")),
	}, nil
}

// Run resolves the serving host, opens the control connection and drives the
// session until it ends. Cancelling ctx is a clean shutdown and returns nil.
// Every resource Run opens is released before it returns.
func (c *Client) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return errors.New("client: already run")
	}

	host, brokerMediated, err := c.resolve(ctx)
	if err != nil {
		return c.shutdownErr(ctx, err)
	}
	c.log.Info("connecting", logging.F("host", host.String()), logging.F("broker_mediated", brokerMediated))

	g, gctx := errgroup.WithContext(ctx)

	var dist *multicast.Distributor
	if c.cfg.Multicast.Group != "" {
		dist, err = listenMulticast(multicast.Config{
			Group:              c.cfg.Multicast.Group,
			Port:               c.cfg.Multicast.Port,
			Interface:          c.cfg.Multicast.Interface,
			SamplesPerDatagram: c.cfg.Multicast.SamplesPerDatagram,
		}, multicast.Options{Logger: c.opts.Logger, Registerer: c.opts.Registerer})
		if err != nil {
			return err
		}
		defer dist.Close()
		g.Go(func() error { return dist.Run(gctx) })
	}

	conn, err := connectionmgr.Dial(gctx, host.Addr(), c.connectionOptions())
	if err != nil {
		if dist != nil {
			_ = dist.Close()
		}
		_ = g.Wait()
		return c.shutdownErr(ctx, err)
	}

	scfg := session.Config{
		Request:        c.opts.Request,
		BrokerMediated: brokerMediated,
		NewConsumer:    c.opts.NewConsumer,
		Logger:         c.opts.Logger,
		Registerer:     c.opts.Registerer,
	}
	if dist != nil {
		scfg.Distributor = dist
	}
	sess, err := session.New(conn, scfg)
	if err != nil {
		_ = conn.Close()
		if dist != nil {
			_ = dist.Close()
		}
		_ = g.Wait()
		return err
	}
	c.log.Info("session opened", logging.F("session_id", sess.ID()), logging.F("host", host.String()))

	g.Go(func() error {
		// The distributor lives exactly as long as the session.
		if dist != nil {
			defer dist.Close()
		}
		return sess.Run(gctx)
	})

	return c.shutdownErr(ctx, g.Wait())
}

func (c *Client) shutdownErr(ctx context.Context, err error) error {
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		c.log.Info("shutdown requested")
		return nil
	}
	return err
}

// resolve returns the host to open the session on and whether the server
// speaks first.
func (c *Client) resolve(ctx context.Context) (proto.BrokerHost, bool, error) {
	t := c.opts.Target
	switch t.Mode {
	case ModeDirect:
		return t.Host, false, nil
	case ModeBroker:
		return t.Host, true, nil
	case ModePool:
	default:
		return proto.BrokerHost{}, false, fmt.Errorf("unknown target mode %s", t.Mode)
	}

	r, err := resolver.New(resolver.Options{
		ConnectTimeout: c.cfg.Connection.ConnectTimeout,
		ProbeTimeout:   c.cfg.Discovery.ProbeTimeout,
		MaxFrameSize:   c.cfg.Connection.MaxFrameSize,
		Logger:         c.opts.Logger,
		Registerer:     c.opts.Registerer,
	})
	if err != nil {
		return proto.BrokerHost{}, false, err
	}

	var hosts []proto.BrokerHost
	if t.UseMDNS {
		hosts, err = discoverBrokers(ctx, c.cfg.Discovery.MDNSService, c.cfg.Discovery.MDNSTimeout)
		if err != nil {
			return proto.BrokerHost{}, false, fmt.Errorf("mdns discovery: %w", err)
		}
	} else {
		hosts, err = r.ListBrokers(ctx, t.Directory)
		if err != nil {
			return proto.BrokerHost{}, false, err
		}
	}
	c.log.Info("brokers discovered", logging.F("count", len(hosts)), logging.F("source", t.String()))

	host, err := r.SelectBroker(ctx, hosts, c.opts.Request)
	if err != nil {
		return proto.BrokerHost{}, false, err
	}
	return host, true, nil
}

// connectionOptions configures the persistent control connection. Probe
// connections use the resolver's own options without keepalive.
func (c *Client) connectionOptions() connectionmgr.Options {
	return connectionmgr.Options{
		ConnectTimeout:     c.cfg.Connection.ConnectTimeout,
		KeepAlive:          true,
		IdleHeartbeat:      c.cfg.Connection.IdleHeartbeat,
		WriteHighWatermark: c.cfg.Connection.WriteHighWatermark,
		WriteLowWatermark:  c.cfg.Connection.WriteLowWatermark,
		MaxFrameSize:       c.cfg.Connection.MaxFrameSize,
		Logger:             c.opts.Logger,
	}
}
