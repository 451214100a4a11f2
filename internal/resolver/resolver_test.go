package resolver

import (
	"context"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/gochnlzr/internal/proto"
	"github.com/rjboer/gochnlzr/internal/spectrum"
)

// fakeBroker accepts connections on loopback and hands each to serve.
type fakeBroker struct {
	host     proto.BrokerHost
	accepted atomic.Int32
}

func startFakeBroker(t *testing.T, serve func(net.Conn)) *fakeBroker {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	fb := &fakeBroker{host: proto.BrokerHost{Hostname: "127.0.0.1", Port: uint16(ln.Addr().(*net.TCPAddr).Port)}}
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			fb.accepted.Add(1)
			go func() {
				defer c.Close()
				serve(c)
			}()
		}
	}()
	return fb
}

func announce(caps ...spectrum.Capability) func(net.Conn) {
	return func(c net.Conn) {
		_ = proto.WriteMessage(c, proto.NewBrokerState(caps, nil))
		_, _ = io.Copy(io.Discard, c)
	}
}

var vhfRequest = spectrum.ChannelRequest{
	Spec:       spectrum.SpecFromEdges(100.5e6, 101.5e6),
	SampleRate: 48_000,
}

func newTestResolver(t *testing.T, probe time.Duration, reg prometheus.Registerer) *Resolver {
	t.Helper()
	r, err := New(Options{ConnectTimeout: time.Second, ProbeTimeout: probe, Registerer: reg})
	require.NoError(t, err)
	return r
}

func TestSelectBrokerStopsAtFirstCapable(t *testing.T) {
	a := startFakeBroker(t, announce(spectrum.Capability{Spec: spectrum.SpecFromEdges(400e6, 450e6)}))
	b := startFakeBroker(t, announce(
		spectrum.Capability{Spec: spectrum.SpecFromEdges(10e6, 20e6)},
		spectrum.Capability{Spec: spectrum.SpecFromEdges(90e6, 110e6)},
	))
	c := startFakeBroker(t, announce(spectrum.Capability{Spec: spectrum.SpecFromEdges(90e6, 110e6)}))

	reg := prometheus.NewRegistry()
	r := newTestResolver(t, time.Second, reg)

	got, err := r.SelectBroker(context.Background(), []proto.BrokerHost{a.host, b.host, c.host}, vhfRequest)
	require.NoError(t, err)
	assert.Equal(t, b.host, got)

	assert.Equal(t, int32(1), a.accepted.Load())
	assert.Equal(t, int32(1), b.accepted.Load())
	assert.Equal(t, int32(0), c.accepted.Load())

	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.probes.WithLabelValues("query", resultIncapable)))
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.probes.WithLabelValues("query", resultCapable)))
}

func TestSelectBrokerNoneCapable(t *testing.T) {
	a := startFakeBroker(t, announce(spectrum.Capability{Spec: spectrum.SpecFromEdges(400e6, 450e6)}))
	r := newTestResolver(t, time.Second, nil)

	_, err := r.SelectBroker(context.Background(), []proto.BrokerHost{a.host}, vhfRequest)
	assert.ErrorIs(t, err, ErrNoCapableBroker)

	_, err = r.SelectBroker(context.Background(), nil, vhfRequest)
	assert.ErrorIs(t, err, ErrNoCapableBroker)
}

func TestQueryCapabilityPolarizationMismatch(t *testing.T) {
	a := startFakeBroker(t, announce(spectrum.Capability{Spec: spectrum.SpecFromEdges(90e6, 110e6), Polarization: 2}))
	r := newTestResolver(t, time.Second, nil)

	req := vhfRequest
	req.Polarization = 1
	ok, err := r.QueryCapability(context.Background(), a.host, req)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestQueryCapabilityTimeoutClosesProbe(t *testing.T) {
	closed := make(chan struct{})
	silent := startFakeBroker(t, func(c net.Conn) {
		_, _ = io.Copy(io.Discard, c)
		close(closed)
	})
	reg := prometheus.NewRegistry()
	r := newTestResolver(t, 50*time.Millisecond, reg)

	started := time.Now()
	ok, err := r.QueryCapability(context.Background(), silent.host, vhfRequest)
	assert.False(t, ok)
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
	assert.Less(t, time.Since(started), 2*time.Second)

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("probe connection left open after timeout")
	}
	assert.Equal(t, 1.0, testutil.ToFloat64(r.metrics.probes.WithLabelValues("query", resultTimeout)))
}

func TestSelectBrokerSkipsTimedOutProbe(t *testing.T) {
	silent := startFakeBroker(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	good := startFakeBroker(t, announce(spectrum.Capability{Spec: spectrum.SpecFromEdges(90e6, 110e6)}))
	r := newTestResolver(t, 50*time.Millisecond, nil)

	got, err := r.SelectBroker(context.Background(), []proto.BrokerHost{silent.host, good.host}, vhfRequest)
	require.NoError(t, err)
	assert.Equal(t, good.host, got)
}

func TestQueryCapabilityClosedWithoutStateIsIncapable(t *testing.T) {
	a := startFakeBroker(t, func(net.Conn) {})
	r := newTestResolver(t, time.Second, nil)

	ok, err := r.QueryCapability(context.Background(), a.host, vhfRequest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestListBrokersIgnoresBrokerState(t *testing.T) {
	want := []proto.BrokerHost{{Hostname: "10.0.0.1", Port: 7001}, {Hostname: "10.0.0.2", Port: 7002}}
	dir := startFakeBroker(t, func(c net.Conn) {
		m, err := proto.ReadMessage(c, 0)
		if err != nil || m.Type != proto.TypeGetBrokerList {
			return
		}
		_ = proto.WriteMessage(c, proto.NewBrokerState(nil, nil))
		_ = proto.WriteMessage(c, proto.NewBrokerList(want))
		_, _ = io.Copy(io.Discard, c)
	})
	r := newTestResolver(t, time.Second, nil)

	got, err := r.ListBrokers(context.Background(), dir.host)
	require.NoError(t, err)
	assert.Equal(t, want, got)
}

func TestListBrokersTimeout(t *testing.T) {
	dir := startFakeBroker(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	r := newTestResolver(t, 50*time.Millisecond, nil)

	_, err := r.ListBrokers(context.Background(), dir.host)
	assert.ErrorIs(t, err, ErrDiscoveryTimeout)
}

func TestResolveThroughDirectory(t *testing.T) {
	b := startFakeBroker(t, announce(spectrum.Capability{Spec: spectrum.SpecFromEdges(90e6, 110e6)}))
	dir := startFakeBroker(t, func(c net.Conn) {
		if _, err := proto.ReadMessage(c, 0); err != nil {
			return
		}
		_ = proto.WriteMessage(c, proto.NewBrokerList([]proto.BrokerHost{b.host}))
	})
	r := newTestResolver(t, time.Second, nil)

	got, err := r.Resolve(context.Background(), dir.host, vhfRequest)
	require.NoError(t, err)
	assert.Equal(t, b.host, got)
}

func TestSelectBrokerHonoursCancellation(t *testing.T) {
	silent := startFakeBroker(t, func(c net.Conn) { _, _ = io.Copy(io.Discard, c) })
	r := newTestResolver(t, 5*time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := r.SelectBroker(ctx, []proto.BrokerHost{silent.host, silent.host}, vhfRequest)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, int32(1), silent.accepted.Load())
}

func TestListBrokersClosedWithoutListIsNoCapableBroker(t *testing.T) {
	dir := startFakeBroker(t, func(c net.Conn) {
		_, _ = proto.ReadMessage(c, 0)
	})
	r := newTestResolver(t, time.Second, nil)

	hosts, err := r.ListBrokers(context.Background(), dir.host)
	require.NoError(t, err)
	assert.Empty(t, hosts)

	_, err = r.Resolve(context.Background(), dir.host, vhfRequest)
	assert.ErrorIs(t, err, ErrNoCapableBroker)
}
