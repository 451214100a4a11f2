package connectionmgr

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rjboer/gochnlzr/internal/proto"
)

func newPipeManager(t *testing.T, opts Options) (*Manager, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	m := New(local, opts)
	t.Cleanup(func() {
		_ = m.Close()
		_ = remote.Close()
	})
	return m, remote
}

func TestSendReceiveSkipsHeartbeats(t *testing.T) {
	m, remote := newPipeManager(t, Options{})

	go func() {
		_ = proto.WriteMessage(remote, proto.NewHeartbeat())
		_ = proto.WriteMessage(remote, proto.NewChannelState(48_000, 101e6))
	}()

	msg, err := m.Receive()
	require.NoError(t, err)
	require.Equal(t, proto.TypeChannelState, msg.Type)
	assert.Equal(t, int64(48_000), msg.ChannelState.SampleRate)

	require.NoError(t, m.Send(context.Background(), proto.NewMultiplexRequest(7)))
	got, err := proto.ReadMessage(remote, 0)
	require.NoError(t, err)
	require.Equal(t, proto.TypeMultiplexRequest, got.Type)
	assert.Equal(t, uint64(7), got.MultiplexRequest.GrantID)
}

func TestReceiveRemoteClose(t *testing.T) {
	m, remote := newPipeManager(t, Options{})
	require.NoError(t, remote.Close())

	_, err := m.Receive()
	assert.ErrorIs(t, err, io.EOF)
}

func TestIdleHeartbeat(t *testing.T) {
	_, remote := newPipeManager(t, Options{IdleHeartbeat: 20 * time.Millisecond})

	require.NoError(t, remote.SetReadDeadline(time.Now().Add(2*time.Second)))
	msg, err := proto.ReadMessage(remote, 0)
	require.NoError(t, err)
	assert.Equal(t, proto.TypeHeartbeat, msg.Type)
}

func TestCloseIsIdempotent(t *testing.T) {
	m, _ := newPipeManager(t, Options{IdleHeartbeat: time.Hour})

	require.NoError(t, m.Close())
	assert.NoError(t, m.Close())

	select {
	case <-m.Done():
	default:
		t.Fatal("Done not closed after Close")
	}

	_, err := m.Receive()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, m.Send(context.Background(), proto.NewHeartbeat()), ErrClosed)
}

func TestSendRejectsInvalidMessage(t *testing.T) {
	m, _ := newPipeManager(t, Options{})
	err := m.Send(context.Background(), &proto.Message{Type: proto.TypeChannelResponse})
	assert.ErrorIs(t, err, proto.ErrMalformedMessage)
}

func TestWriteWatermarks(t *testing.T) {
	m, remote := newPipeManager(t, Options{WriteHighWatermark: 100, WriteLowWatermark: 50})

	// Nothing reads the pipe, so the writer stalls and frames accumulate.
	for i := 0; m.Writable(); i++ {
		require.Less(t, i, 50, "never crossed the high watermark")
		require.NoError(t, m.Send(context.Background(), proto.NewChannelState(48_000, 101e6)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	err := m.Send(ctx, proto.NewHeartbeat())
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	drained := make(chan struct{})
	go func() {
		defer close(drained)
		r := bufio.NewReader(remote)
		for {
			if _, err := proto.ReadMessage(r, 0); err != nil {
				return
			}
		}
	}()

	ctx2, cancel2 := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel2()
	require.NoError(t, m.Send(ctx2, proto.NewHeartbeat()))
	assert.Eventually(t, m.Writable, time.Second, 5*time.Millisecond)

	require.NoError(t, m.Close())
	<-drained
}

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassifyDialError(t *testing.T) {
	err := classifyDialError("h:1", &net.OpError{Op: "dial", Net: "tcp", Err: timeoutErr{}})
	assert.ErrorIs(t, err, ErrConnectTimeout)

	err = classifyDialError("h:1", context.DeadlineExceeded)
	assert.ErrorIs(t, err, ErrConnectTimeout)

	refused := errors.New("connection refused")
	err = classifyDialError("h:1", refused)
	assert.ErrorIs(t, err, refused)
	assert.NotErrorIs(t, err, ErrConnectTimeout)
}

func TestDialLoopback(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	go func() {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		_ = proto.WriteMessage(c, proto.NewChannelResponse(0, 11))
	}()

	m, err := Dial(context.Background(), ln.Addr().String(), Options{ConnectTimeout: time.Second, KeepAlive: true})
	require.NoError(t, err)
	defer m.Close()

	msg, err := m.Receive()
	require.NoError(t, err)
	assert.Equal(t, uint64(11), msg.ChannelResponse.ChannelID)
}

var errBrokenWrite = errors.New("broken pipe")

// brokenWriteConn reads normally but fails every write.
type brokenWriteConn struct{ net.Conn }

func (brokenWriteConn) Write([]byte) (int, error) { return 0, errBrokenWrite }

func TestWriteFailureSurfacesThroughReceive(t *testing.T) {
	local, remote := net.Pipe()
	m := New(brokenWriteConn{local}, Options{})
	t.Cleanup(func() {
		_ = m.Close()
		_ = remote.Close()
	})

	require.NoError(t, m.Send(context.Background(), proto.NewMultiplexRequest(7)))

	_, err := m.Receive()
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, err, errBrokenWrite)
	assert.ErrorIs(t, m.Cause(), errBrokenWrite)

	err = m.Send(context.Background(), proto.NewMultiplexRequest(8))
	assert.ErrorIs(t, err, errBrokenWrite)
}
