package connectionmgr

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rjboer/gochnlzr/internal/logging"
	"github.com/rjboer/gochnlzr/internal/proto"
)

var (
	ErrConnectTimeout = errors.New("connect timeout")
	ErrClosed         = errors.New("connection closed")
)

const outboundQueueLen = 64

// Options configures a managed connection.
type Options struct {
	ConnectTimeout time.Duration
	KeepAlive      bool
	// IdleHeartbeat sends a HEARTBEAT after this long without reads or writes.
	// Zero disables it.
	IdleHeartbeat time.Duration
	// Send blocks once more than WriteHighWatermark bytes are queued and resumes
	// when the queue drains below WriteLowWatermark. Zero disables the limit.
	WriteHighWatermark int
	WriteLowWatermark  int
	MaxFrameSize       int
	Logger             logging.Logger
}

// Manager owns one framed control connection: a single reader (the caller of
// Receive) and a writer goroutine draining the outbound queue.
type Manager struct {
	opts   Options
	conn   net.Conn
	reader *bufio.Reader
	log    logging.Logger

	mu         sync.Mutex
	pending    int
	writable   bool
	writableCh chan struct{} // closed while writable

	outbound     chan []byte
	lastActivity atomic.Int64

	closeOnce sync.Once
	closed    chan struct{}
	cause     atomic.Value // error
	wg        sync.WaitGroup
}

// ---------- Construction / lifecycle ----------

// Dial connects to addr and starts managing the connection.
func Dial(ctx context.Context, addr string, opts Options) (*Manager, error) {
	d := net.Dialer{Timeout: opts.ConnectTimeout, KeepAlive: -1}
	if opts.KeepAlive {
		d.KeepAlive = 0
	}
	c, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, classifyDialError(addr, err)
	}
	return New(c, opts), nil
}

func classifyDialError(addr string, err error) error {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return fmt.Errorf("%w: %s: %v", ErrConnectTimeout, addr, err)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %s: %v", ErrConnectTimeout, addr, err)
	}
	return fmt.Errorf("connect to %s: %w", addr, err)
}

// New wraps an established connection (tests inject net.Pipe ends here).
func New(conn net.Conn, opts Options) *Manager {
	if opts.MaxFrameSize <= 0 {
		opts.MaxFrameSize = proto.DefaultMaxFrameSize
	}
	if opts.WriteLowWatermark > opts.WriteHighWatermark {
		opts.WriteLowWatermark = opts.WriteHighWatermark
	}
	m := &Manager{
		opts:       opts,
		conn:       conn,
		reader:     bufio.NewReader(conn),
		log:        logging.OrDefault(opts.Logger).With(logging.F("remote", conn.RemoteAddr().String())),
		writable:   true,
		writableCh: make(chan struct{}),
		outbound:   make(chan []byte, outboundQueueLen),
		closed:     make(chan struct{}),
	}
	close(m.writableCh)
	m.touch()

	m.wg.Add(1)
	go m.writeLoop()
	if opts.IdleHeartbeat > 0 {
		m.wg.Add(1)
		go m.heartbeatLoop()
	}
	return m
}

// Close tears the connection down. It is safe to call more than once.
func (m *Manager) Close() error {
	err := m.shutdown(nil)
	m.wg.Wait()
	return err
}

// Done is closed once the connection has been torn down.
func (m *Manager) Done() <-chan struct{} { return m.closed }

// Cause returns the write-side failure that closed the connection, if any.
func (m *Manager) Cause() error {
	if err, ok := m.cause.Load().(error); ok {
		return err
	}
	return nil
}

func (m *Manager) RemoteAddr() net.Addr { return m.conn.RemoteAddr() }

// Writable reports whether Send would currently proceed without waiting.
func (m *Manager) Writable() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.writable
}

func (m *Manager) shutdown(cause error) error {
	var err error
	m.closeOnce.Do(func() {
		if cause != nil {
			m.cause.Store(cause)
		}
		close(m.closed)
		err = m.conn.Close()
	})
	return err
}

// closedErr is ErrClosed, carrying the write failure that closed the
// connection when there was one.
func (m *Manager) closedErr() error {
	if cause := m.Cause(); cause != nil {
		return fmt.Errorf("%w: %w", ErrClosed, cause)
	}
	return ErrClosed
}

func (m *Manager) isClosed() bool {
	select {
	case <-m.closed:
		return true
	default:
		return false
	}
}

func (m *Manager) touch() { m.lastActivity.Store(time.Now().UnixNano()) }

// ---------- Reading ----------

// Receive returns the next non-heartbeat message. A remote close yields io.EOF;
// a local Close yields ErrClosed, wrapping the write failure if one caused it.
func (m *Manager) Receive() (*proto.Message, error) {
	for {
		msg, err := proto.ReadMessage(m.reader, m.opts.MaxFrameSize)
		if err != nil {
			if m.isClosed() {
				return nil, m.closedErr()
			}
			return nil, err
		}
		m.touch()
		if msg.Type == proto.TypeHeartbeat {
			m.log.Debug("heartbeat received")
			continue
		}
		return msg, nil
	}
}

// ---------- Writing ----------

// Send queues msg for the writer, waiting while the queue is above the high
// watermark.
func (m *Manager) Send(ctx context.Context, msg *proto.Message) error {
	frame, err := proto.MarshalFrame(msg)
	if err != nil {
		return err
	}
	if err := m.waitWritable(ctx); err != nil {
		return err
	}

	m.mu.Lock()
	m.pending += len(frame)
	if m.opts.WriteHighWatermark > 0 && m.writable && m.pending > m.opts.WriteHighWatermark {
		m.writable = false
		m.writableCh = make(chan struct{})
	}
	m.mu.Unlock()

	select {
	case m.outbound <- frame:
		return nil
	case <-m.closed:
		return m.closedErr()
	case <-ctx.Done():
		m.release(len(frame))
		return ctx.Err()
	}
}

func (m *Manager) waitWritable(ctx context.Context) error {
	m.mu.Lock()
	ch := m.writableCh
	m.mu.Unlock()

	select {
	case <-m.closed:
		return m.closedErr()
	default:
	}
	select {
	case <-ch:
		return nil
	case <-m.closed:
		return m.closedErr()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (m *Manager) release(n int) {
	m.mu.Lock()
	m.pending -= n
	if !m.writable && m.pending <= m.opts.WriteLowWatermark {
		m.writable = true
		close(m.writableCh)
	}
	m.mu.Unlock()
}

func (m *Manager) writeLoop() {
	defer m.wg.Done()
	for {
		select {
		case <-m.closed:
			return
		case frame := <-m.outbound:
			err := m.writeAll(frame)
			m.release(len(frame))
			if err != nil {
				if !m.isClosed() {
					m.log.Warn("write failed, closing connection", logging.Err(err))
				}
				_ = m.shutdown(fmt.Errorf("write: %w", err))
				return
			}
			m.touch()
		}
	}
}

// writeAll writes the full buffer to the socket, handling short writes.
func (m *Manager) writeAll(b []byte) error {
	for len(b) > 0 {
		n, err := m.conn.Write(b)
		if err != nil {
			return err
		}
		b = b[n:]
	}
	return nil
}

func (m *Manager) heartbeatLoop() {
	defer m.wg.Done()
	idle := m.opts.IdleHeartbeat
	t := time.NewTimer(idle)
	defer t.Stop()

	for {
		select {
		case <-m.closed:
			return
		case <-t.C:
			since := time.Since(time.Unix(0, m.lastActivity.Load()))
			if since < idle {
				t.Reset(idle - since)
				continue
			}
			if err := m.Send(context.Background(), proto.NewHeartbeat()); err != nil {
				return
			}
			m.touch()
			t.Reset(idle)
		}
	}
}
