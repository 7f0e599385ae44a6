package client

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"
)

// Dialer opens the raw byte stream to the embedding host.
type Dialer interface {
	Dial(ctx context.Context) (io.ReadWriteCloser, error)
}

// DialerFunc adapts a function to the Dialer interface.
type DialerFunc func(ctx context.Context) (io.ReadWriteCloser, error)

// Dial calls f(ctx).
func (f DialerFunc) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	return f(ctx)
}

// NetDialer connects to a host listening on a tcp or unix socket.
type NetDialer struct {
	Network string
	Address string
	Timeout time.Duration
}

// Dial opens the socket.
func (d *NetDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	network := d.Network
	if network == "" {
		network = "unix"
	}
	if network != "unix" && network != "tcp" {
		return nil, fmt.Errorf("unsupported network %q", network)
	}
	if d.Address == "" {
		return nil, fmt.Errorf("host address is required")
	}

	nd := net.Dialer{Timeout: d.Timeout}
	conn, err := nd.DialContext(ctx, network, d.Address)
	if err != nil {
		return nil, fmt.Errorf("failed to dial %s %s: %w", network, d.Address, err)
	}
	return conn, nil
}

// StdioDialer speaks to the host over the process's standard streams. This
// is the transport used when the host spawns the plugin as a child process.
//
// The streams outlive any single connection: closing a dialed stream only
// detaches it, so a later Dial can retry the handshake on the same pipes.
// A single pump goroutine owns reads from In for the dialer's lifetime.
type StdioDialer struct {
	In  io.Reader
	Out io.Writer

	once    sync.Once
	chunks  chan []byte
	readErr error
	wmu     sync.Mutex
}

// NewStdioDialer returns a dialer over os.Stdin and os.Stdout.
func NewStdioDialer() *StdioDialer {
	return &StdioDialer{In: os.Stdin, Out: os.Stdout}
}

// Dial returns a stream over the stdio pair.
func (d *StdioDialer) Dial(ctx context.Context) (io.ReadWriteCloser, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.once.Do(func() {
		d.chunks = make(chan []byte)
		go d.pump()
	})
	return &stdioConn{d: d, closed: make(chan struct{})}, nil
}

func (d *StdioDialer) pump() {
	for {
		buf := make([]byte, 32*1024)
		n, err := d.In.Read(buf)
		if n > 0 {
			d.chunks <- buf[:n]
		}
		if err != nil {
			d.readErr = err
			close(d.chunks)
			return
		}
	}
}

type stdioConn struct {
	d       *StdioDialer
	pending []byte

	closeOnce sync.Once
	closed    chan struct{}
}

func (c *stdioConn) Read(p []byte) (int, error) {
	if len(c.pending) == 0 {
		select {
		case <-c.closed:
			return 0, io.ErrClosedPipe
		default:
		}
		select {
		case <-c.closed:
			return 0, io.ErrClosedPipe
		case chunk, ok := <-c.d.chunks:
			if !ok {
				return 0, c.d.readErr
			}
			c.pending = chunk
		}
	}
	n := copy(p, c.pending)
	c.pending = c.pending[n:]
	return n, nil
}

func (c *stdioConn) Write(p []byte) (int, error) {
	c.d.wmu.Lock()
	defer c.d.wmu.Unlock()
	select {
	case <-c.closed:
		return 0, io.ErrClosedPipe
	default:
	}
	return c.d.Out.Write(p)
}

// Close detaches the stream. The underlying stdio pair stays open.
func (c *stdioConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}
