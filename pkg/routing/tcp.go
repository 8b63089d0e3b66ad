package routing

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/marmos91/fedcore/internal/logger"
	"github.com/marmos91/fedcore/pkg/protocol"
)

// dialTimeout bounds TCP connection establishment.
const dialTimeout = 10 * time.Second

// TCPAdapter backs tcp:// endpoints with one connection per route and one
// read goroutine per accepted connection.
type TCPAdapter struct{}

// NewTCPAdapter creates the TCP transport adapter.
func NewTCPAdapter() *TCPAdapter { return &TCPAdapter{} }

func (a *TCPAdapter) Scheme() string { return "tcp" }

// Dial opens an outbound connection.
func (a *TCPAdapter) Dial(address string) (Channel, error) {
	conn, err := net.DialTimeout("tcp", address, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectionFailure, err)
	}
	return &tcpChannel{conn: conn}, nil
}

type tcpChannel struct {
	mu   sync.Mutex
	conn net.Conn
}

func (c *tcpChannel) Send(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, err := c.conn.Write(frame); err != nil {
		return fmt.Errorf("%w: write: %v", ErrConnectionFailure, err)
	}
	return nil
}

func (c *tcpChannel) Close() error { return c.conn.Close() }

// Listen binds the address and serves inbound connections until closed. Each
// connection gets its own read goroutine; frames are handed to recv in
// arrival order per connection, which preserves the per-route FIFO contract.
func (a *TCPAdapter) Listen(address string, recv ReceiveFunc) (Listener, error) {
	ln, err := net.Listen("tcp", address)
	if err != nil {
		return nil, fmt.Errorf("%w: listen %s: %v", ErrConnectionFailure, address, err)
	}
	l := &tcpListener{ln: ln, recv: recv, done: make(chan struct{})}
	go l.acceptLoop()
	return l, nil
}

type tcpListener struct {
	ln   net.Listener
	recv ReceiveFunc

	mu    sync.Mutex
	conns []net.Conn
	done  chan struct{}
	once  sync.Once
}

func (l *tcpListener) acceptLoop() {
	for {
		conn, err := l.ln.Accept()
		if err != nil {
			select {
			case <-l.done:
				return
			default:
			}
			logger.Warn("Accept failed", "error", err)
			return
		}
		l.mu.Lock()
		l.conns = append(l.conns, conn)
		l.mu.Unlock()
		go l.readLoop(conn)
	}
}

// readLoop reads length-prefixed frames off one connection. The frame body is
// passed to recv raw; decoding and validation happen in the Receiver.
func (l *tcpListener) readLoop(conn net.Conn) {
	defer conn.Close()
	remote := conn.RemoteAddr().String()
	for {
		var lenBuf [4]byte
		if _, err := io.ReadFull(conn, lenBuf[:]); err != nil {
			if err != io.EOF {
				select {
				case <-l.done:
				default:
					logger.Debug("Connection read ended", "remote", remote, "error", err)
				}
			}
			return
		}
		length := binary.BigEndian.Uint32(lenBuf[:])
		if length > protocol.MaxFrameSize {
			logger.Warn("Oversize frame, closing connection", "remote", remote, "size", length)
			return
		}
		body := make([]byte, length)
		if _, err := io.ReadFull(conn, body); err != nil {
			logger.Debug("Short frame body", "remote", remote, "error", err)
			return
		}
		l.recv(body)
	}
}

func (l *tcpListener) Close() error {
	var err error
	l.once.Do(func() {
		close(l.done)
		err = l.ln.Close()
		l.mu.Lock()
		for _, c := range l.conns {
			_ = c.Close()
		}
		l.mu.Unlock()
	})
	return err
}
