// Package ipc implements the request/reply endpoints other processes use to
// talk to the discoverer and the proxy-group manager. Messages are framed as
// a little-endian u32 payload length, a u32 message code, and the payload.
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// maxFrameSize bounds a single message payload.
const maxFrameSize = 64 << 20

// ErrTimeout is returned by Service.Recv when no message arrived in time.
var ErrTimeout = errors.New("ipc: receive timeout")

// Message is one framed IPC message.
type Message struct {
	Code uint32
	Data []byte
}

func writeFrame(w io.Writer, code uint32, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("ipc: frame too large: %d bytes", len(data))
	}
	hdr := make([]byte, 8, 8+len(data))
	binary.LittleEndian.PutUint32(hdr[0:], uint32(len(data)))
	binary.LittleEndian.PutUint32(hdr[4:], code)
	_, err := w.Write(append(hdr, data...))
	return err
}

func readFrame(r io.Reader) (*Message, error) {
	var hdr [8]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(hdr[0:])
	if size > maxFrameSize {
		return nil, fmt.Errorf("ipc: frame too large: %d bytes", size)
	}
	msg := &Message{
		Code: binary.LittleEndian.Uint32(hdr[4:]),
		Data: make([]byte, size),
	}
	if _, err := io.ReadFull(r, msg.Data); err != nil {
		return nil, fmt.Errorf("ipc: torn frame: %w", err)
	}
	return msg, nil
}

// Client is the service-side handle of a connected peer. Replies go back on
// the same connection.
type Client struct {
	conn net.Conn
	mu   sync.Mutex
}

// Send writes a reply frame to the peer.
func (c *Client) Send(code uint32, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return writeFrame(c.conn, code, data)
}

type envelope struct {
	client *Client
	msg    *Message
}

// Service accepts connections on a unix domain socket and funnels all
// received messages into a single receive channel, preserving the
// one-receiver-thread model of the IPC endpoints.
type Service struct {
	path     string
	listener net.Listener
	logger   *zap.Logger

	inbox  chan envelope
	closed chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
}

// NewService binds the unix socket at path and starts accepting clients.
// A stale socket file from a previous run is removed first.
func NewService(path string, logger *zap.Logger) (*Service, error) {
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("remove stale socket %q: %w", path, err)
	}

	listener, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %q: %w", path, err)
	}

	s := &Service{
		path:     path,
		listener: listener,
		logger:   logger,
		inbox:    make(chan envelope, 128),
		closed:   make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	return s, nil
}

// Path returns the socket path the service is bound to.
func (s *Service) Path() string { return s.path }

func (s *Service) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.closed:
				return
			default:
			}
			s.logger.Warn("ipc accept failed", zap.Error(err))
			continue
		}

		client := &Client{conn: conn}
		s.wg.Add(1)
		go s.readLoop(client)
	}
}

func (s *Service) readLoop(client *Client) {
	defer s.wg.Done()
	defer client.conn.Close()

	for {
		msg, err := readFrame(client.conn)
		if err != nil {
			if err != io.EOF && !errors.Is(err, net.ErrClosed) {
				s.logger.Debug("ipc client read failed", zap.Error(err))
			}
			return
		}
		select {
		case s.inbox <- envelope{client: client, msg: msg}:
		case <-s.closed:
			return
		}
	}
}

// Recv waits up to timeout for the next message from any client. Returns
// ErrTimeout when nothing arrived.
func (s *Service) Recv(timeout time.Duration) (*Client, *Message, error) {
	if timeout <= 0 {
		select {
		case env := <-s.inbox:
			return env.client, env.msg, nil
		default:
			return nil, nil, ErrTimeout
		}
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-s.inbox:
		return env.client, env.msg, nil
	case <-timer.C:
		return nil, nil, ErrTimeout
	case <-s.closed:
		return nil, nil, net.ErrClosed
	}
}

// Close stops the service and removes the socket file.
func (s *Service) Close() error {
	var err error
	s.once.Do(func() {
		close(s.closed)
		err = s.listener.Close()
		s.wg.Wait()
		os.Remove(s.path)
	})
	return err
}

// Conn is a client-side connection to an IPC service.
type Conn struct {
	conn net.Conn
}

// Dial connects to the service socket at path.
func Dial(path string, timeout time.Duration) (*Conn, error) {
	conn, err := net.DialTimeout("unix", path, timeout)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", path, err)
	}
	return &Conn{conn: conn}, nil
}

// Send writes one message frame.
func (c *Conn) Send(code uint32, data []byte) error {
	return writeFrame(c.conn, code, data)
}

// Recv reads one message frame, waiting at most timeout.
func (c *Conn) Recv(timeout time.Duration) (*Message, error) {
	if timeout > 0 {
		if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
			return nil, err
		}
		defer c.conn.SetReadDeadline(time.Time{})
	}
	return readFrame(c.conn)
}

// Close closes the connection.
func (c *Conn) Close() error {
	return c.conn.Close()
}
