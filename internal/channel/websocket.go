package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/specialistvlad/pmigo/internal/failure"
	"github.com/specialistvlad/pmigo/internal/invocation"
	"golang.org/x/sync/errgroup"
)

// HandshakeTimeout bounds how long a connecting worker may take to introduce
// itself.
const HandshakeTimeout = 10 * time.Second

// Server is the controller's websocket transport. Workers connect to it and
// introduce themselves with a Hello frame; the job starts once every rank is
// connected. Server implements http.Handler.
type Server struct {
	size     int
	jobID    string
	codec    invocation.Codec
	logger   *slog.Logger
	upgrader websocket.Upgrader

	mu        sync.Mutex
	conns     []*wsConn
	connected int
	ready     chan struct{}

	replies   chan Inbound
	closing   atomic.Bool
	closed    chan struct{}
	closeOnce sync.Once
	httpSrv   *http.Server
}

type wsConn struct {
	rank    int
	conn    *websocket.Conn
	writeMu sync.Mutex
	dead    atomic.Bool
}

// NewServer creates a transport that waits for size workers of job jobID.
func NewServer(size int, jobID string, codec invocation.Codec, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		size:   size,
		jobID:  jobID,
		codec:  codec,
		logger: logger.With("component", "channel", "transport", "websocket"),
		upgrader: websocket.Upgrader{
			HandshakeTimeout: HandshakeTimeout,
			ReadBufferSize:   64 * 1024,
			WriteBufferSize:  64 * 1024,
		},
		conns:   make([]*wsConn, size),
		ready:   make(chan struct{}),
		replies: make(chan Inbound, DefaultLocalBuffer),
		closed:  make(chan struct{}),
	}
}

// Listen starts serving s on addr in the background. The listener is closed
// together with the transport.
func Listen(ctx context.Context, addr string, s *Server) (net.Addr, error) {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, failure.Transport("listen", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/pmi", s)
	s.httpSrv = &http.Server{Handler: mux, ReadHeaderTimeout: HandshakeTimeout}
	go func() {
		if err := s.httpSrv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("Websocket listener stopped.", "error", err)
		}
	}()
	s.logger.Info("Waiting for workers.", "addr", ln.Addr().String(), "workers", s.size, "job_id", s.jobID)
	return ln.Addr(), nil
}

// ServeHTTP upgrades a worker connection and performs the hello handshake.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("Rejected websocket upgrade.", "remote", r.RemoteAddr, "error", err)
		return
	}

	hello, err := s.readHello(conn)
	if err == nil {
		err = s.register(hello.Rank, conn)
	}
	if err != nil {
		s.logger.Warn("Rejected worker.", "remote", r.RemoteAddr, "error", err)
		msg := websocket.FormatCloseMessage(websocket.ClosePolicyViolation, err.Error())
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	s.logger.Info("Worker connected.", "rank", hello.Rank, "remote", r.RemoteAddr)
}

func (s *Server) readHello(conn *websocket.Conn) (invocation.Hello, error) {
	if err := conn.SetReadDeadline(time.Now().Add(HandshakeTimeout)); err != nil {
		return invocation.Hello{}, err
	}
	_, frame, err := conn.ReadMessage()
	if err != nil {
		return invocation.Hello{}, fmt.Errorf("reading hello: %w", err)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		return invocation.Hello{}, err
	}
	hello, err := s.codec.DecodeHello(frame)
	if err != nil {
		return invocation.Hello{}, err
	}
	if hello.JobID != s.jobID {
		return invocation.Hello{}, fmt.Errorf("job id %q does not match %q", hello.JobID, s.jobID)
	}
	if hello.Rank < 0 || hello.Rank >= s.size {
		return invocation.Hello{}, fmt.Errorf("rank %d is outside the job (0..%d)", hello.Rank, s.size-1)
	}
	return hello, nil
}

func (s *Server) register(rank int, conn *websocket.Conn) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	select {
	case <-s.ready:
		return errors.New("job already started")
	default:
	}
	if s.conns[rank] != nil {
		return fmt.Errorf("rank %d is already connected", rank)
	}

	wc := &wsConn{rank: rank, conn: conn}
	s.conns[rank] = wc
	s.connected++
	go s.readLoop(wc)
	if s.connected == s.size {
		close(s.ready)
	}
	return nil
}

func (s *Server) readLoop(wc *wsConn) {
	for {
		_, frame, err := wc.conn.ReadMessage()
		if err != nil {
			if s.closing.Load() {
				return
			}
			s.lost(wc, err)
			return
		}
		select {
		case s.replies <- Inbound{Rank: wc.rank, Frame: frame}:
		case <-s.closed:
			return
		}
	}
}

// lost reports a dropped worker once, as a transport failure from its rank.
func (s *Server) lost(wc *wsConn, err error) {
	if !wc.dead.CompareAndSwap(false, true) {
		return
	}
	s.logger.Warn("Worker connection lost.", "rank", wc.rank, "error", err)
	select {
	case s.replies <- Inbound{Rank: wc.rank, Err: failure.Transport("connection", err)}:
	case <-s.closed:
	}
}

// WaitReady blocks until every rank has connected.
func (s *Server) WaitReady(ctx context.Context) error {
	select {
	case <-s.ready:
		return nil
	case <-s.closed:
		return failure.Transport("accept", ErrClosed)
	case <-ctx.Done():
		s.mu.Lock()
		n := s.connected
		s.mu.Unlock()
		return fmt.Errorf("waiting for workers (%d of %d connected): %w", n, s.size, ctx.Err())
	}
}

func (s *Server) Size() int {
	return s.size
}

// Broadcast writes frame to every live connection in parallel. A failed
// write marks the connection dead and is reported through Replies.
func (s *Server) Broadcast(ctx context.Context, frame []byte) error {
	select {
	case <-s.ready:
	default:
		return failure.Transport("broadcast", errors.New("not every worker is connected"))
	}
	select {
	case <-s.closed:
		return failure.Transport("broadcast", ErrClosed)
	default:
	}

	deadline, _ := ctx.Deadline()
	var g errgroup.Group
	for _, wc := range s.conns {
		if wc.dead.Load() {
			continue
		}
		g.Go(func() error {
			wc.writeMu.Lock()
			defer wc.writeMu.Unlock()
			if err := wc.conn.SetWriteDeadline(deadline); err != nil {
				s.lost(wc, err)
				return nil
			}
			if err := wc.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				s.lost(wc, err)
			}
			return nil
		})
	}
	return g.Wait()
}

func (s *Server) Replies() <-chan Inbound {
	return s.replies
}

// Close says goodbye to every worker and stops the listener, if any.
func (s *Server) Close() error {
	s.closeOnce.Do(func() {
		s.closing.Store(true)
		close(s.closed)

		s.mu.Lock()
		conns := append([]*wsConn(nil), s.conns...)
		s.mu.Unlock()

		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "job finished")
		for _, wc := range conns {
			if wc == nil {
				continue
			}
			wc.writeMu.Lock()
			_ = wc.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
			_ = wc.conn.Close()
			wc.writeMu.Unlock()
		}
		if s.httpSrv != nil {
			ctx, cancel := context.WithTimeout(context.Background(), time.Second)
			defer cancel()
			_ = s.httpSrv.Shutdown(ctx)
		}
	})
	return nil
}

// Client is a worker's websocket endpoint.
type Client struct {
	rank    int
	conn    *websocket.Conn
	writeMu sync.Mutex
}

// Dial connects to the controller at url and introduces the worker.
func Dial(ctx context.Context, url string, hello invocation.Hello, codec invocation.Codec) (*Client, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: HandshakeTimeout,
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, failure.Transport("dial", err)
	}
	frame, err := codec.EncodeHello(hello)
	if err != nil {
		_ = conn.Close()
		return nil, err
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		_ = conn.Close()
		return nil, failure.Transport("hello", err)
	}
	return &Client{rank: hello.Rank, conn: conn}, nil
}

func (c *Client) Rank() int {
	return c.rank
}

// Receive blocks until the next frame arrives. A normal close from the
// controller is reported as ErrClosed.
func (c *Client) Receive(ctx context.Context) ([]byte, error) {
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetReadDeadline(time.Now())
	})
	defer stop()

	_, frame, err := c.conn.ReadMessage()
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
			return nil, failure.Transport("receive", ErrClosed)
		}
		return nil, failure.Transport("receive", err)
	}
	return frame, nil
}

func (c *Client) Reply(ctx context.Context, frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	deadline, _ := ctx.Deadline()
	if err := c.conn.SetWriteDeadline(deadline); err != nil {
		return failure.Transport("reply", err)
	}
	if err := c.conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		return failure.Transport("reply", err)
	}
	return nil
}

func (c *Client) Close() error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.conn.Close()
}
