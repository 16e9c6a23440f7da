// Copyright © 2018 The ELPS authors

// Package dapserver serves the debugger over the Debug Adapter Protocol.
//
// The server supports two transport modes:
//   - TCP: the host listens on an address and every accepted connection
//     becomes an attached client.
//   - Stdio: for editors that launch the adapter as a child process and
//     talk to it over stdin and stdout.
//
// The host process is always running, so clients attach; launch requests
// are refused.
package dapserver

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/google/go-dap"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/luthersystems/svcdbg/debugger"
	"github.com/luthersystems/svcdbg/debugger/events"
)

// eventQueueSize bounds the notifications buffered for a slow client.
const eventQueueSize = 1024

// Server is a DAP server for one debugger.
type Server struct {
	d          *debugger.Debugger
	log        *logrus.Entry
	sourceRoot string

	wg sync.WaitGroup
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger. The debugger's logger is used by
// default.
func WithLogger(logger *logrus.Logger) Option {
	return func(s *Server) {
		s.log = logger.WithField("component", "dap")
	}
}

// WithSourceRoot resolves relative source paths in stack frames against
// dir so clients can open the files.
func WithSourceRoot(dir string) Option {
	return func(s *Server) {
		s.sourceRoot = dir
	}
}

// New creates a server for d.
func New(d *debugger.Debugger, opts ...Option) *Server {
	s := &Server{
		d:   d,
		log: d.Logger().WithField("component", "dap"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServeConn serves DAP messages on a single connection. It blocks until
// the connection is closed or the client disconnects.
func (s *Server) ServeConn(conn io.ReadWriteCloser) error {
	c := newConnection(s, conn, conn)
	defer conn.Close() //nolint:errcheck // best-effort cleanup
	return c.serve()
}

// ServeStdio serves DAP messages on the given reader and writer,
// typically os.Stdin and os.Stdout.
func (s *Server) ServeStdio(r io.Reader, w io.Writer) error {
	return newConnection(s, r, w).serve()
}

// ServeTCP listens on addr and serves clients until ctx is done.
func (s *Server) ServeTCP(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	return s.ServeListener(ctx, ln)
}

// ServeListener accepts connections from ln until ctx is done, serving
// each on its own goroutine. When ctx is done open connections are closed,
// which detaches their clients, and ServeListener returns once they have
// finished.
func (s *Server) ServeListener(ctx context.Context, ln net.Listener) error {
	s.log.WithField("addr", ln.Addr().String()).Info("dap server listening")
	var (
		mu    sync.Mutex
		conns = make(map[net.Conn]struct{})
	)
	stop := context.AfterFunc(ctx, func() {
		ln.Close() //nolint:errcheck,gosec
		mu.Lock()
		defer mu.Unlock()
		for conn := range conns {
			conn.Close() //nolint:errcheck,gosec
		}
	})
	defer stop()
	defer s.wg.Wait()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		mu.Lock()
		if ctx.Err() != nil {
			mu.Unlock()
			conn.Close() //nolint:errcheck,gosec
			return nil
		}
		conns[conn] = struct{}{}
		mu.Unlock()
		s.log.WithField("remote", conn.RemoteAddr().String()).Info("dap client accepted")
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() {
				mu.Lock()
				delete(conns, conn)
				mu.Unlock()
			}()
			if err := s.ServeConn(conn); err != nil {
				s.log.WithError(err).Warn("dap connection failed")
			}
		}()
	}
}

// connection is one attached client.
type connection struct {
	id     string
	s      *Server
	d      *debugger.Debugger
	log    *logrus.Entry
	reader *bufio.Reader

	wmu    sync.Mutex
	writer io.Writer
	seq    int

	events chan dap.Message
	done   chan struct{}
	once   sync.Once

	mu        sync.Mutex
	attached  bool
	detach    sync.Once
	frameTids map[int]int
}

func newConnection(s *Server, r io.Reader, w io.Writer) *connection {
	id := uuid.New().String()
	return &connection{
		id:        id,
		s:         s,
		d:         s.d,
		log:       s.log.WithField("conn", id),
		reader:    bufio.NewReader(r),
		writer:    w,
		events:    make(chan dap.Message, eventQueueSize),
		done:      make(chan struct{}),
		frameTids: make(map[int]int),
	}
}

func (c *connection) serve() error {
	cancel := c.d.Subscribe(c.notify)
	defer cancel()
	defer c.disconnect()
	defer c.close()
	go c.pump()

	for {
		msg, err := dap.ReadProtocolMessage(c.reader)
		var fieldErr *dap.DecodeProtocolMessageFieldError
		if errors.As(err, &fieldErr) {
			c.log.WithError(err).Debug("undecodable dap message")
			if fieldErr.SubType == "request" {
				c.sendError(dap.Request{
					ProtocolMessage: dap.ProtocolMessage{Seq: fieldErr.Seq},
					Command:         fieldErr.FieldValue,
				}, fmt.Sprintf("unsupported request %q", fieldErr.FieldValue))
			}
			continue
		}
		if err != nil {
			select {
			case <-c.done:
				return nil
			default:
			}
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) {
				c.log.Debug("dap client went away")
				return nil
			}
			return err
		}
		c.handle(msg)
		select {
		case <-c.done:
			return nil
		default:
		}
	}
}

// notify runs on the goroutine emitting the event and never blocks.
func (c *connection) notify(m events.Message) {
	c.mu.Lock()
	attached := c.attached
	c.mu.Unlock()
	if !attached {
		return
	}
	msg := c.translateEvent(m)
	if msg == nil {
		return
	}
	select {
	case c.events <- msg:
	case <-c.done:
	default:
		c.log.WithField("event", m.EventName()).Warn("dap event queue full; dropping event")
	}
}

// pump writes queued events until the connection closes.
func (c *connection) pump() {
	for {
		select {
		case msg := <-c.events:
			c.send(msg)
		case <-c.done:
			return
		}
	}
}

// send stamps msg with the next sequence number and writes it.
func (c *connection) send(msg dap.Message) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.seq++
	setSeq(msg, c.seq)
	if err := dap.WriteProtocolMessage(c.writer, msg); err != nil {
		c.log.WithError(err).Debug("dap send failed")
	}
}

// connect counts the client as attached to the debugger.
func (c *connection) connect() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached {
		return
	}
	c.attached = true
	c.d.ConnectDebugger()
	c.log.Info("dap client attached")
}

// disconnect detaches the client at most once.
func (c *connection) disconnect() {
	c.mu.Lock()
	attached := c.attached
	c.mu.Unlock()
	if !attached {
		return
	}
	c.detach.Do(func() {
		c.d.DisconnectDebugger()
		c.log.Info("dap client detached")
	})
}

func (c *connection) close() {
	c.once.Do(func() { close(c.done) })
}
