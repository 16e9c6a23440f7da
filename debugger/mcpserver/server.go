// Copyright © 2018 The ELPS authors

// Package mcpserver exposes the debugger to Model Context Protocol
// clients. Every debugger operation is a tool whose result is JSON text:
//
// Inspection:
//   - list_threads, stack_trace, scopes, variables, evaluate
//   - exception_details, list_breakpoint_locations, recent_events
//
// Control:
//   - set_breakpoints, set_break_on_exceptions, set_variable
//   - pause, continue, step_over, step_in, step_out, resume_all
package mcpserver

import (
	"sync"

	"github.com/google/uuid"
	"github.com/mark3labs/mcp-go/server"
	"github.com/sirupsen/logrus"

	"github.com/luthersystems/svcdbg/debugger"
)

// DefaultEventHistory is the number of notifications kept for
// recent_events.
const DefaultEventHistory = 256

// Server wraps an MCP server around a debugger.
type Server struct {
	d         *debugger.Debugger
	mcpServer *server.MCPServer
	log       *logrus.Entry
	version   string
	history   int

	handlers map[string]server.ToolHandlerFunc

	mu     sync.Mutex
	ring   *eventRing
	cancel func()
}

// Option configures a Server.
type Option func(*Server)

// WithVersion sets the version reported to MCP clients.
func WithVersion(v string) Option {
	return func(s *Server) { s.version = v }
}

// WithEventHistory sets how many notifications recent_events can return.
func WithEventHistory(n int) Option {
	return func(s *Server) {
		if n > 0 {
			s.history = n
		}
	}
}

// New creates an MCP server for d. The server counts as an attached
// client from Start until Close.
func New(d *debugger.Debugger, opts ...Option) *Server {
	s := &Server{
		d:       d,
		log:     d.Logger().WithField("component", "mcp"),
		version: "dev",
		history: DefaultEventHistory,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ring = newEventRing(s.history)
	s.mcpServer = server.NewMCPServer(
		"svcdbg",
		s.version,
		server.WithToolCapabilities(true),
		server.WithRecovery(),
	)
	s.registerTools()
	return s
}

// MCPServer returns the underlying protocol server.
func (s *Server) MCPServer() *server.MCPServer { return s.mcpServer }

// Start attaches the server to the debugger and begins recording
// notifications. Start is idempotent.
func (s *Server) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	s.cancel = s.d.Subscribe(s.ring.add)
	s.d.ConnectDebugger()
	s.log = s.log.WithField("client", uuid.New().String())
	s.log.Info("mcp client attached")
}

// Close detaches the server from the debugger.
func (s *Server) Close() {
	s.mu.Lock()
	cancel, log := s.cancel, s.log
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	s.d.DisconnectDebugger()
	log.Info("mcp client detached")
}

// ServeStdio attaches to the debugger and serves MCP over stdin and
// stdout until the client goes away.
func (s *Server) ServeStdio() error {
	s.Start()
	defer s.Close()
	return server.ServeStdio(s.mcpServer)
}
