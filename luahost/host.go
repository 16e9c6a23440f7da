// Copyright © 2018 The ELPS authors

// Package luahost runs Lua scripts on debuggable worker threads.
//
// Scripts are parsed and instrumented before compilation: every statement
// is preceded by a checkpoint carrying its breakpoint location id and
// every function reports its entry and exit. Each Worker owns one Lua
// state and runs scripts as debugger services.
package luahost

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"

	"github.com/luthersystems/svcdbg/debugger"
)

// Script is a compiled, instrumented Lua chunk.
type Script struct {
	// Name is the chunk name and the file breakpoints refer to.
	Name string
	// Locations holds one breakpoint location per statement.
	Locations []debugger.Location

	proto *lua.FunctionProto
}

// Host loads scripts and creates workers for one debugger.
type Host struct {
	d         *debugger.Debugger
	log       *logrus.Entry
	scriptLog *logrus.Logger
	eval      *evaluator
	rootDir   string

	mu      sync.RWMutex
	scripts map[string]*Script
}

// Option configures a Host.
type Option func(*Host)

// WithScriptLogger sets the logger behind print and the log module. The
// host adds a hook forwarding its entries to debug clients.
func WithScriptLogger(logger *logrus.Logger) Option {
	return func(h *Host) {
		h.scriptLog = logger
	}
}

// WithRootDir resolves relative script paths against dir.
func WithRootDir(dir string) Option {
	return func(h *Host) {
		h.rootDir = dir
	}
}

// New returns a host for d and installs the Lua evaluator on d. The
// debugger should be created with WithDescriber(Describer{}) so clients
// see Lua values.
func New(d *debugger.Debugger, opts ...Option) *Host {
	h := &Host{
		d:       d,
		log:     d.Logger().WithField("component", "luahost"),
		scripts: make(map[string]*Script),
	}
	for _, opt := range opts {
		opt(h)
	}
	if h.scriptLog == nil {
		base := d.Logger()
		h.scriptLog = logrus.New()
		h.scriptLog.SetOutput(base.Out)
		h.scriptLog.SetFormatter(base.Formatter)
		h.scriptLog.SetLevel(base.GetLevel())
	}
	h.scriptLog.AddHook(debugger.NewLogHook(d))
	h.eval = newEvaluator(logrus.NewEntry(h.scriptLog))
	d.SetEvaluator(h.eval)
	return h
}

// Debugger returns the debugger the host reports to.
func (h *Host) Debugger() *debugger.Debugger { return h.d }

// LoadFile loads a script from disk. The script is named by its absolute
// path.
func (h *Host) LoadFile(file string) (*Script, error) {
	if !filepath.IsAbs(file) && h.rootDir != "" {
		file = filepath.Join(h.rootDir, file)
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return nil, err
	}
	src, err := os.ReadFile(abs)
	if err != nil {
		return nil, err
	}
	return h.LoadString(filepath.ToSlash(abs), string(src))
}

// LoadString loads source as the script name, replacing any script of
// the same name, and registers its breakpoint locations.
func (h *Host) LoadString(name, source string) (*Script, error) {
	chunk, err := parse.Parse(strings.NewReader(source), name)
	if err != nil {
		return nil, fmt.Errorf("parse %s: %w", name, err)
	}
	chunk, locs := instrument(name, chunk)
	proto, err := lua.Compile(chunk, name)
	if err != nil {
		return nil, fmt.Errorf("compile %s: %w", name, err)
	}
	script := &Script{Name: name, Locations: locs, proto: proto}
	h.mu.Lock()
	h.scripts[name] = script
	h.mu.Unlock()
	h.d.RegisterFileBreakpoints(name, locs)
	h.log.WithFields(logrus.Fields{
		"script":    name,
		"locations": len(locs),
	}).Debug("script loaded")
	return script, nil
}

// Script returns the loaded script called name.
func (h *Host) Script(name string) (*Script, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	s, ok := h.scripts[name]
	return s, ok
}

// Scripts returns the loaded scripts ordered by name.
func (h *Host) Scripts() []*Script {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Script, 0, len(h.scripts))
	for _, s := range h.scripts {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// NewWorker creates a worker thread. An empty name defaults to
// "Thread N".
func (h *Host) NewWorker(name string) *Worker {
	return newWorker(h, name)
}

// Close releases the host's global evaluation state.
func (h *Host) Close() {
	h.eval.close()
}
