// Copyright © 2018 The ELPS authors

package debugger

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// MaxSafeInteger is the default end column of a range query.
const MaxSafeInteger = 1<<53 - 1

// UnverifiedMessage explains a breakpoint request that matched no known
// location.
const UnverifiedMessage = "The debugger cannot suspend at this location."

// Location is a breakpoint-capable site reported by the host. EndLine and
// EndColumn are zero when the host does not know where the site ends.
type Location struct {
	ID        string `json:"locationID"`
	File      string `json:"fileName"`
	Line      int    `json:"line"`
	Column    int    `json:"column"`
	EndLine   int    `json:"endLine,omitempty"`
	EndColumn int    `json:"endColumn,omitempty"`
}

func (l Location) end() (line, column int) {
	line, column = l.EndLine, l.EndColumn
	if line == 0 {
		line = l.Line
	}
	if column == 0 {
		column = l.Column
	}
	return line, column
}

// Breakpoint is a Location plus the client's activation state.
type Breakpoint struct {
	Location
	Active     bool
	Verified   bool
	Condition  string
	SequenceID int
}

// BreakpointRequest asks for a breakpoint at Line and, when Column is
// non-nil, at that exact column.
type BreakpointRequest struct {
	Line      int    `json:"line"`
	Column    *int   `json:"column,omitempty"`
	Condition string `json:"condition,omitempty"`
}

// BreakpointResponse reports the outcome of one BreakpointRequest.
// Unverified responses carry the requested position and a Message.
type BreakpointResponse struct {
	ID         int    `json:"id,omitempty"`
	LocationID string `json:"locationID,omitempty"`
	Verified   bool   `json:"verified"`
	Source     string `json:"source"`
	Line       int    `json:"line"`
	Column     int    `json:"column"`
	EndLine    int    `json:"endLine,omitempty"`
	EndColumn  int    `json:"endColumn,omitempty"`
	Message    string `json:"message,omitempty"`
}

// Range selects locations overlapping a region of a file. Nil bounds take
// their defaults: Column 0, EndLine equal to Line and EndColumn
// MaxSafeInteger.
type Range struct {
	Line      int
	Column    *int
	EndLine   *int
	EndColumn *int
}

type fileBreakpoints struct {
	name  string
	lines map[int]map[int]*Breakpoint
}

// BreakpointRegistry stores the known breakpoint locations of every file,
// indexed by file, line and column, with a flattened id index for the
// per-statement checkpoint. Reads take the read lock and return copies, so
// a checkpoint never observes a half-updated record.
type BreakpointRegistry struct {
	mu      sync.RWMutex
	files   map[string]*fileBreakpoints
	order   []string
	byID    map[string]*Breakpoint
	nextSeq int
}

// NewBreakpointRegistry returns an empty registry.
func NewBreakpointRegistry() *BreakpointRegistry {
	return &BreakpointRegistry{
		files: make(map[string]*fileBreakpoints),
		byID:  make(map[string]*Breakpoint),
	}
}

// fileKey normalizes a file name; file matching is case-insensitive.
func fileKey(file string) string {
	return strings.ToLower(filepath.ToSlash(file))
}

// RegisterFileBreakpoints replaces the known locations of file. Locations
// whose (line, column) existed before keep their activation state and
// condition; all others start inactive.
func (r *BreakpointRegistry) RegisterFileBreakpoints(file string, locations []Location) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := fileKey(file)
	prev, known := r.files[key]
	if !known {
		r.order = append(r.order, key)
	}
	next := &fileBreakpoints{name: file, lines: make(map[int]map[int]*Breakpoint)}
	for _, loc := range locations {
		loc.File = file
		bp := &Breakpoint{Location: loc}
		if known {
			if old := prev.lines[loc.Line][loc.Column]; old != nil {
				bp.Active = old.Active
				bp.Verified = old.Verified
				bp.Condition = old.Condition
			}
		}
		cols := next.lines[loc.Line]
		if cols == nil {
			cols = make(map[int]*Breakpoint)
			next.lines[loc.Line] = cols
		}
		cols[loc.Column] = bp
	}
	r.files[key] = next
	r.rebuild()
}

// rebuild reindexes every breakpoint and assigns fresh sequence ids in
// registration order. Caller holds the write lock.
func (r *BreakpointRegistry) rebuild() {
	r.byID = make(map[string]*Breakpoint, len(r.byID))
	for _, key := range r.order {
		f := r.files[key]
		for _, line := range sortedKeys(f.lines) {
			cols := f.lines[line]
			for _, col := range sortedKeys(cols) {
				bp := cols[col]
				r.nextSeq++
				bp.SequenceID = r.nextSeq
				r.byID[bp.ID] = bp
			}
		}
	}
}

func sortedKeys[V any](m map[int]V) []int {
	keys := make([]int, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Ints(keys)
	return keys
}

// AllLocations returns every known location in registration order.
func (r *BreakpointRegistry) AllLocations() []Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var locs []Location
	for _, key := range r.order {
		locs = append(locs, r.fileLocations(r.files[key])...)
	}
	return locs
}

// FileLocations returns the locations of file. File names match as they
// do for SetBreakpoints.
func (r *BreakpointRegistry) FileLocations(file string) []Location {
	r.mu.RLock()
	defer r.mu.RUnlock()
	f, ok := r.files[fileKey(file)]
	if !ok {
		return nil
	}
	return r.fileLocations(f)
}

func (r *BreakpointRegistry) fileLocations(f *fileBreakpoints) []Location {
	var locs []Location
	for _, line := range sortedKeys(f.lines) {
		cols := f.lines[line]
		for _, col := range sortedKeys(cols) {
			locs = append(locs, cols[col].Location)
		}
	}
	return locs
}

// LocationsInRange returns the locations of file that overlap rng. A
// location is excluded when it starts after the range ends or ends before
// the range starts.
func (r *BreakpointRegistry) LocationsInRange(file string, rng Range) []Location {
	column, endLine, endColumn := 0, rng.Line, MaxSafeInteger
	if rng.Column != nil {
		column = *rng.Column
	}
	if rng.EndLine != nil {
		endLine = *rng.EndLine
	}
	if rng.EndColumn != nil {
		endColumn = *rng.EndColumn
	}
	r.mu.RLock()
	f := r.files[fileKey(file)]
	var all []Location
	if f != nil {
		all = r.fileLocations(f)
	}
	r.mu.RUnlock()

	locs := []Location{}
	for _, loc := range all {
		locEndLine, locEndColumn := loc.end()
		if loc.Column > endColumn || locEndColumn < column || loc.Line > endLine || locEndLine < rng.Line {
			continue
		}
		locs = append(locs, loc)
	}
	return locs
}

// ActivateForFile replaces the active breakpoints of file with requests.
// Every breakpoint of the file is reset first. A request without a column
// selects the lowest known column of its line.
func (r *BreakpointRegistry) ActivateForFile(file string, requests []BreakpointRequest) []BreakpointResponse {
	r.mu.Lock()
	defer r.mu.Unlock()
	f := r.files[fileKey(file)]
	if f != nil {
		for _, cols := range f.lines {
			for _, bp := range cols {
				bp.Active = false
				bp.Verified = false
				bp.Condition = ""
			}
		}
	}
	responses := make([]BreakpointResponse, 0, len(requests))
	for _, req := range requests {
		var bp *Breakpoint
		if f != nil {
			bp = f.find(req)
		}
		if bp == nil {
			resp := BreakpointResponse{
				Source:  file,
				Line:    req.Line,
				Message: UnverifiedMessage,
			}
			if req.Column != nil {
				resp.Column = *req.Column
			}
			responses = append(responses, resp)
			continue
		}
		bp.Active = true
		bp.Verified = true
		bp.Condition = req.Condition
		responses = append(responses, BreakpointResponse{
			ID:         bp.SequenceID,
			LocationID: bp.ID,
			Verified:   true,
			Source:     bp.File,
			Line:       bp.Line,
			Column:     bp.Column,
			EndLine:    bp.EndLine,
			EndColumn:  bp.EndColumn,
		})
	}
	return responses
}

func (f *fileBreakpoints) find(req BreakpointRequest) *Breakpoint {
	cols := f.lines[req.Line]
	if len(cols) == 0 {
		return nil
	}
	if req.Column != nil {
		return cols[*req.Column]
	}
	return cols[sortedKeys(cols)[0]]
}

// DeactivateAll clears the activation state of every breakpoint.
func (r *BreakpointRegistry) DeactivateAll() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, bp := range r.byID {
		bp.Active = false
		bp.Verified = false
		bp.Condition = ""
	}
}

// LookupByID returns a copy of the breakpoint registered under id.
func (r *BreakpointRegistry) LookupByID(id string) (Breakpoint, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	bp, ok := r.byID[id]
	if !ok {
		return Breakpoint{}, false
	}
	return *bp, true
}

// Active returns copies of every active breakpoint in registration order.
func (r *BreakpointRegistry) Active() []Breakpoint {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var active []Breakpoint
	for _, key := range r.order {
		f := r.files[key]
		for _, line := range sortedKeys(f.lines) {
			cols := f.lines[line]
			for _, col := range sortedKeys(cols) {
				if bp := cols[col]; bp.Active {
					active = append(active, *bp)
				}
			}
		}
	}
	return active
}
