// Copyright © 2018 The ELPS authors

// Package events defines the notifications the debugger pushes to
// attached clients.
package events

type Name string

const NameSuspended = Name("suspended")
const NameResumed = Name("resumed")
const NameLog = Name("log")
const NameThread = Name("thread")

// Message is implemented by every notification.
type Message interface {
	EventName() Name
}

// Suspended is sent when a thread stops. Exception summarizes the thrown
// value when Reason is "exception". BreakpointID is the sequence id of the
// breakpoint that was hit, if any.
type Suspended struct {
	ThreadID     int    `json:"threadID"`
	Reason       string `json:"reason"`
	Exception    string `json:"exception,omitempty"`
	BreakpointID int    `json:"breakpointID,omitempty"`
}

func (Suspended) EventName() Name { return NameSuspended }

// Resumed is sent when a suspended thread continues.
type Resumed struct {
	ThreadID int `json:"threadID"`
}

func (Resumed) EventName() Name { return NameResumed }

// LogLevel is the severity of a script log message.
type LogLevel int

const (
	LevelInfo LogLevel = iota
	LevelDebug
	LevelWarn
	LevelError
)

func (l LogLevel) String() string {
	switch l {
	case LevelInfo:
		return "info"
	case LevelDebug:
		return "debug"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	}
	return "unknown"
}

// Log carries a message written by a script.
type Log struct {
	Body  string   `json:"body"`
	Level LogLevel `json:"level"`
}

func (Log) EventName() Name { return NameLog }

type ThreadReason string

const ThreadStarted = ThreadReason("started")
const ThreadExited = ThreadReason("exited")

// Thread is sent when a thread becomes debuggable or stops being
// debuggable.
type Thread struct {
	ThreadID int          `json:"threadID"`
	Name     string       `json:"name,omitempty"`
	Reason   ThreadReason `json:"reason"`
}

func (Thread) EventName() Name { return NameThread }
