// Copyright © 2018 The ELPS authors

package debugger

import (
	"github.com/sirupsen/logrus"

	"github.com/luthersystems/svcdbg/debugger/events"
)

// LogHook is a logrus hook that forwards every entry to attached clients
// as a log notification. Hosts attach it to the logger scripts write to.
type LogHook struct {
	d *Debugger
}

var _ logrus.Hook = (*LogHook)(nil)

// NewLogHook returns a hook forwarding entries to d.
func NewLogHook(d *Debugger) *LogHook {
	return &LogHook{d: d}
}

// Levels implements logrus.Hook.
func (h *LogHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

// Fire implements logrus.Hook.
func (h *LogHook) Fire(entry *logrus.Entry) error {
	h.d.Log(entry.Message, LogLevelOf(entry.Level))
	return nil
}

// LogLevelOf maps a logrus level to a notification level.
func LogLevelOf(level logrus.Level) events.LogLevel {
	switch level {
	case logrus.PanicLevel, logrus.FatalLevel, logrus.ErrorLevel:
		return events.LevelError
	case logrus.WarnLevel:
		return events.LevelWarn
	case logrus.DebugLevel, logrus.TraceLevel:
		return events.LevelDebug
	}
	return events.LevelInfo
}
