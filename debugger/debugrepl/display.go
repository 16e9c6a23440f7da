// Copyright © 2018 The ELPS authors

package debugrepl

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/muesli/reflow/indent"
	"github.com/muesli/reflow/wordwrap"

	"github.com/luthersystems/svcdbg/debugger"
)

const (
	sourceContextLines = 3
	helpWidth          = 72
)

type commandHelp struct {
	names []string
	args  string
	doc   string
}

// commands lists every command; the first name is canonical.
var commands = []commandHelp{
	{[]string{opThreads}, "", "List threads. The selected thread is marked with '*'."},
	{[]string{opThread}, "N", "Select thread N for the commands that act on a thread."},
	{[]string{opContinue, "c"}, "", "Resume the selected thread."},
	{[]string{opStep, "s"}, "", "Run to the next statement, entering calls."},
	{[]string{opNext, "n"}, "", "Run to the next statement of the current frame."},
	{[]string{opOut, "o"}, "", "Run until the current frame returns."},
	{[]string{opPause}, "", "Suspend the selected thread at its next statement."},
	{[]string{opResumeAll}, "", "Resume every suspended thread."},
	{[]string{opBreak, "b"}, "FILE:LINE[:COL] [if COND]", "Set a breakpoint. With a condition, the thread only stops when COND evaluates to a true value in the stopped frame."},
	{[]string{opClear}, "FILE", "Remove the breakpoints of FILE."},
	{[]string{opLocations}, "[FILE]", "List the locations where breakpoints can be set."},
	{[]string{opBacktrace, "bt"}, "", "Show the stack of the selected thread."},
	{[]string{opScopes}, "FRAME", "Show the scopes of a frame from backtrace."},
	{[]string{opVars}, "REF [indexed|named] [START [COUNT]]", "Expand a variables reference from scopes, vars or print."},
	{[]string{opSet}, "REF NAME JSON", "Assign a JSON value to a child of a variables reference."},
	{[]string{opPrint, "p"}, "EXPR", "Evaluate EXPR in the top frame of the selected thread, or globally when no thread is suspended."},
	{[]string{opException, "ex"}, "", "Describe the exception the selected thread stopped on."},
	{[]string{opCatch}, "on|off", "Stop threads when an exception is raised."},
	{[]string{opHelp, "h"}, "", "Show this help."},
	{[]string{opQuit, "q"}, "", "Detach and leave the console."},
}

var usage = func() map[string]string {
	m := make(map[string]string, len(commands))
	for _, c := range commands {
		m[c.names[0]] = strings.TrimSpace(c.names[0] + " " + c.args)
	}
	return m
}()

func showHelp(w io.Writer) {
	fmt.Fprintln(w, "Debug commands:") //nolint:errcheck
	for _, c := range commands {
		title := c.names[0]
		if len(c.names) > 1 {
			title += " (" + strings.Join(c.names[1:], ", ") + ")"
		}
		if c.args != "" {
			title += " " + c.args
		}
		fmt.Fprintf(w, "  %s\n%s\n", title, wrap(c.doc, 6)) //nolint:errcheck
	}
	fmt.Fprintln(w, wrap("Empty input repeats the last command. Ctrl+C pauses the selected thread.", 0)) //nolint:errcheck
}

// wrap word-wraps text to the help width and indents it by n spaces.
func wrap(text string, n uint) string {
	return strings.TrimSuffix(indent.String(wordwrap.String(text, helpWidth-int(n)), n), "\n")
}

// showSourceContext prints the lines around line with a --> marker when
// the file is readable.
func showSourceContext(w io.Writer, file string, line int, sourceRoot string) {
	path := file
	if !filepath.IsAbs(path) && sourceRoot != "" {
		path = filepath.Join(sourceRoot, path)
	}
	f, err := os.Open(path) //#nosec G304
	if err != nil {
		return
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	start, end := line-sourceContextLines, line+sourceContextLines
	for n := 1; scanner.Scan() && n <= end; n++ {
		if n < start {
			continue
		}
		marker := "   "
		if n == line {
			marker = "-->"
		}
		fmt.Fprintf(w, "%s %4d  %s\n", marker, n, scanner.Text()) //nolint:errcheck
	}
}

func showThreads(w io.Writer, threads []debugger.Thread, current int) {
	if len(threads) == 0 {
		fmt.Fprintln(w, "  (no threads)") //nolint:errcheck
		return
	}
	for _, t := range threads {
		mark := " "
		if t.ID == current {
			mark = "*"
		}
		state := string(t.State)
		if t.Reason != "" {
			state += " (" + t.Reason + ")"
		}
		fmt.Fprintf(w, "%s %3d  %-20s %s\n", mark, t.ID, t.Name, state) //nolint:errcheck
	}
}

func showBacktrace(w io.Writer, frames []debugger.StackFrame) {
	if len(frames) == 0 {
		fmt.Fprintln(w, "  (no frames)") //nolint:errcheck
		return
	}
	for i, f := range frames {
		fmt.Fprintf(w, "  #%d  %s  at %s:%d:%d  [frame %d]\n", i, f.Name, f.Source, f.Line, f.Column, f.ID) //nolint:errcheck
	}
}

func showScopes(w io.Writer, scopes []debugger.ScopeDescription) {
	for _, s := range scopes {
		fmt.Fprintf(w, "  %-10s [ref %d]\n", s.Name, s.VariablesReference) //nolint:errcheck
	}
}

func formatVariable(v debugger.Variable) string {
	s := fmt.Sprintf("%s = %s", v.Name, v.Value)
	if v.Type != "" {
		s += " (" + v.Type + ")"
	}
	if v.VariablesReference > 0 {
		s += fmt.Sprintf(" [ref %d]", v.VariablesReference)
	}
	return s
}

func showVariables(w io.Writer, vars []debugger.Variable) {
	if len(vars) == 0 {
		fmt.Fprintln(w, "  (empty)") //nolint:errcheck
		return
	}
	for _, v := range vars {
		fmt.Fprintln(w, "  "+formatVariable(v)) //nolint:errcheck
	}
}

func showLocations(w io.Writer, locs []debugger.Location) {
	if len(locs) == 0 {
		fmt.Fprintln(w, "  (no locations)") //nolint:errcheck
		return
	}
	for _, l := range locs {
		fmt.Fprintf(w, "  %s\n", l.ID) //nolint:errcheck
	}
}

func showException(w io.Writer, details debugger.ExceptionDetails) {
	fmt.Fprintf(w, "exception %s: %s\n", details.ExceptionID, details.Description) //nolint:errcheck
	depth := uint(2)
	for d := details.Details; d != nil; depth += 2 {
		if d.StackTrace != "" {
			fmt.Fprintln(w, indent.String(d.StackTrace, depth)) //nolint:errcheck
		}
		if len(d.InnerException) == 0 {
			break
		}
		inner := d.InnerException[0]
		fmt.Fprintln(w, wrap("caused by "+inner.TypeName+": "+inner.Message, depth)) //nolint:errcheck
		d = &inner
	}
}
