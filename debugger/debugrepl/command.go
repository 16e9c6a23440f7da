// Copyright © 2018 The ELPS authors

package debugrepl

/*
Command grammar.

	command  := <keyword> <args> EOF
	location := /\S+:[0-9]+(:[0-9]+)?/
	cond     := 'if' /.+/
	break    := ('break' | 'b') <location> <cond>?
	vars     := 'vars' <int> ('indexed' | 'named')? <int>? <int>?
	set      := 'set' <int> <word> /.+/
	print    := ('print' | 'p') /.+/
*/

import (
	"errors"
	"fmt"
	"strings"

	parsec "github.com/prataprc/goparsec"
)

const (
	opThreads   = "threads"
	opThread    = "thread"
	opContinue  = "continue"
	opStep      = "step"
	opNext      = "next"
	opOut       = "out"
	opPause     = "pause"
	opResumeAll = "resume-all"
	opBreak     = "break"
	opClear     = "clear"
	opLocations = "locations"
	opBacktrace = "backtrace"
	opScopes    = "scopes"
	opVars      = "vars"
	opSet       = "set"
	opPrint     = "print"
	opException = "exception"
	opCatch     = "catch"
	opHelp      = "help"
	opQuit      = "quit"
)

// command is a parsed input line.
type command struct {
	op   string
	args []string
}

var errUnknownCommand = errors.New("unknown command; type 'help' for a list")

var commandParser = newCommandParser()

// parseCommand parses one line of input.
func parseCommand(line string) (command, error) {
	line = strings.TrimSpace(line)
	s := parsec.NewScanner([]byte(line))
	root, _ := commandParser(s)
	if cmd, ok := root.(command); ok {
		return cmd, nil
	}
	word := strings.Fields(line)
	if len(word) > 0 {
		if u, ok := usage[canonical(word[0])]; ok {
			return command{}, fmt.Errorf("usage: %s", u)
		}
	}
	return command{}, errUnknownCommand
}

// canonical maps an alias to its command name.
func canonical(word string) string {
	for _, c := range commands {
		for _, name := range c.names {
			if name == word {
				return c.names[0]
			}
		}
	}
	return word
}

func keyword(names ...string) parsec.Parser {
	return parsec.Token(`(?:`+strings.Join(names, "|")+`)\b`, "KEYWORD")
}

func newCommandParser() parsec.Parser {
	num := parsec.Token(`[0-9]+`, "INT")
	word := parsec.Token(`\S+`, "WORD")
	rest := parsec.Token(`.+`, "REST")
	location := parsec.Token(`\S+:[0-9]+(?::[0-9]+)?`, "LOCATION")
	filter := parsec.Token(`(?:indexed|named)\b`, "FILTER")
	onOff := parsec.Token(`(?:on|off)\b`, "SWITCH")
	cond := parsec.And(nil, parsec.Token(`if\b`, "IF"), rest)

	var alternatives []interface{}
	for _, c := range commands {
		parsers := []interface{}{keyword(c.names...)}
		switch c.names[0] {
		case opThread:
			parsers = append(parsers, num)
		case opBreak:
			parsers = append(parsers, location, parsec.Maybe(nil, cond))
		case opClear:
			parsers = append(parsers, word)
		case opLocations:
			parsers = append(parsers, parsec.Maybe(nil, word))
		case opScopes:
			parsers = append(parsers, num)
		case opVars:
			parsers = append(parsers, num, parsec.Maybe(nil, filter), parsec.Maybe(nil, num), parsec.Maybe(nil, num))
		case opSet:
			parsers = append(parsers, num, word, rest)
		case opPrint:
			parsers = append(parsers, rest)
		case opCatch:
			parsers = append(parsers, onOff)
		}
		parsers = append(parsers, parsec.End())
		alternatives = append(alternatives, parsec.And(nodify(c.names[0]), parsers...))
	}
	return parsec.OrdChoice(first, alternatives...)
}

// first unwraps the single match OrdChoice passes to its callback.
func first(nodes []parsec.ParsecNode) parsec.ParsecNode {
	return nodes[0]
}

func nodify(op string) parsec.Nodify {
	return func(nodes []parsec.ParsecNode) parsec.ParsecNode {
		args := []string{}
		if len(nodes) > 1 {
			args = flatten(nodes[1:], args)
		}
		return command{op: op, args: args}
	}
}

// flatten collects the argument terminals of a match, dropping keywords,
// absent optional parts and the end marker.
func flatten(nodes []parsec.ParsecNode, args []string) []string {
	for _, n := range nodes {
		switch t := n.(type) {
		case *parsec.Terminal:
			if t.Value == "" {
				continue
			}
			switch t.Name {
			case "IF", "EOF", "KEYWORD":
				continue
			}
			args = append(args, strings.TrimSpace(t.Value))
		case []parsec.ParsecNode:
			args = flatten(t, args)
		}
	}
	return args
}
