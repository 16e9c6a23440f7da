// Copyright © 2018 The ELPS authors

package debugrepl

import (
	"sort"
	"strings"

	"github.com/luthersystems/svcdbg/debugger"
)

// completer implements readline.AutoCompleter. The first word completes
// to command names and the argument of break, clear and locations
// completes to files with breakpoint locations.
type completer struct {
	d *debugger.Debugger
}

func (c *completer) Do(line []rune, pos int) ([][]rune, int) {
	start := pos
	for start > 0 {
		ch := line[start-1]
		if ch == ' ' || ch == '\t' {
			break
		}
		start--
	}
	prefix := string(line[start:pos])
	before := strings.Fields(string(line[:start]))

	var candidates []string
	switch {
	case len(before) == 0:
		candidates = c.commandNames(prefix)
	case len(before) == 1:
		switch canonical(before[0]) {
		case opBreak, opClear, opLocations:
			candidates = c.files(prefix)
		}
	}
	if len(candidates) == 0 {
		return nil, 0
	}
	result := make([][]rune, 0, len(candidates))
	for _, name := range candidates {
		result = append(result, []rune(name[len(prefix):]))
	}
	return result, len(prefix)
}

func (c *completer) commandNames(prefix string) []string {
	var result []string
	for _, cmd := range commands {
		for _, name := range cmd.names {
			if strings.HasPrefix(name, prefix) {
				result = append(result, name)
			}
		}
	}
	sort.Strings(result)
	return result
}

func (c *completer) files(prefix string) []string {
	if c.d == nil {
		return nil
	}
	seen := make(map[string]bool)
	var result []string
	for _, loc := range c.d.ListAllBreakpointLocations() {
		if strings.HasPrefix(loc.File, prefix) && !seen[loc.File] {
			seen[loc.File] = true
			result = append(result, loc.File)
		}
	}
	sort.Strings(result)
	return result
}
