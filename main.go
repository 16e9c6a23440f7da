// Copyright © 2018 The ELPS authors

package main

import "github.com/luthersystems/svcdbg/cmd"

func main() {
	cmd.Execute()
}
