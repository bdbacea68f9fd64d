package main

import (
	"fmt"
	"os"

	"github.com/undoio/dwarfscope/cmd/dwarfscope/cmds"
)

func main() {
	if err := cmds.New(false).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
