// +build ignore

package main

import (
	"log"

	"github.com/spf13/cobra/doc"

	"github.com/undoio/dwarfscope/cmd/dwarfscope/cmds"
)

func main() {
	if err := doc.GenMarkdownTree(cmds.New(true), "./Documentation/usage"); err != nil {
		log.Fatal(err)
	}
}
