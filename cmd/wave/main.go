// Package main provides the entry point for the wave CLI.
package main

import (
	"fmt"
	"os"

	"github.com/waveterm-ai/wave/cmd/wave/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
