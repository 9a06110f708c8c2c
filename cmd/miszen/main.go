// Package main is the miszen command-line entry point.
package main

import (
	"fmt"
	"os"

	"github.com/roach88/miszen/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "miszen:", err)
		os.Exit(cli.GetExitCode(err))
	}
}
