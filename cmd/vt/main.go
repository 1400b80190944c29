// Package main is the entry point for the vt command.
package main

import (
	"fmt"
	"os"

	"github.com/evcraddock/visit-tracker/internal/cli"
)

func main() {
	if err := cli.NewRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
