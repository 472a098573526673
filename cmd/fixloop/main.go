// Package main is the entry point for the fixloop CLI.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "fixloop:", err)
		os.Exit(exitCode(err))
	}
}
