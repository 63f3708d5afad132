// Package main is the entry point for the tscore application.
package main

import (
	"os"

	"github.com/relaycore/tscore/cmd/tscore/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
