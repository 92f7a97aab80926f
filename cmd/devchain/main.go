// Package main provides the entry point for the devchain orchestrator.
package main

import (
	"os"

	"github.com/devchain/devchain/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
