// Package main is the entry point for the graphmailer command.
package main

import (
	"os"

	"github.com/shineum/graphmailer/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
