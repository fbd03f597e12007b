// Package main provides the entry point for the factline CLI.
package main

import (
	"os"

	"github.com/factline/factline/cmd/factline/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
