// Package main is the entry point for the batchctl CLI.
// batchctl talks to the batchrunner controller, or runs a task directly on
// AWS Batch with the exec command.
package main

import (
	"errors"
	"os"

	"batchrunner/cmd/batchctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		var exitErr *cmd.ExitError
		if errors.As(err, &exitErr) {
			os.Exit(exitErr.Code)
		}
		os.Exit(1)
	}
}
