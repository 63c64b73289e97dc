// Package main is the entry point for the dashlink application.
package main

import (
	"os"

	"github.com/dashlink/dashlink/cmd/dashlink/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
