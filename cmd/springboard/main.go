package main

import (
	"os"

	"github.com/jamtools/springboard/cmd/springboard/commands"

	// Modules register themselves with the engine from init.
	_ "github.com/jamtools/springboard/internal/modules/counter"
)

// Version information - set during build
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	commands.SetVersionInfo(version, commit, date)

	// Errors are printed directly by the printer package with color formatting
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
