package main

import (
	"os"

	"github.com/xkilldash9x/rulescope/cmd"
)

// main is the entry point for the rulescope CLI.
func main() {
	os.Exit(cmd.Main())
}
