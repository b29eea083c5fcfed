package main

import (
	"os"

	"github.com/xkilldash9x/rulescope/cmd"
)

func main() {
	os.Exit(cmd.Main())
}
