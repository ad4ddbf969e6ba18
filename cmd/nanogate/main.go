package main

import (
	"os"

	"github.com/nanopk/nanogate/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
