package main

import (
	"os"

	"github.com/safar/pos-core/internal/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
