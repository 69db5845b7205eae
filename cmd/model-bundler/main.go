package main

import (
	"os"

	"github.com/docker/model-bundler/cmd/model-bundler/commands"
)

func main() {
	if err := commands.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
