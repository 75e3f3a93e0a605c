package main

import (
	"os"

	"github.com/Joyphor/openai-compatible-conversation/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
