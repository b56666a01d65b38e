package main

import (
	"os"

	"github.com/mizy/claude-agent-hub/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
