package main

import (
	"fmt"
	"os"

	"github.com/lucasnoah/handoff/internal/cli"
)

// Version is stamped at release: -ldflags "-X main.Version=v1.2.3".
var Version = "dev"

func main() {
	cli.SetVersion(Version)
	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "handoff:", err)
		os.Exit(1)
	}
}
