package main

import (
	_ "embed"
	"fmt"
	"os"
	"strings"
)

//go:embed VERSION
var Version string

func main() {
	if err := newRootCommand(strings.TrimSpace(Version)).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
