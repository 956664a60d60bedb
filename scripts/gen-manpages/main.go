// Command gen-manpages generates Unix man pages for Relay and all its
// subcommands using cobra's built-in doc package. It pre-populates the
// man/man1/ directory for release packaging.
//
// Usage:
//
//	go run ./scripts/gen-manpages [output-dir]
//
// The default output directory is "man/man1".
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra/doc"

	"github.com/agent-relay/relay/internal/cli"
)

func main() {
	outDir := "man/man1"
	if len(os.Args) > 1 {
		outDir = os.Args[1]
	}

	if err := os.MkdirAll(outDir, 0o755); err != nil {
		fmt.Fprintf(os.Stderr, "error creating output dir %q: %v\n", outDir, err)
		os.Exit(1)
	}

	rootCmd := cli.NewRootCmd()

	header := &doc.GenManHeader{
		Title:   "RELAY",
		Section: "1",
		Source:  "Relay",
		Manual:  "Relay Manual",
	}

	if err := doc.GenManTree(rootCmd, header, outDir); err != nil {
		fmt.Fprintf(os.Stderr, "error generating man pages: %v\n", err)
		os.Exit(1)
	}

	fmt.Printf("Man pages generated in %s/\n", outDir)
}
