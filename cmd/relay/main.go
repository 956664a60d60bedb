// Command relay supervises coding-agent processes over a line-delimited
// stdio protocol and schedules multi-step workflow DAGs across them.
package main

import (
	"os"

	"github.com/agent-relay/relay/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
