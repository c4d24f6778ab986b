// Command relay serves agent sessions over WebSocket and HTTP and manages
// their stored history.
package main

import (
	"os"

	"github.com/deepnoodle-ai/relay/cmd/relay/cli"
)

func main() {
	if err := cli.NewRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}
