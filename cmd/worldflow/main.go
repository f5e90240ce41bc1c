// Command worldflow generates fictional worlds from a premise, pausing to ask
// the author when facts are missing. Runs are checkpointed, so a paused run
// can be resumed later or served over HTTP.
package main

import (
	"os"
)

func main() {
	if err := newRootCommand(newCLI()).Execute(); err != nil {
		os.Exit(1)
	}
}
