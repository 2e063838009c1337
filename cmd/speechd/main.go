// Command speechd analyzes spoken interview answers and serves the analysis
// over HTTP and NATS.
//
// Usage:
//
//	speechd [--config FILE] <command> [args]
//
// Commands:
//
//	serve    - run the HTTP API and the bus service
//	analyze  - analyze audio files and print the results
//	model    - initialize or inspect model bundles
//	plugin   - validate embedding plugins
//	history  - list stored analyses of a session
//	version  - print the build version
package main

import (
	"fmt"
	"os"

	"github.com/loqalabs/loqa-speech/cmd/speechd/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
