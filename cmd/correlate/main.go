// Command correlate runs latency correlation searches from the command line, either
// locally against Postgres or an NDJSON file, or through a running API.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
