// Command snapshotctl inspects persisted game snapshots and drives a running
// server through its HTTP tool surface.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCommand(nil).Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
