// Package main provides the replica operator CLI. It talks to replicad over
// the control socket and reads the on-disk quarantine directly.
package main

import (
	"os"
)

func main() {
	if err := Execute(); err != nil {
		os.Exit(1)
	}
}
