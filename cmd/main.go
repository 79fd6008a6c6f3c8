// finrouter is the personal finance conversation router.
//
// Usage:
//
//	finrouter serve                          # HTTP on :8080, gRPC on :50051
//	finrouter serve -c finrouter.yaml        # with a config file
//	finrouter chat -u u1 "how am I doing on my budget?"
//	finrouter ingest -u u1 --consent statement.csv
//	finrouter version
package main

import (
	"fmt"
	"os"
)

// Version is set at build time with -ldflags "-X main.Version=...".
var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
