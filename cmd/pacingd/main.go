// Command pacingd runs a gRPC server protected by an adaptive pacing gate,
// and probes such servers.
package main

import (
	"fmt"
	"os"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
