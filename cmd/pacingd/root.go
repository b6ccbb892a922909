package main

import (
	"github.com/spf13/cobra"
)

var version = "0.1.0"

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:     "pacingd",
		Short:   "Adaptive request pacing for gRPC services",
		Version: version,
		Long: `pacingd serves gRPC behind an adaptive pacing gate. Requests are
spaced along a virtual issue clock; callers wait for their slot up to a
bounded queueing time or are rejected with RESOURCE_EXHAUSTED, and every
rejection raises the rate as far as host CPU headroom allows.`,
		SilenceUsage: true,
	}
	root.AddCommand(newServeCmd())
	root.AddCommand(newProbeCmd())
	return root
}
