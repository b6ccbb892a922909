package main

import (
	"context"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lym-ifae/Sentinel/interceptors"
	"github.com/lym-ifae/Sentinel/ping"
	"github.com/lym-ifae/Sentinel/retry"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"
)

type probeOptions struct {
	addr        string
	requests    int
	concurrency int
	units       int
	attempts    int
	priority    bool
	timeout     time.Duration
}

type probeResult struct {
	admitted atomic.Int64
	rejected atomic.Int64
	failed   atomic.Int64
	retried  atomic.Int64
	elapsed  time.Duration
}

func newProbeCmd() *cobra.Command {
	var o probeOptions
	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Fire Ping calls at a server and count admissions",
		Long: `Fire Ping calls at a paced server and report how many were admitted.
Rejected calls are retried with backoff up to --attempts times.

  pacingd probe --addr localhost:50051 -n 200 --concurrency 20`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			res, err := runProbe(cmd.Context(), o)
			if err != nil {
				return err
			}
			printProbe(cmd.OutOrStdout(), o, res)
			return nil
		},
	}
	cmd.Flags().StringVar(&o.addr, "addr", "localhost:50051", "server address")
	cmd.Flags().IntVarP(&o.requests, "requests", "n", 100, "number of calls")
	cmd.Flags().IntVar(&o.concurrency, "concurrency", 10, "concurrent callers")
	cmd.Flags().IntVar(&o.units, "units", 1, "pacing units per call")
	cmd.Flags().IntVar(&o.attempts, "attempts", 1, "attempts per call, including the first")
	cmd.Flags().BoolVar(&o.priority, "priority", false, "mark calls as prioritized")
	cmd.Flags().DurationVar(&o.timeout, "timeout", 5*time.Second, "per-call deadline")
	return cmd
}

func runProbe(ctx context.Context, o probeOptions) (*probeResult, error) {
	conn, err := grpc.NewClient(o.addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	if o.priority {
		ctx = metadata.AppendToOutgoingContext(ctx, interceptors.PriorityHeader, "high")
	}
	res := &probeResult{}
	rcfg := retry.Rejected(o.attempts)
	rcfg.OnRetry = func(int, error, time.Duration) { res.retried.Add(1) }

	jobs := make(chan int)
	var wg sync.WaitGroup
	start := time.Now()
	for range max(o.concurrency, 1) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				req := &ping.PingRequest{Message: fmt.Sprintf("probe-%d", i), Units: o.units}
				_, err := retry.Do(ctx, rcfg, func(ctx context.Context) (*ping.PingResponse, error) {
					cctx, cancel := context.WithTimeout(ctx, o.timeout)
					defer cancel()
					return ping.Call(cctx, conn, req)
				})
				switch status.Code(err) {
				case codes.OK:
					res.admitted.Add(1)
				case codes.ResourceExhausted:
					res.rejected.Add(1)
				default:
					res.failed.Add(1)
				}
			}
		}()
	}
	for i := range o.requests {
		jobs <- i
	}
	close(jobs)
	wg.Wait()
	res.elapsed = time.Since(start)
	return res, nil
}

func printProbe(w io.Writer, o probeOptions, res *probeResult) {
	fmt.Fprintf(w, "target:   %s\n", o.addr)
	fmt.Fprintf(w, "requests: %d\n", o.requests)
	fmt.Fprintf(w, "admitted: %d\n", res.admitted.Load())
	fmt.Fprintf(w, "rejected: %d\n", res.rejected.Load())
	fmt.Fprintf(w, "failed:   %d\n", res.failed.Load())
	fmt.Fprintf(w, "retried:  %d\n", res.retried.Load())
	fmt.Fprintf(w, "elapsed:  %s\n", res.elapsed.Round(time.Millisecond))
}
