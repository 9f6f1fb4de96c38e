package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/scfuzzbench/benchq/internal/config"
	"github.com/scfuzzbench/benchq/internal/dispatch"
	"github.com/scfuzzbench/benchq/internal/factory"
	"github.com/scfuzzbench/benchq/internal/logger"
)

func init() {
	var (
		runID       string
		benchmark   string
		fuzzers     string
		runs        int
		maxParallel int
		maxAttempts int
	)

	// dispatch talks to the backend directly; workers expose no write API.
	dispatchCmd := &cobra.Command{
		Use:   "dispatch",
		Short: "Create a run and its shard records",
		RunE: func(cmd *cobra.Command, args []string) error {
			if fuzzers == "" {
				return fmt.Errorf("--fuzzers required")
			}
			log := logger.New("benchqctl")

			cfg, err := config.New()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
			defer cancel()

			backend, err := factory.NewBackend(ctx, cfg, log)
			if err != nil {
				return err
			}
			defer backend.Close()

			var names []string
			for _, f := range strings.Split(fuzzers, ",") {
				if f = strings.TrimSpace(f); f != "" {
					names = append(names, f)
				}
			}

			run, err := dispatch.New(backend.Store, backend.Queue, log).Dispatch(ctx, dispatch.Request{
				RunID:            runID,
				BenchmarkUUID:    benchmark,
				Fuzzers:          names,
				RunsPerFuzzer:    runs,
				MaxParallel:      maxParallel,
				ShardMaxAttempts: maxAttempts,
			})
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "run %s dispatched: %d shards\n", run.RunID, run.RequestedShardCount)
			return nil
		},
	}
	dispatchCmd.Flags().StringVar(&runID, "run-id", "", "Run ID (generated when empty)")
	dispatchCmd.Flags().StringVar(&benchmark, "benchmark", "", "Benchmark UUID (generated when empty)")
	dispatchCmd.Flags().StringVarP(&fuzzers, "fuzzers", "f", "", "Comma-separated fuzzer IDs (required)")
	dispatchCmd.Flags().IntVarP(&runs, "runs", "r", 1, "Runs per fuzzer")
	dispatchCmd.Flags().IntVarP(&maxParallel, "max-parallel", "p", 1, "Max parallel shards")
	dispatchCmd.Flags().IntVarP(&maxAttempts, "max-attempts", "m", 3, "Max attempts per shard")
	_ = dispatchCmd.MarkFlagRequired("fuzzers")
	rootCmd.AddCommand(dispatchCmd)
}
