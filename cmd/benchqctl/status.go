package main

import (
	"fmt"
	"os"

	"github.com/go-resty/resty/v2"
	"github.com/spf13/cobra"
)

func doGet(path string) (string, error) {
	resp, err := resty.New().SetBaseURL(apiFlag).R().Get(path)
	if err != nil {
		return "", err
	}
	if resp.IsError() {
		return "", fmt.Errorf("http %d: %s", resp.StatusCode(), resp.String())
	}
	return resp.String(), nil
}

func printGet(path string) error {
	body, err := doGet(path)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, body)
	return nil
}

func runCommand(use, short, suffix string) *cobra.Command {
	return &cobra.Command{
		Use:   use + " RUN_ID",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return printGet(fmt.Sprintf("/v1/runs/%s/%s", args[0], suffix))
		},
	}
}

func init() {
	rootCmd.AddCommand(runCommand("status", "Show run status and shard tally", "status"))
	rootCmd.AddCommand(runCommand("shards", "List a run's shard records", "shards"))
	rootCmd.AddCommand(runCommand("events", "List a run's events", "events"))
	rootCmd.AddCommand(runCommand("dlq", "List a run's dead-lettered shards", "dlq"))

	rootCmd.AddCommand(&cobra.Command{
		Use:   "workers",
		Short: "List worker presence records",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printGet("/v1/workers")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "depth",
		Short: "Show the queue depth seen by the worker",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printGet("/v1/queue/depth")
		},
	})

	rootCmd.AddCommand(&cobra.Command{
		Use:   "health",
		Short: "Check worker health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return printGet("/v1/health")
		},
	})
}
