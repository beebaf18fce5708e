package main

import (
	"os"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	replayValidate bool
)

func init() {
	cmd := newReplayCmd()
	cmd.Flags().BoolVar(&replayValidate, "validate", true, "Validate the collection after every operation")
	rootCmd.AddCommand(cmd)
}

func newReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay <trace.json>",
		Short: "Replay an allocation trace",
		Long: `The replay command reads a json array of alloc and free operations and runs
them against a fresh collection, then reports the resulting block layout.

Example trace:
  [{"op":"alloc","id":"a","size":4096,"align":256},{"op":"free","id":"a"}]

Example:
  memsim replay trace.json --max-block-size 67108864
  memsim replay trace.json --json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runReplay(cmd, args)
		},
	}
	return cmd
}

func runReplay(cmd *cobra.Command, args []string) error {
	data, err := os.ReadFile(args[0])
	if err != nil {
		return errors.Wrap(err, "failed to read trace")
	}

	ops, err := parseTrace(data)
	if err != nil {
		return err
	}

	collection, host, err := newSimulatedCollection(newLogger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}

	sim := newSimulator(collection, replayValidate)
	runErr := sim.run(ops)
	if runErr == nil {
		runErr = printReport(cmd.OutOrStdout(), collection, host, sim)
	}

	return errors.CombineErrors(runErr, sim.finish())
}
