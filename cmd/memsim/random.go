package main

import (
	"math/rand"
	"os"
	"strconv"

	"github.com/cockroachdb/errors"
	"github.com/spf13/cobra"
)

var (
	randomSeed      int64
	randomSteps     int
	randomMaxSize   int
	randomMaxShift  int
	randomFreeRatio float64
	randomTraceOut  string
)

func init() {
	cmd := newRandomCmd()
	cmd.Flags().Int64Var(&randomSeed, "seed", 1, "Seed for the workload generator")
	cmd.Flags().IntVar(&randomSteps, "steps", 10000, "Number of operations to run")
	cmd.Flags().IntVar(&randomMaxSize, "max-size", 1<<20, "Largest allocation requested")
	cmd.Flags().IntVar(&randomMaxShift, "max-align-shift", 8, "Alignments are chosen between 1 and 1<<max-align-shift")
	cmd.Flags().Float64Var(&randomFreeRatio, "free-ratio", 0.4, "Probability that a step frees a live allocation")
	cmd.Flags().StringVar(&randomTraceOut, "trace-out", "", "Write the generated operations to this file as a replayable trace")
	rootCmd.AddCommand(cmd)
}

func newRandomCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "random",
		Short: "Run a random allocation workload",
		Long: `The random command runs a seeded random mix of allocations and frees against a
fresh collection, validating every block after each step.

Example:
  memsim random --seed 7 --steps 100000
  memsim random --trace-out workload.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRandom(cmd)
		},
	}
	return cmd
}

// generateWorkload produces steps operations. Frees always refer to an allocation the workload
// itself made, but an allocation that fails leaves its free pointing at an id that is not live, so
// the caller must skip those frees.
func generateWorkload(rnd *rand.Rand, steps, maxSize, maxAlignShift int, freeRatio float64) []traceOp {
	ops := make([]traceOp, 0, steps)
	var live []string
	nextID := 0

	for len(ops) < steps {
		if len(live) > 0 && rnd.Float64() < freeRatio {
			index := rnd.Intn(len(live))
			ops = append(ops, traceOp{Op: opFree, ID: live[index]})
			live[index] = live[len(live)-1]
			live = live[:len(live)-1]
			continue
		}

		id := strconv.Itoa(nextID)
		nextID++
		ops = append(ops, traceOp{
			Op:    opAlloc,
			ID:    id,
			Size:  1 + rnd.Intn(maxSize),
			Align: uint(1) << rnd.Intn(maxAlignShift+1),
		})
		live = append(live, id)
	}

	return ops
}

func runRandom(cmd *cobra.Command) error {
	if randomSteps < 0 || randomMaxSize < 1 || randomMaxShift < 0 || randomMaxShift > 30 {
		return errors.New("steps must be non-negative, max-size positive and max-align-shift between 0 and 30")
	}

	ops := generateWorkload(rand.New(rand.NewSource(randomSeed)), randomSteps, randomMaxSize, randomMaxShift, randomFreeRatio)

	collection, host, err := newSimulatedCollection(newLogger(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}

	sim := newSimulator(collection, true)
	applied := make([]traceOp, 0, len(ops))
	var runErr error
	for index, op := range ops {
		if op.Op == opFree {
			if _, live := sim.live[op.ID]; !live {
				// The matching allocation failed
				continue
			}
		}

		runErr = sim.apply(op)
		if runErr != nil {
			runErr = errors.Wrapf(runErr, "step %d", index)
			break
		}
		applied = append(applied, op)
	}

	if runErr == nil && randomTraceOut != "" {
		runErr = saveTrace(randomTraceOut, applied)
	}

	if runErr == nil {
		runErr = printReport(cmd.OutOrStdout(), collection, host, sim)
	}

	return errors.CombineErrors(runErr, sim.finish())
}

// saveTrace saves the operations that were actually applied, so frees of failed
// allocations never reach the trace.
func saveTrace(path string, ops []traceOp) error {
	data, err := writeTrace(ops)
	if err != nil {
		return err
	}

	err = os.WriteFile(path, data, 0o644)
	if err != nil {
		return errors.Wrap(err, "failed to write trace")
	}
	return nil
}
