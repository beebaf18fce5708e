package main

import (
	"bytes"
	"io"
	"math/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/vkngwrapper/suballoc"
	"github.com/vkngwrapper/suballoc/devicemem"
)

// runMemsim executes the root command with a fresh set of global flags and returns its stdout
func runMemsim(t *testing.T, args ...string) (string, error) {
	t.Helper()

	defaults := suballoc.DefaultSettings()
	verbose = false
	jsonOut = false
	minBlockSize = defaults.MinBlockSize
	maxBlockSize = defaults.MaxBlockSize
	growthFactor = defaults.GrowthFactor
	minMargin = defaults.MinAllocatedRegionMargin
	minFreeRegister = defaults.MinFreeRegionSizeToRegister
	retirement = defaults.Retirement.String()
	heapLimit = 0
	randomTraceOut = ""

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetArgs(args)

	err := rootCmd.Execute()
	return out.String(), err
}

func writeTraceFile(t *testing.T, contents string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "trace.json")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestParseTrace(t *testing.T) {
	ops, err := parseTrace([]byte(`[
  {"op": "alloc", "id": "a", "size": 4096},
  {"op": "alloc", "id": "b", "size": 100, "align": 256, "comment": "ignored"},
  {"op": "free", "id": "a"}
]`))
	require.NoError(t, err)
	require.Equal(t, []traceOp{
		{Op: opAlloc, ID: "a", Size: 4096, Align: 1},
		{Op: opAlloc, ID: "b", Size: 100, Align: 256},
		{Op: opFree, ID: "a", Align: 1},
	}, ops)
}

func TestParseTrace_Errors(t *testing.T) {
	_, err := parseTrace([]byte(`[{"op": "alloc", "id": "a", "size": 4096}`))
	require.Error(t, err)

	_, err = parseTrace([]byte(`{"op": "alloc"}`))
	require.Error(t, err)

	_, err = parseTrace([]byte(`[{"op": "resize", "id": "a"}]`))
	require.ErrorContains(t, err, "unknown op")

	_, err = parseTrace([]byte(`[{"op": "free"}]`))
	require.ErrorContains(t, err, "has no id")
}

func TestWriteTrace(t *testing.T) {
	ops := generateWorkload(rand.New(rand.NewSource(5)), 200, 10000, 6, 0.4)

	data, err := writeTrace(ops)
	require.NoError(t, err)

	parsed, err := parseTrace(data)
	require.NoError(t, err)
	for index := range ops {
		if ops[index].Op == opFree {
			// Frees carry no alignment, so they parse with the default
			ops[index].Align = 1
		}
	}
	require.Equal(t, ops, parsed)
}

func TestSimulator(t *testing.T) {
	settings := suballoc.DefaultSettings()
	settings.MinBlockSize = 4096
	settings.MaxBlockSize = 4096
	settings.MinFreeRegionSizeToRegister = 0

	host, err := devicemem.NewHostAllocator(devicemem.HostAllocatorOptions{MemoryTypeCount: 1, HeapLimit: 8192})
	require.NoError(t, err)
	collection, err := suballoc.NewCollection(newLogger(io.Discard), host, simulatedMemoryType, settings)
	require.NoError(t, err)

	sim := newSimulator(collection, true)
	require.NoError(t, sim.run([]traceOp{
		{Op: opAlloc, ID: "a", Size: 4096, Align: 1},
		{Op: opAlloc, ID: "b", Size: 4096, Align: 1},
		{Op: opAlloc, ID: "too large", Size: 5000, Align: 1},
		{Op: opAlloc, ID: "out of heap", Size: 4096, Align: 1},
		{Op: opFree, ID: "a"},
	}))
	require.Equal(t, 2, sim.allocCount)
	require.Equal(t, 1, sim.freeCount)
	require.Equal(t, 2, sim.failureCount)
	require.Equal(t, []string{"b"}, sim.liveIDs())

	err = sim.apply(traceOp{Op: opAlloc, ID: "b", Size: 16, Align: 1})
	require.ErrorContains(t, err, "already live")

	err = sim.apply(traceOp{Op: opFree, ID: "a"})
	require.ErrorContains(t, err, "not live")

	require.NoError(t, sim.finish())
	require.Equal(t, 0, host.AllocationCount())
}

func TestReplayCommand(t *testing.T) {
	path := writeTraceFile(t, `[
  {"op": "alloc", "id": "a", "size": 4096},
  {"op": "alloc", "id": "b", "size": 100, "align": 16},
  {"op": "free", "id": "a"}
]`)

	output, err := runMemsim(t, "replay", path,
		"--min-block-size", "4096",
		"--max-block-size", "65536",
		"--min-free-register", "0")
	require.NoError(t, err)
	require.Contains(t, output, "Operations: 2 allocations, 1 frees, 0 failed allocations")
	require.Contains(t, output, "Blocks: 2 (12 KiB reserved from the host)")
	require.Contains(t, output, "Block 0: 4.0 KiB")
	require.Contains(t, output, "Block 1: 8.0 KiB")
	require.Contains(t, output, "Live allocations: 1 (100 B)")
}

func TestReplayCommand_JSON(t *testing.T) {
	path := writeTraceFile(t, `[{"op": "alloc", "id": "a", "size": 100}]`)

	output, err := runMemsim(t, "replay", path,
		"--min-block-size", "4096",
		"--max-block-size", "65536",
		"--json")
	require.NoError(t, err)
	require.Contains(t, output, `"MemoryTypeIndex":0`)
	require.Contains(t, output, `"CustomData":"a"`)
}

func TestReplayCommand_BadSettings(t *testing.T) {
	path := writeTraceFile(t, `[]`)

	_, err := runMemsim(t, "replay", path, "--retire", "Never")
	require.ErrorContains(t, err, "unknown retirement policy")

	_, err = runMemsim(t, "replay", path, "--min-block-size", "8192", "--max-block-size", "4096")
	require.Error(t, err)
}

func TestRandomCommandMatchesReplay(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "workload.json")
	settingsArgs := []string{
		"--min-block-size", "4096",
		"--max-block-size", "65536",
		"--min-margin", "16",
		"--retire", "Eager",
	}

	randomArgs := append([]string{"random", "--seed", "3", "--steps", "500", "--max-size", "8192", "--trace-out", tracePath}, settingsArgs...)
	randomOutput, err := runMemsim(t, randomArgs...)
	require.NoError(t, err)
	require.Contains(t, randomOutput, "0 failed allocations")

	replayArgs := append([]string{"replay", tracePath}, settingsArgs...)
	replayOutput, err := runMemsim(t, replayArgs...)
	require.NoError(t, err)

	require.Equal(t, randomOutput, replayOutput)
}

func TestRandomCommandWithFailuresMatchesReplay(t *testing.T) {
	tracePath := filepath.Join(t.TempDir(), "workload.json")
	settingsArgs := []string{
		"--min-block-size", "4096",
		"--max-block-size", "16384",
		"--heap-limit", "32768",
	}

	randomArgs := append([]string{"random", "--seed", "11", "--steps", "500", "--max-size", "8192", "--trace-out", tracePath}, settingsArgs...)
	randomOutput, err := runMemsim(t, randomArgs...)
	require.NoError(t, err)
	require.NotContains(t, randomOutput, ", 0 failed allocations")

	data, err := os.ReadFile(tracePath)
	require.NoError(t, err)
	ops, err := parseTrace(data)
	require.NoError(t, err)

	generated := generateWorkload(rand.New(rand.NewSource(11)), 500, 8192, 8, 0.4)
	require.Less(t, len(ops), len(generated))

	replayArgs := append([]string{"replay", tracePath}, settingsArgs...)
	replayOutput, err := runMemsim(t, replayArgs...)
	require.NoError(t, err)

	require.Equal(t, randomOutput, replayOutput)
}
