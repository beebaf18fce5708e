package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/launchdarkly/go-jsonstream/v3/jwriter"
	"github.com/spf13/cobra"
	"github.com/vkngwrapper/suballoc"
	"github.com/vkngwrapper/suballoc/devicemem"
	"github.com/vkngwrapper/suballoc/memutils"
)

const simulatedMemoryType = 0

var (
	// Global flags
	verbose         bool
	jsonOut         bool
	minBlockSize    int
	maxBlockSize    int
	growthFactor    float64
	minMargin       int
	minFreeRegister int
	retirement      string
	heapLimit       int
)

var rootCmd = &cobra.Command{
	Use:   "memsim",
	Short: "Simulate GPU memory sub-allocation on host memory",
	Long: `memsim drives a block collection backed by host memory, so that block sizing,
fragmentation and retirement settings can be tried out without a GPU.`,
	SilenceUsage: true,
}

func init() {
	defaults := suballoc.DefaultSettings()

	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log every block creation and release")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print the detailed memory map as JSON")
	rootCmd.PersistentFlags().IntVar(&minBlockSize, "min-block-size", defaults.MinBlockSize, "Size of the first block")
	rootCmd.PersistentFlags().IntVar(&maxBlockSize, "max-block-size", defaults.MaxBlockSize, "Size no block will exceed")
	rootCmd.PersistentFlags().Float64Var(&growthFactor, "growth-factor", defaults.GrowthFactor, "Multiplier applied to the largest block when creating a new one")
	rootCmd.PersistentFlags().IntVar(&minMargin, "min-margin", defaults.MinAllocatedRegionMargin, "Smallest free gap left behind an allocation")
	rootCmd.PersistentFlags().IntVar(&minFreeRegister, "min-free-register", defaults.MinFreeRegionSizeToRegister, "Smallest free region searched for allocations")
	rootCmd.PersistentFlags().StringVar(&retirement, "retire", defaults.Retirement.String(), "Empty block retirement policy (KeepLargestEmpty or Eager)")
	rootCmd.PersistentFlags().IntVar(&heapLimit, "heap-limit", 0, "Total bytes of simulated device memory, 0 for no limit")
}

func execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func settingsFromFlags() (suballoc.Settings, error) {
	settings := suballoc.DefaultSettings()
	settings.MinBlockSize = minBlockSize
	settings.MaxBlockSize = maxBlockSize
	settings.GrowthFactor = growthFactor
	settings.MinAllocatedRegionMargin = minMargin
	settings.MinFreeRegionSizeToRegister = minFreeRegister

	policy, err := suballoc.ParseRetirementPolicy(retirement)
	if err != nil {
		return settings, err
	}
	settings.Retirement = policy

	return settings, settings.Validate()
}

func newLogger(out io.Writer) *slog.Logger {
	level := slog.LevelWarn
	if verbose {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewTextHandler(out, &slog.HandlerOptions{Level: level}))
}

// newSimulatedCollection builds a collection over host memory using the global flags
func newSimulatedCollection(logger *slog.Logger) (*suballoc.Collection, *devicemem.HostAllocator, error) {
	settings, err := settingsFromFlags()
	if err != nil {
		return nil, nil, err
	}

	host, err := devicemem.NewHostAllocator(devicemem.HostAllocatorOptions{
		MemoryTypeCount: 1,
		HeapLimit:       heapLimit,
	})
	if err != nil {
		return nil, nil, err
	}

	allocator := devicemem.WithCallbacks(host, devicemem.Callbacks{
		Allocate: func(memoryTypeIndex int, memory devicemem.Memory, userData any) {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "native allocation",
				slog.Int("MemoryTypeIndex", memoryTypeIndex),
				slog.String("size", humanize.IBytes(uint64(memory.Size))))
		},
		Free: func(memoryTypeIndex int, memory devicemem.Memory, userData any) {
			logger.LogAttrs(context.Background(), slog.LevelDebug, "native free",
				slog.Int("MemoryTypeIndex", memoryTypeIndex),
				slog.String("size", humanize.IBytes(uint64(memory.Size))))
		},
	})

	collection, err := suballoc.NewCollection(logger, allocator, simulatedMemoryType, settings)
	if err != nil {
		return nil, nil, err
	}

	return collection, host, nil
}

// printReport writes either a human-readable summary or the detailed JSON map of the collection
func printReport(out io.Writer, collection *suballoc.Collection, host *devicemem.HostAllocator, sim *simulator) error {
	if jsonOut {
		writer := jwriter.NewWriter()
		collection.PrintDetailedMap(&writer)
		if err := writer.Error(); err != nil {
			return err
		}

		_, err := fmt.Fprintln(out, string(writer.Bytes()))
		return err
	}

	var stats memutils.DetailedStatistics
	stats.Clear()
	collection.AddDetailedStatistics(&stats)

	fmt.Fprintf(out, "Operations: %d allocations, %d frees, %d failed allocations\n", sim.allocCount, sim.freeCount, sim.failureCount)
	fmt.Fprintf(out, "Blocks: %d (%s reserved from the host)\n", collection.BlockCount(), humanize.IBytes(uint64(host.HeapBytes())))
	for index, size := range collection.BlockSizes() {
		fmt.Fprintf(out, "  Block %d: %s\n", index, humanize.IBytes(uint64(size)))
	}
	fmt.Fprintf(out, "Live allocations: %d (%s)\n", stats.AllocationCount, humanize.IBytes(uint64(stats.AllocationBytes)))
	fmt.Fprintf(out, "Free: %s in %d ranges\n", humanize.IBytes(uint64(collection.TotalFreeSize())), stats.UnusedRangeCount)
	if stats.UnusedRangeCount > 0 {
		fmt.Fprintf(out, "  Largest free range: %s\n", humanize.IBytes(uint64(stats.UnusedRangeSizeMax)))
	}

	return nil
}
