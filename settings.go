package suballoc

import (
	"math"

	"github.com/cockroachdb/errors"
	"github.com/vkngwrapper/suballoc/memutils"
)

// RetirementPolicy decides what a Collection does with a block once its last allocation
// is freed.
type RetirementPolicy uint32

const (
	// RetireKeepLargestEmpty keeps at most one empty block around as a cache. When a second
	// block becomes empty, the smaller of the two is released; if they are the same size, the
	// newer one is released.
	RetireKeepLargestEmpty RetirementPolicy = iota
	// RetireEager releases every block as soon as it becomes empty.
	RetireEager
)

var retirementPolicyMapping = map[RetirementPolicy]string{
	RetireKeepLargestEmpty: "KeepLargestEmpty",
	RetireEager:            "Eager",
}

func (p RetirementPolicy) String() string {
	return retirementPolicyMapping[p]
}

// ParseRetirementPolicy converts the output of RetirementPolicy.String back into a RetirementPolicy
func ParseRetirementPolicy(name string) (RetirementPolicy, error) {
	for policy, policyName := range retirementPolicyMapping {
		if policyName == name {
			return policy, nil
		}
	}

	return 0, errors.Wrapf(memutils.ErrInvalidArgument, "unknown retirement policy %q", name)
}

const (
	// DefaultMaxBlockSize is the largest block a Collection will create with DefaultSettings
	DefaultMaxBlockSize = 256 * 1024 * 1024
	// DefaultMinBlockSize is the first block size a Collection will create with DefaultSettings. Blocks
	// grow from here toward DefaultMaxBlockSize.
	DefaultMinBlockSize = DefaultMaxBlockSize / 8
	// DefaultGrowthFactor is the multiplier applied to the largest existing block when sizing a new one
	DefaultGrowthFactor = 2.0
	// DefaultMinFreeRegionSizeToRegister is the smallest free region searched for new allocations with
	// DefaultSettings
	DefaultMinFreeRegionSizeToRegister = 256
)

// Settings is the immutable configuration of a Collection and of the metadata of every block it
// creates. Use DefaultSettings as a starting point.
type Settings struct {
	// MinBlockSize is the size of the first block created and the floor for every later block
	MinBlockSize int
	// MaxBlockSize is the size no block will ever exceed. Allocations larger than this fail
	// immediately with ErrRequestTooLarge.
	MaxBlockSize int
	// GrowthFactor multiplies the size of the largest existing block to size a new one. It must be
	// at least 1.
	GrowthFactor float64
	// MinAllocatedRegionMargin is the smallest free gap left directly behind an allocation. Smaller
	// trailing gaps are absorbed into the allocation instead.
	MinAllocatedRegionMargin int
	// MinFreeRegionSizeToRegister is the smallest free region that is searched for new allocations.
	// Smaller free regions only become usable again by merging with their neighbors.
	MinFreeRegionSizeToRegister int
	// MinAllocationAlignment is applied to any allocation that requests a smaller alignment
	MinAllocationAlignment uint
	// MinBlockCount blocks are created up front, and the Collection never retires below this count
	MinBlockCount int
	// MaxBlockCount caps the number of blocks. Allocations that would require more fail with
	// ErrOutOfMemory.
	MaxBlockCount int
	// Retirement chooses what happens to blocks that become empty
	Retirement RetirementPolicy
	// ExternallySynchronized removes the Collection's internal lock. Only set this if every call
	// into the Collection is already serialized by the caller.
	ExternallySynchronized bool
}

// DefaultSettings returns the settings used when nothing in particular is required
func DefaultSettings() Settings {
	return Settings{
		MinBlockSize:                DefaultMinBlockSize,
		MaxBlockSize:                DefaultMaxBlockSize,
		GrowthFactor:                DefaultGrowthFactor,
		MinFreeRegionSizeToRegister: DefaultMinFreeRegionSizeToRegister,
		MinAllocationAlignment:      1,
		MaxBlockCount:               math.MaxInt,
		Retirement:                  RetireKeepLargestEmpty,
	}
}

// Validate returns an error marked with memutils.ErrInvalidArgument when the settings are inconsistent
func (s Settings) Validate() error {
	if s.MinBlockSize < 1 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "MinBlockSize must be at least 1, but was %d", s.MinBlockSize)
	}

	if s.MaxBlockSize < s.MinBlockSize {
		return errors.Wrapf(memutils.ErrInvalidArgument, "MaxBlockSize %d is smaller than MinBlockSize %d", s.MaxBlockSize, s.MinBlockSize)
	}

	if math.IsNaN(s.GrowthFactor) || s.GrowthFactor < 1 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "GrowthFactor must be at least 1, but was %f", s.GrowthFactor)
	}

	if s.MinAllocatedRegionMargin < 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "MinAllocatedRegionMargin cannot be negative, but was %d", s.MinAllocatedRegionMargin)
	}

	if s.MinFreeRegionSizeToRegister < 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "MinFreeRegionSizeToRegister cannot be negative, but was %d", s.MinFreeRegionSizeToRegister)
	}

	err := memutils.CheckPow2(s.MinAllocationAlignment, "MinAllocationAlignment")
	if err != nil {
		return errors.Mark(err, memutils.ErrInvalidArgument)
	}

	if s.MinBlockCount < 0 {
		return errors.Wrapf(memutils.ErrInvalidArgument, "MinBlockCount cannot be negative, but was %d", s.MinBlockCount)
	}

	if s.MaxBlockCount < 1 || s.MaxBlockCount < s.MinBlockCount {
		return errors.Wrapf(memutils.ErrInvalidArgument, "MaxBlockCount %d must be at least 1 and at least MinBlockCount %d", s.MaxBlockCount, s.MinBlockCount)
	}

	_, known := retirementPolicyMapping[s.Retirement]
	if !known {
		return errors.Wrapf(memutils.ErrInvalidArgument, "unknown retirement policy %d", s.Retirement)
	}

	return nil
}

// nextBlockSize sizes a new block for an allocation of allocSize bytes, given the size of the
// largest block that already exists
func (s Settings) nextBlockSize(allocSize, largestBlockSize int) int {
	blockSize := max(s.MinBlockSize, allocSize)

	grown := float64(largestBlockSize) * s.GrowthFactor
	if grown >= float64(s.MaxBlockSize) {
		return s.MaxBlockSize
	}

	return min(s.MaxBlockSize, max(blockSize, int(grown)))
}
