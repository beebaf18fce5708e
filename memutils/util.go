package memutils

import (
	cerrors "github.com/cockroachdb/errors"
	"golang.org/x/exp/constraints"
)

// CheckPow2 returns PowerOfTwoError if number is not a power of two. Zero is not a power of two.
func CheckPow2[T constraints.Integer](number T, name string) error {
	if number <= 0 || number&(number-1) != 0 {
		return cerrors.Wrapf(PowerOfTwoError, "%s is %d", name, number)
	}
	return nil
}

// AlignUp rounds value up to the next multiple of alignment, which must be a power of two
func AlignUp[T constraints.Integer](value T, alignment uint) T {
	return (value + T(alignment) - 1) &^ (T(alignment) - 1)
}

// AlignDown rounds value down to the previous multiple of alignment, which must be a power of two
func AlignDown[T constraints.Integer](value T, alignment uint) T {
	return value &^ (T(alignment) - 1)
}

// IsAligned returns true if value is a multiple of alignment, which must be a power of two
func IsAligned[T constraints.Integer](value T, alignment uint) bool {
	return value&(T(alignment)-1) == 0
}
