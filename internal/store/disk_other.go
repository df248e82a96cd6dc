//go:build !linux

package store

import "math"

func diskSpace(path string) (total, avail int64, err error) {
	// No portable statfs here. Report an effectively unlimited disk so
	// the capacity checks stay permissive on non-linux platforms.
	const unlimited = int64(math.MaxInt64 / 2)
	return unlimited, unlimited, nil
}

// FileDescriptorLimit returns the soft open-file limit for the process.
func FileDescriptorLimit() (uint64, error) {
	return math.MaxUint64, nil
}
