//go:build unix

package memory

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// allocate maps anonymous private memory, rounded up to whole pages, and
// returns the first size bytes of it.
func allocate(size int) ([]byte, func() error, error) {
	pageSize := unix.Getpagesize()
	allocSize := ((size + pageSize - 1) / pageSize) * pageSize

	mem, err := unix.Mmap(-1, 0, allocSize, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		return nil, nil, fmt.Errorf("mmap: %w", err)
	}

	return mem[:size:size], func() error {
		if err := unix.Munmap(mem); err != nil {
			return fmt.Errorf("munmap: %w", err)
		}
		return nil
	}, nil
}
