//go:build linux

package ram

import "golang.org/x/sys/unix"

// alloc maps anonymous memory so large arenas stay out of the Go heap
// and unused pages cost nothing until touched.
func alloc(size int) ([]byte, error) {
	return unix.Mmap(
		-1, 0,
		size,
		unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_PRIVATE|unix.MAP_ANONYMOUS|unix.MAP_NORESERVE,
	)
}

func release(data []byte) error {
	if data == nil {
		return nil
	}
	return unix.Munmap(data)
}
