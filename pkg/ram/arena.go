package ram

import (
	"encoding/binary"
	"fmt"
)

// Constants for the guest memory layout.
const (
	PageSize = 1 << 12
)

var (
	// ErrOutOfRange marks a sized access that falls outside the arena.
	ErrOutOfRange = fmt.Errorf("memory access out of range")
	// ErrBadSize marks a sized access with a width other than 1/2/4/8.
	ErrBadSize = fmt.Errorf("invalid sized memory operation")
)

// Arena is the flat guest memory: a single byte range covering
// [0, Size()), with everything below RoEnd() treated as initial
// read-only data for the translator's store fast path. The zero page is
// never readable so that guest null dereferences fault.
type Arena struct {
	data  []byte
	roEnd uint64
}

// New allocates an arena of the given size, rounded up to a page
// boundary. roEnd marks the end of the initial read-only data range.
func New(size, roEnd uint64) (*Arena, error) {
	if size == 0 {
		return nil, fmt.Errorf("arena size must be non-zero")
	}
	size = (size + PageSize - 1) &^ (PageSize - 1)
	data, err := alloc(int(size))
	if err != nil {
		return nil, fmt.Errorf("failed to allocate %d byte arena: %w", size, err)
	}
	return &Arena{data: data, roEnd: roEnd}, nil
}

// Close releases the arena memory.
func (a *Arena) Close() error {
	data := a.data
	a.data = nil
	return release(data)
}

func (a *Arena) Size() uint64  { return uint64(len(a.data)) }
func (a *Arena) RoEnd() uint64 { return a.roEnd }

// Data exposes the backing bytes; translated code indexes it directly.
func (a *Arena) Data() []byte { return a.data }

// ReadableAt reports whether [addr, addr+n) is a legal guest read.
// The zero page is reserved.
func (a *Arena) ReadableAt(addr, n uint64) bool {
	return addr >= PageSize && addr+n <= uint64(len(a.data)) && addr+n >= addr
}

// WritableAt reports whether [addr, addr+n) is a legal guest write.
// Initial read-only data is excluded.
func (a *Arena) WritableAt(addr, n uint64) bool {
	return addr >= a.roEnd && addr+n <= uint64(len(a.data)) && addr+n >= addr
}

// Inspect returns a view of [addr, addr+n) for readable ranges.
func (a *Arena) Inspect(addr, n uint64) ([]byte, error) {
	if !a.ReadableAt(addr, n) {
		return nil, fmt.Errorf("inspect %#x+%d: %w", addr, n, ErrOutOfRange)
	}
	return a.data[addr : addr+n], nil
}

// Mutate copies b into the arena without a writability check; loaders
// use it to place initial data, including read-only segments.
func (a *Arena) Mutate(addr uint64, b []byte) error {
	if addr+uint64(len(b)) > uint64(len(a.data)) || addr+uint64(len(b)) < addr {
		return fmt.Errorf("mutate %#x+%d: %w", addr, len(b), ErrOutOfRange)
	}
	copy(a.data[addr:], b)
	return nil
}

// Read performs a sized little-endian guest load.
func (a *Arena) Read(addr uint64, size uint) (uint64, error) {
	if !a.ReadableAt(addr, uint64(size)) {
		return 0, fmt.Errorf("read%d %#x: %w", size*8, addr, ErrOutOfRange)
	}
	switch size {
	case 1:
		return uint64(a.data[addr]), nil
	case 2:
		return uint64(binary.LittleEndian.Uint16(a.data[addr:])), nil
	case 4:
		return uint64(binary.LittleEndian.Uint32(a.data[addr:])), nil
	case 8:
		return binary.LittleEndian.Uint64(a.data[addr:]), nil
	}
	return 0, fmt.Errorf("read size %d: %w", size, ErrBadSize)
}

// Write performs a sized little-endian guest store.
func (a *Arena) Write(addr, value uint64, size uint) error {
	if !a.WritableAt(addr, uint64(size)) {
		return fmt.Errorf("write%d %#x: %w", size*8, addr, ErrOutOfRange)
	}
	switch size {
	case 1:
		a.data[addr] = byte(value)
	case 2:
		binary.LittleEndian.PutUint16(a.data[addr:], uint16(value))
	case 4:
		binary.LittleEndian.PutUint32(a.data[addr:], uint32(value))
	case 8:
		binary.LittleEndian.PutUint64(a.data[addr:], value)
	default:
		return fmt.Errorf("write size %d: %w", size, ErrBadSize)
	}
	return nil
}
