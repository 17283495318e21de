package ram

import (
	"errors"
	"testing"
)

func TestArenaBounds(t *testing.T) {
	a, err := New(1<<20, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	if a.Size() != 1<<20 {
		t.Fatalf("size: got %d", a.Size())
	}
	if a.ReadableAt(0, 4) {
		t.Fatal("zero page must not be readable")
	}
	if !a.ReadableAt(0x1000, 4) {
		t.Fatal("first mapped page must be readable")
	}
	if a.WritableAt(0x1000, 4) {
		t.Fatal("initial read-only data must not be writable")
	}
	if !a.WritableAt(0x2000, 8) {
		t.Fatal("data above RoEnd must be writable")
	}
	if a.ReadableAt(a.Size()-2, 4) {
		t.Fatal("read crossing the arena end must fail")
	}
	if a.ReadableAt(^uint64(0)-1, 4) {
		t.Fatal("wrapping read must fail")
	}
}

func TestArenaReadWrite(t *testing.T) {
	a, err := New(1<<20, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	for _, size := range []uint{1, 2, 4, 8} {
		want := uint64(0x1122334455667788) & (1<<(size*8) - 1)
		if err := a.Write(0x3000, want, size); err != nil {
			t.Fatalf("write%d: %v", size*8, err)
		}
		got, err := a.Read(0x3000, size)
		if err != nil {
			t.Fatalf("read%d: %v", size*8, err)
		}
		if got != want {
			t.Fatalf("read%d: got %#x, want %#x", size*8, got, want)
		}
	}

	if _, err := a.Read(0x3000, 3); !errors.Is(err, ErrBadSize) {
		t.Fatalf("sized read of 3 must fail with ErrBadSize, got %v", err)
	}
	if err := a.Write(0x10, 1, 4); !errors.Is(err, ErrOutOfRange) {
		t.Fatalf("write into the zero page must fail, got %v", err)
	}
}

func TestArenaMutate(t *testing.T) {
	a, err := New(1<<16, 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()

	// Mutate bypasses writability so loaders can place rodata.
	if err := a.Mutate(0x1000, []byte{1, 2, 3, 4}); err != nil {
		t.Fatal(err)
	}
	b, err := a.Inspect(0x1000, 4)
	if err != nil {
		t.Fatal(err)
	}
	if b[0] != 1 || b[3] != 4 {
		t.Fatalf("inspect after mutate: %v", b)
	}
	if err := a.Mutate(a.Size()-2, []byte{1, 2, 3}); err == nil {
		t.Fatal("mutate past the end must fail")
	}
}
