package translator

import (
	"bytes"
	"path/filepath"
	"testing"
)

func TestStoreRoundTrip(t *testing.T) {
	st, err := OpenStore(filepath.Join(t.TempDir(), "artifacts"))
	if err != nil {
		t.Fatal(err)
	}
	defer st.Close()

	src := []byte("package main\n// translation unit\n")
	if err := st.PutSource(0xDEADBEEF, src); err != nil {
		t.Fatal(err)
	}
	got, ok := st.GetSource(0xDEADBEEF)
	if !ok || !bytes.Equal(got, src) {
		t.Fatalf("source round trip failed: ok=%v got=%q", ok, got)
	}

	if _, ok := st.GetSource(0x12345678); ok {
		t.Fatal("missing hash must be a miss")
	}

	obj := bytes.Repeat([]byte{0x7F, 'E', 'L', 'F'}, 64)
	if err := st.PutObject(0xDEADBEEF, "linux", "amd64", obj); err != nil {
		t.Fatal(err)
	}
	gotObj, ok := st.GetObject(0xDEADBEEF, "linux", "amd64")
	if !ok || !bytes.Equal(gotObj, obj) {
		t.Fatal("object round trip failed")
	}
	if _, ok := st.GetObject(0xDEADBEEF, "windows", "arm64"); ok {
		t.Fatal("different platform must be a miss")
	}
}

func TestStoreDetectsCorruption(t *testing.T) {
	value, err := encodeArtifact([]byte("hello"))
	if err != nil {
		t.Fatal(err)
	}
	// Flip a byte inside the content tag.
	value[3] ^= 0xFF
	if _, err := decodeArtifact(value); err == nil {
		t.Fatal("corrupt artifact must not decode")
	}
}
