package translator

import (
	"bytes"
	"fmt"
	"io"

	"github.com/cockroachdb/pebble"
	"github.com/pierrec/lz4/v4"
	"golang.org/x/crypto/blake2b"
)

// Store is the persistent translation artifact cache: emitted source
// and built shared objects keyed by translation hash. Values are
// lz4-compressed and carry a blake2b content tag so a corrupt artifact
// is treated as a miss rather than loaded.
type Store struct {
	db *pebble.DB
}

func OpenStore(path string) (*Store, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open artifact store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

func sourceKey(hash uint32) []byte {
	return []byte(fmt.Sprintf("src/%08X", hash))
}

func objectKey(hash uint32, goos, goarch string) []byte {
	return []byte(fmt.Sprintf("obj/%08X/%s-%s", hash, goos, goarch))
}

func encodeArtifact(raw []byte) ([]byte, error) {
	sum := blake2b.Sum256(raw)
	var buf bytes.Buffer
	buf.Write(sum[:16])
	w := lz4.NewWriter(&buf)
	if _, err := w.Write(raw); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeArtifact(value []byte) ([]byte, error) {
	if len(value) < 16 {
		return nil, fmt.Errorf("artifact too short")
	}
	tag := value[:16]
	r := lz4.NewReader(bytes.NewReader(value[16:]))
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	sum := blake2b.Sum256(raw)
	if !bytes.Equal(tag, sum[:16]) {
		return nil, fmt.Errorf("artifact content tag mismatch")
	}
	return raw, nil
}

func (s *Store) put(key, raw []byte) error {
	value, err := encodeArtifact(raw)
	if err != nil {
		return err
	}
	return s.db.Set(key, value, pebble.Sync)
}

func (s *Store) get(key []byte) ([]byte, bool) {
	value, closer, err := s.db.Get(key)
	if err != nil {
		return nil, false
	}
	defer closer.Close()
	raw, err := decodeArtifact(value)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// PutSource stores the emitted translation unit for a hash.
func (s *Store) PutSource(hash uint32, src []byte) error {
	return s.put(sourceKey(hash), src)
}

func (s *Store) GetSource(hash uint32) ([]byte, bool) {
	return s.get(sourceKey(hash))
}

// PutObject stores a built shared object for a hash and platform.
func (s *Store) PutObject(hash uint32, goos, goarch string, obj []byte) error {
	return s.put(objectKey(hash, goos, goarch), obj)
}

func (s *Store) GetObject(hash uint32, goos, goarch string) ([]byte, bool) {
	return s.get(objectKey(hash, goos, goarch))
}
