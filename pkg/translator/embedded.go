package translator

import (
	"sync"

	"rvm/pkg/emu"
)

// MaxEmbedded bounds the process-wide embedded-translation registry.
const MaxEmbedded = 12

// AddrMapping binds one guest address to a mapping index; it is the
// footer row every translation artifact exports.
type AddrMapping struct {
	Addr         uint64
	MappingIndex uint32
}

// EmbeddedTranslation is a translation statically linked into the host
// binary; its init function registers it here at process startup.
type EmbeddedTranslation struct {
	Hash     uint32
	Mappings []AddrMapping
	Handlers []emu.BlockFn
	// Init receives the freshly built callback table and the arena
	// when the translation is activated.
	Init func(*CallbackTable, []byte)
}

var (
	embeddedMu    sync.Mutex
	embedded      [MaxEmbedded]EmbeddedTranslation
	embeddedCount int
)

// RegisterTranslation adds an embedded translation. Registration is
// expected to complete (from init functions) before any CPU runs.
func RegisterTranslation(t EmbeddedTranslation) error {
	embeddedMu.Lock()
	defer embeddedMu.Unlock()
	if embeddedCount >= MaxEmbedded {
		return emu.Errorf(emu.InvalidProgram, "too many embedded translations")
	}
	embedded[embeddedCount] = t
	embeddedCount++
	return nil
}

// MustRegisterTranslation is the init-function form.
func MustRegisterTranslation(t EmbeddedTranslation) {
	if err := RegisterTranslation(t); err != nil {
		panic(err)
	}
}

// LookupTranslation finds a registered translation by hash.
func LookupTranslation(hash uint32) *EmbeddedTranslation {
	embeddedMu.Lock()
	defer embeddedMu.Unlock()
	for i := 0; i < embeddedCount; i++ {
		if embedded[i].Hash == hash {
			return &embedded[i]
		}
	}
	return nil
}

func resetEmbeddedForTest() {
	embeddedMu.Lock()
	defer embeddedMu.Unlock()
	embedded = [MaxEmbedded]EmbeddedTranslation{}
	embeddedCount = 0
}
