package emu

import "os"

// CrossBuildOptions requests an additional translation artifact built
// for another platform; the artifact is written next to the local one
// with its own prefix/suffix.
type CrossBuildOptions struct {
	GOOS   string
	GOARCH string
	Prefix string
	Suffix string
}

// EmbeddableCodeOptions requests an embeddable source rendition of the
// translation, suitable for compiling into the host binary where it
// self-registers at startup.
type EmbeddableCodeOptions struct {
	Prefix string
	Suffix string
}

// Options configures a Machine, mirroring the knobs the translator and
// decoder-cache construction consult. The zero value is not useful; use
// DefaultOptions.
type Options struct {
	XLEN         uint // 32 or 64
	MemorySize   uint64
	InitialRoEnd uint64

	CompressedEnabled bool
	AtomicsEnabled    bool
	VectorLanes       uint // 0 disables the vector extension
	Nanboxing         bool
	RewriterEnabled   bool

	// EncompassingNbitArena, when non-zero (e.g. 32), makes guest
	// addresses wrap inside a 2^n arena: translated accesses mask the
	// address instead of bounds-checking it.
	EncompassingNbitArena uint

	TranslateEnabled                bool
	TranslateEnableEmbedded         bool
	TranslateInvokeCompiler         bool
	TranslateInstrMax               uint64
	TranslateBlocksMax              uint64
	TranslateTrace                  bool
	TranslateIgnoreInstructionLimit bool
	TranslateTiming                 bool
	TranslationCache                bool
	TranslationUseArena             bool
	TranslationPrefix               string
	TranslationSuffix               string
	TranslateJIT                    bool

	// TranslateBackgroundCallback, when set, receives the packaged
	// compilation step instead of it running synchronously; the segment
	// is then live-patched once compilation finishes.
	TranslateBackgroundCallback func(func())

	CrossCompile []interface{} // CrossBuildOptions or EmbeddableCodeOptions

	// ArtifactStorePath enables the pebble-backed translation artifact
	// store when non-empty.
	ArtifactStorePath string

	VerboseLoader bool

	// Translator is installed by the translator package (or left nil to
	// run interpreted-only).
	Translator TranslatorHook
}

// TranslatorHook is how the decoder-cache constructor reaches the
// binary translator without a package cycle. The hook runs after the
// segment buffer and hash are frozen but before the decode pass, so a
// cached translation is bound before fastsim realizes block ends.
type TranslatorHook interface {
	OnExecuteSegment(m *Machine, seg *Segment) error
}

// DefaultOptions mirrors the original defaults: translation on, caching
// on, generous block budgets.
func DefaultOptions() Options {
	o := Options{
		XLEN:                    64,
		MemorySize:              64 << 20,
		CompressedEnabled:       true,
		AtomicsEnabled:          true,
		Nanboxing:               true,
		TranslateEnabled:        true,
		TranslateEnableEmbedded: true,
		TranslateInvokeCompiler: true,
		TranslateInstrMax:       16_000_000,
		TranslateBlocksMax:      16_000,
		TranslationCache:        true,
		TranslationUseArena:     true,
		TranslationPrefix:       "/tmp/rvm-",
		TranslationSuffix:       ".so",
	}
	o.applyEnv()
	return o
}

// applyEnv honors the RVM_MODE / RVM_VERBOSE environment overrides.
func (o *Options) applyEnv() {
	if os.Getenv("RVM_MODE") == "interpreter" {
		o.TranslateEnabled = false
		o.TranslateEnableEmbedded = false
	}
	if os.Getenv("RVM_VERBOSE") == "1" {
		o.VerboseLoader = true
	}
}

// Stride is the decoder-cache step: 2 with the compressed extension,
// otherwise 4.
func (o *Options) Stride() uint64 {
	if o.CompressedEnabled {
		return 2
	}
	return 4
}

// AlignMask is the branch-target alignment mask.
func (o *Options) AlignMask() uint64 {
	if o.CompressedEnabled {
		return 0x1
	}
	return 0x3
}
