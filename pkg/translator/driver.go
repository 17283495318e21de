package translator

import (
	"fmt"
	"hash/crc32"
	"os"
	"runtime"
	"sort"
	"strings"
	"sync"
	"time"
	"unsafe"

	"rvm/pkg/emu"
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// Engine drives binary translation for execute segments. Install it on
// Options.Translator; segment construction calls back into it.
type Engine struct {
	Compiler Compiler
	Loader   func(path string) (Dylib, error)
	Store    *Store

	// jitMu serializes in-process (JIT) compilation.
	jitMu sync.Mutex
}

// NewEngine builds an engine around the default Go-toolchain compiler.
// moduleDir locates this module's source for the generated build.
func NewEngine(moduleDir string) *Engine {
	return &Engine{
		Compiler: GoPluginCompiler{ModuleDir: moduleDir},
		Loader:   OpenDylib,
	}
}

// TranslationFilename renders the artifact path for a hash, bit-exact:
// prefix, eight upper-case hex digits, suffix.
func TranslationFilename(prefix string, hash uint32, suffix string) string {
	return fmt.Sprintf("%s%08X%s", prefix, hash, suffix)
}

// Defines builds the feature-flag map folded into the translation hash
// and exposed to generated code. Any ABI-relevant offset lives here so
// a stale artifact can never be loaded.
func Defines(m *emu.Machine) map[string]string {
	opts := &m.Options
	var cpu emu.CPU
	insOff := unsafe.Offsetof(cpu.InsCounter)
	maxOff := unsafe.Offsetof(cpu.MaxCounter)

	arenaEnd := m.Arena.Size()
	roEnd := m.Arena.RoEnd()
	if !opts.TranslationUseArena {
		roEnd = 0
		arenaEnd = 0x1000
	}

	defines := map[string]string{
		"RVM_TRANSLATION_DYLIB": fmt.Sprintf("%d", opts.XLEN/8),
		"RVM_MAX_SYSCALLS":      fmt.Sprintf("%d", emu.MaxSyscalls),
		"RVM_ARENA_END":         fmt.Sprintf("%d", arenaEnd),
		"RVM_ARENA_ROEND":       fmt.Sprintf("%d", roEnd),
		"RVM_INS_COUNTER_OFF":   fmt.Sprintf("%d", insOff),
		"RVM_MAX_COUNTER_OFF":   fmt.Sprintf("%d", maxOff),
		"RVM_ARENA_OFF":         "0",
	}
	switch runtime.GOOS {
	case "linux":
		defines["RVM_PLATFORM_LINUX"] = "1"
	case "darwin":
		defines["RVM_PLATFORM_DARWIN"] = "1"
	case "windows":
		defines["RVM_PLATFORM_WINDOWS"] = "1"
	case "freebsd":
		defines["RVM_PLATFORM_FREEBSD"] = "1"
	case "openbsd":
		defines["RVM_PLATFORM_OPENBSD"] = "1"
	}
	if opts.AtomicsEnabled {
		defines["RVM_EXT_A"] = "1"
	}
	if opts.CompressedEnabled {
		defines["RVM_EXT_C"] = "1"
	}
	if opts.VectorLanes != 0 {
		defines["RVM_EXT_VECTOR"] = fmt.Sprintf("%d", opts.VectorLanes)
	}
	if opts.Nanboxing {
		defines["RVM_NANBOXING"] = "1"
	}
	if opts.TranslateTrace {
		// Toggling tracing changes the hash, forcing a recompile.
		defines["RVM_TRACING"] = "1"
	}
	if opts.TranslateIgnoreInstructionLimit {
		defines["RVM_IGNORE_INSTRUCTION_LIMIT"] = "1"
	}
	if opts.EncompassingNbitArena != 0 {
		defines["RVM_NBIT_UNBOUNDED"] = fmt.Sprintf("%d", opts.EncompassingNbitArena)
	}
	return defines
}

// DefinesToString renders the map the way it is hashed: sorted
// -Dkey=value pairs.
func DefinesToString(defines map[string]string) string {
	keys := make([]string, 0, len(defines))
	for k := range defines {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteString(" -D")
		sb.WriteString(k)
		sb.WriteString("=")
		sb.WriteString(defines[k])
	}
	return sb.String()
}

// TranslationHash folds the feature flags into the segment content
// hash, naming the translation.
func TranslationHash(segHash uint32, cflags string) uint32 {
	return ^crc32.Update(^segHash, castagnoli, []byte(cflags))
}

// OnExecuteSegment implements emu.TranslatorHook: consult the caches,
// then scan/emit/compile when needed.
func (t *Engine) OnExecuteSegment(m *emu.Machine, seg *emu.Segment) error {
	mustCompile, filename, err := t.loadTranslation(m, seg)
	if err != nil || !mustCompile {
		return err
	}
	return t.tryTranslate(m, seg, filename)
}

// loadTranslation hashes the segment and resolves embedded and on-disk
// translations. It reports whether a compile step is still wanted and
// the artifact filename to produce.
func (t *Engine) loadTranslation(m *emu.Machine, seg *emu.Segment) (bool, string, error) {
	opts := &m.Options
	if opts.TranslateBlocksMax == 0 || (!opts.TranslateEnabled && !opts.TranslateEnableEmbedded) {
		if opts.VerboseLoader {
			fmt.Printf("rvm: binary translation disabled\n")
		}
		seg.SetBinaryTranslated(nil, nil, false)
		return false, "", nil
	}
	if seg.IsBinaryTranslated() {
		return false, "", emu.Errorf(emu.IllegalOperation, "execute segment already binary translated")
	}

	t0 := time.Now()
	cflags := DefinesToString(Defines(m))
	checksum := seg.CRC32CHash()
	if checksum == 0 {
		return false, "", emu.Errorf(emu.InvalidProgram, "invalid execute segment hash for translation")
	}
	checksum = TranslationHash(checksum, cflags)
	seg.SetTranslationHash(checksum)
	if opts.TranslateTiming {
		fmt.Printf(">> Execute segment hashing took %d ns\n", time.Since(t0).Nanoseconds())
	}

	if opts.TranslateEnableEmbedded {
		if reg := LookupTranslation(checksum); reg != nil {
			if opts.VerboseLoader {
				fmt.Printf("rvm: found embedded translation for hash %08X, %d/%d mappings\n",
					checksum, len(reg.Handlers), len(reg.Mappings))
			}
			table := NewCallbackTable(m, false)
			reg.Init(table, m.Arena.Data())

			seg.CreateMappings(len(reg.Handlers))
			for i, fn := range reg.Handlers {
				seg.SetMapping(i, fn)
			}
			seg.SetBinaryTranslated(reg, nil, false)
			if err := bindMappings(m, seg, reg.Mappings); err != nil {
				return false, "", err
			}
			return false, "", nil
		}
		if opts.VerboseLoader {
			fmt.Printf("rvm: no embedded translation found for hash %08X\n", checksum)
		}
	}

	if !opts.TranslateEnabled {
		return false, "", nil
	}

	filename := TranslationFilename(opts.TranslationPrefix, checksum, opts.TranslationSuffix)

	var dylib Dylib
	if _, err := os.Stat(filename); err == nil {
		t1 := time.Now()
		if d, err := t.Loader(filename); err == nil {
			dylib = d
		} else if opts.VerboseLoader {
			fmt.Printf("rvm: %v\n", err)
		}
		if opts.TranslateTiming {
			fmt.Printf(">> dlopen took %d ns\n", time.Since(t1).Nanoseconds())
		}
	}
	mustCompile := dylib == nil

	// JIT compilation is secondary to precompiled artifacts: nothing
	// on disk means we compile in-process later.
	if opts.TranslateJIT && mustCompile {
		return true, filename, nil
	}

	// Cross-compiled artifacts and embeddable source are produced by
	// the compile step even when a local artifact already loaded.
	for _, cc := range opts.CrossCompile {
		switch c := cc.(type) {
		case emu.CrossBuildOptions:
			cross := TranslationFilename(c.Prefix, checksum, c.Suffix)
			if _, err := os.Stat(cross); err != nil {
				mustCompile = true
			}
		case emu.EmbeddableCodeOptions:
			mustCompile = true
		default:
			return false, "", emu.Errorf(emu.InvalidProgram, "invalid cross-compile option")
		}
	}

	if dylib == nil {
		return true, filename, nil
	}

	if err := t.activateDylib(m, seg, dylib, false, false); err != nil {
		return false, "", err
	}
	return mustCompile, filename, nil
}

// bindMappings writes block-end bindings into the published decoder
// cache (the non-live-patch activation path).
func bindMappings(m *emu.Machine, seg *emu.Segment, mappings []AddrMapping) error {
	dc := seg.Decoder()
	for _, mp := range mappings {
		if !seg.IsWithin(mp.Addr) {
			if m.Options.VerboseLoader {
				fmt.Fprintf(os.Stderr, "rvm: translation mapping 0x%X outside execute area 0x%X-0x%X\n",
					mp.Addr, seg.ExecBegin(), seg.ExecEnd())
			}
			continue
		}
		entry := dc.EntryAt(mp.Addr)
		if seg.MappingAt(mp.MappingIndex) == nil {
			entry.SetBytecode(emu.BcInvalid)
			continue
		}
		entry.Instr = mp.MappingIndex
		entry.SetBytecode(emu.BcBlockEnd)
		if err := entry.SetHandler(emu.BlockEndHandler); err != nil {
			return err
		}
		seg.BindMappingAddr(mp.Addr, mp.MappingIndex)
	}
	return nil
}

// tryTranslate scans the segment, emits the translation unit and
// compiles it, synchronously or through the background callback.
func (t *Engine) tryTranslate(m *emu.Machine, seg *emu.Segment, filename string) error {
	opts := &m.Options
	if !opts.TranslateInvokeCompiler {
		return nil
	}

	t2 := time.Now()
	blocks := Scan(m, seg, m.StartAddress())
	if opts.TranslateTiming {
		fmt.Printf(">> Code block detection %d ns\n", time.Since(t2).Nanoseconds())
	}
	if len(blocks) == 0 {
		return nil
	}

	cfg := emitConfig{
		XLEN:        opts.XLEN,
		Compressed:  opts.CompressedEnabled,
		UseArena:    opts.TranslationUseArena,
		ArenaEnd:    m.Arena.Size(),
		ArenaRoEnd:  m.Arena.RoEnd(),
		VectorLanes: opts.VectorLanes,
		NbitArena:   opts.EncompassingNbitArena,
	}
	if !opts.TranslationUseArena {
		cfg.ArenaEnd = 0x1000
		cfg.ArenaRoEnd = 0
	}

	t3 := time.Now()
	var unit strings.Builder
	unit.WriteString(unitHeader())
	var dlmappings []Mapping
	icounter := 0
	for i := range blocks {
		code, mappings := emitBlock(cfg, &blocks[i])
		unit.WriteString(code)
		dlmappings = append(dlmappings, mappings...)
		icounter += len(blocks[i].Instructions)
	}
	footer, nhandlers, err := unitFooter(dlmappings, len(blocks))
	if err != nil {
		return err
	}
	if opts.TranslateTiming {
		fmt.Printf(">> Code generation took %d ns\n", time.Since(t3).Nanoseconds())
	}
	if opts.VerboseLoader {
		fmt.Printf("rvm: emitted %d accelerated instructions and %d functions (%d unique)\n",
			icounter, len(dlmappings), nhandlers)
	}
	if len(dlmappings) == 0 {
		if opts.VerboseLoader {
			fmt.Printf("rvm: binary translator has nothing to compile, no mappings\n")
		}
		return nil
	}

	code := unit.String()
	defines := Defines(m)
	hash := seg.TranslationHash()
	livePatch := opts.TranslateBackgroundCallback != nil

	if t.Store != nil {
		if err := t.Store.PutSource(hash, []byte(code+footer)); err != nil && opts.VerboseLoader {
			fmt.Printf("rvm: artifact store write failed: %v\n", err)
		}
	}

	// Embeddable source output is produced eagerly; it does not need
	// the compiler.
	for _, cc := range opts.CrossCompile {
		if ec, ok := cc.(emu.EmbeddableCodeOptions); ok {
			embedFile := TranslationFilename(ec.Prefix, hash, ec.Suffix)
			src := embeddableUnit(hash, code, dlmappings)
			if err := os.WriteFile(embedFile, []byte(src), 0o644); err != nil {
				return fmt.Errorf("failed to write embeddable translation: %w", err)
			}
		}
	}

	seg.Ref()
	compilationStep := func() {
		defer seg.Unref()
		t.compileAndActivate(m, seg, code+footer, defines, filename, livePatch)
	}

	if opts.TranslateBackgroundCallback != nil {
		opts.TranslateBackgroundCallback(compilationStep)
	} else {
		compilationStep()
	}
	return nil
}

func (t *Engine) compileAndActivate(m *emu.Machine, seg *emu.Segment, code string, defines map[string]string, filename string, livePatch bool) {
	opts := &m.Options
	hash := seg.TranslationHash()
	t9 := time.Now()

	var dylib Dylib
	var err error
	if opts.TranslateJIT {
		// In-process compilation uses global toolchain state; one at
		// a time. The artifact is transient.
		t.jitMu.Lock()
		tmp := TranslationFilename(os.TempDir()+"/rvm-jit-", hash, ".so")
		dylib, err = t.Compiler.Compile(code, defines, tmp)
		os.Remove(tmp)
		t.jitMu.Unlock()
	} else if seg.IsBinaryTranslated() {
		// Already active; only cross artifacts remain.
		dylib = nil
	} else {
		if obj, ok := t.storeObject(hash); ok {
			if writeErr := os.WriteFile(filename, obj, 0o755); writeErr == nil {
				dylib, err = t.Loader(filename)
			}
		}
		if dylib == nil && err == nil {
			dylib, err = t.Compiler.Compile(code, defines, filename)
			if err == nil && t.Store != nil {
				if obj, rdErr := os.ReadFile(filename); rdErr == nil {
					_ = t.Store.PutObject(hash, runtime.GOOS, runtime.GOARCH, obj)
				}
			}
		}
	}
	if err != nil {
		if opts.VerboseLoader {
			fmt.Fprintf(os.Stderr, "rvm: translation compile failed: %v\n", err)
		}
		return
	}

	// Cross-compiled artifacts.
	if !opts.TranslateJIT {
		for _, cc := range opts.CrossCompile {
			if c, ok := cc.(emu.CrossBuildOptions); ok {
				cross := TranslationFilename(c.Prefix, hash, c.Suffix)
				if err := t.Compiler.CrossCompile(code, defines, c, cross); err != nil && opts.VerboseLoader {
					fmt.Fprintf(os.Stderr, "rvm: cross compile failed: %v\n", err)
				}
			}
		}
	}

	if opts.TranslateTiming {
		fmt.Printf(">> Code compilation took %.2f ms\n", float64(time.Since(t9).Nanoseconds())/1e6)
	}
	if dylib == nil {
		return
	}

	if !seg.IsBinaryTranslated() {
		if err := t.activateDylib(m, seg, dylib, opts.TranslateJIT, livePatch); err != nil && opts.VerboseLoader {
			fmt.Fprintf(os.Stderr, "rvm: activation failed: %v\n", err)
		}
	}

	if !opts.TranslateJIT && !opts.TranslationCache {
		os.Remove(filename)
	}
}

func (t *Engine) storeObject(hash uint32) ([]byte, bool) {
	if t.Store == nil {
		return nil, false
	}
	return t.Store.GetObject(hash, runtime.GOOS, runtime.GOARCH)
}

// activateDylib looks up the artifact surface, installs the mapping
// table and binds (or live-patches) the decoder cache.
func (t *Engine) activateDylib(m *emu.Machine, seg *emu.Segment, dylib Dylib, isJIT, livePatch bool) error {
	opts := &m.Options
	t11 := time.Now()

	initSym, err := dylib.Lookup("Init")
	if err != nil {
		if opts.VerboseLoader {
			fmt.Fprintf(os.Stderr, "rvm: could not find translation init function\n")
		}
		seg.SetBinaryTranslated(nil, nil, false)
		return nil
	}
	initFn, ok := initSym.(func(*CallbackTable, []byte))
	if !ok {
		seg.SetBinaryTranslated(nil, nil, false)
		return emu.Errorf(emu.InvalidProgram, "translation init has wrong type")
	}
	table := NewCallbackTable(m, isJIT)
	initFn(table, m.Arena.Data())

	noMappings, err1 := lookupVar[uint32](dylib, "NoMappings")
	mappings, err2 := lookupVar[[]AddrMapping](dylib, "Mappings")
	noHandlers, err3 := lookupVar[uint32](dylib, "NoHandlers")
	handlers, err4 := lookupVar[[]emu.BlockFn](dylib, "UniqueMappings")
	if err1 != nil || err2 != nil || err3 != nil || err4 != nil ||
		noMappings > 500000 || int(noMappings) > len(mappings) {
		seg.SetBinaryTranslated(nil, nil, false)
		return emu.Errorf(emu.InvalidProgram, "invalid mappings in binary translation program")
	}

	seg.SetBinaryTranslated(dylib, nil, isJIT)

	// One extra trailing mapping traps indices outside the table.
	unique := int(noHandlers)
	seg.CreateMappings(unique + 1)
	for i := 0; i < unique && i < len(handlers); i++ {
		seg.SetMapping(i, handlers[i])
	}
	seg.SetMapping(unique, func(cpu *emu.CPU, counter, maxCounter uint64, pc uint64) (uint64, uint64) {
		panic(emu.Errorf(emu.InvalidProgram, "translation mapping outside execute area"))
	})

	if !livePatch {
		if err := bindMappings(m, seg, mappings[:int(noMappings)]); err != nil {
			return err
		}
	} else {
		if err := livePatchMappings(m, seg, mappings[:int(noMappings)]); err != nil {
			return err
		}
	}

	if opts.TranslateTiming {
		fmt.Printf(">> Binary translation activation %d ns\n", time.Since(t11).Nanoseconds())
	}
	if opts.VerboseLoader {
		kind := "full"
		if isJIT {
			kind = "jit"
		}
		patch := ""
		if livePatch {
			patch = ", live-patching enabled"
		}
		fmt.Printf("rvm: activated %s binary translation with %d/%d mappings%s\n",
			kind, unique, noMappings, patch)
	}
	return nil
}

// livePatchMappings prepares a private copy of the decoder cache,
// rewrites the affected blocks there, publishes it, then atomically
// flips the original entries to the live-patch bytecode. A CPU racing
// with the flip either executes one more original instruction or swaps
// to the patched table; it never sees a half-updated idxend chain.
func livePatchMappings(m *emu.Machine, seg *emu.Segment, mappings []AddrMapping) error {
	opts := &m.Options
	original := seg.Decoder()
	patched := original.Clone()
	stride := patched.Stride

	var flips []*emu.DecoderEntry

	for _, mp := range mappings {
		if !seg.IsWithin(mp.Addr) {
			if opts.VerboseLoader {
				fmt.Fprintf(os.Stderr, "rvm: translation mapping 0x%X outside execute area 0x%X-0x%X\n",
					mp.Addr, seg.ExecBegin(), seg.ExecEnd())
			}
			continue
		}
		if seg.MappingAt(mp.MappingIndex) == nil {
			patched.EntryAt(mp.Addr).SetBytecode(emu.BcInvalid)
			continue
		}

		// Walk backward along the monotonically increasing
		// block-bytes chain to find the start of the block.
		addr := mp.Addr
		lastBytes := patched.BlockBytes(patched.EntryAt(addr))
		for addr-stride >= seg.ExecBegin() {
			prev := patched.EntryAt(addr - stride)
			if patched.BlockBytes(prev) <= lastBytes {
				break
			}
			addr -= stride
			lastBytes = patched.BlockBytes(prev)
		}

		if addr < seg.ExecBegin() || addr >= seg.ExecEnd() {
			if opts.VerboseLoader {
				fmt.Fprintf(os.Stderr, "rvm: patched address 0x%X outside execute area\n", addr)
			}
			return emu.Errorf(emu.InvalidProgram, "translation mapping outside execute area")
		}

		// Rewrite the block so every entry describes the span up to
		// the patched terminator.
		steps := (mp.Addr - addr) / stride
		for i := uint64(0); i < steps; i++ {
			p := patched.EntryAt(addr + i*stride)
			p.Idxend = uint16(steps - i)
			p.Icount = 0
		}
		p := patched.EntryAt(mp.Addr)
		p.SetBytecode(emu.BcTranslator)
		p.Instr = mp.MappingIndex
		p.Idxend = 0
		p.Icount = 0
		seg.BindMappingAddr(mp.Addr, mp.MappingIndex)

		flips = append(flips, original.EntryAt(mp.Addr))
	}

	// Publish the patched cache (release), then flip bytecodes in the
	// running table one atomic store at a time.
	seg.SetPatchedDecoder(patched)
	for _, entry := range flips {
		entry.SetBytecode(emu.BcLivePatch)
	}
	return nil
}

// lookupVar resolves an exported package variable from the artifact.
func lookupVar[T any](d Dylib, name string) (T, error) {
	var zero T
	sym, err := d.Lookup(name)
	if err != nil {
		return zero, err
	}
	if p, ok := sym.(*T); ok {
		return *p, nil
	}
	if v, ok := sym.(T); ok {
		return v, nil
	}
	return zero, fmt.Errorf("symbol %s has unexpected type %T", name, sym)
}
