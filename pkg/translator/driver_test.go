package translator

import (
	"fmt"
	"testing"

	"rvm/pkg/emu"
)

func TestTranslationFilename(t *testing.T) {
	if got := TranslationFilename("/tmp/rvm-", 0xABCD1234, ".so"); got != "/tmp/rvm-ABCD1234.so" {
		t.Fatalf("filename: got %q", got)
	}
	if got := TranslationFilename("p", 0x1, "s"); got != "p00000001s" {
		t.Fatalf("filename padding: got %q", got)
	}
}

func TestDefines(t *testing.T) {
	m := testMachine(t, true)
	defines := Defines(m)
	if defines["RVM_TRANSLATION_DYLIB"] != "8" {
		t.Fatalf("dylib define: %q", defines["RVM_TRANSLATION_DYLIB"])
	}
	if defines["RVM_EXT_C"] != "1" {
		t.Fatal("compressed define missing")
	}
	if _, ok := defines["RVM_INS_COUNTER_OFF"]; !ok {
		t.Fatal("counter offset define missing")
	}
}

func TestTranslationHashSensitivity(t *testing.T) {
	m := testMachine(t, false)
	code := words(0x00150513, 0x00008067)
	s1, err := m.CreateExecuteSegment(code, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	cflags := DefinesToString(Defines(m))
	h1 := TranslationHash(s1.CRC32CHash(), cflags)
	h1b := TranslationHash(s1.CRC32CHash(), cflags)
	if h1 != h1b {
		t.Fatal("hash must be deterministic")
	}

	// Mutating one instruction byte changes the hash.
	mutated := words(0x00150513, 0x00008067)
	mutated[0] ^= 0x10
	s2, err := m.CreateExecuteSegment(mutated, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if TranslationHash(s2.CRC32CHash(), cflags) == h1 {
		t.Fatal("byte mutation must change the hash")
	}

	// Toggling a feature flag changes the hash too.
	m.Options.TranslateTrace = true
	cflags2 := DefinesToString(Defines(m))
	m.Options.TranslateTrace = false
	if cflags == cflags2 {
		t.Fatal("trace flag must appear in the define string")
	}
	if TranslationHash(s1.CRC32CHash(), cflags2) == h1 {
		t.Fatal("feature flag toggle must change the hash")
	}
}

func TestEmbeddedRegistryOverflow(t *testing.T) {
	resetEmbeddedForTest()
	defer resetEmbeddedForTest()

	for i := 0; i < MaxEmbedded; i++ {
		err := RegisterTranslation(EmbeddedTranslation{
			Hash: uint32(i + 1),
			Init: func(*CallbackTable, []byte) {},
		})
		if err != nil {
			t.Fatalf("registration %d failed: %v", i, err)
		}
	}
	err := RegisterTranslation(EmbeddedTranslation{Hash: 99})
	if !emu.IsMachineError(err, emu.InvalidProgram) {
		t.Fatalf("13th registration: got %v, want INVALID_PROGRAM", err)
	}
	if LookupTranslation(1) == nil || LookupTranslation(12) == nil {
		t.Fatal("registered translations must resolve")
	}
	if LookupTranslation(99) != nil {
		t.Fatal("overflowed registration must not resolve")
	}
}

// fakeDylib serves the artifact surface from a map, standing in for a
// loaded plugin.
type fakeDylib map[string]any

func (f fakeDylib) Lookup(symbol string) (any, error) {
	if v, ok := f[symbol]; ok {
		return v, nil
	}
	return nil, fmt.Errorf("symbol %s not found", symbol)
}

// loopProgram is the tight-loop scenario: addi a0, a0, -1; bnez -4;
// wfi at base 0x2000.
func loopProgram() []byte {
	return words(0xFFF50513, 0xFE051EE3, 0x10500073)
}

// loopBlockFn natively implements the loop block, preserving exact
// instruction accounting.
func loopBlockFn(cpu *emu.CPU, counter, maxCounter uint64, pc uint64) (uint64, uint64) {
	for cpu.Regs[10] != 0 && counter+2 <= maxCounter {
		cpu.Regs[10]--
		counter += 2
	}
	if cpu.Regs[10] == 0 {
		cpu.Pc = 0x2008
	} else {
		cpu.Pc = 0x2000
	}
	return counter, maxCounter
}

func fakeLoopDylib(captureInit *bool) fakeDylib {
	noMappings := uint32(1)
	mappings := []AddrMapping{{Addr: 0x2000, MappingIndex: 0}}
	noHandlers := uint32(1)
	handlers := []emu.BlockFn{loopBlockFn}
	return fakeDylib{
		"Init": func(table *CallbackTable, arena []byte) {
			if captureInit != nil {
				*captureInit = true
			}
		},
		"NoMappings":     &noMappings,
		"Mappings":       &mappings,
		"NoHandlers":     &noHandlers,
		"UniqueMappings": &handlers,
	}
}

func TestActivationRoundTrip(t *testing.T) {
	// Interpreted baseline.
	mi := testMachine(t, false)
	if _, err := mi.CreateExecuteSegment(loopProgram(), 0x2000); err != nil {
		t.Fatal(err)
	}
	mi.CPU.Pc = 0x2000
	mi.CPU.Regs[10] = 5
	if err := mi.Run(1000); err != nil {
		t.Fatal(err)
	}

	// Translated run through an activated fake artifact.
	mt := testMachine(t, false)
	seg, err := mt.CreateExecuteSegment(loopProgram(), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	engine := &Engine{}
	inited := false
	if err := engine.activateDylib(mt, seg, fakeLoopDylib(&inited), false, false); err != nil {
		t.Fatal(err)
	}
	if !inited {
		t.Fatal("activation must call the artifact's init function")
	}
	if !seg.IsBinaryTranslated() {
		t.Fatal("segment must be marked translated")
	}
	entry := seg.Decoder().EntryAt(0x2000)
	if entry.Bytecode() != emu.BcBlockEnd {
		t.Fatalf("bound entry bytecode: got %d", entry.Bytecode())
	}
	if entry.Instr != 0 {
		t.Fatalf("bound entry mapping index: got %d", entry.Instr)
	}

	mt.CPU.Pc = 0x2000
	mt.CPU.Regs[10] = 5
	if err := mt.Run(1000); err != nil {
		t.Fatal(err)
	}

	if mi.CPU.Regs[10] != mt.CPU.Regs[10] {
		t.Fatalf("a0 diverged: interpreted %d, translated %d", mi.CPU.Regs[10], mt.CPU.Regs[10])
	}
	if mi.CPU.Pc != mt.CPU.Pc {
		t.Fatalf("pc diverged: interpreted %#x, translated %#x", mi.CPU.Pc, mt.CPU.Pc)
	}
	if mi.CPU.InsCounter != mt.CPU.InsCounter {
		t.Fatalf("counter diverged: interpreted %d, translated %d", mi.CPU.InsCounter, mt.CPU.InsCounter)
	}
}

func TestActivationRejectsBadMappings(t *testing.T) {
	m := testMachine(t, false)
	seg, err := m.CreateExecuteSegment(loopProgram(), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	engine := &Engine{}
	d := fakeLoopDylib(nil)
	huge := uint32(500001)
	d["NoMappings"] = &huge
	err = engine.activateDylib(m, seg, d, false, false)
	if !emu.IsMachineError(err, emu.InvalidProgram) {
		t.Fatalf("oversize mapping table: got %v", err)
	}
	if seg.IsBinaryTranslated() {
		t.Fatal("failed activation must leave the segment interpreted")
	}
}

func TestEmbeddedTranslationBinding(t *testing.T) {
	resetEmbeddedForTest()
	defer resetEmbeddedForTest()

	// Learn the hash for this program and option set.
	probe := testMachine(t, false)
	pseg, err := probe.CreateExecuteSegment(loopProgram(), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	hash := TranslationHash(pseg.CRC32CHash(), DefinesToString(Defines(probe)))

	MustRegisterTranslation(EmbeddedTranslation{
		Hash:     hash,
		Mappings: []AddrMapping{{Addr: 0x2000, MappingIndex: 0}},
		Handlers: []emu.BlockFn{loopBlockFn},
		Init:     func(*CallbackTable, []byte) {},
	})

	opts := emu.DefaultOptions()
	opts.MemorySize = 1 << 20
	opts.CompressedEnabled = false
	opts.TranslateEnabled = false
	opts.TranslateEnableEmbedded = true
	opts.Translator = &Engine{}
	m, err := emu.NewMachine(opts)
	if err != nil {
		t.Fatal(err)
	}
	defer m.Close()

	seg, err := m.CreateExecuteSegment(loopProgram(), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	if !seg.IsBinaryTranslated() {
		t.Fatal("embedded translation must bind at segment creation")
	}

	m.CPU.Pc = 0x2000
	m.CPU.Regs[10] = 7
	if err := m.Run(1000); err != nil {
		t.Fatal(err)
	}
	if m.CPU.Regs[10] != 0 {
		t.Fatalf("a0: got %d, want 0", m.CPU.Regs[10])
	}
	if !m.Stopped() {
		t.Fatal("machine must stop at wfi after the translated loop")
	}
}

func TestLivePatch(t *testing.T) {
	m := testMachine(t, false)
	seg, err := m.CreateExecuteSegment(loopProgram(), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	original := seg.Decoder()

	engine := &Engine{}
	if err := engine.activateDylib(m, seg, fakeLoopDylib(nil), false, true); err != nil {
		t.Fatal(err)
	}

	patched := seg.PatchedDecoder()
	if patched == nil || seg.Decoder() != patched {
		t.Fatal("patched decoder must be published")
	}
	if patched == original {
		t.Fatal("patching must build a private copy")
	}
	if got := patched.EntryAt(0x2000).Bytecode(); got != emu.BcTranslator {
		t.Fatalf("patched entry bytecode: got %d", got)
	}
	if got := original.EntryAt(0x2000).Bytecode(); got != emu.BcLivePatch {
		t.Fatalf("original entry bytecode: got %d", got)
	}

	// A CPU still holding the original decoder swaps over and runs
	// the translated block.
	m.CPU.SetExecuteSegment(seg)
	cpuDecoderReset(m, original)
	m.CPU.Pc = 0x2000
	m.CPU.Regs[10] = 4
	if err := m.Run(1000); err != nil {
		t.Fatal(err)
	}
	if m.CPU.Regs[10] != 0 {
		t.Fatalf("a0: got %d, want 0", m.CPU.Regs[10])
	}
}

// cpuDecoderReset rebinds the CPU's decoder pointer to an older table,
// simulating a CPU that has not yet observed a live patch.
func cpuDecoderReset(m *emu.Machine, dc *emu.DecoderCache) {
	m.CPU.SetDecoderForTest(dc)
}
