package translator

import (
	"encoding/binary"
	"strings"
	"testing"

	"rvm/pkg/emu"
	"rvm/pkg/isa"
)

func words(ws ...uint32) []byte {
	b := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

func testMachine(t *testing.T, compressed bool) *emu.Machine {
	t.Helper()
	opts := emu.DefaultOptions()
	opts.MemorySize = 1 << 20
	opts.CompressedEnabled = compressed
	opts.TranslateEnabled = false
	opts.TranslateEnableEmbedded = false
	opts.Translator = nil
	m, err := emu.NewMachine(opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func testEmitConfig(m *emu.Machine) emitConfig {
	return emitConfig{
		XLEN:       m.Options.XLEN,
		Compressed: m.Options.CompressedEnabled,
		UseArena:   true,
		ArenaEnd:   m.Arena.Size(),
		ArenaRoEnd: m.Arena.RoEnd(),
	}
}

func TestScanGPDetection(t *testing.T) {
	m := testMachine(t, false)
	// auipc gp, 0; addi gp, gp, 8; ret at 0x1000: gp = 0x1008
	seg, err := m.CreateExecuteSegment(words(0x00000197, 0x00818193, 0x00008067), 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if gp := ScanGP(seg, false); gp != 0x1008 {
		t.Fatalf("gp: got %#x, want 0x1008", gp)
	}

	blocks := Scan(m, seg, 0x1000)
	if len(blocks) != 1 {
		t.Fatalf("blocks: got %d, want 1", len(blocks))
	}
	b := blocks[0]
	if b.BasePC != 0x1000 || b.EndPC != 0x100C {
		t.Fatalf("block range: %#x-%#x", b.BasePC, b.EndPC)
	}
	if b.GP != 0x1008 {
		t.Fatalf("block gp: got %#x", b.GP)
	}
	if len(b.Instructions) != 3 {
		t.Fatalf("block instructions: got %d", len(b.Instructions))
	}
}

func TestScanBlockProperties(t *testing.T) {
	m := testMachine(t, false)
	// A run of ALU instructions terminated by ret. The split threshold
	// keeps this as one block.
	var code []uint32
	for i := 0; i < 20; i++ {
		code = append(code, 0x00150513)
	}
	code = append(code, 0x00008067) // ret
	seg, err := m.CreateExecuteSegment(words(code...), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	blocks := Scan(m, seg, 0x2000)
	if len(blocks) == 0 {
		t.Fatal("no blocks")
	}
	var prevEnd uint64 = seg.ExecBegin()
	for i, b := range blocks {
		if len(b.Instructions) == 0 {
			t.Fatalf("block %d is empty", i)
		}
		if b.BasePC != prevEnd {
			t.Fatalf("block %d does not continue at %#x (got %#x)", i, prevEnd, b.BasePC)
		}
		if b.EndPC > seg.ExecEnd() {
			t.Fatalf("block %d overruns the segment", i)
		}
		prevEnd = b.EndPC
	}
	if prevEnd != seg.ExecEnd() {
		t.Fatalf("blocks do not cover the segment: ended at %#x", prevEnd)
	}
}

func TestScanRecordsJumpLocations(t *testing.T) {
	m := testMachine(t, false)
	// addi a0, a0, -1; bnez a0, -4; wfi: the loop head is a local
	// jump target.
	seg, err := m.CreateExecuteSegment(words(
		0xFFF50513,
		0xFE051EE3,
		0x10500073,
	), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	blocks := Scan(m, seg, 0x2000)
	if len(blocks) != 1 {
		t.Fatalf("blocks: got %d", len(blocks))
	}
	if _, ok := blocks[0].JumpLocations[0x2000]; !ok {
		t.Fatalf("loop head missing from jump locations: %v", blocks[0].JumpLocations)
	}
	if _, ok := blocks[0].GlobalJumpLocations[0x2000]; !ok {
		t.Fatal("entry point missing from global jump locations")
	}
}

func TestEmitSyscallBlock(t *testing.T) {
	m := testMachine(t, false)
	seg, err := m.CreateExecuteSegment(words(0x00000073, 0x10500073), 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	blocks := Scan(m, seg, 0x1000)
	if len(blocks) != 1 {
		t.Fatalf("blocks: got %d", len(blocks))
	}
	code, mappings := emitBlock(testEmitConfig(m), &blocks[0])

	if len(mappings) == 0 || mappings[0].Addr != 0x1000 || mappings[0].Symbol != "f_1000" {
		t.Fatalf("mappings: %+v", mappings)
	}
	for _, want := range []string{
		"func f_1000(cpu *emu.CPU, counter uint64, maxCounter uint64, pc uint64) (uint64, uint64)",
		"switch pc {",
		"case 0x1000:",
		"tr.DoSyscall(&api, cpu", // ecall goes through the syscall helper
		"maxCounter = cpu.MaxCounter",
	} {
		if !strings.Contains(code, want) {
			t.Fatalf("emitted code missing %q:\n%s", want, code)
		}
	}
}

func TestEmitLoopBlock(t *testing.T) {
	m := testMachine(t, false)
	seg, err := m.CreateExecuteSegment(words(
		0xFFF50513, // addi a0, a0, -1
		0xFE051EE3, // bnez a0, -4
		0x10500073, // wfi
	), 0x2000)
	if err != nil {
		t.Fatal(err)
	}
	blocks := Scan(m, seg, 0x2000)
	code, _ := emitBlock(testEmitConfig(m), &blocks[0])

	// The backward branch must be counter-guarded.
	if !strings.Contains(code, "if counter < maxCounter { goto L_2000 }") {
		t.Fatalf("loop restart not counter-guarded:\n%s", code)
	}
	if !strings.Contains(code, "L_2000:") {
		t.Fatalf("loop head label missing:\n%s", code)
	}
	// The instruction counter is flushed before the branch.
	if !strings.Contains(code, "counter += ") {
		t.Fatalf("compile-time counter never flushed:\n%s", code)
	}
}

func TestEmitForwardCall(t *testing.T) {
	m := testMachine(t, false)
	// Block A: jal ra, +8 (to block B); wfi. Block B: addi; ret.
	seg, err := m.CreateExecuteSegment(words(
		0x008000EF, // jal ra, +8
		0x10500073, // wfi
		0x00350513, // addi a0, a0, 3
		0x00008067, // ret
	), 0x6000)
	if err != nil {
		t.Fatal(err)
	}
	full := Scan(m, seg, 0x6000)
	if len(full) != 1 {
		t.Fatalf("scan blocks: got %d", len(full))
	}

	// Split the scanned block in two so the JAL target starts its own
	// function, the shape large binaries produce.
	blocks := []BlockInfo{*(&full[0]), *(&full[0])}
	blocks[0].EndPC = 0x6008
	blocks[0].Instructions = full[0].Instructions[:2]
	blocks[1].BasePC = 0x6008
	blocks[1].Instructions = full[0].Instructions[2:]
	blocks[0].Blocks = &blocks
	blocks[1].Blocks = &blocks
	blocks[0].GlobalJumpLocations[0x6008] = struct{}{}

	codeA, mappingsA := emitBlock(testEmitConfig(m), &blocks[0])
	if !strings.Contains(codeA, "f_6008(cpu, counter, maxCounter, 0x6008)") {
		t.Fatalf("forward call to sibling block missing:\n%s", codeA)
	}
	// The call re-enters at the following instruction when PC and the
	// counter permit.
	if !strings.Contains(codeA, "cpu.Pc == 0x6004") {
		t.Fatalf("post-call fast path missing:\n%s", codeA)
	}
	found := false
	for _, mp := range mappingsA {
		if mp.Addr == 0x6004 {
			found = true
		}
	}
	if !found {
		t.Fatalf("re-entry mapping for 0x6004 missing: %+v", mappingsA)
	}
}

func TestEmitMisalignedBranchTraps(t *testing.T) {
	m := testMachine(t, false)
	// beq x0, x0, +2: misaligned without the compressed extension.
	beq := uint32(isaEncodeB(2))
	seg, err := m.CreateExecuteSegment(words(beq, 0x10500073), 0x3000)
	if err != nil {
		t.Fatal(err)
	}
	blocks := Scan(m, seg, 0x3000)
	code, _ := emitBlock(testEmitConfig(m), &blocks[0])
	if !strings.Contains(code, "tr.ExMisalignedInstruction") {
		t.Fatalf("misaligned branch must trap:\n%s", code)
	}
}

// isaEncodeB builds beq x0, x0, off for the misalignment test.
func isaEncodeB(off int32) isa.Instr {
	u := uint32(off)
	return isa.Instr(0x63 | u>>11&0x1<<7 | u>>1&0xF<<8 | u>>5&0x3F<<25 | u>>12&0x1<<31)
}

func TestEmitUnknownInstructionEscape(t *testing.T) {
	m := testMachine(t, false)
	// An atomic op routes through the lazily-resolved runtime escape.
	amoadd := uint32(0x00A5252F) // amoadd.w a0, a0, (a0)
	seg, err := m.CreateExecuteSegment(words(amoadd, 0x10500073), 0x4000)
	if err != nil {
		t.Fatal(err)
	}
	blocks := Scan(m, seg, 0x4000)
	code, _ := emitBlock(testEmitConfig(m), &blocks[0])
	for _, want := range []string{"var hidx_4000 uint8", "api.Execute(cpu,", "api.ExecuteHandler(cpu, hidx_4000"} {
		if !strings.Contains(code, want) {
			t.Fatalf("runtime escape missing %q:\n%s", want, code)
		}
	}
}
