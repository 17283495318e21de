package emu

import (
	"encoding/binary"
	"errors"
	"testing"

	"rvm/pkg/isa"
)

func testOptions(compressed bool) Options {
	opts := DefaultOptions()
	opts.MemorySize = 1 << 20
	opts.CompressedEnabled = compressed
	opts.TranslateEnabled = false
	opts.TranslateEnableEmbedded = false
	opts.Translator = nil
	return opts
}

func words(ws ...uint32) []byte {
	b := make([]byte, 4*len(ws))
	for i, w := range ws {
		binary.LittleEndian.PutUint32(b[i*4:], w)
	}
	return b
}

func halfwords(hs ...uint16) []byte {
	b := make([]byte, 2*len(hs))
	for i, h := range hs {
		binary.LittleEndian.PutUint16(b[i*2:], h)
	}
	return b
}

func newTestMachine(t *testing.T, compressed bool) *Machine {
	t.Helper()
	m, err := NewMachine(testOptions(compressed))
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func TestDecoderCacheSoundness(t *testing.T) {
	m := newTestMachine(t, false)
	// auipc gp, 0; addi gp, gp, 8; ret
	seg, err := m.CreateExecuteSegment(words(0x00000197, 0x00818193, 0x00008067), 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	dc := seg.Decoder()

	checks := []struct {
		pc       uint64
		bytecode uint32
		idxend   uint16
	}{
		{0x1000, BcAuipc, 0}, // auipc terminates a fastsim block
		{0x1004, BcOpImm, 1},
		{0x1008, BcJalr, 0},
	}
	for _, c := range checks {
		entry := dc.EntryAt(c.pc)
		if !entry.IsSet() {
			t.Fatalf("entry %#x: handler not set", c.pc)
		}
		if entry.Bytecode() != c.bytecode {
			t.Fatalf("entry %#x: bytecode %d, want %d", c.pc, entry.Bytecode(), c.bytecode)
		}
		if entry.Idxend != c.idxend {
			t.Fatalf("entry %#x: idxend %d, want %d", c.pc, entry.Idxend, c.idxend)
		}
	}
}

func TestDecoderCacheSystemEntry(t *testing.T) {
	m := newTestMachine(t, false)
	seg, err := m.CreateExecuteSegment(words(0x00000073), 0x1000) // ecall
	if err != nil {
		t.Fatal(err)
	}
	entry := seg.Decoder().EntryAt(0x1000)
	if !entry.IsSet() {
		t.Fatal("ecall entry must be set")
	}
	if entry.Bytecode() != BcSystem {
		t.Fatalf("ecall bytecode: got %d", entry.Bytecode())
	}
	if entry.Idxend != 0 {
		t.Fatalf("ecall idxend: got %d, want 0", entry.Idxend)
	}
}

func TestDecoderCacheCompressedMidInstruction(t *testing.T) {
	m := newTestMachine(t, true)
	// 32-bit addi a0, a0, 1 followed by c.nop: the half-word at +2 is
	// the middle of the addi and must stay unset.
	code := append(words(0x00150513), halfwords(0x0001)...)
	seg, err := m.CreateExecuteSegment(code, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	dc := seg.Decoder()
	if !dc.EntryAt(0x1000).IsSet() {
		t.Fatal("addi entry must be set")
	}
	if dc.EntryAt(0x1002).IsSet() {
		t.Fatal("mid-instruction entry must stay unset")
	}
	if !dc.EntryAt(0x1004).IsSet() {
		t.Fatal("c.nop entry must be set")
	}
}

func TestFastsimMonotonicity(t *testing.T) {
	m := newTestMachine(t, false)
	// Four ALU instructions then a branch terminator.
	seg, err := m.CreateExecuteSegment(words(
		0x00150513, // addi a0, a0, 1
		0x00150513,
		0x00150513,
		0x00150513,
		0xFE051EE3, // bnez a0, -4
	), 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	dc := seg.Decoder()
	for pc := uint64(0x1000); pc < 0x1010; pc += 4 {
		cur := dc.EntryAt(pc).Idxend
		next := dc.EntryAt(pc + 4).Idxend
		if pc+4 == 0x1010 {
			if next != 0 {
				t.Fatalf("terminator idxend: got %d", next)
			}
			continue
		}
		if cur != next+1 {
			t.Fatalf("idxend chain broken at %#x: %d vs %d", pc, cur, next)
		}
	}
}

func TestFastsimCompressedCounts(t *testing.T) {
	m := newTestMachine(t, true)
	// c.li a0, 5; c.nop; c.jr ra
	seg, err := m.CreateExecuteSegment(halfwords(0x4515, 0x0001, 0x8082), 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	dc := seg.Decoder()
	for i, want := range []uint64{3, 2, 1} {
		entry := dc.EntryAt(0x1000 + uint64(i)*2)
		if got := dc.InstructionCount(entry); got != want {
			t.Fatalf("entry %d: instruction count %d, want %d", i, got, want)
		}
	}
	if dc.EntryAt(0x1000).Idxend < dc.EntryAt(0x1002).Idxend {
		t.Fatal("idxend must not increase along a block")
	}
}

func TestHandlerInterning(t *testing.T) {
	d1 := Decode(isa.Instr(0x00150513), 64) // addi
	d2 := Decode(isa.Instr(0x00A50513), 64) // addi, different imm
	i1, err := HandlerIndexFor(d1.Handler)
	if err != nil {
		t.Fatal(err)
	}
	i2, err := HandlerIndexFor(d2.Handler)
	if err != nil {
		t.Fatal(err)
	}
	if i1 != i2 {
		t.Fatalf("same handler interned twice: %d vs %d", i1, i2)
	}
	if i1 == 0 {
		t.Fatal("slot 0 is reserved")
	}
}

func TestHandlerTableExhaustion(t *testing.T) {
	handlerMu.Lock()
	savedLen := len(instrHandlers)
	handlerMu.Unlock()
	var added []uintptr
	defer func() {
		handlerMu.Lock()
		instrHandlers = instrHandlers[:savedLen]
		for _, k := range added {
			delete(handlerIndices, k)
		}
		handlerMu.Unlock()
	}()

	fn := Handler(func(*CPU, isa.Instr) {})
	for i := 0; ; i++ {
		key := uintptr(1<<40) + uintptr(i)
		_, err := internHandler(key, fn)
		if err != nil {
			var me *MachineError
			if !errors.As(err, &me) || me.Kind != MaxInstructionsReached {
				t.Fatalf("wrong exhaustion error: %v", err)
			}
			return
		}
		added = append(added, key)
		if i > 300 {
			t.Fatal("handler table never filled up")
		}
	}
}

func TestEmptySegmentRejected(t *testing.T) {
	m := newTestMachine(t, false)
	_, err := m.CreateExecuteSegment(nil, 0x1000)
	if !IsMachineError(err, InvalidProgram) {
		t.Fatalf("empty segment: got %v", err)
	}
}

func TestSegmentHashing(t *testing.T) {
	m := newTestMachine(t, false)
	code := words(0x00150513, 0x00008067)
	s1, err := m.CreateExecuteSegment(code, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	s2, err := m.CreateExecuteSegment(code, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if s1.CRC32CHash() != s2.CRC32CHash() {
		t.Fatal("identical segments must hash equal")
	}

	mutated := words(0x00150513, 0x00008067)
	mutated[0] ^= 1
	s3, err := m.CreateExecuteSegment(mutated, 0x1000)
	if err != nil {
		t.Fatal(err)
	}
	if s3.CRC32CHash() == s1.CRC32CHash() {
		t.Fatal("mutating a byte must change the hash")
	}
}
