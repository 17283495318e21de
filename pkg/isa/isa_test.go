package isa

import "testing"

func TestImmediateDecoding(t *testing.T) {
	// auipc gp, 0x0
	auipc := Instr(0x00000197)
	if auipc.Opcode() != OpAuipc || auipc.Rd() != RegGP || auipc.ImmU() != 0 {
		t.Fatalf("auipc decode: opcode=%#x rd=%d imm=%d", auipc.Opcode(), auipc.Rd(), auipc.ImmU())
	}

	// addi gp, gp, 8
	addi := Instr(0x00818193)
	if addi.Opcode() != OpOpImm || addi.Rd() != RegGP || addi.Rs1() != RegGP || addi.ImmI() != 8 {
		t.Fatalf("addi decode: rd=%d rs1=%d imm=%d", addi.Rd(), addi.Rs1(), addi.ImmI())
	}

	// ret = jalr x0, ra, 0
	ret := Instr(0x00008067)
	if ret.Opcode() != OpJalr || ret.Rd() != 0 || ret.Rs1() != RegRA || ret.ImmI() != 0 {
		t.Fatalf("ret decode: rd=%d rs1=%d imm=%d", ret.Rd(), ret.Rs1(), ret.ImmI())
	}

	// bne a0, x0, -4
	bnez := Instr(0xFE051EE3)
	if bnez.Opcode() != OpBranch || bnez.Funct3() != 1 {
		t.Fatalf("bnez decode: opcode=%#x funct3=%d", bnez.Opcode(), bnez.Funct3())
	}
	if bnez.ImmB() != -4 {
		t.Fatalf("bnez offset: got %d, want -4", bnez.ImmB())
	}

	// jal x0, +16
	jal := encodeJ(OpJal, 0, 16)
	if jal.ImmJ() != 16 {
		t.Fatalf("jal offset roundtrip: got %d, want 16", jal.ImmJ())
	}
	jalNeg := encodeJ(OpJal, 1, -2048)
	if jalNeg.ImmJ() != -2048 || jalNeg.Rd() != 1 {
		t.Fatalf("jal negative offset roundtrip: got %d rd=%d", jalNeg.ImmJ(), jalNeg.Rd())
	}

	// sw a1, 12(a0)
	sw := encodeS(OpStore, 0x2, 10, 11, 12)
	if sw.ImmS() != 12 || sw.Rs1() != 10 || sw.Rs2() != 11 {
		t.Fatalf("sw roundtrip: imm=%d rs1=%d rs2=%d", sw.ImmS(), sw.Rs1(), sw.Rs2())
	}
	swNeg := encodeS(OpStore, 0x2, 10, 11, -4)
	if swNeg.ImmS() != -4 {
		t.Fatalf("sw negative imm roundtrip: got %d", swNeg.ImmS())
	}

	bNeg := encodeB(OpBranch, 0x1, 10, 0, -4)
	if bNeg.ImmB() != -4 {
		t.Fatalf("branch encode roundtrip: got %d", bNeg.ImmB())
	}
}

func TestInstrLength(t *testing.T) {
	if l := Instr(0x00000073).Length(); l != 4 {
		t.Fatalf("ecall length: got %d", l)
	}
	if l := Instr(0x8082).Length(); l != 2 {
		t.Fatalf("c.jr length: got %d", l)
	}
}

func TestCompressedExpansion(t *testing.T) {
	tests := []struct {
		name string
		ci   CInstr
		xlen uint
		want func(Instr) bool
	}{
		{"c.nop", 0x0001, 64, func(i Instr) bool {
			return i.Opcode() == OpOpImm && i.Rd() == 0 && i.ImmI() == 0
		}},
		{"c.li a0, 5", 0x4515, 64, func(i Instr) bool {
			return i.Opcode() == OpOpImm && i.Rd() == 10 && i.Rs1() == 0 && i.ImmI() == 5
		}},
		{"c.jr ra", 0x8082, 64, func(i Instr) bool {
			return i.Opcode() == OpJalr && i.Rd() == 0 && i.Rs1() == RegRA
		}},
		{"c.ebreak", 0x9002, 64, func(i Instr) bool {
			return uint32(i) == InstrEbreak
		}},
		{"c.addi16sp", 0x6121, 64, func(i Instr) bool { // addi sp, sp, 64
			return i.Opcode() == OpOpImm && i.Rd() == RegSP && i.Rs1() == RegSP && i.ImmI() == 64
		}},
		{"c.addiw a0, 1 (rv64)", 0x2505, 64, func(i Instr) bool {
			return i.Opcode() == OpOpImm32 && i.Rd() == 10 && i.ImmI() == 1
		}},
		{"c.jal (rv32)", 0x2505, 32, func(i Instr) bool {
			return i.Opcode() == OpJal && i.Rd() == RegRA
		}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := tc.ci.Expand(tc.xlen)
			if !ok {
				t.Fatalf("expansion rejected %#04x", uint16(tc.ci))
			}
			if !tc.want(got) {
				t.Fatalf("expansion of %#04x gave %#08x", uint16(tc.ci), uint32(got))
			}
		})
	}

	if _, ok := CInstr(0).Expand(64); ok {
		t.Fatal("all-zero half-word must be illegal")
	}
}

func TestIsRegular(t *testing.T) {
	if CInstr(0x8082).IsRegular(64) { // c.jr ra
		t.Fatal("c.jr must terminate a block")
	}
	if !CInstr(0x8082).IsStopping() {
		t.Fatal("c.jr is a stopping instruction")
	}
	if CInstr(0x2505).IsRegular(32) { // c.jal on rv32
		t.Fatal("c.jal must terminate a block on rv32")
	}
	if !CInstr(0x2505).IsRegular(64) { // c.addiw on rv64
		t.Fatal("c.addiw must not terminate a block on rv64")
	}
	if !CInstr(0x0001).IsRegular(64) { // c.nop
		t.Fatal("c.nop must not terminate a block")
	}
	if CInstr(0xA001).IsRegular(64) { // c.j
		t.Fatal("c.j must terminate a block")
	}
}
