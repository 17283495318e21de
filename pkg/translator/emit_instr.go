package translator

import (
	"fmt"

	"rvm/pkg/isa"
)

// emitInstr renders one full-length instruction into the block body.
// The clauses mirror the interpreter handlers; anything not covered
// statically falls back to the runtime escape.
func (e *emitter) emitInstr() {
	instr := e.instr
	switch instr.Opcode() {
	case isa.OpLoad:
		e.emitLoad()
	case isa.OpStore:
		e.emitStore()
	case isa.OpBranch:
		e.emitBranch()
	case isa.OpJalr:
		e.emitJalr()
	case isa.OpJal:
		e.emitJal()
	case isa.OpOpImm:
		e.emitOpImm()
	case isa.OpOp:
		e.emitOp()
	case isa.OpLui:
		if instr.Rd() != 0 {
			e.setReg(instr.Rd(), fmt.Sprintf("uint64(%d)", int64(instr.ImmU())))
		}
	case isa.OpAuipc:
		if instr.Rd() != 0 {
			e.setReg(instr.Rd(), lit(e.pcrel(int64(instr.ImmU()))))
		}
	case isa.OpMiscMem:
		// FENCE has no effect on a single hart.
	case isa.OpSystem:
		e.emitSystem()
	case isa.OpOpImm32:
		e.emitOpImm32()
	case isa.OpOp32:
		e.emitOp32()
	case isa.OpLoadFp:
		e.emitFpLoad()
	case isa.OpStoreFp:
		e.emitFpStore()
	case isa.OpFp, isa.OpMadd, isa.OpMsub, isa.OpNmadd, isa.OpNmsub:
		e.emitFp()
	case isa.OpAmo:
		e.unknownInstruction(uint32(instr))
	case isa.OpVector:
		e.emitVector()
	default:
		e.unknownInstruction(uint32(instr))
	}
}

func castSigned(width uint) func(string) string {
	switch width {
	case 8:
		return func(s string) string { return "uint64(int64(int8(" + s + ")))" }
	case 16:
		return func(s string) string { return "uint64(int64(int16(" + s + ")))" }
	case 32:
		return func(s string) string { return "uint64(int64(int32(" + s + ")))" }
	}
	return func(s string) string { return s }
}

func castUnsigned(width uint) func(string) string {
	switch width {
	case 8:
		return func(s string) string { return "uint64(uint8(" + s + "))" }
	case 16:
		return func(s string) string { return "uint64(uint16(" + s + "))" }
	case 32:
		return func(s string) string { return "uint64(uint32(" + s + "))" }
	}
	return func(s string) string { return s }
}

func (e *emitter) emitLoad() {
	instr := e.instr
	rd, rs1, imm := instr.Rd(), instr.Rs1(), instr.ImmI()
	if rd == 0 {
		// rd=0 still faults on bad addresses; keep the access.
		e.addf("{ addr_ := %s", e.addrExpr(rs1, imm))
		e.addf("_ = api.MemRead(cpu, addr_, 1) }")
		return
	}
	dst := e.toReg(rd)
	switch instr.Funct3() {
	case 0x0:
		e.memLoad(dst, castSigned(8), rs1, imm, 1)
	case 0x1:
		e.memLoad(dst, castSigned(16), rs1, imm, 2)
	case 0x2:
		e.memLoad(dst, castSigned(32), rs1, imm, 4)
	case 0x3:
		if e.cfg.XLEN == 64 {
			e.memLoad(dst, castSigned(64), rs1, imm, 8)
		} else {
			e.unknownInstruction(uint32(instr))
		}
	case 0x4:
		e.memLoad(dst, castUnsigned(8), rs1, imm, 1)
	case 0x5:
		e.memLoad(dst, castUnsigned(16), rs1, imm, 2)
	case 0x6:
		if e.cfg.XLEN == 64 {
			e.memLoad(dst, castUnsigned(32), rs1, imm, 4)
		} else {
			e.unknownInstruction(uint32(instr))
		}
	default:
		e.unknownInstruction(uint32(instr))
	}
}

func (e *emitter) emitStore() {
	instr := e.instr
	rs1, rs2, imm := instr.Rs1(), instr.Rs2(), instr.ImmS()
	switch instr.Funct3() {
	case 0x0:
		e.memStore(rs1, imm, 1, e.fromReg(rs2))
	case 0x1:
		e.memStore(rs1, imm, 2, e.fromReg(rs2))
	case 0x2:
		e.memStore(rs1, imm, 4, e.fromReg(rs2))
	case 0x3:
		if e.cfg.XLEN == 64 {
			e.memStore(rs1, imm, 8, e.fromReg(rs2))
		} else {
			e.unknownInstruction(uint32(instr))
		}
	default:
		e.unknownInstruction(uint32(instr))
	}
}

func (e *emitter) emitOpImm() {
	instr := e.instr
	rd, rs1 := instr.Rd(), instr.Rs1()
	if rd == 0 {
		return // NOP shapes
	}
	dst := e.toReg(rd)
	src := e.fromReg(rs1)
	imm := int64(instr.ImmI())
	xlen := uint64(e.cfg.XLEN)
	switch instr.Funct3() {
	case 0x0: // ADDI
		if imm == 0 {
			e.addf("%s = %s", dst, src)
		} else {
			e.setReg(rd, fmt.Sprintf("%s + uint64(%d)", src, imm))
		}
	case 0x1:
		switch instr.ImmIRaw() {
		case 0x604: // SEXT.B
			e.addf("%s = uint64(int64(int8(%s)))", dst, src)
		case 0x605: // SEXT.H
			e.addf("%s = uint64(int64(int16(%s)))", dst, src)
		case 0x600: // CLZ
			if e.cfg.XLEN == 32 {
				e.addf("%s = uint64(api.Clz(uint32(%s)))", dst, src)
			} else {
				e.addf("%s = uint64(api.Clzl(%s))", dst, src)
			}
		case 0x601: // CTZ
			if e.cfg.XLEN == 32 {
				e.addf("%s = uint64(api.Ctz(uint32(%s)))", dst, src)
			} else {
				e.addf("%s = uint64(api.Ctzl(%s))", dst, src)
			}
		case 0x602: // CPOP
			if e.cfg.XLEN == 32 {
				e.addf("%s = uint64(api.Cpop(uint32(%s)))", dst, src)
			} else {
				e.addf("%s = uint64(api.Cpopl(%s))", dst, src)
			}
		default:
			switch instr.ImmHigh() {
			case 0x000: // SLLI
				e.setReg(rd, fmt.Sprintf("%s << %d", src, uint64(instr.ShiftImm64())&(xlen-1)))
			case 0x280: // BSETI
				e.addf("%s = %s | uint64(1)<<%d", dst, src, uint64(instr.ImmIRaw())&(xlen-1))
			case 0x480: // BCLRI
				e.addf("%s = %s &^ (uint64(1)<<%d)", dst, src, uint64(instr.ImmIRaw())&(xlen-1))
			case 0x680: // BINVI
				e.addf("%s = %s ^ uint64(1)<<%d", dst, src, uint64(instr.ImmIRaw())&(xlen-1))
			default:
				e.unknownInstruction(uint32(instr))
			}
		}
	case 0x2: // SLTI
		e.addf("%s = tr.B2u(%s < %d)", dst, e.sreg(src), imm)
	case 0x3: // SLTIU
		e.addf("%s = tr.B2u(%s < %s)", dst, e.ureg(src), e.ureg(fmt.Sprintf("uint64(%d)", imm)))
	case 0x4: // XORI
		e.addf("%s = %s ^ uint64(%d)", dst, src, imm)
	case 0x5:
		switch {
		case instr.IsRori():
			e.addf("%s = tr.Rotr(%s, %d, %s)", dst, src, uint64(instr.ImmIRaw())&(xlen-1), e.xlenLit())
		case instr.ImmIRaw() == 0x287: // ORC.B
			e.addf("%s = tr.OrcB(%s, %s)", dst, src, e.xlenLit())
		case instr.IsRev8(e.cfg.XLEN):
			if e.cfg.XLEN == 32 {
				e.addf("%s = uint64(tr.Bswap32(uint32(%s)))", dst, src)
			} else {
				e.addf("%s = tr.Bswap64(%s)", dst, src)
			}
		case instr.ImmHigh() == 0x000: // SRLI
			e.addf("%s = %s >> %d", dst, e.ureg(src), uint64(instr.ShiftImm64())&(xlen-1))
		case instr.ImmHigh() == 0x400: // SRAI
			e.addf("%s = uint64(%s >> %d)", dst, e.sreg(src), uint64(instr.ShiftImm64())&(xlen-1))
		case instr.ImmHigh() == 0x480: // BEXTI
			e.addf("%s = %s >> %d & 1", dst, src, uint64(instr.ImmIRaw())&(xlen-1))
		default:
			e.unknownInstruction(uint32(instr))
		}
	case 0x6: // ORI
		e.addf("%s = %s | uint64(%d)", dst, src, imm)
	case 0x7: // ANDI
		e.addf("%s = %s & uint64(%d)", dst, src, imm)
	default:
		e.unknownInstruction(uint32(instr))
	}
}

func (e *emitter) emitOp() {
	instr := e.instr
	rd := instr.Rd()
	if rd == 0 {
		return
	}
	dst := e.toReg(rd)
	a, b := e.fromReg(instr.Rs1()), e.fromReg(instr.Rs2())
	xlen := uint64(e.cfg.XLEN)
	switch instr.RFunc() {
	case 0x0: // ADD
		e.setReg(rd, a+" + "+b)
	case 0x200: // SUB
		e.setReg(rd, a+" - "+b)
	case 0x1: // SLL
		e.setReg(rd, fmt.Sprintf("%s << (%s & %d)", a, b, xlen-1))
	case 0x2: // SLT
		e.addf("%s = tr.B2u(%s < %s)", dst, e.sreg(a), e.sreg(b))
	case 0x3: // SLTU
		e.addf("%s = tr.B2u(%s < %s)", dst, e.ureg(a), e.ureg(b))
	case 0x4: // XOR
		e.addf("%s = %s ^ %s", dst, a, b)
	case 0x5: // SRL
		e.addf("%s = %s >> (%s & %d)", dst, e.ureg(a), b, xlen-1)
	case 0x205: // SRA
		e.addf("%s = uint64(%s >> (%s & %d))", dst, e.sreg(a), b, xlen-1)
	case 0x6: // OR
		e.addf("%s = %s | %s", dst, a, b)
	case 0x7: // AND
		e.addf("%s = %s & %s", dst, a, b)
	case 0x10: // MUL
		e.setReg(rd, a+" * "+b)
	case 0x11: // MULH
		if e.cfg.XLEN == 32 {
			e.addf("%s = uint64(uint64(int64(int32(%s))*int64(int32(%s))) >> 32)", dst, a, b)
		} else {
			e.addf("%s = tr.Mulh(%s, %s)", dst, a, b)
		}
	case 0x12: // MULHSU
		if e.cfg.XLEN == 32 {
			e.addf("%s = uint64(uint64(int64(int32(%s))*int64(uint32(%s))) >> 32)", dst, a, b)
		} else {
			e.addf("%s = tr.Mulhsu(%s, %s)", dst, a, b)
		}
	case 0x13: // MULHU
		if e.cfg.XLEN == 32 {
			e.addf("%s = (uint64(uint32(%s)) * uint64(uint32(%s))) >> 32", dst, a, b)
		} else {
			e.addf("%s = tr.Mulhu(%s, %s)", dst, a, b)
		}
	case 0x14: // DIV
		// Division by zero is not an exception.
		e.addf("if %s == 0 {", e.ureg(b))
		e.addf("%s = ^uint64(0)", dst)
		e.addf("} else if %s == %d && %s == -1 {", e.sreg(a), minIntFor(e.cfg.XLEN), e.sreg(b))
		e.addf("%s = %s", dst, a)
		e.addf("} else {")
		e.addf("%s = uint64(%s / %s)", dst, e.sreg(a), e.sreg(b))
		e.addf("}")
	case 0x15: // DIVU
		e.addf("if %s == 0 {", e.ureg(b))
		e.addf("%s = ^uint64(0)", dst)
		e.addf("} else {")
		e.addf("%s = %s / %s", dst, e.ureg(a), e.ureg(b))
		e.addf("}")
	case 0x16: // REM
		e.addf("if %s == 0 {", e.ureg(b))
		e.addf("%s = %s", dst, a)
		e.addf("} else if %s == %d && %s == -1 {", e.sreg(a), minIntFor(e.cfg.XLEN), e.sreg(b))
		e.addf("%s = 0", dst)
		e.addf("} else {")
		e.addf("%s = uint64(%s %% %s)", dst, e.sreg(a), e.sreg(b))
		e.addf("}")
	case 0x17: // REMU
		e.addf("if %s == 0 {", e.ureg(b))
		e.addf("%s = %s", dst, a)
		e.addf("} else {")
		e.addf("%s = %s %% %s", dst, e.ureg(a), e.ureg(b))
		e.addf("}")
	case 0x44: // ZEXT.H
		e.addf("%s = uint64(uint16(%s))", dst, a)
	case 0x51: // CLMUL
		e.addf("%s = tr.Clmul(%s, %s, %s)", dst, a, b, e.xlenLit())
	case 0x52: // CLMULR
		e.addf("%s = tr.Clmulr(%s, %s, %s)", dst, a, b, e.xlenLit())
	case 0x53: // CLMULH
		e.addf("%s = tr.Clmulh(%s, %s, %s)", dst, a, b, e.xlenLit())
	case 0x102: // SH1ADD
		e.setReg(rd, fmt.Sprintf("%s + %s<<1", b, a))
	case 0x104: // SH2ADD
		e.setReg(rd, fmt.Sprintf("%s + %s<<2", b, a))
	case 0x106: // SH3ADD
		e.setReg(rd, fmt.Sprintf("%s + %s<<3", b, a))
	case 0x141: // BSET
		e.addf("%s = %s | uint64(1)<<(%s & %d)", dst, a, b, xlen-1)
	case 0x241: // BCLR
		e.addf("%s = %s &^ (uint64(1)<<(%s & %d))", dst, a, b, xlen-1)
	case 0x341: // BINV
		e.addf("%s = %s ^ uint64(1)<<(%s & %d)", dst, a, b, xlen-1)
	case 0x204: // XNOR
		e.addf("%s = ^(%s ^ %s)", dst, a, b)
	case 0x206: // ORN
		e.addf("%s = %s | ^%s", dst, a, b)
	case 0x207: // ANDN
		e.addf("%s = %s &^ %s", dst, a, b)
	case 0x245: // BEXT
		e.addf("%s = %s >> (%s & %d) & 1", dst, a, b, xlen-1)
	case 0x54: // MIN
		e.emitMinMax(dst, a, b, true, true)
	case 0x55: // MINU
		e.emitMinMax(dst, a, b, false, true)
	case 0x56: // MAX
		e.emitMinMax(dst, a, b, true, false)
	case 0x57: // MAXU
		e.emitMinMax(dst, a, b, false, false)
	case 0x301: // ROL
		e.addf("%s = tr.Rotl(%s, %s, %s)", dst, a, b, e.xlenLit())
	case 0x305: // ROR
		e.addf("%s = tr.Rotr(%s, %s, %s)", dst, a, b, e.xlenLit())
	default:
		e.unknownInstruction(uint32(instr))
	}
}

func minIntFor(xlen uint) int64 {
	if xlen == 32 {
		return -1 << 31
	}
	return -1 << 63
}

func (e *emitter) emitMinMax(dst, a, b string, signed, wantMin bool) {
	cmp := "<"
	if !wantMin {
		cmp = ">"
	}
	var ca, cb string
	if signed {
		ca, cb = e.sreg(a), e.sreg(b)
	} else {
		ca, cb = e.ureg(a), e.ureg(b)
	}
	e.addf("if %s %s %s {", ca, cmp, cb)
	e.addf("%s = %s", dst, a)
	e.addf("} else {")
	e.addf("%s = %s", dst, b)
	e.addf("}")
}

func (e *emitter) emitOpImm32() {
	instr := e.instr
	if e.cfg.XLEN < 64 {
		e.unknownInstruction(uint32(instr))
		return
	}
	rd := instr.Rd()
	if rd == 0 {
		return
	}
	dst := e.toReg(rd)
	src := fmt.Sprintf("uint32(%s)", e.fromReg(instr.Rs1()))
	switch instr.Funct3() {
	case 0x0: // ADDIW
		e.addf("%s = tr.Sext32(%s + uint32(%d))", dst, src, int64(instr.ImmI()))
	case 0x1:
		switch {
		case instr.ImmHigh() == 0x000: // SLLIW
			e.addf("%s = tr.Sext32(%s << %d)", dst, src, instr.ShiftImm32())
		case instr.ImmHigh() == 0x080: // SLLI.UW
			e.addf("%s = uint64(%s) << %d", dst, src, instr.ShiftImm64())
		case instr.ImmIRaw() == 0x600: // CLZ.W
			e.addf("%s = uint64(api.Clz(%s))", dst, src)
		case instr.ImmIRaw() == 0x601: // CTZ.W
			e.addf("%s = uint64(api.Ctz(%s))", dst, src)
		case instr.ImmIRaw() == 0x602: // CPOP.W
			e.addf("%s = uint64(api.Cpop(%s))", dst, src)
		default:
			e.unknownInstruction(uint32(instr))
		}
	case 0x5:
		switch instr.ImmHigh() {
		case 0x000: // SRLIW
			e.addf("%s = tr.Sext32(%s >> %d)", dst, src, instr.ShiftImm32())
		case 0x400: // SRAIW
			e.addf("%s = uint64(int64(int32(%s) >> %d))", dst, src, instr.ShiftImm32())
		case 0x600: // RORIW
			e.addf("%s = tr.Rotr(uint64(%s), %d, 32)", dst, src, instr.ShiftImm32())
		default:
			e.unknownInstruction(uint32(instr))
		}
	default:
		e.unknownInstruction(uint32(instr))
	}
}

func (e *emitter) emitOp32() {
	instr := e.instr
	if e.cfg.XLEN < 64 {
		e.unknownInstruction(uint32(instr))
		return
	}
	rd := instr.Rd()
	if rd == 0 {
		return
	}
	dst := e.toReg(rd)
	a32 := fmt.Sprintf("uint32(%s)", e.fromReg(instr.Rs1()))
	b32 := fmt.Sprintf("uint32(%s)", e.fromReg(instr.Rs2()))
	bFull := e.fromReg(instr.Rs2())
	switch instr.RFunc() {
	case 0x0: // ADDW
		e.addf("%s = tr.Sext32(%s + %s)", dst, a32, b32)
	case 0x200: // SUBW
		e.addf("%s = tr.Sext32(%s - %s)", dst, a32, b32)
	case 0x1: // SLLW
		e.addf("%s = tr.Sext32(%s << (%s & 31))", dst, a32, b32)
	case 0x5: // SRLW
		e.addf("%s = tr.Sext32(%s >> (%s & 31))", dst, a32, b32)
	case 0x205: // SRAW
		e.addf("%s = uint64(int64(int32(%s) >> (%s & 31)))", dst, a32, b32)
	case 0x10: // MULW
		e.addf("%s = tr.Sext32(%s * %s)", dst, a32, b32)
	case 0x14: // DIVW
		e.addf("if %s == 0 {", b32)
		e.addf("%s = ^uint64(0)", dst)
		e.addf("} else if int32(%s) == -2147483648 && int32(%s) == -1 {", a32, b32)
		e.addf("%s = tr.Sext32(%s)", dst, a32)
		e.addf("} else {")
		e.addf("%s = uint64(int64(int32(%s) / int32(%s)))", dst, a32, b32)
		e.addf("}")
	case 0x15: // DIVUW
		e.addf("if %s == 0 {", b32)
		e.addf("%s = ^uint64(0)", dst)
		e.addf("} else {")
		e.addf("%s = tr.Sext32(%s / %s)", dst, a32, b32)
		e.addf("}")
	case 0x16: // REMW
		e.addf("if %s == 0 {", b32)
		e.addf("%s = tr.Sext32(%s)", dst, a32)
		e.addf("} else if int32(%s) == -2147483648 && int32(%s) == -1 {", a32, b32)
		e.addf("%s = 0", dst)
		e.addf("} else {")
		e.addf("%s = uint64(int64(int32(%s) %% int32(%s)))", dst, a32, b32)
		e.addf("}")
	case 0x17: // REMUW
		e.addf("if %s == 0 {", b32)
		e.addf("%s = tr.Sext32(%s)", dst, a32)
		e.addf("} else {")
		e.addf("%s = tr.Sext32(%s %% %s)", dst, a32, b32)
		e.addf("}")
	case 0x40: // ADD.UW
		e.addf("%s = %s + uint64(%s)", dst, bFull, a32)
	case 0x44: // ZEXT.H
		e.addf("%s = uint64(uint16(%s))", dst, a32)
	case 0x102: // SH1ADD.UW
		e.addf("%s = %s + uint64(%s)<<1", dst, bFull, a32)
	case 0x104: // SH2ADD.UW
		e.addf("%s = %s + uint64(%s)<<2", dst, bFull, a32)
	case 0x106: // SH3ADD.UW
		e.addf("%s = %s + uint64(%s)<<3", dst, bFull, a32)
	case 0x301: // ROLW
		e.addf("%s = tr.Rotl(uint64(%s), uint64(%s&31), 32)", dst, a32, b32)
	case 0x305: // RORW
		e.addf("%s = tr.Rotr(uint64(%s), uint64(%s&31), 32)", dst, a32, b32)
	default:
		e.unknownInstruction(uint32(instr))
	}
}

func (e *emitter) emitFpLoad() {
	instr := e.instr
	rd, rs1, imm := instr.Rd(), instr.Rs1(), instr.ImmI()
	switch instr.Funct3() {
	case 0x2: // FLW
		e.addf("{ var bits_ uint64")
		e.memLoad("bits_", castUnsigned(32), rs1, imm, 4)
		e.addf("cpu.LoadFBits32(%d, uint32(bits_)) }", rd)
	case 0x3: // FLD
		e.addf("{ var bits_ uint64")
		e.memLoad("bits_", castUnsigned(64), rs1, imm, 8)
		e.addf("cpu.LoadFBits64(%d, bits_) }", rd)
	case 0x6: // VLE32
		if e.cfg.VectorLanes == 0 {
			e.unknownInstruction(uint32(instr))
			return
		}
		e.addf("api.VecLoad(cpu, %d, %s)", rd, e.addrExpr(rs1, 0))
	default:
		e.unknownInstruction(uint32(instr))
	}
}

func (e *emitter) emitFpStore() {
	instr := e.instr
	rs1, rs2, imm := instr.Rs1(), instr.Rs2(), instr.ImmS()
	switch instr.Funct3() {
	case 0x2: // FSW
		e.memStore(rs1, imm, 4, fmt.Sprintf("uint64(uint32(cpu.FRegs[%d]))", rs2))
	case 0x3: // FSD
		e.memStore(rs1, imm, 8, fmt.Sprintf("cpu.FRegs[%d]", rs2))
	case 0x6: // VSE32
		if e.cfg.VectorLanes == 0 {
			e.unknownInstruction(uint32(instr))
			return
		}
		e.addf("api.VecStore(cpu, %s, %d)", e.addrExpr(rs1, 0), rs2)
	default:
		e.unknownInstruction(uint32(instr))
	}
}
