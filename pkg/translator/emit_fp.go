package translator

import (
	"fmt"

	"rvm/pkg/isa"
)

// emitFp renders the floating-point groups: fused multiply-add,
// arithmetic, sign injection, conversions and moves. NaN-boxing is
// applied by the CPU accessors the generated code calls.
func (e *emitter) emitFp() {
	instr := e.instr
	switch instr.Opcode() {
	case isa.OpMadd, isa.OpMsub, isa.OpNmadd, isa.OpNmsub:
		e.emitFpFma()
		return
	}

	rd, rs1, rs2 := instr.Rd(), instr.Rs1(), instr.Rs2()
	fmt64 := instr.Funct2() == 1
	if instr.Funct2() > 1 {
		e.unknownInstruction(uint32(instr))
		return
	}

	f1 := fmt.Sprintf("cpu.GetF32(%d)", rs1)
	f2 := fmt.Sprintf("cpu.GetF32(%d)", rs2)
	if fmt64 {
		f1 = fmt.Sprintf("cpu.GetF64(%d)", rs1)
		f2 = fmt.Sprintf("cpu.GetF64(%d)", rs2)
	}
	set := func(expr string) {
		if fmt64 {
			e.addf("cpu.SetF64(%d, %s)", rd, expr)
		} else {
			e.addf("cpu.SetF32(%d, %s)", rd, expr)
		}
	}

	switch instr.FpFunc() {
	case isa.FpAdd:
		set(f1 + " + " + f2)
	case isa.FpSub:
		set(f1 + " - " + f2)
	case isa.FpMul:
		set(f1 + " * " + f2)
	case isa.FpDiv:
		set(f1 + " / " + f2)
	case isa.FpSqrt:
		if fmt64 {
			set(fmt.Sprintf("api.Sqrtf64(%s)", f1))
		} else {
			set(fmt.Sprintf("api.Sqrtf32(%s)", f1))
		}
	case isa.FpMinMax:
		op := ">"
		if instr.Funct3() == 0 {
			op = "<"
		}
		e.addf("if %s %s %s {", f1, op, f2)
		set(f1)
		e.addf("} else {")
		set(f2)
		e.addf("}")
	case isa.FpCmp:
		if rd == 0 {
			e.unknownInstruction(uint32(instr))
			return
		}
		var op string
		switch instr.Funct3() {
		case 0x0:
			op = "<="
		case 0x1:
			op = "<"
		case 0x2:
			op = "=="
		default:
			e.unknownInstruction(uint32(instr))
			return
		}
		e.addf("%s = tr.B2u(%s %s %s)", e.toReg(rd), f1, op, f2)
	case isa.FpSgnj:
		e.emitFpSgnj(fmt64)
	case isa.FpCvtSD:
		if instr.Funct2() == 0 { // FCVT.S.D
			e.addf("cpu.SetF32(%d, float32(cpu.GetF64(%d)))", rd, rs1)
		} else { // FCVT.D.S
			e.addf("cpu.SetF64(%d, float64(cpu.GetF32(%d)))", rd, rs1)
		}
	case isa.FpCvtWSD:
		if rd == 0 {
			e.unknownInstruction(uint32(instr))
			return
		}
		var cast string
		switch rs2 {
		case 0:
			cast = "uint64(int64(int32"
		case 1:
			cast = "uint64((uint32"
		case 2:
			cast = "uint64((int64"
		case 3:
			cast = "((uint64"
		default:
			e.unknownInstruction(uint32(instr))
			return
		}
		e.addf("%s = %s(%s)))", e.toReg(rd), cast, f1)
	case isa.FpCvtSDW:
		var src string
		switch rs2 {
		case 0:
			src = e.sreg(e.fromReg(rs1))
		case 1:
			src = fmt.Sprintf("uint32(%s)", e.fromReg(rs1))
		case 2:
			src = fmt.Sprintf("int64(%s)", e.fromReg(rs1))
		case 3:
			src = e.fromReg(rs1)
		default:
			e.unknownInstruction(uint32(instr))
			return
		}
		if fmt64 {
			e.addf("cpu.SetF64(%d, float64(%s))", rd, src)
		} else {
			e.addf("cpu.SetF32(%d, float32(%s))", rd, src)
		}
	case isa.FpMvXW:
		if instr.Funct3() != 0 || rd == 0 {
			e.unknownInstruction(uint32(instr)) // FCLASS etc.
			return
		}
		if fmt64 {
			if e.cfg.XLEN != 64 {
				e.unknownInstruction(uint32(instr))
				return
			}
			e.addf("%s = cpu.FRegs[%d]", e.toReg(rd), rs1)
		} else {
			e.addf("%s = tr.Sext32(uint32(cpu.FRegs[%d]))", e.toReg(rd), rs1)
		}
	case isa.FpMvWX:
		if fmt64 {
			if e.cfg.XLEN != 64 {
				e.unknownInstruction(uint32(instr))
				return
			}
			e.addf("cpu.LoadFBits64(%d, %s)", rd, e.fromReg(rs1))
		} else {
			e.addf("cpu.LoadFBits32(%d, uint32(%s))", rd, e.fromReg(rs1))
		}
	default:
		e.unknownInstruction(uint32(instr))
	}
}

func (e *emitter) emitFpFma() {
	instr := e.instr
	rd, rs1, rs2, rs3 := instr.Rd(), instr.Rs1(), instr.Rs2(), instr.Rs3()
	neg := instr.Opcode() == isa.OpNmadd || instr.Opcode() == isa.OpNmsub
	sub := instr.Opcode() == isa.OpMsub || instr.Opcode() == isa.OpNmsub
	addOp := "+"
	if sub {
		addOp = "-"
	}
	sign := ""
	if neg {
		sign = "-"
	}
	if instr.Funct2() == 0 {
		e.addf("cpu.SetF32(%d, %s(cpu.GetF32(%d)*cpu.GetF32(%d) %s cpu.GetF32(%d)))",
			rd, sign, rs1, rs2, addOp, rs3)
	} else if instr.Funct2() == 1 {
		e.addf("cpu.SetF64(%d, %s(cpu.GetF64(%d)*cpu.GetF64(%d) %s cpu.GetF64(%d)))",
			rd, sign, rs1, rs2, addOp, rs3)
	} else {
		e.unknownInstruction(uint32(instr))
	}
}

func (e *emitter) emitFpSgnj(fmt64 bool) {
	instr := e.instr
	rd, rs1, rs2 := instr.Rd(), instr.Rs1(), instr.Rs2()
	if instr.Funct3() == 0 && rs1 == rs2 { // FMV rd, rs1
		e.addf("cpu.FRegs[%d] = cpu.FRegs[%d]", rd, rs1)
		return
	}
	if fmt64 {
		var sign string
		switch instr.Funct3() {
		case 0x0:
			sign = fmt.Sprintf("cpu.FRegs[%d] & (1<<63)", rs2)
		case 0x1:
			sign = fmt.Sprintf("(cpu.FRegs[%d] ^ (1<<63)) & (1<<63)", rs2)
		case 0x2:
			sign = fmt.Sprintf("(cpu.FRegs[%d] ^ cpu.FRegs[%d]) & (1<<63)", rs1, rs2)
		default:
			e.unknownInstruction(uint32(instr))
			return
		}
		e.addf("cpu.LoadFBits64(%d, %s | cpu.FRegs[%d] &^ (1<<63))", rd, sign, rs1)
		return
	}
	var sign string
	switch instr.Funct3() {
	case 0x0:
		sign = fmt.Sprintf("uint32(cpu.FRegs[%d]) & (1<<31)", rs2)
	case 0x1:
		sign = fmt.Sprintf("(uint32(cpu.FRegs[%d]) ^ (1<<31)) & (1<<31)", rs2)
	case 0x2:
		sign = fmt.Sprintf("(uint32(cpu.FRegs[%d]) ^ uint32(cpu.FRegs[%d])) & (1<<31)", rs1, rs2)
	default:
		e.unknownInstruction(uint32(instr))
		return
	}
	e.addf("cpu.LoadFBits32(%d, %s | uint32(cpu.FRegs[%d]) &^ (1<<31))", rd, sign, rs1)
}

// emitVector unrolls the supported vector forms per lane; without the
// extension everything routes to the runtime escape.
func (e *emitter) emitVector() {
	instr := e.instr
	lanes := e.cfg.VectorLanes
	if lanes == 0 {
		e.unknownInstruction(uint32(instr))
		return
	}
	funct6 := instr.Funct7() >> 1
	vd, vs1, vs2 := instr.Rd(), instr.Rs1(), instr.Rs2()
	var op string
	switch funct6 {
	case 0b000000:
		op = "+"
	case 0b100100:
		op = "*"
	default:
		e.unknownInstruction(uint32(instr))
		return
	}
	switch instr.Funct3() {
	case 0x1: // OPF.VV
		for i := uint(0); i < lanes; i++ {
			e.addf("cpu.VRegs[%d][%d] = tr.F32b(tr.F32(cpu.VRegs[%d][%d]) %s tr.F32(cpu.VRegs[%d][%d]))",
				vd, i, vs1, i, op, vs2, i)
		}
	case 0x5: // OPF.VF
		e.addf("{ scalar_ := cpu.GetF32(%d)", vs1)
		for i := uint(0); i < lanes; i++ {
			e.addf("cpu.VRegs[%d][%d] = tr.F32b(tr.F32(cpu.VRegs[%d][%d]) %s scalar_)",
				vd, i, vs2, i, op)
		}
		e.addf("}")
	default:
		e.unknownInstruction(uint32(instr))
	}
}
