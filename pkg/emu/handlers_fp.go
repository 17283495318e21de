package emu

import (
	"math"

	"rvm/pkg/isa"
)

// MaxVectorLanes bounds the per-register vector lane count (32-bit
// elements).
const MaxVectorLanes = 8

func handleFpLoad(c *CPU, instr isa.Instr) {
	addr := c.maskAddr(c.Reg(instr.Rs1()) + uint64(int64(instr.ImmI())))
	switch instr.Funct3() {
	case 0x2: // FLW
		v, err := c.machine.Arena.Read(addr, 4)
		if err != nil {
			c.TriggerException(c.Pc, GuestPageFault)
		}
		c.LoadFBits32(instr.Rd(), uint32(v))
	case 0x3: // FLD
		v, err := c.machine.Arena.Read(addr, 8)
		if err != nil {
			c.TriggerException(c.Pc, GuestPageFault)
		}
		c.LoadFBits64(instr.Rd(), v)
	case 0x6: // VLE32
		lanes := c.machine.Options.VectorLanes
		if lanes == 0 {
			handleIllegal(c, instr)
			return
		}
		for i := uint(0); i < lanes; i++ {
			v, err := c.machine.Arena.Read(addr+uint64(i)*4, 4)
			if err != nil {
				c.TriggerException(c.Pc, GuestPageFault)
			}
			c.VRegs[instr.Rd()][i] = uint32(v)
		}
	default:
		handleIllegal(c, instr)
	}
}

func handleFpStore(c *CPU, instr isa.Instr) {
	addr := c.maskAddr(c.Reg(instr.Rs1()) + uint64(int64(instr.ImmS())))
	switch instr.Funct3() {
	case 0x2: // FSW
		if err := c.machine.Arena.Write(addr, uint64(uint32(c.FRegs[instr.Rs2()])), 4); err != nil {
			c.TriggerException(c.Pc, GuestPageFault)
		}
	case 0x3: // FSD
		if err := c.machine.Arena.Write(addr, c.FRegs[instr.Rs2()], 8); err != nil {
			c.TriggerException(c.Pc, GuestPageFault)
		}
	case 0x6: // VSE32
		lanes := c.machine.Options.VectorLanes
		if lanes == 0 {
			handleIllegal(c, instr)
			return
		}
		for i := uint(0); i < lanes; i++ {
			if err := c.machine.Arena.Write(addr+uint64(i)*4, uint64(c.VRegs[instr.Rs2()][i]), 4); err != nil {
				c.TriggerException(c.Pc, GuestPageFault)
			}
		}
	default:
		handleIllegal(c, instr)
	}
}

func handleFp(c *CPU, instr isa.Instr) {
	// The fused multiply-add group carries its own opcodes.
	switch instr.Opcode() {
	case isa.OpMadd, isa.OpMsub, isa.OpNmadd, isa.OpNmsub:
		neg := instr.Opcode() == isa.OpNmadd || instr.Opcode() == isa.OpNmsub
		sub := instr.Opcode() == isa.OpMsub || instr.Opcode() == isa.OpNmsub
		if instr.Funct2() == 0 {
			a, b, d := c.GetF32(instr.Rs1()), c.GetF32(instr.Rs2()), c.GetF32(instr.Rs3())
			r := a * b
			if sub {
				r -= d
			} else {
				r += d
			}
			if neg {
				r = -r
			}
			c.SetF32(instr.Rd(), r)
		} else {
			a, b, d := c.GetF64(instr.Rs1()), c.GetF64(instr.Rs2()), c.GetF64(instr.Rs3())
			r := a * b
			if sub {
				r -= d
			} else {
				r += d
			}
			if neg {
				r = -r
			}
			c.SetF64(instr.Rd(), r)
		}
		return
	}

	fmt64 := instr.Funct2() == 1
	switch instr.FpFunc() {
	case isa.FpAdd, isa.FpSub, isa.FpMul, isa.FpDiv:
		if fmt64 {
			a, b := c.GetF64(instr.Rs1()), c.GetF64(instr.Rs2())
			c.SetF64(instr.Rd(), fpArith64(instr.FpFunc(), a, b))
		} else {
			a, b := c.GetF32(instr.Rs1()), c.GetF32(instr.Rs2())
			c.SetF32(instr.Rd(), fpArith32(instr.FpFunc(), a, b))
		}
	case isa.FpSqrt:
		if fmt64 {
			c.SetF64(instr.Rd(), math.Sqrt(c.GetF64(instr.Rs1())))
		} else {
			c.SetF32(instr.Rd(), float32(math.Sqrt(float64(c.GetF32(instr.Rs1())))))
		}
	case isa.FpSgnj:
		c.fpSgnj(instr, fmt64)
	case isa.FpMinMax:
		if fmt64 {
			a, b := c.GetF64(instr.Rs1()), c.GetF64(instr.Rs2())
			if instr.Funct3() == 0 {
				c.SetF64(instr.Rd(), math.Min(a, b))
			} else {
				c.SetF64(instr.Rd(), math.Max(a, b))
			}
		} else {
			a, b := float64(c.GetF32(instr.Rs1())), float64(c.GetF32(instr.Rs2()))
			if instr.Funct3() == 0 {
				c.SetF32(instr.Rd(), float32(math.Min(a, b)))
			} else {
				c.SetF32(instr.Rd(), float32(math.Max(a, b)))
			}
		}
	case isa.FpCmp:
		var r bool
		if fmt64 {
			a, b := c.GetF64(instr.Rs1()), c.GetF64(instr.Rs2())
			switch instr.Funct3() {
			case 0x0:
				r = a <= b
			case 0x1:
				r = a < b
			case 0x2:
				r = a == b
			}
		} else {
			a, b := c.GetF32(instr.Rs1()), c.GetF32(instr.Rs2())
			switch instr.Funct3() {
			case 0x0:
				r = a <= b
			case 0x1:
				r = a < b
			case 0x2:
				r = a == b
			}
		}
		c.SetReg(instr.Rd(), b2u(r))
	case isa.FpCvtSD:
		if instr.Funct2() == 0 { // FCVT.S.D
			c.SetF32(instr.Rd(), float32(c.GetF64(instr.Rs1())))
		} else { // FCVT.D.S
			c.SetF64(instr.Rd(), float64(c.GetF32(instr.Rs1())))
		}
	case isa.FpCvtWSD: // FCVT.W/WU/L/LU from float
		var v uint64
		if fmt64 {
			f := c.GetF64(instr.Rs1())
			v = fpToInt(f, instr.Rs2())
		} else {
			v = fpToInt(float64(c.GetF32(instr.Rs1())), instr.Rs2())
		}
		c.SetReg(instr.Rd(), v)
	case isa.FpCvtSDW: // FCVT float from W/WU/L/LU
		src := c.Reg(instr.Rs1())
		var f float64
		switch instr.Rs2() {
		case 0:
			f = float64(int32(src))
		case 1:
			f = float64(uint32(src))
		case 2:
			f = float64(int64(src))
		default:
			f = float64(src)
		}
		if fmt64 {
			c.SetF64(instr.Rd(), f)
		} else {
			c.SetF32(instr.Rd(), float32(f))
		}
	case isa.FpMvXW:
		if instr.Funct3() == 0 {
			if fmt64 {
				c.SetReg(instr.Rd(), c.FRegs[instr.Rs1()])
			} else {
				c.SetReg(instr.Rd(), sext32(uint32(c.FRegs[instr.Rs1()])))
			}
		} else { // FCLASS and friends
			handleIllegal(c, instr)
		}
	case isa.FpMvWX:
		if fmt64 {
			c.LoadFBits64(instr.Rd(), c.Reg(instr.Rs1()))
		} else {
			c.LoadFBits32(instr.Rd(), uint32(c.Reg(instr.Rs1())))
		}
	default:
		handleIllegal(c, instr)
	}
}

func fpArith32(op uint32, a, b float32) float32 {
	switch op {
	case isa.FpAdd:
		return a + b
	case isa.FpSub:
		return a - b
	case isa.FpMul:
		return a * b
	}
	return a / b
}

func fpArith64(op uint32, a, b float64) float64 {
	switch op {
	case isa.FpAdd:
		return a + b
	case isa.FpSub:
		return a - b
	case isa.FpMul:
		return a * b
	}
	return a / b
}

func fpToInt(f float64, mode uint32) uint64 {
	switch mode {
	case 0:
		return uint64(int64(int32(f)))
	case 1:
		return uint64(uint32(f))
	case 2:
		return uint64(int64(f))
	}
	return uint64(f)
}

func (c *CPU) fpSgnj(instr isa.Instr, fmt64 bool) {
	rd, rs1, rs2 := instr.Rd(), instr.Rs1(), instr.Rs2()
	if fmt64 {
		sign := c.FRegs[rs2] & (1 << 63)
		bits := c.FRegs[rs1] &^ (1 << 63)
		switch instr.Funct3() {
		case 0x0: // FSGNJ
		case 0x1: // FSGNJN
			sign ^= 1 << 63
		case 0x2: // FSGNJX
			sign ^= c.FRegs[rs1] & (1 << 63)
		default:
			handleIllegal(c, instr)
			return
		}
		c.LoadFBits64(rd, sign|bits)
		return
	}
	s1, s2 := uint32(c.FRegs[rs1]), uint32(c.FRegs[rs2])
	sign := s2 & (1 << 31)
	bits := s1 &^ (1 << 31)
	switch instr.Funct3() {
	case 0x0:
	case 0x1:
		sign ^= 1 << 31
	case 0x2:
		sign ^= s1 & (1 << 31)
	default:
		handleIllegal(c, instr)
		return
	}
	c.LoadFBits32(rd, sign|bits)
}

// handleAtomic implements the A extension the interpreter needs; the
// emitter always routes atomics through the runtime escape.
func handleAtomic(c *CPU, instr isa.Instr) {
	if !c.machine.Options.AtomicsEnabled {
		handleIllegal(c, instr)
		return
	}
	var size uint
	switch instr.Funct3() {
	case 0x2:
		size = 4
	case 0x3:
		if c.xlen() != 64 {
			handleIllegal(c, instr)
			return
		}
		size = 8
	default:
		handleIllegal(c, instr)
		return
	}
	addr := c.maskAddr(c.Reg(instr.Rs1()))
	if addr&uint64(size-1) != 0 {
		c.TriggerException(c.Pc, IllegalOperation)
	}
	funct5 := instr.Funct7() >> 2

	if funct5 == 0x02 { // LR
		v, err := c.machine.Arena.Read(addr, size)
		if err != nil {
			c.TriggerException(c.Pc, GuestPageFault)
		}
		if size == 4 {
			v = sext32(uint32(v))
		}
		c.SetReg(instr.Rd(), v)
		return
	}
	if funct5 == 0x03 { // SC: single hart, always succeeds
		if err := c.machine.Arena.Write(addr, c.Reg(instr.Rs2()), size); err != nil {
			c.TriggerException(c.Pc, GuestPageFault)
		}
		c.SetReg(instr.Rd(), 0)
		return
	}

	old, err := c.machine.Arena.Read(addr, size)
	if err != nil {
		c.TriggerException(c.Pc, GuestPageFault)
	}
	if size == 4 {
		old = sext32(uint32(old))
	}
	src := c.Reg(instr.Rs2())
	var next uint64
	switch funct5 {
	case 0x01: // AMOSWAP
		next = src
	case 0x00: // AMOADD
		next = old + src
	case 0x04: // AMOXOR
		next = old ^ src
	case 0x0C: // AMOAND
		next = old & src
	case 0x08: // AMOOR
		next = old | src
	case 0x10: // AMOMIN
		next = uint64(minmax(old, src, true, true))
	case 0x14: // AMOMAX
		next = uint64(minmax(old, src, true, false))
	case 0x18: // AMOMINU
		next = minmax(c.maskX(old), c.maskX(src), false, true)
	case 0x1C: // AMOMAXU
		next = minmax(c.maskX(old), c.maskX(src), false, false)
	default:
		handleIllegal(c, instr)
		return
	}
	if err := c.machine.Arena.Write(addr, next, size); err != nil {
		c.TriggerException(c.Pc, GuestPageFault)
	}
	c.SetReg(instr.Rd(), old)
}

// handleVector covers the narrow OPF subset the translator also knows:
// VFADD.VV / VFMUL.VV and their .VF forms.
func handleVector(c *CPU, instr isa.Instr) {
	lanes := c.machine.Options.VectorLanes
	if lanes == 0 {
		handleIllegal(c, instr)
		return
	}
	funct6 := instr.Funct7() >> 1
	vd := instr.Rd()
	vs1 := instr.Rs1()
	vs2 := instr.Rs2()
	switch instr.Funct3() {
	case 0x1: // OPF.VV
		for i := uint(0); i < lanes; i++ {
			a := math.Float32frombits(c.VRegs[vs1][i])
			b := math.Float32frombits(c.VRegs[vs2][i])
			switch funct6 {
			case 0b000000:
				c.VRegs[vd][i] = math.Float32bits(a + b)
			case 0b100100:
				c.VRegs[vd][i] = math.Float32bits(a * b)
			default:
				handleIllegal(c, instr)
				return
			}
		}
	case 0x5: // OPF.VF
		scalar := c.GetF32(vs1)
		for i := uint(0); i < lanes; i++ {
			b := math.Float32frombits(c.VRegs[vs2][i])
			switch funct6 {
			case 0b000000:
				c.VRegs[vd][i] = math.Float32bits(b + scalar)
			case 0b100100:
				c.VRegs[vd][i] = math.Float32bits(b * scalar)
			default:
				handleIllegal(c, instr)
				return
			}
		}
	default:
		handleIllegal(c, instr)
	}
}
