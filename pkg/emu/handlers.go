package emu

import (
	"math/bits"

	"rvm/pkg/isa"
)

// SyscallEbreak is the syscall number EBREAK is routed to.
const SyscallEbreak = 510

func (c *CPU) xlen() uint { return c.machine.Options.XLEN }

func (c *CPU) maskAddr(addr uint64) uint64 {
	if c.xlen() == 32 {
		return uint64(uint32(addr))
	}
	return addr
}

func handleIllegal(c *CPU, instr isa.Instr) {
	c.TriggerException(c.Pc, IllegalOpcode)
}

func handleFence(c *CPU, instr isa.Instr) {}

func handleLui(c *CPU, instr isa.Instr) {
	c.SetReg(instr.Rd(), uint64(int64(instr.ImmU())))
}

func handleAuipc(c *CPU, instr isa.Instr) {
	c.SetReg(instr.Rd(), c.maskAddr(c.Pc+uint64(int64(instr.ImmU()))))
}

func handleLoad(c *CPU, instr isa.Instr) {
	addr := c.maskAddr(c.Reg(instr.Rs1()) + uint64(int64(instr.ImmI())))
	var size uint
	signed := false
	switch instr.Funct3() {
	case 0x0:
		size, signed = 1, true
	case 0x1:
		size, signed = 2, true
	case 0x2:
		size, signed = 4, true
	case 0x3:
		if c.xlen() != 64 {
			handleIllegal(c, instr)
			return
		}
		size = 8
	case 0x4:
		size = 1
	case 0x5:
		size = 2
	case 0x6:
		if c.xlen() != 64 {
			handleIllegal(c, instr)
			return
		}
		size = 4
	default:
		handleIllegal(c, instr)
		return
	}
	v, err := c.machine.Arena.Read(addr, size)
	if err != nil {
		c.TriggerException(c.Pc, GuestPageFault)
	}
	if signed {
		shift := 64 - size*8
		v = uint64(int64(v<<shift) >> shift)
	}
	c.SetReg(instr.Rd(), v)
}

func handleStore(c *CPU, instr isa.Instr) {
	addr := c.maskAddr(c.Reg(instr.Rs1()) + uint64(int64(instr.ImmS())))
	var size uint
	switch instr.Funct3() {
	case 0x0:
		size = 1
	case 0x1:
		size = 2
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
	if err := c.machine.Arena.Write(addr, c.Reg(instr.Rs2()), size); err != nil {
		c.TriggerException(c.Pc, GuestPageFault)
	}
}

func handleOpImm(c *CPU, instr isa.Instr) {
	rd, rs1 := instr.Rd(), instr.Rs1()
	if rd == 0 {
		return
	}
	src := c.Reg(rs1)
	imm := uint64(int64(instr.ImmI()))
	xlen := uint64(c.xlen())
	switch instr.Funct3() {
	case 0x0: // ADDI
		c.SetReg(rd, src+imm)
	case 0x1:
		switch instr.ImmIRaw() {
		case 0x604: // SEXT.B
			c.SetReg(rd, uint64(int64(int8(src))))
		case 0x605: // SEXT.H
			c.SetReg(rd, uint64(int64(int16(src))))
		case 0x600: // CLZ
			c.SetReg(rd, uint64(clzX(src, xlen)))
		case 0x601: // CTZ
			c.SetReg(rd, uint64(ctzX(src, xlen)))
		case 0x602: // CPOP
			c.SetReg(rd, uint64(cpopX(src, xlen)))
		default:
			switch instr.ImmHigh() {
			case 0x000: // SLLI
				c.SetReg(rd, src<<(uint64(instr.ShiftImm64())&(xlen-1)))
			case 0x280: // BSETI
				c.SetReg(rd, src|uint64(1)<<(uint64(instr.ImmIRaw())&(xlen-1)))
			case 0x480: // BCLRI
				c.SetReg(rd, src&^(uint64(1)<<(uint64(instr.ImmIRaw())&(xlen-1))))
			case 0x680: // BINVI
				c.SetReg(rd, src^uint64(1)<<(uint64(instr.ImmIRaw())&(xlen-1)))
			default:
				handleIllegal(c, instr)
			}
		}
	case 0x2: // SLTI
		c.SetReg(rd, b2u(int64(c.signed(src)) < int64(instr.ImmI())))
	case 0x3: // SLTIU
		c.SetReg(rd, b2u(c.maskX(src) < c.maskX(imm)))
	case 0x4: // XORI
		c.SetReg(rd, src^imm)
	case 0x5:
		switch {
		case instr.IsRori():
			sh := uint64(instr.ImmIRaw()) & (xlen - 1)
			c.SetReg(rd, rotrX(src, sh, xlen))
		case instr.ImmIRaw() == 0x287: // ORC.B
			c.SetReg(rd, orcB(src, xlen))
		case instr.IsRev8(c.xlen()):
			if xlen == 32 {
				c.SetReg(rd, uint64(bits.ReverseBytes32(uint32(src))))
			} else {
				c.SetReg(rd, bits.ReverseBytes64(src))
			}
		case instr.ImmHigh() == 0x000: // SRLI
			c.SetReg(rd, c.maskX(src)>>(uint64(instr.ShiftImm64())&(xlen-1)))
		case instr.ImmHigh() == 0x400: // SRAI
			c.SetReg(rd, uint64(int64(c.signed(src))>>(uint64(instr.ShiftImm64())&(xlen-1))))
		case instr.ImmHigh() == 0x480: // BEXTI
			c.SetReg(rd, src>>(uint64(instr.ImmIRaw())&(xlen-1))&1)
		default:
			handleIllegal(c, instr)
		}
	case 0x6: // ORI
		c.SetReg(rd, src|imm)
	case 0x7: // ANDI
		c.SetReg(rd, src&imm)
	}
}

func handleOp(c *CPU, instr isa.Instr) {
	rd := instr.Rd()
	if rd == 0 {
		return
	}
	a, b := c.Reg(instr.Rs1()), c.Reg(instr.Rs2())
	xlen := uint64(c.xlen())
	switch instr.RFunc() {
	case 0x0: // ADD
		c.SetReg(rd, a+b)
	case 0x200: // SUB
		c.SetReg(rd, a-b)
	case 0x1: // SLL
		c.SetReg(rd, a<<(b&(xlen-1)))
	case 0x2: // SLT
		c.SetReg(rd, b2u(int64(c.signed(a)) < int64(c.signed(b))))
	case 0x3: // SLTU
		c.SetReg(rd, b2u(c.maskX(a) < c.maskX(b)))
	case 0x4: // XOR
		c.SetReg(rd, a^b)
	case 0x5: // SRL
		c.SetReg(rd, c.maskX(a)>>(b&(xlen-1)))
	case 0x205: // SRA
		c.SetReg(rd, uint64(int64(c.signed(a))>>(b&(xlen-1))))
	case 0x6: // OR
		c.SetReg(rd, a|b)
	case 0x7: // AND
		c.SetReg(rd, a&b)
	// M extension
	case 0x10: // MUL
		c.SetReg(rd, a*b)
	case 0x11: // MULH
		c.SetReg(rd, c.mulh(a, b, true, true))
	case 0x12: // MULHSU
		c.SetReg(rd, c.mulh(a, b, true, false))
	case 0x13: // MULHU
		c.SetReg(rd, c.mulh(a, b, false, false))
	case 0x14: // DIV
		c.SetReg(rd, c.divS(a, b))
	case 0x15: // DIVU
		c.SetReg(rd, c.divU(a, b))
	case 0x16: // REM
		c.SetReg(rd, c.remS(a, b))
	case 0x17: // REMU
		c.SetReg(rd, c.remU(a, b))
	// B extension
	case 0x44: // ZEXT.H
		c.SetReg(rd, uint64(uint16(a)))
	case 0x51: // CLMUL
		c.SetReg(rd, clmul(a, b, xlen))
	case 0x52: // CLMULR
		c.SetReg(rd, clmulr(a, b, xlen))
	case 0x53: // CLMULH
		c.SetReg(rd, clmulh(a, b, xlen))
	case 0x102: // SH1ADD
		c.SetReg(rd, b+a<<1)
	case 0x104: // SH2ADD
		c.SetReg(rd, b+a<<2)
	case 0x106: // SH3ADD
		c.SetReg(rd, b+a<<3)
	case 0x141: // BSET
		c.SetReg(rd, a|uint64(1)<<(b&(xlen-1)))
	case 0x241: // BCLR
		c.SetReg(rd, a&^(uint64(1)<<(b&(xlen-1))))
	case 0x341: // BINV
		c.SetReg(rd, a^uint64(1)<<(b&(xlen-1)))
	case 0x204: // XNOR
		c.SetReg(rd, ^(a ^ b))
	case 0x206: // ORN
		c.SetReg(rd, a|^b)
	case 0x207: // ANDN
		c.SetReg(rd, a&^b)
	case 0x245: // BEXT
		c.SetReg(rd, a>>(b&(xlen-1))&1)
	case 0x54: // MIN
		c.SetReg(rd, minmax(a, b, true, true))
	case 0x55: // MINU
		c.SetReg(rd, minmax(c.maskX(a), c.maskX(b), false, true))
	case 0x56: // MAX
		c.SetReg(rd, minmax(a, b, true, false))
	case 0x57: // MAXU
		c.SetReg(rd, minmax(c.maskX(a), c.maskX(b), false, false))
	case 0x301: // ROL
		c.SetReg(rd, rotrX(a, xlen-(b&(xlen-1)), xlen))
	case 0x305: // ROR
		c.SetReg(rd, rotrX(a, b&(xlen-1), xlen))
	default:
		handleIllegal(c, instr)
	}
}

func handleOpImm32(c *CPU, instr isa.Instr) {
	rd := instr.Rd()
	if rd == 0 {
		return
	}
	src := uint32(c.Reg(instr.Rs1()))
	switch instr.Funct3() {
	case 0x0: // ADDIW
		c.SetReg(rd, sext32(src+uint32(instr.ImmI())))
	case 0x1:
		switch {
		case instr.ImmHigh() == 0x000: // SLLIW
			c.SetReg(rd, sext32(src<<instr.ShiftImm32()))
		case instr.ImmIRaw()>>5 == 0x04: // SLLI.UW
			c.SetReg(rd, uint64(src)<<instr.ShiftImm64())
		case instr.ImmIRaw() == 0x600: // CLZ.W
			c.SetReg(rd, uint64(bits.LeadingZeros32(src)))
		case instr.ImmIRaw() == 0x601: // CTZ.W
			c.SetReg(rd, uint64(bits.TrailingZeros32(src)))
		case instr.ImmIRaw() == 0x602: // CPOP.W
			c.SetReg(rd, uint64(bits.OnesCount32(src)))
		default:
			handleIllegal(c, instr)
		}
	case 0x5:
		switch instr.ImmHigh() {
		case 0x000: // SRLIW
			c.SetReg(rd, sext32(src>>instr.ShiftImm32()))
		case 0x400: // SRAIW
			c.SetReg(rd, uint64(int64(int32(src)>>instr.ShiftImm32())))
		case 0x600: // RORIW
			sh := instr.ShiftImm32()
			c.SetReg(rd, sext32(bits.RotateLeft32(src, -int(sh))))
		default:
			handleIllegal(c, instr)
		}
	default:
		handleIllegal(c, instr)
	}
}

func handleOp32(c *CPU, instr isa.Instr) {
	rd := instr.Rd()
	if rd == 0 {
		return
	}
	a, b := uint32(c.Reg(instr.Rs1())), uint32(c.Reg(instr.Rs2()))
	switch instr.RFunc() {
	case 0x0: // ADDW
		c.SetReg(rd, sext32(a+b))
	case 0x200: // SUBW
		c.SetReg(rd, sext32(a-b))
	case 0x1: // SLLW
		c.SetReg(rd, sext32(a<<(b&31)))
	case 0x5: // SRLW
		c.SetReg(rd, sext32(a>>(b&31)))
	case 0x205: // SRAW
		c.SetReg(rd, uint64(int64(int32(a)>>(b&31))))
	case 0x10: // MULW
		c.SetReg(rd, sext32(a*b))
	case 0x14: // DIVW
		c.SetReg(rd, divS32(a, b))
	case 0x15: // DIVUW
		if b == 0 {
			c.SetReg(rd, ^uint64(0))
		} else {
			c.SetReg(rd, sext32(a/b))
		}
	case 0x16: // REMW
		c.SetReg(rd, remS32(a, b))
	case 0x17: // REMUW
		if b == 0 {
			c.SetReg(rd, sext32(a))
		} else {
			c.SetReg(rd, sext32(a%b))
		}
	case 0x40: // ADD.UW
		c.SetReg(rd, c.Reg(instr.Rs2())+uint64(a))
	case 0x44: // ZEXT.H
		c.SetReg(rd, uint64(uint16(a)))
	case 0x102: // SH1ADD.UW
		c.SetReg(rd, c.Reg(instr.Rs2())+uint64(a)<<1)
	case 0x104: // SH2ADD.UW
		c.SetReg(rd, c.Reg(instr.Rs2())+uint64(a)<<2)
	case 0x106: // SH3ADD.UW
		c.SetReg(rd, c.Reg(instr.Rs2())+uint64(a)<<3)
	case 0x301: // ROLW
		c.SetReg(rd, sext32(bits.RotateLeft32(a, int(b&31))))
	case 0x305: // RORW
		c.SetReg(rd, sext32(bits.RotateLeft32(a, -int(b&31))))
	default:
		handleIllegal(c, instr)
	}
}

func handleBranch(c *CPU, instr isa.Instr) {
	a, b := c.Reg(instr.Rs1()), c.Reg(instr.Rs2())
	var taken bool
	switch instr.Funct3() {
	case 0x0:
		taken = a == b
	case 0x1:
		taken = a != b
	case 0x4:
		taken = int64(c.signed(a)) < int64(c.signed(b))
	case 0x5:
		taken = int64(c.signed(a)) >= int64(c.signed(b))
	case 0x6:
		taken = c.maskX(a) < c.maskX(b)
	case 0x7:
		taken = c.maskX(a) >= c.maskX(b)
	default:
		handleIllegal(c, instr)
		return
	}
	if !taken {
		return
	}
	target := c.maskAddr(c.Pc + uint64(int64(instr.ImmB())))
	if target&c.machine.Options.AlignMask() != 0 {
		c.TriggerException(c.Pc, MisalignedInstruction)
	}
	c.Jump(target)
}

func handleJal(c *CPU, instr isa.Instr) {
	target := c.maskAddr(c.Pc+uint64(int64(instr.ImmJ()))) &^ c.machine.Options.AlignMask()
	c.SetReg(instr.Rd(), c.NextPC())
	c.Jump(target)
}

func handleJalr(c *CPU, instr isa.Instr) {
	target := c.maskAddr(c.Reg(instr.Rs1())+uint64(int64(instr.ImmI()))) &^ 1
	if target&c.machine.Options.AlignMask() != 0 {
		c.TriggerException(c.Pc, MisalignedInstruction)
	}
	c.SetReg(instr.Rd(), c.NextPC())
	c.Jump(target)
}

func handleSystem(c *CPU, instr isa.Instr) {
	m := c.machine
	if instr.Funct3() == 0 {
		switch instr.ImmIRaw() {
		case 0: // ECALL
			if err := m.SystemCall(c.Reg(isa.RegA7)); err != nil {
				panic(err)
			}
		case 1: // EBREAK
			if err := m.SystemCall(SyscallEbreak); err != nil {
				panic(err)
			}
		case 0x105, 0x7FF: // WFI / STOP
			m.Stop()
			c.Jump(c.NextPC())
		default:
			m.System(instr)
		}
		return
	}
	m.System(instr)
}

// Arithmetic helpers.

func b2u(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

func sext32(v uint32) uint64 { return uint64(int64(int32(v))) }

func (c *CPU) signed(v uint64) int64 {
	if c.xlen() == 32 {
		return int64(int32(v))
	}
	return int64(v)
}

func (c *CPU) maskX(v uint64) uint64 {
	if c.xlen() == 32 {
		return uint64(uint32(v))
	}
	return v
}

func (c *CPU) mulh(a, b uint64, signedA, signedB bool) uint64 {
	if c.xlen() == 32 {
		var x, y int64
		if signedA {
			x = int64(int32(a))
		} else {
			x = int64(uint32(a))
		}
		if signedB {
			y = int64(int32(b))
		} else {
			y = int64(uint32(b))
		}
		return uint64(x*y) >> 32
	}
	hi, _ := bits.Mul64(a, b)
	if signedA && int64(a) < 0 {
		hi -= b
	}
	if signedB && int64(b) < 0 {
		hi -= a
	}
	return hi
}

func (c *CPU) divS(a, b uint64) uint64 {
	x, y := int64(c.signed(a)), int64(c.signed(b))
	switch {
	case y == 0:
		return ^uint64(0)
	case c.xlen() == 64 && x == -1<<63 && y == -1:
		return a
	case c.xlen() == 32 && int32(x) == -1<<31 && int32(y) == -1:
		return a
	}
	return uint64(x / y)
}

func (c *CPU) divU(a, b uint64) uint64 {
	if c.maskX(b) == 0 {
		return ^uint64(0)
	}
	return c.maskX(a) / c.maskX(b)
}

func (c *CPU) remS(a, b uint64) uint64 {
	x, y := int64(c.signed(a)), int64(c.signed(b))
	switch {
	case y == 0:
		return a
	case c.xlen() == 64 && x == -1<<63 && y == -1:
		return 0
	case c.xlen() == 32 && int32(x) == -1<<31 && int32(y) == -1:
		return 0
	}
	return uint64(x % y)
}

func (c *CPU) remU(a, b uint64) uint64 {
	if c.maskX(b) == 0 {
		return a
	}
	return c.maskX(a) % c.maskX(b)
}

func divS32(a, b uint32) uint64 {
	x, y := int32(a), int32(b)
	switch {
	case y == 0:
		return ^uint64(0)
	case x == -1<<31 && y == -1:
		return sext32(a)
	}
	return uint64(int64(x / y))
}

func remS32(a, b uint32) uint64 {
	x, y := int32(a), int32(b)
	switch {
	case y == 0:
		return sext32(a)
	case x == -1<<31 && y == -1:
		return 0
	}
	return uint64(int64(x % y))
}

func minmax(a, b uint64, signed, wantMin bool) uint64 {
	less := a < b
	if signed {
		less = int64(a) < int64(b)
	}
	if less == wantMin {
		return a
	}
	return b
}

func rotrX(v, sh, xlen uint64) uint64 {
	if xlen == 32 {
		return sext32(bits.RotateLeft32(uint32(v), -int(sh&31)))
	}
	return bits.RotateLeft64(v, -int(sh&63))
}

func clzX(v, xlen uint64) int {
	if xlen == 32 {
		return bits.LeadingZeros32(uint32(v))
	}
	return bits.LeadingZeros64(v)
}

func ctzX(v, xlen uint64) int {
	if xlen == 32 {
		if uint32(v) == 0 {
			return 32
		}
		return bits.TrailingZeros32(uint32(v))
	}
	return bits.TrailingZeros64(v)
}

func cpopX(v, xlen uint64) int {
	if xlen == 32 {
		return bits.OnesCount32(uint32(v))
	}
	return bits.OnesCount64(v)
}

func orcB(v, xlen uint64) uint64 {
	var out uint64
	for i := uint64(0); i < xlen/8; i++ {
		if v>>(i*8)&0xFF != 0 {
			out |= 0xFF << (i * 8)
		}
	}
	if xlen == 32 {
		return sext32(uint32(out))
	}
	return out
}

func clmul(a, b, xlen uint64) uint64 {
	var r uint64
	for i := uint64(0); i < xlen; i++ {
		if b>>i&1 != 0 {
			r ^= a << i
		}
	}
	return r
}

func clmulr(a, b, xlen uint64) uint64 {
	var r uint64
	for i := uint64(0); i < xlen-1; i++ {
		if b>>i&1 != 0 {
			r ^= a >> (xlen - i - 1)
		}
	}
	return r
}

func clmulh(a, b, xlen uint64) uint64 {
	var r uint64
	for i := uint64(1); i < xlen; i++ {
		if b>>i&1 != 0 {
			r ^= a >> (xlen - i)
		}
	}
	return r
}
