package emu

import (
	"math"

	"rvm/pkg/isa"
)

// MaxSyscalls bounds the syscall-handler table; the value is folded
// into the translation hash.
const MaxSyscalls = 512

// CPU is the single guest hart. Translated code receives a *CPU and
// reaches the rest of the machine through the callback table, so the
// counter fields below are part of the translation ABI (their offsets
// are folded into the translation hash).
type CPU struct {
	Regs  [32]uint64
	Pc    uint64
	FRegs [32]uint64 // NaN-boxed doubles
	Fcsr  uint32
	// VRegs is the optional vector file; only the first
	// Options.VectorLanes words of each register are live.
	VRegs [32][MaxVectorLanes]uint32

	InsCounter uint64
	MaxCounter uint64

	machine *Machine
	seg     *Segment
	decoder *DecoderCache

	// instrLen is the byte length of the instruction being executed;
	// handlers use it for return addresses. jumped is set by handlers
	// that assign Pc directly.
	instrLen uint64
	jumped   bool

	parked error
}

// Jump records a control transfer to target.
func (c *CPU) Jump(target uint64) {
	c.Pc = target
	c.jumped = true
}

// NextPC is the fall-through address of the executing instruction.
func (c *CPU) NextPC() uint64 { return c.Pc + c.instrLen }

func (c *CPU) Machine() *Machine { return c.machine }

// Segment returns the execute segment the CPU currently runs in.
func (c *CPU) Segment() *Segment { return c.seg }

// SetExecuteSegment binds the CPU to a segment and its published
// decoder cache.
func (c *CPU) SetExecuteSegment(seg *Segment) {
	c.seg = seg
	if seg != nil {
		c.decoder = seg.Decoder()
	} else {
		c.decoder = nil
	}
}

// SetDecoderForTest pins the CPU to a specific decoder table,
// simulating a reader that has not yet observed a live patch.
func (c *CPU) SetDecoderForTest(dc *DecoderCache) { c.decoder = dc }

// Reg reads a general-purpose register; x0 is always zero.
func (c *CPU) Reg(i uint32) uint64 {
	if i == 0 {
		return 0
	}
	return c.Regs[i]
}

// SetReg writes a general-purpose register; writes to x0 are dropped.
func (c *CPU) SetReg(i uint32, v uint64) {
	if i != 0 {
		c.Regs[i] = c.machine.signExtendXlen(v)
	}
}

// FloatReg views of the NaN-boxed FP file.

func (c *CPU) GetF32(i uint32) float32 {
	return math.Float32frombits(uint32(c.FRegs[i]))
}

func (c *CPU) GetF64(i uint32) float64 {
	return math.Float64frombits(c.FRegs[i])
}

// SetF32 writes a single-precision value with the upper half boxed.
func (c *CPU) SetF32(i uint32, v float32) {
	c.FRegs[i] = uint64(math.Float32bits(v)) | 0xFFFFFFFF_00000000
}

func (c *CPU) SetF64(i uint32, v float64) {
	c.FRegs[i] = math.Float64bits(v)
}

// LoadFBits32 places raw bits without rounding through a float, boxed.
func (c *CPU) LoadFBits32(i uint32, bits uint32) {
	c.FRegs[i] = uint64(bits) | 0xFFFFFFFF_00000000
}

func (c *CPU) LoadFBits64(i uint32, bits uint64) {
	c.FRegs[i] = bits
}

// SetParked records a fault raised inside a callback while translated
// code is on the stack (JIT mode); dispatch rethrows it.
func (c *CPU) SetParked(err error) { c.parked = err }

// TakeParked returns and clears the parked fault.
func (c *CPU) TakeParked() error {
	err := c.parked
	c.parked = nil
	return err
}

// TriggerException sets PC to the faulting instruction and raises.
func (c *CPU) TriggerException(pc uint64, kind ErrorKind) {
	c.Pc = pc
	panic(Errorf(kind, "exception at %#x", pc))
}

// Execute is the runtime escape used for instructions the emitter could
// not translate statically; it decodes and executes one instruction and
// returns the interned handler index for caching on the caller's side.
func (c *CPU) Execute(instr isa.Instr) (uint8, error) {
	d, expanded := decodeExpanded(instr, c.machine.Options.XLEN)
	idx, err := HandlerIndexFor(d.Handler)
	if err != nil {
		return 0, err
	}
	c.instrLen = instr.Length()
	c.jumped = false
	d.Handler(c, expanded)
	return idx, nil
}

// ExecuteHandler runs a previously interned handler on raw bits.
func (c *CPU) ExecuteHandler(idx uint8, instr isa.Instr) {
	c.instrLen = instr.Length()
	c.jumped = false
	if instr.IsCompressed() {
		if expanded, ok := isa.CInstr(instr.Half()).Expand(c.machine.Options.XLEN); ok {
			instr = expanded
		}
	}
	HandlerAt(idx)(c, instr)
}
