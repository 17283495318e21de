package emu

import (
	"fmt"

	"rvm/pkg/isa"
	"rvm/pkg/ram"
)

// SyscallFn handles one guest system call; the number is in A7 and
// arguments in A0..A6 by the usual convention.
type SyscallFn func(*Machine) error

// Machine owns the guest memory arena, the CPU and the execute
// segments created over guest code ranges.
type Machine struct {
	Options Options
	Arena   *ram.Arena
	CPU     CPU

	segments  []*Segment
	syscalls  [MaxSyscalls]SyscallFn
	startAddr uint64
	stopped   bool

	// onUnhandledSyscall is invoked for syscall numbers without a
	// registered handler.
	onUnhandledSyscall func(*Machine, uint64)
}

// NewMachine builds a machine with an empty arena sized per options.
func NewMachine(opts Options) (*Machine, error) {
	if opts.XLEN != 32 && opts.XLEN != 64 {
		return nil, Errorf(InvalidProgram, "unsupported XLEN %d", opts.XLEN)
	}
	arena, err := ram.New(opts.MemorySize, opts.InitialRoEnd)
	if err != nil {
		return nil, fmt.Errorf("machine setup: %w", err)
	}
	m := &Machine{Options: opts, Arena: arena}
	m.CPU.machine = m
	return m, nil
}

func (m *Machine) Close() error {
	for _, seg := range m.segments {
		seg.Unref()
	}
	m.segments = nil
	return m.Arena.Close()
}

// StartAddress is the guest entry point; the block scanner seeds the
// global jump set with it.
func (m *Machine) StartAddress() uint64        { return m.startAddr }
func (m *Machine) SetStartAddress(addr uint64) { m.startAddr = addr }

// Stop requests a halt: the next dispatch check exits.
func (m *Machine) Stop() {
	m.stopped = true
	m.CPU.MaxCounter = 0
}

func (m *Machine) Stopped() bool { return m.stopped }

// Resume clears the stopped flag and grants a fresh instruction budget.
func (m *Machine) Resume(budget uint64) {
	m.stopped = false
	m.CPU.MaxCounter = m.CPU.InsCounter + budget
}

// InstallSyscallHandler registers a handler for one syscall number.
func (m *Machine) InstallSyscallHandler(n uint64, fn SyscallFn) error {
	if n >= MaxSyscalls {
		return Errorf(InvalidProgram, "syscall number %d out of range", n)
	}
	m.syscalls[n] = fn
	return nil
}

func (m *Machine) SetOnUnhandledSyscall(fn func(*Machine, uint64)) {
	m.onUnhandledSyscall = fn
}

// SyscallHandlers exposes the handler table to the callback table.
func (m *Machine) SyscallHandlers() *[MaxSyscalls]SyscallFn { return &m.syscalls }

// SystemCall dispatches one guest system call by number.
func (m *Machine) SystemCall(n uint64) error {
	if n < MaxSyscalls {
		if fn := m.syscalls[n]; fn != nil {
			return fn(m)
		}
	}
	if m.onUnhandledSyscall != nil {
		m.onUnhandledSyscall(m, n)
		return nil
	}
	return Errorf(IllegalOperation, "unhandled system call %d", n)
}

// System handles SYSTEM instructions that are not ecall/ebreak: the
// CSR subset the core understands, WFI, and STOP.
func (m *Machine) System(instr isa.Instr) {
	c := &m.CPU
	switch instr.Funct3() {
	case 0x0:
		switch instr.ImmIRaw() {
		case 0x105, 0x7FF: // WFI / STOP
			m.Stop()
		}
	case 0x1, 0x2, 0x3: // CSRRW / CSRRS / CSRRC
		csr := instr.ImmIRaw()
		rd := instr.Rd()
		switch csr {
		case 0x001: // fflags
			c.SetReg(rd, uint64(c.Fcsr&0x1F))
		case 0x002: // frm
			c.SetReg(rd, uint64(c.Fcsr>>5&0x7))
		case 0x003: // fcsr
			old := uint64(c.Fcsr)
			if instr.Funct3() == 0x1 {
				c.Fcsr = uint32(c.Reg(instr.Rs1()))
			}
			c.SetReg(rd, old)
		case 0xC00, 0xC02: // cycle / instret
			c.SetReg(rd, c.InsCounter)
		default:
			c.TriggerException(c.Pc, IllegalOpcode)
		}
	default:
		c.TriggerException(c.Pc, IllegalOpcode)
	}
}

func (m *Machine) signExtendXlen(v uint64) uint64 {
	if m.Options.XLEN == 32 {
		return uint64(int64(int32(v)))
	}
	return v
}

// ExecSegmentFor returns the segment containing the address, or nil.
func (m *Machine) ExecSegmentFor(addr uint64) *Segment {
	for _, seg := range m.segments {
		if seg.IsWithin(addr) {
			return seg
		}
	}
	return nil
}

// EvictExecuteSegments drops segments beyond the remaining count,
// newest first, and rebinds the CPU to the oldest survivor.
func (m *Machine) EvictExecuteSegments(remaining int) {
	if len(m.segments) <= remaining {
		return
	}
	for len(m.segments) > remaining {
		last := m.segments[len(m.segments)-1]
		last.Unref()
		m.segments = m.segments[:len(m.segments)-1]
	}
	if len(m.segments) > 0 {
		m.CPU.SetExecuteSegment(m.segments[0])
	} else {
		m.CPU.SetExecuteSegment(nil)
	}
}
