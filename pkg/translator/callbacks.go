package translator

import (
	"encoding/binary"
	"fmt"
	"math"
	"math/bits"

	"rvm/pkg/emu"
	"rvm/pkg/isa"
)

// Exception kinds exposed to generated code.
const (
	ExIllegalOpcode         = int(emu.IllegalOpcode)
	ExMisalignedInstruction = int(emu.MisalignedInstruction)
	ExIllegalOperation      = int(emu.IllegalOperation)
)

// CallbackTable is the sole interface translated code uses to reach
// back into the interpreter and its collaborators.
type CallbackTable struct {
	MemRead  func(cpu *emu.CPU, addr uint64, size uint) uint64
	MemWrite func(cpu *emu.CPU, addr uint64, value uint64, size uint)

	VecLoad  func(cpu *emu.CPU, vd int, addr uint64)
	VecStore func(cpu *emu.CPU, addr uint64, vd int)

	Syscalls       *[emu.MaxSyscalls]emu.SyscallFn
	SystemCall     func(cpu *emu.CPU, sysno uint64) bool
	UnknownSyscall func(cpu *emu.CPU, sysno uint64)
	System         func(cpu *emu.CPU, instr uint32)

	Execute        func(cpu *emu.CPU, instr uint32) uint8
	ExecuteHandler func(cpu *emu.CPU, index uint8, instr uint32) bool

	TriggerException func(cpu *emu.CPU, pc uint64, kind int)
	Trace            func(cpu *emu.CPU, fn string, pc uint64, instr uint32)

	Sqrtf32 func(float32) float32
	Sqrtf64 func(float64) float64
	Clz     func(uint32) int
	Clzl    func(uint64) int
	Ctz     func(uint32) int
	Ctzl    func(uint64) int
	Cpop    func(uint32) int
	Cpopl   func(uint64) int
}

// park records a callback fault on the CPU and stops the machine so
// the fault cannot unwind through a translated frame.
func park(cpu *emu.CPU) {
	if r := recover(); r != nil {
		if err, ok := r.(error); ok {
			cpu.SetParked(err)
		} else {
			cpu.SetParked(fmt.Errorf("translated callback fault: %v", r))
		}
		cpu.Machine().Stop()
	}
}

// NewCallbackTable builds the table for a segment. Under JIT mode every
// callback catches faults and parks them; under AOT they propagate.
func NewCallbackTable(m *emu.Machine, isJIT bool) *CallbackTable {
	t := &CallbackTable{
		MemRead: func(cpu *emu.CPU, addr uint64, size uint) uint64 {
			v, err := cpu.Machine().Arena.Read(addr, size)
			if err != nil {
				panic(emu.Errorf(emu.GuestPageFault, "translated read %#x: %v", addr, err))
			}
			return v
		},
		MemWrite: func(cpu *emu.CPU, addr uint64, value uint64, size uint) {
			if err := cpu.Machine().Arena.Write(addr, value, size); err != nil {
				panic(emu.Errorf(emu.GuestPageFault, "translated write %#x: %v", addr, err))
			}
		},
		VecLoad: func(cpu *emu.CPU, vd int, addr uint64) {
			lanes := cpu.Machine().Options.VectorLanes
			for i := uint(0); i < lanes; i++ {
				v, err := cpu.Machine().Arena.Read(addr+uint64(i)*4, 4)
				if err != nil {
					panic(emu.Errorf(emu.GuestPageFault, "vector load %#x: %v", addr, err))
				}
				cpu.VRegs[vd][i] = uint32(v)
			}
		},
		VecStore: func(cpu *emu.CPU, addr uint64, vd int) {
			lanes := cpu.Machine().Options.VectorLanes
			for i := uint(0); i < lanes; i++ {
				if err := cpu.Machine().Arena.Write(addr+uint64(i)*4, uint64(cpu.VRegs[vd][i]), 4); err != nil {
					panic(emu.Errorf(emu.GuestPageFault, "vector store %#x: %v", addr, err))
				}
			}
		},
		Syscalls: m.SyscallHandlers(),
		SystemCall: func(cpu *emu.CPU, sysno uint64) bool {
			currentPC := cpu.Pc
			if err := cpu.Machine().SystemCall(sysno); err != nil {
				panic(err)
			}
			return cpu.Pc != currentPC || cpu.Machine().Stopped()
		},
		UnknownSyscall: func(cpu *emu.CPU, sysno uint64) {
			_ = cpu.Machine().SystemCall(sysno)
		},
		System: func(cpu *emu.CPU, instr uint32) {
			cpu.Machine().System(isa.Instr(instr))
		},
		Execute: func(cpu *emu.CPU, instr uint32) uint8 {
			idx, err := cpu.Execute(isa.Instr(instr))
			if err != nil {
				panic(err)
			}
			return idx
		},
		ExecuteHandler: func(cpu *emu.CPU, index uint8, instr uint32) bool {
			cpu.ExecuteHandler(index, isa.Instr(instr))
			return false
		},
		TriggerException: func(cpu *emu.CPU, pc uint64, kind int) {
			cpu.TriggerException(pc, emu.ErrorKind(kind))
		},
		Trace: func(cpu *emu.CPU, fn string, pc uint64, instr uint32) {
			fmt.Printf("f %s pc 0x%X instr %08X\n", fn, pc, instr)
		},
		Sqrtf32: func(f float32) float32 { return float32(math.Sqrt(float64(f))) },
		Sqrtf64: math.Sqrt,
		Clz:     bits.LeadingZeros32,
		Clzl:    bits.LeadingZeros64,
		Ctz:     bits.TrailingZeros32,
		Ctzl:    bits.TrailingZeros64,
		Cpop:    bits.OnesCount32,
		Cpopl:   bits.OnesCount64,
	}

	if isJIT {
		// Faults raised with translated frames on the stack must not
		// unwind through them: park and stop instead.
		memRead, memWrite := t.MemRead, t.MemWrite
		t.MemRead = func(cpu *emu.CPU, addr uint64, size uint) (v uint64) {
			defer park(cpu)
			return memRead(cpu, addr, size)
		}
		t.MemWrite = func(cpu *emu.CPU, addr uint64, value uint64, size uint) {
			defer park(cpu)
			memWrite(cpu, addr, value, size)
		}
		sysCall := t.SystemCall
		t.SystemCall = func(cpu *emu.CPU, sysno uint64) (stop bool) {
			defer park(cpu)
			return sysCall(cpu, sysno)
		}
		system := t.System
		t.System = func(cpu *emu.CPU, instr uint32) {
			defer park(cpu)
			system(cpu, instr)
		}
		execute := t.Execute
		t.Execute = func(cpu *emu.CPU, instr uint32) (idx uint8) {
			defer park(cpu)
			return execute(cpu, instr)
		}
		t.ExecuteHandler = func(cpu *emu.CPU, index uint8, instr uint32) (faulted bool) {
			defer func() {
				if r := recover(); r != nil {
					if err, ok := r.(error); ok {
						cpu.SetParked(err)
					} else {
						cpu.SetParked(fmt.Errorf("handler fault: %v", r))
					}
					faulted = true
				}
			}()
			cpu.ExecuteHandler(index, isa.Instr(instr))
			return false
		}
		trigger := t.TriggerException
		t.TriggerException = func(cpu *emu.CPU, pc uint64, kind int) {
			defer park(cpu)
			trigger(cpu, pc, kind)
		}
	}
	return t
}

// Runtime helpers linked into generated code.

// Ld and St implement the arena fast path. The generated code has
// already proven the range readable or writable.

func Ld8(arena []byte, addr uint64) uint64  { return uint64(arena[addr]) }
func Ld16(arena []byte, addr uint64) uint64 { return uint64(binary.LittleEndian.Uint16(arena[addr:])) }
func Ld32(arena []byte, addr uint64) uint64 { return uint64(binary.LittleEndian.Uint32(arena[addr:])) }
func Ld64(arena []byte, addr uint64) uint64 { return binary.LittleEndian.Uint64(arena[addr:]) }

func St8(arena []byte, addr uint64, v uint64)  { arena[addr] = byte(v) }
func St16(arena []byte, addr uint64, v uint64) { binary.LittleEndian.PutUint16(arena[addr:], uint16(v)) }
func St32(arena []byte, addr uint64, v uint64) { binary.LittleEndian.PutUint32(arena[addr:], uint32(v)) }
func St64(arena []byte, addr uint64, v uint64) { binary.LittleEndian.PutUint64(arena[addr:], v) }

// JumpTo validates the indirect-jump target and sets PC.
func JumpTo(api *CallbackTable, cpu *emu.CPU, target uint64, alignMask uint64) {
	target &^= 1
	if target&alignMask != 0 {
		api.TriggerException(cpu, target, ExMisalignedInstruction)
		return
	}
	cpu.Pc = target
}

// DoSyscall reveals the counters, runs the system call and reports
// whether the translated function must exit (PC moved or stop
// requested).
func DoSyscall(api *CallbackTable, cpu *emu.CPU, counter, maxCounter uint64, sysno uint64) bool {
	cpu.InsCounter = counter
	cpu.MaxCounter = maxCounter
	return api.SystemCall(cpu, sysno)
}
