package emu

import (
	"encoding/binary"
	"reflect"
	"sync"
	"sync/atomic"

	"rvm/pkg/isa"
)

// FastsimBlockEnd is the sentinel placed in DecoderEntry.Instr to force
// the fastsim pass to treat the entry as a block terminator.
const FastsimBlockEnd = 0xFFFF

// Bytecodes are the compact dispatch tags used by the switch
// interpreter. The top three values are reserved control tags agreed
// with the translator.
const (
	BcInvalid uint32 = 0
	BcNop     uint32 = iota
	BcLoad
	BcStore
	BcOpImm
	BcLi
	BcMv
	BcOp
	BcLui
	BcAuipc
	BcOpImm32
	BcOp32
	BcBranch
	BcJal
	BcJalr
	BcSystem
	BcStop
	BcFence
	BcFpLoad
	BcFpStore
	BcFp
	BcAtomic
	BcVector

	BcBlockEnd   uint32 = 0xFD
	BcTranslator uint32 = 0xFE
	BcLivePatch  uint32 = 0xFF
)

// Handler executes one decoded instruction on the CPU.
type Handler func(*CPU, isa.Instr)

// BlockFn is the signature of a translated basic block: it receives the
// running counters and the entry PC and returns the updated counters.
type BlockFn func(cpu *CPU, counter, maxCounter uint64, pc uint64) (uint64, uint64)

// DecoderEntry is one slot of the decoder cache: a handler index into
// the process-wide table, the dispatch bytecode, fastsim counters and
// the (possibly rewritten) instruction bits. The bytecode is accessed
// atomically so live-patching can flip it under a running interpreter.
type DecoderEntry struct {
	handlerIdx uint8
	OpcodeLen  uint8
	Icount     uint8
	Idxend     uint16
	bytecode   uint32
	Instr      uint32
}

func (e *DecoderEntry) IsSet() bool          { return e.handlerIdx != 0 }
func (e *DecoderEntry) HandlerIndex() uint8  { return e.handlerIdx }
func (e *DecoderEntry) Bytecode() uint32     { return atomic.LoadUint32(&e.bytecode) }
func (e *DecoderEntry) SetBytecode(b uint32) { atomic.StoreUint32(&e.bytecode, b) }

// SetHandler interns the handler and records its index.
func (e *DecoderEntry) SetHandler(fn Handler) error {
	idx, err := HandlerIndexFor(fn)
	if err != nil {
		return err
	}
	e.handlerIdx = idx
	return nil
}

// Execute dispatches through the handler table.
func (e *DecoderEntry) Execute(cpu *CPU, instr isa.Instr) {
	HandlerAt(e.handlerIdx)(cpu, instr)
}

// DecoderCache is a flat array of entries covering one execute
// segment's page range, indexed by (pc - base) / stride.
type DecoderCache struct {
	Entries []DecoderEntry
	Base    uint64 // page-aligned base address of entry 0
	Stride  uint64 // 2 with the compressed extension, else 4
}

func (dc *DecoderCache) EntryAt(pc uint64) *DecoderEntry {
	return &dc.Entries[(pc-dc.Base)/dc.Stride]
}

// BlockBytes is the byte distance from the entry to its block end.
func (dc *DecoderCache) BlockBytes(e *DecoderEntry) uint64 {
	return uint64(e.Idxend) * dc.Stride
}

// InstructionCount is the number of real instructions from the entry to
// the end of its block, inclusive.
func (dc *DecoderCache) InstructionCount(e *DecoderEntry) uint64 {
	if dc.Stride == 2 {
		return uint64(e.Idxend) + 1 - uint64(e.Icount)
	}
	return uint64(e.Idxend) + 1
}

// Clone copies the cache for live-patching.
func (dc *DecoderCache) Clone() *DecoderCache {
	entries := make([]DecoderEntry, len(dc.Entries))
	for i := range dc.Entries {
		e := &dc.Entries[i]
		entries[i] = DecoderEntry{
			handlerIdx: e.handlerIdx,
			OpcodeLen:  e.OpcodeLen,
			Icount:     e.Icount,
			Idxend:     e.Idxend,
			bytecode:   e.Bytecode(),
			Instr:      e.Instr,
		}
	}
	return &DecoderCache{Entries: entries, Base: dc.Base, Stride: dc.Stride}
}

// The process-wide handler table. Slot 0 is reserved as unset; the
// 8-bit index bounds the table at 255 distinct handlers.
var (
	handlerMu      sync.Mutex
	instrHandlers  = make([]Handler, 1, 256)
	handlerIndices = make(map[uintptr]uint8)
)

// HandlerIndexFor interns a handler by function identity and returns
// its stable index.
func HandlerIndexFor(fn Handler) (uint8, error) {
	return internHandler(reflect.ValueOf(fn).Pointer(), fn)
}

func internHandler(key uintptr, fn Handler) (uint8, error) {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	if idx, ok := handlerIndices[key]; ok {
		return idx, nil
	}
	if len(instrHandlers) > 255 {
		return 0, Errorf(MaxInstructionsReached,
			"not enough instruction handler space")
	}
	idx := uint8(len(instrHandlers))
	instrHandlers = append(instrHandlers, fn)
	handlerIndices[key] = idx
	return idx, nil
}

// HandlerAt returns the handler for an interned index; index 0 yields
// the illegal-instruction handler.
func HandlerAt(idx uint8) Handler {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	if idx == 0 || int(idx) >= len(instrHandlers) {
		return handleIllegal
	}
	return instrHandlers[idx]
}

// HandlerCount reports the number of interned handlers (excluding the
// reserved slot).
func HandlerCount() int {
	handlerMu.Lock()
	defer handlerMu.Unlock()
	return len(instrHandlers) - 1
}

// BlockEndHandler marks decoder entries bound to a translated block.
// Dispatch transfers on the bytecode before the handler could run; if
// it ever does run, the binding was corrupted.
func BlockEndHandler(c *CPU, instr isa.Instr) {
	panic(Errorf(IllegalOperation, "translated block entry dispatched as instruction"))
}

// ReadInstr reads a 32-bit instruction word at off, clamping to a
// 16-bit read at the end of the buffer. off < end is a precondition.
func ReadInstr(data []byte, off, end uint64) isa.Instr {
	if off+4 <= end {
		return isa.Instr(binary.LittleEndian.Uint32(data[off:]))
	}
	return isa.Instr(binary.LittleEndian.Uint16(data[off:]))
}
