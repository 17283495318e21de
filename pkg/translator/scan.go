package translator

import (
	"rvm/pkg/emu"
	"rvm/pkg/isa"
)

// itsTimeToSplit is the minimum instruction count before a block is
// allowed to end at a stopping instruction. Large blocks amortize the
// prologue cost of the emitted functions.
const itsTimeToSplit = 1250

// BlockInfo describes one translation unit: a run of instructions plus
// the jump topology the emitter needs. Sibling blocks are referenced
// through the shared slice, never by pointer.
type BlockInfo struct {
	Instructions []isa.Instr
	BasePC       uint64
	EndPC        uint64

	SegmentBasePC uint64
	SegmentEndPC  uint64

	GP uint64

	TraceInstructions      bool
	IgnoreInstructionLimit bool

	// JumpLocations are intra-block branch/jump targets.
	JumpLocations map[uint64]struct{}
	// GlobalJumpLocations is shared across all blocks of the scan; it
	// holds every JAL target seen anywhere plus the ELF entry.
	GlobalJumpLocations map[uint64]struct{}
	Blocks              *[]BlockInfo
}

// isStoppingInstruction reports block-ender instructions the scanner
// will split on once a block is big enough: JALR, STOP, WFI and the
// compressed returns.
func isStoppingInstruction(instr isa.Instr) bool {
	if instr.Opcode() == isa.OpJalr || uint32(instr) == isa.InstrStop {
		return true
	}
	if instr.Opcode() == isa.OpSystem && instr.Funct3() == 0 && instr.ImmIRaw() == 0x105 {
		return true // WFI
	}
	if instr.IsCompressed() && isa.CInstr(instr.Half()).IsStopping() {
		return true
	}
	return false
}

// ScanGP applies the GP-discovery heuristic: the first AUIPC into x3,
// optionally followed by an ADDI x3, x3, imm, names the global pointer.
func ScanGP(seg *emu.Segment, compressed bool) uint64 {
	basePC, endPC := seg.ExecBegin(), seg.ExecEnd()
	for pc := basePC; pc < endPC; {
		instr := seg.ReadInstr(pc)
		if instr.Opcode() == isa.OpAuipc && instr.Rd() == isa.RegGP {
			addi := seg.ReadInstr(pc + 4)
			if addi.Opcode() == isa.OpOpImm && addi.Funct3() == 0 {
				if addi.Rd() == isa.RegGP && addi.Rs1() == isa.RegGP {
					return pc + uint64(int64(instr.ImmU())) + uint64(int64(addi.ImmI()))
				}
			} else {
				return pc + uint64(int64(instr.ImmU()))
			}
		}
		if compressed {
			pc += instr.Length()
		} else {
			pc += 4
		}
	}
	return 0
}

// Scan walks the segment splitting it into translation blocks and
// collecting jump targets. startAddr (the guest entry point) seeds the
// global jump set when it falls inside the segment.
func Scan(m *emu.Machine, seg *emu.Segment, startAddr uint64) []BlockInfo {
	opts := &m.Options
	compressed := opts.CompressedEnabled
	basePC, endPC := seg.ExecBegin(), seg.ExecEnd()

	gp := ScanGP(seg, compressed)

	global := make(map[uint64]struct{})
	if startAddr >= basePC && startAddr < endPC {
		global[startAddr] = struct{}{}
	}

	var blocks []BlockInfo
	icounter := uint64(0)

	for pc := basePC; pc < endPC && icounter < opts.TranslateInstrMax; {
		block := pc
		blockInsns := uint64(0)

		for pc < endPC {
			instr := seg.ReadInstr(pc)
			if compressed {
				pc += instr.Length()
			} else {
				pc += 4
			}
			blockInsns++
			if blockInsns >= itsTimeToSplit && isStoppingInstruction(instr) {
				break
			}
		}
		blockEnd := pc

		jumps := make(map[uint64]struct{})
		instructions := make([]isa.Instr, 0, blockInsns)

		for pc = block; pc < blockEnd; {
			instr := seg.ReadInstr(pc)
			isJal, isBranch := false, false
			var location uint64

			switch {
			case instr.Opcode() == isa.OpJal:
				isJal = true
				location = pc + uint64(int64(instr.ImmJ()))
			case instr.Opcode() == isa.OpBranch:
				isBranch = true
				location = pc + uint64(int64(instr.ImmB()))
			case compressed && instr.IsCompressed():
				ci := isa.CInstr(instr.Half())
				switch ci.Code() {
				case isa.CICode(0b001, 0b01):
					if opts.XLEN == 32 { // C.JAL
						isJal = true
						location = pc + uint64(int64(ci.CJOffset()))
					}
				case isa.CICode(0b101, 0b01): // C.J
					isJal = true
					location = pc + uint64(int64(ci.CJOffset()))
				case isa.CICode(0b110, 0b01), isa.CICode(0b111, 0b01): // C.BEQZ/C.BNEZ
					isBranch = true
					location = pc + uint64(int64(ci.CBOffset()))
				}
			}

			if isJal {
				// Every JAL target is recorded so cross-block calls
				// can be detected later.
				global[location] = struct{}{}
				if location >= block && location < blockEnd {
					jumps[location] = struct{}{}
				}
			} else if isBranch {
				if location >= block && location < blockEnd {
					jumps[location] = struct{}{}
				}
			}

			instructions = append(instructions, instr)
			if compressed {
				pc += instr.Length()
			} else {
				pc += 4
			}
		}

		if len(instructions) > 0 && icounter+uint64(len(instructions)) < opts.TranslateInstrMax {
			blocks = append(blocks, BlockInfo{
				Instructions:           instructions,
				BasePC:                 block,
				EndPC:                  blockEnd,
				SegmentBasePC:          basePC,
				SegmentEndPC:           endPC,
				GP:                     gp,
				TraceInstructions:      opts.TranslateTrace,
				IgnoreInstructionLimit: opts.TranslateIgnoreInstructionLimit,
				JumpLocations:          jumps,
				GlobalJumpLocations:    global,
			})
			icounter += uint64(len(instructions))
			if uint64(len(blocks)) >= opts.TranslateBlocksMax {
				break
			}
		}
		pc = blockEnd
	}

	for i := range blocks {
		blocks[i].Blocks = &blocks
	}
	return blocks
}

// FindBlockBase returns the base PC of the block containing pc, or 0.
func (b *BlockInfo) FindBlockBase(pc uint64) uint64 {
	for i := range *b.Blocks {
		blk := &(*b.Blocks)[i]
		if pc >= blk.BasePC && pc < blk.EndPC {
			return blk.BasePC
		}
	}
	return 0
}

// WithinSegment reports whether addr falls in the scanned range.
func (b *BlockInfo) WithinSegment(addr uint64) bool {
	return addr >= b.SegmentBasePC && addr < b.SegmentEndPC
}
