package emu

import "rvm/pkg/isa"

// isBlockEnder32 reports full-length opcodes that can modify PC or stop
// the machine, terminating a fastsim block.
func isBlockEnder32(op uint32) bool {
	switch op {
	case isa.OpBranch, isa.OpJal, isa.OpJalr, isa.OpAuipc, isa.OpSystem:
		return true
	}
	return false
}

// realizeFastsim is the second pass: fill in per-entry block metadata
// so the interpreter can run whole blocks in a counted loop.
func realizeFastsim(basePC, lastPC uint64, data []byte, pbase uint64, dc *DecoderCache, xlen uint) {
	if dc.Stride == 2 {
		realizeFastsimCompressed(basePC, lastPC, data, pbase, dc, xlen)
		return
	}

	if lastPC < basePC+4 {
		return
	}
	// Walk backwards counting the distance to the next block ender.
	idxend := uint16(0)
	for pc := lastPC - 4; pc >= basePC && pc < lastPC; pc -= 4 {
		instr := ReadInstr(data, pc-pbase, lastPC-pbase)
		entry := dc.EntryAt(pc)

		if isBlockEnder32(instr.Opcode()) || entry.Instr == FastsimBlockEnd {
			idxend = 0
		}
		// The ender itself carries zero; everything before counts up.
		entry.Idxend = idxend
		idxend++
		if pc == basePC {
			break
		}
	}
}

func satu8(v uint64) uint8 {
	if v > 255 {
		return 255
	}
	return uint8(v)
}

// realizeFastsimCompressed walks forward, one block at a time. Phase A
// collects the block's entries while measuring half-word lengths; phase
// B back-fills idxend, the opcode length and the saturating instruction
// count each entry needs for the interpreter's budget check.
func realizeFastsimCompressed(basePC, lastPC uint64, data []byte, pbase uint64, dc *DecoderCache, xlen uint) {
	var scratch []*DecoderEntry
	pc := basePC
	for pc < lastPC {
		datalength := uint64(0)
		blockPC := pc
		for pc < lastPC {
			entry := dc.EntryAt(pc)
			scratch = append(scratch, entry)

			instr := ReadInstr(data, pc-pbase, lastPC-pbase)
			length := instr.Length()
			pc += length
			datalength += length / 2

			if length == 2 {
				if !isa.CInstr(instr.Half()).IsRegular(xlen) {
					break
				}
			} else if isBlockEnder32(instr.Opcode()) || entry.Instr == FastsimBlockEnd {
				break
			}
		}

		remaining := uint64(len(scratch))
		for i := 0; i < len(scratch); i++ {
			instr := ReadInstr(data, blockPC-pbase, lastPC-pbase)
			length := instr.Length()
			blockPC += length
			entry := scratch[i]
			entry.Idxend = uint16(satu8(datalength))
			entry.OpcodeLen = uint8(length)
			// idxend + 1 - icount yields the true remaining
			// instruction count; both fields saturate on blocks
			// larger than the 8-bit budget fields can express.
			entry.Icount = satu8(datalength + 1 - remaining)
			datalength -= length / 2
			remaining--
		}
		scratch = scratch[:0]
	}
}
