package emu

import "rvm/pkg/isa"

// generateDecoderCache is the first pass: decode every potential
// instruction start in the segment into its decoder entry, then run the
// fastsim realizer over the result.
func (m *Machine) generateDecoderCache(seg *Segment) error {
	dc := seg.Decoder()
	data := seg.ExecData()
	pbase := seg.PagedataBase()
	addr := seg.ExecBegin()
	end := seg.ExecEnd()
	compressed := m.Options.CompressedEnabled

	// With compressed instructions enabled many entries land between
	// instructions; those stay unset.
	wasFullInstruction := true

	for dst := addr; dst < end; {
		entry := dc.EntryAt(dst)

		if seg.IsBinaryTranslated() && entry.IsSet() {
			// The entry was bound to a translated block before this
			// pass; pretend the opcode ends a block so fastsim stops
			// there, and leave the bytecode binding alone.
			entry.Instr = FastsimBlockEnd
			dst += 4
			continue
		}
		entry.Instr = 0
		entry.Idxend = 0

		instr := ReadInstr(data, dst-pbase, end-pbase)

		if compressed && !wasFullInstruction {
			// Second half of a 32-bit instruction: never a legal
			// dispatch target.
			wasFullInstruction = true
			dst += 2
			continue
		}

		decoded, rewritten := m.decodeEntry(dst, instr)
		if err := entry.SetHandler(decoded.Handler); err != nil {
			return err
		}
		entry.SetBytecode(decoded.Bytecode)
		entry.Instr = uint32(rewritten)
		entry.OpcodeLen = uint8(instr.Length())

		if compressed {
			dst += 2
			wasFullInstruction = instr.Length() == 2
		} else {
			dst += 4
		}
	}

	realizeFastsim(addr, end, data, pbase, dc, m.Options.XLEN)
	return nil
}

// decodeEntry decodes (and optionally rewrites) one instruction. The
// rewriter stores the full-length expansion of compressed instructions
// so handlers see one uniform encoding; the real opcode length is kept
// separately on the entry.
func (m *Machine) decodeEntry(pc uint64, instr isa.Instr) (Decoded, isa.Instr) {
	if instr.IsCompressed() && !m.Options.CompressedEnabled {
		return Decoded{handleIllegal, BcInvalid}, instr
	}
	if m.Options.RewriterEnabled {
		return DecodeRewrite(pc, instr, m.Options.XLEN)
	}
	d, expanded := decodeExpanded(instr, m.Options.XLEN)
	return d, expanded
}
