package emu

import "rvm/pkg/isa"

// Decoded pairs the handler function with the compact dispatch tag.
type Decoded struct {
	Handler  Handler
	Bytecode uint32
}

// Decode maps raw instruction bits to a handler and bytecode. It is
// pure: equal inputs produce identical results. Compressed instructions
// decode as their full-length expansion.
func Decode(instr isa.Instr, xlen uint) Decoded {
	d, _ := decodeExpanded(instr, xlen)
	return d
}

// decodeExpanded also returns the (possibly expanded) instruction word
// that should be cached in the decoder entry.
func decodeExpanded(instr isa.Instr, xlen uint) (Decoded, isa.Instr) {
	if instr.IsCompressed() {
		expanded, ok := isa.CInstr(instr.Half()).Expand(xlen)
		if !ok {
			return Decoded{handleIllegal, BcInvalid}, instr
		}
		d, _ := decodeExpanded(expanded, xlen)
		return d, expanded
	}

	switch instr.Opcode() {
	case isa.OpLoad:
		return Decoded{handleLoad, BcLoad}, instr
	case isa.OpStore:
		return Decoded{handleStore, BcStore}, instr
	case isa.OpOpImm:
		return Decoded{handleOpImm, BcOpImm}, instr
	case isa.OpOp:
		return Decoded{handleOp, BcOp}, instr
	case isa.OpLui:
		return Decoded{handleLui, BcLui}, instr
	case isa.OpAuipc:
		return Decoded{handleAuipc, BcAuipc}, instr
	case isa.OpOpImm32:
		if xlen == 64 {
			return Decoded{handleOpImm32, BcOpImm32}, instr
		}
	case isa.OpOp32:
		if xlen == 64 {
			return Decoded{handleOp32, BcOp32}, instr
		}
	case isa.OpBranch:
		return Decoded{handleBranch, BcBranch}, instr
	case isa.OpJal:
		return Decoded{handleJal, BcJal}, instr
	case isa.OpJalr:
		if instr.Funct3() == 0 {
			return Decoded{handleJalr, BcJalr}, instr
		}
	case isa.OpSystem:
		if instr.Funct3() == 0 &&
			(instr.ImmIRaw() == 0x105 || instr.ImmIRaw() == 0x7FF) {
			return Decoded{handleSystem, BcStop}, instr
		}
		return Decoded{handleSystem, BcSystem}, instr
	case isa.OpMiscMem:
		return Decoded{handleFence, BcFence}, instr
	case isa.OpLoadFp:
		return Decoded{handleFpLoad, BcFpLoad}, instr
	case isa.OpStoreFp:
		return Decoded{handleFpStore, BcFpStore}, instr
	case isa.OpFp, isa.OpMadd, isa.OpMsub, isa.OpNmadd, isa.OpNmsub:
		return Decoded{handleFp, BcFp}, instr
	case isa.OpAmo:
		return Decoded{handleAtomic, BcAtomic}, instr
	case isa.OpVector:
		return Decoded{handleVector, BcVector}, instr
	}
	return Decoded{handleIllegal, BcInvalid}, instr
}

// DecodeRewrite decodes and then refines the bytecode (and, for
// compressed instructions, the cached bits) to a cheaper equivalent.
func DecodeRewrite(pc uint64, instr isa.Instr, xlen uint) (Decoded, isa.Instr) {
	d, rewritten := decodeExpanded(instr, xlen)
	switch d.Bytecode {
	case BcOpImm:
		if rewritten.Funct3() == 0 { // ADDI
			switch {
			case rewritten.Rd() == 0:
				d.Bytecode = BcNop
			case rewritten.Rs1() == 0:
				d.Bytecode = BcLi
			case rewritten.ImmI() == 0:
				d.Bytecode = BcMv
			}
		}
	case BcOp:
		// ADD rd, x0, rs2 is the canonical register move.
		if rewritten.RFunc() == 0 && rewritten.Rs1() == 0 {
			d.Bytecode = BcMv
		}
	}
	return d, rewritten
}
