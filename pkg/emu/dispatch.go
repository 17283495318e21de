package emu

import (
	"fmt"

	"rvm/pkg/isa"
)

// Run interprets from the current PC until the instruction budget is
// exhausted, the machine stops, or a fault surfaces. Translated blocks
// are entered transparently at decoder entries carrying the block-end
// or translator bytecodes.
func (m *Machine) Run(budget uint64) (err error) {
	c := &m.CPU
	m.stopped = false
	c.MaxCounter = c.InsCounter + budget

	defer func() {
		if r := recover(); r != nil {
			if me, ok := r.(*MachineError); ok {
				err = me
				return
			}
			if e, ok := r.(error); ok {
				err = fmt.Errorf("unexpected fault in dispatch: %w", e)
				return
			}
			panic(r)
		}
	}()

	for !m.stopped && c.InsCounter < c.MaxCounter {
		if c.seg == nil || !c.seg.IsWithin(c.Pc) {
			seg := m.ExecSegmentFor(c.Pc)
			if seg == nil {
				return Errorf(InvalidProgram, "execution outside any segment at %#x", c.Pc)
			}
			c.SetExecuteSegment(seg)
		}
		dc := c.decoder
		entry := dc.EntryAt(c.Pc)

		switch bc := entry.Bytecode(); bc {
		case BcLivePatch:
			// The segment published a patched decoder; swap and retry.
			c.decoder = c.seg.Decoder()
			continue
		case BcBlockEnd, BcTranslator:
			idx := entry.Instr
			if idx == FastsimBlockEnd {
				bound, ok := c.seg.MappingIndexAt(c.Pc)
				if !ok {
					return Errorf(IllegalOperation, "translated entry without mapping at %#x", c.Pc)
				}
				idx = bound
			}
			fn := c.seg.MappingAt(idx)
			if fn == nil {
				return Errorf(InvalidProgram, "translation mapping outside execute area")
			}
			c.InsCounter, c.MaxCounter = fn(c, c.InsCounter, c.MaxCounter, c.Pc)
			if parked := c.TakeParked(); parked != nil {
				return parked
			}
			continue
		}

		m.runBlock(dc, entry)
		if parked := c.TakeParked(); parked != nil {
			return parked
		}
	}
	return nil
}

// runBlock executes one fastsim block: the counted run of instructions
// from the current entry through its terminator, with no block-boundary
// checks in between.
func (m *Machine) runBlock(dc *DecoderCache, entry *DecoderEntry) {
	c := &m.CPU
	pc := c.Pc
	n := dc.InstructionCount(entry)
	for i := uint64(0); i < n; i++ {
		e := dc.EntryAt(pc)
		if !e.IsSet() {
			c.TriggerException(pc, IllegalOpcode)
		}
		bc := e.Bytecode()
		if bc >= BcBlockEnd {
			// A translation was bound mid-block; let the outer
			// dispatch transfer into it.
			break
		}
		c.Pc = pc
		c.instrLen = uint64(e.OpcodeLen)
		c.jumped = false
		c.InsCounter++

		instr := isa.Instr(e.Instr)
		switch bc {
		case BcNop:
		case BcLi:
			c.SetReg(instr.Rd(), uint64(int64(instr.ImmI())))
		case BcMv:
			if instr.Opcode() == isa.OpOp {
				c.SetReg(instr.Rd(), c.Reg(instr.Rs2()))
			} else {
				c.SetReg(instr.Rd(), c.Reg(instr.Rs1()))
			}
		default:
			e.Execute(c, instr)
		}

		if m.stopped {
			return
		}
		if c.jumped {
			return
		}
		pc += c.instrLen
		c.Pc = pc
	}
	c.Pc = pc
}
