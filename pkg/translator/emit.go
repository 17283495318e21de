package translator

import (
	"fmt"
	"sort"
	"strings"

	"rvm/pkg/isa"
)

// Mapping pairs a guest address with the emitted function that serves
// it; the driver dedupes these into the footer tables.
type Mapping struct {
	Addr   uint64
	Symbol string
}

// emitConfig is the slice of machine state the emitter bakes into
// generated code.
type emitConfig struct {
	XLEN        uint
	Compressed  bool
	UseArena    bool
	ArenaEnd    uint64
	ArenaRoEnd  uint64
	VectorLanes uint
	// NbitArena != 0 selects the encompassing-arena mode: addresses
	// are masked to 2^n and never bounds-checked.
	NbitArena uint
}

func (c *emitConfig) nbitMask() uint64 {
	if c.NbitArena == 0 || c.NbitArena >= 64 {
		return 0
	}
	return 1<<c.NbitArena - 1
}

func (c *emitConfig) alignMask() uint64 {
	if c.Compressed {
		return 0x1
	}
	return 0x3
}

func funclabel(prefix string, addr uint64) string {
	return fmt.Sprintf("%s_%x", prefix, addr)
}

type emitter struct {
	cfg   emitConfig
	tinfo *BlockInfo

	fn     string
	idx    int
	pcv    uint64
	rawLen uint64
	instr  isa.Instr // full-length form
	icount uint64

	body          strings.Builder
	vars          []string // package-level declarations (unknown sites)
	mappings      []Mapping
	labels        map[uint64]bool // labels requested by forward jumps
	usedLabels    map[uint64]bool
	mappingLabels map[int]bool // instruction indices that need re-entry
}

func newEmitter(cfg emitConfig, tinfo *BlockInfo) *emitter {
	return &emitter{
		cfg:           cfg,
		tinfo:         tinfo,
		fn:            funclabel("f", tinfo.BasePC),
		labels:        make(map[uint64]bool),
		usedLabels:    make(map[uint64]bool),
		mappingLabels: make(map[int]bool),
	}
}

func (e *emitter) addf(format string, args ...interface{}) {
	fmt.Fprintf(&e.body, format, args...)
	e.body.WriteByte('\n')
}

// label emits a placeholder resolved at finalize time: labels nothing
// jumped to are dropped, since Go rejects unused labels.
func (e *emitter) label(pc uint64) {
	fmt.Fprintf(&e.body, "\x00%x\n", pc)
}

func (e *emitter) gotoLabel(pc uint64) string {
	e.usedLabels[pc] = true
	return "goto L_" + fmt.Sprintf("%x", pc)
}

func (e *emitter) pc() uint64     { return e.pcv }
func (e *emitter) beginPC() uint64 { return e.tinfo.BasePC }
func (e *emitter) endPC() uint64   { return e.tinfo.EndPC }

func (e *emitter) pcrel(off int64) uint64 {
	v := e.pcv + uint64(off)
	if e.cfg.XLEN == 32 {
		v = uint64(uint32(v))
	}
	return v
}

func lit(v uint64) string { return fmt.Sprintf("%#x", v) }

// fromReg reads a register: x0 folds to zero, GP folds to its scanned
// constant.
func (e *emitter) fromReg(r uint32) string {
	if r == isa.RegGP && e.tinfo.GP != 0 {
		return fmt.Sprintf("uint64(%#x)", e.tinfo.GP)
	}
	if r == 0 {
		return "uint64(0x0)"
	}
	return fmt.Sprintf("cpu.Regs[%d]", r)
}

// toReg names a destination register; callers never pass x0.
func (e *emitter) toReg(r uint32) string {
	return fmt.Sprintf("cpu.Regs[%d]", r)
}

// sreg wraps an expression in the XLEN-wide signed view.
func (e *emitter) sreg(expr string) string {
	if e.cfg.XLEN == 32 {
		return "int64(int32(" + expr + "))"
	}
	return "int64(" + expr + ")"
}

// ureg truncates an expression to XLEN bits unsigned.
func (e *emitter) ureg(expr string) string {
	if e.cfg.XLEN == 32 {
		return "uint64(uint32(" + expr + "))"
	}
	return expr
}

// setReg assigns with the XLEN sign-extension the register file keeps.
func (e *emitter) setReg(r uint32, expr string) {
	if e.cfg.XLEN == 32 {
		e.addf("%s = uint64(int64(int32(%s)))", e.toReg(r), expr)
	} else {
		e.addf("%s = %s", e.toReg(r), expr)
	}
}

func (e *emitter) flushCounter() {
	if e.icount > 0 && !e.tinfo.IgnoreInstructionLimit {
		e.addf("counter += %d", e.icount)
	}
	e.icount = 0
}

// exitFunction stores the new PC and returns the counter pair.
func (e *emitter) exitFunction(newPC string) {
	if newPC != "cpu.Pc" {
		e.addf("cpu.Pc = %s", newPC)
	}
	if e.tinfo.IgnoreInstructionLimit {
		e.addf("return 0, maxCounter")
	} else {
		e.addf("return counter, maxCounter")
	}
}

// addReentryNext exposes the next PC as a function entry, unless it is
// the end of the block.
func (e *emitter) addReentryNext() bool {
	if e.pcv+e.rawLen >= e.endPC() {
		return false
	}
	e.mappingLabels[e.idx+1] = true
	return true
}

// Memory access emission.

func (e *emitter) addrExpr(reg uint32, imm int32) string {
	return e.ureg(fmt.Sprintf("%s + uint64(%d)", e.fromReg(reg), int64(imm)))
}

// memLoad emits the guarded arena fast path for a load. castf wraps the
// raw uint64 load expression in the width/sign conversion.
func (e *emitter) memLoad(dst string, castf func(string) string, reg uint32, imm int32, size uint64) {
	ldfn := fmt.Sprintf("tr.Ld%d", size*8)

	if reg == isa.RegGP && e.tinfo.GP != 0 && e.cfg.UseArena {
		abs := e.tinfo.GP + uint64(int64(imm))
		if abs >= 0x1000 && abs+size <= e.cfg.ArenaEnd {
			e.addf("%s = %s", dst, castf(fmt.Sprintf("%s(arenaData, %#x)", ldfn, abs)))
			return
		}
	}

	addr := e.addrExpr(reg, imm)
	if mask := e.cfg.nbitMask(); mask != 0 {
		// Encompassing arena: the mask replaces the readability check.
		e.addf("%s = %s", dst, castf(fmt.Sprintf("%s(arenaData, (%s) & %#x)", ldfn, addr, mask)))
	} else if e.cfg.UseArena {
		e.addf("{ addr_ := %s", addr)
		e.addf("if addr_ >= 0x1000 && addr_+%d <= %#x {", size, e.cfg.ArenaEnd)
		e.addf("%s = %s", dst, castf(fmt.Sprintf("%s(arenaData, addr_)", ldfn)))
		e.addf("} else {")
		e.addf("%s = %s", dst, castf(fmt.Sprintf("api.MemRead(cpu, addr_, %d)", size)))
		e.addf("} }")
	} else {
		e.addf("%s = %s", dst, castf(fmt.Sprintf("api.MemRead(cpu, %s, %d)", addr, size)))
	}
}

func (e *emitter) memStore(reg uint32, imm int32, size uint64, value string) {
	stfn := fmt.Sprintf("tr.St%d", size*8)

	if reg == isa.RegGP && e.tinfo.GP != 0 && e.cfg.UseArena {
		abs := e.tinfo.GP + uint64(int64(imm))
		if abs >= e.cfg.ArenaRoEnd && abs+size <= e.cfg.ArenaEnd {
			e.addf("%s(arenaData, %#x, %s)", stfn, abs, value)
			return
		}
	}

	addr := e.addrExpr(reg, imm)
	if mask := e.cfg.nbitMask(); mask != 0 {
		e.addf("%s(arenaData, (%s) & %#x, %s)", stfn, addr, mask, value)
	} else if e.cfg.UseArena {
		e.addf("{ addr_ := %s", addr)
		e.addf("if addr_ >= %#x && addr_+%d <= %#x {", e.cfg.ArenaRoEnd, size, e.cfg.ArenaEnd)
		e.addf("%s(arenaData, addr_, %s)", stfn, value)
		e.addf("} else {")
		e.addf("api.MemWrite(cpu, addr_, %s, %d)", value, size)
		e.addf("} }")
	} else {
		e.addf("api.MemWrite(cpu, %s, %s, %d)", addr, value, size)
	}
}

// unknownInstruction emits the lazily-resolved runtime escape; a zero
// encoding raises immediately.
func (e *emitter) unknownInstruction(raw uint32) {
	if raw == 0 {
		e.addf("api.TriggerException(cpu, %s, tr.ExIllegalOpcode)", lit(e.pc()))
		e.addf("return 0, 0")
		return
	}
	name := fmt.Sprintf("hidx_%x", e.pc())
	e.vars = append(e.vars, fmt.Sprintf("var %s uint8", name))
	e.addf("if %s != 0 {", name)
	e.addf("if api.ExecuteHandler(cpu, %s, %#x) {", name, raw)
	e.addf("return 0, 0")
	e.addf("}")
	e.addf("} else {")
	e.addf("%s = api.Execute(cpu, %#x)", name, raw)
	e.addf("}")
}

// branch emits one conditional branch with the jump resolution the
// scanner allowed: block restart, local label, or exit.
func (e *emitter) branch(cond string, jumpPC uint64) {
	e.addf("if %s {", cond)
	dest := e.pcrel(int64(e.instr.ImmB()))
	if dest&e.cfg.alignMask() != 0 {
		e.addf("api.TriggerException(cpu, %s, tr.ExMisalignedInstruction)", lit(e.pc()))
		e.addf("return 0, 0")
		e.addf("}")
		return
	}
	if jumpPC != 0 {
		if jumpPC > e.pc() || e.tinfo.IgnoreInstructionLimit {
			e.addf("%s", e.gotoLabel(jumpPC))
			e.addf("}")
			return
		}
		e.addf("if counter < maxCounter { %s }", e.gotoLabel(jumpPC))
	}
	e.exitFunction(lit(dest))
	e.addf("}")
}

func (e *emitter) emitBranch() {
	e.flushCounter()
	dest := e.pcrel(int64(e.instr.ImmB()))
	var jumpPC uint64
	switch {
	case dest == e.beginPC():
		jumpPC = dest
	case e.instr.ImmB() > 0 && dest < e.endPC():
		e.labels[dest] = true
		jumpPC = dest
	default:
		if _, ok := e.tinfo.JumpLocations[dest]; ok {
			if dest >= e.beginPC() && dest < e.endPC() {
				jumpPC = dest
			}
		}
	}

	rs1, rs2 := e.instr.Rs1(), e.instr.Rs2()
	var cond string
	switch e.instr.Funct3() {
	case 0x0:
		cond = e.fromReg(rs1) + " == " + e.fromReg(rs2)
	case 0x1:
		cond = e.fromReg(rs1) + " != " + e.fromReg(rs2)
	case 0x4:
		cond = e.sreg(e.fromReg(rs1)) + " < " + e.sreg(e.fromReg(rs2))
	case 0x5:
		cond = e.sreg(e.fromReg(rs1)) + " >= " + e.sreg(e.fromReg(rs2))
	case 0x6:
		cond = e.ureg(e.fromReg(rs1)) + " < " + e.ureg(e.fromReg(rs2))
	case 0x7:
		cond = e.ureg(e.fromReg(rs1)) + " >= " + e.ureg(e.fromReg(rs2))
	default:
		e.unknownInstruction(uint32(e.instr))
		return
	}
	e.branch(cond, jumpPC)
}

func (e *emitter) emitJal() {
	e.flushCounter()
	rd := e.instr.Rd()
	if rd != 0 {
		e.setReg(rd, lit(e.pcrel(int64(e.rawLen))))
	}
	dest := e.pcrel(int64(e.instr.ImmJ())) &^ e.cfg.alignMask()
	addReentry := rd != 0
	alreadyExited := false

	if dest >= e.beginPC() && dest < e.endPC() {
		switch {
		case dest > e.pc():
			e.labels[dest] = true
			e.addf("%s", e.gotoLabel(dest))
		case e.tinfo.IgnoreInstructionLimit:
			e.addf("%s", e.gotoLabel(dest))
			if rd == 0 {
				addReentry = true
			}
		default:
			e.addf("if counter < maxCounter { %s }", e.gotoLabel(dest))
			if rd == 0 {
				addReentry = true
			}
		}
	} else if _, ok := e.tinfo.GlobalJumpLocations[dest]; ok && e.tinfo.WithinSegment(dest) {
		// A known function entry ahead of us: call it directly.
		if target := e.tinfo.FindBlockBase(dest); target != 0 && dest > e.pc() {
			targetFn := funclabel("f", target)
			if e.tinfo.IgnoreInstructionLimit {
				e.addf("{ _, m_ := %s(cpu, 0, maxCounter, %s); maxCounter = m_ }", targetFn, lit(dest))
			} else {
				e.addf("{ c_, m_ := %s(cpu, counter, maxCounter, %s); counter = c_; maxCounter = m_ }", targetFn, lit(dest))
			}
			if rd != 0 && e.addReentryNext() {
				next := e.pcv + e.rawLen
				e.usedLabels[next] = true
				if e.tinfo.IgnoreInstructionLimit {
					e.addf("if cpu.Pc == %s { goto L_%x }", lit(next), next)
				} else {
					e.addf("if counter < maxCounter && cpu.Pc == %s { goto L_%x }", lit(next), next)
				}
			}
			e.exitFunction("cpu.Pc")
			alreadyExited = true
		}
	}

	if !alreadyExited {
		e.exitFunction(lit(dest))
	}
	if addReentry {
		e.addReentryNext()
	}
}

func (e *emitter) emitJalr() {
	e.flushCounter()
	rd, rs1 := e.instr.Rd(), e.instr.Rs1()
	imm := int64(e.instr.ImmI())
	if rd != 0 {
		e.addf("{ rs1_ := %s", e.fromReg(rs1))
		e.setReg(rd, lit(e.pcrel(int64(e.rawLen))))
		e.addf("tr.JumpTo(&api, cpu, %s, %#x) }", e.ureg(fmt.Sprintf("rs1_ + uint64(%d)", imm)), e.cfg.alignMask())
	} else {
		e.addf("tr.JumpTo(&api, cpu, %s, %#x)", e.ureg(fmt.Sprintf("%s + uint64(%d)", e.fromReg(rs1), imm)), e.cfg.alignMask())
	}
	e.exitFunction("cpu.Pc")
	e.addReentryNext()
}

func (e *emitter) emitSystem() {
	instr := e.instr
	if instr.Funct3() == 0 {
		imm := instr.ImmIRaw()
		switch {
		case imm < 2:
			e.flushCounter()
			sys := e.fromReg(isa.RegA7)
			if imm == 1 {
				sys = fmt.Sprintf("%d", emuSyscallEbreak)
			}
			e.addf("cpu.Pc = %s", lit(e.pc()))
			if e.tinfo.IgnoreInstructionLimit {
				e.addf("if tr.DoSyscall(&api, cpu, 0, maxCounter, %s) {", sys)
				e.addf("cpu.Pc += 4; return 0, cpu.MaxCounter")
				e.addf("}")
			} else {
				e.addf("if tr.DoSyscall(&api, cpu, counter, maxCounter, %s) {", sys)
				e.addf("cpu.Pc += 4; return counter, cpu.MaxCounter")
				e.addf("}")
				e.addf("counter = cpu.InsCounter")
			}
			e.addf("maxCounter = cpu.MaxCounter")
		case imm == 0x105 || imm == 0x7FF: // WFI / STOP
			e.flushCounter()
			e.addf("maxCounter = 0")
			e.exitFunction(lit(e.pcrel(4)))
			e.addReentryNext()
		default:
			e.addf("cpu.Pc = %s", lit(e.pc()))
			e.addf("api.System(cpu, %#x)", uint32(instr))
		}
		return
	}
	// CSR and the other system functions run with counters revealed.
	e.addf("cpu.Pc = %s", lit(e.pc()))
	if !e.tinfo.IgnoreInstructionLimit {
		e.addf("cpu.InsCounter = counter")
	}
	e.addf("cpu.MaxCounter = maxCounter")
	e.addf("api.System(cpu, %#x)", uint32(instr))
}

const emuSyscallEbreak = 510

func (e *emitter) xlenLit() string { return fmt.Sprintf("%d", e.cfg.XLEN) }

// emit walks the block instruction by instruction.
func (e *emitter) emit() {
	e.mappings = append(e.mappings, Mapping{e.tinfo.BasePC, e.fn})
	e.label(e.tinfo.BasePC)
	next := e.tinfo.BasePC

	for i, raw := range e.tinfo.Instructions {
		e.idx = i
		e.pcv = next
		if e.cfg.Compressed {
			e.rawLen = raw.Length()
		} else {
			e.rawLen = 4
		}
		next = e.pcv + e.rawLen

		_, isGlobal := e.tinfo.GlobalJumpLocations[e.pcv]
		if i > 0 && (e.mappingLabels[i] || isGlobal) {
			e.flushCounter()
			e.label(e.pcv)
			e.usedLabels[e.pcv] = true // reachable through the dispatch switch
			e.mappings = append(e.mappings, Mapping{e.pcv, e.fn})
		} else if _, ok := e.tinfo.JumpLocations[e.pcv]; i > 0 && ok {
			e.flushCounter()
			e.label(e.pcv)
		} else if i > 0 && e.labels[e.pcv] {
			e.flushCounter()
			e.label(e.pcv)
		}

		// A jump target in the middle of this instruction means
		// someone branches into garbage; trap there instead of
		// executing skewed bytes.
		if e.cfg.Compressed && e.rawLen == 4 {
			if _, ok := e.tinfo.JumpLocations[e.pcv+2]; ok {
				skip := e.pcv + 2
				e.addf("goto Ls_%x", skip)
				e.label(skip)
				e.addf("api.TriggerException(cpu, %s, tr.ExMisalignedInstruction)", lit(skip))
				e.addf("return 0, 0")
				e.addf("Ls_%x:", skip)
				e.usedLabels[skip] = true
			}
		}

		if e.tinfo.TraceInstructions {
			e.addf("api.Trace(cpu, %q, %s, %#x)", e.fn, lit(e.pcv), uint32(raw))
		}
		e.icount++

		// Compressed instructions emit through their expansion; the
		// few that have none fall back to the runtime.
		e.instr = raw
		if e.cfg.Compressed && raw.IsCompressed() {
			expanded, ok := isa.CInstr(raw.Half()).Expand(e.cfg.XLEN)
			if !ok {
				if uint32(raw.Half()) == 0 {
					e.addf("cpu.Pc = %s", lit(e.pcv))
				}
				e.unknownInstruction(uint32(raw.Half()))
				continue
			}
			e.instr = expanded
		}

		e.emitInstr()
	}

	e.flushCounter()
	e.exitFunction(lit(e.endPC()))
}

// finalize assembles the function: the dispatch switch over every
// exported entry, then the body with only the referenced labels kept.
func (e *emitter) finalize() string {
	var out strings.Builder
	for _, v := range e.vars {
		out.WriteString(v)
		out.WriteByte('\n')
	}

	fmt.Fprintf(&out, "func %s(cpu *emu.CPU, counter uint64, maxCounter uint64, pc uint64) (uint64, uint64) {\n", e.fn)
	out.WriteString("switch pc {\n")
	seen := make(map[uint64]bool)
	addrs := make([]uint64, 0, len(e.mappings))
	for _, mp := range e.mappings {
		if !seen[mp.Addr] {
			seen[mp.Addr] = true
			addrs = append(addrs, mp.Addr)
		}
	}
	sort.Slice(addrs, func(i, j int) bool { return addrs[i] < addrs[j] })
	for _, addr := range addrs {
		fmt.Fprintf(&out, "case %#x:\n%s\n", addr, e.gotoLabel(addr))
	}
	out.WriteString("default:\napi.TriggerException(cpu, pc, tr.ExIllegalOperation)\nreturn 0, 0\n}\n")

	// Resolve label placeholders.
	for _, line := range strings.Split(e.body.String(), "\n") {
		if strings.HasPrefix(line, "\x00") {
			var pc uint64
			fmt.Sscanf(line[1:], "%x", &pc)
			if e.usedLabels[pc] {
				fmt.Fprintf(&out, "L_%x:\n", pc)
			}
			continue
		}
		out.WriteString(line)
		out.WriteByte('\n')
	}
	out.WriteString("}\n")
	return out.String()
}

// emitBlock renders one block into Go source, returning the function
// text and the (addr, symbol) mappings it exports.
func emitBlock(cfg emitConfig, tinfo *BlockInfo) (string, []Mapping) {
	e := newEmitter(cfg, tinfo)
	e.emit()
	return e.finalize(), e.mappings
}
