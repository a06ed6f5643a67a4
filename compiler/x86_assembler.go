package compiler

import "fmt"

// === x86 / x86-64 macro assembler: mnemonic-level instruction encoding ===
//
// One encoder covers both word sizes; wordSize selects operand widths,
// REX emission and the segment prefix used for thread-relative access
// (GS on 64-bit, FS on 32-bit).

// Register constants (x86-64 numbering; the low eight double as the
// 32-bit register file).
const (
	REG_RAX = 0
	REG_RCX = 1
	REG_RDX = 2
	REG_RBX = 3
	REG_RSP = 4
	REG_RBP = 5
	REG_RSI = 6
	REG_RDI = 7
	REG_R8  = 8
	REG_R9  = 9
	REG_R10 = 10
	REG_R11 = 11
	REG_R12 = 12
	REG_R13 = 13
	REG_R14 = 14
	REG_R15 = 15

	REG_EAX = REG_RAX
	REG_ECX = REG_RCX
	REG_EDX = REG_RDX
	REG_EBX = REG_RBX
	REG_ESP = REG_RSP
	REG_EBP = REG_RBP
	REG_ESI = REG_RSI
	REG_EDI = REG_RDI
)

// Condition codes for the 0x0f 0x8x long-form jcc.
const (
	ccE  = 0x84
	ccNE = 0x85
)

// Threads publish "some check is pending" in the low bits of the
// state-and-flags word.
const threadFlagsCheckMask = 0x3

// dwarfRegX86 maps register ids to DWARF numbering for the 32-bit file.
var dwarfRegX86 = [8]int{0, 1, 2, 3, 4, 5, 6, 7}

// dwarfRegX86_64 maps register ids to DWARF numbering for x86-64.
var dwarfRegX86_64 = [16]int{0, 2, 1, 3, 7, 6, 4, 5, 8, 9, 10, 11, 12, 13, 14, 15}

type x86Assembler struct {
	code     []byte
	wordSize int
	cfi      *CFIWriter
	layout   *RuntimeLayout
	labels   []*Label
	checks   bool
}

func newX86Assembler(wordSize int, cfi *CFIWriter, layout *RuntimeLayout) *x86Assembler {
	return &x86Assembler{wordSize: wordSize, cfi: cfi, layout: layout}
}

func (g *x86Assembler) CFI() *CFIWriter { return g.cfi }

func (g *x86Assembler) SetEmitRunTimeChecksInDebugMode(enabled bool) { g.checks = enabled }

// === Byte emission ===

func (g *x86Assembler) emitByte(b byte) { g.code = append(g.code, b) }

func (g *x86Assembler) emitBytes(bytes ...byte) { g.code = append(g.code, bytes...) }

func (g *x86Assembler) emitU32(v uint32) {
	g.code = append(g.code, byte(v), byte(v>>8), byte(v>>16), byte(v>>24))
}

// segPrefix is the thread-segment override: GS on 64-bit, FS on 32-bit.
func (g *x86Assembler) segPrefix() byte {
	if g.wordSize == 8 {
		return 0x65
	}
	return 0x64
}

// rex emits a REX prefix when required; w selects 64-bit operands.
func (g *x86Assembler) rex(w bool, reg, base int) {
	if g.wordSize == 4 {
		return
	}
	b := byte(0x40)
	if w {
		b |= 0x08
	}
	if reg >= 8 {
		b |= 0x04
	}
	if base >= 8 {
		b |= 0x01
	}
	if b != 0x40 || reg >= 8 || base >= 8 || w {
		g.emitByte(b)
	}
}

// modRM emits ModR/M (+SIB for RSP bases, + displacement) for [base+off].
func (g *x86Assembler) modRM(reg, base, off int) {
	rm := base & 7
	needSIB := rm == REG_RSP
	switch {
	case off == 0 && rm != REG_RBP:
		g.emitByte(byte(0x00 | (reg&7)<<3 | rm))
		if needSIB {
			g.emitByte(0x24)
		}
	case off >= -128 && off <= 127:
		g.emitByte(byte(0x40 | (reg&7)<<3 | rm))
		if needSIB {
			g.emitByte(0x24)
		}
		g.emitByte(byte(off))
	default:
		g.emitByte(byte(0x80 | (reg&7)<<3 | rm))
		if needSIB {
			g.emitByte(0x24)
		}
		g.emitU32(uint32(int32(off)))
	}
}

// modRMAbs emits ModR/M for an absolute disp32 (used with a segment
// prefix for thread-relative access).
func (g *x86Assembler) modRMAbs(reg int, disp uint32) {
	if g.wordSize == 8 {
		g.emitByte(byte(0x04 | (reg&7)<<3)) // SIB follows
		g.emitByte(0x25)                    // no base, no index
	} else {
		g.emitByte(byte(0x05 | (reg&7)<<3))
	}
	g.emitU32(disp)
}

// === Core moves ===

// movRR emits `mov dst, src` at the given width.
func (g *x86Assembler) movRR(dst, src, size int) {
	g.rex(size == 8, src, dst)
	g.emitBytes(0x89, byte(0xc0|(src&7)<<3|(dst&7)))
}

// loadMem emits `mov dst, [base+off]`.
func (g *x86Assembler) loadMem(dst, base, off, size int) {
	g.rex(size == 8, dst, base)
	g.emitByte(0x8b)
	g.modRM(dst, base, off)
}

// storeMem emits `mov [base+off], src`.
func (g *x86Assembler) storeMem(base, off, src, size int) {
	g.rex(size == 8, src, base)
	g.emitByte(0x89)
	g.modRM(src, base, off)
}

// leaMem emits `lea dst, [base+off]`.
func (g *x86Assembler) leaMem(dst, base, off int) {
	g.rex(g.wordSize == 8, dst, base)
	g.emitByte(0x8d)
	g.modRM(dst, base, off)
}

// === SSE moves (movss / movsd) ===

func (g *x86Assembler) sseLoad(dst, base, off, size int) {
	if size == 8 {
		g.emitByte(0xf2)
	} else {
		g.emitByte(0xf3)
	}
	if g.wordSize == 8 && (dst >= 8 || base >= 8) {
		b := byte(0x40)
		if dst >= 8 {
			b |= 0x04
		}
		if base >= 8 {
			b |= 0x01
		}
		g.emitByte(b)
	}
	g.emitBytes(0x0f, 0x10)
	g.modRM(dst, base, off)
}

func (g *x86Assembler) sseStore(base, off, src, size int) {
	if size == 8 {
		g.emitByte(0xf2)
	} else {
		g.emitByte(0xf3)
	}
	if g.wordSize == 8 && (src >= 8 || base >= 8) {
		b := byte(0x40)
		if src >= 8 {
			b |= 0x04
		}
		if base >= 8 {
			b |= 0x01
		}
		g.emitByte(b)
	}
	g.emitBytes(0x0f, 0x11)
	g.modRM(src, base, off)
}

func (g *x86Assembler) sseMovRR(dst, src, size int) {
	if size == 8 {
		g.emitByte(0xf2)
	} else {
		g.emitByte(0xf3)
	}
	g.emitBytes(0x0f, 0x10, byte(0xc0|(dst&7)<<3|(src&7)))
}

// === Stack adjustment ===

func (g *x86Assembler) pushR(reg int) {
	if reg >= 8 {
		g.emitBytes(0x41, byte(0x50+(reg&7)))
	} else {
		g.emitByte(byte(0x50 + reg))
	}
}

func (g *x86Assembler) popR(reg int) {
	if reg >= 8 {
		g.emitBytes(0x41, byte(0x58+(reg&7)))
	} else {
		g.emitByte(byte(0x58 + reg))
	}
}

func (g *x86Assembler) addSP(val int32) {
	if val == 0 {
		return
	}
	g.rex(g.wordSize == 8, 0, REG_RSP)
	if val >= -128 && val <= 127 {
		g.emitBytes(0x83, 0xc4, byte(val))
	} else {
		g.emitBytes(0x81, 0xc4)
		g.emitU32(uint32(val))
	}
}

func (g *x86Assembler) subSP(val int32) {
	if val == 0 {
		return
	}
	g.rex(g.wordSize == 8, 0, REG_RSP)
	if val >= -128 && val <= 127 {
		g.emitBytes(0x83, 0xec, byte(val))
	} else {
		g.emitBytes(0x81, 0xec)
		g.emitU32(uint32(val))
	}
}

// === Labels and branches ===

func (g *x86Assembler) CreateLabel() *Label {
	l := &Label{id: len(g.labels)}
	g.labels = append(g.labels, l)
	return l
}

func (g *x86Assembler) Bind(l *Label) {
	if l.bound {
		panic("label bound twice")
	}
	l.bound = true
	l.offset = len(g.code)
	for _, fixup := range l.fixups {
		g.patchRel32(fixup, l.offset)
	}
	l.fixups = nil
}

// patchRel32 patches the rel32 at fixupOff to land on targetOff.
func (g *x86Assembler) patchRel32(fixupOff, targetOff int) {
	rel := int32(targetOff - (fixupOff + 4))
	g.code[fixupOff] = byte(rel)
	g.code[fixupOff+1] = byte(rel >> 8)
	g.code[fixupOff+2] = byte(rel >> 16)
	g.code[fixupOff+3] = byte(rel >> 24)
}

// branchTo emits the rel32 placeholder of a jump or jcc already opened by
// the caller and registers the fixup.
func (g *x86Assembler) branchTo(l *Label) {
	if l.bound {
		off := len(g.code)
		g.emitU32(0)
		g.patchRel32(off, l.offset)
		return
	}
	l.fixups = append(l.fixups, len(g.code))
	g.emitU32(0)
}

func (g *x86Assembler) Jump(l *Label) {
	g.emitByte(0xe9)
	g.branchTo(l)
}

func (g *x86Assembler) jcc(cc byte, l *Label) {
	g.emitBytes(0x0f, cc)
	g.branchTo(l)
}

// === Frame lifecycle ===

func (g *x86Assembler) dwarfReg(id int) int {
	if g.wordSize == 8 {
		return dwarfRegX86_64[id]
	}
	return dwarfRegX86[id]
}

func (g *x86Assembler) BuildFrame(frameSize int, methodReg ManagedRegister, calleeSaves []ManagedRegister) {
	w := g.wordSize
	g.cfi.AdvanceTo(len(g.code))
	g.cfi.DefCFAOffset(w) // return address already pushed by the caller
	for _, r := range calleeSaves {
		g.pushR(r.ID())
		g.cfi.AdvanceTo(len(g.code))
		g.cfi.AdjustCFAOffset(w)
		g.cfi.RelOffset(g.dwarfReg(r.ID()), 0)
	}
	rest := frameSize - w - len(calleeSaves)*w
	if rest < 0 {
		panic(fmt.Sprintf("frame size %d too small for %d callee saves", frameSize, len(calleeSaves)))
	}
	g.subSP(int32(rest))
	g.cfi.AdvanceTo(len(g.code))
	g.cfi.AdjustCFAOffset(rest)
	if methodReg.IsRegister() {
		g.storeMem(REG_RSP, 0, methodReg.ID(), w)
	}
}

func (g *x86Assembler) RemoveFrame(frameSize int, calleeSaves []ManagedRegister, maySuspend bool) {
	w := g.wordSize
	g.cfi.RememberState()
	rest := frameSize - w - len(calleeSaves)*w
	g.addSP(int32(rest))
	g.cfi.AdvanceTo(len(g.code))
	g.cfi.AdjustCFAOffset(-rest)
	for i := len(calleeSaves) - 1; i >= 0; i-- {
		r := calleeSaves[i]
		g.popR(r.ID())
		g.cfi.AdvanceTo(len(g.code))
		g.cfi.AdjustCFAOffset(-w)
		g.cfi.Restore(g.dwarfReg(r.ID()))
	}
	g.emitByte(0xc3) // ret
	// Code after this point belongs to slow paths that still run inside
	// the full frame.
	g.cfi.AdvanceTo(len(g.code))
	g.cfi.RestoreState()
	g.cfi.DefCFAOffset(frameSize)
}

func (g *x86Assembler) IncreaseFrameSize(n int) {
	if n == 0 {
		return
	}
	g.subSP(int32(n))
	g.cfi.AdvanceTo(len(g.code))
	g.cfi.AdjustCFAOffset(n)
}

func (g *x86Assembler) DecreaseFrameSize(n int) {
	if n == 0 {
		return
	}
	g.addSP(int32(n))
	g.cfi.AdvanceTo(len(g.code))
	g.cfi.AdjustCFAOffset(-n)
}

// === Data movement ===

// pair32 reports whether the access is an EAX:EDX long pair on 32-bit.
func (g *x86Assembler) pair32(r ManagedRegister, size int) bool {
	return g.wordSize == 4 && size == 8 && r.IsCore()
}

func (g *x86Assembler) Move(dst, src ManagedRegister, size int) {
	if dst.Equals(src) {
		return
	}
	if dst.IsFloat() && src.IsFloat() {
		g.sseMovRR(dst.ID(), src.ID(), size)
		return
	}
	if dst.IsFloat() != src.IsFloat() {
		panic("cross-bank move unsupported")
	}
	g.movRR(dst.ID(), src.ID(), size)
}

func (g *x86Assembler) Load(dst ManagedRegister, src FrameOffset, size int) {
	switch {
	case dst.IsFloat():
		g.sseLoad(dst.ID(), REG_RSP, int(src), size)
	case g.pair32(dst, size):
		g.loadMem(REG_EAX, REG_RSP, int(src), 4)
		g.loadMem(REG_EDX, REG_RSP, int(src)+4, 4)
	default:
		g.loadMem(dst.ID(), REG_RSP, int(src), size)
	}
}

func (g *x86Assembler) LoadFromOffset(dst, base ManagedRegister, offs MemberOffset, size int) {
	g.loadMem(dst.ID(), base.ID(), int(offs), size)
}

func (g *x86Assembler) LoadRawPtrFromThread(dst ManagedRegister, offs ThreadOffset) {
	g.emitByte(g.segPrefix())
	g.rex(g.wordSize == 8, dst.ID(), 0)
	g.emitByte(0x8b)
	g.modRMAbs(dst.ID(), uint32(offs))
}

func (g *x86Assembler) Store(dst FrameOffset, src ManagedRegister, size int) {
	switch {
	case src.IsFloat():
		g.sseStore(REG_RSP, int(dst), src.ID(), size)
	case g.pair32(src, size):
		g.storeMem(REG_RSP, int(dst), REG_EAX, 4)
		g.storeMem(REG_RSP, int(dst)+4, REG_EDX, 4)
	default:
		g.storeMem(REG_RSP, int(dst), src.ID(), size)
	}
}

func (g *x86Assembler) StoreRawPtr(dst FrameOffset, src ManagedRegister) {
	g.Store(dst, src, g.wordSize)
}

func (g *x86Assembler) StoreToOffset(base ManagedRegister, offs MemberOffset, src ManagedRegister, size int) {
	g.storeMem(base.ID(), int(offs), src.ID(), size)
}

// scratchReg is free where memory copies happen: R11 has no convention
// role on 64-bit; EDX on 32-bit is dead by the time scratch-using moves
// run, since register-sourced stores are ordered ahead of them.
func (g *x86Assembler) scratchReg() int {
	if g.wordSize == 8 {
		return REG_R11
	}
	return REG_EDX
}

func (g *x86Assembler) Copy(dst, src FrameOffset, size int) {
	scratch := g.scratchReg()
	if g.wordSize == 4 && size == 8 {
		g.loadMem(scratch, REG_RSP, int(src), 4)
		g.storeMem(REG_RSP, int(dst), scratch, 4)
		g.loadMem(scratch, REG_RSP, int(src)+4, 4)
		g.storeMem(REG_RSP, int(dst)+4, scratch, 4)
		return
	}
	g.loadMem(scratch, REG_RSP, int(src), size)
	g.storeMem(REG_RSP, int(dst), scratch, size)
}

func (g *x86Assembler) SignExtend(reg ManagedRegister, size int) {
	if size == 1 {
		g.emitBytes(0x0f, 0xbe, byte(0xc0|(reg.ID()&7)<<3|(reg.ID()&7))) // movsx r32, r8
	} else {
		g.emitBytes(0x0f, 0xbf, byte(0xc0|(reg.ID()&7)<<3|(reg.ID()&7))) // movsx r32, r16
	}
}

func (g *x86Assembler) ZeroExtend(reg ManagedRegister, size int) {
	if size == 1 {
		g.emitBytes(0x0f, 0xb6, byte(0xc0|(reg.ID()&7)<<3|(reg.ID()&7))) // movzx r32, r8
	} else {
		g.emitBytes(0x0f, 0xb7, byte(0xc0|(reg.ID()&7)<<3|(reg.ID()&7))) // movzx r32, r16
	}
}

// === Argument shuffle ===

// MoveArguments realizes the parallel shuffle. Stack destinations go
// first (their sources are all still live), then register destinations
// are resolved in dependency order, breaking cycles through the scratch
// register. The first entry is known non-null for reference conversion.
func (g *x86Assembler) MoveArguments(dests, srcs []ArgumentLocation, refs []FrameOffset) {
	moveArguments(g, dests, srcs, refs, CoreReg(g.scratchReg()))
}

func (g *x86Assembler) CreateJObject(out ManagedRegister, spilledRef FrameOffset, in ManagedRegister, nullAllowed bool) {
	g.leaMem(out.ID(), REG_RSP, int(spilledRef))
	if !nullAllowed {
		return
	}
	// Null references pass through as null handles: test the spilled
	// slot and clear the address if it is zero.
	g.emitByte(0x83) // cmp dword [rsp+off], 0
	g.modRM(7, REG_RSP, int(spilledRef))
	g.emitByte(0x00)
	xorLen := 2
	if g.wordSize == 8 {
		xorLen = 3
	}
	g.emitBytes(0x75, byte(xorLen)) // jne past the clear
	g.rex(g.wordSize == 8, out.ID(), out.ID())
	g.emitBytes(0x31, byte(0xc0|(out.ID()&7)<<3|(out.ID()&7)))
}

func (g *x86Assembler) CreateJObjectToFrame(out FrameOffset, spilledRef FrameOffset, nullAllowed bool) {
	scratch := CoreReg(g.scratchReg())
	g.CreateJObject(scratch, spilledRef, NoRegister(), nullAllowed)
	g.Store(out, scratch, g.wordSize)
}

// === Thread interaction ===

func (g *x86Assembler) GetCurrentThread(dst ManagedRegister) {
	g.LoadRawPtrFromThread(dst, g.layout.SelfOffset())
}

func (g *x86Assembler) GetCurrentThreadToFrame(dst FrameOffset) {
	scratch := CoreReg(g.scratchReg())
	g.GetCurrentThread(scratch)
	g.Store(dst, scratch, g.wordSize)
}

func (g *x86Assembler) StoreStackPointerToThread(offs ThreadOffset) {
	g.emitByte(g.segPrefix())
	g.rex(g.wordSize == 8, REG_RSP, 0)
	g.emitByte(0x89)
	g.modRMAbs(REG_RSP, uint32(offs))
}

// === Calls ===

func (g *x86Assembler) Call(base ManagedRegister, offs MemberOffset) {
	g.rex(false, 2, base.ID())
	g.emitByte(0xff) // call [base+off]
	g.modRM(2, base.ID(), int(offs))
}

func (g *x86Assembler) CallFromThread(offs ThreadOffset) {
	g.emitByte(g.segPrefix())
	g.emitByte(0xff) // call [seg:disp32]
	g.modRMAbs(2, uint32(offs))
}

func (g *x86Assembler) TailCall(base ManagedRegister, offs MemberOffset) {
	g.rex(false, 4, base.ID())
	g.emitByte(0xff) // jmp [base+off]
	g.modRM(4, base.ID(), int(offs))
}

// === Polls and tests ===

func (g *x86Assembler) ExceptionPoll(slowPath *Label) {
	// cmp seg:[exception], 0
	g.emitByte(g.segPrefix())
	g.rex(g.wordSize == 8, 7, 0)
	g.emitByte(0x83)
	g.modRMAbs(7, uint32(g.layout.ExceptionOffset()))
	g.emitByte(0x00)
	g.jcc(ccNE, slowPath)
}

func (g *x86Assembler) SuspendCheck(slowPath *Label) {
	// test seg:[flags], check mask
	g.emitByte(g.segPrefix())
	g.emitByte(0xf7)
	g.modRMAbs(0, uint32(g.layout.FlagsOffset()))
	g.emitU32(threadFlagsCheckMask)
	g.jcc(ccNE, slowPath)
}

func (g *x86Assembler) DeliverPendingException() {
	g.CallFromThread(g.layout.EntrypointOffset(EntryDeliverException))
	g.emitByte(0xcc) // int3: the entrypoint never returns
}

func (g *x86Assembler) TestGcMarking(slowPath *Label, cond UnaryCondition) {
	// cmp dword seg:[is_gc_marking], 0
	g.emitByte(g.segPrefix())
	g.emitByte(0x83)
	g.modRMAbs(7, uint32(g.layout.IsGcMarkingOffset()))
	g.emitByte(0x00)
	if cond == CondNotZero {
		g.jcc(ccNE, slowPath)
	} else {
		g.jcc(ccE, slowPath)
	}
}

func (g *x86Assembler) TestMarkBit(ref ManagedRegister, target *Label, cond UnaryCondition) {
	// test dword [ref+monitor], mark bit
	g.emitByte(0xf7)
	g.modRM(0, ref.ID(), int(MonitorOffset))
	g.emitU32(LockWordMarkBitSet)
	if cond == CondNotZero {
		g.jcc(ccNE, target)
	} else {
		g.jcc(ccE, target)
	}
}

func (g *x86Assembler) CoreRegisterWithSize(reg ManagedRegister, size int) ManagedRegister {
	return reg.WithSize(size)
}

// === Finalization ===

func (g *x86Assembler) FinalizeCode() {
	for _, l := range g.labels {
		if !l.bound && len(l.fixups) > 0 {
			panic("unbound label with pending branches")
		}
	}
	g.cfi.AdvanceTo(len(g.code))
}

func (g *x86Assembler) CodeSize() int { return len(g.code) }

func (g *x86Assembler) FinalizeInstructions(buf []byte) {
	copy(buf, g.code)
}
