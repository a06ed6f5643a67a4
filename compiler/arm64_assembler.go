package compiler

import "fmt"

// === AArch64 macro assembler: fixed-width 32-bit instruction encoding ===
//
// X19 holds the thread record for the whole stub; X16/X17 (IP0/IP1) are
// the intra-procedure scratch registers the shuffle and the poll sequences
// lean on.

// Register constants (X0-X30, SP/XZR=31).
const (
	REG_X0  = 0
	REG_X1  = 1
	REG_X2  = 2
	REG_X3  = 3
	REG_X4  = 4
	REG_X5  = 5
	REG_X6  = 6
	REG_X7  = 7
	REG_X15 = 15
	REG_X16 = 16 // IP0 (intra-procedure scratch)
	REG_X17 = 17 // IP1
	REG_X19 = 19 // thread register
	REG_X20 = 20
	REG_X21 = 21
	REG_X22 = 22
	REG_X23 = 23
	REG_X24 = 24
	REG_X25 = 25
	REG_X26 = 26
	REG_X27 = 27
	REG_X28 = 28
	REG_FP  = 29 // X29
	REG_LR  = 30 // X30
	REG_SP  = 31
	REG_XZR = 31
)

// arm64Fixup records a branch waiting for its label to bind.
type arm64Fixup struct {
	codeOffset int
	kind       arm64FixupKind
}

type arm64FixupKind int

const (
	fixB26    arm64FixupKind = iota // B: imm26
	fixCond19                       // B.cond / CBZ / CBNZ: imm19
	fixTB14                         // TBZ / TBNZ: imm14
)

type arm64Assembler struct {
	code   []byte
	cfi    *CFIWriter
	layout *RuntimeLayout
	labels []*Label
	checks bool
}

func newArm64Assembler(cfi *CFIWriter, layout *RuntimeLayout) *arm64Assembler {
	return &arm64Assembler{cfi: cfi, layout: layout}
}

func (g *arm64Assembler) CFI() *CFIWriter { return g.cfi }

func (g *arm64Assembler) SetEmitRunTimeChecksInDebugMode(enabled bool) { g.checks = enabled }

// emit appends a 32-bit instruction, little-endian.
func (g *arm64Assembler) emit(inst uint32) {
	g.code = append(g.code, byte(inst), byte(inst>>8), byte(inst>>16), byte(inst>>24))
}

// === Base instructions ===

// movRR emits MOV Xd, Xm (ORR Xd, XZR, Xm); w selects 32-bit.
func (g *arm64Assembler) movRR(rd, rm int, size int) {
	if size == 8 {
		g.emit(0xAA0003E0 | uint32(rm&31)<<16 | uint32(rd&31))
	} else {
		g.emit(0x2A0003E0 | uint32(rm&31)<<16 | uint32(rd&31))
	}
}

// addSPImm emits ADD Xd, SP, #imm to materialize stack addresses.
func (g *arm64Assembler) addSPImm(rd int, imm int) {
	g.emit(0x91000000 | uint32(imm&0xfff)<<10 | uint32(REG_SP)<<5 | uint32(rd&31))
}

func (g *arm64Assembler) subSPImm(imm int) {
	g.emit(0xD1000000 | uint32(imm&0xfff)<<10 | uint32(REG_SP)<<5 | uint32(REG_SP))
}

func (g *arm64Assembler) addSP(imm int) {
	g.emit(0x91000000 | uint32(imm&0xfff)<<10 | uint32(REG_SP)<<5 | uint32(REG_SP))
}

// ldr emits LDR (unsigned scaled offset), falling back to LDUR for
// unaligned offsets.
func (g *arm64Assembler) ldr(rt, rn, off, size int) {
	if size == 8 {
		if off%8 == 0 && off/8 < 1<<12 {
			g.emit(0xF9400000 | uint32(off/8)<<10 | uint32(rn&31)<<5 | uint32(rt&31))
			return
		}
		g.emit(0xF8400000 | uint32(off&0x1ff)<<12 | uint32(rn&31)<<5 | uint32(rt&31)) // LDUR
		return
	}
	if off%4 == 0 && off/4 < 1<<12 {
		g.emit(0xB9400000 | uint32(off/4)<<10 | uint32(rn&31)<<5 | uint32(rt&31))
		return
	}
	g.emit(0xB8400000 | uint32(off&0x1ff)<<12 | uint32(rn&31)<<5 | uint32(rt&31))
}

func (g *arm64Assembler) str(rt, rn, off, size int) {
	if size == 8 {
		if off%8 == 0 && off/8 < 1<<12 {
			g.emit(0xF9000000 | uint32(off/8)<<10 | uint32(rn&31)<<5 | uint32(rt&31))
			return
		}
		g.emit(0xF8000000 | uint32(off&0x1ff)<<12 | uint32(rn&31)<<5 | uint32(rt&31)) // STUR
		return
	}
	if off%4 == 0 && off/4 < 1<<12 {
		g.emit(0xB9000000 | uint32(off/4)<<10 | uint32(rn&31)<<5 | uint32(rt&31))
		return
	}
	g.emit(0xB8000000 | uint32(off&0x1ff)<<12 | uint32(rn&31)<<5 | uint32(rt&31))
}

// Floating-point loads/stores (S and D forms).
func (g *arm64Assembler) ldrFP(vt, rn, off, size int) {
	if size == 8 {
		g.emit(0xFD400000 | uint32(off/8)<<10 | uint32(rn&31)<<5 | uint32(vt&31))
	} else {
		g.emit(0xBD400000 | uint32(off/4)<<10 | uint32(rn&31)<<5 | uint32(vt&31))
	}
}

func (g *arm64Assembler) strFP(vt, rn, off, size int) {
	if size == 8 {
		g.emit(0xFD000000 | uint32(off/8)<<10 | uint32(rn&31)<<5 | uint32(vt&31))
	} else {
		g.emit(0xBD000000 | uint32(off/4)<<10 | uint32(rn&31)<<5 | uint32(vt&31))
	}
}

func (g *arm64Assembler) fmovRR(vd, vn, size int) {
	if size == 8 {
		g.emit(0x1E604000 | uint32(vn&31)<<5 | uint32(vd&31))
	} else {
		g.emit(0x1E204000 | uint32(vn&31)<<5 | uint32(vd&31))
	}
}

func (g *arm64Assembler) blr(rn int) { g.emit(0xD63F0000 | uint32(rn&31)<<5) }
func (g *arm64Assembler) br(rn int)  { g.emit(0xD61F0000 | uint32(rn&31)<<5) }
func (g *arm64Assembler) ret()       { g.emit(0xD65F0000 | uint32(REG_LR)<<5) }
func (g *arm64Assembler) brk()       { g.emit(0xD4200000) }

// === Labels and branches ===

func (g *arm64Assembler) CreateLabel() *Label {
	l := &Label{id: len(g.labels)}
	g.labels = append(g.labels, l)
	return l
}

func (g *arm64Assembler) Bind(l *Label) {
	if l.bound {
		panic("label bound twice")
	}
	l.bound = true
	l.offset = len(g.code)
	for _, fixup := range l.arm64Fix {
		g.patchBranch(fixup, l.offset)
	}
	l.arm64Fix = nil
}

func (g *arm64Assembler) patchBranch(fixup arm64Fixup, target int) {
	delta := (target - fixup.codeOffset) / 4
	inst := uint32(g.code[fixup.codeOffset]) |
		uint32(g.code[fixup.codeOffset+1])<<8 |
		uint32(g.code[fixup.codeOffset+2])<<16 |
		uint32(g.code[fixup.codeOffset+3])<<24
	switch fixup.kind {
	case fixB26:
		inst |= uint32(delta) & 0x03ffffff
	case fixCond19:
		inst |= (uint32(delta) & 0x7ffff) << 5
	case fixTB14:
		inst |= (uint32(delta) & 0x3fff) << 5
	}
	g.code[fixup.codeOffset] = byte(inst)
	g.code[fixup.codeOffset+1] = byte(inst >> 8)
	g.code[fixup.codeOffset+2] = byte(inst >> 16)
	g.code[fixup.codeOffset+3] = byte(inst >> 24)
}

// branch emits inst with a pending label fixup of the given kind.
func (g *arm64Assembler) branch(inst uint32, kind arm64FixupKind, l *Label) {
	fixup := arm64Fixup{codeOffset: len(g.code), kind: kind}
	if l.bound {
		g.emit(inst)
		g.patchBranch(fixup, l.offset)
		return
	}
	l.arm64Fix = append(l.arm64Fix, fixup)
	g.emit(inst)
}

func (g *arm64Assembler) Jump(l *Label) {
	g.branch(0x14000000, fixB26, l) // B
}

func (g *arm64Assembler) cbnz(rt int, size int, l *Label) {
	base := uint32(0x35000000)
	if size == 8 {
		base |= 1 << 31
	}
	g.branch(base|uint32(rt&31), fixCond19, l)
}

func (g *arm64Assembler) cbz(rt int, size int, l *Label) {
	base := uint32(0x34000000)
	if size == 8 {
		base |= 1 << 31
	}
	g.branch(base|uint32(rt&31), fixCond19, l)
}

func (g *arm64Assembler) tbnz(rt, bit int, l *Label) {
	inst := uint32(0x37000000) | uint32(bit&0x1f)<<19 | uint32(rt&31)
	if bit >= 32 {
		inst |= 1 << 31
	}
	g.branch(inst, fixTB14, l)
}

func (g *arm64Assembler) tbz(rt, bit int, l *Label) {
	inst := uint32(0x36000000) | uint32(bit&0x1f)<<19 | uint32(rt&31)
	if bit >= 32 {
		inst |= 1 << 31
	}
	g.branch(inst, fixTB14, l)
}

// === Frame lifecycle ===

// dwarfRegArm64 numbering: X0-X30 are 0-30, SP is 31, V0-V31 are 64-95.
func dwarfRegArm64(r ManagedRegister) int {
	if r.IsFloat() {
		return 64 + r.ID()
	}
	return r.ID()
}

func (g *arm64Assembler) BuildFrame(frameSize int, methodReg ManagedRegister, calleeSaves []ManagedRegister) {
	g.cfi.AdvanceTo(len(g.code))
	g.cfi.DefCFAOffset(0)
	if frameSize == 0 {
		return
	}
	g.subSPImm(frameSize)
	g.cfi.AdvanceTo(len(g.code))
	g.cfi.AdjustCFAOffset(frameSize)
	// Callee saves pack downward from the top of the frame.
	off := frameSize
	for _, r := range calleeSaves {
		off -= 8
		if r.IsFloat() {
			g.strFP(r.ID(), REG_SP, off, 8)
		} else {
			g.str(r.ID(), REG_SP, off, 8)
		}
		g.cfi.AdvanceTo(len(g.code))
		g.cfi.RelOffset(dwarfRegArm64(r), off)
	}
	if methodReg.IsRegister() {
		g.str(methodReg.ID(), REG_SP, 0, 8)
	}
}

func (g *arm64Assembler) RemoveFrame(frameSize int, calleeSaves []ManagedRegister, maySuspend bool) {
	g.cfi.RememberState()
	off := frameSize
	for _, r := range calleeSaves {
		off -= 8
		if r.IsFloat() {
			g.ldrFP(r.ID(), REG_SP, off, 8)
		} else {
			g.ldr(r.ID(), REG_SP, off, 8)
		}
		g.cfi.AdvanceTo(len(g.code))
		g.cfi.Restore(dwarfRegArm64(r))
	}
	if frameSize != 0 {
		g.addSP(frameSize)
		g.cfi.AdvanceTo(len(g.code))
		g.cfi.AdjustCFAOffset(-frameSize)
	}
	g.ret()
	// Slow paths behind the return still run inside the full frame.
	g.cfi.AdvanceTo(len(g.code))
	g.cfi.RestoreState()
	g.cfi.DefCFAOffset(frameSize)
}

func (g *arm64Assembler) IncreaseFrameSize(n int) {
	if n == 0 {
		return
	}
	g.subSPImm(n)
	g.cfi.AdvanceTo(len(g.code))
	g.cfi.AdjustCFAOffset(n)
}

func (g *arm64Assembler) DecreaseFrameSize(n int) {
	if n == 0 {
		return
	}
	g.addSP(n)
	g.cfi.AdvanceTo(len(g.code))
	g.cfi.AdjustCFAOffset(-n)
}

// === Data movement ===

func (g *arm64Assembler) Move(dst, src ManagedRegister, size int) {
	if dst.Equals(src) {
		return
	}
	if dst.IsFloat() && src.IsFloat() {
		g.fmovRR(dst.ID(), src.ID(), size)
		return
	}
	if dst.IsFloat() != src.IsFloat() {
		panic("cross-bank move unsupported")
	}
	g.movRR(dst.ID(), src.ID(), size)
}

func (g *arm64Assembler) Load(dst ManagedRegister, src FrameOffset, size int) {
	if dst.IsFloat() {
		g.ldrFP(dst.ID(), REG_SP, int(src), size)
		return
	}
	g.ldr(dst.ID(), REG_SP, int(src), size)
}

func (g *arm64Assembler) LoadFromOffset(dst, base ManagedRegister, offs MemberOffset, size int) {
	g.ldr(dst.ID(), base.ID(), int(offs), size)
}

func (g *arm64Assembler) LoadRawPtrFromThread(dst ManagedRegister, offs ThreadOffset) {
	g.ldr(dst.ID(), REG_X19, int(offs), 8)
}

func (g *arm64Assembler) Store(dst FrameOffset, src ManagedRegister, size int) {
	if src.IsFloat() {
		g.strFP(src.ID(), REG_SP, int(dst), size)
		return
	}
	g.str(src.ID(), REG_SP, int(dst), size)
}

func (g *arm64Assembler) StoreRawPtr(dst FrameOffset, src ManagedRegister) {
	g.str(src.ID(), REG_SP, int(dst), 8)
}

func (g *arm64Assembler) StoreToOffset(base ManagedRegister, offs MemberOffset, src ManagedRegister, size int) {
	g.str(src.ID(), base.ID(), int(offs), size)
}

func (g *arm64Assembler) Copy(dst, src FrameOffset, size int) {
	g.ldr(REG_X16, REG_SP, int(src), size)
	g.str(REG_X16, REG_SP, int(dst), size)
}

func (g *arm64Assembler) SignExtend(reg ManagedRegister, size int) {
	if size == 1 {
		g.emit(0x13001C00 | uint32(reg.ID()&31)<<5 | uint32(reg.ID()&31)) // SXTB
	} else {
		g.emit(0x13003C00 | uint32(reg.ID()&31)<<5 | uint32(reg.ID()&31)) // SXTH
	}
}

func (g *arm64Assembler) ZeroExtend(reg ManagedRegister, size int) {
	if size == 1 {
		g.emit(0x53001C00 | uint32(reg.ID()&31)<<5 | uint32(reg.ID()&31)) // UXTB
	} else {
		g.emit(0x53003C00 | uint32(reg.ID()&31)<<5 | uint32(reg.ID()&31)) // UXTH
	}
}

// === Argument shuffle ===

func (g *arm64Assembler) MoveArguments(dests, srcs []ArgumentLocation, refs []FrameOffset) {
	moveArguments(g, dests, srcs, refs, CoreReg(REG_X17))
}

func (g *arm64Assembler) CreateJObject(out ManagedRegister, spilledRef FrameOffset, in ManagedRegister, nullAllowed bool) {
	g.addSPImm(out.ID(), int(spilledRef))
	if !nullAllowed {
		return
	}
	// Null references pass through as null handles.
	g.ldr(REG_X16, REG_SP, int(spilledRef), 4)
	g.cbnzSkipOne(REG_X16)
	g.movRR(out.ID(), REG_XZR, 8)
}

// cbnzSkipOne branches over exactly one following instruction.
func (g *arm64Assembler) cbnzSkipOne(rt int) {
	g.emit(0x35000000 | 2<<5 | uint32(rt&31)) // CBNZ W, #+8
}

func (g *arm64Assembler) CreateJObjectToFrame(out FrameOffset, spilledRef FrameOffset, nullAllowed bool) {
	g.CreateJObject(CoreReg(REG_X17), spilledRef, NoRegister(), nullAllowed)
	g.str(REG_X17, REG_SP, int(out), 8)
}

// === Thread interaction ===

func (g *arm64Assembler) GetCurrentThread(dst ManagedRegister) {
	g.movRR(dst.ID(), REG_X19, 8)
}

func (g *arm64Assembler) GetCurrentThreadToFrame(dst FrameOffset) {
	g.str(REG_X19, REG_SP, int(dst), 8)
}

func (g *arm64Assembler) StoreStackPointerToThread(offs ThreadOffset) {
	g.addSPImm(REG_X16, 0)
	g.str(REG_X16, REG_X19, int(offs), 8)
}

// === Calls ===

func (g *arm64Assembler) Call(base ManagedRegister, offs MemberOffset) {
	g.ldr(REG_X16, base.ID(), int(offs), 8)
	g.blr(REG_X16)
}

func (g *arm64Assembler) CallFromThread(offs ThreadOffset) {
	g.ldr(REG_X16, REG_X19, int(offs), 8)
	g.blr(REG_X16)
}

func (g *arm64Assembler) TailCall(base ManagedRegister, offs MemberOffset) {
	g.ldr(REG_X16, base.ID(), int(offs), 8)
	g.br(REG_X16)
}

// === Polls and tests ===

func (g *arm64Assembler) ExceptionPoll(slowPath *Label) {
	g.ldr(REG_X16, REG_X19, int(g.layout.ExceptionOffset()), 8)
	g.cbnz(REG_X16, 8, slowPath)
}

func (g *arm64Assembler) SuspendCheck(slowPath *Label) {
	g.ldr(REG_X16, REG_X19, int(g.layout.FlagsOffset()), 4)
	g.cbnz(REG_X16, 4, slowPath)
}

func (g *arm64Assembler) DeliverPendingException() {
	g.CallFromThread(g.layout.EntrypointOffset(EntryDeliverException))
	g.brk() // the entrypoint never returns
}

func (g *arm64Assembler) TestGcMarking(slowPath *Label, cond UnaryCondition) {
	g.ldr(REG_X16, REG_X19, int(g.layout.IsGcMarkingOffset()), 4)
	if cond == CondNotZero {
		g.cbnz(REG_X16, 4, slowPath)
	} else {
		g.cbz(REG_X16, 4, slowPath)
	}
}

func (g *arm64Assembler) TestMarkBit(ref ManagedRegister, target *Label, cond UnaryCondition) {
	g.ldr(REG_X16, ref.ID(), int(MonitorOffset), 4)
	if cond == CondNotZero {
		g.tbnz(REG_X16, LockWordMarkBit, target)
	} else {
		g.tbz(REG_X16, LockWordMarkBit, target)
	}
}

func (g *arm64Assembler) CoreRegisterWithSize(reg ManagedRegister, size int) ManagedRegister {
	return reg.WithSize(size)
}

// === Finalization ===

func (g *arm64Assembler) FinalizeCode() {
	for _, l := range g.labels {
		if !l.bound && len(l.arm64Fix) > 0 {
			panic(fmt.Sprintf("unbound label %d with pending branches", l.id))
		}
	}
	g.cfi.AdvanceTo(len(g.code))
}

func (g *arm64Assembler) CodeSize() int { return len(g.code) }

func (g *arm64Assembler) FinalizeInstructions(buf []byte) {
	copy(buf, g.code)
}
