package compiler

import (
	"fmt"
	"strings"
)

// === Trace assembler: records the abstract op sequence ===
//
// Wraps a real encoder and mirrors every call into a readable op list.
// The golden tests and jnidump's trace output (on unless --no-trace) both
// consume the recording; the wrapped encoder keeps producing real bytes
// and CFI underneath.

type traceAssembler struct {
	inner MacroAssembler
	ops   []string
	// Label numbering is per-trace so goldens are stable.
	labelIDs map[*Label]int
}

func newTraceAssembler(inner MacroAssembler) *traceAssembler {
	return &traceAssembler{inner: inner, labelIDs: make(map[*Label]int)}
}

// Trace returns the recorded op list.
func (t *traceAssembler) Trace() []string { return t.ops }

func (t *traceAssembler) record(format string, args ...interface{}) {
	t.ops = append(t.ops, fmt.Sprintf(format, args...))
}

func (t *traceAssembler) labelName(l *Label) string {
	id, ok := t.labelIDs[l]
	if !ok {
		id = len(t.labelIDs)
		t.labelIDs[l] = id
	}
	return fmt.Sprintf("L%d", id)
}

func regList(regs []ManagedRegister) string {
	parts := make([]string, len(regs))
	for i, r := range regs {
		parts[i] = r.String()
	}
	return "[" + strings.Join(parts, " ") + "]"
}

func (t *traceAssembler) CFI() *CFIWriter { return t.inner.CFI() }

func (t *traceAssembler) SetEmitRunTimeChecksInDebugMode(enabled bool) {
	t.inner.SetEmitRunTimeChecksInDebugMode(enabled)
}

func (t *traceAssembler) BuildFrame(frameSize int, methodReg ManagedRegister, calleeSaves []ManagedRegister) {
	method := "none"
	if methodReg.IsRegister() {
		method = methodReg.String()
	}
	t.record("BuildFrame(size=%d, method=%s, saves=%s)", frameSize, method, regList(calleeSaves))
	t.inner.BuildFrame(frameSize, methodReg, calleeSaves)
}

func (t *traceAssembler) RemoveFrame(frameSize int, calleeSaves []ManagedRegister, maySuspend bool) {
	t.record("RemoveFrame(size=%d, saves=%s, may_suspend=%t)", frameSize, regList(calleeSaves), maySuspend)
	t.inner.RemoveFrame(frameSize, calleeSaves, maySuspend)
}

func (t *traceAssembler) IncreaseFrameSize(n int) {
	t.record("IncreaseFrameSize(%d)", n)
	t.inner.IncreaseFrameSize(n)
}

func (t *traceAssembler) DecreaseFrameSize(n int) {
	t.record("DecreaseFrameSize(%d)", n)
	t.inner.DecreaseFrameSize(n)
}

func (t *traceAssembler) Move(dst, src ManagedRegister, size int) {
	t.record("Move(%v, %v, %d)", dst, src, size)
	t.inner.Move(dst, src, size)
}

func (t *traceAssembler) Load(dst ManagedRegister, src FrameOffset, size int) {
	t.record("Load(%v, [sp+%d], %d)", dst, src, size)
	t.inner.Load(dst, src, size)
}

func (t *traceAssembler) LoadFromOffset(dst, base ManagedRegister, offs MemberOffset, size int) {
	t.record("Load(%v, [%v+%d], %d)", dst, base, offs, size)
	t.inner.LoadFromOffset(dst, base, offs, size)
}

func (t *traceAssembler) LoadRawPtrFromThread(dst ManagedRegister, offs ThreadOffset) {
	t.record("LoadRawPtrFromThread(%v, thread+%d)", dst, offs)
	t.inner.LoadRawPtrFromThread(dst, offs)
}

func (t *traceAssembler) Store(dst FrameOffset, src ManagedRegister, size int) {
	t.record("Store([sp+%d], %v, %d)", dst, src, size)
	t.inner.Store(dst, src, size)
}

func (t *traceAssembler) StoreRawPtr(dst FrameOffset, src ManagedRegister) {
	t.record("StoreRawPtr([sp+%d], %v)", dst, src)
	t.inner.StoreRawPtr(dst, src)
}

func (t *traceAssembler) StoreToOffset(base ManagedRegister, offs MemberOffset, src ManagedRegister, size int) {
	t.record("Store([%v+%d], %v, %d)", base, offs, src, size)
	t.inner.StoreToOffset(base, offs, src, size)
}

func (t *traceAssembler) Copy(dst, src FrameOffset, size int) {
	t.record("Copy([sp+%d], [sp+%d], %d)", dst, src, size)
	t.inner.Copy(dst, src, size)
}

func (t *traceAssembler) SignExtend(reg ManagedRegister, size int) {
	t.record("SignExtend(%v, %d)", reg, size)
	t.inner.SignExtend(reg, size)
}

func (t *traceAssembler) ZeroExtend(reg ManagedRegister, size int) {
	t.record("ZeroExtend(%v, %d)", reg, size)
	t.inner.ZeroExtend(reg, size)
}

func (t *traceAssembler) MoveArguments(dests, srcs []ArgumentLocation, refs []FrameOffset) {
	parts := make([]string, len(dests))
	for i := range dests {
		kind := ""
		if refs[i] != InvalidReferenceOffset {
			kind = fmt.Sprintf(" ref@%d", refs[i])
		}
		parts[i] = fmt.Sprintf("%v<-%v%s", dests[i], srcs[i], kind)
	}
	t.record("MoveArguments(%s)", strings.Join(parts, ", "))
	t.inner.MoveArguments(dests, srcs, refs)
}

func (t *traceAssembler) CreateJObject(out ManagedRegister, spilledRef FrameOffset, in ManagedRegister, nullAllowed bool) {
	t.record("CreateJObject(%v, ref@%d, null_allowed=%t)", out, spilledRef, nullAllowed)
	t.inner.CreateJObject(out, spilledRef, in, nullAllowed)
}

func (t *traceAssembler) CreateJObjectToFrame(out FrameOffset, spilledRef FrameOffset, nullAllowed bool) {
	t.record("CreateJObject([sp+%d], ref@%d, null_allowed=%t)", out, spilledRef, nullAllowed)
	t.inner.CreateJObjectToFrame(out, spilledRef, nullAllowed)
}

func (t *traceAssembler) GetCurrentThread(dst ManagedRegister) {
	t.record("GetCurrentThread(%v)", dst)
	t.inner.GetCurrentThread(dst)
}

func (t *traceAssembler) GetCurrentThreadToFrame(dst FrameOffset) {
	t.record("GetCurrentThread([sp+%d])", dst)
	t.inner.GetCurrentThreadToFrame(dst)
}

func (t *traceAssembler) StoreStackPointerToThread(offs ThreadOffset) {
	t.record("StoreStackPointerToThread(thread+%d)", offs)
	t.inner.StoreStackPointerToThread(offs)
}

func (t *traceAssembler) Call(base ManagedRegister, offs MemberOffset) {
	t.record("Call([%v+%d])", base, offs)
	t.inner.Call(base, offs)
}

func (t *traceAssembler) CallFromThread(offs ThreadOffset) {
	t.record("CallFromThread(thread+%d)", offs)
	t.inner.CallFromThread(offs)
}

func (t *traceAssembler) TailCall(base ManagedRegister, offs MemberOffset) {
	t.record("TailCall([%v+%d])", base, offs)
	t.inner.TailCall(base, offs)
}

func (t *traceAssembler) CreateLabel() *Label {
	l := t.inner.CreateLabel()
	t.labelName(l) // assign a stable number in creation order
	return l
}

func (t *traceAssembler) Bind(l *Label) {
	t.record("Bind(%s)", t.labelName(l))
	t.inner.Bind(l)
}

func (t *traceAssembler) Jump(l *Label) {
	t.record("Jump(%s)", t.labelName(l))
	t.inner.Jump(l)
}

func (t *traceAssembler) ExceptionPoll(slowPath *Label) {
	t.record("ExceptionPoll(%s)", t.labelName(slowPath))
	t.inner.ExceptionPoll(slowPath)
}

func (t *traceAssembler) SuspendCheck(slowPath *Label) {
	t.record("SuspendCheck(%s)", t.labelName(slowPath))
	t.inner.SuspendCheck(slowPath)
}

func (t *traceAssembler) DeliverPendingException() {
	t.record("DeliverPendingException()")
	t.inner.DeliverPendingException()
}

func (t *traceAssembler) TestGcMarking(slowPath *Label, cond UnaryCondition) {
	t.record("TestGcMarking(%s, %v)", t.labelName(slowPath), cond)
	t.inner.TestGcMarking(slowPath, cond)
}

func (t *traceAssembler) TestMarkBit(ref ManagedRegister, target *Label, cond UnaryCondition) {
	t.record("TestMarkBit(%v, %s, %v)", ref, t.labelName(target), cond)
	t.inner.TestMarkBit(ref, target, cond)
}

func (t *traceAssembler) CoreRegisterWithSize(reg ManagedRegister, size int) ManagedRegister {
	return t.inner.CoreRegisterWithSize(reg, size)
}

func (t *traceAssembler) FinalizeCode() {
	t.inner.FinalizeCode()
}

func (t *traceAssembler) CodeSize() int { return t.inner.CodeSize() }

func (t *traceAssembler) FinalizeInstructions(buf []byte) {
	t.inner.FinalizeInstructions(buf)
}
