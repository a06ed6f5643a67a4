package compiler

import "fmt"

// === Macro assembler interface ===
//
// The stub generator emits abstract operations; each architecture encodes
// them. The operations mirror the transition protocol of the managed
// runtime: frame construction with callee saves, thread-relative runtime
// calls, reference-handle creation, and the poll/slow-path plumbing.

// UnaryCondition selects the branch sense of the test operations.
type UnaryCondition int

const (
	CondZero UnaryCondition = iota
	CondNotZero
)

func (c UnaryCondition) String() string {
	if c == CondZero {
		return "zero"
	}
	return "not-zero"
}

// Label marks a position in the emitted code. Labels are created by the
// assembler, bound once, and may be the target of any number of branches.
type Label struct {
	id       int
	bound    bool
	offset   int
	fixups   []int // code offsets of branches waiting for the bind
	arm64Fix []arm64Fixup
}

// MacroAssembler is the per-architecture encoder consumed by the stub
// generator. Implementations own a code buffer and a CFI writer.
type MacroAssembler interface {
	CFI() *CFIWriter
	SetEmitRunTimeChecksInDebugMode(enabled bool)

	// Frame lifecycle.
	BuildFrame(frameSize int, methodReg ManagedRegister, calleeSaves []ManagedRegister)
	RemoveFrame(frameSize int, calleeSaves []ManagedRegister, maySuspend bool)
	IncreaseFrameSize(n int)
	DecreaseFrameSize(n int)

	// Data movement.
	Move(dst, src ManagedRegister, size int)
	Load(dst ManagedRegister, src FrameOffset, size int)
	LoadFromOffset(dst, base ManagedRegister, offs MemberOffset, size int)
	LoadRawPtrFromThread(dst ManagedRegister, offs ThreadOffset)
	Store(dst FrameOffset, src ManagedRegister, size int)
	StoreRawPtr(dst FrameOffset, src ManagedRegister)
	StoreToOffset(base ManagedRegister, offs MemberOffset, src ManagedRegister, size int)
	Copy(dst, src FrameOffset, size int)
	SignExtend(reg ManagedRegister, size int)
	ZeroExtend(reg ManagedRegister, size int)

	// Argument shuffling.
	MoveArguments(dests, srcs []ArgumentLocation, refs []FrameOffset)
	CreateJObject(out ManagedRegister, spilledRef FrameOffset, in ManagedRegister, nullAllowed bool)
	CreateJObjectToFrame(out FrameOffset, spilledRef FrameOffset, nullAllowed bool)

	// Thread interaction.
	GetCurrentThread(dst ManagedRegister)
	GetCurrentThreadToFrame(dst FrameOffset)
	StoreStackPointerToThread(offs ThreadOffset)

	// Calls and branches.
	Call(base ManagedRegister, offs MemberOffset)
	CallFromThread(offs ThreadOffset)
	TailCall(base ManagedRegister, offs MemberOffset)
	CreateLabel() *Label
	Bind(l *Label)
	Jump(l *Label)

	// Polls and slow-path tests.
	ExceptionPoll(slowPath *Label)
	SuspendCheck(slowPath *Label)
	DeliverPendingException()
	TestGcMarking(slowPath *Label, cond UnaryCondition)
	TestMarkBit(ref ManagedRegister, target *Label, cond UnaryCondition)

	// Register views.
	CoreRegisterWithSize(reg ManagedRegister, size int) ManagedRegister

	// Finalization.
	FinalizeCode()
	CodeSize() int
	FinalizeInstructions(buf []byte)
}

// NewMacroAssembler returns the encoder for an instruction set.
func NewMacroAssembler(isa InstructionSet, cfi *CFIWriter, layout *RuntimeLayout) (MacroAssembler, error) {
	switch isa {
	case ISAX86:
		return newX86Assembler(4, cfi, layout), nil
	case ISAX86_64:
		return newX86Assembler(8, cfi, layout), nil
	case ISAArm64:
		return newArm64Assembler(cfi, layout), nil
	}
	return nil, fmt.Errorf("no assembler for instruction set %v", isa)
}
