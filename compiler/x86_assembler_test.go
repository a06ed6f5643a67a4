package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestX86(t *testing.T, wordSize int) *x86Assembler {
	t.Helper()
	var ptr PointerSize = Ptr64
	if wordSize == 4 {
		ptr = Ptr32
	}
	return newX86Assembler(wordSize, NewCFIWriter(true), LayoutFor(ptr))
}

func TestX8664MoveEncoding(t *testing.T) {
	g := newTestX86(t, 8)
	g.Move(CoreReg(REG_RAX), CoreReg(REG_RDI), 8)
	assert.Equal(t, []byte{0x48, 0x89, 0xf8}, g.code) // mov rax, rdi

	g = newTestX86(t, 8)
	g.Move(CoreReg(REG_R8), CoreReg(REG_RSI), 8)
	assert.Equal(t, []byte{0x49, 0x89, 0xf0}, g.code) // mov r8, rsi

	// No-op moves are elided.
	g = newTestX86(t, 8)
	g.Move(CoreReg(REG_RAX), CoreReg(REG_RAX), 8)
	assert.Empty(t, g.code)
}

func TestX8664LoadStoreEncoding(t *testing.T) {
	g := newTestX86(t, 8)
	g.Load(CoreReg(REG_RAX), 0, 8)
	assert.Equal(t, []byte{0x48, 0x8b, 0x04, 0x24}, g.code) // mov rax, [rsp]

	g = newTestX86(t, 8)
	g.Store(16, CoreReg(REG_RDI), 8)
	assert.Equal(t, []byte{0x48, 0x89, 0x7c, 0x24, 0x10}, g.code) // mov [rsp+16], rdi

	// 32-bit store drops the REX.W.
	g = newTestX86(t, 8)
	g.Store(8, CoreReg(REG_RSI), 4)
	assert.Equal(t, []byte{0x89, 0x74, 0x24, 0x08}, g.code) // mov [rsp+8], esi
}

func TestX86PairLoadStore(t *testing.T) {
	// A long in EAX:EDX on 32-bit splits into two word accesses.
	g := newTestX86(t, 4)
	g.Store(8, CoreReg(REG_EAX).WithSize(8), 8)
	assert.Equal(t, []byte{
		0x89, 0x44, 0x24, 0x08, // mov [esp+8], eax
		0x89, 0x54, 0x24, 0x0c, // mov [esp+12], edx
	}, g.code)
}

func TestX8664BuildFrame(t *testing.T) {
	g := newTestX86(t, 8)
	saves := []ManagedRegister{CoreReg(REG_RBX), CoreReg(REG_RBP), CoreReg(REG_R12)}
	g.BuildFrame(48, CoreReg(REG_RDI), saves)

	want := []byte{
		0x53,       // push rbx
		0x55,       // push rbp
		0x41, 0x54, // push r12
		0x48, 0x83, 0xec, 0x10, // sub rsp, 16
		0x48, 0x89, 0x3c, 0x24, // mov [rsp], rdi
	}
	assert.Equal(t, want, g.code)
	assert.Equal(t, 48, g.cfi.CurrentCFAOffset())
}

func TestX8664RemoveFrameRestoresCFAForSlowPaths(t *testing.T) {
	g := newTestX86(t, 8)
	saves := []ManagedRegister{CoreReg(REG_RBX)}
	g.BuildFrame(32, NoRegister(), saves)
	g.RemoveFrame(32, saves, true)
	// The epilogue rewinds the CFA for the ret, then restores it so the
	// trailing slow paths unwind correctly.
	assert.Equal(t, 32, g.cfi.CurrentCFAOffset())
	assert.Equal(t, byte(0xc3), g.code[len(g.code)-1])
}

func TestX86LabelPatching(t *testing.T) {
	g := newTestX86(t, 8)
	l := g.CreateLabel()
	g.Jump(l) // forward reference
	g.emitByte(0x90)
	g.Bind(l)
	g.Jump(l) // backward reference
	g.FinalizeCode()

	// Forward: e9 rel32 where rel = target(6) - 5 = 1.
	assert.Equal(t, byte(0xe9), g.code[0])
	assert.Equal(t, []byte{0x01, 0x00, 0x00, 0x00}, g.code[1:5])
	// Backward: rel = 6 - 11 = -5.
	assert.Equal(t, []byte{0xfb, 0xff, 0xff, 0xff}, g.code[7:11])
}

func TestX86UnboundLabelPanics(t *testing.T) {
	g := newTestX86(t, 8)
	l := g.CreateLabel()
	g.Jump(l)
	assert.Panics(t, func() { g.FinalizeCode() })
}

func TestX8664ThreadRelativeOps(t *testing.T) {
	g := newTestX86(t, 8)
	g.CallFromThread(64)
	// call gs:[64] => 65 ff 14 25 40 00 00 00
	assert.Equal(t, []byte{0x65, 0xff, 0x14, 0x25, 0x40, 0x00, 0x00, 0x00}, g.code)

	g = newTestX86(t, 4)
	g.CallFromThread(64)
	// call fs:[64] => 64 ff 15 40 00 00 00
	assert.Equal(t, []byte{0x64, 0xff, 0x15, 0x40, 0x00, 0x00, 0x00}, g.code)
}

func TestX8664IndirectCallAndTailCall(t *testing.T) {
	g := newTestX86(t, 8)
	g.Call(CoreReg(REG_RAX), 16)
	assert.Equal(t, []byte{0xff, 0x50, 0x10}, g.code) // call [rax+16]

	g = newTestX86(t, 8)
	g.TailCall(CoreReg(REG_RAX), 16)
	assert.Equal(t, []byte{0xff, 0x60, 0x10}, g.code) // jmp [rax+16]
}

func TestArm64Encodings(t *testing.T) {
	layout := LayoutFor(Ptr64)
	g := newArm64Assembler(NewCFIWriter(true), layout)

	// ldr x0, [x19, #24]
	g.LoadRawPtrFromThread(CoreReg(REG_X0), 24)
	assert.Equal(t, []byte{0x60, 0x0e, 0x40, 0xf9}, g.code)

	// mov x1, x2
	g = newArm64Assembler(NewCFIWriter(true), layout)
	g.Move(CoreReg(REG_X1), CoreReg(REG_X2), 8)
	assert.Equal(t, []byte{0xe1, 0x03, 0x02, 0xaa}, g.code)

	// blr x16 via an indirect call through [x0+16]
	g = newArm64Assembler(NewCFIWriter(true), layout)
	g.Call(CoreReg(REG_X0), 16)
	require.Len(t, g.code, 8)
	assert.Equal(t, []byte{0x10, 0x08, 0x40, 0xf9}, g.code[:4]) // ldr x16, [x0, #16]
	assert.Equal(t, []byte{0x00, 0x02, 0x3f, 0xd6}, g.code[4:]) // blr x16
}

func TestArm64BranchPatching(t *testing.T) {
	layout := LayoutFor(Ptr64)
	g := newArm64Assembler(NewCFIWriter(true), layout)
	l := g.CreateLabel()
	g.Jump(l)
	g.movRR(REG_X0, REG_X1, 8)
	g.Bind(l)
	g.FinalizeCode()

	// B #+8 => 0x14000002
	assert.Equal(t, []byte{0x02, 0x00, 0x00, 0x14}, g.code[:4])
}

func TestArm64FrameRoundTrip(t *testing.T) {
	layout := LayoutFor(Ptr64)
	g := newArm64Assembler(NewCFIWriter(true), layout)
	saves := []ManagedRegister{CoreReg(REG_X20), CoreReg(REG_LR), FloatReg(8)}
	g.BuildFrame(64, CoreReg(REG_X0), saves)
	assert.Equal(t, 64, g.cfi.CurrentCFAOffset())
	g.RemoveFrame(64, saves, true)
	assert.Equal(t, 64, g.cfi.CurrentCFAOffset())
}
