package compiler

import "fmt"

// === Registers and abstract locations ===

// InstructionSet selects the target architecture.
type InstructionSet int

const (
	ISANone InstructionSet = iota
	ISAX86
	ISAX86_64
	ISAArm64
)

func (isa InstructionSet) String() string {
	switch isa {
	case ISAX86:
		return "x86"
	case ISAX86_64:
		return "x86_64"
	case ISAArm64:
		return "arm64"
	}
	return "none"
}

// Is64Bit reports whether the ISA uses 64-bit pointers.
func (isa InstructionSet) Is64Bit() bool {
	return isa == ISAX86_64 || isa == ISAArm64
}

// PointerSize is the width of a native pointer on the target.
type PointerSize int

const (
	Ptr32 PointerSize = 4
	Ptr64 PointerSize = 8
)

// PointerSizeOf returns the pointer size for an instruction set.
func PointerSizeOf(isa InstructionSet) PointerSize {
	if isa.Is64Bit() {
		return Ptr64
	}
	return Ptr32
}

// Managed object references are compressed to 32 bits on all targets.
const ObjectReferenceSize = 4

// The local-reference-table cookie is a 32-bit segment state.
const IRTCookieSize = 4

type regKind int

const (
	regNone regKind = iota
	regCore
	regFloat
)

// ManagedRegister names a core or floating-point register of the target,
// or no register at all. The zero value is "no register".
type ManagedRegister struct {
	kind regKind
	id   int
	size int // access width in bytes; 0 means the natural width
}

// NoRegister is the empty register value.
func NoRegister() ManagedRegister { return ManagedRegister{} }

// CoreReg names a core register.
func CoreReg(id int) ManagedRegister { return ManagedRegister{kind: regCore, id: id} }

// FloatReg names a floating-point register.
func FloatReg(id int) ManagedRegister { return ManagedRegister{kind: regFloat, id: id} }

func (r ManagedRegister) IsNoRegister() bool { return r.kind == regNone }
func (r ManagedRegister) IsRegister() bool   { return r.kind != regNone }
func (r ManagedRegister) IsCore() bool       { return r.kind == regCore }
func (r ManagedRegister) IsFloat() bool      { return r.kind == regFloat }
func (r ManagedRegister) ID() int            { return r.id }
func (r ManagedRegister) Size() int          { return r.size }

// WithSize returns the same register viewed at the given access width.
func (r ManagedRegister) WithSize(size int) ManagedRegister {
	r.size = size
	return r
}

// Equals compares register identity, ignoring the access width.
func (r ManagedRegister) Equals(o ManagedRegister) bool {
	return r.kind == o.kind && r.id == o.id
}

func (r ManagedRegister) String() string {
	switch r.kind {
	case regNone:
		return "<none>"
	case regFloat:
		return fmt.Sprintf("f%d", r.id)
	default:
		return fmt.Sprintf("r%d", r.id)
	}
}

// FrameOffset is a byte offset from the stack pointer into the current frame.
type FrameOffset uint32

// ThreadOffset is a byte offset into the thread record; used for
// thread-relative loads, stores and indirect entrypoint calls.
type ThreadOffset uint32

// MemberOffset is a byte offset into an object or method record.
type MemberOffset uint32

// InvalidReferenceOffset marks a shuffle entry that carries no reference
// conversion (not a reference, or a register-bound reference).
const InvalidReferenceOffset = FrameOffset(0xFFFFFFFF)

// ArgumentLocation is one endpoint of an argument move: either a register
// or a frame offset, with the access width in bytes.
type ArgumentLocation struct {
	Reg    ManagedRegister
	Offset FrameOffset
	Size   int
}

// RegisterLocation places an argument in a register.
func RegisterLocation(reg ManagedRegister, size int) ArgumentLocation {
	return ArgumentLocation{Reg: reg, Size: size}
}

// StackLocation places an argument at a frame offset.
func StackLocation(offset FrameOffset, size int) ArgumentLocation {
	return ArgumentLocation{Reg: NoRegister(), Offset: offset, Size: size}
}

// IsRegister reports whether the location is a register.
func (l ArgumentLocation) IsRegister() bool { return l.Reg.IsRegister() }

func (l ArgumentLocation) String() string {
	if l.IsRegister() {
		return fmt.Sprintf("%v:%d", l.Reg, l.Size)
	}
	return fmt.Sprintf("[sp+%d]:%d", l.Offset, l.Size)
}

// alignUp aligns v up to the next multiple of align.
func alignUp(v, align int) int {
	return (v + align - 1) & ^(align - 1)
}
