package compiler

// === x86 (32-bit) conventions ===
//
// Native calls are cdecl: every argument on the stack in 4-byte slots.
// The managed runtime delivers the method record in EAX and the first
// three narrow core arguments in ECX, EDX and EBX; wide arguments stay in
// their vreg slots.

var x86Convention = isaConvention{
	isa:     ISAX86,
	ptrSize: Ptr32,

	coreArgRegs:   nil, // cdecl passes everything on the stack
	fpArgRegs:     nil,
	stackSlotSize: 4,
	calleeSaves: []ManagedRegister{
		CoreReg(REG_EBP), CoreReg(REG_ESI), CoreReg(REG_EDI), CoreReg(REG_EBX),
	},
	calleeSaveScratch: []ManagedRegister{
		CoreReg(REG_EBP), CoreReg(REG_ESI), CoreReg(REG_EDI),
	},
	fpCalleeSaves:  nil,
	hiddenArgReg:   CoreReg(REG_EAX),
	smallResultExt: false,
	retAddrSize:    4,

	methodReg: CoreReg(REG_EAX),
	managedCoreArgRegs: []ManagedRegister{
		CoreReg(REG_ECX), CoreReg(REG_EDX), CoreReg(REG_EBX),
	},
	managedFpArgRegs: []ManagedRegister{
		FloatReg(0), FloatReg(1), FloatReg(2), FloatReg(3),
	},
	managedWideInRegs: false,

	nativeReturnReg:  x86ReturnRegister,
	managedReturnReg: x86ReturnRegister,
}

// x86ReturnRegister models the EAX:EDX pair for longs as EAX viewed at
// 8 bytes; the assembler splits the access.
func x86ReturnRegister(p Primitive) ManagedRegister {
	switch p {
	case PrimVoid:
		return NoRegister()
	case PrimFloat, PrimDouble:
		return FloatReg(0)
	case PrimLong:
		return CoreReg(REG_EAX).WithSize(8)
	default:
		return CoreReg(REG_EAX)
	}
}
