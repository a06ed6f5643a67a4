package compiler

// === x86-64 conventions ===
//
// Native calls follow System V AMD64. The managed runtime delivers the
// method record in RDI and shifts the argument registers up by one, so
// the native shuffle is mostly a one-slot rotation.

var x86_64Convention = isaConvention{
	isa:     ISAX86_64,
	ptrSize: Ptr64,

	coreArgRegs: []ManagedRegister{
		CoreReg(REG_RDI), CoreReg(REG_RSI), CoreReg(REG_RDX),
		CoreReg(REG_RCX), CoreReg(REG_R8), CoreReg(REG_R9),
	},
	fpArgRegs: []ManagedRegister{
		FloatReg(0), FloatReg(1), FloatReg(2), FloatReg(3),
		FloatReg(4), FloatReg(5), FloatReg(6), FloatReg(7),
	},
	stackSlotSize: 8,
	calleeSaves: []ManagedRegister{
		CoreReg(REG_RBX), CoreReg(REG_RBP), CoreReg(REG_R12),
		CoreReg(REG_R13), CoreReg(REG_R14), CoreReg(REG_R15),
	},
	calleeSaveScratch: []ManagedRegister{
		CoreReg(REG_RBX), CoreReg(REG_R12), CoreReg(REG_R13), CoreReg(REG_R14),
	},
	fpCalleeSaves:  nil, // System V has no FP callee saves
	hiddenArgReg:   CoreReg(REG_RAX),
	smallResultExt: false,
	retAddrSize:    8,

	methodReg: CoreReg(REG_RDI),
	managedCoreArgRegs: []ManagedRegister{
		CoreReg(REG_RSI), CoreReg(REG_RDX), CoreReg(REG_RCX),
		CoreReg(REG_R8), CoreReg(REG_R9),
	},
	managedFpArgRegs: []ManagedRegister{
		FloatReg(0), FloatReg(1), FloatReg(2), FloatReg(3),
		FloatReg(4), FloatReg(5), FloatReg(6), FloatReg(7),
	},
	managedWideInRegs: true,

	nativeReturnReg:  x86_64ReturnRegister,
	managedReturnReg: x86_64ReturnRegister,
}

func x86_64ReturnRegister(p Primitive) ManagedRegister {
	switch p {
	case PrimVoid:
		return NoRegister()
	case PrimFloat, PrimDouble:
		return FloatReg(0)
	default:
		return CoreReg(REG_RAX)
	}
}
