package compiler

// === AArch64 conventions ===
//
// Native calls follow AAPCS64. X19 is the thread register and is never
// touched by the stub; X20-X29 plus the link register form the callee-save
// set along with D8-D15. The managed runtime delivers the method record in
// X0 with arguments from X1 up, mirroring the native sequence shifted by
// one.

var arm64Convention = isaConvention{
	isa:     ISAArm64,
	ptrSize: Ptr64,

	coreArgRegs: []ManagedRegister{
		CoreReg(REG_X0), CoreReg(REG_X1), CoreReg(REG_X2), CoreReg(REG_X3),
		CoreReg(REG_X4), CoreReg(REG_X5), CoreReg(REG_X6), CoreReg(REG_X7),
	},
	fpArgRegs: []ManagedRegister{
		FloatReg(0), FloatReg(1), FloatReg(2), FloatReg(3),
		FloatReg(4), FloatReg(5), FloatReg(6), FloatReg(7),
	},
	stackSlotSize: 8,
	calleeSaves: []ManagedRegister{
		CoreReg(REG_X20), CoreReg(REG_X21), CoreReg(REG_X22), CoreReg(REG_X23),
		CoreReg(REG_X24), CoreReg(REG_X25), CoreReg(REG_X26), CoreReg(REG_X27),
		CoreReg(REG_X28), CoreReg(REG_FP), CoreReg(REG_LR),
	},
	calleeSaveScratch: []ManagedRegister{
		CoreReg(REG_X20), CoreReg(REG_X21), CoreReg(REG_X22), CoreReg(REG_X23),
	},
	fpCalleeSaves: []ManagedRegister{
		FloatReg(8), FloatReg(9), FloatReg(10), FloatReg(11),
		FloatReg(12), FloatReg(13), FloatReg(14), FloatReg(15),
	},
	hiddenArgReg:   CoreReg(REG_X15),
	smallResultExt: true,
	retAddrSize:    0, // return address lives in the saved link register

	methodReg: CoreReg(REG_X0),
	managedCoreArgRegs: []ManagedRegister{
		CoreReg(REG_X1), CoreReg(REG_X2), CoreReg(REG_X3), CoreReg(REG_X4),
		CoreReg(REG_X5), CoreReg(REG_X6), CoreReg(REG_X7),
	},
	managedFpArgRegs: []ManagedRegister{
		FloatReg(0), FloatReg(1), FloatReg(2), FloatReg(3),
		FloatReg(4), FloatReg(5), FloatReg(6), FloatReg(7),
	},
	managedWideInRegs: true,

	nativeReturnReg:  arm64ReturnRegister,
	managedReturnReg: arm64ReturnRegister,
}

func arm64ReturnRegister(p Primitive) ManagedRegister {
	switch p {
	case PrimVoid:
		return NoRegister()
	case PrimFloat, PrimDouble:
		return FloatReg(0)
	default:
		return CoreReg(REG_X0)
	}
}
