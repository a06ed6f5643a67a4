package compiler

import "fmt"

// === Calling conventions: managed-runtime and native argument iteration ===
//
// Two conventions are in play for every stub. The managed-runtime
// convention describes how the runtime delivered the incoming call: the
// method record in a fixed register, arguments in core/fp registers and in
// 4-byte vreg slots in the caller frame. The native convention describes
// how the C callee wants its arguments: the platform ABI, with the JNIEnv*
// and jclass/jobject slots prepended for non-critical methods.
//
// Both are exposed as resettable iterators so the generator can walk the
// same argument list under each convention in lock step.

// isaConvention is the per-architecture table both iterators draw from.
type isaConvention struct {
	isa     InstructionSet
	ptrSize PointerSize

	// Native ABI.
	coreArgRegs       []ManagedRegister
	fpArgRegs         []ManagedRegister
	stackSlotSize     int // granule for native stack arguments
	calleeSaves       []ManagedRegister
	calleeSaveScratch []ManagedRegister
	fpCalleeSaves     []ManagedRegister
	hiddenArgReg      ManagedRegister
	smallResultExt    bool
	retAddrSize       int // 0 when the return address lives in a saved register

	// Managed runtime ABI.
	methodReg          ManagedRegister
	managedCoreArgRegs []ManagedRegister
	managedFpArgRegs   []ManagedRegister
	managedWideInRegs  bool // long/double may occupy a single core/fp register

	nativeReturnReg  func(Primitive) ManagedRegister
	managedReturnReg func(Primitive) ManagedRegister
}

func conventionFor(isa InstructionSet) (*isaConvention, error) {
	switch isa {
	case ISAX86:
		return &x86Convention, nil
	case ISAX86_64:
		return &x86_64Convention, nil
	case ISAArm64:
		return &arm64Convention, nil
	}
	return nil, fmt.Errorf("unsupported instruction set %v", isa)
}

// === Managed-runtime convention ===

// ManagedRuntimeCallingConvention iterates the arguments as the managed
// caller delivered them. Position 0 is `this` for instance methods.
type ManagedRuntimeCallingConvention interface {
	MethodRegister() ManagedRegister
	MethodStackOffset() FrameOffset
	ReturnRegister() ManagedRegister
	SizeOfReturnValue() int

	Reset(displacement FrameOffset)
	HasNext() bool
	Next()
	IsCurrentParamInRegister() bool
	IsCurrentParamOnStack() bool
	CurrentParamRegister() ManagedRegister
	CurrentParamStackOffset() FrameOffset
	IsCurrentParamAReference() bool
	IsCurrentParamALongOrDouble() bool
}

type managedParam struct {
	prim Primitive
	reg  ManagedRegister // no register when passed on the stack
	slot int             // index of the first 4-byte vreg slot
}

type managedConvention struct {
	conv         *isaConvention
	attrs        *MethodAttributes
	params       []managedParam
	returnType   Primitive
	displacement FrameOffset
	itr          int
}

// NewManagedRuntimeCallingConvention builds the iterator for the incoming
// managed call.
func NewManagedRuntimeCallingConvention(attrs *MethodAttributes, isa InstructionSet) (ManagedRuntimeCallingConvention, error) {
	conv, err := conventionFor(isa)
	if err != nil {
		return nil, err
	}
	mc := &managedConvention{conv: conv, attrs: attrs, returnType: attrs.ReturnType()}
	mc.assignParams()
	return mc, nil
}

// assignParams fixes the register/slot assignment of every argument once.
// Register arguments still own a vreg slot so they can be spilled in place.
func (mc *managedConvention) assignParams() {
	conv := mc.conv
	slot := 0
	coreUsed := 0
	fpUsed := 0
	addParam := func(prim Primitive) {
		p := managedParam{prim: prim, slot: slot}
		wide := prim == PrimLong || prim == PrimDouble
		fp := prim == PrimFloat || prim == PrimDouble
		switch {
		case fp && (!wide || conv.managedWideInRegs) && fpUsed < len(conv.managedFpArgRegs):
			p.reg = conv.managedFpArgRegs[fpUsed]
			fpUsed++
		case !fp && (!wide || conv.managedWideInRegs) && coreUsed < len(conv.managedCoreArgRegs):
			p.reg = conv.managedCoreArgRegs[coreUsed]
			coreUsed++
		}
		mc.params = append(mc.params, p)
		if wide {
			slot += 2
		} else {
			slot++
		}
	}
	if !mc.attrs.IsStatic {
		addParam(PrimNot) // this
	}
	for i := 1; i < len(mc.attrs.Shorty); i++ {
		prim, _ := PrimitiveForShortyChar(mc.attrs.Shorty[i])
		addParam(prim)
	}
}

func (mc *managedConvention) MethodRegister() ManagedRegister { return mc.conv.methodReg }

// MethodStackOffset is where BuildFrame stores the method record,
// relative to the bottom of the managed frame.
func (mc *managedConvention) MethodStackOffset() FrameOffset { return 0 }

func (mc *managedConvention) ReturnRegister() ManagedRegister {
	return mc.conv.managedReturnReg(mc.returnType)
}

func (mc *managedConvention) SizeOfReturnValue() int {
	switch mc.returnType {
	case PrimVoid:
		return 0
	case PrimNot:
		return ObjectReferenceSize
	case PrimLong, PrimDouble:
		return 8
	default:
		return 4
	}
}

func (mc *managedConvention) Reset(displacement FrameOffset) {
	mc.displacement = displacement
	mc.itr = 0
}

func (mc *managedConvention) HasNext() bool { return mc.itr < len(mc.params) }
func (mc *managedConvention) Next()         { mc.itr++ }

func (mc *managedConvention) current() managedParam { return mc.params[mc.itr] }

func (mc *managedConvention) IsCurrentParamInRegister() bool { return mc.current().reg.IsRegister() }
func (mc *managedConvention) IsCurrentParamOnStack() bool    { return !mc.IsCurrentParamInRegister() }
func (mc *managedConvention) CurrentParamRegister() ManagedRegister {
	return mc.current().reg
}

// CurrentParamStackOffset is the argument's vreg slot in the caller frame:
// above the return address and the method slot at the given displacement.
func (mc *managedConvention) CurrentParamStackOffset() FrameOffset {
	return mc.displacement + FrameOffset(int(mc.conv.ptrSize)+mc.current().slot*4)
}

func (mc *managedConvention) IsCurrentParamAReference() bool { return mc.current().prim == PrimNot }
func (mc *managedConvention) IsCurrentParamALongOrDouble() bool {
	p := mc.current().prim
	return p == PrimLong || p == PrimDouble
}

// === Native (JNI) convention ===

// JniCallingConvention iterates the arguments as the native callee wants
// them. For non-critical methods positions 0 and 1 are the JNIEnv* and the
// jclass/this slot; critical methods expose only the declared parameters.
type JniCallingConvention interface {
	FrameSize() int
	OutFrameSize() int
	CalleeSaveRegisters() []ManagedRegister
	CalleeSaveScratchRegisters() []ManagedRegister
	CoreSpillMask() uint32
	FpSpillMask() uint32

	ReturnRegister() ManagedRegister
	SpillsReturnValue() bool
	ReturnValueSaveLocation() FrameOffset
	RequiresSmallResultTypeExtension() bool
	HasSmallReturnType() bool
	GetReturnType() Primitive
	SizeOfReturnValue() int

	UseTailCall() bool
	HiddenArgumentRegister() ManagedRegister

	Reset(displacement FrameOffset)
	HasNext() bool
	Next()
	IsCurrentParamInRegister() bool
	IsCurrentParamOnStack() bool
	CurrentParamRegister() ManagedRegister
	CurrentParamStackOffset() FrameOffset
	CurrentParamSize() int
	IsCurrentParamAReference() bool
	IsCurrentParamALongOrDouble() bool
}

type jniParam struct {
	prim     Primitive
	size     int
	reg      ManagedRegister // no register when passed on the stack
	stackOff int             // byte offset into the out-args area, -1 when in a register
}

type jniConvention struct {
	conv         *isaConvention
	attrs        *MethodAttributes
	params       []jniParam
	returnType   Primitive
	outArgSize   int
	displacement FrameOffset
	itr          int
}

// NewJniCallingConvention builds the iterator for one native call. The
// shorty may be synthetic (`V`, `I`, `IL`) when building the MethodEnd
// convention.
func NewJniCallingConvention(attrs *MethodAttributes, shorty string, isa InstructionSet) (JniCallingConvention, error) {
	conv, err := conventionFor(isa)
	if err != nil {
		return nil, err
	}
	if !attrs.IsCriticalNative && len(conv.calleeSaveScratch) < 3 {
		// The emitter needs the env pointer, the saved cookie and a temp
		// to survive runtime calls.
		return nil, fmt.Errorf("%v: need at least 3 callee-save scratch registers, have %d",
			isa, len(conv.calleeSaveScratch))
	}
	retType, err := PrimitiveForShortyChar(shorty[0])
	if err != nil {
		return nil, err
	}
	jc := &jniConvention{conv: conv, attrs: attrs, returnType: retType}
	jc.assignParams(shorty)
	return jc, nil
}

// assignParams lays out the full native argument list: JNIEnv* and the
// jclass/this slot first unless critical-native, then the declared
// parameters, walking the platform ABI's register and stack sequence.
func (jc *jniConvention) assignParams(shorty string) {
	conv := jc.conv
	coreUsed := 0
	fpUsed := 0
	stackBytes := 0
	addParam := func(prim Primitive, size int) {
		p := jniParam{prim: prim, size: size, stackOff: -1}
		fp := prim == PrimFloat || prim == PrimDouble
		var pool []ManagedRegister
		var used *int
		if fp {
			pool, used = conv.fpArgRegs, &fpUsed
		} else {
			pool, used = conv.coreArgRegs, &coreUsed
		}
		if *used < len(pool) {
			p.reg = pool[*used]
			*used++
		} else {
			p.stackOff = stackBytes
			stackBytes += alignUp(size, conv.stackSlotSize)
		}
		jc.params = append(jc.params, p)
	}
	ptr := int(conv.ptrSize)
	if !jc.attrs.IsCriticalNative {
		addParam(PrimVoid, ptr) // JNIEnv*
		addParam(PrimNot, ptr)  // jclass or this
	}
	for i := 1; i < len(shorty); i++ {
		prim, _ := PrimitiveForShortyChar(shorty[i])
		size := 4
		switch prim {
		case PrimLong, PrimDouble:
			size = 8
		case PrimNot:
			size = ptr // references travel as jobject handles
		}
		addParam(prim, size)
	}
	jc.outArgSize = jc.roundOutArgs(stackBytes)
}

// roundOutArgs aligns the outgoing-args area. A critical-native stub's
// frame is its out-args area, so on the x86 family the area also holds the
// pushed return address; rounding the sum to 16 keeps the call site 16-byte
// aligned. Everything else rounds to 16 directly.
func (jc *jniConvention) roundOutArgs(stackBytes int) int {
	if jc.attrs.IsCriticalNative && jc.conv.retAddrSize != 0 {
		return alignUp(stackBytes+jc.conv.retAddrSize, 16)
	}
	return alignUp(stackBytes, 16)
}

// FrameSize is the managed-visible stub frame: method record, the
// return-value spill slot, callee saves and the return address.
func (jc *jniConvention) FrameSize() int {
	conv := jc.conv
	if jc.attrs.IsCriticalNative {
		return jc.outArgSize
	}
	size := int(conv.ptrSize) // method record
	size += 8                 // return-value spill slot
	size += len(conv.calleeSaves) * int(conv.ptrSize)
	size += len(conv.fpCalleeSaves) * 8
	size += conv.retAddrSize
	return alignUp(size, 16)
}

func (jc *jniConvention) OutFrameSize() int { return jc.outArgSize }

func (jc *jniConvention) CalleeSaveRegisters() []ManagedRegister {
	if jc.attrs.IsCriticalNative {
		// Critical stubs call nothing that clobbers callee saves.
		return nil
	}
	return jc.conv.calleeSaves
}

func (jc *jniConvention) CalleeSaveScratchRegisters() []ManagedRegister {
	if jc.attrs.IsCriticalNative {
		return nil
	}
	return jc.conv.calleeSaveScratch
}

func (jc *jniConvention) CoreSpillMask() uint32 {
	var mask uint32
	for _, r := range jc.CalleeSaveRegisters() {
		mask |= 1 << uint(r.ID())
	}
	return mask
}

func (jc *jniConvention) FpSpillMask() uint32 {
	if jc.attrs.IsCriticalNative {
		return 0
	}
	var mask uint32
	for _, r := range jc.conv.fpCalleeSaves {
		mask |= 1 << uint(r.ID())
	}
	return mask
}

func (jc *jniConvention) ReturnRegister() ManagedRegister {
	return jc.conv.nativeReturnReg(jc.returnType)
}

// SpillsReturnValue reports whether the return value must be saved around
// the MethodEnd runtime call. Fast- and critical-native skip that call;
// a returned reference is consumed by the call itself, which hands back
// the decoded result in the return register.
func (jc *jniConvention) SpillsReturnValue() bool {
	return !jc.attrs.IsCriticalNative && !jc.attrs.IsFastNative &&
		jc.SizeOfReturnValue() != 0 && jc.returnType != PrimNot
}

// ReturnValueSaveLocation is the spill slot just above the method record.
func (jc *jniConvention) ReturnValueSaveLocation() FrameOffset {
	return jc.displacement + FrameOffset(jc.conv.ptrSize)
}

func (jc *jniConvention) RequiresSmallResultTypeExtension() bool {
	return jc.conv.smallResultExt && jc.HasSmallReturnType()
}

func (jc *jniConvention) HasSmallReturnType() bool {
	switch jc.returnType {
	case PrimBoolean, PrimByte, PrimChar, PrimShort:
		return true
	}
	return false
}

func (jc *jniConvention) GetReturnType() Primitive { return jc.returnType }

func (jc *jniConvention) SizeOfReturnValue() int {
	switch jc.returnType {
	case PrimVoid:
		return 0
	case PrimNot:
		return int(jc.conv.ptrSize) // jobject
	case PrimLong, PrimDouble:
		return 8
	default:
		return 4
	}
}

// UseTailCall lets a critical-native stub jump straight to the native code
// when it needs no frame of its own and the result needs no width fix-up
// after the call.
func (jc *jniConvention) UseTailCall() bool {
	return jc.attrs.IsCriticalNative && jc.outArgSize == 0 &&
		!jc.RequiresSmallResultTypeExtension()
}

func (jc *jniConvention) HiddenArgumentRegister() ManagedRegister {
	return jc.conv.hiddenArgReg
}

func (jc *jniConvention) Reset(displacement FrameOffset) {
	jc.displacement = displacement
	jc.itr = 0
}

func (jc *jniConvention) HasNext() bool { return jc.itr < len(jc.params) }
func (jc *jniConvention) Next()         { jc.itr++ }

func (jc *jniConvention) current() jniParam { return jc.params[jc.itr] }

func (jc *jniConvention) IsCurrentParamInRegister() bool { return jc.current().reg.IsRegister() }
func (jc *jniConvention) IsCurrentParamOnStack() bool    { return !jc.IsCurrentParamInRegister() }
func (jc *jniConvention) CurrentParamRegister() ManagedRegister {
	return jc.current().reg
}

// CurrentParamStackOffset is the stack-pointer-relative slot in the
// outgoing-args area.
func (jc *jniConvention) CurrentParamStackOffset() FrameOffset {
	return jc.displacement - FrameOffset(jc.outArgSize) + FrameOffset(jc.current().stackOff)
}

func (jc *jniConvention) CurrentParamSize() int          { return jc.current().size }
func (jc *jniConvention) IsCurrentParamAReference() bool { return jc.current().prim == PrimNot }
func (jc *jniConvention) IsCurrentParamALongOrDouble() bool {
	p := jc.current().prim
	return p == PrimLong || p == PrimDouble
}

// jniEndShorty selects the synthetic shorty of the MethodEnd runtime call:
// it receives the returned reference (if any) and the lock object (if
// synchronized), always followed by the current thread.
func jniEndShorty(referenceReturn, isSynchronized bool) string {
	switch {
	case referenceReturn && isSynchronized:
		return "IL"
	case referenceReturn:
		return "I"
	default:
		return "V"
	}
}
