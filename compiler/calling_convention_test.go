package compiler

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func mustAttrs(t *testing.T, flags uint32, shorty string) *MethodAttributes {
	t.Helper()
	attrs, err := ParseMethodAttributes(flags|AccNative, shorty)
	require.NoError(t, err)
	return attrs
}

func TestJniConventionX8664StaticWalk(t *testing.T) {
	attrs := mustAttrs(t, AccStatic, "VIJLD")
	jc, err := NewJniCallingConvention(attrs, attrs.Shorty, ISAX86_64)
	require.NoError(t, err)

	jc.Reset(FrameOffset(jc.OutFrameSize()))

	// JNIEnv* in RDI.
	require.True(t, jc.HasNext())
	assert.True(t, jc.IsCurrentParamInRegister())
	assert.Equal(t, CoreReg(REG_RDI), jc.CurrentParamRegister())
	assert.False(t, jc.IsCurrentParamAReference())
	assert.Equal(t, 8, jc.CurrentParamSize())
	jc.Next()

	// jclass in RSI.
	assert.Equal(t, CoreReg(REG_RSI), jc.CurrentParamRegister())
	assert.True(t, jc.IsCurrentParamAReference())
	jc.Next()

	// int in RDX.
	assert.Equal(t, CoreReg(REG_RDX), jc.CurrentParamRegister())
	assert.Equal(t, 4, jc.CurrentParamSize())
	jc.Next()

	// long in RCX.
	assert.Equal(t, CoreReg(REG_RCX), jc.CurrentParamRegister())
	assert.True(t, jc.IsCurrentParamALongOrDouble())
	assert.Equal(t, 8, jc.CurrentParamSize())
	jc.Next()

	// reference in R8, pointer-sized as a jobject.
	assert.Equal(t, CoreReg(REG_R8), jc.CurrentParamRegister())
	assert.True(t, jc.IsCurrentParamAReference())
	assert.Equal(t, 8, jc.CurrentParamSize())
	jc.Next()

	// double in XMM0.
	assert.Equal(t, FloatReg(0), jc.CurrentParamRegister())
	assert.True(t, jc.IsCurrentParamALongOrDouble())
	jc.Next()

	assert.False(t, jc.HasNext())
	assert.Equal(t, 0, jc.OutFrameSize())
}

func TestJniConventionX86AllOnStack(t *testing.T) {
	attrs := mustAttrs(t, AccStatic, "VIJ")
	jc, err := NewJniCallingConvention(attrs, attrs.Shorty, ISAX86)
	require.NoError(t, err)

	jc.Reset(FrameOffset(jc.OutFrameSize()))

	wantOffsets := []FrameOffset{0, 4, 8, 12}
	for i, want := range wantOffsets {
		require.True(t, jc.HasNext(), "param %d", i)
		assert.True(t, jc.IsCurrentParamOnStack(), "param %d", i)
		assert.Equal(t, want, jc.CurrentParamStackOffset(), "param %d", i)
		jc.Next()
	}
	assert.False(t, jc.HasNext())
	// env + jclass + int + long = 20 bytes, aligned to 16.
	assert.Equal(t, 32, jc.OutFrameSize())
}

func TestJniConventionStackOverflowArgs(t *testing.T) {
	// Ten ints: env + jclass + 6 regs are not enough on x86-64.
	attrs := mustAttrs(t, AccStatic, "VIIIIIIIIII")
	jc, err := NewJniCallingConvention(attrs, attrs.Shorty, ISAX86_64)
	require.NoError(t, err)

	jc.Reset(FrameOffset(jc.OutFrameSize()))
	inRegs, onStack := 0, 0
	for jc.HasNext() {
		if jc.IsCurrentParamInRegister() {
			inRegs++
		} else {
			onStack++
		}
		jc.Next()
	}
	assert.Equal(t, 6, inRegs)
	assert.Equal(t, 6, onStack)
	// Six stack slots of 8 bytes each.
	assert.Equal(t, 48, jc.OutFrameSize())
}

func TestManagedConventionX8664Instance(t *testing.T) {
	attrs := mustAttrs(t, 0, "VIJ")
	mc, err := NewManagedRuntimeCallingConvention(attrs, ISAX86_64)
	require.NoError(t, err)

	assert.Equal(t, CoreReg(REG_RDI), mc.MethodRegister())
	assert.Equal(t, FrameOffset(0), mc.MethodStackOffset())

	mc.Reset(100)

	// `this` in RSI, vreg slot just above the method slot.
	require.True(t, mc.HasNext())
	assert.True(t, mc.IsCurrentParamAReference())
	assert.Equal(t, CoreReg(REG_RSI), mc.CurrentParamRegister())
	assert.Equal(t, FrameOffset(108), mc.CurrentParamStackOffset())
	mc.Next()

	// int in RDX, slot 1.
	assert.Equal(t, CoreReg(REG_RDX), mc.CurrentParamRegister())
	assert.Equal(t, FrameOffset(112), mc.CurrentParamStackOffset())
	assert.False(t, mc.IsCurrentParamALongOrDouble())
	mc.Next()

	// long in RCX, slots 2-3.
	assert.Equal(t, CoreReg(REG_RCX), mc.CurrentParamRegister())
	assert.Equal(t, FrameOffset(116), mc.CurrentParamStackOffset())
	assert.True(t, mc.IsCurrentParamALongOrDouble())
	mc.Next()

	assert.False(t, mc.HasNext())
}

func TestManagedConventionX86WideOnStack(t *testing.T) {
	attrs := mustAttrs(t, AccStatic, "VJID")
	mc, err := NewManagedRuntimeCallingConvention(attrs, ISAX86)
	require.NoError(t, err)

	mc.Reset(0)

	// long: no wide registers on x86, stays in its vreg slots.
	assert.True(t, mc.IsCurrentParamOnStack())
	assert.Equal(t, FrameOffset(4), mc.CurrentParamStackOffset())
	mc.Next()

	// int: first core argument register.
	assert.Equal(t, CoreReg(REG_ECX), mc.CurrentParamRegister())
	assert.Equal(t, FrameOffset(12), mc.CurrentParamStackOffset())
	mc.Next()

	// double: on stack as well.
	assert.True(t, mc.IsCurrentParamOnStack())
	assert.Equal(t, FrameOffset(16), mc.CurrentParamStackOffset())
}

func TestCalleeSaveScratchAvailable(t *testing.T) {
	for _, isa := range []InstructionSet{ISAX86, ISAX86_64, ISAArm64} {
		attrs := mustAttrs(t, 0, "V")
		jc, err := NewJniCallingConvention(attrs, attrs.Shorty, isa)
		require.NoError(t, err, "%v", isa)
		assert.GreaterOrEqual(t, len(jc.CalleeSaveScratchRegisters()), 3, "%v", isa)
		// Scratch registers come from the callee-save set.
		saves := jc.CalleeSaveRegisters()
		for _, s := range jc.CalleeSaveScratchRegisters() {
			found := false
			for _, r := range saves {
				if r.Equals(s) {
					found = true
				}
			}
			assert.True(t, found, "%v: scratch %v not callee-save", isa, s)
		}
	}
}

func TestFrameSizesAligned(t *testing.T) {
	shorties := []string{"V", "I", "LIJFD", "VDDDDDDDDDD", "JLLLLLLLLL"}
	for _, isa := range []InstructionSet{ISAX86, ISAX86_64, ISAArm64} {
		for _, shorty := range shorties {
			attrs := mustAttrs(t, 0, shorty)
			jc, err := NewJniCallingConvention(attrs, attrs.Shorty, isa)
			require.NoError(t, err)
			assert.Zero(t, jc.FrameSize()%16, "%v %s frame %d", isa, shorty, jc.FrameSize())
			assert.Zero(t, jc.OutFrameSize()%4, "%v %s out %d", isa, shorty, jc.OutFrameSize())
		}
	}
}

func TestCriticalNativeConvention(t *testing.T) {
	attrs := mustAttrs(t, AccStatic|AccCriticalNative, "II")

	// arm64 tail-calls when nothing spills to the stack.
	jc, err := NewJniCallingConvention(attrs, attrs.Shorty, ISAArm64)
	require.NoError(t, err)
	assert.True(t, jc.UseTailCall())
	assert.Empty(t, jc.CalleeSaveRegisters())
	assert.Zero(t, jc.CoreSpillMask())
	assert.Zero(t, jc.FpSpillMask())
	assert.Equal(t, CoreReg(REG_X15), jc.HiddenArgumentRegister())

	// The x86 family keeps a frame for the pushed return address.
	jc64, err := NewJniCallingConvention(attrs, attrs.Shorty, ISAX86_64)
	require.NoError(t, err)
	assert.False(t, jc64.UseTailCall())
	assert.NotZero(t, jc64.OutFrameSize())
}

func TestSpillsReturnValue(t *testing.T) {
	tests := []struct {
		flags  uint32
		shorty string
		want   bool
	}{
		{0, "I", true},
		{0, "J", true},
		{0, "V", false},
		{0, "L", false}, // the MethodEnd call consumes and replaces it
		{AccFastNative, "I", false},
		{AccStatic | AccCriticalNative, "I", false},
	}
	for _, tc := range tests {
		attrs := mustAttrs(t, tc.flags, tc.shorty)
		jc, err := NewJniCallingConvention(attrs, attrs.Shorty, ISAX86_64)
		require.NoError(t, err)
		assert.Equal(t, tc.want, jc.SpillsReturnValue(), "flags=%#x shorty=%s", tc.flags, tc.shorty)
	}
}

func TestSmallResultExtension(t *testing.T) {
	for _, shorty := range []string{"Z", "B", "C", "S"} {
		attrs := mustAttrs(t, AccStatic, shorty)
		arm, err := NewJniCallingConvention(attrs, attrs.Shorty, ISAArm64)
		require.NoError(t, err)
		assert.True(t, arm.HasSmallReturnType(), shorty)
		assert.True(t, arm.RequiresSmallResultTypeExtension(), shorty)

		x64, err := NewJniCallingConvention(attrs, attrs.Shorty, ISAX86_64)
		require.NoError(t, err)
		assert.False(t, x64.RequiresSmallResultTypeExtension(), shorty)
	}

	attrs := mustAttrs(t, AccStatic, "I")
	arm, err := NewJniCallingConvention(attrs, attrs.Shorty, ISAArm64)
	require.NoError(t, err)
	assert.False(t, arm.HasSmallReturnType())
	assert.False(t, arm.RequiresSmallResultTypeExtension())
}
