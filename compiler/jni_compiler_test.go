package compiler

import (
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func compileForTest(t *testing.T, isa InstructionSet, flags uint32, shorty string, rb ReadBarrierKind) *JniCompiledMethod {
	t.Helper()
	attrs, err := ParseMethodAttributes(flags|AccNative, shorty)
	require.NoError(t, err)
	opts := &CompilerOptions{
		InstructionSet:    isa,
		ReadBarrier:       rb,
		GenerateDebugInfo: true,
		RecordTrace:       true,
	}
	method, err := CompileJniStubForAttributes(opts, attrs)
	require.NoError(t, err)
	require.NotEmpty(t, method.Code)
	return method
}

func opIndex(trace []string, from int, prefix string) int {
	for i := from; i < len(trace); i++ {
		if strings.HasPrefix(trace[i], prefix) {
			return i
		}
	}
	return -1
}

func hasOpContaining(trace []string, substr string) bool {
	for _, op := range trace {
		if strings.Contains(op, substr) {
			return true
		}
	}
	return false
}

// requireOpOrder asserts that ops with the given prefixes appear in the
// trace in the given order (not necessarily adjacent).
func requireOpOrder(t *testing.T, trace []string, prefixes ...string) {
	t.Helper()
	idx := 0
	for _, p := range prefixes {
		next := opIndex(trace, idx, p)
		require.NotEqual(t, -1, next, "op %q not found after index %d in trace:\n%s",
			p, idx, strings.Join(trace, "\n"))
		idx = next + 1
	}
}

func requireNoOp(t *testing.T, trace []string, prefix string) {
	t.Helper()
	require.Equal(t, -1, opIndex(trace, 0, prefix),
		"op %q must not appear in trace:\n%s", prefix, strings.Join(trace, "\n"))
}

// callsEntrypoint reports whether the trace calls the given thread-local
// entrypoint, either through a register holding the thread or directly
// thread-relative.
func callsEntrypoint(trace []string, layout *RuntimeLayout, e Entrypoint) bool {
	off := layout.EntrypointOffset(e)
	direct := fmt.Sprintf("CallFromThread(thread+%d)", off)
	indirect := fmt.Sprintf("+%d])", off)
	for _, op := range trace {
		if op == direct {
			return true
		}
		if strings.HasPrefix(op, "Call([") && strings.HasSuffix(op, indirect) {
			return true
		}
	}
	return false
}

// Scenario: static ()V critical-native on a 64-bit target. The stub is a
// frame, a hidden-argument move and one indirect call; no transition, no
// reference frame, no polls.
func TestCriticalNativeStaticVoid64(t *testing.T) {
	m := compileForTest(t, ISAX86_64, AccStatic|AccCriticalNative, "V", ReadBarrierBaker)
	trace := m.Trace

	entry := EntryPointFromJniOffset(Ptr64)
	requireOpOrder(t, trace,
		"BuildFrame(size=16, method=none, saves=[])",
		"MoveArguments(r0:8<-r7:8)",
		fmt.Sprintf("Call([r0+%d])", entry),
		"RemoveFrame(size=16, saves=[], may_suspend=false)",
	)
	requireNoOp(t, trace, "LoadRawPtrFromThread")
	requireNoOp(t, trace, "StoreStackPointerToThread")
	requireNoOp(t, trace, "ExceptionPoll")
	requireNoOp(t, trace, "SuspendCheck")
	requireNoOp(t, trace, "CreateJObject")
	requireNoOp(t, trace, "CallFromThread")
	requireNoOp(t, trace, "IncreaseFrameSize")
	requireNoOp(t, trace, "TestGcMarking")

	assert.Zero(t, m.CoreSpillMask)
	assert.Zero(t, m.FpSpillMask)
}

// Scenario: instance (Ljava/lang/Object;)I plain native, synchronized, on
// 32-bit x86. Exercises the full transition protocol: this spilled in
// place, the reference parameter converted on the stack, both MethodStart
// and MethodEnd synchronized entrypoints, and return-value spill/reload.
func TestPlainNativeSynchronizedInstance32(t *testing.T) {
	m := compileForTest(t, ISAX86, AccSynchronized, "IL", ReadBarrierBaker)
	trace := m.Trace
	layout := LayoutFor(Ptr32)

	// Managed frame and out-args area for this signature.
	const frameSize = 32
	const outSize = 16
	requireOpOrder(t, trace,
		fmt.Sprintf("BuildFrame(size=%d, method=r0,", frameSize),
		fmt.Sprintf("StoreStackPointerToThread(thread+%d)", layout.TopOfManagedStackOffset()),
		fmt.Sprintf("IncreaseFrameSize(%d)", outSize),
		"MoveArguments(",
		"CreateJObject([sp+0], ref@52, null_allowed=false)", // `this` for locking
		"GetCurrentThread([sp+4])",
		fmt.Sprintf("CallFromThread(thread+%d)", layout.EntrypointOffset(EntryJniMethodStartSynchronized)),
		"ExceptionPoll(",
		fmt.Sprintf("LoadRawPtrFromThread(r5, thread+%d)", layout.JniEnvOffset()),
		fmt.Sprintf("Call([r7+%d])", EntryPointFromJniOffset(Ptr32)),
		"Store([sp+20], r0, 4)", // spill the int return
		fmt.Sprintf("CallFromThread(thread+%d)", layout.EntrypointOffset(EntryJniMethodEndSynchronized)),
		"Load(r0, [sp+20], 4)", // reload it
		fmt.Sprintf("DecreaseFrameSize(%d)", outSize),
		"ExceptionPoll(",
		fmt.Sprintf("RemoveFrame(size=%d,", frameSize),
		"DeliverPendingException()",
	)

	// The reference parameter spills to its vreg slot and is converted to
	// a handle in the out-args area.
	assert.True(t, hasOpContaining(trace, "ref@56"), "reference parameter not converted:\n%s",
		strings.Join(trace, "\n"))
	// `this` spills raw, without conversion.
	assert.True(t, hasOpContaining(trace, "[sp+52]:4<-r1:4"), "`this` not spilled in place:\n%s",
		strings.Join(trace, "\n"))
	// Instance methods have no jclass read barrier.
	requireNoOp(t, trace, "TestGcMarking")
	assert.True(t, strings.HasSuffix(trace[len(trace)-1], "DeliverPendingException()"))
}

// Scenario: static ()Ljava/lang/String; fast-native on 64-bit with Baker
// read barriers. The early exception poll precedes the suspend check, the
// reference result goes through DecodeReferenceResult, and the trailers
// carry the mark-bit fast path.
func TestFastNativeReferenceReturn64(t *testing.T) {
	m := compileForTest(t, ISAX86_64, AccStatic|AccFastNative, "L", ReadBarrierBaker)
	trace := m.Trace
	layout := LayoutFor(Ptr64)

	requireOpOrder(t, trace,
		"TestGcMarking(L0, not-zero)",
		"Bind(L1)",
		"StoreStackPointerToThread(",
		"MoveArguments(r6:8<-r7:8)", // method into the jclass register
		fmt.Sprintf("Call([r6+%d])", EntryPointFromJniOffset(Ptr64)),
		"ExceptionPoll(L2)", // early poll, before the suspend check
		"SuspendCheck(L3)",
		"Bind(L4)",
		"Move(r7, r0, 8)", // jobject result into the first end argument
		fmt.Sprintf("Call([r6+%d])", layout.EntrypointOffset(EntryJniDecodeReferenceResult)),
		"RemoveFrame(",
		// Trailers: read barrier with the mark-bit fast path...
		"Bind(L0)",
		"Load(r3, [r7+0], 4)",
		"TestMarkBit(r3, L1, not-zero)",
		fmt.Sprintf("CallFromThread(thread+%d)", layout.EntrypointOffset(EntryReadBarrierJni)),
		"Jump(L1)",
		// ...suspend-check slow path restoring the published stack top...
		"Bind(L3)",
		fmt.Sprintf("CallFromThread(thread+%d)", layout.EntrypointOffset(EntryTestSuspend)),
		"StoreStackPointerToThread(",
		"Jump(L4)",
		// ...and exception delivery popping the live reference frame.
		"Bind(L2)",
		"DeliverPendingException()",
	)

	// Fast-native never calls MethodStart or MethodEnd.
	assert.False(t, callsEntrypoint(trace, layout, EntryJniMethodStart))
	assert.False(t, callsEntrypoint(trace, layout, EntryJniMethodEnd))
	assert.False(t, callsEntrypoint(trace, layout, EntryJniMethodEndWithReference))
	// All register arguments: nothing spills to the out area.
	requireNoOp(t, trace, "Copy(")
}

// Scenario: instance (IJFD)V plain native on 32-bit. Long and double
// arguments move with 8-byte source and destination sizes; `this` keeps
// the object-reference width; no reference-return entrypoint is chosen.
func TestPlainNativeWideArguments32(t *testing.T) {
	m := compileForTest(t, ISAX86, 0, "VIJFD", ReadBarrierBaker)
	trace := m.Trace
	layout := LayoutFor(Ptr32)

	// Spill shuffle: this at vreg slot 68, J from slot 76, D from slot 88.
	assert.True(t, hasOpContaining(trace, "[sp+68]:4<-r1:4"), "`this` width wrong:\n%s", strings.Join(trace, "\n"))
	assert.True(t, hasOpContaining(trace, "[sp+12]:8<-[sp+76]:8"), "long width wrong:\n%s", strings.Join(trace, "\n"))
	assert.True(t, hasOpContaining(trace, "[sp+24]:8<-[sp+88]:8"), "double width wrong:\n%s", strings.Join(trace, "\n"))

	assert.True(t, callsEntrypoint(trace, layout, EntryJniMethodEnd))
	assert.False(t, callsEntrypoint(trace, layout, EntryJniMethodEndWithReference))
	assert.False(t, callsEntrypoint(trace, layout, EntryJniMethodEndWithReferenceSynchronized))
}

// Scenario: instance ()Ljava/lang/Object; plain native, synchronized, on
// 64-bit. The MethodEnd convention needs no more out-args space than the
// main call, the reference result is consumed by the end call rather than
// spilled, and the unlock object travels as a handle.
func TestPlainNativeSynchronizedReferenceReturn64(t *testing.T) {
	m := compileForTest(t, ISAX86_64, AccSynchronized, "L", ReadBarrierBaker)
	trace := m.Trace
	layout := LayoutFor(Ptr64)

	// All three end arguments (result, lock, thread) fit in registers, so
	// the frame grows exactly once, for the main out-args area.
	var increases []string
	for _, op := range trace {
		if strings.HasPrefix(op, "IncreaseFrameSize(") {
			increases = append(increases, op)
		}
	}
	require.Equal(t, []string{"IncreaseFrameSize(0)"}, increases)

	endIdx := -1
	for i, op := range trace {
		if strings.HasSuffix(op, fmt.Sprintf("+%d])", layout.EntrypointOffset(EntryJniMethodEndWithReferenceSynchronized))) {
			endIdx = i
			break
		}
	}
	require.NotEqual(t, -1, endIdx, "end entrypoint not called:\n%s", strings.Join(trace, "\n"))

	// The jobject result feeds the end call directly; no spill/reload.
	// The method lives in the callee-save temp for an instance call.
	callIdx := opIndex(trace, 0, fmt.Sprintf("Call([r13+%d])", EntryPointFromJniOffset(Ptr64)))
	require.NotEqual(t, -1, callIdx)
	for _, op := range trace[callIdx+1 : endIdx] {
		assert.False(t, strings.HasPrefix(op, "Store([sp+"), "unexpected spill %q", op)
	}
	requireOpOrder(t, trace,
		"Move(r7, r0, 8)", // result into the first end argument
		"CreateJObject(r6, ", // this into the second, as a non-null handle
		"GetCurrentThread(r2)",
	)
}

// Scenario: static (I)I critical-native with the tail-call ABI (arm64,
// no stack arguments). The call doubles as the return.
func TestCriticalNativeTailCall(t *testing.T) {
	m := compileForTest(t, ISAArm64, AccStatic|AccCriticalNative, "II", ReadBarrierBaker)
	trace := m.Trace

	requireOpOrder(t, trace,
		"BuildFrame(size=0, method=none, saves=[])",
		"MoveArguments(",
		fmt.Sprintf("TailCall([r15+%d])", EntryPointFromJniOffset(Ptr64)),
	)
	requireNoOp(t, trace, "RemoveFrame")
	requireNoOp(t, trace, "Call(")
	requireNoOp(t, trace, "ExceptionPoll")

	// The shuffle fills the hidden argument register from the method
	// register and moves the declared argument into its native register.
	assert.True(t, hasOpContaining(trace, "r15:8<-r0:8"))
	assert.True(t, hasOpContaining(trace, "r0:4<-r1:4"))
}

// A critical-native method with a small return type cannot tail-call on
// arm64: the result needs extension after the call.
func TestCriticalNativeSmallReturnKeepsFrame(t *testing.T) {
	m := compileForTest(t, ISAArm64, AccStatic|AccCriticalNative, "ZI", ReadBarrierBaker)
	trace := m.Trace
	requireNoOp(t, trace, "TailCall")
	requireOpOrder(t, trace, "Call(", "ZeroExtend(r0, 1)", "RemoveFrame(")
}

// The attribute cross product: every valid combination compiles and obeys
// the structural invariants of the emitted script.
func TestCompileCrossProduct(t *testing.T) {
	isas := []InstructionSet{ISAX86, ISAX86_64, ISAArm64}
	returns := []string{"V", "I", "J", "F", "L"}
	params := []string{"", "IJF", "LIJ"}
	kinds := []uint32{0, AccFastNative, AccCriticalNative}

	for _, isa := range isas {
		for _, ret := range returns {
			for _, param := range params {
				for _, kind := range kinds {
					for _, static := range []uint32{0, AccStatic} {
						for _, sync := range []uint32{0, AccSynchronized} {
							flags := AccNative | kind | static | sync
							shorty := ret + param
							attrs, err := ParseMethodAttributes(flags, shorty)
							if err != nil {
								continue // invalid combination
							}
							name := fmt.Sprintf("%v/%s/flags=%#x", isa, shorty, flags)
							t.Run(name, func(t *testing.T) {
								checkInvariants(t, isa, flags, shorty, attrs)
							})
						}
					}
				}
			}
		}
	}
}

func checkInvariants(t *testing.T, isa InstructionSet, flags uint32, shorty string, attrs *MethodAttributes) {
	m := compileForTest(t, isa, flags&^AccNative, shorty, ReadBarrierBaker)
	trace := m.Trace
	layout := LayoutFor(PointerSizeOf(isa))

	if attrs.IsCriticalNative {
		// No reference plumbing, no transition, no polls.
		requireNoOp(t, trace, "CreateJObject")
		requireNoOp(t, trace, "CallFromThread")
		requireNoOp(t, trace, "ExceptionPoll")
		requireNoOp(t, trace, "SuspendCheck")
		requireNoOp(t, trace, "LoadRawPtrFromThread")
		requireNoOp(t, trace, "StoreStackPointerToThread")
		requireNoOp(t, trace, "DeliverPendingException")
		return
	}

	// The local-reference frame is pushed and popped exactly when present.
	require.NotEqual(t, -1, opIndex(trace, 0, "LoadRawPtrFromThread"))
	assert.True(t, hasOpContaining(trace, fmt.Sprintf("+%d], ", layout.LocalRefCookieOffset())),
		"local reference frame not pushed:\n%s", strings.Join(trace, "\n"))

	start := callsEntrypoint(trace, layout, EntryJniMethodStart) ||
		callsEntrypoint(trace, layout, EntryJniMethodStartSynchronized)
	decode := callsEntrypoint(trace, layout, EntryJniDecodeReferenceResult)
	if attrs.IsFastNative {
		// No MethodStart; MethodEnd is replaced by DecodeReferenceResult
		// exactly when a reference comes back.
		assert.False(t, start)
		assert.Equal(t, attrs.ReferenceReturn(), decode)
		assert.False(t, callsEntrypoint(trace, layout, EntryJniMethodEnd))
		assert.False(t, callsEntrypoint(trace, layout, EntryJniMethodEndWithReference))
	} else {
		assert.True(t, start)
		assert.False(t, decode)
		end := callsEntrypoint(trace, layout, jniEndEntrypoint(attrs.ReferenceReturn(), attrs.IsSynchronized))
		assert.True(t, end, "wrong MethodEnd entrypoint:\n%s", strings.Join(trace, "\n"))
	}

	// Every non-critical stub can throw; the trace ends in delivery.
	require.NotEmpty(t, trace)
	assert.True(t, strings.HasSuffix(trace[len(trace)-1], "DeliverPendingException()"),
		"trace does not end in exception delivery:\n%s", strings.Join(trace, "\n"))

	// The frame comes down on the main path.
	requireOpOrder(t, trace, "IncreaseFrameSize(", "DecreaseFrameSize(", "RemoveFrame(")

	// Static methods get the declaring-class read barrier, instance
	// methods do not.
	if attrs.IsStatic {
		requireOpOrder(t, trace, "TestGcMarking(", "TestMarkBit(")
	} else {
		requireNoOp(t, trace, "TestGcMarking")
	}
}

// Disabling read barriers removes the jclass slow path entirely.
func TestNoReadBarrier(t *testing.T) {
	m := compileForTest(t, ISAX86_64, AccStatic, "V", ReadBarrierNone)
	requireNoOp(t, m.Trace, "TestGcMarking")
	requireNoOp(t, m.Trace, "TestMarkBit")

	// The non-Baker variant keeps the slow path but loses the mark-bit
	// fast check.
	m = compileForTest(t, ISAX86_64, AccStatic, "V", ReadBarrierSlow)
	requireOpOrder(t, m.Trace, "TestGcMarking(")
	requireNoOp(t, m.Trace, "TestMarkBit")
}

// CFI data is only produced when debug info is requested, and the frame
// metadata is stable either way.
func TestDebugInfoToggle(t *testing.T) {
	attrs, err := ParseMethodAttributes(AccNative|AccStatic, "I")
	require.NoError(t, err)

	with, err := CompileJniStubForAttributes(&CompilerOptions{
		InstructionSet:    ISAX86_64,
		ReadBarrier:       ReadBarrierBaker,
		GenerateDebugInfo: true,
	}, attrs)
	require.NoError(t, err)
	without, err := CompileJniStubForAttributes(&CompilerOptions{
		InstructionSet: ISAX86_64,
		ReadBarrier:    ReadBarrierBaker,
	}, attrs)
	require.NoError(t, err)

	assert.NotEmpty(t, with.CFI)
	assert.Empty(t, without.CFI)
	assert.Equal(t, with.Code, without.Code)
	assert.Equal(t, with.FrameSize, without.FrameSize)
	assert.Equal(t, with.CoreSpillMask, without.CoreSpillMask)
}
