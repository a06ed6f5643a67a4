package compiler

import (
	"fmt"
	"io"

	"github.com/sirupsen/logrus"
)

// === Public entry point ===

// CompilerOptions configures one stub compilation.
type CompilerOptions struct {
	InstructionSet InstructionSet
	ReadBarrier    ReadBarrierKind
	// GenerateDebugInfo enables the DWARF debug-frame stream.
	GenerateDebugInfo bool
	// EmitRunTimeChecksInDebugMode is passed to the assembler. The
	// shipped encoders record it but emit no extra checks for it.
	EmitRunTimeChecksInDebugMode bool
	// RecordTrace captures the abstract macro-op sequence alongside the
	// encoded bytes.
	RecordTrace bool
	// Logger receives per-method diagnostics; nil discards them.
	Logger logrus.FieldLogger
}

func (o *CompilerOptions) logger() logrus.FieldLogger {
	if o.Logger != nil {
		return o.Logger
	}
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

// JniCompiledMethod is the finished stub: the machine code, the frame
// metadata the runtime needs to walk it, and the unwind opcodes.
type JniCompiledMethod struct {
	InstructionSet InstructionSet
	Code           []byte
	FrameSize      int
	CoreSpillMask  uint32
	FpSpillMask    uint32
	CFI            []byte
	// Trace is the recorded macro-op sequence when RecordTrace was set.
	Trace []string
}

// CompileJniStub compiles the trampoline for one native method. The
// method is looked up in the descriptor table by index; its access flags
// select the transition protocol.
func CompileJniStub(opts *CompilerOptions, accessFlags uint32, methodIdx uint32, dex DexFile) (*JniCompiledMethod, error) {
	shorty := dex.GetMethodShorty(methodIdx)
	attrs, err := ParseMethodAttributes(accessFlags, shorty)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", dex.PrettyMethod(methodIdx, true), err)
	}

	log := opts.logger().WithField("method", dex.PrettyMethod(methodIdx, true))
	log.WithField("access_flags", fmt.Sprintf("%#x", accessFlags)).Debug("compiling JNI stub")
	if attrs.IsFastNative {
		log.Debug("fast native method detected")
	}
	if attrs.IsCriticalNative {
		log.Debug("critical native method detected")
	}

	// Select the pointer-size specialization for the target.
	if opts.InstructionSet.Is64Bit() {
		return compileJniStub(opts, attrs, Ptr64)
	}
	return compileJniStub(opts, attrs, Ptr32)
}

// CompileJniStubForAttributes compiles a stub from already-classified
// attributes; the jnidump tool and the tests enter here.
func CompileJniStubForAttributes(opts *CompilerOptions, attrs *MethodAttributes) (*JniCompiledMethod, error) {
	if err := attrs.validate(); err != nil {
		return nil, err
	}
	if opts.InstructionSet.Is64Bit() {
		return compileJniStub(opts, attrs, Ptr64)
	}
	return compileJniStub(opts, attrs, Ptr32)
}

func compileJniStub(opts *CompilerOptions, attrs *MethodAttributes, ptrSize PointerSize) (*JniCompiledMethod, error) {
	isa := opts.InstructionSet

	// Conventions walking the same argument list from both sides.
	mr, err := NewManagedRuntimeCallingConvention(attrs, isa)
	if err != nil {
		return nil, err
	}
	main, err := NewJniCallingConvention(attrs, attrs.Shorty, isa)
	if err != nil {
		return nil, err
	}
	// The MethodEnd call takes the returned reference and the lock object
	// at most; its convention walks a synthetic shorty.
	end, err := NewJniCallingConvention(attrs, jniEndShorty(attrs.ReferenceReturn(), attrs.IsSynchronized), isa)
	if err != nil {
		return nil, err
	}

	layout := LayoutFor(ptrSize)
	cfi := NewCFIWriter(opts.GenerateDebugInfo)
	encoder, err := NewMacroAssembler(isa, cfi, layout)
	if err != nil {
		return nil, err
	}
	encoder.SetEmitRunTimeChecksInDebugMode(opts.EmitRunTimeChecksInDebugMode)

	asm := MacroAssembler(encoder)
	var trace *traceAssembler
	if opts.RecordTrace {
		trace = newTraceAssembler(encoder)
		asm = trace
	}

	gen := &stubGenerator{
		asm:     asm,
		attrs:   attrs,
		opts:    opts,
		layout:  layout,
		ptrSize: ptrSize,
		mr:      mr,
		main:    main,
		end:     end,
	}
	gen.generate()

	asm.FinalizeCode()
	code := make([]byte, asm.CodeSize())
	asm.FinalizeInstructions(code)

	compiled := &JniCompiledMethod{
		InstructionSet: isa,
		Code:           code,
		FrameSize:      main.FrameSize(),
		CoreSpillMask:  main.CoreSpillMask(),
		FpSpillMask:    main.FpSpillMask(),
		CFI:            cfi.Data(),
	}
	if trace != nil {
		compiled.Trace = trace.Trace()
	}
	return compiled, nil
}
