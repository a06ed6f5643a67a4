package compiler

import "fmt"

// === JNI stub generator ===
//
// Emits the trampoline that adapts the managed calling convention to the
// native one: build the frame, publish the stack pointer, transition the
// thread, shuffle arguments under both conventions at once, push a local
// reference frame, call the native code, transition back, and deliver any
// pending exception. The nine phases below run strictly in order; slow
// paths trail the main code.

// methodRegisterState tracks where (and whether) the method record pointer
// is live. Runtime calls clobber it; the generator only reads it while
// live.
type methodRegisterState struct {
	reg  ManagedRegister
	live bool
}

func liveMethod(reg ManagedRegister) methodRegisterState {
	return methodRegisterState{reg: reg, live: true}
}

func emptyMethod() methodRegisterState { return methodRegisterState{} }

func (m methodRegisterState) get() ManagedRegister {
	if !m.live {
		panic("method register read while clobbered")
	}
	return m.reg
}

// jniStartEntrypoint selects the MethodStart runtime call.
func jniStartEntrypoint(isSynchronized bool) Entrypoint {
	if isSynchronized {
		return EntryJniMethodStartSynchronized
	}
	return EntryJniMethodStart
}

// jniEndEntrypoint selects the MethodEnd runtime call.
func jniEndEntrypoint(referenceReturn, isSynchronized bool) Entrypoint {
	if referenceReturn {
		if isSynchronized {
			return EntryJniMethodEndWithReferenceSynchronized
		}
		return EntryJniMethodEndWithReference
	}
	if isSynchronized {
		return EntryJniMethodEndSynchronized
	}
	return EntryJniMethodEnd
}

type stubGenerator struct {
	asm     MacroAssembler
	attrs   *MethodAttributes
	opts    *CompilerOptions
	layout  *RuntimeLayout
	ptrSize PointerSize

	mr   ManagedRuntimeCallingConvention
	main JniCallingConvention
	end  JniCallingConvention
}

func (g *stubGenerator) checkCFAOffset(want int) {
	if got := g.asm.CFI().CurrentCFAOffset(); got != want {
		panic(fmt.Sprintf("CFA offset %d, want %d", got, want))
	}
}

// rewindOutArgs pops the out-args area on a slow path while keeping the
// CFA where the entrypoint call site expects it.
func (g *stubGenerator) rewindOutArgs(n int) {
	if n != 0 {
		g.asm.CFI().AdjustCFAOffset(n)
		g.asm.DecreaseFrameSize(n)
	}
}

func (g *stubGenerator) regrowOutArgs(n int) {
	if n != 0 {
		g.asm.IncreaseFrameSize(n)
		g.asm.CFI().AdjustCFAOffset(-n)
	}
}

// withFrameRewound pairs the rewind and regrow so a slow path can never
// leave the unwind table unbalanced.
func (g *stubGenerator) withFrameRewound(n int, fn func()) {
	g.rewindOutArgs(n)
	fn()
	g.regrowOutArgs(n)
}

// generate runs the nine-phase emission script.
func (g *stubGenerator) generate() {
	asm := g.asm
	attrs := g.attrs
	mr, main, end := g.mr, g.main, g.end
	layout := g.layout
	rawPtrSize := int(g.ptrSize)

	isStatic := attrs.IsStatic
	isSynchronized := attrs.IsSynchronized
	isFastNative := attrs.IsFastNative
	isCriticalNative := attrs.IsCriticalNative
	referenceReturn := attrs.ReferenceReturn()

	// 1. Build and register the native method frame.

	// 1.1. Save callee saves, the method record and the return address.
	//      Critical-native frames carry only the out-args area.
	managedFrameSize := main.FrameSize()
	mainOutArgSize := main.OutFrameSize()
	currentFrameSize := managedFrameSize
	methodRegister := emptyMethod()
	methodRegisterIn := NoRegister()
	if isCriticalNative {
		currentFrameSize = mainOutArgSize
	} else {
		methodRegister = liveMethod(mr.MethodRegister())
		methodRegisterIn = mr.MethodRegister()
	}
	calleeSaveRegs := main.CalleeSaveRegisters()
	asm.BuildFrame(currentFrameSize, methodRegisterIn, calleeSaveRegs)
	g.checkCFAOffset(currentFrameSize)

	// 1.2. For a static call the declaring class handed to native code may
	//      be stale while the collector is marking; plant the read-barrier
	//      check that diverts to the slow path.
	var jclassReadBarrierSlowPath, jclassReadBarrierReturn *Label
	if g.opts.ReadBarrier != ReadBarrierNone && isStatic && !isCriticalNative {
		jclassReadBarrierSlowPath = asm.CreateLabel()
		jclassReadBarrierReturn = asm.CreateLabel()
		asm.TestGcMarking(jclassReadBarrierSlowPath, CondNotZero)
		asm.Bind(jclassReadBarrierReturn)
	}

	// 1.3. Publish the end of the managed stack. Critical-native runs with
	//      collections disabled and skips this.
	if !isCriticalNative {
		asm.StoreStackPointerToThread(layout.TopOfManagedStackOffset())
	}

	// 2. Transition out of Runnable for normal native.

	// 2.1. Move the frame down for outgoing args, covering both the
	//      MethodStart call and the main native call.
	currentOutArgSize := mainOutArgSize
	if isCriticalNative {
		if mainOutArgSize != currentFrameSize {
			panic("critical-native frame must equal its out-args area")
		}
	} else {
		asm.IncreaseFrameSize(mainOutArgSize)
		currentFrameSize += mainOutArgSize
	}

	// 2.2. Spill register arguments to survive the MethodStart call.
	//      Native stack arguments land in their argument slots with
	//      references converted to handles; register arguments spill raw
	//      into their vreg slots.
	var srcArgs, destArgs []ArgumentLocation
	var refs []FrameOffset
	if !isCriticalNative && !isFastNative {
		mr.Reset(FrameOffset(currentFrameSize))
		main.Reset(FrameOffset(mainOutArgSize))
		main.Next() // skip JNIEnv*
		if isStatic {
			main.Next() // skip jclass
			// A no-op move of the method keeps the next argument from
			// being classified as the known-non-null leading reference.
			srcArgs = append(srcArgs, RegisterLocation(methodRegister.get(), rawPtrSize))
			destArgs = append(destArgs, RegisterLocation(methodRegister.get(), rawPtrSize))
			refs = append(refs, InvalidReferenceOffset)
		} else {
			// Spill `this` raw into its vreg slot without conversion; it
			// cannot be null and the pre-call shuffle wants to see it
			// first for exactly that reason.
			if !mr.IsCurrentParamAReference() {
				panic("first instance argument is not a reference")
			}
			if mr.IsCurrentParamInRegister() {
				srcArgs = append(srcArgs, RegisterLocation(mr.CurrentParamRegister(), ObjectReferenceSize))
			} else {
				srcArgs = append(srcArgs, StackLocation(mr.CurrentParamStackOffset(), ObjectReferenceSize))
			}
			destArgs = append(destArgs, StackLocation(mr.CurrentParamStackOffset(), ObjectReferenceSize))
			refs = append(refs, InvalidReferenceOffset)
			mr.Next()
			main.Next()
		}
		for ; mr.HasNext(); mr.Next() {
			if !main.HasNext() {
				panic("native convention ran out of arguments")
			}
			isReference := mr.IsCurrentParamAReference()
			spillJObject := isReference && !main.IsCurrentParamInRegister()
			srcSize := 4
			if !isReference && mr.IsCurrentParamALongOrDouble() {
				srcSize = 8
			}
			destSize := srcSize
			if spillJObject {
				destSize = rawPtrSize
			}
			if mr.IsCurrentParamInRegister() {
				srcArgs = append(srcArgs, RegisterLocation(mr.CurrentParamRegister(), srcSize))
			} else {
				srcArgs = append(srcArgs, StackLocation(mr.CurrentParamStackOffset(), srcSize))
			}
			if main.IsCurrentParamInRegister() {
				destArgs = append(destArgs, StackLocation(mr.CurrentParamStackOffset(), destSize))
			} else {
				destArgs = append(destArgs, StackLocation(main.CurrentParamStackOffset(), destSize))
			}
			if spillJObject {
				refs = append(refs, mr.CurrentParamStackOffset())
			} else {
				refs = append(refs, InvalidReferenceOffset)
			}
			main.Next()
		}
		asm.MoveArguments(destArgs, srcArgs, refs)
	}

	// 2.3. Call MethodStart, passing the lock object for synchronized
	//      methods and the current thread last. The native convention is
	//      reused here; it always supports two pointer arguments.
	var monitorEnterExceptionSlowPath *Label
	if isSynchronized {
		monitorEnterExceptionSlowPath = asm.CreateLabel()
	}
	if !isCriticalNative && !isFastNative {
		jniStart := layout.EntrypointOffset(jniStartEntrypoint(isSynchronized))
		main.Reset(FrameOffset(mainOutArgSize))
		if isSynchronized {
			if isStatic {
				// The declaring-class reference sits at offset zero in the
				// method record, so the method pointer doubles as the
				// lock argument.
				setNativeParameter(asm, main, methodRegister.get())
			} else {
				mr.Reset(FrameOffset(currentFrameSize))
				thisOffset := mr.CurrentParamStackOffset()
				if main.IsCurrentParamOnStack() {
					asm.CreateJObjectToFrame(main.CurrentParamStackOffset(), thisOffset, false)
				} else {
					asm.CreateJObject(main.CurrentParamRegister(), thisOffset, NoRegister(), false)
				}
			}
			main.Next()
		}
		if main.IsCurrentParamInRegister() {
			threadReg := main.CurrentParamRegister()
			asm.GetCurrentThread(threadReg)
			asm.Call(threadReg, MemberOffset(jniStart))
		} else {
			asm.GetCurrentThreadToFrame(main.CurrentParamStackOffset())
			asm.CallFromThread(jniStart)
		}
		methodRegister = emptyMethod() // clobbered by the call
		if isSynchronized {
			// Monitor enter may have thrown.
			asm.ExceptionPoll(monitorEnterExceptionSlowPath)
		}
	}

	// 3. Push the local reference frame. The environment pointer and the
	//    saved cookie live in callee-save scratch registers so they
	//    survive the calls below.
	jniEnvReg := NoRegister()
	savedCookieReg := NoRegister()
	calleeSaveTemp := NoRegister()
	if !isCriticalNative {
		scratchRegs := main.CalleeSaveScratchRegisters()
		if len(scratchRegs) < 3 {
			panic("need at least 3 callee-save scratch registers")
		}
		jniEnvReg = scratchRegs[0]
		savedCookieReg = asm.CoreRegisterWithSize(scratchRegs[1], IRTCookieSize)
		calleeSaveTemp = asm.CoreRegisterWithSize(scratchRegs[2], IRTCookieSize)
		asm.LoadRawPtrFromThread(jniEnvReg, layout.JniEnvOffset())
		pushLocalReferenceFrame(asm, layout, jniEnvReg, savedCookieReg, calleeSaveTemp)
	}

	// 4. Make the main native call.

	// 4.1. Fill arguments except the JNIEnv*.
	srcArgs = srcArgs[:0]
	destArgs = destArgs[:0]
	refs = refs[:0]
	mr.Reset(FrameOffset(currentFrameSize))
	main.Reset(FrameOffset(mainOutArgSize))
	if isCriticalNative {
		// The hidden argument register carries the method so the native
		// code can be entered without a managed frame.
		srcArgs = append(srcArgs, RegisterLocation(mr.MethodRegister(), rawPtrSize))
		destArgs = append(destArgs, RegisterLocation(main.HiddenArgumentRegister(), rawPtrSize))
		refs = append(refs, InvalidReferenceOffset)
	} else {
		main.Next() // skip JNIEnv*
		methodOffset := FrameOffset(currentOutArgSize) + mr.MethodStackOffset()
		if !isStatic || main.IsCurrentParamOnStack() {
			// The jclass argument register will not hold the method, so
			// materialize it in the callee-save temp for the call below.
			// Fast-native still has the incoming register live; normal
			// native lost it to the MethodStart call.
			newMethodReg := asm.CoreRegisterWithSize(calleeSaveTemp, rawPtrSize)
			if isFastNative {
				asm.Move(newMethodReg, methodRegister.get(), rawPtrSize)
			} else {
				asm.Load(newMethodReg, methodOffset, rawPtrSize)
			}
			methodRegister = liveMethod(newMethodReg)
		}
		if isStatic {
			// Move or load the method into the jclass argument.
			if methodRegister.live {
				srcArgs = append(srcArgs, RegisterLocation(methodRegister.get(), rawPtrSize))
			} else {
				if !main.IsCurrentParamInRegister() {
					panic("method not materialized for a stack jclass argument")
				}
				srcArgs = append(srcArgs, StackLocation(methodOffset, rawPtrSize))
			}
			if main.IsCurrentParamInRegister() {
				// The jclass register becomes the method register for the
				// indirect call.
				methodRegister = liveMethod(main.CurrentParamRegister())
				destArgs = append(destArgs, RegisterLocation(methodRegister.get(), rawPtrSize))
			} else {
				destArgs = append(destArgs, StackLocation(main.CurrentParamStackOffset(), rawPtrSize))
			}
			refs = append(refs, InvalidReferenceOffset)
			main.Next()
		} else {
			// `this` goes first so the shuffle treats it as non-null. It
			// has not been converted to a handle yet.
			if !mr.IsCurrentParamAReference() {
				panic("first instance argument is not a reference")
			}
			if isFastNative && mr.IsCurrentParamInRegister() {
				srcArgs = append(srcArgs, RegisterLocation(mr.CurrentParamRegister(), ObjectReferenceSize))
			} else {
				srcArgs = append(srcArgs, StackLocation(mr.CurrentParamStackOffset(), ObjectReferenceSize))
			}
			if main.IsCurrentParamInRegister() {
				destArgs = append(destArgs, RegisterLocation(main.CurrentParamRegister(), rawPtrSize))
			} else {
				destArgs = append(destArgs, StackLocation(main.CurrentParamStackOffset(), rawPtrSize))
			}
			refs = append(refs, mr.CurrentParamStackOffset())
			mr.Next()
			main.Next()
		}
	}
	// Remaining arguments. Stack destinations for normal native were
	// already planted in phase 2.
	for ; mr.HasNext(); mr.Next() {
		if !main.HasNext() {
			panic("native convention ran out of arguments")
		}
		destInReg := main.IsCurrentParamInRegister()
		if !isCriticalNative && !isFastNative && !destInReg {
			main.Next()
			continue
		}
		isReference := mr.IsCurrentParamAReference()
		srcSize := 4
		if !isReference && mr.IsCurrentParamALongOrDouble() {
			srcSize = 8
		}
		destSize := srcSize
		if isReference {
			destSize = rawPtrSize
		}
		if (isCriticalNative || isFastNative) && mr.IsCurrentParamInRegister() {
			srcArgs = append(srcArgs, RegisterLocation(mr.CurrentParamRegister(), srcSize))
		} else {
			srcArgs = append(srcArgs, StackLocation(mr.CurrentParamStackOffset(), srcSize))
		}
		if destInReg {
			destArgs = append(destArgs, RegisterLocation(main.CurrentParamRegister(), destSize))
		} else {
			destArgs = append(destArgs, StackLocation(main.CurrentParamStackOffset(), destSize))
		}
		if isReference {
			refs = append(refs, mr.CurrentParamStackOffset())
		} else {
			refs = append(refs, InvalidReferenceOffset)
		}
		main.Next()
	}
	if main.HasNext() {
		panic("native convention has surplus arguments")
	}
	asm.MoveArguments(destArgs, srcArgs, refs)

	// 4.2. Create the first argument, the JNI environment pointer.
	if !isCriticalNative {
		main.Reset(FrameOffset(mainOutArgSize))
		if main.IsCurrentParamInRegister() {
			asm.Move(main.CurrentParamRegister(), jniEnvReg, rawPtrSize)
		} else {
			asm.Store(main.CurrentParamStackOffset(), jniEnvReg, rawPtrSize)
		}
	}

	// 4.3. Plant the call to the native code attached to the method.
	jniEntrypointOffset := EntryPointFromJniOffset(g.ptrSize)
	if isCriticalNative {
		if main.UseTailCall() {
			asm.TailCall(main.HiddenArgumentRegister(), jniEntrypointOffset)
		} else {
			asm.Call(main.HiddenArgumentRegister(), jniEntrypointOffset)
		}
	} else {
		asm.Call(methodRegister.get(), jniEntrypointOffset)
		// The method register may alias the callee-save temp clobbered
		// below; drop it now.
		methodRegister = emptyMethod()
	}

	// 4.4. Fix differences in result widths.
	if main.RequiresSmallResultTypeExtension() {
		if isCriticalNative && main.UseTailCall() {
			panic("tail call cannot extend its result")
		}
		switch main.GetReturnType() {
		case PrimByte, PrimShort:
			asm.SignExtend(main.ReturnRegister(), main.GetReturnType().ComponentSize())
		case PrimBoolean, PrimChar:
			asm.ZeroExtend(main.ReturnRegister(), main.GetReturnType().ComponentSize())
		default:
			panic("small result extension for a wide return type")
		}
	}

	// 5. Transition back to Runnable.

	// 5.1. Spill or move the return value if needed. The MethodEnd call
	//      clobbers the return register; the value is reloaded in 5.6.
	spillReturnValue := main.SpillsReturnValue()
	returnSaveLocation := FrameOffset(0)
	if spillReturnValue {
		if isCriticalNative {
			panic("critical-native never spills its return value")
		}
		returnSaveLocation = main.ReturnValueSaveLocation()
		if int(returnSaveLocation) >= currentFrameSize {
			panic("return value save location outside the frame")
		}
		asm.Store(returnSaveLocation, main.ReturnRegister(), main.SizeOfReturnValue())
	} else if (isFastNative || isCriticalNative) && main.SizeOfReturnValue() != 0 {
		// Move the native return register into the managed one when the
		// conventions disagree.
		jniReturnReg := main.ReturnRegister()
		mrReturnReg := mr.ReturnRegister()
		if !jniReturnReg.Equals(mrReturnReg) {
			if isCriticalNative && main.UseTailCall() {
				panic("tail call cannot move its result")
			}
			asm.Move(mrReturnReg, jniReturnReg, main.SizeOfReturnValue())
		}
	}

	// 5.2. For fast-native with a reference result, poll for exceptions
	//      early so decoding the reference needs no check of its own.
	var exceptionSlowPath *Label
	if !isCriticalNative {
		exceptionSlowPath = asm.CreateLabel()
	}
	if isFastNative && referenceReturn {
		asm.ExceptionPoll(exceptionSlowPath)
	}

	// 5.3. Likewise an early suspend check so the decoded reference never
	//      needs a stack-map entry.
	var suspendCheckSlowPath, suspendCheckResume *Label
	if isFastNative {
		suspendCheckSlowPath = asm.CreateLabel()
		suspendCheckResume = asm.CreateLabel()
	}
	if isFastNative && referenceReturn {
		asm.SuspendCheck(suspendCheckSlowPath)
		asm.Bind(suspendCheckResume)
	}

	if !isCriticalNative {
		// 5.4. Grow the frame if the MethodEnd call needs more out-args
		//      space than the main call did.
		endOutArgSize := end.OutFrameSize()
		if endOutArgSize > currentOutArgSize {
			if isFastNative {
				panic("fast-native end call cannot outgrow the main call")
			}
			diff := endOutArgSize - currentOutArgSize
			currentOutArgSize = endOutArgSize
			asm.IncreaseFrameSize(diff)
			currentFrameSize += diff
			returnSaveLocation += FrameOffset(diff)
		}
		end.Reset(FrameOffset(endOutArgSize))

		// 5.5. Call MethodEnd; fast-native with a reference return only
		//      decodes the handle.
		if !isFastNative || referenceReturn {
			var jniEnd ThreadOffset
			if isFastNative {
				jniEnd = layout.EntrypointOffset(EntryJniDecodeReferenceResult)
			} else {
				jniEnd = layout.EntrypointOffset(jniEndEntrypoint(referenceReturn, isSynchronized))
			}
			if referenceReturn {
				// Pass the result.
				setNativeParameter(asm, end, end.ReturnRegister())
				end.Next()
			}
			if isSynchronized {
				// Pass the object to unlock.
				if isStatic {
					// The method register died with the main call; reload
					// the method from the frame and use its leading
					// declaring-class field as the lock reference.
					methodOffset := FrameOffset(currentOutArgSize) + mr.MethodStackOffset()
					if end.IsCurrentParamOnStack() {
						asm.Copy(end.CurrentParamStackOffset(), methodOffset, rawPtrSize)
					} else {
						asm.Load(end.CurrentParamRegister(), methodOffset, rawPtrSize)
					}
				} else {
					mr.Reset(FrameOffset(currentFrameSize))
					thisOffset := mr.CurrentParamStackOffset()
					if end.IsCurrentParamOnStack() {
						asm.CreateJObjectToFrame(end.CurrentParamStackOffset(), thisOffset, false)
					} else {
						asm.CreateJObject(end.CurrentParamRegister(), thisOffset, NoRegister(), false)
					}
				}
				end.Next()
			}
			if end.IsCurrentParamInRegister() {
				threadReg := end.CurrentParamRegister()
				asm.GetCurrentThread(threadReg)
				asm.Call(threadReg, MemberOffset(jniEnd))
			} else {
				asm.GetCurrentThreadToFrame(end.CurrentParamStackOffset())
				asm.CallFromThread(jniEnd)
			}
		}

		// 5.6. Reload the return value if it was spilled.
		if spillReturnValue {
			asm.Load(mr.ReturnRegister(), returnSaveLocation, mr.SizeOfReturnValue())
		}
	}

	// 6. Pop the local reference frame.
	if !isCriticalNative {
		popLocalReferenceFrame(asm, layout, jniEnvReg, savedCookieReg, calleeSaveTemp)
	}

	// 7. Return from the stub.

	// 7.1. Move the frame up; critical-native folds the out-args area
	//      into RemoveFrame.
	if !isCriticalNative {
		asm.DecreaseFrameSize(currentOutArgSize)
		currentFrameSize -= currentOutArgSize
	}

	// 7.2. Process pending exceptions from the JNI call or monitor exit.
	//      Fast-native with a reference return polled earlier.
	if !isCriticalNative && (!isFastNative || !referenceReturn) {
		asm.ExceptionPoll(exceptionSlowPath)
	}

	// 7.3. Fast-native never left Runnable; poll for a requested suspend
	//      unless the reference-return path already did.
	if isFastNative && !referenceReturn {
		asm.SuspendCheck(suspendCheckSlowPath)
		asm.Bind(suspendCheckResume)
	}

	// 7.4. Remove the activation; callee saves may have been moved by the
	//      collector while suspended.
	g.checkCFAOffset(currentFrameSize)
	if !isCriticalNative || !main.UseTailCall() {
		maySuspend := !isCriticalNative
		asm.RemoveFrame(currentFrameSize, calleeSaveRegs, maySuspend)
		g.checkCFAOffset(currentFrameSize)
	}

	// 8. Slow paths.

	// 8.1. Read barrier for the declaring class of a static call. The
	//      entrypoint preserves the method and argument registers.
	if g.opts.ReadBarrier != ReadBarrierNone && isStatic && !isCriticalNative {
		asm.Bind(jclassReadBarrierSlowPath)
		if g.opts.ReadBarrier == ReadBarrierBaker {
			// The slow path is entered with the method register intact
			// and callee saves already spilled: check the mark bit and
			// return to the main path for an already-marked class.
			methodRegister = liveMethod(mr.MethodRegister())
			temp := asm.CoreRegisterWithSize(main.CalleeSaveScratchRegisters()[0], ObjectReferenceSize)
			asm.LoadFromOffset(temp, methodRegister.get(), DeclaringClassOffset(), ObjectReferenceSize)
			asm.TestMarkBit(temp, jclassReadBarrierReturn, CondNotZero)
		}
		asm.CallFromThread(layout.EntrypointOffset(EntryReadBarrierJni))
		asm.Jump(jclassReadBarrierReturn)
	}

	// 8.2. Suspend-check slow path for fast-native.
	if isFastNative {
		asm.Bind(suspendCheckSlowPath)
		if referenceReturn {
			g.withFrameRewound(mainOutArgSize, func() {
				asm.CallFromThread(layout.EntrypointOffset(EntryTestSuspend))
				// The suspend entrypoint clobbers the published stack
				// top; restore it for the DecodeReferenceResult call.
				asm.StoreStackPointerToThread(layout.TopOfManagedStackOffset())
			})
		} else {
			asm.CallFromThread(layout.EntrypointOffset(EntryTestSuspend))
		}
		asm.Jump(suspendCheckResume)
	}

	// 8.3. Exception delivery.
	if !isCriticalNative {
		if isSynchronized {
			if isFastNative {
				panic("fast-native cannot be synchronized")
			}
			asm.Bind(monitorEnterExceptionSlowPath)
			g.rewindOutArgs(mainOutArgSize)
		}
		asm.Bind(exceptionSlowPath)
		if isFastNative && referenceReturn {
			// The early poll fired with the out-args area and the local
			// reference frame still live.
			g.rewindOutArgs(mainOutArgSize)
			popLocalReferenceFrame(asm, layout, jniEnvReg, savedCookieReg, calleeSaveTemp)
		}
		g.checkCFAOffset(currentFrameSize)
		asm.DeliverPendingException()
	}

	// 9. Finalization is the caller's: FinalizeCode, then copy out.
}

// pushLocalReferenceFrame saves the environment's reference cookie and
// replaces it with the current segment state.
func pushLocalReferenceFrame(asm MacroAssembler, layout *RuntimeLayout, jniEnvReg, savedCookieReg, tempReg ManagedRegister) {
	cookieOffset := layout.LocalRefCookieOffset()
	segmentStateOffset := layout.SegmentStateOffset()
	asm.LoadFromOffset(savedCookieReg, jniEnvReg, cookieOffset, IRTCookieSize)
	asm.LoadFromOffset(tempReg, jniEnvReg, segmentStateOffset, IRTCookieSize)
	asm.StoreToOffset(jniEnvReg, cookieOffset, tempReg, IRTCookieSize)
}

// popLocalReferenceFrame rolls the segment state back to the cookie and
// restores the saved one.
func popLocalReferenceFrame(asm MacroAssembler, layout *RuntimeLayout, jniEnvReg, savedCookieReg, tempReg ManagedRegister) {
	cookieOffset := layout.LocalRefCookieOffset()
	segmentStateOffset := layout.SegmentStateOffset()
	asm.LoadFromOffset(tempReg, jniEnvReg, cookieOffset, IRTCookieSize)
	asm.StoreToOffset(jniEnvReg, segmentStateOffset, tempReg, IRTCookieSize)
	asm.StoreToOffset(jniEnvReg, cookieOffset, savedCookieReg, IRTCookieSize)
}

// setNativeParameter moves a single register into the argument the
// iterator is positioned at, eliding no-op moves.
func setNativeParameter(asm MacroAssembler, conv JniCallingConvention, inReg ManagedRegister) {
	if conv.IsCurrentParamOnStack() {
		asm.StoreRawPtr(conv.CurrentParamStackOffset(), inReg)
	} else if !conv.CurrentParamRegister().Equals(inReg) {
		asm.Move(conv.CurrentParamRegister(), inReg, conv.CurrentParamSize())
	}
}
