package compiler

// === Argument shuffle realization ===
//
// The generator hands over three parallel vectors: destinations, sources
// and reference-spill offsets. A valid spill offset means the argument is
// a reference whose raw value must sit in that frame slot and whose
// destination receives an indirect handle to it. Entry 0 is arranged by
// the planner to be the method, `this` or the hidden argument, so its
// reference (if any) is known non-null; every later reference may be null.
//
// Both encoders share this resolver. Stack destinations are written first
// while every source is still live; register destinations form a
// dependency graph that is drained move-by-move, breaking cycles through
// the scratch register.

type pendingMove struct {
	index int
	dest  ArgumentLocation
	src   ArgumentLocation
	ref   FrameOffset
}

func moveArguments(asm MacroAssembler, dests, srcs []ArgumentLocation, refs []FrameOffset, scratch ManagedRegister) {
	if len(dests) != len(srcs) || len(dests) != len(refs) {
		panic("shuffle vectors disagree")
	}

	// Plant every raw reference in its frame slot so handle creation can
	// address it, regardless of where the destination ends up.
	for i := range dests {
		if refs[i] == InvalidReferenceOffset {
			continue
		}
		if srcs[i].IsRegister() {
			asm.Store(refs[i], srcs[i].Reg, ObjectReferenceSize)
		} else if srcs[i].Offset != refs[i] {
			asm.Copy(refs[i], srcs[i].Offset, ObjectReferenceSize)
		}
	}

	// Stack destinations, register sources first: memory-to-memory copies
	// and handle creation go through the scratch register, which may only
	// be clobbered once every register source has been consumed.
	var pending []pendingMove
	for i := range dests {
		d, s := dests[i], srcs[i]
		if d.IsRegister() {
			pending = append(pending, pendingMove{index: i, dest: d, src: s, ref: refs[i]})
			continue
		}
		if refs[i] == InvalidReferenceOffset && s.IsRegister() {
			asm.Store(d.Offset, s.Reg, s.Size)
		}
	}
	for i := range dests {
		d, s := dests[i], srcs[i]
		if d.IsRegister() {
			continue
		}
		if refs[i] != InvalidReferenceOffset {
			asm.CreateJObjectToFrame(d.Offset, refs[i], i != 0)
		} else if !s.IsRegister() && s.Offset != d.Offset {
			asm.Copy(d.Offset, s.Offset, s.Size)
		}
	}

	// Register destinations in dependency order.
	for len(pending) > 0 {
		progressed := false
		for i := 0; i < len(pending); i++ {
			p := pending[i]
			if registerIsPendingSource(pending, p.dest.Reg, p.index) {
				continue
			}
			emitRegisterMove(asm, p)
			pending = append(pending[:i], pending[i+1:]...)
			i--
			progressed = true
		}
		if progressed {
			continue
		}
		// Every remaining destination feeds another pending move: break
		// the cycle by evacuating one source to the scratch register.
		p := &pending[0]
		asm.Move(scratch.WithSize(p.src.Size), p.src.Reg, p.src.Size)
		p.src.Reg = scratch
	}
}

// registerIsPendingSource reports whether reg still feeds a pending move
// other than the one at selfIndex.
func registerIsPendingSource(pending []pendingMove, reg ManagedRegister, selfIndex int) bool {
	for _, p := range pending {
		if p.index == selfIndex {
			continue
		}
		// Converted references read their frame slot, not the register.
		if p.ref != InvalidReferenceOffset {
			continue
		}
		if p.src.IsRegister() && p.src.Reg.Equals(reg) {
			return true
		}
	}
	return false
}

func emitRegisterMove(asm MacroAssembler, p pendingMove) {
	if p.ref != InvalidReferenceOffset {
		// The raw value was planted in the ref slot above.
		asm.CreateJObject(p.dest.Reg, p.ref, NoRegister(), p.index != 0)
		return
	}
	if p.src.IsRegister() {
		asm.Move(p.dest.Reg, p.src.Reg, p.src.Size)
		return
	}
	asm.Load(p.dest.Reg, p.src.Offset, p.src.Size)
}
