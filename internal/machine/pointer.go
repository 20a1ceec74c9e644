package machine

import "github.com/Iron-Ham/sprintloop/internal/progress"

// IsParallelPhase reports whether a phase fans its steps out through the
// scheduler. Such a phase is one stop for pointer advancement.
func IsParallelPhase(ph progress.Phase) bool {
	return ph.Parallel && len(ph.Steps) > 0
}

// stops lists, in execution order, every position the pointer can rest on:
// leaves of sequential phases and whole parallel phases.
func stops(doc *progress.Progress) []progress.Pointer {
	var out []progress.Pointer
	for i, ph := range doc.Phases {
		switch {
		case IsParallelPhase(ph):
			out = append(out, progress.PhaseAt(i))
		case len(ph.Steps) == 0:
			out = append(out, progress.PhaseAt(i))
		default:
			for j, st := range ph.Steps {
				if len(st.SubPhases) == 0 {
					out = append(out, progress.StepAt(i, j))
					continue
				}
				for k := range st.SubPhases {
					out = append(out, progress.SubPhaseAt(i, j, k))
				}
			}
		}
	}
	return out
}

// done reports whether the stop needs no more work: it, or any node above
// it, is completed or skipped.
func done(doc *progress.Progress, ptr progress.Pointer) bool {
	ph := doc.Phases[ptr.Phase]
	if ph.Status.Done() {
		return true
	}
	if ptr.Step == nil {
		if IsParallelPhase(ph) {
			for _, st := range ph.Steps {
				if !st.Status.Done() {
					return false
				}
			}
			return true
		}
		return false
	}
	st := ph.Steps[*ptr.Step]
	if st.Status.Done() {
		return true
	}
	if ptr.SubPhase == nil {
		return false
	}
	return st.SubPhases[*ptr.SubPhase].Status.Done()
}

// less orders pointers by document position.
func less(a, b progress.Pointer) bool {
	if a.Phase != b.Phase {
		return a.Phase < b.Phase
	}
	as, bs := idx(a.Step), idx(b.Step)
	if as != bs {
		return as < bs
	}
	return idx(a.SubPhase) < idx(b.SubPhase)
}

func idx(p *int) int {
	if p == nil {
		return -1
	}
	return *p
}

// First returns the first stop that still needs work.
func First(doc *progress.Progress) (progress.Pointer, bool) {
	if doc == nil {
		return progress.Pointer{}, false
	}
	for _, s := range stops(doc) {
		if !done(doc, s) {
			return s, true
		}
	}
	return progress.Pointer{}, false
}

// Advance returns the next stop after from that still needs work, moving
// through sub-phases, then steps, then phases. Completed and skipped nodes
// are passed over. It reports false when no executable node remains.
func Advance(doc *progress.Progress, from progress.Pointer) (progress.Pointer, bool) {
	if doc == nil {
		return progress.Pointer{}, false
	}
	for _, s := range stops(doc) {
		if !less(from, s) || isAncestor(from, s) {
			continue
		}
		if !done(doc, s) {
			return s, true
		}
	}
	return progress.Pointer{}, false
}

// NextInPhase is Advance restricted to the phase of from. It reports false
// when the rest of the phase is done or skipped.
func NextInPhase(doc *progress.Progress, from progress.Pointer) (progress.Pointer, bool) {
	next, ok := Advance(doc, from)
	if !ok || next.Phase != from.Phase {
		return progress.Pointer{}, false
	}
	return next, true
}

// isAncestor reports whether a contains b: a phase pointer contains its
// steps and a step pointer its sub-phases.
func isAncestor(a, b progress.Pointer) bool {
	if a.Phase != b.Phase {
		return false
	}
	if a.Step == nil {
		return b.Step != nil
	}
	return b.Step != nil && *a.Step == *b.Step && a.SubPhase == nil && b.SubPhase != nil
}

// resolveStop normalizes ptr to the stop that contains it. A pointer at a
// step with sub-phases moves to its first sub-phase; a pointer inside a
// parallel phase moves to the phase.
func resolveStop(doc *progress.Progress, ptr progress.Pointer) (progress.Pointer, bool) {
	if _, ok := doc.Node(ptr); !ok {
		return progress.Pointer{}, false
	}
	ph := doc.Phases[ptr.Phase]
	if IsParallelPhase(ph) {
		return progress.PhaseAt(ptr.Phase), true
	}
	if ptr.Step == nil && len(ph.Steps) > 0 {
		return stopFrom(doc, progress.StepAt(ptr.Phase, 0))
	}
	return stopFrom(doc, ptr)
}

func stopFrom(doc *progress.Progress, ptr progress.Pointer) (progress.Pointer, bool) {
	if ptr.Step != nil && ptr.SubPhase == nil && len(doc.Phases[ptr.Phase].Steps[*ptr.Step].SubPhases) > 0 {
		return progress.SubPhaseAt(ptr.Phase, *ptr.Step, 0), true
	}
	return ptr, true
}

// firstOpenLeaf returns the first sub-phase of a step that is not done, or
// the step itself when it has no sub-phases.
func firstOpenLeaf(doc *progress.Progress, step progress.Pointer) (progress.Pointer, bool) {
	st := doc.Phases[step.Phase].Steps[*step.Step]
	if len(st.SubPhases) == 0 {
		return step, !st.Status.Done()
	}
	for k, sp := range st.SubPhases {
		if !sp.Status.Done() {
			return progress.SubPhaseAt(step.Phase, *step.Step, k), true
		}
	}
	return progress.Pointer{}, false
}

// ActiveStop returns the stop the next TICK works on: the document pointer
// while its stop is open, otherwise the first stop with work left.
func ActiveStop(doc *progress.Progress) (progress.Pointer, bool) {
	if doc == nil {
		return progress.Pointer{}, false
	}
	if doc.Current != nil {
		if ptr, ok := resolveStop(doc, *doc.Current); ok {
			ph := doc.Phases[ptr.Phase]
			if (IsParallelPhase(ph) && !ph.Status.IsTerminal()) || !done(doc, ptr) {
				return ptr, true
			}
		}
	}
	return First(doc)
}
