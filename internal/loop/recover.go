package loop

import (
	"github.com/Iron-Ham/sprintloop/internal/machine"
	"github.com/Iron-Ham/sprintloop/internal/progress"
)

// RecoverFromInterrupt repairs a document whose previous run stopped with
// workers in flight, either through an interrupt or a crash. It returns the
// number of repairs made; zero means doc is unchanged.
//
// Nodes left in progress go back to pending: in-progress leaves, and the
// in-progress steps of parallel phases so the scheduler hands them out
// again. A pointer that no longer resolves is moved to the first node with
// work left. An interrupted sprint becomes in-progress again.
func RecoverFromInterrupt(doc *progress.Progress) int {
	if doc == nil || doc.Status == progress.SprintCompleted {
		return 0
	}
	repairs := 0

	reset := func(n *progress.NodeState) {
		if n.Status == progress.StatusInProgress {
			n.Status = progress.StatusPending
			repairs++
		}
	}
	for i := range doc.Phases {
		ph := &doc.Phases[i]
		if len(ph.Steps) == 0 {
			reset(&ph.NodeState)
			continue
		}
		parallel := machine.IsParallelPhase(*ph)
		for j := range ph.Steps {
			st := &ph.Steps[j]
			if len(st.SubPhases) == 0 || parallel {
				reset(&st.NodeState)
			}
			for k := range st.SubPhases {
				reset(&st.SubPhases[k].NodeState)
			}
		}
	}

	if doc.Current != nil {
		if _, ok := doc.Node(*doc.Current); !ok {
			if ptr, ok := machine.First(doc); ok {
				doc.Current = &ptr
			} else {
				doc.Current = nil
			}
			repairs++
		}
	}

	if doc.Status == progress.SprintInterrupted {
		doc.Status = progress.SprintInProgress
		repairs++
	}
	if doc.InterruptedAt != nil {
		doc.InterruptedAt = nil
		repairs++
	}
	return repairs
}
