package machine

import (
	"slices"
	"time"

	"github.com/Iron-Ham/sprintloop/internal/progress"
)

// NodeUpdate changes one node. Zero-valued fields leave the node unchanged.
type NodeUpdate struct {
	Node   progress.Pointer
	Status progress.NodeStatus

	StartedAt   *time.Time
	CompletedAt *time.Time

	RetryCount     *int
	NextRetryAt    *time.Time
	ClearNextRetry bool

	ErrorCategory *string
	LastError     *string
	Summary       *string

	// ResetRetry clears retry-count, next-retry-at, error-category,
	// last-error, and completed-at before the other fields apply.
	ResetRetry bool
}

// Patch is an ordered set of document changes. Zero-valued fields leave the
// document unchanged.
type Patch struct {
	Status       progress.SprintStatus
	Current      *progress.Pointer
	ClearCurrent bool
	Iteration    *int
	StartedAt    *time.Time
	CompletedAt  *time.Time
	Summary      *string
	AddRetries   int

	PauseReason    *string
	Breakpoint     *string
	PassBreakpoint string

	Blocked         *progress.BlockedInfo
	HumanNeeded     *progress.HumanNeeded
	ClearEscalation bool

	ClearInterrupted bool

	Nodes []NodeUpdate
}

// Empty reports whether applying the patch would change nothing.
func (p *Patch) Empty() bool {
	if p == nil {
		return true
	}
	return p.Status == "" && p.Current == nil && !p.ClearCurrent && p.Iteration == nil &&
		p.StartedAt == nil && p.CompletedAt == nil && p.Summary == nil && p.AddRetries == 0 &&
		p.PauseReason == nil && p.Breakpoint == nil && p.PassBreakpoint == "" &&
		p.Blocked == nil && p.HumanNeeded == nil && !p.ClearEscalation && !p.ClearInterrupted &&
		len(p.Nodes) == 0
}

// Apply mutates doc. Node updates addressing missing nodes are ignored and
// their pointers returned.
func (p *Patch) Apply(doc *progress.Progress) []progress.Pointer {
	if p == nil || doc == nil {
		return nil
	}

	var missing []progress.Pointer
	for _, u := range p.Nodes {
		n, ok := doc.Node(u.Node)
		if !ok {
			missing = append(missing, u.Node)
			continue
		}
		u.apply(n)
	}

	if p.Status != "" {
		doc.Status = p.Status
	}
	if p.ClearCurrent {
		doc.Current = nil
	}
	if p.Current != nil {
		c := p.Current.Clone()
		doc.Current = &c
	}
	if p.Iteration != nil {
		doc.Iteration = *p.Iteration
		doc.Stats.Iterations = *p.Iteration
	}
	if p.StartedAt != nil && doc.StartedAt == nil {
		t := *p.StartedAt
		doc.StartedAt = &t
		s := t
		doc.Stats.StartedAt = &s
	}
	if p.CompletedAt != nil {
		t := *p.CompletedAt
		doc.Stats.CompletedAt = &t
	}
	if p.Summary != nil {
		doc.Summary = *p.Summary
	}
	doc.Stats.Retries += p.AddRetries

	if p.PauseReason != nil {
		doc.PauseReason = *p.PauseReason
	}
	if p.Breakpoint != nil {
		doc.Breakpoint = *p.Breakpoint
	}
	if p.PassBreakpoint != "" && !slices.Contains(doc.PassedBreakpoints, p.PassBreakpoint) {
		doc.PassedBreakpoints = append(doc.PassedBreakpoints, p.PassBreakpoint)
	}

	if p.ClearEscalation {
		doc.Blocked = nil
		doc.HumanNeeded = nil
	}
	if p.Blocked != nil {
		b := *p.Blocked
		doc.Blocked = &b
	}
	if p.HumanNeeded != nil {
		h := *p.HumanNeeded
		doc.HumanNeeded = &h
	}
	if p.ClearInterrupted {
		doc.InterruptedAt = nil
	}
	return missing
}

func (u NodeUpdate) apply(n *progress.NodeState) {
	if u.ResetRetry {
		n.RetryCount = 0
		n.NextRetryAt = nil
		n.ErrorCategory = ""
		n.LastError = ""
		n.CompletedAt = nil
		n.Elapsed = 0
	}
	if u.Status != "" {
		n.Status = u.Status
	}
	if u.StartedAt != nil {
		t := *u.StartedAt
		n.StartedAt = &t
	}
	if u.CompletedAt != nil {
		t := *u.CompletedAt
		n.CompletedAt = &t
		if n.StartedAt != nil {
			n.Elapsed = t.Sub(*n.StartedAt)
		}
	}
	if u.RetryCount != nil {
		n.RetryCount = *u.RetryCount
	}
	if u.ClearNextRetry {
		n.NextRetryAt = nil
	}
	if u.NextRetryAt != nil {
		t := *u.NextRetryAt
		n.NextRetryAt = &t
	}
	if u.ErrorCategory != nil {
		n.ErrorCategory = *u.ErrorCategory
	}
	if u.LastError != nil {
		n.LastError = *u.LastError
	}
	if u.Summary != nil {
		n.Summary = *u.Summary
	}
}
