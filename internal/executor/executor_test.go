package executor

import (
	"context"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/sprintloop/internal/activity"
	"github.com/Iron-Ham/sprintloop/internal/errors"
	"github.com/Iron-Ham/sprintloop/internal/machine"
	"github.com/Iron-Ham/sprintloop/internal/persist"
	"github.com/Iron-Ham/sprintloop/internal/progress"
	"github.com/Iron-Ham/sprintloop/internal/retry"
	"github.com/Iron-Ham/sprintloop/internal/scheduler"
	"github.com/Iron-Ham/sprintloop/internal/testutil"
	"github.com/Iron-Ham/sprintloop/internal/worker"
)

var t0 = time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)

type recordSink struct {
	mu     sync.Mutex
	events []activity.Event
	err    error
}

func (r *recordSink) Emit(ev activity.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return r.err
}

func (r *recordSink) kinds() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, ev := range r.events {
		out = append(out, ev.Kind)
	}
	return out
}

// harness drives the machine and the executor together the way the loop
// does, against an in-memory filesystem.
type harness struct {
	t      *testing.T
	ctx    context.Context
	fs     afero.Fs
	path   string
	runner *testutil.FakeRunner
	sink   *recordSink
	ex     *Executor
	policy retry.Policy
	fp     scheduler.FailurePolicy
	doc    *progress.Progress
	state  machine.State
}

func newHarness(t *testing.T, doc *progress.Progress, policy retry.Policy, fp scheduler.FailurePolicy) *harness {
	t.Helper()
	fs := afero.NewMemMapFs()
	h := &harness{
		t:      t,
		ctx:    context.Background(),
		fs:     fs,
		path:   testutil.WriteDoc(t, fs, doc),
		runner: testutil.NewFakeRunner(),
		sink:   &recordSink{},
		policy: policy,
		fp:     fp,
		doc:    doc,
		state:  machine.NotStarted{},
	}
	h.ex = New(Options{
		Path:      h.path,
		Store:     persist.NewStore(fs),
		Runner:    h.runner,
		Sink:      h.sink,
		Policy:    policy,
		Scheduler: scheduler.Config{FailurePolicy: fp},
		Now:       func() time.Time { return t0 },
	})
	return h
}

func (h *harness) send(ev machine.Event) machine.Result {
	h.t.Helper()
	if ev.At.IsZero() {
		ev.At = t0
	}
	view, err := h.ex.ParallelView(h.doc)
	if err != nil {
		h.t.Fatalf("ParallelView: %v", err)
	}
	res := machine.Transition(h.state, ev, machine.Context{
		Doc:           h.doc,
		Policy:        h.policy,
		FailurePolicy: h.fp,
		Parallel:      view,
	})
	out, err := h.ex.Execute(h.ctx, res.Actions, h.doc)
	if err != nil {
		h.t.Fatalf("Execute(%s): %v", ev.Type, err)
	}
	h.doc, h.state = out.Doc, res.Next
	for _, follow := range out.Events {
		h.send(follow)
	}
	return res
}

// settle feeds worker results back until nothing is in flight.
func (h *harness) settle() {
	h.t.Helper()
	for {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		events, err := h.ex.Await(ctx)
		cancel()
		if err != nil {
			h.t.Fatalf("Await: %v", err)
		}
		if len(events) == 0 {
			return
		}
		for _, ev := range events {
			h.send(ev)
		}
	}
}

func (h *harness) persisted() *progress.Progress {
	h.t.Helper()
	return testutil.ReadDoc(h.t, h.fs, h.path)
}

func noRetries() retry.Policy {
	return retry.Policy{MaxAttempts: 0, RetryOn: nil}
}

func TestExecute_SequentialPhases(t *testing.T) {
	doc := testutil.Doc("s1", testutil.Phase("plan"), testutil.Phase("ship"))
	original := doc.Clone()
	h := newHarness(t, doc, noRetries(), scheduler.SkipDependents)
	h.runner.On("do plan", testutil.OK("planned"))

	h.send(machine.Event{Type: machine.EventStart})
	if diff := cmp.Diff(original, doc); diff != "" {
		t.Errorf("Execute modified its input (-want +got):\n%s", diff)
	}
	if got := h.persisted().Status; got != progress.SprintInProgress {
		t.Fatalf("persisted status = %s, want in-progress", got)
	}

	h.send(machine.Event{Type: machine.EventTick})
	if h.ex.InFlight() != 1 {
		t.Fatalf("InFlight() = %d, want 1", h.ex.InFlight())
	}
	h.settle()

	got := h.persisted()
	if got.Phases[0].Status != progress.StatusCompleted || got.Phases[0].Summary != "planned" {
		t.Errorf("plan = %+v, want completed with summary", got.Phases[0].NodeState)
	}
	if got.Current == nil || !got.Current.Equal(progress.PhaseAt(1)) {
		t.Errorf("current = %v, want phase 1", got.Current)
	}

	h.send(machine.Event{Type: machine.EventTick})
	h.settle()
	h.send(machine.Event{Type: machine.EventTick})

	if _, ok := h.state.(machine.Completed); !ok {
		t.Fatalf("state = %T, want Completed", h.state)
	}
	if diff := cmp.Diff([]string{"do plan", "do ship"}, h.runner.Prompts()); diff != "" {
		t.Errorf("prompts (-want +got):\n%s", diff)
	}
	if got := h.persisted(); got.Status != progress.SprintCompleted || got.Stats.Completed != 2 {
		t.Errorf("final = %s with %d completed, want completed with 2", got.Status, got.Stats.Completed)
	}
	kinds := h.sink.kinds()
	if kinds[0] != machine.ActivitySprintStarted || kinds[len(kinds)-1] != machine.ActivitySprintCompleted {
		t.Errorf("activity = %v", kinds)
	}
}

func TestExecute_ParallelFanOut(t *testing.T) {
	doc := testutil.Doc("p1", testutil.ParallelPhase("fan",
		testutil.Step("a"), testutil.Step("b", "a"), testutil.Step("c")))
	h := newHarness(t, doc, noRetries(), scheduler.SkipDependents)
	gate := make(chan struct{})
	h.runner.Gate = gate

	h.send(machine.Event{Type: machine.EventStart})
	h.send(machine.Event{Type: machine.EventTick})

	if h.ex.InFlight() != 2 {
		t.Fatalf("InFlight() = %d, want 2", h.ex.InFlight())
	}
	h.runner.WaitForCalls(t, 2)
	if diff := cmp.Diff([]string{"a", "c"}, h.ex.Scheduler().Running()); diff != "" {
		t.Errorf("running (-want +got):\n%s", diff)
	}
	saved := h.persisted()
	if diff := cmp.Diff([]string{"a", "b", "c"}, saved.Parallel.StepQueue); diff != "" {
		t.Errorf("step queue (-want +got):\n%s", diff)
	}
	g := saved.Parallel.Graph("fan")
	if g == nil || len(g.Nodes) != 3 || !cmp.Equal(g.Nodes[1].BlockedBy, []string{"a"}) {
		t.Errorf("graph = %+v, want b blocked by a", g)
	}

	close(gate)
	h.settle()
	if n, _ := h.ex.Scheduler().Node("b"); n.Status != scheduler.StatusReady {
		t.Fatalf("b = %s after a completed, want ready", n.Status)
	}

	h.send(machine.Event{Type: machine.EventTick})
	h.settle()
	h.send(machine.Event{Type: machine.EventTick})

	if _, ok := h.state.(machine.Completed); !ok {
		t.Fatalf("state = %T, want Completed", h.state)
	}
	prompts := h.runner.Prompts()
	if len(prompts) != 3 || prompts[2] != "do b" {
		t.Errorf("prompts = %v, want b last", prompts)
	}
	if h.runner.Peak() < 2 {
		t.Errorf("peak concurrency = %d, want a and c together", h.runner.Peak())
	}
}

func TestExecute_FailureSkipsDependents(t *testing.T) {
	doc := testutil.Doc("p2", testutil.ParallelPhase("fan",
		testutil.Step("a"), testutil.Step("b", "a"), testutil.Step("c")))
	h := newHarness(t, doc, noRetries(), scheduler.SkipDependents)
	h.runner.On("do a", testutil.Fail(1, "boom"))

	h.send(machine.Event{Type: machine.EventStart})
	h.send(machine.Event{Type: machine.EventTick})
	h.settle()

	saved := h.persisted()
	b := saved.Phases[0].Steps[1]
	if b.Status != progress.StatusSkipped || b.LastError != machine.DependencySkipPrefix+"a" {
		t.Errorf("b = %s %q, want skipped because of a", b.Status, b.LastError)
	}

	h.send(machine.Event{Type: machine.EventTick})
	if _, ok := h.state.(machine.NeedsHuman); !ok {
		t.Fatalf("state = %T, want NeedsHuman for an unclassified failure", h.state)
	}
	for _, p := range h.runner.Prompts() {
		if p == "do b" {
			t.Error("skipped step b was run")
		}
	}
}

func TestExecute_RetryRequeuesStep(t *testing.T) {
	doc := testutil.Doc("p3", testutil.ParallelPhase("fan", testutil.Step("a"), testutil.Step("b", "a")))
	policy := retry.Policy{MaxAttempts: 2, RetryOn: []retry.Category{retry.CategoryNetwork}}
	h := newHarness(t, doc, policy, scheduler.SkipDependents)
	h.runner.On("do a", testutil.Fail(1, "read: connection reset by peer"), testutil.OK("fine"))

	h.send(machine.Event{Type: machine.EventStart})
	h.send(machine.Event{Type: machine.EventTick})
	h.settle()

	if n, _ := h.ex.Scheduler().Node("a"); n.Status != scheduler.StatusReady {
		t.Fatalf("a = %s after a scheduled retry, want ready", n.Status)
	}
	if st, ok := h.ex.Tracker().State("fan/a"); !ok || st.RetryCount != 1 {
		t.Errorf("tracker state = %+v, want one recorded failure", st)
	}

	for range 3 {
		h.send(machine.Event{Type: machine.EventTick})
		h.settle()
	}

	if _, ok := h.state.(machine.Completed); !ok {
		t.Fatalf("state = %T, want Completed", h.state)
	}
	saved := h.persisted()
	if saved.Phases[0].Steps[0].RetryCount != 1 || saved.Stats.Retries != 1 {
		t.Errorf("retry count %d, stats retries %d, want 1 and 1", saved.Phases[0].Steps[0].RetryCount, saved.Stats.Retries)
	}
	if st, _ := h.ex.Tracker().State("fan/a"); !st.Succeeded {
		t.Error("tracker should record the eventual success")
	}
}

func TestExecute_InsertStep(t *testing.T) {
	insert := func(phase string, st progress.Step, deps ...string) []machine.Action {
		return []machine.Action{{Type: machine.ActionInsertStep, Insert: &machine.Insert{PhaseID: phase, Step: st, DependsOn: deps}}}
	}

	t.Run("sequential phase", func(t *testing.T) {
		h := newHarness(t, testutil.Doc("i1", testutil.StepsPhase("build", testutil.Step("api"))), noRetries(), scheduler.SkipDependents)

		out, err := h.ex.Execute(h.ctx, insert("build", testutil.Step("docs")), h.doc)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(out.Doc.Phases[0].Steps) != 2 || len(h.persisted().Phases[0].Steps) != 2 {
			t.Error("step was not appended and persisted")
		}
		if ok, _ := afero.Exists(h.fs, persist.BackupPath(h.path)); ok {
			t.Error("backup left behind after a successful insert")
		}

		out, err = h.ex.Execute(h.ctx, insert("build", testutil.Step("api")), out.Doc)
		if err != nil || len(out.Doc.Phases[0].Steps) != 2 {
			t.Errorf("duplicate step: err %v, %d steps, want refusal without error", err, len(out.Doc.Phases[0].Steps))
		}

		out, err = h.ex.Execute(h.ctx, insert("nope", testutil.Step("x")), out.Doc)
		if err != nil {
			t.Errorf("unknown phase should be refused without error, got %v", err)
		}

		out, err = h.ex.Execute(h.ctx, insert("build", testutil.Step("x"), "ghost"), out.Doc)
		if err != nil {
			t.Fatalf("unknown dependency should be refused without error, got %v", err)
		}
		if len(out.Doc.Phases[0].Steps) != 2 {
			t.Errorf("step with an unknown dependency was inserted: %+v", out.Doc.Phases[0].Steps)
		}
		saved := h.persisted()
		if len(saved.Phases[0].Steps) != 2 {
			t.Errorf("persisted %d steps, want 2", len(saved.Phases[0].Steps))
		}
	})

	t.Run("failed write leaves the document alone", func(t *testing.T) {
		fs := afero.NewMemMapFs()
		doc := testutil.Doc("i3", testutil.StepsPhase("build", testutil.Step("api")))
		path := testutil.WriteDoc(t, fs, doc)
		ex := New(Options{Path: path, Store: persist.NewStore(afero.NewReadOnlyFs(fs))})

		out, err := ex.Execute(context.Background(), insert("build", testutil.Step("docs")), doc)
		if err == nil {
			t.Fatal("Execute should fail when the insertion cannot be persisted")
		}
		if len(out.Doc.Phases[0].Steps) != 1 {
			t.Errorf("in-memory document has %d steps after a failed insert, want 1", len(out.Doc.Phases[0].Steps))
		}
	})

	t.Run("parallel phase", func(t *testing.T) {
		doc := testutil.Doc("i2", testutil.ParallelPhase("fan", testutil.Step("a"), testutil.Step("b")))
		h := newHarness(t, doc, noRetries(), scheduler.SkipDependents)
		if _, err := h.ex.ParallelView(h.doc); err != nil {
			t.Fatal(err)
		}

		out, err := h.ex.Execute(h.ctx, insert("fan", testutil.Step("c"), "missing"), h.doc)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		if len(out.Doc.Phases[0].Steps) != 2 {
			t.Error("step with an unknown dependency was inserted")
		}

		out, err = h.ex.Execute(h.ctx, insert("fan", testutil.Step("d"), "a"), out.Doc)
		if err != nil {
			t.Fatalf("Execute: %v", err)
		}
		n, ok := h.ex.Scheduler().Node("d")
		if !ok || n.Status != scheduler.StatusPending || !cmp.Equal(n.BlockedBy, []string{"a"}) {
			t.Errorf("scheduler node d = %+v, want pending on a", n)
		}
		saved := h.persisted()
		if diff := cmp.Diff([]string{"a", "b", "d"}, saved.Parallel.StepQueue); diff != "" {
			t.Errorf("step queue (-want +got):\n%s", diff)
		}
		if got := saved.Phases[0].Steps[2].DependsOn; !cmp.Equal(got, []string{"a"}) {
			t.Errorf("d depends on %v, want [a]", got)
		}
	})
}

func TestExecute_PersistenceFailureIsFatal(t *testing.T) {
	fs := afero.NewMemMapFs()
	doc := testutil.Doc("ro", testutil.Phase("plan"))
	path := testutil.WriteDoc(t, fs, doc)
	ex := New(Options{Path: path, Store: persist.NewStore(afero.NewReadOnlyFs(fs)), Runner: testutil.NewFakeRunner()})

	res := machine.Transition(machine.NotStarted{}, machine.Event{Type: machine.EventStart, At: t0}, machine.Context{Doc: doc})
	_, err := ex.Execute(context.Background(), res.Actions, doc)
	if err == nil {
		t.Fatal("Execute should fail on a read-only filesystem")
	}
	if !errors.IsFatal(err) {
		t.Errorf("IsFatal(%v) = false, want true", err)
	}
}

func TestExecute_SinkErrorsAreIgnored(t *testing.T) {
	h := newHarness(t, testutil.Doc("sink", testutil.Phase("plan")), noRetries(), scheduler.SkipDependents)
	h.sink.err = errors.New("disk full")

	h.send(machine.Event{Type: machine.EventStart})
	if len(h.sink.kinds()) == 0 {
		t.Fatal("no activity emitted")
	}
	ev := h.sink.events[0]
	if ev.SprintID != "sink" || !ev.Time.Equal(t0) {
		t.Errorf("event = %+v, want sprint id and executor clock", ev)
	}
}

func TestExecute_SpawnWithoutRunner(t *testing.T) {
	fs := afero.NewMemMapFs()
	doc := testutil.Doc("nr", testutil.Phase("plan"))
	ex := New(Options{Path: testutil.WriteDoc(t, fs, doc), Store: persist.NewStore(fs)})

	ptr := progress.PhaseAt(0)
	out, err := ex.Execute(context.Background(), []machine.Action{{
		Type:  machine.ActionSpawnClaude,
		Spawn: &machine.Spawn{Node: ptr, Path: "plan", PhaseID: "plan", Prompt: "do plan"},
	}}, doc)
	if err != nil {
		t.Fatal(err)
	}
	if out.Spawned != 0 || len(out.Events) != 1 {
		t.Fatalf("spawned %d, events %d, want a single failure event", out.Spawned, len(out.Events))
	}
	if ev := out.Events[0]; ev.Type != machine.EventPhaseFailed || ev.Category != retry.CategoryLogic {
		t.Errorf("event = %+v", ev)
	}
}

func TestExecute_WorkersOutliveCallerContext(t *testing.T) {
	h := newHarness(t, testutil.Doc("d1", testutil.Phase("plan")), noRetries(), scheduler.SkipDependents)
	gate := make(chan struct{})
	h.runner.Gate = gate
	ctx, cancel := context.WithCancel(context.Background())
	h.ctx = ctx

	h.send(machine.Event{Type: machine.EventStart})
	h.send(machine.Event{Type: machine.EventTick})
	h.runner.WaitForCalls(t, 1)

	cancel()
	if h.ex.InFlight() != 1 {
		t.Fatalf("InFlight() = %d after cancel, want the worker still running", h.ex.InFlight())
	}

	close(gate)
	awaitCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
	defer stop()
	events, err := h.ex.Await(awaitCtx)
	if err != nil {
		t.Fatalf("Await: %v", err)
	}
	if len(events) != 1 || events[0].Type != machine.EventPhaseComplete {
		t.Errorf("events = %+v, want the phase completion", events)
	}
	if n := h.runner.Cancelled(); n != 0 {
		t.Errorf("%d worker(s) saw a cancelled context", n)
	}
}

func TestPending_CountsUncollectedResults(t *testing.T) {
	h := newHarness(t, testutil.Doc("pd", testutil.Phase("plan")), noRetries(), scheduler.SkipDependents)

	h.send(machine.Event{Type: machine.EventStart})
	h.send(machine.Event{Type: machine.EventTick})

	deadline := time.Now().Add(5 * time.Second)
	for h.ex.InFlight() > 0 {
		if time.Now().After(deadline) {
			t.Fatal("worker never finished")
		}
		time.Sleep(time.Millisecond)
	}
	if n := h.ex.Pending(); n != 1 {
		t.Fatalf("Pending() = %d with the result uncollected, want 1", n)
	}
	events, err := h.ex.Await(context.Background())
	if err != nil || len(events) != 1 {
		t.Fatalf("Await() = %v, %v; want one event", events, err)
	}
	if n := h.ex.Pending(); n != 0 {
		t.Errorf("Pending() = %d after Await, want 0", n)
	}
}

func TestAwait_NothingInFlight(t *testing.T) {
	ex := New(Options{})
	events, err := ex.Await(context.Background())
	if err != nil || events != nil {
		t.Errorf("Await() = %v, %v, want nil, nil", events, err)
	}
}

func TestToEvents(t *testing.T) {
	step := progress.StepAt(0, 1)
	stepSpawn := machine.Spawn{Node: step, Path: "build/api", PhaseID: "build", StepID: "api"}
	phaseSpawn := machine.Spawn{Node: progress.PhaseAt(0), Path: "plan", PhaseID: "plan"}

	tests := []struct {
		name     string
		spawn    machine.Spawn
		result   worker.Result
		err      error
		want     []machine.EventType
		category retry.Category
		check    func(t *testing.T, evs []machine.Event)
	}{
		{
			name:     "network failure",
			spawn:    stepSpawn,
			result:   worker.Result{ExitCode: 1, Output: "dial tcp: connection refused"},
			want:     []machine.EventType{machine.EventStepFailed},
			category: retry.CategoryNetwork,
		},
		{
			name:     "timeout",
			spawn:    stepSpawn,
			result:   worker.Result{ExitCode: 124, TimedOut: true, Duration: 30 * time.Second},
			want:     []machine.EventType{machine.EventStepFailed},
			category: retry.CategoryTimeout,
			check: func(t *testing.T, evs []machine.Event) {
				if evs[0].Error != "worker timed out after 30s" || evs[0].ExitCode != 124 {
					t.Errorf("event = %+v", evs[0])
				}
			},
		},
		{
			name:  "malformed result block",
			spawn: stepSpawn,
			result: worker.Result{Structured: &worker.SprintResult{
				Status: worker.StatusFailed, ParseError: "malformed sprint-result block: unexpected EOF"}},
			want:     []machine.EventType{machine.EventStepFailed},
			category: retry.CategoryValidation,
		},
		{
			name:     "structured failure",
			spawn:    phaseSpawn,
			result:   worker.Result{Structured: &worker.SprintResult{Status: worker.StatusFailed, Error: "hit the rate limit"}},
			want:     []machine.EventType{machine.EventPhaseFailed},
			category: retry.CategoryRateLimit,
		},
		{
			name:     "runner error",
			spawn:    stepSpawn,
			err:      errors.New(`exec: "claude": executable file not found in $PATH`),
			want:     []machine.EventType{machine.EventStepFailed},
			category: retry.CategoryLogic,
		},
		{
			name:  "cancelled",
			spawn: stepSpawn,
			err:   context.Canceled,
		},
		{
			name:   "human needed",
			spawn:  stepSpawn,
			result: worker.Result{Structured: &worker.SprintResult{Status: worker.StatusHumanNeeded, Reason: "which database?"}},
			want:   []machine.EventType{machine.EventHumanNeeded},
			check: func(t *testing.T, evs []machine.Event) {
				if evs[0].Reason != "which database?" {
					t.Errorf("reason = %q", evs[0].Reason)
				}
			},
		},
		{
			name:   "goal complete",
			spawn:  phaseSpawn,
			result: worker.Result{Structured: &worker.SprintResult{Status: worker.StatusGoalComplete, Summary: "shipped"}},
			want:   []machine.EventType{machine.EventGoalComplete},
		},
		{
			name:  "proposals precede completion",
			spawn: stepSpawn,
			result: worker.Result{Structured: &worker.SprintResult{
				Status:        worker.StatusComplete,
				Summary:       "api done",
				ProposedSteps: []worker.ProposedStep{{ID: "docs", Prompt: "document it"}},
			}},
			want: []machine.EventType{machine.EventProposeSteps, machine.EventStepComplete},
			check: func(t *testing.T, evs []machine.Event) {
				if len(evs[0].Steps) != 1 || evs[0].Steps[0].ID != "docs" || evs[0].PhaseID != "build" {
					t.Errorf("proposal = %+v", evs[0])
				}
				if evs[1].Summary != "api done" {
					t.Errorf("summary = %q", evs[1].Summary)
				}
			},
		},
		{
			name:   "plain text success",
			spawn:  phaseSpawn,
			result: worker.Result{Text: "all good\nmore detail"},
			want:   []machine.EventType{machine.EventPhaseComplete},
			check: func(t *testing.T, evs []machine.Event) {
				if evs[0].Summary != "all good" || !evs[0].Node.Equal(progress.PhaseAt(0)) {
					t.Errorf("event = %+v", evs[0])
				}
			},
		},
	}

	ex := New(Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			evs := ex.toEvents(completion{id: "inv", spawn: tt.spawn, result: tt.result, err: tt.err, at: t0})
			var types []machine.EventType
			for _, ev := range evs {
				types = append(types, ev.Type)
			}
			if diff := cmp.Diff(tt.want, types); diff != "" {
				t.Fatalf("event types (-want +got):\n%s", diff)
			}
			if tt.category != "" && evs[0].Category != tt.category {
				t.Errorf("category = %s, want %s", evs[0].Category, tt.category)
			}
			if tt.check != nil {
				tt.check(t, evs)
			}
		})
	}
}

func TestFailureMessage_Tail(t *testing.T) {
	out := strings.Repeat("x", maxErrorLen) + "final error"
	msg := failureMessage(worker.Result{ExitCode: 2, Output: out})
	if !strings.HasSuffix(msg, "final error") || !strings.HasPrefix(msg, "...") {
		t.Errorf("message should keep the end of the output, got prefix %q", msg[:10])
	}
	if got := failureMessage(worker.Result{ExitCode: 3}); got != "worker exited with code 3" {
		t.Errorf("empty output message = %q", got)
	}
}
