package loop

import (
	"context"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/spf13/afero"

	"github.com/Iron-Ham/sprintloop/internal/config"
	"github.com/Iron-Ham/sprintloop/internal/errors"
	"github.com/Iron-Ham/sprintloop/internal/machine"
	"github.com/Iron-Ham/sprintloop/internal/persist"
	"github.com/Iron-Ham/sprintloop/internal/progress"
	"github.com/Iron-Ham/sprintloop/internal/testutil"
	"github.com/Iron-Ham/sprintloop/internal/worker"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Loop.PollIntervalMs = 10
	return cfg
}

type fixture struct {
	fs     afero.Fs
	path   string
	runner *testutil.FakeRunner
	cfg    *config.Config
}

func newFixture(t *testing.T, doc *progress.Progress) *fixture {
	t.Helper()
	return newFixtureOn(t, afero.NewMemMapFs(), doc)
}

func newFixtureOn(t *testing.T, fs afero.Fs, doc *progress.Progress) *fixture {
	t.Helper()
	return &fixture{
		fs:     fs,
		path:   testutil.WriteDoc(t, fs, doc),
		runner: testutil.NewFakeRunner(),
		cfg:    testConfig(),
	}
}

func (f *fixture) loop(t *testing.T) *Loop {
	t.Helper()
	l, err := New(Options{
		Path:   f.path,
		Store:  persist.NewStore(f.fs),
		Config: f.cfg,
		Runner: f.runner,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return l
}

func (f *fixture) run(t *testing.T) Report {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	rep, err := f.loop(t).Run(ctx)
	if err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	return rep
}

func (f *fixture) persisted(t *testing.T) *progress.Progress {
	t.Helper()
	return testutil.ReadDoc(t, f.fs, f.path)
}

func TestRun_SequentialSprintCompletes(t *testing.T) {
	doc := testutil.Doc("s1",
		testutil.Phase("plan"),
		testutil.StepsPhase("build", testutil.WithSubPhases(testutil.Step("api"), "test")),
		testutil.Phase("ship"))
	f := newFixture(t, doc)

	rep := f.run(t)

	if rep.Final != progress.SprintCompleted {
		t.Fatalf("Final = %s, want completed", rep.Final)
	}
	want := []string{"do plan", "do api\n\nthen test", "do ship"}
	if diff := cmp.Diff(want, f.runner.Prompts()); diff != "" {
		t.Errorf("prompts (-want +got):\n%s", diff)
	}
	if rep.Spawned != 3 || rep.Results != 3 {
		t.Errorf("Spawned = %d, Results = %d, want 3 and 3", rep.Spawned, rep.Results)
	}

	got := f.persisted(t)
	if got.Status != progress.SprintCompleted || got.Stats.Completed != got.Stats.TotalNodes {
		t.Errorf("persisted %s with stats %+v", got.Status, got.Stats)
	}
	if got.Iteration < 3 {
		t.Errorf("Iteration = %d, want at least one tick per leaf", got.Iteration)
	}
}

func TestRun_ParallelFailureNeedsHuman(t *testing.T) {
	doc := testutil.Doc("p1", testutil.ParallelPhase("fan",
		testutil.Step("a"), testutil.Step("b", "a"), testutil.Step("c")))
	f := newFixture(t, doc)
	f.runner.On("do a", testutil.Fail(1, "boom"))

	rep := f.run(t)

	if rep.Final != progress.SprintNeedsHuman {
		t.Fatalf("Final = %s, want needs-human", rep.Final)
	}
	got := f.persisted(t)
	for path, want := range map[string]progress.NodeStatus{
		"fan/a": progress.StatusFailed,
		"fan/b": progress.StatusSkipped,
		"fan/c": progress.StatusCompleted,
	} {
		if s := testutil.Status(t, got, path); s != want {
			t.Errorf("%s = %s, want %s", path, s, want)
		}
	}
	if got.HumanNeeded == nil {
		t.Error("human-needed details missing")
	}
}

func TestRun_RetriesTransientFailure(t *testing.T) {
	doc := testutil.Doc("r1", testutil.Phase("plan"))
	doc.Retry = &progress.RetryConfig{BackoffMs: []int64{20}}
	f := newFixture(t, doc)
	f.runner.On("do plan", testutil.Fail(1, "connection refused"), testutil.OK("ok"))

	rep := f.run(t)

	if rep.Final != progress.SprintCompleted {
		t.Fatalf("Final = %s, want completed", rep.Final)
	}
	if n := len(f.runner.Calls()); n != 2 {
		t.Errorf("calls = %d, want 2", n)
	}
	st, ok := rep.Retries["plan"]
	if !ok || st.RetryCount != 1 || !st.Succeeded {
		t.Errorf("Retries[plan] = %+v, want one retry that succeeded", st)
	}
	if got := f.persisted(t); got.Stats.Retries != 1 || got.Phases[0].RetryCount != 1 {
		t.Errorf("retries = %d, retry-count = %d, want 1 and 1", got.Stats.Retries, got.Phases[0].RetryCount)
	}
}

func TestRun_IterationBudgetPauses(t *testing.T) {
	f := newFixture(t, testutil.Doc("b1", testutil.Phase("plan"), testutil.Phase("ship")))
	f.cfg.Loop.MaxIterations = 1

	rep := f.run(t)

	if rep.Final != progress.SprintPaused {
		t.Fatalf("Final = %s, want paused", rep.Final)
	}
	if rep.Iterations != 1 {
		t.Errorf("Iterations = %d, want 1", rep.Iterations)
	}
	got := f.persisted(t)
	if got.PauseReason != "iteration budget of 1 exhausted" {
		t.Errorf("PauseReason = %q", got.PauseReason)
	}
	if got.Phases[0].Status != progress.StatusCompleted || got.Phases[1].Status != progress.StatusPending {
		t.Errorf("phases = %s, %s; want completed, pending", got.Phases[0].Status, got.Phases[1].Status)
	}
}

func TestRun_InterruptThenResume(t *testing.T) {
	f := newFixture(t, testutil.Doc("i1", testutil.Phase("plan"), testutil.Phase("ship")))
	gate := make(chan struct{})
	f.runner.Gate = gate
	first := f.runner
	t.Cleanup(func() { close(gate) })

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for len(first.Calls()) == 0 {
			time.Sleep(time.Millisecond)
		}
		cancel()
	}()

	rep, err := f.loop(t).Run(ctx)
	if !errors.Is(err, errors.ErrInterrupted) {
		t.Fatalf("Run() error = %v, want ErrInterrupted", err)
	}
	if rep.Final != progress.SprintInterrupted {
		t.Errorf("Final = %s, want interrupted", rep.Final)
	}
	// The running worker is left alone.
	if n := first.Cancelled(); n != 0 {
		t.Errorf("%d worker(s) cancelled by the interrupt", n)
	}
	got := f.persisted(t)
	if got.Status != progress.SprintInterrupted || got.InterruptedAt == nil {
		t.Fatalf("persisted status = %s, interrupted-at = %v", got.Status, got.InterruptedAt)
	}
	if got.Phases[0].Status != progress.StatusInProgress {
		t.Errorf("plan = %s, want in-progress while interrupted", got.Phases[0].Status)
	}

	f.runner = testutil.NewFakeRunner()
	rep = f.run(t)
	if rep.Final != progress.SprintCompleted {
		t.Fatalf("second run Final = %s, want completed", rep.Final)
	}
	if diff := cmp.Diff([]string{"do plan", "do ship"}, f.runner.Prompts()); diff != "" {
		t.Errorf("second run prompts (-want +got):\n%s", diff)
	}
	if f.persisted(t).InterruptedAt != nil {
		t.Error("interrupted-at should be cleared after recovery")
	}
}

func TestRun_ParallelSprintOnDisk(t *testing.T) {
	doc := testutil.Doc("disk",
		testutil.Phase("plan"),
		testutil.ParallelPhase("build", testutil.Step("api"), testutil.Step("ui"), testutil.Step("e2e", "api", "ui")),
		testutil.Phase("ship"))

	// Fast workers often finish while their spawn is still being executed.
	for i := 0; i < 5; i++ {
		f := newFixtureOn(t, afero.NewOsFs(), doc.Clone())
		rep := f.run(t)
		if rep.Final != progress.SprintCompleted {
			t.Fatalf("run %d: Final = %s (%s), want completed", i, rep.Final, f.persisted(t).PauseReason)
		}
		if rep.Spawned != 5 || rep.Results != 5 {
			t.Errorf("run %d: Spawned = %d, Results = %d, want 5 and 5", i, rep.Spawned, rep.Results)
		}
	}
}

func TestStep_PauseBeforeStartThenResume(t *testing.T) {
	f := newFixture(t, testutil.Doc("pb", testutil.Phase("plan")))

	state, err := f.loop(t).Step(context.Background(), machine.Event{Type: machine.EventPause, Reason: "not yet"})
	if err != nil {
		t.Fatalf("Step(PAUSE) error = %v", err)
	}
	if _, ok := state.(machine.Paused); !ok {
		t.Fatalf("state = %T, want Paused", state)
	}
	got := f.persisted(t)
	if got.Status != progress.SprintPaused || got.PauseReason != "not yet" {
		t.Errorf("persisted %s (%q), want paused (not yet)", got.Status, got.PauseReason)
	}

	if _, err := f.loop(t).Step(context.Background(), machine.Event{Type: machine.EventResume}); err != nil {
		t.Fatalf("Step(RESUME) error = %v", err)
	}
	if rep := f.run(t); rep.Final != progress.SprintCompleted {
		t.Errorf("Final after resume = %s, want completed", rep.Final)
	}
}

func TestRun_CompletesPendingChecksumWrite(t *testing.T) {
	f := newFixture(t, testutil.Doc("ck", testutil.Phase("plan")))
	next := f.persisted(t)
	next.Summary = "rewritten"
	data, err := progress.Encode(next)
	if err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(f.fs, f.path, data, 0o644); err != nil {
		t.Fatal(err)
	}
	if err := afero.WriteFile(f.fs, persist.ChecksumPath(f.path)+".tmp", []byte(persist.Checksum(data)+"\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	if rep := f.run(t); rep.Final != progress.SprintCompleted {
		t.Fatalf("Final = %s, want completed", rep.Final)
	}
	if ok, _ := afero.Exists(f.fs, persist.ChecksumPath(f.path)+".tmp"); ok {
		t.Error("pending checksum left behind")
	}
}

func TestRun_BreakpointThenResume(t *testing.T) {
	f := newFixture(t, testutil.Doc("bp", testutil.Phase("plan"), testutil.Phase("ship")))
	f.cfg.Breakpoints = []string{"ship"}

	rep := f.run(t)
	if rep.Final != progress.SprintPausedAtBreakpoint {
		t.Fatalf("Final = %s, want paused-at-breakpoint", rep.Final)
	}
	if diff := cmp.Diff([]string{"do plan"}, f.runner.Prompts()); diff != "" {
		t.Errorf("prompts before resume (-want +got):\n%s", diff)
	}

	state, err := f.loop(t).Step(context.Background(), machine.Event{Type: machine.EventResume})
	if err != nil {
		t.Fatalf("Step(RESUME) error = %v", err)
	}
	if _, ok := state.(machine.InProgress); !ok {
		t.Fatalf("state after RESUME = %T, want InProgress", state)
	}

	if rep := f.run(t); rep.Final != progress.SprintCompleted {
		t.Fatalf("Final after resume = %s, want completed", rep.Final)
	}
	got := f.persisted(t)
	if diff := cmp.Diff([]string{"ship"}, got.PassedBreakpoints); diff != "" {
		t.Errorf("passed breakpoints (-want +got):\n%s", diff)
	}
}

func TestRun_PauseRequest(t *testing.T) {
	f := newFixture(t, testutil.Doc("pr", testutil.Phase("plan"), testutil.Phase("ship")))
	if err := RequestPause(f.fs, f.path, "lunch"); err != nil {
		t.Fatalf("RequestPause() error = %v", err)
	}

	rep := f.run(t)
	if rep.Final != progress.SprintPaused {
		t.Fatalf("Final = %s, want paused", rep.Final)
	}
	if got := f.persisted(t).PauseReason; got != "lunch" {
		t.Errorf("PauseReason = %q, want lunch", got)
	}
	if ok, _ := afero.Exists(f.fs, PauseRequestPath(f.path)); ok {
		t.Error("pause request should be consumed")
	}
	if n := len(f.runner.Calls()); n != 0 {
		t.Errorf("calls = %d, want none before the pause", n)
	}

	if _, err := f.loop(t).Step(context.Background(), machine.Event{Type: machine.EventResume}); err != nil {
		t.Fatalf("Step(RESUME) error = %v", err)
	}
	if rep := f.run(t); rep.Final != progress.SprintCompleted {
		t.Errorf("Final after resume = %s, want completed", rep.Final)
	}
}

func TestRun_ProposedStepsAreInsertedAndRun(t *testing.T) {
	f := newFixture(t, testutil.Doc("ps", testutil.StepsPhase("build", testutil.Step("a"))))
	f.runner.On("do a", testutil.Structured(worker.SprintResult{
		Status:        worker.StatusComplete,
		Summary:       "a done, b needed",
		ProposedSteps: []worker.ProposedStep{{ID: "b", Prompt: "do b"}},
	}))

	rep := f.run(t)
	if rep.Final != progress.SprintCompleted {
		t.Fatalf("Final = %s, want completed", rep.Final)
	}
	if diff := cmp.Diff([]string{"do a", "do b"}, f.runner.Prompts()); diff != "" {
		t.Errorf("prompts (-want +got):\n%s", diff)
	}
	got := f.persisted(t)
	if len(got.Phases[0].Steps) != 2 || testutil.Status(t, got, "build/b") != progress.StatusCompleted {
		t.Errorf("build steps = %+v", got.Phases[0].Steps)
	}
}

func TestRun_ParkedSprintReturnsAtOnce(t *testing.T) {
	doc := testutil.Doc("done", testutil.Phase("plan"))
	doc.Status = progress.SprintBlocked
	doc.Blocked = &progress.BlockedInfo{Message: "stuck", PhaseID: "plan"}
	f := newFixture(t, doc)

	rep := f.run(t)
	if rep.Final != progress.SprintBlocked || rep.Iterations != 0 {
		t.Errorf("Final = %s after %d iterations, want blocked after none", rep.Final, rep.Iterations)
	}
}

func TestNew_RejectsBadBreakpoint(t *testing.T) {
	cfg := testConfig()
	cfg.Breakpoints = []string{"[unclosed"}
	if _, err := New(Options{Path: "/p.yaml", Config: cfg}); err == nil {
		t.Error("New() should reject an invalid breakpoint pattern")
	}
	if _, err := New(Options{}); !errors.Is(err, errors.ErrInvalidInput) {
		t.Errorf("New() without a path error = %v, want ErrInvalidInput", err)
	}
}

func TestRecoverFromInterrupt(t *testing.T) {
	at := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	doc := testutil.Doc("rc",
		testutil.Phase("plan"),
		testutil.StepsPhase("build", testutil.WithSubPhases(testutil.Step("api"), "write", "test")),
		testutil.ParallelPhase("fan", testutil.WithSubPhases(testutil.Step("x"), "one")))
	doc.Status = progress.SprintInterrupted
	doc.InterruptedAt = &at
	doc.Phases[0].Status = progress.StatusCompleted
	doc.Phases[1].Status = progress.StatusInProgress
	doc.Phases[1].Steps[0].Status = progress.StatusInProgress
	doc.Phases[1].Steps[0].SubPhases[0].Status = progress.StatusCompleted
	doc.Phases[1].Steps[0].SubPhases[1].Status = progress.StatusInProgress
	doc.Phases[2].Steps[0].Status = progress.StatusInProgress
	doc.Phases[2].Steps[0].SubPhases[0].Status = progress.StatusInProgress
	bad := progress.StepAt(1, 7)
	doc.Current = &bad

	n := RecoverFromInterrupt(doc)

	if n != 6 {
		t.Errorf("repairs = %d, want 6", n)
	}
	if doc.Status != progress.SprintInProgress || doc.InterruptedAt != nil {
		t.Errorf("status = %s, interrupted-at = %v", doc.Status, doc.InterruptedAt)
	}
	for path, want := range map[string]progress.NodeStatus{
		"plan":           progress.StatusCompleted,
		"build":          progress.StatusInProgress,
		"build/api":      progress.StatusInProgress,
		"build/api/test": progress.StatusPending,
		"fan/x":          progress.StatusPending,
		"fan/x/one":      progress.StatusPending,
	} {
		if s := testutil.Status(t, doc, path); s != want {
			t.Errorf("%s = %s, want %s", path, s, want)
		}
	}
	want := progress.SubPhaseAt(1, 0, 1)
	if doc.Current == nil || !doc.Current.Equal(want) {
		t.Errorf("current = %v, want %v", doc.Current, want)
	}

	if RecoverFromInterrupt(doc) != 0 {
		t.Error("a recovered document needs no further repairs")
	}
}

func TestNextRetry(t *testing.T) {
	doc := testutil.Doc("nr", testutil.Phase("a"), testutil.Phase("b"), testutil.Phase("c"))
	early := time.Date(2026, 5, 4, 10, 0, 0, 0, time.UTC)
	late := early.Add(time.Minute)
	doc.Phases[0].NextRetryAt = &late
	doc.Phases[1].NextRetryAt = &early
	doc.Phases[1].Status = progress.StatusCompleted
	doc.Phases[2].NextRetryAt = &late

	got, ok := NextRetry(doc)
	if !ok || !got.Equal(late) {
		t.Errorf("NextRetry() = %v, %v; want %v", got, ok, late)
	}
	if _, ok := NextRetry(testutil.Doc("none", testutil.Phase("a"))); ok {
		t.Error("no retries scheduled")
	}
}
