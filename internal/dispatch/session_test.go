package dispatch

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"dispatchloop/internal/model"
	"dispatchloop/internal/solver"
	"dispatchloop/internal/store"
)

type fakeSolver struct {
	mu      sync.Mutex
	solves  int
	reopts  int
	lastRC  model.ReoptimizationContext
	fail    error
	block   chan struct{}
	result  solver.Result
	nextSol int
}

func (f *fakeSolver) Solve(ctx context.Context, instanceText string, params model.SolverParams) (solver.Result, error) {
	return f.run(&f.solves)
}

func (f *fakeSolver) Reoptimize(ctx context.Context, rc model.ReoptimizationContext, params model.SolverParams) (solver.Result, error) {
	f.mu.Lock()
	f.lastRC = rc
	f.mu.Unlock()
	return f.run(&f.reopts)
}

func (f *fakeSolver) run(counter *int) (solver.Result, error) {
	f.mu.Lock()
	block := f.block
	f.mu.Unlock()
	if block != nil {
		<-block
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail != nil {
		return solver.Result{}, f.fail
	}
	*counter++
	f.nextSol++
	res := f.result
	if res.SolutionID == "" {
		res = solver.Result{
			Routes:  []model.Route{{ID: 1, Sequence: []int{0, 1, 2, 0}, Cost: 10}},
			Metrics: model.Metrics{TotalCost: 10},
		}
	}
	return res, nil
}

func (f *fakeSolver) counts() (int, int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.solves, f.reopts
}

func seedPool(t *testing.T, m *store.Memory, n int) []string {
	t.Helper()
	ctx := context.Background()
	seedDepot(t, m)
	ins := make([]model.OrderIn, n)
	for i := range ins {
		ins[i] = model.OrderIn{
			Pickup:   &model.StopSpec{LocationID: "p", Location: geo(1, 1)},
			Delivery: &model.StopSpec{LocationID: "d", Location: geo(2, 2)},
		}
	}
	if _, err := m.CreateOrders(ctx, "org1", ins); err != nil {
		t.Fatal(err)
	}
	orders, _, _ := m.ListOrders(ctx, "org1", "", "", 100)
	ids := make([]string, 0, len(orders))
	for _, o := range orders {
		if err := m.SetInRouting(ctx, "org1", o.ID, true); err != nil {
			t.Fatal(err)
		}
		ids = append(ids, o.ID)
	}
	return ids
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestStartEmptyPoolRejected(t *testing.T) {
	m := store.NewMemory()
	seedDepot(t, m)
	s := NewSession("org1", model.ModeDynamic, m, &fakeSolver{})
	if err := s.Start(context.Background(), 5); !errors.Is(err, ErrEmptyPool) {
		t.Fatalf("want ErrEmptyPool, got %v", err)
	}
	if s.State().Running {
		t.Fatal("rejected start must not change state")
	}
}

func TestStartTriggersStartSolveOnce(t *testing.T) {
	m := store.NewMemory()
	seedPool(t, m, 2)
	fs := &fakeSolver{}
	s := NewSession("org1", model.ModeDynamic, m, fs)
	s.interval = time.Hour // keep the loop from reaching a periodic solve

	if err := s.Start(context.Background(), 5); err != nil {
		t.Fatal(err)
	}
	defer s.Stop(context.Background())

	waitFor(t, func() bool { return s.State().LastSolveAtMs != 0 })
	solves, reopts := fs.counts()
	if solves != 1 || reopts != 0 {
		t.Fatalf("want exactly one from-scratch START solve, got solves=%d reopts=%d", solves, reopts)
	}
	st := s.State()
	if !st.Running || st.Paused || st.LatestSolutionID == "" {
		t.Fatalf("state after start solve: %+v", st)
	}

	// the solve marks pending pool orders as assigned
	orders, _, _ := m.ListOrders(context.Background(), "org1", "", "", 10)
	for _, o := range orders {
		if o.Status != model.StatusAssigned {
			t.Fatalf("order %s status = %s", o.ID, o.Status)
		}
	}
	// and leaves an optimization-run event behind
	evs, _ := m.ListRoutingEvents(context.Background(), "org1", "", 10)
	if len(evs) == 0 || evs[0].Type != model.EventOptimizationRun || evs[0].Trigger != model.TriggerStart {
		t.Fatalf("events: %+v", evs)
	}
}

func TestOverdueClockFiresImmediately(t *testing.T) {
	st := model.SchedulerState{LastSolveAtMs: time.Now().Add(-20 * time.Minute).UnixMilli(), IntervalMinutes: 5}
	if d := nextDelay(st, 5*time.Minute, time.Now()); d != 0 {
		t.Fatalf("overdue delay = %v, want 0", d)
	}
	st.LastSolveAtMs = 0
	if d := nextDelay(st, 5*time.Minute, time.Now()); d != 0 {
		t.Fatalf("never-solved delay = %v, want 0", d)
	}
	now := time.Now()
	st.LastSolveAtMs = now.Add(-2 * time.Minute).UnixMilli()
	d := nextDelay(st, 5*time.Minute, now)
	if d < 2*time.Minute+59*time.Second || d > 3*time.Minute {
		t.Fatalf("partial delay = %v, want ~3m", d)
	}
}

func TestManualSolveDuringInFlightIsBusy(t *testing.T) {
	m := store.NewMemory()
	seedPool(t, m, 1)
	fs := &fakeSolver{block: make(chan struct{})}
	s := NewSession("org1", model.ModeDynamic, m, fs)

	done := make(chan error, 1)
	go func() {
		_, err := s.SolveNow(context.Background())
		done <- err
	}()
	waitFor(t, s.InFlight)

	if _, err := s.SolveNow(context.Background()); !errors.Is(err, ErrBusy) {
		t.Fatalf("want ErrBusy, got %v", err)
	}

	close(fs.block)
	if err := <-done; err != nil {
		t.Fatal(err)
	}
	// exactly one solution for the overlapping window
	sols, _ := m.ListSolutions(context.Background(), "org1", 10)
	if len(sols) != 1 {
		t.Fatalf("want 1 solution, got %d", len(sols))
	}
}

func TestSecondSolveIsIncremental(t *testing.T) {
	m := store.NewMemory()
	seedPool(t, m, 1)
	ctx := context.Background()
	_ = m.UpsertVehicleSnapshot(ctx, "org1", model.VehicleSnapshot{VehicleID: "v1", Lat: 1, Lng: 1, HasFix: true})

	fs := &fakeSolver{}
	s := NewSession("org1", model.ModeDynamic, m, fs)

	first, err := s.SolveNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.SolveNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	solves, reopts := fs.counts()
	if solves != 1 || reopts != 1 {
		t.Fatalf("solves=%d reopts=%d", solves, reopts)
	}
	fs.mu.Lock()
	rc := fs.lastRC
	fs.mu.Unlock()
	if rc.PreviousSolutionID != first.ID {
		t.Fatalf("reoptimize previousSolutionId = %q, want %q", rc.PreviousSolutionID, first.ID)
	}
	if second.ParentSolutionID != first.ID {
		t.Fatalf("parentSolutionId = %q", second.ParentSolutionID)
	}
}

func TestNoVehicleStateFallsBackToScratch(t *testing.T) {
	m := store.NewMemory()
	seedPool(t, m, 1)
	fs := &fakeSolver{}
	s := NewSession("org1", model.ModeDynamic, m, fs)
	ctx := context.Background()

	if _, err := s.SolveNow(ctx); err != nil {
		t.Fatal(err)
	}
	// still no vehicle snapshots: the second run cannot be incremental either
	if _, err := s.SolveNow(ctx); err != nil {
		t.Fatal(err)
	}
	solves, reopts := fs.counts()
	if solves != 2 || reopts != 0 {
		t.Fatalf("solves=%d reopts=%d", solves, reopts)
	}
}

func TestValidationFailureDoesNotAdvanceClock(t *testing.T) {
	m := store.NewMemory()
	seedDepot(t, m)
	ctx := context.Background()
	_, _ = m.CreateOrders(ctx, "org1", []model.OrderIn{{Pickup: &model.StopSpec{LocationID: "p", Location: geo(1, 1)}}})
	orders, _, _ := m.ListOrders(ctx, "org1", "", "", 10)
	_ = m.SetInRouting(ctx, "org1", orders[0].ID, true)

	s := NewSession("org1", model.ModeDynamic, m, &fakeSolver{})
	_, err := s.SolveNow(ctx)
	var mde *MissingDataError
	if !errors.As(err, &mde) {
		t.Fatalf("want MissingDataError, got %v", err)
	}
	if s.State().LastSolveAtMs != 0 {
		t.Fatal("validation failure must not advance the clock")
	}
}

func TestOptimizerFailureAdvancesClockByPolicy(t *testing.T) {
	m := store.NewMemory()
	seedPool(t, m, 1)
	ctx := context.Background()

	fs := &fakeSolver{fail: solver.ErrUnavailable}
	s := NewSession("org1", model.ModeDynamic, m, fs)
	if _, err := s.SolveNow(ctx); !errors.Is(err, solver.ErrUnavailable) {
		t.Fatalf("want solver error, got %v", err)
	}
	if s.State().LastSolveAtMs == 0 {
		t.Fatal("clock must advance on optimizer failure by default")
	}
	// failure leaves a routing event behind
	evs, _ := m.ListRoutingEvents(ctx, "org1", "", 10)
	if len(evs) != 1 || evs[0].Type != model.EventReOptimization {
		t.Fatalf("failure events: %+v", evs)
	}

	s2 := NewSession("org1", model.ModeDynamic, m, fs)
	s2.AdvanceClockOnFailure = false
	if _, err := s2.SolveNow(ctx); err == nil {
		t.Fatal("expected solver error")
	}
	if s2.State().LastSolveAtMs != 0 {
		t.Fatal("clock must hold when the policy knob is off")
	}
}

func TestVehiclesUsedBackfilled(t *testing.T) {
	m := store.NewMemory()
	seedPool(t, m, 2)
	ctx := context.Background()

	// the optimizer reports no vehicle count; one of its routes is a stub
	// that never leaves the depot
	fs := &fakeSolver{result: solver.Result{
		SolutionID: "sol-veh",
		Routes: []model.Route{
			{ID: 1, Sequence: []int{0, 1, 3, 0}, Cost: 8},
			{ID: 2, Sequence: []int{0, 2, 4, 0}, Cost: 7},
			{ID: 3, Sequence: []int{0, 0}, Cost: 0},
		},
		Metrics: model.Metrics{TotalCost: 15},
	}}
	s := NewSession("org1", model.ModeDynamic, m, fs)
	sol, err := s.SolveNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sol.Metrics.TotalVehiclesUsed != 2 {
		t.Fatalf("totalVehiclesUsed = %d, want 2", sol.Metrics.TotalVehiclesUsed)
	}
	if got := sol.VehiclesUsed(); got != sol.Metrics.TotalVehiclesUsed {
		t.Fatalf("VehiclesUsed() = %d, metrics say %d", got, sol.Metrics.TotalVehiclesUsed)
	}

	// a count the optimizer did report is kept as-is
	fs.mu.Lock()
	fs.result.Metrics.TotalVehiclesUsed = 5
	fs.mu.Unlock()
	sol2, err := s.SolveNow(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if sol2.Metrics.TotalVehiclesUsed != 5 {
		t.Fatalf("reported count overwritten: %d", sol2.Metrics.TotalVehiclesUsed)
	}
}

func TestPauseResumeStop(t *testing.T) {
	m := store.NewMemory()
	seedPool(t, m, 1)
	fs := &fakeSolver{}
	s := NewSession("org1", model.ModeDynamic, m, fs)
	s.interval = time.Hour
	ctx := context.Background()

	if err := s.Pause(ctx); !errors.Is(err, ErrNotRunning) {
		t.Fatalf("pause before start: %v", err)
	}
	if err := s.Start(ctx, 5); err != nil {
		t.Fatal(err)
	}
	waitFor(t, func() bool { return s.State().LastSolveAtMs != 0 })

	if err := s.Pause(ctx); err != nil {
		t.Fatal(err)
	}
	if st := s.State(); !st.Running || !st.Paused {
		t.Fatalf("paused state: %+v", st)
	}
	if err := s.Resume(ctx); err != nil {
		t.Fatal(err)
	}
	if st := s.State(); !st.Running || st.Paused {
		t.Fatalf("resumed state: %+v", st)
	}
	before := s.State().LastSolveAtMs
	if err := s.Stop(ctx); err != nil {
		t.Fatal(err)
	}
	st := s.State()
	if st.Running || st.Paused {
		t.Fatalf("stopped state: %+v", st)
	}
	if st.LastSolveAtMs != before {
		t.Fatal("stop must not clear the solve clock")
	}

	// state survived in the store for the next process
	persisted, err := m.GetSchedulerState(ctx, "org1", model.ModeDynamic)
	if err != nil {
		t.Fatal(err)
	}
	if persisted.Running || persisted.LastSolveAtMs != before {
		t.Fatalf("persisted state: %+v", persisted)
	}
}

func TestRestoreReadsPersistedState(t *testing.T) {
	m := store.NewMemory()
	ctx := context.Background()
	saved := model.SchedulerState{Mode: model.ModeDynamic, Running: true, LastSolveAtMs: 12345, IntervalMinutes: 7, LatestSolutionID: "sol-9"}
	_ = m.SaveSchedulerState(ctx, "org1", saved)

	s := NewSession("org1", model.ModeDynamic, m, &fakeSolver{})
	if err := s.Restore(ctx); err != nil {
		t.Fatal(err)
	}
	if s.State() != saved {
		t.Fatalf("restored state: %+v", s.State())
	}
}

func TestManagerResumeAll(t *testing.T) {
	m := store.NewMemory()
	seedPool(t, m, 1)
	ctx := context.Background()
	// a session that was running when the previous process died, overdue by
	// two intervals
	_ = m.SaveSchedulerState(ctx, "org1", model.SchedulerState{
		Mode:            model.ModeDynamic,
		Running:         true,
		LastSolveAtMs:   time.Now().Add(-10 * time.Minute).UnixMilli(),
		IntervalMinutes: 5,
	})

	fs := &fakeSolver{}
	mgr := NewSessionManager(m, fs)
	mgr.ResumeAll(ctx)
	sess := mgr.Get(ctx, "org1", model.ModeDynamic)
	defer sess.Stop(ctx)

	// the overdue clock means the resumed loop solves immediately, not
	// after a fresh full interval
	waitFor(t, func() bool {
		solves, reopts := fs.counts()
		return solves+reopts >= 1
	})
}
