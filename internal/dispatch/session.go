package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"dispatchloop/internal/lifecycle"
	"dispatchloop/internal/model"
	"dispatchloop/internal/solver"
	"dispatchloop/internal/store"
)

// Solver is the optimizer boundary the session drives.
type Solver interface {
	Solve(ctx context.Context, instanceText string, params model.SolverParams) (solver.Result, error)
	Reoptimize(ctx context.Context, rc model.ReoptimizationContext, params model.SolverParams) (solver.Result, error)
}

// Publisher fans a routing event out to live subscribers (SSE/websocket).
type Publisher interface {
	Publish(orgID string, ev model.RoutingEvent)
}

var (
	// ErrBusy rejects a solve while another one is in flight. Non-fatal;
	// the caller retries later instead of queueing.
	ErrBusy = errors.New("solve already in flight")
	// ErrEmptyPool rejects starting or solving with no orders in routing.
	ErrEmptyPool = errors.New("routing pool is empty")
	// ErrNotRunning rejects pause/resume on a stopped session.
	ErrNotRunning = errors.New("scheduler is not running")
)

// Session owns the re-optimization loop for one org and mode. All scheduler
// state lives here as an explicit value; the timer is a cancellable handle
// inside the loop goroutine, never a global.
type Session struct {
	mu       sync.Mutex
	orgID    string
	st       model.SchedulerState
	inFlight bool
	stopCh   chan struct{}
	wake     chan struct{}
	looping  bool

	store    store.Store
	solver   Solver
	builder  *ContextBuilder
	recorder *EventRecorder

	// Optional collaborators, set before Start.
	Publisher Publisher
	Params    model.SolverParams
	Allowed   map[string]bool
	// ObserveSolve reports each attempt for metrics: trigger, outcome
	// (ok/error), duration.
	ObserveSolve func(trigger, status string, d time.Duration)

	// AdvanceClockOnFailure keeps lastSolveAt moving when the optimizer
	// fails, so a broken solver waits a full interval instead of retrying
	// in a tight cycle. On by default.
	AdvanceClockOnFailure bool

	// test seams
	now      func() time.Time
	interval time.Duration
	budget   time.Duration
}

func NewSession(orgID, mode string, s store.Store, sol Solver) *Session {
	return &Session{
		orgID:    orgID,
		st:       model.SchedulerState{Mode: mode, IntervalMinutes: 5},
		store:    s,
		solver:   sol,
		builder:  &ContextBuilder{Store: s},
		recorder: NewEventRecorder(s),
		wake:     make(chan struct{}, 1),

		AdvanceClockOnFailure: true,
		now:                   time.Now,
		budget:                5 * time.Minute,
	}
}

// Restore loads the persisted state for this session, if any. Called before
// Start when resuming after a process restart: the loop's first sleep is then
// computed from the stored lastSolveAt, already shortened or lengthened by
// however long the process was down.
func (s *Session) Restore(ctx context.Context) error {
	st, err := s.store.GetSchedulerState(ctx, s.orgID, s.st.Mode)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}
	s.mu.Lock()
	s.st = st
	s.mu.Unlock()
	return nil
}

// State returns a copy of the current scheduler state.
func (s *Session) State() model.SchedulerState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st
}

// InFlight reports whether a solve is currently executing.
func (s *Session) InFlight() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inFlight
}

// Start begins the loop. Rejected with ErrEmptyPool when nothing is in
// routing. In static mode there is no loop: one solve is performed and the
// session stays stopped.
func (s *Session) Start(ctx context.Context, intervalMinutes int) error {
	snap, err := s.loadPool(ctx)
	if err != nil {
		return err
	}
	if len(snap.inRouting) == 0 {
		return ErrEmptyPool
	}

	s.mu.Lock()
	if s.st.Mode == model.ModeStatic {
		s.mu.Unlock()
		_, err := s.runSolve(ctx, model.TriggerStart)
		return err
	}
	if intervalMinutes > 0 {
		s.st.IntervalMinutes = intervalMinutes
	}
	if s.st.IntervalMinutes < 1 {
		s.st.IntervalMinutes = 1
	}
	s.st.Running = true
	s.st.Paused = false
	startLoop := !s.looping
	if startLoop {
		s.stopCh = make(chan struct{})
		s.looping = true
	}
	st := s.st
	stop := s.stopCh
	s.mu.Unlock()

	s.persistState(ctx, st)
	if startLoop {
		go s.loop(stop)
	} else {
		s.wakeup()
	}
	return nil
}

// Pause cancels the pending sleep without touching lastSolveAt.
func (s *Session) Pause(ctx context.Context) error {
	s.mu.Lock()
	if !s.st.Running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.st.Paused = true
	st := s.st
	s.mu.Unlock()
	s.persistState(ctx, st)
	s.wakeup()
	return nil
}

// Resume recomputes the next solve time from the persisted clock.
func (s *Session) Resume(ctx context.Context) error {
	s.mu.Lock()
	if !s.st.Running {
		s.mu.Unlock()
		return ErrNotRunning
	}
	s.st.Paused = false
	startLoop := !s.looping
	if startLoop {
		s.stopCh = make(chan struct{})
		s.looping = true
	}
	st := s.st
	stop := s.stopCh
	s.mu.Unlock()
	s.persistState(ctx, st)
	if startLoop {
		go s.loop(stop)
	} else {
		s.wakeup()
	}
	return nil
}

// Stop halts the loop. History (lastSolveAt, latest solution) is kept so a
// later restart resumes from the last known clock. An in-flight solve is not
// forcibly cancelled; its result is recorded but triggers no rescheduling.
func (s *Session) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.st.Running {
		s.mu.Unlock()
		return nil
	}
	s.st.Running = false
	s.st.Paused = false
	if s.looping {
		close(s.stopCh)
		s.looping = false
	}
	st := s.st
	s.mu.Unlock()
	s.persistState(ctx, st)
	return nil
}

// SolveNow runs one manual solve, subject to the same in-flight guard as the
// loop. A manual request during a periodic solve gets ErrBusy.
func (s *Session) SolveNow(ctx context.Context) (model.Solution, error) {
	return s.runSolve(ctx, model.TriggerManual)
}

func (s *Session) loop(stop chan struct{}) {
	for {
		s.mu.Lock()
		st := s.st
		s.mu.Unlock()
		if !st.Running {
			return
		}
		if st.Paused {
			select {
			case <-stop:
				return
			case <-s.wake:
			}
			continue
		}

		t := time.NewTimer(nextDelay(st, s.intervalDur(st), s.now()))
		select {
		case <-stop:
			t.Stop()
			return
		case <-s.wake:
			t.Stop()
			continue
		case <-t.C:
		}

		s.mu.Lock()
		st = s.st
		s.mu.Unlock()
		if !st.Running {
			return
		}
		if st.Paused {
			continue
		}

		trigger := model.TriggerPeriodic
		if st.LastSolveAtMs == 0 {
			trigger = model.TriggerStart
		}
		before := st.LastSolveAtMs
		ctx, cancel := context.WithTimeout(context.Background(), s.budget)
		_, err := s.runSolve(ctx, trigger)
		cancel()
		if err != nil {
			log.Printf("scheduler org=%s mode=%s: %s solve failed: %v", s.orgID, st.Mode, strings.ToLower(trigger), err)
		}
		if s.State().LastSolveAtMs == before {
			// The clock did not move (validation failure, emptied pool,
			// manual solve holding the guard). Recomputing the delay now
			// would spin; wait a full interval instead.
			s.waitInterval(stop)
		}
	}
}

func (s *Session) waitInterval(stop chan struct{}) {
	t := time.NewTimer(s.intervalDur(s.State()))
	defer t.Stop()
	select {
	case <-stop:
	case <-s.wake:
	case <-t.C:
	}
}

// nextDelay is the reload-safe scheduling rule: the next solve happens at
// lastSolveAt + interval, recomputed from the persisted clock rather than a
// fixed in-memory countdown. A never-solved session fires immediately.
func nextDelay(st model.SchedulerState, interval time.Duration, now time.Time) time.Duration {
	if st.LastSolveAtMs == 0 {
		return 0
	}
	d := time.UnixMilli(st.LastSolveAtMs).Add(interval).Sub(now)
	if d < 0 {
		return 0
	}
	return d
}

func (s *Session) intervalDur(st model.SchedulerState) time.Duration {
	if s.interval > 0 {
		return s.interval
	}
	if st.IntervalMinutes < 1 {
		st.IntervalMinutes = 1
	}
	return time.Duration(st.IntervalMinutes) * time.Minute
}

type poolSnapshot struct {
	inRouting []model.Order
	locked    map[string]bool
}

func (s *Session) loadPool(ctx context.Context) (poolSnapshot, error) {
	inIDs, err := s.store.ListInRouting(ctx, s.orgID)
	if err != nil {
		return poolSnapshot{}, err
	}
	inSet := make(map[string]bool, len(inIDs))
	for _, id := range inIDs {
		inSet[id] = true
	}
	var all []model.Order
	cursor := ""
	for {
		page, next, err := s.store.ListOrders(ctx, s.orgID, "", cursor, 200)
		if err != nil {
			return poolSnapshot{}, err
		}
		all = append(all, page...)
		if next == "" {
			break
		}
		cursor = next
	}
	snap := poolSnapshot{locked: map[string]bool{}}
	for _, o := range all {
		if lifecycle.Locked(o.Status) {
			snap.locked[o.ID] = true
		}
	}
	snap.inRouting = lifecycle.Partition(all, s.Allowed, inSet).InRouting
	return snap, nil
}

func (s *Session) runSolve(ctx context.Context, trigger string) (model.Solution, error) {
	s.mu.Lock()
	if s.inFlight {
		s.mu.Unlock()
		return model.Solution{}, ErrBusy
	}
	s.inFlight = true
	st := s.st
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	snap, err := s.loadPool(ctx)
	if err != nil {
		return model.Solution{}, err
	}
	if len(snap.inRouting) == 0 {
		return model.Solution{}, ErrEmptyPool
	}

	var prev *model.Solution
	if st.LatestSolutionID != "" {
		if p, err := s.store.GetSolution(ctx, s.orgID, st.LatestSolutionID); err == nil {
			prev = &p
		}
	}

	rc, depot, buildErr := s.builder.Build(ctx, s.orgID, snap.inRouting, prev)
	if buildErr != nil && !errors.Is(buildErr, ErrNoVehicleState) {
		// Validation failed before the optimizer was involved; the clock
		// stays put and the caller gets the exact field to fix.
		return model.Solution{}, buildErr
	}

	incremental := buildErr == nil && prev != nil
	var generated map[int]model.NodeRef
	start := s.now()
	var res solver.Result
	var solveErr error
	if incremental {
		res, solveErr = s.solver.Reoptimize(ctx, rc, s.Params)
	} else {
		var instance string
		instance, generated = BuildInstance(s.orgID, depot, snap.inRouting)
		res, solveErr = s.solver.Solve(ctx, instance, s.Params)
	}
	dur := s.now().Sub(start)

	if solveErr != nil {
		s.settle(ctx, trigger, "error", "", dur)
		if err := s.store.AppendRoutingEvents(ctx, s.orgID, "", FailureEvent(trigger, solveErr)); err != nil {
			log.Printf("scheduler org=%s: failure event write: %v", s.orgID, err)
		}
		return model.Solution{}, solveErr
	}

	sol := s.assembleSolution(res, prev, generated)
	if err := s.store.SaveSolution(ctx, sol); err != nil {
		// Eventual consistency beats blocking the loop: the in-memory
		// clock still advances below.
		log.Printf("scheduler org=%s: solution write: %v", s.orgID, err)
	}
	s.markAssigned(ctx, snap.inRouting)
	s.settle(ctx, trigger, "ok", sol.ID, dur)
	s.recordOutcome(ctx, trigger, sol, prev, snap.locked)
	return sol, nil
}

func (s *Session) assembleSolution(res solver.Result, prev *model.Solution, generated map[int]model.NodeRef) model.Solution {
	now := s.now().UTC()
	id := res.SolutionID
	if id == "" {
		id = fmt.Sprintf("sol_%d", now.UnixNano())
	}
	idx := res.NodeIndex
	if idx == nil {
		idx = generated
	}
	if idx == nil && prev != nil {
		idx = prev.NodeIndex
	}
	sol := model.Solution{
		ID:        id,
		OrgID:     s.orgID,
		CreatedAt: now,
		Routes:    res.Routes,
		Metrics:   res.Metrics,
		NodeIndex: idx,
	}
	if prev != nil {
		sol.ParentSolutionID = prev.ID
	}
	if sol.Metrics.TotalVehiclesUsed == 0 {
		sol.Metrics.TotalVehiclesUsed = sol.VehiclesUsed()
	}
	return sol
}

func (s *Session) markAssigned(ctx context.Context, pool []model.Order) {
	ts := s.now().UTC().Format(time.RFC3339)
	for _, o := range pool {
		if o.Status != model.StatusPending {
			continue
		}
		if err := s.store.UpdateOrderStatus(ctx, s.orgID, o.ID, model.StatusAssigned, ts); err != nil {
			log.Printf("scheduler org=%s: mark order %s assigned: %v", s.orgID, o.ID, err)
		}
	}
}

// settle advances the scheduler clock and persists the session. On failure
// the clock still moves when AdvanceClockOnFailure is set, so the loop waits
// a normal interval before the next attempt.
func (s *Session) settle(ctx context.Context, trigger, status, solutionID string, dur time.Duration) {
	s.mu.Lock()
	if status == "ok" || s.AdvanceClockOnFailure {
		s.st.LastSolveAtMs = s.now().UnixMilli()
	}
	if solutionID != "" {
		s.st.LatestSolutionID = solutionID
	}
	st := s.st
	s.mu.Unlock()
	s.persistState(ctx, st)
	if s.ObserveSolve != nil {
		s.ObserveSolve(trigger, status, dur)
	}
}

func (s *Session) recordOutcome(ctx context.Context, trigger string, sol model.Solution, prev *model.Solution, locked map[string]bool) {
	var events []model.RoutingEvent
	if prev != nil {
		events = DiffEvents(trigger, sol, CompareLocked(*prev, sol, locked))
	} else {
		events = RunEvents(trigger, sol)
	}
	if err := s.recorder.Record(ctx, s.orgID, sol.ID, events); err != nil {
		log.Printf("scheduler org=%s: event log write: %v", s.orgID, err)
	}
	if s.Publisher != nil {
		for _, ev := range events {
			s.Publisher.Publish(s.orgID, ev)
		}
	}
}

func (s *Session) persistState(ctx context.Context, st model.SchedulerState) {
	if err := s.store.SaveSchedulerState(ctx, s.orgID, st); err != nil {
		log.Printf("scheduler org=%s: state write: %v", s.orgID, err)
	}
}

func (s *Session) wakeup() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}
