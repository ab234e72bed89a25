package dispatch

import (
	"context"
	"fmt"
	"time"

	"dispatchloop/internal/model"
	"dispatchloop/internal/store"
)

// EventRecorder appends routing events once the solution's routes are
// visible to reads. Solution writes and event reads can race under an
// eventually-consistent store, so the recorder retries the visibility check
// a bounded number of times and then writes anyway: the event log is
// best-effort by design and must never block the scheduler.
type EventRecorder struct {
	Store       store.Store
	MaxAttempts int
	Backoff     time.Duration
	// OnRetry is called once per visibility retry, for metrics.
	OnRetry func()
}

func NewEventRecorder(s store.Store) *EventRecorder {
	return &EventRecorder{Store: s, MaxAttempts: 3, Backoff: 350 * time.Millisecond}
}

func (r *EventRecorder) Record(ctx context.Context, orgID, solutionID string, events []model.RoutingEvent) error {
	if len(events) == 0 {
		return nil
	}
	if solutionID != "" {
		r.waitVisible(ctx, orgID, solutionID)
	}
	return r.Store.AppendRoutingEvents(ctx, orgID, solutionID, events)
}

func (r *EventRecorder) waitVisible(ctx context.Context, orgID, solutionID string) {
	for attempt := 1; attempt <= r.MaxAttempts; attempt++ {
		ok, err := r.Store.RoutesVisible(ctx, orgID, solutionID)
		if err == nil && ok {
			return
		}
		if attempt == r.MaxAttempts {
			return
		}
		if r.OnRetry != nil {
			r.OnRetry()
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(r.Backoff * time.Duration(attempt)):
		}
	}
}

// DiffEvents expands a solution diff into the routing events the timeline
// shows: one head event for the run itself, then one per reassignment.
func DiffEvents(trigger string, sol model.Solution, d model.SolutionDiff) []model.RoutingEvent {
	now := time.Now().UTC()
	head := model.RoutingEvent{
		Timestamp: now,
		Type:      model.EventReOptimization,
		Trigger:   trigger,
		Summary:   fmt.Sprintf("re-optimized: %d changes across %d routes", d.Summary.TotalChanges, d.Summary.RoutesAffected),
		Details:   diffDetails(d),
	}
	if trigger == model.TriggerStart {
		head.Type = model.EventOptimizationRun
		head.Summary = fmt.Sprintf("optimization run: %d routes, cost %.2f", len(sol.Routes), sol.Metrics.TotalCost)
	}
	out := []model.RoutingEvent{head}
	for _, re := range d.OrdersReassigned {
		ev := model.RoutingEvent{
			Timestamp: now,
			Trigger:   trigger,
			Type:      model.EventOrderReassigned,
			Summary:   reassignmentSummary(re),
		}
		switch {
		case re.FromRoute == nil:
			ev.Type = model.EventOrderAdded
		case re.ToRoute == nil:
			ev.Type = model.EventOrderRemoved
		}
		out = append(out, ev)
	}
	return out
}

// RunEvents describes a fresh solve with no predecessor to diff against.
func RunEvents(trigger string, sol model.Solution) []model.RoutingEvent {
	return []model.RoutingEvent{{
		Timestamp: time.Now().UTC(),
		Type:      model.EventOptimizationRun,
		Trigger:   trigger,
		Summary:   fmt.Sprintf("optimization run: %d routes, cost %.2f", len(sol.Routes), sol.Metrics.TotalCost),
		Details: []string{
			fmt.Sprintf("vehicles used: %d", sol.VehiclesUsed()),
			fmt.Sprintf("distance: %.1f km", sol.Metrics.TotalDistanceKm),
		},
	}}
}

// FailureEvent records a solve attempt the optimizer rejected or lost.
func FailureEvent(trigger string, err error) []model.RoutingEvent {
	return []model.RoutingEvent{{
		Timestamp: time.Now().UTC(),
		Type:      model.EventReOptimization,
		Trigger:   trigger,
		Summary:   "re-optimization failed: " + err.Error(),
	}}
}

func diffDetails(d model.SolutionDiff) []string {
	details := []string{
		fmt.Sprintf("cost change: %+.2f (%+.1f%%)", d.MetricsChange.TotalCost, d.MetricsChange.CostPercent),
	}
	if len(d.RoutesAdded) > 0 {
		details = append(details, fmt.Sprintf("routes added: %v", d.RoutesAdded))
	}
	if len(d.RoutesRemoved) > 0 {
		details = append(details, fmt.Sprintf("routes removed: %v", d.RoutesRemoved))
	}
	for _, re := range d.OrdersReassigned {
		if re.Anomalous {
			details = append(details, fmt.Sprintf("ANOMALY: locked order %s reassigned", re.OrderID))
		}
	}
	return details
}

func reassignmentSummary(re model.OrderReassignment) string {
	from, to := "unrouted", "unrouted"
	if re.FromRoute != nil {
		from = fmt.Sprintf("route %d", *re.FromRoute)
	}
	if re.ToRoute != nil {
		to = fmt.Sprintf("route %d", *re.ToRoute)
	}
	who := re.OrderID
	if who == "" {
		who = fmt.Sprintf("node %d", re.NodeID)
	}
	return fmt.Sprintf("%s %s moved %s -> %s", re.Kind, who, from, to)
}
