package dispatch

import (
	"sort"

	"dispatchloop/internal/model"
)

// Compare computes the structural delta between two solutions, from older to
// newer. Pure function.
//
// Node ids are solver-instance-local: the comparison is only meaningful when
// both solutions were produced from the same instance layout (depot 0, then
// pickups 1..n, then deliveries n+1..2n). Callers own that precondition; the
// nodeIndex of the newer solution is the ground truth for order ids.
func Compare(from, to model.Solution) model.SolutionDiff {
	return CompareLocked(from, to, nil)
}

// CompareLocked is Compare with a set of locked order ids. A reassignment of
// a locked order is flagged anomalous instead of being dropped: the optimizer
// is expected to never move one, and hiding a violation would make it
// undiagnosable.
func CompareLocked(from, to model.Solution, locked map[string]bool) model.SolutionDiff {
	fromRoutes := routeByNode(from)
	toRoutes := routeByNode(to)

	var reassigned []model.OrderReassignment
	for _, nodeID := range nodeUnion(fromRoutes, toRoutes) {
		fr, inFrom := fromRoutes[nodeID]
		tr, inTo := toRoutes[nodeID]
		if inFrom && inTo && fr == tr {
			continue
		}
		r := model.OrderReassignment{NodeID: nodeID}
		if inFrom {
			v := fr
			r.FromRoute = &v
		}
		if inTo {
			v := tr
			r.ToRoute = &v
		}
		ref, ok := to.NodeIndex[nodeID]
		if !ok {
			ref = from.NodeIndex[nodeID]
		}
		r.Kind = ref.Kind
		r.OrderID = ref.OrderID
		if locked[r.OrderID] && r.OrderID != "" {
			r.Anomalous = true
		}
		reassigned = append(reassigned, r)
	}

	added, removed, common := routeSetDiff(from.Routes, to.Routes)

	var modified []model.RouteModification
	for _, id := range common {
		mod, changed := compareRoute(routeByID(from, id), routeByID(to, id))
		if changed {
			modified = append(modified, mod)
		}
	}

	d := model.SolutionDiff{
		FromSolutionID:   from.ID,
		ToSolutionID:     to.ID,
		MetricsChange:    metricsChange(from, to),
		OrdersReassigned: reassigned,
		RoutesAdded:      added,
		RoutesRemoved:    removed,
		RoutesModified:   modified,
	}
	d.Summary = summarize(d, from, to)
	return d
}

func routeByNode(s model.Solution) map[int]int {
	m := map[int]int{}
	for _, r := range s.Routes {
		for _, n := range r.Sequence {
			if n == 0 {
				continue
			}
			m[n] = r.ID
		}
	}
	return m
}

func nodeUnion(a, b map[int]int) []int {
	seen := map[int]bool{}
	for n := range a {
		seen[n] = true
	}
	for n := range b {
		seen[n] = true
	}
	out := make([]int, 0, len(seen))
	for n := range seen {
		out = append(out, n)
	}
	sort.Ints(out)
	return out
}

func routeSetDiff(from, to []model.Route) (added, removed, common []int) {
	inFrom := map[int]bool{}
	for _, r := range from {
		inFrom[r.ID] = true
	}
	inTo := map[int]bool{}
	for _, r := range to {
		inTo[r.ID] = true
	}
	for id := range inTo {
		if inFrom[id] {
			common = append(common, id)
		} else {
			added = append(added, id)
		}
	}
	for id := range inFrom {
		if !inTo[id] {
			removed = append(removed, id)
		}
	}
	sort.Ints(added)
	sort.Ints(removed)
	sort.Ints(common)
	return
}

func routeByID(s model.Solution, id int) model.Route {
	for _, r := range s.Routes {
		if r.ID == id {
			return r
		}
	}
	return model.Route{ID: id}
}

func compareRoute(from, to model.Route) (model.RouteModification, bool) {
	fromSet := nodeSet(from)
	toSet := nodeSet(to)
	mod := model.RouteModification{RouteID: to.ID, CostDelta: to.Cost - from.Cost}
	for n := range toSet {
		if !fromSet[n] {
			mod.OrdersAdded = append(mod.OrdersAdded, n)
		}
	}
	for n := range fromSet {
		if !toSet[n] {
			mod.OrdersRemoved = append(mod.OrdersRemoved, n)
		}
	}
	sort.Ints(mod.OrdersAdded)
	sort.Ints(mod.OrdersRemoved)
	mod.SequenceChanged = !equalSeq(from.Sequence, to.Sequence)
	changed := len(mod.OrdersAdded) > 0 || len(mod.OrdersRemoved) > 0 || mod.SequenceChanged
	return mod, changed
}

func nodeSet(r model.Route) map[int]bool {
	s := map[int]bool{}
	for _, n := range r.Sequence {
		if n != 0 {
			s[n] = true
		}
	}
	return s
}

func equalSeq(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func metricsChange(from, to model.Solution) model.MetricsChange {
	return model.MetricsChange{
		TotalCost:       to.Metrics.TotalCost - from.Metrics.TotalCost,
		TotalDistanceKm: to.Metrics.TotalDistanceKm - from.Metrics.TotalDistanceKm,
		TotalTimeHours:  to.Metrics.TotalTimeHours - from.Metrics.TotalTimeHours,
		VehiclesUsed:    to.Metrics.TotalVehiclesUsed - from.Metrics.TotalVehiclesUsed,
		CostPercent:     percent(from.Metrics.TotalCost, to.Metrics.TotalCost),
		DistancePercent: percent(from.Metrics.TotalDistanceKm, to.Metrics.TotalDistanceKm),
		TimePercent:     percent(from.Metrics.TotalTimeHours, to.Metrics.TotalTimeHours),
	}
}

// percent is 0 when the from-side value is 0. Documented convention, not a
// missing-data bug: the first solution in a session has nothing to be a
// percentage of.
func percent(from, to float64) float64 {
	if from == 0 {
		return 0
	}
	return (to - from) / from * 100
}

func summarize(d model.SolutionDiff, from, to model.Solution) model.DiffSummary {
	orders := map[string]bool{}
	for _, r := range d.OrdersReassigned {
		if r.OrderID != "" {
			orders[r.OrderID] = true
		}
	}
	routes := map[int]bool{}
	for _, id := range d.RoutesAdded {
		routes[id] = true
	}
	for _, id := range d.RoutesRemoved {
		routes[id] = true
	}
	for _, m := range d.RoutesModified {
		routes[m.RouteID] = true
	}
	return model.DiffSummary{
		TotalChanges:   len(d.OrdersReassigned) + len(d.RoutesAdded) + len(d.RoutesRemoved) + len(d.RoutesModified),
		OrdersAffected: len(orders),
		RoutesAffected: len(routes),
		IsImprovement:  to.Metrics.TotalCost < from.Metrics.TotalCost,
	}
}
