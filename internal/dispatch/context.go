package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"dispatchloop/internal/model"
	"dispatchloop/internal/store"
)

// MissingDataError names the exact order and field that blocks a solve. The
// solve is never attempted on incomplete data; the operator gets a message
// they can act on instead of an opaque optimizer rejection.
type MissingDataError struct {
	OrderID string
	Field   string
}

func (e *MissingDataError) Error() string {
	if e.OrderID == "" {
		return fmt.Sprintf("missing data: %s", e.Field)
	}
	return fmt.Sprintf("order %s: missing %s", e.OrderID, e.Field)
}

// ErrNoVehicleState means no vehicle reported a usable position. The caller
// falls back to a from-scratch solve instead of failing the run.
var ErrNoVehicleState = errors.New("no vehicle state available")

// ContextBuilder assembles the payload for an incremental optimizer call.
type ContextBuilder struct {
	Store store.Store
}

// Build validates the pool and produces the reoptimization context. prev is
// the solution this run continues from; nil means a fresh session, in which
// case no previous-solution reference is attached so the optimizer is not
// forced to pull in unrelated legacy orders.
func (b *ContextBuilder) Build(ctx context.Context, orgID string, pool []model.Order, prev *model.Solution) (model.ReoptimizationContext, model.Depot, error) {
	for _, o := range pool {
		if err := validateOrder(o); err != nil {
			return model.ReoptimizationContext{}, model.Depot{}, err
		}
	}
	depot, err := b.Store.GetDepot(ctx, orgID)
	if err != nil || depot.Location == nil {
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			return model.ReoptimizationContext{}, model.Depot{}, err
		}
		return model.ReoptimizationContext{}, model.Depot{}, &MissingDataError{Field: "depot coordinates"}
	}

	states, err := b.vehicleStates(ctx, orgID, depot)
	if err != nil {
		return model.ReoptimizationContext{}, depot, err
	}

	rc := model.ReoptimizationContext{
		OrgID:              orgID,
		VehicleStates:      states,
		RequireDepotReturn: true,
	}
	rc.NewOrderIDs, rc.CancelledOrderIDs = poolDelta(pool, prev)
	if prev != nil {
		rc.PreviousSolutionID = prev.ID
	}
	return rc, depot, nil
}

func validateOrder(o model.Order) error {
	switch {
	case o.Pickup == nil || o.Pickup.Location == nil:
		return &MissingDataError{OrderID: o.ID, Field: "pickup coordinates"}
	case o.Pickup.LocationID == "":
		return &MissingDataError{OrderID: o.ID, Field: "pickup location id"}
	case o.Delivery == nil || o.Delivery.Location == nil:
		return &MissingDataError{OrderID: o.ID, Field: "delivery coordinates"}
	case o.Delivery.LocationID == "":
		return &MissingDataError{OrderID: o.ID, Field: "delivery location id"}
	}
	return nil
}

// vehicleStates maps stored telemetry to solver vehicle states. Snapshots
// without a position fix fall back to the depot: a vehicle that has never
// reported is assumed parked at base rather than dropped from the problem.
func (b *ContextBuilder) vehicleStates(ctx context.Context, orgID string, depot model.Depot) ([]model.VehicleState, error) {
	snaps, err := b.Store.ListVehicleSnapshots(ctx, orgID)
	if err != nil {
		return nil, err
	}
	if len(snaps) == 0 {
		return nil, ErrNoVehicleState
	}
	out := make([]model.VehicleState, 0, len(snaps))
	for _, s := range snaps {
		vs := model.VehicleState{
			VehicleID:          s.VehicleID,
			Lat:                s.Lat,
			Lng:                s.Lng,
			Bearing:            s.Heading,
			LastStopLocationID: s.LastStopLocationID,
			LastStopTime:       s.LastStopTime,
			PickedOrderIDs:     s.PickedOrderIDs,
		}
		if !s.HasFix {
			vs.Lat, vs.Lng = depot.Location.Lat, depot.Location.Lng
		}
		if vs.PickedOrderIDs == nil {
			vs.PickedOrderIDs = []string{}
		}
		out = append(out, vs)
	}
	return out, nil
}

// poolDelta splits the pool against the previous solution's order set: pool
// orders the solver has not seen are new, previously routed orders no longer
// in the pool are cancelled.
func poolDelta(pool []model.Order, prev *model.Solution) (newIDs, cancelledIDs []string) {
	newIDs = []string{}
	cancelledIDs = []string{}
	known := map[string]bool{}
	if prev != nil {
		for _, ref := range prev.NodeIndex {
			if ref.OrderID != "" {
				known[ref.OrderID] = true
			}
		}
	}
	inPool := map[string]bool{}
	for _, o := range pool {
		inPool[o.ID] = true
		if !known[o.ID] {
			newIDs = append(newIDs, o.ID)
		}
	}
	for id := range known {
		if !inPool[id] {
			cancelledIDs = append(cancelledIDs, id)
		}
	}
	sort.Strings(newIDs)
	sort.Strings(cancelledIDs)
	return
}
