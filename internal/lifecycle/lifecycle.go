// Package lifecycle derives routing and lock states from order status and
// partitions orders into the routing pool. Pure functions, no I/O.
package lifecycle

import "dispatchloop/internal/model"

// Routing states, a display/bucketing projection of order status.
const (
	RoutingPending    = "PENDING"
	RoutingAssigned   = "ASSIGNED"
	RoutingInProgress = "IN_PROGRESS"
	RoutingCompleted  = "COMPLETED"
	RoutingRemoved    = "REMOVED"
)

// Lock states. A locked order's current assignment must not be reshuffled by
// a future optimizer call.
const (
	LockLocked        = "LOCKED"
	LockReoptimizable = "REOPTIMIZABLE"
)

// Dispatch categories used by the allowed-status filter.
const (
	CategoryWaiting    = "WAITING"
	CategoryDispatched = "DISPATCHED"
	CategoryInTransit  = "IN_TRANSIT"
	CategoryCompleted  = "COMPLETED"
	CategoryCancelled  = "CANCELLED"
)

// RoutingStateOf maps an order status to its routing state. Total: unknown
// statuses bucket as PENDING.
func RoutingStateOf(status string) string {
	switch status {
	case model.StatusAssigned:
		return RoutingAssigned
	case model.StatusInTransit, model.StatusPickedUp:
		return RoutingInProgress
	case model.StatusDelivered:
		return RoutingCompleted
	case model.StatusFailed, model.StatusCancelled:
		return RoutingRemoved
	default:
		return RoutingPending
	}
}

// LockStateOf reports whether a status commits the order to its current route.
func LockStateOf(status string) string {
	if Locked(status) {
		return LockLocked
	}
	return LockReoptimizable
}

// Locked is true for statuses already committed to a vehicle.
func Locked(status string) bool {
	return status == model.StatusDelivered || status == model.StatusInTransit
}

// CategoryOf maps an order status to its dispatch category.
func CategoryOf(status string) string {
	switch status {
	case model.StatusPending:
		return CategoryWaiting
	case model.StatusAssigned:
		return CategoryDispatched
	case model.StatusInTransit, model.StatusPickedUp:
		return CategoryInTransit
	case model.StatusDelivered:
		return CategoryCompleted
	default:
		return CategoryCancelled
	}
}

// DefaultAllowed is the category filter applied when an org has not
// configured its own.
func DefaultAllowed() map[string]bool {
	return map[string]bool{CategoryWaiting: true, CategoryDispatched: true}
}

// Pool is the partitioned order set for one org.
type Pool struct {
	Eligible  []model.Order
	InRouting []model.Order
	Available []model.Order
}

// Partition filters orders by allowed dispatch category and splits the
// eligible set by routing-pool membership. Orders outside the allowed set are
// excluded entirely, regardless of membership.
func Partition(orders []model.Order, allowed map[string]bool, inRouting map[string]bool) Pool {
	if allowed == nil {
		allowed = DefaultAllowed()
	}
	var p Pool
	for _, o := range orders {
		if !allowed[CategoryOf(o.Status)] {
			continue
		}
		o.InRouting = inRouting[o.ID]
		p.Eligible = append(p.Eligible, o)
		if o.InRouting {
			p.InRouting = append(p.InRouting, o)
		} else {
			p.Available = append(p.Available, o)
		}
	}
	return p
}
