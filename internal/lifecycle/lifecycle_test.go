package lifecycle

import (
	"testing"

	"dispatchloop/internal/model"
)

func TestStateProjections(t *testing.T) {
	cases := []struct {
		status   string
		routing  string
		lock     string
		category string
	}{
		{model.StatusPending, RoutingPending, LockReoptimizable, CategoryWaiting},
		{model.StatusAssigned, RoutingAssigned, LockReoptimizable, CategoryDispatched},
		{model.StatusPickedUp, RoutingInProgress, LockReoptimizable, CategoryInTransit},
		{model.StatusInTransit, RoutingInProgress, LockLocked, CategoryInTransit},
		{model.StatusDelivered, RoutingCompleted, LockLocked, CategoryCompleted},
		{model.StatusFailed, RoutingRemoved, LockReoptimizable, CategoryCancelled},
		{model.StatusCancelled, RoutingRemoved, LockReoptimizable, CategoryCancelled},
		{"bogus", RoutingPending, LockReoptimizable, CategoryCancelled},
	}
	for _, c := range cases {
		if got := RoutingStateOf(c.status); got != c.routing {
			t.Errorf("RoutingStateOf(%s) = %s, want %s", c.status, got, c.routing)
		}
		if got := LockStateOf(c.status); got != c.lock {
			t.Errorf("LockStateOf(%s) = %s, want %s", c.status, got, c.lock)
		}
		if got := CategoryOf(c.status); got != c.category {
			t.Errorf("CategoryOf(%s) = %s, want %s", c.status, got, c.category)
		}
	}
}

func TestPartitionExcludesCompletedOrders(t *testing.T) {
	orders := []model.Order{
		{ID: "o1", Status: model.StatusPending},
		{ID: "o2", Status: model.StatusAssigned},
		{ID: "o3", Status: model.StatusDelivered},
		{ID: "o4", Status: model.StatusInTransit},
		{ID: "o5", Status: model.StatusCancelled},
	}
	// o3 is delivered but still flagged in-routing: membership must not
	// override the status filter.
	inRouting := map[string]bool{"o2": true, "o3": true}
	p := Partition(orders, DefaultAllowed(), inRouting)

	ids := func(os []model.Order) map[string]bool {
		m := map[string]bool{}
		for _, o := range os {
			m[o.ID] = true
		}
		return m
	}
	elig := ids(p.Eligible)
	if len(elig) != 2 || !elig["o1"] || !elig["o2"] {
		t.Fatalf("eligible = %v", elig)
	}
	for _, o := range append(append([]model.Order{}, p.Eligible...), append(p.InRouting, p.Available...)...) {
		if o.ID == "o3" || o.ID == "o4" || o.ID == "o5" {
			t.Fatalf("order %s must not appear in any pool bucket", o.ID)
		}
	}
	if len(p.InRouting) != 1 || p.InRouting[0].ID != "o2" {
		t.Fatalf("inRouting = %+v", p.InRouting)
	}
	if len(p.Available) != 1 || p.Available[0].ID != "o1" {
		t.Fatalf("available = %+v", p.Available)
	}
}

func TestPartitionNilAllowedUsesDefault(t *testing.T) {
	orders := []model.Order{
		{ID: "a", Status: model.StatusPending},
		{ID: "b", Status: model.StatusDelivered},
	}
	p := Partition(orders, nil, nil)
	if len(p.Eligible) != 1 || p.Eligible[0].ID != "a" {
		t.Fatalf("eligible = %+v", p.Eligible)
	}
	if p.Eligible[0].InRouting {
		t.Fatalf("membership flag: %+v", p.Eligible[0])
	}
}
