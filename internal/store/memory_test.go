package store

import (
    "context"
    "testing"
    "time"

    "dispatchloop/internal/model"
)

func TestMemoryOrdersAndRoutingPool(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    n, err := m.CreateOrders(ctx, "org1", []model.OrderIn{
        {TrackingNumber: "A"},
        {TrackingNumber: "B", Status: model.StatusAssigned},
    })
    if err != nil || n != 2 { t.Fatalf("create: n=%d err=%v", n, err) }

    items, next, err := m.ListOrders(ctx, "org1", "", "", 10)
    if err != nil { t.Fatal(err) }
    if len(items) != 2 { t.Fatalf("want 2 orders, got %d", len(items)) }
    if next != "" { t.Fatalf("unexpected cursor %q", next) }

    pend, _, _ := m.ListOrders(ctx, "org1", model.StatusPending, "", 10)
    if len(pend) != 1 || pend[0].TrackingNumber != "A" { t.Fatalf("status filter: %+v", pend) }

    // other orgs see nothing
    other, _, _ := m.ListOrders(ctx, "org2", "", "", 10)
    if len(other) != 0 { t.Fatalf("org isolation broken: %+v", other) }

    id := items[0].ID
    if err := m.SetInRouting(ctx, "org1", id, true); err != nil { t.Fatal(err) }
    in, err := m.ListInRouting(ctx, "org1")
    if err != nil || len(in) != 1 || in[0] != id { t.Fatalf("in-routing: %v %v", in, err) }
    o, err := m.GetOrder(ctx, "org1", id)
    if err != nil || !o.InRouting { t.Fatalf("get after set: %+v %v", o, err) }
    if err := m.SetInRouting(ctx, "org1", id, false); err != nil { t.Fatal(err) }
    in, _ = m.ListInRouting(ctx, "org1")
    if len(in) != 0 { t.Fatalf("clear in-routing: %v", in) }

    if err := m.UpdateOrderStatus(ctx, "org1", id, model.StatusAssigned, "2026-01-02T10:00:00Z"); err != nil { t.Fatal(err) }
    o, _ = m.GetOrder(ctx, "org1", id)
    if o.Status != model.StatusAssigned || o.AssignedAt == "" { t.Fatalf("update status: %+v", o) }

    if _, err := m.GetOrder(ctx, "org1", "nope"); err != ErrNotFound { t.Fatalf("want ErrNotFound, got %v", err) }
}

func TestMemorySchedulerStateRoundtrip(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    if _, err := m.GetSchedulerState(ctx, "org1", model.ModeDynamic); err != ErrNotFound {
        t.Fatalf("want ErrNotFound before save, got %v", err)
    }
    st := model.SchedulerState{Mode: model.ModeDynamic, Running: true, LastSolveAtMs: 1700000000000, IntervalMinutes: 5, LatestSolutionID: "sol-1"}
    if err := m.SaveSchedulerState(ctx, "org1", st); err != nil { t.Fatal(err) }
    got, err := m.GetSchedulerState(ctx, "org1", model.ModeDynamic)
    if err != nil { t.Fatal(err) }
    if got != st { t.Fatalf("roundtrip mismatch: %+v vs %+v", got, st) }

    all, err := m.ListSchedulerStates(ctx)
    if err != nil || len(all) != 1 { t.Fatalf("list: %v %v", all, err) }
    if all[0].OrgID != "org1" || all[0].State.Mode != model.ModeDynamic { t.Fatalf("list entry: %+v", all[0]) }
}

func TestMemoryRoutingEventsNewestFirst(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
    evs := []model.RoutingEvent{
        {Type: model.EventOptimizationRun, Summary: "first", Timestamp: base},
        {Type: model.EventReOptimization, Summary: "second", Timestamp: base.Add(time.Minute)},
    }
    if err := m.AppendRoutingEvents(ctx, "org1", "sol-1", evs); err != nil { t.Fatal(err) }
    got, err := m.ListRoutingEvents(ctx, "org1", "", 10)
    if err != nil { t.Fatal(err) }
    if len(got) != 2 { t.Fatalf("want 2 events, got %d", len(got)) }
    if got[0].Summary != "second" || got[1].Summary != "first" { t.Fatalf("order: %+v", got) }

    bySol, _ := m.ListRoutingEvents(ctx, "org1", "sol-1", 10)
    if len(bySol) != 2 { t.Fatalf("solution filter: %+v", bySol) }
    none, _ := m.ListRoutingEvents(ctx, "org1", "sol-2", 10)
    if len(none) != 0 { t.Fatalf("solution filter leak: %+v", none) }
}

func TestMemoryRoutesVisible(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    ok, err := m.RoutesVisible(ctx, "org1", "missing")
    if err != nil || ok { t.Fatalf("missing solution: %v %v", ok, err) }
    sol := model.Solution{ID: "sol-1", OrgID: "org1", CreatedAt: time.Now(), Routes: []model.Route{{ID: 1, Sequence: []int{0, 1, 2, 0}}}}
    if err := m.SaveSolution(ctx, sol); err != nil { t.Fatal(err) }
    ok, err = m.RoutesVisible(ctx, "org1", "sol-1")
    if err != nil || !ok { t.Fatalf("visible: %v %v", ok, err) }
    if ok, _ := m.RoutesVisible(ctx, "org2", "sol-1"); ok { t.Fatal("cross-org visibility") }
}

func TestMemorySolutionsNewestFirst(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
    _ = m.SaveSolution(ctx, model.Solution{ID: "a", OrgID: "org1", CreatedAt: base})
    _ = m.SaveSolution(ctx, model.Solution{ID: "b", OrgID: "org1", CreatedAt: base.Add(time.Hour)})
    out, err := m.ListSolutions(ctx, "org1", 0)
    if err != nil { t.Fatal(err) }
    if len(out) != 2 || out[0].ID != "b" { t.Fatalf("order: %+v", out) }
    one, _ := m.ListSolutions(ctx, "org1", 1)
    if len(one) != 1 || one[0].ID != "b" { t.Fatalf("limit: %+v", one) }
    latest, err := m.LatestSolution(ctx, "org1")
    if err != nil || latest.ID != "b" { t.Fatalf("latest: %+v %v", latest, err) }
    if _, err := m.LatestSolution(ctx, "org2"); err != ErrNotFound { t.Fatalf("want ErrNotFound, got %v", err) }
}

func TestMemoryVehiclesAndDepot(t *testing.T) {
    m := NewMemory()
    ctx := context.Background()
    h := 90.0
    if err := m.UpsertVehicleSnapshot(ctx, "org1", model.VehicleSnapshot{VehicleID: "v2", Lat: 1, Lng: 2, Heading: &h, HasFix: true}); err != nil { t.Fatal(err) }
    if err := m.UpsertVehicleSnapshot(ctx, "org1", model.VehicleSnapshot{VehicleID: "v1", Lat: 3, Lng: 4}); err != nil { t.Fatal(err) }
    if err := m.UpsertVehicleSnapshot(ctx, "org1", model.VehicleSnapshot{VehicleID: "v1", Lat: 5, Lng: 6, HasFix: true}); err != nil { t.Fatal(err) }
    snaps, err := m.ListVehicleSnapshots(ctx, "org1")
    if err != nil { t.Fatal(err) }
    if len(snaps) != 2 { t.Fatalf("want 2 snapshots, got %d", len(snaps)) }
    if snaps[0].VehicleID != "v1" || snaps[0].Lat != 5 { t.Fatalf("upsert overwrote wrong record: %+v", snaps[0]) }

    if _, err := m.GetDepot(ctx, "org1"); err != ErrNotFound { t.Fatalf("want ErrNotFound, got %v", err) }
    d := model.Depot{Name: "hub", Location: &model.GeoPoint{Lat: 10, Lng: 20}}
    if err := m.SaveDepot(ctx, "org1", d); err != nil { t.Fatal(err) }
    got, err := m.GetDepot(ctx, "org1")
    if err != nil || got.Name != "hub" || got.Location == nil || got.Location.Lat != 10 { t.Fatalf("depot: %+v %v", got, err) }
}
