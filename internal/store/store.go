package store

import (
    "context"
    "errors"

    "dispatchloop/internal/model"
)

// Store is the persistence interface used by the scheduler and the API server.
type Store interface {
    // Orders
    CreateOrders(ctx context.Context, orgID string, orders []model.OrderIn) (created int, err error)
    ListOrders(ctx context.Context, orgID, status, cursor string, limit int) (items []model.Order, nextCursor string, err error)
    GetOrder(ctx context.Context, orgID, orderID string) (model.Order, error)
    UpdateOrderStatus(ctx context.Context, orgID, orderID, status, assignedAt string) error
    SetInRouting(ctx context.Context, orgID, orderID string, in bool) error
    ListInRouting(ctx context.Context, orgID string) ([]string, error)

    // Solutions
    SaveSolution(ctx context.Context, sol model.Solution) error
    GetSolution(ctx context.Context, orgID, solutionID string) (model.Solution, error)
    LatestSolution(ctx context.Context, orgID string) (model.Solution, error)
    ListSolutions(ctx context.Context, orgID string, limit int) ([]model.Solution, error)

    // Scheduler sessions
    GetSchedulerState(ctx context.Context, orgID, mode string) (model.SchedulerState, error)
    SaveSchedulerState(ctx context.Context, orgID string, st model.SchedulerState) error
    ListSchedulerStates(ctx context.Context) ([]model.OrgSchedulerState, error)

    // Routing events (append-only)
    AppendRoutingEvents(ctx context.Context, orgID, solutionID string, events []model.RoutingEvent) error
    ListRoutingEvents(ctx context.Context, orgID, solutionID string, limit int) ([]model.RoutingEvent, error)
    RoutesVisible(ctx context.Context, orgID, solutionID string) (bool, error)

    // Vehicle telemetry
    UpsertVehicleSnapshot(ctx context.Context, orgID string, snap model.VehicleSnapshot) error
    ListVehicleSnapshots(ctx context.Context, orgID string) ([]model.VehicleSnapshot, error)

    // Org depot
    GetDepot(ctx context.Context, orgID string) (model.Depot, error)
    SaveDepot(ctx context.Context, orgID string, d model.Depot) error
}

var ErrNotFound = errors.New("not found")
