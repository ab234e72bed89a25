package model

import "time"

// Core domain types for the dispatch orchestration service.

// Order statuses are set by the upstream business process; the scheduler only reads them.
const (
    StatusPending   = "pending"
    StatusAssigned  = "assigned"
    StatusInTransit = "in_transit"
    StatusPickedUp  = "picked_up"
    StatusDelivered = "delivered"
    StatusFailed    = "failed"
    StatusCancelled = "cancelled"
)

type GeoPoint struct {
    Lat float64 `json:"lat"`
    Lng float64 `json:"lng"`
}

type TimeWindow struct {
    Start string `json:"start"`
    End   string `json:"end"`
}

// StopSpec is the pickup or delivery side of an order, passed through to the
// context builder as-is.
type StopSpec struct {
    LocationID     string      `json:"locationId,omitempty"`
    Location       *GeoPoint   `json:"location"`
    TimeWindow     *TimeWindow `json:"timeWindow,omitempty"`
    ServiceTimeSec int         `json:"serviceTimeSec,omitempty"`
}

type OrderIn struct {
    TrackingNumber string    `json:"trackingNumber,omitempty"`
    Status         string    `json:"status,omitempty"`
    Pickup         *StopSpec `json:"pickup"`
    Delivery       *StopSpec `json:"delivery"`
}

type Order struct {
    ID             string    `json:"id"`
    OrgID          string    `json:"orgId"`
    TrackingNumber string    `json:"trackingNumber,omitempty"`
    Status         string    `json:"status"`
    Pickup         *StopSpec `json:"pickup,omitempty"`
    Delivery       *StopSpec `json:"delivery,omitempty"`
    AssignedAt     string    `json:"assignedAt,omitempty"`
    InRouting      bool      `json:"isInRouting"`
}

// NodeRef resolves a solver-local node id to its semantic meaning. Node ids
// are only stable within the solution that carries the index.
type NodeRef struct {
    Kind    string `json:"kind"` // depot, pickup, delivery
    OrderID string `json:"orderId,omitempty"`
}

const (
    NodeDepot    = "depot"
    NodePickup   = "pickup"
    NodeDelivery = "delivery"
)

type Metrics struct {
    TotalCost         float64 `json:"totalCost"`
    TotalDistanceKm   float64 `json:"totalDistanceKm"`
    TotalTimeHours    float64 `json:"totalTimeHours"`
    TotalVehiclesUsed int     `json:"totalVehiclesUsed"`
}

// Route is one vehicle tour inside a Solution. Sequence starts and ends at
// the depot node (id 0) under normal depot-return policies.
type Route struct {
    ID       int     `json:"id"`
    Sequence []int   `json:"sequence"`
    Cost     float64 `json:"cost"`
}

// Solution is one immutable optimizer output.
type Solution struct {
    ID               string          `json:"id"`
    ParentSolutionID string          `json:"parentSolutionId,omitempty"`
    OrgID            string          `json:"orgId"`
    CreatedAt        time.Time       `json:"createdAt"`
    Routes           []Route         `json:"routes"`
    Metrics          Metrics         `json:"metrics"`
    NodeIndex        map[int]NodeRef `json:"nodeIndex,omitempty"`
}

// VehiclesUsed counts routes that visit at least one non-depot node.
func (s Solution) VehiclesUsed() int {
    n := 0
    for _, r := range s.Routes {
        if len(r.Sequence) > 2 { n++ }
    }
    return n
}

// Scheduler modes. Static performs a one-shot hand-off; dynamic runs the
// periodic re-optimization loop.
const (
    ModeStatic  = "static"
    ModeDynamic = "dynamic"
)

// SchedulerState is the persisted per-org/per-mode session state. It is read
// back on process start so the loop resumes without drift.
type SchedulerState struct {
    Mode             string `json:"mode"`
    Running          bool   `json:"running"`
    Paused           bool   `json:"paused"`
    LastSolveAtMs    int64  `json:"lastSolveAtMs,omitempty"` // 0 means never solved
    IntervalMinutes  int    `json:"intervalMinutes"`
    LatestSolutionID string `json:"latestSolutionId,omitempty"`
}

// OrgSchedulerState pairs a persisted session state with its owner org.
type OrgSchedulerState struct {
    OrgID string         `json:"orgId"`
    State SchedulerState `json:"state"`
}

// Routing event types.
const (
    EventOptimizationRun = "OPTIMIZATION_RUN"
    EventReOptimization  = "RE_OPTIMIZATION"
    EventOrderAdded      = "ORDER_ADDED"
    EventOrderRemoved    = "ORDER_REMOVED"
    EventOrderReassigned = "ORDER_REASSIGNED"
    EventVehicleAffected = "VEHICLE_AFFECTED"
    EventRouteLocked     = "ROUTE_LOCKED"
)

// Solve triggers.
const (
    TriggerStart    = "START"
    TriggerPeriodic = "PERIODIC"
    TriggerManual   = "MANUAL"
)

// RoutingEvent is a write-once log record. Listed timestamp-descending.
type RoutingEvent struct {
    ID        string    `json:"id"`
    Timestamp time.Time `json:"timestamp"`
    Type      string    `json:"type"`
    Trigger   string    `json:"trigger,omitempty"`
    Summary   string    `json:"summary"`
    Details   []string  `json:"details,omitempty"`
}

// VehicleState is a live vehicle snapshot handed to the optimizer for an
// incremental run.
type VehicleState struct {
    VehicleID          string   `json:"vehicleId"`
    Lat                float64  `json:"lat"`
    Lng                float64  `json:"lng"`
    Bearing            *float64 `json:"bearing,omitempty"`
    LastStopLocationID string   `json:"lastStopLocationId,omitempty"`
    LastStopTime       string   `json:"lastStopTime,omitempty"`
    PickedOrderIDs     []string `json:"pickedOrderIds"`
}

// VehicleSnapshot is the stored telemetry record a VehicleState is derived from.
type VehicleSnapshot struct {
    VehicleID          string   `json:"vehicleId"`
    OrgID              string   `json:"orgId"`
    Lat                float64  `json:"lat"`
    Lng                float64  `json:"lng"`
    Heading            *float64 `json:"heading,omitempty"`
    HasFix             bool     `json:"hasFix"`
    RecordedAt         string   `json:"recordedAt,omitempty"`
    PickedOrderIDs     []string `json:"pickedOrderIds,omitempty"`
    LastStopLocationID string   `json:"lastStopLocationId,omitempty"`
    LastStopTime       string   `json:"lastStopTime,omitempty"`
}

// ReoptimizationContext is the payload for an incremental optimizer call.
type ReoptimizationContext struct {
    PreviousSolutionID string         `json:"previousSolutionId,omitempty"`
    VehicleStates      []VehicleState `json:"vehicleStates"`
    NewOrderIDs        []string       `json:"newOrderIds"`
    CancelledOrderIDs  []string       `json:"cancelledOrderIds"`
    OrgID              string         `json:"orgId"`
    RequireDepotReturn bool           `json:"requireDepotReturn"`
}

// SolverParams tunes the external optimizer. Zero values mean service defaults.
type SolverParams struct {
    Iterations         int     `json:"iterations,omitempty"`
    MaxNonImproving    int     `json:"maxNonImproving,omitempty"`
    TimeLimitSeconds   int     `json:"timeLimitSeconds,omitempty"`
    Acceptance         string  `json:"acceptance,omitempty"` // sa, rtr, greedy
    MinDestroyFraction float64 `json:"minDestroyFraction,omitempty"`
    MaxDestroyFraction float64 `json:"maxDestroyFraction,omitempty"`
    Seed               int     `json:"seed,omitempty"`
}

// Depot is the organization's home base; required before any solve.
type Depot struct {
    Name     string    `json:"name,omitempty"`
    Address  string    `json:"address,omitempty"`
    Location *GeoPoint `json:"location"`
}
