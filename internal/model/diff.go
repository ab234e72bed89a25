package model

// Structural delta between two solutions. Produced by the diff engine,
// consumed by the event log and timeline views.

// MetricsChange carries absolute and percentage deltas. Percentages are 0
// when the from-side value is 0; that convention avoids division by zero and
// matches how the timeline renders a first solution.
type MetricsChange struct {
    TotalCost       float64 `json:"totalCost"`
    TotalDistanceKm float64 `json:"totalDistanceKm"`
    TotalTimeHours  float64 `json:"totalTimeHours"`
    VehiclesUsed    int     `json:"vehiclesUsed"`
    CostPercent     float64 `json:"costPercent"`
    DistancePercent float64 `json:"distancePercent"`
    TimePercent     float64 `json:"timePercent"`
}

// OrderReassignment records a node whose route changed between solutions.
// FromRoute/ToRoute are nil when the node appeared or disappeared. Anomalous
// marks a reassignment of an order that was locked in both generations; the
// optimizer is expected to never produce one, and the diff surfaces rather
// than hides it.
type OrderReassignment struct {
    NodeID    int    `json:"nodeId"`
    OrderID   string `json:"orderId,omitempty"`
    Kind      string `json:"kind"`
    FromRoute *int   `json:"fromRoute"`
    ToRoute   *int   `json:"toRoute"`
    Anomalous bool   `json:"anomalous,omitempty"`
}

type RouteModification struct {
    RouteID         int     `json:"routeId"`
    OrdersAdded     []int   `json:"ordersAdded"`
    OrdersRemoved   []int   `json:"ordersRemoved"`
    SequenceChanged bool    `json:"sequenceChanged"`
    CostDelta       float64 `json:"costDelta"`
}

type DiffSummary struct {
    TotalChanges   int  `json:"totalChanges"`
    OrdersAffected int  `json:"ordersAffected"`
    RoutesAffected int  `json:"routesAffected"`
    IsImprovement  bool `json:"isImprovement"`
}

type SolutionDiff struct {
    FromSolutionID   string              `json:"fromSolutionId"`
    ToSolutionID     string              `json:"toSolutionId"`
    MetricsChange    MetricsChange       `json:"metricsChange"`
    OrdersReassigned []OrderReassignment `json:"ordersReassigned"`
    RoutesAdded      []int               `json:"routesAdded"`
    RoutesRemoved    []int               `json:"routesRemoved"`
    RoutesModified   []RouteModification `json:"routesModified"`
    Summary          DiffSummary         `json:"summary"`
}
