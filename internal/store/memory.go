package store

import (
    "context"
    "sort"
    "sync"
    "time"

    "github.com/google/uuid"
    "dispatchloop/internal/model"
)

// Memory is a simple in-memory store used when no DATABASE_URL is set.
type Memory struct {
    mu        sync.Mutex
    orders    map[string]model.Order               // id -> order
    byOrg     map[string][]string                  // org -> order ids
    inRouting map[string]map[string]bool           // org -> order id -> member
    solutions map[string]model.Solution            // id -> solution
    solsByOrg map[string][]string                  // org -> solution ids, insert order
    sessions  map[string]model.SchedulerState      // org|mode -> state
    events    map[string][]model.RoutingEvent      // org -> events, insert order
    eventsSol map[string]string                    // event id -> solution id
    vehicles  map[string]map[string]model.VehicleSnapshot // org -> vehicle id -> snapshot
    depots    map[string]model.Depot               // org -> depot
}

func NewMemory() *Memory {
    return &Memory{
        orders: map[string]model.Order{},
        byOrg: map[string][]string{},
        inRouting: map[string]map[string]bool{},
        solutions: map[string]model.Solution{},
        solsByOrg: map[string][]string{},
        sessions: map[string]model.SchedulerState{},
        events: map[string][]model.RoutingEvent{},
        eventsSol: map[string]string{},
        vehicles: map[string]map[string]model.VehicleSnapshot{},
        depots: map[string]model.Depot{},
    }
}

func sessionKey(orgID, mode string) string { return orgID + "|" + mode }

func (m *Memory) CreateOrders(ctx context.Context, orgID string, orders []model.OrderIn) (int, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    created := 0
    for _, in := range orders {
        id := uuid.New().String()
        status := in.Status
        if status == "" { status = model.StatusPending }
        m.orders[id] = model.Order{ID: id, OrgID: orgID, TrackingNumber: in.TrackingNumber, Status: status, Pickup: in.Pickup, Delivery: in.Delivery}
        m.byOrg[orgID] = append(m.byOrg[orgID], id)
        created++
    }
    return created, nil
}

func (m *Memory) ListOrders(ctx context.Context, orgID, status, cursor string, limit int) ([]model.Order, string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.byOrg[orgID]
    start := 0
    if cursor != "" {
        for i, id := range ids {
            if id == cursor { start = i + 1; break }
        }
    }
    if limit <= 0 { limit = 100 }
    out := []model.Order{}
    var next string
    for i := start; i < len(ids) && len(out) < limit; i++ {
        o := m.orders[ids[i]]
        o.InRouting = m.inRouting[orgID][o.ID]
        if status == "" || o.Status == status { out = append(out, o) }
        next = ids[i]
    }
    if len(out) < limit { next = "" }
    return out, next, nil
}

func (m *Memory) GetOrder(ctx context.Context, orgID, orderID string) (model.Order, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    o, ok := m.orders[orderID]
    if !ok || o.OrgID != orgID { return model.Order{}, ErrNotFound }
    o.InRouting = m.inRouting[orgID][o.ID]
    return o, nil
}

func (m *Memory) UpdateOrderStatus(ctx context.Context, orgID, orderID, status, assignedAt string) error {
    m.mu.Lock(); defer m.mu.Unlock()
    o, ok := m.orders[orderID]
    if !ok || o.OrgID != orgID { return ErrNotFound }
    o.Status = status
    if assignedAt != "" { o.AssignedAt = assignedAt }
    m.orders[orderID] = o
    return nil
}

func (m *Memory) SetInRouting(ctx context.Context, orgID, orderID string, in bool) error {
    m.mu.Lock(); defer m.mu.Unlock()
    o, ok := m.orders[orderID]
    if !ok || o.OrgID != orgID { return ErrNotFound }
    set := m.inRouting[orgID]
    if set == nil { set = map[string]bool{}; m.inRouting[orgID] = set }
    if in { set[orderID] = true } else { delete(set, orderID) }
    return nil
}

func (m *Memory) ListInRouting(ctx context.Context, orgID string) ([]string, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []string{}
    for _, id := range m.byOrg[orgID] {
        if m.inRouting[orgID][id] { out = append(out, id) }
    }
    return out, nil
}

func (m *Memory) SaveSolution(ctx context.Context, sol model.Solution) error {
    m.mu.Lock(); defer m.mu.Unlock()
    if sol.ID == "" { return ErrNotFound }
    if _, seen := m.solutions[sol.ID]; !seen {
        m.solsByOrg[sol.OrgID] = append(m.solsByOrg[sol.OrgID], sol.ID)
    }
    m.solutions[sol.ID] = sol
    return nil
}

func (m *Memory) GetSolution(ctx context.Context, orgID, solutionID string) (model.Solution, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s, ok := m.solutions[solutionID]
    if !ok || s.OrgID != orgID { return model.Solution{}, ErrNotFound }
    return s, nil
}

func (m *Memory) LatestSolution(ctx context.Context, orgID string) (model.Solution, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    var latest model.Solution
    found := false
    for _, id := range m.solsByOrg[orgID] {
        s := m.solutions[id]
        if !found || s.CreatedAt.After(latest.CreatedAt) { latest = s; found = true }
    }
    if !found { return model.Solution{}, ErrNotFound }
    return latest, nil
}

func (m *Memory) ListSolutions(ctx context.Context, orgID string, limit int) ([]model.Solution, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    ids := m.solsByOrg[orgID]
    out := make([]model.Solution, 0, len(ids))
    for _, id := range ids { out = append(out, m.solutions[id]) }
    sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
    if limit > 0 && len(out) > limit { out = out[:limit] }
    return out, nil
}

func (m *Memory) GetSchedulerState(ctx context.Context, orgID, mode string) (model.SchedulerState, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    st, ok := m.sessions[sessionKey(orgID, mode)]
    if !ok { return model.SchedulerState{}, ErrNotFound }
    return st, nil
}

func (m *Memory) SaveSchedulerState(ctx context.Context, orgID string, st model.SchedulerState) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.sessions[sessionKey(orgID, st.Mode)] = st
    return nil
}

func (m *Memory) ListSchedulerStates(ctx context.Context) ([]model.OrgSchedulerState, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    out := []model.OrgSchedulerState{}
    for key, st := range m.sessions {
        org := key
        for i := range key {
            if key[i] == '|' { org = key[:i]; break }
        }
        out = append(out, model.OrgSchedulerState{OrgID: org, State: st})
    }
    return out, nil
}

func (m *Memory) AppendRoutingEvents(ctx context.Context, orgID, solutionID string, events []model.RoutingEvent) error {
    m.mu.Lock(); defer m.mu.Unlock()
    for _, e := range events {
        if e.ID == "" { e.ID = uuid.New().String() }
        if e.Timestamp.IsZero() { e.Timestamp = time.Now().UTC() }
        m.events[orgID] = append(m.events[orgID], e)
        if solutionID != "" { m.eventsSol[e.ID] = solutionID }
    }
    return nil
}

func (m *Memory) ListRoutingEvents(ctx context.Context, orgID, solutionID string, limit int) ([]model.RoutingEvent, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    all := m.events[orgID]
    out := make([]model.RoutingEvent, 0, len(all))
    for _, e := range all {
        if solutionID != "" && m.eventsSol[e.ID] != solutionID { continue }
        out = append(out, e)
    }
    sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp.After(out[j].Timestamp) })
    if limit > 0 && len(out) > limit { out = out[:limit] }
    return out, nil
}

func (m *Memory) RoutesVisible(ctx context.Context, orgID, solutionID string) (bool, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    s, ok := m.solutions[solutionID]
    if !ok || s.OrgID != orgID { return false, nil }
    return len(s.Routes) > 0, nil
}

func (m *Memory) UpsertVehicleSnapshot(ctx context.Context, orgID string, snap model.VehicleSnapshot) error {
    m.mu.Lock(); defer m.mu.Unlock()
    snap.OrgID = orgID
    byID := m.vehicles[orgID]
    if byID == nil { byID = map[string]model.VehicleSnapshot{}; m.vehicles[orgID] = byID }
    byID[snap.VehicleID] = snap
    return nil
}

func (m *Memory) ListVehicleSnapshots(ctx context.Context, orgID string) ([]model.VehicleSnapshot, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    byID := m.vehicles[orgID]
    ids := make([]string, 0, len(byID))
    for id := range byID { ids = append(ids, id) }
    sort.Strings(ids)
    out := make([]model.VehicleSnapshot, 0, len(ids))
    for _, id := range ids { out = append(out, byID[id]) }
    return out, nil
}

func (m *Memory) GetDepot(ctx context.Context, orgID string) (model.Depot, error) {
    m.mu.Lock(); defer m.mu.Unlock()
    d, ok := m.depots[orgID]
    if !ok { return model.Depot{}, ErrNotFound }
    return d, nil
}

func (m *Memory) SaveDepot(ctx context.Context, orgID string, d model.Depot) error {
    m.mu.Lock(); defer m.mu.Unlock()
    m.depots[orgID] = d
    return nil
}
