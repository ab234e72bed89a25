package api

import (
    "errors"
    "fmt"
    "log"
    "net/http"
    "strings"
    "time"

    "dispatchloop/internal/buildinfo"
    "dispatchloop/internal/dispatch"
    "dispatchloop/internal/lifecycle"
    "dispatchloop/internal/model"
    "dispatchloop/internal/solver"
    "dispatchloop/internal/store"
)

// OrdersHandler handles POST/GET /v1/orders
func (s *Server) OrdersHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    switch r.Method {
    case http.MethodPost:
        var req struct {
            Orders []model.OrderIn `json:"orders"`
        }
        if err := decodeJSON(r, &req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if len(req.Orders) == 0 {
            writeProblem(w, http.StatusBadRequest, "Missing orders", "orders must be non-empty", r.URL.Path)
            return
        }
        created, err := s.Store.CreateOrders(r.Context(), p.Org, req.Orders)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "Create orders failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusAccepted, map[string]any{"created": created})
    case http.MethodGet:
        status := r.URL.Query().Get("status")
        cursor := r.URL.Query().Get("cursor")
        limit := 100
        if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
        items, next, err := s.Store.ListOrders(r.Context(), p.Org, status, cursor, limit)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List orders failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"items": items, "nextCursor": next})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// OrderByIDHandler handles GET /v1/orders/{id} and POST /v1/orders/{id}/routing
func (s *Server) OrderByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/orders/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    id := parts[0]
    p := s.getPrincipal(r)

    if len(parts) > 1 && parts[1] == "routing" {
        // Toggle routing-pool membership for one order
        if r.Method != http.MethodPost {
            w.WriteHeader(http.StatusMethodNotAllowed)
            return
        }
        if !p.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var req struct {
            In bool `json:"in"`
        }
        if err := decodeJSON(r, &req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if err := s.Store.SetInRouting(r.Context(), p.Org, id, req.In); err != nil {
            if errors.Is(err, store.ErrNotFound) {
                writeProblem(w, http.StatusNotFound, "Order not found", id, r.URL.Path)
                return
            }
            writeProblem(w, http.StatusInternalServerError, "Update routing failed", err.Error(), r.URL.Path)
            return
        }
        s.recordPoolChange(r, p.Org, []string{id}, req.In)
        writeJSON(w, http.StatusOK, map[string]any{"orderId": id, "isInRouting": req.In})
        return
    }

    if r.Method != http.MethodGet {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    o, err := s.Store.GetOrder(r.Context(), p.Org, id)
    if err != nil {
        writeProblem(w, http.StatusNotFound, "Order not found", id, r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{
        "order":        o,
        "routingState": lifecycle.RoutingStateOf(o.Status),
        "lockState":    lifecycle.LockStateOf(o.Status),
        "category":     lifecycle.CategoryOf(o.Status),
    })
}

// RoutingPoolHandler handles GET/POST /v1/routing-pool
func (s *Server) RoutingPoolHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    switch r.Method {
    case http.MethodGet:
        pool, err := s.partitionedPool(r, p.Org)
        if err != nil {
            writeProblem(w, http.StatusInternalServerError, "List pool failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{
            "eligible":  pool.Eligible,
            "inRouting": pool.InRouting,
            "available": pool.Available,
        })
    case http.MethodPost:
        if !p.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }
        var req struct {
            OrderIDs []string `json:"orderIds"`
            In       bool     `json:"in"`
        }
        if err := decodeJSON(r, &req); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        updated := []string{}
        for _, id := range req.OrderIDs {
            if err := s.Store.SetInRouting(r.Context(), p.Org, id, req.In); err != nil {
                if errors.Is(err, store.ErrNotFound) { continue }
                writeProblem(w, http.StatusInternalServerError, "Update pool failed", err.Error(), r.URL.Path)
                return
            }
            updated = append(updated, id)
        }
        s.recordPoolChange(r, p.Org, updated, req.In)
        writeJSON(w, http.StatusOK, map[string]any{"updated": len(updated)})
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// recordPoolChange logs pool membership changes on the event timeline and
// fans them out to live subscribers. Best-effort: a failed write is logged,
// the membership change itself already happened.
func (s *Server) recordPoolChange(r *http.Request, orgID string, orderIDs []string, in bool) {
    if len(orderIDs) == 0 {
        return
    }
    evType := model.EventOrderAdded
    verb := "added to"
    if !in {
        evType = model.EventOrderRemoved
        verb = "removed from"
    }
    events := make([]model.RoutingEvent, 0, len(orderIDs))
    for _, id := range orderIDs {
        events = append(events, model.RoutingEvent{
            Timestamp: time.Now().UTC(),
            Type:      evType,
            Summary:   fmt.Sprintf("order %s %s routing pool", id, verb),
        })
    }
    if err := s.Store.AppendRoutingEvents(r.Context(), orgID, "", events); err != nil {
        log.Printf("pool change org=%s: event write: %v", orgID, err)
    }
    if s.Broker != nil {
        for _, ev := range events {
            s.Broker.Publish(orgID, ev)
        }
    }
}

func (s *Server) partitionedPool(r *http.Request, orgID string) (lifecycle.Pool, error) {
    inIDs, err := s.Store.ListInRouting(r.Context(), orgID)
    if err != nil {
        return lifecycle.Pool{}, err
    }
    inSet := make(map[string]bool, len(inIDs))
    for _, id := range inIDs { inSet[id] = true }
    var all []model.Order
    cursor := ""
    for {
        page, next, err := s.Store.ListOrders(r.Context(), orgID, "", cursor, 200)
        if err != nil {
            return lifecycle.Pool{}, err
        }
        all = append(all, page...)
        if next == "" { break }
        cursor = next
    }
    return lifecycle.Partition(all, s.Sessions.Allowed, inSet), nil
}

// DispatchHandler handles /v1/dispatch/{state,start,pause,resume,stop,solve}
func (s *Server) DispatchHandler(w http.ResponseWriter, r *http.Request) {
    action := strings.TrimPrefix(r.URL.Path, "/v1/dispatch/")
    if action == r.URL.Path || action == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing action", r.URL.Path)
        return
    }
    p := s.getPrincipal(r)

    if action == "state" {
        if r.Method != http.MethodGet {
            w.WriteHeader(http.StatusMethodNotAllowed)
            return
        }
        mode := r.URL.Query().Get("mode")
        if mode == "" { mode = model.ModeDynamic }
        sess := s.Sessions.Get(r.Context(), p.Org, mode)
        writeJSON(w, http.StatusOK, map[string]any{"state": sess.State(), "inFlight": sess.InFlight()})
        return
    }

    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    if !p.CanDispatch() { writeProblem(w, 403, "Forbidden", "dispatcher or admin required", r.URL.Path); return }

    var req struct {
        Mode            string              `json:"mode"`
        IntervalMinutes int                 `json:"intervalMinutes"`
        Profile         string              `json:"profile"`
        Params          *model.SolverParams `json:"params"`
    }
    if r.Body != nil {
        // body is optional for pause/resume/stop/solve
        _ = decodeJSON(r, &req)
    }
    if req.Mode == "" { req.Mode = model.ModeDynamic }

    switch action {
    case "start":
        if err := validateStartRequest(req.Mode, req.IntervalMinutes); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid start request", err.Error(), r.URL.Path)
            return
        }
        sess := s.Sessions.Get(r.Context(), p.Org, req.Mode)
        if req.Profile != "" {
            prof, ok := s.Profiles[req.Profile]
            if !ok {
                writeProblem(w, http.StatusBadRequest, "Unknown profile", req.Profile, r.URL.Path)
                return
            }
            sess.Params = prof
        } else if req.Params != nil {
            if err := validateSolverParams(req.Params); err != nil {
                writeProblem(w, http.StatusBadRequest, "Invalid solver params", err.Error(), r.URL.Path)
                return
            }
            sess.Params = *req.Params
        }
        if err := sess.Start(r.Context(), req.IntervalMinutes); err != nil {
            s.writeDispatchError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"state": sess.State()})
    case "pause":
        sess := s.Sessions.Get(r.Context(), p.Org, req.Mode)
        if err := sess.Pause(r.Context()); err != nil {
            s.writeDispatchError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"state": sess.State()})
    case "resume":
        sess := s.Sessions.Get(r.Context(), p.Org, req.Mode)
        if err := sess.Resume(r.Context()); err != nil {
            s.writeDispatchError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"state": sess.State()})
    case "stop":
        sess := s.Sessions.Get(r.Context(), p.Org, req.Mode)
        if err := sess.Stop(r.Context()); err != nil {
            s.writeDispatchError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"state": sess.State()})
    case "solve":
        if !s.solveLimiter(p.Org).Allow() {
            writeProblem(w, http.StatusTooManyRequests, "Rate limited", "manual solve limit reached, retry later", r.URL.Path)
            return
        }
        sess := s.Sessions.Get(r.Context(), p.Org, req.Mode)
        sol, err := sess.SolveNow(r.Context())
        if err != nil {
            s.writeDispatchError(w, r, err)
            return
        }
        writeJSON(w, http.StatusOK, map[string]any{"solution": sol, "state": sess.State()})
    default:
        writeProblem(w, http.StatusNotFound, "Not Found", "unknown action: "+action, r.URL.Path)
    }
}

// writeDispatchError maps scheduler and solver failures onto the HTTP surface.
func (s *Server) writeDispatchError(w http.ResponseWriter, r *http.Request, err error) {
    var mde *dispatch.MissingDataError
    switch {
    case errors.As(err, &mde):
        writeProblem(w, http.StatusUnprocessableEntity, "Missing routing data", err.Error(), r.URL.Path)
    case errors.Is(err, dispatch.ErrEmptyPool):
        writeProblem(w, http.StatusConflict, "Routing pool empty", "add orders to the routing pool first", r.URL.Path)
    case errors.Is(err, dispatch.ErrBusy):
        writeProblem(w, http.StatusConflict, "Solve in flight", "a solve is already running, retry later", r.URL.Path)
    case errors.Is(err, dispatch.ErrNotRunning):
        writeProblem(w, http.StatusConflict, "Scheduler not running", err.Error(), r.URL.Path)
    case errors.Is(err, solver.ErrInfeasible):
        writeProblem(w, http.StatusUnprocessableEntity, "Infeasible instance", err.Error(), r.URL.Path)
    case errors.Is(err, solver.ErrTimeout):
        writeProblem(w, http.StatusGatewayTimeout, "Solver timed out", err.Error(), r.URL.Path)
    case errors.Is(err, solver.ErrUnavailable):
        writeProblem(w, http.StatusBadGateway, "Solver unavailable", err.Error(), r.URL.Path)
    default:
        writeProblem(w, http.StatusInternalServerError, "Dispatch failed", err.Error(), r.URL.Path)
    }
}

// SolutionsHandler handles GET /v1/solutions
func (s *Server) SolutionsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/solutions" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p := s.getPrincipal(r)
    limit := 20
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, err := s.Store.ListSolutions(r.Context(), p.Org, limit)
    if err != nil { writeProblem(w, 500, "List solutions failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

// SolutionByIDHandler handles GET /v1/solutions/{id} and GET /v1/solutions/diff
func (s *Server) SolutionByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/solutions/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    if r.Method != http.MethodGet {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    p := s.getPrincipal(r)

    if rest == "diff" {
        fromID := r.URL.Query().Get("from")
        toID := r.URL.Query().Get("to")
        if fromID == "" || toID == "" {
            writeProblem(w, http.StatusBadRequest, "Missing parameters", "from and to are required", r.URL.Path)
            return
        }
        from, err := s.Store.GetSolution(r.Context(), p.Org, fromID)
        if err != nil { writeProblem(w, 404, "Solution not found", fromID, r.URL.Path); return }
        to, err := s.Store.GetSolution(r.Context(), p.Org, toID)
        if err != nil { writeProblem(w, 404, "Solution not found", toID, r.URL.Path); return }
        writeJSON(w, http.StatusOK, dispatch.Compare(from, to))
        return
    }

    if rest == "latest" {
        sol, err := s.Store.LatestSolution(r.Context(), p.Org)
        if err != nil {
            writeProblem(w, http.StatusNotFound, "No solutions yet", "", r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, sol)
        return
    }

    sol, err := s.Store.GetSolution(r.Context(), p.Org, rest)
    if err != nil {
        writeProblem(w, http.StatusNotFound, "Solution not found", rest, r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, sol)
}

// EventsHandler handles GET /v1/events
func (s *Server) EventsHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/events" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p := s.getPrincipal(r)
    limit := 100
    if v := r.URL.Query().Get("limit"); v != "" { fmt.Sscanf(v, "%d", &limit) }
    items, err := s.Store.ListRoutingEvents(r.Context(), p.Org, r.URL.Query().Get("solutionId"), limit)
    if err != nil { writeProblem(w, 500, "List events failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

// VehiclesHandler handles GET /v1/vehicles
func (s *Server) VehiclesHandler(w http.ResponseWriter, r *http.Request) {
    if r.URL.Path != "/v1/vehicles" { writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path); return }
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p := s.getPrincipal(r)
    items, err := s.Store.ListVehicleSnapshots(r.Context(), p.Org)
    if err != nil { writeProblem(w, 500, "List vehicles failed", err.Error(), r.URL.Path); return }
    writeJSON(w, 200, map[string]any{"items": items})
}

// VehicleByIDHandler handles POST /v1/vehicles/{id}/position
func (s *Server) VehicleByIDHandler(w http.ResponseWriter, r *http.Request) {
    rest := strings.TrimPrefix(r.URL.Path, "/v1/vehicles/")
    if rest == r.URL.Path || rest == "" {
        writeProblem(w, http.StatusNotFound, "Not Found", "missing id", r.URL.Path)
        return
    }
    parts := strings.Split(rest, "/")
    if len(parts) < 2 || parts[1] != "position" {
        writeProblem(w, http.StatusNotFound, "Not Found", "", r.URL.Path)
        return
    }
    if r.Method != http.MethodPost {
        w.WriteHeader(http.StatusMethodNotAllowed)
        return
    }
    p := s.getPrincipal(r)
    var req struct {
        Lat                float64  `json:"lat"`
        Lng                float64  `json:"lng"`
        Heading            *float64 `json:"heading"`
        HasFix             bool     `json:"hasFix"`
        PickedOrderIDs     []string `json:"pickedOrderIds"`
        LastStopLocationID string   `json:"lastStopLocationId"`
        LastStopTime       string   `json:"lastStopTime"`
    }
    if err := decodeJSON(r, &req); err != nil {
        writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
        return
    }
    snap := model.VehicleSnapshot{
        VehicleID:          parts[0],
        Lat:                req.Lat,
        Lng:                req.Lng,
        Heading:            req.Heading,
        HasFix:             req.HasFix,
        RecordedAt:         time.Now().UTC().Format(time.RFC3339),
        PickedOrderIDs:     req.PickedOrderIDs,
        LastStopLocationID: req.LastStopLocationID,
        LastStopTime:       req.LastStopTime,
    }
    if err := s.Store.UpsertVehicleSnapshot(r.Context(), p.Org, snap); err != nil {
        writeProblem(w, http.StatusInternalServerError, "Upsert snapshot failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, snap)
}

// DepotHandler handles GET/PUT /v1/depot
func (s *Server) DepotHandler(w http.ResponseWriter, r *http.Request) {
    p := s.getPrincipal(r)
    switch r.Method {
    case http.MethodGet:
        d, err := s.Store.GetDepot(r.Context(), p.Org)
        if err != nil {
            writeProblem(w, http.StatusNotFound, "Depot not configured", "", r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, d)
    case http.MethodPut:
        if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
        var d model.Depot
        if err := decodeJSON(r, &d); err != nil {
            writeProblem(w, http.StatusBadRequest, "Invalid JSON", err.Error(), r.URL.Path)
            return
        }
        if d.Location == nil {
            writeProblem(w, http.StatusBadRequest, "Missing location", "depot location is required", r.URL.Path)
            return
        }
        if err := s.Store.SaveDepot(r.Context(), p.Org, d); err != nil {
            writeProblem(w, http.StatusInternalServerError, "Save depot failed", err.Error(), r.URL.Path)
            return
        }
        writeJSON(w, http.StatusOK, d)
    default:
        w.WriteHeader(http.StatusMethodNotAllowed)
    }
}

// SolverProfilesHandler handles GET /v1/solver/profiles
func (s *Server) SolverProfilesHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    profiles := s.Profiles
    if profiles == nil { profiles = map[string]model.SolverParams{} }
    writeJSON(w, http.StatusOK, map[string]any{"profiles": profiles})
}

// SolverStatsHandler handles GET /v1/admin/solver/stats
func (s *Server) SolverStatsHandler(w http.ResponseWriter, r *http.Request) {
    if r.Method != http.MethodGet { w.WriteHeader(http.StatusMethodNotAllowed); return }
    p := s.getPrincipal(r)
    if !p.IsAdmin() { writeProblem(w, 403, "Forbidden", "admin required", r.URL.Path); return }
    if s.Solver == nil {
        writeProblem(w, http.StatusServiceUnavailable, "Solver not configured", "", r.URL.Path)
        return
    }
    stats, err := s.Solver.Stats(r.Context())
    if err != nil {
        writeProblem(w, http.StatusBadGateway, "Solver stats failed", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, stats)
}

// HealthHandler handles GET /healthz
func (s *Server) HealthHandler(w http.ResponseWriter, r *http.Request) {
    writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "build": buildinfo.Info()})
}

// ReadyHandler handles GET /readyz
func (s *Server) ReadyHandler(w http.ResponseWriter, r *http.Request) {
    if _, err := s.Store.ListSchedulerStates(r.Context()); err != nil {
        writeProblem(w, http.StatusServiceUnavailable, "Store unavailable", err.Error(), r.URL.Path)
        return
    }
    writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}
