package store

import (
    "context"
    "database/sql"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "time"

    "github.com/google/uuid"
    _ "github.com/jackc/pgx/v5/stdlib"

    "dispatchloop/internal/model"
)

type Postgres struct {
    db *sql.DB
}

func NewPostgres(dsn string) (*Postgres, error) {
    db, err := sql.Open("pgx", dsn)
    if err != nil {
        return nil, err
    }
    if err := db.Ping(); err != nil {
        return nil, err
    }
    return &Postgres{db: db}, nil
}

// MigrateDir applies every .sql file in dir in lexical order. Files are
// expected to be idempotent (CREATE TABLE IF NOT EXISTS style).
func (p *Postgres) MigrateDir(ctx context.Context, dir string) error {
    entries, err := os.ReadDir(dir)
    if err != nil { return err }
    names := []string{}
    for _, e := range entries {
        if !e.IsDir() && filepath.Ext(e.Name()) == ".sql" { names = append(names, e.Name()) }
    }
    sort.Strings(names)
    for _, name := range names {
        b, err := os.ReadFile(filepath.Join(dir, name))
        if err != nil { return err }
        if _, err := p.db.ExecContext(ctx, string(b)); err != nil { return err }
    }
    return nil
}

func (p *Postgres) CreateOrders(ctx context.Context, orgID string, orders []model.OrderIn) (int, error) {
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return 0, err }
    defer func(){ _ = tx.Rollback() }()
    created := 0
    for _, in := range orders {
        status := in.Status
        if status == "" { status = model.StatusPending }
        _, err = tx.ExecContext(ctx, `INSERT INTO orders (id, org_id, tracking_number, status, pickup, delivery) VALUES ($1,$2,$3,$4,$5,$6)`,
            uuid.New(), orgID, nullIfEmpty(in.TrackingNumber), status, toJSON(in.Pickup), toJSON(in.Delivery))
        if err != nil { return 0, err }
        created++
    }
    if err := tx.Commit(); err != nil { return 0, err }
    return created, nil
}

func (p *Postgres) ListOrders(ctx context.Context, orgID, status, cursor string, limit int) ([]model.Order, string, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id::text, COALESCE(tracking_number,''), status, pickup, delivery, COALESCE(assigned_at,''), in_routing FROM orders WHERE org_id=$1`
    args := []any{orgID}
    idx := 2
    if status != "" { q += ` AND status=$` + fmt.Sprint(idx); args = append(args, status); idx++ }
    if cursor != "" { q += ` AND id::text > $` + fmt.Sprint(idx); args = append(args, cursor); idx++ }
    q += ` ORDER BY id LIMIT $` + fmt.Sprint(idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, "", err }
    defer rows.Close()
    out := []model.Order{}
    var last string
    for rows.Next() {
        o, err := scanOrder(rows)
        if err != nil { return nil, "", err }
        o.OrgID = orgID
        out = append(out, o)
        last = o.ID
    }
    next := ""
    if len(out) == limit { next = last }
    return out, next, nil
}

func (p *Postgres) GetOrder(ctx context.Context, orgID, orderID string) (model.Order, error) {
    row := p.db.QueryRowContext(ctx, `SELECT id::text, COALESCE(tracking_number,''), status, pickup, delivery, COALESCE(assigned_at,''), in_routing FROM orders WHERE org_id=$1 AND id=$2`, orgID, orderID)
    o, err := scanOrder(row)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Order{}, ErrNotFound }
        return model.Order{}, err
    }
    o.OrgID = orgID
    return o, nil
}

func (p *Postgres) UpdateOrderStatus(ctx context.Context, orgID, orderID, status, assignedAt string) error {
    res, err := p.db.ExecContext(ctx, `UPDATE orders SET status=$1, assigned_at=COALESCE(NULLIF($2,''), assigned_at) WHERE org_id=$3 AND id=$4`, status, assignedAt, orgID, orderID)
    if err != nil { return err }
    n, _ := res.RowsAffected()
    if n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) SetInRouting(ctx context.Context, orgID, orderID string, in bool) error {
    res, err := p.db.ExecContext(ctx, `UPDATE orders SET in_routing=$1 WHERE org_id=$2 AND id=$3`, in, orgID, orderID)
    if err != nil { return err }
    n, _ := res.RowsAffected()
    if n == 0 { return ErrNotFound }
    return nil
}

func (p *Postgres) ListInRouting(ctx context.Context, orgID string) ([]string, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT id::text FROM orders WHERE org_id=$1 AND in_routing ORDER BY id`, orgID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []string{}
    for rows.Next() { var id string; if err := rows.Scan(&id); err != nil { return nil, err }; out = append(out, id) }
    return out, nil
}

func (p *Postgres) SaveSolution(ctx context.Context, sol model.Solution) error {
    _, err := p.db.ExecContext(ctx, `INSERT INTO solutions (id, org_id, parent_solution_id, created_at, routes, metrics, node_index)
        VALUES ($1,$2,$3,$4,$5,$6,$7)
        ON CONFLICT (id) DO UPDATE SET routes=$5, metrics=$6, node_index=$7`,
        sol.ID, sol.OrgID, nullIfEmpty(sol.ParentSolutionID), sol.CreatedAt, toJSON(sol.Routes), toJSON(sol.Metrics), toJSON(sol.NodeIndex))
    return err
}

func (p *Postgres) GetSolution(ctx context.Context, orgID, solutionID string) (model.Solution, error) {
    row := p.db.QueryRowContext(ctx, `SELECT id, COALESCE(parent_solution_id,''), created_at, routes, metrics, node_index FROM solutions WHERE org_id=$1 AND id=$2`, orgID, solutionID)
    s, err := scanSolution(row)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Solution{}, ErrNotFound }
        return model.Solution{}, err
    }
    s.OrgID = orgID
    return s, nil
}

func (p *Postgres) LatestSolution(ctx context.Context, orgID string) (model.Solution, error) {
    row := p.db.QueryRowContext(ctx, `SELECT id, COALESCE(parent_solution_id,''), created_at, routes, metrics, node_index FROM solutions WHERE org_id=$1 ORDER BY created_at DESC LIMIT 1`, orgID)
    s, err := scanSolution(row)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Solution{}, ErrNotFound }
        return model.Solution{}, err
    }
    s.OrgID = orgID
    return s, nil
}

func (p *Postgres) ListSolutions(ctx context.Context, orgID string, limit int) ([]model.Solution, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    rows, err := p.db.QueryContext(ctx, `SELECT id, COALESCE(parent_solution_id,''), created_at, routes, metrics, node_index FROM solutions WHERE org_id=$1 ORDER BY created_at DESC LIMIT $2`, orgID, limit)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.Solution{}
    for rows.Next() {
        s, err := scanSolution(rows)
        if err != nil { return nil, err }
        s.OrgID = orgID
        out = append(out, s)
    }
    return out, nil
}

func (p *Postgres) GetSchedulerState(ctx context.Context, orgID, mode string) (model.SchedulerState, error) {
    var st model.SchedulerState
    row := p.db.QueryRowContext(ctx, `SELECT mode, running, paused, last_solve_at_ms, interval_minutes, COALESCE(latest_solution_id,'') FROM scheduler_sessions WHERE org_id=$1 AND mode=$2`, orgID, mode)
    if err := row.Scan(&st.Mode, &st.Running, &st.Paused, &st.LastSolveAtMs, &st.IntervalMinutes, &st.LatestSolutionID); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.SchedulerState{}, ErrNotFound }
        return model.SchedulerState{}, err
    }
    return st, nil
}

func (p *Postgres) SaveSchedulerState(ctx context.Context, orgID string, st model.SchedulerState) error {
    _, err := p.db.ExecContext(ctx, `INSERT INTO scheduler_sessions (org_id, mode, running, paused, last_solve_at_ms, interval_minutes, latest_solution_id, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,now())
        ON CONFLICT (org_id, mode) DO UPDATE SET running=$3, paused=$4, last_solve_at_ms=$5, interval_minutes=$6, latest_solution_id=$7, updated_at=now()`,
        orgID, st.Mode, st.Running, st.Paused, st.LastSolveAtMs, st.IntervalMinutes, nullIfEmpty(st.LatestSolutionID))
    return err
}

func (p *Postgres) ListSchedulerStates(ctx context.Context) ([]model.OrgSchedulerState, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT org_id, mode, running, paused, last_solve_at_ms, interval_minutes, COALESCE(latest_solution_id,'') FROM scheduler_sessions`)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.OrgSchedulerState{}
    for rows.Next() {
        var o model.OrgSchedulerState
        if err := rows.Scan(&o.OrgID, &o.State.Mode, &o.State.Running, &o.State.Paused, &o.State.LastSolveAtMs, &o.State.IntervalMinutes, &o.State.LatestSolutionID); err != nil { return nil, err }
        out = append(out, o)
    }
    return out, nil
}

func (p *Postgres) AppendRoutingEvents(ctx context.Context, orgID, solutionID string, events []model.RoutingEvent) error {
    if len(events) == 0 { return nil }
    tx, err := p.db.BeginTx(ctx, nil)
    if err != nil { return err }
    defer func(){ _ = tx.Rollback() }()
    for _, e := range events {
        id := e.ID
        if id == "" { id = uuid.New().String() }
        ts := e.Timestamp
        if ts.IsZero() { ts = time.Now().UTC() }
        _, err := tx.ExecContext(ctx, `INSERT INTO routing_events (id, org_id, solution_id, ts, type, trigger_kind, summary, details) VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
            id, orgID, nullIfEmpty(solutionID), ts, e.Type, nullIfEmpty(e.Trigger), e.Summary, toJSON(e.Details))
        if err != nil { return err }
    }
    return tx.Commit()
}

func (p *Postgres) ListRoutingEvents(ctx context.Context, orgID, solutionID string, limit int) ([]model.RoutingEvent, error) {
    if limit <= 0 || limit > 500 { limit = 100 }
    q := `SELECT id::text, ts, type, COALESCE(trigger_kind,''), summary, details FROM routing_events WHERE org_id=$1`
    args := []any{orgID}
    idx := 2
    if solutionID != "" { q += ` AND solution_id=$` + fmt.Sprint(idx); args = append(args, solutionID); idx++ }
    q += ` ORDER BY ts DESC LIMIT $` + fmt.Sprint(idx)
    args = append(args, limit)
    rows, err := p.db.QueryContext(ctx, q, args...)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.RoutingEvent{}
    for rows.Next() {
        var e model.RoutingEvent
        var details []byte
        if err := rows.Scan(&e.ID, &e.Timestamp, &e.Type, &e.Trigger, &e.Summary, &details); err != nil { return nil, err }
        if len(details) > 0 { _ = json.Unmarshal(details, &e.Details) }
        out = append(out, e)
    }
    return out, nil
}

func (p *Postgres) RoutesVisible(ctx context.Context, orgID, solutionID string) (bool, error) {
    var routes []byte
    err := p.db.QueryRowContext(ctx, `SELECT routes FROM solutions WHERE org_id=$1 AND id=$2`, orgID, solutionID).Scan(&routes)
    if err != nil {
        if errors.Is(err, sql.ErrNoRows) { return false, nil }
        return false, err
    }
    var rs []model.Route
    if err := json.Unmarshal(routes, &rs); err != nil { return false, err }
    return len(rs) > 0, nil
}

func (p *Postgres) UpsertVehicleSnapshot(ctx context.Context, orgID string, snap model.VehicleSnapshot) error {
    _, err := p.db.ExecContext(ctx, `INSERT INTO vehicle_snapshots (org_id, vehicle_id, lat, lng, heading, has_fix, recorded_at, picked_order_ids, last_stop_location_id, last_stop_time, updated_at)
        VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,now())
        ON CONFLICT (org_id, vehicle_id) DO UPDATE SET lat=$3, lng=$4, heading=$5, has_fix=$6, recorded_at=$7, picked_order_ids=$8, last_stop_location_id=$9, last_stop_time=$10, updated_at=now()`,
        orgID, snap.VehicleID, snap.Lat, snap.Lng, snap.Heading, snap.HasFix, nullIfEmpty(snap.RecordedAt), toJSON(snap.PickedOrderIDs), nullIfEmpty(snap.LastStopLocationID), nullIfEmpty(snap.LastStopTime))
    return err
}

func (p *Postgres) ListVehicleSnapshots(ctx context.Context, orgID string) ([]model.VehicleSnapshot, error) {
    rows, err := p.db.QueryContext(ctx, `SELECT vehicle_id, lat, lng, heading, has_fix, COALESCE(recorded_at,''), picked_order_ids, COALESCE(last_stop_location_id,''), COALESCE(last_stop_time,'') FROM vehicle_snapshots WHERE org_id=$1 ORDER BY vehicle_id`, orgID)
    if err != nil { return nil, err }
    defer rows.Close()
    out := []model.VehicleSnapshot{}
    for rows.Next() {
        var s model.VehicleSnapshot
        var heading sql.NullFloat64
        var picked []byte
        if err := rows.Scan(&s.VehicleID, &s.Lat, &s.Lng, &heading, &s.HasFix, &s.RecordedAt, &picked, &s.LastStopLocationID, &s.LastStopTime); err != nil { return nil, err }
        if heading.Valid { h := heading.Float64; s.Heading = &h }
        if len(picked) > 0 { _ = json.Unmarshal(picked, &s.PickedOrderIDs) }
        s.OrgID = orgID
        out = append(out, s)
    }
    return out, nil
}

func (p *Postgres) GetDepot(ctx context.Context, orgID string) (model.Depot, error) {
    var d model.Depot
    var loc []byte
    row := p.db.QueryRowContext(ctx, `SELECT COALESCE(name,''), COALESCE(address,''), location FROM org_depots WHERE org_id=$1`, orgID)
    if err := row.Scan(&d.Name, &d.Address, &loc); err != nil {
        if errors.Is(err, sql.ErrNoRows) { return model.Depot{}, ErrNotFound }
        return model.Depot{}, err
    }
    if len(loc) > 0 { _ = json.Unmarshal(loc, &d.Location) }
    return d, nil
}

func (p *Postgres) SaveDepot(ctx context.Context, orgID string, d model.Depot) error {
    _, err := p.db.ExecContext(ctx, `INSERT INTO org_depots (org_id, name, address, location, updated_at) VALUES ($1,$2,$3,$4,now())
        ON CONFLICT (org_id) DO UPDATE SET name=$2, address=$3, location=$4, updated_at=now()`,
        orgID, nullIfEmpty(d.Name), nullIfEmpty(d.Address), toJSON(d.Location))
    return err
}

type rowScanner interface {
    Scan(dest ...any) error
}

func scanOrder(row rowScanner) (model.Order, error) {
    var o model.Order
    var pickup, delivery []byte
    if err := row.Scan(&o.ID, &o.TrackingNumber, &o.Status, &pickup, &delivery, &o.AssignedAt, &o.InRouting); err != nil { return o, err }
    if len(pickup) > 0 { _ = json.Unmarshal(pickup, &o.Pickup) }
    if len(delivery) > 0 { _ = json.Unmarshal(delivery, &o.Delivery) }
    return o, nil
}

func scanSolution(row rowScanner) (model.Solution, error) {
    var s model.Solution
    var routes, metrics, nodeIndex []byte
    if err := row.Scan(&s.ID, &s.ParentSolutionID, &s.CreatedAt, &routes, &metrics, &nodeIndex); err != nil { return s, err }
    if len(routes) > 0 { _ = json.Unmarshal(routes, &s.Routes) }
    if len(metrics) > 0 { _ = json.Unmarshal(metrics, &s.Metrics) }
    if len(nodeIndex) > 0 { _ = json.Unmarshal(nodeIndex, &s.NodeIndex) }
    return s, nil
}

func nullIfEmpty(s string) any {
    if s == "" { return nil }
    return s
}

func toJSON(v any) []byte {
    if v == nil { return []byte("null") }
    b, err := json.Marshal(v)
    if err != nil { return []byte("null") }
    return b
}
