package solver

import (
    "context"
    "encoding/json"
    "errors"
    "net/http"
    "net/http/httptest"
    "sync/atomic"
    "testing"
    "time"

    "dispatchloop/internal/model"
)

func testClient(url string) *Client {
    return &Client{BaseURL: url, HTTP: &http.Client{Timeout: 2 * time.Second}, PollInterval: 5 * time.Millisecond, PollTimeout: 200 * time.Millisecond}
}

func TestSolvePollsUntilDone(t *testing.T) {
    var polls int32
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        switch {
        case r.Method == http.MethodPost && r.URL.Path == "/jobs/submit":
            var req submitRequest
            _ = json.NewDecoder(r.Body).Decode(&req)
            if req.Kind != "solve" || req.Instance == "" { t.Errorf("bad submit: %+v", req) }
            _ = json.NewEncoder(w).Encode(submitResponse{JobID: "j1"})
        case r.Method == http.MethodGet && r.URL.Path == "/jobs/j1":
            n := atomic.AddInt32(&polls, 1)
            if n < 3 {
                _ = json.NewEncoder(w).Encode(jobStatus{Status: "running"})
                return
            }
            _ = json.NewEncoder(w).Encode(jobStatus{Status: "done", Solution: &Result{
                SolutionID: "sol-1",
                Routes: []model.Route{{ID: 1, Sequence: []int{0, 1, 3, 0}, Cost: 42}},
                Metrics: model.Metrics{TotalCost: 42},
            }})
        default:
            w.WriteHeader(http.StatusNotFound)
        }
    }))
    defer srv.Close()

    res, err := testClient(srv.URL).Solve(context.Background(), "instance", model.SolverParams{})
    if err != nil { t.Fatal(err) }
    if res.SolutionID != "sol-1" || len(res.Routes) != 1 { t.Fatalf("result: %+v", res) }
    if atomic.LoadInt32(&polls) < 3 { t.Fatalf("expected at least 3 polls, got %d", polls) }
}

func TestSolveInfeasible(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Path == "/jobs/submit" {
            _ = json.NewEncoder(w).Encode(submitResponse{JobID: "j1"})
            return
        }
        _ = json.NewEncoder(w).Encode(jobStatus{Status: "failed", Error: "infeasible"})
    }))
    defer srv.Close()

    _, err := testClient(srv.URL).Solve(context.Background(), "instance", model.SolverParams{})
    if !errors.Is(err, ErrInfeasible) { t.Fatalf("want ErrInfeasible, got %v", err) }
}

func TestSolveTimeoutCancelsJob(t *testing.T) {
    var cancelled int32
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        switch {
        case r.URL.Path == "/jobs/submit":
            _ = json.NewEncoder(w).Encode(submitResponse{JobID: "j1"})
        case r.Method == http.MethodDelete:
            atomic.StoreInt32(&cancelled, 1)
        default:
            _ = json.NewEncoder(w).Encode(jobStatus{Status: "running"})
        }
    }))
    defer srv.Close()

    c := testClient(srv.URL)
    c.PollTimeout = 20 * time.Millisecond
    _, err := c.Solve(context.Background(), "instance", model.SolverParams{})
    if !errors.Is(err, ErrTimeout) { t.Fatalf("want ErrTimeout, got %v", err) }
    if atomic.LoadInt32(&cancelled) != 1 { t.Fatal("expected cancel call after timeout") }
}

func TestSolveUnavailable(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        w.WriteHeader(http.StatusBadGateway)
    }))
    defer srv.Close()

    _, err := testClient(srv.URL).Solve(context.Background(), "instance", model.SolverParams{})
    if !errors.Is(err, ErrUnavailable) { t.Fatalf("want ErrUnavailable, got %v", err) }
}

func TestReoptimizeSendsContext(t *testing.T) {
    srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        if r.URL.Path == "/jobs/submit" {
            var req submitRequest
            _ = json.NewDecoder(r.Body).Decode(&req)
            if req.Kind != "reoptimize" || req.Context == nil || req.Context.PreviousSolutionID != "sol-0" {
                t.Errorf("bad submit: %+v", req)
            }
            _ = json.NewEncoder(w).Encode(submitResponse{JobID: "j1"})
            return
        }
        _ = json.NewEncoder(w).Encode(jobStatus{Status: "done", Solution: &Result{SolutionID: "sol-1", Persisted: true}})
    }))
    defer srv.Close()

    rc := model.ReoptimizationContext{PreviousSolutionID: "sol-0", OrgID: "org1", RequireDepotReturn: true}
    res, err := testClient(srv.URL).Reoptimize(context.Background(), rc, model.SolverParams{})
    if err != nil { t.Fatal(err) }
    if !res.Persisted || res.SolutionID != "sol-1" { t.Fatalf("result: %+v", res) }
}

func TestParseProfiles(t *testing.T) {
    src := []byte("fast:\n  iterations: 2000\n  timeLimitSeconds: 5\nthorough:\n  iterations: 50000\n  acceptance: sa\n  minDestroyFraction: 0.1\n  maxDestroyFraction: 0.4\n")
    profiles, err := ParseProfiles(src)
    if err != nil { t.Fatal(err) }
    if profiles["fast"].Iterations != 2000 || profiles["fast"].TimeLimitSeconds != 5 { t.Fatalf("fast: %+v", profiles["fast"]) }
    if profiles["thorough"].Acceptance != "sa" || profiles["thorough"].MaxDestroyFraction != 0.4 { t.Fatalf("thorough: %+v", profiles["thorough"]) }

    if _, err := ParseProfiles([]byte("bad:\n  minDestroyFraction: 0.9\n  maxDestroyFraction: 0.2\n")); err == nil {
        t.Fatal("expected invalid destroy fraction error")
    }
}
