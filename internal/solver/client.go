// Package solver wraps the external optimization service behind a small
// submit-and-poll client. The service solves pickup-and-delivery instances
// asynchronously; callers block on Solve/Reoptimize until the job settles or
// the context expires.
package solver

import (
    "bytes"
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "net/http"
    "os"
    "strconv"
    "time"

    "dispatchloop/internal/model"
)

var (
    // ErrTimeout means the job did not settle within the poll budget.
    ErrTimeout = errors.New("solver: job timed out")
    // ErrInfeasible means the solver proved no feasible solution exists for
    // the submitted instance.
    ErrInfeasible = errors.New("solver: infeasible instance")
    // ErrUnavailable means the service could not be reached or answered with
    // a server error.
    ErrUnavailable = errors.New("solver: service unavailable")
)

type Client struct {
    BaseURL      string
    HTTP         *http.Client
    PollInterval time.Duration
    PollTimeout  time.Duration
}

func NewClientFromEnv() *Client {
    base := os.Getenv("SOLVER_URL")
    if base == "" { base = "http://localhost:9090" }
    poll := 500 * time.Millisecond
    if v := os.Getenv("SOLVER_POLL_INTERVAL_MS"); v != "" {
        if n, err := strconv.Atoi(v); err == nil && n > 0 { poll = time.Duration(n) * time.Millisecond }
    }
    timeout := 120 * time.Second
    if v := os.Getenv("SOLVER_TIMEOUT_SEC"); v != "" {
        if n, err := strconv.Atoi(v); err == nil && n > 0 { timeout = time.Duration(n) * time.Second }
    }
    return &Client{
        BaseURL: base,
        HTTP: &http.Client{Timeout: 15 * time.Second},
        PollInterval: poll,
        PollTimeout: timeout,
    }
}

// Result is the settled output of one solver job.
type Result struct {
    SolutionID string                `json:"solutionId"`
    Routes     []model.Route         `json:"routes"`
    Metrics    model.Metrics         `json:"metrics"`
    NodeIndex  map[int]model.NodeRef `json:"nodeIndex,omitempty"`
    Persisted  bool                  `json:"persisted"`
}

type submitRequest struct {
    Kind     string                       `json:"kind"` // solve, reoptimize
    Instance string                       `json:"instance,omitempty"`
    Context  *model.ReoptimizationContext `json:"context,omitempty"`
    Params   model.SolverParams           `json:"params"`
}

type submitResponse struct {
    JobID string `json:"jobId"`
}

type jobStatus struct {
    Status   string  `json:"status"` // queued, running, done, failed
    Error    string  `json:"error,omitempty"`
    Solution *Result `json:"solution,omitempty"`
}

// Solve submits a from-scratch instance and blocks until it settles.
func (c *Client) Solve(ctx context.Context, instanceText string, params model.SolverParams) (Result, error) {
    return c.run(ctx, submitRequest{Kind: "solve", Instance: instanceText, Params: params})
}

// Reoptimize submits an incremental job seeded from a previous solution.
func (c *Client) Reoptimize(ctx context.Context, rc model.ReoptimizationContext, params model.SolverParams) (Result, error) {
    return c.run(ctx, submitRequest{Kind: "reoptimize", Context: &rc, Params: params})
}

func (c *Client) run(ctx context.Context, req submitRequest) (Result, error) {
    jobID, err := c.submit(ctx, req)
    if err != nil { return Result{}, err }
    res, err := c.wait(ctx, jobID)
    if errors.Is(err, ErrTimeout) {
        // best-effort: tell the service to stop burning cycles
        _ = c.CancelJob(context.WithoutCancel(ctx), jobID)
    }
    return res, err
}

func (c *Client) submit(ctx context.Context, req submitRequest) (string, error) {
    body, err := json.Marshal(req)
    if err != nil { return "", err }
    hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/jobs/submit", bytes.NewReader(body))
    if err != nil { return "", err }
    hreq.Header.Set("Content-Type", "application/json")
    resp, err := c.HTTP.Do(hreq)
    if err != nil { return "", fmt.Errorf("%w: %v", ErrUnavailable, err) }
    defer resp.Body.Close()
    if resp.StatusCode == http.StatusUnprocessableEntity { return "", ErrInfeasible }
    if resp.StatusCode >= 500 { return "", fmt.Errorf("%w: submit status %d", ErrUnavailable, resp.StatusCode) }
    if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
        return "", fmt.Errorf("solver: submit status %d", resp.StatusCode)
    }
    var sr submitResponse
    if err := json.NewDecoder(resp.Body).Decode(&sr); err != nil { return "", err }
    if sr.JobID == "" { return "", errors.New("solver: submit returned no job id") }
    return sr.JobID, nil
}

func (c *Client) wait(ctx context.Context, jobID string) (Result, error) {
    deadline := time.Now().Add(c.PollTimeout)
    ticker := time.NewTicker(c.PollInterval)
    defer ticker.Stop()
    for {
        st, err := c.poll(ctx, jobID)
        if err != nil { return Result{}, err }
        switch st.Status {
        case "done":
            if st.Solution == nil { return Result{}, errors.New("solver: done without solution") }
            return *st.Solution, nil
        case "failed":
            if st.Error == "infeasible" { return Result{}, ErrInfeasible }
            return Result{}, fmt.Errorf("solver: job failed: %s", st.Error)
        }
        if time.Now().After(deadline) { return Result{}, ErrTimeout }
        select {
        case <-ctx.Done():
            return Result{}, ctx.Err()
        case <-ticker.C:
        }
    }
}

func (c *Client) poll(ctx context.Context, jobID string) (jobStatus, error) {
    hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/jobs/"+jobID, nil)
    if err != nil { return jobStatus{}, err }
    resp, err := c.HTTP.Do(hreq)
    if err != nil { return jobStatus{}, fmt.Errorf("%w: %v", ErrUnavailable, err) }
    defer resp.Body.Close()
    if resp.StatusCode >= 500 { return jobStatus{}, fmt.Errorf("%w: poll status %d", ErrUnavailable, resp.StatusCode) }
    if resp.StatusCode != http.StatusOK { return jobStatus{}, fmt.Errorf("solver: poll status %d", resp.StatusCode) }
    var st jobStatus
    if err := json.NewDecoder(resp.Body).Decode(&st); err != nil { return jobStatus{}, err }
    return st, nil
}

// CancelJob asks the service to abandon a running job. Best-effort.
func (c *Client) CancelJob(ctx context.Context, jobID string) error {
    hreq, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.BaseURL+"/jobs/"+jobID, nil)
    if err != nil { return err }
    resp, err := c.HTTP.Do(hreq)
    if err != nil { return err }
    _ = resp.Body.Close()
    return nil
}

// Stats fetches the service's self-reported counters, for the admin surface.
func (c *Client) Stats(ctx context.Context) (map[string]any, error) {
    hreq, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/stats", nil)
    if err != nil { return nil, err }
    resp, err := c.HTTP.Do(hreq)
    if err != nil { return nil, fmt.Errorf("%w: %v", ErrUnavailable, err) }
    defer resp.Body.Close()
    if resp.StatusCode != http.StatusOK { return nil, fmt.Errorf("%w: stats status %d", ErrUnavailable, resp.StatusCode) }
    var out map[string]any
    if err := json.NewDecoder(resp.Body).Decode(&out); err != nil { return nil, err }
    return out, nil
}
