package metrics

import (
    "sync"
    "github.com/prometheus/client_golang/prometheus"
    "github.com/prometheus/client_golang/prometheus/collectors"
)

var (
    // Registry is the dedicated Prometheus registry for the API
    Registry = prometheus.NewRegistry()
    // HTTPRequests counts requests by method, path, and status
    HTTPRequests = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "http_requests_total", Help: "Total HTTP requests."},
        []string{"method", "path", "status"},
    )
    // HTTPDuration records request durations in seconds
    HTTPDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "http_request_duration_seconds", Help: "HTTP request duration in seconds.", Buckets: prometheus.DefBuckets},
        []string{"method", "path", "status"},
    )

    // SolveRuns counts solve attempts by trigger and outcome
    SolveRuns = prometheus.NewCounterVec(
        prometheus.CounterOpts{Name: "solve_runs_total", Help: "Solve attempts by trigger and status."},
        []string{"trigger", "status"},
    )
    // SolveDuration tracks end-to-end solve latencies in seconds
    SolveDuration = prometheus.NewHistogramVec(
        prometheus.HistogramOpts{Name: "solve_duration_seconds", Help: "Solve duration in seconds.", Buckets: []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300}},
        []string{"trigger", "status"},
    )
    // SchedulerSessions gauges the number of live scheduler sessions
    SchedulerSessions = prometheus.NewGauge(
        prometheus.GaugeOpts{Name: "scheduler_sessions_active", Help: "Live scheduler sessions."},
    )
    // EventLogRetries counts visibility-check retries before event appends
    EventLogRetries = prometheus.NewCounter(
        prometheus.CounterOpts{Name: "event_log_retries_total", Help: "Event log visibility retries."},
    )
)

// RegisterDefault registers collectors to the service registry.
func RegisterDefault() {
    regOnce.Do(func(){
        Registry.MustRegister(HTTPRequests)
        Registry.MustRegister(HTTPDuration)
        Registry.MustRegister(SolveRuns)
        Registry.MustRegister(SolveDuration)
        Registry.MustRegister(SchedulerSessions)
        Registry.MustRegister(EventLogRetries)
        // Go/process collectors on our registry
        Registry.MustRegister(collectors.NewGoCollector())
        Registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
    })
}

var regOnce sync.Once
