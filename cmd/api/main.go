package main

import (
    "bufio"
    "context"
    "log"
    "net"
    "net/http"
    "os"
    "os/signal"
    "strconv"
    "syscall"
    "time"

    "github.com/prometheus/client_golang/prometheus/promhttp"

    "dispatchloop/internal/api"
    "dispatchloop/internal/metrics"
)

func main() {
    srvDeps, err := api.NewServer()
    if err != nil {
        log.Fatalf("failed to init server: %v", err)
    }
    metrics.RegisterDefault()

    mux := http.NewServeMux()

    // Orders and routing pool
    mux.HandleFunc("/v1/orders", srvDeps.OrdersHandler)
    mux.HandleFunc("/v1/orders/", srvDeps.OrderByIDHandler) // includes /routing
    mux.HandleFunc("/v1/routing-pool", srvDeps.RoutingPoolHandler)

    // Scheduler control
    mux.HandleFunc("/v1/dispatch/", srvDeps.DispatchHandler) // state, start, pause, resume, stop, solve

    // Solutions
    mux.HandleFunc("/v1/solutions", srvDeps.SolutionsHandler)
    mux.HandleFunc("/v1/solutions/", srvDeps.SolutionByIDHandler) // includes /diff

    // Routing events
    mux.HandleFunc("/v1/events", srvDeps.EventsHandler)
    mux.HandleFunc("/v1/events/stream", srvDeps.EventStreamHandler)
    mux.HandleFunc("/v1/events/ws", srvDeps.EventsWSHandler)

    // Vehicles and depot
    mux.HandleFunc("/v1/vehicles", srvDeps.VehiclesHandler)
    mux.HandleFunc("/v1/vehicles/", srvDeps.VehicleByIDHandler) // /position
    mux.HandleFunc("/v1/depot", srvDeps.DepotHandler)

    // Solver surface
    mux.HandleFunc("/v1/solver/profiles", srvDeps.SolverProfilesHandler)
    mux.HandleFunc("/v1/admin/solver/stats", srvDeps.SolverStatsHandler)

    // Health and metrics
    mux.HandleFunc("/healthz", srvDeps.HealthHandler)
    mux.HandleFunc("/readyz", srvDeps.ReadyHandler)
    mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}))

    addr := ":8080"
    if v := os.Getenv("PORT"); v != "" {
        addr = ":" + v
    }

    srv := &http.Server{
        Addr:              addr,
        Handler:           logMiddleware(mux),
        ReadHeaderTimeout: 5 * time.Second,
    }

    // Resume scheduler sessions that were running before the last shutdown
    resumeCtx, cancelResume := context.WithTimeout(context.Background(), 30*time.Second)
    srvDeps.Sessions.ResumeAll(resumeCtx)
    cancelResume()

    go func() {
        log.Printf("API listening on %s", addr)
        if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
            log.Fatalf("server error: %v", err)
        }
    }()

    stop := make(chan os.Signal, 1)
    signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
    <-stop

    log.Printf("shutting down")
    shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()
    _ = srv.Shutdown(shutdownCtx)
    srvDeps.Sessions.StopAll(shutdownCtx)
}

func logMiddleware(next http.Handler) http.Handler {
    return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
        start := time.Now()
        sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
        next.ServeHTTP(sw, r)
        dur := time.Since(start)
        log.Printf("%s %s %s %d %v", r.RemoteAddr, r.Method, r.URL.Path, sw.status, dur)
        code := strconv.Itoa(sw.status)
        metrics.HTTPRequests.WithLabelValues(r.Method, r.URL.Path, code).Inc()
        metrics.HTTPDuration.WithLabelValues(r.Method, r.URL.Path, code).Observe(dur.Seconds())
    })
}

// statusWriter records the response code and passes Flush/Hijack through so
// the SSE and websocket endpoints still work behind the middleware.
type statusWriter struct {
    http.ResponseWriter
    status int
}

func (w *statusWriter) WriteHeader(status int) {
    w.status = status
    w.ResponseWriter.WriteHeader(status)
}

func (w *statusWriter) Flush() {
    if f, ok := w.ResponseWriter.(http.Flusher); ok {
        f.Flush()
    }
}

func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
    h, ok := w.ResponseWriter.(http.Hijacker)
    if !ok {
        return nil, nil, http.ErrNotSupported
    }
    return h.Hijack()
}
