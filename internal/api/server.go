package api

import (
    "context"
    "log"
    "os"
    "strings"
    "sync"
    "time"

    "golang.org/x/time/rate"

    "dispatchloop/internal/auth"
    "dispatchloop/internal/dispatch"
    "dispatchloop/internal/lifecycle"
    "dispatchloop/internal/metrics"
    "dispatchloop/internal/model"
    "dispatchloop/internal/solver"
    "dispatchloop/internal/store"
)

type Server struct {
    Store    store.Store
    Solver   *solver.Client
    Sessions *dispatch.SessionManager
    Auth     *auth.Verifier
    Broker   EventBroker
    Profiles map[string]model.SolverParams

    mu       sync.Mutex
    limiters map[string]*rate.Limiter // per-org manual solve limiters
}

// NewServer creates a Server. If DATABASE_URL is unset, uses in-memory store.
func NewServer() (*Server, error) {
    dsn := os.Getenv("DATABASE_URL")
    var s store.Store
    if strings.TrimSpace(dsn) == "" {
        s = store.NewMemory()
    } else {
        sp, err := store.NewPostgres(dsn)
        if err != nil {
            return nil, err
        }
        // Run migrations (dev helper)
        if os.Getenv("DB_MIGRATE") != "false" {
            if err := sp.MigrateDir(context.Background(), "db/migrations"); err != nil {
                log.Printf("migrate: %v", err)
            }
        }
        s = sp
    }
    // Broker selection
    var broker EventBroker
    if os.Getenv("REDIS_URL") != "" {
        if rb, err := NewRedisBroker(); err == nil { broker = rb } else { broker = NewBroker() }
    } else {
        broker = NewBroker()
    }

    sol := solver.NewClientFromEnv()
    profiles, err := solver.ProfilesFromEnv()
    if err != nil {
        log.Printf("solver profiles: %v", err)
    }

    sessions := dispatch.NewSessionManager(s, sol)
    sessions.Publisher = broker
    sessions.Allowed = lifecycle.DefaultAllowed()
    if p, ok := profiles["default"]; ok {
        sessions.Params = p
    }
    sessions.ObserveSolve = func(trigger, status string, d time.Duration) {
        metrics.SolveRuns.WithLabelValues(trigger, status).Inc()
        metrics.SolveDuration.WithLabelValues(trigger, status).Observe(d.Seconds())
    }
    sessions.OnEventRetry = func() { metrics.EventLogRetries.Inc() }
    sessions.OnSessionCount = func(n int) { metrics.SchedulerSessions.Set(float64(n)) }

    return &Server{
        Store:    s,
        Solver:   sol,
        Sessions: sessions,
        Auth:     auth.NewVerifierFromEnv(),
        Broker:   broker,
        Profiles: profiles,
        limiters: map[string]*rate.Limiter{},
    }, nil
}

// solveLimiter throttles manual solves per org: a dispatcher mashing the
// button must not starve the periodic loop's guard.
func (s *Server) solveLimiter(orgID string) *rate.Limiter {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.limiters == nil {
        s.limiters = map[string]*rate.Limiter{}
    }
    l, ok := s.limiters[orgID]
    if !ok {
        l = rate.NewLimiter(rate.Every(10*time.Second), 3)
        s.limiters[orgID] = l
    }
    return l
}
