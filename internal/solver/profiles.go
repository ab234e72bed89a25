package solver

import (
    "fmt"
    "os"

    "gopkg.in/yaml.v3"

    "dispatchloop/internal/model"
)

// A profile file maps named tuning presets to solver params, e.g.
//
//   fast:
//     iterations: 2000
//     timeLimitSeconds: 5
//   thorough:
//     iterations: 50000
//     acceptance: sa
//
// Loaded once at startup from SOLVER_PROFILES_FILE.

type profileSpec struct {
    Iterations         int     `yaml:"iterations"`
    MaxNonImproving    int     `yaml:"maxNonImproving"`
    TimeLimitSeconds   int     `yaml:"timeLimitSeconds"`
    Acceptance         string  `yaml:"acceptance"`
    MinDestroyFraction float64 `yaml:"minDestroyFraction"`
    MaxDestroyFraction float64 `yaml:"maxDestroyFraction"`
    Seed               int     `yaml:"seed"`
}

// LoadProfiles parses a YAML profile file into named SolverParams presets.
func LoadProfiles(path string) (map[string]model.SolverParams, error) {
    b, err := os.ReadFile(path)
    if err != nil { return nil, err }
    return ParseProfiles(b)
}

func ParseProfiles(b []byte) (map[string]model.SolverParams, error) {
    raw := map[string]profileSpec{}
    if err := yaml.Unmarshal(b, &raw); err != nil { return nil, fmt.Errorf("solver profiles: %w", err) }
    out := make(map[string]model.SolverParams, len(raw))
    for name, p := range raw {
        if p.MinDestroyFraction < 0 || p.MaxDestroyFraction > 1 || (p.MaxDestroyFraction > 0 && p.MinDestroyFraction > p.MaxDestroyFraction) {
            return nil, fmt.Errorf("solver profiles: %q has invalid destroy fractions", name)
        }
        out[name] = model.SolverParams{
            Iterations: p.Iterations,
            MaxNonImproving: p.MaxNonImproving,
            TimeLimitSeconds: p.TimeLimitSeconds,
            Acceptance: p.Acceptance,
            MinDestroyFraction: p.MinDestroyFraction,
            MaxDestroyFraction: p.MaxDestroyFraction,
            Seed: p.Seed,
        }
    }
    return out, nil
}

// ProfilesFromEnv loads SOLVER_PROFILES_FILE when set, otherwise returns nil.
func ProfilesFromEnv() (map[string]model.SolverParams, error) {
    path := os.Getenv("SOLVER_PROFILES_FILE")
    if path == "" { return nil, nil }
    return LoadProfiles(path)
}
