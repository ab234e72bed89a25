// Package buildinfo carries the version stamp set via -ldflags at build time
// and surfaced by the health endpoint.
package buildinfo

var (
    Version = "dev"
    Commit  = ""
    BuiltAt = ""
)

// Info returns the stamp as a flat map for JSON responses.
func Info() map[string]string {
    return map[string]string{
        "version": Version,
        "commit":  Commit,
        "builtAt": BuiltAt,
    }
}
