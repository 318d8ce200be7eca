// Package sym defines the short markers harvest attaches to log lines and CLI output.
// They are stable across the CLI and structured logs so operators can grep for a subsystem.
package sym

// System markers
const (
	AM         = "≡" // am: configuration
	Pulse      = "꩜" // pulse: workers, breakers, rate limiting
	PulseOpen  = "✿" // graceful startup with orphaned job recovery
	PulseClose = "❀" // graceful shutdown with checkpoint preservation
	DB         = "⊔" // database/storage layer
	Ledger     = "⌬" // content ledger
	Transfer   = "⟶" // resumable transfer
)

// Outcome markers used when rendering per-unit results
const (
	Saved     = "✓"
	Duplicate = "="
	Failed    = "✗"
	Deferred  = "…"
)

// ForOutcome returns the marker for an outcome kind name, or "?" when unknown.
func ForOutcome(kind string) string {
	switch kind {
	case "saved":
		return Saved
	case "duplicate":
		return Duplicate
	case "failed":
		return Failed
	case "deferred":
		return Deferred
	default:
		return "?"
	}
}
