// Package sym defines the glyphs fleet prints in logs and CLI output.
// These symbols are stable across log lines, the admin surface and documentation.
package sym

// System infrastructure symbols.
const (
	Pulse      = "꩜" // job orchestration: claiming, pacing, retries
	PulseOpen  = "✿" // graceful startup
	PulseClose = "❀" // graceful shutdown with hand-off
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Carousel   = "⟳" // recurring watch passes
	Lock       = "⊘" // resource locks
	Fleet      = "⍟" // worker identities
)

// entry binds a glyph to its CLI label and description.
type entry struct {
	glyph       string
	label       string
	description string
}

var registry = []entry{
	{Pulse, "pulse", "Job orchestration: claiming, pacing, retries"},
	{PulseOpen, "open", "Graceful startup"},
	{PulseClose, "close", "Graceful shutdown with hand-off"},
	{DB, "db", "Database/storage layer"},
	{AM, "am", "Configuration"},
	{Carousel, "carousel", "Recurring watch passes"},
	{Lock, "lock", "Resource locks"},
	{Fleet, "fleet", "Worker identities"},
}

// Describe returns the description for a glyph, or "" when unknown.
func Describe(glyph string) string {
	for _, e := range registry {
		if e.glyph == glyph {
			return e.description
		}
	}
	return ""
}

// Label returns the short label for a glyph, or the glyph itself when unknown.
func Label(glyph string) string {
	for _, e := range registry {
		if e.glyph == glyph {
			return e.label
		}
	}
	return glyph
}
