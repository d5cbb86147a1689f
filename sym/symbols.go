// Package sym defines the glyphs reel attaches to log lines and CLI output.
// They are stable across the server log, the CLI and the websocket feed so a
// reader can tell subsystems apart at a glance.
package sym

// System symbols.
const (
	Pulse      = "꩜" // job scheduling and execution
	PulseOpen  = "✿" // startup, interrupted-job recovery
	PulseClose = "❀" // graceful shutdown
	DB         = "⊔" // database/storage layer
	AM         = "≡" // configuration
	Fetch      = "⤓" // external download tool invocations
)

// entry binds a glyph to its command name and description.
type entry struct {
	glyph       string
	command     string
	description string
}

var registry = []entry{
	{Pulse, "jobs", "Job scheduling and execution"},
	{PulseOpen, "", "Startup with interrupted job recovery"},
	{PulseClose, "", "Graceful shutdown"},
	{DB, "", "Database/storage layer"},
	{AM, "am", "Configuration and system settings"},
	{Fetch, "formats", "Download tool invocations"},
}

// Lookup tables built from the registry at init time.
var (
	glyphToCommand     map[string]string
	commandToGlyph     map[string]string
	glyphToDescription map[string]string
)

func init() {
	glyphToCommand = make(map[string]string, len(registry))
	commandToGlyph = make(map[string]string, len(registry))
	glyphToDescription = make(map[string]string, len(registry))
	for _, e := range registry {
		glyphToDescription[e.glyph] = e.description
		if e.command == "" {
			continue
		}
		glyphToCommand[e.glyph] = e.command
		commandToGlyph[e.command] = e.glyph
	}
}

// Command returns the CLI command associated with a glyph, or "" if none.
func Command(glyph string) string {
	return glyphToCommand[glyph]
}

// FromCommand returns the glyph for a CLI command name, or "" if unknown.
func FromCommand(command string) string {
	return commandToGlyph[command]
}

// Describe returns the human-readable description of a glyph.
func Describe(glyph string) string {
	return glyphToDescription[glyph]
}

// All returns every registered glyph in display order.
func All() []string {
	out := make([]string, 0, len(registry))
	for _, e := range registry {
		out = append(out, e.glyph)
	}
	return out
}
