// Package sym defines the glyphs weft prints in CLI output and log lines.
// They are stable across commands so output can be scanned by eye.
package sym

// Command glyphs, one per top-level CLI command.
const (
	AM        = "≡" // am: configuration
	DB        = "⊔" // db: database and migrations
	Executor  = "꩜" // executor: job acquisition and workers
	Jobs      = "⧗" // jobs: deferred work
	Incidents = "⚠" // incidents: failures waiting for an operator
	Instances = "⑂" // instances: process instances and their trees
	Demo      = "▶" // demo: a guided run
)

// Lifecycle glyphs.
const (
	Open  = "✿" // startup
	Close = "❀" // graceful shutdown
	Ok    = "✓"
	Fail  = "✗"
)

// entry binds a glyph to its command and description.
type entry struct {
	glyph       string
	command     string
	description string
}

// registry is the canonical glyph table, in help order.
var registry = []entry{
	{AM, "am", "Configuration"},
	{DB, "db", "Database and migrations"},
	{Executor, "executor", "Job acquisition and workers"},
	{Jobs, "jobs", "Deferred work"},
	{Incidents, "incidents", "Failures waiting for an operator"},
	{Instances, "instances", "Process instances"},
	{Demo, "demo", "Guided run"},
}

// Lookup tables built from the registry at init time.
var (
	// SymbolToCommand maps glyphs to their command names.
	SymbolToCommand map[string]string
	// CommandToSymbol maps command names to their glyphs.
	CommandToSymbol map[string]string
	// CommandDescriptions holds the one-line description of every command.
	CommandDescriptions map[string]string
)

func init() {
	SymbolToCommand = make(map[string]string, len(registry))
	CommandToSymbol = make(map[string]string, len(registry))
	CommandDescriptions = make(map[string]string, len(registry))
	for _, e := range registry {
		SymbolToCommand[e.glyph] = e.command
		CommandToSymbol[e.command] = e.glyph
		CommandDescriptions[e.command] = e.description
	}
}

// Short returns "<glyph> <description>" for a command, for cobra's Short.
func Short(command string) string {
	g, ok := CommandToSymbol[command]
	if !ok {
		return CommandDescriptions[command]
	}
	return g + " " + CommandDescriptions[command]
}

// Order returns the command names in help order.
func Order() []string {
	out := make([]string, len(registry))
	for i, e := range registry {
		out[i] = e.command
	}
	return out
}
