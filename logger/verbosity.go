package logger

import "go.uber.org/zap/zapcore"

// Verbosity level constants for CLI flag counts.
//
// The CLI counts -v flags and maps the count to a zap level:
//
//	level := logger.VerbosityToLevel(verbosity, logger.ParseLevel(cfg.Logging.Level))
//	logger.Initialize(cfg.Logging.JSON, level)
const (
	VerbosityUser  = 0 // No flags: results and errors only
	VerbosityInfo  = 1 // -v: + executor cycles, startup
	VerbosityDebug = 2 // -vv: + every command, acquisition details
)

// VerbosityToLevel maps verbosity flags (-v, -vv) to zap log levels.
// A count of zero defers to fallback, usually the configured logging.level.
//
//	0 (none) -> fallback
//	1 (-v)   -> InfoLevel
//	2+ (-vv) -> DebugLevel
func VerbosityToLevel(verbosity int, fallback zapcore.Level) zapcore.Level {
	switch {
	case verbosity <= VerbosityUser:
		return fallback
	case verbosity == VerbosityInfo:
		return zapcore.InfoLevel
	default:
		return zapcore.DebugLevel
	}
}

// LevelName returns a human-readable name for verbosity level
func LevelName(verbosity int) string {
	switch {
	case verbosity <= VerbosityUser:
		return "User"
	case verbosity == VerbosityInfo:
		return "Info (-v)"
	default:
		return "Debug (-vv)"
	}
}
