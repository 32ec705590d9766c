package jobexecutor

import "go.uber.org/zap"

// executorLogger adds lifecycle helpers to the component logger. The level
// of each helper gives its lines a distinct look in console output:
// Starting uses DEBUG, Closing uses WARN, Cycle uses INFO.
type executorLogger struct {
	*zap.SugaredLogger
}

// Starting logs an opening (✿) event.
func (l executorLogger) Starting(msg string, keysAndValues ...interface{}) {
	l.Debugw("✿ "+msg, keysAndValues...)
}

// Closing logs a closing (❀) event.
func (l executorLogger) Closing(msg string, keysAndValues ...interface{}) {
	l.Warnw("❀ "+msg, keysAndValues...)
}

// Cycle logs acquisition activity.
func (l executorLogger) Cycle(msg string, keysAndValues ...interface{}) {
	l.Infow(msg, keysAndValues...)
}
