// Package monitoring holds the diagnostic logger shared by the pipeline
// packages and a tally of recoverable per-tile conditions.
package monitoring

import "log"

// Logf is the package-level diagnostic logger. It defaults to log.Printf.
// Recoverable conditions (skipped files, mismatched tiles, empty groups) are
// reported through it so batch runs keep going while leaving a trace.
var Logf func(format string, v ...interface{}) = log.Printf

// SetLogger replaces the package logger. Passing nil installs a no-op logger.
func SetLogger(f func(format string, v ...interface{})) {
	if f == nil {
		Logf = func(string, ...interface{}) {}
		return
	}
	Logf = f
}
