// Package ui formats human-facing CLI output: the leveled logger, tables,
// JSON and password prompts.
package ui

import (
	"fmt"
	"io"

	"github.com/fatih/color"
	"github.com/mattn/go-colorable"
)

// Logger provides color-coded logging on stderr
type Logger struct {
	Verbose bool
	Quiet   bool
	NoColor bool

	out     io.Writer
	info    *color.Color
	success *color.Color
	warning *color.Color
	err     *color.Color
	debug   *color.Color
}

// NewLogger creates a logger writing to stderr. Color is also disabled when
// stderr is not a terminal or NO_COLOR is set.
func NewLogger(verbose, quiet, noColor bool) *Logger {
	return NewLoggerTo(colorable.NewColorableStderr(), verbose, quiet, noColor || color.NoColor)
}

// NewLoggerTo creates a logger writing to w.
func NewLoggerTo(w io.Writer, verbose, quiet, noColor bool) *Logger {
	l := &Logger{
		Verbose: verbose,
		Quiet:   quiet,
		NoColor: noColor,
		out:     w,
		info:    color.New(color.FgBlue),
		success: color.New(color.FgGreen),
		warning: color.New(color.FgYellow),
		err:     color.New(color.FgRed, color.Bold),
		debug:   color.New(color.FgCyan),
	}
	for _, c := range []*color.Color{l.info, l.success, l.warning, l.err, l.debug} {
		if noColor {
			c.DisableColor()
		} else {
			c.EnableColor()
		}
	}
	return l
}

func (l *Logger) print(c *color.Color, prefix, format string, args ...any) {
	c.Fprintln(l.out, prefix+fmt.Sprintf(format, args...))
}

// Info logs an informational message
func (l *Logger) Info(format string, args ...any) {
	if l.Quiet {
		return
	}
	l.print(l.info, "[INFO] ", format, args...)
}

// Success logs a success message
func (l *Logger) Success(format string, args ...any) {
	if l.Quiet {
		return
	}
	l.print(l.success, "[SUCCESS] ", format, args...)
}

// Warning logs a warning message
func (l *Logger) Warning(format string, args ...any) {
	l.print(l.warning, "[WARNING] ", format, args...)
}

// Error logs an error message
func (l *Logger) Error(format string, args ...any) {
	l.print(l.err, "[ERROR] ", format, args...)
}

// Hint prints a remediation line under an error. Empty hints are skipped.
func (l *Logger) Hint(hint string) {
	if hint == "" {
		return
	}
	l.print(l.warning, "[HINT] ", "%s", hint)
}

// Debug logs a debug message (only if verbose is enabled)
func (l *Logger) Debug(format string, args ...any) {
	if !l.Verbose {
		return
	}
	l.print(l.debug, "[DEBUG] ", format, args...)
}
