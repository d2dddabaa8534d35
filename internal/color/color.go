// Package color wraps the handful of foreground-color helpers the rest of
// the codebase calls when it formats a human-facing log line.
package color

import "github.com/fatih/color"

var (
	fgRed     = color.New(color.FgRed).SprintFunc()
	fgGreen   = color.New(color.FgGreen).SprintFunc()
	fgCyan    = color.New(color.FgCyan).SprintFunc()
	fgMagenta = color.New(color.FgMagenta).SprintFunc()
	fgYellow  = color.New(color.FgYellow).SprintFunc()
)

func FgRed(a ...interface{}) string {
	return fgRed(a...)
}

func FgGreen(a ...interface{}) string {
	return fgGreen(a...)
}

func FgCyan(a ...interface{}) string {
	return fgCyan(a...)
}

func FgMagenta(a ...interface{}) string {
	return fgMagenta(a...)
}

func FgYellow(a ...interface{}) string {
	return fgYellow(a...)
}

// Enabled toggles color output process-wide; the CLI sets this from -c/--color
// and from whether stdout is a TTY before any log line is formatted.
func Enabled(on bool) {
	color.NoColor = !on
}
