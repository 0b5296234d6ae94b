// Package cli provides shared formatting helpers for droidsense CLI tools.
package cli

import (
	"os"
	"strings"
)

// colorEnabled is false when NO_COLOR env var is set (per no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == ""

func wrap(code, s string) string {
	if !colorEnabled {
		return s
	}
	return code + s + "\033[0m"
}

// Green colors s for healthy/success states.
func Green(s string) string { return wrap("\033[32m", s) }

// Yellow colors s for degraded/warning states.
func Yellow(s string) string { return wrap("\033[33m", s) }

// Red colors s for offline/failure states.
func Red(s string) string { return wrap("\033[31m", s) }

// Bold emphasizes s.
func Bold(s string) string { return wrap("\033[1m", s) }

// Cyan colors s for identifiers.
func Cyan(s string) string { return wrap("\033[36m", s) }

// Dim de-emphasizes s.
func Dim(s string) string { return wrap("\033[2m", s) }

// DotPad pads name with dots to the given width.
// Example: DotPad("pending", 16) → "pending ........"
func DotPad(name string, width int) string {
	if width <= 0 || len(name) >= width-1 {
		return name
	}
	dots := width - len(name) - 1
	return name + " " + strings.Repeat(".", dots)
}
