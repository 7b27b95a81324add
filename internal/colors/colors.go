// Package colors provides terminal color support for command output.
//
// Colors are dropped automatically when stderr is not a terminal, when
// TERM is dumb, or when NO_COLOR is set.
package colors

import (
	"os"
	"strings"

	"golang.org/x/term"
)

// ANSI color codes
const (
	reset = "\033[0m"

	red    = "\033[31m"
	green  = "\033[32m"
	yellow = "\033[33m"
	cyan   = "\033[36m"
	gray   = "\033[90m"
)

// colorEnabled determines if color output should be used
var colorEnabled = shouldUseColor()

// shouldUseColor determines if the terminal supports colors
func shouldUseColor() bool {
	if os.Getenv("NO_COLOR") != "" {
		return false
	}
	if os.Getenv("FORCE_COLOR") != "" {
		return true
	}
	t := strings.ToLower(os.Getenv("TERM"))
	if t == "dumb" || t == "" {
		return false
	}
	return term.IsTerminal(int(os.Stderr.Fd()))
}

// SetColorEnabled allows manual control of color output
func SetColorEnabled(enabled bool) {
	colorEnabled = enabled
}

// colorize applies color to text if colors are enabled
func colorize(text, color string) string {
	if !colorEnabled {
		return text
	}
	return color + text + reset
}

// Error colors a fatal diagnostic.
func Error(text string) string {
	return colorize(text, red)
}

// Warn colors a non-fatal diagnostic.
func Warn(text string) string {
	return colorize(text, yellow)
}

// OK colors a success summary.
func OK(text string) string {
	return colorize(text, green)
}

// Path colors a file path in listings.
func Path(text string) string {
	return colorize(text, cyan)
}

// Dim colors secondary detail.
func Dim(text string) string {
	return colorize(text, gray)
}
