// Package util holds the terminal output helpers used by the command line.
package util

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"
)

// ANSI color codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorBlue   = "\033[34m"
	ColorCyan   = "\033[36m"
	ColorBold   = "\033[1m"
	ColorDim    = "\033[2m"
)

var (
	mu         sync.Mutex
	out        io.Writer = os.Stdout
	quietMode  bool
	silentMode bool
	now        = time.Now
)

// SetOutput redirects terminal output.
func SetOutput(w io.Writer) {
	mu.Lock()
	defer mu.Unlock()
	out = w
}

// SetQuietMode switches messages to timestamped log lines.
func SetQuietMode(quiet bool) {
	mu.Lock()
	defer mu.Unlock()
	quietMode = quiet
}

// SetSilentMode suppresses all output, errors included. Silent implies quiet.
func SetSilentMode(silent bool) {
	mu.Lock()
	defer mu.Unlock()
	silentMode = silent
	if silent {
		quietMode = true
	}
}

// IsQuietMode returns true if quiet mode is enabled
func IsQuietMode() bool {
	mu.Lock()
	defer mu.Unlock()
	return quietMode
}

// ShowBanner prints the product name and build. Quiet mode skips it.
func ShowBanner(version, gitCommit, buildDate string) {
	mu.Lock()
	defer mu.Unlock()
	if quietMode {
		return
	}
	fmt.Fprintf(out, "\n  %s%sThermometer%s\n", ColorBold, ColorCyan, ColorReset)
	fmt.Fprintf(out, "  Version %s%s%s | Build %s%s%s | %s\n\n",
		ColorGreen, version, ColorReset,
		ColorYellow, gitCommit, ColorReset,
		buildDate)
}

// ShowSuccess displays a success message
func ShowSuccess(message string) { show("INFO", ColorBlue, ColorGreen+"✓", message) }

// ShowInfo displays an info message
func ShowInfo(message string) { show("INFO", ColorBlue, ColorCyan+"•", message) }

// ShowWarning displays a warning message
func ShowWarning(message string) { show("WARN", ColorYellow, ColorYellow+"⚠", message) }

// ShowError displays an error message
func ShowError(message string) { show("ERROR", ColorRed, ColorRed+"✗", message) }

func show(level, levelColor, marker, message string) {
	mu.Lock()
	defer mu.Unlock()
	if silentMode {
		return
	}
	if quietMode {
		fmt.Fprintf(out, "%s%s%s %s[%s]%s %s\n",
			ColorDim, now().Format(time.RFC3339), ColorReset,
			levelColor, level, ColorReset, message)
		return
	}
	fmt.Fprintf(out, "  %s%s %s\n", marker, ColorReset, message)
}
