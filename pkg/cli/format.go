package cli

import (
	"fmt"
	"os"
	"strings"
)

// colorEnabled is false when NO_COLOR env var is set (per no-color.org).
var colorEnabled = os.Getenv("NO_COLOR") == ""

// Green wraps s in ANSI green. Returns s unchanged when NO_COLOR is set.
func Green(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[32m" + s + "\033[0m"
}

// Yellow wraps s in ANSI yellow. Returns s unchanged when NO_COLOR is set.
func Yellow(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[33m" + s + "\033[0m"
}

// Red wraps s in ANSI red. Returns s unchanged when NO_COLOR is set.
func Red(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[31m" + s + "\033[0m"
}

// Bold wraps s in ANSI bold. Returns s unchanged when NO_COLOR is set.
func Bold(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[1m" + s + "\033[0m"
}

// Dim wraps s in ANSI dim. Returns s unchanged when NO_COLOR is set.
func Dim(s string) string {
	if !colorEnabled {
		return s
	}
	return "\033[2m" + s + "\033[0m"
}

// DotPad pads name with dots to the given width.
// Example: DotPad("boot-ssh", 30) → "boot-ssh ....................."
func DotPad(name string, width int) string {
	if width <= 0 || len(name) >= width-1 {
		return name
	}
	dots := width - len(name) - 1
	return name + " " + strings.Repeat(".", dots)
}

// LossColor renders a packet-loss percentage, red at or above the
// configured LOSS_EXCLUDE_PCT (the candidate would have been dropped from
// the plan), yellow for any loss short of that, green at zero.
func LossColor(pct, excludePct float64) string {
	s := fmt.Sprintf("%.1f", pct)
	switch {
	case pct <= 0:
		return Green(s)
	case pct >= excludePct:
		return Red(s)
	default:
		return Yellow(s)
	}
}

// WatchdogStateColor colors a safety.WatchdogState value for status output:
// yellow while armed, red once it has expired or rolled back, green once
// confirmed or committed, dim otherwise (idle, unknown).
func WatchdogStateColor(state string) string {
	switch strings.ToUpper(state) {
	case "ARMED":
		return Yellow(state)
	case "EXPIRED", "CANCELLED", "ROLLED_BACK":
		return Red(state)
	case "CONFIRMED", "COMMITTED":
		return Green(state)
	default:
		return Dim(state)
	}
}
