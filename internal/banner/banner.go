// Package banner prints the startup summary.
package banner

import (
	"fmt"
	"io"
	"strings"
)

const rule = "======================================================================"

const logo = `
   ___      _ _ _         _     _
  / __|__ _| | | |__ _ __(_)__| |__ _ ___
 | (__/ _` + "`" + ` | | | '_ \ '_|| / _` + "`" + ` / _` + "`" + ` / -_)
  \___\__,_|_|_|_.__/_|  |_\__,_\__, \___|
                                |___/`

// Line is one labelled value of the summary.
type Line struct {
	Label string
	Value string
}

// Fprint writes the banner, the service name and the aligned summary to w.
func Fprint(w io.Writer, service string, lines []Line) {
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w, logo)
	fmt.Fprintln(w, strings.Repeat("-", len(rule)))
	fmt.Fprintln(w, service)

	width := 0
	for _, l := range lines {
		width = max(width, len(l.Label))
	}
	for _, l := range lines {
		fmt.Fprintf(w, "  %-*s : %s\n", width, l.Label, l.Value)
	}

	fmt.Fprintln(w)
	fmt.Fprintln(w, "Ready.")
	fmt.Fprintln(w, rule)
	fmt.Fprintln(w)
}

// Mask hides all but the last four characters of a secret.
func Mask(secret string) string {
	switch {
	case secret == "":
		return "(unset)"
	case len(secret) <= 4:
		return "****"
	default:
		return "****" + secret[len(secret)-4:]
	}
}

// Enabled renders an optional component.
func Enabled(v string) string {
	if v == "" {
		return "disabled"
	}
	return v
}
