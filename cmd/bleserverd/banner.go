package main

import (
	"fmt"
	"os"

	"github.com/fatih/color"
	"golang.org/x/term"
)

// printBanner prints a startup banner, colorized when stderr is a terminal
// and plain text otherwise (piped into a log collector, for instance).
func printBanner() {
	isTTY := term.IsTerminal(int(os.Stderr.Fd()))

	title := "bleserverd"
	if isTTY {
		title = color.New(color.FgCyan, color.Bold).Sprint(title)
	}

	fmt.Fprintln(os.Stderr)
	fmt.Fprintf(os.Stderr, "  %s -- BLE fleet connector daemon (%s)\n", title, formatVersion(version))
	fmt.Fprintln(os.Stderr)
}

func formatVersion(v string) string {
	if v == "" || v == "dev" {
		return "dev build, commit " + commit + ", built " + date
	}
	return v
}
