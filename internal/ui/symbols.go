// Package ui implements the recovery console screen: a scrolling log, the
// interactive menu, and the background icon with its progress bar. One
// controller owns all screen state behind a single lock; a render goroutine
// repaints when woken.
//
// Symbol handling mirrors the rest of the console: rich glyphs on capable
// terminals, ASCII fallbacks everywhere else, switchable via RECOVERY_ASCII.
package ui

import (
	"os"
	"strings"
)

// SymbolSet is the collection of glyphs the backend draws with.
type SymbolSet struct {
	Selector string
	Bullet   string
	Success  string
	Error    string
	Warning  string

	// Spinner frames drive the indeterminate progress bar.
	Spinner []string

	// Installing frames animate the background icon.
	Installing []string

	BarFull  string
	BarEmpty string
}

// UnicodeSymbols is used on terminals that render UTF-8 properly.
var UnicodeSymbols = SymbolSet{
	Selector: "❯",
	Bullet:   "•",
	Success:  "✓",
	Error:    "✗",
	Warning:  "⚠",
	Spinner:  []string{"⣾", "⣽", "⣻", "⢿", "⡿", "⣟", "⣯", "⣷"},
	Installing: []string{
		"[    ]", "[=   ]", "[==  ]", "[=== ]", "[ ===]", "[  ==]", "[   =]",
	},
	BarFull:  "█",
	BarEmpty: "░",
}

// ASCIISymbols is the compatibility fallback.
var ASCIISymbols = SymbolSet{
	Selector: ">",
	Bullet:   "*",
	Success:  "[OK]",
	Error:    "[X]",
	Warning:  "[!]",
	Spinner:  []string{"|", "/", "-", "\\"},
	Installing: []string{
		"[    ]", "[=   ]", "[==  ]", "[=== ]", "[ ===]", "[  ==]", "[   =]",
	},
	BarFull:  "#",
	BarEmpty: "-",
}

// CurrentSymbols is the active set, chosen at startup from the environment.
var CurrentSymbols = detectSymbolSet()

func detectSymbolSet() SymbolSet {
	if v := os.Getenv("RECOVERY_ASCII"); v == "1" || v == "true" {
		return ASCIISymbols
	}

	term := strings.ToLower(os.Getenv("TERM"))
	if term == "dumb" || term == "vt100" || strings.HasPrefix(term, "xterm-mono") {
		return ASCIISymbols
	}

	if os.Getenv("SSH_CLIENT") != "" || os.Getenv("SSH_TTY") != "" {
		locale := strings.ToLower(os.Getenv("LANG"))
		if !strings.Contains(locale, "utf-8") && !strings.Contains(locale, "utf8") {
			return ASCIISymbols
		}
	}

	return UnicodeSymbols
}

// InstallingFrameCount is how many frames the installing animation cycles.
func InstallingFrameCount() int { return len(CurrentSymbols.Installing) }
