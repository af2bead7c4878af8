package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"golang.org/x/term"
)

const (
	ansiReset     = "\033[0m"
	ansiBold      = "\033[1m"
	ansiCyan      = "\033[96m"
	ansiUnderline = "\033[4m"
)

type welcomeBannerOptions struct {
	Version  string
	URL      string
	Driver   string
	StateDir string
}

func printWelcomeBanner(w io.Writer, opts welcomeBannerOptions) {
	width := terminalWidth(w)
	useANSI := isTerminalWriter(w)

	fmt.Fprintln(w)
	title := "flower-relay"
	if useANSI {
		title = ansiBold + title + ansiReset
	}
	fmt.Fprintln(w, centerWithAnsi(title, width))
	if v := strings.TrimSpace(opts.Version); v != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Version: %s", v), width))
	}
	if u := strings.TrimSpace(opts.URL); u != "" {
		fmt.Fprintln(w, centerWithAnsi(fmt.Sprintf("API: %s", styleURL(u+"/api/health", useANSI)), width))
	}
	if d := strings.TrimSpace(opts.Driver); d != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("Runtime: %s", d), width))
	}
	if dir := strings.TrimSpace(opts.StateDir); dir != "" {
		fmt.Fprintln(w, center(fmt.Sprintf("State: %s", dir), width))
	}
	fmt.Fprintln(w)
}

func isTerminalWriter(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func terminalWidth(w io.Writer) int {
	f, ok := w.(*os.File)
	if !ok {
		return 0
	}
	width, _, err := term.GetSize(int(f.Fd()))
	if err != nil || width <= 0 {
		return 0
	}
	return width
}

func styleURL(url string, enabled bool) string {
	if !enabled {
		return url
	}
	return ansiCyan + ansiUnderline + url + ansiReset
}

func center(text string, width int) string {
	if width <= 0 {
		// Non-interactive output.
		return "  " + text
	}
	n := len([]rune(text))
	if n >= width {
		return text
	}
	return strings.Repeat(" ", (width-n)/2) + text
}

func stripAnsi(s string) string {
	return strings.NewReplacer(ansiReset, "", ansiBold, "", ansiCyan, "", ansiUnderline, "").Replace(s)
}

func centerWithAnsi(text string, width int) string {
	if width <= 0 {
		return "  " + text
	}
	n := len([]rune(stripAnsi(text)))
	if n >= width {
		return text
	}
	return strings.Repeat(" ", (width-n)/2) + text
}
