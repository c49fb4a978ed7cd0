// Package setup implements the interactive first-run wizard that writes the
// statemesh configuration and optionally installs the daemon as a systemd
// user service.
package setup

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"
)

// errNoInput is returned when the input stream ends mid-prompt.
var errNoInput = errors.New("no input")

// Prompter reads answers line by line from r and writes questions to w.
// The wizard uses stdin and stdout; tests feed it a strings.Reader.
type Prompter struct {
	scanner *bufio.Scanner
	w       io.Writer
}

func NewPrompter(r io.Reader, w io.Writer) *Prompter {
	return &Prompter{scanner: bufio.NewScanner(r), w: w}
}

func (p *Prompter) say(format string, args ...any) {
	_, _ = fmt.Fprintf(p.w, "  "+format, args...)
}

// line returns the next trimmed answer; ok is false at end of input.
func (p *Prompter) line() (answer string, ok bool) {
	if !p.scanner.Scan() {
		return "", false
	}
	return strings.TrimSpace(p.scanner.Text()), true
}

// String asks for a value, offering def on an empty answer. With an empty
// def the value is mandatory and the question is repeated.
func (p *Prompter) String(label, def string) string {
	for {
		if def == "" {
			p.say("%s: ", label)
		} else {
			p.say("%s [%s]: ", label, def)
		}

		answer, ok := p.line()
		switch {
		case !ok:
			return def
		case answer != "":
			return answer
		case def != "":
			return def
		}
		p.say("(required, please enter a value)\n")
	}
}

// Optional asks for a value that may be left empty.
func (p *Prompter) Optional(label string) string {
	p.say("%s (optional): ", label)
	answer, _ := p.line()
	return answer
}

// Confirm asks a y/n question; an empty answer or end of input picks
// defaultYes.
func (p *Prompter) Confirm(label string, defaultYes bool) bool {
	choices := "y/N"
	if defaultYes {
		choices = "Y/n"
	}
	p.say("%s [%s]: ", label, choices)

	answer, ok := p.line()
	if !ok || answer == "" {
		return defaultYes
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true
	default:
		return false
	}
}

// Duration asks for a duration such as "45s" within [lo, hi].
func (p *Prompter) Duration(label string, def, lo, hi time.Duration) time.Duration {
	for {
		p.say("%s (%s to %s) [%s]: ", label, lo, hi, def)

		answer, ok := p.line()
		if !ok || answer == "" {
			return def
		}
		if d, err := time.ParseDuration(answer); err == nil && d >= lo && d <= hi {
			return d
		}
		p.say("(enter a duration such as 30s or 2m, between %s and %s)\n", lo, hi)
	}
}

// Select lists options with 1-based numbers and returns the 0-based index
// of the one picked.
func (p *Prompter) Select(label string, options []string) (int, error) {
	if len(options) == 0 {
		return -1, errors.New("select: empty option list")
	}

	p.say("%s:\n", label)
	for i, opt := range options {
		p.say("  %d) %s\n", i+1, opt)
	}

	for {
		p.say("Pick 1-%d: ", len(options))
		answer, ok := p.line()
		if !ok {
			return -1, errNoInput
		}
		if n, err := strconv.Atoi(answer); err == nil && n >= 1 && n <= len(options) {
			return n - 1, nil
		}
		p.say("(%q is not an option)\n", answer)
	}
}
