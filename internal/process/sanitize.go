package process

import (
	"regexp"
	"strings"

	"github.com/tuzig/vt10x"
)

// Sanitizer converts raw PTY output into plain text suitable for storage and
// relaying to other tools.
type Sanitizer interface {
	Sanitize(raw string) string
}

// SanitizerFunc adapts a function to the Sanitizer interface.
type SanitizerFunc func(raw string) string

func (f SanitizerFunc) Sanitize(raw string) string { return f(raw) }

// ansiEscapeRegex matches ANSI escape sequences, including CSI sequences with
// private-mode prefixes, OSC sequences, and bare two-character escapes.
var ansiEscapeRegex = regexp.MustCompile(`\x1b\[[0-9;?]*[a-zA-Z]|\x1b\][^\x07\x1b]*(\x07|\x1b\\)|\x1b[()][AB012]|\x1b[=>]`)

// spinnerRunes are braille-pattern animation frames some CLIs draw while
// working. They carry no content once the animation stops.
var spinnerRunes = "⠁⠂⠄⡀⢀⠠⠐⠈⠋⠙⠹⠸⠼⠴⠦⠧⠇⠏⣾⣽⣻⢿⡿⣟⣯⣷"

// ANSISanitizer strips escape sequences and control characters from raw
// output, preserving line structure. Suitable for line-oriented programs
// that do not repaint the screen.
type ANSISanitizer struct{}

func (ANSISanitizer) Sanitize(raw string) string {
	s := ansiEscapeRegex.ReplaceAllString(raw, "")
	s = strings.ReplaceAll(s, "\r\n", "\n")
	s = strings.ReplaceAll(s, "\r", "\n")

	var sb strings.Builder
	sb.Grow(len(s))
	for _, r := range s {
		if r == '\n' || r == '\t' {
			sb.WriteRune(r)
			continue
		}
		if r < 0x20 || r == 0x7f {
			continue
		}
		if strings.ContainsRune(spinnerRunes, r) {
			continue
		}
		sb.WriteRune(r)
	}
	return collapseBlankLines(sb.String())
}

// ScreenSanitizer replays raw output through a virtual terminal emulator and
// returns the final rendered screen as text. This is the right choice for
// full-screen TUI programs, where the byte stream is a sequence of repaints
// rather than a transcript.
type ScreenSanitizer struct {
	Cols int
	Rows int
}

func (s ScreenSanitizer) Sanitize(raw string) string {
	cols, rows := s.Cols, s.Rows
	if cols <= 0 {
		cols = 120
	}
	if rows <= 0 {
		rows = 40
	}

	term := vt10x.New(vt10x.WithSize(cols, rows))
	_, _ = term.Write([]byte(raw))

	lines := make([]string, rows)
	for row := 0; row < rows; row++ {
		var rowChars []rune
		for col := 0; col < cols; col++ {
			g := term.Cell(col, row)
			if g.Char == 0 {
				rowChars = append(rowChars, ' ')
			} else {
				rowChars = append(rowChars, g.Char)
			}
		}
		lines[row] = strings.TrimRight(string(rowChars), " ")
	}
	return collapseBlankLines(strings.Join(lines, "\n"))
}

// collapseBlankLines trims leading/trailing whitespace and squeezes runs of
// blank lines down to one.
func collapseBlankLines(s string) string {
	lines := strings.Split(s, "\n")
	var out []string
	blank := 0
	for _, line := range lines {
		if strings.TrimSpace(line) == "" {
			blank++
			if blank > 1 {
				continue
			}
			out = append(out, "")
			continue
		}
		blank = 0
		out = append(out, line)
	}
	return strings.TrimSpace(strings.Join(out, "\n"))
}

// SanitizerFor returns the sanitizer matching a config name. Unknown or empty
// names fall back to ANSI stripping.
func SanitizerFor(name string, cols, rows int) Sanitizer {
	switch name {
	case "screen":
		return ScreenSanitizer{Cols: cols, Rows: rows}
	default:
		return ANSISanitizer{}
	}
}
