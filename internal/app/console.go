package app

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
)

var noticeStyle = lipgloss.NewStyle().
	Bold(true).
	Foreground(lipgloss.Color("42"))

// printNotice writes a highlighted line for the person at the terminal.
func printNotice(w io.Writer, msg string) {
	fmt.Fprintln(w, noticeStyle.Render(msg))
}
