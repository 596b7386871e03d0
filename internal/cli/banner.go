package cli

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"github.com/vk/devgrid/internal/app"
)

var (
	labelStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("170"))
	keyStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
	valueStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("75"))
)

// Banner prints the resolved build flags on one line.
func Banner(w io.Writer, cfg *app.Config) {
	pairs := []struct{ k, v string }{
		{"command", cfg.Command},
		{"production", strconv.FormatBool(cfg.Production)},
		{"watch", strconv.FormatBool(cfg.Watch)},
		{"browsersync", strconv.FormatBool(cfg.BrowserSync)},
		{"dir", cfg.ProjectDir},
	}
	parts := make([]string, 0, len(pairs))
	for _, p := range pairs {
		parts = append(parts, keyStyle.Render(p.k+"=")+valueStyle.Render(p.v))
	}
	fmt.Fprintln(w, labelStyle.Render("[devgrid flags]")+" "+strings.Join(parts, " "))
}
