package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"holonet/internal/config"
	"holonet/internal/node"
)

// banner prints the startup summary to w. Colour is only used when w is a
// terminal.
func banner(w io.Writer, self *node.Node, cfg config.Config, addr string) {
	r := lipgloss.NewRenderer(w)
	title := r.NewStyle().Bold(true).Foreground(lipgloss.Color("12"))
	label := r.NewStyle().Foreground(lipgloss.Color("241")).Width(12)
	warn := r.NewStyle().Foreground(lipgloss.Color("214"))
	box := r.NewStyle().Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("57")).Padding(0, 1)

	known := len(self.Trust.Endpoints())
	persist := "off"
	if cfg.Trust.Persist {
		persist = cfg.Trust.KnownHosts
	}
	rows := [][2]string{
		{"Listen:", fmt.Sprintf("%s (%s)", addr, cfg.Server.Transport)},
		{"Fingerprint:", self.Fingerprint()},
		{"Home:", self.Home},
		{"Limits:", fmt.Sprintf("workers=%d per_ip=%d max_message=%dB", cfg.Server.MaxWorkers, cfg.Server.MaxConnsPerIP, cfg.Server.MaxMessageBytes)},
		{"Known hosts:", fmt.Sprintf("%d (%s)", known, persist)},
	}
	lines := []string{title.Render("HoloNet node")}
	for _, row := range rows {
		lines = append(lines, label.Render(row[0])+" "+row[1])
	}
	if self.Created {
		lines = append(lines, warn.Render("New identity generated; share the fingerprint out of band."))
	}
	fmt.Fprintln(w, box.Render(strings.Join(lines, "\n")))
}
