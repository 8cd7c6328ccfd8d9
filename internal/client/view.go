package client

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"
	figure "github.com/common-nighthawk/go-figure"
)

type styles struct {
	banner  lipgloss.Style
	system  lipgloss.Style
	sender  lipgloss.Style
	self    lipgloss.Style
	errText lipgloss.Style
	status  lipgloss.Style
	logWin  lipgloss.Style
}

func newStyles() styles {
	return styles{
		banner:  lipgloss.NewStyle().Foreground(lipgloss.Color("45")),
		system:  lipgloss.NewStyle().Foreground(lipgloss.Color("244")).Italic(true),
		sender:  lipgloss.NewStyle().Foreground(lipgloss.Color("213")).Bold(true),
		self:    lipgloss.NewStyle().Foreground(lipgloss.Color("85")).Bold(true),
		errText: lipgloss.NewStyle().Foreground(lipgloss.Color("203")),
		status:  lipgloss.NewStyle().Foreground(lipgloss.Color("235")).Background(lipgloss.Color("45")).Padding(0, 1),
		logWin:  lipgloss.NewStyle().Foreground(lipgloss.Color("240")),
	}
}

var banner = figure.NewFigure("WAVELENGTH", "small", true).String()

func (a *App) View() string {
	var b strings.Builder
	b.WriteString(a.viewport.View())
	b.WriteString("\n")
	b.WriteString(a.input.View())
	b.WriteString("\n")
	b.WriteString(a.styles.logWin.Render(a.logLine))
	b.WriteString("\n")
	b.WriteString(a.statusLine())
	return b.String()
}

func (a *App) statusLine() string {
	state := "offline"
	if a.connected {
		state = "online"
	}
	tuned := "-"
	if a.frequency != "" {
		role := "client"
		if a.isHost {
			role = "host"
		}
		tuned = fmt.Sprintf("%s (%s)", a.frequency, role)
		if a.channel != "" {
			tuned = fmt.Sprintf("%s %q (%s)", a.frequency, a.channel, role)
		}
		if a.pttActive {
			tuned += " TX"
		}
	}
	return a.styles.status.Render(fmt.Sprintf("%s | freq %s | session %s", state, tuned, shortID(a.sessionID)))
}

func (a *App) resize(width, height int) {
	a.width = width
	a.height = height
	// Input, log line, and status bar occupy the bottom rows.
	const fixed = 3
	vh := height - fixed
	if vh < 3 {
		vh = 3
	}
	a.viewport.Width = width
	a.viewport.Height = vh
	a.input.Width = width - lipgloss.Width(a.input.Prompt) - 1
	a.ready = true
	a.refreshViewport()
}

func (a *App) refreshViewport() {
	if len(a.history) == 0 {
		a.viewport.SetContent(a.styles.banner.Render(banner) + "\nType /help for commands.")
		return
	}
	a.viewport.SetContent(strings.Join(a.history, "\n"))
	a.viewport.GotoBottom()
}
