package main

import (
	"log"

	tea "github.com/charmbracelet/bubbletea"

	"github.com/wavelength-app/relay/internal/client"
	"github.com/wavelength-app/relay/internal/config"
)

func main() {
	cfg := config.LoadClientConfig()

	model := client.NewApp(cfg)

	if _, err := tea.NewProgram(model, tea.WithAltScreen()).Run(); err != nil {
		log.Fatalf("client exited: %v", err)
	}
}
