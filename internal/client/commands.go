package client

import (
	"fmt"
	"strings"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"

	"github.com/wavelength-app/relay/internal/protocol"
)

func (a *App) runCommand(line string) tea.Cmd {
	fields := strings.Fields(line)
	name := strings.TrimPrefix(fields[0], "/")
	args := fields[1:]

	switch name {
	case "register":
		return a.cmdRegister(args)
	case "join":
		return a.cmdJoin(args)
	case "leave":
		return a.sendFrame(struct {
			Type string `json:"type"`
		}{Type: string(protocol.TypeLeaveWavelength)})
	case "close":
		return a.sendFrame(struct {
			Type string `json:"type"`
		}{Type: string(protocol.TypeCloseWavelength)})
	case "ptt":
		return a.sendFrame(struct {
			Type      string `json:"type"`
			Frequency string `json:"frequency"`
		}{Type: string(protocol.TypeRequestPTT), Frequency: a.frequency})
	case "release":
		a.pttActive = false
		return a.sendFrame(struct {
			Type      string `json:"type"`
			Frequency string `json:"frequency"`
		}{Type: string(protocol.TypeReleasePTT), Frequency: a.frequency})
	case "quit":
		a.session.Close()
		return tea.Quit
	case "help":
		a.appendLine(a.styles.system.Render(helpText))
		return nil
	default:
		a.appendLine(a.styles.errText.Render("unknown command: /" + name))
		return nil
	}
}

const helpText = `commands:
  /register <frequency> [name] [password]  host a new wavelength
  /join <frequency> [password]             join an existing wavelength
  /leave                                   leave the current wavelength
  /close                                   close the wavelength (host only)
  /ptt                                     request the transmit slot
  /release                                 release the transmit slot
  /quit                                    exit`

func (a *App) cmdRegister(args []string) tea.Cmd {
	if len(args) == 0 {
		a.appendLine(a.styles.errText.Render("usage: /register <frequency> [name] [password]"))
		return nil
	}
	frame := struct {
		Type      string `json:"type"`
		Frequency string `json:"frequency"`
		Name      string `json:"name"`
		Protected bool   `json:"isPasswordProtected"`
		Password  string `json:"password,omitempty"`
	}{
		Type:      string(protocol.TypeRegisterWavelength),
		Frequency: args[0],
		Name:      "Wavelength",
	}
	if a.cfg.Handle != "" {
		frame.Name = a.cfg.Handle + "'s Wavelength"
	}
	if len(args) > 1 {
		frame.Name = args[1]
	}
	if len(args) > 2 {
		frame.Protected = true
		frame.Password = args[2]
	}
	return a.sendFrame(frame)
}

func (a *App) cmdJoin(args []string) tea.Cmd {
	if len(args) == 0 {
		a.appendLine(a.styles.errText.Render("usage: /join <frequency> [password]"))
		return nil
	}
	frame := struct {
		Type      string `json:"type"`
		Frequency string `json:"frequency"`
		Password  string `json:"password,omitempty"`
	}{
		Type:      string(protocol.TypeJoinWavelength),
		Frequency: args[0],
	}
	if len(args) > 1 {
		frame.Password = args[1]
	}
	return a.sendFrame(frame)
}

func (a *App) sendChat(content string) tea.Cmd {
	if a.frequency == "" {
		a.appendLine(a.styles.errText.Render("not connected to a frequency"))
		return nil
	}
	frame := struct {
		Type      string `json:"type"`
		Content   string `json:"content"`
		MessageID string `json:"messageId"`
	}{
		Type:      string(protocol.TypeSendMessage),
		Content:   content,
		MessageID: "msg_" + uuid.NewString(),
	}
	return a.sendFrame(frame)
}

func (a *App) sendFrame(frame any) tea.Cmd {
	session := a.session
	return func() tea.Msg {
		if err := session.Send(frame); err != nil {
			return sessionClosedMsg{err: fmt.Errorf("send: %w", err)}
		}
		return nil
	}
}
