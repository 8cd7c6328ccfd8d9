package client

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/wavelength-app/relay/internal/config"
	"github.com/wavelength-app/relay/internal/protocol"
)

// App implements the bubbletea tea.Model interface for the terminal client.
type App struct {
	cfg     config.ClientConfig
	session *Session
	styles  styles

	viewport viewport.Model
	input    textinput.Model
	width    int
	height   int
	ready    bool

	history   []string
	connected bool
	frequency string
	channel   string
	sessionID string
	isHost    bool
	pttActive bool
	logLine   string
}

type connectResultMsg struct{ err error }

type serverEventMsg struct {
	data   []byte
	binary bool
}

type sessionClosedMsg struct{ err error }

// NewApp returns a Bubble Tea model pre-populated with defaults.
func NewApp(cfg config.ClientConfig) *App {
	input := textinput.New()
	input.Prompt = "> "
	input.Placeholder = "/register 130.0 or /join 130.0"
	input.Focus()

	return &App{
		cfg:      cfg,
		session:  NewSession(cfg),
		styles:   newStyles(),
		viewport: viewport.New(0, 0),
		input:    input,
		history:  make([]string, 0, 128),
	}
}

// Init is part of the tea.Model interface.
func (a *App) Init() tea.Cmd {
	return a.connectCmd()
}

func (a *App) connectCmd() tea.Cmd {
	return func() tea.Msg {
		return connectResultMsg{err: a.session.Connect(context.Background())}
	}
}

func (a *App) readCmd() tea.Cmd {
	return func() tea.Msg {
		data, binary, err := a.session.ReadEvent()
		if err != nil {
			return sessionClosedMsg{err: err}
		}
		return serverEventMsg{data: data, binary: binary}
	}
}

// Update handles user input and server events.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch m := msg.(type) {
	case tea.WindowSizeMsg:
		a.resize(m.Width, m.Height)
		return a, nil

	case tea.KeyMsg:
		switch m.Type {
		case tea.KeyCtrlC:
			a.session.Close()
			return a, tea.Quit
		case tea.KeyPgUp:
			a.viewport.LineUp(a.viewport.Height)
			return a, nil
		case tea.KeyPgDown:
			a.viewport.LineDown(a.viewport.Height)
			return a, nil
		case tea.KeyEnter:
			return a.handleSubmit()
		}

	case connectResultMsg:
		if m.err != nil {
			a.logLine = fmt.Sprintf("connection failed: %v", m.err)
			return a, nil
		}
		a.connected = true
		a.logLine = "connected to " + a.cfg.ServerURL
		return a, a.readCmd()

	case serverEventMsg:
		if m.binary {
			// Audio payloads have no terminal rendering; note the traffic.
			a.logLine = fmt.Sprintf("audio frame: %d bytes", len(m.data))
			return a, a.readCmd()
		}
		a.handleServerEvent(m.data)
		return a, a.readCmd()

	case sessionClosedMsg:
		a.connected = false
		a.frequency = ""
		a.isHost = false
		a.pttActive = false
		if m.err != nil {
			a.logLine = fmt.Sprintf("disconnected: %v", m.err)
		} else {
			a.logLine = "disconnected"
		}
		return a, nil
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	a.input, cmd = a.input.Update(msg)
	cmds = append(cmds, cmd)
	a.viewport, cmd = a.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return a, tea.Batch(cmds...)
}

func (a *App) handleSubmit() (tea.Model, tea.Cmd) {
	value := strings.TrimSpace(a.input.Value())
	a.input.Reset()
	if value == "" {
		return a, nil
	}
	if strings.HasPrefix(value, "/") {
		return a, a.runCommand(value)
	}
	return a, a.sendChat(value)
}

func (a *App) handleServerEvent(data []byte) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		a.logLine = "unreadable frame from server"
		return
	}

	switch head.Type {
	case protocol.EventWelcome:
		var ev protocol.Welcome
		if json.Unmarshal(data, &ev) == nil {
			a.appendLine(a.styles.system.Render(ev.Message))
		}

	case protocol.EventRegisterResult:
		var ev protocol.RegisterResult
		if json.Unmarshal(data, &ev) != nil {
			return
		}
		if !ev.Success {
			a.appendLine(a.styles.errText.Render("register failed: " + ev.Error))
			return
		}
		a.frequency = ev.Frequency
		a.sessionID = ev.SessionID
		a.isHost = true
		a.appendLine(a.styles.system.Render("hosting wavelength " + ev.Frequency))

	case protocol.EventJoinResult:
		var ev protocol.JoinResult
		if json.Unmarshal(data, &ev) != nil {
			return
		}
		if !ev.Success {
			a.appendLine(a.styles.errText.Render("join failed: " + ev.Error))
			return
		}
		a.frequency = ev.Frequency
		a.channel = ev.Name
		a.sessionID = ev.SessionID
		a.isHost = false
		a.appendLine(a.styles.system.Render(fmt.Sprintf("joined %s (%s)", ev.Frequency, ev.Name)))

	case protocol.EventLeaveResult:
		a.frequency = ""
		a.channel = ""
		a.isHost = false
		a.pttActive = false
		a.appendLine(a.styles.system.Render("left wavelength"))

	case protocol.EventCloseResult:
		var ev protocol.CloseResult
		if json.Unmarshal(data, &ev) != nil {
			return
		}
		if !ev.Success {
			a.appendLine(a.styles.errText.Render(ev.Error))
			return
		}
		a.frequency = ""
		a.channel = ""
		a.isHost = false
		a.pttActive = false
		a.appendLine(a.styles.system.Render("wavelength closed"))

	case protocol.EventMessage:
		var ev protocol.Message
		if json.Unmarshal(data, &ev) != nil {
			return
		}
		a.appendMessage(ev)

	case protocol.EventClientJoined:
		var ev protocol.ClientJoined
		if json.Unmarshal(data, &ev) == nil {
			a.appendLine(a.styles.system.Render("client joined: " + shortID(ev.ClientID)))
		}

	case protocol.EventClientDisconnected:
		var ev protocol.ClientDisconnected
		if json.Unmarshal(data, &ev) == nil {
			a.appendLine(a.styles.system.Render("client left: " + shortID(ev.SessionID)))
		}

	case protocol.EventWavelengthClosed:
		var ev protocol.WavelengthClosed
		if json.Unmarshal(data, &ev) == nil {
			a.frequency = ""
			a.channel = ""
			a.pttActive = false
			a.appendLine(a.styles.system.Render("wavelength closed: " + ev.Reason))
		}

	case protocol.EventPTTGranted:
		a.pttActive = true
		a.appendLine(a.styles.system.Render("transmitting (use /release to stop)"))

	case protocol.EventPTTDenied:
		var ev protocol.PTTDenied
		if json.Unmarshal(data, &ev) == nil {
			a.appendLine(a.styles.errText.Render("transmit denied: " + ev.Reason))
		}

	case protocol.EventPTTStartReceiving:
		var ev protocol.PTTStartReceiving
		if json.Unmarshal(data, &ev) == nil {
			a.appendLine(a.styles.system.Render("receiving audio from " + shortID(ev.SenderID)))
		}

	case protocol.EventPTTStopReceiving:
		a.appendLine(a.styles.system.Render("audio stopped"))

	case protocol.EventError:
		var ev protocol.ErrorEvent
		if json.Unmarshal(data, &ev) == nil {
			a.appendLine(a.styles.errText.Render(ev.Error))
		}

	default:
		a.logLine = "unknown event: " + head.Type
	}
}

func (a *App) appendMessage(ev protocol.Message) {
	label := a.styles.sender.Render(ev.Sender)
	if ev.IsSelf {
		label = a.styles.self.Render(ev.Sender)
	}
	line := fmt.Sprintf("%s %s", label, ev.Content)
	if ev.HasAttachment {
		line = fmt.Sprintf("%s sent %s (%s)", label, ev.AttachmentName, ev.AttachmentMimeType)
	}
	a.appendLine(line)
}

func (a *App) appendLine(line string) {
	a.history = append(a.history, line)
	a.refreshViewport()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
