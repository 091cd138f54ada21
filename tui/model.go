package tui

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"charm.land/bubbles/v2/spinner"
	tea "charm.land/bubbletea/v2"
	"charm.land/lipgloss/v2"
)

// tickMsg is fired every second to update the access token countdown.
type tickMsg time.Time

// state represents the phase of the running command.
type state int

const (
	stateInit     state = iota
	stateWorking        // request in flight, spinner shown
	stateWatching       // following session changes
	stateSuccess        // command finished
	stateError          // fatal error
)

// statusKind distinguishes line types in the status log.
type statusKind int

const (
	statusOK   statusKind = iota
	statusWarn            // warning / non-fatal
	statusInfo            // neutral info
)

// statusLine is one row in the scrolling status log.
type statusLine struct {
	kind statusKind
	text string
}

// maxStatusLines caps the log so a long watch does not grow without bound.
const maxStatusLines = 50

// Model is the BubbleTea model for the session CLI.
type Model struct {
	state   state
	spinner spinner.Model
	width   int
	height  int

	command string
	working string

	// Session details for the summary panel
	email         string
	authenticated bool
	tokenFile     string
	accessExpiry  time.Time
	remaining     time.Duration
	refreshUsable bool
	showSession   bool

	watchPath string
	errMsg    string

	// Scrolling status log shown below the main panel
	statusLines []statusLine
}

// Lipgloss styles, defined once at package level.
var (
	styleTitleBox = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("99")).
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("99")).
			Padding(0, 2)

	styleSessionBox = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("244")).
			Padding(0, 1)

	styleOK   = lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
	styleWarn = lipgloss.NewStyle().Foreground(lipgloss.Color("214"))
	styleErr  = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	styleDim  = lipgloss.NewStyle().Foreground(lipgloss.Color("244"))
	styleBold = lipgloss.NewStyle().Bold(true)
)

// NewModel creates the initial TUI model.
func NewModel() Model {
	s := spinner.New(
		spinner.WithSpinner(spinner.Dot),
		spinner.WithStyle(lipgloss.NewStyle().Foreground(lipgloss.Color("99"))),
	)
	return Model{
		state:   stateInit,
		spinner: s,
	}
}

// Init starts the spinner animation.
func (m Model) Init() tea.Cmd {
	return m.spinner.Tick
}

// Update handles all incoming messages.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		return m, nil

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd

	case tickMsg:
		m.remaining = max(time.Until(m.accessExpiry), 0)
		if m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case tea.KeyPressMsg:
		if msg.String() == "ctrl+c" {
			return m, tea.Quit
		}
		return m, nil

	// ── Session messages ─────────────────────────────────────────────────────

	case MsgBanner:
		m.command = msg.Command
		return m, nil

	case MsgSigningIn:
		m.state = stateWorking
		m.email = msg.Email
		if msg.SignUp {
			m.working = "Creating account for " + msg.Email + "..."
		} else {
			m.working = "Signing in as " + msg.Email + "..."
		}
		return m, nil

	case MsgSignedIn:
		m.state = stateSuccess
		m.authenticated = true
		m.showSession = true
		m.accessExpiry = time.Now().Add(msg.ExpiresIn)
		m.remaining = msg.ExpiresIn
		m.refreshUsable = true
		m.addStatus(statusOK, "Signed in as "+msg.Email)
		return m, tickAfterSecond()

	case MsgSignedOut:
		m.state = stateSuccess
		m.authenticated = false
		m.showSession = false
		m.addStatus(statusOK, "Signed out, stored credentials removed")
		return m, nil

	case MsgStatus:
		m.state = stateSuccess
		m.showSession = true
		m.authenticated = msg.Info.Authenticated
		m.tokenFile = msg.Info.TokenFile
		m.accessExpiry = msg.Info.AccessExpiry
		m.remaining = max(time.Until(msg.Info.AccessExpiry), 0)
		m.refreshUsable = msg.Info.RefreshUsable
		if m.authenticated && m.remaining > 0 {
			return m, tickAfterSecond()
		}
		return m, nil

	case MsgCalling:
		m.state = stateWorking
		m.working = msg.Method + " " + msg.Path
		return m, nil

	case MsgCallDone:
		m.state = stateSuccess
		kind := statusOK
		if msg.Status >= http.StatusBadRequest {
			kind = statusWarn
		}
		m.addStatus(kind, fmt.Sprintf(
			"%d %s (%s)",
			msg.Status,
			http.StatusText(msg.Status),
			msg.Elapsed.Round(time.Millisecond),
		))
		return m, nil

	case MsgCallFailed:
		m.addStatus(statusWarn, fmt.Sprintf("Request failed: %v", msg.Err))
		return m, nil

	case MsgAuthRequired:
		m.authenticated = false
		m.addStatus(statusWarn, fmt.Sprintf("Authentication required: %v", msg.Err))
		return m, nil

	case MsgRedirected:
		m.addStatus(statusInfo, fmt.Sprintf("Session ended, moving from %s to %s", msg.From, msg.To))
		return m, nil

	case MsgWatching:
		m.state = stateWatching
		m.watchPath = msg.Path
		return m, nil

	case MsgStateChanged:
		m.authenticated = msg.Authenticated
		stamp := time.Now().Format(time.TimeOnly)
		if msg.Authenticated {
			m.addStatus(statusOK, stamp+" signed in")
		} else {
			m.addStatus(statusWarn, stamp+" signed out")
		}
		return m, nil

	case MsgFatal:
		m.errMsg = msg.Err.Error()
		m.state = stateError
		return m, nil
	}

	return m, nil
}

// View renders the TUI.
func (m Model) View() tea.View {
	switch m.state {
	case stateSuccess:
		return tea.NewView(m.viewSuccess())
	case stateError:
		return tea.NewView(m.viewError())
	default:
		return tea.NewView(m.viewMain())
	}
}

func (m Model) title() string {
	if m.command == "" {
		return "  AuthGate Session  "
	}
	return "  AuthGate Session · " + m.command + "  "
}

// viewMain is shown while a command is running or watching.
func (m Model) viewMain() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render(m.title()))
	b.WriteString("\n\n")

	switch m.state {
	case stateWorking:
		b.WriteString(m.spinner.View())
		b.WriteString(" " + m.working + "\n")

	case stateWatching:
		b.WriteString(m.spinner.View())
		b.WriteString(" Watching for session changes  ")
		b.WriteString(styleDim.Render(m.watchPath))
		b.WriteString("\n")
		if m.authenticated {
			b.WriteString(styleOK.Render("  ● signed in"))
		} else {
			b.WriteString(styleWarn.Render("  ○ signed out"))
		}
		b.WriteString("\n")

	default:
		b.WriteString(m.spinner.View())
		b.WriteString(" Initializing...\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewSuccess is shown after the command completed.
func (m Model) viewSuccess() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleTitleBox.Render(m.title()))
	b.WriteString("\n\n")

	if m.showSession {
		b.WriteString(styleSessionBox.Render(m.viewSession()))
		b.WriteString("\n")
	}

	b.WriteString(m.viewStatusLog())
	return b.String()
}

func (m Model) viewSession() string {
	var b strings.Builder

	if m.tokenFile != "" {
		b.WriteString(styleBold.Render("Token File:    "))
		b.WriteString(m.tokenFile + "\n")
	}

	b.WriteString(styleBold.Render("Authenticated: "))
	if !m.authenticated {
		b.WriteString(styleWarn.Render("no"))
		return b.String()
	}
	b.WriteString(styleOK.Render("yes") + "\n")

	if m.email != "" {
		b.WriteString(styleBold.Render("User:          "))
		b.WriteString(m.email + "\n")
	}

	b.WriteString(styleBold.Render("Access Token:  "))
	if m.remaining > 0 {
		b.WriteString(formatDuration(m.remaining) + " remaining\n")
	} else {
		b.WriteString(styleWarn.Render("expired, refreshes on next call") + "\n")
	}

	b.WriteString(styleBold.Render("Refresh Token: "))
	if m.refreshUsable {
		b.WriteString(styleOK.Render("usable"))
	} else {
		b.WriteString(styleErr.Render("expired, sign in again"))
	}
	return b.String()
}

// viewError is shown when a fatal error occurs.
func (m Model) viewError() string {
	var b strings.Builder

	b.WriteString("\n")
	b.WriteString(styleErr.Render("  ✗ " + m.command + " failed"))
	b.WriteString("\n\n")
	b.WriteString(styleDim.Render("  " + m.errMsg))
	b.WriteString("\n")

	b.WriteString(m.viewStatusLog())
	return b.String()
}

// viewStatusLog renders the scrolling status log.
func (m Model) viewStatusLog() string {
	if len(m.statusLines) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("\n")

	for _, line := range m.statusLines {
		switch line.kind {
		case statusOK:
			b.WriteString(styleOK.Render("  ✓ " + line.text))
		case statusWarn:
			b.WriteString(styleWarn.Render("  ⚠ " + line.text))
		default:
			b.WriteString(styleDim.Render("  · " + line.text))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// addStatus appends a line to the status log, dropping the oldest past the cap.
func (m *Model) addStatus(kind statusKind, text string) {
	m.statusLines = append(m.statusLines, statusLine{kind: kind, text: text})
	if n := len(m.statusLines); n > maxStatusLines {
		m.statusLines = m.statusLines[n-maxStatusLines:]
	}
}

// tickAfterSecond returns a command that fires tickMsg after one second.
func tickAfterSecond() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

// formatDuration formats a duration as "Xh Ym", "Xm Ys" or "Xs".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Second)
	if d <= 0 {
		return "0s"
	}
	h := int(d.Hours())
	m := int(d.Minutes()) % 60
	s := int(d.Seconds()) % 60
	switch {
	case h > 0:
		return fmt.Sprintf("%dh %dm", h, m)
	case m > 0:
		return fmt.Sprintf("%dm %ds", m, s)
	default:
		return fmt.Sprintf("%ds", s)
	}
}
