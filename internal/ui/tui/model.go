// Package tui is the list-view frontend: a bubbletea program showing the
// status line, the scan button and the discovered devices.
package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/help"
	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/spinner"
	tea "github.com/charmbracelet/bubbletea"

	"bluetooth-gateway/internal/connmgr"
	"bluetooth-gateway/internal/session"
)

// noticeTTL is how long a notice stays on screen.
const noticeTTL = 3 * time.Second

// Controller is the part of the session the view drives.
type Controller interface {
	ToggleScan()
	Connect(address string) <-chan session.Result
	Disconnect()
	Updates() <-chan session.Update
}

type updateMsg session.Update

type noticeExpiredMsg struct{ id int }

type updatesClosedMsg struct{}

// Model is the root bubbletea model.
type Model struct {
	ctrl     Controller
	state    session.State
	cursor   int
	notice   string
	noticeID int
	spinner  spinner.Model
	help     help.Model
	keys     keyMap
	width    int
}

// New creates the model for ctrl.
func New(ctrl Controller) Model {
	return Model{
		ctrl:    ctrl,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot), spinner.WithStyle(spinnerStyle)),
		help:    help.New(),
		keys:    defaultKeys(),
	}
}

// waitForUpdate turns the next session update into a message.
func waitForUpdate(ch <-chan session.Update) tea.Cmd {
	return func() tea.Msg {
		u, ok := <-ch
		if !ok {
			return updatesClosedMsg{}
		}
		return updateMsg(u)
	}
}

// Init starts listening for session updates and the spinner.
func (m Model) Init() tea.Cmd {
	return tea.Batch(waitForUpdate(m.ctrl.Updates()), m.spinner.Tick)
}

// Update handles keys, session updates and notice expiry.
func (m Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.help.Width = msg.Width
		return m, nil

	case tea.KeyMsg:
		return m.handleKey(msg)

	case updateMsg:
		m.state = msg.State
		m.clampCursor()
		cmds := []tea.Cmd{waitForUpdate(m.ctrl.Updates())}
		if msg.Notice != "" {
			m.notice = msg.Notice
			m.noticeID++
			id := m.noticeID
			cmds = append(cmds, tea.Tick(noticeTTL, func(time.Time) tea.Msg {
				return noticeExpiredMsg{id: id}
			}))
		}
		return m, tea.Batch(cmds...)

	case noticeExpiredMsg:
		if msg.id == m.noticeID {
			m.notice = ""
		}
		return m, nil

	case updatesClosedMsg:
		return m, tea.Quit

	case spinner.TickMsg:
		var cmd tea.Cmd
		m.spinner, cmd = m.spinner.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch {
	case key.Matches(msg, m.keys.Quit):
		return m, tea.Quit
	case key.Matches(msg, m.keys.Scan):
		m.ctrl.ToggleScan()
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(m.state.Devices)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Connect):
		if d, ok := m.Selected(); ok {
			// The outcome arrives as notices on the update stream.
			m.ctrl.Connect(d.Address)
		}
	case key.Matches(msg, m.keys.Disconnect):
		m.ctrl.Disconnect()
	}
	return m, nil
}

func (m *Model) clampCursor() {
	if m.cursor >= len(m.state.Devices) {
		m.cursor = len(m.state.Devices) - 1
	}
	if m.cursor < 0 {
		m.cursor = 0
	}
}

// Selected returns the device under the cursor.
func (m Model) Selected() (connmgr.Device, bool) {
	if len(m.state.Devices) == 0 {
		return connmgr.Device{}, false
	}
	return m.state.Devices[m.cursor], true
}

// Notice returns the notice currently on screen.
func (m Model) Notice() string { return m.notice }

// View renders the device screen.
func (m Model) View() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Bluetooth Gateway"))
	b.WriteString("\n\n")

	status := statusStyle.Render(m.state.Status)
	if m.state.Scanning || m.state.Busy {
		status = m.spinner.View() + " " + status
	}
	b.WriteString(status)
	b.WriteString("\n")
	if m.state.Connected != nil {
		b.WriteString(connectedStyle.Render("● " + m.state.Connected.DisplayName() + " " + m.state.Connected.Address))
		b.WriteString("\n")
	}

	label := "Start Scanning"
	if m.state.Scanning {
		label = "Stop Scan"
	}
	b.WriteString(buttonStyle.Render(label))
	b.WriteString("\n\n")

	if len(m.state.Devices) == 0 {
		b.WriteString(emptyStyle.Render("  no devices"))
		b.WriteString("\n")
	}
	for i, d := range m.state.Devices {
		b.WriteString(renderDevice(d, i == m.cursor))
		b.WriteString("\n")
	}

	if m.notice != "" {
		b.WriteString("\n")
		b.WriteString(noticeStyle.Render(m.notice))
		b.WriteString("\n")
	}
	b.WriteString("\n")
	b.WriteString(m.help.View(m.keys))
	return b.String()
}

func renderDevice(d connmgr.Device, selected bool) string {
	prefix := "  "
	name := nameStyle.Render(d.DisplayName())
	if selected {
		prefix = selectedStyle.Render(cursorMark)
		name = selectedStyle.Render(d.DisplayName())
	}
	line := fmt.Sprintf("%s%s  %s", prefix, name, addressStyle.Render(d.Address))
	if d.RSSI != 0 {
		line += addressStyle.Render(fmt.Sprintf("  %d dBm", d.RSSI))
	}
	if d.Paired {
		line += "  " + pairedStyle.Render("paired")
	}
	return line
}
