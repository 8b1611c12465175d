package tui

import "github.com/charmbracelet/lipgloss"

// Centralized style definitions for the TUI.
var (
	titleStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6")) // cyan
	statusStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))            // gray
	buttonStyle  = lipgloss.NewStyle().Bold(true).Padding(0, 1).Border(lipgloss.RoundedBorder()).BorderForeground(lipgloss.Color("4"))
	spinnerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("5")) // magenta

	// Device list styles.
	nameStyle     = lipgloss.NewStyle().Bold(true)
	addressStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	selectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("4")).Bold(true)
	pairedStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("2")) // green
	emptyStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("8")).Italic(true)

	connectedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("2")).Bold(true)

	// Transient notice, the terminal stand-in for a toast.
	noticeStyle = lipgloss.NewStyle().
			PaddingLeft(1).
			BorderLeft(true).
			BorderStyle(lipgloss.ThickBorder()).
			BorderForeground(lipgloss.Color("3"))
)

const cursorMark = "▸ "
