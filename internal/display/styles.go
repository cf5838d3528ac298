// Package display renders chain records and seals for sessionctl's tail
// view. The color scheme is adapted from the teacher's
// replay package: one style per record type instead of one per workflow
// component, since this domain's timeline is lifecycle events rather
// than tool calls and sub-agent spans.
package display

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

var (
	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")) // Gray - timestamps, metadata

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	valueStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("15"))

	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	// session_start - white, the baseline of every timeline
	startStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("15"))

	// heartbeat - dim gray, low-signal by design
	heartbeatStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	// milestone - cyan, the notable-progress marker
	milestoneStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("14"))

	// session_end - yellow, the wind-down
	endStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	// session_seal - green, the terminal and verifiable state
	sealStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("10"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("9"))

	warnStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("11"))

	seqStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8")).
			Width(5).
			Align(lipgloss.Right)

	timeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("8"))

	blockHeaderStyle = lipgloss.NewStyle().
				Foreground(lipgloss.Color("8")).
				Italic(true)

	divider = lipgloss.NewStyle().
		Foreground(lipgloss.Color("8")).
		Render(strings.Repeat("━", 60))
)

// styleForType returns the lipgloss style for a chain record type.
func styleForType(recType string) lipgloss.Style {
	switch recType {
	case "session_start":
		return startStyle
	case "heartbeat":
		return heartbeatStyle
	case "milestone":
		return milestoneStyle
	case "session_end":
		return endStyle
	case "session_seal":
		return sealStyle
	default:
		return valueStyle
	}
}
