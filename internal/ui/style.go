// Package ui holds the terminal styling shared by the CLI commands.
package ui

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
)

var (
	primaryColor = lipgloss.Color("#25A065")
	dangerColor  = lipgloss.Color("#DC3545")
	warningColor = lipgloss.Color("#FFC107")
	mutedColor   = lipgloss.Color("240")

	titleStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FFFDF5")).
			Background(primaryColor).
			Padding(0, 1).
			Bold(true)

	okStyle = lipgloss.NewStyle().
		Foreground(primaryColor).
		Bold(true)

	refusedStyle = lipgloss.NewStyle().
			Foreground(dangerColor).
			Bold(true)

	warnStyle = lipgloss.NewStyle().
			Foreground(warningColor).
			Bold(true)

	mutedStyle = lipgloss.NewStyle().
			Foreground(mutedColor)

	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("252")).
			Padding(0, 1)

	cellStyle = lipgloss.NewStyle().
			Padding(0, 1)

	boxStyle = lipgloss.NewStyle().
			BorderStyle(lipgloss.RoundedBorder()).
			BorderForeground(dangerColor).
			Padding(0, 1)
)

// Title renders a banner line.
func Title(s string) string { return titleStyle.Render(s) }

// OK renders a passing status word.
func OK(s string) string { return okStyle.Render(s) }

// Refused renders a failing status word.
func Refused(s string) string { return refusedStyle.Render(s) }

// Warn renders a warning.
func Warn(s string) string { return warnStyle.Render(s) }

// Muted renders secondary text.
func Muted(s string) string { return mutedStyle.Render(s) }

// Status picks OK or Refused by ok.
func Status(ok bool, pass, fail string) string {
	if ok {
		return OK(pass)
	}
	return Refused(fail)
}

// Table renders rows under headers with a rounded border.
func Table(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(mutedStyle).
		Headers(headers...).
		Rows(rows...).
		StyleFunc(func(row, _ int) lipgloss.Style {
			if row == table.HeaderRow {
				return headerStyle
			}
			return cellStyle
		})
	return t.Render()
}

// Box frames lines that must not be missed, such as manual recovery steps.
func Box(lines ...string) string {
	return boxStyle.Render(strings.Join(lines, "\n"))
}
