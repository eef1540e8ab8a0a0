package tui

import (
	"fmt"
	"io"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"

	"github.com/splax/devmarket/internal/domain"
	"github.com/splax/devmarket/pkg/api/client"
)

var (
	ColorText   = lipgloss.Color("#EDEDED")
	ColorMuted  = lipgloss.Color("#737373")
	ColorGood   = lipgloss.Color("#22C55E")
	ColorBad    = lipgloss.Color("#EF4444")
	ColorWarn   = lipgloss.Color("#F59E0B")
	ColorAccent = lipgloss.Color("#FFFFFF")

	BaseStyle = lipgloss.NewStyle().Foreground(ColorText)
	DimStyle  = lipgloss.NewStyle().Foreground(ColorMuted)
	BoldStyle = lipgloss.NewStyle().Foreground(ColorAccent).Bold(true)
	WarnStyle = lipgloss.NewStyle().Foreground(ColorWarn)

	SuccessPrefix = lipgloss.NewStyle().Foreground(ColorGood).SetString("✔ ")
	ErrorPrefix   = lipgloss.NewStyle().Foreground(ColorBad).SetString("✖ ")
	InfoPrefix    = lipgloss.NewStyle().Foreground(ColorMuted).SetString("→ ")
)

// ShowSuccess prints a success line.
func ShowSuccess(w io.Writer, msg string) {
	fmt.Fprintln(w, SuccessPrefix.Render()+BaseStyle.Render(msg))
}

// ShowError prints an error line.
func ShowError(w io.Writer, msg string) {
	fmt.Fprintln(w, ErrorPrefix.Render()+BaseStyle.Render(msg))
}

// ShowInfo prints a muted informational line.
func ShowInfo(w io.Writer, msg string) {
	fmt.Fprintln(w, InfoPrefix.Render()+DimStyle.Render(msg))
}

// ShowOutcome prints the settled result of a deploy attempt.
func ShowOutcome(w io.Writer, outcome domain.Outcome) {
	if outcome.Kind == domain.OutcomeSuccess {
		ShowSuccess(w, outcome.Message())
		return
	}
	ShowError(w, outcome.Message())
}

func newTable(headers ...string) *table.Table {
	return table.New().
		Border(lipgloss.HiddenBorder()).
		Headers(headers...).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return BoldStyle.Padding(0, 2)
			}
			return BaseStyle.Padding(0, 2)
		})
}

// ProjectsTable renders projects one per row.
func ProjectsTable(projects []client.Project) string {
	t := newTable("ID", "NAME", "INDUSTRY", "CODE")
	for _, p := range projects {
		code := "no"
		if p.HasCode() {
			code = "yes"
		}
		t.Row(p.ID, p.Name, p.Industry, code)
	}
	return t.Render()
}

// TemplatesTable renders catalog entries one per row.
func TemplatesTable(templates []client.Template) string {
	t := newTable("ID", "NAME", "CATEGORY", "INDUSTRY")
	for _, tpl := range templates {
		t.Row(tpl.ID, tpl.Name, tpl.Category, tpl.Industry)
	}
	return t.Render()
}
