package main

import (
	"charm.land/lipgloss/v2"
	"charm.land/lipgloss/v2/table"
)

type renderer struct {
	headerStyle lipgloss.Style
	cellStyle   lipgloss.Style
	borderStyle lipgloss.Style
}

func newRenderer() *renderer {
	purple := lipgloss.Color("99")
	gray := lipgloss.Color("245")

	return &renderer{
		headerStyle: lipgloss.NewStyle().
			Foreground(purple).
			Bold(true).
			Padding(0, 1),
		cellStyle: lipgloss.NewStyle().
			Foreground(gray).
			Padding(0, 1),
		borderStyle: lipgloss.NewStyle().
			Foreground(purple),
	}
}

// kvTable renders label/value pairs as a rounded two-column table.
func (r *renderer) kvTable(rows [][2]string) string {
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(r.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if col == 0 {
				return r.headerStyle
			}
			return r.cellStyle
		})

	for _, row := range rows {
		t.Row(row[0], row[1])
	}
	return t.String()
}

// headerTable renders a table with a header row.
func (r *renderer) headerTable(headers []string, rows [][]string) string {
	t := table.New().
		Border(lipgloss.NormalBorder()).
		BorderStyle(r.borderStyle).
		StyleFunc(func(row, col int) lipgloss.Style {
			if row == table.HeaderRow {
				return r.headerStyle
			}
			return r.cellStyle
		}).
		Headers(headers...)

	for _, row := range rows {
		t.Row(row...)
	}
	return t.String()
}

func truncateString(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
