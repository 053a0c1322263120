// Package tui provides view rendering for the TUI dashboard.
package tui

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gdamore/tcell/v2"
)

// Row layout of the screen.
const (
	headerRow = 0
	tableRow  = 2
)

// View handles rendering the model to the terminal.
type View struct {
	header *HeaderBar
	footer *FooterBar
	bar    *HeartbeatBar
	styles Styles
}

// NewView creates a View with the current styles.
func NewView() *View {
	return &View{
		header: NewHeaderBar(),
		footer: NewFooterBar(80),
		bar:    NewHeartbeatBar(10),
		styles: CurrentStyles,
	}
}

// columnHeader is the member table heading.
const columnHeader = "ID    TYPE  PID      STATE     HEARTBEAT     LAST BEAT         REQUESTS  ROLES"

// Lines renders the model as plain text lines, one per screen row.
func (v *View) Lines(m *Model, now time.Time) []string {
	lines := []string{v.header.Render(m.Fleet), ""}
	if m.Fleet != nil {
		lines = append(lines, columnHeader)
		for _, row := range m.Fleet.Members {
			lines = append(lines, v.memberLine(row, m.Fleet.DeadAfter, now))
		}
	}
	lines = append(lines, "")
	if !m.Connected {
		lines = append(lines, "store unavailable")
	}
	if m.ErrorMessage != "" {
		lines = append(lines, m.ErrorMessage)
	}
	return lines
}

func (v *View) memberLine(row MemberRow, deadAfter time.Duration, now time.Time) string {
	pid, beat, last, requests := "-", strings.Repeat(" ", 12), "-", "-"
	if row.PID > 0 {
		pid = strconv.Itoa(row.PID)
	}
	if !row.LastBeat.IsZero() {
		beat = v.bar.Render(now.Sub(row.LastBeat), deadAfter)
		last = humanize.RelTime(row.LastBeat, now, "ago", "from now")
		requests = humanize.Comma(row.Requests)
	}
	return fmt.Sprintf("%-6d%-6s%-9s%-10s%-14s%-18s%-10s%s",
		row.ID, row.Type, pid, row.State, beat, last, requests, strings.Join(row.Roles, ","))
}

// Draw paints the model onto screen.
func (v *View) Draw(screen tcell.Screen, m *Model, now time.Time) {
	width, height := screen.Size()
	v.footer.SetWidth(width)

	screen.Fill(' ', v.styles.Normal)
	for i, line := range v.Lines(m, now) {
		if i >= height-1 {
			break
		}
		drawText(screen, 0, i, width, line, v.lineStyle(m, i))
	}
	drawText(screen, 0, height-1, width, v.footer.Render(), v.styles.Muted)
}

// lineStyle picks the style of screen row i.
func (v *View) lineStyle(m *Model, i int) tcell.Style {
	switch {
	case i == headerRow:
		if m.Fleet != nil && m.Fleet.Stopping {
			return v.styles.Warning.Bold(true)
		}
		return v.styles.Header
	case m.Fleet == nil:
		return v.styles.Error
	case i == tableRow:
		return v.styles.Bold
	}

	idx := i - tableRow - 1
	if idx < 0 || idx >= len(m.Fleet.Members) {
		return v.styles.Error
	}
	if idx == m.Selected {
		return v.styles.Selected
	}
	row := m.Fleet.Members[idx]
	switch {
	case row.Alive:
		switch v.bar.GetColor(time.Since(row.LastBeat), m.Fleet.DeadAfter) {
		case ColorGreen:
			return v.styles.Success
		case ColorYellow:
			return v.styles.Warning
		}
		return v.styles.Error
	case row.State == "stopped":
		return v.styles.Muted
	default:
		return v.styles.Error
	}
}

// drawText writes s at (x, y), clipped to width cells.
func drawText(screen tcell.Screen, x, y, width int, s string, style tcell.Style) {
	col := x
	for _, r := range s {
		if col >= width {
			return
		}
		screen.SetContent(col, y, r, nil, style)
		col++
	}
}
