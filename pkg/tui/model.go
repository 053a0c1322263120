package tui

import (
	"time"
)

// Model holds the application state for the TUI.
type Model struct {
	Fleet *FleetSnapshot

	// UI state
	Selected     int
	ErrorMessage string

	// Connection state
	Connected bool

	// Configuration
	RefreshInterval time.Duration
}

// NewModel creates a new Model with default values.
func NewModel() *Model {
	return &Model{
		Connected:       true,
		RefreshInterval: time.Second,
	}
}

// memberCount returns the number of rows on screen.
func (m *Model) memberCount() int {
	if m.Fleet == nil {
		return 0
	}
	return len(m.Fleet.Members)
}

// SelectNext moves the selection down, wrapping at the end.
func (m *Model) SelectNext() {
	if n := m.memberCount(); n > 0 {
		m.Selected = (m.Selected + 1) % n
	}
}

// SelectPrev moves the selection up, wrapping at the top.
func (m *Model) SelectPrev() {
	if n := m.memberCount(); n > 0 {
		m.Selected = (m.Selected - 1 + n) % n
	}
}

// SetFleet replaces the snapshot and keeps the selection in range.
func (m *Model) SetFleet(s *FleetSnapshot) {
	m.Fleet = s
	if n := m.memberCount(); m.Selected >= n {
		m.Selected = 0
		if n > 0 {
			m.Selected = n - 1
		}
	}
}

// SelectedMember returns the highlighted row.
func (m *Model) SelectedMember() (MemberRow, bool) {
	if m.Selected < 0 || m.Selected >= m.memberCount() {
		return MemberRow{}, false
	}
	return m.Fleet.Members[m.Selected], true
}
