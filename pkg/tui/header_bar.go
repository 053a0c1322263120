// Package tui provides header bar rendering for the TUI dashboard.
package tui

import (
	"fmt"
	"strconv"
)

// HeaderBar renders the fleet overview header.
type HeaderBar struct{}

// NewHeaderBar creates a header bar renderer.
func NewHeaderBar() *HeaderBar {
	return &HeaderBar{}
}

// Render outputs the header bar content.
// Format: "restfleet | Alive: A/N | Secretary: X | Manager: Y"
// A free role is shown as "(none)"; a fleet being shut down gets a
// trailing "| STOPPING".
func (h *HeaderBar) Render(s *FleetSnapshot) string {
	if s == nil {
		return "restfleet | no data"
	}
	out := fmt.Sprintf("restfleet | Alive: %d/%d | Secretary: %s | Manager: %s",
		s.Alive(), len(s.Members), holder(s.Secretary), holder(s.Manager))
	if s.Stopping {
		out += " | STOPPING"
	}
	return out
}

func holder(id int16) string {
	if id < 0 {
		return "(none)"
	}
	return strconv.Itoa(int(id))
}
