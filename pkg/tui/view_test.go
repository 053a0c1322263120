// Package tui provides unit tests for the dashboard renderers.
package tui

import (
	"strings"
	"testing"
	"time"
)

// TestHeaderBar_Render tests the header for a live, a stopping and an empty fleet.
func TestHeaderBar_Render(t *testing.T) {
	h := NewHeaderBar()

	if got := h.Render(nil); got != "restfleet | no data" {
		t.Errorf("Expected placeholder header, got %q", got)
	}

	snap := &FleetSnapshot{
		Secretary: 1,
		Manager:   -1,
		Members: []MemberRow{
			{ID: 0, Alive: false},
			{ID: 1, Alive: true},
		},
	}
	want := "restfleet | Alive: 1/2 | Secretary: 1 | Manager: (none)"
	if got := h.Render(snap); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}

	snap.Stopping = true
	if got := h.Render(snap); got != want+" | STOPPING" {
		t.Errorf("Expected stopping marker, got %q", got)
	}
}

// TestFooterBar_Render tests the full and abbreviated footers.
func TestFooterBar_Render(t *testing.T) {
	f := NewFooterBar(120)
	if got := f.Render(); got != "↑/↓: Select | r: Refresh | q: Quit" {
		t.Errorf("Unexpected full footer %q", got)
	}

	f.SetWidth(40)
	if got := f.Render(); got != "↑↓:Sel r:Ref q:Quit" {
		t.Errorf("Unexpected abbreviated footer %q", got)
	}
}

// TestHeartbeatBar tests bar fill and color thresholds.
func TestHeartbeatBar(t *testing.T) {
	bar := NewHeartbeatBar(10)
	dead := 4 * time.Second

	tests := []struct {
		age   time.Duration
		bar   string
		color string
	}{
		{0, "[░░░░░░░░░░]", ColorGreen},
		{time.Second, "[██░░░░░░░░]", ColorGreen},
		{3 * time.Second, "[███████░░░]", ColorYellow},
		{dead, "[██████████]", ColorYellow},
		{10 * time.Second, "[██████████]", ColorRed},
	}
	for _, tt := range tests {
		if got := bar.Render(tt.age, dead); got != tt.bar {
			t.Errorf("Render(%v): expected %q, got %q", tt.age, tt.bar, got)
		}
		if got := bar.GetColor(tt.age, dead); got != tt.color {
			t.Errorf("GetColor(%v): expected %s, got %s", tt.age, tt.color, got)
		}
	}

	if got := NewHeartbeatBar(0).Render(0, dead); got != "["+strings.Repeat("░", 10)+"]" {
		t.Errorf("Expected default width of 10, got %q", got)
	}
	if Fraction(time.Second, 0) != 1 {
		t.Error("Expected a zero threshold to read as full")
	}
}

// TestModel_SetFleetClampsSelection tests that a shrinking fleet keeps the
// selection on a valid row.
func TestModel_SetFleetClampsSelection(t *testing.T) {
	m := NewModel()
	m.SetFleet(&FleetSnapshot{Members: make([]MemberRow, 5)})
	m.Selected = 4

	m.SetFleet(&FleetSnapshot{Members: make([]MemberRow, 2)})
	if m.Selected != 1 {
		t.Errorf("Expected selection clamped to 1, got %d", m.Selected)
	}

	m.SetFleet(&FleetSnapshot{})
	if m.Selected != 0 {
		t.Errorf("Expected selection 0 for an empty fleet, got %d", m.Selected)
	}
	if _, ok := m.SelectedMember(); ok {
		t.Error("Expected no selected member in an empty fleet")
	}
	m.SelectNext()
	if m.Selected != 0 {
		t.Errorf("Expected SelectNext to be a no-op, got %d", m.Selected)
	}
}

// TestView_Lines tests the plain text rendering of the member table.
func TestView_Lines(t *testing.T) {
	now := time.Now()
	v := NewView()
	m := NewModel()
	m.SetFleet(&FleetSnapshot{
		Secretary: 0,
		Manager:   0,
		DeadAfter: 4 * time.Second,
		Members: []MemberRow{
			{ID: 0, Type: "http", PID: 321, State: "running", Alive: true, LastBeat: now.Add(-time.Second), Requests: 42000, Roles: []string{"manager", "secretary"}},
			{ID: 1, Type: "rest", State: "missing"},
		},
	})

	lines := v.Lines(m, now)
	if len(lines) < 5 {
		t.Fatalf("Expected at least 5 lines, got %d: %q", len(lines), lines)
	}
	if lines[tableRow] != columnHeader {
		t.Errorf("Expected column header on row %d, got %q", tableRow, lines[tableRow])
	}
	first := lines[tableRow+1]
	for _, want := range []string{"http", "321", "running", "42,000", "manager,secretary", "ago"} {
		if !strings.Contains(first, want) {
			t.Errorf("Expected %q in %q", want, first)
		}
	}
	second := lines[tableRow+2]
	if !strings.Contains(second, "missing") || strings.Contains(second, "ago") {
		t.Errorf("Unexpected row for missing member: %q", second)
	}

	m.Connected = false
	m.ErrorMessage = "Failed to read fleet: boom"
	lines = v.Lines(m, now)
	tail := strings.Join(lines[len(lines)-2:], "\n")
	if !strings.Contains(tail, "store unavailable") || !strings.Contains(tail, "boom") {
		t.Errorf("Expected disconnected notice and error, got %q", tail)
	}
}
