// Package tui provides heartbeat age bars for the member table.
package tui

import (
	"strings"
	"time"
)

// Color constants for the heartbeat bar.
const (
	ColorGreen  = "green"
	ColorYellow = "yellow"
	ColorRed    = "red"
)

// HeartbeatBar renders how far a member's last heartbeat is from the dead
// threshold.
type HeartbeatBar struct {
	width int
}

// NewHeartbeatBar creates a bar renderer.
// width specifies the character width of the bar (excluding brackets).
func NewHeartbeatBar(width int) *HeartbeatBar {
	if width < 1 {
		width = 10 // Default minimum width
	}
	return &HeartbeatBar{width: width}
}

// Render outputs a bar filled in proportion to age/deadAfter.
// Returns format: "[███░░░░░░░]"
func (p *HeartbeatBar) Render(age, deadAfter time.Duration) string {
	filled := int(Fraction(age, deadAfter) * float64(p.width))

	var sb strings.Builder
	sb.WriteString("[")
	sb.WriteString(strings.Repeat("█", filled))
	sb.WriteString(strings.Repeat("░", p.width-filled))
	sb.WriteString("]")
	return sb.String()
}

// GetColor returns the bar color for age.
// Under half the threshold: green, up to the threshold: yellow, beyond: red.
func (p *HeartbeatBar) GetColor(age, deadAfter time.Duration) string {
	f := Fraction(age, deadAfter)
	switch {
	case f < 0.5:
		return ColorGreen
	case age <= deadAfter:
		return ColorYellow
	default:
		return ColorRed
	}
}

// Fraction returns age/deadAfter clamped to [0, 1].
func Fraction(age, deadAfter time.Duration) float64 {
	if deadAfter <= 0 || age >= deadAfter {
		return 1
	}
	if age <= 0 {
		return 0
	}
	return float64(age) / float64(deadAfter)
}
