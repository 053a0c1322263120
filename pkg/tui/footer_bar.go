// Package tui provides footer bar rendering for the TUI dashboard.
package tui

// FooterBar renders the keyboard shortcuts footer.
type FooterBar struct {
	terminalWidth int
}

// NewFooterBar creates a footer bar renderer.
func NewFooterBar(width int) *FooterBar {
	return &FooterBar{
		terminalWidth: width,
	}
}

// SetWidth updates the terminal width for the footer bar.
func (f *FooterBar) SetWidth(width int) {
	f.terminalWidth = width
}

// Render outputs the footer bar content.
// Full (width >= 80): "↑/↓: Select | r: Refresh | q: Quit"
// Abbreviated (width < 80): "↑↓:Sel r:Ref q:Quit"
func (f *FooterBar) Render() string {
	if f.terminalWidth < 80 {
		return "↑↓:Sel r:Ref q:Quit"
	}
	return "↑/↓: Select | r: Refresh | q: Quit"
}
