package tui

import "github.com/gdamore/tcell/v2"

// Palette is the set of colors the dashboard draws with.
type Palette struct {
	Accent     tcell.Color
	Background tcell.Color
	Text       tcell.Color
	Muted      tcell.Color
	Alive      tcell.Color
	Late       tcell.Color
	Dead       tcell.Color
	Selection  tcell.Color
}

// DarkPalette is the default palette.
var DarkPalette = Palette{
	Accent:     tcell.NewRGBColor(99, 102, 241),  // Indigo
	Background: tcell.NewRGBColor(15, 23, 42),    // Slate 900
	Text:       tcell.NewRGBColor(226, 232, 240), // Slate 200
	Muted:      tcell.NewRGBColor(148, 163, 184), // Slate 400
	Alive:      tcell.NewRGBColor(34, 197, 94),   // Green 500
	Late:       tcell.NewRGBColor(234, 179, 8),   // Yellow 500
	Dead:       tcell.NewRGBColor(239, 68, 68),   // Red 500
	Selection:  tcell.NewRGBColor(56, 189, 248),  // Sky 400
}

// Styles are the cell styles derived from a palette.
type Styles struct {
	Normal   tcell.Style
	Bold     tcell.Style
	Muted    tcell.Style
	Success  tcell.Style
	Warning  tcell.Style
	Error    tcell.Style
	Header   tcell.Style
	Selected tcell.Style
}

// GetStyles derives the dashboard styles from p.
func GetStyles(p Palette) Styles {
	base := tcell.StyleDefault.Background(p.Background).Foreground(p.Text)

	return Styles{
		Normal:   base,
		Bold:     base.Bold(true),
		Muted:    base.Foreground(p.Muted),
		Success:  base.Foreground(p.Alive),
		Warning:  base.Foreground(p.Late),
		Error:    base.Foreground(p.Dead),
		Header:   base.Foreground(p.Accent).Bold(true),
		Selected: base.Background(p.Selection).Foreground(p.Background),
	}
}

// CurrentStyles holds the global styles instance.
var CurrentStyles = GetStyles(DarkPalette)
