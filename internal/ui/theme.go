package ui

import "github.com/charmbracelet/lipgloss"

// Theme defines the dashboard palette.
type Theme struct {
	Name string

	Background string
	Surface    string

	Text    string
	Muted   string
	Faint   string
	Accent  string
	Success string
	Warning string
	Danger  string
	Info    string
}

// Styles contains pre-built Lipgloss styles for a theme.
type Styles struct {
	Header lipgloss.Style
	Footer lipgloss.Style
	Logo   lipgloss.Style
	Label  lipgloss.Style
	Value  lipgloss.Style
	Faint  lipgloss.Style
	Accent lipgloss.Style
	Good   lipgloss.Style
	Warn   lipgloss.Style
	Bad    lipgloss.Style
	Info   lipgloss.Style
}

// Styles returns Lipgloss styles for this theme.
func (t Theme) Styles() Styles {
	fg := func(c string) lipgloss.Style {
		return lipgloss.NewStyle().Foreground(lipgloss.Color(c))
	}
	return Styles{
		Header: lipgloss.NewStyle().
			Background(lipgloss.Color(t.Surface)).
			Foreground(lipgloss.Color(t.Text)).
			Padding(0, 1),
		Footer: lipgloss.NewStyle().
			Foreground(lipgloss.Color(t.Muted)).
			Padding(0, 1),
		Logo:   fg(t.Warning).Bold(true),
		Label:  fg(t.Muted),
		Value:  fg(t.Text),
		Faint:  fg(t.Faint),
		Accent: fg(t.Accent),
		Good:   fg(t.Success).Bold(true),
		Warn:   fg(t.Warning),
		Bad:    fg(t.Danger).Bold(true),
		Info:   fg(t.Info),
	}
}

var themes = map[string]Theme{
	"Dracula": draculaTheme(),
	"Slate":   slateTheme(),
	"Nord":    nordTheme(),
}

var themeOrder = []string{"Dracula", "Slate", "Nord"}

// GetTheme returns a theme by name, falling back to Dracula.
func GetTheme(name string) Theme {
	if t, ok := themes[name]; ok {
		return t
	}
	return draculaTheme()
}

// NextTheme returns the next theme name in the cycle.
func NextTheme(current string) string {
	for i, name := range themeOrder {
		if name == current {
			return themeOrder[(i+1)%len(themeOrder)]
		}
	}
	return themeOrder[0]
}

// ThemeNames returns available theme names.
func ThemeNames() []string {
	return append([]string(nil), themeOrder...)
}

func draculaTheme() Theme {
	// https://draculatheme.com/spec
	return Theme{
		Name:       "Dracula",
		Background: "#191A21",
		Surface:    "#282A36",
		Text:       "#F8F8F2",
		Muted:      "#6272A4",
		Faint:      "#44475A",
		Accent:     "#BD93F9",
		Success:    "#50FA7B",
		Warning:    "#FFB86C",
		Danger:     "#FF5555",
		Info:       "#8BE9FD",
	}
}

func slateTheme() Theme {
	// Tailwind slate/sky
	return Theme{
		Name:       "Slate",
		Background: "#020617",
		Surface:    "#0f172a",
		Text:       "#f1f5f9",
		Muted:      "#94a3b8",
		Faint:      "#64748b",
		Accent:     "#38bdf8",
		Success:    "#22c55e",
		Warning:    "#f59e0b",
		Danger:     "#ef4444",
		Info:       "#06b6d4",
	}
}

func nordTheme() Theme {
	// https://www.nordtheme.com/docs/colors-and-palettes
	return Theme{
		Name:       "Nord",
		Background: "#2E3440",
		Surface:    "#3B4252",
		Text:       "#ECEFF4",
		Muted:      "#D8DEE9",
		Faint:      "#4C566A",
		Accent:     "#88C0D0",
		Success:    "#A3BE8C",
		Warning:    "#EBCB8B",
		Danger:     "#BF616A",
		Info:       "#81A1C1",
	}
}
