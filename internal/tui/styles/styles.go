package styles

import "github.com/charmbracelet/lipgloss"

// Color palette
var (
	Amber      = lipgloss.Color("#E5A00D")
	SlateDark  = lipgloss.Color("#1F2937")
	SlateLight = lipgloss.Color("#374151")
	DimGray    = lipgloss.Color("#6B7280")
	LightGray  = lipgloss.Color("#9CA3AF")
	White      = lipgloss.Color("#F9FAFB")
	Green      = lipgloss.Color("#10B981")
	Red        = lipgloss.Color("#EF4444")
	Blue       = lipgloss.Color("#3B82F6")
)

// Text styles
var (
	TitleStyle = lipgloss.NewStyle().
			Foreground(White).
			Bold(true)

	SubtitleStyle = lipgloss.NewStyle().
			Foreground(LightGray)

	DimStyle = lipgloss.NewStyle().
			Foreground(DimGray)

	AccentStyle = lipgloss.NewStyle().
			Foreground(Amber)

	ErrorStyle = lipgloss.NewStyle().
			Foreground(Red)

	SuccessStyle = lipgloss.NewStyle().
			Foreground(Green)
)

// Page body
var (
	PageStyle = lipgloss.NewStyle().
			Foreground(White).
			Padding(0, 2)

	HeaderStyle = lipgloss.NewStyle().
			Foreground(LightGray).
			Padding(0, 2)
)

// Status bar
var (
	StatusBarStyle = lipgloss.NewStyle().
			Foreground(LightGray).
			Padding(0, 1)

	SyncSavedStyle = lipgloss.NewStyle().
			Foreground(Green)

	SyncPendingStyle = lipgloss.NewStyle().
				Foreground(Amber)

	SyncWritingStyle = lipgloss.NewStyle().
				Foreground(Blue)
)

// Help styles
var (
	HelpKeyStyle = lipgloss.NewStyle().
			Foreground(Amber)

	HelpDescStyle = lipgloss.NewStyle().
			Foreground(DimGray)
)

// Modal styles
var (
	ModalStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(Amber).
			Background(SlateDark).
			Padding(1, 2)

	ModalItemStyle = lipgloss.NewStyle().
			Foreground(LightGray)

	ModalSelectedStyle = lipgloss.NewStyle().
				Foreground(Amber).
				Background(SlateLight).
				Bold(true)
)

// Truncate truncates a string to the given width with ellipsis
func Truncate(s string, width int) string {
	if width <= 0 {
		return ""
	}
	r := []rune(s)
	if len(r) <= width {
		return s
	}
	if width <= 3 {
		return string(r[:width])
	}
	return string(r[:width-3]) + "..."
}
