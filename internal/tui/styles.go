package tui

import "github.com/charmbracelet/lipgloss"

// One Dark palette.
var (
	ColorFgPrimary = lipgloss.Color("#ABB2BF")
	ColorFgMuted   = lipgloss.Color("#636B78")

	ColorRed     = lipgloss.Color("#E06C75")
	ColorGreen   = lipgloss.Color("#98C379")
	ColorYellow  = lipgloss.Color("#E5C07B")
	ColorBlue    = lipgloss.Color("#61AFEF")
	ColorMagenta = lipgloss.Color("#C678DD")

	ColorBorder = lipgloss.Color("#3F4451")
)

var (
	HeaderStyle = lipgloss.NewStyle().
			Foreground(ColorMagenta).
			Bold(true).
			PaddingLeft(1)

	SubtleStyle = lipgloss.NewStyle().
			Foreground(ColorFgMuted)

	FieldLabelStyle = lipgloss.NewStyle().
			Foreground(ColorFgPrimary).
			Bold(true)

	FieldStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorBorder).
			Padding(0, 1)

	FieldFocusedStyle = FieldStyle.
				BorderForeground(ColorBlue)

	FieldDisabledStyle = FieldStyle.
				Foreground(ColorFgMuted)

	ButtonStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(ColorGreen).
			Foreground(ColorGreen).
			Padding(0, 2).
			MarginRight(1)

	ButtonDangerStyle = ButtonStyle.
				BorderForeground(ColorRed).
				Foreground(ColorRed)

	ButtonDisabledStyle = ButtonStyle.
				BorderForeground(ColorBorder).
				Foreground(ColorFgMuted)

	BannerErrorStyle = lipgloss.NewStyle().
				Border(lipgloss.NormalBorder(), false, false, false, true).
				BorderForeground(ColorRed).
				Foreground(ColorRed).
				PaddingLeft(1)

	BannerSuccessStyle = BannerErrorStyle.
				BorderForeground(ColorGreen).
				Foreground(ColorGreen)

	BannerInfoStyle = BannerErrorStyle.
			BorderForeground(ColorBlue).
			Foreground(ColorBlue)

	BannerWarningStyle = BannerErrorStyle.
				BorderForeground(ColorYellow).
				Foreground(ColorYellow)

	NoticeStyle = lipgloss.NewStyle().
			Border(lipgloss.DoubleBorder()).
			BorderForeground(ColorRed).
			Padding(1, 3).
			Width(50)

	StatusBarStyle = lipgloss.NewStyle().
			Foreground(ColorFgMuted).
			PaddingLeft(1).
			PaddingRight(1)
)

// focusMarker prefixes the focused button.
const focusMarker = "▸ "
