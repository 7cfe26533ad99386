package display

import "github.com/charmbracelet/lipgloss"

var (
	colorPrimary = lipgloss.Color("#43BF6D")
	colorSubtext = lipgloss.Color("#777777")
	colorText    = lipgloss.Color("#FAFAFA")
	colorError   = lipgloss.Color("#FF5F5F")

	styleTitle = lipgloss.NewStyle().
			Foreground(colorPrimary).
			Bold(true)

	stylePanel = lipgloss.NewStyle().
			Border(lipgloss.NormalBorder()).
			BorderForeground(colorSubtext).
			Padding(0, 1)

	styleLabel = lipgloss.NewStyle().
			Foreground(colorSubtext)

	styleValue = lipgloss.NewStyle().
			Foreground(colorText)

	styleFail = lipgloss.NewStyle().
			Foreground(colorError)

	styleHelp = lipgloss.NewStyle().
			Foreground(colorSubtext)
)
