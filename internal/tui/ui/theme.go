// Package ui holds styling and generic widgets shared by the views.
package ui

import "github.com/gdamore/tcell/v2"

// Theme maps chat states to colors.
type Theme struct {
	// Chrome.
	BgColor     tcell.Color
	FgColor     tcell.Color
	BorderColor tcell.Color
	HeaderColor tcell.Color
	CursorFg    tcell.Color
	CursorBg    tcell.Color

	// Conversation and message states.
	UnreadColor  tcell.Color
	MentionColor tcell.Color
	SelfColor    tcell.Color
	MutedColor   tcell.Color

	// Notifications.
	InfoColor  tcell.Color
	WarnColor  tcell.Color
	ErrorColor tcell.Color
}

// DefaultTheme returns the dark palette.
func DefaultTheme() *Theme {
	return &Theme{
		BgColor:     tcell.ColorDefault,
		FgColor:     tcell.ColorSilver,
		BorderColor: tcell.ColorSteelBlue,
		HeaderColor: tcell.ColorWhite,
		CursorFg:    tcell.ColorBlack,
		CursorBg:    tcell.ColorLightSkyBlue,

		UnreadColor:  tcell.ColorWhite,
		MentionColor: tcell.ColorGold,
		SelfColor:    tcell.ColorMediumSeaGreen,
		MutedColor:   tcell.ColorDimGray,

		InfoColor:  tcell.ColorNavajoWhite,
		WarnColor:  tcell.ColorOrange,
		ErrorColor: tcell.ColorIndianRed,
	}
}

// Tag returns the tview color tag for c.
func Tag(c tcell.Color) string {
	return "[" + c.String() + "]"
}
