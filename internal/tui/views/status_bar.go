package views

import (
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatsync/internal/status"
	"github.com/matheus3301/chatsync/internal/tui/model"
	"github.com/matheus3301/chatsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// StatusBar shows the user, the push connection state, key hints and the
// current flash message.
type StatusBar struct {
	*tview.TextView
	theme *ui.Theme
	user  string
	state status.State
	since time.Time
	hints string
	flash *model.Flash
}

// NewStatusBar creates a new status bar.
func NewStatusBar(theme *ui.Theme, user string, flash *model.Flash) *StatusBar {
	tv := tview.NewTextView().SetDynamicColors(true)
	tv.SetBackgroundColor(tview.Styles.MoreContrastBackgroundColor)
	return &StatusBar{TextView: tv, theme: theme, user: user, flash: flash, state: status.Idle}
}

// SetState updates the push connection display.
func (sb *StatusBar) SetState(s status.State, since time.Time) {
	sb.state = s
	sb.since = since
	sb.render()
}

// SetHints updates the key hints of the focused view.
func (sb *StatusBar) SetHints(h string) {
	sb.hints = h
	sb.render()
}

// Refresh re-renders, dropping an expired flash.
func (sb *StatusBar) Refresh() { sb.render() }

func (sb *StatusBar) render() {
	sb.Clear()
	line := fmt.Sprintf(" [::b]%s[-:-:-] | %s%s[-]", clean(sb.user), ui.Tag(stateColor(sb.theme, sb.state)), sb.state)
	if sb.state == status.Reconnecting && !sb.since.IsZero() {
		line += fmt.Sprintf(" %ds", int(time.Since(sb.since).Seconds()))
	}
	if msg, level := sb.flash.Get(); msg != "" {
		color := sb.theme.InfoColor
		switch level {
		case model.Warn:
			color = sb.theme.WarnColor
		case model.Error:
			color = sb.theme.ErrorColor
		}
		line += " | " + ui.Tag(color) + clean(msg) + "[-]"
	} else if sb.hints != "" {
		line += " | " + ui.Tag(sb.theme.MutedColor) + tview.Escape(sb.hints) + "[-]"
	}
	_, _ = fmt.Fprint(sb, line)
}

func stateColor(theme *ui.Theme, s status.State) tcell.Color {
	switch s {
	case status.Live:
		return theme.SelfColor
	case status.Reconnecting, status.Connecting:
		return theme.WarnColor
	case status.Closed:
		return theme.ErrorColor
	default:
		return theme.MutedColor
	}
}
