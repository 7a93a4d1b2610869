package views

import (
	"fmt"
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// MessageView shows the log of the selected conversation, oldest first.
// Rows are selectable so a message can be edited, deleted or resent.
type MessageView struct {
	*tview.Table
	theme  *ui.Theme
	selfID string
	names  map[string]string
	msgs   []chat.Message
}

// NewMessageView creates the message table.
func NewMessageView(theme *ui.Theme, selfID string) *MessageView {
	t := tview.NewTable().SetSelectable(true, false)
	t.SetBorder(true)
	t.SetBorderColor(theme.BorderColor)
	t.SetBackgroundColor(theme.BgColor)
	t.SetSelectedStyle(tcell.StyleDefault.Foreground(theme.CursorFg).Background(theme.CursorBg))
	return &MessageView{Table: t, theme: theme, selfID: selfID}
}

// SetConversation sets the member names used for sender labels and the
// title, suffixed with the paging state.
func (mv *MessageView) SetConversation(c chat.Conversation, ok bool, paging string) {
	mv.names = make(map[string]string)
	if !ok {
		mv.SetTitle(" Messages ")
		return
	}
	for _, m := range c.Members {
		mv.names[m.UserID] = m.Name()
	}
	title := " " + clean(c.Title(mv.selfID)) + " "
	if paging != "" {
		title += "(" + paging + ") "
	}
	mv.SetTitle(title)
}

// Selected returns the message under the cursor.
func (mv *MessageView) Selected() (chat.Message, bool) {
	row, _ := mv.GetSelection()
	if row < 0 || row >= len(mv.msgs) {
		return chat.Message{}, false
	}
	return mv.msgs[row], true
}

// Update redraws the log. The cursor sticks to the newest message until the
// user moves it, and to the same message id afterwards.
func (mv *MessageView) Update(msgs []chat.Message) {
	var keep string
	if m, ok := mv.Selected(); ok && !mv.atBottom() {
		keep = m.ID
	}
	mv.Clear()
	mv.msgs = msgs

	cursor := len(msgs) - 1
	for i, m := range msgs {
		if m.ID == keep {
			cursor = i
		}
		mv.SetCell(i, 0, tview.NewTableCell(m.CreatedAt.Local().Format("15:04")).
			SetTextColor(mv.theme.MutedColor))
		mv.SetCell(i, 1, tview.NewTableCell(mv.sender(m)).
			SetTextColor(mv.senderColor(m)).
			SetMaxWidth(16))
		mv.SetCell(i, 2, tview.NewTableCell(mv.body(m)).SetExpansion(1))
	}
	if cursor >= 0 {
		mv.Select(cursor, 0)
	}
}

func (mv *MessageView) atBottom() bool {
	row, _ := mv.GetSelection()
	return row >= len(mv.msgs)-1
}

func (mv *MessageView) sender(m chat.Message) string {
	if n, ok := mv.names[m.SenderID]; ok {
		return clean(n)
	}
	return clean(m.SenderID)
}

func (mv *MessageView) senderColor(m chat.Message) tcell.Color {
	if m.SenderID == mv.selfID {
		return mv.theme.SelfColor
	}
	return mv.theme.FgColor
}

func (mv *MessageView) body(m chat.Message) string {
	return FormatBody(m, mv.selfID, mv.theme)
}

// FormatBody renders the content and lifecycle marks of one message.
func FormatBody(m chat.Message, selfID string, theme *ui.Theme) string {
	muted := ui.Tag(theme.MutedColor)
	if m.Lifecycle() == chat.Deleted {
		return muted + "message deleted[-]"
	}

	var b strings.Builder
	if m.Mentions(selfID) {
		b.WriteString(ui.Tag(theme.MentionColor) + "@ [-]")
	}
	b.WriteString(clean(m.Content))
	for _, a := range m.Attachments {
		fmt.Fprintf(&b, " %s[%s][-]", muted, clean(a.Name))
	}
	switch m.Lifecycle() {
	case chat.Edited:
		b.WriteString(" " + muted + "(edited)[-]")
	case chat.NotSent:
		b.WriteString(" " + muted + "(sending)[-]")
	case chat.FailedL:
		b.WriteString(" " + ui.Tag(theme.ErrorColor) + "(failed, R to resend)[-]")
	}
	return b.String()
}
