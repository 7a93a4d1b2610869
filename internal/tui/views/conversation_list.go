package views

import (
	"fmt"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// ConversationList is the left pane: one row per conversation, most recent first.
type ConversationList struct {
	*tview.Table
	theme    *ui.Theme
	selfID   string
	ids      []string
	onSelect func(id string)
}

// NewConversationList creates the conversation table.
func NewConversationList(theme *ui.Theme, selfID string) *ConversationList {
	t := tview.NewTable().
		SetSelectable(true, false).
		SetFixed(1, 0)
	t.SetBorder(true)
	t.SetTitle(" Conversations ")
	t.SetBorderColor(theme.BorderColor)
	t.SetBackgroundColor(theme.BgColor)
	t.SetSelectedStyle(tcell.StyleDefault.Foreground(theme.CursorFg).Background(theme.CursorBg))

	cl := &ConversationList{Table: t, theme: theme, selfID: selfID}
	t.SetSelectedFunc(func(row, _ int) {
		if id := cl.idAt(row); id != "" && cl.onSelect != nil {
			cl.onSelect(id)
		}
	})
	return cl
}

// SetOnSelect sets the callback fired when a row is chosen.
func (cl *ConversationList) SetOnSelect(fn func(id string)) {
	cl.onSelect = fn
}

// Selected returns the conversation id under the cursor.
func (cl *ConversationList) Selected() string {
	row, _ := cl.GetSelection()
	return cl.idAt(row)
}

func (cl *ConversationList) idAt(row int) string {
	if row < 1 || row > len(cl.ids) {
		return ""
	}
	return cl.ids[row-1]
}

// Update redraws the rows, keeping the cursor on the same conversation.
func (cl *ConversationList) Update(convs []chat.Conversation) {
	keep := cl.Selected()
	cl.Clear()
	cl.ids = cl.ids[:0]

	for col, h := range []string{"", "NAME", "LAST"} {
		cl.SetCell(0, col, tview.NewTableCell(h).
			SetTextColor(cl.theme.HeaderColor).
			SetSelectable(false).
			SetAttributes(tcell.AttrBold))
	}

	cursor := 1
	for i, c := range convs {
		row := i + 1
		cl.ids = append(cl.ids, c.ID)
		if c.ID == keep {
			cursor = row
		}
		nameColor := cl.theme.FgColor
		if c.UnreadCount > 0 {
			nameColor = cl.theme.UnreadColor
		}
		cl.SetCell(row, 0, tview.NewTableCell(Badge(c)).SetTextColor(cl.theme.MentionColor))
		cl.SetCell(row, 1, tview.NewTableCell(clean(c.Title(cl.selfID))).
			SetTextColor(nameColor).
			SetExpansion(1).
			SetMaxWidth(28))
		cl.SetCell(row, 2, tview.NewTableCell(preview(c.LastMessage)).
			SetTextColor(cl.theme.MutedColor).
			SetExpansion(2).
			SetMaxWidth(40))
	}
	if len(convs) > 0 {
		cl.Select(cursor, 0)
	}
}

// Badge renders the unread counter and the mention marker of a conversation.
func Badge(c chat.Conversation) string {
	var s string
	if c.HasUnreadMention {
		s = "@"
	}
	switch {
	case c.UnreadCount > 99:
		s += "99+"
	case c.UnreadCount > 0:
		s += fmt.Sprintf("%d", c.UnreadCount)
	}
	return s
}

func preview(m *chat.Message) string {
	switch {
	case m == nil:
		return ""
	case m.IsTombstoned():
		return "message deleted"
	case m.Content == "" && len(m.Attachments) > 0:
		return fmt.Sprintf("%d attachment(s)", len(m.Attachments))
	}
	return clean(m.Content)
}
