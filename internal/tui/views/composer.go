package views

import (
	"strings"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/tui/ui"
	"github.com/rivo/tview"
)

// Composer is the text input for sending and editing messages.
type Composer struct {
	*tview.InputField
	editing  string
	onSend   func(text string)
	onEdit   func(messageID, text string)
	onCancel func()
}

// NewComposer creates a new message composer.
func NewComposer(theme *ui.Theme) *Composer {
	input := tview.NewInputField().
		SetLabel(" > ").
		SetFieldWidth(0)
	input.SetBackgroundColor(theme.BgColor)
	input.SetFieldBackgroundColor(theme.BgColor)
	input.SetFieldTextColor(theme.FgColor)

	c := &Composer{InputField: input}
	input.SetDoneFunc(func(key tcell.Key) {
		switch key {
		case tcell.KeyEnter:
			text := c.GetText()
			if strings.TrimSpace(text) == "" {
				return
			}
			if c.editing != "" {
				if c.onEdit != nil {
					c.onEdit(c.editing, text)
				}
			} else if c.onSend != nil {
				c.onSend(text)
			}
			c.Reset()
		case tcell.KeyEscape:
			c.Reset()
			if c.onCancel != nil {
				c.onCancel()
			}
		}
	})
	return c
}

// SetOnSend sets the callback when a message is sent.
func (c *Composer) SetOnSend(fn func(text string)) { c.onSend = fn }

// SetOnEdit sets the callback when an edit is submitted.
func (c *Composer) SetOnEdit(fn func(messageID, text string)) { c.onEdit = fn }

// SetOnCancel sets the callback when the composer is left with Esc.
func (c *Composer) SetOnCancel(fn func()) { c.onCancel = fn }

// Edit switches to edit mode for messageID, prefilled with content.
func (c *Composer) Edit(messageID, content string) {
	c.editing = messageID
	c.SetLabel(" edit> ")
	c.SetText(content)
}

// Reset leaves edit mode and clears the input.
func (c *Composer) Reset() {
	c.editing = ""
	c.SetLabel(" > ")
	c.SetText("")
}

// ExtractMentions returns the ids of the members named by @tokens in text.
// A token matches a user id, a username or a display name without spaces.
func ExtractMentions(text string, members []chat.Member) []string {
	var out []string
	seen := make(map[string]bool)
	for _, word := range strings.Fields(text) {
		if !strings.HasPrefix(word, "@") || len(word) < 2 {
			continue
		}
		name := strings.TrimRight(word[1:], ".,:;!?")
		for _, m := range members {
			if seen[m.UserID] {
				continue
			}
			if strings.EqualFold(name, m.UserID) || strings.EqualFold(name, m.Username) || strings.EqualFold(name, m.DisplayName) {
				seen[m.UserID] = true
				out = append(out, m.UserID)
			}
		}
	}
	return out
}
