package ui

import (
	"github.com/gdamore/tcell/v2"
	"github.com/rivo/tview"
)

// Prompt is the ':' command bar. Submitting empty text counts as a cancel.
type Prompt struct {
	*tview.InputField
	submit func(text string)
	cancel func()
}

// NewPrompt creates a command prompt.
func NewPrompt(theme *Theme) *Prompt {
	p := &Prompt{InputField: tview.NewInputField().SetLabel(":")}
	p.SetBorder(true).
		SetTitle(" command ").
		SetBorderColor(theme.BorderColor).
		SetBackgroundColor(theme.BgColor)
	p.SetFieldBackgroundColor(theme.BgColor).
		SetFieldTextColor(theme.FgColor).
		SetDoneFunc(p.done)
	return p
}

func (p *Prompt) done(key tcell.Key) {
	text := p.GetText()
	p.SetText("")
	if key == tcell.KeyEnter && text != "" && p.submit != nil {
		p.submit(text)
		return
	}
	if (key == tcell.KeyEnter || key == tcell.KeyEscape) && p.cancel != nil {
		p.cancel()
	}
}

// SetOnSubmit sets the callback for a non-empty command line.
func (p *Prompt) SetOnSubmit(fn func(text string)) { p.submit = fn }

// SetOnCancel sets the callback for Esc or an empty submit.
func (p *Prompt) SetOnCancel(fn func()) { p.cancel = fn }
