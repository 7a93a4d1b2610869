// Package tui is the terminal client: a conversation list and a chat page
// rendered from the sync engine and redrawn on engine bus events.
package tui

import (
	"context"
	"fmt"
	"time"

	"github.com/gdamore/tcell/v2"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/client"
	"github.com/matheus3301/chatsync/internal/tui/keys"
	"github.com/matheus3301/chatsync/internal/tui/model"
	"github.com/matheus3301/chatsync/internal/tui/ui"
	"github.com/matheus3301/chatsync/internal/tui/views"
	"github.com/rivo/tview"
	"go.uber.org/zap"
)

const (
	pageChats = "chats"
	pageChat  = "chat"

	flashTTL   = 5 * time.Second
	rpcTimeout = 15 * time.Second
)

// App is the main TUI application shell.
type App struct {
	app       *tview.Application
	root      *tview.Flex
	pages     *tview.Pages
	client    *client.Client
	logger    *zap.Logger
	theme     *ui.Theme
	flash     *model.Flash
	registry  *keys.Registry
	statusBar *views.StatusBar
	chatList  *views.ConversationList
	msgView   *views.MessageView
	composer  *views.Composer
	prompt    *ui.Prompt
	ctx       context.Context
	cancel    context.CancelFunc
}

// NewApp creates the TUI application on a started client.
func NewApp(c *client.Client, logger *zap.Logger) *App {
	ctx, cancel := context.WithCancel(context.Background())
	theme := ui.DefaultTheme()
	flash := model.NewFlash(nil)
	self := c.Engine.Self()
	user := self.UserID
	if self.DisplayName != "" {
		user = self.DisplayName
	}

	a := &App{
		app:       tview.NewApplication(),
		pages:     tview.NewPages(),
		client:    c,
		logger:    logger,
		theme:     theme,
		flash:     flash,
		registry:  keys.NewRegistry(),
		statusBar: views.NewStatusBar(theme, user, flash),
		chatList:  views.NewConversationList(theme, self.UserID),
		msgView:   views.NewMessageView(theme, self.UserID),
		composer:  views.NewComposer(theme),
		prompt:    ui.NewPrompt(theme),
		ctx:       ctx,
		cancel:    cancel,
	}

	a.setupBindings()
	a.setupCallbacks()
	a.setupLayout()
	return a
}

func (a *App) setupBindings() {
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: ':', Description: ":cmd",
		Handler: a.showPrompt,
	})
	a.registry.AddGlobal(&keys.Action{
		Key: tcell.KeyRune, Rune: 'q', Description: "q:quit",
		Handler: a.Stop,
	})

	a.registry.AddView(pageChats, &keys.Action{
		Key: tcell.KeyRune, Rune: 'g', Description: "g:refresh",
		Handler: func() {
			a.async("refresh", func(ctx context.Context) error {
				return a.client.Engine.RefreshConversations(ctx)
			})
		},
	})

	a.registry.AddView(pageChat, &keys.Action{
		Key: tcell.KeyRune, Rune: 'i', Description: "i:write",
		Handler: func() { a.app.SetFocus(a.composer.InputField) },
	})
	a.registry.AddView(pageChat, &keys.Action{
		Key: tcell.KeyRune, Rune: 'e', Description: "e:edit",
		Handler: a.editSelected,
	})
	a.registry.AddView(pageChat, &keys.Action{
		Key: tcell.KeyRune, Rune: 'd', Description: "d:delete",
		Handler: a.deleteSelected,
	})
	a.registry.AddView(pageChat, &keys.Action{
		Key: tcell.KeyRune, Rune: 'R', Description: "R:resend",
		Handler: a.resendSelected,
	})
	a.registry.AddView(pageChat, &keys.Action{
		Key: tcell.KeyRune, Rune: 'm', Description: "m:older",
		Handler: func() {
			a.async("load history", func(ctx context.Context) error {
				return a.client.Engine.LoadMoreMessages(ctx)
			})
		},
	})
	a.registry.AddView(pageChat, &keys.Action{
		Key: tcell.KeyRune, Rune: 'r', Description: "r:read @",
		Handler: func() {
			a.async("mark mentions read", func(ctx context.Context) error {
				return a.client.Engine.MarkMentionsAsRead(ctx, "")
			})
		},
	})
}

func (a *App) setupCallbacks() {
	a.chatList.SetOnSelect(a.openConversation)

	a.composer.SetOnSend(func(text string) {
		conv, ok := a.client.Engine.SelectedConversation()
		if !ok {
			return
		}
		mentions := views.ExtractMentions(text, conv.Members)
		a.async("send", func(ctx context.Context) error {
			_, err := a.client.Engine.SendMessage(ctx, conv.ID, text, mentions, nil)
			return err
		})
	})
	a.composer.SetOnEdit(func(id, text string) {
		a.async("edit", func(ctx context.Context) error {
			_, err := a.client.Engine.UpdateMessage(ctx, id, text)
			return err
		})
		a.app.SetFocus(a.msgView)
	})
	a.composer.SetOnCancel(func() { a.app.SetFocus(a.msgView) })

	a.prompt.SetOnSubmit(func(text string) {
		a.hidePrompt()
		a.execute(ParseCommand(text))
	})
	a.prompt.SetOnCancel(a.hidePrompt)
}

func (a *App) setupLayout() {
	chatFlex := tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.msgView, 0, 1, true).
		AddItem(a.composer, 1, 0, false)

	a.pages.AddPage(pageChats, a.chatList, true, true)
	a.pages.AddPage(pageChat, chatFlex, true, false)

	a.root = tview.NewFlex().
		SetDirection(tview.FlexRow).
		AddItem(a.pages, 0, 1, true).
		AddItem(a.prompt, 0, 0, false).
		AddItem(a.statusBar, 1, 0, false)
	a.app.SetRoot(a.root, true)

	a.app.SetInputCapture(func(event *tcell.EventKey) *tcell.EventKey {
		// Text inputs own every key; they handle Esc themselves.
		if a.composer.HasFocus() || a.prompt.HasFocus() {
			return event
		}
		page, _ := a.pages.GetFrontPage()
		if event.Key() == tcell.KeyEscape && page == pageChat {
			a.closeConversation()
			return nil
		}
		if a.registry.HandleEvent(page, event) {
			return nil
		}
		return event
	})
	a.statusBar.SetHints(a.registry.Hints(pageChats))
}

func (a *App) openConversation(id string) {
	conv, _ := a.client.Engine.Conversation(id)
	a.composer.Reset()
	a.msgView.SetConversation(conv, true, "loading")
	a.msgView.Update(nil)
	a.pages.SwitchToPage(pageChat)
	a.app.SetFocus(a.msgView)
	a.statusBar.SetHints(a.registry.Hints(pageChat))
	a.async("open conversation", func(ctx context.Context) error {
		return a.client.Engine.SelectConversation(ctx, id)
	})
}

func (a *App) closeConversation() {
	a.client.Engine.Deselect()
	a.composer.Reset()
	a.pages.SwitchToPage(pageChats)
	a.app.SetFocus(a.chatList)
	a.statusBar.SetHints(a.registry.Hints(pageChats))
	a.refresh()
}

func (a *App) editSelected() {
	m, ok := a.msgView.Selected()
	switch {
	case !ok:
		return
	case m.SenderID != a.client.Engine.Self().UserID:
		a.notify(model.Warn, "only your own messages can be edited")
	case m.Lifecycle() == chat.Deleted:
		a.notify(model.Warn, "message was deleted")
	case m.IsTemp():
		a.notify(model.Warn, "message is not sent yet")
	default:
		a.composer.Edit(m.ID, m.Content)
		a.app.SetFocus(a.composer.InputField)
	}
}

func (a *App) deleteSelected() {
	m, ok := a.msgView.Selected()
	if !ok || m.Lifecycle() == chat.Deleted {
		return
	}
	a.async("delete", func(ctx context.Context) error {
		return a.client.Engine.DeleteMessage(ctx, m.ID)
	})
}

func (a *App) resendSelected() {
	m, ok := a.msgView.Selected()
	if !ok || m.Lifecycle() != chat.FailedL {
		return
	}
	a.async("resend", func(ctx context.Context) error {
		_, err := a.client.Engine.ResendMessage(ctx, m.ID)
		return err
	})
}

func (a *App) execute(cmd Command) {
	switch cmd.Name {
	case "":
	case "q", "quit":
		a.Stop()
	case "dm", "group":
		req, err := parseCreate(cmd)
		if err != nil {
			a.notify(model.Error, err.Error())
			return
		}
		go func() {
			ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
			defer cancel()
			conv, err := a.client.Engine.CreateConversation(ctx, req.kind, req.members, req.name)
			a.app.QueueUpdateDraw(func() {
				if err != nil {
					a.fail("create conversation", err)
					return
				}
				a.refresh()
				a.openConversation(conv.ID)
			})
		}()
	case "read":
		a.async("mark mentions read", func(ctx context.Context) error {
			return a.client.Engine.MarkMentionsAsRead(ctx, "")
		})
	case "edit":
		m, ok := a.msgView.Selected()
		if !ok || len(cmd.Args) == 0 {
			a.notify(model.Error, "usage: edit <text> (on a selected message)")
			return
		}
		text := cmd.Rest()
		a.async("edit", func(ctx context.Context) error {
			_, err := a.client.Engine.UpdateMessage(ctx, m.ID, text)
			return err
		})
	case "delete":
		a.deleteSelected()
	default:
		a.notify(model.Error, fmt.Sprintf("unknown command %q", cmd.Name))
	}
}

// async runs fn off the UI goroutine and reports its error as a flash.
// Successful results reach the screen through bus events.
func (a *App) async(op string, fn func(ctx context.Context) error) {
	go func() {
		ctx, cancel := context.WithTimeout(a.ctx, rpcTimeout)
		defer cancel()
		if err := fn(ctx); err != nil {
			a.app.QueueUpdateDraw(func() { a.fail(op, err) })
		}
	}()
}

func (a *App) fail(op string, err error) {
	a.logger.Warn("tui operation failed", zap.String("op", op), zap.Error(err))
	level := model.Error
	if chat.IsValidation(err) {
		level = model.Warn
	}
	a.notify(level, op+": "+err.Error())
}

func (a *App) notify(level model.Level, msg string) {
	a.flash.Set(level, msg, flashTTL)
	a.statusBar.Refresh()
}

func (a *App) showPrompt() {
	a.root.ResizeItem(a.prompt, 3, 0)
	a.app.SetFocus(a.prompt.InputField)
}

func (a *App) hidePrompt() {
	a.root.ResizeItem(a.prompt, 0, 0)
	if page, _ := a.pages.GetFrontPage(); page == pageChat {
		a.app.SetFocus(a.msgView)
		return
	}
	a.app.SetFocus(a.chatList)
}

// refresh re-renders every view from engine state. Must run on the UI goroutine.
func (a *App) refresh() {
	e := a.client.Engine
	a.chatList.Update(e.Conversations())
	if page, _ := a.pages.GetFrontPage(); page == pageChat {
		conv, ok := e.SelectedConversation()
		a.msgView.SetConversation(conv, ok, a.paging())
		a.msgView.Update(e.Messages())
	}
	a.statusBar.SetState(a.client.Machine.Current(), a.client.Machine.Since())
}

func (a *App) paging() string {
	e := a.client.Engine
	switch {
	case e.IsLoadingMessages():
		return "loading"
	case e.LoadError() != nil:
		return "load failed, m to retry"
	case e.HasMoreMessages():
		return "m for older"
	}
	return ""
}

// Run starts the TUI application.
func (a *App) Run() error {
	go a.refreshLoop()
	return a.app.Run()
}

// refreshLoop redraws on engine events, coalescing bursts into one draw,
// and once a second so flashes expire and the reconnect timer advances.
func (a *App) refreshLoop() {
	events, unsub := a.client.Bus.Subscribe("", 256)
	defer unsub()
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	a.app.QueueUpdateDraw(a.refresh)
	for {
		select {
		case <-a.ctx.Done():
			return
		case <-events:
			for drained := false; !drained; {
				select {
				case <-events:
				default:
					drained = true
				}
			}
			a.app.QueueUpdateDraw(a.refresh)
		case <-ticker.C:
			a.app.QueueUpdateDraw(a.statusBar.Refresh)
		}
	}
}

// Stop gracefully shuts down the TUI.
func (a *App) Stop() {
	a.cancel()
	a.app.Stop()
}
