package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/matheus3301/chatsync/internal/bus"
	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/client"
	intsync "github.com/matheus3301/chatsync/internal/sync"
	"github.com/spf13/cobra"
)

const requestTimeout = 15 * time.Second

// run connects, runs fn with a bounded context and closes the client.
func (g *globals) run(fn func(ctx context.Context, c *client.Client) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	c, err := g.connect(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()
	return fn(ctx, c)
}

func conversationsCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:     "conversations",
		Aliases: []string{"ls"},
		Short:   "List conversations, most recent activity first",
		Args:    cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			return g.run(func(_ context.Context, c *client.Client) error {
				convs := c.Engine.Conversations()
				self := c.Engine.Self().UserID
				g.output(convs, func() {
					if len(convs) == 0 {
						fmt.Println("No conversations.")
						return
					}
					for _, cv := range convs {
						fmt.Println(formatConversation(cv, self))
					}
				})
				return nil
			})
		},
	}
}

func createCmd(g *globals) *cobra.Command {
	var (
		group bool
		name  string
	)
	cmd := &cobra.Command{
		Use:   "create <user>...",
		Short: "Create a DM, or a group with --group",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			kind := chat.DM
			if group {
				kind = chat.Group
			}
			return g.run(func(ctx context.Context, c *client.Client) error {
				cv, err := c.Engine.CreateConversation(ctx, kind, args, name)
				if err != nil {
					return err
				}
				g.output(cv, func() { fmt.Println(formatConversation(cv, c.Engine.Self().UserID)) })
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&group, "group", false, "create a group conversation")
	cmd.Flags().StringVar(&name, "name", "", "group name")
	return cmd
}

func historyCmd(g *globals) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history <conversation-id>",
		Short: "Print the history of a conversation, oldest first",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				if err := c.Engine.SelectConversation(ctx, args[0]); err != nil {
					return err
				}
				for c.Engine.HasMoreMessages() && (limit <= 0 || len(c.Engine.Messages()) < limit) {
					if err := c.Engine.LoadMoreMessages(ctx); err != nil {
						return err
					}
				}
				msgs := c.Engine.Messages()
				if limit > 0 && len(msgs) > limit {
					msgs = msgs[len(msgs)-limit:]
				}
				g.output(msgs, func() {
					for _, m := range msgs {
						fmt.Println(formatMessage(m))
					}
				})
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "print at most the latest n messages (0 = all)")
	return cmd
}

func sendCmd(g *globals) *cobra.Command {
	var mentions []string
	cmd := &cobra.Command{
		Use:   "send <conversation-id> <text>...",
		Short: "Send a message",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				m, err := c.Engine.SendMessage(ctx, args[0], strings.Join(args[1:], " "), mentions, nil)
				if err != nil {
					return err
				}
				g.output(m, func() { fmt.Println(formatMessage(m)) })
				return nil
			})
		},
	}
	cmd.Flags().StringSliceVar(&mentions, "mention", nil, "mentioned user id (repeatable)")
	return cmd
}

func editCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "edit <conversation-id> <message-id> <text>...",
		Short: "Edit one of your messages",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				if err := locate(ctx, c.Engine, args[0], args[1]); err != nil {
					return err
				}
				m, err := c.Engine.UpdateMessage(ctx, args[1], strings.Join(args[2:], " "))
				if err != nil {
					return err
				}
				g.output(m, func() { fmt.Println(formatMessage(m)) })
				return nil
			})
		},
	}
}

func deleteCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <conversation-id> <message-id>",
		Short: "Delete one of your messages",
		Args:  cobra.ExactArgs(2),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				if err := locate(ctx, c.Engine, args[0], args[1]); err != nil {
					return err
				}
				if err := c.Engine.DeleteMessage(ctx, args[1]); err != nil {
					return err
				}
				g.output(map[string]string{"deleted": args[1]}, func() { fmt.Printf("Deleted %s\n", args[1]) })
				return nil
			})
		},
	}
}

func readCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "read <conversation-id>",
		Short: "Mark a conversation and its mentions as read",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return g.run(func(ctx context.Context, c *client.Client) error {
				if _, ok := c.Engine.Conversation(args[0]); !ok {
					return &chat.UnknownReferenceError{ConversationID: args[0]}
				}
				if err := c.Engine.MarkConversationViewed(ctx, args[0]); err != nil {
					return err
				}
				return c.Engine.MarkMentionsAsRead(ctx, args[0])
			})
		},
	}
}

func tailCmd(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "tail <conversation-id>",
		Short: "Print a conversation and follow changes until interrupted",
		Args:  cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			startCtx, cancel := context.WithTimeout(ctx, requestTimeout)
			c, err := g.connect(startCtx)
			if err != nil {
				cancel()
				return err
			}
			defer func() { _ = c.Close() }()

			events, unsub := c.Bus.Subscribe("message.", 256)
			defer unsub()
			err = c.Engine.SelectConversation(startCtx, args[0])
			cancel()
			if err != nil {
				return err
			}

			printed := make(map[string]string)
			flush := func() {
				for _, m := range c.Engine.MessagesOf(args[0]) {
					line := formatMessage(m)
					if printed[m.ID] == line {
						continue
					}
					printed[m.ID] = line
					if g.jsonOut {
						g.output(m, nil)
					} else {
						fmt.Println(line)
					}
				}
			}
			flush()
			for {
				select {
				case <-ctx.Done():
					return nil
				case evt := <-events:
					if evt.ConversationID == args[0] || evt.Kind == bus.MessageSendAck {
						flush()
					}
				}
			}
		},
	}
}

// locate pages the conversation until messageID is in the local log, which
// edits and deletes require.
func locate(ctx context.Context, e *intsync.Engine, conversationID, messageID string) error {
	if err := e.SelectConversation(ctx, conversationID); err != nil {
		return err
	}
	for {
		for _, m := range e.MessagesOf(conversationID) {
			if m.ID == messageID {
				return nil
			}
		}
		if !e.HasMoreMessages() {
			return &chat.UnknownReferenceError{ConversationID: conversationID, MessageID: messageID}
		}
		if err := e.LoadMoreMessages(ctx); err != nil {
			return err
		}
	}
}

func formatConversation(c chat.Conversation, self string) string {
	var flags []string
	if c.UnreadCount > 0 {
		flags = append(flags, fmt.Sprintf("%d unread", c.UnreadCount))
	}
	if c.HasUnreadMention {
		flags = append(flags, "@")
	}
	line := fmt.Sprintf("%-36s %-5s %s", c.ID, c.Kind, c.Title(self))
	if len(flags) > 0 {
		line += " [" + strings.Join(flags, ", ") + "]"
	}
	if c.LastMessage != nil {
		line += "\n    " + formatMessage(*c.LastMessage)
	}
	return line
}

func formatMessage(m chat.Message) string {
	ts := m.CreatedAt.Local().Format("2006-01-02 15:04")
	var body string
	switch m.Lifecycle() {
	case chat.Deleted:
		body = "(message deleted)"
	case chat.Edited:
		body = m.Content + " (edited)"
	case chat.NotSent:
		body = m.Content + " (sending)"
	case chat.FailedL:
		body = m.Content + " (failed)"
	default:
		body = m.Content
	}
	if len(m.Attachments) > 0 {
		body += fmt.Sprintf(" [%d attachment(s)]", len(m.Attachments))
	}
	return fmt.Sprintf("%s %s %s: %s", ts, m.ID, m.SenderID, body)
}
