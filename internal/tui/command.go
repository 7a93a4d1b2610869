package tui

import (
	"fmt"
	"strings"

	"github.com/matheus3301/chatsync/internal/chat"
)

// Command represents a parsed command.
type Command struct {
	Name string
	Args []string
}

// ParseCommand parses a command string (without the leading ':').
func ParseCommand(input string) Command {
	fields := strings.Fields(input)
	if len(fields) == 0 {
		return Command{}
	}
	return Command{Name: strings.ToLower(fields[0]), Args: fields[1:]}
}

// Rest returns the arguments joined back into free text.
func (c Command) Rest() string {
	return strings.Join(c.Args, " ")
}

// createRequest is the argument set of :dm and :group.
type createRequest struct {
	kind    chat.Kind
	name    string
	members []string
}

// parseCreate validates ":dm <user>" and ":group <name> <user>...".
func parseCreate(cmd Command) (createRequest, error) {
	switch cmd.Name {
	case "dm":
		if len(cmd.Args) != 1 {
			return createRequest{}, fmt.Errorf("usage: dm <user>")
		}
		return createRequest{kind: chat.DM, members: cmd.Args}, nil
	case "group":
		if len(cmd.Args) < 2 {
			return createRequest{}, fmt.Errorf("usage: group <name> <user>...")
		}
		return createRequest{kind: chat.Group, name: cmd.Args[0], members: cmd.Args[1:]}, nil
	}
	return createRequest{}, fmt.Errorf("unknown command %q", cmd.Name)
}
