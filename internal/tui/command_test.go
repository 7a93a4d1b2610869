package tui

import (
	"slices"
	"testing"

	"github.com/matheus3301/chatsync/internal/chat"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		input    string
		wantName string
		wantArgs []string
	}{
		{"quit", "quit", nil},
		{"  DM  bob ", "dm", []string{"bob"}},
		{"group team alice bob", "group", []string{"team", "alice", "bob"}},
		{"edit fixed   typo", "edit", []string{"fixed", "typo"}},
		{"", "", nil},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			cmd := ParseCommand(tt.input)
			if cmd.Name != tt.wantName {
				t.Errorf("Name = %q, want %q", cmd.Name, tt.wantName)
			}
			if !slices.Equal(cmd.Args, tt.wantArgs) {
				t.Errorf("Args = %v, want %v", cmd.Args, tt.wantArgs)
			}
		})
	}
}

func TestParseCreate(t *testing.T) {
	tests := []struct {
		input   string
		want    createRequest
		wantErr bool
	}{
		{input: "dm bob", want: createRequest{kind: chat.DM, members: []string{"bob"}}},
		{input: "dm bob carol", wantErr: true},
		{input: "dm", wantErr: true},
		{input: "group team bob", want: createRequest{kind: chat.Group, name: "team", members: []string{"bob"}}},
		{input: "group team", wantErr: true},
		{input: "read", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			got, err := parseCreate(ParseCommand(tt.input))
			if tt.wantErr {
				if err == nil {
					t.Fatalf("expected error, got %+v", got)
				}
				return
			}
			if err != nil {
				t.Fatal(err)
			}
			if got.kind != tt.want.kind || got.name != tt.want.name || !slices.Equal(got.members, tt.want.members) {
				t.Errorf("got %+v, want %+v", got, tt.want)
			}
		})
	}
}
