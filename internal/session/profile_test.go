package session

import (
	"testing"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
)

func TestProfile(t *testing.T) {
	work := &config.Config{Profile: "work"}
	tests := []struct {
		name    string
		flag    string
		cfg     *config.Config
		want    string
		wantErr bool
	}{
		{"flag wins", "alice-2", work, "alice-2", false},
		{"config", "", work, "work", false},
		{"no config", "", nil, DefaultProfile, false},
		{"empty config profile", "", &config.Config{}, DefaultProfile, false},
		{"underscore", "my_profile", nil, "my_profile", false},
		{"uppercase", "Main", nil, "", true},
		{"space", "my profile", nil, "", true},
		{"dot", "my.profile", nil, "", true},
		{"slash", "../etc", nil, "", true},
		{"leading hyphen", "-work", nil, "", true},
		{"bad config value", "", &config.Config{Profile: "Work"}, "", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Profile(tt.flag, tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Profile(%q) error = %v, wantErr %v", tt.flag, err, tt.wantErr)
			}
			if tt.wantErr && !chat.IsValidation(err) {
				t.Errorf("err = %T, want ValidationError", err)
			}
			if got != tt.want {
				t.Errorf("Profile(%q) = %q, want %q", tt.flag, got, tt.want)
			}
		})
	}
}
