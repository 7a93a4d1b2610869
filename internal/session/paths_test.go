package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestProfileDir(t *testing.T) {
	home, _ := os.UserHomeDir()
	got := ProfileDir("main")
	want := filepath.Join(home, ".chatsync", "profiles", "main")
	if got != want {
		t.Errorf("ProfileDir(main) = %q, want %q", got, want)
	}
}

func TestLogPath(t *testing.T) {
	got := LogPath("test", "chattui")
	if !strings.HasSuffix(got, filepath.Join("profiles", "test", "logs", "chattui.log")) {
		t.Errorf("LogPath(test, chattui) = %q, want suffix profiles/test/logs/chattui.log", got)
	}
}

func TestServerDBPath(t *testing.T) {
	if got := ServerDBPath("/var/lib/chatd"); got != "/var/lib/chatd/chatd.db" {
		t.Errorf("ServerDBPath = %q", got)
	}
}
