// Package model holds TUI state that is not owned by the sync engine.
package model

import (
	"sync"
	"time"

	"github.com/matheus3301/chatsync/internal/clock"
)

// Level grades a flash message.
type Level int

const (
	Info Level = iota
	Warn
	Error
)

// Flash holds one transient notification.
type Flash struct {
	mu      sync.RWMutex
	clock   clock.Clock
	message string
	level   Level
	expires time.Time
}

// NewFlash creates an empty flash. A nil clock uses wall time.
func NewFlash(clk clock.Clock) *Flash {
	if clk == nil {
		clk = clock.Real()
	}
	return &Flash{clock: clk}
}

// Set stores a message that expires after d.
func (f *Flash) Set(level Level, msg string, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.level = level
	f.expires = f.clock.Now().Add(d)
}

// Get returns the current message, or "" once it expired.
func (f *Flash) Get() (string, Level) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if !f.clock.Now().Before(f.expires) {
		return "", Info
	}
	return f.message, f.level
}
