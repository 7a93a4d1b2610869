package session

import (
	"fmt"
	"regexp"

	"github.com/matheus3301/chatsync/internal/chat"
	"github.com/matheus3301/chatsync/internal/config"
)

// DefaultProfile is used when neither the flag nor the config names one.
const DefaultProfile = "main"

// Profiles become directory names under the data dir, and a leading '-'
// would read as a flag in shell completions.
var profilePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]{0,63}$`)

// Profile picks the client profile for a run: the --profile flag, then the
// config file, then DefaultProfile.
func Profile(flag string, cfg *config.Config) (string, error) {
	name := DefaultProfile
	switch {
	case flag != "":
		name = flag
	case cfg != nil && cfg.Profile != "":
		name = cfg.Profile
	}
	if !profilePattern.MatchString(name) {
		return "", &chat.ValidationError{
			Field:  "profile",
			Reason: fmt.Sprintf("%q must start with a lowercase letter or digit and contain only [a-z0-9_-]", name),
		}
	}
	return name, nil
}
