package session

import (
	"fmt"
	"regexp"

	appErrors "github.com/matheus3301/matchsync/pkg/errors"
)

// MaxNameLen bounds a session name.
const MaxNameLen = 64

// Names become directory and socket names under the matchsync home.
var namePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_-]*$`)

// ValidateName reports whether name can label a matchsync profile: lower-case
// letters, digits, '-' and '_', starting with a letter or digit.
func ValidateName(name string) error {
	switch {
	case name == "":
		return appErrors.InvalidArg("session name is empty")
	case len(name) > MaxNameLen:
		return appErrors.InvalidArg(fmt.Sprintf("session name %q exceeds %d characters", name, MaxNameLen))
	case !namePattern.MatchString(name):
		return appErrors.InvalidArg(fmt.Sprintf("invalid session name %q: use a-z, 0-9, '-' or '_', starting with a letter or digit", name))
	}
	return nil
}
