package computer

import (
	"fmt"
	"regexp"
)

var namePattern = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

// Identity is the stable composite key of one computer: the workspace
// (tenant) it belongs to and its own id. It deterministically derives
// every remote object name and label; uniqueness is enforced by the
// platform's naming, not here.
type Identity struct {
	Workspace string
	Computer  string
}

func (id Identity) String() string {
	return id.Workspace + "/" + id.Computer
}

// Validate checks both parts are usable as DNS-1123 name segments, since
// they end up in namespace, pod, and volume names.
func (id Identity) Validate() error {
	if !namePattern.MatchString(id.Workspace) {
		return &ValidationError{Msg: fmt.Sprintf("workspace id %q must be DNS-1123 compatible (lowercase letters, numbers, '-')", id.Workspace)}
	}
	if !namePattern.MatchString(id.Computer) {
		return &ValidationError{Msg: fmt.Sprintf("computer id %q must be DNS-1123 compatible (lowercase letters, numbers, '-')", id.Computer)}
	}
	return nil
}
