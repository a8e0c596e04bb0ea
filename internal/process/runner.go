// Package process builds the command lines for the three processes of a
// capture pipeline: the virtual display server, the capture browser and the
// encoder.
package process

import (
	"os/exec"
	"strings"
)

// Runner creates executable commands for one pipeline role.
// This interface allows the pipeline to be agnostic of the concrete binaries.
type Runner interface {
	// BuildCommand returns a ready-to-start command.
	// The command should NOT be started yet.
	BuildCommand() (*exec.Cmd, error)

	// Name returns the role this runner launches ("display", "browser", "encoder").
	Name() string
}

// Roles, in launch order.
const (
	RoleDisplay = "display"
	RoleBrowser = "browser"
	RoleEncoder = "encoder"
)

// commandString renders a binary and its arguments for debugging output.
func commandString(binary string, args []string) string {
	return binary + " " + strings.Join(args, " ")
}
