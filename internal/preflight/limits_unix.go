//go:build unix

package preflight

import (
	"fmt"
	"syscall"
)

// checkFileDescriptors warns when the soft limit is too low for three
// processes plus the browser's helpers.
func checkFileDescriptors() Check {
	const recommended = 4096

	var limit syscall.Rlimit
	if err := syscall.Getrlimit(syscall.RLIMIT_NOFILE, &limit); err != nil {
		return Check{
			Name:    "file_descriptors",
			Passed:  true,
			Warning: true,
			Message: "unable to check: " + err.Error(),
		}
	}

	actual := limit.Cur
	return Check{
		Name:    "file_descriptors",
		Passed:  true,
		Warning: actual < recommended,
		Message: fmt.Sprintf("ulimit -n %d (recommend %d)", actual, recommended),
	}
}
