//go:build unix

package native

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// ErrorText formats a platform error code as text.
func ErrorText(code int32) string {
	errno := unix.Errno(code)
	if name := unix.ErrnoName(errno); name != "" {
		return fmt.Sprintf("%s: %s", name, errno.Error())
	}
	return errno.Error()
}
