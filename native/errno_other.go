//go:build !unix

package native

import "fmt"

// ErrorText formats a platform error code as text.
func ErrorText(code int32) string {
	return fmt.Sprintf("error %d", code)
}
