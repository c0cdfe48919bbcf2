//go:build !windows

package daemon

import "syscall"

// DetachSysProcAttr starts the child in its own session so it survives the
// launching terminal.
func DetachSysProcAttr() *syscall.SysProcAttr {
	return &syscall.SysProcAttr{Setsid: true}
}
