//go:build windows

package control

import "ainb/multiplexer"

// Attach connects the caller's terminal to the target session. Windows has
// no process-image replacement, so this spawns the tmux client under a PTY
// and waits, which is user-visibly equivalent: the terminal is the
// session's until the user detaches.
func Attach(multiplexerName string) error {
	return multiplexer.Attached(multiplexerName).Attach()
}
