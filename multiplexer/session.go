// Package multiplexer manages named, detached tmux sessions: one foreground
// command running in one working directory per session.
package multiplexer

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/creack/pty"
	"golang.org/x/term"
)

// SessionPrefix segregates managed sessions from the user's own tmux sessions.
const SessionPrefix = "tmux_"

var nonAlnumRegex = regexp.MustCompile(`[^A-Za-z0-9]+`)

func sanitizeName(name string) string {
	return SessionPrefix + nonAlnumRegex.ReplaceAllString(name, "_")
}

// SanitizedName returns the tmux session name a logical name would resolve
// to via New, without constructing a Session. The reconciler uses this to
// probe for an interactive session's tmux session by derived name.
func SanitizedName(logicalName string) string {
	return sanitizeName(logicalName)
}

// Exists probes for an existing tmux session with the given sanitized name,
// independent of any particular Session value.
func Exists(sanitizedName string) bool {
	cmd := exec.Command("tmux", "has-session", "-t", sanitizedName)
	return cmd.Run() == nil
}

// Session represents a managed tmux session.
type Session struct {
	sanitizedName string
	command       string

	cache *contentCache
}

// New constructs a Session for the given logical name and shell command. The
// name is sanitized and prefixed; command is whatever should run in the new
// pane (e.g. the agent CLI invocation, or "docker exec -it <cid> <cmd>" in
// Boss mode).
func New(name, command string) *Session {
	return &Session{
		sanitizedName: sanitizeName(name),
		command:       command,
		cache:         newContentCache(200 * time.Millisecond),
	}
}

// Attached wraps an already-sanitized tmux session name (as recovered from
// persisted metadata or a tmux listing) in a Session without re-deriving
// the name.
func Attached(sanitizedName string) *Session {
	return &Session{
		sanitizedName: sanitizedName,
		cache:         newContentCache(200 * time.Millisecond),
	}
}

// Name returns the sanitized, prefixed tmux session name.
func (s *Session) Name() string {
	return s.sanitizedName
}

// Start idempotently (re)creates the session: an existing session of the
// same name is killed first so Start is deterministic.
func (s *Session) Start(workdir string) error {
	_ = s.Cleanup()

	args := []string{"new-session", "-d", "-s", s.sanitizedName, "-c", workdir, s.command}
	cmd := exec.Command("tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("error creating tmux session: %w: %s", err, strings.TrimSpace(string(out)))
	}

	timeout := time.After(5 * time.Second)
	sleep := 10 * time.Millisecond
	for !s.DoesSessionExist() {
		select {
		case <-timeout:
			return fmt.Errorf("timed out waiting for tmux session %s (ensure tmux is installed)", s.sanitizedName)
		default:
			time.Sleep(sleep)
			if sleep < 100*time.Millisecond {
				sleep *= 2
			}
		}
	}
	return nil
}

// DoesSessionExist reports whether a tmux session of this name exists.
func (s *Session) DoesSessionExist() bool {
	cmd := exec.Command("tmux", "has-session", "-t", s.sanitizedName)
	return cmd.Run() == nil
}

// CaptureOptions controls a pane capture.
type CaptureOptions struct {
	StartLine              *int
	EndLine                *int
	IncludeEscapeSequences bool
	JoinWrappedLines       bool
}

// Capture runs tmux capture-pane with the given options.
func (s *Session) Capture(opts CaptureOptions) (string, error) {
	args := []string{"capture-pane", "-p", "-t", s.sanitizedName}
	if opts.IncludeEscapeSequences {
		args = append(args, "-e")
	}
	if opts.JoinWrappedLines {
		args = append(args, "-J")
	}
	if opts.StartLine != nil {
		args = append(args, "-S", strconv.Itoa(*opts.StartLine))
	}
	if opts.EndLine != nil {
		args = append(args, "-E", strconv.Itoa(*opts.EndLine))
	}

	cmd := exec.Command("tmux", args...)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("error capturing tmux pane: %w", err)
	}
	return string(out), nil
}

// CaptureVisible returns the current pane's visible content, cached briefly
// to reduce redundant captures during polling.
func (s *Session) CaptureVisible() (string, error) {
	if content, ok := s.cache.Get(); ok {
		return content, nil
	}
	content, err := s.Capture(CaptureOptions{})
	if err != nil {
		return "", err
	}
	s.cache.Set(content)
	return content, nil
}

// CaptureFullHistory returns the pane's entire scrollback.
func (s *Session) CaptureFullHistory() (string, error) {
	cmd := exec.Command("tmux", "capture-pane", "-p", "-S", "-", "-t", s.sanitizedName)
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("error capturing tmux full history: %w", err)
	}
	return string(out), nil
}

// SendKeys types literal text (not a shell command) into the session's
// active pane.
func (s *Session) SendKeys(literal string) error {
	s.cache.Invalidate()
	cmd := exec.Command("tmux", "send-keys", "-t", s.sanitizedName, "-l", literal)
	return cmd.Run()
}

// TapEnter sends a carriage return, e.g. to submit a line sent via SendKeys.
func (s *Session) TapEnter() error {
	s.cache.Invalidate()
	cmd := exec.Command("tmux", "send-keys", "-t", s.sanitizedName, "Enter")
	return cmd.Run()
}

// Cleanup idempotently kills the session by name.
func (s *Session) Cleanup() error {
	if !s.DoesSessionExist() {
		return nil
	}
	cmd := exec.Command("tmux", "kill-session", "-t", s.sanitizedName)
	return cmd.Run()
}

// Attach connects the caller's terminal to the session via a PTY in raw
// mode, copying bytes in both directions until the tmux client exits (the
// user detaches with tmux's own prefix key, or the session is killed).
func (s *Session) Attach() error {
	cmd := exec.Command("tmux", "attach-session", "-t", s.sanitizedName)

	ptmx, err := pty.Start(cmd)
	if err != nil {
		return fmt.Errorf("error opening PTY: %w", err)
	}
	defer ptmx.Close()

	if cols, rows, err := term.GetSize(int(os.Stdin.Fd())); err == nil {
		_ = pty.Setsize(ptmx, &pty.Winsize{Rows: uint16(rows), Cols: uint16(cols)})
	}

	stdinFd := int(os.Stdin.Fd())
	oldState, err := term.MakeRaw(stdinFd)
	if err != nil {
		return fmt.Errorf("error entering raw terminal mode: %w", err)
	}
	defer term.Restore(stdinFd, oldState)

	go func() { _, _ = io.Copy(ptmx, os.Stdin) }()
	_, _ = io.Copy(os.Stdout, ptmx)

	return cmd.Wait()
}

// PanePID returns the shell PID of the session's active pane.
func (s *Session) PanePID() (int, error) {
	out, err := exec.Command("tmux", "list-panes", "-t", s.sanitizedName, "-F", "#{pane_pid}").Output()
	if err != nil {
		return 0, fmt.Errorf("error listing tmux panes: %w", err)
	}
	first := strings.SplitN(strings.TrimSpace(string(out)), "\n", 2)[0]
	pid, err := strconv.Atoi(first)
	if err != nil {
		return 0, fmt.Errorf("unexpected pane pid %q: %w", first, err)
	}
	return pid, nil
}

// AgentRunning reports whether the pane's foreground command still has a
// live child process, i.e. the agent CLI has not exited back to the shell.
func (s *Session) AgentRunning() bool {
	pid, err := s.PanePID()
	if err != nil {
		return false
	}
	return exec.Command("pgrep", "-P", strconv.Itoa(pid)).Run() == nil
}

// IsAvailable reports whether tmux is installed and runnable.
func IsAvailable() bool {
	return exec.Command("tmux", "-V").Run() == nil
}

// CleanupSessions kills every managed (prefixed) tmux session. Used by
// `ainb reset`.
func CleanupSessions() error {
	cmd := exec.Command("tmux", "list-sessions", "-F", "#{session_name}")
	out, err := cmd.Output()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok && exitErr.ExitCode() == 1 {
			return nil // no server running / no sessions
		}
		return fmt.Errorf("failed to list tmux sessions: %w", err)
	}

	for _, name := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if strings.HasPrefix(name, SessionPrefix) {
			if err := exec.Command("tmux", "kill-session", "-t", name).Run(); err != nil {
				return fmt.Errorf("failed to kill tmux session %s: %w", name, err)
			}
		}
	}
	return nil
}
