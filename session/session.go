// Package session holds the data model shared across the orchestrator's
// lifecycle components: the Session/Workspace views produced by the
// reconciler and consumed by the control surface, and the status value
// derived from container/multiplexer evidence.
package session

import (
	"time"

	"github.com/google/uuid"
)

// Status is a session's derived run state. The zero value is Unknown and is
// never produced by the reconciler; it exists only to catch a forgotten
// assignment.
type Status int

const (
	StatusUnknown Status = iota
	StatusRunning
	StatusStopped
	StatusError
)

func (s Status) String() string {
	switch s {
	case StatusRunning:
		return "running"
	case StatusStopped:
		return "stopped"
	case StatusError:
		return "error"
	default:
		return "unknown"
	}
}

// Mode is SessionMode: Boss (containerized) or Interactive (multiplexer-only).
type Mode string

const (
	ModeBoss        Mode = "boss"
	ModeInteractive Mode = "interactive"
)

// Session is one {worktree, multiplexer session, optionally container}
// triple driven by an agent CLI.
type Session struct {
	ID              uuid.UUID
	ContainerID     string // empty when Mode == Interactive
	BranchName      string
	WorktreePath    string
	Mode            Mode
	Status          Status
	ErrorDetail     string // set when Status == StatusError
	MultiplexerName string
	CreatedAt       time.Time
}

// Workspace groups sessions by the source repository they were created
// from. Derived at reconcile time; never persisted.
type Workspace struct {
	Name             string
	SourceRepository string
	Sessions         []Session
}
