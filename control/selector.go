package control

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"ainb/store"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a selector matches no persisted session.
var ErrNotFound = errors.New("session not found")

// AmbiguousError is returned when a selector matches more than one session.
// Candidates holds the matching multiplexer session names so the caller can
// render them as a disambiguation hint.
type AmbiguousError struct {
	Selector   string
	Candidates []string
}

func (e *AmbiguousError) Error() string {
	return fmt.Sprintf("selector %q is ambiguous: matches %s", e.Selector, strings.Join(e.Candidates, ", "))
}

// ResolveSelector maps a user-supplied selector to a unique persisted
// session record. Resolution order: full UUID, then UUID prefix, then
// workspace-name match, all case-insensitive. A prefix or name matching
// more than one record yields an AmbiguousError.
func ResolveSelector(s *store.Store, selector string) (store.Metadata, error) {
	selector = strings.ToLower(strings.TrimSpace(selector))
	if selector == "" {
		return store.Metadata{}, fmt.Errorf("%w: empty selector", ErrNotFound)
	}

	if id, err := uuid.Parse(selector); err == nil {
		if m, ok := s.FindBySessionID(id); ok {
			return m, nil
		}
		return store.Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, selector)
	}

	var matches []store.Metadata
	for _, m := range s.Sessions {
		if strings.HasPrefix(strings.ToLower(m.SessionID.String()), selector) {
			matches = append(matches, m)
		}
	}
	if len(matches) == 0 {
		for _, m := range s.Sessions {
			if strings.EqualFold(m.WorkspaceName, selector) {
				matches = append(matches, m)
			}
		}
	}

	switch len(matches) {
	case 0:
		return store.Metadata{}, fmt.Errorf("%w: %s", ErrNotFound, selector)
	case 1:
		return matches[0], nil
	default:
		names := make([]string, len(matches))
		for i, m := range matches {
			names[i] = fmt.Sprintf("%s (%s)", m.MultiplexerSessionName, m.SessionID)
		}
		sort.Strings(names)
		return store.Metadata{}, &AmbiguousError{Selector: selector, Candidates: names}
	}
}
