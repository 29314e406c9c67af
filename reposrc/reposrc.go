// Package reposrc classifies a user-supplied repository reference and
// produces its canonical clone URL and {host, owner, repo} identity.
package reposrc

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ErrInvalidURL is returned for empty or unparseable input.
var ErrInvalidURL = errors.New("invalid repo source")

// ErrPathNotFound is returned when a referenced local path must exist and doesn't.
var ErrPathNotFound = errors.New("local path not found")

// Kind tags the RepoSource variant.
type Kind int

const (
	KindHTTPS Kind = iota
	KindSSH
	KindLocalPath
	KindGithubShorthand
)

// Source is a classified repository reference. Exactly one of the fields is
// meaningful for a given Kind: Value for HTTPS/SSH/LocalPath, Owner+Repo
// for GithubShorthand.
type Source struct {
	Kind  Kind
	Value string // HttpsUrl / SshUrl / LocalPath raw value
	Owner string // GithubShorthand only
	Repo  string // GithubShorthand only
}

// Identity is the canonical {host, owner, repo_name} extracted from a Source.
type Identity struct {
	Host  string
	Owner string
	Repo  string
}

// Resolve classifies a single user-provided string into a Source: trim
// whitespace, reject empty, then match in order HTTPS/HTTP, SSH, local
// path, GitHub shorthand, bare domain URL, else local path.
func Resolve(input string) (Source, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return Source{}, fmt.Errorf("%w: empty input", ErrInvalidURL)
	}

	if strings.HasPrefix(input, "https://") || strings.HasPrefix(input, "http://") {
		return Source{Kind: KindHTTPS, Value: normalizeURL(input)}, nil
	}

	if strings.HasPrefix(input, "git@") || strings.HasPrefix(input, "ssh://") {
		return Source{Kind: KindSSH, Value: input}, nil
	}

	if strings.HasPrefix(input, "/") || strings.HasPrefix(input, "~") {
		return Source{Kind: KindLocalPath, Value: expandTilde(input)}, nil
	}

	if !strings.Contains(input, " ") &&
		strings.Count(input, "/") == 1 &&
		!strings.Contains(input, ":") &&
		!strings.Contains(strings.TrimSuffix(input, ".git"), ".") {
		parts := strings.SplitN(input, "/", 2)
		if parts[0] != "" && parts[1] != "" {
			return Source{
				Kind:  KindGithubShorthand,
				Owner: parts[0],
				Repo:  strings.TrimSuffix(parts[1], ".git"),
			}, nil
		}
	}

	if strings.Contains(input, "/") && strings.Contains(input, ".") && !strings.HasPrefix(input, ".") {
		return Source{Kind: KindHTTPS, Value: normalizeURL("https://" + input)}, nil
	}

	return Source{Kind: KindLocalPath, Value: expandTilde(input)}, nil
}

// IsRemote reports whether cloning is required to materialize this source.
func (s Source) IsRemote() bool {
	return s.Kind == KindHTTPS || s.Kind == KindSSH || s.Kind == KindGithubShorthand
}

// CloneURL returns the canonical clone URL: HTTPS/shorthand gain a trailing
// ".git" if absent; SSH is returned as-is; local returns the path string.
func (s Source) CloneURL() string {
	switch s.Kind {
	case KindHTTPS:
		return ensureDotGit(s.Value)
	case KindSSH:
		return s.Value
	case KindGithubShorthand:
		return ensureDotGit(fmt.Sprintf("https://github.com/%s/%s", s.Owner, s.Repo))
	default:
		return s.Value
	}
}

// Identity extracts {host, owner, repo_name} by stripping protocol, trimming
// ".git", and splitting on "/" (SSH permits ":" as the host/path separator).
func (s Source) Identity() (Identity, error) {
	switch s.Kind {
	case KindGithubShorthand:
		return Identity{Host: "github.com", Owner: s.Owner, Repo: s.Repo}, nil
	case KindLocalPath:
		return Identity{}, fmt.Errorf("%w: local paths have no host/owner identity", ErrInvalidURL)
	}

	raw := s.Value
	raw = strings.TrimPrefix(raw, "https://")
	raw = strings.TrimPrefix(raw, "http://")
	raw = strings.TrimPrefix(raw, "ssh://")
	raw = strings.TrimPrefix(raw, "git@")
	raw = strings.TrimSuffix(raw, ".git")
	raw = strings.TrimSuffix(raw, "/")

	// SSH shorthand: host:owner/repo
	raw = strings.Replace(raw, ":", "/", 1)

	parts := strings.Split(raw, "/")
	if len(parts) < 3 {
		return Identity{}, fmt.Errorf("%w: cannot extract host/owner/repo from %q", ErrInvalidURL, s.Value)
	}
	host := parts[0]
	owner := parts[len(parts)-2]
	repo := parts[len(parts)-1]
	return Identity{Host: host, Owner: owner, Repo: repo}, nil
}

// CheckLocalPath verifies a LocalPath source exists on disk.
func (s Source) CheckLocalPath() error {
	if s.Kind != KindLocalPath {
		return nil
	}
	if _, err := os.Stat(s.Value); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", ErrPathNotFound, s.Value)
		}
		return err
	}
	return nil
}

func normalizeURL(u string) string {
	return strings.TrimSuffix(u, "/")
}

func ensureDotGit(u string) string {
	if strings.HasSuffix(u, ".git") {
		return u
	}
	return u + ".git"
}

func expandTilde(p string) string {
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return p
		}
		if p == "~" {
			return home
		}
		return filepath.Join(home, strings.TrimPrefix(p, "~/"))
	}
	return p
}
