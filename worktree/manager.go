// Package worktree manages git worktrees on derived branches, one per
// session, under a fixed per-user base directory.
package worktree

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/google/uuid"
)

var (
	ErrRepoNotFound     = errors.New("repository not found")
	ErrBranchExists     = errors.New("branch already exists")
	ErrWorktreeExists   = errors.New("worktree already exists")
	ErrWorktreeNotFound = errors.New("worktree not found")
)

// Info describes one live worktree.
type Info struct {
	SessionID        uuid.UUID
	SourceRepository string
	Path             string
	BranchName       string
	BaseCommitSHA    string

	diffCacheMu       sync.Mutex
	cachedDiffStats   *DiffStats
	diffCacheTime     time.Time
	diffCacheDuration time.Duration
}

// Manager creates, locates, and removes worktrees under baseDir. A Manager
// serializes `git worktree add` invocations per source repository, since
// concurrent worktree creation against the same repo races on git's index
// lock.
type Manager struct {
	baseDir string

	repoLocksMu sync.Mutex
	repoLocks   map[string]*sync.Mutex
}

// NewManager constructs a Manager rooted at baseDir (created on first use).
func NewManager(baseDir string) *Manager {
	return &Manager{
		baseDir:   baseDir,
		repoLocks: make(map[string]*sync.Mutex),
	}
}

func (m *Manager) lockFor(repoPath string) *sync.Mutex {
	m.repoLocksMu.Lock()
	defer m.repoLocksMu.Unlock()
	l, ok := m.repoLocks[repoPath]
	if !ok {
		l = &sync.Mutex{}
		m.repoLocks[repoPath] = l
	}
	return l
}

// dirName computes the `<repo-name>--<short-hash-of-branch>--<first-8-of-session-id>`
// worktree directory name. The branch hash disambiguates identical branch
// names across sessions; the session-id suffix guarantees uniqueness.
func dirName(repoName, branchName string, sessionID uuid.UUID) string {
	sum := sha256.Sum256([]byte(branchName))
	branchHash := fmt.Sprintf("%x", sum)[:8]
	shortID := strings.ReplaceAll(sessionID.String(), "-", "")[:8]
	return fmt.Sprintf("%s--%s--%s", repoName, branchHash, shortID)
}

// Create creates a branch (from base if given, else current HEAD) and adds a
// worktree checked out to it. On worktree-add failure, a freshly created
// branch is reverted so the operation is atomic as a whole.
func (m *Manager) Create(sessionID uuid.UUID, sourceRepo, branchName, base string) (*Info, error) {
	repoRoot, err := findGitRepoRoot(sourceRepo)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRepoNotFound, err)
	}
	branchName = sanitizeBranchName(branchName)

	lock := m.lockFor(repoRoot)
	lock.Lock()
	defer lock.Unlock()

	if err := os.MkdirAll(m.baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create worktree base directory: %w", err)
	}

	repo, err := git.PlainOpen(repoRoot)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrRepoNotFound, err)
	}

	branchRef := plumbing.NewBranchReferenceName(branchName)
	if _, err := repo.Reference(branchRef, false); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrBranchExists, branchName)
	}

	repoName := filepath.Base(repoRoot)
	name := dirName(repoName, branchName, sessionID)
	worktreePath := filepath.Join(m.baseDir, name)

	if _, err := os.Stat(worktreePath); err == nil {
		return nil, fmt.Errorf("%w: %s", ErrWorktreeExists, worktreePath)
	}

	var baseCommit string
	if base != "" {
		out, err := runGitCommand(repoRoot, "rev-parse", base)
		if err != nil {
			return nil, fmt.Errorf("failed to resolve base %q: %w", base, err)
		}
		baseCommit = strings.TrimSpace(out)
	} else {
		out, err := runGitCommand(repoRoot, "rev-parse", "HEAD")
		if err != nil {
			return nil, fmt.Errorf("this appears to be a brand new repository: please create an initial commit first: %w", err)
		}
		baseCommit = strings.TrimSpace(out)
	}

	if _, err := runGitCommand(repoRoot, "branch", branchName, baseCommit); err != nil {
		return nil, fmt.Errorf("failed to create branch %s: %w", branchName, err)
	}

	if _, err := runGitCommand(repoRoot, "worktree", "add", worktreePath, branchName); err != nil {
		// revert the branch we just created so Create is atomic overall.
		_, _ = runGitCommand(repoRoot, "branch", "-D", branchName)
		return nil, fmt.Errorf("failed to create worktree from branch %s: %w", branchName, err)
	}

	return &Info{
		SessionID:        sessionID,
		SourceRepository: repoRoot,
		Path:             worktreePath,
		BranchName:       branchName,
		BaseCommitSHA:    baseCommit,
	}, nil
}

// GetWorktreeInfo locates a worktree by matching the `--<first-8-of-session-id>`
// suffix against directory names under the base directory.
func (m *Manager) GetWorktreeInfo(sessionID uuid.UUID) (*Info, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrWorktreeNotFound
		}
		return nil, err
	}

	shortID := strings.ReplaceAll(sessionID.String(), "-", "")[:8]
	suffix := "--" + shortID
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		if strings.HasSuffix(e.Name(), suffix) {
			return m.infoFromDir(sessionID, e.Name())
		}
	}
	return nil, ErrWorktreeNotFound
}

// ListAllWorktrees scans the base directory and recovers each entry's
// session-id suffix. Only the first 8 hex characters of the session id can
// be recovered from the directory name alone; callers that need the full
// UUID must cross-reference persisted metadata by that prefix.
func (m *Manager) ListAllWorktrees() ([]*Info, error) {
	entries, err := os.ReadDir(m.baseDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var infos []*Info
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		parts := strings.Split(e.Name(), "--")
		if len(parts) != 3 {
			continue
		}
		shortID := parts[2]
		info, err := m.infoFromDir(uuid.Nil, e.Name())
		if err != nil {
			continue
		}
		info.SessionID = shortIDToNilUUID(shortID)
		infos = append(infos, info)
	}
	return infos, nil
}

// shortIDToNilUUID packs an 8-hex-char prefix into the first 4 bytes of an
// otherwise-nil UUID. Callers resolve the real UUID by prefix match against
// persisted metadata; this value exists so Info.SessionID is never blank.
func shortIDToNilUUID(shortID string) uuid.UUID {
	var u uuid.UUID
	copy(u[:], shortIDBytes(shortID))
	return u
}

func shortIDBytes(s string) []byte {
	out := make([]byte, 0, len(s)/2)
	for i := 0; i+1 < len(s); i += 2 {
		var b byte
		fmt.Sscanf(s[i:i+2], "%02x", &b)
		out = append(out, b)
	}
	return out
}

func (m *Manager) infoFromDir(sessionID uuid.UUID, dirEntryName string) (*Info, error) {
	worktreePath := filepath.Join(m.baseDir, dirEntryName)

	// The common git dir of a linked worktree is the source repository's
	// .git directory; its parent is the source repository root.
	out, err := runGitCommand(worktreePath, "rev-parse", "--git-common-dir")
	branchName := ""
	sourceRepo := ""
	if err == nil {
		commonDir := strings.TrimSpace(out)
		if !filepath.IsAbs(commonDir) {
			commonDir = filepath.Join(worktreePath, commonDir)
		}
		sourceRepo = filepath.Dir(commonDir)
	}
	if b, berr := runGitCommand(worktreePath, "rev-parse", "--abbrev-ref", "HEAD"); berr == nil {
		branchName = strings.TrimSpace(b)
	}

	return &Info{
		SessionID:        sessionID,
		SourceRepository: sourceRepo,
		Path:             worktreePath,
		BranchName:       branchName,
	}, nil
}

// Remove removes the worktree and, if force, deletes its branch too. Safe
// to call when the worktree is already gone.
func (m *Manager) Remove(info *Info, force bool) error {
	var errs []error

	if _, err := os.Stat(info.Path); err == nil {
		if _, err := runGitCommand(info.SourceRepository, "worktree", "remove", "-f", info.Path); err != nil {
			errs = append(errs, err)
		}
	} else if !os.IsNotExist(err) {
		errs = append(errs, fmt.Errorf("failed to stat worktree path: %w", err))
	}

	if force && info.BranchName != "" {
		repo, err := git.PlainOpen(info.SourceRepository)
		if err == nil {
			branchRef := plumbing.NewBranchReferenceName(info.BranchName)
			if _, err := repo.Reference(branchRef, false); err == nil {
				if err := repo.Storer.RemoveReference(branchRef); err != nil {
					errs = append(errs, fmt.Errorf("failed to remove branch %s: %w", info.BranchName, err))
				}
			}
		}
	}

	if _, err := runGitCommand(info.SourceRepository, "worktree", "prune"); err != nil {
		errs = append(errs, err)
	}

	return combineErrors(errs)
}
