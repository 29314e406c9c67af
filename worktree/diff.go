package worktree

import (
	"strings"
	"time"
)

const defaultDiffCacheDuration = 5 * time.Second

// DiffStats holds statistics about the changes in a worktree's diff against
// its base commit.
type DiffStats struct {
	Content string
	Added   int
	Removed int
	Error   error
}

func (d *DiffStats) IsEmpty() bool {
	return d.Added == 0 && d.Removed == 0 && d.Content == ""
}

func (info *Info) isDirty() (bool, error) {
	out, err := runGitCommand(info.Path, "status", "--porcelain")
	if err != nil {
		return false, err
	}
	return len(strings.TrimSpace(out)) > 0, nil
}

// Diff returns the diff between the worktree and its base commit, with
// results cached for up to 5 seconds to avoid repeated expensive git calls.
func (info *Info) Diff() *DiffStats {
	info.diffCacheMu.Lock()
	defer info.diffCacheMu.Unlock()

	if info.diffCacheDuration == 0 {
		info.diffCacheDuration = defaultDiffCacheDuration
	}

	if info.cachedDiffStats != nil && time.Since(info.diffCacheTime) < info.diffCacheDuration {
		if info.cachedDiffStats.IsEmpty() {
			dirty, err := info.isDirty()
			if err == nil && !dirty {
				return info.cachedDiffStats
			}
		} else {
			return info.cachedDiffStats
		}
	}

	stats := info.diffUncached()
	info.cachedDiffStats = stats
	info.diffCacheTime = time.Now()
	return stats
}

func (info *Info) diffUncached() *DiffStats {
	stats := &DiffStats{}

	if _, err := runGitCommand(info.Path, "add", "-N", "."); err != nil {
		stats.Error = err
		return stats
	}

	// A worktree recovered from a directory scan has no recorded base
	// commit; diff against HEAD then, which still shows the session's
	// uncommitted work.
	base := info.BaseCommitSHA
	if base == "" {
		base = "HEAD"
	}
	content, err := runGitCommand(info.Path, "--no-pager", "diff", base)
	if err != nil {
		stats.Error = err
		return stats
	}

	for _, line := range strings.Split(content, "\n") {
		switch {
		case strings.HasPrefix(line, "+++"), strings.HasPrefix(line, "---"):
		case strings.HasPrefix(line, "+"):
			stats.Added++
		case strings.HasPrefix(line, "-"):
			stats.Removed++
		}
	}
	stats.Content = content
	return stats
}

// InvalidateDiffCache forces the next Diff() call to recompute.
func (info *Info) InvalidateDiffCache() {
	info.diffCacheMu.Lock()
	defer info.diffCacheMu.Unlock()
	info.cachedDiffStats = nil
	info.diffCacheTime = time.Time{}
}
