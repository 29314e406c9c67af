package pipeline

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"ainb/config"
	"ainb/container"
	"ainb/session"
	"ainb/worktree"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		out, err := cmd.CombinedOutput()
		require.NoError(t, err, string(out))
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	require.NoError(t, os.WriteFile(filepath.Join(dir, "README.md"), []byte("hello\n"), 0644))
	run("add", ".")
	run("commit", "-m", "initial")
	return dir
}

func TestResolveRepoPathEmptyUsesCWD(t *testing.T) {
	p := &Pipeline{Config: config.DefaultConfig()}
	cwd, err := os.Getwd()
	require.NoError(t, err)

	got, err := p.resolveRepoPath("")
	require.NoError(t, err)
	require.Equal(t, cwd, got)
}

func TestResolveRepoPathLocal(t *testing.T) {
	repo := initRepo(t)
	p := &Pipeline{Config: config.DefaultConfig()}

	got, err := p.resolveRepoPath(repo)
	require.NoError(t, err)
	require.Equal(t, repo, got)
}

func TestResolveRepoPathMissingLocal(t *testing.T) {
	p := &Pipeline{Config: config.DefaultConfig()}
	_, err := p.resolveRepoPath(filepath.Join(t.TempDir(), "nope"))
	require.Error(t, err)
}

func TestBuildAgentCommand(t *testing.T) {
	require.Equal(t, "claude", buildAgentCommand("", "", false))
	require.Equal(t, "claude --model opus", buildAgentCommand("", "opus", false))
	require.Equal(t, "claude --dangerously-skip-permissions", buildAgentCommand("claude", "", true))
	require.Equal(t, "codex", buildAgentCommand("codex", "", true))
}

func TestShellQuoteEscapesSingleQuotes(t *testing.T) {
	require.Equal(t, `'it'\''s'`, shellQuote("it's"))
}

func TestShortIDIsEightHexChars(t *testing.T) {
	id := uuid.New()
	got := shortID(id)
	require.Len(t, got, 8)
}

func TestComposeContainerConfigLabelsAndVolume(t *testing.T) {
	p := &Pipeline{Config: config.DefaultConfig()}
	sid := uuid.New()
	wt := &worktree.Info{Path: "/wt/demo"}

	cfg := p.composeContainerConfig(sid, Options{}, wt, nil)
	require.Equal(t, sid.String(), cfg.Labels[container.SessionLabelKey])
	require.Equal(t, "/workspace", cfg.Volumes["/wt/demo"])
	require.Equal(t, p.Config.DockerBaseImage, cfg.Image)
}

func TestComposeContainerConfigInjectsMCPEndpoints(t *testing.T) {
	p := &Pipeline{Config: config.DefaultConfig()}
	wt := &worktree.Info{Path: "/wt/demo"}

	cfg := p.composeContainerConfig(uuid.New(), Options{}, wt, map[string]string{
		"context7": "host.docker.internal:19000",
	})
	require.Equal(t, "host.docker.internal:19000", cfg.Env["AINB_MCP_CONTEXT7"])
}

func TestBranchPrefixFallsBackToDefault(t *testing.T) {
	p := &Pipeline{Config: &config.Config{}}
	require.Equal(t, "agents/", p.branchPrefix())

	p2 := &Pipeline{Config: &config.Config{BranchPrefix: "me/"}}
	require.Equal(t, "me/", p2.branchPrefix())
}

func TestSessionModeInteractiveStringValue(t *testing.T) {
	require.Equal(t, session.Mode("interactive"), session.ModeInteractive)
}
