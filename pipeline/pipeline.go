// Package pipeline implements session creation as strictly serial phases,
// each a failure boundary: on any phase failure every earlier successful
// phase is reverted, in reverse order, before the error is returned.
package pipeline

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"ainb/config"
	"ainb/container"
	"ainb/mcppool"
	"ainb/multiplexer"
	"ainb/reposrc"
	"ainb/session"
	"ainb/store"
	"ainb/worktree"

	"github.com/google/uuid"
)

// Options is the caller-facing input to Run.
type Options struct {
	// RepoInput is whatever the caller typed for the source repo: a local
	// path, a remote URL, GitHub shorthand, or empty to mean "current
	// directory".
	RepoInput string

	BranchName string // caller-supplied branch; empty means derive one
	Base       string // base ref for the new branch; empty means current HEAD

	Mode                  config.SessionMode
	Program               string // agent CLI invocation, e.g. "claude"
	Model                 string
	SkipPermissionPrompts bool

	InitialPrompt string // seeded into the agent's first turn, if non-empty

	ContainerImage string            // overrides config.DockerBaseImage
	ContainerEnv   map[string]string

	Name string // optional logical name; defaults to the derived branch name
}

// Result is what a successful Run produced.
type Result struct {
	SessionID       uuid.UUID
	Worktree        *worktree.Info
	ContainerID     string
	MultiplexerName string
	BranchName      string
	WorkspaceName   string
}

// Pipeline wires together the repo resolver, worktree manager, container
// adapter, and multiplexer, persisting session metadata on success.
type Pipeline struct {
	Config       *config.Config
	Worktrees    *worktree.Manager
	Containers   *container.Adapter
	RepoCacheDir string
}

// New constructs a Pipeline from process-wide config.
func New(cfg *config.Config, worktreeBaseDir, repoCacheDir string) *Pipeline {
	return &Pipeline{
		Config:       cfg,
		Worktrees:    worktree.NewManager(worktreeBaseDir),
		Containers:   container.NewAdapter(),
		RepoCacheDir: repoCacheDir,
	}
}

// Run executes the full creation pipeline. On any phase
// failure, every earlier successful phase is reverted in reverse order
// before the error is returned.
func (p *Pipeline) Run(opts Options) (*Result, error) {
	// Phase 1: resolve repo path.
	repoPath, err := p.resolveRepoPath(opts.RepoInput)
	if err != nil {
		return nil, fmt.Errorf("resolve repo: %w", err)
	}

	// Phase 2: mint a session id.
	sessionID := uuid.New()

	// Phase 3: pick branch.
	branch := opts.BranchName
	if branch == "" {
		branch = fmt.Sprintf("%ssession-%s", p.branchPrefix(), shortID(sessionID))
	}

	var (
		wtInfo      *worktree.Info
		containerID string
		mux         *multiplexer.Session
		relays      []*mcppool.Relay
	)

	// revert unwinds every phase that succeeded so far, in reverse order.
	revert := func() {
		if mux != nil {
			_ = mux.Cleanup()
		}
		if containerID != "" {
			_ = p.Containers.Stop(containerID)
			_ = p.Containers.Remove(containerID)
		}
		for _, r := range relays {
			_ = r.Stop()
		}
		if wtInfo != nil {
			_ = p.Worktrees.Remove(wtInfo, true)
		}
	}

	// Phase 4: create worktree.
	wtInfo, err = p.Worktrees.Create(sessionID, repoPath, branch, opts.Base)
	if err != nil {
		return nil, fmt.Errorf("create worktree: %w", err)
	}

	cfgMode := opts.Mode
	if cfgMode == "" {
		cfgMode = p.Config.DefaultMode
	}
	mode := session.ModeInteractive
	if cfgMode == config.SessionModeBoss {
		mode = session.ModeBoss
	}

	if mode == session.ModeBoss {
		// Phase 5: prepare container config, including TCP relays that let
		// the container's agent reach pooled tool-servers on this host.
		var endpoints map[string]string
		relays, endpoints, err = p.startMCPRelays()
		if err != nil {
			revert()
			return nil, fmt.Errorf("prepare MCP relays: %w", err)
		}
		cfg := p.composeContainerConfig(sessionID, opts, wtInfo, endpoints)

		// Phase 6: start container.
		containerID, err = p.Containers.Start(cfg)
		if err != nil {
			revert()
			return nil, fmt.Errorf("start container: %w", err)
		}
	}

	// Phase 7: start multiplexer session.
	agentCmd := buildAgentCommand(opts.Program, opts.Model, opts.SkipPermissionPrompts)
	if mode == session.ModeBoss {
		agentCmd = fmt.Sprintf("docker exec -it %s sh -c %s", containerID, shellQuote(agentCmd))
	}

	name := opts.Name
	if name == "" {
		name = branch
	}
	mux = multiplexer.New(name, agentCmd)

	workdir := wtInfo.Path
	if err := mux.Start(workdir); err != nil {
		revert()
		return nil, fmt.Errorf("start multiplexer session: %w", err)
	}

	// Phase 8: optionally seed the first turn.
	if opts.InitialPrompt != "" {
		time.Sleep(2 * time.Second)
		if err := mux.SendKeys(opts.InitialPrompt); err != nil {
			revert()
			return nil, fmt.Errorf("send initial prompt: %w", err)
		}
		_ = mux.TapEnter()
	}

	workspaceName := filepath.Base(wtInfo.SourceRepository)

	// Phase 9: persist metadata. Must occur only after the multiplexer
	// session is observably alive (checked by mux.Start above succeeding).
	meta := store.Metadata{
		SessionID:              sessionID,
		MultiplexerSessionName: mux.Name(),
		WorktreePath:           wtInfo.Path,
		WorkspaceName:          workspaceName,
		CreatedAt:              time.Now(),
	}
	if err := store.WithLock(func(s *store.Store) error {
		s.Upsert(meta)
		return nil
	}); err != nil {
		revert()
		return nil, fmt.Errorf("persist session metadata: %w", err)
	}

	return &Result{
		SessionID:       sessionID,
		Worktree:        wtInfo,
		ContainerID:     containerID,
		MultiplexerName: mux.Name(),
		BranchName:      branch,
		WorkspaceName:   workspaceName,
	}, nil
}

func (p *Pipeline) branchPrefix() string {
	if p.Config != nil && p.Config.BranchPrefix != "" {
		return p.Config.BranchPrefix
	}
	return "agents/"
}

// resolveRepoPath resolves the source repo: explicit local path ->
// remote URL (cloned into a per-user repo cache keyed by {host, owner,
// repo_name}, fetching updates if the cache entry already exists) ->
// current directory.
func (p *Pipeline) resolveRepoPath(input string) (string, error) {
	if input == "" {
		cwd, err := os.Getwd()
		if err != nil {
			return "", fmt.Errorf("failed to get current directory: %w", err)
		}
		return cwd, nil
	}

	src, err := reposrc.Resolve(input)
	if err != nil {
		return "", err
	}

	if !src.IsRemote() {
		if err := src.CheckLocalPath(); err != nil {
			return "", err
		}
		return src.Value, nil
	}

	identity, err := src.Identity()
	if err != nil {
		return "", err
	}
	cacheDir := filepath.Join(p.RepoCacheDir, identity.Host, identity.Owner, identity.Repo)

	if _, statErr := os.Stat(cacheDir); statErr == nil {
		cmd := exec.Command("git", "fetch", "--all")
		cmd.Dir = cacheDir
		if out, err := cmd.CombinedOutput(); err != nil {
			return "", fmt.Errorf("failed to fetch updates in repo cache %s: %w: %s", cacheDir, err, strings.TrimSpace(string(out)))
		}
		return cacheDir, nil
	}

	if err := os.MkdirAll(filepath.Dir(cacheDir), 0755); err != nil {
		return "", fmt.Errorf("failed to create repo cache directory: %w", err)
	}
	cmd := exec.Command("git", "clone", src.CloneURL(), cacheDir)
	if out, err := cmd.CombinedOutput(); err != nil {
		return "", fmt.Errorf("failed to clone %s: %w: %s", src.CloneURL(), err, strings.TrimSpace(string(out)))
	}
	return cacheDir, nil
}

// startMCPRelays brings up TCP loopback relays for every pooled tool-server
// with a live socket on this host, so the containerized agent can dial
// host.docker.internal instead of needing the Unix socket. Returns nothing
// when pooling or the relay is disabled, or when no server catalog exists.
func (p *Pipeline) startMCPRelays() ([]*mcppool.Relay, map[string]string, error) {
	if p.Config == nil || !p.Config.Pool.Enabled || !p.Config.Pool.TCPRelayEnabled {
		return nil, nil, nil
	}
	dir, err := config.GetConfigDir()
	if err != nil {
		return nil, nil, err
	}
	catalog, err := mcppool.LoadCatalog(filepath.Join(dir, "mcp_servers.yaml"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, nil
		}
		return nil, nil, err
	}
	return mcppool.StartContainerRelays(p.Config.Pool, catalog)
}

// composeContainerConfig builds the final container.StartConfig for Boss
// mode: the caller's image (or config.DockerBaseImage) with project env, the
// MCP relay endpoints, and the session-id label. No named container template
// is looked up; config.DefaultContainerTemplate is not consulted.
func (p *Pipeline) composeContainerConfig(sessionID uuid.UUID, opts Options, wt *worktree.Info, mcpEndpoints map[string]string) container.StartConfig {
	image := opts.ContainerImage
	if image == "" && p.Config != nil {
		image = p.Config.DockerBaseImage
	}

	env := map[string]string{}
	for k, v := range opts.ContainerEnv {
		env[k] = v
	}
	for name, endpoint := range mcpEndpoints {
		key := "AINB_MCP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
		env[key] = endpoint
	}

	return container.StartConfig{
		Name:    fmt.Sprintf("ainb_%s", shortID(sessionID)),
		Image:   image,
		WorkDir: "/workspace",
		Env:     env,
		Volumes: map[string]string{wt.Path: "/workspace"},
		Labels:  map[string]string{container.SessionLabelKey: sessionID.String()},
		Command: []string{"sleep", "infinity"},
	}
}

func buildAgentCommand(program, model string, skipPermissions bool) string {
	if program == "" {
		program = "claude"
	}
	cmd := program
	if model != "" {
		cmd = fmt.Sprintf("%s --model %s", cmd, model)
	}
	if skipPermissions && strings.Contains(program, "claude") {
		cmd = cmd + " --dangerously-skip-permissions"
	}
	return cmd
}

func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func shortID(id uuid.UUID) string {
	return strings.ReplaceAll(id.String(), "-", "")[:8]
}
