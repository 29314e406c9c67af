package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"ainb/config"
	"ainb/control"
	"ainb/log"
	"ainb/mcppool"
	"ainb/multiplexer"
	"ainb/pipeline"
	"ainb/session"
	"ainb/store"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/cobra"
)

var (
	version = "0.3.1"

	repoFlag          string
	branchFlag        string
	baseFlag          string
	modeFlag          string
	modelFlag         string
	programFlag       string
	promptFlag        string
	nameFlag          string
	attachFlag        bool
	skipPermFlag      bool
	containerImgFlag  string

	jsonFlag  bool
	watchFlag bool
	forceFlag bool

	rootCmd = &cobra.Command{
		Use:   "ainb",
		Short: "ainb - Orchestrate AI coding-agent sessions in isolated git worktrees.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Create a new session: worktree, optional container, and agent under tmux",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			ctl, err := control.New(cfg)
			if err != nil {
				return err
			}

			var mode config.SessionMode
			switch modeFlag {
			case "":
				mode = cfg.DefaultMode
			case string(config.SessionModeBoss), string(config.SessionModeInteractive):
				mode = config.SessionMode(modeFlag)
			default:
				return fmt.Errorf("invalid mode %q (must be 'boss' or 'interactive')", modeFlag)
			}

			program := cfg.DefaultProgram
			if programFlag != "" {
				program = programFlag
			}

			result, err := ctl.Run(pipeline.Options{
				RepoInput:             repoFlag,
				BranchName:            branchFlag,
				Base:                  baseFlag,
				Mode:                  mode,
				Program:               program,
				Model:                 modelFlag,
				SkipPermissionPrompts: skipPermFlag,
				InitialPrompt:         promptFlag,
				ContainerImage:        containerImgFlag,
				Name:                  nameFlag,
			})
			if err != nil {
				return err
			}

			fmt.Printf("created session %s\n", result.SessionID)
			fmt.Printf("  workspace: %s\n", result.WorkspaceName)
			fmt.Printf("  branch:    %s\n", result.BranchName)
			fmt.Printf("  worktree:  %s\n", result.Worktree.Path)
			if result.ContainerID != "" {
				fmt.Printf("  container: %s\n", result.ContainerID)
			}
			fmt.Printf("  tmux:      %s\n", result.MultiplexerName)

			if attachFlag {
				return control.Attach(result.MultiplexerName)
			}
			fmt.Printf("attach with: ainb attach %s\n", shortID(result.SessionID.String()))
			return nil
		},
	}

	listCmd = &cobra.Command{
		Use:   "list",
		Short: "List live sessions grouped by source repository",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			ctl, err := control.New(cfg)
			if err != nil {
				return err
			}

			render := func() error {
				workspaces, err := ctl.List()
				if err != nil {
					return err
				}
				return renderWorkspaces(workspaces)
			}

			if err := render(); err != nil {
				return err
			}
			if !watchFlag {
				return nil
			}
			return watchStore(render)
		},
	}

	statusCmd = &cobra.Command{
		Use:   "status <selector>",
		Short: "Show one session's liveness (selector: UUID, UUID prefix, or workspace name)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			ctl, err := control.New(cfg)
			if err != nil {
				return err
			}
			report, err := ctl.Status(args[0])
			if err != nil {
				return err
			}
			return control.RenderStatus(os.Stdout, report, jsonFlag)
		},
	}

	attachCmd = &cobra.Command{
		Use:   "attach <selector>",
		Short: "Attach the terminal to a session (replaces this process)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			ctl, err := control.New(cfg)
			if err != nil {
				return err
			}
			name, err := ctl.ResolveForAttach(args[0])
			if err != nil {
				return err
			}
			return control.Attach(name)
		},
	}

	killCmd = &cobra.Command{
		Use:   "kill <selector>",
		Short: "Kill a session's tmux session and forget its metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			ctl, err := control.New(cfg)
			if err != nil {
				return err
			}
			worktreePath, err := ctl.Kill(args[0], forceFlag, confirmOnTerminal)
			if err != nil {
				return err
			}
			fmt.Println("session killed")
			if worktreePath != "" {
				fmt.Printf("worktree left behind, remove manually: rm -rf %s\n", worktreePath)
			}
			return nil
		},
	}

	poolCmd = &cobra.Command{
		Use:   "pool",
		Short: "Run the MCP socket pool for this host (leader or follower per server)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()

			catalogPath, err := config.GetConfigDir()
			if err != nil {
				return err
			}
			catalog, err := mcppool.LoadCatalog(filepath.Join(catalogPath, "mcp_servers.yaml"))
			if err != nil {
				return err
			}

			pool := mcppool.NewPool(cfg.Pool)
			if err := pool.Start(catalog); err != nil {
				return err
			}
			defer pool.Stop()

			for name, healthy := range pool.Healthy() {
				state := "healthy"
				if !healthy {
					state = "unhealthy"
				}
				fmt.Printf("leading %s (%s)\n", name, state)
			}

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
			<-sig
			return nil
		},
	}

	resetCmd = &cobra.Command{
		Use:   "reset",
		Short: "Forget all sessions and kill every managed tmux session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			ctl, err := control.New(cfg)
			if err != nil {
				return err
			}

			if err := store.WithLock(func(s *store.Store) error {
				s.Sessions = map[string]store.Metadata{}
				return nil
			}); err != nil {
				return fmt.Errorf("failed to reset session store: %w", err)
			}
			fmt.Println("session store has been reset")

			if err := multiplexer.CleanupSessions(); err != nil {
				log.WarningLog.Printf("failed to cleanup tmux sessions: %v", err)
			} else {
				fmt.Println("tmux sessions have been cleaned up")
			}

			worktrees, err := ctl.Worktrees.ListAllWorktrees()
			if err != nil {
				return fmt.Errorf("failed to list worktrees: %w", err)
			}
			for _, wt := range worktrees {
				if err := ctl.Worktrees.Remove(wt, false); err != nil {
					log.WarningLog.Printf("failed to remove worktree %s: %v", wt.Path, err)
				}
			}
			fmt.Println("worktrees have been cleaned up")
			return nil
		},
	}

	debugCmd = &cobra.Command{
		Use:   "debug",
		Short: "Print debug information like config paths",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.LoadConfig()
			configDir, err := config.GetConfigDir()
			if err != nil {
				return fmt.Errorf("failed to get config directory: %w", err)
			}
			configJson, _ := json.MarshalIndent(cfg, "", "  ")
			fmt.Printf("Config: %s\n%s\n", filepath.Join(configDir, config.ConfigFileName), configJson)
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of ainb",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("ainb version %s\n", version)
		},
	}
)

func renderWorkspaces(workspaces []session.Workspace) error {
	if jsonFlag {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(workspaces)
	}
	if len(workspaces) == 0 {
		fmt.Println("no live sessions")
		return nil
	}
	for _, ws := range workspaces {
		fmt.Printf("%s (%s)\n", ws.Name, ws.SourceRepository)
		for _, s := range ws.Sessions {
			status := s.Status.String()
			if s.Status == session.StatusError && s.ErrorDetail != "" {
				status = fmt.Sprintf("error: %s", s.ErrorDetail)
			}
			id := s.ID.String()
			fmt.Printf("  %s  %-11s %-8s %s\n", shortID(id), s.Mode, status, s.BranchName)
		}
	}
	return nil
}

// watchStore re-runs render whenever the persisted session store changes
// out-of-band (another ainb process on this host creating or killing
// sessions), until interrupted.
func watchStore(render func() error) error {
	dir, err := config.GetConfigDir()
	if err != nil {
		return err
	}
	storePath := filepath.Join(dir, config.SessionsFileName)

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create store watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory, not the file: the store is replaced by rename,
	// which drops a watch on the file itself.
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if event.Name != storePath {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			fmt.Println("---")
			if err := render(); err != nil {
				return err
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.WarningLog.Printf("store watcher error: %v", err)
		case <-sig:
			return nil
		}
	}
}

func confirmOnTerminal(prompt string) bool {
	fmt.Printf("%s [y/N] ", prompt)
	var answer string
	_, _ = fmt.Scanln(&answer)
	answer = strings.ToLower(strings.TrimSpace(answer))
	return answer == "y" || answer == "yes"
}

func shortID(id string) string {
	return strings.ReplaceAll(id, "-", "")[:8]
}

func init() {
	runCmd.Flags().StringVarP(&repoFlag, "repo", "r", "",
		"Source repository: local path, remote URL, or GitHub owner/repo shorthand (default: current directory)")
	runCmd.Flags().StringVarP(&branchFlag, "create-branch", "b", "", "Branch name for the session's worktree")
	runCmd.Flags().StringVar(&baseFlag, "base", "", "Base ref for the new branch (default: current HEAD)")
	runCmd.Flags().StringVar(&modeFlag, "mode", "", "Session mode: 'boss' (containerized) or 'interactive'")
	runCmd.Flags().StringVarP(&modelFlag, "model", "m", "", "Model flag passed to the agent CLI")
	runCmd.Flags().StringVarP(&programFlag, "program", "p", "", "Agent CLI to run (default from config)")
	runCmd.Flags().StringVar(&promptFlag, "prompt", "", "Initial prompt to seed the agent's first turn")
	runCmd.Flags().StringVarP(&nameFlag, "name", "n", "", "Logical session name (default: branch name)")
	runCmd.Flags().BoolVarP(&attachFlag, "attach", "a", false, "Attach to the session after creating it")
	runCmd.Flags().BoolVarP(&skipPermFlag, "autoyes", "y", false, "Skip the agent's permission prompts")
	runCmd.Flags().StringVar(&containerImgFlag, "image", "", "Container image for boss mode (default from config)")

	listCmd.Flags().BoolVar(&jsonFlag, "json", false, "Render as JSON")
	listCmd.Flags().BoolVarP(&watchFlag, "watch", "w", false, "Keep running and re-render when the session store changes")

	statusCmd.Flags().BoolVar(&jsonFlag, "json", false, "Render as JSON")

	killCmd.Flags().BoolVarP(&forceFlag, "force", "f", false, "Kill without prompting")

	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(listCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(attachCmd)
	rootCmd.AddCommand(killCmd)
	rootCmd.AddCommand(poolCmd)
	rootCmd.AddCommand(resetCmd)
	rootCmd.AddCommand(debugCmd)
	rootCmd.AddCommand(versionCmd)
}

func main() {
	if err := log.Initialize(false); err != nil {
		fmt.Fprintln(os.Stderr, err)
	}
	log.InitDebug()
	defer func() {
		log.CloseDebug()
		log.Close()
	}()

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(control.ExitCodeFor(err))
	}
}
