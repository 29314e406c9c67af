package config

import (
	"ainb/log"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"os/user"
	"path/filepath"
	"regexp"
	"strings"
	"time"
)

const (
	ConfigFileName = "config.json"
	defaultProgram = "claude"
	// BrandDirName is the per-user directory under $HOME that holds all
	// ainb state: config, the session store, worktrees, the repo cache,
	// and the MCP pool's sockets/locks.
	BrandDirName = ".agents-in-a-box"
	// SessionsFileName is the persisted session store.
	SessionsFileName = "sessions.json"
	// WorktreeDirName is the fixed per-user worktree base directory name.
	WorktreeDirName = "worktrees"
	// RepoCacheDirName is the per-user cache of cloned remote repos, keyed by {host,owner,repo}.
	RepoCacheDirName = "repos"
)

// GetConfigDir returns the path to the application's configuration directory.
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, BrandDirName), nil
}

// SessionMode controls whether a created session runs inside a container.
type SessionMode string

const (
	SessionModeBoss        SessionMode = "boss"
	SessionModeInteractive SessionMode = "interactive"
)

// Config represents the application configuration.
type Config struct {
	// DefaultProgram is the default agent CLI to run in new sessions.
	DefaultProgram string `json:"default_program"`
	// AutoYes is a flag to automatically accept all prompts.
	AutoYes bool `json:"auto_yes"`
	// BranchPrefix is the prefix used for branches ainb creates.
	BranchPrefix string `json:"branch_prefix"`
	// DefaultContainerTemplate names a container template for Boss-mode
	// sessions. It is stored in the config file only; session creation does
	// not read it and takes its image from DockerBaseImage.
	DefaultContainerTemplate string `json:"default_container_template"`
	// DockerBaseImage is the Docker image Boss-mode sessions start from when
	// the caller does not supply one.
	DockerBaseImage string `json:"docker_base_image"`
	// DefaultMode controls the default SessionMode for new sessions.
	DefaultMode SessionMode `json:"default_mode"`

	// Pool holds the MCP socket pool configuration.
	Pool PoolConfig `json:"mcp_pool"`
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	program, err := GetClaudeCommand()
	if err != nil {
		log.ErrorLog.Printf("failed to get claude command: %v", err)
		program = defaultProgram
	}

	return &Config{
		DefaultProgram: program,
		AutoYes:        false,
		BranchPrefix: func() string {
			u, err := user.Current()
			if err != nil || u == nil || u.Username == "" {
				log.ErrorLog.Printf("failed to get current user: %v", err)
				return "agents/"
			}
			return fmt.Sprintf("%s/", strings.ToLower(u.Username))
		}(),
		DefaultContainerTemplate: "default",
		DockerBaseImage:          "ghcr.io/ainb-dev/agent-base",
		DefaultMode:              SessionModeInteractive,
		Pool:                     DefaultPoolConfig(),
	}
}

// GetClaudeCommand attempts to find the "claude" command in the user's shell
// It checks in the following order:
// 1. Shell alias resolution: using "which" command
// 2. PATH lookup
//
// If both fail, it returns an error.
func GetClaudeCommand() (string, error) {
	shell := os.Getenv("SHELL")
	if shell == "" {
		shell = "/bin/bash" // Default to bash if SHELL is not set
	}

	// Force the shell to load the user's profile and then run the command
	// For zsh, source .zshrc; for bash, source .bashrc
	var shellCmd string
	if strings.Contains(shell, "zsh") {
		shellCmd = "source ~/.zshrc &>/dev/null || true; which claude"
	} else if strings.Contains(shell, "bash") {
		shellCmd = "source ~/.bashrc &>/dev/null || true; which claude"
	} else {
		shellCmd = "which claude"
	}

	cmd := exec.Command(shell, "-c", shellCmd)
	output, err := cmd.Output()
	if err == nil && len(output) > 0 {
		path := strings.TrimSpace(string(output))
		if path != "" {
			// Check if the output is an alias definition and extract the actual path
			// Handle formats like "claude: aliased to /path/to/claude" or other shell-specific formats
			aliasRegex := regexp.MustCompile(`(?:aliased to|->|=)\s*([^\s]+)`)
			matches := aliasRegex.FindStringSubmatch(path)
			if len(matches) > 1 {
				path = matches[1]
			}
			return path, nil
		}
	}

	// Otherwise, try to find in PATH directly
	claudePath, err := exec.LookPath("claude")
	if err == nil {
		return claudePath, nil
	}

	return "", fmt.Errorf("claude command not found in aliases or PATH")
}

func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := os.ReadFile(configPath)
	if err != nil {
		if os.IsNotExist(err) {
			// Create and save default config if file doesn't exist
			defaultCfg := DefaultConfig()
			if saveErr := saveConfig(defaultCfg); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return defaultCfg
		}

		log.WarningLog.Printf("failed to get config file: %v", err)
		return DefaultConfig()
	}

	var config Config
	if err := json.Unmarshal(data, &config); err != nil {
		// Log the error with more context about what failed
		preview := string(data)
		if len(preview) > 200 {
			preview = preview[:200] + "..."
		}
		log.ErrorLog.Printf("failed to parse config file at %s: %v\nConfig content preview: %s", configPath, err, preview)

		// Backup the corrupted config before falling back to defaults
		backupPath := configPath + ".corrupt." + time.Now().Format("20060102-150405")
		if backupErr := os.WriteFile(backupPath, data, 0644); backupErr == nil {
			log.InfoLog.Printf("Backed up corrupted config to: %s", backupPath)
		}

		return DefaultConfig()
	}

	return &config
}

// saveConfig saves the configuration to disk
func saveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}

	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(configPath, data, 0644)
}

// SaveConfig exports the saveConfig function for use by other packages
func SaveConfig(config *Config) error {
	return saveConfig(config)
}
