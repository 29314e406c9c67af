// Package mcppool implements the pooled MCP broker: one long-lived,
// leader-elected host process per tool-server, multiplexing many sessions'
// JSON-RPC traffic over a Unix domain socket. Launching one tool-server per
// session wastes minutes of startup per container; pooling pays that cost
// once per host.
package mcppool

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"gopkg.in/yaml.v3"
)

// ServerSpec is one tool-server's launch declaration from the user-edited
// YAML catalog.
type ServerSpec struct {
	Name        string            `yaml:"name"`
	Command     string            `yaml:"command"`
	Args        []string          `yaml:"args"`
	Env         map[string]string `yaml:"env"`
	RequiredEnv []string          `yaml:"required_env"`
	Enabled     bool              `yaml:"enabled"`

	// InstallCommand, if set, is run to completion before the server is
	// first launched (e.g. "npm" install of the server package).
	InstallCommand string   `yaml:"install_command"`
	InstallArgs    []string `yaml:"install_args"`
}

// Install runs the server's one-time install step, if it declares one.
func (s ServerSpec) Install() error {
	if s.InstallCommand == "" {
		return nil
	}
	cmd := exec.Command(s.InstallCommand, s.InstallArgs...)
	cmd.Env = s.Environ()
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("install %s: %w: %s", s.Name, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Catalog is the full set of known tool-servers.
type Catalog struct {
	Servers []ServerSpec `yaml:"servers"`
}

// LoadCatalog reads a YAML catalog file from disk.
func LoadCatalog(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read MCP server catalog: %w", err)
	}
	var c Catalog
	if err := yaml.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("failed to parse MCP server catalog: %w", err)
	}
	return &c, nil
}

// Eligible reports whether s is a candidate to be pooled under the
// include/exclude policy and whether its required_env is fully present in
// the current process environment.
func (s ServerSpec) Eligible(shouldPool bool) (bool, string) {
	if !s.Enabled {
		return false, "server disabled in catalog"
	}
	if !shouldPool {
		return false, "excluded by pool policy"
	}
	for _, name := range s.RequiredEnv {
		if _, ok := os.LookupEnv(name); !ok {
			return false, fmt.Sprintf("required env var %s not set", name)
		}
	}
	return true, ""
}

// Environ returns the process environment merged with spec's declared Env,
// as a slice suitable for exec.Cmd.Env.
func (s ServerSpec) Environ() []string {
	env := os.Environ()
	for k, v := range s.Env {
		env = append(env, k+"="+v)
	}
	return env
}
