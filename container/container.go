// Package container wraps the local Docker runtime via the `docker` CLI.
// Every managed container carries a label identifying the orchestrator so
// the reconciler can list them without keeping its own container registry.
package container

import (
	"encoding/json"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"ainb/log"
	"ainb/session"

	"github.com/google/uuid"
)

// SessionLabelKey is the label every managed container carries; its value
// is the session's UUID.
const SessionLabelKey = "agents-session-id"

// Summary is the subset of docker-inspect state needed to derive a
// session's status.
type Summary struct {
	ID     string
	Names  []string
	State  string
	Labels map[string]string
}

// SessionID extracts and parses the agents-session-id label, if present.
func (s Summary) SessionID() (uuid.UUID, bool) {
	raw, ok := s.Labels[SessionLabelKey]
	if !ok {
		return uuid.UUID{}, false
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.UUID{}, false
	}
	return id, true
}

// DeriveStatus maps a docker container state string to a session status:
// "running" -> Running; "paused"/"exited"/"dead" -> Stopped; anything else
// is an error carrying the raw state.
func DeriveStatus(state string) (status session.Status, detail string) {
	switch state {
	case "running":
		return session.StatusRunning, ""
	case "paused", "exited", "dead":
		return session.StatusStopped, ""
	default:
		return session.StatusError, fmt.Sprintf("unknown container state: %s", state)
	}
}

// StartConfig is the full input to Start: image, working dir, env, user,
// resource limits, ports, volumes, entrypoint, command, labels.
type StartConfig struct {
	Name        string
	Image       string
	WorkDir     string
	Env         map[string]string
	User        string
	CPULimit    string // docker --cpus value, e.g. "2"
	MemoryLimit string // docker --memory value, e.g. "4g"
	Ports       map[string]string // hostPort -> containerPort
	Volumes     map[string]string // hostPath -> containerPath
	Entrypoint  []string
	Command     []string
	Labels      map[string]string
}

// Adapter drives the docker CLI. The zero value is usable.
type Adapter struct {
	binary string
}

// NewAdapter constructs an Adapter against the "docker" binary on PATH.
func NewAdapter() *Adapter {
	return &Adapter{binary: "docker"}
}

// IsAvailable reports whether the docker daemon is reachable.
func (a *Adapter) IsAvailable() bool {
	cmd := exec.Command(a.bin(), "info")
	return cmd.Run() == nil
}

func (a *Adapter) bin() string {
	if a.binary == "" {
		return "docker"
	}
	return a.binary
}

// dockerPSRow mirrors the subset of `docker ps --format json` fields used.
type dockerPSRow struct {
	ID     string `json:"ID"`
	Names  string `json:"Names"`
	State  string `json:"State"`
	Labels string `json:"Labels"`
}

func parseLabels(raw string) map[string]string {
	out := make(map[string]string)
	for _, kv := range strings.Split(raw, ",") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		parts := strings.SplitN(kv, "=", 2)
		if len(parts) == 2 {
			out[parts[0]] = parts[1]
		}
	}
	return out
}

// ListManaged lists every container carrying SessionLabelKey, running or
// not; the reconciler needs stopped containers too.
func (a *Adapter) ListManaged() ([]Summary, error) {
	out, err := exec.Command(a.bin(), "ps", "-a",
		"--filter", "label="+SessionLabelKey,
		"--format", "{{json .}}").Output()
	if err != nil {
		return nil, fmt.Errorf("docker ps: %w", err)
	}

	var summaries []Summary
	for _, line := range strings.Split(strings.TrimSpace(string(out)), "\n") {
		if line == "" {
			continue
		}
		var row dockerPSRow
		if err := json.Unmarshal([]byte(line), &row); err != nil {
			log.WarningLog.Printf("failed to parse docker ps row: %v", err)
			continue
		}
		names := strings.Split(row.Names, ",")
		summaries = append(summaries, Summary{
			ID:     row.ID,
			Names:  names,
			State:  row.State,
			Labels: parseLabels(row.Labels),
		})
	}
	sort.Slice(summaries, func(i, j int) bool { return summaries[i].ID < summaries[j].ID })
	return summaries, nil
}

// Start creates and starts a container from cfg, returning its ID.
func (a *Adapter) Start(cfg StartConfig) (string, error) {
	args := []string{"run", "-d"}
	if cfg.Name != "" {
		args = append(args, "--name", cfg.Name)
	}
	if cfg.WorkDir != "" {
		args = append(args, "-w", cfg.WorkDir)
	}
	if cfg.User != "" {
		args = append(args, "--user", cfg.User)
	}
	if cfg.CPULimit != "" {
		args = append(args, "--cpus", cfg.CPULimit)
	}
	if cfg.MemoryLimit != "" {
		args = append(args, "--memory", cfg.MemoryLimit)
	}
	for k, v := range cfg.Env {
		args = append(args, "-e", fmt.Sprintf("%s=%s", k, v))
	}
	for host, ctr := range cfg.Ports {
		args = append(args, "-p", fmt.Sprintf("%s:%s", host, ctr))
	}
	for host, ctr := range cfg.Volumes {
		args = append(args, "-v", fmt.Sprintf("%s:%s", host, ctr))
	}
	for k, v := range cfg.Labels {
		args = append(args, "--label", fmt.Sprintf("%s=%s", k, v))
	}
	if len(cfg.Entrypoint) > 0 {
		args = append(args, "--entrypoint", strings.Join(cfg.Entrypoint, " "))
	}
	if cfg.Image == "" {
		return "", fmt.Errorf("container start: image is required")
	}
	args = append(args, cfg.Image)
	args = append(args, cfg.Command...)

	log.InfoLog.Printf("starting container: docker %s", strings.Join(args, " "))
	out, err := exec.Command(a.bin(), args...).CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("docker run: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return strings.TrimSpace(string(out)), nil
}

// Inspect returns the current state of a single managed container.
func (a *Adapter) Inspect(id string) (Summary, error) {
	out, err := exec.Command(a.bin(), "inspect", id,
		"--format", "{{.Id}}|{{.Name}}|{{.State.Status}}|{{range $k,$v := .Config.Labels}}{{$k}}={{$v}},{{end}}").Output()
	if err != nil {
		return Summary{}, fmt.Errorf("docker inspect %s: %w", id, err)
	}
	fields := strings.SplitN(strings.TrimSpace(string(out)), "|", 4)
	if len(fields) != 4 {
		return Summary{}, fmt.Errorf("docker inspect %s: unexpected output %q", id, out)
	}
	return Summary{
		ID:     fields[0],
		Names:  []string{strings.TrimPrefix(fields[1], "/")},
		State:  fields[2],
		Labels: parseLabels(strings.TrimSuffix(fields[3], ",")),
	}, nil
}

// Stop idempotently stops a container.
func (a *Adapter) Stop(id string) error {
	if out, err := exec.Command(a.bin(), "stop", id).CombinedOutput(); err != nil {
		if strings.Contains(string(out), "No such container") {
			return nil
		}
		return fmt.Errorf("docker stop %s: %w: %s", id, err, strings.TrimSpace(string(out)))
	}
	return nil
}

// Remove idempotently removes a container.
func (a *Adapter) Remove(id string) error {
	if out, err := exec.Command(a.bin(), "rm", "-f", id).CombinedOutput(); err != nil {
		if strings.Contains(string(out), "No such container") {
			return nil
		}
		return fmt.Errorf("docker rm %s: %w: %s", id, err, strings.TrimSpace(string(out)))
	}
	return nil
}
