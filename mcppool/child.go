package mcppool

import (
	"fmt"
	"io"
	"os/exec"
	"sync"
	"time"

	"ainb/log"
)

// childState is the supervisor's view of the subprocess.
type childState int

const (
	childStopped childState = iota
	childRunning
	childPermanentlyFailed
)

// child supervises one tool-server subprocess: restart with exponential
// backoff on unexpected exit, up to maxRestarts, then permanent failure.
type child struct {
	spec ServerSpec

	maxRestarts uint32
	backoffBase time.Duration
	backoffMax  time.Duration

	mu       sync.Mutex
	state    childState
	cmd      *exec.Cmd
	stdin    io.WriteCloser
	restarts uint32

	onLine  func(line []byte)  // invoked per line read from the child's stdout
	onExit  func(err error)    // invoked when the child exits (before any restart decision)
	stopped chan struct{}
}

func newChild(spec ServerSpec, maxRestarts uint32, backoffBase, backoffMax time.Duration, onLine func([]byte), onExit func(error)) *child {
	return &child{
		spec:        spec,
		maxRestarts: maxRestarts,
		backoffBase: backoffBase,
		backoffMax:  backoffMax,
		onLine:      onLine,
		onExit:      onExit,
	}
}

// start launches the subprocess and begins pumping its stdout to onLine.
func (c *child) start() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == childRunning {
		return fmt.Errorf("child %s already running", c.spec.Name)
	}

	cmd := exec.Command(c.spec.Command, c.spec.Args...)
	cmd.Env = c.spec.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe for %s: %w", c.spec.Name, err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe for %s: %w", c.spec.Name, err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start tool-server %s: %w", c.spec.Name, err)
	}

	c.cmd = cmd
	c.stdin = stdin
	c.state = childRunning
	c.stopped = make(chan struct{})

	go c.pumpStdout(stdout)
	go c.monitor(cmd, c.stopped)

	return nil
}

func (c *child) pumpStdout(r io.Reader) {
	scanner := newLineScanner(r)
	for scanner.Scan() {
		line := append([]byte{}, scanner.Bytes()...)
		c.onLine(line)
	}
}

func (c *child) monitor(cmd *exec.Cmd, stopped chan struct{}) {
	err := cmd.Wait()
	close(stopped)

	c.mu.Lock()
	wasStopping := c.state == childStopped
	c.mu.Unlock()
	if wasStopping {
		return
	}

	if err != nil {
		log.WarningLog.Printf("mcppool: tool-server %s exited: %v", c.spec.Name, err)
	}
	c.onExit(err)
	c.maybeRestart()
}

// maybeRestart implements exponential backoff capped at backoffMax, up to
// maxRestarts attempts, after which the child is marked permanently failed
// and every new request gets a JSON-RPC error.
func (c *child) maybeRestart() {
	c.mu.Lock()
	if c.restarts >= c.maxRestarts {
		c.state = childPermanentlyFailed
		c.mu.Unlock()
		log.ErrorLog.Printf("mcppool: tool-server %s permanently failed after %d restarts", c.spec.Name, c.restarts)
		return
	}
	c.restarts++
	attempt := c.restarts
	c.state = childStopped
	c.mu.Unlock()

	delay := c.backoffBase * time.Duration(1<<(attempt-1))
	if delay > c.backoffMax || delay <= 0 {
		delay = c.backoffMax
	}
	time.AfterFunc(delay, func() {
		if err := c.start(); err != nil {
			log.ErrorLog.Printf("mcppool: restart of %s failed: %v", c.spec.Name, err)
		}
	})
}

// write sends a raw JSON-RPC line to the child's stdin.
func (c *child) write(line []byte) error {
	c.mu.Lock()
	w := c.stdin
	c.mu.Unlock()
	if w == nil {
		return fmt.Errorf("tool-server %s is not running", c.spec.Name)
	}
	if _, err := w.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write to tool-server %s: %w", c.spec.Name, err)
	}
	return nil
}

func (c *child) isAlive() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == childRunning
}

func (c *child) permanentlyFailed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == childPermanentlyFailed
}

// stop gracefully terminates the subprocess.
func (c *child) stop() {
	c.mu.Lock()
	cmd := c.cmd
	stdin := c.stdin
	stopped := c.stopped
	c.state = childStopped
	c.mu.Unlock()

	if stdin != nil {
		_ = stdin.Close()
	}
	if cmd == nil || cmd.Process == nil {
		return
	}
	// Closing stdin above is the tool-server's graceful-termination signal
	// for stdio-based MCP servers; fall back to a hard kill if it ignores it.
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		_ = cmd.Process.Kill()
	}
}
