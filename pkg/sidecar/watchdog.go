// Package sidecar implements the Reddit proxy: a watchdog-managed MCP
// child process, the smart aggregation pipeline over its tools, an
// expiring response cache, and the HTTP surface.
package sidecar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/chanspect/chanspect/pkg/config"
	"github.com/chanspect/chanspect/pkg/version"
)

// ErrMCPUnstable is returned once the restart budget is spent; the child is
// thrash-looping and respawn attempts stop.
var ErrMCPUnstable = errors.New("mcp child process unstable")

// Watchdog states. Transitions are logged; Ready is the only state that
// serves calls.
const (
	StateDead int32 = iota
	StateSpawning
	StateReady
	StateKilling
)

func stateName(s int32) string {
	switch s {
	case StateSpawning:
		return "spawning"
	case StateReady:
		return "ready"
	case StateKilling:
		return "killing"
	default:
		return "dead"
	}
}

// toolSession is the MCP session surface the watchdog drives. Satisfied by
// *mcpsdk.ClientSession; faked in tests.
type toolSession interface {
	CallTool(ctx context.Context, params *mcpsdk.CallToolParams) (*mcpsdk.CallToolResult, error)
	Close() error
}

// child is one spawned MCP server process: its session plus a hard-kill
// hook (SIGKILL; nil in tests).
type child struct {
	session toolSession
	kill    func()
}

// spawnFunc starts a new child process and connects to it.
type spawnFunc func(ctx context.Context) (*child, error)

// Watchdog owns one MCP child process behind a single-flight queue.
// At most one tool call is outstanding at any time; this is a correctness
// requirement of the underlying stdio server, not a throttle. A call that
// exceeds the hard timeout gets the child SIGKILLed and respawned.
type Watchdog struct {
	spawn         spawnFunc
	timeout       time.Duration
	teardown      time.Duration
	restartBudget int

	mu       sync.Mutex // the single-flight queue
	current  *child
	restarts int // consecutive spawns without a completed call

	state  atomic.Int32
	logger *slog.Logger
}

// NewWatchdog creates a watchdog spawning cfg.MCPCommand over stdio.
// The child is spawned lazily on the first call.
func NewWatchdog(cfg *config.SidecarConfig) *Watchdog {
	return newWatchdog(defaultSpawn(cfg), cfg.MCPTimeout, cfg.TeardownTimeout, cfg.RestartBudget)
}

func newWatchdog(spawn spawnFunc, timeout, teardown time.Duration, restartBudget int) *Watchdog {
	return &Watchdog{
		spawn:         spawn,
		timeout:       timeout,
		teardown:      teardown,
		restartBudget: restartBudget,
		logger:        slog.Default().With("component", "watchdog"),
	}
}

func defaultSpawn(cfg *config.SidecarConfig) spawnFunc {
	return func(ctx context.Context) (*child, error) {
		cmd := exec.Command(cfg.MCPCommand, cfg.MCPArgs...)
		cmd.Env = append(os.Environ(), "REDDIT_USER_AGENT="+cfg.UserAgent)

		client := mcpsdk.NewClient(&mcpsdk.Implementation{
			Name:    version.AppName + "-redditproxy",
			Version: version.GitCommit,
		}, nil)

		session, err := client.Connect(ctx, &mcpsdk.CommandTransport{Command: cmd}, nil)
		if err != nil {
			if cmd.Process != nil {
				_ = cmd.Process.Kill()
			}
			return nil, fmt.Errorf("connect to mcp server: %w", err)
		}
		return &child{
			session: session,
			kill: func() {
				if cmd.Process != nil {
					_ = cmd.Process.Kill()
				}
			},
		}, nil
	}
}

// Ready reports whether the child is connected and serving.
func (w *Watchdog) Ready() bool {
	return w.state.Load() == StateReady
}

// ExecuteTool runs one MCP tool call. Calls are strictly serialized; a call
// entered while the child is down triggers a respawn before execution.
// On hard timeout the child is SIGKILLed and respawned, and the call fails.
func (w *Watchdog) ExecuteTool(ctx context.Context, name string, args map[string]any) (json.RawMessage, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.current == nil {
		if err := w.respawnLocked(ctx); err != nil {
			return nil, err
		}
	}

	callCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()

	type callOutcome struct {
		result *mcpsdk.CallToolResult
		err    error
	}
	done := make(chan callOutcome, 1)
	session := w.current.session
	go func() {
		result, err := session.CallTool(callCtx, &mcpsdk.CallToolParams{Name: name, Arguments: args})
		done <- callOutcome{result: result, err: err}
	}()

	select {
	case out := <-done:
		if out.err != nil {
			if callCtx.Err() != nil {
				break // treated as the timeout path below
			}
			// Transport-level failures leave the child in an unknown state;
			// dispose it so the next call respawns.
			w.disposeLocked()
			return nil, fmt.Errorf("tool %s: %w", name, out.err)
		}
		// A completed round-trip proves the child healthy; the restart
		// budget replenishes so occasional kills never accumulate into
		// a permanent ErrMCPUnstable.
		w.restarts = 0
		return extractToolJSON(name, out.result)
	case <-callCtx.Done():
	}

	if ctx.Err() != nil {
		// The caller went away, not the child; leave it running.
		return nil, ctx.Err()
	}

	w.logger.Warn("Tool call exceeded hard timeout, killing child",
		"tool", name, "timeout", w.timeout)
	w.disposeLocked()
	if err := w.respawnLocked(context.Background()); err != nil {
		w.logger.Error("Respawn after timeout failed", "error", err)
	}
	return nil, fmt.Errorf("tool %s timed out after %s", name, w.timeout)
}

// Close tears the child down. The watchdog is not usable afterwards.
func (w *Watchdog) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.disposeLocked()
}

// respawnLocked starts a fresh child. Caller holds w.mu.
func (w *Watchdog) respawnLocked(ctx context.Context) error {
	if w.restarts >= w.restartBudget {
		w.setState(StateDead)
		return fmt.Errorf("%w: restart budget of %d exhausted", ErrMCPUnstable, w.restartBudget)
	}
	w.restarts++
	w.setState(StateSpawning)

	spawnCtx, cancel := context.WithTimeout(ctx, w.timeout)
	defer cancel()
	c, err := w.spawn(spawnCtx)
	if err != nil {
		w.setState(StateDead)
		return fmt.Errorf("spawn mcp child: %w", err)
	}
	w.current = c
	w.setState(StateReady)
	return nil
}

// disposeLocked kills the child and disposes its handles before any new
// ones are created. Teardown itself is bounded by the force-cleanup
// timeout. Caller holds w.mu.
func (w *Watchdog) disposeLocked() {
	c := w.current
	if c == nil {
		return
	}
	w.setState(StateKilling)
	w.current = nil

	if c.kill != nil {
		c.kill()
	}
	closed := make(chan struct{})
	go func() {
		_ = c.session.Close()
		close(closed)
	}()
	select {
	case <-closed:
	case <-time.After(w.teardown):
		w.logger.Warn("Session teardown exceeded force-cleanup timeout, abandoning handles",
			"timeout", w.teardown)
	}
	w.setState(StateDead)
}

func (w *Watchdog) setState(s int32) {
	old := w.state.Swap(s)
	if old != s {
		w.logger.Info("Watchdog state changed", "from", stateName(old), "to", stateName(s))
	}
}

// extractToolJSON concatenates the result's text content and validates it
// as JSON. Malformed tool output is an error, never guessed at.
func extractToolJSON(name string, result *mcpsdk.CallToolResult) (json.RawMessage, error) {
	var parts []string
	for _, content := range result.Content {
		if tc, ok := content.(*mcpsdk.TextContent); ok {
			parts = append(parts, tc.Text)
		}
	}
	text := strings.Join(parts, "\n")
	if result.IsError {
		return nil, fmt.Errorf("tool %s returned an error: %s", name, text)
	}
	if !json.Valid([]byte(text)) {
		return nil, fmt.Errorf("tool %s returned malformed output", name)
	}
	return json.RawMessage(text), nil
}
