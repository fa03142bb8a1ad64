// Package sidecar speaks the sandbox runtime's line-delimited JSON protocol
// over stdin/stdout. The runtime hosts untrusted wasm tools; mid-invoke it
// may call back into the host through the host_call event channel.
package sidecar

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"
)

// Channel states.
const (
	StateUnstarted = "unstarted"
	StateStarted   = "started"
	StateReady     = "ready"
	StateRunning   = "running"
	StateStopping  = "stopping"
	StateStopped   = "stopped"
)

const (
	protocolVersion  uint32 = 1
	hostReplyTimeout        = 10 * time.Second

	// Reserved host tools, reachable only through the host-callback channel.
	toolSecretExists  = "__lemon.secret.exists"
	toolSecretResolve = "__lemon.secret.resolve"
)

// ErrStopped is returned for requests issued after the channel terminated.
var ErrStopped = errors.New("sidecar channel stopped")

// SecretSource answers the reserved secret host tools.
type SecretSource interface {
	Exists(name string) bool
	Resolve(name string) (value, source string, ok bool)
}

// HostCallHandler runs a non-reserved host tool on the sandbox's behalf and
// returns its output JSON.
type HostCallHandler func(ctx context.Context, tool, paramsJSON string) (string, error)

// Options configures a Channel.
type Options struct {
	// Command launches the runtime binary; ignored by StartWithPipes.
	Command []string
	// Paths are tool search paths passed to discover.
	Paths    []string
	Defaults DiscoverDefaults

	Secrets    SecretSource
	OnHostCall HostCallHandler

	// RestartEvery throttles Restart attempts. Zero means one per 10s.
	RestartEvery time.Duration
}

// Channel is one stdio connection to the sandbox runtime.
type Channel struct {
	opts Options

	mu        sync.Mutex
	state     string
	status    string
	tools     []ToolDescriptor
	pending   map[string]chan frame
	hostDepth map[string]int
	inflight  int
	cmd       *exec.Cmd
	stdin     io.WriteCloser

	writeMu sync.Mutex
	nextID  atomic.Uint64
	limiter *rate.Limiter
}

// New returns an unstarted channel.
func New(opts Options) *Channel {
	every := opts.RestartEvery
	if every <= 0 {
		every = 10 * time.Second
	}
	if opts.Defaults.MaxToolInvokeDepth <= 0 {
		opts.Defaults.MaxToolInvokeDepth = 4
	}
	return &Channel{
		opts:      opts,
		state:     StateUnstarted,
		pending:   make(map[string]chan frame),
		hostDepth: make(map[string]int),
		limiter:   rate.NewLimiter(rate.Every(every), 1),
	}
}

// Start launches the runtime binary and performs the handshake. A missing
// or broken binary is not fatal: the channel ends up stopped with Status
// describing why, and Tools() stays empty.
func (c *Channel) Start(ctx context.Context) {
	c.mu.Lock()
	if c.state != StateUnstarted && c.state != StateStopped {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()

	if len(c.opts.Command) == 0 {
		c.fail("no runtime binary configured")
		return
	}

	cmd := exec.CommandContext(ctx, c.opts.Command[0], c.opts.Command[1:]...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		c.fail(fmt.Sprintf("runtime stdin: %v", err))
		return
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		c.fail(fmt.Sprintf("runtime stdout: %v", err))
		return
	}
	if err := cmd.Start(); err != nil {
		c.fail(fmt.Sprintf("runtime start failed: %v", err))
		return
	}

	c.mu.Lock()
	c.cmd = cmd
	c.mu.Unlock()

	go func() {
		if err := cmd.Wait(); err != nil {
			slog.Warn("sidecar.runtime.exited", "error", err)
		}
		c.markStopped("runtime exited")
	}()

	c.StartWithPipes(ctx, stdout, stdin)
}

// StartWithPipes attaches the channel to an already-open transport and
// performs the handshake. Tests drive the runtime side through the pipes.
func (c *Channel) StartWithPipes(ctx context.Context, r io.Reader, w io.WriteCloser) {
	c.mu.Lock()
	c.stdin = w
	c.state = StateStarted
	c.status = ""
	c.mu.Unlock()

	go c.readLoop(r)

	if err := c.handshake(ctx); err != nil {
		c.fail(fmt.Sprintf("handshake failed: %v", err))
		return
	}
	slog.Info("sidecar.channel.started", "tools", len(c.Tools()))
}

func (c *Channel) handshake(ctx context.Context) error {
	id := c.genID()
	resp, err := c.call(ctx, id, helloRequest{Type: reqHello, ID: id, Version: protocolVersion})
	if err != nil {
		return fmt.Errorf("hello: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("hello rejected: %s", resp.Error)
	}
	var hello HelloResult
	if err := json.Unmarshal(resp.Result, &hello); err != nil {
		return fmt.Errorf("hello decode: %w", err)
	}
	if hello.Version != protocolVersion {
		return fmt.Errorf("unsupported runtime protocol version %d", hello.Version)
	}

	id = c.genID()
	resp, err = c.call(ctx, id, discoverRequest{
		Type:     reqDiscover,
		ID:       id,
		Paths:    c.opts.Paths,
		Defaults: c.opts.Defaults,
	})
	if err != nil {
		return fmt.Errorf("discover: %w", err)
	}
	if !resp.OK {
		return fmt.Errorf("discover rejected: %s", resp.Error)
	}
	var disc DiscoverResult
	if err := json.Unmarshal(resp.Result, &disc); err != nil {
		return fmt.Errorf("discover decode: %w", err)
	}
	for _, w := range disc.Warnings {
		slog.Warn("sidecar.discover.warning", "warning", w)
	}
	for _, e := range disc.Errors {
		slog.Warn("sidecar.discover.error", "error", e)
	}

	c.mu.Lock()
	c.tools = disc.Tools
	if c.state == StateStarted {
		c.state = StateReady
	}
	c.mu.Unlock()
	return nil
}

// Invoke runs a sandboxed tool. A runtime-reported tool failure comes back
// in InvokeResult.Error; a returned error means the transport itself failed.
func (c *Channel) Invoke(ctx context.Context, tool, paramsJSON, contextJSON string) (InvokeResult, error) {
	c.mu.Lock()
	if c.state != StateReady && c.state != StateRunning {
		c.mu.Unlock()
		return InvokeResult{}, ErrStopped
	}
	c.inflight++
	c.state = StateRunning
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.inflight--
		if c.inflight == 0 && c.state == StateRunning {
			c.state = StateReady
		}
		c.mu.Unlock()
	}()

	id := c.genID()
	resp, err := c.call(ctx, id, invokeRequest{
		Type:        reqInvoke,
		ID:          id,
		Tool:        tool,
		ParamsJSON:  paramsJSON,
		ContextJSON: contextJSON,
	})

	c.mu.Lock()
	delete(c.hostDepth, id)
	c.mu.Unlock()

	if err != nil {
		return InvokeResult{}, err
	}
	if !resp.OK {
		return InvokeResult{Error: resp.Error}, nil
	}
	var res InvokeResult
	if err := json.Unmarshal(resp.Result, &res); err != nil {
		return InvokeResult{}, fmt.Errorf("invoke decode: %w", err)
	}
	return res, nil
}

// Shutdown asks the runtime to exit and terminates the channel.
func (c *Channel) Shutdown(ctx context.Context) {
	c.mu.Lock()
	if c.state == StateStopped || c.state == StateStopping || c.state == StateUnstarted {
		c.mu.Unlock()
		return
	}
	c.state = StateStopping
	stdin := c.stdin
	c.mu.Unlock()

	id := c.genID()
	if _, err := c.call(ctx, id, shutdownRequest{Type: reqShutdown, ID: id}); err != nil {
		slog.Warn("sidecar.shutdown.no_ack", "error", err)
	}
	if stdin != nil {
		stdin.Close()
	}
	c.markStopped("shut down")
}

// Restart relaunches the runtime, rate limited so a crash-looping binary
// does not spin. Only usable for process-backed channels.
func (c *Channel) Restart(ctx context.Context) error {
	if !c.limiter.Allow() {
		return errors.New("sidecar restart throttled")
	}
	c.mu.Lock()
	if c.state != StateStopped {
		c.mu.Unlock()
		return fmt.Errorf("restart from state %s", c.state)
	}
	c.state = StateUnstarted
	c.pending = make(map[string]chan frame)
	c.hostDepth = make(map[string]int)
	c.tools = nil
	c.mu.Unlock()

	c.Start(ctx)
	if c.State() != StateReady {
		return fmt.Errorf("restart failed: %s", c.Status())
	}
	return nil
}

// State returns the channel's lifecycle state.
func (c *Channel) State() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status describes why the channel is not serving, empty when healthy.
func (c *Channel) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Tools returns the descriptors reported by discover.
func (c *Channel) Tools() []ToolDescriptor {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]ToolDescriptor, len(c.tools))
	copy(out, c.tools)
	return out
}

// ToolNames returns the discovered tool names.
func (c *Channel) ToolNames() []string {
	tools := c.Tools()
	names := make([]string, len(tools))
	for i, t := range tools {
		names[i] = t.Name
	}
	return names
}

// Tool returns the descriptor for name.
func (c *Channel) Tool(name string) (ToolDescriptor, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range c.tools {
		if t.Name == name {
			return t, true
		}
	}
	return ToolDescriptor{}, false
}

func (c *Channel) genID() string {
	return fmt.Sprintf("req-%d", c.nextID.Add(1))
}

// call sends one request and waits for its correlated response frame.
func (c *Channel) call(ctx context.Context, id string, req any) (frame, error) {
	ch := make(chan frame, 1)
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return frame{}, ErrStopped
	}
	c.pending[id] = ch
	stdin := c.stdin
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
	}()

	data, err := json.Marshal(req)
	if err != nil {
		return frame{}, fmt.Errorf("encode frame: %w", err)
	}
	data = append(data, '\n')

	c.writeMu.Lock()
	_, err = stdin.Write(data)
	c.writeMu.Unlock()
	if err != nil {
		return frame{}, fmt.Errorf("write frame: %w", err)
	}

	select {
	case <-ctx.Done():
		return frame{}, ctx.Err()
	case f, ok := <-ch:
		if !ok {
			return frame{}, ErrStopped
		}
		return f, nil
	}
}

func (c *Channel) readLoop(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)

	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var f frame
		if err := json.Unmarshal(line, &f); err != nil {
			slog.Warn("sidecar.frame.decode_failed", "error", err)
			continue
		}
		switch f.Type {
		case frameResponse:
			c.mu.Lock()
			ch, ok := c.pending[f.ID]
			c.mu.Unlock()
			if !ok {
				slog.Warn("sidecar.frame.orphan_response", "id", f.ID)
				continue
			}
			ch <- f
		case frameEvent:
			if f.Event == eventHostCall {
				go c.handleHostCall(f)
			} else {
				slog.Debug("sidecar.event.ignored", "event", f.Event)
			}
		default:
			slog.Warn("sidecar.frame.unknown_type", "type", f.Type)
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Warn("sidecar.read.failed", "error", err)
	}
	c.markStopped("transport closed")
}

// handleHostCall runs a reserved or host-side tool for the sandbox and
// replies with host_call_result. Depth counts outstanding host calls per
// outer invoke, so sequential calls are free but re-entrant nesting is
// bounded.
func (c *Channel) handleHostCall(f frame) {
	ctx, cancel := context.WithTimeout(context.Background(), hostReplyTimeout)
	defer cancel()

	limit := c.opts.Defaults.MaxToolInvokeDepth
	c.mu.Lock()
	depth := c.hostDepth[f.RequestID] + 1
	if depth <= limit {
		c.hostDepth[f.RequestID] = depth
	}
	c.mu.Unlock()

	if depth > limit {
		c.replyHostCall(ctx, f.CallID, "", fmt.Sprintf("host call depth %d exceeds limit %d", depth, limit))
		return
	}
	defer func() {
		c.mu.Lock()
		if d := c.hostDepth[f.RequestID]; d > 0 {
			c.hostDepth[f.RequestID] = d - 1
		}
		c.mu.Unlock()
	}()

	output, err := c.dispatchHostCall(ctx, f.Tool, f.ParamsJSON)
	if err != nil {
		c.replyHostCall(ctx, f.CallID, "", err.Error())
		return
	}
	c.replyHostCall(ctx, f.CallID, output, "")
}

func (c *Channel) dispatchHostCall(ctx context.Context, tool, paramsJSON string) (string, error) {
	switch tool {
	case toolSecretExists, toolSecretResolve:
		return c.secretHostCall(tool, paramsJSON)
	}
	if c.opts.OnHostCall == nil {
		return "", fmt.Errorf("no host handler for tool %s", tool)
	}
	return c.opts.OnHostCall(ctx, tool, paramsJSON)
}

func (c *Channel) secretHostCall(tool, paramsJSON string) (string, error) {
	if c.opts.Secrets == nil {
		return "", errors.New("secret store unavailable")
	}
	var params struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(paramsJSON), &params); err != nil {
		return "", fmt.Errorf("bad secret params: %w", err)
	}
	if params.Name == "" {
		return "", errors.New("secret name required")
	}

	switch tool {
	case toolSecretExists:
		out, _ := json.Marshal(map[string]bool{"exists": c.opts.Secrets.Exists(params.Name)})
		return string(out), nil
	default:
		value, source, ok := c.opts.Secrets.Resolve(params.Name)
		if !ok {
			return "", fmt.Errorf("secret not found: %s", params.Name)
		}
		out, _ := json.Marshal(map[string]string{"value": value, "source": source})
		return string(out), nil
	}
}

func (c *Channel) replyHostCall(ctx context.Context, callID, outputJSON, errText string) {
	id := c.genID()
	req := hostCallResultRequest{
		Type:       reqHostCallResult,
		ID:         id,
		CallID:     callID,
		OK:         errText == "",
		OutputJSON: outputJSON,
		Error:      errText,
	}
	if _, err := c.call(ctx, id, req); err != nil {
		slog.Warn("sidecar.host_call.reply_failed", "call_id", callID, "error", err)
	}
}

// fail records a non-fatal startup failure. The session keeps going with no
// sandboxed tools.
func (c *Channel) fail(reason string) {
	slog.Warn("sidecar.channel.unavailable", "reason", reason)
	c.mu.Lock()
	c.status = reason
	c.mu.Unlock()
	c.markStopped(reason)
}

// markStopped terminates the channel and drains every outstanding caller.
func (c *Channel) markStopped(reason string) {
	c.mu.Lock()
	if c.state == StateStopped {
		c.mu.Unlock()
		return
	}
	c.state = StateStopped
	if c.status == "" {
		c.status = reason
	}
	pending := c.pending
	c.pending = make(map[string]chan frame)
	c.hostDepth = make(map[string]int)
	c.mu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
	if len(pending) > 0 {
		slog.Warn("sidecar.channel.drained", "pending", len(pending), "reason", reason)
	}
}
