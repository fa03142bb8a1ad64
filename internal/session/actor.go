package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/metric"

	"github.com/lemonhq/lemon/internal/auth"
	"github.com/lemonhq/lemon/internal/budget"
	"github.com/lemonhq/lemon/internal/config"
	"github.com/lemonhq/lemon/internal/coordinator"
	"github.com/lemonhq/lemon/internal/extensions"
	"github.com/lemonhq/lemon/internal/hooks"
	"github.com/lemonhq/lemon/internal/providers"
	"github.com/lemonhq/lemon/internal/secrets"
	"github.com/lemonhq/lemon/internal/sidecar"
	"github.com/lemonhq/lemon/internal/store"
	"github.com/lemonhq/lemon/internal/tools"
	"github.com/lemonhq/lemon/internal/tools/builtin"
)

// Turn states.
const (
	StateIdle         = "idle"
	StatePreparing    = "preparing"
	StateStreaming    = "streaming"
	StateToolDispatch = "tool_dispatch"
	StateFinalizing   = "finalizing"
)

const (
	mailboxSize            = 64
	defaultRecoveryTimeout = 30 * time.Second
)

// ErrMailboxFull is returned when the actor cannot accept another command.
var ErrMailboxFull = errors.New("session mailbox full")

// ErrSessionStopped is returned for commands sent to a stopped session.
var ErrSessionStopped = errors.New("session stopped")

// RecoverFunc produces a compacted entry set after a context overflow.
type RecoverFunc func(ctx context.Context, sig Signature, entries []Entry) ([]Entry, string, error)

// Options configures Start.
type Options struct {
	SessionID     string
	ParentSession string
	Cwd           string
	Model         providers.ModelRef
	Stream        providers.StreamFn
	Config        *config.Config

	// Tools replaces the default local tool set when non-nil. Extension and
	// sidecar tools are appended either way.
	Tools []tools.Tool

	Secrets     *secrets.Store
	Hooks       *hooks.Registry
	Tracker     *budget.Tracker
	Budget      budget.Budget
	Coordinator *coordinator.Coordinator
	Procs       *store.ProcessStore
	Approval    tools.ApprovalFunc

	// OverflowFailures counts failed overflow recoveries.
	OverflowFailures metric.Int64Counter

	// Recover overrides the built-in compaction task.
	Recover         RecoverFunc
	RecoveryTimeout time.Duration
}

// Signature pins an overflow recovery to the conversation state it started
// from. Results with a different signature are stale and dropped.
type Signature struct {
	SessionID  string `json:"session_id"`
	LeafID     string `json:"leaf_id"`
	EntryCount int    `json:"entry_count"`
	TurnIndex  int    `json:"turn_index"`
	Provider   string `json:"provider"`
	ModelID    string `json:"model_id"`
}

type overflowState struct {
	InProgress bool
	Attempted  bool
	Signature  Signature
}

// State is the snapshot returned by GetState.
type State struct {
	SessionID          string   `json:"session_id"`
	ParentSession      string   `json:"parent_session,omitempty"`
	State              string   `json:"state"`
	IsStreaming        bool     `json:"is_streaming"`
	TurnIndex          int      `json:"turn_index"`
	LeafID             string   `json:"leaf_id,omitempty"`
	EntryCount         int      `json:"entry_count"`
	SteeringDepth      int      `json:"steering_depth"`
	WasmToolNames      []string `json:"wasm_tool_names"`
	WasmStatus         string   `json:"wasm_status,omitempty"`
	OverflowInProgress bool     `json:"overflow_in_progress"`
	OverflowAttempted  bool     `json:"overflow_attempted"`
}

// Stats is the snapshot returned by GetStats.
type Stats struct {
	SessionID   string  `json:"session_id"`
	TurnIndex   int     `json:"turn_index"`
	EntryCount  int     `json:"entry_count"`
	Tokens      int     `json:"tokens"`
	Cost        float64 `json:"cost"`
	Subscribers int     `json:"subscribers"`
	Hooks       int     `json:"hooks"`
	Tools       int     `json:"tools"`
}

// mailbox commands
type promptCmd struct{ text string }
type steerCmd struct{ text string }
type subscribeCmd struct {
	mode  string
	reply chan subscribeReply
}
type subscribeReply struct {
	id string
	ch <-chan Frame
}
type unsubscribeCmd struct {
	id    string
	reply chan bool
}
type stateCmd struct{ reply chan State }
type statsCmd struct{ reply chan Stats }
type abortCmd struct{}
type reloadCmd struct{ reply chan struct{} }
type stopCmd struct{ reply chan struct{} }

// Actor is one session. All mutable state is owned by the run goroutine;
// public methods communicate through the mailbox.
type Actor struct {
	id   string
	opts Options
	cfg  *config.Config

	registry *tools.Registry
	gate     *tools.Gate
	conv     *Conversation
	subs     *subscribers
	ext      *extensions.Manager
	side     *sidecar.Channel
	hooks    *hooks.Registry

	mailbox    chan any
	recoveryCh chan recoveryResult
	done       chan struct{}

	ctx    context.Context
	cancel context.CancelFunc

	// run-goroutine-owned state
	state        string
	turnIndex    int
	isStreaming  bool
	steering     []string
	overflow     overflowState
	wasmStatus   string
	streamCancel context.CancelFunc
	stopping     bool
	stopReplies  []chan struct{}
}

// Start builds the session and launches its goroutine. A missing sandbox
// runtime is reflected in state, never an error.
func Start(opts Options) (*Actor, error) {
	if opts.Stream == nil {
		return nil, errors.New("stream function is required")
	}
	if opts.Model.Provider == "" || opts.Model.ID == "" {
		return nil, errors.New("model is required")
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	if opts.Hooks == nil {
		opts.Hooks = hooks.NewRegistry()
	}
	if opts.RecoveryTimeout <= 0 {
		opts.RecoveryTimeout = defaultRecoveryTimeout
	}

	id := opts.SessionID
	if id == "" {
		id = store.GenID()
	}

	ctx, cancel := context.WithCancel(context.Background())
	a := &Actor{
		id:         id,
		opts:       opts,
		cfg:        opts.Config,
		registry:   tools.NewRegistry(),
		conv:       NewConversation(),
		subs:       newSubscribers(),
		hooks:      opts.Hooks,
		mailbox:    make(chan any, mailboxSize),
		recoveryCh: make(chan recoveryResult, 4),
		done:       make(chan struct{}),
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
	}
	a.gate = tools.NewGate(id, a.cfg.Tools.Policy, opts.Approval)

	a.registerLocalTools()
	a.loadExtensions()
	a.startSidecar()

	if opts.Tracker != nil {
		b := opts.Budget
		opts.Tracker.Create(id, b.MaxTokens, b.MaxCost, b.MaxChildren)
	}

	go a.run()
	slog.Info("session.started", "session", id, "model", opts.Model.ID, "tools", len(a.registry.Names()))
	return a, nil
}

// registerLocalTools installs either the defaults or the caller's custom
// list.
func (a *Actor) registerLocalTools() {
	if a.opts.Tools != nil {
		for _, t := range a.opts.Tools {
			a.registry.Register(t, tools.SourceLocal)
		}
	} else {
		a.registry.Register(builtin.NewExecTool(a.opts.Cwd, 0, a.opts.Procs), tools.SourceLocal)
		a.registry.Register(builtin.NewReadFileTool(a.opts.Cwd), tools.SourceLocal)
		a.registry.Register(builtin.NewWriteFileTool(a.opts.Cwd), tools.SourceLocal)
		a.registry.Register(builtin.NewListFilesTool(a.opts.Cwd), tools.SourceLocal)
		a.registry.Register(builtin.NewWebFetchTool(), tools.SourceLocal)
	}
	if a.opts.Coordinator != nil {
		a.registry.Register(&subagentsTool{actor: a}, tools.SourceLocal)
	}
}

func (a *Actor) loadExtensions() {
	a.ext = extensions.NewManager(a.registry)
	if len(a.cfg.ExtensionPaths) == 0 {
		return
	}
	a.ext.LoadAll(a.ctx, a.cfg.ExtensionPaths)
	a.ext.RegisterHooks(a.hooks, a.id)

	go func() {
		err := extensions.Watch(a.ctx, a.cfg.ExtensionPaths, func() {
			if reloadErr := a.ReloadExtensions(); reloadErr != nil {
				slog.Warn("session.extensions.reload_failed", "session", a.id, "error", reloadErr)
			}
		})
		if err != nil {
			slog.Warn("session.extensions.watch_failed", "session", a.id, "error", err)
		}
	}()
}

func (a *Actor) startSidecar() {
	wasm := a.cfg.Tools.Wasm
	if !wasm.Enabled {
		return
	}

	var src sidecar.SecretSource
	if a.opts.Secrets != nil {
		src = a.opts.Secrets
	}
	paths := append([]string{}, wasm.DiscoverPaths...)
	paths = append(paths, wasm.ToolPaths...)

	a.side = sidecar.New(sidecar.Options{
		Command: []string{wasm.RuntimePath},
		Paths:   paths,
		Defaults: sidecar.DiscoverDefaults{
			DefaultMemoryLimit: int64(wasm.DefaultMemoryLimit),
			DefaultTimeoutMS:   int(wasm.DefaultTimeoutMS),
			DefaultFuelLimit:   int64(wasm.DefaultFuelLimit),
			CacheCompiled:      wasm.CacheCompiled,
			CacheDir:           wasm.CacheDir,
			MaxToolInvokeDepth: wasm.MaxToolInvokeDepth,
		},
		Secrets:    src,
		OnHostCall: a.hostCall,
	})
	a.side.Start(a.ctx)
	a.wasmStatus = a.side.Status()
	for _, desc := range a.side.Tools() {
		a.registry.Register(newSidecarTool(desc, a.side, a.gate), tools.SourceSidecar)
	}
}

// AttachSidecar replaces the sandbox channel, registering its discovered
// tools. Used by tests and by restart handling.
func (a *Actor) AttachSidecar(ch *sidecar.Channel) {
	a.registry.UnregisterSource(tools.SourceSidecar)
	a.side = ch
	a.wasmStatus = ch.Status()
	for _, desc := range ch.Tools() {
		a.registry.Register(newSidecarTool(desc, ch, a.gate), tools.SourceSidecar)
	}
}

// ID returns the session ID.
func (a *Actor) ID() string { return a.id }

// Done closes when the session goroutine has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) send(cmd any) error {
	select {
	case <-a.done:
		return ErrSessionStopped
	default:
	}
	select {
	case a.mailbox <- cmd:
		return nil
	default:
		return ErrMailboxFull
	}
}

// Prompt begins a turn (or queues the text as steering mid-turn).
func (a *Actor) Prompt(text string) error {
	return a.send(promptCmd{text: text})
}

// Steer queues a mid-turn interjection.
func (a *Actor) Steer(text string) error {
	return a.send(steerCmd{text: text})
}

// Subscribe attaches an event-stream subscriber and returns its ID. Poll
// subscribers receive no frames; they read snapshots via GetState.
func (a *Actor) Subscribe(mode string) (string, <-chan Frame, error) {
	if mode != ModeStream && mode != ModePoll {
		return "", nil, fmt.Errorf("unknown subscription mode %q", mode)
	}
	reply := make(chan subscribeReply, 1)
	if err := a.send(subscribeCmd{mode: mode, reply: reply}); err != nil {
		return "", nil, err
	}
	select {
	case r := <-reply:
		return r.id, r.ch, nil
	case <-a.done:
		return "", nil, ErrSessionStopped
	}
}

// Unsubscribe detaches a subscriber.
func (a *Actor) Unsubscribe(id string) bool {
	reply := make(chan bool, 1)
	if err := a.send(unsubscribeCmd{id: id, reply: reply}); err != nil {
		return false
	}
	select {
	case ok := <-reply:
		return ok
	case <-a.done:
		return false
	}
}

// GetState returns a state snapshot.
func (a *Actor) GetState() (State, error) {
	reply := make(chan State, 1)
	if err := a.send(stateCmd{reply: reply}); err != nil {
		return State{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-a.done:
		return State{}, ErrSessionStopped
	}
}

// GetStats returns usage statistics.
func (a *Actor) GetStats() (Stats, error) {
	reply := make(chan Stats, 1)
	if err := a.send(statsCmd{reply: reply}); err != nil {
		return Stats{}, err
	}
	select {
	case s := <-reply:
		return s, nil
	case <-a.done:
		return Stats{}, ErrSessionStopped
	}
}

// Abort cancels the in-flight turn, if any.
func (a *Actor) Abort() error {
	return a.send(abortCmd{})
}

// ReloadExtensions tears down and reloads the extension set.
func (a *Actor) ReloadExtensions() error {
	reply := make(chan struct{}, 1)
	if err := a.send(reloadCmd{reply: reply}); err != nil {
		return err
	}
	select {
	case <-reply:
		return nil
	case <-a.done:
		return nil
	}
}

// Stop terminates the session: aborts any stream, sends terminal frames,
// shuts the sidecar down, and exits the goroutine.
func (a *Actor) Stop(ctx context.Context) error {
	reply := make(chan struct{}, 1)
	if err := a.send(stopCmd{reply: reply}); err != nil {
		if errors.Is(err, ErrSessionStopped) {
			return nil
		}
		// Mailbox full: force the lifetime context down.
		a.cancel()
	}
	select {
	case <-a.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run is the actor loop. It owns every piece of session state.
func (a *Actor) run() {
	defer a.cleanup()

	for {
		select {
		case <-a.ctx.Done():
			return
		case msg := <-a.mailbox:
			switch m := msg.(type) {
			case promptCmd:
				a.runTurn(m.text)
			case steerCmd:
				// Idle steer starts a turn directly.
				a.runTurn(m.text)
			case stopCmd:
				a.stopReplies = append(a.stopReplies, m.reply)
				return
			default:
				a.handleControl(msg)
			}
			if a.stopping {
				return
			}
		}
	}
}

// handleControl serves the commands that are valid both idle and mid-turn.
// It reports whether the session should stop.
func (a *Actor) handleControl(msg any) {
	switch m := msg.(type) {
	case subscribeCmd:
		id, ch := a.subs.add(m.mode)
		m.reply <- subscribeReply{id: id, ch: ch}
	case unsubscribeCmd:
		m.reply <- a.subs.remove(m.id)
	case stateCmd:
		m.reply <- a.snapshotState()
	case statsCmd:
		m.reply <- a.snapshotStats()
	case abortCmd:
		if a.streamCancel != nil {
			a.streamCancel()
		}
	case reloadCmd:
		a.hooks.UnregisterAll(a.id)
		a.ext.Reload(a.ctx, a.cfg.ExtensionPaths)
		a.ext.RegisterHooks(a.hooks, a.id)
		m.reply <- struct{}{}
	default:
		// Stray messages never crash the session.
		slog.Debug("session.unknown_message", "session", a.id, "type", fmt.Sprintf("%T", msg))
	}
}

// handleDuringTurn processes mailbox traffic while a turn is in flight.
// It reports whether the session must stop.
func (a *Actor) handleDuringTurn(msg any) bool {
	switch m := msg.(type) {
	case promptCmd:
		a.steering = append(a.steering, m.text)
	case steerCmd:
		a.steering = append(a.steering, m.text)
	case stopCmd:
		a.stopping = true
		a.stopReplies = append(a.stopReplies, m.reply)
		if a.streamCancel != nil {
			a.streamCancel()
		}
		return true
	default:
		a.handleControl(msg)
	}
	return false
}

func (a *Actor) snapshotState() State {
	return State{
		SessionID:          a.id,
		ParentSession:      a.opts.ParentSession,
		State:              a.state,
		IsStreaming:        a.isStreaming,
		TurnIndex:          a.turnIndex,
		LeafID:             a.conv.Leaf(),
		EntryCount:         a.conv.Len(),
		SteeringDepth:      len(a.steering),
		WasmToolNames:      a.wasmToolNames(),
		WasmStatus:         a.wasmStatus,
		OverflowInProgress: a.overflow.InProgress,
		OverflowAttempted:  a.overflow.Attempted,
	}
}

func (a *Actor) wasmToolNames() []string {
	names := a.registry.NamesBySource(tools.SourceSidecar)
	if names == nil {
		names = []string{}
	}
	return names
}

func (a *Actor) snapshotStats() Stats {
	var tokens int
	var cost float64
	if a.opts.Tracker != nil {
		tokens, cost = a.opts.Tracker.Usage(a.id)
	}
	return Stats{
		SessionID:   a.id,
		TurnIndex:   a.turnIndex,
		EntryCount:  a.conv.Len(),
		Tokens:      tokens,
		Cost:        cost,
		Subscribers: a.subs.count(),
		Hooks:       len(a.hooks.List(a.id)),
		Tools:       len(a.registry.Names()),
	}
}

// cleanup runs exactly once when the goroutine exits.
func (a *Actor) cleanup() {
	a.state = StateFinalizing
	if a.isStreaming {
		a.subs.terminal(Frame{Type: FrameCanceled, Reason: "session_stopped"})
		a.isStreaming = false
	}
	if a.side != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		a.side.Shutdown(shutdownCtx)
		cancel()
	}
	a.ext.UnloadAll()
	a.hooks.UnregisterAll(a.id)
	if a.opts.Tracker != nil {
		a.opts.Tracker.Release(a.id)
	}
	a.cancel()
	close(a.done)
	for _, reply := range a.stopReplies {
		reply <- struct{}{}
	}
	slog.Info("session.stopped", "session", a.id, "turns", a.turnIndex)
}

func (a *Actor) resolveAPIKey() string {
	var lookup auth.SecretLookup
	if a.opts.Secrets != nil {
		lookup = a.opts.Secrets
	}
	return auth.ResolveAPIKey(a.opts.Model.Provider, a.cfg, lookup)
}
