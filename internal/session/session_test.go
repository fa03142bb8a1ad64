package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/embedded"

	"github.com/lemonhq/lemon/internal/config"
	"github.com/lemonhq/lemon/internal/providers"
	"github.com/lemonhq/lemon/internal/tools"
)

// scriptedStream replays one event script per stream call and records the
// history each call received.
type scriptedStream struct {
	mu        sync.Mutex
	scripts   [][]providers.StreamEvent
	histories [][]providers.Message
}

func (s *scriptedStream) fn(ctx context.Context, model providers.ModelRef, history []providers.Message, opts providers.StreamOpts) (<-chan providers.StreamEvent, error) {
	s.mu.Lock()
	if len(s.scripts) == 0 {
		s.mu.Unlock()
		return nil, errors.New("no script left")
	}
	script := s.scripts[0]
	s.scripts = s.scripts[1:]
	s.histories = append(s.histories, history)
	s.mu.Unlock()

	ch := make(chan providers.StreamEvent, len(script))
	for _, ev := range script {
		ch <- ev
	}
	close(ch)
	return ch, nil
}

func (s *scriptedStream) historyCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.histories)
}

func (s *scriptedStream) history(i int) []providers.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.histories[i]
}

func endTurnScript(text string) []providers.StreamEvent {
	msg := providers.TextMessage(providers.RoleAssistant, text)
	msg.StopReason = providers.StopEndTurn
	return []providers.StreamEvent{
		{Type: providers.EventStart},
		{Type: providers.EventTextDelta, Text: text},
		{Type: providers.EventMessageEnd, Message: &msg},
		{Type: providers.EventAgentEnd, Messages: []providers.Message{msg}},
	}
}

func toolUseScript(call providers.ToolCall) []providers.StreamEvent {
	msg := providers.Message{
		Role:       providers.RoleAssistant,
		Content:    []providers.ContentBlock{{Type: providers.BlockToolCall, Call: &call}},
		StopReason: providers.StopToolUse,
	}
	return []providers.StreamEvent{
		{Type: providers.EventStart},
		{Type: providers.EventToolCallEnd, Call: &call},
		{Type: providers.EventMessageEnd, Message: &msg},
	}
}

func testModel() providers.ModelRef {
	return providers.ModelRef{Provider: "testing", ID: "fake-1"}
}

func startActor(t *testing.T, opts Options) *Actor {
	t.Helper()
	if opts.Model.Provider == "" {
		opts.Model = testModel()
	}
	if opts.Config == nil {
		opts.Config = config.Default()
	}
	a, err := Start(opts)
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		a.Stop(ctx)
	})
	return a
}

// waitTerminal drains frames until the terminal one and returns every frame
// seen, terminal last.
func waitTerminal(t *testing.T, ch <-chan Frame) []Frame {
	t.Helper()
	var frames []Frame
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-ch:
			frames = append(frames, f)
			if f.Terminal {
				return frames
			}
		case <-deadline:
			t.Fatalf("no terminal frame after %d frames", len(frames))
		}
	}
}

func TestSimpleTurn(t *testing.T) {
	stream := &scriptedStream{scripts: [][]providers.StreamEvent{endTurnScript("hello there")}}
	a := startActor(t, Options{Stream: stream.fn, Tools: []tools.Tool{}})

	_, events, err := a.Subscribe(ModeStream)
	if err != nil {
		t.Fatalf("Subscribe: %v", err)
	}
	if err := a.Prompt("hi"); err != nil {
		t.Fatalf("Prompt: %v", err)
	}

	frames := waitTerminal(t, events)
	last := frames[len(frames)-1]
	if last.Type != FrameAgentEnd {
		t.Fatalf("terminal frame = %+v", last)
	}
	terminals, agentEnds := 0, 0
	for _, f := range frames {
		if f.Terminal {
			terminals++
		}
		if f.Type == FrameAgentEnd {
			agentEnds++
		}
	}
	if terminals != 1 {
		t.Fatalf("saw %d terminal frames", terminals)
	}
	if agentEnds != 1 {
		t.Fatalf("saw %d agent_end frames, want the terminal one only", agentEnds)
	}

	state, err := a.GetState()
	if err != nil {
		t.Fatalf("GetState: %v", err)
	}
	if state.IsStreaming || state.State != StateIdle || state.TurnIndex != 1 {
		t.Fatalf("state after turn = %+v", state)
	}
	if state.EntryCount != 2 {
		t.Fatalf("entry count = %d, want user + assistant", state.EntryCount)
	}
}

type recordingTool struct {
	mu    sync.Mutex
	calls []map[string]any
	out   *tools.Result
}

func (r *recordingTool) Name() string { return "record" }
func (r *recordingTool) Description() string { return "records calls" }
func (r *recordingTool) Parameters() map[string]any { return map[string]any{"type": "object"} }
func (r *recordingTool) Execute(ctx context.Context, args map[string]any) *tools.Result {
	r.mu.Lock()
	r.calls = append(r.calls, args)
	r.mu.Unlock()
	if r.out != nil {
		return r.out
	}
	return tools.NewResult("recorded")
}

func TestToolDispatchRoundTrip(t *testing.T) {
	tool := &recordingTool{}
	call := providers.ToolCall{ID: "c1", Name: "record", Arguments: map[string]any{"key": "value"}}
	stream := &scriptedStream{scripts: [][]providers.StreamEvent{
		toolUseScript(call),
		endTurnScript("done"),
	}}
	a := startActor(t, Options{Stream: stream.fn, Tools: []tools.Tool{tool}})

	_, events, _ := a.Subscribe(ModeStream)
	a.Prompt("use the tool")

	frames := waitTerminal(t, events)
	if frames[len(frames)-1].Type != FrameAgentEnd {
		t.Fatalf("terminal = %+v", frames[len(frames)-1])
	}

	tool.mu.Lock()
	defer tool.mu.Unlock()
	if len(tool.calls) != 1 || tool.calls[0]["key"] != "value" {
		t.Fatalf("tool calls = %+v", tool.calls)
	}

	// Second stream call must see the tool result in history.
	if stream.historyCount() != 2 {
		t.Fatalf("stream called %d times", stream.historyCount())
	}
	second := stream.history(1)
	var sawResult bool
	for _, m := range second {
		if m.Role == providers.RoleToolResult && m.ToolCallID == "c1" {
			sawResult = true
			if m.Text() != "recorded" {
				t.Fatalf("tool result text = %q", m.Text())
			}
		}
	}
	if !sawResult {
		t.Fatalf("tool result missing from history: %+v", second)
	}
}

func TestUntrustedToolResultIsWrapped(t *testing.T) {
	tool := &recordingTool{out: tools.UntrustedResult("fetched body")}
	call := providers.ToolCall{ID: "c1", Name: "record"}
	stream := &scriptedStream{scripts: [][]providers.StreamEvent{
		toolUseScript(call),
		endTurnScript("ok"),
	}}
	a := startActor(t, Options{Stream: stream.fn, Tools: []tools.Tool{tool}})

	_, events, _ := a.Subscribe(ModeStream)
	a.Prompt("fetch")
	waitTerminal(t, events)

	second := stream.history(1)
	for _, m := range second {
		if m.Role != providers.RoleToolResult {
			continue
		}
		text := m.Text()
		if !strings.Contains(text, "fetched body") || text == "fetched body" {
			t.Fatalf("untrusted result not wrapped: %q", text)
		}
		return
	}
	t.Fatal("tool result missing from history")
}

func TestSteeringFlushedAfterCleanTurn(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int64
	var mu sync.Mutex
	var histories [][]providers.Message

	stream := func(ctx context.Context, model providers.ModelRef, history []providers.Message, opts providers.StreamOpts) (<-chan providers.StreamEvent, error) {
		mu.Lock()
		histories = append(histories, history)
		mu.Unlock()
		n := calls.Add(1)
		ch := make(chan providers.StreamEvent, 4)
		go func() {
			defer close(ch)
			if n == 1 {
				<-release
			}
			for _, ev := range endTurnScript("turn done") {
				ch <- ev
			}
		}()
		return ch, nil
	}

	a := startActor(t, Options{Stream: stream, Tools: []tools.Tool{}})
	_, events, _ := a.Subscribe(ModeStream)

	a.Prompt("first")
	// Queue steering while the first turn is still streaming.
	time.Sleep(50 * time.Millisecond)
	if err := a.Steer("also do this"); err != nil {
		t.Fatalf("Steer: %v", err)
	}
	close(release)

	waitTerminal(t, events) // first turn
	waitTerminal(t, events) // steering turn

	mu.Lock()
	defer mu.Unlock()
	if len(histories) != 2 {
		t.Fatalf("stream calls = %d", len(histories))
	}
	last := histories[1][len(histories[1])-1]
	if last.Role != providers.RoleUser || last.Text() != "also do this" {
		t.Fatalf("steering turn started with %+v", last)
	}
}

func TestAbortEmitsCanceled(t *testing.T) {
	stream := func(ctx context.Context, model providers.ModelRef, history []providers.Message, opts providers.StreamOpts) (<-chan providers.StreamEvent, error) {
		ch := make(chan providers.StreamEvent)
		go func() {
			defer close(ch)
			<-ctx.Done()
		}()
		return ch, nil
	}

	a := startActor(t, Options{Stream: stream, Tools: []tools.Tool{}})
	_, events, _ := a.Subscribe(ModeStream)

	a.Prompt("spin")
	time.Sleep(50 * time.Millisecond)
	if err := a.Abort(); err != nil {
		t.Fatalf("Abort: %v", err)
	}

	frames := waitTerminal(t, events)
	last := frames[len(frames)-1]
	if last.Type != FrameCanceled {
		t.Fatalf("terminal = %+v", last)
	}

	state, _ := a.GetState()
	if state.IsStreaming {
		t.Fatalf("still streaming after abort: %+v", state)
	}
}

func TestAbortDropsQueuedSteering(t *testing.T) {
	stream := func(ctx context.Context, model providers.ModelRef, history []providers.Message, opts providers.StreamOpts) (<-chan providers.StreamEvent, error) {
		ch := make(chan providers.StreamEvent)
		go func() {
			defer close(ch)
			<-ctx.Done()
		}()
		return ch, nil
	}

	a := startActor(t, Options{Stream: stream, Tools: []tools.Tool{}})
	_, events, _ := a.Subscribe(ModeStream)

	a.Prompt("spin")
	time.Sleep(50 * time.Millisecond)
	a.Steer("never delivered")
	a.Abort()
	waitTerminal(t, events)

	state, _ := a.GetState()
	if state.SteeringDepth != 0 {
		t.Fatalf("steering survived abort: %+v", state)
	}
}

func TestPollSubscriberGetsNoFrames(t *testing.T) {
	stream := &scriptedStream{scripts: [][]providers.StreamEvent{endTurnScript("hi")}}
	a := startActor(t, Options{Stream: stream.fn, Tools: []tools.Tool{}})

	_, poll, _ := a.Subscribe(ModePoll)
	_, events, _ := a.Subscribe(ModeStream)

	a.Prompt("go")
	waitTerminal(t, events)

	select {
	case f := <-poll:
		t.Fatalf("poll subscriber received %+v", f)
	default:
	}

	state, err := a.GetState()
	if err != nil || state.TurnIndex != 1 {
		t.Fatalf("state = %+v err = %v", state, err)
	}
}

func TestUnsubscribe(t *testing.T) {
	stream := &scriptedStream{scripts: [][]providers.StreamEvent{endTurnScript("hi")}}
	a := startActor(t, Options{Stream: stream.fn, Tools: []tools.Tool{}})

	id, _, _ := a.Subscribe(ModeStream)
	if !a.Unsubscribe(id) {
		t.Fatal("Unsubscribe returned false")
	}
	if a.Unsubscribe(id) {
		t.Fatal("second Unsubscribe returned true")
	}
}

func TestStopTerminatesSession(t *testing.T) {
	stream := &scriptedStream{scripts: [][]providers.StreamEvent{endTurnScript("hi")}}
	a := startActor(t, Options{Stream: stream.fn, Tools: []tools.Tool{}})

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := a.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	select {
	case <-a.Done():
	default:
		t.Fatal("Done not closed after Stop")
	}
	if err := a.Prompt("too late"); !errors.Is(err, ErrSessionStopped) {
		t.Fatalf("Prompt after stop = %v", err)
	}
}

// failureCounter satisfies metric.Int64Counter for tests.
type failureCounter struct {
	embedded.Int64Counter
	count atomic.Int64
}

func (f *failureCounter) Add(ctx context.Context, incr int64, _ ...metric.AddOption) {
	f.count.Add(incr)
}

func (f *failureCounter) Enabled(context.Context) bool { return true }

func overflowScript(reason string) []providers.StreamEvent {
	return []providers.StreamEvent{
		{Type: providers.EventStart},
		{Type: providers.EventError, Reason: reason, ErrorCode: providers.ErrorCodeOverflow},
	}
}

func TestOverflowRecoverySucceeds(t *testing.T) {
	stream := &scriptedStream{scripts: [][]providers.StreamEvent{
		overflowScript("context too long"),
		endTurnScript("recovered fine"),
	}}

	var recovered atomic.Bool
	recoverFn := func(ctx context.Context, sig Signature, entries []Entry) ([]Entry, string, error) {
		recovered.Store(true)
		if sig.EntryCount != len(entries) {
			t.Errorf("signature count %d != %d entries", sig.EntryCount, len(entries))
		}
		return entries, entries[len(entries)-1].ID, nil
	}

	a := startActor(t, Options{Stream: stream.fn, Tools: []tools.Tool{}, Recover: recoverFn})
	_, events, _ := a.Subscribe(ModeStream)

	a.Prompt("long conversation")
	frames := waitTerminal(t, events)
	if frames[len(frames)-1].Type != FrameAgentEnd {
		t.Fatalf("terminal = %+v", frames[len(frames)-1])
	}
	if !recovered.Load() {
		t.Fatal("recovery never ran")
	}

	state, _ := a.GetState()
	if state.OverflowInProgress {
		t.Fatalf("overflow still in progress: %+v", state)
	}
	if !state.OverflowAttempted {
		t.Fatalf("attempt flag not kept: %+v", state)
	}
}

func TestOverflowRecoveryFailureClearsFlags(t *testing.T) {
	stream := &scriptedStream{scripts: [][]providers.StreamEvent{
		overflowScript("context too long"),
	}}
	counter := &failureCounter{}
	recoverFn := func(ctx context.Context, sig Signature, entries []Entry) ([]Entry, string, error) {
		return nil, "", errors.New("summarizer unavailable")
	}

	a := startActor(t, Options{
		Stream:           stream.fn,
		Tools:            []tools.Tool{},
		Recover:          recoverFn,
		OverflowFailures: counter,
	})
	_, events, _ := a.Subscribe(ModeStream)

	a.Prompt("long conversation")
	frames := waitTerminal(t, events)
	last := frames[len(frames)-1]
	if last.Type != FrameError || !strings.Contains(last.Reason, "summarizer unavailable") {
		t.Fatalf("terminal = %+v", last)
	}

	state, _ := a.GetState()
	if state.OverflowInProgress || state.OverflowAttempted || state.IsStreaming {
		t.Fatalf("flags not cleared after failed recovery: %+v", state)
	}
	if got := counter.count.Load(); got != 1 {
		t.Fatalf("failure count = %d", got)
	}
}

func TestOverflowStaleResultIgnored(t *testing.T) {
	stream := &scriptedStream{scripts: [][]providers.StreamEvent{
		overflowScript("context too long"),
		endTurnScript("ok"),
	}}
	recoverFn := func(ctx context.Context, sig Signature, entries []Entry) ([]Entry, string, error) {
		return entries, entries[len(entries)-1].ID, nil
	}

	a := startActor(t, Options{Stream: stream.fn, Tools: []tools.Tool{}, Recover: recoverFn})
	// A result from some earlier conversation state must be dropped, not
	// applied.
	a.recoveryCh <- recoveryResult{sig: Signature{SessionID: "other", EntryCount: 99}}

	_, events, _ := a.Subscribe(ModeStream)
	a.Prompt("long conversation")
	frames := waitTerminal(t, events)
	if frames[len(frames)-1].Type != FrameAgentEnd {
		t.Fatalf("terminal = %+v", frames[len(frames)-1])
	}
}

func TestOverflowSecondOverflowNotRetried(t *testing.T) {
	stream := &scriptedStream{scripts: [][]providers.StreamEvent{
		overflowScript("first"),
		overflowScript("second"),
	}}
	recoverFn := func(ctx context.Context, sig Signature, entries []Entry) ([]Entry, string, error) {
		return entries, entries[len(entries)-1].ID, nil
	}

	a := startActor(t, Options{Stream: stream.fn, Tools: []tools.Tool{}, Recover: recoverFn})
	_, events, _ := a.Subscribe(ModeStream)

	a.Prompt("long conversation")
	frames := waitTerminal(t, events)
	last := frames[len(frames)-1]
	if last.Type != FrameError || !strings.Contains(last.Reason, "second") {
		t.Fatalf("terminal = %+v", last)
	}
}

func TestCompactEntries(t *testing.T) {
	conv := NewConversation()
	for i := 0; i < 8; i++ {
		conv.Append(EntryMessage, providers.TextMessage(providers.RoleUser, "m"))
	}

	entries := conv.Entries()
	compacted, leaf, err := CompactEntries(entries)
	if err != nil {
		t.Fatalf("CompactEntries: %v", err)
	}
	if len(compacted) != 5 {
		t.Fatalf("compacted to %d entries", len(compacted))
	}
	if compacted[0].Type != EntrySystemEvent {
		t.Fatalf("first entry = %+v", compacted[0])
	}
	if leaf != entries[len(entries)-1].ID {
		t.Fatalf("leaf = %s", leaf)
	}

	// Chain must survive the re-parenting.
	conv.Replace(compacted, leaf)
	msgs := conv.Messages()
	if len(msgs) != 5 {
		t.Fatalf("walk returned %d messages", len(msgs))
	}
}

func TestCompactEntriesTooSmall(t *testing.T) {
	conv := NewConversation()
	conv.Append(EntryMessage, providers.TextMessage(providers.RoleUser, "m"))
	if _, _, err := CompactEntries(conv.Entries()); err == nil {
		t.Fatal("expected error for tiny conversation")
	}
}
