package session

import (
	"context"
	"log/slog"
	"strings"

	"github.com/lemonhq/lemon/internal/providers"
	"github.com/lemonhq/lemon/internal/trust"
)

// segment outcomes of one stream pass
const (
	segAgentEnd = iota
	segCanceled
	segAborted
	segError
	segToolCalls
	segStopped
)

type segment struct {
	kind         int
	messages     []providers.Message
	reason       string
	errorCode    string
	partialState map[string]any
	calls        []providers.ToolCall
}

// runTurn drives one prompt to its terminal frame. Steering queued during
// the turn is flushed into a follow-up turn when this one ends cleanly.
func (a *Actor) runTurn(text string) {
	for text != "" {
		clean := a.executeTurn(text)
		text = ""
		if clean && len(a.steering) > 0 {
			text = strings.Join(a.steering, "\n\n")
			a.steering = nil
		}
	}
}

// executeTurn runs a single turn and reports whether it ended with
// agent_end. Exactly one terminal frame is emitted on every path.
func (a *Actor) executeTurn(text string) (clean bool) {
	a.turnIndex++
	a.isStreaming = true
	a.state = StatePreparing
	defer func() {
		a.isStreaming = false
		a.state = StateIdle
		if a.streamCancel != nil {
			a.streamCancel()
			a.streamCancel = nil
		}
		if !clean {
			// Canceled and failed turns drop queued steering.
			a.steering = nil
		}
	}()

	a.conv.Append(EntryMessage, providers.TextMessage(providers.RoleUser, text))

	turnCtx, cancel := context.WithCancel(a.ctx)
	a.streamCancel = cancel

	for {
		history := trust.WrapMessages(a.conv.Messages())
		opts := providers.StreamOpts{
			APIKey: a.resolveAPIKey(),
			Tools:  a.registry.Definitions(),
		}
		events, err := a.opts.Stream(turnCtx, a.opts.Model, history, opts)
		if err != nil {
			a.finalizeError(err.Error(), nil)
			return false
		}
		a.state = StateStreaming

		seg := a.consumeStream(turnCtx, events)
		switch seg.kind {
		case segAgentEnd:
			a.finalizeAgentEnd(seg.messages)
			return true
		case segCanceled:
			a.finalizeCanceled(seg.reason)
			return false
		case segAborted:
			a.finalizeCanceled("assistant_aborted")
			return false
		case segStopped:
			a.finalizeCanceled("session_stopped")
			return false
		case segError:
			if seg.errorCode == providers.ErrorCodeOverflow && !a.overflow.Attempted {
				if a.attemptRecovery(turnCtx) {
					continue
				}
				return false
			}
			a.finalizeError(seg.reason, seg.partialState)
			return false
		case segToolCalls:
			a.state = StateToolDispatch
			a.dispatchTools(turnCtx, seg.calls)
			if turnCtx.Err() != nil {
				a.finalizeCanceled("aborted")
				return false
			}
			a.state = StatePreparing
		}
	}
}

// consumeStream forwards events to subscribers while serving the mailbox,
// and classifies how the stream segment ended.
func (a *Actor) consumeStream(turnCtx context.Context, events <-chan providers.StreamEvent) segment {
	var pendingCalls []providers.ToolCall
	var agentEnd *segment

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				switch {
				case agentEnd != nil:
					return *agentEnd
				case len(pendingCalls) > 0:
					return segment{kind: segToolCalls, calls: pendingCalls}
				case turnCtx.Err() != nil:
					return segment{kind: segCanceled, reason: "aborted"}
				default:
					return segment{kind: segError, reason: "stream ended unexpectedly"}
				}
			}

			switch ev.Type {
			case providers.EventAgentEnd, providers.EventError, providers.EventCanceled:
				// Turn outcomes reach subscribers once, as the terminal frame.
			default:
				a.subs.forward(Frame{Type: ev.Type, Event: &ev})
			}

			switch ev.Type {
			case providers.EventMessageEnd:
				if ev.Message == nil {
					break
				}
				a.persistAssistantMessage(*ev.Message)
				switch ev.Message.StopReason {
				case providers.StopAborted:
					return segment{kind: segAborted}
				case providers.StopToolUse:
					pendingCalls = ev.Message.ToolCalls()
				}
			case providers.EventAgentEnd:
				agentEnd = &segment{kind: segAgentEnd, messages: ev.Messages}
			case providers.EventError:
				return segment{
					kind:         segError,
					reason:       ev.Reason,
					errorCode:    ev.ErrorCode,
					partialState: ev.PartialState,
				}
			case providers.EventCanceled:
				reason := ev.Reason
				if reason == "" {
					reason = "canceled"
				}
				return segment{kind: segCanceled, reason: reason}
			}

		case msg := <-a.mailbox:
			if a.handleDuringTurn(msg) {
				return segment{kind: segStopped}
			}
		}
	}
}

// persistAssistantMessage records a completed assistant message and its
// usage.
func (a *Actor) persistAssistantMessage(msg providers.Message) {
	entryType := EntryMessage
	if len(msg.ToolCalls()) > 0 {
		entryType = EntryToolCall
	}
	a.conv.Append(entryType, msg)

	if a.opts.Tracker != nil && msg.Usage != nil {
		a.opts.Tracker.RecordUsage(a.id, msg.Usage.TotalTokens, msg.Usage.Cost)
	}
}

func (a *Actor) finalizeAgentEnd(messages []providers.Message) {
	a.state = StateFinalizing
	a.subs.terminal(Frame{Type: FrameAgentEnd, Messages: messages})
	slog.Debug("session.turn.done", "session", a.id, "turn", a.turnIndex)
}

func (a *Actor) finalizeCanceled(reason string) {
	a.state = StateFinalizing
	a.subs.terminal(Frame{Type: FrameCanceled, Reason: reason})
	slog.Info("session.turn.canceled", "session", a.id, "turn", a.turnIndex, "reason", reason)
}

func (a *Actor) finalizeError(reason string, partialState map[string]any) {
	a.state = StateFinalizing
	a.subs.terminal(Frame{Type: FrameError, Reason: reason, PartialState: partialState})
	slog.Warn("session.turn.error", "session", a.id, "turn", a.turnIndex, "reason", reason)
}
