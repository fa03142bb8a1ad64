package session

import (
	"log/slog"
	"sync"

	"github.com/lemonhq/lemon/internal/providers"
	"github.com/lemonhq/lemon/internal/store"
)

// Subscription modes.
const (
	ModeStream = "stream"
	ModePoll   = "poll"
)

// Terminal frame types. Every turn ends with exactly one of these.
const (
	FrameAgentEnd = "agent_end"
	FrameCanceled = "canceled"
	FrameError    = "error"
)

const subscriberBuffer = 256

// Frame is one unit delivered to stream subscribers: either a forwarded
// stream event or a terminal frame.
type Frame struct {
	Type     string                 `json:"type"`
	Terminal bool                   `json:"terminal,omitempty"`
	Event    *providers.StreamEvent `json:"event,omitempty"`

	// terminal frames
	Reason       string              `json:"reason,omitempty"`
	Messages     []providers.Message `json:"messages,omitempty"`
	PartialState map[string]any      `json:"partial_state,omitempty"`
}

type subscriber struct {
	id   string
	mode string
	ch   chan Frame
}

// subscribers fans frames out in actor-observed order. Slow stream
// consumers lose mid-turn frames rather than stall the session; terminal
// frames always land.
type subscribers struct {
	mu   sync.Mutex
	subs map[string]*subscriber
}

func newSubscribers() *subscribers {
	return &subscribers{subs: make(map[string]*subscriber)}
}

func (s *subscribers) add(mode string) (string, <-chan Frame) {
	sub := &subscriber{
		id:   store.GenID(),
		mode: mode,
		ch:   make(chan Frame, subscriberBuffer),
	}
	s.mu.Lock()
	s.subs[sub.id] = sub
	s.mu.Unlock()
	return sub.id, sub.ch
}

func (s *subscribers) remove(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.subs[id]; !ok {
		return false
	}
	delete(s.subs, id)
	return true
}

func (s *subscribers) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// forward delivers a mid-turn frame to every stream subscriber.
func (s *subscribers) forward(f Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.mode != ModeStream {
			continue
		}
		select {
		case sub.ch <- f:
		default:
			slog.Warn("session.subscriber.dropped_frame", "subscription", sub.id, "type", f.Type)
		}
	}
}

// terminal delivers the turn's terminal frame. A full buffer is forcibly
// drained so the terminal frame is never lost.
func (s *subscribers) terminal(f Frame) {
	f.Terminal = true
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.mode != ModeStream {
			continue
		}
		select {
		case sub.ch <- f:
		default:
			// Buffer full: drop the oldest mid-turn frame. Only the actor
			// writes, so the retry cannot block.
			select {
			case <-sub.ch:
			default:
			}
			sub.ch <- f
		}
	}
}
