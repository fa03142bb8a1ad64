package session

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/lemonhq/lemon/internal/providers"
)

type recoveryResult struct {
	sig     Signature
	entries []Entry
	leafID  string
	err     error
}

// signature captures the conversation state a recovery was launched from.
func (a *Actor) signature() Signature {
	return Signature{
		SessionID:  a.id,
		LeafID:     a.conv.Leaf(),
		EntryCount: a.conv.Len(),
		TurnIndex:  a.turnIndex,
		Provider:   a.opts.Model.Provider,
		ModelID:    a.opts.Model.ID,
	}
}

// attemptRecovery runs one compaction attempt after a context overflow and
// reports whether the turn should be re-driven. At most one attempt per
// turn; a failed or timed-out attempt clears both flags, counts a failure,
// and emits the turn's terminal error frame.
func (a *Actor) attemptRecovery(turnCtx context.Context) bool {
	sig := a.signature()
	a.overflow = overflowState{InProgress: true, Attempted: true, Signature: sig}
	slog.Info("session.overflow.recovery_started", "session", a.id, "turn", a.turnIndex, "entries", sig.EntryCount)

	recoverFn := a.opts.Recover
	if recoverFn == nil {
		recoverFn = a.defaultRecover
	}
	entries := a.conv.Entries()
	go func() {
		compacted, leafID, err := recoverFn(turnCtx, sig, entries)
		select {
		case a.recoveryCh <- recoveryResult{sig: sig, entries: compacted, leafID: leafID, err: err}:
		case <-turnCtx.Done():
		}
	}()

	deadline := time.NewTimer(a.opts.RecoveryTimeout)
	defer deadline.Stop()

	for {
		select {
		case res := <-a.recoveryCh:
			if res.sig != sig {
				// Stale result from an earlier conversation state.
				slog.Warn("session.overflow.stale_result", "session", a.id)
				continue
			}
			if res.err != nil {
				a.recoveryFailed(res.err.Error())
				return false
			}
			a.conv.Replace(res.entries, res.leafID)
			a.overflow.InProgress = false
			slog.Info("session.overflow.recovered", "session", a.id, "entries", len(res.entries))
			return true

		case <-deadline.C:
			a.recoveryFailed("overflow recovery timed out")
			return false

		case <-turnCtx.Done():
			a.overflow.InProgress = false
			a.finalizeCanceled("aborted")
			return false

		case msg := <-a.mailbox:
			if a.handleDuringTurn(msg) {
				a.overflow.InProgress = false
				a.finalizeCanceled("session_stopped")
				return false
			}
		}
	}
}

// recoveryFailed resets the overflow state so a later overflow may try
// again, then ends the turn with an error frame.
func (a *Actor) recoveryFailed(reason string) {
	a.overflow = overflowState{}
	if a.opts.OverflowFailures != nil {
		a.opts.OverflowFailures.Add(context.Background(), 1)
	}
	slog.Error("session.overflow.recovery_failed", "session", a.id, "reason", reason)
	a.finalizeError("overflow recovery failed: "+reason, nil)
}

// defaultRecover runs the session's pre-compaction hooks, then drops the
// older half of the conversation behind a summary marker entry.
func (a *Actor) defaultRecover(ctx context.Context, sig Signature, entries []Entry) ([]Entry, string, error) {
	sum := a.hooks.Execute(ctx, a.id, map[string]any{
		"reason":      "context_overflow",
		"session_id":  sig.SessionID,
		"entry_count": sig.EntryCount,
		"turn_index":  sig.TurnIndex,
	})
	if sum.Executed > 0 {
		slog.Debug("session.overflow.hooks", "session", a.id,
			"executed", sum.Executed, "failed", sum.Failed, "timed_out", sum.TimedOut)
	}
	return CompactEntries(entries)
}

// CompactEntries keeps the newer half of the entries and replaces the rest
// with a single system event noting the drop. The surviving chain is
// re-parented so the leaf walk stays intact.
func CompactEntries(entries []Entry) ([]Entry, string, error) {
	if len(entries) < 4 {
		return nil, "", fmt.Errorf("conversation too small to compact (%d entries)", len(entries))
	}

	keepFrom := len(entries) / 2
	dropped := keepFrom

	marker := Entry{
		ID:   entries[keepFrom-1].ID,
		Type: EntrySystemEvent,
		Message: providers.TextMessage(providers.RoleSystem,
			fmt.Sprintf("Earlier conversation compacted: %d entries summarized away.", dropped)),
		At: time.Now().UTC(),
	}

	out := make([]Entry, 0, len(entries)-keepFrom+1)
	out = append(out, marker)
	prev := marker.ID
	for _, e := range entries[keepFrom:] {
		e.ParentID = prev
		out = append(out, e)
		prev = e.ID
	}
	return out, prev, nil
}
