package agent

import (
	"context"
	"sync"

	"github.com/ashureev/repo-agent/internal/domain"
)

// StateUpdate is a partial state snapshot pushed to observers. Nil fields
// were not part of the update.
type StateUpdate struct {
	Steps   []*domain.PlanStep   `json:"steps,omitempty"`
	Context *domain.AgentContext `json:"context,omitempty"`
	Logs    []domain.LogEntry    `json:"logs"`
}

// Observer receives fire-and-forget state updates. Implementations must not
// block and must not retain the pointers in u after Emit returns.
type Observer interface {
	Emit(ctx context.Context, u StateUpdate)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, u StateUpdate)

// Emit calls f.
func (f ObserverFunc) Emit(ctx context.Context, u StateUpdate) { f(ctx, u) }

// NopObserver discards every update.
var NopObserver Observer = ObserverFunc(func(context.Context, StateUpdate) {})

// LogRecorder keeps the log entries of every update it sees.
type LogRecorder struct {
	mu      sync.Mutex
	entries []domain.LogEntry
}

// Emit records u.Logs.
func (r *LogRecorder) Emit(_ context.Context, u StateUpdate) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries = append(r.entries, u.Logs...)
}

// Entries returns a copy of the recorded log entries.
func (r *LogRecorder) Entries() []domain.LogEntry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.LogEntry, len(r.entries))
	copy(out, r.entries)
	return out
}

// Messages returns the recorded messages in order.
func (r *LogRecorder) Messages() []string {
	entries := r.Entries()
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}

func orNop(obs Observer) Observer {
	if obs == nil {
		return NopObserver
	}
	return obs
}
