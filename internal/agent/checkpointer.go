package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/ashureev/repo-agent/internal/domain"
	"github.com/ashureev/repo-agent/internal/store"
)

// Checkpointer persists workflow state between node invocations.
type Checkpointer interface {
	// Load returns the saved state of a thread or ErrSessionNotFound.
	Load(ctx context.Context, threadID string) (*State, error)
	Save(ctx context.Context, state *State) error
	Delete(ctx context.Context, threadID string) error
}

// CheckpointStore is the subset of store.Repository used for checkpoints.
type CheckpointStore interface {
	GetCheckpoint(ctx context.Context, threadID string) (*domain.Checkpoint, error)
	SaveCheckpoint(ctx context.Context, cp *domain.Checkpoint) error
	DeleteCheckpoint(ctx context.Context, threadID string) error
}

var _ CheckpointStore = (store.Repository)(nil)

// StoreCheckpointer saves state as JSON through a CheckpointStore.
type StoreCheckpointer struct {
	store CheckpointStore
}

// NewStoreCheckpointer wraps s.
func NewStoreCheckpointer(s CheckpointStore) *StoreCheckpointer {
	return &StoreCheckpointer{store: s}
}

// Load implements Checkpointer.
func (c *StoreCheckpointer) Load(ctx context.Context, threadID string) (*State, error) {
	cp, err := c.store.GetCheckpoint(ctx, threadID)
	if err != nil {
		return nil, fmt.Errorf("load checkpoint %s: %w", threadID, err)
	}
	if cp == nil {
		return nil, ErrSessionNotFound
	}
	return decodeState(threadID, []byte(cp.StateJSON))
}

// Save implements Checkpointer.
func (c *StoreCheckpointer) Save(ctx context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", state.ThreadID, err)
	}
	now := time.Now()
	if err := c.store.SaveCheckpoint(ctx, &domain.Checkpoint{
		ThreadID:  state.ThreadID,
		StateJSON: string(raw),
		StepCount: len(state.Steps),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		return fmt.Errorf("save checkpoint %s: %w", state.ThreadID, err)
	}
	return nil
}

// Delete implements Checkpointer.
func (c *StoreCheckpointer) Delete(ctx context.Context, threadID string) error {
	if err := c.store.DeleteCheckpoint(ctx, threadID); err != nil {
		return fmt.Errorf("delete checkpoint %s: %w", threadID, err)
	}
	return nil
}

// MemoryCheckpointer keeps serialized state in process memory.
type MemoryCheckpointer struct {
	mu     sync.Mutex
	states map[string][]byte
}

// NewMemoryCheckpointer creates an empty in-memory checkpointer.
func NewMemoryCheckpointer() *MemoryCheckpointer {
	return &MemoryCheckpointer{states: make(map[string][]byte)}
}

// Load implements Checkpointer.
func (c *MemoryCheckpointer) Load(_ context.Context, threadID string) (*State, error) {
	c.mu.Lock()
	raw, ok := c.states[threadID]
	c.mu.Unlock()
	if !ok {
		return nil, ErrSessionNotFound
	}
	return decodeState(threadID, raw)
}

// Save implements Checkpointer.
func (c *MemoryCheckpointer) Save(_ context.Context, state *State) error {
	raw, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("encode checkpoint %s: %w", state.ThreadID, err)
	}
	c.mu.Lock()
	c.states[state.ThreadID] = raw
	c.mu.Unlock()
	return nil
}

// Delete implements Checkpointer.
func (c *MemoryCheckpointer) Delete(_ context.Context, threadID string) error {
	c.mu.Lock()
	delete(c.states, threadID)
	c.mu.Unlock()
	return nil
}

func decodeState(threadID string, raw []byte) (*State, error) {
	var state State
	if err := json.Unmarshal(raw, &state); err != nil {
		return nil, fmt.Errorf("decode checkpoint %s: %w", threadID, err)
	}
	if state.ThreadID == "" {
		state.ThreadID = threadID
	}
	state.normalize(time.Now())
	return &state, nil
}
