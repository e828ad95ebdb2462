package orchestratornode

import (
	"context"

	"github.com/tanpawarit/argo-agent/agent/memory"
	"github.com/tanpawarit/argo-agent/agent/session"
)

// LoadMemory rebuilds conversation memory from the persisted snapshot.
// An unknown session fails here, before any reasoning call is made.
func LoadMemory(
	ctx context.Context,
	in *GraphState,
	store session.Store,
	newMemory func() (*memory.Memory, error),
) (*GraphState, error) {
	if err := requireState("orchestrator.load_memory", in); err != nil {
		return nil, err
	}

	snap, err := store.Load(ctx, in.SessionID)
	if err != nil {
		return nil, err
	}

	mem, err := newMemory()
	if err != nil {
		return nil, err
	}
	if err := mem.Restore(snap); err != nil {
		return nil, err
	}

	in.Memory = mem
	return in, nil
}
