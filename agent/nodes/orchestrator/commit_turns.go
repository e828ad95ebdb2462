package orchestratornode

import (
	"context"
	"fmt"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	"github.com/tanpawarit/argo-agent/agent/session"
)

// CommitTurns persists the user turn and the final answer in one write and
// mirrors them into memory. Tool traffic stays request scoped. The new
// turns must directly follow the memory's last seq; anything else means
// another writer touched the session after memory was loaded.
func CommitTurns(
	ctx context.Context,
	in *GraphState,
	store session.Store,
) (*GraphState, error) {
	const op = "orchestrator.commit_turns"
	if err := requireState(op, in); err != nil {
		return nil, err
	}
	if in.Run == nil {
		return nil, contractx.ValidationError(op, nil, "no loop result to commit")
	}

	turns, err := store.AppendTurns(ctx, in.SessionID, []contractx.TurnInput{
		{Role: contractx.RoleUser, Content: in.Text},
		{Role: contractx.RoleAssistant, Content: in.Run.Answer},
	})
	if err != nil {
		return nil, err
	}

	next := in.Memory.LastSeq() + 1
	for i, t := range turns {
		if want := next + int64(i); t.Seq != want {
			return nil, fmt.Errorf("%s: %w: got seq %d, want %d", op, ErrStaleMemory, t.Seq, want)
		}
	}
	for _, t := range turns {
		if err := in.Memory.Append(t); err != nil {
			return nil, err
		}
	}

	in.Committed = turns
	return in, nil
}
