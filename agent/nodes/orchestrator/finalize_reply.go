package orchestratornode

import (
	"context"
	"strings"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	"github.com/tanpawarit/argo-agent/agent/session"
)

func FinalizeReply(
	ctx context.Context,
	in *GraphState,
	store session.Store,
) (GraphOutput, error) {
	const op = "orchestrator.finalize_reply"
	if err := requireState(op, in); err != nil {
		return GraphOutput{}, err
	}
	if in.Run == nil || strings.TrimSpace(in.Run.Answer) == "" {
		return GraphOutput{}, contractx.ValidationError(op, nil, "loop produced no answer")
	}

	history, err := store.History(ctx, in.SessionID)
	if err != nil {
		return GraphOutput{}, err
	}

	out := GraphOutput{
		SessionID: in.SessionID,
		Answer:    in.Run.Answer,
		History:   history,
		Cycles:    in.Run.Cycles,
	}
	if in.Eviction != nil {
		out.Evicted = len(in.Eviction.Evicted)
	}
	return out, nil
}
