package orchestratornode

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/tanpawarit/argo-agent/agent/session"
)

// EnforceBudget folds overflowing turns into the summary and persists the
// new summary together with its watermark.
func EnforceBudget(
	ctx context.Context,
	in *GraphState,
	store session.Store,
	logger zerolog.Logger,
) (*GraphState, error) {
	if err := requireState("orchestrator.enforce_budget", in); err != nil {
		return nil, err
	}

	ev, err := in.Memory.EnforceBudget(ctx)
	if err != nil {
		return nil, err
	}
	if ev == nil {
		return in, nil
	}

	if err := store.SetSummary(ctx, in.SessionID, ev.Summary, ev.Through); err != nil {
		return nil, err
	}

	logger.Info().
		Str("session_id", in.SessionID).
		Int("evicted", len(ev.Evicted)).
		Int64("folded_seq", ev.Through).
		Msg("conversation summary updated")

	in.Eviction = ev
	return in, nil
}
