package orchestratornode

import (
	"context"

	"github.com/tanpawarit/argo-agent/agent/loop"
)

func RunLoop(
	ctx context.Context,
	in *GraphState,
	machine *loop.Machine,
	systemPrompt string,
) (*GraphState, error) {
	if err := requireState("orchestrator.run_loop", in); err != nil {
		return nil, err
	}

	view := in.Memory.Context()
	res, err := machine.Run(ctx, loop.Input{
		System:  systemPrompt,
		Summary: view.Summary,
		History: view.Turns,
		User:    in.Text,
	})
	if err != nil {
		return nil, err
	}

	in.Run = res
	return in, nil
}
