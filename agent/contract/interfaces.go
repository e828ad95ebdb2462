package contract

import (
	"context"

	"github.com/cloudwego/eino/schema"
)

// Gateway is the reasoning service. Calls may be retried on transient failure.
type Gateway interface {
	Decide(ctx context.Context, messages []*schema.Message, tools []*schema.ToolInfo) (Decision, error)
}

// ToolGateway dispatches capability calls. Invoke never fails: invocation
// errors are reported in ToolResult.Error.
type ToolGateway interface {
	Infos() []*schema.ToolInfo
	Invoke(ctx context.Context, req ToolRequest) ToolResult
}

// Summarizer folds evicted turns into the previous rolling summary.
type Summarizer interface {
	Summarize(ctx context.Context, previous string, turns []Turn) (string, error)
}
