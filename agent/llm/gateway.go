package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"regexp"
	"strconv"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/openai/openai-go"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
)

// Gateway is the reasoning gateway backed by an eino tool-calling chat model.
type Gateway struct {
	model einomodel.ToolCallingChatModel
}

var _ contractx.Gateway = (*Gateway)(nil)

func NewGateway(m einomodel.ToolCallingChatModel) (*Gateway, error) {
	if m == nil {
		return nil, errors.New("llm: nil chat model")
	}
	return &Gateway{model: m}, nil
}

func (g *Gateway) Decide(ctx context.Context, messages []*schema.Message, tools []*schema.ToolInfo) (contractx.Decision, error) {
	const op = "llm.decide"

	var chat einomodel.BaseChatModel = g.model
	if len(tools) > 0 {
		bound, err := g.model.WithTools(tools)
		if err != nil {
			return contractx.Decision{}, contractx.ExternalCallError(op, false,
				fmt.Errorf("%w: bind tools: %v", contractx.ErrModelInvoke, err))
		}
		chat = bound
	}

	msg, err := chat.Generate(ctx, messages)
	if err != nil {
		return contractx.Decision{}, contractx.ExternalCallError(op, IsTransient(err),
			fmt.Errorf("%w: %w", contractx.ErrModelInvoke, err))
	}
	if msg == nil {
		return contractx.Decision{}, contractx.ExternalCallError(op, false,
			fmt.Errorf("%w: empty model response", contractx.ErrSchemaViolation))
	}

	calls, err := toToolRequests(msg.ToolCalls)
	if err != nil {
		return contractx.Decision{}, contractx.ExternalCallError(op, false, err)
	}

	return contractx.Decision{
		Content: strings.TrimSpace(msg.Content),
		Calls:   calls,
	}, nil
}

func toToolRequests(calls []schema.ToolCall) ([]contractx.ToolRequest, error) {
	if len(calls) == 0 {
		return nil, nil
	}
	reqs := make([]contractx.ToolRequest, 0, len(calls))
	for _, call := range calls {
		tool := strings.TrimSpace(call.Function.Name)
		if tool == "" {
			return nil, fmt.Errorf("%w: tool call name is empty", contractx.ErrSchemaViolation)
		}

		args := map[string]any{}
		rawArgs := strings.TrimSpace(call.Function.Arguments)
		if rawArgs != "" {
			if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
				return nil, fmt.Errorf("%w: invalid tool args for tool=%s: %v", contractx.ErrSchemaViolation, tool, err)
			}
		}

		reqs = append(reqs, contractx.ToolRequest{
			ID:   call.ID,
			Tool: tool,
			Args: args,
		})
	}
	return reqs, nil
}

var statusCodePattern = regexp.MustCompile(`status code: (\d{3})`)

// IsTransient reports whether a provider error is worth retrying:
// timeouts, rate limits and server-side failures.
func IsTransient(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return retryableStatus(openaiErr.StatusCode)
	}
	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return retryableStatus(anthropicErr.StatusCode)
	}

	// eino-ext wraps provider errors as text carrying the HTTP status.
	if m := statusCodePattern.FindStringSubmatch(err.Error()); m != nil {
		code, _ := strconv.Atoi(m[1])
		return retryableStatus(code)
	}
	return false
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
