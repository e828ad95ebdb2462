package orchestratornode

import (
	"errors"
	"strings"
	"time"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	"github.com/tanpawarit/argo-agent/agent/loop"
	"github.com/tanpawarit/argo-agent/agent/memory"
	"github.com/tanpawarit/argo-agent/agent/session"
)

var (
	ErrInvalidMessage = errors.New("message is empty")
	ErrInvalidSession = session.ErrInvalidSession
	ErrNilState       = errors.New("graph state is nil")
	ErrStaleMemory    = errors.New("memory does not end where the committed turns begin")
)

type GraphInput struct {
	SessionID string
	Text      string
}

type GraphOutput struct {
	SessionID string
	Answer    string
	History   []contractx.Turn
	Cycles    int
	Evicted   int
}

// GraphState flows through the handle-message pipeline. Memory is built
// fresh for every request and dropped with the state.
type GraphState struct {
	SessionID string
	Text      string
	Now       time.Time

	Memory    *memory.Memory
	Run       *loop.Result
	Committed []contractx.Turn
	Eviction  *memory.Eviction
}

func ValidateRequest(in GraphInput, nowFn func() time.Time) (*GraphState, error) {
	const op = "orchestrator.validate_request"

	sessionID := strings.TrimSpace(in.SessionID)
	if sessionID == "" {
		return nil, contractx.ValidationError(op, ErrInvalidSession, "session id is required")
	}

	text := strings.TrimSpace(in.Text)
	if text == "" {
		return nil, contractx.ValidationError(op, ErrInvalidMessage, "message text is required")
	}

	return &GraphState{
		SessionID: sessionID,
		Text:      text,
		Now:       nowFn().UTC(),
	}, nil
}

func requireState(op string, in *GraphState) error {
	if in == nil {
		return contractx.ValidationError(op, ErrNilState, "graph state is nil")
	}
	return nil
}
