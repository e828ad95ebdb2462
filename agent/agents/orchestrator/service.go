// Package orchestrator is the caller-facing entry point of the agent. It
// serializes requests per session and runs each message through the
// handle-message graph.
package orchestrator

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/cloudwego/eino/compose"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	"github.com/tanpawarit/argo-agent/agent/loop"
	"github.com/tanpawarit/argo-agent/agent/memory"
	nodex "github.com/tanpawarit/argo-agent/agent/nodes/orchestrator"
	"github.com/tanpawarit/argo-agent/agent/session"
	"github.com/tanpawarit/argo-agent/pkg/keylock"
	logx "github.com/tanpawarit/argo-agent/pkg/logger"
	"github.com/tanpawarit/argo-agent/pkg/tokenizer"
)

var (
	ErrInvalidMessage  = nodex.ErrInvalidMessage
	ErrInvalidSession  = nodex.ErrInvalidSession
	ErrSessionNotFound = session.ErrSessionNotFound
	ErrStaleMemory     = nodex.ErrStaleMemory
)

type Config struct {
	Loop         loop.Config
	Memory       memory.Config
	SystemPrompt string
}

type Deps struct {
	Store      session.Store
	Gateway    contractx.Gateway
	Tools      contractx.ToolGateway
	Counter    tokenizer.Counter
	Summarizer contractx.Summarizer
}

type Reply struct {
	SessionID string
	Answer    string
	History   []contractx.Turn
}

type Orchestrator struct {
	store        session.Store
	counter      tokenizer.Counter
	summarizer   contractx.Summarizer
	machine      *loop.Machine
	memoryCfg    memory.Config
	systemPrompt string

	// Held for the whole request. Separate from any locker the store uses.
	locks *keylock.Locker

	graphRunner compose.Runnable[nodex.GraphInput, nodex.GraphOutput]

	logger zerolog.Logger
	now    func() time.Time
}

func New(deps Deps, cfg Config) (*Orchestrator, error) {
	if deps.Store == nil {
		return nil, errors.New("session store is required")
	}
	if deps.Gateway == nil {
		return nil, errors.New("reasoning gateway is required")
	}
	if deps.Tools == nil {
		return nil, errors.New("tool gateway is required")
	}
	if deps.Summarizer == nil {
		return nil, errors.New("summarizer is required")
	}
	counter := deps.Counter
	if counter == nil {
		counter = tokenizer.Heuristic{}
	}
	if err := cfg.Memory.Validate(); err != nil {
		return nil, err
	}

	logger := logx.Component("orchestrator")
	machine, err := loop.New(deps.Gateway, deps.Tools, cfg.Loop, loop.WithLogger(logger))
	if err != nil {
		return nil, err
	}

	o := &Orchestrator{
		store:        deps.Store,
		counter:      counter,
		summarizer:   deps.Summarizer,
		machine:      machine,
		memoryCfg:    cfg.Memory,
		systemPrompt: cfg.SystemPrompt,
		locks:        keylock.New(),
		logger:       logger,
		now:          time.Now,
	}

	graphRunner, err := o.compileHandleMessageGraph(context.Background())
	if err != nil {
		return nil, err
	}
	o.graphRunner = graphRunner

	return o, nil
}

func (o *Orchestrator) newMemory() (*memory.Memory, error) {
	return memory.New(o.memoryCfg, o.counter, o.summarizer, memory.WithLogger(o.logger))
}

func (o *Orchestrator) CreateSession(ctx context.Context) (contractx.Session, error) {
	sess, err := o.store.CreateSession(ctx)
	if err != nil {
		return contractx.Session{}, err
	}
	o.logger.Info().Str("session_id", sess.ID).Msg("session created")
	return sess, nil
}

// HandleMessage answers one user message in an existing session. On error
// nothing from the request is persisted, except when the turns were already
// committed and only the memory budget step failed.
func (o *Orchestrator) HandleMessage(ctx context.Context, sessionID string, text string) (Reply, error) {
	if err := ctx.Err(); err != nil {
		return Reply{}, err
	}
	sessionID, err := lockKey("orchestrator.handle_message", sessionID)
	if err != nil {
		return Reply{}, err
	}
	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return Reply{}, err
	}
	defer unlock()

	started := o.now()
	out, err := o.graphRunner.Invoke(ctx, nodex.GraphInput{
		SessionID: sessionID,
		Text:      text,
	})
	if err != nil {
		o.logger.Warn().
			Err(err).
			Str("session_id", sessionID).
			Str("kind", string(contractx.KindOf(err))).
			Msg("message handling failed")
		return Reply{}, err
	}

	o.logger.Info().
		Str("session_id", out.SessionID).
		Int("cycles", out.Cycles).
		Int("evicted", out.Evicted).
		Dur("elapsed", o.now().Sub(started)).
		Msg("message handled")

	return Reply{
		SessionID: out.SessionID,
		Answer:    out.Answer,
		History:   out.History,
	}, nil
}

func (o *Orchestrator) History(ctx context.Context, sessionID string) ([]contractx.Turn, error) {
	return o.store.History(ctx, sessionID)
}

func (o *Orchestrator) ListSessions(ctx context.Context) ([]contractx.Session, error) {
	return o.store.ListSessions(ctx)
}

func (o *Orchestrator) DeleteSession(ctx context.Context, sessionID string) error {
	sessionID, err := lockKey("orchestrator.delete_session", sessionID)
	if err != nil {
		return err
	}
	unlock, err := o.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()
	return o.store.DeleteSession(ctx, sessionID)
}

// lockKey normalizes a session id the same way ValidateRequest does, so every
// spelling of one session shares one lock.
func lockKey(op, sessionID string) (string, error) {
	key := strings.TrimSpace(sessionID)
	if key == "" {
		return "", contractx.ValidationError(op, ErrInvalidSession, "session id is required")
	}
	return key, nil
}
