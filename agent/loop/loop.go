// Package loop runs the bounded decide/act cycle for one user message.
//
// The machine has three states. Decide asks the reasoning gateway for the
// next step. Act runs the requested capability calls in order and feeds
// their results back. Terminate ends the run with the final answer. At
// most MaxCycles decide steps are taken; running out is an error, never a
// truncated answer.
package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	logx "github.com/tanpawarit/argo-agent/pkg/logger"
)

type State string

const (
	StateDecide    State = "decide"
	StateAct       State = "act"
	StateTerminate State = "terminate"
)

type Config struct {
	MaxCycles     int           `split_words:"true" default:"7"`
	DecideTimeout time.Duration `split_words:"true" default:"60s"`
	DecideRetries int           `split_words:"true" default:"2"`
	RetryBackoff  time.Duration `split_words:"true" default:"500ms"`
}

func DefaultConfig() Config {
	return Config{
		MaxCycles:     7,
		DecideTimeout: 60 * time.Second,
		DecideRetries: 2,
		RetryBackoff:  500 * time.Millisecond,
	}
}

func (c Config) Validate() error {
	if c.MaxCycles <= 0 {
		return errors.New("max cycles must be > 0")
	}
	if c.DecideTimeout <= 0 {
		return errors.New("decide timeout must be > 0")
	}
	if c.DecideRetries < 0 {
		return errors.New("decide retries must be >= 0")
	}
	if c.RetryBackoff < 0 {
		return errors.New("retry backoff must be >= 0")
	}
	return nil
}

// Input is everything the first decide step sees.
type Input struct {
	System  string
	Summary string
	History []contractx.Turn
	User    string
}

// Step records one capability call made during the run.
type Step struct {
	Cycle   int
	Request contractx.ToolRequest
	Result  contractx.ToolResult
}

type Result struct {
	Answer     string
	Cycles     int
	Steps      []Step
	Transcript []*schema.Message
}

type Option func(*Machine)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Machine) {
		m.logger = logger
	}
}

// WithSleep replaces the backoff wait between decide retries.
func WithSleep(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(m *Machine) {
		if sleep != nil {
			m.sleep = sleep
		}
	}
}

type Machine struct {
	gateway contractx.Gateway
	tools   contractx.ToolGateway
	cfg     Config
	logger  zerolog.Logger
	sleep   func(ctx context.Context, d time.Duration) error
}

func New(gateway contractx.Gateway, tools contractx.ToolGateway, cfg Config, opts ...Option) (*Machine, error) {
	if gateway == nil {
		return nil, errors.New("loop: nil gateway")
	}
	if tools == nil {
		return nil, errors.New("loop: nil tool gateway")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	m := &Machine{
		gateway: gateway,
		tools:   tools,
		cfg:     cfg,
		logger:  logx.Component("loop"),
		sleep:   sleepCtx,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

func (m *Machine) Run(ctx context.Context, in Input) (*Result, error) {
	const op = "loop.run"

	if strings.TrimSpace(in.User) == "" {
		return nil, contractx.ValidationError(op, nil, "user message is empty")
	}

	messages := initialMessages(in)
	infos := m.tools.Infos()
	res := &Result{}

	var pending []contractx.ToolRequest
	state := StateDecide

	for state != StateTerminate {
		switch state {
		case StateDecide:
			if err := ctx.Err(); err != nil {
				return nil, err
			}
			res.Cycles++

			d, err := m.decide(ctx, messages, infos)
			if err != nil {
				return nil, err
			}

			if d.IsFinal() {
				answer := strings.TrimSpace(d.Content)
				if answer == "" {
					return nil, contractx.ExternalCallError(op, false,
						fmt.Errorf("%w: decision has neither content nor capability calls", contractx.ErrSchemaViolation))
				}
				messages = append(messages, schema.AssistantMessage(answer, nil))
				res.Answer = answer
				state = StateTerminate
				continue
			}

			// The last allowed decide asked for more work: there is no
			// decide left to read the results, so stop here.
			if res.Cycles >= m.cfg.MaxCycles {
				m.logger.Warn().
					Int("cycles", res.Cycles).
					Int("pending_calls", len(d.Calls)).
					Msg("decide/act loop exhausted")
				return nil, contractx.LoopExhaustedError(op, res.Cycles)
			}

			pending = withCallIDs(d.Calls, res.Cycles)
			messages = append(messages, schema.AssistantMessage(d.Content, toSchemaCalls(pending)))
			state = StateAct

		case StateAct:
			for _, call := range pending {
				if err := ctx.Err(); err != nil {
					return nil, err
				}
				result := m.tools.Invoke(ctx, call)
				if result.Error != "" {
					m.logger.Info().
						Str("tool", call.Tool).
						Str("error", result.Error).
						Int("cycle", res.Cycles).
						Msg("capability failed, passing error to next decide")
				}
				res.Steps = append(res.Steps, Step{Cycle: res.Cycles, Request: call, Result: result})
				messages = append(messages, schema.ToolMessage(encodeResult(result), call.ID))
			}
			pending = nil
			state = StateDecide
		}
	}

	res.Transcript = messages
	m.logger.Debug().
		Int("cycles", res.Cycles).
		Int("tool_calls", len(res.Steps)).
		Msg("decide/act loop terminated")
	return res, nil
}

// decide calls the gateway under DecideTimeout, retrying transient
// failures with linear backoff. Retries do not count as cycles.
func (m *Machine) decide(ctx context.Context, messages []*schema.Message, infos []*schema.ToolInfo) (contractx.Decision, error) {
	const op = "loop.decide"

	var lastErr error
	for attempt := 0; attempt <= m.cfg.DecideRetries; attempt++ {
		if attempt > 0 {
			if err := m.sleep(ctx, time.Duration(attempt)*m.cfg.RetryBackoff); err != nil {
				return contractx.Decision{}, err
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, m.cfg.DecideTimeout)
		d, err := m.gateway.Decide(callCtx, messages, infos)
		cancel()
		if err == nil {
			return d, nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return contractx.Decision{}, ctxErr
		}

		var typed *contractx.Error
		if !errors.As(err, &typed) {
			err = contractx.ExternalCallError(op, errors.Is(err, context.DeadlineExceeded), err)
		}
		lastErr = err
		if !contractx.IsTransient(err) {
			break
		}
		m.logger.Warn().
			Err(err).
			Int("attempt", attempt+1).
			Int("max_attempts", m.cfg.DecideRetries+1).
			Msg("transient decide failure")
	}
	return contractx.Decision{}, lastErr
}

func initialMessages(in Input) []*schema.Message {
	msgs := make([]*schema.Message, 0, len(in.History)+3)
	if s := strings.TrimSpace(in.System); s != "" {
		msgs = append(msgs, schema.SystemMessage(s))
	}
	if s := strings.TrimSpace(in.Summary); s != "" {
		msgs = append(msgs, schema.SystemMessage("Summary of the earlier conversation:\n"+s))
	}
	for _, t := range in.History {
		switch t.Role {
		case contractx.RoleUser:
			msgs = append(msgs, schema.UserMessage(t.Content))
		case contractx.RoleAssistant:
			msgs = append(msgs, schema.AssistantMessage(t.Content, nil))
		case contractx.RoleTool:
			msgs = append(msgs, schema.SystemMessage("Earlier tool output:\n"+t.Content))
		}
	}
	msgs = append(msgs, schema.UserMessage(in.User))
	return msgs
}

func withCallIDs(calls []contractx.ToolRequest, cycle int) []contractx.ToolRequest {
	out := make([]contractx.ToolRequest, len(calls))
	for i, c := range calls {
		if strings.TrimSpace(c.ID) == "" {
			c.ID = fmt.Sprintf("call_%d_%d", cycle, i)
		}
		out[i] = c
	}
	return out
}

func toSchemaCalls(calls []contractx.ToolRequest) []schema.ToolCall {
	out := make([]schema.ToolCall, len(calls))
	for i, c := range calls {
		args, err := json.Marshal(c.Args)
		if err != nil || c.Args == nil {
			args = []byte("{}")
		}
		out[i] = schema.ToolCall{
			ID:   c.ID,
			Type: "function",
			Function: schema.FunctionCall{
				Name:      c.Tool,
				Arguments: string(args),
			},
		}
	}
	return out
}

func encodeResult(r contractx.ToolResult) string {
	raw, err := json.Marshal(r)
	if err != nil {
		fallback, _ := json.Marshal(contractx.ToolResult{
			Tool:  r.Tool,
			Error: fmt.Sprintf("encode result: %v", err),
		})
		return string(fallback)
	}
	return string(raw)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
