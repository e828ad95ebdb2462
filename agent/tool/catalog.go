// Package tool is the closed capability registry the decide/act loop acts
// through. Only the two capabilities defined here can be registered.
package tool

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/rs/zerolog"
	"github.com/spf13/cast"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	logx "github.com/tanpawarit/argo-agent/pkg/logger"
)

const (
	ToolDatabaseQuery    = "database_query_tool"
	ToolGeneralKnowledge = "general_knowledge_tool"
)

const defaultToolTimeout = 30 * time.Second

// capability is unexported so the set stays closed to this package.
type capability interface {
	info() *schema.ToolInfo
	invoke(ctx context.Context, args map[string]any) (any, error)
}

var (
	_ capability = (*QueryCapability)(nil)
	_ capability = (*KnowledgeCapability)(nil)
)

type Config struct {
	Timeout time.Duration `split_words:"true" default:"30s"`
	MaxRows int           `split_words:"true" default:"200"`
}

type Option func(*Registry)

func WithTimeout(d time.Duration) Option {
	return func(r *Registry) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(r *Registry) {
		r.logger = logger
	}
}

// Registry dispatches capability calls by name.
type Registry struct {
	caps    map[string]capability
	order   []string
	timeout time.Duration
	logger  zerolog.Logger
}

var _ contractx.ToolGateway = (*Registry)(nil)

func NewRegistry(query *QueryCapability, knowledge *KnowledgeCapability, opts ...Option) (*Registry, error) {
	if query == nil {
		return nil, errors.New("tool: query capability is required")
	}
	if knowledge == nil {
		return nil, errors.New("tool: knowledge capability is required")
	}

	r := &Registry{
		caps: map[string]capability{
			ToolDatabaseQuery:    query,
			ToolGeneralKnowledge: knowledge,
		},
		order:   []string{ToolDatabaseQuery, ToolGeneralKnowledge},
		timeout: defaultToolTimeout,
		logger:  logx.Component("tool"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r, nil
}

func (r *Registry) Infos() []*schema.ToolInfo {
	out := make([]*schema.ToolInfo, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.caps[name].info())
	}
	return out
}

// Invoke runs one call under the registry timeout. It never returns an
// error or panics: every failure ends up in ToolResult.Error.
func (r *Registry) Invoke(ctx context.Context, req contractx.ToolRequest) (out contractx.ToolResult) {
	out.Tool = req.Tool
	started := time.Now()

	c, ok := r.caps[req.Tool]
	if !ok {
		out.Error = fmt.Sprintf("unknown tool %q", req.Tool)
		return out
	}

	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().
				Str("tool", req.Tool).
				Interface("panic", p).
				Msg("tool panicked")
			out.Result = nil
			out.Error = fmt.Sprintf("tool %s failed: %v", req.Tool, p)
		}
	}()

	result, err := c.invoke(callCtx, req.Args)
	elapsed := time.Since(started)
	if err != nil {
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			err = fmt.Errorf("timed out after %s: %w", r.timeout, err)
		}
		r.logger.Warn().
			Err(err).
			Str("tool", req.Tool).
			Dur("elapsed", elapsed).
			Msg("tool call failed")
		if errors.Is(err, contractx.ErrValidation) {
			out.Error = err.Error()
		} else {
			out.Error = contractx.ExternalCallError("tool."+req.Tool, false, err).Error()
		}
		return out
	}

	r.logger.Debug().
		Str("tool", req.Tool).
		Dur("elapsed", elapsed).
		Msg("tool call done")
	out.Result = result
	return out
}

func requireStringArg(args map[string]any, key string) (string, error) {
	raw, ok := args[key]
	if !ok || raw == nil {
		return "", fmt.Errorf("%w: argument %q is required", contractx.ErrValidation, key)
	}
	value, err := cast.ToStringE(raw)
	if err != nil {
		return "", fmt.Errorf("%w: argument %q must be a string", contractx.ErrValidation, key)
	}
	value = strings.TrimSpace(value)
	if value == "" {
		return "", fmt.Errorf("%w: argument %q is empty", contractx.ErrValidation, key)
	}
	return value, nil
}
