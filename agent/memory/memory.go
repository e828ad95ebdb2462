// Package memory holds the raw turns of one conversation plus its rolling
// summary and folds the oldest turns into the summary when a token budget
// is exceeded. A Memory is owned by a single request and is not safe for
// concurrent use.
package memory

import (
	"context"
	"errors"
	"strings"

	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	"github.com/tanpawarit/argo-agent/agent/session"
	logx "github.com/tanpawarit/argo-agent/pkg/logger"
	"github.com/tanpawarit/argo-agent/pkg/tokenizer"
)

type Config struct {
	TokenBudget int `split_words:"true" default:"4000"`
	// TargetRatio is the share of TokenBudget left after an eviction.
	TargetRatio float64 `split_words:"true" default:"0.8"`
	// TurnOverhead is added per turn for role and framing tokens.
	TurnOverhead int `split_words:"true" default:"4"`
}

func (c Config) Validate() error {
	if c.TokenBudget <= 0 {
		return errors.New("token budget must be > 0")
	}
	if c.TargetRatio <= 0 || c.TargetRatio > 1 {
		return errors.New("target ratio must be in (0, 1]")
	}
	if c.TurnOverhead < 0 {
		return errors.New("turn overhead must be >= 0")
	}
	return nil
}

// View is the context handed to the reasoning gateway.
type View struct {
	Summary string
	Turns   []contractx.Turn
}

// Eviction describes one successful fold. Through is the seq of the newest
// evicted turn and becomes the new fold watermark.
type Eviction struct {
	Summary string
	Through int64
	Evicted []contractx.Turn
}

type Option func(*Memory)

func WithLogger(logger zerolog.Logger) Option {
	return func(m *Memory) {
		m.logger = logger
	}
}

type Memory struct {
	cfg        Config
	counter    tokenizer.Counter
	summarizer contractx.Summarizer
	logger     zerolog.Logger

	summary   string
	foldedSeq int64
	lastSeq   int64
	turns     []contractx.Turn
	sizes     []int
}

func New(cfg Config, counter tokenizer.Counter, summarizer contractx.Summarizer, opts ...Option) (*Memory, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if counter == nil {
		return nil, errors.New("memory: nil token counter")
	}
	if summarizer == nil {
		return nil, errors.New("memory: nil summarizer")
	}
	m := &Memory{
		cfg:        cfg,
		counter:    counter,
		summarizer: summarizer,
		logger:     logx.Component("memory"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m, nil
}

// Restore seeds the memory from a persisted snapshot. The stored summary is
// taken as is; it is never re-derived from turns.
func (m *Memory) Restore(snap *session.Snapshot) error {
	const op = "memory.restore"
	if snap == nil {
		return contractx.ValidationError(op, nil, "nil snapshot")
	}

	m.summary = snap.Session.Summary
	m.foldedSeq = snap.Session.FoldedSeq
	m.lastSeq = snap.Session.FoldedSeq
	m.turns = m.turns[:0]
	m.sizes = m.sizes[:0]

	for _, t := range snap.Turns {
		if err := m.Append(t); err != nil {
			return err
		}
	}
	return nil
}

// Append adds a persisted turn. Its seq must be newer than every turn
// already held.
func (m *Memory) Append(turn contractx.Turn) error {
	const op = "memory.append"
	if !turn.Role.Valid() {
		return contractx.ValidationError(op, nil, "invalid role %q", turn.Role)
	}
	if turn.Seq <= m.lastSeq {
		return contractx.ValidationError(op, nil, "turn seq %d is not after %d", turn.Seq, m.lastSeq)
	}
	m.turns = append(m.turns, turn)
	m.sizes = append(m.sizes, m.turnSize(turn))
	m.lastSeq = turn.Seq
	return nil
}

func (m *Memory) Context() View {
	turns := make([]contractx.Turn, len(m.turns))
	copy(turns, m.turns)
	return View{Summary: m.summary, Turns: turns}
}

// Size is the estimated token count of the raw turns.
func (m *Memory) Size() int {
	total := 0
	for _, s := range m.sizes {
		total += s
	}
	return total
}

func (m *Memory) Summary() string {
	return m.summary
}

func (m *Memory) FoldedSeq() int64 {
	return m.foldedSeq
}

// LastSeq is the seq of the newest turn held, or the fold watermark when
// no raw turn is held.
func (m *Memory) LastSeq() int64 {
	return m.lastSeq
}

// EnforceBudget folds the oldest contiguous prefix of turns into the
// summary once Size exceeds the budget, leaving at most
// TokenBudget*TargetRatio tokens. It returns nil when nothing was evicted.
// Memory is untouched unless the summarizer returns a non-empty summary.
func (m *Memory) EnforceBudget(ctx context.Context) (*Eviction, error) {
	const op = "memory.enforce_budget"

	size := m.Size()
	if size <= m.cfg.TokenBudget {
		return nil, nil
	}

	target := int(float64(m.cfg.TokenBudget) * m.cfg.TargetRatio)
	n, remaining := 0, size
	for n < len(m.turns) && remaining > target {
		remaining -= m.sizes[n]
		n++
	}

	evicted := make([]contractx.Turn, n)
	copy(evicted, m.turns[:n])

	summary, err := m.summarizer.Summarize(ctx, m.summary, evicted)
	if err != nil {
		return nil, contractx.BudgetExceededError(op, err,
			"size %d over budget %d: summarize %d turns", size, m.cfg.TokenBudget, n)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return nil, contractx.BudgetExceededError(op, nil,
			"size %d over budget %d: summarizer returned an empty summary", size, m.cfg.TokenBudget)
	}

	through := evicted[n-1].Seq
	m.summary = summary
	m.foldedSeq = through
	m.turns = append([]contractx.Turn(nil), m.turns[n:]...)
	m.sizes = append([]int(nil), m.sizes[n:]...)

	m.logger.Debug().
		Int("evicted", n).
		Int64("through", through).
		Int("size_before", size).
		Int("size_after", remaining).
		Msg("turns folded into summary")

	return &Eviction{Summary: summary, Through: through, Evicted: evicted}, nil
}

func (m *Memory) turnSize(t contractx.Turn) int {
	return m.counter.Count(t.Content) + m.cfg.TurnOverhead
}
