// Package session persists sessions, their turns and the rolling summary.
//
// Every write for one session id is serialized: in-process through a keyed
// lock and inside the backend through a row lock or an atomic script. The
// summary and its fold watermark are always written together, so a crash
// can never leave a summary that disagrees with the turns it stands for.
package session

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	"github.com/tanpawarit/argo-agent/pkg/keylock"
	logx "github.com/tanpawarit/argo-agent/pkg/logger"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrInvalidSession  = errors.New("session id is empty")
)

// Store is the persistence contract used by the orchestrator.
type Store interface {
	CreateSession(ctx context.Context) (contractx.Session, error)
	AppendTurn(ctx context.Context, sessionID string, role contractx.Role, content string) (contractx.Turn, error)
	// AppendTurns persists all inputs in one atomic write, in order.
	AppendTurns(ctx context.Context, sessionID string, inputs []contractx.TurnInput) ([]contractx.Turn, error)
	// SetSummary replaces the summary and records that it covers every
	// turn with Seq <= through.
	SetSummary(ctx context.Context, sessionID string, summary string, through int64) error
	Load(ctx context.Context, sessionID string) (*Snapshot, error)
	History(ctx context.Context, sessionID string) ([]contractx.Turn, error)
	ListSessions(ctx context.Context) ([]contractx.Session, error)
	DeleteSession(ctx context.Context, sessionID string) error
}

// Snapshot is the persisted state needed to rebuild conversation memory:
// the session record and the turns not yet folded into its summary.
type Snapshot struct {
	Session contractx.Session
	Turns   []contractx.Turn
}

type Option func(*options)

type options struct {
	now        func() time.Time
	newID      func() string
	locks      *keylock.Locker
	logger     zerolog.Logger
	keyPrefix  string
	httpClient *http.Client
}

func defaultOptions() options {
	return options{
		now:       time.Now,
		newID:     func() string { return uuid.NewString() },
		locks:     keylock.New(),
		logger:    logx.Component("session"),
		keyPrefix: defaultKeyPrefix,
	}
}

func WithClock(now func() time.Time) Option {
	return func(o *options) {
		if now != nil {
			o.now = now
		}
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(o *options) {
		if newID != nil {
			o.newID = newID
		}
	}
}

// WithLocker shares a keyed lock between stores. It must not be the locker
// the caller already holds for the same key: Lock is not reentrant.
func WithLocker(l *keylock.Locker) Option {
	return func(o *options) {
		if l != nil {
			o.locks = l
		}
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

func validateSessionID(op, sessionID string) error {
	if strings.TrimSpace(sessionID) == "" {
		return contractx.ValidationError(op, ErrInvalidSession, "session id is required")
	}
	return nil
}

func validateInputs(op string, inputs []contractx.TurnInput) error {
	for i, in := range inputs {
		if !in.Role.Valid() {
			return contractx.ValidationError(op, nil, "turn %d: invalid role %q", i, in.Role)
		}
	}
	return nil
}

func notFound(op, sessionID string) error {
	return contractx.ValidationError(op, ErrSessionNotFound, "session %s", sessionID)
}

func validateWatermark(op string, sess contractx.Session, through int64) error {
	if through < sess.FoldedSeq || through > sess.LastSeq {
		return contractx.ValidationError(op, nil,
			"summary watermark %d outside [%d, %d]", through, sess.FoldedSeq, sess.LastSeq)
	}
	return nil
}

// unfolded keeps turns newer than the fold watermark, in seq order.
func unfolded(turns []contractx.Turn, folded int64) []contractx.Turn {
	out := make([]contractx.Turn, 0, len(turns))
	for _, t := range turns {
		if t.Seq > folded {
			out = append(out, t)
		}
	}
	return out
}
