package session

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"github.com/uptrace/bun"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	"github.com/tanpawarit/argo-agent/pkg/datasource"
	"github.com/tanpawarit/argo-agent/pkg/keylock"
)

type sessionRow struct {
	bun.BaseModel `bun:"table:sessions,alias:s"`

	ID        string    `bun:"id,pk"`
	CreatedAt time.Time `bun:"created_at,notnull"`
	Summary   string    `bun:"summary,notnull"`
	FoldedSeq int64     `bun:"folded_seq,notnull"`
	LastSeq   int64     `bun:"last_seq,notnull"`
}

func (r *sessionRow) toSession() contractx.Session {
	return contractx.Session{
		ID:        r.ID,
		CreatedAt: r.CreatedAt.UTC(),
		Summary:   r.Summary,
		FoldedSeq: r.FoldedSeq,
		LastSeq:   r.LastSeq,
	}
}

type turnRow struct {
	bun.BaseModel `bun:"table:turns,alias:t"`

	SessionID string    `bun:"session_id,pk"`
	Seq       int64     `bun:"seq,pk"`
	Role      string    `bun:"role,notnull"`
	Content   string    `bun:"content,notnull"`
	CreatedAt time.Time `bun:"created_at,notnull"`
}

func (r *turnRow) toTurn() contractx.Turn {
	return contractx.Turn{
		SessionID: r.SessionID,
		Seq:       r.Seq,
		Role:      contractx.Role(r.Role),
		Content:   r.Content,
		CreatedAt: r.CreatedAt.UTC(),
	}
}

func toTurns(rows []turnRow) []contractx.Turn {
	out := make([]contractx.Turn, len(rows))
	for i := range rows {
		out[i] = rows[i].toTurn()
	}
	return out
}

// BunStore keeps sessions in a SQL database through bun. It works against
// postgres (row locks with FOR UPDATE) and sqlite (single writer connection).
type BunStore struct {
	db     *bun.DB
	now    func() time.Time
	newID  func() string
	locks  *keylock.Locker
	logger zerolog.Logger
}

var _ Store = (*BunStore)(nil)

func NewBunStore(db *bun.DB, opts ...Option) (*BunStore, error) {
	if db == nil {
		return nil, errors.New("session: nil database")
	}
	o := defaultOptions()
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return &BunStore{
		db:     db,
		now:    o.now,
		newID:  o.newID,
		locks:  o.locks,
		logger: o.logger,
	}, nil
}

// Migrate creates the sessions and turns tables when missing.
func (s *BunStore) Migrate(ctx context.Context) error {
	if _, err := s.db.NewCreateTable().
		Model((*sessionRow)(nil)).
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create sessions table: %w", err)
	}
	if _, err := s.db.NewCreateTable().
		Model((*turnRow)(nil)).
		IfNotExists().
		ForeignKey(`("session_id") REFERENCES "sessions" ("id") ON DELETE CASCADE`).
		Exec(ctx); err != nil {
		return fmt.Errorf("create turns table: %w", err)
	}
	if _, err := s.db.NewCreateIndex().
		Model((*sessionRow)(nil)).
		Index("sessions_created_at_idx").
		Column("created_at").
		IfNotExists().
		Exec(ctx); err != nil {
		return fmt.Errorf("create sessions index: %w", err)
	}
	return nil
}

func (s *BunStore) CreateSession(ctx context.Context) (contractx.Session, error) {
	row := &sessionRow{
		ID:        s.newID(),
		CreatedAt: s.now().UTC(),
	}
	if _, err := s.db.NewInsert().Model(row).Exec(ctx); err != nil {
		return contractx.Session{}, fmt.Errorf("insert session: %w", err)
	}
	s.logger.Debug().Str("session_id", row.ID).Msg("session created")
	return row.toSession(), nil
}

func (s *BunStore) AppendTurn(ctx context.Context, sessionID string, role contractx.Role, content string) (contractx.Turn, error) {
	turns, err := s.AppendTurns(ctx, sessionID, []contractx.TurnInput{{Role: role, Content: content}})
	if err != nil {
		return contractx.Turn{}, err
	}
	return turns[0], nil
}

func (s *BunStore) AppendTurns(ctx context.Context, sessionID string, inputs []contractx.TurnInput) ([]contractx.Turn, error) {
	const op = "session.append_turns"
	if err := validateSessionID(op, sessionID); err != nil {
		return nil, err
	}
	if len(inputs) == 0 {
		return nil, contractx.ValidationError(op, nil, "no turns to append")
	}
	if err := validateInputs(op, inputs); err != nil {
		return nil, err
	}

	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer unlock()

	var out []contractx.Turn
	err = s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		sess, err := s.lockSession(ctx, tx, op, sessionID)
		if err != nil {
			return err
		}

		now := s.now().UTC()
		rows := make([]turnRow, len(inputs))
		for i, in := range inputs {
			sess.LastSeq++
			rows[i] = turnRow{
				SessionID: sessionID,
				Seq:       sess.LastSeq,
				Role:      string(in.Role),
				Content:   in.Content,
				CreatedAt: now,
			}
		}

		if _, err := tx.NewInsert().Model(&rows).Exec(ctx); err != nil {
			return fmt.Errorf("insert turns: %w", err)
		}
		if _, err := tx.NewUpdate().
			Model(sess).
			Column("last_seq").
			WherePK().
			Exec(ctx); err != nil {
			return fmt.Errorf("advance last seq: %w", err)
		}
		out = toTurns(rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BunStore) SetSummary(ctx context.Context, sessionID string, summary string, through int64) error {
	const op = "session.set_summary"
	if err := validateSessionID(op, sessionID); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		sess, err := s.lockSession(ctx, tx, op, sessionID)
		if err != nil {
			return err
		}
		if err := validateWatermark(op, sess.toSession(), through); err != nil {
			return err
		}

		sess.Summary = summary
		sess.FoldedSeq = through
		if _, err := tx.NewUpdate().
			Model(sess).
			Column("summary", "folded_seq").
			WherePK().
			Exec(ctx); err != nil {
			return fmt.Errorf("update summary: %w", err)
		}
		return nil
	})
}

func (s *BunStore) Load(ctx context.Context, sessionID string) (*Snapshot, error) {
	const op = "session.load"
	if err := validateSessionID(op, sessionID); err != nil {
		return nil, err
	}

	var snap *Snapshot
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		sess, err := s.selectSession(ctx, tx, op, sessionID)
		if err != nil {
			return err
		}

		var rows []turnRow
		if err := tx.NewSelect().
			Model(&rows).
			Where("session_id = ?", sessionID).
			Where("seq > ?", sess.FoldedSeq).
			Order("seq ASC").
			Scan(ctx); err != nil {
			return fmt.Errorf("select turns: %w", err)
		}

		snap = &Snapshot{Session: sess.toSession(), Turns: toTurns(rows)}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

func (s *BunStore) History(ctx context.Context, sessionID string) ([]contractx.Turn, error) {
	const op = "session.history"
	if err := validateSessionID(op, sessionID); err != nil {
		return nil, err
	}

	var out []contractx.Turn
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.selectSession(ctx, tx, op, sessionID); err != nil {
			return err
		}
		var rows []turnRow
		if err := tx.NewSelect().
			Model(&rows).
			Where("session_id = ?", sessionID).
			Order("seq ASC").
			Scan(ctx); err != nil {
			return fmt.Errorf("select turns: %w", err)
		}
		out = toTurns(rows)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *BunStore) ListSessions(ctx context.Context) ([]contractx.Session, error) {
	var rows []sessionRow
	if err := s.db.NewSelect().
		Model(&rows).
		Order("created_at DESC", "id ASC").
		Scan(ctx); err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	out := make([]contractx.Session, len(rows))
	for i := range rows {
		out[i] = rows[i].toSession()
	}
	return out, nil
}

func (s *BunStore) DeleteSession(ctx context.Context, sessionID string) error {
	const op = "session.delete"
	if err := validateSessionID(op, sessionID); err != nil {
		return err
	}

	unlock, err := s.locks.Lock(ctx, sessionID)
	if err != nil {
		return err
	}
	defer unlock()

	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		if _, err := s.lockSession(ctx, tx, op, sessionID); err != nil {
			return err
		}
		if _, err := tx.NewDelete().
			Model((*turnRow)(nil)).
			Where("session_id = ?", sessionID).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete turns: %w", err)
		}
		if _, err := tx.NewDelete().
			Model((*sessionRow)(nil)).
			Where("id = ?", sessionID).
			Exec(ctx); err != nil {
			return fmt.Errorf("delete session: %w", err)
		}
		s.logger.Debug().Str("session_id", sessionID).Msg("session deleted")
		return nil
	})
}

func (s *BunStore) selectSession(ctx context.Context, tx bun.Tx, op, sessionID string) (*sessionRow, error) {
	return s.scanSession(ctx, tx.NewSelect(), op, sessionID)
}

// lockSession selects the session row for update on postgres. sqlite has no
// row locks; its single connection already serializes the transaction.
func (s *BunStore) lockSession(ctx context.Context, tx bun.Tx, op, sessionID string) (*sessionRow, error) {
	q := tx.NewSelect()
	if datasource.IsPostgres(tx) {
		q = q.For("UPDATE")
	}
	return s.scanSession(ctx, q, op, sessionID)
}

func (s *BunStore) scanSession(ctx context.Context, q *bun.SelectQuery, op, sessionID string) (*sessionRow, error) {
	row := new(sessionRow)
	if err := q.Model(row).Where("id = ?", sessionID).Scan(ctx); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, notFound(op, sessionID)
		}
		return nil, fmt.Errorf("select session: %w", err)
	}
	return row, nil
}
