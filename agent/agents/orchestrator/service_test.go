package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
	"github.com/tanpawarit/argo-agent/agent/loop"
	"github.com/tanpawarit/argo-agent/agent/memory"
	nodex "github.com/tanpawarit/argo-agent/agent/nodes/orchestrator"
	"github.com/tanpawarit/argo-agent/agent/session"
	"github.com/tanpawarit/argo-agent/pkg/datasource"
)

type scriptedGateway struct {
	mu        sync.Mutex
	decisions []contractx.Decision
	fallback  *contractx.Decision
	calls     int
}

func (g *scriptedGateway) Decide(ctx context.Context, msgs []*schema.Message, tools []*schema.ToolInfo) (contractx.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if len(g.decisions) == 0 {
		if g.fallback != nil {
			return *g.fallback, nil
		}
		return contractx.Decision{}, fmt.Errorf("no decision left at call=%d", g.calls)
	}
	d := g.decisions[0]
	g.decisions = g.decisions[1:]
	return d, nil
}

type fakeTools struct {
	mu    sync.Mutex
	calls []contractx.ToolRequest
}

func (f *fakeTools) Infos() []*schema.ToolInfo {
	return []*schema.ToolInfo{{Name: "database_query_tool"}, {Name: "general_knowledge_tool"}}
}

func (f *fakeTools) Invoke(ctx context.Context, req contractx.ToolRequest) contractx.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	return contractx.ToolResult{Tool: req.Tool, Result: map[string]any{"count": 42}}
}

type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

type countingSummarizer struct {
	mu    sync.Mutex
	calls int
}

func (s *countingSummarizer) Summarize(ctx context.Context, previous string, turns []contractx.Turn) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls++
	return fmt.Sprintf("summary #%d of %d turns", s.calls, len(turns)), nil
}

func newTestStore(t *testing.T, opts ...session.Option) *session.BunStore {
	t.Helper()

	db, err := datasource.Open(context.Background(), datasource.Config{
		Driver: datasource.DriverSQLite,
		DSN:    datasource.SQLiteDSN(filepath.Join(t.TempDir(), "argo.db"), false),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	store, err := session.NewBunStore(db, opts...)
	require.NoError(t, err)
	require.NoError(t, store.Migrate(context.Background()))
	return store
}

func newTestOrchestrator(
	t *testing.T,
	store session.Store,
	gateway contractx.Gateway,
	tools contractx.ToolGateway,
	mem memory.Config,
) *Orchestrator {
	t.Helper()

	loopCfg := loop.DefaultConfig()
	loopCfg.RetryBackoff = time.Millisecond

	o, err := New(Deps{
		Store:      store,
		Gateway:    gateway,
		Tools:      tools,
		Counter:    wordCounter{},
		Summarizer: &countingSummarizer{},
	}, Config{
		Loop:         loopCfg,
		Memory:       mem,
		SystemPrompt: "You answer questions about Argo floats.",
	})
	require.NoError(t, err)
	return o
}

func defaultMemory() memory.Config {
	return memory.Config{TokenBudget: 4000, TargetRatio: 0.8, TurnOverhead: 4}
}

func TestNewRequiresDependencies(t *testing.T) {
	t.Parallel()

	_, err := New(Deps{}, Config{Loop: loop.DefaultConfig(), Memory: defaultMemory()})
	require.Error(t, err)
}

func TestHandleMessageQueryThenAnswer(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	gateway := &scriptedGateway{decisions: []contractx.Decision{
		{Calls: []contractx.ToolRequest{{
			ID:   "call_1",
			Tool: "database_query_tool",
			Args: map[string]any{"query": "SELECT COUNT(*) FROM argo2024"},
		}}},
		{Content: "There are 42 profiles."},
	}}
	tools := &fakeTools{}
	o := newTestOrchestrator(t, store, gateway, tools, defaultMemory())

	sess, err := o.CreateSession(ctx)
	require.NoError(t, err)

	reply, err := o.HandleMessage(ctx, sess.ID, "How many profiles are there?")
	require.NoError(t, err)
	require.Equal(t, sess.ID, reply.SessionID)
	require.Equal(t, "There are 42 profiles.", reply.Answer)
	require.Equal(t, 2, gateway.calls)
	require.Len(t, tools.calls, 1)

	require.Len(t, reply.History, 2)
	require.Equal(t, contractx.RoleUser, reply.History[0].Role)
	require.Equal(t, "How many profiles are there?", reply.History[0].Content)
	require.Equal(t, contractx.RoleAssistant, reply.History[1].Role)
	require.Equal(t, "There are 42 profiles.", reply.History[1].Content)

	snap, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, snap.Session.Summary)
	require.Zero(t, snap.Session.FoldedSeq)
	require.Len(t, snap.Turns, 2)
}

func TestHandleMessageFoldsOldTurnsOverBudget(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	answer := contractx.Decision{Content: strings.TrimSpace(strings.Repeat("fact ", 10))}
	gateway := &scriptedGateway{fallback: &answer}
	o := newTestOrchestrator(t, store, gateway, &fakeTools{},
		memory.Config{TokenBudget: 40, TargetRatio: 0.8, TurnOverhead: 0})

	sess, err := o.CreateSession(ctx)
	require.NoError(t, err)

	question := strings.TrimSpace(strings.Repeat("question ", 10))
	for i := 0; i < 3; i++ {
		_, err := o.HandleMessage(ctx, sess.ID, question)
		require.NoError(t, err)
	}

	history, err := o.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 6)

	snap, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	require.NotEmpty(t, snap.Session.Summary)
	require.Positive(t, snap.Session.FoldedSeq)
	require.Less(t, len(snap.Turns), len(history))
	for _, tr := range snap.Turns {
		require.Greater(t, tr.Seq, snap.Session.FoldedSeq)
	}
}

func TestHandleMessageLoopFailurePersistsNothing(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	busy := contractx.Decision{Calls: []contractx.ToolRequest{{Tool: "general_knowledge_tool", Args: map[string]any{"question": "?"}}}}
	gateway := &scriptedGateway{fallback: &busy}
	tools := &fakeTools{}
	o := newTestOrchestrator(t, store, gateway, tools, defaultMemory())

	sess, err := o.CreateSession(ctx)
	require.NoError(t, err)

	_, err = o.HandleMessage(ctx, sess.ID, "loop forever")
	require.ErrorIs(t, err, contractx.ErrLoopExhausted)
	require.Equal(t, contractx.KindLoopExhausted, contractx.KindOf(err))
	require.Equal(t, loop.DefaultConfig().MaxCycles, gateway.calls)
	require.Len(t, tools.calls, loop.DefaultConfig().MaxCycles-1)

	history, err := o.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestHandleMessageInvalidInput(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	gateway := &scriptedGateway{}
	o := newTestOrchestrator(t, newTestStore(t), gateway, &fakeTools{}, defaultMemory())

	_, err := o.HandleMessage(ctx, " ", "hello")
	require.ErrorIs(t, err, ErrInvalidSession)

	_, err = o.HandleMessage(ctx, "s1", "   ")
	require.ErrorIs(t, err, ErrInvalidMessage)

	_, err = o.HandleMessage(ctx, "missing", "hello")
	require.ErrorIs(t, err, ErrSessionNotFound)
	require.Equal(t, contractx.KindValidation, contractx.KindOf(err))

	require.Zero(t, gateway.calls)
}

func TestHandleMessageCanceledContext(t *testing.T) {
	t.Parallel()

	store := newTestStore(t)
	gateway := &scriptedGateway{decisions: []contractx.Decision{{Content: "never"}}}
	o := newTestOrchestrator(t, store, gateway, &fakeTools{}, defaultMemory())

	sess, err := o.CreateSession(context.Background())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = o.HandleMessage(ctx, sess.ID, "hello")
	require.True(t, errors.Is(err, context.Canceled), "err = %v", err)
	require.Equal(t, contractx.KindCanceled, contractx.KindOf(err))

	history, err := o.History(context.Background(), sess.ID)
	require.NoError(t, err)
	require.Empty(t, history)
}

func TestHandleMessageSerializesSameSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	answer := contractx.Decision{Content: "ok"}
	o := newTestOrchestrator(t, store, &scriptedGateway{fallback: &answer}, &fakeTools{}, defaultMemory())

	sess, err := o.CreateSession(ctx)
	require.NoError(t, err)

	const n = 5
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := o.HandleMessage(ctx, sess.ID, fmt.Sprintf("message %d", i))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	history, err := o.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2*n)
	for i, tr := range history {
		require.Equal(t, int64(i+1), tr.Seq)
		if i%2 == 0 {
			require.Equal(t, contractx.RoleUser, tr.Role)
		} else {
			require.Equal(t, contractx.RoleAssistant, tr.Role)
		}
	}
}

func TestListAndDeleteSessions(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	o := newTestOrchestrator(t, newTestStore(t), &scriptedGateway{}, &fakeTools{}, defaultMemory())

	a, err := o.CreateSession(ctx)
	require.NoError(t, err)
	b, err := o.CreateSession(ctx)
	require.NoError(t, err)

	sessions, err := o.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 2)

	require.NoError(t, o.DeleteSession(ctx, a.ID))

	sessions, err = o.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, b.ID, sessions[0].ID)

	_, err = o.History(ctx, a.ID)
	require.ErrorIs(t, err, ErrSessionNotFound)
}

// slowGateway answers after a delay and records how many Decide calls
// overlap.
type slowGateway struct {
	delay    time.Duration
	mu       sync.Mutex
	inFlight int
	maxSeen  int
}

func (g *slowGateway) Decide(ctx context.Context, msgs []*schema.Message, tools []*schema.ToolInfo) (contractx.Decision, error) {
	g.mu.Lock()
	g.inFlight++
	if g.inFlight > g.maxSeen {
		g.maxSeen = g.inFlight
	}
	g.mu.Unlock()

	time.Sleep(g.delay)

	g.mu.Lock()
	g.inFlight--
	g.mu.Unlock()
	return contractx.Decision{Content: "ok"}, nil
}

func TestHandleMessageSerializesPaddedSessionID(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	store := newTestStore(t)
	gateway := &slowGateway{delay: 100 * time.Millisecond}
	o := newTestOrchestrator(t, store, gateway, &fakeTools{}, defaultMemory())

	sess, err := o.CreateSession(ctx)
	require.NoError(t, err)

	ids := []string{sess.ID, " " + sess.ID + " ", "\t" + sess.ID}
	var wg sync.WaitGroup
	errs := make(chan error, len(ids))
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			reply, err := o.HandleMessage(ctx, id, "hello")
			if err == nil && reply.SessionID != sess.ID {
				err = fmt.Errorf("reply session %q, want %q", reply.SessionID, sess.ID)
			}
			errs <- err
		}(id)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	require.Equal(t, 1, gateway.maxSeen, "decide calls overlapped for one session")

	history, err := o.History(ctx, sess.ID)
	require.NoError(t, err)
	require.Len(t, history, 2*len(ids))
	for i, tr := range history {
		require.Equal(t, int64(i+1), tr.Seq)
	}
}

func TestDeleteSessionRejectsBlankID(t *testing.T) {
	t.Parallel()

	o := newTestOrchestrator(t, newTestStore(t), &scriptedGateway{}, &fakeTools{}, defaultMemory())
	require.ErrorIs(t, o.DeleteSession(context.Background(), "  "), ErrInvalidSession)
}

func TestLoadAfterFoldRestoresRequestMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	clock := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	store := newTestStore(t, session.WithClock(func() time.Time { return clock }))
	answer := contractx.Decision{Content: strings.TrimSpace(strings.Repeat("fact ", 10))}
	o := newTestOrchestrator(t, store, &scriptedGateway{fallback: &answer}, &fakeTools{},
		memory.Config{TokenBudget: 40, TargetRatio: 0.8, TurnOverhead: 0})

	sess, err := o.CreateSession(ctx)
	require.NoError(t, err)

	question := strings.TrimSpace(strings.Repeat("question ", 10))
	var st *nodex.GraphState
	folded := false
	for i := 0; i < 3; i++ {
		st, err = nodex.ValidateRequest(nodex.GraphInput{SessionID: sess.ID, Text: question}, o.now)
		require.NoError(t, err)
		st, err = nodex.LoadMemory(ctx, st, store, o.newMemory)
		require.NoError(t, err)
		st, err = nodex.RunLoop(ctx, st, o.machine, o.systemPrompt)
		require.NoError(t, err)
		st, err = nodex.CommitTurns(ctx, st, store)
		require.NoError(t, err)
		st, err = nodex.EnforceBudget(ctx, st, store, o.logger)
		require.NoError(t, err)
		folded = folded || st.Eviction != nil
	}
	require.True(t, folded, "expected at least one fold")

	snap, err := store.Load(ctx, sess.ID)
	require.NoError(t, err)
	restored, err := o.newMemory()
	require.NoError(t, err)
	require.NoError(t, restored.Restore(snap))

	require.Equal(t, st.Memory.Context(), restored.Context())
	require.Equal(t, st.Memory.FoldedSeq(), restored.FoldedSeq())
	require.Equal(t, st.Memory.LastSeq(), restored.LastSeq())
	require.Equal(t, st.Memory.Size(), restored.Size())
}
