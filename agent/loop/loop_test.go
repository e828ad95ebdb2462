package loop

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/require"

	contractx "github.com/tanpawarit/argo-agent/agent/contract"
)

type step struct {
	decision contractx.Decision
	err      error
}

type scriptedGateway struct {
	mu     sync.Mutex
	steps  []step
	calls  int
	inputs [][]*schema.Message
	// repeat, when set, answers every call once steps run out.
	repeat *step
	onCall func(n int)
}

func (g *scriptedGateway) Decide(_ context.Context, msgs []*schema.Message, _ []*schema.ToolInfo) (contractx.Decision, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.inputs = append(g.inputs, append([]*schema.Message(nil), msgs...))
	if g.onCall != nil {
		g.onCall(g.calls)
	}
	if g.calls <= len(g.steps) {
		s := g.steps[g.calls-1]
		return s.decision, s.err
	}
	if g.repeat != nil {
		return g.repeat.decision, g.repeat.err
	}
	return contractx.Decision{}, errors.New("script exhausted")
}

type fakeTools struct {
	mu      sync.Mutex
	invoked []contractx.ToolRequest
	results map[string]contractx.ToolResult
}

func (f *fakeTools) Infos() []*schema.ToolInfo {
	return []*schema.ToolInfo{{Name: "database_query_tool"}, {Name: "general_knowledge_tool"}}
}

func (f *fakeTools) Invoke(_ context.Context, req contractx.ToolRequest) contractx.ToolResult {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.invoked = append(f.invoked, req)
	if r, ok := f.results[req.Tool]; ok {
		return r
	}
	return contractx.ToolResult{Tool: req.Tool, Result: "ok"}
}

func queryCall(id string) contractx.Decision {
	return contractx.Decision{Calls: []contractx.ToolRequest{{
		ID:   id,
		Tool: "database_query_tool",
		Args: map[string]any{"query": "SELECT AVG(temp_c) FROM argo2023 WHERE lat BETWEEN -5 AND 5"},
	}}}
}

func noSleep(context.Context, time.Duration) error { return nil }

func newTestMachine(t *testing.T, gw contractx.Gateway, tools contractx.ToolGateway, cfg Config) *Machine {
	t.Helper()
	m, err := New(gw, tools, cfg, WithSleep(noSleep))
	require.NoError(t, err)
	return m
}

func TestRunQueryThenAnswer(t *testing.T) {
	t.Parallel()

	gw := &scriptedGateway{steps: []step{
		{decision: queryCall("call-1")},
		{decision: contractx.Decision{Content: "The average temperature is 27.3°C."}},
	}}
	tools := &fakeTools{results: map[string]contractx.ToolResult{
		"database_query_tool": {Tool: "database_query_tool", Result: map[string]any{
			"columns": []string{"avg"}, "data": [][]string{{"27.3"}},
		}},
	}}
	m := newTestMachine(t, gw, tools, DefaultConfig())

	res, err := m.Run(context.Background(), Input{
		System: "system",
		User:   "What is the average temperature near the equator?",
	})
	require.NoError(t, err)
	require.Equal(t, "The average temperature is 27.3°C.", res.Answer)
	require.Equal(t, 2, res.Cycles)
	require.Len(t, res.Steps, 1)
	require.Len(t, tools.invoked, 1)

	// The second decide sees the assistant tool call and the linked result.
	second := gw.inputs[1]
	require.Len(t, second, 4)
	require.Equal(t, schema.System, second[0].Role)
	require.Equal(t, schema.User, second[1].Role)
	require.Equal(t, schema.Assistant, second[2].Role)
	require.Len(t, second[2].ToolCalls, 1)
	require.Equal(t, "call-1", second[2].ToolCalls[0].ID)
	require.Equal(t, schema.Tool, second[3].Role)
	require.Equal(t, "call-1", second[3].ToolCallID)
	require.Contains(t, second[3].Content, `"27.3"`)
}

func TestRunInitialContextOrder(t *testing.T) {
	t.Parallel()

	gw := &scriptedGateway{steps: []step{{decision: contractx.Decision{Content: "done"}}}}
	m := newTestMachine(t, gw, &fakeTools{}, DefaultConfig())

	_, err := m.Run(context.Background(), Input{
		System:  "system",
		Summary: "earlier summary",
		History: []contractx.Turn{
			{Seq: 3, Role: contractx.RoleUser, Content: "q1"},
			{Seq: 4, Role: contractx.RoleAssistant, Content: "a1"},
		},
		User: "q2",
	})
	require.NoError(t, err)

	first := gw.inputs[0]
	require.Len(t, first, 5)
	require.Equal(t, "system", first[0].Content)
	require.Contains(t, first[1].Content, "earlier summary")
	require.Equal(t, "q1", first[2].Content)
	require.Equal(t, schema.Assistant, first[3].Role)
	require.Equal(t, "q2", first[4].Content)
}

func TestRunExhaustsAfterExactlyMaxCycles(t *testing.T) {
	t.Parallel()

	for _, maxCycles := range []int{1, 3, 7} {
		gw := &scriptedGateway{repeat: &step{decision: queryCall("")}}
		tools := &fakeTools{}
		cfg := DefaultConfig()
		cfg.MaxCycles = maxCycles
		m := newTestMachine(t, gw, tools, cfg)

		res, err := m.Run(context.Background(), Input{User: "loop forever"})
		require.Nil(t, res)
		require.ErrorIs(t, err, contractx.ErrLoopExhausted)
		require.Equal(t, contractx.KindLoopExhausted, contractx.KindOf(err))
		require.Equal(t, maxCycles, gw.calls, "decide calls for max=%d", maxCycles)
		require.Len(t, tools.invoked, maxCycles-1)
	}
}

func TestRunCapabilityFailureIsVisible(t *testing.T) {
	t.Parallel()

	gw := &scriptedGateway{steps: []step{
		{decision: queryCall("call-1")},
		{decision: contractx.Decision{Content: "The query failed, please rephrase."}},
	}}
	tools := &fakeTools{results: map[string]contractx.ToolResult{
		"database_query_tool": {Tool: "database_query_tool", Error: "no such table: argo2030"},
	}}
	m := newTestMachine(t, gw, tools, DefaultConfig())

	res, err := m.Run(context.Background(), Input{User: "q"})
	require.NoError(t, err)
	require.Equal(t, 2, gw.calls)
	require.Equal(t, "no such table: argo2030", res.Steps[0].Result.Error)

	toolMsg := gw.inputs[1][len(gw.inputs[1])-1]
	require.Equal(t, schema.Tool, toolMsg.Role)
	var decoded contractx.ToolResult
	require.NoError(t, json.Unmarshal([]byte(toolMsg.Content), &decoded))
	require.Equal(t, "no such table: argo2030", decoded.Error)
}

func TestRunActsInRequestOrder(t *testing.T) {
	t.Parallel()

	gw := &scriptedGateway{steps: []step{
		{decision: contractx.Decision{Calls: []contractx.ToolRequest{
			{Tool: "general_knowledge_tool", Args: map[string]any{"question": "what is salinity?"}},
			{Tool: "database_query_tool", Args: map[string]any{"query": "SELECT 1"}},
		}}},
		{decision: contractx.Decision{Content: "answer"}},
	}}
	tools := &fakeTools{}
	m := newTestMachine(t, gw, tools, DefaultConfig())

	_, err := m.Run(context.Background(), Input{User: "q"})
	require.NoError(t, err)
	require.Len(t, tools.invoked, 2)
	require.Equal(t, "general_knowledge_tool", tools.invoked[0].Tool)
	require.Equal(t, "database_query_tool", tools.invoked[1].Tool)
	require.Equal(t, "call_1_0", tools.invoked[0].ID)
	require.Equal(t, "call_1_1", tools.invoked[1].ID)
}

func TestRunDecideTerminalErrorIsFatal(t *testing.T) {
	t.Parallel()

	gw := &scriptedGateway{steps: []step{
		{err: contractx.ExternalCallError("llm.decide", false, errors.New("401 unauthorized"))},
	}}
	m := newTestMachine(t, gw, &fakeTools{}, DefaultConfig())

	_, err := m.Run(context.Background(), Input{User: "q"})
	require.ErrorIs(t, err, contractx.ErrExternalCall)
	require.Equal(t, 1, gw.calls)
}

func TestRunRetriesTransientDecideFailures(t *testing.T) {
	t.Parallel()

	transient := contractx.ExternalCallError("llm.decide", true, errors.New("503"))
	gw := &scriptedGateway{steps: []step{
		{err: transient},
		{err: transient},
		{decision: contractx.Decision{Content: "answer"}},
	}}
	var waits []time.Duration
	m, err := New(gw, &fakeTools{}, DefaultConfig(), WithSleep(func(_ context.Context, d time.Duration) error {
		waits = append(waits, d)
		return nil
	}))
	require.NoError(t, err)

	res, err := m.Run(context.Background(), Input{User: "q"})
	require.NoError(t, err)
	require.Equal(t, "answer", res.Answer)
	require.Equal(t, 1, res.Cycles)
	require.Equal(t, []time.Duration{500 * time.Millisecond, time.Second}, waits)
}

func TestRunGivesUpAfterRetries(t *testing.T) {
	t.Parallel()

	transient := contractx.ExternalCallError("llm.decide", true, errors.New("429"))
	gw := &scriptedGateway{repeat: &step{err: transient}}
	cfg := DefaultConfig()
	cfg.DecideRetries = 1
	m := newTestMachine(t, gw, &fakeTools{}, cfg)

	_, err := m.Run(context.Background(), Input{User: "q"})
	require.ErrorIs(t, err, contractx.ErrExternalCall)
	require.True(t, contractx.IsTransient(err))
	require.Equal(t, 2, gw.calls)
}

func TestRunEmptyDecisionIsSchemaViolation(t *testing.T) {
	t.Parallel()

	gw := &scriptedGateway{steps: []step{{decision: contractx.Decision{Content: "   "}}}}
	m := newTestMachine(t, gw, &fakeTools{}, DefaultConfig())

	_, err := m.Run(context.Background(), Input{User: "q"})
	require.ErrorIs(t, err, contractx.ErrSchemaViolation)
	require.Equal(t, contractx.KindExternalCall, contractx.KindOf(err))
}

func TestRunObservesCancellationBetweenSteps(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	gw := &scriptedGateway{
		repeat: &step{decision: queryCall("")},
		onCall: func(n int) {
			if n == 2 {
				cancel()
			}
		},
	}
	tools := &fakeTools{}
	m := newTestMachine(t, gw, tools, DefaultConfig())

	_, err := m.Run(ctx, Input{User: "q"})
	require.ErrorIs(t, err, context.Canceled)
	require.Equal(t, contractx.KindCanceled, contractx.KindOf(err))
	require.Equal(t, 2, gw.calls)
	require.Len(t, tools.invoked, 1)
}

func TestRunAppliesDecideTimeout(t *testing.T) {
	t.Parallel()

	gw := blockingGateway{}
	cfg := DefaultConfig()
	cfg.DecideTimeout = 10 * time.Millisecond
	cfg.DecideRetries = 0
	m := newTestMachine(t, gw, &fakeTools{}, cfg)

	_, err := m.Run(context.Background(), Input{User: "q"})
	require.ErrorIs(t, err, contractx.ErrExternalCall)
	require.ErrorIs(t, err, context.DeadlineExceeded)
	require.True(t, contractx.IsTransient(err))
}

type blockingGateway struct{}

func (blockingGateway) Decide(ctx context.Context, _ []*schema.Message, _ []*schema.ToolInfo) (contractx.Decision, error) {
	<-ctx.Done()
	return contractx.Decision{}, ctx.Err()
}

func TestRunRejectsEmptyUserMessage(t *testing.T) {
	t.Parallel()

	gw := &scriptedGateway{}
	m := newTestMachine(t, gw, &fakeTools{}, DefaultConfig())
	_, err := m.Run(context.Background(), Input{User: "  "})
	require.ErrorIs(t, err, contractx.ErrValidation)
	require.Zero(t, gw.calls)
}

func TestConfigValidate(t *testing.T) {
	t.Parallel()

	require.NoError(t, DefaultConfig().Validate())

	bad := DefaultConfig()
	bad.MaxCycles = 0
	require.Error(t, bad.Validate())

	bad = DefaultConfig()
	bad.DecideTimeout = 0
	require.Error(t, bad.Validate())
}
