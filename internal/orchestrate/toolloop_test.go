package orchestrate

import (
	"context"
	"strings"
	"testing"

	"github.com/contextd/contextd/internal/completeness"
	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/ratelimit"
	"github.com/contextd/contextd/internal/upstream"
)

func newLoop(t *testing.T, fake *fakeUpstream, store *ctxlog.Store, limiterCfg ratelimit.Config) *ToolLoop {
	t.Helper()
	exec := newTestExecutor(t, store, limiterCfg)
	return NewToolLoop(fake, exec, completeness.New(completeness.DefaultConfig()), store, LoopConfig{}, nil)
}

func TestToolLoopPlainAnswer(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{text(completeAnswer, upstream.StopStop)}}
	loop := newLoop(t, fake, store, ratelimit.Config{})

	res, err := loop.Run(context.Background(), userReq("hello"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Content != completeAnswer {
		t.Errorf("content = %q", res.Content)
	}
	if res.Stop != upstream.StopStop {
		t.Errorf("stop = %q", res.Stop)
	}
	if res.Debug.Iterations != 1 || res.Debug.Continuations != 0 {
		t.Errorf("debug = %+v", res.Debug)
	}
	if got := testEvents(t, store, ctxlog.ActAutoContinue); len(got) != 0 {
		t.Errorf("unexpected auto_continue events: %d", len(got))
	}
}

func TestToolLoopExecutesToolCallsSequentially(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{
		toolCalls(
			upstream.ToolCall{ID: "call_1", Name: "echo", Arguments: `{"text":"first"}`},
			upstream.ToolCall{ID: "call_2", Name: "echo", Arguments: `{"text":"second"}`},
		),
		text(completeAnswer, upstream.StopStop),
	}}
	loop := newLoop(t, fake, store, ratelimit.Config{})

	res, err := loop.Run(context.Background(), userReq("run the tools"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Content != completeAnswer {
		t.Errorf("content = %q", res.Content)
	}
	if res.Debug.ToolCalls != 2 || res.Debug.Iterations != 2 {
		t.Errorf("debug = %+v", res.Debug)
	}

	// The second upstream call carries the tool results in emission order.
	reqs := fake.requests()
	if len(reqs) != 2 {
		t.Fatalf("upstream calls = %d", len(reqs))
	}
	msgs := reqs[1].Messages
	var toolMsgs []upstream.Message
	for _, m := range msgs {
		if m.Role == upstream.RoleTool {
			toolMsgs = append(toolMsgs, m)
		}
	}
	if len(toolMsgs) != 2 || toolMsgs[0].Content != "first" || toolMsgs[1].Content != "second" {
		t.Fatalf("tool messages = %+v", toolMsgs)
	}
	if toolMsgs[0].ToolCallID != "call_1" || toolMsgs[1].ToolCallID != "call_2" {
		t.Errorf("tool call ids = %q, %q", toolMsgs[0].ToolCallID, toolMsgs[1].ToolCallID)
	}

	// Each execution ran under a child trace id derived from the turn's.
	starts := testEvents(t, store, ctxlog.ActToolExecutionStart)
	if len(starts) != 2 {
		t.Fatalf("start events = %d", len(starts))
	}
	if starts[0].TraceID != "trace-1.0" || starts[1].TraceID != "trace-1.1" {
		t.Errorf("child trace ids = %q, %q", starts[0].TraceID, starts[1].TraceID)
	}
}

func TestToolLoopToolErrorReflectedToModel(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{
		toolCalls(upstream.ToolCall{ID: "call_1", Name: "boom", Arguments: `{}`}),
		text(completeAnswer, upstream.StopStop),
	}}
	loop := newLoop(t, fake, store, ratelimit.Config{})

	res, err := loop.Run(context.Background(), userReq("try the broken tool"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stop != upstream.StopStop {
		t.Errorf("tool failure must not abort the turn: stop = %q", res.Stop)
	}

	reqs := fake.requests()
	if len(reqs) != 2 {
		t.Fatalf("upstream calls = %d", len(reqs))
	}
	var toolBody string
	for _, m := range reqs[1].Messages {
		if m.Role == upstream.RoleTool {
			toolBody = m.Content
		}
	}
	if !strings.Contains(toolBody, "ExecutionError") {
		t.Errorf("tool message lacks structured error: %q", toolBody)
	}
}

func TestToolLoopUnknownToolReflectedToModel(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{
		toolCalls(upstream.ToolCall{ID: "call_1", Name: "nope", Arguments: `{}`}),
		text(completeAnswer, upstream.StopStop),
	}}
	loop := newLoop(t, fake, store, ratelimit.Config{})

	if _, err := loop.Run(context.Background(), userReq("x")); err != nil {
		t.Fatalf("run: %v", err)
	}
	var toolBody string
	for _, m := range fake.requests()[1].Messages {
		if m.Role == upstream.RoleTool {
			toolBody = m.Content
		}
	}
	if !strings.Contains(toolBody, "ToolUnknown") {
		t.Errorf("tool message = %q", toolBody)
	}
}

func TestToolLoopRateLimitedAbortsTurn(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{
		toolCalls(
			upstream.ToolCall{ID: "call_1", Name: "echo", Arguments: `{"text":"a"}`},
			upstream.ToolCall{ID: "call_2", Name: "echo", Arguments: `{"text":"b"}`},
		),
	}}
	loop := newLoop(t, fake, store, ratelimit.Config{
		Enabled: true, Capacity: 1, RefillPerSecond: 0, CostPerRequest: 1,
	})

	res, err := loop.Run(context.Background(), userReq("x"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stop != upstream.StopError {
		t.Errorf("stop = %q, want error", res.Stop)
	}
	if !strings.Contains(res.Debug.Error, "RateLimited") {
		t.Errorf("debug error = %q", res.Debug.Error)
	}
	if len(fake.requests()) != 1 {
		t.Errorf("turn must abort before another upstream call")
	}
	if got := testEvents(t, store, ctxlog.ActRateLimited); len(got) != 1 {
		t.Errorf("rate_limited events = %d", len(got))
	}
}

func TestToolLoopContinuationAssemblesDraft(t *testing.T) {
	store := newTestStore(t)
	first := "The deployment proceeds in three phases, starting with"
	second := " provisioning, then rollout, and finally verification."
	fake := &fakeUpstream{script: []scripted{
		text(first, upstream.StopStop),
		text(second, upstream.StopStop),
	}}
	loop := newLoop(t, fake, store, ratelimit.Config{})

	res, err := loop.Run(context.Background(), userReq("describe the deployment"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Content != first+second {
		t.Errorf("content = %q", res.Content)
	}
	if res.Debug.Continuations != 1 {
		t.Errorf("continuations = %d", res.Debug.Continuations)
	}

	continues := testEvents(t, store, ctxlog.ActAutoContinue)
	if len(continues) != 1 {
		t.Fatalf("auto_continue events = %d", len(continues))
	}
	if continues[0].Reason != "punct" || continues[0].Attempt != 1 {
		t.Errorf("event = reason %q attempt %d", continues[0].Reason, continues[0].Attempt)
	}

	// The continuation request carries the draft and a resume instruction.
	reqs := fake.requests()
	msgs := reqs[1].Messages
	if len(msgs) < 3 {
		t.Fatalf("continuation messages = %d", len(msgs))
	}
	if msgs[len(msgs)-2].Role != upstream.RoleAssistant || msgs[len(msgs)-2].Content != first {
		t.Errorf("draft message = %+v", msgs[len(msgs)-2])
	}
	if msgs[len(msgs)-1].Role != upstream.RoleUser {
		t.Errorf("resume message = %+v", msgs[len(msgs)-1])
	}
}

func TestToolLoopContinuationStopsAtBudget(t *testing.T) {
	store := newTestStore(t)
	unfinished := "This sentence runs long enough to pass the length check yet never quite ends"
	fake := &fakeUpstream{script: []scripted{
		text(unfinished, upstream.StopStop),
		text(" and keeps going", upstream.StopStop),
		text(" and still going", upstream.StopStop),
	}, maxCont: 2}
	loop := newLoop(t, fake, store, ratelimit.Config{})

	res, err := loop.Run(context.Background(), userReq("x"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Debug.Continuations != 2 {
		t.Errorf("continuations = %d", res.Debug.Continuations)
	}

	continues := testEvents(t, store, ctxlog.ActAutoContinue)
	if len(continues) != 2 {
		t.Fatalf("auto_continue events = %d", len(continues))
	}
	for i, e := range continues {
		if e.Attempt != i+1 {
			t.Errorf("attempt[%d] = %d, want strictly increasing", i, e.Attempt)
		}
	}
	if res.Content != unfinished+" and keeps going and still going" {
		t.Errorf("content = %q", res.Content)
	}
}

func TestToolLoopCancellationEmitsTurnAborted(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{
		{resp: &upstream.Response{Content: "partial", Stop: upstream.StopCancelled}},
	}}
	loop := newLoop(t, fake, store, ratelimit.Config{})

	res, err := loop.Run(context.Background(), userReq("x"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stop != upstream.StopCancelled {
		t.Errorf("stop = %q", res.Stop)
	}
	if res.Content != "partial" {
		t.Errorf("partial draft must be preserved: %q", res.Content)
	}
	aborted := testEvents(t, store, ctxlog.ActTurnAborted)
	if len(aborted) != 1 || aborted[0].Reason != "cancelled" {
		t.Fatalf("turn_aborted events = %+v", aborted)
	}
}

func TestToolLoopUpstreamFailureKeepsPartialDraft(t *testing.T) {
	store := newTestStore(t)
	unfinished := "A partial explanation that clears the length bar but trails off without"
	fake := &fakeUpstream{script: []scripted{
		text(unfinished, upstream.StopStop),
		failure("connection reset"),
	}}
	loop := newLoop(t, fake, store, ratelimit.Config{})

	res, err := loop.Run(context.Background(), userReq("x"))
	if err != nil {
		t.Fatalf("partial draft should not surface as error: %v", err)
	}
	if res.Stop != upstream.StopError {
		t.Errorf("stop = %q", res.Stop)
	}
	if res.Content != unfinished {
		t.Errorf("content = %q", res.Content)
	}
}

func TestToolLoopUpstreamFailureWithNothingFailsTurn(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{failure("boom")}}
	loop := newLoop(t, fake, store, ratelimit.Config{})

	if _, err := loop.Run(context.Background(), userReq("x")); err == nil {
		t.Fatal("expected an error with no draft to return")
	}
}

func TestToolLoopForwardsDeltas(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{text(completeAnswer, upstream.StopStop)}}
	loop := newLoop(t, fake, store, ratelimit.Config{})

	var got strings.Builder
	req := userReq("x")
	req.OnDelta = func(c upstream.Chunk) { got.WriteString(c.Content) }
	if _, err := loop.Run(context.Background(), req); err != nil {
		t.Fatalf("run: %v", err)
	}
	if got.String() != completeAnswer {
		t.Errorf("deltas = %q", got.String())
	}
}
