package orchestrate

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/ratelimit"
	"github.com/contextd/contextd/internal/redact"
	"github.com/contextd/contextd/internal/tools"
	"github.com/contextd/contextd/internal/upstream"
)

// scripted is one canned upstream exchange.
type scripted struct {
	resp *upstream.Response
	err  error
}

// fakeUpstream replays scripted responses to Complete and Stream calls in
// order and records every request it saw.
type fakeUpstream struct {
	mu      sync.Mutex
	script  []scripted
	calls   []upstream.Request
	maxCont int
}

func text(content string, stop upstream.StopReason) scripted {
	return scripted{resp: &upstream.Response{Content: content, Stop: stop}}
}

func toolCalls(calls ...upstream.ToolCall) scripted {
	return scripted{resp: &upstream.Response{ToolCalls: calls, Stop: upstream.StopToolCalls}}
}

func failure(msg string) scripted {
	return scripted{err: fmt.Errorf("%s", msg)}
}

func (f *fakeUpstream) next(req upstream.Request) (*upstream.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, req)
	if len(f.script) == 0 {
		return nil, fmt.Errorf("fake upstream: script exhausted (call %d)", len(f.calls))
	}
	s := f.script[0]
	f.script = f.script[1:]
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func (f *fakeUpstream) Complete(ctx context.Context, req upstream.Request) (*upstream.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return f.next(req)
}

func (f *fakeUpstream) Stream(ctx context.Context, req upstream.Request) (<-chan upstream.Chunk, error) {
	resp, err := f.next(req)
	if err != nil {
		return nil, err
	}
	ch := make(chan upstream.Chunk, len(resp.ToolCalls)+3)
	if resp.Content != "" {
		ch <- upstream.Chunk{Content: resp.Content}
	}
	if resp.Reasoning != "" {
		ch <- upstream.Chunk{Reasoning: resp.Reasoning}
	}
	for i := range resp.ToolCalls {
		ch <- upstream.Chunk{ToolCall: &resp.ToolCalls[i]}
	}
	ch <- upstream.Chunk{Done: true, Stop: resp.Stop}
	close(ch)
	return ch, nil
}

func (f *fakeUpstream) MaxContinuationAttempts() int {
	if f.maxCont > 0 {
		return f.maxCont
	}
	return 2
}

func (f *fakeUpstream) requests() []upstream.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]upstream.Request(nil), f.calls...)
}

func newTestStore(t *testing.T) *ctxlog.Store {
	t.Helper()
	store, err := ctxlog.Open(ctxlog.Config{Dir: t.TempDir()}, nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// testEvents returns all events in commit order, optionally filtered by act.
func testEvents(t *testing.T, store *ctxlog.Store, acts ...string) []ctxlog.Event {
	t.Helper()
	tail, err := store.Tail(1000, ctxlog.TailFilter{Acts: acts})
	if err != nil {
		t.Fatalf("tail: %v", err)
	}
	out := make([]ctxlog.Event, len(tail))
	for i, e := range tail {
		out[len(tail)-1-i] = e
	}
	return out
}

// newTestExecutor builds an executor with an echo tool and an optional
// failing tool, backed by the given store.
func newTestExecutor(t *testing.T, store *ctxlog.Store, limiterCfg ratelimit.Config) *tools.Executor {
	t.Helper()
	reg := tools.NewRegistry()
	err := reg.Register(&tools.FuncTool{
		Desc: tools.Descriptor{
			Name:        "echo",
			Description: "echo text back",
			Params: map[string]*tools.Param{
				"text": {Type: "string", Required: true},
			},
		},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			s, _ := args["text"].(string)
			return s, nil
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	err = reg.Register(&tools.FuncTool{
		Desc: tools.Descriptor{Name: "boom", Description: "always fails", Params: map[string]*tools.Param{}},
		Fn: func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("kaput")
		},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := reg.Freeze(nil, tools.Gates{}); err != nil {
		t.Fatalf("freeze: %v", err)
	}

	if limiterCfg.Capacity == 0 {
		limiterCfg = ratelimit.DefaultConfig()
	}
	return tools.NewExecutor(reg, ratelimit.New(limiterCfg), redact.New(redact.DefaultConfig()), store, tools.DefaultExecConfig(), nil)
}

func userReq(textContent string) Request {
	return Request{
		ConvID:   "conv-1",
		TraceID:  "trace-1",
		Messages: []upstream.Message{{Role: upstream.RoleUser, Content: textContent}},
	}
}

const completeAnswer = "This answer is comfortably long enough to pass the minimum length check."
