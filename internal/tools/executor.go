package tools

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/ratelimit"
	"github.com/contextd/contextd/internal/redact"
)

// ExecConfig configures the tool executor.
type ExecConfig struct {
	// Enabled short-circuits all execution when false.
	Enabled bool `yaml:"enabled"`

	// Timeout bounds one tool body. Default: 30s.
	Timeout time.Duration `yaml:"timeout"`

	// MaxOutputBytes drops results larger than this. Default: 1 MiB.
	MaxOutputBytes int `yaml:"max_output_bytes"`

	// PreviewBytes truncates event previews. Default: 4096.
	PreviewBytes int `yaml:"preview_bytes"`
}

// DefaultExecConfig returns executor defaults.
func DefaultExecConfig() ExecConfig {
	return ExecConfig{
		Enabled:        true,
		Timeout:        30 * time.Second,
		MaxOutputBytes: 1 << 20,
		PreviewBytes:   4096,
	}
}

// RunOpts correlate one execution with its turn.
type RunOpts struct {
	ConvID  string
	TraceID string
	Iter    int
}

// Executor applies the registry, validator, rate limiter and redactor around
// tool bodies, and writes the start/finish/error event pair for every run.
// Any number of tools may execute in parallel; mutual exclusion exists only
// inside the bucket and the event store.
type Executor struct {
	registry *Registry
	limiter  *ratelimit.Limiter
	redactor *redact.Redactor
	store    *ctxlog.Store
	cfg      ExecConfig
	logger   *slog.Logger
}

// NewExecutor wires an executor. All collaborators are required except the
// logger.
func NewExecutor(registry *Registry, limiter *ratelimit.Limiter, redactor *redact.Redactor, store *ctxlog.Store, cfg ExecConfig, logger *slog.Logger) *Executor {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultExecConfig().Timeout
	}
	if cfg.MaxOutputBytes <= 0 {
		cfg.MaxOutputBytes = DefaultExecConfig().MaxOutputBytes
	}
	if cfg.PreviewBytes <= 0 {
		cfg.PreviewBytes = DefaultExecConfig().PreviewBytes
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		registry: registry,
		limiter:  limiter,
		redactor: redactor,
		store:    store,
		cfg:      cfg,
		logger:   logger.With("component", "tool_executor"),
	}
}

// Registry exposes the catalog for the diagnostics surface.
func (e *Executor) Registry() *Registry { return e.registry }

// Limiter exposes the bucket for the metrics surface.
func (e *Executor) Limiter() *ratelimit.Limiter { return e.limiter }

// Run executes one tool call end to end. On success it returns the
// unredacted result; on failure a typed *ToolError. Every run that passes
// validation produces exactly one tool_execution_start followed by exactly
// one tool_execution_finish or tool_execution_error sharing conv, trace,
// iter and name.
func (e *Executor) Run(ctx context.Context, name string, args map[string]any, opts RunOpts) (string, *ToolError) {
	if !e.cfg.Enabled {
		return "", &ToolError{Kind: KindToolGated, Message: "tool execution is disabled"}
	}
	if opts.TraceID == "" {
		opts.TraceID = uuid.NewString()
	}

	if adm := e.limiter.TryAcquire(); !adm.Allowed {
		e.append(ctx, &ctxlog.Event{
			Actor:   ctxlog.ActorTool,
			Act:     ctxlog.ActRateLimited,
			ConvID:  opts.ConvID,
			TraceID: opts.TraceID,
			Iter:    opts.Iter,
			Name:    name,
			Status:  ctxlog.StatusError,
			Reason:  fmt.Sprintf("retry_after=%ds", adm.RetryAfter),
		})
		return "", errRateLimited(adm.RetryAfter)
	}

	if verr := e.registry.Validate(name, args); verr != nil {
		e.append(ctx, &ctxlog.Event{
			Actor:   ctxlog.ActorTool,
			Act:     ctxlog.ActToolExecutionError,
			ConvID:  opts.ConvID,
			TraceID: opts.TraceID,
			Iter:    opts.Iter,
			Name:    name,
			Status:  ctxlog.StatusError,
			Error:   e.redactor.ForLogging(verr.Message, e.cfg.PreviewBytes),
			Reason:  string(verr.Kind),
		})
		return "", verr
	}

	tool, _ := e.registry.Get(name)
	argsPreview := e.redactor.ForLogging(args, e.cfg.PreviewBytes)

	start := time.Now()
	e.append(ctx, &ctxlog.Event{
		Actor:       ctxlog.ActorTool,
		Act:         ctxlog.ActToolExecutionStart,
		ConvID:      opts.ConvID,
		TraceID:     opts.TraceID,
		Iter:        opts.Iter,
		Name:        name,
		ArgsPreview: argsPreview,
	})

	result, terr := e.invoke(ctx, tool, name, args)
	elapsed := time.Since(start).Milliseconds()

	if terr != nil {
		e.append(ctx, &ctxlog.Event{
			Actor:     ctxlog.ActorTool,
			Act:       ctxlog.ActToolExecutionError,
			ConvID:    opts.ConvID,
			TraceID:   opts.TraceID,
			Iter:      opts.Iter,
			Name:      name,
			Status:    ctxlog.StatusError,
			ElapsedMS: elapsed,
			Error:     e.redactor.ForLogging(terr.Message, e.cfg.PreviewBytes),
			Reason:    string(terr.Kind),
		})
		return "", terr
	}

	e.append(ctx, &ctxlog.Event{
		Actor:         ctxlog.ActorTool,
		Act:           ctxlog.ActToolExecutionFinish,
		ConvID:        opts.ConvID,
		TraceID:       opts.TraceID,
		Iter:          opts.Iter,
		Name:          name,
		Status:        ctxlog.StatusOK,
		ElapsedMS:     elapsed,
		ResultPreview: e.redactor.ForLogging(result, e.cfg.PreviewBytes),
	})
	return result, nil
}

// invoke runs the tool body under the timeout and output-size bounds. The
// deadline timer starts here, after registry lookup and validation.
func (e *Executor) invoke(ctx context.Context, tool Tool, name string, args map[string]any) (string, *ToolError) {
	type outcome struct {
		result string
		err    error
	}
	ch := make(chan outcome, 1)

	runCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		result, err := tool.Execute(runCtx, args)
		select {
		case ch <- outcome{result: result, err: err}:
		default:
			// Deadline already fired; result is dropped.
			e.logger.Warn("tool completed after deadline, result discarded", "tool", name)
		}
	}()

	select {
	case <-runCtx.Done():
		if ctx.Err() != nil {
			return "", errExecution(name, ctx.Err())
		}
		return "", errTimeout(name, e.cfg.Timeout.Seconds())
	case out := <-ch:
		if out.err != nil {
			return "", errExecution(name, out.err)
		}
		if len(out.result) > e.cfg.MaxOutputBytes {
			return "", errOutputTooLarge(name, len(out.result), e.cfg.MaxOutputBytes)
		}
		return out.result, nil
	}
}

// append writes an event; store errors are logged, never surfaced to the
// tool caller.
func (e *Executor) append(ctx context.Context, event *ctxlog.Event) {
	if err := e.store.Append(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Error("event append failed", "act", event.Act, "error", err)
	}
}
