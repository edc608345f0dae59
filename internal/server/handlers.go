package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/tools"
)

const (
	defaultTailN = 100
	maxTailN     = 1000
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// toolFailure is the error envelope for tool plane responses.
type toolFailure struct {
	OK    bool             `json:"ok"`
	Error *tools.ToolError `json:"error"`
}

// writeToolError sends the failure envelope. The error kind travels in the
// body; the status stays 200 for every kind except RateLimited, which gets
// 429 plus a Retry-After header.
func writeToolError(w http.ResponseWriter, terr *tools.ToolError) {
	status := http.StatusOK
	if terr.Kind == tools.KindRateLimited {
		status = http.StatusTooManyRequests
		if terr.RetryAfter > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(terr.RetryAfter))
		}
	}
	writeJSON(w, status, toolFailure{Error: terr})
}

// rateHeaders reports bucket state on every tool run response. Reset is the
// moment the bucket is full again, now when nothing refills.
func (s *Server) rateHeaders(w http.ResponseWriter) {
	m := s.exec.Limiter().Snapshot()
	now := time.Now()
	reset := now.Unix()
	if m.RefillPerSecond > 0 && m.CurrentTokens < m.Capacity {
		deficit := m.Capacity - m.CurrentTokens
		reset = now.Add(time.Duration(deficit / m.RefillPerSecond * float64(time.Second))).Unix()
	}
	w.Header().Set("X-RateLimit-Limit", strconv.Itoa(int(m.Capacity)))
	w.Header().Set("X-RateLimit-Remaining", strconv.Itoa(int(m.CurrentTokens)))
	w.Header().Set("X-RateLimit-Reset", strconv.FormatInt(reset, 10))
}

func (s *Server) handleToolList(w http.ResponseWriter, r *http.Request) {
	reg := s.exec.Registry()
	writeJSON(w, http.StatusOK, map[string]any{
		"names":       reg.Names(),
		"allowlist":   reg.Allowlist(),
		"descriptors": reg.List(),
	})
}

type toolRunRequest struct {
	Name    string         `json:"name"`
	Args    map[string]any `json:"args"`
	ConvID  string         `json:"conv_id"`
	TraceID string         `json:"trace_id"`
	Iter    int            `json:"iter"`
}

func (s *Server) handleToolRun(w http.ResponseWriter, r *http.Request) {
	var req toolRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeToolError(w, &tools.ToolError{
			Kind:    tools.KindValidationError,
			Message: fmt.Sprintf("invalid request body: %v", err),
		})
		return
	}
	if req.Name == "" {
		writeToolError(w, &tools.ToolError{
			Kind:    tools.KindValidationError,
			Message: "name is required",
		})
		return
	}

	result, terr := s.exec.Run(r.Context(), req.Name, req.Args, tools.RunOpts{
		ConvID:  req.ConvID,
		TraceID: req.TraceID,
		Iter:    req.Iter,
	})
	s.rateHeaders(w)

	if terr != nil {
		s.metrics.toolCalls.WithLabelValues(req.Name, string(terr.Kind)).Inc()
		if terr.Kind == tools.KindRateLimited {
			s.metrics.rateLimited.Inc()
		}
		writeToolError(w, terr)
		return
	}

	s.metrics.toolCalls.WithLabelValues(req.Name, "ok").Inc()
	writeJSON(w, http.StatusOK, map[string]any{"ok": true, "result": result})
}

// executionActs limits the executions endpoint to the tool plane's audit
// trail.
var executionActs = []string{
	ctxlog.ActToolExecutionStart,
	ctxlog.ActToolExecutionFinish,
	ctxlog.ActToolExecutionError,
	ctxlog.ActRateLimited,
}

func (s *Server) handleToolExecutions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.store.Tail(tailN(q.Get("n")), ctxlog.TailFilter{
		ConvID: q.Get("conv_id"),
		Acts:   executionActs,
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": emptyNotNull(events)})
}

func (s *Server) handleTail(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	events, err := s.store.Tail(tailN(q.Get("n")), ctxlog.TailFilter{
		ConvID: q.Get("conv_id"),
		Acts:   splitActs(q.Get("acts")),
	})
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": emptyNotNull(events)})
}

// handleStream delivers events committed after the subscription as SSE data
// frames, newest last, with comment-line heartbeats keeping proxies from
// idling the connection out.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	q := r.URL.Query()
	ch, cancel := s.store.Subscribe(r.Context(), ctxlog.TailFilter{
		ConvID: q.Get("conv_id"),
		Acts:   splitActs(q.Get("acts")),
	})
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	s.metrics.streams.Inc()

	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ticker := time.NewTicker(s.cfg.SSEHeartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case e, open := <-ch:
			if !open {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				continue
			}
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-ticker.C:
			_, _ = fmt.Fprint(w, ": heartbeat\n\n")
			flusher.Flush()
		}
	}
}

func tailN(raw string) int {
	n := defaultTailN
	if raw != "" {
		if v, err := strconv.Atoi(raw); err == nil && v > 0 {
			n = v
		}
	}
	if n > maxTailN {
		n = maxTailN
	}
	return n
}

func splitActs(raw string) []string {
	if raw == "" {
		return nil
	}
	var acts []string
	for _, a := range strings.Split(raw, ",") {
		if a = strings.TrimSpace(a); a != "" {
			acts = append(acts, a)
		}
	}
	return acts
}

// emptyNotNull keeps the events field an array in JSON even when the tail
// is empty.
func emptyNotNull(events []ctxlog.Event) []ctxlog.Event {
	if events == nil {
		return []ctxlog.Event{}
	}
	return events
}
