package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/orchestrate"
	"github.com/contextd/contextd/internal/upstream"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	ConvID   string        `json:"conv_id"`
	TraceID  string        `json:"trace_id"`
	Model    string        `json:"model"`
	Mode     string        `json:"mode"`
	Messages []chatMessage `json:"messages"`
}

// parseChat validates the request body and converts it into a turn request.
func (s *Server) parseChat(r *http.Request) (orchestrate.Request, error) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		return orchestrate.Request{}, fmt.Errorf("invalid request body: %w", err)
	}
	if len(req.Messages) == 0 {
		return orchestrate.Request{}, fmt.Errorf("messages is required")
	}

	switch orchestrate.Mode(req.Mode) {
	case "", orchestrate.ModeStandard, orchestrate.ModeReview, orchestrate.ModeChunked, orchestrate.ModeCombined:
	default:
		return orchestrate.Request{}, fmt.Errorf("unknown mode %q", req.Mode)
	}

	messages := make([]upstream.Message, 0, len(req.Messages))
	for i, m := range req.Messages {
		switch m.Role {
		case upstream.RoleSystem, upstream.RoleUser, upstream.RoleAssistant:
		default:
			return orchestrate.Request{}, fmt.Errorf("messages[%d]: unsupported role %q", i, m.Role)
		}
		messages = append(messages, upstream.Message{Role: m.Role, Content: m.Content})
	}

	return orchestrate.Request{
		ConvID:   req.ConvID,
		TraceID:  req.TraceID,
		Model:    req.Model,
		Messages: messages,
		Mode:     orchestrate.Mode(req.Mode),
	}, nil
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "chat is not configured"})
		return
	}
	turn, err := s.parseChat(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	res, err := s.runner.Run(r.Context(), turn)
	s.rateHeaders(w)
	if err != nil {
		writeJSON(w, http.StatusBadGateway, map[string]any{"error": err.Error()})
		return
	}
	s.metrics.continuations.Add(float64(res.Debug.Continuations))
	writeJSON(w, http.StatusOK, res)
}

// streamFrame is one SSE data payload on the chat stream. Delta frames carry
// exactly one of the delta fields, event frames carry one turn event, and
// the single terminal frame carries Done with the full result or an error.
type streamFrame struct {
	ContentDelta   string              `json:"contentDelta,omitempty"`
	ReasoningDelta string              `json:"reasoningDelta,omitempty"`
	Event          *ctxlog.Event       `json:"event,omitempty"`
	Done           bool                `json:"done,omitempty"`
	Result         *orchestrate.Result `json:"result,omitempty"`
	Error          string              `json:"error,omitempty"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"error": "chat is not configured"})
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	turn, err := s.parseChat(r)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"error": err.Error()})
		return
	}

	// The conversation id keys the event subscription, so the turn needs
	// one before the orchestrator assigns its own.
	if turn.ConvID == "" {
		turn.ConvID = uuid.NewString()
	}

	s.rateHeaders(w)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	s.metrics.streams.Inc()

	// Delta frames write from the handler goroutine, event frames from the
	// subscription goroutine; the mutex keeps SSE frames whole.
	var mu sync.Mutex
	writeFrame := func(f streamFrame) {
		data, err := json.Marshal(f)
		if err != nil {
			return
		}
		mu.Lock()
		_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
		flusher.Flush()
		mu.Unlock()
	}

	// Events committed for this conversation during the turn are forwarded
	// as event frames.
	var forwarded sync.WaitGroup
	events, cancel := s.store.Subscribe(r.Context(), ctxlog.TailFilter{ConvID: turn.ConvID})
	forwarded.Add(1)
	go func() {
		defer forwarded.Done()
		for e := range events {
			e := e
			writeFrame(streamFrame{Event: &e})
		}
	}()

	turn.OnDelta = func(c upstream.Chunk) {
		if c.Content != "" {
			writeFrame(streamFrame{ContentDelta: c.Content})
		}
		if c.Reasoning != "" {
			writeFrame(streamFrame{ReasoningDelta: c.Reasoning})
		}
	}

	res, err := s.runner.Run(r.Context(), turn)
	// Drain buffered events so every frame for the turn precedes the
	// terminal frame.
	cancel()
	forwarded.Wait()

	if err != nil {
		writeFrame(streamFrame{Done: true, Error: err.Error()})
		return
	}
	s.metrics.continuations.Add(float64(res.Debug.Continuations))
	writeFrame(streamFrame{Done: true, Result: res})
}
