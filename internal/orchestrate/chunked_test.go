package orchestrate

import (
	"context"
	"reflect"
	"strings"
	"testing"

	"github.com/contextd/contextd/internal/ctxlog"
	"github.com/contextd/contextd/internal/upstream"
)

func TestParseOutline(t *testing.T) {
	tests := []struct {
		name string
		in   string
		max  int
		want []string
	}{
		{"numbered", "1. Overview\n2. Steps\n3. Pitfalls", 5, []string{"Overview", "Steps", "Pitfalls"}},
		{"numbered with parens", "1) First\n2) Second", 5, []string{"First", "Second"}},
		{"bulleted", "- Alpha\n* Beta\n• Gamma", 5, []string{"Alpha", "Beta", "Gamma"}},
		{"json array", `Here you go: ["One","Two"]`, 5, []string{"One", "Two"}},
		{"quoted labels", "1. \"Setup\"\n2. *Teardown*", 5, []string{"Setup", "Teardown"}},
		{"capped at max", "1. A\n2. B\n3. C\n4. D", 2, []string{"A", "B"}},
		{"numbered beats bulleted", "1. Real\n- Noise", 5, []string{"Real"}},
		{"prose only", "I would structure it around themes.", 5, nil},
		{"empty", "", 5, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := parseOutline(tt.in, tt.max)
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("parseOutline(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestChunkedProducesOrderedManifest(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{
		text("1. Overview\n2. Steps\n3. Pitfalls", upstream.StopStop),
		text("The overview body.", upstream.StopStop),
		text("The steps body.", upstream.StopStop),
		text("The pitfalls body.", upstream.StopStop),
	}}
	c := NewChunked(fake, store, ChunkedConfig{}, nil)

	res, err := c.Run(context.Background(), userReq("write a comprehensive step-by-step guide to X"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stop != upstream.StopStop {
		t.Errorf("stop = %q", res.Stop)
	}

	m := res.Debug.Chunked
	wantOutline := []string{"Overview", "Steps", "Pitfalls"}
	if !reflect.DeepEqual(m.Outline, wantOutline) {
		t.Fatalf("outline = %v", m.Outline)
	}
	if len(m.Chunks) != 3 {
		t.Fatalf("chunks = %d", len(m.Chunks))
	}
	for i, ch := range m.Chunks {
		if ch.Index != i {
			t.Errorf("chunk index[%d] = %d, want dense prefix", i, ch.Index)
		}
		if ch.Label != wantOutline[i] {
			t.Errorf("chunk label[%d] = %q, want %q", i, ch.Label, wantOutline[i])
		}
	}

	outlines := testEvents(t, store, ctxlog.ActChunkOutline)
	if len(outlines) != 1 {
		t.Fatalf("chunk_outline events = %d", len(outlines))
	}
	if outlines[0].ChunkCount != 3 || !reflect.DeepEqual(outlines[0].Outline, wantOutline) {
		t.Errorf("outline event = %+v", outlines[0])
	}

	writes := testEvents(t, store, ctxlog.ActChunkWrite)
	if len(writes) != 3 {
		t.Fatalf("chunk_write events = %d", len(writes))
	}
	for i, e := range writes {
		if *e.ChunkIndex != i || e.ChunkLabel != wantOutline[i] {
			t.Errorf("write event[%d] = index %d label %q", i, *e.ChunkIndex, e.ChunkLabel)
		}
	}

	// Merged output carries the labeled sections in order.
	iOverview := strings.Index(res.Content, "## Overview")
	iSteps := strings.Index(res.Content, "## Steps")
	iPitfalls := strings.Index(res.Content, "## Pitfalls")
	if iOverview < 0 || iSteps < iOverview || iPitfalls < iSteps {
		t.Errorf("merged content out of order:\n%s", res.Content)
	}
	if !strings.Contains(res.Content, "The steps body.") {
		t.Errorf("merged content lost a chunk body:\n%s", res.Content)
	}
}

func TestChunkedOutlineRetries(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{
		text("I would think about structure first.", upstream.StopStop),
		text("1. Only Section", upstream.StopStop),
		text("Body text.", upstream.StopStop),
	}}
	c := NewChunked(fake, store, ChunkedConfig{}, nil)

	res, err := c.Run(context.Background(), userReq("x"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if len(res.Debug.Chunked.Chunks) != 1 || res.Debug.Chunked.Outline[0] != "Only Section" {
		t.Errorf("manifest = %+v", res.Debug.Chunked)
	}
	if got := testEvents(t, store, ctxlog.ActChunkOutline); len(got) != 1 {
		t.Errorf("chunk_outline events = %d", len(got))
	}
}

func TestChunkedOutlineFallsBackToSingleSection(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{
		text("no list here", upstream.StopStop),
		text("still no list", upstream.StopStop),
		text("none", upstream.StopStop),
		text("The whole answer in one go.", upstream.StopStop),
	}}
	c := NewChunked(fake, store, ChunkedConfig{OutlineRetries: 2}, nil)

	res, err := c.Run(context.Background(), userReq("x"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if !reflect.DeepEqual(res.Debug.Chunked.Outline, []string{"Answer"}) {
		t.Errorf("outline = %v", res.Debug.Chunked.Outline)
	}
	if res.Stop != upstream.StopStop {
		t.Errorf("stop = %q", res.Stop)
	}
}

func TestChunkedFailedChunkKeepsPrefix(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{
		text("1. Good\n2. Bad", upstream.StopStop),
		text("The good body.", upstream.StopStop),
		failure("upstream down"),
		failure("upstream still down"),
	}}
	c := NewChunked(fake, store, ChunkedConfig{}, nil)

	res, err := c.Run(context.Background(), userReq("x"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stop != upstream.StopError {
		t.Errorf("stop = %q", res.Stop)
	}
	m := res.Debug.Chunked
	if m.FailedIndex == nil || *m.FailedIndex != 1 {
		t.Fatalf("failed index = %v", m.FailedIndex)
	}
	if len(m.Chunks) != 1 || m.Chunks[0].Label != "Good" {
		t.Errorf("prefix = %+v", m.Chunks)
	}
	if !strings.Contains(res.Content, "The good body.") {
		t.Errorf("partial content lost: %q", res.Content)
	}
}

func TestChunkedRetriesFailedChunkOnce(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{
		text("1. Flaky", upstream.StopStop),
		failure("transient"),
		text("Recovered body.", upstream.StopStop),
	}}
	c := NewChunked(fake, store, ChunkedConfig{}, nil)

	res, err := c.Run(context.Background(), userReq("x"))
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if res.Stop != upstream.StopStop {
		t.Errorf("stop = %q", res.Stop)
	}
	if len(res.Debug.Chunked.Chunks) != 1 || res.Debug.Chunked.Chunks[0].Content != "Recovered body." {
		t.Errorf("manifest = %+v", res.Debug.Chunked)
	}
}

func TestChunkedPromptCarriesPriorChunks(t *testing.T) {
	store := newTestStore(t)
	fake := &fakeUpstream{script: []scripted{
		text("1. First\n2. Second", upstream.StopStop),
		text("Alpha body.", upstream.StopStop),
		text("Beta body.", upstream.StopStop),
	}}
	c := NewChunked(fake, store, ChunkedConfig{}, nil)

	if _, err := c.Run(context.Background(), userReq("x")); err != nil {
		t.Fatalf("run: %v", err)
	}
	reqs := fake.requests()
	if len(reqs) != 3 {
		t.Fatalf("upstream calls = %d", len(reqs))
	}
	secondPrompt := reqs[2].Messages[0].Content
	if !strings.Contains(secondPrompt, "Alpha body.") {
		t.Errorf("second chunk prompt lacks prior text:\n%s", secondPrompt)
	}
	if reqs[2].MaxTokens != DefaultChunkedConfig().TokensPerChunk {
		t.Errorf("chunk token cap = %d", reqs[2].MaxTokens)
	}
}
