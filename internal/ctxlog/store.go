package ctxlog

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Config configures the event store.
type Config struct {
	// Dir is the directory holding .jsonl segment files.
	Dir string `yaml:"dir"`

	// SegmentMaxBytes rotates the current segment when its size would
	// exceed this cap. Default: 10 MiB.
	SegmentMaxBytes int64 `yaml:"segment_max_bytes"`

	// RetentionDays deletes segments older than this. Default: 7.
	RetentionDays int `yaml:"retention_days"`
}

// DefaultConfig returns the default event store configuration.
func DefaultConfig() Config {
	return Config{
		SegmentMaxBytes: 10 << 20,
		RetentionDays:   7,
	}
}

const (
	segmentPrefix = "ctx-"
	segmentSuffix = ".jsonl"

	// fallbackCap bounds the in-memory ring used when the directory is
	// unwritable. Events in the ring are debug-only and not durable.
	fallbackCap = 256

	// sweepInterval limits how often the lazy retention sweep runs.
	sweepInterval = time.Minute
)

// TailFilter narrows Tail and Subscribe results.
type TailFilter struct {
	ConvID string
	Acts   []string
}

func (f TailFilter) match(e *Event) bool {
	if f.ConvID != "" && e.ConvID != f.ConvID {
		return false
	}
	if len(f.Acts) > 0 {
		ok := false
		for _, a := range f.Acts {
			if e.Act == a {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	return true
}

type subscriber struct {
	ch     chan Event
	filter TailFilter
	lagged bool
}

// Store is the append-only event store. A single writer lock serializes
// appends; readers scan segment files independently and tolerate a partial
// trailing line (treated as absent).
type Store struct {
	cfg    Config
	logger *slog.Logger

	mu       sync.Mutex
	file     *os.File
	filePath string
	fileSize int64
	hourKey  string
	rotSeq   int

	lastSweep time.Time

	subMu   sync.Mutex
	subs    map[int]*subscriber
	nextSub int

	fallback       []Event
	fallbackWarned bool
}

// Open creates the store directory if needed and attaches to the newest
// existing segment (filename order, mtime as tiebreak). No repair is
// attempted on a partial last line; the next append simply starts a new line
// after whatever bytes are present is not acceptable, so a segment ending in
// a partial line is rotated away on the first append.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("ctxlog: dir is required")
	}
	if cfg.SegmentMaxBytes <= 0 {
		cfg.SegmentMaxBytes = DefaultConfig().SegmentMaxBytes
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultConfig().RetentionDays
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("ctxlog: create dir: %w", err)
	}

	s := &Store{
		cfg:    cfg,
		logger: logger.With("component", "ctxlog"),
		subs:   make(map[int]*subscriber),
	}
	if err := s.attachNewest(); err != nil {
		return nil, err
	}
	return s, nil
}

// attachNewest locates the newest segment and reopens it for append when it
// still has headroom and ends on a line boundary.
func (s *Store) attachNewest() error {
	segs, err := s.segments()
	if err != nil {
		return err
	}
	if len(segs) == 0 {
		return nil
	}
	newest := segs[len(segs)-1]
	info, err := os.Stat(newest)
	if err != nil {
		return fmt.Errorf("ctxlog: stat segment: %w", err)
	}
	if info.Size() >= s.cfg.SegmentMaxBytes {
		return nil
	}
	if info.Size() > 0 && !endsWithNewline(newest) {
		// Partial trailing line from a crash: leave the segment alone and
		// start fresh on the next append.
		return nil
	}
	f, err := os.OpenFile(newest, os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("ctxlog: reopen segment: %w", err)
	}
	s.file = f
	s.filePath = newest
	s.fileSize = info.Size()
	s.hourKey, s.rotSeq = parseSegmentName(filepath.Base(newest))
	return nil
}

func endsWithNewline(path string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil || info.Size() == 0 {
		return false
	}
	buf := make([]byte, 1)
	if _, err := f.ReadAt(buf, info.Size()-1); err != nil {
		return false
	}
	return buf[0] == '\n'
}

// parseSegmentName splits "ctx-YYYYMMDD-HH[-NN].jsonl" into the hour key and
// the rotation sequence.
func parseSegmentName(name string) (hourKey string, seq int) {
	trimmed := strings.TrimSuffix(strings.TrimPrefix(name, segmentPrefix), segmentSuffix)
	parts := strings.Split(trimmed, "-")
	if len(parts) >= 2 {
		hourKey = parts[0] + "-" + parts[1]
	}
	if len(parts) == 3 {
		fmt.Sscanf(parts[2], "%d", &seq)
	}
	return hourKey, seq
}

// Append assigns ID and TS under the writer lock, persists the event to the
// current segment, and fans it out to subscribers in commit order. I/O errors
// propagate to the caller; the event is additionally kept in a bounded
// in-memory ring so the diagnostics surface stays usable when the disk is
// not.
func (s *Store) Append(ctx context.Context, e *Event) error {
	if e == nil {
		return fmt.Errorf("ctxlog: nil event")
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	s.mu.Lock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	e.TS = time.Now().UTC()

	err := s.writeLocked(e)
	s.maybeSweepLocked()
	// Publish before releasing the writer lock so subscribers observe
	// commit order even under concurrent appends.
	s.publish(*e)
	s.mu.Unlock()

	if err != nil {
		s.rememberFallback(*e)
		return fmt.Errorf("ctxlog: append: %w", err)
	}
	return nil
}

func (s *Store) writeLocked(e *Event) error {
	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	if err := s.ensureSegmentLocked(int64(len(line))); err != nil {
		return err
	}
	n, err := s.file.Write(line)
	s.fileSize += int64(n)
	return err
}

// ensureSegmentLocked opens or rotates the current segment so the next write
// of size n fits under the cap.
func (s *Store) ensureSegmentLocked(n int64) error {
	hour := time.Now().UTC().Format("20060102-15")
	needRotate := s.file == nil ||
		s.hourKey != hour ||
		s.fileSize+n > s.cfg.SegmentMaxBytes

	if !needRotate {
		return nil
	}
	if s.file != nil {
		s.file.Close()
		s.file = nil
	}

	seq := 0
	if s.hourKey == hour {
		seq = s.rotSeq + 1
	}
	var path string
	for {
		name := segmentPrefix + hour + segmentSuffix
		if seq > 0 {
			name = fmt.Sprintf("%s%s-%02d%s", segmentPrefix, hour, seq, segmentSuffix)
		}
		path = filepath.Join(s.cfg.Dir, name)
		if _, err := os.Stat(path); os.IsNotExist(err) {
			break
		}
		seq++
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	s.file = f
	s.filePath = path
	s.fileSize = 0
	s.hourKey = hour
	s.rotSeq = seq
	return nil
}

// rememberFallback keeps the event in a bounded ring when disk writes fail.
func (s *Store) rememberFallback(e Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.fallbackWarned {
		s.fallbackWarned = true
		s.logger.Error("event store dir unavailable, buffering events in memory", "dir", s.cfg.Dir)
	}
	s.fallback = append(s.fallback, e)
	if len(s.fallback) > fallbackCap {
		s.fallback = s.fallback[len(s.fallback)-fallbackCap:]
	}
}

// Tail returns the last n events matching the filter, newest first. Segments
// are scanned youngest to oldest and the scan stops early once n events are
// collected.
func (s *Store) Tail(n int, filter TailFilter) ([]Event, error) {
	if n <= 0 {
		return nil, nil
	}
	segs, err := s.segments()
	if err != nil {
		return nil, err
	}

	out := make([]Event, 0, n)
	for i := len(segs) - 1; i >= 0 && len(out) < n; i-- {
		events, err := readSegment(segs[i])
		if err != nil {
			return nil, err
		}
		for j := len(events) - 1; j >= 0 && len(out) < n; j-- {
			if filter.match(&events[j]) {
				out = append(out, events[j])
			}
		}
	}

	if len(out) < n {
		s.mu.Lock()
		fb := s.fallback
		s.mu.Unlock()
		for j := len(fb) - 1; j >= 0 && len(out) < n; j-- {
			if filter.match(&fb[j]) {
				out = append(out, fb[j])
			}
		}
	}
	return out, nil
}

// Subscribe returns a channel delivering events committed after the call, in
// commit order, until cancel is invoked or ctx is done. A slow consumer that
// overruns its buffer is marked lagged and silently dropped.
func (s *Store) Subscribe(ctx context.Context, filter TailFilter) (<-chan Event, func()) {
	sub := &subscriber{
		ch:     make(chan Event, 256),
		filter: filter,
	}

	s.subMu.Lock()
	id := s.nextSub
	s.nextSub++
	s.subs[id] = sub
	s.subMu.Unlock()

	cancel := func() {
		s.subMu.Lock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(sub.ch)
		}
		s.subMu.Unlock()
	}

	if ctx != nil {
		go func() {
			<-ctx.Done()
			cancel()
		}()
	}
	return sub.ch, cancel
}

func (s *Store) publish(e Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for id, sub := range s.subs {
		if sub.lagged || !sub.filter.match(&e) {
			continue
		}
		select {
		case sub.ch <- e:
		default:
			sub.lagged = true
			s.logger.Warn("event subscriber lagged, dropping", "subscriber", id)
		}
	}
}

// segments lists segment paths sorted oldest to newest by filename, with
// mtime as tiebreak.
func (s *Store) segments() ([]string, error) {
	entries, err := os.ReadDir(s.cfg.Dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("ctxlog: read dir: %w", err)
	}

	type seg struct {
		path  string
		name  string
		mtime time.Time
	}
	var segs []seg
	for _, ent := range entries {
		name := ent.Name()
		if ent.IsDir() || !strings.HasPrefix(name, segmentPrefix) || !strings.HasSuffix(name, segmentSuffix) {
			continue
		}
		info, err := ent.Info()
		if err != nil {
			continue
		}
		segs = append(segs, seg{
			path:  filepath.Join(s.cfg.Dir, name),
			name:  name,
			mtime: info.ModTime(),
		})
	}
	sort.Slice(segs, func(i, j int) bool {
		if segs[i].name != segs[j].name {
			return segs[i].name < segs[j].name
		}
		return segs[i].mtime.Before(segs[j].mtime)
	})

	out := make([]string, len(segs))
	for i, sg := range segs {
		out[i] = sg.path
	}
	return out, nil
}

// readSegment parses one segment. Unparseable lines (including a partial
// trailing line) are skipped.
func readSegment(path string) ([]Event, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("ctxlog: open segment: %w", err)
	}
	defer f.Close()

	var events []Event
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Event
		if err := json.Unmarshal(line, &e); err != nil {
			continue
		}
		events = append(events, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("ctxlog: scan segment: %w", err)
	}
	return events, nil
}

// maybeSweepLocked runs the lazy retention sweep at most once per minute.
func (s *Store) maybeSweepLocked() {
	now := time.Now()
	if now.Sub(s.lastSweep) < sweepInterval {
		return
	}
	s.lastSweep = now
	go s.Sweep()
}

// Sweep deletes segments older than the retention horizon. Safe to call
// concurrently with appends: the current segment is never older than the
// horizon.
func (s *Store) Sweep() {
	horizon := time.Now().UTC().AddDate(0, 0, -s.cfg.RetentionDays)
	segs, err := s.segments()
	if err != nil {
		s.logger.Warn("retention sweep failed", "error", err)
		return
	}
	for _, path := range segs {
		hourKey, _ := parseSegmentName(filepath.Base(path))
		t, err := time.Parse("20060102-15", hourKey)
		if err != nil {
			continue
		}
		if t.Before(horizon) {
			if err := os.Remove(path); err != nil {
				s.logger.Warn("retention delete failed", "segment", path, "error", err)
				continue
			}
			s.logger.Info("retention deleted segment", "segment", filepath.Base(path))
		}
	}
}

// Close closes the current segment and all subscriber channels.
func (s *Store) Close() error {
	s.subMu.Lock()
	for id, sub := range s.subs {
		delete(s.subs, id)
		close(sub.ch)
	}
	s.subMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.file != nil {
		err := s.file.Close()
		s.file = nil
		return err
	}
	return nil
}
