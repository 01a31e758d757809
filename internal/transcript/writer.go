// Package transcript implements the per-thread append-only event journal,
// its pluggable sinks, and the derived human-readable rendering.
package transcript

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rye-run/rye/pkg/models"
)

// JournalName is the journal file name inside a thread directory.
const JournalName = "transcript.jsonl"

// WriterConfig tunes droppable-event handling.
type WriterConfig struct {
	// ThrottleInterval is the minimum spacing between droppable events of
	// the same type. Default one second.
	ThrottleInterval time.Duration
	// QueueSize bounds the droppable queue; the oldest entry is dropped on
	// overflow. Default 256.
	QueueSize int
}

// DefaultWriterConfig returns the default droppable-lane settings.
func DefaultWriterConfig() WriterConfig {
	return WriterConfig{ThrottleInterval: time.Second, QueueSize: 256}
}

// Writer appends events to a thread's journal. Critical writes block and
// must succeed; droppable writes are queued, throttled, and shed under
// pressure. One Writer owns one journal file.
type Writer struct {
	mu        sync.Mutex
	f         *os.File
	path      string
	threadID  string
	directive string
	seq       int64
	sink      Sink

	cfg      WriterConfig
	queue    chan models.TranscriptEvent
	lastSent map[models.EventType]time.Time
	dropped  uint64
	done     chan struct{}
	wg       sync.WaitGroup
	closed   bool
}

// Open creates or reopens the journal for a thread directory. Reopening
// resumes the sequence from the last intact line, so sequence numbers stay
// strictly monotonic across suspensions.
func Open(threadDir, threadID, directive string, sink Sink, cfg WriterConfig) (*Writer, error) {
	if err := os.MkdirAll(threadDir, 0o755); err != nil {
		return nil, fmt.Errorf("create thread dir: %w", err)
	}
	path := filepath.Join(threadDir, JournalName)

	lastSeq := int64(0)
	if events, err := Replay(path); err == nil && len(events) > 0 {
		lastSeq = events[len(events)-1].Seq
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}
	if sink == nil {
		sink = NopSink{}
	}
	if cfg.ThrottleInterval <= 0 {
		cfg.ThrottleInterval = time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}

	w := &Writer{
		f:         f,
		path:      path,
		threadID:  threadID,
		directive: directive,
		seq:       lastSeq,
		sink:      sink,
		cfg:       cfg,
		queue:     make(chan models.TranscriptEvent, cfg.QueueSize),
		lastSent:  make(map[models.EventType]time.Time),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.drainLoop()
	return w, nil
}

// Path returns the journal file path.
func (w *Writer) Path() string { return w.path }

// Write appends a critical event. The append is a single O_APPEND write of
// one JSON line; failure is returned to the caller and must fail the
// thread.
func (w *Writer) Write(ctx context.Context, typ models.EventType, payload any) (int64, error) {
	return w.write(ctx, typ, "", payload)
}

// WriteFrom appends a critical event attributed to a different producing
// thread (delegated events surfacing through a parent journal).
func (w *Writer) WriteFrom(ctx context.Context, typ models.EventType, origin string, payload any) (int64, error) {
	return w.write(ctx, typ, origin, payload)
}

func (w *Writer) write(ctx context.Context, typ models.EventType, origin string, payload any) (int64, error) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return 0, fmt.Errorf("marshal %s payload: %w", typ, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return 0, fmt.Errorf("journal closed")
	}
	w.seq++
	ev := models.TranscriptEvent{
		Seq:       w.seq,
		TS:        time.Now().UTC(),
		ThreadID:  w.threadID,
		Directive: w.directive,
		Type:      typ,
		Origin:    origin,
		Payload:   raw,
	}
	if err := w.append(ev); err != nil {
		w.seq--
		return 0, err
	}
	w.sink.Emit(ctx, ev)
	return ev.Seq, nil
}

// WriteDroppable queues a best-effort streaming event. Events of one type
// are throttled to one per interval; when the queue is full the oldest
// entry is dropped. Never blocks.
func (w *Writer) WriteDroppable(typ models.EventType, payload any) {
	raw, err := marshalPayload(payload)
	if err != nil {
		return
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	now := time.Now()
	if last, ok := w.lastSent[typ]; ok && now.Sub(last) < w.cfg.ThrottleInterval {
		w.dropped++
		w.mu.Unlock()
		return
	}
	w.lastSent[typ] = now
	ev := models.TranscriptEvent{
		TS:        now.UTC(),
		ThreadID:  w.threadID,
		Directive: w.directive,
		Type:      typ,
		Payload:   raw,
	}
	w.mu.Unlock()

	for {
		select {
		case w.queue <- ev:
			return
		default:
			// Queue full: shed the oldest entry and retry once.
			select {
			case <-w.queue:
				w.mu.Lock()
				w.dropped++
				w.mu.Unlock()
			default:
			}
		}
	}
}

// Dropped returns the number of droppable events shed by throttling or
// queue overflow.
func (w *Writer) Dropped() uint64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.dropped
}

func (w *Writer) drainLoop() {
	defer w.wg.Done()
	for {
		select {
		case ev := <-w.queue:
			w.appendDroppable(ev)
		case <-w.done:
			for {
				select {
				case ev := <-w.queue:
					w.appendDroppable(ev)
				default:
					return
				}
			}
		}
	}
}

func (w *Writer) appendDroppable(ev models.TranscriptEvent) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.seq++
	ev.Seq = w.seq
	err := w.append(ev)
	if err != nil {
		// Best effort lane: shed on write failure.
		w.seq--
		w.dropped++
	}
	w.mu.Unlock()
	if err == nil {
		w.sink.Emit(context.Background(), ev)
	}
}

// append writes one JSON line. Callers hold w.mu.
func (w *Writer) append(ev models.TranscriptEvent) error {
	line, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	line = append(line, '\n')
	if _, err := w.f.Write(line); err != nil {
		return fmt.Errorf("append journal: %w", err)
	}
	return nil
}

// Close flushes the droppable queue and closes the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	w.closed = true
	return w.f.Close()
}

// Replay reads every intact event from a journal. A truncated final line
// (crash mid-append) is detected and ignored; prior events remain
// parseable.
func Replay(path string) ([]models.TranscriptEvent, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var events []models.TranscriptEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev models.TranscriptEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			// Truncated or corrupt tail: stop here, keep what parsed.
			break
		}
		events = append(events, ev)
	}
	if err := scanner.Err(); err != nil {
		return events, nil
	}
	return events, nil
}

func marshalPayload(payload any) (json.RawMessage, error) {
	if payload == nil {
		return nil, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return raw, nil
	}
	return json.Marshal(payload)
}
