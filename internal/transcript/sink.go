package transcript

import (
	"context"
	"sync/atomic"

	"github.com/rye-run/rye/pkg/models"
)

// Sink receives transcript events as they are journaled. Implementations
// must be safe for concurrent use and should not block critical writes.
type Sink interface {
	Emit(ctx context.Context, ev models.TranscriptEvent)
}

// NopSink discards all events.
type NopSink struct{}

// Emit does nothing.
func (NopSink) Emit(ctx context.Context, ev models.TranscriptEvent) {}

// ChanSink forwards events to a channel, dropping when the channel is full
// or the context is done.
type ChanSink struct {
	ch chan<- models.TranscriptEvent
}

// NewChanSink creates a sink feeding a (preferably buffered) channel.
func NewChanSink(ch chan<- models.TranscriptEvent) *ChanSink {
	return &ChanSink{ch: ch}
}

// Emit sends without blocking.
func (s *ChanSink) Emit(ctx context.Context, ev models.TranscriptEvent) {
	select {
	case s.ch <- ev:
	case <-ctx.Done():
	default:
	}
}

// CallbackSink wraps a function as a Sink.
type CallbackSink struct {
	fn func(ctx context.Context, ev models.TranscriptEvent)
}

// NewCallbackSink creates a sink that invokes fn for each event.
func NewCallbackSink(fn func(ctx context.Context, ev models.TranscriptEvent)) *CallbackSink {
	return &CallbackSink{fn: fn}
}

// Emit calls the wrapped function.
func (s *CallbackSink) Emit(ctx context.Context, ev models.TranscriptEvent) {
	if s.fn != nil {
		s.fn(ctx, ev)
	}
}

// MultiSink fans an event out to several sinks. Nil members are filtered
// at construction.
type MultiSink struct {
	sinks []Sink
}

// NewMultiSink builds a fan-out sink.
func NewMultiSink(sinks ...Sink) *MultiSink {
	filtered := make([]Sink, 0, len(sinks))
	for _, s := range sinks {
		if s != nil {
			filtered = append(filtered, s)
		}
	}
	return &MultiSink{sinks: filtered}
}

// Emit dispatches to every sink in order.
func (s *MultiSink) Emit(ctx context.Context, ev models.TranscriptEvent) {
	for _, sink := range s.sinks {
		sink.Emit(ctx, ev)
	}
}

// BufferSink implements two-lane backpressure for event fan-out. Critical
// events block until buffered (or, with BufferOnBackpressure false, shed
// the newest); droppable events shed immediately when their lane is full.
type BufferSink struct {
	critical  chan models.TranscriptEvent
	droppable chan models.TranscriptEvent
	out       chan models.TranscriptEvent
	dropped   uint64
	closed    uint32

	// BufferOnBackpressure controls whether critical emits block when the
	// lane is full. When false the newest event is shed instead.
	BufferOnBackpressure bool
}

// NewBufferSink creates a buffered sink and returns its output channel,
// which the consumer must drain. Critical events are delivered ahead of
// queued droppable ones.
func NewBufferSink(criticalBuf, droppableBuf int) (*BufferSink, <-chan models.TranscriptEvent) {
	if criticalBuf <= 0 {
		criticalBuf = 32
	}
	if droppableBuf <= 0 {
		droppableBuf = 256
	}
	s := &BufferSink{
		critical:             make(chan models.TranscriptEvent, criticalBuf),
		droppable:            make(chan models.TranscriptEvent, droppableBuf),
		out:                  make(chan models.TranscriptEvent, criticalBuf),
		BufferOnBackpressure: true,
	}
	go s.merge()
	return s, s.out
}

func (s *BufferSink) merge() {
	defer close(s.out)
	for {
		// Prefer the critical lane.
		select {
		case ev, ok := <-s.critical:
			if !ok {
				for ev := range s.droppable {
					s.out <- ev
				}
				return
			}
			s.out <- ev
			continue
		default:
		}
		select {
		case ev, ok := <-s.critical:
			if !ok {
				for ev := range s.droppable {
					s.out <- ev
				}
				return
			}
			s.out <- ev
		case ev, ok := <-s.droppable:
			if ok {
				s.out <- ev
			}
		}
	}
}

// Emit routes the event into its lane by criticality.
func (s *BufferSink) Emit(ctx context.Context, ev models.TranscriptEvent) {
	if atomic.LoadUint32(&s.closed) == 1 {
		return
	}
	if ev.Type.Droppable() {
		select {
		case s.droppable <- ev:
		default:
			atomic.AddUint64(&s.dropped, 1)
		}
		return
	}
	if s.BufferOnBackpressure {
		select {
		case s.critical <- ev:
		case <-ctx.Done():
			// Terminal events still get one non-blocking chance.
			select {
			case s.critical <- ev:
			default:
				atomic.AddUint64(&s.dropped, 1)
			}
		}
		return
	}
	select {
	case s.critical <- ev:
	default:
		atomic.AddUint64(&s.dropped, 1)
	}
}

// Dropped returns the count of shed events.
func (s *BufferSink) Dropped() uint64 {
	return atomic.LoadUint64(&s.dropped)
}

// Close stops the sink; the output channel closes once drained.
func (s *BufferSink) Close() {
	if !atomic.CompareAndSwapUint32(&s.closed, 0, 1) {
		return
	}
	close(s.critical)
	close(s.droppable)
}
