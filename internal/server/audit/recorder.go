// Package audit writes the append-only security event log. Recording is
// asynchronous so the authentication path never waits on the event sink,
// and the archiver ships sealed events to object storage for compliance.
package audit

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/dvasilenko/authguard/internal/logging"
	"github.com/dvasilenko/authguard/internal/server/models"
	"github.com/dvasilenko/authguard/internal/server/repositories/events"
)

// Recorder buffers security events and writes them to the repository from a
// single background goroutine. Record never blocks: when the buffer is full
// the oldest queued event is dropped to make room, and the drop is counted.
type Recorder struct {
	repo   events.Repository
	logger logging.Logger
	buf    chan *models.SecurityEvent

	dropped  atomic.Int64
	failures atomic.Int64
}

// NewRecorder constructs a Recorder with the given buffer capacity.
func NewRecorder(repo events.Repository, bufferSize int, logger logging.Logger) *Recorder {
	if bufferSize <= 0 {
		bufferSize = 1024
	}
	return &Recorder{
		repo:   repo,
		logger: logger,
		buf:    make(chan *models.SecurityEvent, bufferSize),
	}
}

// Record enqueues ev for asynchronous persistence. Callers on the hot path
// must not be delayed by the sink, so a full buffer sheds the oldest event
// rather than blocking.
func (r *Recorder) Record(ev *models.SecurityEvent) {
	for {
		select {
		case r.buf <- ev:
			return
		default:
		}
		select {
		case old := <-r.buf:
			r.dropped.Add(1)
			r.logger.Warn(context.Background(), "event buffer full, dropping oldest", "type", old.Type)
		default:
		}
	}
}

// Run drains the buffer until ctx is cancelled, then flushes whatever is
// still queued. Sink failures are counted and logged, never propagated: a
// broken event store must not take authentication down with it.
func (r *Recorder) Run(ctx context.Context) {
	for {
		select {
		case ev := <-r.buf:
			r.append(ev)
		case <-ctx.Done():
			r.flush()
			return
		}
	}
}

func (r *Recorder) flush() {
	for {
		select {
		case ev := <-r.buf:
			r.append(ev)
		default:
			return
		}
	}
}

func (r *Recorder) append(ev *models.SecurityEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.repo.Append(ctx, ev); err != nil {
		r.failures.Add(1)
		r.logger.Error(ctx, "failed to append security event", "type", ev.Type, "error", err)
	}
}

// Dropped reports how many events were shed because the buffer was full.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// SinkFailures reports how many append attempts the repository rejected.
func (r *Recorder) SinkFailures() int64 { return r.failures.Load() }
