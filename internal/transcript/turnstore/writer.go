package turnstore

import (
	"context"
	"log/slog"
	"time"

	"github.com/MrWong99/aptrium/internal/transcript"
)

const (
	defaultQueueSize    = 32
	defaultWriteTimeout = 5 * time.Second
)

type pendingTurn struct {
	sessionID string
	turn      transcript.Turn
}

// WriterOption configures a [Writer].
type WriterOption func(*Writer)

// WithQueueSize sets how many turns may wait for the store. Default: 32.
func WithQueueSize(n int) WriterOption {
	return func(w *Writer) {
		if n > 0 {
			w.queueSize = n
		}
	}
}

// WithWriteTimeout bounds each SaveTurn call. Default: 5s.
func WithWriteTimeout(d time.Duration) WriterOption {
	return func(w *Writer) {
		if d > 0 {
			w.timeout = d
		}
	}
}

// Writer saves turns to a [Store] on its own goroutine. Enqueue never blocks;
// when the queue is full the turn is dropped and logged.
type Writer struct {
	store     Store
	queueSize int
	timeout   time.Duration
	queue     chan pendingTurn
}

// NewWriter creates a [Writer] for store. Call [Writer.Run] to start it.
func NewWriter(store Store, opts ...WriterOption) *Writer {
	w := &Writer{
		store:     store,
		queueSize: defaultQueueSize,
		timeout:   defaultWriteTimeout,
	}
	for _, o := range opts {
		o(w)
	}
	w.queue = make(chan pendingTurn, w.queueSize)
	return w
}

// Enqueue schedules turn for saving. It reports false when the queue is full.
func (w *Writer) Enqueue(sessionID string, turn transcript.Turn) bool {
	select {
	case w.queue <- pendingTurn{sessionID: sessionID, turn: turn}:
		return true
	default:
		slog.Warn("turnstore: queue full, dropping turn", "session_id", sessionID, "turn", turn.Index)
		return false
	}
}

// Run saves queued turns until ctx is cancelled, then saves whatever is still
// queued and returns nil. Save failures are logged.
func (w *Writer) Run(ctx context.Context) error {
	for {
		select {
		case p := <-w.queue:
			w.save(ctx, p)
		case <-ctx.Done():
			w.drain()
			return nil
		}
	}
}

func (w *Writer) drain() {
	for {
		select {
		case p := <-w.queue:
			w.save(context.Background(), p)
		default:
			return
		}
	}
}

func (w *Writer) save(ctx context.Context, p pendingTurn) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.timeout)
	defer cancel()
	if err := w.store.SaveTurn(ctx, p.sessionID, p.turn); err != nil {
		slog.Error("turnstore: save turn failed", "session_id", p.sessionID, "turn", p.turn.Index, "err", err)
	}
}
