package audit

import (
	"context"
	"encoding/json"
	"os"
	"sync"

	"github.com/rs/zerolog"
)

// Writer decouples the hot path from the durable store. Record never blocks
// on disk while buffer space is available; when the buffer is full it falls
// back to a synchronous append rather than dropping the event.
type Writer struct {
	store *Store
	log   zerolog.Logger

	ch   chan Event
	wg   sync.WaitGroup
	once sync.Once

	mu     sync.Mutex
	closed bool

	spillMu sync.Mutex
}

// NewWriter starts the background drain goroutine. bufferSize bounds how
// many events may be in flight before writers degrade to synchronous.
func NewWriter(store *Store, bufferSize int, log zerolog.Logger) *Writer {
	if bufferSize <= 0 {
		bufferSize = 256
	}
	w := &Writer{
		store: store,
		log:   log.With().Str("component", "audit").Logger(),
		ch:    make(chan Event, bufferSize),
	}
	w.wg.Add(1)
	go w.drain()
	return w
}

// Record implements Recorder.
func (w *Writer) Record(e Event) {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		// Shutdown race: write directly so the event still lands.
		w.append(e)
		return
	}
	select {
	case w.ch <- e:
		w.mu.Unlock()
	default:
		w.mu.Unlock()
		w.append(e)
	}
}

func (w *Writer) drain() {
	defer w.wg.Done()
	for e := range w.ch {
		w.append(e)
	}
}

func (w *Writer) append(e Event) {
	err := w.store.Append(context.Background(), e)
	if err == nil {
		return
	}
	// One retry covers transient lock contention; anything worse goes to
	// the spill file so the event survives for manual replay.
	if err = w.store.Append(context.Background(), e); err == nil {
		return
	}
	w.log.Error().Err(err).
		Str("kind", e.Kind).
		Str("correlation_id", e.CorrelationID).
		Msg("audit append failed, spilling to file")
	if err := w.spill(e); err != nil {
		w.log.Error().Err(err).
			Str("kind", e.Kind).
			Str("correlation_id", e.CorrelationID).
			Msg("audit spill failed, event lost")
	}
}

// spill writes the event as a JSON line next to the database so failed
// appends are recoverable rather than dropped.
func (w *Writer) spill(e Event) error {
	w.spillMu.Lock()
	defer w.spillMu.Unlock()

	f, err := os.OpenFile(w.store.Path()+".spill.jsonl", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	line, err := json.Marshal(e)
	if err != nil {
		return err
	}
	_, err = f.Write(append(line, '\n'))
	return err
}

// Close flushes buffered events and stops the drain goroutine.
func (w *Writer) Close() {
	w.once.Do(func() {
		w.mu.Lock()
		w.closed = true
		close(w.ch)
		w.mu.Unlock()
		w.wg.Wait()
	})
}
