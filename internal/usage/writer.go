package usage

import (
	"context"
	"log"
	"time"
)

// Writer drains usage records to a Store from a bounded queue so the request
// path never blocks on accounting. A full queue drops the record rather than
// stalling a relay response.
type Writer struct {
	store Store
	ch    chan *Record
	done  chan struct{}
}

func NewWriter(store Store, buffer int) *Writer {
	w := &Writer{
		store: store,
		ch:    make(chan *Record, buffer),
		done:  make(chan struct{}),
	}
	go w.run()
	return w
}

func (w *Writer) run() {
	defer close(w.done)
	for rec := range w.ch {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := w.store.Insert(ctx, rec); err != nil {
			log.Printf("usage: insert failed: %v", err)
		}
		cancel()
	}
}

// Enqueue submits a record for background insertion. Never blocks.
func (w *Writer) Enqueue(rec *Record) {
	select {
	case w.ch <- rec:
	default:
		log.Printf("usage: queue full, dropping record for identity %s", rec.Identity)
	}
}

// Close flushes the queue and stops the writer.
func (w *Writer) Close() {
	close(w.ch)
	<-w.done
}
