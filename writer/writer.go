package writer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"bidaskflow/internal/channel"
	"bidaskflow/logger"
	"bidaskflow/models"
)

// Store persists normalized records. Implementations own their retry and
// batching policy; the writer only sequences calls and surfaces failures.
type Store interface {
	WriteSnapshot(ctx context.Context, snap *models.OrderBookSnapshot) error
	WriteTrade(ctx context.Context, trade *models.Trade) error
	Close(ctx context.Context) error
}

const storeCloseTimeout = 10 * time.Second

// Writer is the single consumer of the accepted-record queue. One goroutine
// draining one FIFO keeps records in arrival order all the way to the
// stores; fanning out to multiple consumers would lose that.
type Writer struct {
	channels *channel.Channels
	stores   []Store

	ctx     context.Context
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	log     *logger.Log
}

func NewWriter(channels *channel.Channels, stores ...Store) *Writer {
	return &Writer{
		channels: channels,
		stores:   stores,
		log:      logger.GetLogger(),
	}
}

func (w *Writer) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return fmt.Errorf("record writer already running")
	}
	w.running = true
	w.ctx = ctx
	w.mu.Unlock()

	w.log.WithComponent("writer").WithFields(logger.Fields{
		"stores": len(w.stores),
	}).Info("starting record writer")

	w.wg.Add(1)
	go w.run()
	return nil
}

// Stop waits until the record queue is drained, then closes the stores.
// The queue must already be closed by the producer side or Stop never
// returns.
func (w *Writer) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	w.mu.Unlock()

	w.log.WithComponent("writer").Info("stopping record writer")
	w.wg.Wait()

	ctx, cancel := context.WithTimeout(context.Background(), storeCloseTimeout)
	defer cancel()
	for _, store := range w.stores {
		if err := store.Close(ctx); err != nil {
			w.log.WithComponent("writer").WithError(err).WithFields(logger.Fields{
				"store": fmt.Sprintf("%T", store),
			}).Error("store close failed")
		}
	}
	w.log.WithComponent("writer").Info("record writer stopped")
}

func (w *Writer) run() {
	defer w.wg.Done()

	log := w.log.WithComponent("writer")
	for rec := range w.channels.Records {
		w.channels.IncrementRecordsReceived()
		w.dispatch(rec)
	}
	log.Info("record queue drained")
}

// dispatch hands one record to every store in order. A failing store never
// blocks the others; errors are logged and counted by the store itself, not
// retried here.
func (w *Writer) dispatch(rec models.Record) {
	for _, store := range w.stores {
		var err error
		switch r := rec.(type) {
		case *models.OrderBookSnapshot:
			err = store.WriteSnapshot(w.ctx, r)
		case *models.Trade:
			err = store.WriteTrade(w.ctx, r)
		default:
			w.log.WithComponent("writer").WithFields(logger.Fields{
				"kind": string(rec.Kind()),
			}).Warn("record of unknown kind dropped")
			return
		}
		if err != nil {
			w.log.WithComponent("writer").WithError(err).WithFields(logger.Fields{
				"store":  fmt.Sprintf("%T", store),
				"kind":   string(rec.Kind()),
				"symbol": rec.RecordSymbol(),
			}).Error("store write failed")
		}
	}
}
