package channel

import (
	"context"
	"sync"

	"bidaskflow/logger"
	"bidaskflow/models"
)

type ChannelStats struct {
	RecordsSent     int64 `json:"records_sent"`
	RecordsReceived int64 `json:"records_received"`
	RecordsDropped  int64 `json:"records_dropped"`
}

// Channels carries accepted records from the receive path to the single
// writer goroutine. Send blocks when the buffer is full, so an accepted
// record is never dropped; the receive loop slows down instead. FIFO order
// preserves per-symbol arrival order end to end.
type Channels struct {
	Records chan models.Record

	stats      ChannelStats
	statsMutex sync.RWMutex
	log        *logger.Log
}

func NewChannels(recordBufferSize int) *Channels {
	log := logger.GetLogger()
	c := &Channels{
		Records: make(chan models.Record, recordBufferSize),
		log:     log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"record_buffer_size": recordBufferSize,
	}).Info("record queue initialized")

	return c
}

// CloseRecords stops the queue once no more records will be produced. The
// writer drains whatever is buffered before exiting, so closing is the first
// step of a clean shutdown.
func (c *Channels) CloseRecords() {
	close(c.Records)
	c.log.WithComponent("channels").Info("record channel closed")
}

func (c *Channels) IncrementRecordsSent() {
	c.statsMutex.Lock()
	c.stats.RecordsSent++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRecordsReceived() {
	c.statsMutex.Lock()
	c.stats.RecordsReceived++
	c.statsMutex.Unlock()
}

func (c *Channels) IncrementRecordsDropped() {
	c.statsMutex.Lock()
	c.stats.RecordsDropped++
	c.statsMutex.Unlock()
}

// SendRecord enqueues one normalized record, blocking until buffer space is
// available or the context is cancelled. It reports whether the record was
// accepted; a false return is counted as a drop and only happens during
// shutdown.
func (c *Channels) SendRecord(ctx context.Context, rec models.Record) bool {
	select {
	case c.Records <- rec:
		c.IncrementRecordsSent()
		return true
	case <-ctx.Done():
		c.IncrementRecordsDropped()
		return false
	}
}

// RecordDepth reports how many records are currently buffered.
func (c *Channels) RecordDepth() int {
	return len(c.Records)
}

func (c *Channels) GetStats() ChannelStats {
	c.statsMutex.RLock()
	defer c.statsMutex.RUnlock()
	return c.stats
}
