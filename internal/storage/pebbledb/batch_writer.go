package pebbledb

import (
	"sync/atomic"
	"time"

	"github.com/cockroachdb/pebble"
	"github.com/sirupsen/logrus"
)

type BatchWriterConfig struct {
	MaxBatchSize      int // flush after this many ops
	FlushInterval     time.Duration
	ChannelBufferSize int
}

func DefaultBatchWriterConfig() BatchWriterConfig {
	return BatchWriterConfig{
		MaxBatchSize:      1000,
		FlushInterval:     time.Second,
		ChannelBufferSize: 100000,
	}
}

type writeOp struct {
	key    []byte
	value  []byte
	delete bool
	merge  bool
}

// BatchWriter coalesces record writes into periodic batch commits. Loss
// window on crash is bounded by the flush interval; the queue treats
// persistence as best-effort so that trade is acceptable.
type BatchWriter struct {
	db      *pebble.DB
	config  BatchWriterConfig
	opCh    chan writeOp
	stopCh  chan struct{}
	doneCh  chan struct{}
	stopped atomic.Bool
	log     *logrus.Entry
}

func NewBatchWriter(db *pebble.DB, config BatchWriterConfig) *BatchWriter {
	if config.MaxBatchSize == 0 {
		config.MaxBatchSize = 1000
	}
	if config.FlushInterval == 0 {
		config.FlushInterval = time.Second
	}
	if config.ChannelBufferSize == 0 {
		config.ChannelBufferSize = 100000
	}

	bw := &BatchWriter{
		db:     db,
		config: config,
		opCh:   make(chan writeOp, config.ChannelBufferSize),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
		log:    logrus.WithField("component", "pebble-batch-writer"),
	}

	go bw.flusher()

	return bw
}

func (bw *BatchWriter) Set(key, value []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, value: value}
}

func (bw *BatchWriter) Delete(key []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, delete: true}
}

func (bw *BatchWriter) Merge(key, value []byte) {
	if bw.stopped.Load() {
		return
	}
	bw.opCh <- writeOp{key: key, value: value, merge: true}
}

func (bw *BatchWriter) Close() error {
	if bw.stopped.Swap(true) {
		return nil // already stopped
	}
	close(bw.stopCh)
	<-bw.doneCh // wait for flusher to finish
	return nil
}

func (bw *BatchWriter) flusher() {
	defer close(bw.doneCh)

	ticker := time.NewTicker(bw.config.FlushInterval)
	defer ticker.Stop()

	batch := bw.db.NewBatch()
	opCount := 0

	flush := func() {
		if opCount == 0 {
			return
		}
		if err := batch.Commit(pebble.Sync); err != nil {
			bw.log.WithError(err).Error("batch commit failed, dropping batch")
		}
		batch.Close()
		batch = bw.db.NewBatch()
		opCount = 0
	}

	apply := func(op writeOp) {
		switch {
		case op.delete:
			batch.Delete(op.key, nil)
		case op.merge:
			batch.Merge(op.key, op.value, nil)
		default:
			batch.Set(op.key, op.value, nil)
		}
		opCount++
	}

	for {
		select {
		case op := <-bw.opCh:
			apply(op)
			if opCount >= bw.config.MaxBatchSize {
				flush()
			}

		case <-ticker.C:
			flush()

		case <-bw.stopCh:
			// Drain whatever is already buffered, then flush once.
			for {
				select {
				case op := <-bw.opCh:
					apply(op)
				default:
					flush()
					batch.Close()
					return
				}
			}
		}
	}
}
