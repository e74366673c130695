// Package wal implements the write-ahead log backing the default
// Repository (internal/storage/fsrepo): every durable state transition is
// appended here before it is applied to in-memory state, so a crash between
// the two can never lose an acknowledged mutation.
//
// Writes use async batch commit: events land on a channel, a background
// goroutine accumulates a batch and issues one fsync per batch instead of
// one per event. Replay verifies a CRC32 checksum per record, and
// rotation archives the current file via rename after a snapshot has
// absorbed its contents. Sequence numbers are monotonic across rotations
// and restarts so a snapshot's last_seq cleanly partitions the stream.
package wal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// batchRequest is a single pending Append, waiting for its batch's fsync.
type batchRequest struct {
	event Event
	errCh chan error
}

// WAL is an append-only, checksum-verified event log.
type WAL struct {
	mu      sync.Mutex
	file    *os.File
	encoder *json.Encoder
	path    string
	seq     uint64

	batchChan     chan batchRequest
	bufferSize    int
	flushInterval time.Duration
	closed        chan struct{}
	wg            sync.WaitGroup
	isClosed      bool

	// sendMu is the shutdown barrier: Append holds it shared while
	// enqueueing; Rotate/Close take it exclusively after flipping isClosed,
	// so once they proceed no Append can still be mid-send.
	sendMu sync.RWMutex
}

// New opens (or creates) the WAL at path and starts its background batch
// writer. startSeq is the floor the next sequence number must exceed —
// callers pass the snapshot's last_seq so a freshly rotated (empty) log
// never reissues numbers a snapshot has already absorbed. bufferSize and
// flushInterval bound batching latency vs. fsync count; both fall back to
// sane defaults when <= 0.
func New(path string, startSeq uint64, bufferSize int, flushInterval time.Duration) (*WAL, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("wal: create directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open file: %w", err)
	}

	seq := startSeq
	if last, err := GetLastEvent(path); err == nil && last != nil {
		if last.Seq > seq {
			seq = last.Seq
		}
	} else if err != nil && err != ErrEmptyWAL {
		fmt.Fprintf(os.Stderr, "wal: warning: failed to read last event, starting from seq=%d: %v\n", startSeq, err)
	}

	if bufferSize <= 0 {
		bufferSize = 100
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Millisecond
	}

	w := &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		batchChan:     make(chan batchRequest, bufferSize*2),
		bufferSize:    bufferSize,
		flushInterval: flushInterval,
		closed:        make(chan struct{}),
	}

	w.wg.Add(1)
	go w.batchWriter()

	return w, nil
}

// Append writes one event under the given entity ID and JSON payload,
// blocking until its batch has been fsynced. A sequence number consumed by
// an Append that loses the race with Rotate/Close is simply skipped; only
// monotonicity matters.
func (w *WAL) Append(eventType EventType, entityID string, payload []byte) error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return ErrWALClosed
	}
	w.seq++
	seq := w.seq
	w.mu.Unlock()

	event := Event{
		Seq:       seq,
		Type:      eventType,
		EntityID:  entityID,
		Timestamp: time.Now().UnixMilli(),
		Payload:   payload,
		Checksum:  CalculateChecksum(eventType, entityID, seq, payload),
	}

	errCh := make(chan error, 1)
	w.sendMu.RLock()
	select {
	case w.batchChan <- batchRequest{event: event, errCh: errCh}:
		w.sendMu.RUnlock()
		return <-errCh
	case <-w.closed:
		w.sendMu.RUnlock()
		return ErrWALClosed
	}
}

// Replay reads every event from the beginning of the log, verifying its
// checksum, and calls handler for each in order. It stops at the first
// error handler returns or the first checksum mismatch.
func (w *WAL) Replay(handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	file, err := os.Open(w.path)
	if err != nil {
		return fmt.Errorf("wal: open for replay: %w", err)
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				break
			}
			return fmt.Errorf("wal: decode event: %w", err)
		}

		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq, Expected: CalculateChecksum(event.Type, event.EntityID, event.Seq, event.Payload), Actual: event.Checksum}
		}

		if err := handler(&event); err != nil {
			return err
		}
	}

	return nil
}

// Rotate archives the current log file and starts a fresh one. The
// sequence counter keeps counting from where it was, so events appended
// after rotation always sort after the snapshot that triggered it.
// Callers invoke this right after taking a snapshot.
func (w *WAL) Rotate() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return ErrWALClosed
	}
	w.isClosed = true
	w.mu.Unlock()

	// Barrier: wait out any Append already past the isClosed check.
	w.sendMu.Lock()
	w.sendMu.Unlock()

	close(w.closed)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.file.Close(); err != nil {
		return fmt.Errorf("wal: close before rotate: %w", err)
	}

	backupPath := w.path + "." + time.Now().Format("20060102_150405")
	if err := os.Rename(w.path, backupPath); err != nil {
		return fmt.Errorf("wal: rename during rotate: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC, 0644)
	if err != nil {
		return fmt.Errorf("wal: create new file during rotate: %w", err)
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.closed = make(chan struct{})
	w.wg.Add(1)
	go w.batchWriter()
	w.isClosed = false

	return nil
}

func (w *WAL) batchWriter() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	batch := make([]batchRequest, 0, w.bufferSize)

	for {
		select {
		case req := <-w.batchChan:
			batch = append(batch, req)
			if len(batch) >= w.bufferSize {
				w.flushBatch(batch)
				batch = batch[:0]
			}

		case <-ticker.C:
			if len(batch) > 0 {
				w.flushBatch(batch)
				batch = batch[:0]
			}

		case <-w.closed:
			// Drain requests that made it into the channel buffer so no
			// Append is left waiting on an errCh that never answers.
			for {
				select {
				case req := <-w.batchChan:
					batch = append(batch, req)
					continue
				default:
				}
				break
			}
			if len(batch) > 0 {
				w.flushBatch(batch)
			}
			return
		}
	}
}

// flushBatch writes every event in the batch and issues a single fsync —
// the throughput win of batch commit is N events per syscall.
func (w *WAL) flushBatch(batch []batchRequest) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var flushErr error
	for i := range batch {
		if err := w.encoder.Encode(batch[i].event); err != nil {
			flushErr = fmt.Errorf("wal: encode event: %w", err)
			break
		}
	}

	if flushErr == nil {
		if err := w.file.Sync(); err != nil {
			flushErr = fmt.Errorf("wal: sync: %w", err)
		}
	}

	for i := range batch {
		batch[i].errCh <- flushErr
		close(batch[i].errCh)
	}
}

// Close flushes any pending batch and releases the file handle. The WAL
// must not be used after Close.
func (w *WAL) Close() error {
	w.mu.Lock()
	if w.isClosed {
		w.mu.Unlock()
		return nil
	}
	w.isClosed = true
	w.mu.Unlock()

	w.sendMu.Lock()
	w.sendMu.Unlock()

	close(w.closed)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.file.Close()
}

// GetLastSeq returns the most recently assigned sequence number. Used when
// taking a snapshot so recovery knows where WAL replay must resume.
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}
