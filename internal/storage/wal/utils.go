package wal

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// GetLastEvent scans a WAL file from the start and returns the last
// successfully decoded event, or ErrEmptyWAL if the file has none yet.
func GetLastEvent(path string) (*Event, error) {
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrEmptyWAL
		}
		return nil, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var last *Event
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				break
			}
			if last == nil {
				return nil, fmt.Errorf("wal: decode while scanning for last event: %w", err)
			}
			break
		}
		e := event
		last = &e
	}

	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents returns the number of well-formed events in a WAL file.
func CountEvents(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	count := 0
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				break
			}
			return count, err
		}
		count++
	}
	return count, nil
}

// ValidateWAL checks every event's checksum and that sequence numbers are
// strictly increasing, returning the first violation found.
func ValidateWAL(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	var lastSeq uint64
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				return nil
			}
			return fmt.Errorf("wal: decode during validation: %w", err)
		}
		if event.Seq <= lastSeq && lastSeq != 0 {
			return fmt.Errorf("wal: out-of-order seq %d after %d", event.Seq, lastSeq)
		}
		if !VerifyChecksum(event) {
			return &ChecksumError{Seq: event.Seq}
		}
		lastSeq = event.Seq
	}
}

// DumpWAL writes a human-readable line per event. Useful for manual
// inspection during an incident; not used on any hot path.
func DumpWAL(path string, w io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				return nil
			}
			return err
		}
		fmt.Fprintf(w, "[seq:%d] %s entity=%s checksum=0x%x\n", event.Seq, event.Type, event.EntityID, event.Checksum)
	}
}

// WALStats summarizes a WAL file for diagnostics.
type WALStats struct {
	TotalEvents int
	EventTypes  map[EventType]int
	FirstSeq    uint64
	LastSeq     uint64
}

// GetWALStats scans the whole log and tallies per-type counts.
func GetWALStats(path string) (*WALStats, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stats := &WALStats{EventTypes: make(map[EventType]int)}
	decoder := json.NewDecoder(file)
	for {
		var event Event
		if err := decoder.Decode(&event); err != nil {
			if err == io.EOF {
				break
			}
			return stats, err
		}
		if stats.TotalEvents == 0 {
			stats.FirstSeq = event.Seq
		}
		stats.TotalEvents++
		stats.EventTypes[event.Type]++
		stats.LastSeq = event.Seq
	}
	return stats, nil
}

// TODO: WAL compaction (drop superseded events for terminal jobs once a
// snapshot has absorbed them) is not implemented; Rotate's archive-and-reset
// is the only space-reclamation mechanism today.
