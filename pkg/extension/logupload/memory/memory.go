// Package memory provides an in-memory log record storage. Records do not
// survive a restart; hosts that need durability use the badger storage.
package memory

import (
	"fmt"
	"sync"

	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension/logupload"
)

// Storage keeps queued records in a slice and in-flight blocks in a map.
type Storage struct {
	mu       sync.Mutex
	queue    []logupload.Record
	volume   int64
	inflight map[uint32][]logupload.Record
	nextID   uint32
	closed   bool
}

// New returns an empty in-memory storage.
func New() *Storage {
	return &Storage{inflight: make(map[uint32][]logupload.Record)}
}

func (s *Storage) Add(r logupload.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("%w: log storage closed", errdefs.ErrInvalidState)
	}
	s.queue = append(s.queue, r)
	s.volume += int64(len(r.Data))
	return nil
}

func (s *Storage) NextBlock(maxRecords, maxBytes int) (logupload.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return logupload.Block{}, fmt.Errorf("%w: log storage closed", errdefs.ErrInvalidState)
	}
	if len(s.queue) == 0 {
		return logupload.Block{}, nil
	}

	var taken []logupload.Record
	var bytes int
	for _, r := range s.queue {
		if len(taken) >= maxRecords {
			break
		}
		if len(taken) > 0 && bytes+len(r.Data) > maxBytes {
			break
		}
		taken = append(taken, r)
		bytes += len(r.Data)
	}

	s.queue = s.queue[len(taken):]
	s.volume -= int64(bytes)
	s.nextID++
	s.inflight[s.nextID] = taken
	return logupload.Block{ID: s.nextID, Records: taken}, nil
}

func (s *Storage) RemoveBlock(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.inflight[id]; !ok {
		return fmt.Errorf("%w: log block %d", errdefs.ErrNotFound, id)
	}
	delete(s.inflight, id)
	return nil
}

func (s *Storage) UnmarkBlock(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	records, ok := s.inflight[id]
	if !ok {
		return fmt.Errorf("%w: log block %d", errdefs.ErrNotFound, id)
	}
	delete(s.inflight, id)
	s.queue = append(records, s.queue...)
	for _, r := range records {
		s.volume += int64(len(r.Data))
	}
	return nil
}

func (s *Storage) Stats() (logupload.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return logupload.Stats{Count: len(s.queue), Volume: s.volume}, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.queue = nil
	s.inflight = make(map[uint32][]logupload.Record)
	s.volume = 0
	return nil
}
