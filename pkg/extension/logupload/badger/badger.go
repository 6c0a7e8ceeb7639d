// Package badger provides a BadgerDB-backed log record storage, so queued
// records survive endpoint restarts and power loss.
package badger

import (
	"encoding/binary"
	"fmt"
	"sync"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension/logupload"
)

var recordPrefix = []byte("log/")

func recordKey(seq uint64) []byte {
	key := make([]byte, len(recordPrefix)+8)
	copy(key, recordPrefix)
	binary.BigEndian.PutUint64(key[len(recordPrefix):], seq)
	return key
}

type recordRef struct {
	seq  uint64
	size int
}

// Storage persists queued records in a BadgerDB instance. Block membership
// is process-local: after a restart every persisted record is queued again,
// which at worst re-uploads a block the server already acknowledged — the
// server deduplicates by record content upstream.
type Storage struct {
	db *badger.DB

	mu           sync.Mutex
	seq          uint64
	nextBlockID  uint32
	inflight     map[uint32][]recordRef
	inflightSeqs map[uint64]struct{}
	count        int
	volume       int64
}

// Open opens (or creates) the storage at path.
func Open(path string) (*Storage, error) {
	opts := badger.DefaultOptions(path).WithLogger(nil)
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open log storage at %s: %w", path, err)
	}

	s := &Storage{
		db:           db,
		inflight:     make(map[uint32][]recordRef),
		inflightSeqs: make(map[uint64]struct{}),
	}

	// Rebuild counters and the sequence high-water mark from disk.
	err = db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(recordPrefix); it.ValidForPrefix(recordPrefix); it.Next() {
			item := it.Item()
			s.seq = binary.BigEndian.Uint64(item.Key()[len(recordPrefix):])
			s.count++
			s.volume += item.ValueSize()
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to scan log storage: %w", err)
	}
	return s, nil
}

func (s *Storage) Add(r logupload.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return fmt.Errorf("%w: log storage closed", errdefs.ErrInvalidState)
	}

	s.seq++
	seq := s.seq
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(recordKey(seq), r.Data)
	})
	if err != nil {
		return fmt.Errorf("failed to persist log record: %w", err)
	}
	s.count++
	s.volume += int64(len(r.Data))
	return nil
}

func (s *Storage) NextBlock(maxRecords, maxBytes int) (logupload.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return logupload.Block{}, fmt.Errorf("%w: log storage closed", errdefs.ErrInvalidState)
	}

	var refs []recordRef
	var records []logupload.Record
	var bytes int

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()
		for it.Seek(recordPrefix); it.ValidForPrefix(recordPrefix); it.Next() {
			item := it.Item()
			seq := binary.BigEndian.Uint64(item.Key()[len(recordPrefix):])
			if _, taken := s.inflightSeqs[seq]; taken {
				continue
			}
			if len(records) >= maxRecords {
				break
			}
			data, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			if len(records) > 0 && bytes+len(data) > maxBytes {
				break
			}
			refs = append(refs, recordRef{seq: seq, size: len(data)})
			records = append(records, logupload.Record{Data: data})
			bytes += len(data)
		}
		return nil
	})
	if err != nil {
		return logupload.Block{}, fmt.Errorf("failed to read log records: %w", err)
	}
	if len(records) == 0 {
		return logupload.Block{}, nil
	}

	s.nextBlockID++
	s.inflight[s.nextBlockID] = refs
	for _, ref := range refs {
		s.inflightSeqs[ref.seq] = struct{}{}
	}
	s.count -= len(refs)
	s.volume -= int64(bytes)
	return logupload.Block{ID: s.nextBlockID, Records: records}, nil
}

func (s *Storage) RemoveBlock(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs, ok := s.inflight[id]
	if !ok {
		return fmt.Errorf("%w: log block %d", errdefs.ErrNotFound, id)
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for _, ref := range refs {
			if err := txn.Delete(recordKey(ref.seq)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete delivered log block: %w", err)
	}

	delete(s.inflight, id)
	for _, ref := range refs {
		delete(s.inflightSeqs, ref.seq)
	}
	return nil
}

func (s *Storage) UnmarkBlock(id uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	refs, ok := s.inflight[id]
	if !ok {
		return fmt.Errorf("%w: log block %d", errdefs.ErrNotFound, id)
	}
	delete(s.inflight, id)
	for _, ref := range refs {
		delete(s.inflightSeqs, ref.seq)
		s.count++
		s.volume += int64(ref.size)
	}
	return nil
}

func (s *Storage) Stats() (logupload.Stats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return logupload.Stats{Count: s.count, Volume: s.volume}, nil
}

func (s *Storage) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	db := s.db
	s.db = nil
	return db.Close()
}
