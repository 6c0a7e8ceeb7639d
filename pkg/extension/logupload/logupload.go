package logupload

import (
	"fmt"
	"sync"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/wire"
)

// optUploadBlock flags a request carrying an upload block.
const optUploadBlock = 0x1

// Per-block acknowledgement results.
const (
	ackDelivered   = 0
	ackCanceled    = 1
	ackStorageFull = 2
)

// Extension batches user log records and drives the upload/ack cycle.
type Extension struct {
	mu       sync.Mutex
	channels *channel.Manager
	storage  Storage
	strategy UploadStrategy

	// Block handed out by RequestSize, consumed by the following
	// SerializeRequest on the same sync.
	staged *Block

	// Sync request id → block id, so an abandoned request returns its block
	// to the queue.
	inflight map[uint32]uint32
}

// New returns the logging extension with the given storage and strategy.
// A nil strategy selects NewDefaultStrategy. A nil storage leaves the
// extension without storage until SetStorage is called; until then AddRecord
// fails with ErrInvalidState.
func New(channels *channel.Manager, storage Storage, strategy UploadStrategy) *Extension {
	if strategy == nil {
		strategy = NewDefaultStrategy()
	}
	return &Extension{
		channels: channels,
		storage:  storage,
		strategy: strategy,
		inflight: make(map[uint32]uint32),
	}
}

// Type implements extension.Extension.
func (e *Extension) Type() extension.Type { return extension.TypeLogging }

// SetStorage replaces the record storage. The previous storage is closed.
func (e *Extension) SetStorage(s Storage) error {
	if s == nil {
		return fmt.Errorf("%w: nil storage", errdefs.ErrBadParam)
	}
	e.mu.Lock()
	old := e.storage
	e.storage = s
	e.mu.Unlock()

	if old != nil {
		if err := old.Close(); err != nil {
			logger.Warn("previous log storage close failed", logger.KeyError, err)
		}
	}
	return nil
}

// SetStrategy replaces the upload strategy.
func (e *Extension) SetStrategy(s UploadStrategy) error {
	if s == nil {
		return fmt.Errorf("%w: nil strategy", errdefs.ErrBadParam)
	}
	e.mu.Lock()
	e.strategy = s
	e.mu.Unlock()
	return nil
}

// AddRecord queues one log record and schedules a log sync once the upload
// strategy's thresholds are crossed.
func (e *Extension) AddRecord(data []byte) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: empty log record", errdefs.ErrBadParam)
	}

	e.mu.Lock()
	storage, strategy := e.storage, e.strategy
	e.mu.Unlock()
	if storage == nil {
		return fmt.Errorf("%w: log storage not configured", errdefs.ErrInvalidState)
	}

	if err := storage.Add(Record{Data: append([]byte(nil), data...)}); err != nil {
		return err
	}

	stats, err := storage.Stats()
	if err != nil {
		return err
	}
	if strategy.ShouldUpload(stats) {
		if err := e.channels.Sync(extension.TypeLogging); err != nil {
			logger.Warn("log sync postponed", logger.KeyError, err)
		}
	}
	return nil
}

// NeedsSync implements extension.Extension.
func (e *Extension) NeedsSync() bool {
	e.mu.Lock()
	storage, strategy := e.storage, e.strategy
	e.mu.Unlock()
	if storage == nil {
		return false
	}
	stats, err := storage.Stats()
	if err != nil {
		logger.Warn("log storage stats failed", logger.KeyError, err)
		return false
	}
	return stats.Count > 0 && strategy.ShouldUpload(stats)
}

// RequestSize implements extension.Extension. The next upload block is
// staged here so the size matches what SerializeRequest emits.
func (e *Extension) RequestSize() (int, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.storage == nil {
		return 0, nil
	}

	if e.staged == nil {
		block, err := e.storage.NextBlock(e.strategy.MaxBlockRecords(), e.strategy.MaxBlockBytes())
		if err != nil {
			return 0, err
		}
		if len(block.Records) > 0 {
			e.staged = &block
		}
	}

	size := wire.ExtensionHeaderSize
	if e.staged != nil {
		size += 8
		for _, rec := range e.staged.Records {
			size += 4 + wire.AlignedSize(len(rec.Data))
		}
	}
	return size, nil
}

// SerializeRequest implements extension.Extension.
//
// Payload: {block_id:u32, record_count:u32} then {len:u32, body aligned} per
// record.
func (e *Extension) SerializeRequest(w *wire.Writer, requestID uint32) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	block := e.staged
	e.staged = nil

	if block == nil {
		return w.WriteExtensionHeader(uint8(extension.TypeLogging), 0, 0)
	}

	payload := 8
	for _, rec := range block.Records {
		payload += 4 + wire.AlignedSize(len(rec.Data))
	}
	if err := w.WriteExtensionHeader(uint8(extension.TypeLogging), optUploadBlock, uint32(payload)); err != nil {
		return err
	}
	if err := w.WriteUint32(block.ID); err != nil {
		return err
	}
	if err := w.WriteUint32(uint32(len(block.Records))); err != nil {
		return err
	}
	for _, rec := range block.Records {
		if err := w.WriteUint32(uint32(len(rec.Data))); err != nil {
			return err
		}
		if err := w.WriteAligned(rec.Data); err != nil {
			return err
		}
	}

	e.inflight[requestID] = block.ID
	logger.Debug("log block serialized",
		logger.KeyBlockID, block.ID, logger.KeyCount, len(block.Records))
	return nil
}

// HandleServerSync applies the per-block acknowledgements: delivered blocks
// are dropped, canceled blocks retried, and storage-full blocks returned to
// the queue with a warning.
func (e *Extension) HandleServerSync(r *wire.Reader, options uint32, length int, requestID uint32) error {
	ackCount, err := r.ReadUint32()
	if err != nil {
		return err
	}

	e.mu.Lock()
	storage := e.storage
	delete(e.inflight, requestID)
	e.mu.Unlock()
	if storage == nil {
		return fmt.Errorf("%w: log storage not configured", errdefs.ErrInvalidState)
	}

	retry := false
	for i := uint32(0); i < ackCount; i++ {
		blockID, err := r.ReadUint32()
		if err != nil {
			return err
		}
		result, err := r.ReadByte()
		if err != nil {
			return err
		}
		if err := r.Skip(3); err != nil { // reserved
			return err
		}

		switch result {
		case ackDelivered:
			if err := storage.RemoveBlock(blockID); err != nil {
				return err
			}
			logger.Debug("log block delivered", logger.KeyBlockID, blockID)
		case ackCanceled:
			if err := storage.UnmarkBlock(blockID); err != nil {
				return err
			}
			retry = true
			logger.Warn("log block canceled by server, will retry", logger.KeyBlockID, blockID)
		case ackStorageFull:
			if err := storage.UnmarkBlock(blockID); err != nil {
				return err
			}
			logger.Warn("server log storage full, block requeued", logger.KeyBlockID, blockID)
		default:
			logger.Warn("unknown log block ack result, block kept",
				logger.KeyBlockID, blockID, "result", result)
		}
	}

	if retry {
		if err := e.channels.Sync(extension.TypeLogging); err != nil {
			logger.Warn("log retry sync postponed", logger.KeyError, err)
		}
	}
	return nil
}

// OnRequestAbandoned returns the block shipped under an abandoned request to
// the queue.
func (e *Extension) OnRequestAbandoned(requestID uint32) {
	e.mu.Lock()
	blockID, ok := e.inflight[requestID]
	if ok {
		delete(e.inflight, requestID)
	}
	staged := e.staged
	e.staged = nil
	storage := e.storage
	e.mu.Unlock()

	if storage == nil {
		return
	}
	if ok {
		if err := storage.UnmarkBlock(blockID); err != nil {
			logger.Warn("failed to requeue abandoned log block",
				logger.KeyBlockID, blockID, logger.KeyError, err)
		}
	}
	if staged != nil {
		if err := storage.UnmarkBlock(staged.ID); err != nil {
			logger.Warn("failed to requeue staged log block",
				logger.KeyBlockID, staged.ID, logger.KeyError, err)
		}
	}
}

// Close implements extension.Extension.
func (e *Extension) Close() error {
	e.mu.Lock()
	storage := e.storage
	e.storage = nil
	e.mu.Unlock()
	if storage == nil {
		return nil
	}
	return storage.Close()
}
