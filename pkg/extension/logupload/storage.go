// Package logupload implements the logging extension: user log records are
// batched into upload blocks, shipped inside the sync frame, and retried or
// dropped according to the per-block acknowledgement from the server.
package logupload

// Record is one user log record. The SDK treats the payload as opaque.
type Record struct {
	Data []byte
}

// Block is a batch of records in flight under one client-side block id.
type Block struct {
	ID      uint32
	Records []Record
}

// Stats summarizes what a storage currently holds, excluding records marked
// in flight.
type Stats struct {
	Count  int
	Volume int64
}

// Storage owns the queued log records. Implementations must keep records
// marked in flight out of subsequent blocks until they are removed
// (delivered) or unmarked (failed).
type Storage interface {
	// Add appends a record to the queue.
	Add(r Record) error

	// NextBlock marks up to maxRecords records totalling at most maxBytes
	// as in flight and returns them under a fresh block id; a first record
	// larger than maxBytes forms a block on its own. An empty block (ID 0,
	// no records) means nothing is queued.
	NextBlock(maxRecords, maxBytes int) (Block, error)

	// RemoveBlock discards a delivered block's records for good.
	RemoveBlock(id uint32) error

	// UnmarkBlock returns a failed block's records to the queue.
	UnmarkBlock(id uint32) error

	// Stats reports the queued record count and volume.
	Stats() (Stats, error)

	// Close releases the storage.
	Close() error
}
