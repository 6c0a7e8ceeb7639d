package event

import (
	"fmt"

	"github.com/google/uuid"

	"github.com/edgewire/edgesync/internal/logger"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
)

// TransactionID names one event transaction. The id is opaque to the host.
type TransactionID = uuid.UUID

// BeginTransaction opens a staging area for events. Staged events receive no
// sequence numbers until Commit.
func (e *Extension) BeginTransaction() TransactionID {
	id := uuid.New()
	e.mu.Lock()
	e.trx[id] = nil
	e.mu.Unlock()
	return id
}

// ProduceEventInTransaction stages an event under an open transaction.
func (e *Extension) ProduceEventInTransaction(trxID TransactionID, fqn string, data []byte, target string) error {
	if fqn == "" || len(data) == 0 {
		return fmt.Errorf("%w: event fqn and data are required", errdefs.ErrBadParam)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.trx[trxID]; !ok {
		return fmt.Errorf("%w: transaction %s", errdefs.ErrNotFound, trxID)
	}
	e.trx[trxID] = append(e.trx[trxID], Event{
		FQN:    fqn,
		Data:   append([]byte(nil), data...),
		Target: target,
	})
	return nil
}

// Commit splices the staged events into the outbound queue, assigning
// sequence numbers atomically under the events lock, and schedules a sync.
func (e *Extension) Commit(trxID TransactionID) error {
	e.mu.Lock()
	staged, ok := e.trx[trxID]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: transaction %s", errdefs.ErrNotFound, trxID)
	}
	delete(e.trx, trxID)
	for i := range staged {
		staged[i].Seq = e.st.AdvanceSequence(uint8(extension.TypeEvent))
	}
	e.pending = append(e.pending, staged...)
	hasEvents := len(staged) > 0
	e.mu.Unlock()

	if hasEvents {
		if err := e.channels.Sync(extension.TypeEvent); err != nil {
			logger.Warn("event sync postponed", logger.KeyError, err)
		}
	}
	return nil
}

// Rollback discards a transaction and everything staged under it.
func (e *Extension) Rollback(trxID TransactionID) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.trx[trxID]; !ok {
		return fmt.Errorf("%w: transaction %s", errdefs.ErrNotFound, trxID)
	}
	delete(e.trx, trxID)
	return nil
}
