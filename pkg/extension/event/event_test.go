package event

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/channel/channeltest"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
	"github.com/edgewire/edgesync/pkg/keys"
	"github.com/edgewire/edgesync/pkg/status"
	"github.com/edgewire/edgesync/pkg/wire"
)

const testFQN = "com.example.thermostat.Reading"

type recordingFamily struct {
	fqns     []string
	received []string // event payloads in arrival order
	sources  []string
}

func (f *recordingFamily) SupportedFQNs() []string { return f.fqns }

func (f *recordingFamily) OnEvent(fqn string, data []byte, source string) {
	f.received = append(f.received, string(data))
	f.sources = append(f.sources, source)
}

type recordingListeners struct {
	listeners []keys.Digest
	failed    bool
	called    bool
}

func (r *recordingListeners) OnListenersReceived(listeners []keys.Digest) {
	r.called = true
	r.listeners = listeners
}

func (r *recordingListeners) OnRequestFailed() {
	r.called = true
	r.failed = true
}

func newTestExtension(t *testing.T) (*Extension, *status.Status, *channeltest.Fake) {
	t.Helper()
	st := status.New(filepath.Join(t.TempDir(), "endpoint.status"), nil)
	require.NoError(t, st.Load())

	mgr := channel.NewManager()
	ch := channeltest.New("fake", extension.TypeEvent)
	require.NoError(t, mgr.Add(ch))

	return New(st, mgr), st, ch
}

func serialize(t *testing.T, e *Extension, requestID uint32) []byte {
	t.Helper()
	size, err := e.RequestSize()
	require.NoError(t, err)
	w := wire.NewWriter(make([]byte, size))
	require.NoError(t, e.SerializeRequest(w, requestID))
	return w.Bytes()
}

func TestProduceEventAssignsIncreasingSequence(t *testing.T) {
	e, st, ch := newTestExtension(t)

	require.NoError(t, e.ProduceEvent(testFQN, []byte("a"), ""))
	require.NoError(t, e.ProduceEvent(testFQN, []byte("b"), "target-endpoint"))
	assert.Equal(t, 2, ch.SyncCount())
	assert.True(t, e.NeedsSync())
	assert.Equal(t, uint32(2), st.SequenceNumber(uint8(extension.TypeEvent)))
}

func TestProduceEventValidation(t *testing.T) {
	e, _, _ := newTestExtension(t)
	assert.ErrorIs(t, e.ProduceEvent("", []byte("x"), ""), errdefs.ErrBadParam)
	assert.ErrorIs(t, e.ProduceEvent(testFQN, nil, ""), errdefs.ErrBadParam)
}

func TestSerializeMovesEventsInFlight(t *testing.T) {
	e, _, _ := newTestExtension(t)
	require.NoError(t, e.ProduceEvent(testFQN, []byte("a"), ""))

	serialize(t, e, 10)
	assert.False(t, e.NeedsSync(), "pending queue drained into the in-flight snapshot")

	// Acknowledged: the snapshot is promoted, nothing to resend.
	payload := []byte{}
	require.NoError(t, e.HandleServerSync(wire.NewReader(payload), 0, 0, 10))
	assert.False(t, e.NeedsSync())
}

func TestAbandonedRequestReinjectsEvents(t *testing.T) {
	e, _, _ := newTestExtension(t)
	require.NoError(t, e.ProduceEvent(testFQN, []byte("a"), ""))
	require.NoError(t, e.ProduceEvent(testFQN, []byte("b"), ""))

	serialize(t, e, 11)
	require.False(t, e.NeedsSync())

	e.OnRequestAbandoned(11)
	assert.True(t, e.NeedsSync(), "snapshot reinjected into the queue")

	// The reinjected events keep their original sequence numbers.
	buf := serialize(t, e, 12)
	r := wire.NewReader(buf)
	_, _, _, err := r.ReadExtensionHeader()
	require.NoError(t, err)
	count, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(2), count)
	seq, err := r.ReadUint32()
	require.NoError(t, err)
	assert.Equal(t, uint32(1), seq)
}

// Events B,A,C arrive with seqs 2,1,3: the family must receive A,B,C.
func TestInboundEventsSortedBySequence(t *testing.T) {
	e, _, _ := newTestExtension(t)
	family := &recordingFamily{fqns: []string{testFQN}}
	require.NoError(t, e.RegisterFamily(family))

	buf := make([]byte, 4096)
	w := wire.NewWriter(buf)
	require.NoError(t, w.WriteUint32(3))
	writeInbound(t, w, 2, testFQN, "src", "B")
	writeInbound(t, w, 1, testFQN, "src", "A")
	writeInbound(t, w, 3, testFQN, "src", "C")
	payload := w.Bytes()

	require.NoError(t, e.HandleServerSync(wire.NewReader(payload), optEvents, len(payload), 1))
	assert.Equal(t, []string{"A", "B", "C"}, family.received)
	assert.Equal(t, []string{"src", "src", "src"}, family.sources)
}

func writeInbound(t *testing.T, w *wire.Writer, seq uint32, fqn, source, data string) {
	t.Helper()
	require.NoError(t, w.WriteUint32(seq))
	require.NoError(t, w.WriteUint16(uint16(len(fqn))))
	require.NoError(t, w.WriteUint16(uint16(len(source))))
	require.NoError(t, w.WriteUint32(uint32(len(data))))
	require.NoError(t, w.WriteAligned([]byte(fqn)))
	require.NoError(t, w.WriteAligned([]byte(source)))
	require.NoError(t, w.WriteAligned([]byte(data)))
}

func TestEventForUnknownFamilyIsDropped(t *testing.T) {
	e, _, _ := newTestExtension(t)
	family := &recordingFamily{fqns: []string{"com.example.other.Event"}}
	require.NoError(t, e.RegisterFamily(family))

	buf := make([]byte, 256)
	w := wire.NewWriter(buf)
	require.NoError(t, w.WriteUint32(1))
	writeInbound(t, w, 1, testFQN, "", "X")
	payload := w.Bytes()

	require.NoError(t, e.HandleServerSync(wire.NewReader(payload), optEvents, len(payload), 1))
	assert.Empty(t, family.received)
}

func TestTransactionCommitAssignsSequencesAtomically(t *testing.T) {
	e, st, ch := newTestExtension(t)

	trx := e.BeginTransaction()
	require.NoError(t, e.ProduceEventInTransaction(trx, testFQN, []byte("a"), ""))
	require.NoError(t, e.ProduceEventInTransaction(trx, testFQN, []byte("b"), ""))

	assert.False(t, e.NeedsSync(), "staged events stay out of the queue")
	assert.Zero(t, st.SequenceNumber(uint8(extension.TypeEvent)), "no sequences before commit")

	require.NoError(t, e.Commit(trx))
	assert.True(t, e.NeedsSync())
	assert.Equal(t, uint32(2), st.SequenceNumber(uint8(extension.TypeEvent)))
	assert.Equal(t, 1, ch.SyncCount(), "commit schedules one sync")

	assert.ErrorIs(t, e.Commit(trx), errdefs.ErrNotFound, "transaction is gone after commit")
}

func TestTransactionRollbackDiscardsStagedEvents(t *testing.T) {
	e, st, _ := newTestExtension(t)

	trx := e.BeginTransaction()
	require.NoError(t, e.ProduceEventInTransaction(trx, testFQN, []byte("a"), ""))
	require.NoError(t, e.Rollback(trx))

	assert.False(t, e.NeedsSync())
	assert.Zero(t, st.SequenceNumber(uint8(extension.TypeEvent)))
	assert.ErrorIs(t, e.Rollback(trx), errdefs.ErrNotFound)
}

func TestFindEventListenersRoundTrip(t *testing.T) {
	e, _, ch := newTestExtension(t)
	cb := &recordingListeners{}

	id, err := e.FindEventListeners([]string{testFQN}, cb)
	require.NoError(t, err)
	require.NotZero(t, id)
	assert.Equal(t, 1, ch.SyncCount())
	assert.True(t, e.NeedsSync())

	// Response: one listener response carrying two endpoint hashes.
	peer1 := keys.SHA1([]byte("peer-1"))
	peer2 := keys.SHA1([]byte("peer-2"))
	buf := make([]byte, 256)
	w := wire.NewWriter(buf)
	require.NoError(t, w.WriteUint32(1))
	require.NoError(t, w.WriteUint32(id))
	require.NoError(t, w.WriteUint16(resultSuccess))
	require.NoError(t, w.WriteUint16(2))
	require.NoError(t, w.WriteAligned(peer1[:]))
	require.NoError(t, w.WriteAligned(peer2[:]))
	payload := w.Bytes()

	require.NoError(t, e.HandleServerSync(wire.NewReader(payload), optListeners, len(payload), 1))
	assert.True(t, cb.called)
	assert.False(t, cb.failed)
	assert.Equal(t, []keys.Digest{peer1, peer2}, cb.listeners)
	assert.False(t, e.NeedsSync(), "resolved request removed")
}

func TestFindEventListenersFailure(t *testing.T) {
	e, _, _ := newTestExtension(t)
	cb := &recordingListeners{}
	id, err := e.FindEventListeners([]string{testFQN}, cb)
	require.NoError(t, err)

	buf := make([]byte, 64)
	w := wire.NewWriter(buf)
	require.NoError(t, w.WriteUint32(1))
	require.NoError(t, w.WriteUint32(id))
	require.NoError(t, w.WriteUint16(1)) // failure
	require.NoError(t, w.WriteUint16(0))
	payload := w.Bytes()

	require.NoError(t, e.HandleServerSync(wire.NewReader(payload), optListeners, len(payload), 1))
	assert.True(t, cb.failed)
}

func TestFindEventListenersValidation(t *testing.T) {
	e, _, _ := newTestExtension(t)
	_, err := e.FindEventListeners(nil, &recordingListeners{})
	assert.ErrorIs(t, err, errdefs.ErrBadParam)
	_, err = e.FindEventListeners([]string{testFQN}, nil)
	assert.ErrorIs(t, err, errdefs.ErrBadParam)
}
