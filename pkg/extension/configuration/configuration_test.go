package configuration

import (
	"encoding/binary"
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

func newTestExtension(t *testing.T, persist Persistence) (*Extension, *status.Status, *channeltest.Fake) {
	t.Helper()
	st := status.New(filepath.Join(t.TempDir(), "endpoint.status"), nil)
	require.NoError(t, st.Load())

	mgr := channel.NewManager()
	ch := channeltest.New("fake", extension.TypeConfiguration)
	require.NoError(t, mgr.Add(ch))

	return New(st, mgr, persist), st, ch
}

func deltaResponse(t *testing.T, seq uint32, body []byte) []byte {
	t.Helper()
	w := wire.NewWriter(make([]byte, 64+wire.AlignedSize(len(body))))
	require.NoError(t, w.WriteUint32(statusDelta))
	require.NoError(t, w.WriteUint32(seq))
	require.NoError(t, w.WriteUint32(uint32(len(body))))
	require.NoError(t, w.WriteAligned(body))
	return w.Bytes()
}

func TestRequestCarriesSequenceAndHash(t *testing.T) {
	e, st, _ := newTestExtension(t, nil)
	require.NoError(t, e.UpdateConfiguration([]byte("defaults")))
	require.NoError(t, st.SetSequenceNumber(uint8(extension.TypeConfiguration), 5))

	size, err := e.RequestSize()
	require.NoError(t, err)
	w := wire.NewWriter(make([]byte, size))
	require.NoError(t, e.SerializeRequest(w, 1))
	buf := w.Bytes()

	assert.Equal(t, uint8(extension.TypeConfiguration), buf[0])
	assert.Equal(t, uint32(24), binary.BigEndian.Uint32(buf[4:]), "payload: seq + sha1")
	assert.Equal(t, uint32(5), binary.BigEndian.Uint32(buf[8:]))
	want := keys.SHA1([]byte("defaults"))
	assert.Equal(t, want[:], buf[12:32])
}

// Delta response: listener fires once, the stored hash becomes SHA1(body),
// and a replay of the same body does not fire the listener again.
func TestDeltaAppliedOnce(t *testing.T) {
	e, st, _ := newTestExtension(t, nil)

	var fired int
	_, err := e.AddListener(func(body []byte) {
		fired++
		assert.Equal(t, []byte("B"), body)
	})
	require.NoError(t, err)

	resp := deltaResponse(t, 6, []byte("B"))
	require.NoError(t, e.HandleServerSync(wire.NewReader(resp), 0, len(resp), 1))

	assert.Equal(t, 1, fired)
	assert.Equal(t, []byte("B"), e.Configuration())
	assert.Equal(t, uint32(6), st.SequenceNumber(uint8(extension.TypeConfiguration)))

	// Replay of the same body: no second callback.
	resp = deltaResponse(t, 6, []byte("B"))
	require.NoError(t, e.HandleServerSync(wire.NewReader(resp), 0, len(resp), 1))
	assert.Equal(t, 1, fired)
}

func TestNoDeltaLeavesStateUntouched(t *testing.T) {
	e, _, _ := newTestExtension(t, nil)
	require.NoError(t, e.UpdateConfiguration([]byte("current")))

	var fired bool
	_, err := e.AddListener(func([]byte) { fired = true })
	require.NoError(t, err)

	w := wire.NewWriter(make([]byte, 4))
	require.NoError(t, w.WriteUint32(statusNoDelta))
	resp := w.Bytes()
	require.NoError(t, e.HandleServerSync(wire.NewReader(resp), 0, len(resp), 1))

	assert.False(t, fired)
	assert.Equal(t, []byte("current"), e.Configuration())
}

func TestDeltaBodyIsPersisted(t *testing.T) {
	persist := &FilePersistence{Path: filepath.Join(t.TempDir(), "configuration.body")}
	e, _, _ := newTestExtension(t, persist)

	resp := deltaResponse(t, 1, []byte("persisted-body"))
	require.NoError(t, e.HandleServerSync(wire.NewReader(resp), 0, len(resp), 1))

	stored, err := persist.Load()
	require.NoError(t, err)
	assert.Equal(t, []byte("persisted-body"), stored)

	// A fresh extension instance picks the body up again.
	e2, _, _ := newTestExtension(t, persist)
	assert.Equal(t, []byte("persisted-body"), e2.Configuration())
}

func TestLocalUpdateSchedulesSyncWithoutListener(t *testing.T) {
	e, _, ch := newTestExtension(t, nil)

	var fired bool
	_, err := e.AddListener(func([]byte) { fired = true })
	require.NoError(t, err)

	require.NoError(t, e.UpdateConfiguration([]byte("local")))
	assert.False(t, fired, "local updates do not fire the server-delta listener")
	assert.Equal(t, 1, ch.SyncCount())

	assert.ErrorIs(t, e.UpdateConfiguration(nil), errdefs.ErrBadParam)
}

func TestDecreasingSequenceIsRejected(t *testing.T) {
	e, st, _ := newTestExtension(t, nil)
	require.NoError(t, st.SetSequenceNumber(uint8(extension.TypeConfiguration), 10))

	resp := deltaResponse(t, 9, []byte("old"))
	err := e.HandleServerSync(wire.NewReader(resp), 0, len(resp), 1)
	assert.ErrorIs(t, err, errdefs.ErrBadOrder)
}
