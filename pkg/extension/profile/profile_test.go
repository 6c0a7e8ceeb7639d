package profile

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

func newTestExtension(t *testing.T) (*Extension, *status.Status, *channeltest.Fake) {
	t.Helper()
	st := status.New(filepath.Join(t.TempDir(), "endpoint.status"), nil)
	require.NoError(t, st.Load())

	mgr := channel.NewManager()
	ch := channeltest.New("fake", extension.TypeProfile)
	require.NoError(t, mgr.Add(ch))

	return New(st, mgr), st, ch
}

func serialize(t *testing.T, e *Extension) []byte {
	t.Helper()
	size, err := e.RequestSize()
	require.NoError(t, err)
	w := wire.NewWriter(make([]byte, size))
	require.NoError(t, e.SerializeRequest(w, 1))
	return w.Bytes()
}

func TestNeedsSyncOnlyAfterProfileSet(t *testing.T) {
	e, _, ch := newTestExtension(t)

	assert.False(t, e.NeedsSync())
	assert.False(t, e.IsSet())

	require.NoError(t, e.SetProfile([]byte("P")))
	assert.True(t, e.IsSet())
	assert.True(t, e.NeedsSync())
	assert.Equal(t, 1, ch.SyncCount(), "profile change schedules a sync")
}

func TestSetProfileRejectsEmptyBlob(t *testing.T) {
	e, _, _ := newTestExtension(t)
	assert.ErrorIs(t, e.SetProfile(nil), errdefs.ErrBadParam)
}

func TestRequestCarriesProfileBody(t *testing.T) {
	e, _, _ := newTestExtension(t)
	require.NoError(t, e.SetProfile([]byte("P")))

	buf := serialize(t, e)
	require.Len(t, buf, wire.ExtensionHeaderSize+4+4)

	assert.Equal(t, uint8(extension.TypeProfile), buf[0])
	options := uint32(buf[1])<<16 | uint32(buf[2])<<8 | uint32(buf[3])
	assert.Equal(t, uint32(optRegister), options, "unregistered endpoint requests registration")
	assert.Equal(t, uint32(8), binary.BigEndian.Uint32(buf[4:]), "payload length")
	assert.Equal(t, uint32(1), binary.BigEndian.Uint32(buf[8:]), "body length")
	assert.Equal(t, []byte{'P', 0, 0, 0}, buf[12:16], "body padded to 4 bytes")
}

// First report: the registration acknowledgement flips is_registered and
// commits SHA1("P") as the confirmed profile hash.
func TestRegistrationAcknowledgement(t *testing.T) {
	e, st, _ := newTestExtension(t)
	require.NoError(t, e.SetProfile([]byte("P")))
	serialize(t, e)

	response := make([]byte, 4) // result = success
	require.NoError(t, e.HandleServerSync(wire.NewReader(response), 0, 4, 1))

	assert.True(t, st.IsRegistered())
	hash, ok := st.ProfileHash()
	require.True(t, ok)
	assert.Equal(t, keys.SHA1([]byte("P")), hash)
	assert.False(t, e.NeedsSync(), "confirmed profile needs no resync")
}

func TestProfileChangeTriggersResync(t *testing.T) {
	e, _, _ := newTestExtension(t)
	require.NoError(t, e.SetProfile([]byte("P")))
	serialize(t, e)
	require.NoError(t, e.HandleServerSync(wire.NewReader(make([]byte, 4)), 0, 4, 1))

	require.NoError(t, e.SetProfile([]byte("Q")))
	assert.True(t, e.NeedsSync(), "hash changed since last confirmed sync")
}

func TestRejectedProfileKeepsResyncPending(t *testing.T) {
	e, st, _ := newTestExtension(t)
	require.NoError(t, e.SetProfile([]byte("P")))
	serialize(t, e)

	response := make([]byte, 4)
	binary.BigEndian.PutUint32(response, 1) // failure
	require.NoError(t, e.HandleServerSync(wire.NewReader(response), 0, 4, 1))

	assert.False(t, st.IsRegistered())
	assert.True(t, e.NeedsSync())
}
