package channel_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/edgesync/pkg/channel"
	"github.com/edgewire/edgesync/pkg/channel/channeltest"
	"github.com/edgewire/edgesync/pkg/errdefs"
	"github.com/edgewire/edgesync/pkg/extension"
)

func TestSyncRoutesToBoundChannel(t *testing.T) {
	mgr := channel.NewManager()
	ch := channeltest.New("ops", extension.TypeProfile, extension.TypeUser)
	require.NoError(t, mgr.Add(ch))

	require.NoError(t, mgr.Sync(extension.TypeProfile))
	require.Equal(t, 1, ch.SyncCount())
	assert.Equal(t, []extension.Type{extension.TypeProfile}, ch.SyncCalls[0])
}

func TestSyncUnboundTypeIsNotFound(t *testing.T) {
	mgr := channel.NewManager()
	assert.ErrorIs(t, mgr.Sync(extension.TypeEvent), errdefs.ErrNotFound)

	_, err := mgr.ChannelFor(extension.TypeEvent)
	assert.ErrorIs(t, err, errdefs.ErrNotFound)
}

func TestNewerChannelDisplacesOlder(t *testing.T) {
	mgr := channel.NewManager()
	older := channeltest.New("older", extension.TypeProfile, extension.TypeUser)
	newer := channeltest.New("newer", extension.TypeProfile)
	require.NoError(t, mgr.Add(older))
	require.NoError(t, mgr.Add(newer))

	assert.Equal(t, []extension.Type{extension.TypeProfile}, older.Displaced,
		"displaced channel is informed per type")

	bound, err := mgr.ChannelFor(extension.TypeProfile)
	require.NoError(t, err)
	assert.Equal(t, "newer", bound.ID())

	bound, err = mgr.ChannelFor(extension.TypeUser)
	require.NoError(t, err)
	assert.Equal(t, "older", bound.ID(), "untouched types stay bound")
}

func TestRemoveIsIdempotent(t *testing.T) {
	mgr := channel.NewManager()
	ch := channeltest.New("ops", extension.TypeProfile)
	require.NoError(t, mgr.Add(ch))

	require.NoError(t, mgr.Remove(ch))
	assert.True(t, ch.Closed, "teardown hook called")
	require.NoError(t, mgr.Remove(ch), "second remove is a no-op")

	assert.ErrorIs(t, mgr.Sync(extension.TypeProfile), errdefs.ErrNotFound)
}

func TestBuilderHandedToChannels(t *testing.T) {
	mgr := channel.NewManager()
	early := channeltest.New("early", extension.TypeProfile)
	require.NoError(t, mgr.Add(early))

	builder := &stubBuilder{}
	mgr.SetRequestBuilder(builder)
	assert.NotNil(t, early.Builder, "existing channels get the builder")

	late := channeltest.New("late", extension.TypeUser)
	require.NoError(t, mgr.Add(late))
	assert.NotNil(t, late.Builder, "late channels get it on add")
}

func TestServerListForwardedToObservers(t *testing.T) {
	mgr := channel.NewManager()
	ch := channeltest.New("ops", extension.TypeProfile)
	require.NoError(t, mgr.Add(ch))

	list := []channel.AccessPoint{{ID: 1, Host: "ops.example.com", Port: 9889}}
	mgr.OnServerListUpdated(list)

	require.Len(t, ch.ServerLists, 1)
	assert.Equal(t, list, ch.ServerLists[0])
}

func TestCloseTearsDownEverything(t *testing.T) {
	mgr := channel.NewManager()
	a := channeltest.New("a", extension.TypeProfile)
	b := channeltest.New("b", extension.TypeUser)
	require.NoError(t, mgr.Add(a))
	require.NoError(t, mgr.Add(b))

	require.NoError(t, mgr.Close())
	assert.True(t, a.Closed)
	assert.True(t, b.Closed)
	assert.ErrorIs(t, mgr.Add(channeltest.New("c", extension.TypeEvent)), errdefs.ErrInvalidState)
}

type stubBuilder struct{}

func (stubBuilder) SerializeClientSync([]extension.Type) ([]byte, uint32, error) {
	return nil, 0, nil
}

func (stubBuilder) ProcessServerSync([]byte) error { return nil }

func (stubBuilder) AbandonRequest(uint32) {}
