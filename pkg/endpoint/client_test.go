package endpoint

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
	"github.com/edgewire/edgesync/pkg/wire"
)

const testAppToken = "0123456789ABCDEFGHIJ"

func testBootstrapServers() []channel.AccessPoint {
	return []channel.AccessPoint{{ID: 1, Host: "bs.example.com", Port: 9889}}
}

func newTestClient(t *testing.T, features Features) *Client {
	t.Helper()
	c, err := New(Config{
		AppToken:         testAppToken,
		StatusPath:       filepath.Join(t.TempDir(), "endpoint.status"),
		KeyProvider:      keys.StaticProvider("endpoint public key"),
		BootstrapServers: testBootstrapServers(),
		Features:         features,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestNewComputesEndpointIdentity(t *testing.T) {
	c := newTestClient(t, Features{})

	id, err := c.EndpointID()
	require.NoError(t, err)
	assert.Equal(t, keys.SHA1([]byte("endpoint public key")), id)
	assert.NotEmpty(t, c.EndpointAccessToken())
	assert.False(t, c.IsRegistered())
}

func TestNewRejectsChangedKey(t *testing.T) {
	statusPath := filepath.Join(t.TempDir(), "endpoint.status")
	cfg := Config{
		AppToken:         testAppToken,
		StatusPath:       statusPath,
		KeyProvider:      keys.StaticProvider("key one"),
		BootstrapServers: testBootstrapServers(),
	}
	c, err := New(cfg)
	require.NoError(t, err)
	require.NoError(t, c.Status().Save())
	require.NoError(t, c.Close())

	cfg.KeyProvider = keys.StaticProvider("key two")
	_, err = New(cfg)
	assert.ErrorIs(t, err, errdefs.ErrInvalidState)
}

func TestStartRequiresProfileAndBootstrapChannel(t *testing.T) {
	c := newTestClient(t, Features{})

	err := c.Start()
	assert.ErrorIs(t, err, errdefs.ErrInvalidState, "profile must be set first")

	require.NoError(t, c.SetProfile([]byte("device profile")))
	err = c.Start()
	assert.ErrorIs(t, err, errdefs.ErrNotFound, "no bootstrap channel registered")

	bs := channeltest.New("bs", extension.TypeBootstrap)
	require.NoError(t, c.AddChannel(bs))
	require.NoError(t, c.Start())

	require.Equal(t, 1, bs.SyncCount())
	assert.Equal(t, []extension.Type{extension.TypeBootstrap}, bs.SyncCalls[0])
}

func TestDisabledFeatureSurfacesInvalidState(t *testing.T) {
	c := newTestClient(t, Features{DisableEvents: true, DisableLogging: true})

	assert.ErrorIs(t, c.ProduceEvent("fqn", []byte("d"), ""), errdefs.ErrInvalidState)
	assert.ErrorIs(t, c.AddLogRecord([]byte("r")), errdefs.ErrInvalidState)

	// Enabled features still work.
	require.NoError(t, c.UpdateConfiguration([]byte("cfg")))
	_, err := c.Topics()
	assert.NoError(t, err)
}

// End to end through the engine: a profile sync serialized by the client is
// answered with a registration success, and the durable state follows.
func TestProfileRegistrationThroughEngine(t *testing.T) {
	c := newTestClient(t, Features{})
	ops := channeltest.New("ops", extension.TypeProfile, extension.TypeUser)
	require.NoError(t, c.AddChannel(ops))

	require.NoError(t, c.SetProfile([]byte("P")))

	buf, requestID, err := c.Engine().SerializeClientSync([]extension.Type{extension.TypeProfile})
	require.NoError(t, err)
	require.NotEmpty(t, buf)

	// Craft the server response: meta echo + profile success.
	resp := make([]byte, 1024)
	w := wire.NewWriter(resp)
	require.NoError(t, w.WriteHeader(wire.ProtocolID, wire.ProtocolVersion))
	require.NoError(t, w.WriteExtensionHeader(uint8(extension.TypeMetadata), 0, 4))
	require.NoError(t, w.WriteUint32(requestID))
	require.NoError(t, w.WriteExtensionHeader(uint8(extension.TypeProfile), 0, 4))
	require.NoError(t, w.WriteUint32(0))
	require.NoError(t, w.PatchExtensionCount(2))

	require.NoError(t, c.Engine().ProcessServerSync(w.Bytes()))

	assert.True(t, c.IsRegistered())
	hash, ok := c.ProfileHash()
	require.True(t, ok)
	assert.Equal(t, keys.SHA1([]byte("P")), hash)
}

func TestCloseIsIdempotent(t *testing.T) {
	c := newTestClient(t, Features{})
	require.NoError(t, c.Close())
	assert.NoError(t, c.Close())
}
