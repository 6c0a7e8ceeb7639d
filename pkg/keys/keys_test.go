package keys

import (
	"encoding/hex"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/edgesync/pkg/errdefs"
)

func TestSHA1KnownVector(t *testing.T) {
	got := SHA1([]byte("abc"))
	want, err := hex.DecodeString("a9993e364706816aba3e25717850c26c9cd0d89d")
	require.NoError(t, err)
	assert.Equal(t, want, got[:])
}

func TestStaticProvider(t *testing.T) {
	blob, err := StaticProvider("public key bytes").PublicKey()
	require.NoError(t, err)
	assert.Equal(t, []byte("public key bytes"), blob)

	_, err = StaticProvider(nil).PublicKey()
	assert.ErrorIs(t, err, errdefs.ErrBadParam)
}

func TestFileProviderIsStableAcrossBoots(t *testing.T) {
	path := filepath.Join(t.TempDir(), "endpoint.key")
	p := &FileProvider{Path: path}

	first, err := p.PublicKey()
	require.NoError(t, err)
	require.NotEmpty(t, first)

	second, err := (&FileProvider{Path: path}).PublicKey()
	require.NoError(t, err)
	assert.Equal(t, first, second, "same key pair reloaded")
	assert.Equal(t, SHA1(first), SHA1(second), "endpoint id stays stable")
}

func TestFileProviderRequiresPath(t *testing.T) {
	_, err := (&FileProvider{}).PublicKey()
	assert.ErrorIs(t, err, errdefs.ErrBadParam)
}
