package badger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edgewire/edgesync/pkg/extension/logupload"
)

func TestRecordsSurviveReopen(t *testing.T) {
	dir := t.TempDir()

	s, err := Open(dir)
	require.NoError(t, err)
	require.NoError(t, s.Add(logupload.Record{Data: []byte("first")}))
	require.NoError(t, s.Add(logupload.Record{Data: []byte("second")}))
	require.NoError(t, s.Close())

	s, err = Open(dir)
	require.NoError(t, err)
	defer s.Close()

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Equal(t, 2, stats.Count)

	block, err := s.NextBlock(10, 1024)
	require.NoError(t, err)
	require.Len(t, block.Records, 2)
	assert.Equal(t, []byte("first"), block.Records[0].Data, "records come back in insertion order")
}

func TestDeliveredBlockIsDeleted(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Add(logupload.Record{Data: []byte("r")}))
	block, err := s.NextBlock(10, 1024)
	require.NoError(t, err)
	require.NoError(t, s.RemoveBlock(block.ID))

	stats, err := s.Stats()
	require.NoError(t, err)
	assert.Zero(t, stats.Count)

	next, err := s.NextBlock(10, 1024)
	require.NoError(t, err)
	assert.Empty(t, next.Records)
}

func TestUnmarkedBlockIsVisibleAgain(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.Add(logupload.Record{Data: []byte("r")}))
	block, err := s.NextBlock(10, 1024)
	require.NoError(t, err)

	// In flight: invisible to the next block.
	empty, err := s.NextBlock(10, 1024)
	require.NoError(t, err)
	assert.Empty(t, empty.Records)

	require.NoError(t, s.UnmarkBlock(block.ID))
	again, err := s.NextBlock(10, 1024)
	require.NoError(t, err)
	assert.Len(t, again.Records, 1)
}
