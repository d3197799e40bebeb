package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/magpie/pkg/types"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestFilenameMapping(t *testing.T) {
	s := openTestStore(t)

	got, err := s.GetFilename("https://example.com/a.jpg")
	require.NoError(t, err)
	assert.Empty(t, got)

	require.NoError(t, s.PutFilename("https://example.com/a.jpg", "a.jpg"))
	require.NoError(t, s.PutFilename("https://example.com/b.jpg", "b.jpg"))

	got, err = s.GetFilename("https://example.com/a.jpg")
	require.NoError(t, err)
	assert.Equal(t, "a.jpg", got)

	n, err := s.FilenameCount()
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestSeenHashFirstWriterWins(t *testing.T) {
	s := openTestStore(t)

	seen, existing, err := s.SeenHash("d41d8cd9", "first.jpg")
	require.NoError(t, err)
	assert.False(t, seen)
	assert.Empty(t, existing)

	seen, existing, err = s.SeenHash("d41d8cd9", "second.jpg")
	require.NoError(t, err)
	assert.True(t, seen)
	assert.Equal(t, "first.jpg", existing)
}

func TestCheckpointRoundTrip(t *testing.T) {
	s := openTestStore(t)

	cp := &Checkpoint{
		SessionID: "sess-1",
		TargetURL: "https://example.com",
		Status:    types.CrawlRunning,
		Stats:     types.CrawlStats{PagesCrawled: 7, ImagesDownloaded: 3},
	}
	require.NoError(t, s.SaveCheckpoint(cp))

	got, err := s.GetCheckpoint("sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.CrawlRunning, got.Status)
	assert.Equal(t, 7, got.Stats.PagesCrawled)
	assert.False(t, got.UpdatedAt.IsZero())

	cp.Status = types.CrawlCompleted
	require.NoError(t, s.SaveCheckpoint(cp))
	got, err = s.GetCheckpoint("sess-1")
	require.NoError(t, err)
	assert.Equal(t, types.CrawlCompleted, got.Status)

	all, err := s.ListCheckpoints()
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, s.DeleteCheckpoint("sess-1"))
	_, err = s.GetCheckpoint("sess-1")
	assert.Error(t, err)
}
