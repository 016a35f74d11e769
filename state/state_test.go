package state

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileTracker_PersistsAcrossRuns(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, true)
	require.NoError(t, err)
	require.NoError(t, tracker.MarkAcknowledged("<a@example.com>", "Example Corp"))
	require.NoError(t, tracker.MarkAcknowledged("<a@example.com>", "again"))
	require.NoError(t, tracker.MarkAcknowledged("<b@example.com>", ""))
	require.NoError(t, tracker.Close())

	reopened, err := NewFileTracker(dir, false)
	require.NoError(t, err)
	assert.True(t, reopened.AlreadyAcknowledged("<a@example.com>"))
	assert.True(t, reopened.AlreadyAcknowledged("<b@example.com>"))
	assert.False(t, reopened.AlreadyAcknowledged("<c@example.com>"))
	assert.Equal(t, Snapshot{Acknowledged: 2}, reopened.Snapshot())
}

func TestFileTracker_DryRunDoesNotWrite(t *testing.T) {
	dir := t.TempDir()

	tracker, err := NewFileTracker(dir, false)
	require.NoError(t, err)
	require.NoError(t, tracker.MarkAcknowledged("x", ""))
	require.NoError(t, tracker.Flush())
	require.NoError(t, tracker.Close())

	assert.True(t, tracker.AlreadyAcknowledged("x"))
	_, err = os.Stat(filepath.Join(dir, FileName))
	assert.True(t, os.IsNotExist(err))
}

func TestFileTracker_CorruptLine(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte("{\"item_id\":\"a\"}\nnot json\n"), 0o600))

	_, err := NewFileTracker(dir, false)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
}

func TestNewFileTracker_EmptyDir(t *testing.T) {
	_, err := NewFileTracker("  ", true)
	assert.ErrorIs(t, err, ErrEmptyStateDir)
}

func TestMemoryTracker_RejectsEmptyID(t *testing.T) {
	m := NewMemoryTracker()
	assert.Error(t, m.MarkAcknowledged("", ""))
	assert.False(t, m.AlreadyAcknowledged(""))
}
