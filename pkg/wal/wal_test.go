package wal

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aide-sh/aide/pkg/fstore"
)

func newLog(t *testing.T) (*Log, string) {
	t.Helper()
	dir := t.TempDir()
	l, err := New(dir, fstore.New())
	require.NoError(t, err)
	return l, dir
}

func TestMessageLifecycle(t *testing.T) {
	l, _ := newLog(t)

	msg, err := l.WriteMessage("m1", "s1", "hello")
	require.NoError(t, err)
	assert.Equal(t, StatusReceived, msg.Status)
	assert.False(t, msg.AckSent)

	require.NoError(t, l.AckMessage("m1"))
	require.NoError(t, l.StartProcessing("m1", "chat1"))

	got, ok := l.Pending("m1")
	require.True(t, ok)
	assert.True(t, got.AckSent)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, "chat1", got.ChatID)

	require.NoError(t, l.CompleteMessage("m1"))
	_, ok = l.Pending("m1")
	assert.False(t, ok)
}

func TestClearStaleOnRestart(t *testing.T) {
	l, dir := newLog(t)

	_, err := l.WriteMessage("m1", "s1", "in flight")
	require.NoError(t, err)
	require.NoError(t, l.StartProcessing("m1", "chat1"))
	require.NoError(t, l.StartStreaming("s1", "chat1", "m1"))
	require.NoError(t, l.AppendContent("s1", "partial answer", true))

	_, err = l.WriteMessage("m2", "s2", "already failed")
	require.NoError(t, err)
	require.NoError(t, l.FailMessage("m2", "model exploded"))

	// Simulate a process restart by reopening from disk.
	restarted, err := New(dir, fstore.New())
	require.NoError(t, err)

	dropped, err := restarted.ClearStaleOnRestart()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"s1"}, dropped)

	_, ok := restarted.Pending("m1")
	assert.False(t, ok, "processing entries must not survive restart")
	failed, ok := restarted.Pending("m2")
	require.True(t, ok, "failed entries are kept for diagnosis")
	assert.Equal(t, "model exploded", failed.Error)
	_, err = restarted.CompleteStreaming("s1")
	assert.Error(t, err, "streaming records must be gone")
}

func TestAppendContentCheckpoints(t *testing.T) {
	l, dir := newLog(t)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return now }

	require.NoError(t, l.StartStreaming("s1", "chat1", "m1"))

	streamFile := filepath.Join(dir, "streaming_responses.json")
	readSegments := func() []string {
		data, err := os.ReadFile(streamFile)
		require.NoError(t, err)
		var onDisk map[string]*StreamRecord
		require.NoError(t, json.Unmarshal(data, &onDisk))
		require.Contains(t, onDisk, "s1")
		return onDisk["s1"].Segments
	}

	// Within the interval, un-forced appends stay in memory.
	now = now.Add(time.Second)
	require.NoError(t, l.AppendContent("s1", "hello ", false))
	assert.Equal(t, []string{""}, readSegments())

	// Past the interval the append flushes.
	now = now.Add(CheckpointInterval)
	require.NoError(t, l.AppendContent("s1", "world", false))
	assert.Equal(t, []string{"hello world"}, readSegments())

	// force_checkpoint flushes regardless of elapsed time.
	now = now.Add(time.Second)
	require.NoError(t, l.AppendContent("s1", "!", true))
	assert.Equal(t, []string{"hello world!"}, readSegments())
}

func TestNewSegmentAndToolInProgress(t *testing.T) {
	l, _ := newLog(t)

	require.NoError(t, l.StartStreaming("s1", "chat1", "m1"))
	require.NoError(t, l.AppendContent("s1", "before tool", true))
	require.NoError(t, l.SetToolInProgress("s1", "Bash"))
	require.NoError(t, l.NewSegment("s1"))
	require.NoError(t, l.SetToolInProgress("s1", ""))
	require.NoError(t, l.AppendContent("s1", "after tool", true))

	rec, err := l.CompleteStreaming("s1")
	require.NoError(t, err)
	assert.Equal(t, []string{"before tool", "after tool"}, rec.Segments)
	assert.Equal(t, "before toolafter tool", rec.Content())
	assert.Empty(t, rec.ToolInProgress)

	_, err = l.CompleteStreaming("s1")
	assert.Error(t, err, "complete pops the record")
}

func TestClearOldEntries(t *testing.T) {
	l, _ := newLog(t)
	now := time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC)
	l.Now = func() time.Time { return now }

	_, err := l.WriteMessage("old", "s1", "stale")
	require.NoError(t, err)
	require.NoError(t, l.FailMessage("old", "boom"))

	now = now.Add(25 * time.Hour)
	_, err = l.WriteMessage("fresh", "s2", "new")
	require.NoError(t, err)

	require.NoError(t, l.ClearOldEntries(0))
	_, ok := l.Pending("old")
	assert.False(t, ok)
	_, ok = l.Pending("fresh")
	assert.True(t, ok)
}
