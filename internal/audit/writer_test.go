package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileWriterWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "audit.log")
	w, err := NewFileWriter(path, 10, 1, 1)
	require.NoError(t, err)

	require.NoError(t, w.Write(&Event{
		Timestamp: time.Now().UTC(),
		EventType: EventLoginSuccess,
		EventID:   "evt-1",
		ActorID:   "u-1",
		SourceIP:  "10.0.0.1",
	}))
	require.NoError(t, w.Write(&Event{
		Timestamp: time.Now().UTC(),
		EventType: EventTokenReplay,
		EventID:   "evt-2",
	}))
	require.NoError(t, w.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)

	var first Event
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &first))
	assert.Equal(t, EventLoginSuccess, first.EventType)
	assert.Equal(t, "u-1", first.ActorID)
	assert.Equal(t, "10.0.0.1", first.SourceIP)

	var second Event
	require.NoError(t, json.Unmarshal([]byte(lines[1]), &second))
	assert.Equal(t, EventTokenReplay, second.EventType)
}

func TestFileWriterCreatesParentDirectory(t *testing.T) {
	base := t.TempDir()
	path := filepath.Join(base, "a", "b", "audit.log")

	w, err := NewFileWriter(path, 10, 1, 1)
	require.NoError(t, err)
	t.Cleanup(func() { w.Close() })

	info, err := os.Stat(filepath.Dir(path))
	require.NoError(t, err)
	assert.True(t, info.IsDir())
}
