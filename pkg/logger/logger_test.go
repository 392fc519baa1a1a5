package logger

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func readEntries(t *testing.T, path string) []map[string]any {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	var out []map[string]any
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var entry map[string]any
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry))
		out = append(out, entry)
	}
	return out
}

func TestInit_StampsServiceFields(t *testing.T) {
	t.Cleanup(func() { Log = zap.NewNop() })
	path := filepath.Join(t.TempDir(), "sync.log")

	require.NoError(t, Init(Options{
		Level:      "info",
		Format:     "json",
		OutputPath: path,
		Service:    "sqp-sync",
		Pipeline:   "sqp-weekly-sync",
		Binary:     "sync",
	}))
	Info("Pipeline run started", zap.String("run_id", "r1"))
	Debug("dropped below level")
	Named("extract").Info("Extraction completed")
	Sync()

	entries := readEntries(t, path)
	require.Len(t, entries, 2)
	assert.Equal(t, "Pipeline run started", entries[0]["message"])
	assert.Equal(t, "sqp-sync", entries[0]["service"])
	assert.Equal(t, "sqp-weekly-sync", entries[0]["pipeline"])
	assert.Equal(t, "sync", entries[0]["binary"])
	assert.Equal(t, "r1", entries[0]["run_id"])
	assert.Equal(t, "extract", entries[1]["logger"])
	assert.Equal(t, "sqp-sync", entries[1]["service"])
}

func TestInit_SamplesRepeatedMessages(t *testing.T) {
	t.Cleanup(func() { Log = zap.NewNop() })
	path := filepath.Join(t.TempDir(), "sampled.log")

	require.NoError(t, Init(Options{Level: "info", OutputPath: path, SampleInitial: 2, SampleThereafter: 100}))
	for i := 0; i < 10; i++ {
		Warn("Child batch failed, continuing")
	}
	Sync()

	assert.Len(t, readEntries(t, path), 2)
}

func TestInit_RejectsBadOptions(t *testing.T) {
	t.Cleanup(func() { Log = zap.NewNop() })

	tests := []struct {
		name string
		opts Options
	}{
		{"level", Options{Level: "loud"}},
		{"format", Options{Level: "info", Format: "xml"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Error(t, Init(tt.opts))
		})
	}
}
