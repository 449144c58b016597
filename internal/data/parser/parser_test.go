package parser

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/penwyp/go-pod-accounting/internal/core/model"
)

const dump = `garbage before header
APEL-cloud-message: v0.4
VMUUID: u1
SiteName: EGI-NOTEBOOKS
MachineName: jupyter-alice
GlobalUserName: alice@egi.eu
FQAN: vo.notebooks.egi.eu
Status: completed
StartTime: 1714557600
EndTime: 1714561200
SuspendDuration: 0
WallDuration: 3600
CpuDuration: 12.5
CpuCount: 1.0
Memory: 0
Disk: 0
CloudType: EGI Notebooks
PublicIPCount: 0
%%
VMUUID: u2
GlobalUserName: someone
Status: started
StartTime: 1714557600
%%
VMUUID: u3
Status: completed
StartTime: 1714557600
%%
VMUUID: u4
StartTime: 1714557600
EndTime: 1714557700`

func TestParseReader(t *testing.T) {
	sessions, err := ParseReader(strings.NewReader(dump))
	require.NoError(t, err)
	require.Len(t, sessions, 3, "u3 is completed without an end time")

	u1 := sessions[0]
	assert.Equal(t, "u1", u1.ID)
	assert.Equal(t, "hub", u1.Namespace)
	assert.Equal(t, model.StatusCompleted, u1.Status)
	assert.Equal(t, time.Date(2024, 5, 1, 11, 0, 0, 0, time.UTC), u1.EndTime)
	assert.Equal(t, float64(3600), u1.WallSeconds)
	assert.Equal(t, model.Observed(12.5), u1.CPUSeconds)
	assert.Equal(t, model.Observed(0), u1.MemoryBytes)
	assert.False(t, u1.NetworkInBytes.Valid)

	u2 := sessions[1]
	assert.Equal(t, "binder", u2.Namespace)
	assert.Equal(t, model.StatusStarted, u2.Status)
	assert.False(t, u2.HasEnd())

	u4 := sessions[2]
	assert.Equal(t, "unknown", u4.Namespace)
	assert.Equal(t, model.StatusCompleted, u4.Status)
}

func TestParseReaderWithoutHeader(t *testing.T) {
	sessions, err := ParseReader(strings.NewReader("VMUUID: u1\nStatus: started\n"))
	require.NoError(t, err)
	assert.Empty(t, sessions)
}

func TestFromRecordRejects(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"no id", map[string]string{"Status": "started"}},
		{"bad status", map[string]string{"VMUUID": "x", "Status": "paused"}},
		{"bad start", map[string]string{"VMUUID": "x", "StartTime": "yesterday"}},
		{"negative memory", map[string]string{"VMUUID": "x", "Memory": "-1"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := FromRecord(tt.fields)
			assert.Error(t, err)
		})
	}
}

func TestParseFiles(t *testing.T) {
	dir := t.TempDir()
	var files []string
	for i, content := range []string{dump, "APEL-cloud-message: v0.4\nVMUUID: u9\nStatus: started\nStartTime: 1\n"} {
		path := filepath.Join(dir, string(rune('a'+i)))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
		files = append(files, path)
	}
	files = append(files, filepath.Join(dir, "missing"))

	p := NewParser(2)
	got := map[string]ParseResult{}
	for r := range p.ParseFiles(files) {
		got[filepath.Base(r.File)] = r
	}

	require.Len(t, got, 3)
	assert.Len(t, got["a"].Sessions, 3)
	assert.Len(t, got["b"].Sessions, 1)
	assert.Error(t, got["missing"].Error)

	cached, err := p.ParseFile(files[0])
	require.NoError(t, err)
	assert.Same(t, got["a"].Sessions[0], cached[0])
}
