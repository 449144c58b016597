package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestDefaults(t *testing.T) {
	c := Default()

	assert.Equal(t, DefaultSite, c.Site.Name)
	assert.Equal(t, DefaultCloudType, c.Site.CloudType)
	assert.Equal(t, DefaultFilter, c.Harvest.Filter)
	assert.Equal(t, "24h", c.Harvest.Range)
	assert.Equal(t, 24*time.Hour, c.Harvest.RangeDuration())
	assert.Equal(t, 90*time.Second, c.Harvest.CompletionThreshold)
	assert.Equal(t, 96*time.Second, c.Harvest.RecentLaunchThreshold)
	assert.Equal(t, 2, c.Harvest.NamePosition)
	assert.Equal(t, "primary_group", c.Entitlement.KeyField)
	assert.Equal(t, DefaultVO, c.Entitlement.DefaultVO)
	assert.Equal(t, "cloud", c.APEL.Format)
	assert.Equal(t, "wall_seconds", c.EOSC.ValueUnit)
	assert.Equal(t, DefaultWindowHours, c.APEL.WindowHours)
	assert.Equal(t, DefaultWindowHours, c.EOSC.WindowHours)
	assert.Equal(t, c.Store.Path+".lock", c.Store.LockFile)
}

func TestLoadFileAndEnvironment(t *testing.T) {
	path := writeConfig(t, `
site:
  name: TEST-SITE
prometheus:
  url: http://prom:9090/
  timeout: 5s
harvest:
  range: 4h
entitlement:
  vos:
    vo.example.eu: [group-a, "group-b, group-c"]
eosc:
  flavors:
    small: metric-small
`)
	t.Setenv("FILTER", "namespace='hub'")
	t.Setenv("SSL_VERIFY", "false")
	t.Setenv("NOTEBOOKS_DB", "/tmp/notebooks.db")
	t.Setenv("VERBOSE", "1")

	c, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "TEST-SITE", c.Site.Name)
	assert.Equal(t, "http://prom:9090", c.Prometheus.URL)
	assert.Equal(t, 5*time.Second, c.Prometheus.Timeout)
	assert.True(t, c.Prometheus.InsecureSkipVerify)
	assert.Equal(t, "4h", c.Harvest.Range)
	assert.Equal(t, "namespace='hub'", c.Harvest.Filter)
	assert.Equal(t, "/tmp/notebooks.db", c.Store.Path)
	assert.Equal(t, "debug", c.Log.Level)
	assert.Equal(t, "metric-small", c.EOSC.Flavors["small"])

	table, err := c.Entitlement.Table()
	require.NoError(t, err)
	assert.Equal(t, map[string]string{
		"group-a": "vo.example.eu",
		"group-b": "vo.example.eu",
		"group-c": "vo.example.eu",
	}, table)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name    string
		content string
		wantErr string
	}{
		{name: "bad range", content: "harvest:\n  range: soon\n", wantErr: "harvest.range"},
		{name: "bad key field", content: "entitlement:\n  key_field: color\n", wantErr: "key_field"},
		{name: "bad apel format", content: "apel:\n  format: xml\n", wantErr: "apel.format"},
		{name: "bad value unit", content: "eosc:\n  value_unit: bytes\n", wantErr: "value_unit"},
		{name: "negative window", content: "eosc:\n  window_hours: -1\n", wantErr: "window_hours"},
		{
			name:    "value in two VOs",
			content: "entitlement:\n  vos:\n    vo.a: [shared]\n    vo.b: [shared]\n",
			wantErr: "mapped to both",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	assert.Error(t, err)
}

func TestLoadDotEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("SITENAME=FROM-DOTENV\n"), 0644))
	t.Setenv("SITENAME", "")
	require.NoError(t, os.Unsetenv("SITENAME"))

	require.NoError(t, LoadDotEnv(path))
	t.Cleanup(func() { os.Unsetenv("SITENAME") })

	c, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "FROM-DOTENV", c.Site.Name)

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), "missing.env")))
}
