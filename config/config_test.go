package config_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/glosa-engine/config"
	"github.com/warp/glosa-engine/xmldoc"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Equal(t, "config/rules", cfg.CatalogDir)
	assert.Equal(t, xmldoc.PTUNamespace, cfg.Namespaces["ptu"])
	assert.Equal(t, 32, cfg.MaxConditionDepth)
	assert.Equal(t, 4, cfg.Workers)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.False(t, cfg.Output.InPlace)

	xp, err := cfg.XPath()
	require.NoError(t, err)
	assert.NoError(t, xp.Check("./ptu:tipo"))
}

func TestLoad_FileThenEnvironment(t *testing.T) {
	// GIVEN: A YAML file overriding some keys and an env var overriding one
	// WHEN: Loading
	// THEN: Env beats file, file beats defaults

	path := filepath.Join(t.TempDir(), "glosa.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
catalog_dir: /etc/glosa/rules
workers: 8
log:
  level: debug
  format: console
output:
  in_place: true
namespaces:
  ptu: http://ptu.unimed.coop.br/schemas/V3_0
  ans: http://www.ans.gov.br/padroes/tiss/schemas
`), 0o644))
	t.Setenv("GLOSA_WORKERS", "2")
	t.Setenv("GLOSA_TRACKING_DB_PATH", "/tmp/glosa.db")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/etc/glosa/rules", cfg.CatalogDir)
	assert.Equal(t, 2, cfg.Workers)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "console", cfg.Log.Format)
	assert.True(t, cfg.Output.InPlace)
	assert.Equal(t, "/tmp/glosa.db", cfg.Tracking.DBPath)
	assert.Len(t, cfg.Namespaces, 2)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		yaml string
	}{
		{"zero workers", "workers: 0\n"},
		{"bad log format", "log:\n  format: xml\n"},
		{"depth", "max_condition_depth: -1\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "glosa.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))

			_, err := config.Load(path)
			assert.Error(t, err)
		})
	}

	_, err := config.Load(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}
