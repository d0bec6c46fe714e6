package main

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testManifest = `{"groups":[{"name":"guias","file":"guias.json"}]}`
	testRules    = `[{"id":"R-TIPO","target":"guiaSADT",
		"conditions":{"kind":"tag_value","xpath":"./ptu:tipo","compare":"equals","value":"PJ"},
		"action":{"verb":"set_text","xpath":"./ptu:tipo","value":"PF"},
		"impact_metadata":{"category":"GUIA_GLOSS","severity":"HIGH","count_as_savings":true}},
		{"id":"R-BAD","target":"guiaSADT","action":{"verb":"teleport"},
		"impact_metadata":{"category":"VALIDATION","severity":"LOW"}}]`
	testDoc = `<ptu:lote xmlns:ptu="http://ptu.unimed.coop.br/schemas/V3_0"><ptu:guiaSADT><ptu:nr_GuiaPrestador>9</ptu:nr_GuiaPrestador><ptu:tipo>PJ</ptu:tipo></ptu:guiaSADT></ptu:lote>`
)

// setup writes a catalog, a config file pointing at it and one input document.
func setup(t *testing.T) (configPath, input, outDir string) {
	t.Helper()
	dir := t.TempDir()
	catDir := filepath.Join(dir, "rules")
	require.NoError(t, os.MkdirAll(catDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(catDir, "rules_config.json"), []byte(testManifest), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(catDir, "guias.json"), []byte(testRules), 0o644))

	outDir = filepath.Join(dir, "out")
	configPath = filepath.Join(dir, "glosa.yaml")
	cfgYAML := "catalog_dir: " + catDir + "\n" +
		"output:\n  dir: " + outDir + "\n" +
		"log:\n  level: error\n  format: console\n"
	require.NoError(t, os.WriteFile(configPath, []byte(cfgYAML), 0o644))

	input = filepath.Join(dir, "N0001.xml")
	require.NoError(t, os.WriteFile(input, []byte(testDoc), 0o644))
	return configPath, input, outDir
}

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetErr(&out)
	rootCmd.SetArgs(args)
	err := rootCmd.Execute()
	return out.String(), err
}

func TestCheck_ReportsDiagnostics(t *testing.T) {
	// GIVEN: A catalog with one valid and one invalid rule
	// WHEN: Running check, then check --strict
	// THEN: Both report the skipped rule, only strict fails

	configPath, _, _ := setup(t)

	out, err := execute(t, "--config", configPath, "check")
	require.NoError(t, err)
	assert.Contains(t, out, "1 rule(s) loaded, 1 skipped")
	assert.Contains(t, out, "R-BAD")

	_, err = execute(t, "--config", configPath, "check", "--strict")
	assert.Error(t, err)
}

func TestApply_WritesCorrectedFile(t *testing.T) {
	// GIVEN: A dirty document and a catalog that fixes it
	// WHEN: Running apply
	// THEN: The corrected copy lands in the output dir and savings are reported

	configPath, input, outDir := setup(t)

	out, err := execute(t, "--config", configPath, "apply", input)
	require.NoError(t, err)
	assert.Contains(t, out, "FIXED")
	assert.Contains(t, out, "1 corrected, 0 failed")
	assert.Contains(t, out, "counted: 1")

	data, err := os.ReadFile(filepath.Join(outDir, "N0001.xml"))
	require.NoError(t, err)
	assert.Contains(t, string(data), "<ptu:tipo>PF</ptu:tipo>")
}
