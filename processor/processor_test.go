package processor_test

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/klauspost/compress/zip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/warp/glosa-engine/processor"
	"github.com/warp/glosa-engine/rules"
	"github.com/warp/glosa-engine/tracking"
	"github.com/warp/glosa-engine/xmldoc"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

const (
	dirtyDoc = `<?xml version="1.0" encoding="ISO-8859-1"?>
<ptu:lote xmlns:ptu="http://ptu.unimed.coop.br/schemas/V3_0">
  <ptu:GuiaCobrancaUtilizacao>
    <ptu:guiaSADT><ptu:tipo>PJ</ptu:tipo><ptu:obs>São Paulo</ptu:obs></ptu:guiaSADT>
  </ptu:GuiaCobrancaUtilizacao>
  <ptu:hash>x</ptu:hash>
</ptu:lote>`

	cleanDoc = `<ptu:lote xmlns:ptu="http://ptu.unimed.coop.br/schemas/V3_0"><ptu:guiaSADT><ptu:tipo>PF</ptu:tipo></ptu:guiaSADT></ptu:lote>`
)

func newEngine(t *testing.T, sink rules.Sink) *rules.Engine {
	t.Helper()
	var list []rules.Rule
	require.NoError(t, json.Unmarshal([]byte(`[{
		"id":"R-TIPO","active":true,"target":"guiaSADT",
		"conditions":{"kind":"tag_value","xpath":"./ptu:tipo","compare":"equals","value":"PJ"},
		"action":{"verb":"set_text","xpath":"./ptu:tipo","value":"PF"},
		"impact_metadata":{"category":"GUIA_GLOSS","severity":"HIGH","count_as_savings":true}}]`), &list))

	opts := []rules.Option{}
	if sink != nil {
		opts = append(opts, rules.WithSink(sink))
	}
	engine, err := rules.NewEngine(list, xmldoc.MustXPath(xmldoc.DefaultNamespaces()), opts...)
	require.NoError(t, err)
	return engine
}

// latin1 encodes a test literal the way PTU files are stored.
func latin1(t *testing.T, s string) []byte {
	t.Helper()
	b, err := xmldoc.EncodeLatin1(s)
	require.NoError(t, err)
	return b
}

func writeFile(t *testing.T, dir, name string, data []byte) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, data, 0o640))
	return path
}

// =============================================================================
// SINGLE DOCUMENT
// =============================================================================

func TestProcessFile_WritesCorrectedCopy(t *testing.T) {
	// GIVEN: A dirty Latin-1 document
	// WHEN: Processing it with an output directory
	// THEN: The copy is corrected and rehashed, the input is untouched

	in, out := t.TempDir(), filepath.Join(t.TempDir(), "corrigidos")
	src := latin1(t, dirtyDoc)
	path := writeFile(t, in, "N0001.051", src)
	p := processor.New(newEngine(t, nil), nil, processor.WithOutputDir(out))

	res := p.ProcessFile(context.Background(), "exec-1", path)

	require.NoError(t, res.Err)
	assert.True(t, res.Modified)
	assert.Equal(t, filepath.Join(out, "N0001.051"), res.Output)
	assert.NotEmpty(t, res.Result.Hash)

	written, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(written, []byte(xmldoc.Declaration+"\n")))
	assert.Contains(t, string(written), "<ptu:tipo>PF</ptu:tipo>")
	assert.Contains(t, string(written), "<ptu:hash>"+res.Result.Hash+"</ptu:hash>")
	assert.True(t, bytes.Contains(written, []byte("S\xe3o Paulo")), "output stays ISO-8859-1")

	info, err := os.Stat(res.Output)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o640), info.Mode().Perm())

	original, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, src, original)
}

func TestProcessFile_CorrectedOutputIsStable(t *testing.T) {
	// GIVEN: The corrected copy of a dirty declared document
	// WHEN: Processing that copy again
	// THEN: The rule still sees ptu elements and finds nothing left to fix

	out := filepath.Join(t.TempDir(), "corrigidos")
	path := writeFile(t, t.TempDir(), "N0001.051", latin1(t, dirtyDoc))
	p := processor.New(newEngine(t, nil), nil, processor.WithOutputDir(out))

	first := p.ProcessFile(context.Background(), "exec-1", path)
	require.NoError(t, first.Err)
	require.True(t, first.Modified)

	second := p.ProcessFile(context.Background(), "exec-2", first.Output)
	require.NoError(t, second.Err)
	assert.False(t, second.Modified)
	assert.Empty(t, second.Result.Applications, "PF no longer matches the PJ guard")

	doc, err := xmldoc.NewParser(xmldoc.DefaultNamespaces(), nil).ParseFile(first.Output)
	require.NoError(t, err)
	assert.Equal(t, "ptu:lote", xmldoc.QName(doc.Root()))
}

func TestProcessFile_CleanDocumentIsNotWritten(t *testing.T) {
	in, out := t.TempDir(), filepath.Join(t.TempDir(), "out")
	path := writeFile(t, in, "limpo.xml", []byte(cleanDoc))
	p := processor.New(newEngine(t, nil), nil, processor.WithOutputDir(out))

	res := p.ProcessFile(context.Background(), "exec-1", path)

	require.NoError(t, res.Err)
	assert.False(t, res.Modified)
	assert.Empty(t, res.Output)
	assert.NoDirExists(t, out)
}

func TestProcessFile_InPlace(t *testing.T) {
	path := writeFile(t, t.TempDir(), "N0001.xml", latin1(t, dirtyDoc))
	p := processor.New(newEngine(t, nil), nil, processor.WithInPlace(true))

	res := p.ProcessFile(context.Background(), "exec-1", path)

	require.NoError(t, res.Err)
	assert.Equal(t, path, res.Output)
	written, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(written), "<ptu:tipo>PF</ptu:tipo>")
}

func TestProcessFile_UnreadableDocument(t *testing.T) {
	out := filepath.Join(t.TempDir(), "out")
	path := writeFile(t, t.TempDir(), "vazio.xml", []byte("   "))
	p := processor.New(newEngine(t, nil), nil, processor.WithOutputDir(out))

	res := p.ProcessFile(context.Background(), "exec-1", path)

	assert.ErrorIs(t, res.Err, rules.ErrIO)
	assert.False(t, res.Modified)
	assert.NoDirExists(t, out)

	res = p.ProcessFile(context.Background(), "exec-1", filepath.Join(t.TempDir(), "nada.xml"))
	assert.ErrorIs(t, res.Err, rules.ErrIO)
}

func TestProcessFile_ZipPackage(t *testing.T) {
	// GIVEN: A PTU zip with the invoice and a sibling entry
	// WHEN: Processing it
	// THEN: A repacked zip holds the corrected invoice and the untouched sibling

	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, body := range map[string][]byte{"N0001.051": latin1(t, dirtyDoc), "leiame.txt": []byte("oi")} {
		f, err := zw.Create(name)
		require.NoError(t, err)
		_, err = f.Write(body)
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())

	out := t.TempDir()
	path := writeFile(t, t.TempDir(), "N0001.zip", buf.Bytes())
	p := processor.New(newEngine(t, nil), nil, processor.WithOutputDir(out))

	res := p.ProcessFile(context.Background(), "exec-1", path)
	require.NoError(t, res.Err)
	require.True(t, res.Modified)
	assert.Equal(t, filepath.Join(out, "N0001.zip"), res.Output)

	data, err := os.ReadFile(res.Output)
	require.NoError(t, err)
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	entries := map[string]string{}
	for _, f := range zr.File {
		rc, err := f.Open()
		require.NoError(t, err)
		body, err := io.ReadAll(rc)
		require.NoError(t, err)
		rc.Close()
		entries[f.Name] = string(body)
	}
	assert.Equal(t, "oi", entries["leiame.txt"])
	assert.Contains(t, entries["N0001.051"], "<ptu:tipo>PF</ptu:tipo>")
}

// =============================================================================
// BATCH
// =============================================================================

func TestBatch_IsolatesFailuresAndLogsExecution(t *testing.T) {
	// GIVEN: Three dirty files, one clean file and one broken file
	// WHEN: Running a batch with two workers and a tracking recorder
	// THEN: Every document gets a result in input order, the broken one fails
	//       alone, and the execution is logged with its counters

	in, out := t.TempDir(), t.TempDir()
	var paths []string
	for _, name := range []string{"a.051", "b.051", "c.051"} {
		paths = append(paths, writeFile(t, in, name, latin1(t, dirtyDoc)))
	}
	paths = append(paths, writeFile(t, in, "d.xml", []byte(cleanDoc)))
	paths = append(paths, writeFile(t, in, "e.xml", []byte("<ptu:lote")))

	store := tracking.NewMemory()
	recorder := tracking.NewRecorder(store)
	var ended []string
	p := processor.New(newEngine(t, recorder), nil,
		processor.WithOutputDir(out),
		processor.WithWorkers(2),
		processor.WithExecutionLog(store),
		processor.WithExecutionEnd(recorder.EndExecution),
		processor.WithExecutionEnd(func(id string) { ended = append(ended, id) }),
		processor.WithIDGenerator(func() string { return "exec-batch" }))

	batch, err := p.Batch(context.Background(), paths)
	require.NoError(t, err)

	assert.Equal(t, "exec-batch", batch.ExecutionID)
	require.Len(t, batch.Documents, 5)
	for i, d := range batch.Documents {
		assert.Equal(t, paths[i], d.Path)
	}
	assert.Equal(t, 3, batch.Modified)
	assert.Equal(t, 1, batch.Failed)
	assert.ErrorIs(t, batch.Documents[4].Err, rules.ErrIO)
	assert.Equal(t, []string{"exec-batch"}, ended)

	exec, err := store.GetExecution(context.Background(), "exec-batch")
	require.NoError(t, err)
	assert.Equal(t, 5, exec.Files)
	assert.Equal(t, 3, exec.Modified)
	assert.Equal(t, 1, exec.Failed)
	require.NotNil(t, exec.FinishedAt)

	records, err := store.ListRecords(context.Background(), "exec-batch")
	require.NoError(t, err)
	assert.Len(t, records, 3, "one correction per dirty file")
	files := map[string]bool{}
	for _, r := range records {
		files[r.FileName] = true
	}
	assert.Equal(t, map[string]bool{"a.051": true, "b.051": true, "c.051": true}, files)
}

func TestBatch_LogsThroughConfiguredLogger(t *testing.T) {
	in := t.TempDir()
	paths := []string{
		writeFile(t, in, "a.051", latin1(t, dirtyDoc)),
		writeFile(t, in, "b.xml", []byte("<ptu:lote")),
	}
	core, logs := observer.New(zapcore.InfoLevel)
	p := processor.New(newEngine(t, nil), nil,
		processor.WithOutputDir(t.TempDir()),
		processor.WithLogger(zap.New(core)),
		processor.WithIDGenerator(func() string { return "exec-log" }))

	_, err := p.Batch(context.Background(), paths)
	require.NoError(t, err)

	failed := logs.FilterMessage("document failed").All()
	require.Len(t, failed, 1)
	assert.Equal(t, "exec-log", failed[0].ContextMap()["execution_id"])
	assert.Equal(t, paths[1], failed[0].ContextMap()["path"])
	assert.Len(t, logs.FilterMessage("document corrected").All(), 1)
	assert.Len(t, logs.FilterMessage("batch finished").All(), 1)
}

func TestBatch_CancelledContext(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.051", latin1(t, dirtyDoc))
	p := processor.New(newEngine(t, nil), nil, processor.WithOutputDir(t.TempDir()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	batch, err := p.Batch(ctx, []string{path})

	assert.ErrorIs(t, err, context.Canceled)
	require.Len(t, batch.Documents, 1)
	assert.ErrorIs(t, batch.Documents[0].Err, context.Canceled)
	assert.Empty(t, batch.Documents[0].Output)
}

func TestDiscover(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "sub"), 0o755))
	for _, name := range []string{"b.051", "a.XML", "sub/c.zip", "leiame.txt"} {
		writeFile(t, dir, name, []byte("x"))
	}
	single := writeFile(t, t.TempDir(), "avulso.txt", []byte("x"))

	got, err := processor.Discover([]string{dir, single, dir})
	require.NoError(t, err)

	var names []string
	for _, p := range got {
		names = append(names, strings.TrimPrefix(p, dir+string(filepath.Separator)))
	}
	assert.Equal(t, []string{"a.XML", "b.051", "sub/c.zip", single}, names)

	_, err = processor.Discover([]string{filepath.Join(dir, "nada")})
	assert.Error(t, err)
}
