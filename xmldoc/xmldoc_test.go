package xmldoc_test

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warp/glosa-engine/xmldoc"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

const sampleLote = `<?xml version="1.0" encoding="ISO-8859-1"?>
<ptu:lote xmlns:ptu="http://ptu.unimed.coop.br/schemas/V3_0">
  <ptu:guiaSADT>
    <ptu:nr_GuiaPrestador> 123 </ptu:nr_GuiaPrestador>
    <ptu:tipo>PJ</ptu:tipo>
    <ptu:vazio/>
  </ptu:guiaSADT>
  <ptu:guiaSADT>
    <ptu:nr_GuiaPrestador>456</ptu:nr_GuiaPrestador>
  </ptu:guiaSADT>
</ptu:lote>`

func mustParse(t *testing.T, s string) *xmldoc.Document {
	t.Helper()
	doc, err := xmldoc.ParseString(s)
	require.NoError(t, err)
	return doc
}

func localNames(nodes []*xmldoc.Node) []string {
	out := make([]string, 0, len(nodes))
	for _, n := range nodes {
		out = append(out, xmldoc.LocalName(n))
	}
	return out
}

// =============================================================================
// XPATH FACADE
// =============================================================================

func TestXPath_FindAll_ResolvesPrefixesFromMap(t *testing.T) {
	// GIVEN: A lote with two guides
	// WHEN: Querying relative to the root with the ptu prefix
	// THEN: Both guides come back in document order

	doc := mustParse(t, sampleLote)
	xp := xmldoc.MustXPath(xmldoc.DefaultNamespaces())

	guias, err := xp.FindAll(doc.Root(), "./ptu:guiaSADT")
	require.NoError(t, err)
	require.Len(t, guias, 2)

	nr, err := xp.FindFirst(guias[1], "./ptu:nr_GuiaPrestador")
	require.NoError(t, err)
	text, ok := xmldoc.TextOf(nr)
	assert.True(t, ok)
	assert.Equal(t, "456", text)
}

func TestXPath_UnknownPrefixRejected(t *testing.T) {
	xp := xmldoc.MustXPath(xmldoc.DefaultNamespaces())

	err := xp.Check("./ans:guia")
	assert.ErrorIs(t, err, xmldoc.ErrUnknownPrefix)

	// Prefix-like text inside literals is not a prefix.
	assert.NoError(t, xp.Check("./ptu:tipo[text()='a:b']"))
}

func TestXPath_UnprefixedStepMatchesByLocalName(t *testing.T) {
	// GIVEN: A ptu document and a document using a foreign namespace
	// WHEN: Querying with and without the ptu prefix
	// THEN: Unprefixed steps match any namespace, prefixed steps only the mapped URI

	xp := xmldoc.MustXPath(xmldoc.DefaultNamespaces())

	doc := mustParse(t, sampleLote)
	plain, err := xp.FindAll(doc.Root(), "./guiaSADT/nr_GuiaPrestador")
	require.NoError(t, err)
	assert.Len(t, plain, 2)

	foreign := mustParse(t, `<r xmlns:o="urn:outro"><o:tipo>1</o:tipo></r>`)
	prefixed, err := xp.FindAll(foreign.Root(), "./ptu:tipo")
	require.NoError(t, err)
	assert.Empty(t, prefixed)

	unprefixed, err := xp.FindAll(foreign.Root(), "./tipo")
	require.NoError(t, err)
	assert.Len(t, unprefixed, 1)
}

func TestXPath_InvalidExpression(t *testing.T) {
	xp := xmldoc.MustXPath(xmldoc.DefaultNamespaces())

	assert.ErrorIs(t, xp.Check("./ptu:tipo[["), xmldoc.ErrInvalidXPath)
	assert.ErrorIs(t, xp.Check("  "), xmldoc.ErrInvalidXPath)
}

func TestXPath_AncestorAxis(t *testing.T) {
	doc := mustParse(t, sampleLote)
	xp := xmldoc.MustXPath(xmldoc.DefaultNamespaces())

	tipo, err := xp.FindFirst(doc.Root(), ".//ptu:tipo")
	require.NoError(t, err)
	require.NotNil(t, tipo)

	guia, err := xp.FindFirst(tipo, "ancestor::ptu:guiaSADT")
	require.NoError(t, err)
	assert.Equal(t, "guiaSADT", xmldoc.LocalName(guia))
}

func TestTextOf(t *testing.T) {
	doc := mustParse(t, sampleLote)
	xp := xmldoc.MustXPath(xmldoc.DefaultNamespaces())

	nr, err := xp.FindFirst(doc.Root(), ".//ptu:nr_GuiaPrestador")
	require.NoError(t, err)

	text, ok := xmldoc.TextOf(nr)
	assert.True(t, ok)
	assert.Equal(t, "123", text, "surrounding whitespace is trimmed")

	_, ok = xmldoc.TextOf(nil)
	assert.False(t, ok)
}

func TestPrefixes(t *testing.T) {
	tests := []struct {
		expr string
		want []string
	}{
		{"./ptu:a/ptu:b", []string{"ptu"}},
		{"ancestor::ptu:guia", []string{"ptu"}},
		{"./a[@x='ns:val']", nil},
		{"./ptu:a[ans:b]", []string{"ptu", "ans"}},
		{"local-name()='x'", nil},
	}
	for _, tt := range tests {
		t.Run(tt.expr, func(t *testing.T) {
			assert.Equal(t, tt.want, xmldoc.Prefixes(tt.expr))
		})
	}
}

func TestNamespaces_PrefixFor(t *testing.T) {
	ns := xmldoc.Namespaces{"ptu": xmldoc.PTUNamespace, "p": xmldoc.PTUNamespace}
	prefix, ok := ns.PrefixFor(xmldoc.PTUNamespace)
	assert.True(t, ok)
	assert.Equal(t, "p", prefix)

	_, ok = ns.PrefixFor("urn:none")
	assert.False(t, ok)
}

// =============================================================================
// TREE HELPERS
// =============================================================================

func TestElementsByLocalName_IncludesRootInDocumentOrder(t *testing.T) {
	doc := mustParse(t, `<a><b><a/></b><a/></a>`)

	found := xmldoc.ElementsByLocalName(doc.Root(), "a")
	require.Len(t, found, 3)
	assert.Same(t, doc.Root(), found[0])
}

func TestMutation_InsertAfterReplaceDetach(t *testing.T) {
	doc := mustParse(t, `<r><a/><c/></r>`)
	root := doc.Root()
	kids := xmldoc.ChildElements(root)

	b := xmldoc.NewElement("", "b", "")
	xmldoc.InsertAfter(kids[0], b)
	assert.Equal(t, []string{"a", "b", "c"}, localNames(xmldoc.ChildElements(root)))

	d := xmldoc.NewElement("", "d", "")
	xmldoc.Replace(kids[1], d)
	assert.Equal(t, []string{"a", "b", "d"}, localNames(xmldoc.ChildElements(root)))
	assert.Nil(t, kids[1].Parent)

	xmldoc.Detach(kids[0])
	xmldoc.Detach(kids[0])
	assert.Equal(t, []string{"b", "d"}, localNames(xmldoc.ChildElements(root)))
	assert.Same(t, b, root.FirstChild)
	assert.Same(t, d, root.LastChild)
}

func TestSetText_KeepsChildElements(t *testing.T) {
	doc := mustParse(t, `<r>old<k/>tail</r>`)
	root := doc.Root()

	xmldoc.SetText(root, "new")

	assert.Equal(t, "new", xmldoc.Text(root))
	assert.Equal(t, []string{"k"}, localNames(xmldoc.ChildElements(root)))
}

func TestPath(t *testing.T) {
	doc := mustParse(t, sampleLote)
	xp := xmldoc.MustXPath(xmldoc.DefaultNamespaces())

	nrs, err := xp.FindAll(doc.Root(), ".//ptu:nr_GuiaPrestador")
	require.NoError(t, err)
	require.Len(t, nrs, 2)

	assert.Equal(t, "/ptu:lote/ptu:guiaSADT[2]/ptu:nr_GuiaPrestador", xmldoc.Path(nrs[1]))
}

func TestPrefixInScope(t *testing.T) {
	doc := mustParse(t, sampleLote)
	prefix, ok := xmldoc.PrefixInScope(doc.Root(), xmldoc.PTUNamespace)
	assert.True(t, ok)
	assert.Equal(t, "ptu", prefix)

	_, ok = xmldoc.PrefixInScope(doc.Root(), "urn:other")
	assert.False(t, ok)
}

// =============================================================================
// PARSING
// =============================================================================

func TestParse_RecoversLeafLevelErrors(t *testing.T) {
	// GIVEN: A document with a bare ampersand and an HTML entity in leaf text
	// WHEN: Parsing
	// THEN: The tree is recovered and the warning is kept

	doc, err := xmldoc.ParseString(`<r><a>AT&T</a><b>x&nbsp;y</b></r>`)
	require.NoError(t, err)
	assert.True(t, doc.Recovered)
	assert.NotEmpty(t, doc.Warnings)
	assert.Equal(t, "r", xmldoc.LocalName(doc.Root()))

	kids := xmldoc.ChildElements(doc.Root())
	require.Len(t, kids, 2)
	assert.Equal(t, "AT&T", xmldoc.Text(kids[0]))
	assert.Equal(t, "x\u00a0y", xmldoc.Text(kids[1]))
}

func TestParse_UndeclaredPrefixIsRepaired(t *testing.T) {
	doc, err := xmldoc.ParseString(`<ptu:r><ptu:a>1</ptu:a></ptu:r>`)
	require.NoError(t, err)
	assert.True(t, doc.Recovered)

	xp := xmldoc.MustXPath(xmldoc.DefaultNamespaces())
	a, err := xp.FindFirst(doc.Root(), "./ptu:a")
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, "ptu:a", xmldoc.QName(a))
}

func TestParse_DeclarationKeepsElementPrefixes(t *testing.T) {
	// GIVEN: A prefixed document that starts with an XML declaration
	// WHEN: Parsing, serializing and parsing the output again
	// THEN: Every element keeps its ptu prefix and namespace on both passes

	doc := mustParse(t, sampleLote)
	assert.Equal(t, "ptu:lote", xmldoc.QName(doc.Root()))
	for _, g := range xmldoc.ChildElements(doc.Root()) {
		assert.Equal(t, "ptu:guiaSADT", xmldoc.QName(g))
	}

	out, err := xmldoc.Serialize(doc)
	require.NoError(t, err)
	assert.Contains(t, string(out), "<ptu:tipo>PJ</ptu:tipo>")
	assert.NotContains(t, string(out), "<tipo>")

	again, err := xmldoc.NewParser(xmldoc.DefaultNamespaces(), nil).ParseBytes(out, "")
	require.NoError(t, err)
	assert.Equal(t, xmldoc.PTUNamespace, again.Root().NamespaceURI)
	assert.Equal(t, "ptu:lote", xmldoc.QName(again.Root()))

	xp := xmldoc.MustXPath(xmldoc.DefaultNamespaces())
	tipo, err := xp.FindFirst(again.Root(), "./ptu:guiaSADT/ptu:tipo")
	require.NoError(t, err)
	assert.NotNil(t, tipo)
}

func TestParse_DefaultNamespaceStaysUnprefixed(t *testing.T) {
	doc := mustParse(t, `<?xml version="1.0" encoding="ISO-8859-1"?>`+"\n"+
		`<lote xmlns="http://ptu.unimed.coop.br/schemas/V3_0"><guia/></lote>`)

	assert.Equal(t, "lote", xmldoc.QName(doc.Root()))
	assert.Equal(t, xmldoc.PTUNamespace, doc.Root().NamespaceURI)

	out, err := xmldoc.Serialize(doc)
	require.NoError(t, err)
	assert.Contains(t, string(out), `<lote xmlns="http://ptu.unimed.coop.br/schemas/V3_0">`)
	assert.Contains(t, string(out), "<guia/>")
}

func TestParse_NoRootIsUnreadable(t *testing.T) {
	_, err := xmldoc.ParseString(`   `)
	assert.ErrorIs(t, err, xmldoc.ErrUnreadable)
}

func TestParse_Latin1Input(t *testing.T) {
	raw := "<?xml version=\"1.0\" encoding=\"ISO-8859-1\"?><r>Jos\xe9</r>"
	doc, err := xmldoc.NewParser(xmldoc.DefaultNamespaces(), nil).ParseBytes([]byte(raw), "x.051")
	require.NoError(t, err)

	assert.Equal(t, "ISO-8859-1", doc.Encoding)
	assert.Equal(t, "José", xmldoc.Text(doc.Root()))
}

// =============================================================================
// SERIALIZATION
// =============================================================================

func TestSerialize_TagPerLineLayout(t *testing.T) {
	// GIVEN: A pretty-printed document
	// WHEN: Serializing
	// THEN: Every opening tag starts a line, closing tags never do, no indentation

	doc := mustParse(t, sampleLote)
	out, err := xmldoc.Serialize(doc)
	require.NoError(t, err)

	want := `<?xml version="1.0" encoding="ISO-8859-1"?>` + "\n" +
		`<ptu:lote xmlns:ptu="http://ptu.unimed.coop.br/schemas/V3_0">` + "\n" +
		`<ptu:guiaSADT>` + "\n" +
		`<ptu:nr_GuiaPrestador> 123 </ptu:nr_GuiaPrestador>` + "\n" +
		`<ptu:tipo>PJ</ptu:tipo>` + "\n" +
		`<ptu:vazio/></ptu:guiaSADT>` + "\n" +
		`<ptu:guiaSADT>` + "\n" +
		`<ptu:nr_GuiaPrestador>456</ptu:nr_GuiaPrestador></ptu:guiaSADT></ptu:lote>` + "\n"

	if diff := cmp.Diff(want, string(out)); diff != "" {
		t.Errorf("Serialize mismatch (-want +got):\n%s", diff)
	}
}

func TestSerialize_FixedPoint(t *testing.T) {
	inputs := []string{
		sampleLote,
		`<r a="x&amp;y" b="l1&#10;l2">t&lt;1<b>mixed</b> tail <c/>  </r>`,
		`<r><!-- note --><a>1</a></r>`,
	}
	for _, in := range inputs {
		first, err := xmldoc.Serialize(mustParse(t, in))
		require.NoError(t, err)

		doc, err := xmldoc.NewParser(xmldoc.DefaultNamespaces(), nil).ParseBytes(first, "")
		require.NoError(t, err)
		second, err := xmldoc.Serialize(doc)
		require.NoError(t, err)

		assert.Equal(t, string(first), string(second))
		assert.Equal(t, xmldoc.QName(mustParse(t, in).Root()), xmldoc.QName(doc.Root()),
			"the reparsed root keeps its name")
	}
}

func TestSerialize_MixedContentKeepsTextAdjacent(t *testing.T) {
	out, err := xmldoc.Serialize(mustParse(t, `<r>pre<b>x</b>post</r>`))
	require.NoError(t, err)
	assert.Contains(t, string(out), "\n<r>pre<b>x</b>post</r>\n")
}

func TestSerialize_EncodesLatin1AndEscapesWideRunes(t *testing.T) {
	out, err := xmldoc.Serialize(mustParse(t, `<r>Ação €</r>`))
	require.NoError(t, err)

	assert.Contains(t, string(out), "A\xe7\xe3o &#8364;")
	assert.True(t, strings.HasSuffix(string(out), "</r>\n"))
}

func TestSerializeNode_LayoutIgnoresIndentation(t *testing.T) {
	a := mustParse(t, "<x>\n  <y>1</y>\n</x>").Root()
	b := mustParse(t, "<x><y>1</y></x>").Root()

	assert.Equal(t, xmldoc.SerializeNode(a, true), xmldoc.SerializeNode(b, true))
	assert.NotEqual(t, xmldoc.SerializeNode(a, false), xmldoc.SerializeNode(b, false))
}

func TestWriteFileAtomic(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "out.051")
	require.NoError(t, os.WriteFile(path, []byte("old"), 0o644))

	require.NoError(t, xmldoc.WriteFileAtomic(path, []byte("new"), 0o644))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "new", string(data))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	assert.Len(t, entries, 1, "no temp files left behind")
}

func TestWriteFileAtomic_MissingDirLeavesNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "out.051")
	assert.Error(t, xmldoc.WriteFileAtomic(path, []byte("x"), 0o644))
}
