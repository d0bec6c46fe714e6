/*
Package xmldoc is the XML facade of the engine: parsing, XPath lookup,
tree mutation and wire serialization of PTU documents.

PURPOSE:
  Every other package talks to the XML tree through this package. It keeps
  the namespace map in one place, so rule authors write `./ptu:nr_Guia`
  everywhere and never care how the document binds its prefixes.

KEY CONCEPTS IN THIS FILE (xpath.go):
  - Namespaces: the fixed prefix -> URI map, configured once per process
  - XPath:      compiled-expression cache plus FindAll / FindFirst / TextOf

NAMESPACE RULES:
  Every prefix used in an XPath must be declared in the map. Unknown
  prefixes are rejected by Check() so the catalog loader can drop the
  offending rule before the engine starts. Unprefixed element steps
  (`./tipo`) match by local name in any namespace; prefixed steps
  (`./ptu:tipo`) match by namespace URI, whatever prefix the document
  binds to it. Lookup and element creation in the rules package follow the
  same convention, so a path that created an element finds it again.

CONCURRENCY:
  XPath is safe for concurrent use. The namespace map is copied at
  construction and never written again; compiled expressions live in a
  sync.Map keyed by source text.

USAGE:
  xp, err := xmldoc.NewXPath(xmldoc.DefaultNamespaces())
  nodes, err := xp.FindAll(guia, "./ptu:procedimentosExecutados")
  text, ok := xmldoc.TextOf(first)

SEE ALSO:
  - document.go:  tolerant parsing
  - tree.go:      mutation helpers
  - serialize.go: wire layout and atomic writes
*/
package xmldoc

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"sync"

	"github.com/antchfx/xmlquery"
	"github.com/antchfx/xpath"
)

// Node is an element, text or document node of a parsed tree.
type Node = xmlquery.Node

// PTUNamespace is the URI of the cooperative exchange schema (PTU V3_0).
const PTUNamespace = "http://ptu.unimed.coop.br/schemas/V3_0"

var (
	// ErrUnknownPrefix is returned when an XPath uses a prefix missing from the namespace map.
	ErrUnknownPrefix = errors.New("unknown namespace prefix")

	// ErrInvalidXPath is returned when an expression does not compile.
	ErrInvalidXPath = errors.New("invalid xpath")
)

// Namespaces maps prefixes to namespace URIs.
type Namespaces map[string]string

// DefaultNamespaces returns the process-wide default map.
func DefaultNamespaces() Namespaces {
	return Namespaces{"ptu": PTUNamespace}
}

// PrefixFor returns the prefix bound to uri, preferring the shortest name
// when several prefixes share the same URI.
func (ns Namespaces) PrefixFor(uri string) (string, bool) {
	var found []string
	for p, u := range ns {
		if u == uri {
			found = append(found, p)
		}
	}
	if len(found) == 0 {
		return "", false
	}
	sort.Slice(found, func(i, j int) bool {
		if len(found[i]) != len(found[j]) {
			return len(found[i]) < len(found[j])
		}
		return found[i] < found[j]
	})
	return found[0], true
}

// =============================================================================
// XPATH FACADE
// =============================================================================

// XPath evaluates expressions under a fixed namespace map.
type XPath struct {
	ns    Namespaces
	cache sync.Map // string -> *xpath.Expr
}

// NewXPath freezes ns as the namespace map for every lookup.
func NewXPath(ns Namespaces) (*XPath, error) {
	frozen := make(Namespaces, len(ns))
	for prefix, uri := range ns {
		if prefix == "" || strings.ContainsAny(prefix, ": \t") {
			return nil, fmt.Errorf("%w: invalid prefix %q", ErrUnknownPrefix, prefix)
		}
		if uri == "" {
			return nil, fmt.Errorf("%w: prefix %q has an empty URI", ErrUnknownPrefix, prefix)
		}
		frozen[prefix] = uri
	}
	return &XPath{ns: frozen}, nil
}

// MustXPath is NewXPath for static maps; it panics on error.
func MustXPath(ns Namespaces) *XPath {
	xp, err := NewXPath(ns)
	if err != nil {
		panic(err)
	}
	return xp
}

// Namespaces returns a copy of the frozen map.
func (x *XPath) Namespaces() Namespaces {
	out := make(Namespaces, len(x.ns))
	for k, v := range x.ns {
		out[k] = v
	}
	return out
}

// URI returns the namespace bound to prefix.
func (x *XPath) URI(prefix string) (string, bool) {
	uri, ok := x.ns[prefix]
	return uri, ok
}

// Check validates expr without evaluating it: every prefix must be known
// and the expression must compile.
func (x *XPath) Check(expr string) error {
	_, err := x.compile(expr)
	return err
}

// FindAll returns the elements expr selects from el, in the order the
// expression yields them. Non-element results (attributes, text) are dropped.
func (x *XPath) FindAll(el *Node, expr string) ([]*Node, error) {
	if el == nil {
		return nil, nil
	}
	compiled, err := x.compile(expr)
	if err != nil {
		return nil, err
	}
	var out []*Node
	it := compiled.Select(newNavigator(el))
	for it.MoveNext() {
		nav := it.Current().(*navigator)
		if nav.NodeType() == xpath.ElementNode {
			out = append(out, nav.Current())
		}
	}
	return out, nil
}

// navigator hides element prefixes from name tests. antchfx/xpath matches
// an unprefixed step against Prefix() and a prefixed step against
// NamespaceURL(), so this makes `tipo` match any `*:tipo` element while
// `ptu:tipo` still requires the mapped URI.
type navigator struct {
	*xmlquery.NodeNavigator
}

func newNavigator(top *Node) *navigator {
	return &navigator{xmlquery.CreateXPathNavigator(top)}
}

func (n *navigator) Prefix() string {
	if n.NodeType() == xpath.ElementNode {
		return ""
	}
	return n.NodeNavigator.Prefix()
}

func (n *navigator) Copy() xpath.NodeNavigator {
	return &navigator{n.NodeNavigator.Copy().(*xmlquery.NodeNavigator)}
}

func (n *navigator) MoveTo(other xpath.NodeNavigator) bool {
	o, ok := other.(*navigator)
	if !ok {
		return false
	}
	return n.NodeNavigator.MoveTo(o.NodeNavigator)
}

// FindFirst returns the first element expr selects from el, or nil.
func (x *XPath) FindFirst(el *Node, expr string) (*Node, error) {
	nodes, err := x.FindAll(el, expr)
	if err != nil || len(nodes) == 0 {
		return nil, err
	}
	return nodes[0], nil
}

func (x *XPath) compile(expr string) (*xpath.Expr, error) {
	if cached, ok := x.cache.Load(expr); ok {
		return cached.(*xpath.Expr), nil
	}
	if strings.TrimSpace(expr) == "" {
		return nil, fmt.Errorf("%w: empty expression", ErrInvalidXPath)
	}
	for _, prefix := range Prefixes(expr) {
		if _, ok := x.ns[prefix]; !ok {
			return nil, fmt.Errorf("%w %q in %q", ErrUnknownPrefix, prefix, expr)
		}
	}
	compiled, err := xpath.CompileWithNS(expr, x.ns)
	if err != nil {
		return nil, fmt.Errorf("%w %q: %v", ErrInvalidXPath, expr, err)
	}
	x.cache.Store(expr, compiled)
	return compiled, nil
}

// =============================================================================
// PREFIX SCANNING
// =============================================================================

var (
	literalPattern = regexp.MustCompile(`'[^']*'|"[^"]*"`)
	prefixPattern  = regexp.MustCompile(`(?:^|[^\w.-])([A-Za-z_][\w.-]*):[A-Za-z_*]`)
)

// Prefixes lists the namespace prefixes referenced by expr, ignoring
// string literals and axis separators ("ancestor::").
func Prefixes(expr string) []string {
	s := literalPattern.ReplaceAllString(expr, "''")
	s = strings.ReplaceAll(s, "::", " / ")
	seen := make(map[string]bool)
	var out []string
	for _, m := range prefixPattern.FindAllStringSubmatch(s, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			out = append(out, m[1])
		}
	}
	return out
}

// TextOf returns the trimmed direct text of el. ok is false when el is nil.
func TextOf(el *Node) (string, bool) {
	if el == nil {
		return "", false
	}
	return strings.TrimSpace(Text(el)), true
}
