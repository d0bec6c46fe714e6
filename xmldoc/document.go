package xmldoc

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"github.com/antchfx/xmlquery"
	"go.uber.org/zap"
)

// ErrUnreadable is returned when a document cannot be read or has no root
// element even after recovery.
var ErrUnreadable = errors.New("unreadable document")

// Document is one parsed PTU file. It is owned by a single run and is not
// safe for concurrent use.
type Document struct {
	// Top is the document node; its element child is the root.
	Top *Node

	// Path is the file the document came from, empty for in-memory input.
	Path string

	// Encoding is the charset named by the XML declaration ("" if none).
	Encoding string

	// Recovered is true when the strict parse failed and the tree was
	// rebuilt by the tolerant decoder.
	Recovered bool

	// Warnings collects what the tolerant decoder had to work around.
	Warnings []string
}

// Root returns the root element, or nil for an empty document.
func (d *Document) Root() *Node {
	if d == nil || d.Top == nil {
		return nil
	}
	for c := d.Top.FirstChild; c != nil; c = c.NextSibling {
		if IsElement(c) {
			return c
		}
	}
	return nil
}

// =============================================================================
// PARSER
// =============================================================================

// Parser reads documents strictly first and falls back to a tolerant decoder.
type Parser struct {
	ns     Namespaces
	logger *zap.Logger
}

// NewParser creates a parser. ns is used to repair element prefixes the
// document uses without declaring; logger may be nil.
func NewParser(ns Namespaces, logger *zap.Logger) *Parser {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Parser{ns: ns, logger: logger}
}

var encodingPattern = regexp.MustCompile(`^\s*<\?xml[^>]*\bencoding\s*=\s*["']([^"']+)["']`)

// Parse reads a whole document from r.
func (p *Parser) Parse(r io.Reader) (*Document, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return p.ParseBytes(data, "")
}

// ParseFile reads the document stored at path.
func (p *Parser) ParseFile(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnreadable, err)
	}
	return p.ParseBytes(data, path)
}

// ParseBytes parses data. path is only used for logging and metadata.
func (p *Parser) ParseBytes(data []byte, path string) (*Document, error) {
	doc := &Document{Path: path}
	if m := encodingPattern.FindSubmatch(data); m != nil {
		doc.Encoding = strings.ToUpper(string(m[1]))
	}

	top, strictErr := xmlquery.Parse(bytes.NewReader(data))
	if strictErr == nil && hasRoot(top) {
		doc.Top = top
		restorePrefixes(doc.Root())
		return doc, nil
	}
	if strictErr == nil {
		strictErr = errors.New("no root element")
	}

	p.logger.Warn("strict parse failed, retrying in recovery mode",
		zap.String("path", path), zap.Error(strictErr))

	top, err := xmlquery.ParseWithOptions(bytes.NewReader(data), xmlquery.ParserOptions{
		Decoder: &xmlquery.DecoderOptions{
			Strict: false,
			Entity: xml.HTMLEntity,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreadable, displayName(path), err)
	}
	if !hasRoot(top) {
		return nil, fmt.Errorf("%w: %s: no root element", ErrUnreadable, displayName(path))
	}

	doc.Top = top
	doc.Recovered = true
	doc.Warnings = append(doc.Warnings, strictErr.Error())
	if n := p.repairPrefixes(doc.Root()); n > 0 {
		doc.Warnings = append(doc.Warnings, fmt.Sprintf("%d element(s) used an undeclared prefix", n))
	}
	restorePrefixes(doc.Root())
	return doc, nil
}

// Parse reads a document with a parser bound to the default namespaces.
func Parse(r io.Reader) (*Document, error) {
	return NewParser(DefaultNamespaces(), nil).Parse(r)
}

// ParseString is Parse for literals, mostly useful in tests.
func ParseString(s string) (*Document, error) {
	return NewParser(DefaultNamespaces(), nil).ParseBytes([]byte(s), "")
}

// repairPrefixes fixes elements whose prefix was never declared. The
// tolerant decoder leaves the raw prefix in NamespaceURI and no Prefix.
func (p *Parser) repairPrefixes(root *Node) int {
	repaired := 0
	var walk func(*Node)
	walk = func(n *Node) {
		if n.Prefix == "" && n.NamespaceURI != "" && !strings.ContainsAny(n.NamespaceURI, ":/") {
			n.Prefix = n.NamespaceURI
			if uri, ok := p.ns[n.Prefix]; ok {
				n.NamespaceURI = uri
			}
			repaired++
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if IsElement(c) {
				walk(c)
			}
		}
	}
	if root != nil {
		walk(root)
	}
	return repaired
}

// restorePrefixes gives back the prefix of namespaced elements that
// xmlquery left unprefixed. Its prefix detection peeks at the raw input and
// misses when the document starts with a declaration, which every PTU file
// does. The prefix is taken from the nearest xmlns declaration of the URI.
func restorePrefixes(root *Node) {
	var walk func(*Node)
	walk = func(n *Node) {
		if n.Prefix == "" && n.NamespaceURI != "" {
			if prefix, ok := declaredPrefix(n, n.NamespaceURI); ok {
				n.Prefix = prefix
			}
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if IsElement(c) {
				walk(c)
			}
		}
	}
	if root != nil {
		walk(root)
	}
}

// declaredPrefix resolves uri through the xmlns attributes of n and its
// ancestors. At one level a named prefix wins over a default declaration.
func declaredPrefix(n *Node, uri string) (string, bool) {
	for p := n; IsElement(p); p = p.Parent {
		isDefault := false
		for _, a := range p.Attr {
			if a.Value != uri {
				continue
			}
			if a.Name.Space == "xmlns" {
				return a.Name.Local, true
			}
			if a.Name.Space == "" && a.Name.Local == "xmlns" {
				isDefault = true
			}
		}
		if isDefault {
			return "", true
		}
	}
	return "", false
}

func hasRoot(top *Node) bool {
	if top == nil {
		return false
	}
	for c := top.FirstChild; c != nil; c = c.NextSibling {
		if IsElement(c) {
			return true
		}
	}
	return false
}

func displayName(path string) string {
	if path == "" {
		return "<input>"
	}
	return path
}
