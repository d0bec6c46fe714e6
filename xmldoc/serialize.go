package xmldoc

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/antchfx/xmlquery"
	"golang.org/x/text/encoding/charmap"
)

// =============================================================================
// WIRE LAYOUT
// =============================================================================
//
// The peer that receives PTU files is strict about layout:
//
//   <?xml version="1.0" encoding="ISO-8859-1"?>
//   <ptu:lote ...>
//   <ptu:guia>
//   <ptu:nr_Guia>123</ptu:nr_Guia></ptu:guia></ptu:lote>
//
// Every opening tag starts a new line unless it follows text on the same
// line (mixed content). Closing tags never start a line. No indentation.
// Whitespace-only text between elements is dropped, so serializing a
// document we wrote ourselves gives the same bytes again.

// Declaration is the first line of every serialized document.
const Declaration = `<?xml version="1.0" encoding="ISO-8859-1"?>`

const xmlNamespaceURI = "http://www.w3.org/XML/1998/namespace"

// Serialize renders doc in the wire layout, encoded as ISO-8859-1.
// Characters outside Latin-1 are written as decimal character references.
func Serialize(doc *Document) ([]byte, error) {
	root := doc.Root()
	if root == nil {
		return nil, fmt.Errorf("%w: nothing to serialize", ErrUnreadable)
	}

	var sb strings.Builder
	sb.WriteString(Declaration)
	for c := doc.Top.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case xmlquery.ElementNode:
			sb.WriteByte('\n')
			writeElement(&sb, c, true)
		case xmlquery.CommentNode:
			sb.WriteByte('\n')
			writeComment(&sb, c)
		}
	}
	sb.WriteByte('\n')

	return EncodeLatin1(sb.String())
}

// SerializeNode renders a single subtree as a string. With layout set the
// wire rules apply (newline before opening tags, whitespace-only text
// between elements dropped); without it every node is written as found.
func SerializeNode(n *Node, layout bool) string {
	var sb strings.Builder
	switch {
	case IsElement(n):
		writeElement(&sb, n, layout)
	case isText(n):
		sb.WriteString(escapeText(n.Data))
	}
	return sb.String()
}

// EncodeLatin1 converts s to ISO-8859-1 bytes. Runes above U+00FF must
// already have been escaped.
func EncodeLatin1(s string) ([]byte, error) {
	out, err := charmap.ISO8859_1.NewEncoder().String(s)
	if err != nil {
		return nil, fmt.Errorf("encode ISO-8859-1: %w", err)
	}
	return []byte(out), nil
}

func writeElement(sb *strings.Builder, n *Node, layout bool) {
	sb.WriteByte('<')
	sb.WriteString(QName(n))
	for _, a := range n.Attr {
		sb.WriteByte(' ')
		sb.WriteString(attrName(a))
		sb.WriteString(`="`)
		sb.WriteString(escapeAttr(a.Value))
		sb.WriteByte('"')
	}

	children := emitted(n, layout)
	if len(children) == 0 {
		sb.WriteString("/>")
		return
	}
	sb.WriteByte('>')

	afterText := false
	for _, c := range children {
		switch c.Type {
		case xmlquery.ElementNode:
			if layout && !afterText {
				sb.WriteByte('\n')
			}
			writeElement(sb, c, layout)
			afterText = false
		case xmlquery.TextNode, xmlquery.CharDataNode:
			sb.WriteString(escapeText(c.Data))
			afterText = strings.TrimSpace(c.Data) != ""
		case xmlquery.CommentNode:
			writeComment(sb, c)
			afterText = false
		}
	}

	sb.WriteString("</")
	sb.WriteString(QName(n))
	sb.WriteByte('>')
}

// emitted lists the children that produce output.
func emitted(n *Node, layout bool) []*Node {
	mixed := layout && hasElementChild(n)
	var out []*Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		switch c.Type {
		case xmlquery.ElementNode, xmlquery.CommentNode:
			out = append(out, c)
		case xmlquery.TextNode, xmlquery.CharDataNode:
			if c.Data == "" || (mixed && strings.TrimSpace(c.Data) == "") {
				continue
			}
			out = append(out, c)
		}
	}
	return out
}

func hasElementChild(n *Node) bool {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if IsElement(c) {
			return true
		}
	}
	return false
}

func writeComment(sb *strings.Builder, c *Node) {
	sb.WriteString("<!--")
	sb.WriteString(latin1Safe(c.Data))
	sb.WriteString("-->")
}

func attrName(a xmlquery.Attr) string {
	switch a.Name.Space {
	case "":
		return a.Name.Local
	case xmlNamespaceURI:
		return "xml:" + a.Name.Local
	default:
		return a.Name.Space + ":" + a.Name.Local
	}
}

var (
	textEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", "\r", "&#13;")
	attrEscaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;", `"`, "&quot;",
		"\r", "&#13;", "\n", "&#10;", "\t", "&#9;")
)

func escapeText(s string) string {
	return latin1Safe(textEscaper.Replace(s))
}

func escapeAttr(s string) string {
	return latin1Safe(attrEscaper.Replace(s))
}

// latin1Safe replaces every rune above U+00FF with a character reference.
func latin1Safe(s string) string {
	clean := true
	for _, r := range s {
		if r > 0xFF {
			clean = false
			break
		}
	}
	if clean {
		return s
	}
	var sb strings.Builder
	for _, r := range s {
		if r > 0xFF {
			sb.WriteString("&#")
			sb.WriteString(strconv.Itoa(int(r)))
			sb.WriteByte(';')
			continue
		}
		sb.WriteRune(r)
	}
	return sb.String()
}

// =============================================================================
// ATOMIC WRITE
// =============================================================================

// WriteFileAtomic writes data to a temp file next to path and renames it
// into place. A failed write leaves the previous file untouched.
func WriteFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, perm); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("chmod temp file: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("rename temp file: %w", err)
	}
	return nil
}
