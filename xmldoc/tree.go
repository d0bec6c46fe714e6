package xmldoc

import (
	"encoding/xml"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

// =============================================================================
// READING
// =============================================================================

// IsElement reports whether n is an element node.
func IsElement(n *Node) bool {
	return n != nil && n.Type == xmlquery.ElementNode
}

// LocalName returns the element name without prefix.
func LocalName(n *Node) string {
	if n == nil {
		return ""
	}
	return n.Data
}

// QName returns the element name as written in the document (prefix:local).
func QName(n *Node) string {
	if n.Prefix == "" {
		return n.Data
	}
	return n.Prefix + ":" + n.Data
}

// Text concatenates the direct text and CDATA children of n, untrimmed.
func Text(n *Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if isText(c) {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

// ChildElements returns the element children of n in document order.
func ChildElements(n *Node) []*Node {
	var out []*Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if IsElement(c) {
			out = append(out, c)
		}
	}
	return out
}

// ElementsByLocalName returns root and every element below it whose local
// name equals local, in document order.
func ElementsByLocalName(root *Node, local string) []*Node {
	var out []*Node
	var walk func(*Node)
	walk = func(n *Node) {
		if IsElement(n) && n.Data == local {
			out = append(out, n)
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
	return out
}

// FirstByLocalName returns the first element (root included) with the given
// local name, in document order.
func FirstByLocalName(root *Node, local string) *Node {
	if root == nil {
		return nil
	}
	if IsElement(root) && root.Data == local {
		return root
	}
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if !IsElement(c) {
			continue
		}
		if found := FirstByLocalName(c, local); found != nil {
			return found
		}
	}
	return nil
}

// Contains reports whether n is ancestor or n itself.
func Contains(ancestor, n *Node) bool {
	for p := n; p != nil; p = p.Parent {
		if p == ancestor {
			return true
		}
	}
	return false
}

// Path returns a readable location for n such as
// "/ptu:lote/ptu:guia[2]/ptu:item". Positions appear only when siblings
// share the name.
func Path(n *Node) string {
	var parts []string
	for p := n; IsElement(p); p = p.Parent {
		name := QName(p)
		if pos, total := siblingPosition(p); total > 1 {
			name = fmt.Sprintf("%s[%d]", name, pos)
		}
		parts = append(parts, name)
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return "/" + strings.Join(parts, "/")
}

func siblingPosition(n *Node) (pos, total int) {
	if n.Parent == nil {
		return 1, 1
	}
	for c := n.Parent.FirstChild; c != nil; c = c.NextSibling {
		if IsElement(c) && c.Data == n.Data && c.NamespaceURI == n.NamespaceURI {
			total++
			if c == n {
				pos = total
			}
		}
	}
	return pos, total
}

func isText(n *Node) bool {
	return n.Type == xmlquery.TextNode || n.Type == xmlquery.CharDataNode
}

// =============================================================================
// MUTATION
// =============================================================================

// SetText replaces the direct text of n with value. Child elements are kept;
// the new text is placed before them.
func SetText(n *Node, value string) {
	for c := n.FirstChild; c != nil; {
		next := c.NextSibling
		if isText(c) {
			Detach(c)
		}
		c = next
	}
	if value == "" {
		return
	}
	InsertFirst(n, &Node{Type: xmlquery.TextNode, Data: value})
}

// NewElement builds a detached element.
func NewElement(prefix, local, uri string) *Node {
	return &Node{Type: xmlquery.ElementNode, Data: local, Prefix: prefix, NamespaceURI: uri}
}

// SetAttr sets or replaces an attribute. name may carry a prefix ("p:a").
func SetAttr(n *Node, name, value string) {
	attrName := xml.Name{Local: name}
	if i := strings.IndexByte(name, ':'); i > 0 {
		attrName = xml.Name{Space: name[:i], Local: name[i+1:]}
	}
	for i := range n.Attr {
		if n.Attr[i].Name == attrName {
			n.Attr[i].Value = value
			return
		}
	}
	n.Attr = append(n.Attr, xmlquery.Attr{Name: attrName, Value: value})
}

// AppendChild links child as the last child of parent.
func AppendChild(parent, child *Node) {
	Detach(child)
	child.Parent = parent
	child.PrevSibling = parent.LastChild
	if parent.LastChild != nil {
		parent.LastChild.NextSibling = child
	} else {
		parent.FirstChild = child
	}
	parent.LastChild = child
}

// InsertFirst links child as the first child of parent.
func InsertFirst(parent, child *Node) {
	Detach(child)
	child.Parent = parent
	child.NextSibling = parent.FirstChild
	if parent.FirstChild != nil {
		parent.FirstChild.PrevSibling = child
	} else {
		parent.LastChild = child
	}
	parent.FirstChild = child
}

// InsertAfter links child right after ref, under ref's parent.
func InsertAfter(ref, child *Node) {
	Detach(child)
	parent := ref.Parent
	child.Parent = parent
	child.PrevSibling = ref
	child.NextSibling = ref.NextSibling
	if ref.NextSibling != nil {
		ref.NextSibling.PrevSibling = child
	} else if parent != nil {
		parent.LastChild = child
	}
	ref.NextSibling = child
}

// Replace puts repl where old is and detaches old.
func Replace(old, repl *Node) {
	Detach(repl)
	parent := old.Parent
	repl.Parent = parent
	repl.PrevSibling = old.PrevSibling
	repl.NextSibling = old.NextSibling
	if old.PrevSibling != nil {
		old.PrevSibling.NextSibling = repl
	} else if parent != nil {
		parent.FirstChild = repl
	}
	if old.NextSibling != nil {
		old.NextSibling.PrevSibling = repl
	} else if parent != nil {
		parent.LastChild = repl
	}
	old.Parent, old.PrevSibling, old.NextSibling = nil, nil, nil
}

// Detach unlinks n from its parent and siblings. Detaching a detached node
// is a no-op.
func Detach(n *Node) {
	parent := n.Parent
	if n.PrevSibling != nil {
		n.PrevSibling.NextSibling = n.NextSibling
	} else if parent != nil && parent.FirstChild == n {
		parent.FirstChild = n.NextSibling
	}
	if n.NextSibling != nil {
		n.NextSibling.PrevSibling = n.PrevSibling
	} else if parent != nil && parent.LastChild == n {
		parent.LastChild = n.PrevSibling
	}
	n.Parent, n.PrevSibling, n.NextSibling = nil, nil, nil
}

// SetChildren relinks the given nodes, in order, as the only children of
// parent.
func SetChildren(parent *Node, children []*Node) {
	for _, c := range children {
		c.Parent, c.PrevSibling, c.NextSibling = nil, nil, nil
	}
	parent.FirstChild, parent.LastChild = nil, nil
	for _, c := range children {
		AppendChild(parent, c)
	}
}

// PrefixInScope resolves the prefix bound to uri at n, walking ancestors.
// It checks element names first and then xmlns declarations.
func PrefixInScope(n *Node, uri string) (string, bool) {
	for p := n; p != nil; p = p.Parent {
		if !IsElement(p) {
			continue
		}
		if p.NamespaceURI == uri {
			return p.Prefix, true
		}
		for _, a := range p.Attr {
			if a.Value != uri {
				continue
			}
			if a.Name.Space == "xmlns" {
				return a.Name.Local, true
			}
			if a.Name.Space == "" && a.Name.Local == "xmlns" {
				return "", true
			}
		}
	}
	return "", false
}
