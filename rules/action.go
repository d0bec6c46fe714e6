package rules

import (
	"regexp"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/warp/glosa-engine/xmldoc"
)

// =============================================================================
// APPLIER
// =============================================================================
//
// The applier only touches the candidate's subtree. remove_element and
// replace_element work on strict descendants; the other verbs may also
// target the candidate itself. Every verb reports whether the tree changed;
// an action that cannot run returns an ErrApply error and changed=false
// for the part that failed.

// Alert is a message raised by an alert action. It never changes the tree.
type Alert struct {
	RuleID  string            `json:"rule_id"`
	Message string            `json:"message"`
	Element string            `json:"element"`
	Data    map[string]string `json:"data,omitempty"`
}

// Applier runs actions against a candidate element.
type Applier struct {
	xp     *xmldoc.XPath
	logger *zap.Logger
}

// NewApplier creates an applier bound to a namespace facade.
func NewApplier(xp *xmldoc.XPath, logger *zap.Logger) *Applier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Applier{xp: xp, logger: logger}
}

// Apply runs act on candidate. changed can be true together with a non-nil
// error when a multiple action partially succeeded.
func (a *Applier) Apply(candidate *xmldoc.Node, act *Action) (changed bool, alerts []Alert, err error) {
	if act == nil {
		return false, nil, applyErr("apply", "nil action")
	}

	switch act.Verb {
	case VerbSetText:
		changed, err = a.setText(candidate, act)
	case VerbCopyText:
		changed, err = a.copyText(candidate, act)
	case VerbEnsureChild:
		changed, err = a.ensureChild(candidate, act.XPath, string(act.Value), act.Position, act.After)
	case VerbRemoveElement:
		changed, err = a.removeElement(candidate, act.XPath)
	case VerbReorderChildren:
		changed, err = a.reorderChildren(candidate, act.XPath, act.Order)
	case VerbAppendChild:
		changed, err = a.appendChild(candidate, act.XPath, act.Element)
	case VerbReplaceElement:
		changed, err = a.replaceElement(candidate, act.XPath, act.Element)
	case VerbAlert:
		alerts = []Alert{a.alert(candidate, act)}
	case VerbMultiple:
		for _, sub := range act.Actions {
			subChanged, subAlerts, subErr := a.Apply(candidate, sub)
			changed = changed || subChanged
			alerts = append(alerts, subAlerts...)
			if subErr != nil && err == nil {
				err = subErr
			}
		}
	default:
		err = applyErr("apply", "unknown verb %q", act.Verb)
	}
	return changed, alerts, err
}

// =============================================================================
// TEXT
// =============================================================================

func (a *Applier) setText(candidate *xmldoc.Node, act *Action) (bool, error) {
	target, err := a.xp.FindFirst(candidate, act.XPath)
	if err != nil {
		return false, NewError(ErrApply, "", "set_text", err)
	}
	if target == nil {
		return a.ensureChild(candidate, act.XPath, string(act.Value), act.Position, act.After)
	}
	if !xmldoc.Contains(candidate, target) {
		return false, applyErr("set_text", "%q resolves outside the candidate", act.XPath)
	}
	return writeText(target, string(act.Value)), nil
}

// copyText writes the text found at act.From into act.XPath. A missing or
// empty source is not an error: there is simply nothing to copy.
func (a *Applier) copyText(candidate *xmldoc.Node, act *Action) (bool, error) {
	src, err := a.xp.FindFirst(candidate, act.From)
	if err != nil {
		return false, NewError(ErrApply, "", "copy_text", err)
	}
	value, ok := xmldoc.TextOf(src)
	if !ok || value == "" {
		return false, nil
	}
	return a.setText(candidate, &Action{
		Verb:     VerbSetText,
		XPath:    act.XPath,
		Value:    Literal(value),
		Position: act.Position,
		After:    act.After,
	})
}

// writeText sets the text of el when it differs from value, ignoring
// surrounding whitespace in the current text.
func writeText(el *xmldoc.Node, value string) bool {
	current := xmldoc.Text(el)
	if current == value || strings.TrimSpace(current) == value {
		return false
	}
	xmldoc.SetText(el, value)
	return true
}

var childStepPattern = regexp.MustCompile(`^(?:[A-Za-z_][\w.-]*:)?[A-Za-z_][\w.-]*$`)

// ensureChild walks path one child step at a time, creating what is
// missing, then sets the text of the last step.
func (a *Applier) ensureChild(candidate *xmldoc.Node, path, value, position, after string) (bool, error) {
	steps, ok := childSteps(path)
	if !ok {
		return false, applyErr("ensure_child", "%q is not a plain child path", path)
	}

	changed := false
	cur := candidate
	for i, step := range steps {
		existing, err := a.xp.FindFirst(cur, "./"+step)
		if err != nil {
			return changed, NewError(ErrApply, "", "ensure_child", err)
		}
		if existing != nil {
			cur = existing
			continue
		}

		el, err := a.newElement(cur, step)
		if err != nil {
			return changed, err
		}
		last := i == len(steps)-1
		switch {
		case last && after != "":
			// The reference must be a sibling; anywhere else the next run
			// would not find the element at path.
			if ref, _ := a.xp.FindFirst(candidate, after); ref != nil && ref.Parent == cur && xmldoc.Contains(candidate, ref) {
				xmldoc.InsertAfter(ref, el)
			} else {
				xmldoc.AppendChild(cur, el)
			}
		case last && position == PositionFirst:
			xmldoc.InsertFirst(cur, el)
		default:
			xmldoc.AppendChild(cur, el)
		}
		cur = el
		changed = true
	}

	return writeText(cur, value) || changed, nil
}

func childSteps(path string) ([]string, bool) {
	path = strings.TrimSpace(path)
	path = strings.TrimPrefix(path, "./")
	if path == "" {
		return nil, false
	}
	steps := strings.Split(path, "/")
	for _, s := range steps {
		if !childStepPattern.MatchString(s) {
			return nil, false
		}
	}
	return steps, true
}

// =============================================================================
// STRUCTURE
// =============================================================================

func (a *Applier) removeElement(candidate *xmldoc.Node, path string) (bool, error) {
	nodes, err := a.xp.FindAll(candidate, path)
	if err != nil {
		return false, NewError(ErrApply, "", "remove_element", err)
	}
	removed := 0
	for _, n := range nodes {
		if n == candidate || !xmldoc.Contains(candidate, n) {
			continue
		}
		xmldoc.Detach(n)
		removed++
	}
	if removed == 0 {
		return false, applyErr("remove_element", "nothing to remove at %q", path)
	}
	return true, nil
}

func (a *Applier) reorderChildren(candidate *xmldoc.Node, path string, order []string) (bool, error) {
	parent, err := a.resolveParent(candidate, path, "reorder_children")
	if err != nil {
		return false, err
	}

	rank := make(map[string]int, len(order))
	for i, name := range order {
		rank[name] = i
	}

	current := xmldoc.ChildElements(parent)
	var named, unnamed []*xmldoc.Node
	for _, el := range current {
		if _, ok := rank[xmldoc.LocalName(el)]; ok {
			named = append(named, el)
		} else {
			unnamed = append(unnamed, el)
		}
	}
	sort.SliceStable(named, func(i, j int) bool {
		return rank[xmldoc.LocalName(named[i])] < rank[xmldoc.LocalName(named[j])]
	})
	wanted := append(named, unnamed...)

	same := true
	for i := range current {
		if current[i] != wanted[i] {
			same = false
			break
		}
	}
	if same {
		return false, nil
	}

	// Elements take each other's slots; text and comments stay where they are.
	var all []*xmldoc.Node
	next := 0
	for c := parent.FirstChild; c != nil; c = c.NextSibling {
		if xmldoc.IsElement(c) {
			all = append(all, wanted[next])
			next++
			continue
		}
		all = append(all, c)
	}
	xmldoc.SetChildren(parent, all)
	return true, nil
}

func (a *Applier) appendChild(candidate *xmldoc.Node, path string, spec *ElementSpec) (bool, error) {
	parent, err := a.resolveParent(candidate, path, "append_child")
	if err != nil {
		return false, err
	}
	el, err := a.build(parent, spec)
	if err != nil {
		return false, err
	}
	xmldoc.AppendChild(parent, el)
	return true, nil
}

func (a *Applier) replaceElement(candidate *xmldoc.Node, path string, spec *ElementSpec) (bool, error) {
	target, err := a.xp.FindFirst(candidate, path)
	if err != nil {
		return false, NewError(ErrApply, "", "replace_element", err)
	}
	if target == nil {
		return false, applyErr("replace_element", "nothing to replace at %q", path)
	}
	if target == candidate || !xmldoc.Contains(candidate, target) {
		return false, applyErr("replace_element", "%q is not below the candidate", path)
	}

	el, err := a.build(target.Parent, spec)
	if err != nil {
		return false, err
	}
	if xmldoc.SerializeNode(el, true) == xmldoc.SerializeNode(target, true) {
		return false, nil
	}
	xmldoc.Replace(target, el)
	return true, nil
}

func (a *Applier) resolveParent(candidate *xmldoc.Node, path, op string) (*xmldoc.Node, error) {
	if path == "" || path == "." {
		return candidate, nil
	}
	parent, err := a.xp.FindFirst(candidate, path)
	if err != nil {
		return nil, NewError(ErrApply, "", op, err)
	}
	if parent == nil {
		return nil, applyErr(op, "no element at %q", path)
	}
	if !xmldoc.Contains(candidate, parent) {
		return nil, applyErr(op, "%q resolves outside the candidate", path)
	}
	return parent, nil
}

// =============================================================================
// ALERTS
// =============================================================================

func (a *Applier) alert(candidate *xmldoc.Node, act *Action) Alert {
	alert := Alert{Message: act.Message, Element: xmldoc.Path(candidate)}
	if len(act.Data) == 0 {
		return alert
	}
	alert.Data = make(map[string]string, len(act.Data))
	for label, expr := range act.Data {
		n, err := a.xp.FindFirst(candidate, expr)
		if err != nil {
			continue
		}
		if text, ok := xmldoc.TextOf(n); ok {
			alert.Data[label] = text
		}
	}
	return alert
}

// =============================================================================
// ELEMENT CONSTRUCTION
// =============================================================================

// newElement creates a detached element for a "prefix:local" or "local"
// step, bound in the scope of parent.
func (a *Applier) newElement(parent *xmldoc.Node, qname string) (*xmldoc.Node, error) {
	prefix, local := splitQName(qname)

	uri := parent.NamespaceURI
	if prefix != "" {
		var ok bool
		if uri, ok = a.xp.URI(prefix); !ok {
			return nil, applyErr("create element", "%v %q", xmldoc.ErrUnknownPrefix, prefix)
		}
	}
	if uri == "" {
		return xmldoc.NewElement("", local, ""), nil
	}

	// Reuse whatever prefix the document already binds to the namespace.
	if bound, ok := xmldoc.PrefixInScope(parent, uri); ok {
		return xmldoc.NewElement(bound, local, uri), nil
	}
	if prefix == "" {
		prefix, _ = a.xp.Namespaces().PrefixFor(uri)
	}
	el := xmldoc.NewElement(prefix, local, uri)
	if prefix == "" {
		xmldoc.SetAttr(el, "xmlns", uri)
	} else {
		xmldoc.SetAttr(el, "xmlns:"+prefix, uri)
	}
	return el, nil
}

// build turns spec into a detached subtree scoped under parent.
func (a *Applier) build(parent *xmldoc.Node, spec *ElementSpec) (*xmldoc.Node, error) {
	if spec == nil {
		return nil, applyErr("build element", "missing element spec")
	}
	el, err := a.newElement(parent, spec.Name)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(spec.Attributes))
	for k := range spec.Attributes {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		xmldoc.SetAttr(el, k, spec.Attributes[k])
	}
	if spec.Text != "" {
		xmldoc.SetText(el, string(spec.Text))
	}

	// Children resolve prefixes through el, so el points at its future
	// parent while they are built.
	el.Parent = parent
	defer func() { el.Parent = nil }()
	for _, childSpec := range spec.Children {
		child, err := a.build(el, childSpec)
		if err != nil {
			return nil, err
		}
		xmldoc.AppendChild(el, child)
	}
	return el, nil
}
