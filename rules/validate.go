package rules

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/warp/glosa-engine/xmldoc"
)

// DefaultMaxDepth bounds the nesting of condition trees and multiple actions.
const DefaultMaxDepth = 32

var localNamePattern = regexp.MustCompile(`^[A-Za-z_][\w.-]*$`)

// Compile validates r against the namespace map of xp and prepares its
// regexes, numbers and sets. It is idempotent. Every failure is an
// ErrConfig *Error naming the rule.
func (r *Rule) Compile(xp *xmldoc.XPath, maxDepth int) error {
	if r.compiled {
		return nil
	}
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}

	if strings.TrimSpace(r.ID) == "" {
		return configErr("", "missing id")
	}
	if !localNamePattern.MatchString(r.Target) {
		return configErr(r.ID, "target %q is not a local element name", r.Target)
	}
	if !r.Impact.Category.IsValid() {
		return configErr(r.ID, "unknown impact category %q", r.Impact.Category)
	}
	if !r.Impact.Severity.IsValid() {
		return configErr(r.ID, "unknown impact severity %q", r.Impact.Severity)
	}
	if r.Action == nil {
		return configErr(r.ID, "missing action")
	}

	c := compiler{xp: xp, maxDepth: maxDepth, ruleID: r.ID}
	if r.Conditions != nil {
		if err := c.condition(r.Conditions, 1); err != nil {
			return err
		}
	}
	if err := c.action(r.Action, 1); err != nil {
		return err
	}

	r.compiled = true
	return nil
}

type compiler struct {
	xp       *xmldoc.XPath
	maxDepth int
	ruleID   string
}

func (c compiler) errorf(format string, args ...any) error {
	return configErr(c.ruleID, format, args...)
}

func (c compiler) xpath(field, expr string) error {
	if strings.HasPrefix(strings.TrimSpace(expr), "/") {
		return c.errorf("%s %q must be relative", field, expr)
	}
	if err := c.xp.Check(expr); err != nil {
		return c.errorf("%s: %v", field, err)
	}
	return nil
}

// =============================================================================
// CONDITIONS
// =============================================================================

func (c compiler) condition(cond *Condition, depth int) error {
	if cond == nil {
		return c.errorf("empty condition")
	}
	if depth > c.maxDepth {
		return c.errorf("condition nesting exceeds %d", c.maxDepth)
	}

	switch cond.Kind {
	case KindTagValue:
		return c.tagValue(cond)

	case KindComposite:
		switch cond.Op {
		case OpNot:
			if len(cond.Conditions) != 1 {
				return c.errorf("NOT takes exactly one condition, got %d", len(cond.Conditions))
			}
		case OpAnd, OpOr:
			if len(cond.Conditions) == 0 {
				return c.errorf("%s needs at least one condition", cond.Op)
			}
		default:
			return c.errorf("unknown composite op %q", cond.Op)
		}
		for _, sub := range cond.Conditions {
			if err := c.condition(sub, depth+1); err != nil {
				return err
			}
		}
		return nil

	case KindContext:
		if err := c.xpath("context xpath", cond.XPath); err != nil {
			return err
		}
		if cond.Condition == nil {
			return c.errorf("context without nested condition")
		}
		return c.condition(cond.Condition, depth+1)

	default:
		return c.errorf("unknown condition kind %q", cond.Kind)
	}
}

func (c compiler) tagValue(cond *Condition) error {
	if err := c.xpath("condition xpath", cond.XPath); err != nil {
		return err
	}

	switch cond.Compare {
	case CompareEquals, CompareNotEquals, CompareExists, CompareNotExists,
		CompareStartsWith, CompareNotStartsWith, CompareContains:
		return nil

	case CompareInSet:
		values := cond.Values
		if len(values) == 0 && cond.Value != "" {
			values = []Literal{cond.Value}
		}
		if len(values) == 0 {
			return c.errorf("in_set without values")
		}
		cond.set = make(map[string]struct{}, len(values))
		for _, v := range values {
			cond.set[string(v)] = struct{}{}
		}
		return nil

	case CompareMatchesRegex:
		re, err := regexp.Compile(`^(?:` + string(cond.Value) + `)$`)
		if err != nil {
			return c.errorf("regex %q: %v", cond.Value, err)
		}
		cond.pattern = re
		return nil

	case CompareNumericGT, CompareNumericLT:
		n, err := ParseNumber(string(cond.Value))
		if err != nil {
			return c.errorf("%s operand %q is not a number", cond.Compare, cond.Value)
		}
		cond.number = n
		return nil

	case CompareEqualsField:
		return c.xpath("other_xpath", cond.OtherXPath)

	default:
		return c.errorf("unknown comparison %q", cond.Compare)
	}
}

// =============================================================================
// ACTIONS
// =============================================================================

func (c compiler) action(act *Action, depth int) error {
	if act == nil {
		return c.errorf("empty action")
	}
	if depth > c.maxDepth {
		return c.errorf("action nesting exceeds %d", c.maxDepth)
	}

	switch act.Verb {
	case VerbCopyText:
		if err := c.xpath("copy_text from", act.From); err != nil {
			return err
		}
		fallthrough

	case VerbSetText, VerbEnsureChild:
		if err := c.xpath(string(act.Verb)+" xpath", act.XPath); err != nil {
			return err
		}
		switch act.Position {
		case "", PositionFirst, PositionLast:
		default:
			return c.errorf("unknown position %q", act.Position)
		}
		if act.After != "" {
			return c.xpath("after", act.After)
		}
		return nil

	case VerbRemoveElement:
		return c.xpath("remove_element xpath", act.XPath)

	case VerbReorderChildren:
		if act.XPath != "" {
			if err := c.xpath("reorder_children xpath", act.XPath); err != nil {
				return err
			}
		}
		if len(act.Order) == 0 {
			return c.errorf("reorder_children without order")
		}
		seen := make(map[string]bool, len(act.Order))
		for _, name := range act.Order {
			if !localNamePattern.MatchString(name) {
				return c.errorf("order entry %q is not a local name", name)
			}
			if seen[name] {
				return c.errorf("order lists %q twice", name)
			}
			seen[name] = true
		}
		return nil

	case VerbAppendChild:
		if act.XPath != "" {
			if err := c.xpath("append_child xpath", act.XPath); err != nil {
				return err
			}
		}
		return c.element(act.Element, 1)

	case VerbReplaceElement:
		if err := c.xpath("replace_element xpath", act.XPath); err != nil {
			return err
		}
		return c.element(act.Element, 1)

	case VerbMultiple:
		if len(act.Actions) == 0 {
			return c.errorf("multiple without actions")
		}
		for _, sub := range act.Actions {
			if err := c.action(sub, depth+1); err != nil {
				return err
			}
		}
		return nil

	case VerbAlert:
		if strings.TrimSpace(act.Message) == "" {
			return c.errorf("alert without message")
		}
		for label, expr := range act.Data {
			if err := c.xpath("alert data "+label, expr); err != nil {
				return err
			}
		}
		return nil

	default:
		return c.errorf("unknown action verb %q", act.Verb)
	}
}

func (c compiler) element(spec *ElementSpec, depth int) error {
	if spec == nil {
		return c.errorf("missing element spec")
	}
	if depth > c.maxDepth {
		return c.errorf("element spec nesting exceeds %d", c.maxDepth)
	}
	prefix, local := splitQName(spec.Name)
	if !localNamePattern.MatchString(local) {
		return c.errorf("element name %q is invalid", spec.Name)
	}
	if prefix != "" {
		if _, ok := c.xp.URI(prefix); !ok {
			return c.errorf("element %q: %v %q", spec.Name, xmldoc.ErrUnknownPrefix, prefix)
		}
	}
	for _, child := range spec.Children {
		if err := c.element(child, depth+1); err != nil {
			return err
		}
	}
	return nil
}

func splitQName(name string) (prefix, local string) {
	if i := strings.IndexByte(name, ':'); i >= 0 {
		return name[:i], name[i+1:]
	}
	return "", name
}

// String is a short identification used in logs.
func (r *Rule) String() string {
	return fmt.Sprintf("%s(%s)", r.ID, r.Target)
}
