/*
Package rules is the declarative correction engine for PTU billing files.

PURPOSE:
  A rule says: for every element named Target, if Conditions hold, run
  Action. Rules are data (JSON), loaded by the catalog package and
  executed here against one parsed document at a time.

KEY CONCEPTS IN THIS FILE (types.go):
  - Rule:        id, target local name, condition tree, action, impact
  - Condition:   tagged sum over tag_value / composite / context
  - Action:      tagged sum over the verbs in Verb
  - ElementSpec: literal description of an element to build
  - Literal:     JSON scalar accepted as string ("01", 1, true)

EXAMPLE RULE:
  {
    "id": "R-SADT-TIPO",
    "active": true,
    "target": "guiaSADT",
    "conditions": {"kind": "tag_value", "xpath": "./ptu:tipo", "compare": "equals", "value": "PJ"},
    "action": {"verb": "set_text", "xpath": "./ptu:tipo", "value": "PF"},
    "impact_metadata": {"category": "GUIA_GLOSS", "severity": "HIGH", "count_as_savings": true}
  }

SEE ALSO:
  - condition.go: Evaluator
  - action.go:    Applier
  - engine.go:    the per-document driver
  - validate.go:  load-time checks (CONFIG errors)
*/
package rules

import (
	"encoding/json"
	"regexp"
	"strconv"

	"github.com/shopspring/decimal"
)

// =============================================================================
// IMPACT METADATA
// =============================================================================

// Category classifies what a correction prevents.
type Category string

const (
	CategoryValidation   Category = "VALIDATION"
	CategoryGuiaGloss    Category = "GUIA_GLOSS"
	CategoryItemGloss    Category = "ITEM_GLOSS"
	CategoryOptimization Category = "OPTIMIZATION"
)

// IsValid reports whether c is a known category.
func (c Category) IsValid() bool {
	switch c {
	case CategoryValidation, CategoryGuiaGloss, CategoryItemGloss, CategoryOptimization:
		return true
	}
	return false
}

// Severity ranks how likely the defect is to be glossed.
type Severity string

const (
	SeverityHigh   Severity = "HIGH"
	SeverityMedium Severity = "MEDIUM"
	SeverityLow    Severity = "LOW"
)

// IsValid reports whether s is a known severity.
func (s Severity) IsValid() bool {
	switch s {
	case SeverityHigh, SeverityMedium, SeverityLow:
		return true
	}
	return false
}

// Impact describes the business value of a rule for ROI tracking.
type Impact struct {
	Category       Category `json:"category" yaml:"category"`
	Severity       Severity `json:"severity" yaml:"severity"`
	Rationale      string   `json:"rationale,omitempty" yaml:"rationale,omitempty"`
	CountAsSavings bool     `json:"count_as_savings" yaml:"count_as_savings"`
}

// =============================================================================
// RULE
// =============================================================================

// Rule is immutable once compiled.
type Rule struct {
	ID          string     `json:"id" yaml:"id"`
	Active      bool       `json:"active" yaml:"active"`
	Description string     `json:"description,omitempty" yaml:"description,omitempty"`
	Target      string     `json:"target" yaml:"target"`
	Conditions  *Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`
	Action      *Action    `json:"action" yaml:"action"`
	Impact      Impact     `json:"impact_metadata" yaml:"impact_metadata"`

	// Group is the catalog group the rule was loaded from.
	Group string `json:"group,omitempty" yaml:"group,omitempty"`

	compiled bool
}

// =============================================================================
// CONDITIONS
// =============================================================================

// ConditionKind discriminates the Condition variants.
type ConditionKind string

const (
	KindTagValue  ConditionKind = "tag_value"
	KindComposite ConditionKind = "composite"
	KindContext   ConditionKind = "context"
)

// Comparison is the test a tag_value condition applies.
type Comparison string

const (
	CompareEquals        Comparison = "equals"
	CompareNotEquals     Comparison = "not_equals"
	CompareExists        Comparison = "exists"
	CompareNotExists     Comparison = "not_exists"
	CompareInSet         Comparison = "in_set"
	CompareMatchesRegex  Comparison = "matches_regex"
	CompareNumericGT     Comparison = "numeric_gt"
	CompareNumericLT     Comparison = "numeric_lt"
	CompareStartsWith    Comparison = "starts_with"
	CompareNotStartsWith Comparison = "not_starts_with"
	CompareContains      Comparison = "contains"
	CompareEqualsField   Comparison = "equals_field"
)

// LogicOp combines the children of a composite condition.
type LogicOp string

const (
	OpAnd LogicOp = "AND"
	OpOr  LogicOp = "OR"
	OpNot LogicOp = "NOT"
)

// Condition is one node of a condition tree. Only the fields of its Kind
// are meaningful.
type Condition struct {
	Kind ConditionKind `json:"kind" yaml:"kind"`

	// tag_value (XPath is also the context selector)
	XPath      string     `json:"xpath,omitempty" yaml:"xpath,omitempty"`
	Compare    Comparison `json:"compare,omitempty" yaml:"compare,omitempty"`
	Value      Literal    `json:"value,omitempty" yaml:"value,omitempty"`
	Values     []Literal  `json:"values,omitempty" yaml:"values,omitempty"`
	OtherXPath string     `json:"other_xpath,omitempty" yaml:"other_xpath,omitempty"`

	// composite
	Op         LogicOp      `json:"op,omitempty" yaml:"op,omitempty"`
	Conditions []*Condition `json:"conditions,omitempty" yaml:"conditions,omitempty"`

	// context
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`

	// filled by Compile
	pattern *regexp.Regexp
	number  decimal.Decimal
	set     map[string]struct{}
}

// =============================================================================
// ACTIONS
// =============================================================================

// Verb discriminates the Action variants.
type Verb string

const (
	VerbSetText         Verb = "set_text"
	VerbCopyText        Verb = "copy_text"
	VerbEnsureChild     Verb = "ensure_child"
	VerbRemoveElement   Verb = "remove_element"
	VerbReorderChildren Verb = "reorder_children"
	VerbAppendChild     Verb = "append_child"
	VerbReplaceElement  Verb = "replace_element"
	VerbMultiple        Verb = "multiple"
	VerbAlert           Verb = "alert"
)

// Insert positions for ensure_child.
const (
	PositionLast  = "last"
	PositionFirst = "first"
)

// Action is a single mutation (or alert). Only the fields of its Verb are
// meaningful.
type Action struct {
	Verb  Verb    `json:"verb" yaml:"verb"`
	XPath string  `json:"xpath,omitempty" yaml:"xpath,omitempty"`
	Value Literal `json:"value,omitempty" yaml:"value,omitempty"`

	// copy_text: relative XPath of the element whose text is copied; it may
	// point outside the candidate (a sibling item, the guide header)
	From string `json:"from,omitempty" yaml:"from,omitempty"`

	// ensure_child placement of a created leaf
	Position string `json:"position,omitempty" yaml:"position,omitempty"`
	After    string `json:"after,omitempty" yaml:"after,omitempty"`

	// reorder_children
	Order []string `json:"order,omitempty" yaml:"order,omitempty"`

	// append_child, replace_element
	Element *ElementSpec `json:"element,omitempty" yaml:"element,omitempty"`

	// multiple
	Actions []*Action `json:"actions,omitempty" yaml:"actions,omitempty"`

	// alert: Data maps a label to a relative XPath whose text is reported
	Message string            `json:"message,omitempty" yaml:"message,omitempty"`
	Data    map[string]string `json:"data,omitempty" yaml:"data,omitempty"`
}

// ElementSpec describes an element to build. Name may carry a prefix from
// the namespace map ("ptu:acomodacao"); without one the element joins its
// parent's namespace.
type ElementSpec struct {
	Name       string            `json:"name" yaml:"name"`
	Text       Literal           `json:"text,omitempty" yaml:"text,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`
	Children   []*ElementSpec    `json:"children,omitempty" yaml:"children,omitempty"`
}

// =============================================================================
// LITERAL
// =============================================================================

// Literal is a JSON scalar kept as its string form. Catalog authors write
// codes both as "01" and as 1; both are accepted.
type Literal string

// UnmarshalJSON accepts strings, numbers and booleans.
func (l *Literal) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*l = Literal(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err == nil {
		*l = Literal(n.String())
		return nil
	}
	var b bool
	if err := json.Unmarshal(data, &b); err != nil {
		return err
	}
	*l = Literal(strconv.FormatBool(b))
	return nil
}

// UnmarshalYAML accepts any scalar node.
func (l *Literal) UnmarshalYAML(unmarshal func(any) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	*l = Literal(s)
	return nil
}

func (l Literal) String() string { return string(l) }
