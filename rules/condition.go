package rules

import (
	"strings"

	"go.uber.org/zap"

	"github.com/warp/glosa-engine/xmldoc"
)

// =============================================================================
// EVALUATOR
// =============================================================================

// Evaluator decides whether a condition tree holds for a candidate. It is
// pure over the tree: nothing is mutated. EVAL problems are logged at debug
// and count as false.
type Evaluator struct {
	xp     *xmldoc.XPath
	logger *zap.Logger
}

// NewEvaluator creates an evaluator bound to a namespace facade.
func NewEvaluator(xp *xmldoc.XPath, logger *zap.Logger) *Evaluator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Evaluator{xp: xp, logger: logger}
}

// Evaluate reports whether cond holds for candidate. A nil condition holds.
// cond must come from a compiled rule.
func (e *Evaluator) Evaluate(candidate *xmldoc.Node, cond *Condition) bool {
	if cond == nil {
		return true
	}

	switch cond.Kind {
	case KindTagValue:
		return e.tagValue(candidate, cond)

	case KindComposite:
		switch cond.Op {
		case OpAnd:
			for _, sub := range cond.Conditions {
				if !e.Evaluate(candidate, sub) {
					return false
				}
			}
			return true
		case OpOr:
			for _, sub := range cond.Conditions {
				if e.Evaluate(candidate, sub) {
					return true
				}
			}
			return false
		case OpNot:
			return len(cond.Conditions) == 1 && !e.Evaluate(candidate, cond.Conditions[0])
		}

	case KindContext:
		contexts, err := e.xp.FindAll(candidate, cond.XPath)
		if err != nil {
			e.evalFailed(cond, err)
			return false
		}
		for _, ctx := range contexts {
			if e.Evaluate(ctx, cond.Condition) {
				return true
			}
		}
		return false
	}

	e.logger.Debug("condition of unknown shape is false",
		zap.String("kind", string(cond.Kind)), zap.String("op", string(cond.Op)))
	return false
}

func (e *Evaluator) tagValue(candidate *xmldoc.Node, cond *Condition) bool {
	nodes, err := e.xp.FindAll(candidate, cond.XPath)
	if err != nil {
		e.evalFailed(cond, err)
		return false
	}

	switch cond.Compare {
	case CompareExists:
		return len(nodes) > 0
	case CompareNotExists:
		return len(nodes) == 0
	}

	// A missing element is unequal to every value and equal to none.
	if len(nodes) == 0 {
		return cond.Compare == CompareNotEquals
	}
	text, _ := xmldoc.TextOf(nodes[0])
	want := string(cond.Value)

	switch cond.Compare {
	case CompareEquals:
		return text == want
	case CompareNotEquals:
		return text != want
	case CompareInSet:
		_, ok := cond.set[text]
		return ok
	case CompareMatchesRegex:
		return cond.pattern != nil && cond.pattern.MatchString(text)
	case CompareStartsWith:
		return strings.HasPrefix(text, want)
	case CompareNotStartsWith:
		return !strings.HasPrefix(text, want)
	case CompareContains:
		return strings.Contains(text, want)

	case CompareNumericGT, CompareNumericLT:
		n, err := ParseNumber(text)
		if err != nil {
			e.evalFailed(cond, NewError(ErrEval, "", "parse number", err))
			return false
		}
		if cond.Compare == CompareNumericGT {
			return n.GreaterThan(cond.number)
		}
		return n.LessThan(cond.number)

	case CompareEqualsField:
		other, err := e.xp.FindFirst(candidate, cond.OtherXPath)
		if err != nil {
			e.evalFailed(cond, err)
			return false
		}
		if other == nil {
			return false
		}
		otherText, _ := xmldoc.TextOf(other)
		return text == otherText
	}
	return false
}

func (e *Evaluator) evalFailed(cond *Condition, err error) {
	e.logger.Debug("condition evaluated as false",
		zap.String("xpath", cond.XPath),
		zap.String("compare", string(cond.Compare)),
		zap.Error(err))
}
