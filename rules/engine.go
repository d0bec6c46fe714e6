/*
engine.go - The per-document driver

PURPOSE:
  Runs an ordered rule list against one parsed document:

    for each rule (catalog order):
        candidates := every element named rule.Target, root included
        for each candidate (document order):
            if conditions hold: apply action
            if the action changed the tree: dirty, tracking event
    if dirty: rewrite the integrity hash

  Later rules see what earlier rules did, so normalization rules cascade.
  The engine does not detect cycles; catalogs are authored to be monotone.

KEY CONCEPTS:
  - Result:      dirty flag, application log, alerts, new hash
  - Application: one (rule, candidate) pair whose action ran
  - Sink:        fire-and-forget observer of applied rules (sink.go)

CONCURRENCY:
  An Engine is read-only after NewEngine and may run many documents at
  once. A Document must not be shared between runs.

CANCELLATION:
  The context is checked between rules. On cancellation Apply returns
  ctx.Err() and the caller must discard the tree.
*/
package rules

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/warp/glosa-engine/integrity"
	"github.com/warp/glosa-engine/xmldoc"
)

// Hasher rewrites the integrity hash of a mutated tree.
type Hasher interface {
	Rehash(root *xmldoc.Node) (digest string, found bool, err error)
}

// Application records one action run on one candidate.
type Application struct {
	RuleID   string   `json:"rule_id"`
	Group    string   `json:"group,omitempty"`
	Category Category `json:"category"`
	Element  string   `json:"element"`
	Changed  bool     `json:"changed"`
}

// Result is the outcome of one Apply call.
type Result struct {
	Dirty        bool          `json:"dirty"`
	Applications []Application `json:"applications"`
	Alerts       []Alert       `json:"alerts,omitempty"`

	// Hash is the rewritten digest; empty when the tree is clean or has no
	// hash block.
	Hash string `json:"hash,omitempty"`
}

// Changes counts the applications that modified the tree.
func (r *Result) Changes() int {
	n := 0
	for _, a := range r.Applications {
		if a.Changed {
			n++
		}
	}
	return n
}

// =============================================================================
// ENGINE
// =============================================================================

// Engine applies a compiled rule list to documents.
type Engine struct {
	rules   []Rule
	eval    *Evaluator
	applier *Applier
	sink    Sink
	hasher  Hasher
	logger  *zap.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithSink sets the tracking sink. Without one events are dropped.
func WithSink(s Sink) Option {
	return func(e *Engine) { e.sink = s }
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.logger = l
		}
	}
}

// WithHasher replaces the integrity hasher.
func WithHasher(h Hasher) Option {
	return func(e *Engine) { e.hasher = h }
}

// NewEngine compiles the rules (if the catalog has not already) and builds
// an engine. A rule that does not compile is a CONFIG error for the whole
// engine; use the catalog loader to drop bad rules instead.
func NewEngine(rules []Rule, xp *xmldoc.XPath, opts ...Option) (*Engine, error) {
	e := &Engine{
		rules:  make([]Rule, len(rules)),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.hasher == nil {
		e.hasher = integrity.New(e.logger)
	}
	e.eval = NewEvaluator(xp, e.logger)
	e.applier = NewApplier(xp, e.logger)

	copy(e.rules, rules)
	for i := range e.rules {
		if err := e.rules[i].Compile(xp, DefaultMaxDepth); err != nil {
			return nil, err
		}
	}
	return e, nil
}

// Rules returns a copy of the rule list in execution order.
func (e *Engine) Rules() []Rule {
	out := make([]Rule, len(e.rules))
	copy(out, e.rules)
	return out
}

// Apply runs every rule against doc. executionID and fileName are passed
// through to the sink.
func (e *Engine) Apply(ctx context.Context, doc *xmldoc.Document, executionID, fileName string) (*Result, error) {
	root := doc.Root()
	if root == nil {
		return nil, NewError(ErrIO, "", "apply", fmt.Errorf("%s: %w", fileName, xmldoc.ErrUnreadable))
	}

	res := &Result{Applications: []Application{}}
	for i := range e.rules {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		e.applyRule(ctx, &e.rules[i], root, executionID, fileName, res)
	}

	if res.Dirty {
		digest, found, err := e.hasher.Rehash(root)
		if err != nil {
			e.logger.Error("integrity hash failed, document left unwritten",
				zap.String("file", fileName), zap.Error(err))
			return nil, NewError(ErrIntegrity, "", "rehash", err)
		}
		if found {
			res.Hash = digest
		}
	}

	e.logger.Debug("rules applied",
		zap.String("file", fileName),
		zap.Bool("dirty", res.Dirty),
		zap.Int("applications", len(res.Applications)),
		zap.Int("changes", res.Changes()))
	return res, nil
}

func (e *Engine) applyRule(ctx context.Context, r *Rule, root *xmldoc.Node, executionID, fileName string, res *Result) {
	// Snapshot: elements created by this rule are not candidates of this rule.
	candidates := xmldoc.ElementsByLocalName(root, r.Target)
	for _, c := range candidates {
		if !xmldoc.Contains(root, c) {
			continue // removed by an earlier candidate of the same rule
		}
		if !e.eval.Evaluate(c, r.Conditions) {
			continue
		}

		elementContext := xmldoc.Path(c)
		changed, alerts, err := e.applier.Apply(c, r.Action)
		if err != nil {
			e.logger.Info("action did not apply",
				zap.String("rule", r.ID), zap.String("element", elementContext), zap.Error(err))
		}
		for _, a := range alerts {
			a.RuleID = r.ID
			res.Alerts = append(res.Alerts, a)
		}
		res.Applications = append(res.Applications, Application{
			RuleID:   r.ID,
			Group:    r.Group,
			Category: r.Impact.Category,
			Element:  elementContext,
			Changed:  changed,
		})
		if !changed {
			continue
		}

		res.Dirty = true
		e.emit(ctx, Event{
			ExecutionID:    executionID,
			FileName:       fileName,
			Rule:           r,
			Candidate:      c,
			ElementContext: elementContext,
		})
	}
}

// emit hands ev to the sink. Sink failures, panics included, are logged
// and never reach the caller.
func (e *Engine) emit(ctx context.Context, ev Event) {
	if e.sink == nil {
		return
	}
	defer func() {
		if p := recover(); p != nil {
			e.logger.Warn("tracking sink panicked",
				zap.String("rule", ev.Rule.ID), zap.Any("panic", p))
		}
	}()
	if err := e.sink.Record(ctx, ev); err != nil {
		e.logger.Warn("tracking sink failed",
			zap.String("rule", ev.Rule.ID), zap.Error(err))
	}
}
