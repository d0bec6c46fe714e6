package rules

import (
	"context"

	"github.com/warp/glosa-engine/xmldoc"
)

// Event is emitted once per action that changed the tree.
type Event struct {
	ExecutionID string
	FileName    string
	Rule        *Rule

	// Candidate is the element the rule matched, after the action ran.
	// Sinks read it to extract values and must not mutate it.
	Candidate *xmldoc.Node

	// ElementContext locates the candidate as it was before the action.
	ElementContext string
}

// Sink observes applied rules. The engine ignores its errors.
type Sink interface {
	Record(ctx context.Context, ev Event) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev Event) error

// Record calls f.
func (f SinkFunc) Record(ctx context.Context, ev Event) error { return f(ctx, ev) }
