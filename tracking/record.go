/*
Package tracking turns applied rules into ROI records.

PURPOSE:
  Every correction the engine makes is a gloss the insurer will not apply.
  This package estimates what each correction is worth and stores it,
  append-only, per execution.

KEY CONCEPTS:
  Record: One applied rule on one element, with its estimated value.

  Kind: How the record counts.
    - guide:        the whole guide was saved (GUIA_GLOSS)
    - item:         one procedure line was saved (ITEM_GLOSS)
    - optimization: logged, never counted as savings

  Hierarchy: Within one execution and file a guide is counted once, and an
  item inside an already counted guide is logged but not counted again.

  Values come from the document itself (vl_ServCobrado + tx_AdmServico of the
  affected procedures). When a value cannot be extracted, a flat estimate per
  category is used instead.

USAGE:
  store := tracking.NewMemory()
  recorder := tracking.NewRecorder(store)
  engine, _ := rules.NewEngine(cat.Rules, xp, rules.WithSink(recorder))

SEE ALSO:
  - store/sqlite: persistent RecordStore
  - rules/sink.go: Event and Sink
*/
package tracking

import (
	"context"
	"errors"
	"time"

	"github.com/shopspring/decimal"

	"github.com/warp/glosa-engine/rules"
)

// ErrExecutionNotFound is returned when an execution id is unknown.
var ErrExecutionNotFound = errors.New("execution not found")

// Kind classifies how a record counts towards savings.
type Kind string

const (
	KindGuide        Kind = "guide"
	KindItem         Kind = "item"
	KindOptimization Kind = "optimization"
)

// Record is one tracked correction.
type Record struct {
	ExecutionID    string          `json:"execution_id"`
	FileName       string          `json:"file_name"`
	RuleID         string          `json:"rule_id"`
	Category       rules.Category  `json:"category"`
	Kind           Kind            `json:"kind"`
	ElementContext string          `json:"element_context"`
	GuideID        string          `json:"guide_id,omitempty"`
	ItemSeq        string          `json:"item_seq,omitempty"`
	MonetaryImpact decimal.Decimal `json:"monetary_impact"`
	Counted        bool            `json:"counted"`
	Note           string          `json:"note,omitempty"`
	RecordedAt     time.Time       `json:"recorded_at"`
}

// Key identifies a record. Appending the same key twice is a no-op.
func (r Record) Key() string {
	return r.ExecutionID + "\x00" + r.FileName + "\x00" + r.RuleID + "\x00" + r.ElementContext
}

// Execution is one processing run over one or more documents.
type Execution struct {
	ID         string     `json:"id"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
	Files      int        `json:"files"`
	Modified   int        `json:"modified"`
	Failed     int        `json:"failed"`
}

// =============================================================================
// STORE INTERFACES
// =============================================================================

// RecordStore persists records. Implementations must be safe for concurrent use.
type RecordStore interface {
	AppendRecord(ctx context.Context, rec Record) error
	ListRecords(ctx context.Context, executionID string) ([]Record, error)
}

// ExecutionLog persists execution bookkeeping.
type ExecutionLog interface {
	StartExecution(ctx context.Context, exec Execution) error
	FinishExecution(ctx context.Context, exec Execution) error
	GetExecution(ctx context.Context, id string) (*Execution, error)
}

// =============================================================================
// SUMMARY
// =============================================================================

// Summary aggregates the records of one execution.
type Summary struct {
	ExecutionID string                             `json:"execution_id"`
	Records     int                                `json:"records"`
	Counted     int                                `json:"counted"`
	Savings     decimal.Decimal                    `json:"savings"`
	ByCategory  map[rules.Category]decimal.Decimal `json:"by_category"`
}

// Summarize totals counted records.
func Summarize(executionID string, records []Record) Summary {
	s := Summary{
		ExecutionID: executionID,
		Records:     len(records),
		ByCategory:  make(map[rules.Category]decimal.Decimal),
	}
	for _, r := range records {
		if !r.Counted {
			continue
		}
		s.Counted++
		s.Savings = s.Savings.Add(r.MonetaryImpact)
		s.ByCategory[r.Category] = s.ByCategory[r.Category].Add(r.MonetaryImpact)
	}
	return s
}
